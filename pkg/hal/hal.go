// Package hal defines the boundary between the NAN core engine and the
// native driver binding. The driver itself — the actual radio firmware
// interface — is out of scope for this module (spec §1); only the shape of
// the request/response protocol it exposes is modelled here, the way the
// teacher's pkg/client modelled the sender/HandlerFunc boundary to the UDP
// socket without owning device firmware.
package hal

import "fmt"

// TransactionID is the 16-bit, always-nonzero correlator between an
// outbound driver command and its asynchronous response (spec §4.1/§6).
type TransactionID uint16

// SessionKind distinguishes a publish session from a subscribe session.
type SessionKind int

const (
	Publish SessionKind = iota
	Subscribe
)

func (k SessionKind) String() string {
	if k == Publish {
		return "publish"
	}
	return "subscribe"
}

// ReasonCode is the closed set of reason codes carried back to app
// callbacks, stable over the wire (spec §6).
type ReasonCode int

const (
	ReasonOther ReasonCode = iota
	ReasonNoResources
	ReasonInvalidArgs
	ReasonTxFail
	ReasonNoMatchSession
	ReasonAlreadyConnectedIncompatConfig
)

func (r ReasonCode) String() string {
	switch r {
	case ReasonOther:
		return "OTHER"
	case ReasonNoResources:
		return "NO_RESOURCES"
	case ReasonInvalidArgs:
		return "INVALID_ARGS"
	case ReasonTxFail:
		return "TX_FAIL"
	case ReasonNoMatchSession:
		return "NO_MATCH_SESSION"
	case ReasonAlreadyConnectedIncompatConfig:
		return "ALREADY_CONNECTED_INCOMPAT_CONFIG"
	default:
		return fmt.Sprintf("ReasonCode(%d)", int(r))
	}
}

// TerminateReason is the closed set of session-termination reasons.
type TerminateReason int

const (
	TerminateDone TerminateReason = iota
	TerminateFail
)

func (t TerminateReason) String() string {
	if t == TerminateFail {
		return "FAIL"
	}
	return "DONE"
}

// Capabilities is fetched exactly once after enable and treated as
// immutable thereafter (spec §3).
type Capabilities struct {
	MaxQueueDepth       int
	MaxServiceNameLen   int
	MaxConcurrentPubs   int
	MaxConcurrentSubs   int
	MaxSubscribeAddress int
	MaxAppInfoLen       int
}

// ConfigRequest is a per-client radio configuration request; ConfigMerger
// folds the set of connected clients' requests into one effective request
// (spec §4.5).
type ConfigRequest struct {
	MasterPreference             int
	ClusterLow                   int
	ClusterHigh                  int
	Support5g                    bool
	EnableIdentityChangeCallback bool
}

// PublishConfig configures a publish session.
type PublishConfig struct {
	ServiceName string
	Ssi         []byte
	MatchFilter []byte
}

// SubscribeConfig configures a subscribe session.
type SubscribeConfig struct {
	ServiceName string
	Ssi         []byte
	MatchFilter []byte
}

// MAC is a 6-byte peer hardware address.
type MAC [6]byte

// Driver is the native command sink consumed by the engine. Every method
// returns whether the command was accepted for dispatch, not whether it
// ultimately succeeded — the asynchronous result arrives later when the
// driver binding calls the engine's driver-facing On* methods (spec §6).
type Driver interface {
	GetCapabilities(tid TransactionID) bool
	EnableAndConfigure(tid TransactionID, cfg ConfigRequest, notifyIdentityChange bool) bool
	Disable(tid TransactionID) bool
	DeInitNan() bool
	Publish(tid TransactionID, pubID uint32, cfg PublishConfig) bool
	Subscribe(tid TransactionID, subID uint32, cfg SubscribeConfig) bool
	StopPublish(tid TransactionID, pubID uint32) bool
	StopSubscribe(tid TransactionID, subID uint32) bool
	SendMessage(tid TransactionID, pubSubID uint32, requestorID uint32, destMac MAC, payload []byte, messageID uint16) bool
}
