// Package session implements SessionState (spec §4.3): one instance per
// active publish or subscribe, tracking discovered peers and the
// driver-assigned pub/sub id. Grounded on the teacher's DeviceSession
// (pkg/controller/session.go), which owns a single device's lifecycle and
// its mutable state — generalized here from "one device" to "one
// publish/subscribe session" and from a UDP sender to the hal.Driver
// command sink.
package session

import "github.com/go-nan/nancore/pkg/hal"

// Callback is the session-level event sink (spec §6). Exactly one
// onSessionStarted precedes any onMatch/onMessageReceived/onMessageSend*
// for the session (spec §5 ordering guarantee); after onSessionTerminated
// no further callback fires.
type Callback interface {
	OnSessionStarted(sessionID uint64)
	OnSessionConfigSuccess()
	OnSessionConfigFail(reason hal.ReasonCode)
	OnSessionTerminated(reason hal.TerminateReason)
	OnMatch(peerID uint32, peerSsi, matchFilter []byte)
	OnMessageReceived(peerID uint32, msg []byte)
	OnMessageSendSuccess(messageID uint16)
	OnMessageSendFail(messageID uint16, reason hal.ReasonCode)
}

// peer is a Peer entry (spec §3): a discovered peer's current MAC,
// refreshed on every inbound match or message.
type peer struct {
	mac hal.MAC
}

// Session is a SessionState.
type Session struct {
	ID       uint64
	ClientID string
	Kind     hal.SessionKind
	cb       Callback

	// PubSubID is the driver-assigned pub/sub id. It is unset until the
	// first successful driver response (spec §3 invariant: no Session
	// exposes this id to the app until confirmed).
	PubSubID   uint32
	started    bool
	terminated bool

	peers map[uint32]*peer
}

// New returns a Session with no driver id yet assigned.
func New(id uint64, clientID string, kind hal.SessionKind, cb Callback) *Session {
	return &Session{
		ID:       id,
		ClientID: clientID,
		Kind:     kind,
		cb:       cb,
		peers:    make(map[uint32]*peer),
	}
}

// Terminated reports whether the session has already been torn down. The
// engine removes a torn-down session from its indexes, so any further app
// call against its id is a silent no-op (scenario S2).
func (s *Session) Terminated() bool {
	return s.terminated
}

// Started records the driver-assigned pub/sub id on first success and
// emits onSessionStarted exactly once (spec §4.3, §8 universal invariant).
func (s *Session) Started(pubSubID uint32) {
	if s.started {
		return
	}
	s.PubSubID = pubSubID
	s.started = true
	s.cb.OnSessionStarted(s.ID)
}

// IsStarted reports whether the driver has confirmed session creation.
func (s *Session) IsStarted() bool {
	return s.started
}

// ValidateUpdateKind reports whether an updateConfig request of kind may be
// applied to this session; a mismatch is a local failure, never sent to
// the driver (spec §4.3).
func (s *Session) ValidateUpdateKind(kind hal.SessionKind) bool {
	return kind == s.Kind
}

// ConfigSuccess reports a successful updatePublish/updateSubscribe.
func (s *Session) ConfigSuccess() {
	s.cb.OnSessionConfigSuccess()
}

// ConfigFail reports a failed updatePublish/updateSubscribe; the session
// remains alive (spec §4.3).
func (s *Session) ConfigFail(reason hal.ReasonCode) {
	s.cb.OnSessionConfigFail(reason)
}

// Terminate marks the session as locally torn down and suppresses all
// further callbacks. Callers (ClientState/StateMachine) are responsible
// for issuing stopPublish/stopSubscribe and removing the session from its
// owning structures synchronously (spec §4.3).
func (s *Session) Terminate() {
	s.terminated = true
}

// OnDriverTerminated maps a driver-originated sessionTerminated
// notification to exactly one onSessionTerminated callback (spec §4.3).
// The caller removes the session from its owning structures immediately
// afterward.
func (s *Session) OnDriverTerminated(reason hal.TerminateReason) {
	if s.terminated {
		return
	}
	s.terminated = true
	s.cb.OnSessionTerminated(reason)
}

// Match upserts the peer's MAC and reports onMatch (spec §4.3).
func (s *Session) Match(peerID uint32, mac hal.MAC, peerSsi, matchFilter []byte) {
	s.upsertPeer(peerID, mac)
	s.cb.OnMatch(peerID, peerSsi, matchFilter)
}

// MessageReceived upserts the peer's MAC and reports onMessageReceived
// (spec §4.3).
func (s *Session) MessageReceived(peerID uint32, mac hal.MAC, msg []byte) {
	s.upsertPeer(peerID, mac)
	s.cb.OnMessageReceived(peerID, msg)
}

func (s *Session) upsertPeer(peerID uint32, mac hal.MAC) {
	if p, ok := s.peers[peerID]; ok {
		p.mac = mac
		return
	}
	s.peers[peerID] = &peer{mac: mac}
}

// ResolvePeer returns the current MAC for peerID, or false if the session
// has no entry for it (spec §4.3: sendMessage resolves via this table
// before ever touching the driver).
func (s *Session) ResolvePeer(peerID uint32) (hal.MAC, bool) {
	p, ok := s.peers[peerID]
	if !ok {
		return hal.MAC{}, false
	}
	return p.mac, true
}

// OnMessageSendSuccess/OnMessageSendFail forward terminal send outcomes
// from the SendMessageQueue to the app (spec §4.2/§6).
func (s *Session) OnMessageSendSuccess(messageID uint16) {
	if s.terminated {
		return
	}
	s.cb.OnMessageSendSuccess(messageID)
}

func (s *Session) OnMessageSendFail(messageID uint16, reason hal.ReasonCode) {
	if s.terminated {
		return
	}
	s.cb.OnMessageSendFail(messageID, reason)
}

// PeerIDs returns a snapshot of known peer ids, for test introspection
// (design note §9).
func (s *Session) PeerIDs() []uint32 {
	ids := make([]uint32, 0, len(s.peers))
	for id := range s.peers {
		ids = append(ids, id)
	}
	return ids
}
