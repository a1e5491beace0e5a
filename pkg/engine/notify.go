package engine

import (
	"github.com/go-nan/nancore/pkg/hal"
	log "github.com/sirupsen/logrus"
)

// ---- driver-facing entry points (spec §6). The driver binding calls these
// from its own goroutine(s); each just posts an event and returns. ----

type capabilitiesArgs struct {
	tid  hal.TransactionID
	caps hal.Capabilities
}

// OnCapabilitiesUpdateResponse reports the outcome of getCapabilities.
func (e *Engine) OnCapabilitiesUpdateResponse(tid hal.TransactionID, caps hal.Capabilities) {
	e.post(event{kind: evCapabilitiesResponse, data: capabilitiesArgs{tid, caps}})
}

// OnConfigSuccessResponse reports a successful enableAndConfigure.
func (e *Engine) OnConfigSuccessResponse(tid hal.TransactionID) {
	e.post(event{kind: evConfigSuccessResponse, data: tid})
}

type configFailArgs struct {
	tid    hal.TransactionID
	reason hal.ReasonCode
}

// OnConfigFailedResponse reports a failed enableAndConfigure.
func (e *Engine) OnConfigFailedResponse(tid hal.TransactionID, reason hal.ReasonCode) {
	e.post(event{kind: evConfigFailedResponse, data: configFailArgs{tid, reason}})
}

type sessionConfigSuccessArgs struct {
	tid       hal.TransactionID
	isPublish bool
	pubSubID  uint32
}

// OnSessionConfigSuccessResponse reports a successful publish/subscribe or
// updatePublish/updateSubscribe.
func (e *Engine) OnSessionConfigSuccessResponse(tid hal.TransactionID, isPublish bool, pubSubID uint32) {
	e.post(event{kind: evSessionConfigSuccessResponse, data: sessionConfigSuccessArgs{tid, isPublish, pubSubID}})
}

type sessionConfigFailArgs struct {
	tid       hal.TransactionID
	isPublish bool
	reason    hal.ReasonCode
}

// OnSessionConfigFailResponse reports a failed publish/subscribe or
// updatePublish/updateSubscribe.
func (e *Engine) OnSessionConfigFailResponse(tid hal.TransactionID, isPublish bool, reason hal.ReasonCode) {
	e.post(event{kind: evSessionConfigFailResponse, data: sessionConfigFailArgs{tid, isPublish, reason}})
}

// OnMessageSendQueuedSuccessResponse reports that a sendMessage reached the
// firmware queue.
func (e *Engine) OnMessageSendQueuedSuccessResponse(tid hal.TransactionID) {
	e.post(event{kind: evMessageSendQueuedSuccess, data: tid})
}

type queuedFailArgs struct {
	tid    hal.TransactionID
	reason hal.ReasonCode
}

// OnMessageSendQueuedFailResponse reports that a sendMessage never reached
// the firmware queue.
func (e *Engine) OnMessageSendQueuedFailResponse(tid hal.TransactionID, reason hal.ReasonCode) {
	e.post(event{kind: evMessageSendQueuedFail, data: queuedFailArgs{tid, reason}})
}

// OnMessageSendSuccessNotification reports that a queued send completed
// on-air.
func (e *Engine) OnMessageSendSuccessNotification(tid hal.TransactionID) {
	e.post(event{kind: evMessageSendSuccessNotif, data: tid})
}

type sendFailArgs struct {
	tid    hal.TransactionID
	reason hal.ReasonCode
}

// OnMessageSendFailNotification reports that a queued send failed on-air.
func (e *Engine) OnMessageSendFailNotification(tid hal.TransactionID, reason hal.ReasonCode) {
	e.post(event{kind: evMessageSendFailNotif, data: sendFailArgs{tid, reason}})
}

type matchArgs struct {
	pubSubID    uint32
	isPublish   bool
	peerID      uint32
	mac         hal.MAC
	peerSsi     []byte
	matchFilter []byte
}

// OnMatchNotification reports a discovered peer for the session identified
// by (pubSubID, isPublish).
func (e *Engine) OnMatchNotification(pubSubID uint32, isPublish bool, peerID uint32, mac hal.MAC, peerSsi, matchFilter []byte) {
	e.post(event{kind: evMatchNotif, data: matchArgs{pubSubID, isPublish, peerID, mac, peerSsi, matchFilter}})
}

type messageReceivedArgs struct {
	pubSubID  uint32
	isPublish bool
	peerID    uint32
	mac       hal.MAC
	msg       []byte
}

// OnMessageReceivedNotification reports an inbound message on the session
// identified by (pubSubID, isPublish).
func (e *Engine) OnMessageReceivedNotification(pubSubID uint32, isPublish bool, peerID uint32, mac hal.MAC, msg []byte) {
	e.post(event{kind: evMessageReceivedNotif, data: messageReceivedArgs{pubSubID, isPublish, peerID, mac, msg}})
}

type sessionTerminatedArgs struct {
	pubSubID  uint32
	reason    hal.TerminateReason
	isPublish bool
}

// OnSessionTerminatedNotification reports a driver-originated session
// teardown (spec §4.3).
func (e *Engine) OnSessionTerminatedNotification(pubSubID uint32, reason hal.TerminateReason, isPublish bool) {
	e.post(event{kind: evSessionTerminatedNotif, data: sessionTerminatedArgs{pubSubID, reason, isPublish}})
}

// OnClusterChangeNotification fans out to every client with
// EnableIdentityChangeCallback set (spec §4.6).
func (e *Engine) OnClusterChangeNotification() {
	e.post(event{kind: evClusterChangeNotif})
}

// OnInterfaceAddressChangeNotification fans out identically to
// OnClusterChangeNotification (spec §4.6).
func (e *Engine) OnInterfaceAddressChangeNotification() {
	e.post(event{kind: evIfaceAddrChangeNotif})
}

// OnNanDownNotification reports an unsolicited radio-down event: every
// client is told, then the engine resets to UsageDisabled without issuing
// disable/deInit (the radio is already down).
func (e *Engine) OnNanDownNotification(reason hal.ReasonCode) {
	e.post(event{kind: evNanDownNotif, data: reason})
}

// ---- resolution ----

func (e *Engine) onCapabilitiesResponse(a capabilitiesArgs) {
	_, err := e.txReg.Resolve(a.tid)
	if err != nil {
		log.WithFields(logFields("tid", a.tid)).Debug("stale capabilities response dropped")
		return
	}
	e.caps = a.caps
	e.capsKnown = true
	e.queue.SetCapacity(a.caps.MaxQueueDepth)
	e.dataPath.CreateAllInterfaces()
	e.finishJob()
}

func (e *Engine) onConfigSuccessResponse(tid hal.TransactionID) {
	p, err := e.txReg.Resolve(tid)
	if err != nil {
		log.WithFields(logFields("tid", tid)).Debug("stale config response dropped")
		return
	}
	j := p.Context.(*job)
	e.resolveEnableAndConfigure(j, true, hal.ReasonOther)
}

func (e *Engine) onConfigFailedResponse(a configFailArgs) {
	p, err := e.txReg.Resolve(a.tid)
	if err != nil {
		log.WithFields(logFields("tid", a.tid)).Debug("stale config response dropped")
		return
	}
	j := p.Context.(*job)
	e.resolveEnableAndConfigure(j, false, a.reason)
}

// resolveEnableAndConfigure finishes a jobEnableAndConfigure, regardless of
// whether it reached the driver synchronously-refused or via a real
// response. ok reflects whether the driver actually programmed cfg.
func (e *Engine) resolveEnableAndConfigure(j *job, ok bool, reason hal.ReasonCode) {
	if ok {
		e.programmedConfig = j.cfg
		e.driverConfigured = true
	}

	if j.clientID != "" {
		c, exists := e.clients[j.clientID]
		if exists {
			readyForTeardown := c.DecPendingJobs()
			if j.isConnect && !c.TearingDown() {
				if ok {
					c.ConnectSuccess()
				} else {
					delete(e.clients, j.clientID)
					e.metrics.ActiveClients.Dec()
					c.ConnectFail(reason)
				}
			}
			if readyForTeardown {
				e.finishClientTeardown(c)
			}
		}
	}

	e.finishJob()
}

func (e *Engine) onSessionConfigSuccessResponse(a sessionConfigSuccessArgs) {
	p, err := e.txReg.Resolve(a.tid)
	if err != nil {
		log.WithFields(logFields("tid", a.tid)).Debug("stale session-config response dropped")
		return
	}
	j := p.Context.(*job)
	e.resolveSessionConfig(j, a.isPublish, true, a.pubSubID, hal.ReasonOther)
}

func (e *Engine) onSessionConfigFailResponse(a sessionConfigFailArgs) {
	p, err := e.txReg.Resolve(a.tid)
	if err != nil {
		log.WithFields(logFields("tid", a.tid)).Debug("stale session-config response dropped")
		return
	}
	j := p.Context.(*job)
	e.resolveSessionConfig(j, a.isPublish, false, 0, a.reason)
}

// resolveSessionConfig finishes a jobPublish/jobSubscribe. If the session
// has already been removed (terminateSession or disconnect ran while the
// job was in flight), a successful response is an orphan: the driver did
// create it, so it must be stopped immediately even though no callback
// fires (spec §4.4, scenario S5).
func (e *Engine) resolveSessionConfig(j *job, isPublish bool, ok bool, pubSubID uint32, reason hal.ReasonCode) {
	s, exists := e.sessions[j.sessionID]
	switch {
	case exists && ok && !s.IsStarted():
		s.Started(pubSubID)
		e.pubSubIndex[pubSubKey{pubSubID, isPublish}] = j.sessionID
	case exists && ok:
		s.ConfigSuccess()
	case exists && !ok && !s.IsStarted():
		s.ConfigFail(reason)
		e.tearDownSessionNow(j.sessionID)
	case exists && !ok:
		s.ConfigFail(reason)
	case !exists && ok:
		kind := hal.Subscribe
		if isPublish {
			kind = hal.Publish
		}
		e.stopDriverSession(kind, pubSubID)
	}

	if j.clientID != "" {
		if c, exists := e.clients[j.clientID]; exists {
			if c.DecPendingJobs() {
				e.finishClientTeardown(c)
			}
		}
	}

	e.finishJob()
}

func (e *Engine) sessionFor(pubSubID uint32, isPublish bool) (uint64, bool) {
	id, ok := e.pubSubIndex[pubSubKey{pubSubID, isPublish}]
	return id, ok
}

func (e *Engine) onMessageSendQueuedSuccess(tid hal.TransactionID) {
	if arm := e.queue.QueuedSuccess(tid); arm {
		e.armSendTimer()
	}
}

func (e *Engine) onMessageSendQueuedFail(a queuedFailArgs) {
	e.queue.QueuedFail(a.tid, a.reason)
	e.metrics.QueueDepth.Set(float64(e.queue.InFlightCount()))
}

func (e *Engine) onMessageSendSuccessNotification(tid hal.TransactionID) {
	if disarm := e.queue.TxSuccess(tid); disarm {
		e.disarmSendTimer()
	}
	e.metrics.QueueDepth.Set(float64(e.queue.InFlightCount()))
}

func (e *Engine) onMessageSendFailNotification(a sendFailArgs) {
	if disarm := e.queue.TxFail(a.tid, a.reason); disarm {
		e.disarmSendTimer()
	}
	e.metrics.QueueDepth.Set(float64(e.queue.InFlightCount()))
}

func (e *Engine) onMatchNotification(a matchArgs) {
	sessionID, ok := e.sessionFor(a.pubSubID, a.isPublish)
	if !ok {
		return
	}
	s, ok := e.sessions[sessionID]
	if !ok {
		return
	}
	s.Match(a.peerID, a.mac, a.peerSsi, a.matchFilter)
}

func (e *Engine) onMessageReceivedNotification(a messageReceivedArgs) {
	sessionID, ok := e.sessionFor(a.pubSubID, a.isPublish)
	if !ok {
		return
	}
	s, ok := e.sessions[sessionID]
	if !ok {
		return
	}
	s.MessageReceived(a.peerID, a.mac, a.msg)
}

func (e *Engine) onSessionTerminatedNotification(a sessionTerminatedArgs) {
	sessionID, ok := e.sessionFor(a.pubSubID, a.isPublish)
	if !ok {
		return
	}
	s, ok := e.sessions[sessionID]
	if !ok {
		return
	}
	s.OnDriverTerminated(a.reason)
	delete(e.sessions, sessionID)
	delete(e.pubSubIndex, pubSubKey{a.pubSubID, a.isPublish})
	if c, ok := e.clients[s.ClientID]; ok {
		c.RemoveSession(sessionID)
	}
	e.queue.RemoveSession(sessionID)
	e.metrics.ActiveSessions.Dec()
}

func (e *Engine) onClusterChangeNotification() {
	for _, c := range e.clients {
		if c.Config.EnableIdentityChangeCallback {
			c.IdentityChanged()
		}
	}
}

func (e *Engine) onInterfaceAddressChangeNotification() {
	e.onClusterChangeNotification()
}

// onNanDownNotification does not call BroadcastDisabled: nanDown is a radio
// event, not a policy event (spec §4.6). It still resets the engine to
// UsageDisabled, and the engine keeps no usage bit apart from its state, so
// IsUsageEnabled reports false afterwards.
func (e *Engine) onNanDownNotification(reason hal.ReasonCode) {
	for _, c := range e.clients {
		c.NanDown(reason)
	}
	e.dataPath.OnNanDownCleanupDataPaths()
	e.dataPath.DeleteAllInterfaces()
	e.resetAll()
}
