package engine

import (
	"github.com/go-nan/nancore/pkg/client"
	"github.com/go-nan/nancore/pkg/configmerge"
	"github.com/go-nan/nancore/pkg/hal"
	"github.com/go-nan/nancore/pkg/queue"
	"github.com/go-nan/nancore/pkg/session"
)

type eventKind int

const (
	evConnect eventKind = iota
	evDisconnect
	evEnableUsage
	evDisableUsage
	evIsUsageEnabled
	evPublish
	evSubscribe
	evUpdatePublish
	evUpdateSubscribe
	evTerminateSession
	evSendMessage
	evStartRanging

	evCapabilitiesResponse
	evConfigSuccessResponse
	evConfigFailedResponse
	evSessionConfigSuccessResponse
	evSessionConfigFailResponse
	evMessageSendQueuedSuccess
	evMessageSendQueuedFail
	evMessageSendSuccessNotif
	evMessageSendFailNotif
	evMatchNotif
	evMessageReceivedNotif
	evSessionTerminatedNotif
	evClusterChangeNotif
	evIfaceAddrChangeNotif
	evNanDownNotif

	evSnapshotState
	evSnapshotClientIDs
	evSnapshotSessionIDs
	evSnapshotClientSessionIDs
	evSnapshotPeerIDs
	evSnapshotQueuedMessageIDs
)

type event struct {
	kind eventKind
	data any
}

func (e *Engine) handle(ev event) {
	switch ev.kind {
	case evConnect:
		e.onConnect(ev.data.(connectArgs))
	case evDisconnect:
		e.onDisconnect(ev.data.(string))
	case evEnableUsage:
		e.onEnableUsage()
	case evDisableUsage:
		e.onDisableUsage()
	case evIsUsageEnabled:
		ev.data.(chan bool) <- e.state != StateUsageDisabled
	case evPublish:
		e.onPublish(ev.data.(publishArgs))
	case evSubscribe:
		e.onSubscribe(ev.data.(subscribeArgs))
	case evUpdatePublish:
		e.onUpdatePublish(ev.data.(updatePublishArgs))
	case evUpdateSubscribe:
		e.onUpdateSubscribe(ev.data.(updateSubscribeArgs))
	case evTerminateSession:
		e.onTerminateSession(ev.data.(terminateArgs))
	case evSendMessage:
		e.onSendMessage(ev.data.(sendMessageArgs))
	case evStartRanging:
		// RTT ranging is out of scope (spec §1); the engine only accepts
		// already-resolved peer addresses and forwards nothing further.

	case evCapabilitiesResponse:
		e.onCapabilitiesResponse(ev.data.(capabilitiesArgs))
	case evConfigSuccessResponse:
		e.onConfigSuccessResponse(ev.data.(hal.TransactionID))
	case evConfigFailedResponse:
		e.onConfigFailedResponse(ev.data.(configFailArgs))
	case evSessionConfigSuccessResponse:
		e.onSessionConfigSuccessResponse(ev.data.(sessionConfigSuccessArgs))
	case evSessionConfigFailResponse:
		e.onSessionConfigFailResponse(ev.data.(sessionConfigFailArgs))
	case evMessageSendQueuedSuccess:
		e.onMessageSendQueuedSuccess(ev.data.(hal.TransactionID))
	case evMessageSendQueuedFail:
		e.onMessageSendQueuedFail(ev.data.(queuedFailArgs))
	case evMessageSendSuccessNotif:
		e.onMessageSendSuccessNotification(ev.data.(hal.TransactionID))
	case evMessageSendFailNotif:
		e.onMessageSendFailNotification(ev.data.(sendFailArgs))
	case evMatchNotif:
		e.onMatchNotification(ev.data.(matchArgs))
	case evMessageReceivedNotif:
		e.onMessageReceivedNotification(ev.data.(messageReceivedArgs))
	case evSessionTerminatedNotif:
		e.onSessionTerminatedNotification(ev.data.(sessionTerminatedArgs))
	case evClusterChangeNotif:
		e.onClusterChangeNotification()
	case evIfaceAddrChangeNotif:
		e.onInterfaceAddressChangeNotification()
	case evNanDownNotif:
		e.onNanDownNotification(ev.data.(hal.ReasonCode))

	case evSnapshotState:
		ev.data.(chan State) <- e.state
	case evSnapshotClientIDs:
		ids := make([]string, 0, len(e.clients))
		for id := range e.clients {
			ids = append(ids, id)
		}
		ev.data.(chan []string) <- ids
	case evSnapshotSessionIDs:
		ids := make([]uint64, 0, len(e.sessions))
		for id := range e.sessions {
			ids = append(ids, id)
		}
		ev.data.(chan []uint64) <- ids
	case evSnapshotClientSessionIDs:
		req := ev.data.(clientSessionsQuery)
		var ids []uint64
		if c, ok := e.clients[req.clientID]; ok {
			ids = c.SessionIDs()
		}
		req.reply <- ids
	case evSnapshotPeerIDs:
		req := ev.data.(peerIDsQuery)
		var ids []uint32
		if s, ok := e.sessions[req.sessionID]; ok {
			ids = s.PeerIDs()
		}
		req.reply <- ids
	case evSnapshotQueuedMessageIDs:
		ev.data.(chan []uint16) <- e.queue.QueuedMessageIDs()
	}
}

// ---- app-facing API (spec §6) ----

type connectArgs struct {
	clientID string
	uid      uint32
	cb       client.EventCallback
	cfg      hal.ConfigRequest
}

// Connect registers a new client, merging its ConfigRequest with every
// other connected client's (spec §4.5).
func (e *Engine) Connect(clientID string, uid uint32, cb client.EventCallback, cfg hal.ConfigRequest) {
	e.post(event{kind: evConnect, data: connectArgs{clientID, uid, cb, cfg}})
}

// Disconnect tears down clientID and every session it owns.
func (e *Engine) Disconnect(clientID string) {
	e.post(event{kind: evDisconnect, data: clientID})
}

// EnableUsage transitions the engine out of UsageDisabled (spec §4.6).
func (e *Engine) EnableUsage() {
	e.post(event{kind: evEnableUsage})
}

// DisableUsage tears everything down and returns to UsageDisabled.
func (e *Engine) DisableUsage() {
	e.post(event{kind: evDisableUsage})
}

// IsUsageEnabled reports whether the engine is outside UsageDisabled. It
// blocks until the dispatch loop answers, preserving FIFO ordering with
// respect to any command submitted just before it.
func (e *Engine) IsUsageEnabled() bool {
	reply := make(chan bool, 1)
	e.post(event{kind: evIsUsageEnabled, data: reply})
	return <-reply
}

type publishArgs struct {
	clientID string
	cfg      hal.PublishConfig
	cb       session.Callback
}

// Publish starts a new publish session for clientID.
func (e *Engine) Publish(clientID string, cfg hal.PublishConfig, cb session.Callback) {
	e.post(event{kind: evPublish, data: publishArgs{clientID, cfg, cb}})
}

type subscribeArgs struct {
	clientID string
	cfg      hal.SubscribeConfig
	cb       session.Callback
}

// Subscribe starts a new subscribe session for clientID.
func (e *Engine) Subscribe(clientID string, cfg hal.SubscribeConfig, cb session.Callback) {
	e.post(event{kind: evSubscribe, data: subscribeArgs{clientID, cfg, cb}})
}

type updatePublishArgs struct {
	clientID  string
	sessionID uint64
	cfg       hal.PublishConfig
}

// UpdatePublish reconfigures an existing publish session.
func (e *Engine) UpdatePublish(clientID string, sessionID uint64, cfg hal.PublishConfig) {
	e.post(event{kind: evUpdatePublish, data: updatePublishArgs{clientID, sessionID, cfg}})
}

type updateSubscribeArgs struct {
	clientID  string
	sessionID uint64
	cfg       hal.SubscribeConfig
}

// UpdateSubscribe reconfigures an existing subscribe session.
func (e *Engine) UpdateSubscribe(clientID string, sessionID uint64, cfg hal.SubscribeConfig) {
	e.post(event{kind: evUpdateSubscribe, data: updateSubscribeArgs{clientID, sessionID, cfg}})
}

type terminateArgs struct {
	clientID  string
	sessionID uint64
}

// TerminateSession ends sessionID; any further call against it is a silent
// no-op (spec §4.3, scenario S2).
func (e *Engine) TerminateSession(clientID string, sessionID uint64) {
	e.post(event{kind: evTerminateSession, data: terminateArgs{clientID, sessionID}})
}

type sendMessageArgs struct {
	clientID    string
	sessionID   uint64
	peerID      uint32
	payload     []byte
	messageID   uint16
	retryCount  int
}

// SendMessage queues payload for peerID over sessionID (spec §4.2).
func (e *Engine) SendMessage(clientID string, sessionID uint64, peerID uint32, payload []byte, messageID uint16, retryCount int) {
	e.post(event{kind: evSendMessage, data: sendMessageArgs{clientID, sessionID, peerID, payload, messageID, retryCount}})
}

// RttParams is opaque ranging configuration; ranging itself is out of scope
// (spec §1) and StartRanging only accepts already-resolved peer addresses.
type RttParams struct {
	PeerMAC hal.MAC
}

// StartRanging is a stub: the core records nothing and issues no driver
// call, consistent with ranging being out of scope (spec §1, Non-goals).
func (e *Engine) StartRanging(clientID string, sessionID uint64, params []RttParams, rangingID uint32) {
	e.post(event{kind: evStartRanging})
}

// ---- connect/disconnect/publish/subscribe handlers ----

func (e *Engine) onConnect(a connectArgs) {
	c := client.New(a.clientID, a.uid, a.cb, a.cfg)
	if e.state == StateUsageDisabled {
		c.ConnectFail(hal.ReasonOther)
		return
	}

	reqs := make([]hal.ConfigRequest, 0, len(e.clients))
	for _, existing := range e.clients {
		reqs = append(reqs, existing.Config)
	}
	merged, ok := configmerge.Compatible(e.programmedConfig, reqs, a.cfg)
	if !ok {
		c.ConnectFail(hal.ReasonAlreadyConnectedIncompatConfig)
		return
	}

	reconfigure, notify := configmerge.NeedsReconfigure(e.programmedConfig, merged, !e.driverConfigured)
	e.clients[a.clientID] = c
	e.metrics.ActiveClients.Inc()

	if !reconfigure {
		c.ConnectSuccess()
		return
	}

	e.enqueueJob(&job{kind: jobEnableAndConfigure, clientID: a.clientID, cfg: merged, notify: notify, isConnect: true})
	e.pump()
}

func (e *Engine) onDisconnect(clientID string) {
	c, ok := e.clients[clientID]
	if !ok {
		return
	}

	for _, sid := range c.SessionIDs() {
		e.tearDownSessionNow(sid)
	}

	if c.Pending() {
		c.MarkTearingDown()
		return
	}
	e.finishClientTeardown(c)
}

// tearDownSessionNow stops a started session immediately and removes it
// from every index; an unstarted session's in-flight creation job is left
// to resolve later, at which point its response handler finds the session
// gone and issues the stop itself (spec §4.4, scenario S5).
func (e *Engine) tearDownSessionNow(sessionID uint64) {
	s, ok := e.sessions[sessionID]
	if !ok {
		return
	}
	if s.IsStarted() {
		e.stopDriverSession(s.Kind, s.PubSubID)
		delete(e.pubSubIndex, pubSubKey{s.PubSubID, s.Kind == hal.Publish})
	}
	delete(e.sessions, sessionID)
	if c, ok := e.clients[s.ClientID]; ok {
		c.RemoveSession(sessionID)
	}
	e.queue.RemoveSession(sessionID)
	s.Terminate()
	e.metrics.ActiveSessions.Dec()
}

func (e *Engine) stopDriverSession(kind hal.SessionKind, pubSubID uint32) {
	if kind == hal.Publish {
		e.driver.StopPublish(0, pubSubID)
	} else {
		e.driver.StopSubscribe(0, pubSubID)
	}
}

// finishClientTeardown removes c and re-merges (or shuts down) the driver
// configuration once no job is outstanding for it (spec §4.5, §4.6).
func (e *Engine) finishClientTeardown(c *client.Client) {
	delete(e.clients, c.ID)
	e.metrics.ActiveClients.Dec()
	e.remergeOrShutdown()
}

func (e *Engine) remergeOrShutdown() {
	if len(e.clients) == 0 {
		e.driver.Disable(0)
		e.driver.DeInitNan()
		e.dataPath.OnNanDownCleanupDataPaths()
		e.programmedConfig = hal.ConfigRequest{}
		e.driverConfigured = false
		return
	}

	reqs := make([]hal.ConfigRequest, 0, len(e.clients))
	for _, c := range e.clients {
		reqs = append(reqs, c.Config)
	}
	merged := configmerge.Merge(reqs)
	reconfigure, _ := configmerge.NeedsReconfigure(e.programmedConfig, merged, !e.driverConfigured)
	if reconfigure {
		e.enqueueJob(&job{kind: jobEnableAndConfigure, cfg: merged})
		e.pump()
	}
}

func (e *Engine) onEnableUsage() {
	if e.state != StateUsageDisabled {
		return
	}
	e.broadcaster.BroadcastEnabled()
	e.jobs = append(e.jobs, &job{kind: jobGetCapabilities})
	e.state = StateIdle
	e.pump()
}

func (e *Engine) onDisableUsage() {
	if e.state == StateUsageDisabled {
		return
	}
	e.driver.Disable(0)
	e.driver.DeInitNan()
	e.dataPath.OnNanDownCleanupDataPaths()
	e.broadcaster.BroadcastDisabled()
	e.dataPath.DeleteAllInterfaces()

	e.resetAll()
}

func (e *Engine) resetAll() {
	e.clients = make(map[string]*client.Client)
	e.sessions = make(map[uint64]*session.Session)
	e.pubSubIndex = make(map[pubSubKey]uint64)
	e.jobs = nil
	e.activeJob = nil
	e.txReg.Reset()
	e.queue.SetCapacity(0)
	e.programmedConfig = hal.ConfigRequest{}
	e.driverConfigured = false
	e.capsKnown = false
	e.commandTimer.Stop()
	e.sendTimer.Stop()
	e.sendArmed = false
	e.state = StateUsageDisabled
	e.metrics.ActiveClients.Set(0)
	e.metrics.ActiveSessions.Set(0)
	e.metrics.QueueDepth.Set(0)
}

func (e *Engine) onPublish(a publishArgs) {
	c, ok := e.clients[a.clientID]
	if !ok || e.state == StateUsageDisabled {
		return
	}
	e.nextSession++
	s := session.New(e.nextSession, a.clientID, hal.Publish, a.cb)
	e.sessions[s.ID] = s
	c.AddSession(s.ID, s)
	e.metrics.ActiveSessions.Inc()

	e.enqueueJob(&job{kind: jobPublish, clientID: a.clientID, sessionID: s.ID, pubCfg: a.cfg})
	e.pump()
}

func (e *Engine) onSubscribe(a subscribeArgs) {
	c, ok := e.clients[a.clientID]
	if !ok || e.state == StateUsageDisabled {
		return
	}
	e.nextSession++
	s := session.New(e.nextSession, a.clientID, hal.Subscribe, a.cb)
	e.sessions[s.ID] = s
	c.AddSession(s.ID, s)
	e.metrics.ActiveSessions.Inc()

	e.enqueueJob(&job{kind: jobSubscribe, clientID: a.clientID, sessionID: s.ID, subCfg: a.cfg})
	e.pump()
}

func (e *Engine) onUpdatePublish(a updatePublishArgs) {
	s, ok := e.sessions[a.sessionID]
	if !ok || s.ClientID != a.clientID {
		return
	}
	if !s.ValidateUpdateKind(hal.Publish) {
		s.ConfigFail(hal.ReasonOther)
		return
	}
	e.enqueueJob(&job{kind: jobPublish, clientID: a.clientID, sessionID: a.sessionID, pubCfg: a.cfg})
	e.pump()
}

func (e *Engine) onUpdateSubscribe(a updateSubscribeArgs) {
	s, ok := e.sessions[a.sessionID]
	if !ok || s.ClientID != a.clientID {
		return
	}
	if !s.ValidateUpdateKind(hal.Subscribe) {
		s.ConfigFail(hal.ReasonOther)
		return
	}
	e.enqueueJob(&job{kind: jobSubscribe, clientID: a.clientID, sessionID: a.sessionID, subCfg: a.cfg})
	e.pump()
}

func (e *Engine) onTerminateSession(a terminateArgs) {
	s, ok := e.sessions[a.sessionID]
	if !ok || s.ClientID != a.clientID {
		return
	}
	e.tearDownSessionNow(a.sessionID)
}

func (e *Engine) onSendMessage(a sendMessageArgs) {
	s, ok := e.sessions[a.sessionID]
	if !ok || s.ClientID != a.clientID || !s.IsStarted() {
		return
	}
	mac, ok := s.ResolvePeer(a.peerID)
	if !ok {
		s.OnMessageSendFail(a.messageID, hal.ReasonNoMatchSession)
		return
	}
	e.queue.Enqueue(&queue.HostQueuedSend{
		MessageID:   a.messageID,
		SessionID:   s.ID,
		PubSubID:    s.PubSubID,
		RequestorID: a.peerID,
		PeerMAC:     mac,
		Payload:     a.payload,
		RetriesLeft: a.retryCount,
	})
	e.metrics.QueueDepth.Set(float64(e.queue.InFlightCount()))
}
