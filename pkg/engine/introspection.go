package engine

// Introspection surface for tests (design note §9): exported snapshot
// methods instead of reflection into private state. Each blocks on the
// dispatch loop so the snapshot reflects every command submitted before
// the call returns, the same FIFO guarantee IsUsageEnabled gives.

// State reports the current StateMachine state.
func (e *Engine) State() State {
	reply := make(chan State, 1)
	e.post(event{kind: evSnapshotState, data: reply})
	return <-reply
}

// ClientIDs returns a snapshot of every connected client id.
func (e *Engine) ClientIDs() []string {
	reply := make(chan []string, 1)
	e.post(event{kind: evSnapshotClientIDs, data: reply})
	return <-reply
}

// SessionIDs returns a snapshot of every live session id.
func (e *Engine) SessionIDs() []uint64 {
	reply := make(chan []uint64, 1)
	e.post(event{kind: evSnapshotSessionIDs, data: reply})
	return <-reply
}

type clientSessionsQuery struct {
	clientID string
	reply    chan []uint64
}

// ClientSessionIDs returns clientID's session ids, or nil if clientID is
// unknown.
func (e *Engine) ClientSessionIDs(clientID string) []uint64 {
	reply := make(chan []uint64, 1)
	e.post(event{kind: evSnapshotClientSessionIDs, data: clientSessionsQuery{clientID, reply}})
	return <-reply
}

type peerIDsQuery struct {
	sessionID uint64
	reply     chan []uint32
}

// SessionPeerIDs returns sessionID's known peer ids, or nil if sessionID is
// unknown.
func (e *Engine) SessionPeerIDs(sessionID uint64) []uint32 {
	reply := make(chan []uint32, 1)
	e.post(event{kind: evSnapshotPeerIDs, data: peerIDsQuery{sessionID, reply}})
	return <-reply
}

// QueuedMessageIDs returns a snapshot of every message id currently known
// to the SendMessageQueue.
func (e *Engine) QueuedMessageIDs() []uint16 {
	reply := make(chan []uint16, 1)
	e.post(event{kind: evSnapshotQueuedMessageIDs, data: reply})
	return <-reply
}
