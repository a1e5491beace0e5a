// Package client implements ClientState (spec §4.4): one instance per
// connected application, owning its sessions and its event callback.
// Grounded on the teacher's session/device registry in
// pkg/controller/controller.go (a map of live per-peer state keyed by a
// stable handle, torn down synchronously on Close), generalized from "one
// entry per discovered device" to "one entry per connected app client".
package client

import "github.com/go-nan/nancore/pkg/hal"

// EventCallback is the client-level event sink (spec §6).
type EventCallback interface {
	OnConnectSuccess()
	OnConnectFail(reason hal.ReasonCode)
	OnIdentityChanged()
	OnNanDown(reason hal.ReasonCode)
}

// sessionHandle is the minimal view ClientState needs of a session; it is
// satisfied by *session.Session without this package importing pkg/session,
// keeping the dependency direction client → session one-way at the engine
// level instead of here.
type sessionHandle interface {
	Terminate()
}

// Client is a ClientState.
type Client struct {
	ID     string
	UID    uint32
	cb     EventCallback
	Config hal.ConfigRequest

	sessions map[uint64]sessionHandle

	// pendingJobs counts driver commands issued on this client's or its
	// sessions' behalf (enableAndConfigure, publish, subscribe) that have
	// not yet resolved. tearingDown is latched by disconnect when
	// pendingJobs > 0, so the engine can finish the teardown once the last
	// one resolves instead of tearing down underneath an in-flight
	// transaction (spec §4.4, scenario S5).
	pendingJobs int
	tearingDown bool
}

// New returns a Client with no sessions.
func New(id string, uid uint32, cb EventCallback, cfg hal.ConfigRequest) *Client {
	return &Client{
		ID:       id,
		UID:      uid,
		cb:       cb,
		Config:   cfg,
		sessions: make(map[uint64]sessionHandle),
	}
}

// AddSession registers a session under this client.
func (c *Client) AddSession(sessionID uint64, s sessionHandle) {
	c.sessions[sessionID] = s
}

// Session returns the session registered under sessionID, if any.
func (c *Client) Session(sessionID uint64) (sessionHandle, bool) {
	s, ok := c.sessions[sessionID]
	return s, ok
}

// RemoveSession drops sessionID from this client without affecting the
// session itself; callers terminate the session separately.
func (c *Client) RemoveSession(sessionID uint64) {
	delete(c.sessions, sessionID)
}

// SessionIDs returns a snapshot of this client's session ids, for test
// introspection (design note §9) and for teardown iteration.
func (c *Client) SessionIDs() []uint64 {
	ids := make([]uint64, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	return ids
}

// SessionCount reports how many sessions this client currently owns.
func (c *Client) SessionCount() int {
	return len(c.sessions)
}

// IncPendingJobs records that a driver command was issued on this client's
// behalf.
func (c *Client) IncPendingJobs() {
	c.pendingJobs++
}

// DecPendingJobs records that an outstanding driver command resolved. It
// reports whether the client is tearing down and has no jobs left, meaning
// the engine should now finish the deferred teardown.
func (c *Client) DecPendingJobs() (readyForTeardown bool) {
	c.pendingJobs--
	return c.tearingDown && c.pendingJobs <= 0
}

// Pending reports whether a driver command is outstanding for this client.
func (c *Client) Pending() bool {
	return c.pendingJobs > 0
}

// MarkTearingDown latches deferred teardown; DecPendingJobs will report
// readyForTeardown once the last outstanding job resolves.
func (c *Client) MarkTearingDown() {
	c.tearingDown = true
}

// TearingDown reports whether disconnect has been requested for this client
// and is waiting on an outstanding job to resolve first.
func (c *Client) TearingDown() bool {
	return c.tearingDown
}

// ConnectSuccess reports a successful connect (spec §6).
func (c *Client) ConnectSuccess() {
	c.cb.OnConnectSuccess()
}

// ConnectFail reports a failed connect; the client is never added to the
// engine's client map for a rejected connect (spec §4.5, scenario S6).
func (c *Client) ConnectFail(reason hal.ReasonCode) {
	c.cb.OnConnectFail(reason)
}

// IdentityChanged fans out a clusterChange/interfaceAddressChange
// notification, but only ever called for clients whose ConfigRequest has
// EnableIdentityChangeCallback set (spec §4.6).
func (c *Client) IdentityChanged() {
	c.cb.OnIdentityChanged()
}

// NanDown reports a radio-down event to the client, ahead of its teardown.
func (c *Client) NanDown(reason hal.ReasonCode) {
	c.cb.OnNanDown(reason)
}
