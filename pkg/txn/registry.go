// Package txn implements the TransactionRegistry (spec §4.1): allocation of
// 16-bit, wrap-around, always-nonzero transaction ids and their mapping
// back to the pending operation that is waiting on a driver response.
package txn

import (
	"errors"
	"time"

	"github.com/go-nan/nancore/pkg/hal"
)

// ErrUnknownTransaction is returned by Resolve when the transaction id is
// not registered — a stale or mismatched driver response (spec §7 case 4).
var ErrUnknownTransaction = errors.New("txn: unknown transaction")

// Kind identifies the operation a pending transaction belongs to.
type Kind int

const (
	KindGetCapabilities Kind = iota
	KindEnableAndConfigure
	KindDisable
	KindPublish
	KindSubscribe
	KindStopPublish
	KindStopSubscribe
	KindSendMessage
)

// Pending is a PendingTransaction (spec §3): the bookkeeping a component
// needs to resume work when the matching driver response (or a timeout)
// arrives. Context is a small opaque payload set by the caller of Alloc and
// returned unmodified by Resolve/Expire.
type Pending struct {
	ID        hal.TransactionID
	Kind      Kind
	ClientID  string
	SessionID uint64
	Context   any
	deadline  time.Time
}

// Registry allocates transaction ids and tracks their deadlines. It is not
// safe for concurrent use; the engine's single-threaded dispatcher is the
// only caller, by design (spec §5).
type Registry struct {
	next    hal.TransactionID
	pending map[hal.TransactionID]*Pending
	timeout time.Duration
	now     func() time.Time
}

// New returns a Registry whose transactions expire after timeout if Resolve
// is never called for them. now defaults to time.Now.
func New(timeout time.Duration, now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		pending: make(map[hal.TransactionID]*Pending),
		timeout: timeout,
		now:     now,
	}
}

// Alloc reserves the next transaction id, recording kind/clientID/sessionID
// and an arbitrary context, and returns the pending record.
func (r *Registry) Alloc(kind Kind, clientID string, sessionID uint64, ctx any) *Pending {
	r.next++
	if r.next == 0 {
		// id 0 is reserved; never allocate it (spec §4.1 "always-nonzero").
		r.next = 1
	}

	p := &Pending{
		ID:        r.next,
		Kind:      kind,
		ClientID:  clientID,
		SessionID: sessionID,
		Context:   ctx,
		deadline:  r.now().Add(r.timeout),
	}
	r.pending[p.ID] = p
	return p
}

// Resolve removes and returns the pending transaction for id. It reports
// ErrUnknownTransaction if id was never allocated, already resolved, or
// already expired — the caller's only obligation on that error is to drop
// the response silently (spec §7 case 4).
func (r *Registry) Resolve(id hal.TransactionID) (*Pending, error) {
	p, ok := r.pending[id]
	if !ok {
		return nil, ErrUnknownTransaction
	}
	delete(r.pending, id)
	return p, nil
}

// Peek returns the pending transaction for id without removing it, or
// ErrUnknownTransaction.
func (r *Registry) Peek(id hal.TransactionID) (*Pending, error) {
	p, ok := r.pending[id]
	if !ok {
		return nil, ErrUnknownTransaction
	}
	return p, nil
}

// ExpireDue removes and returns every transaction whose deadline has
// passed. Callers synthesize a failure of the enclosing operation for each
// one returned (spec §4.1).
func (r *Registry) ExpireDue() []*Pending {
	now := r.now()
	var due []*Pending
	for id, p := range r.pending {
		if !now.Before(p.deadline) {
			due = append(due, p)
			delete(r.pending, id)
		}
	}
	return due
}

// NextDeadline returns the earliest deadline among pending transactions and
// true, or the zero time and false if none are pending. The engine arms its
// single command-timeout timer from this.
func (r *Registry) NextDeadline() (time.Time, bool) {
	var (
		earliest time.Time
		found    bool
	)
	for _, p := range r.pending {
		if !found || p.deadline.Before(earliest) {
			earliest = p.deadline
			found = true
		}
	}
	return earliest, found
}

// Len reports the number of pending transactions.
func (r *Registry) Len() int {
	return len(r.pending)
}

// Reset drops every pending transaction without resolving it — used on
// global disable/nanDown teardown (spec §4.6).
func (r *Registry) Reset() {
	clear(r.pending)
}

// IDs returns a snapshot of outstanding transaction ids, for test
// introspection (design note §9).
func (r *Registry) IDs() []hal.TransactionID {
	ids := make([]hal.TransactionID, 0, len(r.pending))
	for id := range r.pending {
		ids = append(ids, id)
	}
	return ids
}
