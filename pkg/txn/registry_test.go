package txn

import (
	"errors"
	"testing"
	"time"

	"github.com/go-nan/nancore/pkg/hal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	t.Run("Alloc never returns id 0", func(t *testing.T) {
		r := New(time.Second, time.Now)
		r.next = ^hal.TransactionID(0) // one below the wraparound point
		p := r.Alloc(KindGetCapabilities, "", 0, nil)
		assert.NotEqual(t, hal.TransactionID(0), p.ID)
	})

	t.Run("Resolve returns and removes the pending transaction", func(t *testing.T) {
		r := New(time.Second, time.Now)
		p := r.Alloc(KindPublish, "c1", 7, "ctx")
		assert.Equal(t, 1, r.Len())

		got, err := r.Resolve(p.ID)
		require.NoError(t, err)
		assert.Equal(t, p, got)
		assert.Equal(t, 0, r.Len())
	})

	t.Run("Resolve on an unknown id is ErrUnknownTransaction", func(t *testing.T) {
		r := New(time.Second, time.Now)
		_, err := r.Resolve(99)
		assert.True(t, errors.Is(err, ErrUnknownTransaction))
	})

	t.Run("Resolve is not idempotent", func(t *testing.T) {
		r := New(time.Second, time.Now)
		p := r.Alloc(KindSubscribe, "c1", 1, nil)
		_, err := r.Resolve(p.ID)
		require.NoError(t, err)
		_, err = r.Resolve(p.ID)
		assert.True(t, errors.Is(err, ErrUnknownTransaction))
	})

	t.Run("ExpireDue only returns transactions past their deadline", func(t *testing.T) {
		now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		clock := func() time.Time { return now }
		r := New(5*time.Second, clock)

		early := r.Alloc(KindPublish, "c1", 1, nil)
		now = now.Add(3 * time.Second)
		late := r.Alloc(KindSubscribe, "c1", 2, nil)

		now = now.Add(3 * time.Second) // early is now 6s old, late is 3s old
		due := r.ExpireDue()
		require.Len(t, due, 1)
		assert.Equal(t, early.ID, due[0].ID)
		assert.Equal(t, 1, r.Len())

		now = now.Add(5 * time.Second)
		due = r.ExpireDue()
		require.Len(t, due, 1)
		assert.Equal(t, late.ID, due[0].ID)
	})

	t.Run("NextDeadline reports the earliest pending deadline", func(t *testing.T) {
		now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		clock := func() time.Time { return now }
		r := New(time.Second, clock)

		_, ok := r.NextDeadline()
		assert.False(t, ok)

		r.Alloc(KindPublish, "c1", 1, nil)
		now = now.Add(time.Millisecond)
		second := r.Alloc(KindSubscribe, "c1", 2, nil)

		deadline, ok := r.NextDeadline()
		require.True(t, ok)
		assert.True(t, deadline.Before(second.deadline) || deadline.Equal(second.deadline))
	})

	t.Run("Reset drops every pending transaction", func(t *testing.T) {
		r := New(time.Second, time.Now)
		r.Alloc(KindPublish, "c1", 1, nil)
		r.Alloc(KindSubscribe, "c1", 2, nil)
		r.Reset()
		assert.Equal(t, 0, r.Len())
		_, ok := r.NextDeadline()
		assert.False(t, ok)
	})

	t.Run("IDs snapshots outstanding transactions", func(t *testing.T) {
		r := New(time.Second, time.Now)
		a := r.Alloc(KindPublish, "c1", 1, nil)
		b := r.Alloc(KindSubscribe, "c1", 2, nil)
		assert.ElementsMatch(t, []hal.TransactionID{a.ID, b.ID}, r.IDs())
	})
}
