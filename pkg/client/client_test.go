package client

import (
	"testing"

	"github.com/go-nan/nancore/pkg/hal"
	"github.com/stretchr/testify/assert"
)

type mockEventCallback struct {
	connectSuccess  int
	connectFail     []hal.ReasonCode
	identityChanged int
	nanDown         []hal.ReasonCode
}

func (m *mockEventCallback) OnConnectSuccess()                  { m.connectSuccess++ }
func (m *mockEventCallback) OnConnectFail(reason hal.ReasonCode) { m.connectFail = append(m.connectFail, reason) }
func (m *mockEventCallback) OnIdentityChanged()                 { m.identityChanged++ }
func (m *mockEventCallback) OnNanDown(reason hal.ReasonCode)    { m.nanDown = append(m.nanDown, reason) }

type mockSessionHandle struct{ terminated int }

func (m *mockSessionHandle) Terminate() { m.terminated++ }

func TestClient(t *testing.T) {
	t.Run("AddSession/RemoveSession/SessionIDs", func(t *testing.T) {
		c := New("c1", 1000, &mockEventCallback{}, hal.ConfigRequest{})
		c.AddSession(1, &mockSessionHandle{})
		c.AddSession(2, &mockSessionHandle{})
		assert.Equal(t, 2, c.SessionCount())
		assert.ElementsMatch(t, []uint64{1, 2}, c.SessionIDs())

		c.RemoveSession(1)
		assert.Equal(t, 1, c.SessionCount())
		_, ok := c.Session(1)
		assert.False(t, ok)
		s2, ok := c.Session(2)
		assert.True(t, ok)
		assert.NotNil(t, s2)
	})

	t.Run("ConnectSuccess/ConnectFail/IdentityChanged/NanDown forward to the callback", func(t *testing.T) {
		cb := &mockEventCallback{}
		c := New("c1", 1000, cb, hal.ConfigRequest{})

		c.ConnectSuccess()
		c.ConnectFail(hal.ReasonAlreadyConnectedIncompatConfig)
		c.IdentityChanged()
		c.NanDown(hal.ReasonOther)

		assert.Equal(t, 1, cb.connectSuccess)
		assert.Equal(t, []hal.ReasonCode{hal.ReasonAlreadyConnectedIncompatConfig}, cb.connectFail)
		assert.Equal(t, 1, cb.identityChanged)
		assert.Equal(t, []hal.ReasonCode{hal.ReasonOther}, cb.nanDown)
	})

	t.Run("Pending/DecPendingJobs/TearingDown", func(t *testing.T) {
		c := New("c1", 1000, &mockEventCallback{}, hal.ConfigRequest{})
		assert.False(t, c.Pending())

		c.IncPendingJobs()
		c.IncPendingJobs()
		assert.True(t, c.Pending())

		c.MarkTearingDown()
		assert.True(t, c.TearingDown())

		readyForTeardown := c.DecPendingJobs()
		assert.False(t, readyForTeardown) // one job still outstanding
		assert.True(t, c.Pending())

		readyForTeardown = c.DecPendingJobs()
		assert.True(t, readyForTeardown) // last job resolved
		assert.False(t, c.Pending())
	})

	t.Run("DecPendingJobs never reports readyForTeardown before MarkTearingDown", func(t *testing.T) {
		c := New("c1", 1000, &mockEventCallback{}, hal.ConfigRequest{})
		c.IncPendingJobs()
		assert.False(t, c.DecPendingJobs())
	})
}
