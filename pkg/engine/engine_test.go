package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/go-nan/nancore/pkg/hal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockDriver is the channel-based hal.Driver stand-in used across this
// suite, modeled on the teacher's mockClient (pkg/controller/controller_test.go):
// every call is recorded on a buffered channel so a test can assert ordering
// without a sleep-and-poll loop.
type mockDriver struct {
	mu sync.Mutex

	getCapabilities    chan hal.TransactionID
	enableAndConfigure chan enableAndConfigureCall
	disable            chan hal.TransactionID
	deInitNan          chan struct{}
	publish            chan publishCall
	subscribe          chan subscribeCall
	stopPublish        chan stopCall
	stopSubscribe      chan stopCall
	sendMessage        chan sendMessageCall

	refuseNext map[string]bool
}

type enableAndConfigureCall struct {
	tid    hal.TransactionID
	cfg    hal.ConfigRequest
	notify bool
}

type publishCall struct {
	tid   hal.TransactionID
	pubID uint32
	cfg   hal.PublishConfig
}

type subscribeCall struct {
	tid   hal.TransactionID
	subID uint32
	cfg   hal.SubscribeConfig
}

type stopCall struct {
	tid hal.TransactionID
	id  uint32
}

type sendMessageCall struct {
	tid         hal.TransactionID
	pubSubID    uint32
	requestorID uint32
	destMac     hal.MAC
	payload     []byte
	messageID   uint16
}

func newMockDriver() *mockDriver {
	return &mockDriver{
		getCapabilities:    make(chan hal.TransactionID, 32),
		enableAndConfigure: make(chan enableAndConfigureCall, 32),
		disable:            make(chan hal.TransactionID, 32),
		deInitNan:          make(chan struct{}, 32),
		publish:            make(chan publishCall, 32),
		subscribe:          make(chan subscribeCall, 32),
		stopPublish:        make(chan stopCall, 32),
		stopSubscribe:      make(chan stopCall, 32),
		sendMessage:        make(chan sendMessageCall, 32),
		refuseNext:         make(map[string]bool),
	}
}

func (m *mockDriver) refuse(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refuseNext[method] = true
}

func (m *mockDriver) shouldRefuse(method string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.refuseNext[method] {
		delete(m.refuseNext, method)
		return true
	}
	return false
}

func (m *mockDriver) GetCapabilities(tid hal.TransactionID) bool {
	if m.shouldRefuse("GetCapabilities") {
		return false
	}
	m.getCapabilities <- tid
	return true
}

func (m *mockDriver) EnableAndConfigure(tid hal.TransactionID, cfg hal.ConfigRequest, notify bool) bool {
	if m.shouldRefuse("EnableAndConfigure") {
		return false
	}
	m.enableAndConfigure <- enableAndConfigureCall{tid, cfg, notify}
	return true
}

func (m *mockDriver) Disable(tid hal.TransactionID) bool {
	m.disable <- tid
	return true
}

func (m *mockDriver) DeInitNan() bool {
	m.deInitNan <- struct{}{}
	return true
}

func (m *mockDriver) Publish(tid hal.TransactionID, pubID uint32, cfg hal.PublishConfig) bool {
	if m.shouldRefuse("Publish") {
		return false
	}
	m.publish <- publishCall{tid, pubID, cfg}
	return true
}

func (m *mockDriver) Subscribe(tid hal.TransactionID, subID uint32, cfg hal.SubscribeConfig) bool {
	if m.shouldRefuse("Subscribe") {
		return false
	}
	m.subscribe <- subscribeCall{tid, subID, cfg}
	return true
}

func (m *mockDriver) StopPublish(tid hal.TransactionID, pubID uint32) bool {
	m.stopPublish <- stopCall{tid, pubID}
	return true
}

func (m *mockDriver) StopSubscribe(tid hal.TransactionID, subID uint32) bool {
	m.stopSubscribe <- stopCall{tid, subID}
	return true
}

func (m *mockDriver) SendMessage(tid hal.TransactionID, pubSubID uint32, requestorID uint32, destMac hal.MAC, payload []byte, messageID uint16) bool {
	if m.shouldRefuse("SendMessage") {
		return false
	}
	m.sendMessage <- sendMessageCall{tid, pubSubID, requestorID, destMac, payload, messageID}
	return true
}

func recv[T any](t *testing.T, ch chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for value on %T channel", ch)
		var zero T
		return zero
	}
}

func assertNoMore[T any](t *testing.T, ch chan T) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected extra value: %+v", v)
	case <-time.After(20 * time.Millisecond):
	}
}

// mockEventCallback/mockSessionCallback record every app-facing callback on
// buffered channels for the same reason mockDriver does.
type mockEventCallback struct {
	connectSuccess  chan struct{}
	connectFail     chan hal.ReasonCode
	identityChanged chan struct{}
	nanDown         chan hal.ReasonCode
}

func newMockEventCallback() *mockEventCallback {
	return &mockEventCallback{
		connectSuccess:  make(chan struct{}, 8),
		connectFail:     make(chan hal.ReasonCode, 8),
		identityChanged: make(chan struct{}, 8),
		nanDown:         make(chan hal.ReasonCode, 8),
	}
}

func (m *mockEventCallback) OnConnectSuccess()                   { m.connectSuccess <- struct{}{} }
func (m *mockEventCallback) OnConnectFail(reason hal.ReasonCode) { m.connectFail <- reason }
func (m *mockEventCallback) OnIdentityChanged()                  { m.identityChanged <- struct{}{} }
func (m *mockEventCallback) OnNanDown(reason hal.ReasonCode)     { m.nanDown <- reason }

// mockBroadcaster records every lifecycle broadcast so a test can assert a
// path does (or, for nanDown, deliberately does not) trigger one.
type mockBroadcaster struct {
	enabled  chan struct{}
	disabled chan struct{}
}

func newMockBroadcaster() *mockBroadcaster {
	return &mockBroadcaster{
		enabled:  make(chan struct{}, 8),
		disabled: make(chan struct{}, 8),
	}
}

func (m *mockBroadcaster) BroadcastEnabled()  { m.enabled <- struct{}{} }
func (m *mockBroadcaster) BroadcastDisabled() { m.disabled <- struct{}{} }

type mockSessionCallback struct {
	started    chan uint64
	configOK   chan struct{}
	configFail chan hal.ReasonCode
	terminated chan hal.TerminateReason
	matched    chan uint32
	received   chan uint32
	sendOK     chan uint16
	sendFail   chan hal.ReasonCode
	sendFailID chan uint16
}

func newMockSessionCallback() *mockSessionCallback {
	return &mockSessionCallback{
		started:    make(chan uint64, 8),
		configOK:   make(chan struct{}, 8),
		configFail: make(chan hal.ReasonCode, 8),
		terminated: make(chan hal.TerminateReason, 8),
		matched:    make(chan uint32, 8),
		received:   make(chan uint32, 8),
		sendOK:     make(chan uint16, 8),
		sendFail:   make(chan hal.ReasonCode, 8),
		sendFailID: make(chan uint16, 8),
	}
}

func (m *mockSessionCallback) OnSessionStarted(sessionID uint64)         { m.started <- sessionID }
func (m *mockSessionCallback) OnSessionConfigSuccess()                  { m.configOK <- struct{}{} }
func (m *mockSessionCallback) OnSessionConfigFail(reason hal.ReasonCode) { m.configFail <- reason }
func (m *mockSessionCallback) OnSessionTerminated(reason hal.TerminateReason) {
	m.terminated <- reason
}
func (m *mockSessionCallback) OnMatch(peerID uint32, peerSsi, matchFilter []byte) { m.matched <- peerID }
func (m *mockSessionCallback) OnMessageReceived(peerID uint32, msg []byte)        { m.received <- peerID }
func (m *mockSessionCallback) OnMessageSendSuccess(messageID uint16)              { m.sendOK <- messageID }
func (m *mockSessionCallback) OnMessageSendFail(messageID uint16, reason hal.ReasonCode) {
	m.sendFailID <- messageID
	m.sendFail <- reason
}

func defaultConfig() hal.ConfigRequest {
	return hal.ConfigRequest{MasterPreference: 1, ClusterLow: 0, ClusterHigh: 255}
}

// enableAndCapabilities drives the engine from UsageDisabled through
// enableUsage up to Idle, the common prefix of every scenario below.
func enableAndCapabilities(t *testing.T, e *Engine, d *mockDriver) {
	t.Helper()
	e.EnableUsage()
	tid := recv(t, d.getCapabilities)
	e.OnCapabilitiesUpdateResponse(tid, hal.Capabilities{MaxQueueDepth: 4})
}

func connectClient(t *testing.T, e *Engine, d *mockDriver, clientID string, cfg hal.ConfigRequest) *mockEventCallback {
	t.Helper()
	cb := newMockEventCallback()
	e.Connect(clientID, 1000, cb, cfg)
	return cb
}

func TestEngineS1HappyPublish(t *testing.T) {
	d := newMockDriver()
	e, err := New(WithDriver(d))
	require.NoError(t, err)
	defer e.Stop()

	enableAndCapabilities(t, e, d)

	cb := connectClient(t, e, d, "12341", defaultConfig())
	tidCfg := recv(t, d.enableAndConfigure)
	e.OnConfigSuccessResponse(tidCfg.tid)
	<-cb.connectSuccess

	sessCB := newMockSessionCallback()
	e.Publish("12341", hal.PublishConfig{ServiceName: "svc"}, sessCB)
	pub := recv(t, d.publish)
	e.OnSessionConfigSuccessResponse(pub.tid, true, 15)

	sid := recv(t, sessCB.started)
	assert.GreaterOrEqual(t, sid, uint64(1))
	assert.Equal(t, []uint64{sid}, e.SessionIDs())
}

func TestEngineS2TerminateThenUpdateIsNoOp(t *testing.T) {
	d := newMockDriver()
	e, err := New(WithDriver(d))
	require.NoError(t, err)
	defer e.Stop()

	enableAndCapabilities(t, e, d)
	connectClient(t, e, d, "12341", defaultConfig())
	e.OnConfigSuccessResponse(recv(t, d.enableAndConfigure).tid)

	sessCB := newMockSessionCallback()
	e.Publish("12341", hal.PublishConfig{}, sessCB)
	pub := recv(t, d.publish)
	e.OnSessionConfigSuccessResponse(pub.tid, true, 15)
	sid := recv(t, sessCB.started)

	e.OnSessionTerminatedNotification(15, hal.TerminateDone, true)
	reason := recv(t, sessCB.terminated)
	assert.Equal(t, hal.TerminateDone, reason)

	e.UpdatePublish("12341", sid, hal.PublishConfig{ServiceName: "new"})
	e.TerminateSession("12341", sid)
	e.UpdatePublish("12341", sid, hal.PublishConfig{ServiceName: "new2"})

	assert.Empty(t, e.SessionIDs())
	assertNoMore(t, sessCB.terminated)
	assertNoMore(t, sessCB.configOK)
	assertNoMore(t, sessCB.configFail)
	assertNoMore(t, d.publish)
}

func subscribeAndMatch(t *testing.T, e *Engine, d *mockDriver, clientID string) (uint64, *mockSessionCallback) {
	t.Helper()
	sessCB := newMockSessionCallback()
	e.Subscribe(clientID, hal.SubscribeConfig{}, sessCB)
	sub := recv(t, d.subscribe)
	e.OnSessionConfigSuccessResponse(sub.tid, false, 15)
	sid := recv(t, sessCB.started)
	e.OnMatchNotification(15, false, 22, hal.MAC{6, 7, 8, 9, 10, 11}, nil, nil)
	recv(t, sessCB.matched)
	return sid, sessCB
}

func TestEngineS3MessageRetrySuccess(t *testing.T) {
	d := newMockDriver()
	e, err := New(WithDriver(d))
	require.NoError(t, err)
	defer e.Stop()

	enableAndCapabilities(t, e, d)
	connectClient(t, e, d, "12341", defaultConfig())
	e.OnConfigSuccessResponse(recv(t, d.enableAndConfigure).tid)
	sid, sessCB := subscribeAndMatch(t, e, d, "12341")

	e.SendMessage("12341", sid, 22, []byte("hi"), 6948, 3)
	first := recv(t, d.sendMessage)
	e.OnMessageSendQueuedSuccessResponse(first.tid)

	last := first
	for i := 0; i < 3; i++ {
		e.OnMessageSendFailNotification(last.tid, hal.ReasonTxFail)
		last = recv(t, d.sendMessage)
		assert.Equal(t, uint16(6948), last.messageID)
	}
	e.OnMessageSendSuccessNotification(last.tid)

	assert.Equal(t, uint16(6948), recv(t, sessCB.sendOK))
	assertNoMore(t, sessCB.sendFail)
	assertNoMore(t, d.sendMessage)
}

func TestEngineS4MessageRetryExhaustion(t *testing.T) {
	d := newMockDriver()
	e, err := New(WithDriver(d))
	require.NoError(t, err)
	defer e.Stop()

	enableAndCapabilities(t, e, d)
	connectClient(t, e, d, "12341", defaultConfig())
	e.OnConfigSuccessResponse(recv(t, d.enableAndConfigure).tid)
	sid, sessCB := subscribeAndMatch(t, e, d, "12341")

	e.SendMessage("12341", sid, 22, []byte("hi"), 6948, 3)
	first := recv(t, d.sendMessage)
	e.OnMessageSendQueuedSuccessResponse(first.tid)

	last := first
	sendCount := 1
	for i := 0; i < 4; i++ {
		e.OnMessageSendFailNotification(last.tid, hal.ReasonTxFail)
		if i < 3 {
			last = recv(t, d.sendMessage)
			sendCount++
		}
	}

	assert.Equal(t, 4, sendCount)
	id := recv(t, sessCB.sendFailID)
	reason := recv(t, sessCB.sendFail)
	assert.Equal(t, uint16(6948), id)
	assert.Equal(t, hal.ReasonTxFail, reason)
	assertNoMore(t, sessCB.sendOK)
}

func TestEngineS5DisconnectWhilePublishPending(t *testing.T) {
	d := newMockDriver()
	e, err := New(WithDriver(d))
	require.NoError(t, err)
	defer e.Stop()

	enableAndCapabilities(t, e, d)
	connectClient(t, e, d, "12341", defaultConfig())
	e.OnConfigSuccessResponse(recv(t, d.enableAndConfigure).tid)

	sessCB := newMockSessionCallback()
	e.Publish("12341", hal.PublishConfig{}, sessCB)
	pub := recv(t, d.publish)

	e.Disconnect("12341")
	e.OnSessionConfigSuccessResponse(pub.tid, true, 15)

	stop := recv(t, d.stopPublish)
	assert.Equal(t, uint32(15), stop.id)
	recv(t, d.disable)

	assertNoMore(t, sessCB.started)
	assert.Empty(t, e.ClientIDs())
	assert.Empty(t, e.SessionIDs())
}

func TestEngineS6IncompatibleSecondClient(t *testing.T) {
	d := newMockDriver()
	e, err := New(WithDriver(d))
	require.NoError(t, err)
	defer e.Stop()

	enableAndCapabilities(t, e, d)

	cbA := connectClient(t, e, d, "A", hal.ConfigRequest{ClusterLow: 5, ClusterHigh: 100, MasterPreference: 111})
	e.OnConfigSuccessResponse(recv(t, d.enableAndConfigure).tid)
	<-cbA.connectSuccess

	cbB := connectClient(t, e, d, "B", hal.ConfigRequest{Support5g: true, ClusterLow: 7, ClusterHigh: 155, MasterPreference: 0})
	reason := recv(t, cbB.connectFail)
	assert.Equal(t, hal.ReasonAlreadyConnectedIncompatConfig, reason)

	assertNoMore(t, d.enableAndConfigure)
	assert.ElementsMatch(t, []string{"A"}, e.ClientIDs())
}

func TestEngineSendMessageToUnknownPeerFailsLocally(t *testing.T) {
	d := newMockDriver()
	e, err := New(WithDriver(d))
	require.NoError(t, err)
	defer e.Stop()

	enableAndCapabilities(t, e, d)
	connectClient(t, e, d, "12341", defaultConfig())
	e.OnConfigSuccessResponse(recv(t, d.enableAndConfigure).tid)

	sessCB := newMockSessionCallback()
	e.Publish("12341", hal.PublishConfig{}, sessCB)
	pub := recv(t, d.publish)
	e.OnSessionConfigSuccessResponse(pub.tid, true, 15)
	sid := recv(t, sessCB.started)

	e.SendMessage("12341", sid, 999, []byte("hi"), 1, 0)

	reason := recv(t, sessCB.sendFail)
	assert.Equal(t, hal.ReasonNoMatchSession, reason)
	assertNoMore(t, d.sendMessage)
}

func TestEngineDisableUsageIsIdempotent(t *testing.T) {
	d := newMockDriver()
	e, err := New(WithDriver(d))
	require.NoError(t, err)
	defer e.Stop()

	enableAndCapabilities(t, e, d)
	connectClient(t, e, d, "12341", defaultConfig())
	e.OnConfigSuccessResponse(recv(t, d.enableAndConfigure).tid)

	e.DisableUsage()
	recv(t, d.disable)
	recv(t, d.deInitNan)

	e.DisableUsage() // second call: no second disable/deInit
	assertNoMore(t, d.disable)
	assertNoMore(t, d.deInitNan)
	assert.Equal(t, StateUsageDisabled, e.State())
}

func TestEngineIsUsageEnabledReflectsState(t *testing.T) {
	d := newMockDriver()
	e, err := New(WithDriver(d))
	require.NoError(t, err)
	defer e.Stop()

	assert.False(t, e.IsUsageEnabled())
	enableAndCapabilities(t, e, d)
	assert.True(t, e.IsUsageEnabled())
}

func TestEngineSynchronousGetCapabilitiesRefusalReturnsToUsageDisabled(t *testing.T) {
	d := newMockDriver()
	e, err := New(WithDriver(d))
	require.NoError(t, err)
	defer e.Stop()

	d.refuse("GetCapabilities")
	e.EnableUsage()

	assert.Eventually(t, func() bool {
		return e.State() == StateUsageDisabled
	}, time.Second, time.Millisecond)
}

func TestEngineNanDownTearsDownWithoutBroadcasting(t *testing.T) {
	d := newMockDriver()
	mb := newMockBroadcaster()
	e, err := New(WithDriver(d), WithBroadcaster(mb))
	require.NoError(t, err)
	defer e.Stop()

	enableAndCapabilities(t, e, d)
	recv(t, mb.enabled)

	cb := connectClient(t, e, d, "12341", defaultConfig())
	e.OnConfigSuccessResponse(recv(t, d.enableAndConfigure).tid)
	<-cb.connectSuccess

	sessCB := newMockSessionCallback()
	e.Publish("12341", hal.PublishConfig{}, sessCB)
	pub := recv(t, d.publish)
	e.OnSessionConfigSuccessResponse(pub.tid, true, 15)
	recv(t, sessCB.started)

	e.OnNanDownNotification(hal.ReasonOther)

	reason := recv(t, cb.nanDown)
	assert.Equal(t, hal.ReasonOther, reason)
	assert.Equal(t, StateUsageDisabled, e.State())
	assert.Empty(t, e.ClientIDs())
	assert.Empty(t, e.SessionIDs())
	assertNoMore(t, mb.disabled) // nanDown is a radio event, not a policy event: no re-broadcast
}

func TestEngineDisableUsageDoesBroadcastDisabled(t *testing.T) {
	d := newMockDriver()
	mb := newMockBroadcaster()
	e, err := New(WithDriver(d), WithBroadcaster(mb))
	require.NoError(t, err)
	defer e.Stop()

	enableAndCapabilities(t, e, d)
	recv(t, mb.enabled)

	e.DisableUsage()
	recv(t, d.disable)
	recv(t, d.deInitNan)
	recv(t, mb.disabled)
}

func TestEngineClusterChangeOnlyFansOutToIdentityChangeSubscribers(t *testing.T) {
	d := newMockDriver()
	e, err := New(WithDriver(d))
	require.NoError(t, err)
	defer e.Stop()

	enableAndCapabilities(t, e, d)

	cfg := defaultConfig()
	cbA := connectClient(t, e, d, "A", cfg)
	e.OnConfigSuccessResponse(recv(t, d.enableAndConfigure).tid)
	<-cbA.connectSuccess

	cfgB := cfg
	cfgB.EnableIdentityChangeCallback = true
	cbB := connectClient(t, e, d, "B", cfgB)
	e.OnConfigSuccessResponse(recv(t, d.enableAndConfigure).tid)
	<-cbB.connectSuccess

	e.OnClusterChangeNotification()
	recv(t, cbB.identityChanged)
	assertNoMore(t, cbA.identityChanged)

	e.OnInterfaceAddressChangeNotification()
	recv(t, cbB.identityChanged)
	assertNoMore(t, cbA.identityChanged)
}
