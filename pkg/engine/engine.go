// Package engine implements the StateMachine (spec §4.6): the single
// authority that owns every Client and Session, serializes all driver
// commands through one dispatch goroutine, and is the only component that
// ever calls into the hal.Driver.
//
// Grounded on the teacher's controller recvloop (pkg/controller/controller.go),
// which reads device events off one channel and dispatches them from a
// single goroutine with no internal locking, generalized here to also
// accept application commands on the same loop so that commands and driver
// responses interleave in submission order without a mutex anywhere in the
// package.
package engine

import (
	"time"

	"github.com/go-nan/nancore/internal/logutil"
	"github.com/go-nan/nancore/internal/metrics"
	"github.com/go-nan/nancore/pkg/client"
	"github.com/go-nan/nancore/pkg/configmerge"
	"github.com/go-nan/nancore/pkg/hal"
	"github.com/go-nan/nancore/pkg/queue"
	"github.com/go-nan/nancore/pkg/session"
	"github.com/go-nan/nancore/pkg/txn"
	log "github.com/sirupsen/logrus"
)

const (
	defaultCommandTimeout     = 5 * time.Second
	defaultSendMessageTimeout = 5 * time.Second
)

// State is one of the three StateMachine states (spec §4.6).
type State int

const (
	StateUsageDisabled State = iota
	StateIdle
	StateWaitForResponse
)

func (s State) String() string {
	switch s {
	case StateUsageDisabled:
		return "UsageDisabled"
	case StateIdle:
		return "Idle"
	case StateWaitForResponse:
		return "WaitForResponse"
	default:
		return "Unknown"
	}
}

// DataPathManager is the out-of-scope data-path collaborator the engine
// calls into around enable/disable (spec §4.6). A nil DataPathManager is
// replaced with a no-op implementation.
type DataPathManager interface {
	CreateAllInterfaces()
	DeleteAllInterfaces()
	OnNanDownCleanupDataPaths()
}

// Broadcaster receives the two StateMachine-wide lifecycle events that are
// not tied to any one client (spec §4.6 "broadcast 'enabled'/'disabled'").
type Broadcaster interface {
	BroadcastEnabled()
	BroadcastDisabled()
}

type noopDataPath struct{}

func (noopDataPath) CreateAllInterfaces()       {}
func (noopDataPath) DeleteAllInterfaces()       {}
func (noopDataPath) OnNanDownCleanupDataPaths() {}

type noopBroadcaster struct{}

func (noopBroadcaster) BroadcastEnabled()  {}
func (noopBroadcaster) BroadcastDisabled() {}

// pubSubKey disambiguates driver-assigned ids across the publish and
// subscribe id spaces (spec §4.3: the driver may reuse a numeric id across
// the two kinds).
type pubSubKey struct {
	id        uint32
	isPublish bool
}

// Engine is the StateMachine. All exported methods are safe to call from
// any goroutine: each posts an event onto the dispatch loop and returns
// without touching engine state directly (spec §5).
type Engine struct {
	driver      hal.Driver
	dataPath    DataPathManager
	broadcaster Broadcaster
	metrics     *metrics.Metrics
	now         func() time.Time

	commandTimeout     time.Duration
	sendMessageTimeout time.Duration

	events chan event
	stopCh chan struct{}
	doneCh chan struct{}

	// Everything below is touched only inside run(); there is no lock.
	state State

	clients     map[string]*client.Client
	sessions    map[uint64]*session.Session
	pubSubIndex map[pubSubKey]uint64
	nextSession uint64

	caps      hal.Capabilities
	capsKnown bool

	programmedConfig hal.ConfigRequest
	driverConfigured bool

	txReg *txn.Registry
	queue *queue.Queue

	activeJob *job
	jobs      []*job

	commandTimer *time.Timer
	commandGen   int
	sendTimer    *time.Timer
	sendGen      int
	sendArmed    bool
}

// Option configures an Engine at construction time.
type Option func(*Engine) error

// WithDriver sets the hal.Driver the engine issues commands to. Required.
func WithDriver(d hal.Driver) Option {
	return func(e *Engine) error {
		e.driver = d
		return nil
	}
}

// WithDataPathManager sets the data-path collaborator; omit to use a no-op.
func WithDataPathManager(m DataPathManager) Option {
	return func(e *Engine) error {
		e.dataPath = m
		return nil
	}
}

// WithBroadcaster sets the lifecycle-event collaborator; omit to use a no-op.
func WithBroadcaster(b Broadcaster) Option {
	return func(e *Engine) error {
		e.broadcaster = b
		return nil
	}
}

// WithMetrics registers a *metrics.Metrics to increment as the engine runs.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) error {
		e.metrics = m
		return nil
	}
}

// WithCommandTimeout overrides HAL_COMMAND_TIMEOUT (spec §4.1); default 5s.
func WithCommandTimeout(d time.Duration) Option {
	return func(e *Engine) error {
		e.commandTimeout = d
		return nil
	}
}

// WithSendMessageTimeout overrides HAL_SEND_MESSAGE_TIMEOUT (spec §4.2);
// default 5s.
func WithSendMessageTimeout(d time.Duration) Option {
	return func(e *Engine) error {
		e.sendMessageTimeout = d
		return nil
	}
}

// WithClock overrides time.Now, for deterministic transaction-deadline tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) error {
		e.now = now
		return nil
	}
}

// New builds an Engine in StateUsageDisabled and starts its dispatch
// goroutine. Call Stop to shut it down.
func New(opts ...Option) (*Engine, error) {
	logutil.Init()

	e := &Engine{
		dataPath:    noopDataPath{},
		broadcaster: noopBroadcaster{},
		now:         time.Now,

		commandTimeout:     defaultCommandTimeout,
		sendMessageTimeout: defaultSendMessageTimeout,

		events: make(chan event, 64),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),

		state:       StateUsageDisabled,
		clients:     make(map[string]*client.Client),
		sessions:    make(map[uint64]*session.Session),
		pubSubIndex: make(map[pubSubKey]uint64),
	}

	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}

	if e.metrics == nil {
		e.metrics = metrics.New()
	}
	if e.dataPath == nil {
		e.dataPath = noopDataPath{}
	}

	e.txReg = txn.New(e.commandTimeout, e.now)
	e.queue = queue.New(e.driver, &queueNotifier{e}, 0)
	e.commandTimer = time.NewTimer(time.Hour)
	e.commandTimer.Stop()
	e.sendTimer = time.NewTimer(time.Hour)
	e.sendTimer.Stop()

	go e.run()
	return e, nil
}

// Stop shuts down the dispatch goroutine. The engine cannot be reused
// afterward.
func (e *Engine) Stop() {
	close(e.stopCh)
	<-e.doneCh
}

func (e *Engine) run() {
	defer close(e.doneCh)
	for {
		select {
		case <-e.stopCh:
			e.commandTimer.Stop()
			e.sendTimer.Stop()
			return
		case ev := <-e.events:
			e.handle(ev)
		case <-e.commandTimer.C:
			e.handleCommandTimeout()
		case <-e.sendTimer.C:
			e.handleSendMessageTimeout()
		}
	}
}

func (e *Engine) post(ev event) {
	select {
	case e.events <- ev:
	case <-e.stopCh:
	}
}

// queueNotifier adapts Engine to queue.Notifier, routing terminal send
// outcomes back through the owning session.
type queueNotifier struct{ e *Engine }

func (n *queueNotifier) OnMessageSendSuccess(sessionID uint64, messageID uint16) {
	if s, ok := n.e.sessions[sessionID]; ok {
		s.OnMessageSendSuccess(messageID)
	}
	n.e.metrics.MessagesSent.WithLabelValues("success").Inc()
}

func (n *queueNotifier) OnMessageSendFail(sessionID uint64, messageID uint16, reason hal.ReasonCode) {
	if s, ok := n.e.sessions[sessionID]; ok {
		s.OnMessageSendFail(messageID, reason)
	}
	n.e.metrics.MessagesSent.WithLabelValues("fail").Inc()
}

func logFields(kv ...interface{}) log.Fields {
	f := log.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		if key, ok := kv[i].(string); ok {
			f[key] = kv[i+1]
		}
	}
	return f
}
