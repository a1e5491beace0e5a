package engine

import (
	"github.com/go-nan/nancore/pkg/hal"
	"github.com/go-nan/nancore/pkg/txn"
	log "github.com/sirupsen/logrus"
)

// jobKind enumerates the driver calls that occupy the engine's single
// outstanding-transaction slot (spec §4.6, §3 "at most one PendingTransaction
// of type enable/disable/config/publish/subscribe"). disable, deInitNan,
// stopPublish and stopSubscribe are fire-and-forget (spec §6 lists no
// response for them) and are issued directly, never queued as a job.
// sendMessage has its own independent concurrency via pkg/queue and is never
// a job either.
type jobKind int

const (
	jobGetCapabilities jobKind = iota
	jobEnableAndConfigure
	jobPublish
	jobSubscribe
)

// job is one entry in the command FIFO consulted by the state machine on
// every transition back to Idle (spec §9 design note).
type job struct {
	kind jobKind

	// clientID/sessionID identify whose behalf this job runs on, so its
	// resolution can find (or fail to find, if torn down meanwhile) the
	// owning Client/Session. clientID is empty for a standalone re-merge
	// triggered by disconnect.
	clientID  string
	sessionID uint64

	cfg       hal.ConfigRequest // jobEnableAndConfigure
	notify    bool              // jobEnableAndConfigure: notifyIdentityChange
	isConnect bool              // jobEnableAndConfigure: fire ConnectSuccess/Fail on resolve

	pubCfg hal.PublishConfig   // jobPublish
	subCfg hal.SubscribeConfig // jobSubscribe
}

// enqueueJob appends j to the FIFO, recording it against its owning client
// so disconnect can tell whether teardown must be deferred (spec §4.4).
func (e *Engine) enqueueJob(j *job) {
	if j.clientID != "" {
		if c, ok := e.clients[j.clientID]; ok {
			c.IncPendingJobs()
		}
	}
	e.jobs = append(e.jobs, j)
}

// pump dispatches queued jobs while the engine is idle. A job that the
// driver synchronously refuses is resolved as an immediate failure and the
// next job is tried without leaving WaitForResponse.
func (e *Engine) pump() {
	if e.state == StateUsageDisabled {
		return
	}
	for e.activeJob == nil && len(e.jobs) > 0 && e.state != StateUsageDisabled {
		j := e.jobs[0]
		e.jobs = e.jobs[1:]
		if e.dispatch(j) {
			e.activeJob = j
		}
	}
	if e.state == StateUsageDisabled {
		return // a synchronously-refused getCapabilities reset us already
	}
	if e.activeJob != nil {
		e.state = StateWaitForResponse
	} else {
		e.state = StateIdle
	}
	e.armCommandTimer()
}

// dispatch issues j's driver call and reports whether it is now the
// outstanding transaction (true) or was resolved synchronously (false).
func (e *Engine) dispatch(j *job) bool {
	e.metrics.TransactionsIssued.Inc()

	switch j.kind {
	case jobGetCapabilities:
		p := e.txReg.Alloc(txn.KindGetCapabilities, "", 0, j)
		if e.driver.GetCapabilities(p.ID) {
			return true
		}
		e.txReg.Resolve(p.ID)
		e.getCapabilitiesFailed()
		return false

	case jobEnableAndConfigure:
		p := e.txReg.Alloc(txn.KindEnableAndConfigure, j.clientID, 0, j)
		if e.driver.EnableAndConfigure(p.ID, j.cfg, j.notify) {
			return true
		}
		e.txReg.Resolve(p.ID)
		e.resolveEnableAndConfigure(j, false, hal.ReasonOther)
		return false

	case jobPublish:
		pubID := e.existingPubSubID(j.sessionID)
		p := e.txReg.Alloc(txn.KindPublish, j.clientID, j.sessionID, j)
		if e.driver.Publish(p.ID, pubID, j.pubCfg) {
			return true
		}
		e.txReg.Resolve(p.ID)
		e.resolveSessionConfig(j, true, false, 0, hal.ReasonOther)
		return false

	case jobSubscribe:
		subID := e.existingPubSubID(j.sessionID)
		p := e.txReg.Alloc(txn.KindSubscribe, j.clientID, j.sessionID, j)
		if e.driver.Subscribe(p.ID, subID, j.subCfg) {
			return true
		}
		e.txReg.Resolve(p.ID)
		e.resolveSessionConfig(j, false, false, 0, hal.ReasonOther)
		return false
	}
	return false
}

// getCapabilitiesFailed handles a refused or timed-out getCapabilities: no
// client can exist yet (connect refuses while UsageDisabled), so there is
// nothing to tear down beyond returning to UsageDisabled.
func (e *Engine) getCapabilitiesFailed() {
	log.Warn("getCapabilities did not complete; NAN usage remains disabled")
	e.state = StateUsageDisabled
}

func (e *Engine) existingPubSubID(sessionID uint64) uint32 {
	if s, ok := e.sessions[sessionID]; ok && s.IsStarted() {
		return s.PubSubID
	}
	return 0
}

// finishJob clears the outstanding transaction and resumes the command
// FIFO. Called once per job, from either a driver response or a timeout.
func (e *Engine) finishJob() {
	e.activeJob = nil
	e.pump()
}

func (e *Engine) armCommandTimer() {
	deadline, ok := e.txReg.NextDeadline()
	if !ok {
		e.commandTimer.Stop()
		return
	}
	d := deadline.Sub(e.now())
	if d < 0 {
		d = 0
	}
	e.commandTimer.Reset(d)
}

func (e *Engine) handleCommandTimeout() {
	due := e.txReg.ExpireDue()
	for _, p := range due {
		e.metrics.TransactionsTimeout.Inc()
		e.expirePending(p)
	}
	e.armCommandTimer()
}

// expirePending synthesizes the documented timeout outcome for p's kind
// (spec §4.1, §7 case 3) and, if p was the active job, resumes the FIFO.
func (e *Engine) expirePending(p *txn.Pending) {
	switch p.Kind {
	case txn.KindGetCapabilities:
		e.getCapabilitiesFailed()
	case txn.KindEnableAndConfigure:
		j := p.Context.(*job)
		e.resolveEnableAndConfigure(j, false, hal.ReasonOther)
	case txn.KindPublish:
		j := p.Context.(*job)
		e.resolveSessionConfig(j, true, false, 0, hal.ReasonOther)
	case txn.KindSubscribe:
		j := p.Context.(*job)
		e.resolveSessionConfig(j, false, false, 0, hal.ReasonOther)
	}
	// The enableAndConfigure/publish/subscribe resolvers already call
	// finishJob; only a job still marked active here needs resuming.
	if e.activeJob != nil && e.activeJob == p.Context {
		e.activeJob = nil
		e.pump()
	}
}
