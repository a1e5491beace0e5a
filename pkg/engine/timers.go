package engine

// armSendTimer starts HAL_SEND_MESSAGE_TIMEOUT the first time any firmware
// entry is confirmed; it is a single per-batch timer, not per-message
// (spec §4.2 step 3, design note §9c).
func (e *Engine) armSendTimer() {
	if e.sendArmed {
		return
	}
	e.sendArmed = true
	e.sendTimer.Reset(e.sendMessageTimeout)
}

// disarmSendTimer stops the timer once the confirmed in-flight set drains
// to empty (spec §4.2 steps 5/6).
func (e *Engine) disarmSendTimer() {
	if !e.sendArmed {
		return
	}
	e.sendArmed = false
	if !e.sendTimer.Stop() {
		select {
		case <-e.sendTimer.C:
		default:
		}
	}
}

func (e *Engine) handleSendMessageTimeout() {
	e.sendArmed = false
	e.queue.Timeout()
	e.metrics.QueueDepth.Set(0)
}
