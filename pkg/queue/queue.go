// Package queue implements the SendMessageQueue (spec §4.2): a bounded
// host-side FIFO plus a firmware-side in-flight set, with retry and a
// single per-batch timeout.
//
// The host queue is a container/list FIFO indexed by message id for
// deletion on session teardown, grounded on the publisher.messages
// *list.List pattern in the pack's MQTT session implementation
// (novatif-surgemq/session/session.go), adapted here for a single-threaded
// caller instead of a condition-variable-driven worker goroutine — there is
// no consumer goroutine to wake because the engine dispatch loop is the
// only caller of drain.
package queue

import (
	"container/list"

	"github.com/go-nan/nancore/pkg/hal"
)

// HostQueuedSend is an application message waiting for, or currently
// occupying, a firmware send slot (spec §3).
type HostQueuedSend struct {
	MessageID   uint16
	SessionID   uint64
	PubSubID    uint32
	RequestorID uint32
	PeerMAC     hal.MAC
	Payload     []byte
	RetriesLeft int
}

type firmwareEntry struct {
	tid       hal.TransactionID
	host      *HostQueuedSend
	confirmed bool
}

// Driver is the subset of hal.Driver the queue needs to submit sends.
type Driver interface {
	SendMessage(tid hal.TransactionID, pubSubID uint32, requestorID uint32, destMac hal.MAC, payload []byte, messageID uint16) bool
}

// Notifier reports terminal outcomes back to the owning session.
type Notifier interface {
	OnMessageSendSuccess(sessionID uint64, messageID uint16)
	OnMessageSendFail(sessionID uint64, messageID uint16, reason hal.ReasonCode)
}

// Queue is the SendMessageQueue. It is not safe for concurrent use; the
// engine's single dispatch goroutine is its only caller (spec §5).
type Queue struct {
	driver   Driver
	notifier Notifier
	capacity int
	nextTID  hal.TransactionID

	host        *list.List // of *HostQueuedSend
	hostByMsgID map[uint16]*list.Element

	fw map[hal.TransactionID]*firmwareEntry
}

// New returns a Queue with the given firmware capacity (spec: capacity
// equals Capabilities.max-queue-depth; 0 until capabilities arrive, which
// SetCapacity then updates).
func New(driver Driver, notifier Notifier, capacity int) *Queue {
	return &Queue{
		driver:      driver,
		notifier:    notifier,
		capacity:    capacity,
		host:        list.New(),
		hostByMsgID: make(map[uint16]*list.Element),
		fw:          make(map[hal.TransactionID]*firmwareEntry),
	}
}

// SetCapacity updates the firmware set's capacity, e.g. once Capabilities
// is fetched after enable.
func (q *Queue) SetCapacity(n int) {
	q.capacity = n
}

func (q *Queue) allocTID() hal.TransactionID {
	q.nextTID++
	if q.nextTID == 0 {
		q.nextTID = 1
	}
	return q.nextTID
}

// Enqueue appends msg to the host queue and attempts to drain it into the
// firmware set immediately (spec §4.2 step 1).
func (q *Queue) Enqueue(msg *HostQueuedSend) {
	elem := q.host.PushBack(msg)
	q.hostByMsgID[msg.MessageID] = elem
	q.drain()
}

// drain submits queued host messages to the driver while the firmware set
// has capacity (spec §4.2 step 2).
func (q *Queue) drain() {
	for len(q.fw) < q.capacity {
		elem := q.host.Front()
		if elem == nil {
			return
		}
		q.host.Remove(elem)
		msg := elem.Value.(*HostQueuedSend)
		delete(q.hostByMsgID, msg.MessageID)

		tid := q.allocTID()
		if !q.driver.SendMessage(tid, msg.PubSubID, msg.RequestorID, msg.PeerMAC, msg.Payload, msg.MessageID) {
			q.notifier.OnMessageSendFail(msg.SessionID, msg.MessageID, hal.ReasonTxFail)
			continue
		}
		q.fw[tid] = &firmwareEntry{tid: tid, host: msg}
	}
}

// InFlightCount returns the number of messages currently held in the
// firmware set, including those not yet confirmed by QueuedSuccess.
func (q *Queue) InFlightCount() int {
	return len(q.fw)
}

// confirmedCount returns the number of firmware entries the driver has
// acknowledged with queuedSuccess; the send-message timer tracks this set.
func (q *Queue) confirmedCount() int {
	n := 0
	for _, e := range q.fw {
		if e.confirmed {
			n++
		}
	}
	return n
}

// QueuedSuccess handles onMessageSendQueuedSuccessResponse. It reports
// whether the send-message timer should be (re)armed because this is the
// first confirmed in-flight entry (spec §4.2 step 3).
func (q *Queue) QueuedSuccess(tid hal.TransactionID) (armTimer bool) {
	e, ok := q.fw[tid]
	if !ok {
		return false // stale response, silently discarded (spec §7)
	}
	wasEmpty := q.confirmedCount() == 0
	e.confirmed = true
	return wasEmpty
}

// QueuedFail handles onMessageSendQueuedFailResponse: the message never
// reached the firmware queue, so it is dropped and the app notified
// (spec §4.2 step 4).
func (q *Queue) QueuedFail(tid hal.TransactionID, reason hal.ReasonCode) {
	e, ok := q.fw[tid]
	if !ok {
		return
	}
	delete(q.fw, tid)
	q.drain()
	q.notifier.OnMessageSendFail(e.host.SessionID, e.host.MessageID, reason)
}

// TxSuccess handles onMessageSendSuccessNotification: the on-air send
// completed. It reports whether the send-message timer should be disarmed
// because the confirmed in-flight set is now empty (spec §4.2 step 5).
func (q *Queue) TxSuccess(tid hal.TransactionID) (disarmTimer bool) {
	e, ok := q.fw[tid]
	if !ok {
		return false
	}
	delete(q.fw, tid)
	q.notifier.OnMessageSendSuccess(e.host.SessionID, e.host.MessageID)
	q.drain()
	return q.confirmedCount() == 0
}

// TxFail handles onMessageSendFailNotification. If retries remain, the
// message is re-submitted with a fresh transaction id without consuming an
// additional host-queue slot; otherwise it is reported as failed (spec
// §4.2 step 6).
func (q *Queue) TxFail(tid hal.TransactionID, reason hal.ReasonCode) (disarmTimer bool) {
	e, ok := q.fw[tid]
	if !ok {
		return false
	}
	delete(q.fw, tid)

	e.host.RetriesLeft--
	if e.host.RetriesLeft >= 0 {
		newTID := q.allocTID()
		if q.driver.SendMessage(newTID, e.host.PubSubID, e.host.RequestorID, e.host.PeerMAC, e.host.Payload, e.host.MessageID) {
			q.fw[newTID] = &firmwareEntry{tid: newTID, host: e.host}
			return false
		}
		// Driver synchronously refused the retry: treat as exhausted.
	}

	q.notifier.OnMessageSendFail(e.host.SessionID, e.host.MessageID, reason)
	q.drain()
	return q.confirmedCount() == 0
}

// Timeout handles HAL_SEND_MESSAGE_TIMEOUT expiry: every message currently
// in the firmware set is failed and cleared; the timer is per-batch, not
// per-message (spec §4.2 step 7, design note §9c). Any later native
// callback referencing a cleared transaction id is a no-op because the
// entry is gone from the firmware set.
func (q *Queue) Timeout() {
	entries := q.fw
	q.fw = make(map[hal.TransactionID]*firmwareEntry)
	for _, e := range entries {
		q.notifier.OnMessageSendFail(e.host.SessionID, e.host.MessageID, hal.ReasonTxFail)
	}
	q.drain()
}

// RemoveSession removes every host-queued and firmware-in-flight entry
// belonging to sessionID, without any app callback (spec §4.2 edge case,
// §8 cleanup law).
func (q *Queue) RemoveSession(sessionID uint64) {
	var next *list.Element
	for elem := q.host.Front(); elem != nil; elem = next {
		next = elem.Next()
		msg := elem.Value.(*HostQueuedSend)
		if msg.SessionID == sessionID {
			q.host.Remove(elem)
			delete(q.hostByMsgID, msg.MessageID)
		}
	}

	for tid, e := range q.fw {
		if e.host.SessionID == sessionID {
			delete(q.fw, tid)
		}
	}
}

// QueuedMessageIDs returns a snapshot of every message id currently known
// to the queue (host-queued or in flight), for test introspection (design
// note §9).
func (q *Queue) QueuedMessageIDs() []uint16 {
	var ids []uint16
	for elem := q.host.Front(); elem != nil; elem = elem.Next() {
		ids = append(ids, elem.Value.(*HostQueuedSend).MessageID)
	}
	for _, e := range q.fw {
		ids = append(ids, e.host.MessageID)
	}
	return ids
}
