// Package delivery implements the outbound message queue.
//
// The queue sits between the engine and the transport: while connected it
// publishes immediately, while disconnected it holds messages in a bounded
// FIFO that is flushed on reconnect. Failed sends move to a retry queue
// drained by a single background loop with a fixed backoff. A bounded set
// of already-handled message ids gives at-most-once delivery across send,
// flush, retry and receive paths.
package delivery

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/swarn/chatcore/message"
	"github.com/swarn/chatcore/metrics"
	"github.com/swarn/chatcore/transport"
)

// Defaults, matching the reference deployment.
const (
	DefaultCapacity        = 20
	DefaultRetryInterval   = time.Second
	DefaultMaxMessageBytes = 1 << 20
	DefaultSeenCap         = 4096
)

// Publisher is the slice of the transport the queue needs.
type Publisher interface {
	Publish(env *transport.Envelope) error
}

// StatusFunc receives every (message id, status) transition the queue
// emits. Called without the queue lock held.
type StatusFunc func(id string, status message.Status)

// Options configures a Queue. Zero fields select defaults.
type Options struct {
	Capacity        int
	RetryInterval   time.Duration
	MaxMessageBytes int
	SeenCap         int
	// Connected reports whether the transport is currently usable.
	Connected func() bool
	// OnStatus receives status transitions.
	OnStatus StatusFunc
	// Metrics may be nil.
	Metrics *metrics.Metrics
}

type entry struct {
	env        *transport.Envelope
	enqueuedAt time.Time
	gen        uint64
}

// Queue is the outbound delivery queue. All exported methods are safe for
// concurrent use; publishing always happens outside the internal lock.
type Queue struct {
	publisher     Publisher
	connected     func() bool
	onStatus      StatusFunc
	met           *metrics.Metrics
	capacity      int
	retryInterval time.Duration
	maxBytes      int
	seenCap       int

	mu        sync.Mutex
	pending   []*entry
	retry     []*entry
	retrying  bool
	flushing  bool
	seen      map[string]struct{}
	seenOrder []string
	gen       uint64
	closed    bool
	stopCh    chan struct{}
}

// New creates a queue publishing through pub.
func New(pub Publisher, opts Options) *Queue {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = DefaultRetryInterval
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if opts.SeenCap <= 0 {
		opts.SeenCap = DefaultSeenCap
	}
	if opts.Connected == nil {
		opts.Connected = func() bool { return false }
	}
	if opts.OnStatus == nil {
		opts.OnStatus = func(string, message.Status) {}
	}
	return &Queue{
		publisher:     pub,
		connected:     opts.Connected,
		onStatus:      opts.OnStatus,
		met:           opts.Metrics,
		capacity:      opts.Capacity,
		retryInterval: opts.RetryInterval,
		maxBytes:      opts.MaxMessageBytes,
		seenCap:       opts.SeenCap,
		seen:          make(map[string]struct{}),
		stopCh:        make(chan struct{}),
	}
}

// envelopeFor converts a message to its wire form.
func envelopeFor(msg message.Message) *transport.Envelope {
	return &transport.Envelope{
		ID:             msg.ID,
		Kind:           transport.KindMessage,
		Content:        msg.Content,
		ConversationID: msg.ConversationID,
		FromUser:       msg.FromUser,
		Timestamp:      msg.CreatedAt,
	}
}

// EnqueueOrSend attempts immediate delivery while connected, otherwise
// appends to the bounded FIFO. Oversized messages are rejected with an
// ERROR status and never queued; ids already handled are dropped silently.
func (q *Queue) EnqueueOrSend(msg message.Message) {
	env := envelopeFor(msg)

	if size := env.Size(); size > q.maxBytes {
		logrus.WithFields(logrus.Fields{
			"function":   "EnqueueOrSend",
			"message_id": msg.ID,
			"size":       size,
			"max_bytes":  q.maxBytes,
		}).Warn("Message exceeds size limit, rejecting")
		q.met.IncRejected()
		q.onStatus(msg.ID, message.StatusError)
		return
	}

	if q.Seen(msg.ID) {
		logrus.WithFields(logrus.Fields{
			"function":   "EnqueueOrSend",
			"message_id": msg.ID,
		}).Debug("Duplicate send suppressed")
		q.met.IncDeduplicated()
		return
	}

	if q.connected() {
		q.sendNow(env)
		return
	}
	q.enqueue(env)
}

// sendNow publishes immediately; a failure parks the envelope in the retry
// queue and starts the retry loop.
func (q *Queue) sendNow(env *transport.Envelope) {
	q.onStatus(env.ID, message.StatusSending)

	if err := q.publisher.Publish(env); err == nil {
		q.MarkSeen(env.ID)
		q.met.IncSent()
		q.onStatus(env.ID, message.StatusSent)
		return
	} else {
		logrus.WithFields(logrus.Fields{
			"function":   "sendNow",
			"message_id": env.ID,
			"error":      err,
		}).Error("Publish failed")
		q.met.IncPublishFailure()
		q.onStatus(env.ID, message.StatusError)
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.retry = append(q.retry, &entry{env: env, enqueuedAt: time.Now(), gen: q.gen})
	start := !q.retrying
	if start {
		q.retrying = true
	}
	q.mu.Unlock()

	q.met.IncQueued()
	q.onStatus(env.ID, message.StatusQueued)
	if start {
		go q.retryLoop()
	}
}

// enqueue appends to the FIFO, evicting the oldest entry at capacity.
func (q *Queue) enqueue(env *transport.Envelope) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	if len(q.pending) >= q.capacity {
		evicted := q.pending[0]
		q.pending = q.pending[1:]
		q.met.IncEvicted()
		logrus.WithFields(logrus.Fields{
			"function":   "enqueue",
			"message_id": evicted.env.ID,
			"capacity":   q.capacity,
		}).Warn("Queue full, evicting oldest message")
	}
	q.pending = append(q.pending, &entry{env: env, enqueuedAt: time.Now(), gen: q.gen})
	depth := len(q.pending)
	q.mu.Unlock()

	q.met.IncQueued()
	q.onStatus(env.ID, message.StatusQueued)
	logrus.WithFields(logrus.Fields{
		"function":   "enqueue",
		"message_id": env.ID,
		"depth":      depth,
	}).Info("Message queued for later delivery")
}

// Flush drains the FIFO in order. On the first publish failure the failed
// entry and everything not yet attempted move to the retry queue and the
// retry loop takes over. Re-entrant calls while a flush is running are
// no-ops.
func (q *Queue) Flush() {
	q.mu.Lock()
	if q.flushing || q.closed {
		q.mu.Unlock()
		return
	}
	q.flushing = true
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.flushing = false
		q.mu.Unlock()
	}()

	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.mu.Unlock()
			return
		}
		e := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		if q.Seen(e.env.ID) {
			continue
		}

		q.onStatus(e.env.ID, message.StatusSending)
		err := q.publisher.Publish(e.env)
		if err == nil {
			q.MarkSeen(e.env.ID)
			q.met.IncSent()
			q.onStatus(e.env.ID, message.StatusSent)
			continue
		}

		logrus.WithFields(logrus.Fields{
			"function":   "Flush",
			"message_id": e.env.ID,
			"error":      err,
		}).Error("Flush publish failed, moving queue to retry")
		q.met.IncPublishFailure()
		q.onStatus(e.env.ID, message.StatusError)

		var start bool
		q.mu.Lock()
		if e.gen == q.gen && !q.closed {
			q.retry = append(q.retry, e)
			q.retry = append(q.retry, q.pending...)
			q.pending = nil
			start = !q.retrying
			if start {
				q.retrying = true
			}
		}
		q.mu.Unlock()

		q.onStatus(e.env.ID, message.StatusQueued)
		if start {
			go q.retryLoop()
		}
		return
	}
}

// retryLoop drains the retry queue. Only one instance runs at a time;
// failures re-append to the back and wait a fixed interval.
func (q *Queue) retryLoop() {
	for {
		q.mu.Lock()
		if q.closed || len(q.retry) == 0 {
			q.retrying = false
			q.mu.Unlock()
			return
		}
		e := q.retry[0]
		q.retry = q.retry[1:]
		q.mu.Unlock()

		if q.Seen(e.env.ID) {
			continue
		}

		q.onStatus(e.env.ID, message.StatusSending)
		if err := q.publisher.Publish(e.env); err == nil {
			q.MarkSeen(e.env.ID)
			q.met.IncSent()
			q.onStatus(e.env.ID, message.StatusSent)
			continue
		} else {
			logrus.WithFields(logrus.Fields{
				"function":   "retryLoop",
				"message_id": e.env.ID,
				"error":      err,
			}).Warn("Retry publish failed")
			q.met.IncPublishFailure()
			q.onStatus(e.env.ID, message.StatusError)
		}

		requeued := false
		q.mu.Lock()
		if e.gen == q.gen && !q.closed {
			q.retry = append(q.retry, e)
			requeued = true
		}
		q.mu.Unlock()
		if requeued {
			q.onStatus(e.env.ID, message.StatusQueued)
		}

		select {
		case <-q.stopCh:
			q.mu.Lock()
			q.retrying = false
			q.mu.Unlock()
			return
		case <-time.After(q.retryInterval):
		}
	}
}

// Seen reports whether a message id has already been published or
// received.
func (q *Queue) Seen(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.seen[id]
	return ok
}

// MarkSeen remembers a handled id. The set is bounded: once full, the
// oldest remembered id is forgotten first.
func (q *Queue) MarkSeen(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.seen[id]; ok {
		return
	}
	q.seen[id] = struct{}{}
	q.seenOrder = append(q.seenOrder, id)
	if len(q.seenOrder) > q.seenCap {
		oldest := q.seenOrder[0]
		q.seenOrder = q.seenOrder[1:]
		delete(q.seen, oldest)
	}
}

// Clear drops all queued entries and forgets every seen id. In-flight
// attempts complete but their requeue becomes a no-op.
func (q *Queue) Clear() {
	q.mu.Lock()
	q.pending = nil
	q.retry = nil
	q.seen = make(map[string]struct{})
	q.seenOrder = nil
	q.gen++
	q.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Clear",
	}).Info("Delivery queue cleared")
}

// Close shuts the queue down, stopping the retry loop.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.pending = nil
	q.retry = nil
	close(q.stopCh)
	q.mu.Unlock()
}

// PendingLen returns the FIFO depth.
func (q *Queue) PendingLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// RetryLen returns the retry queue depth.
func (q *Queue) RetryLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.retry)
}
