// Package bus provides the in-process priority message bus that carries
// tracker output and session events to subscribers. Messages are delivered
// strictly most-urgent-first regardless of publish order; handlers for a
// single message run concurrently, and the dispatch loop only advances once
// all of them have settled.
package bus

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/scorefollow/scorefollow-go/internal/logging"
	"github.com/scorefollow/scorefollow-go/internal/observability/metrics"
)

// Bus errors are plain sentinels rather than enriched errors: the error
// reporter's sink is the bus itself, so publish failures must not route
// back through it.
var (
	// ErrQueueFull is returned by Publish when the bounded queue is at
	// capacity. Unlike audio-block drops this is surfaced to the caller.
	ErrQueueFull = fmt.Errorf("message queue full")

	// ErrStopped is returned by Publish after Stop has been called.
	ErrStopped = fmt.Errorf("message bus is stopped")
)

// Handler processes one delivered message. A returned error is logged and
// counted but never affects sibling handlers or the dispatch loop.
type Handler func(msg *Message) error

type subscription struct {
	id          uint64
	minPriority Priority
	handler     Handler
}

// queuedMessage pairs a message with its enqueue sequence so equal
// priorities dequeue in publish order.
type queuedMessage struct {
	msg *Message
	seq uint64
}

type messageHeap []*queuedMessage

func (h messageHeap) Len() int { return len(h) }

func (h messageHeap) Less(i, j int) bool {
	if h[i].msg.Priority != h[j].msg.Priority {
		return h[i].msg.Priority < h[j].msg.Priority
	}
	return h[i].seq < h[j].seq
}

func (h messageHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *messageHeap) Push(x any) { *h = append(*h, x.(*queuedMessage)) }

func (h *messageHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Bus is a bounded priority pub/sub bus. Publish may be called concurrently
// from any goroutine; a single dispatch loop owns dequeuing.
type Bus struct {
	capacity     int
	drainTimeout time.Duration

	mu         sync.Mutex
	queue      messageHeap
	seq        uint64
	subs       map[string][]subscription
	nextSubID  uint64
	byType     map[string]uint64
	byPriority map[Priority]uint64

	notify chan struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
	closed  atomic.Bool

	// pending counts messages enqueued but not yet fully delivered,
	// which is what Stop's drain waits on.
	pending atomic.Int64

	published     atomic.Uint64
	delivered     atomic.Uint64
	rejected      atomic.Uint64
	handlerErrors atomic.Uint64
	publishNanos  atomic.Int64
	deliverNanos  atomic.Int64

	metrics atomic.Pointer[metrics.BusMetrics]

	logger *slog.Logger
}

// Stats is a point-in-time snapshot of bus counters.
type Stats struct {
	Published          uint64
	Delivered          uint64
	Rejected           uint64
	HandlerErrors      uint64
	QueueSize          int
	SubscriberTypes    int
	AvgPublishLatency  time.Duration
	AvgDeliveryLatency time.Duration
	ByType             map[string]uint64
	ByPriority         map[string]uint64
	Running            bool
}

// New creates a bus with the given queue capacity and drain timeout for
// Stop. Zero or negative arguments fall back to 100 messages and 5 seconds.
func New(capacity int, drainTimeout time.Duration, logger *slog.Logger) *Bus {
	if capacity <= 0 {
		capacity = 100
	}
	if drainTimeout <= 0 {
		drainTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = logging.ForService("bus")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		capacity:     capacity,
		drainTimeout: drainTimeout,
		queue:        make(messageHeap, 0, capacity),
		subs:         make(map[string][]subscription),
		byType:       make(map[string]uint64),
		byPriority:   make(map[Priority]uint64),
		notify:       make(chan struct{}, 1),
		ctx:          ctx,
		cancel:       cancel,
		logger:       logger,
	}
}

// SetMetrics sets the metrics instance. Safe to call at any time; a nil
// bus metrics instance disables recording.
func (b *Bus) SetMetrics(m *metrics.BusMetrics) {
	b.metrics.Store(m)
}

// Subscribe registers a handler for a message type. The handler fires for
// every published message of that type at least as urgent as minPriority
// (PriorityLow admits everything). The returned id cancels the
// subscription via Unsubscribe.
func (b *Bus) Subscribe(messageType string, minPriority Priority, handler Handler) (uint64, error) {
	if handler == nil {
		return 0, fmt.Errorf("subscribe %q: handler is nil", messageType)
	}
	if messageType == "" {
		return 0, fmt.Errorf("subscribe: message type is empty")
	}

	b.mu.Lock()
	b.nextSubID++
	id := b.nextSubID
	b.subs[messageType] = append(b.subs[messageType], subscription{
		id:          id,
		minPriority: minPriority,
		handler:     handler,
	})
	total := b.subscriberCountLocked()
	b.mu.Unlock()

	if m := b.metrics.Load(); m != nil {
		m.SetSubscribers(total)
	}
	b.logger.Debug("subscribed", "type", messageType, "min_priority", minPriority.String(), "id", id)
	return id, nil
}

// Unsubscribe removes a subscription by id. It reports whether anything
// was removed.
func (b *Bus) Unsubscribe(messageType string, id uint64) bool {
	b.mu.Lock()
	removed := false
	subs := b.subs[messageType]
	for i, s := range subs {
		if s.id == id {
			b.subs[messageType] = append(subs[:i], subs[i+1:]...)
			if len(b.subs[messageType]) == 0 {
				delete(b.subs, messageType)
			}
			removed = true
			break
		}
	}
	total := b.subscriberCountLocked()
	b.mu.Unlock()

	if removed {
		if m := b.metrics.Load(); m != nil {
			m.SetSubscribers(total)
		}
	}
	return removed
}

func (b *Bus) subscriberCountLocked() int {
	total := 0
	for _, subs := range b.subs {
		total += len(subs)
	}
	return total
}

// Publish enqueues a message without blocking. A full queue fails with
// ErrQueueFull; the message is never silently dropped. Missing ID or
// timestamp fields are filled in.
func (b *Bus) Publish(msg *Message) error {
	if msg == nil {
		return fmt.Errorf("publish: message is nil")
	}
	if b.closed.Load() {
		return ErrStopped
	}

	start := time.Now()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = start
	}

	b.mu.Lock()
	if len(b.queue) >= b.capacity {
		b.mu.Unlock()
		b.rejected.Add(1)
		if m := b.metrics.Load(); m != nil {
			m.RecordRejected()
		}
		return fmt.Errorf("%w: %d messages queued, dropping %q from %s",
			ErrQueueFull, b.capacity, msg.Type, msg.From)
	}
	b.seq++
	heap.Push(&b.queue, &queuedMessage{msg: msg, seq: b.seq})
	b.byType[msg.Type]++
	b.byPriority[msg.Priority]++
	queued := len(b.queue)
	b.mu.Unlock()

	b.pending.Add(1)
	b.published.Add(1)
	b.publishNanos.Add(time.Since(start).Nanoseconds())
	if m := b.metrics.Load(); m != nil {
		m.RecordPublished(msg.Type)
		m.SetQueueSize(queued)
	}

	select {
	case b.notify <- struct{}{}:
	default:
	}
	return nil
}

// Start launches the dispatch loop. Starting an already running bus is a
// no-op; starting a stopped bus is an error.
func (b *Bus) Start() error {
	if b.closed.Load() {
		return ErrStopped
	}
	if b.running.Swap(true) {
		return nil
	}

	b.wg.Add(1)
	go b.run()
	b.logger.Info("message bus started", "capacity", b.capacity)
	return nil
}

func (b *Bus) run() {
	defer b.wg.Done()

	for {
		select {
		case <-b.ctx.Done():
			return
		default:
		}

		qm := b.pop()
		if qm == nil {
			select {
			case <-b.ctx.Done():
				return
			case <-b.notify:
			}
			continue
		}

		b.deliver(qm.msg)
		b.pending.Add(-1)
	}
}

func (b *Bus) pop() *queuedMessage {
	b.mu.Lock()
	if len(b.queue) == 0 {
		b.mu.Unlock()
		return nil
	}
	qm := heap.Pop(&b.queue).(*queuedMessage)
	queued := len(b.queue)
	b.mu.Unlock()

	if m := b.metrics.Load(); m != nil {
		m.SetQueueSize(queued)
	}
	return qm
}

// deliver fans a message out to every matching subscriber concurrently and
// waits for all of them before returning.
func (b *Bus) deliver(msg *Message) {
	start := time.Now()

	b.mu.Lock()
	subs := b.subs[msg.Type]
	matched := make([]subscription, 0, len(subs))
	for _, s := range subs {
		if msg.Priority <= s.minPriority {
			matched = append(matched, s)
		}
	}
	b.mu.Unlock()

	if len(matched) == 0 {
		b.logger.Debug("no subscribers", "type", msg.Type)
	}

	var wg sync.WaitGroup
	for _, s := range matched {
		wg.Add(1)
		go func(s subscription) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					b.recordHandlerError()
					b.logger.Error("handler panicked",
						"type", msg.Type,
						"subscriber", s.id,
						"panic", r,
					)
				}
			}()
			if err := s.handler(msg); err != nil {
				b.recordHandlerError()
				b.logger.Error("handler failed",
					"type", msg.Type,
					"subscriber", s.id,
					"error", err,
				)
			}
		}(s)
	}
	wg.Wait()

	elapsed := time.Since(start)
	b.delivered.Add(1)
	b.deliverNanos.Add(elapsed.Nanoseconds())
	if m := b.metrics.Load(); m != nil {
		m.RecordDelivered(msg.Type, elapsed.Seconds())
	}
}

func (b *Bus) recordHandlerError() {
	b.handlerErrors.Add(1)
	if m := b.metrics.Load(); m != nil {
		m.RecordHandlerError()
	}
}

// Stop rejects further publishes, waits up to the drain timeout for queued
// messages to be delivered, then cancels the dispatch loop. A non-nil
// error means the drain or shutdown exceeded its bound.
func (b *Bus) Stop() error {
	if b.closed.Swap(true) {
		return nil
	}
	if !b.running.Load() {
		b.cancel()
		return nil
	}

	b.logger.Info("stopping message bus", "pending", b.pending.Load(), "drain_timeout", b.drainTimeout)

	var stopErr error
	deadline := time.Now().Add(b.drainTimeout)
	for b.pending.Load() > 0 {
		if time.Now().After(deadline) {
			stopErr = fmt.Errorf("drain timeout exceeded with %d messages pending", b.pending.Load())
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	b.cancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(b.drainTimeout):
		if stopErr == nil {
			stopErr = fmt.Errorf("dispatch loop did not stop within %s", b.drainTimeout)
		}
	}

	b.running.Store(false)
	if stopErr != nil {
		b.logger.Warn("message bus stopped with drain failure", "error", stopErr)
		return stopErr
	}
	b.logger.Info("message bus stopped",
		"published", b.published.Load(),
		"delivered", b.delivered.Load(),
	)
	return nil
}

// Stats returns a snapshot of bus counters.
func (b *Bus) Stats() Stats {
	s := Stats{
		Published:     b.published.Load(),
		Delivered:     b.delivered.Load(),
		Rejected:      b.rejected.Load(),
		HandlerErrors: b.handlerErrors.Load(),
		Running:       b.running.Load() && !b.closed.Load(),
		ByType:        make(map[string]uint64),
		ByPriority:    make(map[string]uint64),
	}
	if s.Published > 0 {
		s.AvgPublishLatency = time.Duration(b.publishNanos.Load() / int64(s.Published)) //nolint:gosec // counter fits
	}
	if s.Delivered > 0 {
		s.AvgDeliveryLatency = time.Duration(b.deliverNanos.Load() / int64(s.Delivered)) //nolint:gosec // counter fits
	}

	b.mu.Lock()
	s.QueueSize = len(b.queue)
	s.SubscriberTypes = len(b.subs)
	for t, n := range b.byType {
		s.ByType[t] = n
	}
	for p, n := range b.byPriority {
		s.ByPriority[p.String()] = n
	}
	b.mu.Unlock()
	return s
}
