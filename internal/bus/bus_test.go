package bus

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/scorefollow/scorefollow-go/internal/observability/metrics"
)

// recorder collects delivered messages for assertions.
type recorder struct {
	mu   sync.Mutex
	msgs []*Message
}

func (r *recorder) handle(m *Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func (r *recorder) priorities() []Priority {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Priority, len(r.msgs))
	for i, m := range r.msgs {
		out[i] = m.Priority
	}
	return out
}

func (r *recorder) ids() map[string]bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]bool, len(r.msgs))
	for _, m := range r.msgs {
		out[m.ID] = true
	}
	return out
}

func newTestBus(t *testing.T, capacity int) *Bus {
	t.Helper()
	b := New(capacity, time.Second, nil)
	t.Cleanup(func() { _ = b.Stop() })
	return b
}

func waitDelivered(t *testing.T, r *recorder, want int) {
	t.Helper()
	require.Eventually(t, func() bool { return r.count() >= want },
		2*time.Second, 10*time.Millisecond,
		"expected %d deliveries, got %d", want, r.count())
}

func TestDeliveryIsPriorityOrdered(t *testing.T) {
	b := newTestBus(t, 16)
	rec := &recorder{}
	_, err := b.Subscribe(TypePositionUpdate, PriorityLow, rec.handle)
	require.NoError(t, err)

	// queue everything before the dispatch loop runs so publish order
	// cannot influence delivery order
	for _, p := range []Priority{PriorityLow, PriorityCritical, PriorityHigh, PriorityNormal} {
		msg := NewMessage("test", Broadcast, TypePositionUpdate, nil).WithPriority(p)
		require.NoError(t, b.Publish(msg))
	}

	require.NoError(t, b.Start())
	waitDelivered(t, rec, 4)

	assert.Equal(t,
		[]Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow},
		rec.priorities())
}

func TestEqualPrioritiesKeepPublishOrder(t *testing.T) {
	b := newTestBus(t, 16)
	rec := &recorder{}
	_, err := b.Subscribe(TypeLookahead, PriorityLow, rec.handle)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		msg := NewMessage("test", Broadcast, TypeLookahead, i)
		msg.ID = fmt.Sprintf("m%d", i)
		require.NoError(t, b.Publish(msg))
	}

	require.NoError(t, b.Start())
	waitDelivered(t, rec, 5)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for i, m := range rec.msgs {
		assert.Equal(t, fmt.Sprintf("m%d", i), m.ID)
	}
}

func TestConcurrentProducersLoseNothing(t *testing.T) {
	const producers = 8
	const perProducer = 25

	b := newTestBus(t, producers*perProducer)
	rec := &recorder{}
	_, err := b.Subscribe(TypeOnsetDetected, PriorityLow, rec.handle)
	require.NoError(t, err)
	require.NoError(t, b.Start())

	published := make(map[string]bool)
	var publishedMu sync.Mutex

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				msg := NewMessage(fmt.Sprintf("producer-%d", p), Broadcast, TypeOnsetDetected, i)
				assert.NoError(t, b.Publish(msg))
				publishedMu.Lock()
				published[msg.ID] = true
				publishedMu.Unlock()
			}
		}(p)
	}
	wg.Wait()

	waitDelivered(t, rec, producers*perProducer)
	assert.Equal(t, published, rec.ids(), "every published message must arrive exactly once")

	stats := b.Stats()
	assert.Equal(t, uint64(producers*perProducer), stats.Published)
	assert.Equal(t, uint64(producers*perProducer), stats.Delivered)
	assert.Zero(t, stats.Rejected)
}

func TestPublishOverflowFails(t *testing.T) {
	b := newTestBus(t, 3)

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Publish(NewMessage("test", Broadcast, TypePositionUpdate, i)))
	}

	err := b.Publish(NewMessage("test", Broadcast, TypePositionUpdate, 3))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrQueueFull)

	stats := b.Stats()
	assert.Equal(t, uint64(3), stats.Published)
	assert.Equal(t, uint64(1), stats.Rejected)
	assert.Equal(t, 3, stats.QueueSize)
}

func TestMinPriorityFilters(t *testing.T) {
	b := newTestBus(t, 16)

	urgent := &recorder{}
	everything := &recorder{}
	_, err := b.Subscribe(TypeSystemWarning, PriorityHigh, urgent.handle)
	require.NoError(t, err)
	_, err = b.Subscribe(TypeSystemWarning, PriorityLow, everything.handle)
	require.NoError(t, err)
	require.NoError(t, b.Start())

	for _, p := range []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow} {
		msg := NewMessage("test", Broadcast, TypeSystemWarning, nil).WithPriority(p)
		require.NoError(t, b.Publish(msg))
	}

	waitDelivered(t, everything, 4)
	assert.Equal(t, 2, urgent.count(), "min_priority=high admits critical and high only")
}

func TestHandlerPanicIsIsolated(t *testing.T) {
	b := newTestBus(t, 16)

	rec := &recorder{}
	_, err := b.Subscribe(TypePositionUpdate, PriorityLow, func(*Message) error {
		panic("handler exploded")
	})
	require.NoError(t, err)
	_, err = b.Subscribe(TypePositionUpdate, PriorityLow, rec.handle)
	require.NoError(t, err)
	require.NoError(t, b.Start())

	require.NoError(t, b.Publish(NewMessage("test", Broadcast, TypePositionUpdate, 1)))
	require.NoError(t, b.Publish(NewMessage("test", Broadcast, TypePositionUpdate, 2)))

	waitDelivered(t, rec, 2)
	assert.Equal(t, uint64(2), b.Stats().HandlerErrors)
}

func TestHandlerErrorDoesNotStopSiblings(t *testing.T) {
	b := newTestBus(t, 16)

	rec := &recorder{}
	_, err := b.Subscribe(TypeSectionChange, PriorityLow, func(*Message) error {
		return fmt.Errorf("handler refused")
	})
	require.NoError(t, err)
	_, err = b.Subscribe(TypeSectionChange, PriorityLow, rec.handle)
	require.NoError(t, err)
	require.NoError(t, b.Start())

	require.NoError(t, b.Publish(NewMessage("test", Broadcast, TypeSectionChange, nil)))

	waitDelivered(t, rec, 1)
	assert.Equal(t, uint64(1), b.Stats().HandlerErrors)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := newTestBus(t, 16)
	rec := &recorder{}
	id, err := b.Subscribe(TypePositionUpdate, PriorityLow, rec.handle)
	require.NoError(t, err)
	require.NoError(t, b.Start())

	require.NoError(t, b.Publish(NewMessage("test", Broadcast, TypePositionUpdate, 1)))
	waitDelivered(t, rec, 1)

	assert.True(t, b.Unsubscribe(TypePositionUpdate, id))
	assert.False(t, b.Unsubscribe(TypePositionUpdate, id), "second remove finds nothing")

	require.NoError(t, b.Publish(NewMessage("test", Broadcast, TypePositionUpdate, 2)))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, rec.count())
}

func TestSubscribeRejectsNilHandler(t *testing.T) {
	b := newTestBus(t, 4)
	_, err := b.Subscribe(TypePositionUpdate, PriorityLow, nil)
	require.Error(t, err)
	_, err = b.Subscribe("", PriorityLow, (&recorder{}).handle)
	require.Error(t, err)
}

func TestStopDrainsThenRejects(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := New(32, time.Second, nil)
	rec := &recorder{}
	_, err := b.Subscribe(TypePositionUpdate, PriorityLow, func(m *Message) error {
		time.Sleep(5 * time.Millisecond)
		return rec.handle(m)
	})
	require.NoError(t, err)
	require.NoError(t, b.Start())

	for i := 0; i < 10; i++ {
		require.NoError(t, b.Publish(NewMessage("test", Broadcast, TypePositionUpdate, i)))
	}

	require.NoError(t, b.Stop())
	assert.Equal(t, 10, rec.count(), "stop must drain queued messages before cancelling")

	err = b.Publish(NewMessage("test", Broadcast, TypePositionUpdate, 99))
	assert.ErrorIs(t, err, ErrStopped)

	assert.NoError(t, b.Stop(), "second stop is a no-op")
	assert.ErrorIs(t, b.Start(), ErrStopped)
}

func TestStopReportsDrainTimeout(t *testing.T) {
	b := New(8, 30*time.Millisecond, nil)
	release := make(chan struct{})
	_, err := b.Subscribe(TypePositionUpdate, PriorityLow, func(*Message) error {
		<-release
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, b.Start())

	require.NoError(t, b.Publish(NewMessage("test", Broadcast, TypePositionUpdate, nil)))

	err = b.Stop()
	require.Error(t, err)
	close(release)
}

func TestStatsCountersByTypeAndPriority(t *testing.T) {
	b := newTestBus(t, 16)
	rec := &recorder{}
	_, err := b.Subscribe(TypePositionUpdate, PriorityLow, rec.handle)
	require.NoError(t, err)
	require.NoError(t, b.Start())

	require.NoError(t, b.Publish(NewMessage("tracker", Broadcast, TypePositionUpdate, nil)))
	require.NoError(t, b.Publish(NewMessage("tracker", Broadcast, TypePositionUpdate, nil)))
	require.NoError(t, b.Publish(NewMessage("monitor", Broadcast, TypeSystemCritical, nil)))

	waitDelivered(t, rec, 2)
	require.Eventually(t, func() bool { return b.Stats().Delivered == 3 },
		time.Second, 10*time.Millisecond)

	stats := b.Stats()
	assert.Equal(t, uint64(2), stats.ByType[TypePositionUpdate])
	assert.Equal(t, uint64(1), stats.ByType[TypeSystemCritical])
	assert.Equal(t, uint64(2), stats.ByPriority["normal"])
	assert.Equal(t, uint64(1), stats.ByPriority["critical"])
	assert.Equal(t, 1, stats.SubscriberTypes)
	assert.True(t, stats.Running)
}

func TestSetMetricsRecordsBusActivity(t *testing.T) {
	registry := prometheus.NewRegistry()
	busMetrics, err := metrics.NewBusMetrics(registry)
	require.NoError(t, err)

	b := newTestBus(t, 16)
	b.SetMetrics(busMetrics)

	rec := &recorder{}
	_, err = b.Subscribe(TypePositionUpdate, PriorityLow, rec.handle)
	require.NoError(t, err)
	require.NoError(t, b.Start())

	require.NoError(t, b.Publish(NewMessage("tracker", Broadcast, TypePositionUpdate, nil)))
	require.NoError(t, b.Publish(NewMessage("tracker", Broadcast, TypePositionUpdate, nil)))
	waitDelivered(t, rec, 2)
	// Stop drains, so delivery metrics are final once it returns.
	require.NoError(t, b.Stop())

	// An unstarted single-slot bus rejects the second publish.
	overflow := New(1, time.Second, nil)
	overflow.SetMetrics(busMetrics)
	require.NoError(t, overflow.Publish(NewMessage("tracker", Broadcast, TypeOnsetDetected, nil)))
	require.ErrorIs(t, overflow.Publish(NewMessage("tracker", Broadcast, TypeOnsetDetected, nil)), ErrQueueFull)
	require.NoError(t, overflow.Stop())

	families, err := registry.Gather()
	require.NoError(t, err)
	values := make(map[string]float64)
	for _, mf := range families {
		total := 0.0
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				total += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				total += m.GetGauge().GetValue()
			}
		}
		values[mf.GetName()] = total
	}

	assert.InDelta(t, 3.0, values["bus_messages_published_total"], 0.01)
	assert.InDelta(t, 2.0, values["bus_messages_delivered_total"], 0.01)
	assert.InDelta(t, 1.0, values["bus_messages_rejected_total"], 0.01)
	assert.InDelta(t, 1.0, values["bus_subscribers"], 0.01)
}

func TestNewMessageDefaults(t *testing.T) {
	m := NewMessage("tracker", Broadcast, TypeOnsetDetected, map[string]any{"time": 1.5})

	assert.NotEmpty(t, m.ID)
	assert.False(t, m.Timestamp.IsZero())
	assert.Equal(t, PriorityHigh, m.Priority)

	cases := map[string]Priority{
		TypeSystemCritical: PriorityCritical,
		TypeSystemError:    PriorityCritical,
		TypeOnsetDetected:  PriorityHigh,
		TypeSectionChange:  PriorityHigh,
		TypeSystemWarning:  PriorityHigh,
		TypePositionUpdate: PriorityNormal,
		TypeSessionStarted: PriorityNormal,
		TypeSessionStopped: PriorityNormal,
		TypeLookahead:      PriorityLow,
		"never_heard_of":   PriorityNormal,
	}
	for messageType, want := range cases {
		assert.Equal(t, want, DefaultPriority(messageType), messageType)
	}
}
