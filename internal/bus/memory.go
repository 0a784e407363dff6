package bus

import (
	"context"
	"strconv"
	"sync"

	concpool "github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/tilegate/tilegate/errs"
)

// MemoryBus is an in-memory implementation of the event bus.
type MemoryBus struct {
	cfg MemoryConfig

	mu           sync.RWMutex
	subscribers  map[EventType]map[SubscriptionID]*subscriber
	shutdownOnce sync.Once
	closed       bool
	nextID       uint64

	publishedCounter metric.Int64Counter
	droppedCounter   metric.Int64Counter
	subscriberGauge  metric.Int64UpDownCounter
}

type subscriber struct {
	mu     sync.Mutex
	ch     chan *Event
	closed bool
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// send delivers the event without blocking. The subscriber lock orders the
// send against close so a concurrent unsubscribe can never turn a fanout into
// a send on a closed channel.
func (s *subscriber) send(evt *Event) (delivered, open bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, false
	}
	select {
	case s.ch <- evt:
		return true, true
	default:
		return false, true
	}
}

// NewMemoryBus constructs a memory-backed event bus.
func NewMemoryBus(cfg MemoryConfig) *MemoryBus {
	b := new(MemoryBus)
	b.cfg = cfg.normalize()
	b.subscribers = make(map[EventType]map[SubscriptionID]*subscriber)

	meter := otel.Meter("bus")
	b.publishedCounter, _ = meter.Int64Counter("bus.events.published",
		metric.WithDescription("Number of events published to the bus"),
		metric.WithUnit("{event}"))
	b.droppedCounter, _ = meter.Int64Counter("bus.events.dropped",
		metric.WithDescription("Number of deliveries dropped due to subscriber backpressure"),
		metric.WithUnit("{event}"))
	b.subscriberGauge, _ = meter.Int64UpDownCounter("bus.subscribers",
		metric.WithDescription("Number of active subscribers"),
		metric.WithUnit("{subscriber}"))

	return b
}

// Publish fans the event out to all subscribers of its type. Slow subscribers
// with full buffers are skipped, never blocked on; subscriptions that end
// mid-fanout are skipped as well.
func (b *MemoryBus) Publish(ctx context.Context, evt *Event) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if evt == nil {
		return nil
	}
	if evt.Type == "" {
		return errs.New("bus/publish", errs.CodeInvalid, errs.WithMessage("event type required"))
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return errs.New("bus/publish", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	targets := make([]*subscriber, 0, len(b.subscribers[evt.Type]))
	for _, sub := range b.subscribers[evt.Type] {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	if b.publishedCounter != nil {
		b.publishedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("event.type", string(evt.Type))))
	}
	if len(targets) == 0 {
		return nil
	}

	p := concpool.New().WithMaxGoroutines(b.cfg.FanoutWorkers)
	for _, sub := range targets {
		sub := sub
		p.Go(func() {
			delivered, open := sub.send(evt)
			if !delivered && open && b.droppedCounter != nil {
				b.droppedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("event.type", string(evt.Type))))
			}
		})
	}
	p.Wait()
	return nil
}

// Subscribe registers interest in one event type. The subscription ends when
// the provided context is cancelled, Unsubscribe is called, or the bus closes.
func (b *MemoryBus) Subscribe(ctx context.Context, typ EventType) (SubscriptionID, <-chan *Event, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if typ == "" {
		return "", nil, errs.New("bus/subscribe", errs.CodeInvalid, errs.WithMessage("event type required"))
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", nil, errs.New("bus/subscribe", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	b.nextID++
	id := SubscriptionID("sub-" + strconv.FormatUint(b.nextID, 10))
	sub := &subscriber{ch: make(chan *Event, b.cfg.BufferSize)}
	if b.subscribers[typ] == nil {
		b.subscribers[typ] = make(map[SubscriptionID]*subscriber)
	}
	b.subscribers[typ][id] = sub
	b.mu.Unlock()

	if b.subscriberGauge != nil {
		b.subscriberGauge.Add(ctx, 1)
	}

	go func() {
		<-ctx.Done()
		b.Unsubscribe(id)
	}()

	return id, sub.ch, nil
}

// Unsubscribe removes the subscription and closes its channel.
func (b *MemoryBus) Unsubscribe(id SubscriptionID) {
	b.mu.Lock()
	var removed *subscriber
	for typ, subs := range b.subscribers {
		if sub, ok := subs[id]; ok {
			removed = sub
			delete(subs, id)
			if len(subs) == 0 {
				delete(b.subscribers, typ)
			}
			break
		}
	}
	b.mu.Unlock()

	if removed != nil {
		removed.close()
		if b.subscriberGauge != nil {
			b.subscriberGauge.Add(context.Background(), -1)
		}
	}
}

// Close shuts the bus down and closes all subscriber channels.
func (b *MemoryBus) Close() {
	b.shutdownOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		subs := make([]*subscriber, 0)
		for _, typed := range b.subscribers {
			for _, sub := range typed {
				subs = append(subs, sub)
			}
		}
		b.subscribers = make(map[EventType]map[SubscriptionID]*subscriber)
		b.mu.Unlock()

		for _, sub := range subs {
			sub.close()
		}
	})
}
