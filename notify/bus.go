// Package notify fans scheduler and device events out to independent subscribers.
//
// Publishing never blocks: each subscriber has its own buffered channel and an event is dropped for a
// subscriber whose buffer is full, so a slow UI cannot stall beat dispatch.
package notify

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/robmorgan/metronome/logger"
	"github.com/robmorgan/metronome/observe"
)

const DefaultBuffer = 64

// Publisher accepts events.
type Publisher interface {
	Publish(ev Event)
}

// Bus is a non-blocking, multi-subscriber event bus.
type Bus struct {
	clock   clock.PassiveClock
	metrics *observe.Metrics
	log     *logrus.Entry

	mu     sync.RWMutex
	subs   map[string]*Subscription
	closed bool

	published atomic.Uint64
	dropped   atomic.Uint64
}

// BusOption configures a Bus.
type BusOption func(*Bus)

func WithClock(c clock.PassiveClock) BusOption {
	return func(b *Bus) {
		b.clock = c
	}
}

func WithMetrics(m *observe.Metrics) BusOption {
	return func(b *Bus) {
		b.metrics = m
	}
}

func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		clock:   clock.RealClock{},
		metrics: observe.DefaultMetrics(),
		log:     logger.GetProjectLogger().WithField("component", "notify"),
		subs:    make(map[string]*Subscription),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscription is one subscriber's view of the bus.
type Subscription struct {
	id   string
	name string
	ch   chan Event
	bus  *Bus
	once sync.Once
}

func (s *Subscription) ID() string {
	return s.id
}

func (s *Subscription) Name() string {
	return s.name
}

// C delivers events. It is closed when the subscription or the bus is closed.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Close detaches the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s)
}

// Subscribe registers a new subscriber with the given channel buffer.
func (b *Bus) Subscribe(name string, buffer int) *Subscription {
	if buffer < 1 {
		buffer = DefaultBuffer
	}
	s := &Subscription{
		id:   uuid.NewString(),
		name: name,
		ch:   make(chan Event, buffer),
		bus:  b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.once.Do(func() { close(s.ch) })
		return s
	}
	b.subs[s.id] = s
	b.metrics.Subscribers.Add(context.Background(), 1)
	b.log.WithField("subscriber", name).Debug("subscribed")
	return s
}

// SubscribeFunc runs fn on its own goroutine for every event until the subscription is closed.
func (b *Bus) SubscribeFunc(name string, buffer int, fn func(Event)) *Subscription {
	s := b.Subscribe(name, buffer)
	go func() {
		for ev := range s.ch {
			fn(ev)
		}
	}()
	return s
}

// Publish delivers ev to every subscriber with room in its buffer.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = b.clock.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	b.published.Add(1)
	for _, s := range b.subs {
		select {
		case s.ch <- ev:
		default:
			b.dropped.Add(1)
			b.metrics.RecordBusDrop(context.Background(), s.name)
			b.log.WithFields(logrus.Fields{
				"subscriber": s.name,
				"kind":       ev.Kind,
			}).Debug("subscriber full; dropping event")
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) Published() uint64 {
	return b.published.Load()
}

// Dropped returns the number of deliveries skipped because a subscriber was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes every subscription. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		s.once.Do(func() { close(s.ch) })
		delete(b.subs, id)
		b.metrics.Subscribers.Add(context.Background(), -1)
	}
}

func (b *Bus) unsubscribe(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s.id]; ok {
		delete(b.subs, s.id)
		b.metrics.Subscribers.Add(context.Background(), -1)
	}
	s.once.Do(func() { close(s.ch) })
}
