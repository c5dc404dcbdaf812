package services

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/manthysbr/scoutOS/internal/core/domain"
)

// EventHandler receives events on the subscriber's own goroutine.
type EventHandler func(domain.Event)

const defaultSubscriberBuffer = 256

// subscriber owns an unbounded mailbox drained by its delivery goroutine.
type subscriber struct {
	executionID domain.ExecutionID // empty: every execution

	mu      sync.Mutex
	pending []domain.Event
	signal  chan struct{} // cap 1: mailbox became non-empty
	stop    chan struct{}
}

func (s *subscriber) push(ev domain.Event) {
	s.mu.Lock()
	s.pending = append(s.pending, ev)
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscriber) take() []domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := s.pending
	s.pending = nil
	return batch
}

func (s *subscriber) backlog() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// loop hands mailbox events to deliver in publish order until the subscriber
// stops or deliver reports false.
func (s *subscriber) loop(deliver func(domain.Event) bool) {
	for {
		select {
		case <-s.stop:
			return
		case <-s.signal:
		}
		for _, ev := range s.take() {
			if !deliver(ev) {
				return
			}
		}
	}
}

// EventBus fans events out to live subscribers. There is no replay: a subscriber
// only sees events published while it is registered. Publish never blocks and
// never drops: each subscriber queues without bound and a slow one only delays
// itself.
type EventBus struct {
	logger *slog.Logger
	buffer int

	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]*subscriber

	published atomic.Int64
	failed    atomic.Int64
}

// NewEventBus builds a bus; buffer sizes the channel handed to channel subscribers.
func NewEventBus(logger *slog.Logger, buffer int) *EventBus {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &EventBus{
		logger: logger,
		buffer: buffer,
		subs:   make(map[uint64]*subscriber),
	}
}

// Subscribe returns a channel that receives events for a specific execution.
// The channel is closed after the subscription ends.
func (b *EventBus) Subscribe(executionID domain.ExecutionID) (<-chan domain.Event, func()) {
	sub, unsub := b.add(executionID)
	out := make(chan domain.Event, b.buffer)
	go func() {
		defer close(out)
		sub.loop(func(ev domain.Event) bool {
			select {
			case out <- ev:
				return true
			case <-sub.stop:
				return false
			}
		})
	}()
	return out, unsub
}

// SubscribeGlobal returns a channel that receives every event.
func (b *EventBus) SubscribeGlobal() (<-chan domain.Event, func()) {
	return b.Subscribe("")
}

// SubscribeFunc registers a handler for every event. The handler runs on a
// dedicated goroutine; a panic in it is logged and delivery continues.
func (b *EventBus) SubscribeFunc(handler EventHandler) func() {
	sub, unsub := b.add("")
	go sub.loop(func(ev domain.Event) bool {
		select {
		case <-sub.stop:
			return false
		default:
		}
		b.deliver(handler, ev)
		return true
	})
	return unsub
}

func (b *EventBus) add(executionID domain.ExecutionID) (*subscriber, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	sub := &subscriber{
		executionID: executionID,
		signal:      make(chan struct{}, 1),
		stop:        make(chan struct{}),
	}
	b.subs[id] = sub

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[id]; !ok {
				return
			}
			delete(b.subs, id)
			close(sub.stop)
		})
	}
	return sub, unsub
}

func (b *EventBus) deliver(handler EventHandler, ev domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.failed.Add(1)
			b.logger.Error("event handler panic", "event", ev.Type, "execution_id", ev.ExecutionID, "panic", r)
		}
	}()
	handler(ev)
}

// Publish queues an event for every matching subscriber without blocking.
func (b *EventBus) Publish(ev domain.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	b.published.Add(1)
	for _, sub := range b.subs {
		if sub.executionID != "" && sub.executionID != ev.ExecutionID {
			continue
		}
		sub.push(ev)
	}
}

// Close unsubscribes everyone. Channel subscribers observe a closed channel.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.stop)
	}
}

// EventBusStats are delivery counters since start. Pending is the number of
// events queued but not yet handed to their subscribers.
type EventBusStats struct {
	Subscribers int   `json:"subscribers"`
	Published   int64 `json:"published"`
	Pending     int   `json:"pending"`
	Failed      int64 `json:"failed"`
}

func (b *EventBus) Stats() EventBusStats {
	b.mu.RLock()
	n := len(b.subs)
	pending := 0
	for _, sub := range b.subs {
		pending += sub.backlog()
	}
	b.mu.RUnlock()
	return EventBusStats{
		Subscribers: n,
		Published:   b.published.Load(),
		Pending:     pending,
		Failed:      b.failed.Load(),
	}
}
