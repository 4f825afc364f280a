package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of kernel lifecycle event
type EventType string

const (
	EventSourceDefined          EventType = "source.defined"
	EventSourceUpdated          EventType = "source.updated"
	EventSourceRemoved          EventType = "source.removed"
	EventComputationDefined     EventType = "computation.defined"
	EventComputationRemoved     EventType = "computation.removed"
	EventComputationCommitted   EventType = "computation.committed"
	EventComputationFailed      EventType = "computation.failed"
	EventComputationAborted     EventType = "computation.aborted"
	EventComputationQuarantined EventType = "computation.quarantined"
	EventComputationRecovered   EventType = "computation.recovered"
	EventKernelIdle             EventType = "kernel.idle"
)

// Event represents a kernel lifecycle event
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// subscriptionBuffer bounds each subscription's backlog. The kernel
// publishes from under its scheduling lock, so a full buffer drops the
// event for that subscription rather than ever blocking propagation.
const subscriptionBuffer = 64

// Subscription is one consumer's registration with the broker. Events
// arrive on C; a nil or empty type filter receives everything, anything
// else receives only the listed types. Dropped reports how many events
// this subscription missed because its buffer was full.
type Subscription struct {
	id    string
	types map[EventType]bool // nil means all types
	ch    chan *Event

	mu      sync.Mutex
	dropped uint64
	closed  bool
}

// C returns the channel events are delivered on. It is closed when the
// subscription is cancelled or the broker shuts down.
func (s *Subscription) C() <-chan *Event {
	return s.ch
}

// ID returns the subscription's unique identity
func (s *Subscription) ID() string {
	return s.id
}

// Dropped returns the number of events this subscription missed
// because its buffer was full when they were published
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// wants reports whether the subscription's filter admits the type
func (s *Subscription) wants(t EventType) bool {
	return len(s.types) == 0 || s.types[t]
}

// offer hands one event to the subscription without ever blocking
func (s *Subscription) offer(event *Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- event:
	default:
		s.dropped++
	}
}

// close marks the subscription dead and releases its channel
func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// Broker fans kernel lifecycle events out to subscriptions.
//
// There is no dispatch goroutine: Publish delivers straight into each
// matching subscription's buffer at the publish site. The kernel calls
// Publish while holding its scheduling lock, so every path through the
// broker is non-blocking by construction; consumers that fall behind
// lose events (counted per subscription), never slow the scheduler.
type Broker struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	closed bool
}

// NewBroker creates an event broker ready for use
func NewBroker() *Broker {
	return &Broker{
		subs: make(map[string]*Subscription),
	}
}

// Subscribe registers a consumer. With no arguments the subscription
// receives every event; otherwise only the listed types.
func (b *Broker) Subscribe(types ...EventType) *Subscription {
	sub := &Subscription{
		id: uuid.NewString(),
		ch: make(chan *Event, subscriptionBuffer),
	}
	if len(types) > 0 {
		sub.types = make(map[EventType]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.close()
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe cancels a subscription and closes its channel. Safe to
// call more than once.
func (b *Broker) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	delete(b.subs, sub.id)
	b.mu.Unlock()
	sub.close()
}

// Publish fans one event out to every matching subscription. The event
// id and timestamp are filled in if unset. Never blocks.
func (b *Broker) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if sub.wants(event.Type) {
			sub.offer(event)
		}
	}
}

// Close shuts the broker down: all subscriptions are cancelled and
// later publishes are discarded. Safe to call more than once.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[string]*Subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

// SubscriberCount returns the number of active subscriptions
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
