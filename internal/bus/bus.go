// Package bus provides the in-process event stream: a bounded ordered
// history, synchronous inline listeners, and filtered subscribers that
// back the SSE fan-out. Publish is non-blocking toward subscribers; a
// subscriber whose queue overflows is closed rather than allowed to
// stall the stream.
package bus

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/jaakkos/teamboard/internal/domain"
)

// defaultHistoryCap bounds the in-memory event sequence; oldest entries
// are dropped past the cap.
const defaultHistoryCap = 5000

// defaultQueueCap bounds a subscriber's outbound queue.
const defaultQueueCap = 256

// Filter narrows which events a subscriber receives. Empty fields match
// everything.
type Filter struct {
	Topics []string // matched against the event type's prefix before ':' or '_'
	Types  []string
	Agent  string
}

// matches reports whether e passes the filter.
func (f Filter) matches(e domain.Event) bool {
	if f.Agent != "" && !domain.SameAgent(f.Agent, e.Agent) {
		return false
	}
	if len(f.Types) > 0 && !containsFold(f.Types, string(e.Type)) {
		return false
	}
	if len(f.Topics) > 0 && !containsFold(f.Topics, eventTopic(e.Type)) {
		return false
	}
	return true
}

// eventTopic maps an event type to its topic: "task_updated" -> "task",
// "insight:promoted" -> "insight".
func eventTopic(t domain.EventType) string {
	s := string(t)
	if i := strings.IndexAny(s, ":_"); i > 0 {
		return s[:i]
	}
	return s
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

// Subscriber receives matching events on Events until Close. Closed is
// closed when the bus drops the subscriber (overflow or unsubscribe).
type Subscriber struct {
	filter Filter
	events chan domain.Event
	closed chan struct{}
	once   sync.Once
}

// Events is the subscriber's receive channel.
func (s *Subscriber) Events() <-chan domain.Event { return s.events }

// Closed is closed when the subscription ends.
func (s *Subscriber) Closed() <-chan struct{} { return s.closed }

func (s *Subscriber) close() {
	s.once.Do(func() { close(s.closed) })
}

// Bus is the single logical event stream.
type Bus struct {
	logger *log.Logger

	mu         sync.Mutex
	seq        int64
	history    []domain.Event
	historyCap int
	queueCap   int
	listeners  map[string]func(domain.Event)
	order      []string
	subs       map[*Subscriber]struct{}
	clock      func() time.Time
}

// Option configures the bus.
type Option func(*Bus)

// WithHistoryCap overrides the bounded history size.
func WithHistoryCap(n int) Option {
	return func(b *Bus) { b.historyCap = n }
}

// WithQueueCap overrides the per-subscriber queue size.
func WithQueueCap(n int) Option {
	return func(b *Bus) { b.queueCap = n }
}

// WithClock overrides the time source (tests).
func WithClock(clock func() time.Time) Option {
	return func(b *Bus) { b.clock = clock }
}

// New creates an event bus.
func New(logger *log.Logger, opts ...Option) *Bus {
	b := &Bus{
		logger:     logger,
		historyCap: defaultHistoryCap,
		queueCap:   defaultQueueCap,
		listeners:  make(map[string]func(domain.Event)),
		subs:       make(map[*Subscriber]struct{}),
		clock:      time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Publish appends the event to the stream and fans it out. The event is
// assigned a monotonically increasing id and, when unset, a timestamp.
// Unknown event types are rejected.
func (b *Bus) Publish(e domain.Event) (domain.Event, error) {
	if !domain.ValidEventType(e.Type) {
		return domain.Event{}, fmt.Errorf("publish: unknown event type %q", e.Type)
	}

	b.mu.Lock()
	b.seq++
	e.ID = b.seq
	if e.Timestamp == 0 {
		e.Timestamp = domain.NowMs(b.clock())
	}
	b.history = append(b.history, e)
	if len(b.history) > b.historyCap {
		b.history = b.history[len(b.history)-b.historyCap:]
	}
	listeners := make([]func(domain.Event), 0, len(b.order))
	for _, id := range b.order {
		listeners = append(listeners, b.listeners[id])
	}
	var overflowed []*Subscriber
	for sub := range b.subs {
		if !sub.filter.matches(e) {
			continue
		}
		select {
		case sub.events <- e:
		default:
			// Queue full: the client is too slow, drop it.
			overflowed = append(overflowed, sub)
		}
	}
	for _, sub := range overflowed {
		delete(b.subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range overflowed {
		b.logger.Printf("Bus: subscriber queue overflow, closing")
		sub.close()
	}

	// Inline listeners run synchronously after append. A panicking or
	// failing listener must not block delivery to the others.
	for _, fn := range listeners {
		b.invoke(fn, e)
	}
	return e, nil
}

func (b *Bus) invoke(fn func(domain.Event), e domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Printf("Bus: listener panic on %s: %v", e.Type, r)
		}
	}()
	fn(e)
}

// Listen registers an inline listener under id, replacing any previous
// listener with that id. Listeners are invoked in registration order.
func (b *Bus) Listen(id string, fn func(domain.Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.listeners[id]; !exists {
		b.order = append(b.order, id)
	}
	b.listeners[id] = fn
}

// Unlisten removes an inline listener.
func (b *Bus) Unlisten(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.listeners[id]; !exists {
		return
	}
	delete(b.listeners, id)
	for i, v := range b.order {
		if v == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// Subscribe registers a filtered subscriber.
func (b *Bus) Subscribe(f Filter) *Subscriber {
	sub := &Subscriber{
		filter: f,
		events: make(chan domain.Event, b.queueCap),
		closed: make(chan struct{}),
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe drops a subscriber. Safe to call twice.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	_, ok := b.subs[sub]
	delete(b.subs, sub)
	b.mu.Unlock()
	if ok {
		sub.close()
	}
}

// SubscriberCount returns the number of live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// History returns events with timestamp >= since (0 for all), filtered
// by agent when non-empty, newest last, capped at limit (<=0 for all).
// Event ids are stable so pollers can dedup against the SSE stream.
func (b *Bus) History(since int64, limit int, agent string) []domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.Event
	for _, e := range b.history {
		if since > 0 && e.Timestamp < since {
			continue
		}
		if agent != "" && !domain.SameAgent(agent, e.Agent) {
			continue
		}
		out = append(out, e)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Reset clears history, listeners, and subscribers. Test hook.
func (b *Bus) Reset() {
	b.mu.Lock()
	subs := make([]*Subscriber, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.history = nil
	b.seq = 0
	b.listeners = make(map[string]func(domain.Event))
	b.order = nil
	b.subs = make(map[*Subscriber]struct{})
	b.mu.Unlock()
	for _, s := range subs {
		s.close()
	}
}
