// Package eventbus implements C3, the in-process publish/subscribe fan-out
// for model.Event records produced by the state store. Each subscriber owns
// a bounded channel; a slow subscriber never blocks the producer or other
// subscribers — instead the bus drops that subscriber's oldest buffered
// event and inserts a lost-events marker, the same fixed-capacity-channel
// discipline the orchestrator's DAG engine uses for its ready/result queues
// (services/orchestrator/dag_engine.go), generalized here to many
// independent readers instead of one.
package eventbus

import (
	"context"
	"sync"

	nats "github.com/nats-io/nats.go"

	"github.com/ry-ops/taskguard/internal/model"
	"github.com/ry-ops/taskguard/internal/natsbus"
)

// Subscription is a live handle to one subscriber's event stream.
type Subscription struct {
	id     uint64
	events chan model.Event
	bus    *Bus
}

// Events returns the channel to range over for delivered events.
func (s *Subscription) Events() <-chan model.Event { return s.events }

// Close detaches the subscription from the bus and closes its channel.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s.id)
}

// Bus is C3. Zero value is not usable; construct with New.
type Bus struct {
	mu          sync.RWMutex
	nextID      uint64
	subscribers map[uint64]chan model.Event
	bufferDepth int

	nc         *nats.Conn
	natsSubject string
}

// Option configures a Bus at construction time.
type Option func(*Bus)

// WithNATSMirror mirrors every published event onto subject via nc, in
// addition to local subscribers. Passing a nil nc disables mirroring.
func WithNATSMirror(nc *nats.Conn, subject string) Option {
	return func(b *Bus) {
		b.nc = nc
		b.natsSubject = subject
	}
}

// New constructs a Bus whose per-subscriber channels hold up to bufferDepth
// buffered events before the drop-oldest policy engages.
func New(bufferDepth int, opts ...Option) *Bus {
	if bufferDepth <= 0 {
		bufferDepth = 1
	}
	b := &Bus{
		subscribers: make(map[uint64]chan model.Event),
		bufferDepth: bufferDepth,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a new subscriber and returns its handle. Events
// published before Subscribe returns are not delivered to it.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	ch := make(chan model.Event, b.bufferDepth)
	b.subscribers[id] = ch
	return &Subscription{id: id, events: ch, bus: b}
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subscribers[id]; ok {
		delete(b.subscribers, id)
		close(ch)
	}
}

// Publish implements store.Publisher. It fans ev out to every subscriber
// without blocking: a full subscriber channel has its oldest entry dropped
// and replaced by a lost-events marker event carrying the dropped event's
// subject, then ev itself is enqueued.
func (b *Bus) Publish(ev model.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		deliver(ch, ev)
	}
	if b.nc != nil {
		if data, err := marshalEvent(ev); err == nil {
			_ = natsbus.Mirror(context.Background(), b.nc, b.natsSubject, data)
		}
	}
}

// deliver enqueues ev onto ch without ever blocking the publisher. When ch
// is full, the oldest buffered event is dropped and replaced by a
// lost-events marker so the subscriber knows it missed something, then ev
// is enqueued; if even that leaves no room (a buffer depth of exactly one)
// the marker itself is evicted in favor of delivering ev, since the newest
// state is more useful to a reader than a bare loss notice.
func deliver(ch chan model.Event, ev model.Event) {
	select {
	case ch <- ev:
		return
	default:
	}

	var droppedSubject string
	select {
	case dropped := <-ch:
		droppedSubject = dropped.SubjectID
	default:
	}
	marker := model.Event{Kind: model.EventLostEvents, SubjectID: droppedSubject, Timestamp: ev.Timestamp}
	select {
	case ch <- marker:
	default:
	}

	select {
	case ch <- ev:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- ev:
	default:
	}
}
