package events

import (
	"context"
	"strconv"
	"sync"
	"time"

	"toolgate/internal/async"
	"toolgate/internal/logging"
	"toolgate/internal/registry"
	"toolgate/internal/shared/jsonx"
)

// Wire event types published on the bus and the fan-out sockets.
const (
	TypeRegister      = "register"
	TypeUnregister    = "unregister"
	TypeToolAvailable = "tool_available"
	TypeToolRemoved   = "tool_removed"
)

// WireEvent is the serialized form of one registry change.
type WireEvent struct {
	EventType string                   `json:"event_type"`
	ToolID    string                   `json:"tool_id"`
	ToolSpec  *registry.WireDescriptor `json:"tool_spec,omitempty"`
	Timestamp time.Time                `json:"timestamp"`
	Seq       uint64                   `json:"seq"`
}

// translate maps registry event kinds onto the wire vocabulary. Enable and
// disable toggles surface as availability changes so subscribers tracking
// callable tools need no descriptor diffing.
func translate(ev registry.Event) WireEvent {
	w := WireEvent{ToolID: ev.RegistryID, Timestamp: ev.At, Seq: ev.Seq}
	if ev.Descriptor != nil {
		spec := ev.Descriptor.ToWire()
		w.ToolSpec = &spec
	}
	switch ev.Kind {
	case registry.EventAdded:
		w.EventType = TypeRegister
	case registry.EventRemoved:
		w.EventType = TypeUnregister
	case registry.EventUpdated:
		if ev.Descriptor != nil && !ev.Descriptor.Enabled {
			w.EventType = TypeToolRemoved
		} else {
			w.EventType = TypeToolAvailable
		}
	}
	return w
}

const defaultSubscriberSize = 64

// Subscriber is one fan-out stream. Events arrives in registry order; the
// channel is closed when the subscriber is dropped for falling behind or the
// fan-out shuts down.
type Subscriber struct {
	id string
	ch chan WireEvent
}

// Events is the subscriber's ordered stream.
func (s *Subscriber) Events() <-chan WireEvent { return s.ch }

// Fanout is the registry's event sink. Publish only enqueues; a single
// drainer goroutine does the bus publication and subscriber broadcast, so
// ordering is preserved end to end.
type Fanout struct {
	bus    Bus
	logger logging.Logger

	intakeMu sync.Mutex
	intake   []registry.Event
	closing  bool
	wake     chan struct{}

	mu      sync.Mutex
	subs    map[string]*Subscriber
	nextID  int
	closed  bool
	subSize int

	done chan struct{}
}

// Options configures a fan-out.
type Options struct {
	// Bus is optional; nil disables bus publication.
	Bus Bus
	// SubscriberBuffer bounds each subscriber channel, default 64.
	SubscriberBuffer int
	Logger           logging.Logger
}

// NewFanout builds and starts a fan-out.
func NewFanout(opts Options) *Fanout {
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = defaultSubscriberSize
	}
	f := &Fanout{
		bus:     opts.Bus,
		logger:  logging.OrNop(opts.Logger),
		wake:    make(chan struct{}, 1),
		subs:    make(map[string]*Subscriber),
		done:    make(chan struct{}),
		subSize: opts.SubscriberBuffer,
	}
	async.Go(f.logger, "events.fanout", f.drain)
	return f
}

// Publish enqueues one event. It is called under the registry write lock and
// must not block; the intake buffer grows as needed, so a churn burst loses
// nothing even while the drainer is stuck behind a slow bus.
func (f *Fanout) Publish(ev registry.Event) {
	f.intakeMu.Lock()
	if f.closing {
		f.intakeMu.Unlock()
		return
	}
	f.intake = append(f.intake, ev)
	f.intakeMu.Unlock()
	f.wakeDrainer()
}

func (f *Fanout) wakeDrainer() {
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

var _ registry.EventSink = (*Fanout)(nil)

func subscriberID(n int) string {
	return "sub-" + strconv.Itoa(n)
}

// Subscribe opens a new fan-out stream.
func (f *Fanout) Subscribe() *Subscriber {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	sub := &Subscriber{
		id: subscriberID(f.nextID),
		ch: make(chan WireEvent, f.subSize),
	}
	if f.closed {
		close(sub.ch)
		return sub
	}
	f.subs[sub.id] = sub
	return sub
}

// Unsubscribe drops one stream. Safe to call after a slow-consumer drop.
func (f *Fanout) Unsubscribe(sub *Subscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[sub.id]; ok {
		delete(f.subs, sub.id)
		close(sub.ch)
	}
}

// SubscriberCount reports live streams, for the status surface.
func (f *Fanout) SubscriberCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Close drains pending events, stops the drainer, and closes every
// subscriber stream. Publishes after Close are dropped.
func (f *Fanout) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.mu.Unlock()

	f.intakeMu.Lock()
	f.closing = true
	f.intakeMu.Unlock()
	f.wakeDrainer()
	<-f.done
}

func (f *Fanout) drain() {
	defer close(f.done)
	for {
		f.intakeMu.Lock()
		batch := f.intake
		f.intake = nil
		closing := f.closing
		f.intakeMu.Unlock()

		for _, ev := range batch {
			wire := translate(ev)
			f.publishBus(wire)
			f.broadcast(wire)
		}
		if len(batch) > 0 {
			continue
		}
		if closing {
			break
		}
		<-f.wake
	}

	f.mu.Lock()
	for id, sub := range f.subs {
		delete(f.subs, id)
		close(sub.ch)
	}
	f.mu.Unlock()
}

// publishBus is best-effort: a dead bus is logged and local delivery
// proceeds.
func (f *Fanout) publishBus(wire WireEvent) {
	if f.bus == nil {
		return
	}
	payload, err := jsonx.Marshal(wire)
	if err != nil {
		f.logger.Error("encode bus event: %v", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.bus.Publish(ctx, BusChannel, payload); err != nil {
		f.logger.Warn("bus publish failed: %v", err)
	}
}

// broadcast delivers to every subscriber in order. A subscriber whose buffer
// is full is disconnected so it cannot stall the rest.
func (f *Fanout) broadcast(wire WireEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, sub := range f.subs {
		select {
		case sub.ch <- wire:
		default:
			f.logger.Warn("subscriber %s too slow, disconnecting", id)
			delete(f.subs, id)
			close(sub.ch)
		}
	}
}
