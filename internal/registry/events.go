package registry

import "time"

// EventKind tags a registry change event.
type EventKind string

const (
	EventAdded   EventKind = "added"
	EventRemoved EventKind = "removed"
	EventUpdated EventKind = "updated"
)

// Event describes one committed registry mutation. Seq is a per-process
// monotonic sequence number; two events observed by any subscriber appear in
// Seq order because the registry publishes them before releasing its write
// lock.
type Event struct {
	Kind       EventKind
	RegistryID string
	// Descriptor is a snapshot for Added/Updated, nil for Removed.
	Descriptor *Descriptor
	Seq        uint64
	At         time.Time
}

// EventSink receives committed events in order. Publish is called while the
// registry write lock is held, so implementations must only enqueue and
// must never call back into the registry.
type EventSink interface {
	Publish(Event)
}

// SinkFunc adapts a function to the EventSink interface.
type SinkFunc func(Event)

func (f SinkFunc) Publish(ev Event) { f(ev) }
