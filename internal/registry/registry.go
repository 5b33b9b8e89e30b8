package registry

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"toolgate/internal/logging"
)

// RegisterStatus reports what a Register call did.
type RegisterStatus int

const (
	// RegisterCreated means the ID was new and the descriptor is now visible.
	RegisterCreated RegisterStatus = iota
	// RegisterUnchanged means an identical descriptor was already present.
	RegisterUnchanged
	// RegisterReplaced means a different descriptor held the ID and was
	// atomically replaced.
	RegisterReplaced
)

func (s RegisterStatus) String() string {
	switch s {
	case RegisterCreated:
		return "created"
	case RegisterUnchanged:
		return "unchanged"
	case RegisterReplaced:
		return "replaced"
	default:
		return "unknown"
	}
}

// Filter narrows an Enumerate call. Nil fields match everything.
type Filter struct {
	Kind    *Kind
	Enabled *bool
	Tags    []string
}

// Registry is the authoritative registry-ID → descriptor map.
//
// One exclusive writer lock serializes mutations; readers load an immutable
// snapshot map that is replaced wholesale on every commit, so a long
// enumeration never observes a half-applied mutation. Events are handed to
// the sink after the mutation commits but before the write lock is released,
// which makes the event stream totally ordered per process.
type Registry struct {
	mu   sync.Mutex
	snap atomic.Pointer[map[string]Descriptor]
	seq  uint64

	sink   EventSink
	logger logging.Logger
}

// New creates an empty registry. sink may be nil when no one listens.
func New(sink EventSink, logger logging.Logger) *Registry {
	r := &Registry{sink: sink, logger: logging.OrNop(logger)}
	empty := make(map[string]Descriptor)
	r.snap.Store(&empty)
	return r
}

func (r *Registry) view() map[string]Descriptor {
	return *r.snap.Load()
}

// commit replaces the snapshot. Callers must hold r.mu.
func (r *Registry) commit(next map[string]Descriptor) {
	r.snap.Store(&next)
}

// emit publishes an event while the write lock is still held.
func (r *Registry) emit(kind EventKind, id string, d *Descriptor) {
	if r.sink == nil {
		return
	}
	r.seq++
	ev := Event{Kind: kind, RegistryID: id, Seq: r.seq, At: time.Now()}
	if d != nil {
		snapshot := d.Clone()
		ev.Descriptor = &snapshot
	}
	r.sink.Publish(ev)
}

// Register makes the descriptor visible to all subsequent reads, atomically.
// Registering a byte-identical descriptor twice is a no-op; a different
// descriptor under the same ID replaces the entry and emits Updated.
func (r *Registry) Register(d Descriptor) (RegisterStatus, error) {
	if err := d.Validate(); err != nil {
		return 0, err
	}
	d = d.Clone()

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.view()
	if existing, ok := cur[d.RegistryID]; ok {
		if existing.Equal(d) {
			return RegisterUnchanged, nil
		}
		d.RegisteredAt = time.Now()
		next := cloneMap(cur)
		next[d.RegistryID] = d
		r.commit(next)
		r.logger.Info("tool replaced: %s (%s)", d.RegistryID, d.Kind)
		r.emit(EventUpdated, d.RegistryID, &d)
		return RegisterReplaced, nil
	}

	d.RegisteredAt = time.Now()
	next := cloneMap(cur)
	next[d.RegistryID] = d
	r.commit(next)
	r.logger.Info("tool registered: %s (%s)", d.RegistryID, d.Kind)
	r.emit(EventAdded, d.RegistryID, &d)
	return RegisterCreated, nil
}

// Unregister removes the entry and emits Removed. Returns false when the ID
// is unknown.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.view()
	if _, ok := cur[id]; !ok {
		return false
	}
	next := cloneMap(cur)
	delete(next, id)
	r.commit(next)
	r.logger.Info("tool unregistered: %s", id)
	r.emit(EventRemoved, id, nil)
	return true
}

// Lookup returns an immutable snapshot of the descriptor.
func (r *Registry) Lookup(id string) (Descriptor, bool) {
	d, ok := r.view()[id]
	if !ok {
		return Descriptor{}, false
	}
	return d.Clone(), true
}

// SetEnabled toggles the enabled flag and emits Updated. A no-op toggle
// (already in the requested state) emits nothing.
func (r *Registry) SetEnabled(id string, enabled bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.view()
	d, ok := cur[id]
	if !ok {
		return false
	}
	if d.Enabled == enabled {
		return true
	}
	d = d.Clone()
	d.Enabled = enabled
	next := cloneMap(cur)
	next[id] = d
	r.commit(next)
	r.emit(EventUpdated, id, &d)
	return true
}

// Enumerate returns descriptor snapshots matching the filter, sorted by
// registry ID for stable output. The result reflects exactly one committed
// registry state.
func (r *Registry) Enumerate(f Filter) []Descriptor {
	return filterSorted(r.view(), f)
}

// EnumerateWithSeq returns the filtered snapshot together with the sequence
// number of the last event it reflects. Snapshot and sequence are read under
// the write lock, so any event with a higher sequence number postdates the
// returned descriptors.
func (r *Registry) EnumerateWithSeq(f Filter) ([]Descriptor, uint64) {
	r.mu.Lock()
	cur := r.view()
	seq := r.seq
	r.mu.Unlock()
	return filterSorted(cur, f), seq
}

func filterSorted(cur map[string]Descriptor, f Filter) []Descriptor {
	out := make([]Descriptor, 0, len(cur))
	for _, d := range cur {
		if f.Kind != nil && d.Kind != *f.Kind {
			continue
		}
		if f.Enabled != nil && d.Enabled != *f.Enabled {
			continue
		}
		if !hasAllTags(d, f.Tags) {
			continue
		}
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RegistryID < out[j].RegistryID })
	return out
}

// Len reports the number of registered tools.
func (r *Registry) Len() int {
	return len(r.view())
}

// CountByKind returns per-kind totals for the status endpoint.
func (r *Registry) CountByKind() map[string]int {
	counts := make(map[string]int)
	for _, d := range r.view() {
		counts[d.Kind.String()]++
	}
	return counts
}

func hasAllTags(d Descriptor, tags []string) bool {
	for _, tag := range tags {
		if !d.HasTag(tag) {
			return false
		}
	}
	return true
}

func cloneMap(m map[string]Descriptor) map[string]Descriptor {
	next := make(map[string]Descriptor, len(m)+1)
	for k, v := range m {
		next[k] = v
	}
	return next
}

// MustKind is a test/helper convenience for building filters.
func MustKind(k Kind) *Kind { return &k }

// MustBool is a test/helper convenience for building filters.
func MustBool(b bool) *bool { return &b }
