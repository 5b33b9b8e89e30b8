package registry

import (
	"sync"
	"testing"
	"time"
)

func remoteDescriptor(id string) Descriptor {
	return Descriptor{
		RegistryID:  id,
		DisplayName: id,
		Kind:        KindRemoteServer,
		Endpoint:    "ws://127.0.0.1:9001",
		Enabled:     true,
		Capabilities: []Capability{
			{Name: "execute", Parameters: map[string]ParamSchema{
				"code": {Type: "string", Required: true},
			}},
		},
	}
}

func localDescriptor(id string) Descriptor {
	return Descriptor{
		RegistryID:     id,
		Kind:           KindLocalFunction,
		HandlerLocator: "handlers/" + id,
		Enabled:        true,
		Capabilities:   []Capability{{Name: "run"}},
	}
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Publish(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func TestRegisterLookupRoundTrip(t *testing.T) {
	r := New(nil, nil)
	d := remoteDescriptor("sandbox")

	status, err := r.Register(d)
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if status != RegisterCreated {
		t.Fatalf("expected RegisterCreated, got %v", status)
	}

	got, ok := r.Lookup("sandbox")
	if !ok {
		t.Fatalf("lookup missed a registered tool")
	}
	if got.Endpoint != d.Endpoint || got.Kind != KindRemoteServer {
		t.Fatalf("lookup returned wrong descriptor: %+v", got)
	}
	if got.RegisteredAt.IsZero() {
		t.Fatalf("registry should assign RegisteredAt")
	}
}

func TestRegisterRejectsInvalidDescriptor(t *testing.T) {
	r := New(nil, nil)
	if _, err := r.Register(Descriptor{RegistryID: "x", Kind: KindRemoteServer}); err == nil {
		t.Fatalf("expected error for remote server without endpoint")
	}
	if _, err := r.Register(Descriptor{RegistryID: "y", Kind: KindLocalFunction}); err == nil {
		t.Fatalf("expected error for local function without handler locator")
	}
	if _, err := r.Register(Descriptor{Kind: KindLocalFunction, HandlerLocator: "h"}); err == nil {
		t.Fatalf("expected error for empty registry id")
	}
}

func TestRegisterIdenticalIsIdempotent(t *testing.T) {
	sink := &recordingSink{}
	r := New(sink, nil)
	d := remoteDescriptor("sandbox")

	if _, err := r.Register(d); err != nil {
		t.Fatalf("first register failed: %v", err)
	}
	status, err := r.Register(d)
	if err != nil {
		t.Fatalf("second register failed: %v", err)
	}
	if status != RegisterUnchanged {
		t.Fatalf("expected RegisterUnchanged, got %v", status)
	}
	if got := len(sink.snapshot()); got != 1 {
		t.Fatalf("idempotent register must not emit a second event, got %d", got)
	}
}

func TestRegisterDifferentDescriptorReplaces(t *testing.T) {
	sink := &recordingSink{}
	r := New(sink, nil)

	if _, err := r.Register(remoteDescriptor("sandbox")); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	changed := remoteDescriptor("sandbox")
	changed.Endpoint = "ws://127.0.0.1:9999"
	status, err := r.Register(changed)
	if err != nil {
		t.Fatalf("replace failed: %v", err)
	}
	if status != RegisterReplaced {
		t.Fatalf("expected RegisterReplaced, got %v", status)
	}

	events := sink.snapshot()
	if len(events) != 2 || events[1].Kind != EventUpdated {
		t.Fatalf("expected Added then Updated, got %+v", events)
	}
	got, _ := r.Lookup("sandbox")
	if got.Endpoint != "ws://127.0.0.1:9999" {
		t.Fatalf("replacement not visible: %+v", got)
	}
}

func TestUnregisterRemovesAndEmits(t *testing.T) {
	sink := &recordingSink{}
	r := New(sink, nil)

	if _, err := r.Register(localDescriptor("echo")); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if !r.Unregister("echo") {
		t.Fatalf("unregister reported not found")
	}
	if _, ok := r.Lookup("echo"); ok {
		t.Fatalf("lookup found an unregistered tool")
	}
	if r.Unregister("echo") {
		t.Fatalf("second unregister should report not found")
	}

	events := sink.snapshot()
	if len(events) != 2 || events[1].Kind != EventRemoved {
		t.Fatalf("expected Added then Removed, got %+v", events)
	}
}

func TestEnumerateFilters(t *testing.T) {
	r := New(nil, nil)
	if _, err := r.Register(remoteDescriptor("browser")); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	local := localDescriptor("echo")
	local.Tags = []string{"diagnostic"}
	if _, err := r.Register(local); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	disabled := remoteDescriptor("search")
	disabled.Enabled = false
	if _, err := r.Register(disabled); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	if got := len(r.Enumerate(Filter{})); got != 3 {
		t.Fatalf("expected 3 tools, got %d", got)
	}
	if got := r.Enumerate(Filter{Kind: MustKind(KindRemoteServer)}); len(got) != 2 {
		t.Fatalf("kind filter failed: %+v", got)
	}
	if got := r.Enumerate(Filter{Enabled: MustBool(true)}); len(got) != 2 {
		t.Fatalf("enabled filter failed: %+v", got)
	}
	if got := r.Enumerate(Filter{Tags: []string{"diagnostic"}}); len(got) != 1 || got[0].RegistryID != "echo" {
		t.Fatalf("tag filter failed: %+v", got)
	}
}

func TestEnumerateWithSeqTracksLastEvent(t *testing.T) {
	sink := &recordingSink{}
	r := New(sink, nil)

	if _, seq := r.EnumerateWithSeq(Filter{}); seq != 0 {
		t.Fatalf("fresh registry should report sequence 0, got %d", seq)
	}

	for _, id := range []string{"a", "b", "c"} {
		if _, err := r.Register(localDescriptor(id)); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}
	list, seq := r.EnumerateWithSeq(Filter{})
	if len(list) != 3 {
		t.Fatalf("expected 3 descriptors, got %d", len(list))
	}
	events := sink.snapshot()
	if seq != events[len(events)-1].Seq {
		t.Fatalf("snapshot sequence %d does not match last emitted event %d",
			seq, events[len(events)-1].Seq)
	}

	// A later mutation postdates the snapshot.
	r.SetEnabled("b", false)
	events = sink.snapshot()
	if events[len(events)-1].Seq <= seq {
		t.Fatalf("post-snapshot event must carry a higher sequence number")
	}
	if list[1].RegistryID != "b" || !list[1].Enabled {
		t.Fatalf("snapshot mutated after the fact: %+v", list[1])
	}
}

func TestEnumerateEmptyRegistry(t *testing.T) {
	r := New(nil, nil)
	if got := r.Enumerate(Filter{}); len(got) != 0 {
		t.Fatalf("empty registry should enumerate nothing, got %+v", got)
	}
}

func TestSetEnabledEmitsUpdated(t *testing.T) {
	sink := &recordingSink{}
	r := New(sink, nil)
	if _, err := r.Register(localDescriptor("echo")); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	if !r.SetEnabled("echo", false) {
		t.Fatalf("set-enabled reported not found")
	}
	got, _ := r.Lookup("echo")
	if got.Enabled {
		t.Fatalf("tool should be disabled")
	}

	// Toggling to the current state emits nothing.
	before := len(sink.snapshot())
	if !r.SetEnabled("echo", false) {
		t.Fatalf("no-op toggle reported not found")
	}
	if len(sink.snapshot()) != before {
		t.Fatalf("no-op toggle emitted an event")
	}
	if r.SetEnabled("ghost", true) {
		t.Fatalf("set-enabled on unknown id should report not found")
	}
}

// Events must be observed in the order the mutations were committed, for any
// interleaving of writers.
func TestEventOrderMatchesCommitOrder(t *testing.T) {
	sink := &recordingSink{}
	r := New(sink, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := string(rune('a' + n))
			if _, err := r.Register(localDescriptor(id)); err != nil {
				t.Errorf("register %s: %v", id, err)
			}
			r.Unregister(id)
		}(i)
	}
	wg.Wait()

	events := sink.snapshot()
	if len(events) != 16 {
		t.Fatalf("expected 16 events, got %d", len(events))
	}
	for i, ev := range events {
		if ev.Seq != uint64(i+1) {
			t.Fatalf("event %d has sequence %d; stream reordered", i, ev.Seq)
		}
	}
	// Per-ID ordering: Added must precede Removed.
	seen := make(map[string]EventKind)
	for _, ev := range events {
		if ev.Kind == EventRemoved && seen[ev.RegistryID] != EventAdded {
			t.Fatalf("removal of %s observed before its registration", ev.RegistryID)
		}
		seen[ev.RegistryID] = ev.Kind
	}
}

// A long-running enumeration concurrent with writers must reflect exactly one
// committed state, never a half-applied mutation.
func TestSnapshotIsolation(t *testing.T) {
	r := New(nil, nil)
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			id := string(rune('a' + i%8))
			_, _ = r.Register(localDescriptor(id))
			r.Unregister(id)
		}
	}()

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		list := r.Enumerate(Filter{})
		seen := make(map[string]bool, len(list))
		for _, d := range list {
			if seen[d.RegistryID] {
				t.Fatalf("snapshot contains duplicate id %s", d.RegistryID)
			}
			seen[d.RegistryID] = true
			if d.Kind != KindLocalFunction || d.HandlerLocator == "" {
				t.Fatalf("snapshot contains a torn descriptor: %+v", d)
			}
		}
	}
	close(stop)
	wg.Wait()
}

func TestDescriptorSnapshotsDoNotAlias(t *testing.T) {
	r := New(nil, nil)
	d := remoteDescriptor("sandbox")
	if _, err := r.Register(d); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	got, _ := r.Lookup("sandbox")
	got.Capabilities[0].Parameters["code"] = ParamSchema{Type: "number"}
	got.Tags = append(got.Tags, "mutated")

	again, _ := r.Lookup("sandbox")
	if again.Capabilities[0].Parameters["code"].Type != "string" {
		t.Fatalf("mutating a snapshot leaked into the registry")
	}
	if again.HasTag("mutated") {
		t.Fatalf("tag mutation leaked into the registry")
	}
}
