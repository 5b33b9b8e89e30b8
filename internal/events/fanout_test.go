package events

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"toolgate/internal/registry"
	"toolgate/internal/shared/jsonx"
)

type recordingBus struct {
	mu       sync.Mutex
	payloads [][]byte
	err      error
}

func (b *recordingBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	if channel != BusChannel {
		return fmt.Errorf("unexpected channel %s", channel)
	}
	b.payloads = append(b.payloads, payload)
	return nil
}

func (b *recordingBus) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.payloads)
}

func (b *recordingBus) first() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.payloads[0]
}

func (b *recordingBus) last() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.payloads[len(b.payloads)-1]
}

// gatedBus holds every publish until the gate opens.
type gatedBus struct {
	recordingBus
	gate chan struct{}
}

func (b *gatedBus) Publish(ctx context.Context, channel string, payload []byte) error {
	<-b.gate
	return b.recordingBus.Publish(ctx, channel, payload)
}

func localDescriptor(id string) registry.Descriptor {
	return registry.Descriptor{
		RegistryID:     id,
		Kind:           registry.KindLocalFunction,
		HandlerLocator: "handlers/" + id,
		Enabled:        true,
		Capabilities:   []registry.Capability{{Name: "run"}},
	}
}

func collect(t *testing.T, sub *Subscriber, n int) []WireEvent {
	t.Helper()
	out := make([]WireEvent, 0, n)
	timeout := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				t.Fatalf("stream closed after %d of %d events", len(out), n)
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timed out after %d of %d events", len(out), n)
		}
	}
	return out
}

func TestTranslateKinds(t *testing.T) {
	d := localDescriptor("t1")
	if got := translate(registry.Event{Kind: registry.EventAdded, RegistryID: "t1", Descriptor: &d}); got.EventType != TypeRegister || got.ToolSpec == nil {
		t.Fatalf("added: %+v", got)
	}
	if got := translate(registry.Event{Kind: registry.EventRemoved, RegistryID: "t1"}); got.EventType != TypeUnregister || got.ToolSpec != nil {
		t.Fatalf("removed: %+v", got)
	}
	if got := translate(registry.Event{Kind: registry.EventUpdated, RegistryID: "t1", Descriptor: &d}); got.EventType != TypeToolAvailable {
		t.Fatalf("enabled update: %+v", got)
	}
	off := d
	off.Enabled = false
	if got := translate(registry.Event{Kind: registry.EventUpdated, RegistryID: "t1", Descriptor: &off}); got.EventType != TypeToolRemoved {
		t.Fatalf("disabled update: %+v", got)
	}
}

func TestFanoutDeliversRegistryChangesInOrder(t *testing.T) {
	f := NewFanout(Options{})
	defer f.Close()
	reg := registry.New(f, nil)

	sub := f.Subscribe()
	defer f.Unsubscribe(sub)

	for i := 0; i < 5; i++ {
		if _, err := reg.Register(localDescriptor(fmt.Sprintf("tool-%d", i))); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	reg.Unregister("tool-2")

	got := collect(t, sub, 6)
	for i := 1; i < len(got); i++ {
		if got[i].Seq <= got[i-1].Seq {
			t.Fatalf("events out of order: %d then %d", got[i-1].Seq, got[i].Seq)
		}
	}
	last := got[5]
	if last.EventType != TypeUnregister || last.ToolID != "tool-2" {
		t.Fatalf("wrong final event: %+v", last)
	}
}

func TestSlowConsumerIsDisconnected(t *testing.T) {
	f := NewFanout(Options{SubscriberBuffer: 1})
	defer f.Close()

	slow := f.Subscribe()
	for i := 0; i < 5; i++ {
		d := localDescriptor("x")
		f.Publish(registry.Event{Kind: registry.EventAdded, RegistryID: "x", Descriptor: &d, Seq: uint64(i + 1)})
	}

	deadline := time.Now().Add(2 * time.Second)
	for f.SubscriberCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("slow subscriber never disconnected")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// The stream must end with a close, not a hang.
	for {
		if _, ok := <-slow.Events(); !ok {
			return
		}
	}
}

func TestBusFailureDoesNotBlockLocalDelivery(t *testing.T) {
	bus := &recordingBus{err: fmt.Errorf("connection refused")}
	f := NewFanout(Options{Bus: bus})
	defer f.Close()

	sub := f.Subscribe()
	defer f.Unsubscribe(sub)

	d := localDescriptor("t1")
	f.Publish(registry.Event{Kind: registry.EventAdded, RegistryID: "t1", Descriptor: &d, Seq: 1})

	got := collect(t, sub, 1)
	if got[0].EventType != TypeRegister {
		t.Fatalf("local delivery broken: %+v", got[0])
	}
}

func TestBusReceivesSerializedEvents(t *testing.T) {
	bus := &recordingBus{}
	f := NewFanout(Options{Bus: bus})
	defer f.Close()

	sub := f.Subscribe()
	defer f.Unsubscribe(sub)

	d := localDescriptor("published")
	f.Publish(registry.Event{Kind: registry.EventAdded, RegistryID: "published", Descriptor: &d, Seq: 7})
	collect(t, sub, 1)

	deadline := time.Now().Add(2 * time.Second)
	for bus.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("bus never received the event")
		}
		time.Sleep(5 * time.Millisecond)
	}

	var wire WireEvent
	if err := jsonx.Unmarshal(bus.first(), &wire); err != nil {
		t.Fatalf("decode bus payload: %v", err)
	}
	if wire.EventType != TypeRegister || wire.ToolID != "published" || wire.Seq != 7 {
		t.Fatalf("wrong bus payload: %+v", wire)
	}
}

func TestBurstAgainstStalledBusLosesNothing(t *testing.T) {
	const n = 3000
	bus := &gatedBus{gate: make(chan struct{})}
	f := NewFanout(Options{Bus: bus})
	defer f.Close()

	d := localDescriptor("burst")
	for i := 1; i <= n; i++ {
		f.Publish(registry.Event{Kind: registry.EventAdded, RegistryID: "burst", Descriptor: &d, Seq: uint64(i)})
	}
	close(bus.gate)

	deadline := time.Now().Add(10 * time.Second)
	for bus.count() < n {
		if time.Now().After(deadline) {
			t.Fatalf("bus received %d of %d events", bus.count(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}

	var first, last WireEvent
	if err := jsonx.Unmarshal(bus.first(), &first); err != nil {
		t.Fatalf("decode first: %v", err)
	}
	if err := jsonx.Unmarshal(bus.last(), &last); err != nil {
		t.Fatalf("decode last: %v", err)
	}
	if first.Seq != 1 || last.Seq != n {
		t.Fatalf("order broken across the burst: first %d, last %d", first.Seq, last.Seq)
	}
}

func TestCloseEndsAllStreams(t *testing.T) {
	f := NewFanout(Options{})
	sub := f.Subscribe()
	f.Close()

	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Fatalf("expected closed stream")
		}
	case <-time.After(time.Second):
		t.Fatalf("stream not closed on shutdown")
	}

	// Subscribing after close yields an already-closed stream.
	late := f.Subscribe()
	if _, ok := <-late.Events(); ok {
		t.Fatalf("late subscriber should get a closed stream")
	}
}
