package lifecycle

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"toolgate/internal/procrun"
	"toolgate/internal/registry"
)

type fakeRegistrar struct {
	mu         sync.Mutex
	registered map[string]registry.Descriptor
	removed    []string
	failWith   error
}

func newFakeRegistrar() *fakeRegistrar {
	return &fakeRegistrar{registered: make(map[string]registry.Descriptor)}
}

func (f *fakeRegistrar) RegisterTool(d registry.Descriptor) (registry.RegisterStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return 0, f.failWith
	}
	f.registered[d.RegistryID] = d
	return registry.RegisterCreated, nil
}

func (f *fakeRegistrar) UnregisterTool(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	_, ok := f.registered[id]
	delete(f.registered, id)
	return ok
}

func (f *fakeRegistrar) has(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.registered[id]
	return ok
}

type fakeRunner struct {
	mu        sync.Mutex
	installs  []procrun.Config
	stops     []string
	cleaned   bool
	nextPort  int
	installFn func(procrun.Config) (procrun.Installed, error)
}

func (f *fakeRunner) Install(cfg procrun.Config) (procrun.Installed, error) {
	f.mu.Lock()
	f.installs = append(f.installs, cfg)
	f.nextPort++
	port := 9100 + f.nextPort
	f.mu.Unlock()
	if f.installFn != nil {
		return f.installFn(cfg)
	}
	return procrun.Installed{
		Handle:         fmt.Sprintf("h-%d", port),
		RegistryIDHint: cfg.RegistryIDHint,
		Endpoint:       fmt.Sprintf("ws://127.0.0.1:%d", port),
		Port:           port,
	}, nil
}

func (f *fakeRunner) Stop(handle string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, handle)
	return true
}

func (f *fakeRunner) CleanupAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleaned = true
}

// reachableProbe answers for the given endpoints, refuses everything else.
func reachableProbe(endpoints ...string) Prober {
	ok := make(map[string]bool, len(endpoints))
	for _, e := range endpoints {
		ok[e] = true
	}
	return func(_ context.Context, endpoint string, _ time.Duration) error {
		if ok[endpoint] {
			return nil
		}
		return fmt.Errorf("connection refused: %s", endpoint)
	}
}

func refuseAll(_ context.Context, endpoint string, _ time.Duration) error {
	return fmt.Errorf("connection refused: %s", endpoint)
}

func newSupervisor(t *testing.T, runner *fakeRunner, reg *fakeRegistrar, probe Prober) (*Supervisor, *Store) {
	t.Helper()
	store := NewStore(filepath.Join(t.TempDir(), "providers.yaml"))
	s := New(Options{
		Store:        store,
		Runner:       runner,
		Registrar:    reg,
		Probe:        probe,
		ProbeTimeout: 300 * time.Millisecond,
	})
	return s, store
}

func TestBootRecoversReachableExternalProvider(t *testing.T) {
	reg := newFakeRegistrar()
	runner := &fakeRunner{}
	s, store := newSupervisor(t, runner, reg, reachableProbe("ws://10.0.0.5:7000"))

	err := store.Save([]PersistedProvider{
		{
			RegistryIDHint: "weather",
			Kind:           "mcp_server",
			Endpoint:       "ws://10.0.0.5:7000",
			Provenance:     "external",
		},
		{
			RegistryIDHint: "gone",
			Kind:           "mcp_server",
			Endpoint:       "ws://10.0.0.9:7000",
			Provenance:     "external",
		},
	})
	if err != nil {
		t.Fatalf("seed manifest: %v", err)
	}

	if err := s.Boot(context.Background()); err != nil {
		t.Fatalf("boot: %v", err)
	}
	if !reg.has("weather") {
		t.Fatalf("reachable external provider not registered")
	}
	if reg.has("gone") {
		t.Fatalf("unreachable provider must not be registered")
	}

	// Unreachability is transient; the record stays persisted.
	providers, _ := store.Load()
	if len(providers) != 2 {
		t.Fatalf("manifest must be untouched by boot, got %d records", len(providers))
	}
	if len(runner.installs) != 0 {
		t.Fatalf("external providers must not be spawned")
	}
}

func TestBootRespawnsSpawnedProvider(t *testing.T) {
	reg := newFakeRegistrar()
	runner := &fakeRunner{}
	probe := func(_ context.Context, endpoint string, _ time.Duration) error {
		return nil // everything answers, including the fresh spawn
	}
	s, store := newSupervisor(t, runner, reg, probe)

	_ = store.Save([]PersistedProvider{{
		RegistryIDHint: "converter",
		Kind:           "mcp_server",
		Provenance:     "spawned",
		Command:        "tool-converter",
		Args:           []string{"--fast"},
	}})

	if err := s.Boot(context.Background()); err != nil {
		t.Fatalf("boot: %v", err)
	}
	if len(runner.installs) != 1 || runner.installs[0].Command != "tool-converter" {
		t.Fatalf("spawned provider not reinstalled: %+v", runner.installs)
	}
	d, ok := reg.registered["converter"]
	if !ok {
		t.Fatalf("respawned provider not registered")
	}
	if d.Endpoint == "" || d.Provenance != registry.ProvenanceSpawned {
		t.Fatalf("bad recovered descriptor: %+v", d)
	}
}

func TestBootAdoptsOnlyReachablePredefined(t *testing.T) {
	reg := newFakeRegistrar()
	runner := &fakeRunner{}
	s, _ := newSupervisor(t, runner, reg, reachableProbe("ws://127.0.0.1:8890"))

	if err := s.Boot(context.Background()); err != nil {
		t.Fatalf("boot: %v", err)
	}
	if !reg.has("sandbox") {
		t.Fatalf("listening predefined provider not adopted")
	}
	if reg.has("browser") || reg.has("search") {
		t.Fatalf("silent predefined providers must be skipped")
	}
}

func TestInstallProviderPersistsOnlyAfterRegistration(t *testing.T) {
	reg := newFakeRegistrar()
	runner := &fakeRunner{}
	probe := func(context.Context, string, time.Duration) error { return nil }
	s, store := newSupervisor(t, runner, reg, probe)

	desc, err := s.InstallProvider(context.Background(), InstallRequest{
		RegistryID: "pdf",
		Command:    "pdf-server",
	})
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	if desc.Kind != registry.KindRemoteServer || desc.Endpoint == "" {
		t.Fatalf("bad descriptor: %+v", desc)
	}
	providers, _ := store.Load()
	if len(providers) != 1 || providers[0].RegistryIDHint != "pdf" || !providers[0].Spawned() {
		t.Fatalf("manifest not written: %+v", providers)
	}
}

func TestInstallProviderUnreachableRollsBack(t *testing.T) {
	reg := newFakeRegistrar()
	runner := &fakeRunner{}
	s, store := newSupervisor(t, runner, reg, refuseAll)

	_, err := s.InstallProvider(context.Background(), InstallRequest{
		RegistryID: "flaky",
		Command:    "flaky-server",
	})
	if err == nil {
		t.Fatalf("expected install to fail when the provider never listens")
	}
	if reg.has("flaky") {
		t.Fatalf("unreachable provider must not be registered")
	}
	if len(runner.stops) != 1 {
		t.Fatalf("spawned process must be stopped on rollback, stops=%v", runner.stops)
	}
	if providers, _ := store.Load(); len(providers) != 0 {
		t.Fatalf("manifest must stay empty on rollback: %+v", providers)
	}
}

func TestInstallProviderRegistrationFailureRollsBack(t *testing.T) {
	reg := newFakeRegistrar()
	reg.failWith = fmt.Errorf("duplicate id")
	runner := &fakeRunner{}
	probe := func(context.Context, string, time.Duration) error { return nil }
	s, store := newSupervisor(t, runner, reg, probe)

	if _, err := s.InstallProvider(context.Background(), InstallRequest{
		RegistryID: "dup",
		Command:    "dup-server",
	}); err == nil {
		t.Fatalf("expected registration failure to surface")
	}
	if len(runner.stops) != 1 {
		t.Fatalf("process must be stopped when registration fails")
	}
	if providers, _ := store.Load(); len(providers) != 0 {
		t.Fatalf("manifest must not record failed installs")
	}
}

func TestRemoveProviderStopsProcessAndDropsManifest(t *testing.T) {
	reg := newFakeRegistrar()
	runner := &fakeRunner{}
	probe := func(context.Context, string, time.Duration) error { return nil }
	s, store := newSupervisor(t, runner, reg, probe)

	if _, err := s.InstallProvider(context.Background(), InstallRequest{
		RegistryID: "tmp",
		Command:    "tmp-server",
	}); err != nil {
		t.Fatalf("install: %v", err)
	}

	if !s.RemoveProvider("tmp") {
		t.Fatalf("remove should report the provider was found")
	}
	if reg.has("tmp") {
		t.Fatalf("provider still registered after removal")
	}
	if len(runner.stops) != 1 {
		t.Fatalf("spawned process not stopped")
	}
	if providers, _ := store.Load(); len(providers) != 0 {
		t.Fatalf("manifest entry not removed: %+v", providers)
	}
}

func TestForgetDropsProcessAndManifestEntry(t *testing.T) {
	reg := newFakeRegistrar()
	runner := &fakeRunner{}
	probe := func(context.Context, string, time.Duration) error { return nil }
	s, store := newSupervisor(t, runner, reg, probe)

	if err := s.AdoptExternal(context.Background(), registry.Descriptor{
		RegistryID:   "ext",
		Kind:         registry.KindRemoteServer,
		Endpoint:     "ws://10.0.0.5:7000",
		Enabled:      true,
		Capabilities: []registry.Capability{{Name: "go"}},
	}); err != nil {
		t.Fatalf("adopt: %v", err)
	}
	if _, err := s.InstallProvider(context.Background(), InstallRequest{
		RegistryID: "spawned",
		Command:    "spawned-server",
	}); err != nil {
		t.Fatalf("install: %v", err)
	}

	s.Forget("ext")
	s.Forget("spawned")
	s.Forget("ghost") // unknown IDs are a no-op

	if providers, _ := store.Load(); len(providers) != 0 {
		t.Fatalf("manifest entries must be dropped: %+v", providers)
	}
	if len(runner.stops) != 1 {
		t.Fatalf("spawned process must be stopped, stops=%v", runner.stops)
	}
	if !reg.has("ext") || !reg.has("spawned") {
		t.Fatalf("registry entries are not Forget's to remove")
	}
}

type fakeHealth struct {
	mu     sync.Mutex
	states map[string]string
	resets []string
}

func (f *fakeHealth) States() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.states))
	for k, v := range f.states {
		out[k] = v
	}
	return out
}

func (f *fakeHealth) Reset(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets = append(f.resets, id)
}

func TestSweepResetsOnlyBadConnectors(t *testing.T) {
	health := &fakeHealth{states: map[string]string{
		"good":     "ready",
		"stuck":    "degraded",
		"hopeless": "failed",
		"cold":     "idle",
	}}
	s := New(Options{
		Store:     NewStore(filepath.Join(t.TempDir(), "m.yaml")),
		Runner:    &fakeRunner{},
		Registrar: newFakeRegistrar(),
		Health:    health,
		Probe:     refuseAll,
	})

	s.sweep()

	if len(health.resets) != 2 {
		t.Fatalf("expected 2 resets, got %v", health.resets)
	}
	for _, id := range health.resets {
		if id != "stuck" && id != "hopeless" {
			t.Fatalf("reset the wrong connector: %s", id)
		}
	}
}

func TestShutdownCleansProcesses(t *testing.T) {
	runner := &fakeRunner{}
	s := New(Options{
		Store:     NewStore(filepath.Join(t.TempDir(), "m.yaml")),
		Runner:    runner,
		Registrar: newFakeRegistrar(),
		Probe:     refuseAll,
	})
	s.Start()
	s.Shutdown()
	if !runner.cleaned {
		t.Fatalf("shutdown must clean up all spawned processes")
	}
}
