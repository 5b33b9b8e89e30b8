package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"toolgate/internal/async"
	"toolgate/internal/connector"
	"toolgate/internal/logging"
	"toolgate/internal/procrun"
	"toolgate/internal/registry"
)

const (
	defaultSweepInterval = 30 * time.Second
	defaultProbeTimeout  = 5 * time.Second
	probeRetryInterval   = 250 * time.Millisecond
)

// Registrar is the registration chokepoint the supervisor registers through.
// The gateway implements it so pool bookkeeping stays in one place.
type Registrar interface {
	RegisterTool(desc registry.Descriptor) (registry.RegisterStatus, error)
	UnregisterTool(registryID string) bool
}

// ProcessRunner is the slice of the process runner the supervisor drives.
type ProcessRunner interface {
	Install(cfg procrun.Config) (procrun.Installed, error)
	Stop(handle string) bool
	CleanupAll()
}

// ConnectorHealth exposes connector states for the periodic sweep.
type ConnectorHealth interface {
	States() map[string]string
	Reset(registryID string)
}

// Prober checks whether an endpoint accepts a connection within the deadline.
type Prober func(ctx context.Context, endpoint string, deadline time.Duration) error

// InstallRequest describes a provider the admin API wants spawned.
type InstallRequest struct {
	RegistryID   string
	DisplayName  string
	Description  string
	Command      string
	Args         []string
	Env          map[string]string
	Port         int
	Capabilities []registry.Capability
	Tags         []string
}

// Options wires a supervisor.
type Options struct {
	Store     *Store
	Runner    ProcessRunner
	Registrar Registrar
	Health    ConnectorHealth

	// Probe defaults to the connector dial probe.
	Probe         Prober
	ProbeTimeout  time.Duration
	SweepInterval time.Duration
	// SkipPredefined disables predefined provider adoption at boot, for
	// deployments that run none of the well-known servers.
	SkipPredefined bool
	Logger         logging.Logger
}

// Supervisor orchestrates provider lifetimes around the registry: it never
// touches descriptors directly, everything goes through the Registrar.
type Supervisor struct {
	store     *Store
	runner    ProcessRunner
	registrar Registrar
	health    ConnectorHealth
	probe     Prober

	probeTimeout   time.Duration
	sweepInterval  time.Duration
	skipPredefined bool
	logger         logging.Logger

	mu      sync.Mutex
	handles map[string]string // registry ID -> process handle for spawned providers

	sweepCancel context.CancelFunc
}

// New builds a supervisor. Store, Runner, and Registrar are required.
func New(opts Options) *Supervisor {
	if opts.Probe == nil {
		opts.Probe = connector.Probe
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = defaultProbeTimeout
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaultSweepInterval
	}
	return &Supervisor{
		store:          opts.Store,
		runner:         opts.Runner,
		registrar:      opts.Registrar,
		health:         opts.Health,
		probe:          opts.Probe,
		probeTimeout:   opts.ProbeTimeout,
		sweepInterval:  opts.SweepInterval,
		skipPredefined: opts.SkipPredefined,
		logger:         logging.OrNop(opts.Logger),
		handles:        make(map[string]string),
	}
}

// Boot recovers persisted providers and adopts reachable predefined ones.
// Individual provider failures are logged and skipped; boot itself only fails
// when the manifest cannot be read.
func (s *Supervisor) Boot(ctx context.Context) error {
	persisted, err := s.store.Load()
	if err != nil {
		return fmt.Errorf("load manifest: %w", err)
	}

	for _, p := range persisted {
		if p.Spawned() {
			s.bootSpawned(ctx, p)
		} else {
			s.bootExternal(ctx, p)
		}
	}

	if s.skipPredefined {
		return nil
	}
	for _, desc := range predefinedProviders() {
		if err := s.probe(ctx, desc.Endpoint, s.probeTimeout); err != nil {
			s.logger.Debug("predefined provider %s not listening at %s, skipping",
				desc.RegistryID, desc.Endpoint)
			continue
		}
		if _, err := s.registrar.RegisterTool(desc); err != nil {
			s.logger.Warn("register predefined %s: %v", desc.RegistryID, err)
			continue
		}
		s.logger.Info("adopted predefined provider %s at %s", desc.RegistryID, desc.Endpoint)
	}
	return nil
}

// bootExternal reconnects to a provider someone else runs. Unreachable
// providers stay in the manifest; they may come back later.
func (s *Supervisor) bootExternal(ctx context.Context, p PersistedProvider) {
	if err := s.probe(ctx, p.Endpoint, s.probeTimeout); err != nil {
		s.logger.Warn("persisted external provider %s unreachable at %s: %v",
			p.RegistryIDHint, p.Endpoint, err)
		return
	}
	kind, err := registry.KindFromString(p.Kind)
	if err != nil {
		kind = registry.KindRemoteServer
	}
	desc := registry.Descriptor{
		RegistryID:  p.RegistryIDHint,
		DisplayName: p.DisplayName,
		Kind:        kind,
		Endpoint:    p.Endpoint,
		Provenance:  registry.ProvenanceFromString(p.Provenance),
		Enabled:     true,
	}
	if _, err := s.registrar.RegisterTool(desc); err != nil {
		s.logger.Warn("re-register external %s: %v", p.RegistryIDHint, err)
		return
	}
	s.logger.Info("recovered external provider %s at %s", p.RegistryIDHint, p.Endpoint)
}

// bootSpawned respawns a provider we own, waits for it to listen, and
// registers it on the freshly assigned endpoint.
func (s *Supervisor) bootSpawned(ctx context.Context, p PersistedProvider) {
	inst, err := s.runner.Install(procrun.Config{
		RegistryIDHint: p.RegistryIDHint,
		DisplayName:    p.DisplayName,
		Command:        p.Command,
		Args:           p.Args,
		Restart:        procrun.RestartOnFailure,
	})
	if err != nil {
		s.logger.Error("respawn persisted provider %s: %v", p.RegistryIDHint, err)
		return
	}
	if err := s.probeUntilReady(ctx, inst.Endpoint); err != nil {
		s.logger.Error("respawned provider %s never came up at %s: %v",
			p.RegistryIDHint, inst.Endpoint, err)
		s.runner.Stop(inst.Handle)
		return
	}
	desc := registry.Descriptor{
		RegistryID:  p.RegistryIDHint,
		DisplayName: p.DisplayName,
		Kind:        registry.KindRemoteServer,
		Endpoint:    inst.Endpoint,
		Provenance:  registry.ProvenanceSpawned,
		Enabled:     true,
	}
	if _, err := s.registrar.RegisterTool(desc); err != nil {
		s.logger.Error("register respawned %s: %v", p.RegistryIDHint, err)
		s.runner.Stop(inst.Handle)
		return
	}
	s.mu.Lock()
	s.handles[p.RegistryIDHint] = inst.Handle
	s.mu.Unlock()
	s.logger.Info("recovered spawned provider %s at %s", p.RegistryIDHint, inst.Endpoint)
}

// InstallProvider spawns, waits for readiness, registers, and persists a new
// provider in that order. The manifest is only written after registration
// succeeds.
func (s *Supervisor) InstallProvider(ctx context.Context, req InstallRequest) (registry.Descriptor, error) {
	if req.RegistryID == "" {
		return registry.Descriptor{}, fmt.Errorf("registry id is required")
	}
	inst, err := s.runner.Install(procrun.Config{
		RegistryIDHint: req.RegistryID,
		DisplayName:    req.DisplayName,
		Command:        req.Command,
		Args:           req.Args,
		Env:            req.Env,
		Port:           req.Port,
		Restart:        procrun.RestartOnFailure,
	})
	if err != nil {
		return registry.Descriptor{}, fmt.Errorf("spawn provider: %w", err)
	}
	if err := s.probeUntilReady(ctx, inst.Endpoint); err != nil {
		s.runner.Stop(inst.Handle)
		return registry.Descriptor{}, fmt.Errorf("provider never became reachable at %s: %w", inst.Endpoint, err)
	}

	desc := registry.Descriptor{
		RegistryID:   req.RegistryID,
		DisplayName:  req.DisplayName,
		Description:  req.Description,
		Kind:         registry.KindRemoteServer,
		Endpoint:     inst.Endpoint,
		Provenance:   registry.ProvenanceSpawned,
		Enabled:      true,
		Capabilities: req.Capabilities,
		Tags:         req.Tags,
	}
	if _, err := s.registrar.RegisterTool(desc); err != nil {
		s.runner.Stop(inst.Handle)
		return registry.Descriptor{}, fmt.Errorf("register provider: %w", err)
	}

	s.mu.Lock()
	s.handles[req.RegistryID] = inst.Handle
	s.mu.Unlock()

	if err := s.store.Upsert(PersistedProvider{
		RegistryIDHint: req.RegistryID,
		DisplayName:    req.DisplayName,
		Kind:           registry.KindRemoteServer.String(),
		Provenance:     registry.ProvenanceSpawned.String(),
		Command:        req.Command,
		Args:           req.Args,
	}); err != nil {
		s.logger.Error("persist provider %s: %v", req.RegistryID, err)
	}
	return desc, nil
}

// AdoptExternal registers an already-running external provider and persists
// it so it is reconnected after a restart.
func (s *Supervisor) AdoptExternal(ctx context.Context, desc registry.Descriptor) error {
	if err := s.probe(ctx, desc.Endpoint, s.probeTimeout); err != nil {
		return fmt.Errorf("provider unreachable at %s: %w", desc.Endpoint, err)
	}
	desc.Provenance = registry.ProvenanceExternal
	if _, err := s.registrar.RegisterTool(desc); err != nil {
		return err
	}
	if err := s.store.Upsert(PersistedProvider{
		RegistryIDHint: desc.RegistryID,
		DisplayName:    desc.DisplayName,
		Kind:           desc.Kind.String(),
		Endpoint:       desc.Endpoint,
		Provenance:     registry.ProvenanceExternal.String(),
	}); err != nil {
		s.logger.Error("persist external provider %s: %v", desc.RegistryID, err)
	}
	return nil
}

// RemoveProvider unregisters a provider, stops its process if we spawned it,
// and drops it from the manifest.
func (s *Supervisor) RemoveProvider(registryID string) bool {
	found := s.registrar.UnregisterTool(registryID)
	s.Forget(registryID)
	return found
}

// Forget drops the lifecycle state behind an unregistered provider: the
// spawned process, if any, is stopped and the manifest entry is removed.
// Unknown IDs are a no-op. Every unregister path must end up here, or the
// provider resurrects on the next boot.
func (s *Supervisor) Forget(registryID string) {
	s.mu.Lock()
	handle, spawned := s.handles[registryID]
	delete(s.handles, registryID)
	s.mu.Unlock()
	if spawned {
		s.runner.Stop(handle)
	}
	if err := s.store.Remove(registryID); err != nil {
		s.logger.Error("remove %s from manifest: %v", registryID, err)
	}
}

// Start launches the periodic health sweep.
func (s *Supervisor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.sweepCancel = cancel
	s.mu.Unlock()

	async.Go(s.logger, "lifecycle.sweep", func() {
		ticker := time.NewTicker(s.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweep()
			}
		}
	})
}

// sweep resets connectors stuck in a bad state. Providers stay registered;
// only an explicit unregister removes them.
func (s *Supervisor) sweep() {
	if s.health == nil {
		return
	}
	for id, state := range s.health.States() {
		if state == "degraded" || state == "failed" {
			s.logger.Warn("connector %s is %s, resetting", id, state)
			s.health.Reset(id)
		}
	}
}

// Shutdown stops the sweep and all spawned processes. The manifest is left
// intact so the providers come back on the next boot.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	cancel := s.sweepCancel
	s.sweepCancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.runner.CleanupAll()
}

// probeUntilReady retries the probe until the endpoint answers or the probe
// budget runs out. Fresh processes need a moment to bind their listener.
func (s *Supervisor) probeUntilReady(ctx context.Context, endpoint string) error {
	deadline := time.Now().Add(s.probeTimeout)
	var lastErr error
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			if lastErr == nil {
				lastErr = fmt.Errorf("probe budget exhausted")
			}
			return lastErr
		}
		attempt := probeRetryInterval
		if remaining < attempt {
			attempt = remaining
		}
		if err := s.probe(ctx, endpoint, attempt); err == nil {
			return nil
		} else {
			lastErr = err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(probeRetryInterval):
		}
	}
}
