// Package gateway assembles the whole system behind one aggregate: registry,
// resolver, connector pool, dispatcher, process runner, lifecycle supervisor,
// event fan-out, result cache, and the two network surfaces. Registration
// goes through the aggregate so registry entries and pool entries stay
// one-to-one.
package gateway

import (
	"context"
	"fmt"
	"time"

	"toolgate/internal/adminapi"
	"toolgate/internal/config"
	"toolgate/internal/connector"
	"toolgate/internal/controlplane"
	"toolgate/internal/dispatch"
	"toolgate/internal/events"
	"toolgate/internal/invoke"
	"toolgate/internal/lifecycle"
	"toolgate/internal/logging"
	"toolgate/internal/observability"
	"toolgate/internal/procrun"
	"toolgate/internal/registry"
	"toolgate/internal/resolve"
	"toolgate/internal/resultcache"
)

// Gateway owns every component and is the single registration chokepoint.
type Gateway struct {
	cfg    config.Config
	logger logging.Logger

	registry   *registry.Registry
	resolver   *resolve.Resolver
	pool       *connector.Pool
	handlers   *dispatch.HandlerTable
	dispatcher *dispatch.Dispatcher
	runner     *procrun.Runner
	supervisor *lifecycle.Supervisor
	fanout     *events.Fanout
	bus        *events.RedisBus
	cache      *resultcache.Cache
	metrics    *observability.Metrics

	controlPlane *adminServerPair
	cacheCancel  context.CancelFunc
}

// adminServerPair keeps the two network surfaces together.
type adminServerPair struct {
	control *controlplane.Server
	admin   *adminapi.Server
}

// New assembles a gateway from configuration. Nothing listens until Start.
func New(cfg config.Config, logger logging.Logger) (*Gateway, error) {
	logger = logging.OrNop(logger)

	metrics, err := observability.Setup()
	if err != nil {
		return nil, fmt.Errorf("metrics setup: %w", err)
	}

	var bus *events.RedisBus
	if cfg.Events.RedisAddr != "" {
		bus = events.NewRedisBus(cfg.Events.RedisAddr, cfg.Events.RedisPassword, cfg.Events.RedisDB)
	}
	fanout := events.NewFanout(events.Options{
		Bus:    busOrNil(bus),
		Logger: logging.NewComponentLogger("events"),
	})

	reg := registry.New(fanout, logging.NewComponentLogger("registry"))
	resolver := resolve.New(reg, cfg.Aliases)
	pool := connector.NewPool(connector.PoolOptions{
		ConnectTimeout: cfg.Providers.ConnectTimeout(),
		CallTimeout:    cfg.Providers.CallTimeout(),
		Logger:         logging.NewComponentLogger("connector"),
	})
	handlers := dispatch.NewHandlerTable()
	dispatcher := dispatch.New(resolver, reg, pool, handlers, dispatch.NewMetrics(), dispatch.Config{
		Timeout: cfg.Dispatch.Timeout(),
	}, logging.NewComponentLogger("dispatch"))

	runner := procrun.NewRunner(procrun.Options{
		PortRangeStart: cfg.Providers.PortRangeStart,
		PortRangeEnd:   cfg.Providers.PortRangeEnd,
		Logger:         logging.NewComponentLogger("procrun"),
	})

	g := &Gateway{
		cfg:        cfg,
		logger:     logger,
		registry:   reg,
		resolver:   resolver,
		pool:       pool,
		handlers:   handlers,
		dispatcher: dispatcher,
		runner:     runner,
		fanout:     fanout,
		bus:        bus,
		metrics:    metrics,
		cache: resultcache.New(resultcache.Config{
			MaxSize:       cfg.Cache.MaxEntries,
			TTL:           cfg.Cache.TTL(),
			SweepInterval: cfg.Cache.SweepInterval(),
		}, logging.NewComponentLogger("resultcache")),
	}

	g.supervisor = lifecycle.New(lifecycle.Options{
		Store:          lifecycle.NewStore(cfg.Providers.ManifestPath),
		Runner:         runner,
		Registrar:      g,
		Health:         pool,
		ProbeTimeout:   cfg.Providers.ProbeTimeout(),
		SweepInterval:  cfg.Providers.SweepInterval(),
		SkipPredefined: cfg.Providers.SkipPredefinedProbe,
		Logger:         logging.NewComponentLogger("lifecycle"),
	})

	control := controlplane.NewServer(controlplane.Options{
		Host:       cfg.ControlPlane.Host,
		Port:       cfg.ControlPlane.Port,
		Path:       cfg.ControlPlane.Path,
		Role:       controlplane.RoleGateway,
		Dispatcher: dispatcher,
		Registrar:  g,
		Directory:  reg,
		Logger:     logging.NewComponentLogger("controlplane"),
	})
	admin := adminapi.NewServer(adminapi.Options{
		Host:       cfg.Server.Host,
		Port:       cfg.Server.Port,
		AdminToken: cfg.Server.AdminToken,
		Debug:      cfg.Server.Debug,
		Registrar:  g,
		Directory:  reg,
		Dispatcher: dispatcher,
		Installer:  g.supervisor,
		Fanout:     fanout,
		PoolStates: pool.States,
		Logger:     logging.NewComponentLogger("adminapi"),
	})
	g.controlPlane = &adminServerPair{control: control, admin: admin}
	return g, nil
}

// busOrNil keeps the typed nil out of the Bus interface value.
func busOrNil(b *events.RedisBus) events.Bus {
	if b == nil {
		return nil
	}
	return b
}

// RegisterTool registers a descriptor and keeps the connector pool in sync:
// every RemoteServer entry gets exactly one pool entry.
func (g *Gateway) RegisterTool(desc registry.Descriptor) (registry.RegisterStatus, error) {
	status, err := g.registry.Register(desc)
	if err != nil {
		return status, err
	}
	if desc.Kind == registry.KindRemoteServer {
		g.pool.Ensure(desc.RegistryID, desc.Endpoint,
			desc.Connect.ConnectTimeout, desc.Connect.CallTimeout)
	} else {
		// A replacement may have flipped a remote tool to local.
		g.pool.Remove(desc.RegistryID)
	}
	return status, nil
}

// UnregisterTool removes a descriptor, tears down its connector, and drops
// any lifecycle state behind it, including the persisted manifest entry.
func (g *Gateway) UnregisterTool(registryID string) bool {
	found := g.registry.Unregister(registryID)
	g.pool.Remove(registryID)
	if g.supervisor != nil {
		g.supervisor.Forget(registryID)
	}
	return found
}

// SetToolEnabled toggles the enabled flag.
func (g *Gateway) SetToolEnabled(registryID string, enabled bool) bool {
	return g.registry.SetEnabled(registryID, enabled)
}

// RegisterHandler installs an in-process handler for LocalFunction tools.
func (g *Gateway) RegisterHandler(locator string, fn dispatch.HandlerFunc) error {
	return g.handlers.Register(locator, fn)
}

// Dispatch runs one invocation through the pipeline.
func (g *Gateway) Dispatch(ctx context.Context, inv invoke.Invocation) invoke.Result {
	return g.dispatcher.Dispatch(ctx, inv)
}

// Accessors for embedding callers and tests.

func (g *Gateway) Registry() *registry.Registry      { return g.registry }
func (g *Gateway) Dispatcher() *dispatch.Dispatcher  { return g.dispatcher }
func (g *Gateway) Supervisor() *lifecycle.Supervisor { return g.supervisor }
func (g *Gateway) Cache() *resultcache.Cache         { return g.cache }
func (g *Gateway) Fanout() *events.Fanout            { return g.fanout }

// Start boots persisted and predefined providers, then opens both network
// surfaces. A port bind failure is fatal and aborts startup.
func (g *Gateway) Start(ctx context.Context) error {
	if err := g.supervisor.Boot(ctx); err != nil {
		return fmt.Errorf("lifecycle boot: %w", err)
	}
	g.supervisor.Start()

	cacheCtx, cancel := context.WithCancel(context.Background())
	g.cacheCancel = cancel
	g.cache.StartSweeper(cacheCtx)

	if err := g.controlPlane.control.Start(); err != nil {
		return err
	}
	if err := g.controlPlane.admin.Start(); err != nil {
		_ = g.controlPlane.control.Shutdown(ctx)
		return err
	}
	g.logger.Info("gateway up: admin %s:%d, control plane %s:%d, %d tools",
		g.cfg.Server.Host, g.cfg.Server.Port,
		g.cfg.ControlPlane.Host, g.cfg.ControlPlane.Port,
		g.registry.Len())
	return nil
}

// Shutdown stops everything in dependency order: network surfaces first,
// then connectors, then spawned processes, then the event stream.
func (g *Gateway) Shutdown(ctx context.Context) {
	g.logger.Info("gateway shutting down")

	if err := g.controlPlane.admin.Shutdown(ctx); err != nil {
		g.logger.Warn("admin shutdown: %v", err)
	}
	if err := g.controlPlane.control.Shutdown(ctx); err != nil {
		g.logger.Warn("control plane shutdown: %v", err)
	}

	g.pool.CloseAll()
	g.supervisor.Shutdown()

	if g.cacheCancel != nil {
		g.cacheCancel()
	}
	g.fanout.Close()
	if g.bus != nil {
		_ = g.bus.Close()
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := g.metrics.Shutdown(shutdownCtx); err != nil {
		g.logger.Warn("metrics shutdown: %v", err)
	}
	g.logger.Info("gateway stopped")
}
