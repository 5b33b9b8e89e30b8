// Package dispatch routes validated invocations to the right provider —
// in-process handlers for LocalFunction tools, pooled connectors for
// RemoteServer tools — and normalizes every outcome into an invoke.Result.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"toolgate/internal/connector"
	"toolgate/internal/invoke"
	"toolgate/internal/logging"
	"toolgate/internal/registry"
	"toolgate/internal/resolve"
)

const defaultDispatchTimeout = 120 * time.Second

// Config tunes the dispatcher.
type Config struct {
	// Timeout bounds a single dispatch, default 120s.
	Timeout time.Duration
	// BatchConcurrency caps concurrent calls inside DispatchBatch; zero
	// means unbounded.
	BatchConcurrency int
}

// Dispatcher is stateless except for counters and can be called
// concurrently. Ordering within a single tool follows the connector's
// serialization; independent tools are independent.
type Dispatcher struct {
	resolver *resolve.Resolver
	reg      *registry.Registry
	pool     *connector.Pool
	handlers *HandlerTable
	metrics  *Metrics
	cfg      Config
	logger   logging.Logger
}

// New wires a dispatcher over its collaborators.
func New(resolver *resolve.Resolver, reg *registry.Registry, pool *connector.Pool, handlers *HandlerTable, metrics *Metrics, cfg Config, logger logging.Logger) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultDispatchTimeout
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Dispatcher{
		resolver: resolver,
		reg:      reg,
		pool:     pool,
		handlers: handlers,
		metrics:  metrics,
		cfg:      cfg,
		logger:   logging.OrNop(logger),
	}
}

// Stats exposes the per-tool counters for the status surface.
func (d *Dispatcher) Stats() map[string]ToolStats {
	return d.metrics.Snapshot()
}

// Dispatch runs the validate → locate → route → normalize pipeline for one
// invocation. It always returns a Result; errors never escape as panics.
func (d *Dispatcher) Dispatch(ctx context.Context, inv invoke.Invocation) invoke.Result {
	started := time.Now()
	result, registryID := d.dispatch(ctx, inv)
	result.Elapsed = time.Since(started)
	// Counters key on the resolved registry ID, so alias calls land on the
	// canonical tool.
	d.metrics.Record(ctx, registryID, result.Success, result.Elapsed)
	if !result.Success {
		d.logger.Debug("dispatch %s/%s failed: %s %s",
			inv.ToolID, inv.Action, result.ErrorKind, result.ErrorMessage)
	}
	return result
}

func (d *Dispatcher) dispatch(ctx context.Context, inv invoke.Invocation) (invoke.Result, string) {
	resolved, failure := d.resolver.Validate(inv.ToolID, inv.Action, inv.Parameters)
	if failure != nil {
		return *failure, inv.ToolID
	}

	desc, ok := d.reg.Lookup(resolved.RegistryID)
	if !ok {
		return invoke.Fail(invoke.ErrToolNotFound, fmt.Sprintf("tool not found: %s", resolved.RegistryID)), resolved.RegistryID
	}
	if !desc.Enabled {
		return invoke.Fail(invoke.ErrDisabled, fmt.Sprintf("tool is disabled: %s", desc.RegistryID)), resolved.RegistryID
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	switch desc.Kind {
	case registry.KindLocalFunction:
		return d.dispatchLocal(ctx, desc, resolved), resolved.RegistryID
	case registry.KindRemoteServer:
		return d.dispatchRemote(ctx, desc, resolved), resolved.RegistryID
	default:
		return invoke.Fail(invoke.ErrInternal, fmt.Sprintf("tool %s has unknown kind", desc.RegistryID)), resolved.RegistryID
	}
}

// dispatchLocal invokes an in-process handler. A panic inside the handler is
// caught and reported as InternalError; the gateway stays up.
func (d *Dispatcher) dispatchLocal(ctx context.Context, desc registry.Descriptor, resolved resolve.Resolved) (result invoke.Result) {
	fn, ok := d.handlers.Get(desc.HandlerLocator)
	if !ok {
		return invoke.Fail(invoke.ErrInternal,
			fmt.Sprintf("tool %s references missing handler %s", desc.RegistryID, desc.HandlerLocator))
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panic [%s]: %v, stack: %s", desc.HandlerLocator, r, debug.Stack())
			result = invoke.Fail(invoke.ErrInternal, fmt.Sprintf("handler panic: %v", r))
		}
	}()

	data, err := fn(ctx, resolved.Action, resolved.Parameters)
	if err != nil {
		switch {
		case errors.Is(err, context.Canceled):
			return invoke.Fail(invoke.ErrDisabled, "dispatch cancelled")
		case errors.Is(err, context.DeadlineExceeded):
			return invoke.Fail(invoke.ErrTimeout, err.Error())
		}
		// A returned error is the provider's structured failure.
		return invoke.Fail(invoke.ErrProviderError, err.Error())
	}
	return invoke.Ok(data)
}

// dispatchRemote forwards through the connector pool. The connector has
// already retried transient failures once by the time an error surfaces.
func (d *Dispatcher) dispatchRemote(ctx context.Context, desc registry.Descriptor, resolved resolve.Resolved) invoke.Result {
	conn := d.pool.Ensure(desc.RegistryID, desc.Endpoint,
		desc.Connect.ConnectTimeout, desc.Connect.CallTimeout)

	providerResult, err := conn.Call(ctx, desc.RegistryID, resolved.Action, resolved.Parameters)
	if err != nil {
		switch {
		case errors.Is(err, connector.ErrTimeout):
			return invoke.Fail(invoke.ErrTimeout,
				fmt.Sprintf("provider %s timed out; it may be down", desc.RegistryID))
		case errors.Is(err, connector.ErrClosed):
			return invoke.Fail(invoke.ErrDisabled, "gateway is shutting down")
		case errors.Is(err, connector.ErrMalformed):
			return invoke.Fail(invoke.ErrProviderError, err.Error())
		case errors.Is(err, connector.ErrUnavailable):
			return invoke.Fail(invoke.ErrProviderUnavailable,
				fmt.Sprintf("provider %s unreachable; it may be down: %v", desc.RegistryID, err))
		case errors.Is(err, context.Canceled):
			return invoke.Fail(invoke.ErrDisabled, "dispatch cancelled")
		case errors.Is(err, context.DeadlineExceeded):
			return invoke.Fail(invoke.ErrTimeout, err.Error())
		default:
			return invoke.Fail(invoke.ErrInternal, err.Error())
		}
	}

	if !providerResult.Success {
		kind := invoke.KindFromWire(providerResult.ErrorType)
		return invoke.Fail(kind, providerResult.ErrorMessage)
	}
	return invoke.Ok(providerResult.Data)
}

// DispatchBatch invokes the calls concurrently and returns slot-aligned
// results. A failure in one slot never disturbs the others.
func (d *Dispatcher) DispatchBatch(ctx context.Context, invs []invoke.Invocation) []invoke.Result {
	results := make([]invoke.Result, len(invs))
	g, ctx := errgroup.WithContext(ctx)
	if d.cfg.BatchConcurrency > 0 {
		g.SetLimit(d.cfg.BatchConcurrency)
	}
	for i, inv := range invs {
		g.Go(func() error {
			results[i] = d.Dispatch(ctx, inv)
			return nil
		})
	}
	_ = g.Wait()
	return results
}
