package gateway

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"toolgate/internal/config"
	"toolgate/internal/controlplane"
	"toolgate/internal/invoke"
	"toolgate/internal/lifecycle"
	"toolgate/internal/registry"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.Port = 0
	cfg.ControlPlane.Port = 0
	cfg.Providers.ManifestPath = filepath.Join(t.TempDir(), "providers.yaml")
	cfg.Providers.PortRangeStart = 19300
	cfg.Providers.PortRangeEnd = 19340
	cfg.Providers.SkipPredefinedProbe = true
	return cfg
}

func newGateway(t *testing.T) *Gateway {
	t.Helper()
	g, err := New(testConfig(t), nil)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		g.Shutdown(ctx)
	})
	return g
}

func remoteDescriptor(id, endpoint string) registry.Descriptor {
	return registry.Descriptor{
		RegistryID:   id,
		Kind:         registry.KindRemoteServer,
		Endpoint:     endpoint,
		Enabled:      true,
		Capabilities: []registry.Capability{{Name: "go"}},
	}
}

func TestRegisterRemoteToolCreatesPoolEntry(t *testing.T) {
	g := newGateway(t)

	if _, err := g.RegisterTool(remoteDescriptor("r1", "ws://127.0.0.1:7001")); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, ok := g.pool.Get("r1"); !ok {
		t.Fatalf("remote registration must create a pool entry")
	}
	if g.pool.Len() != 1 {
		t.Fatalf("expected exactly one pool entry, got %d", g.pool.Len())
	}

	// Re-registering the same endpoint keeps the same entry.
	if _, err := g.RegisterTool(remoteDescriptor("r1", "ws://127.0.0.1:7001")); err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if g.pool.Len() != 1 {
		t.Fatalf("idempotent registration duplicated the pool entry")
	}
}

func TestUnregisterTearsDownPoolEntry(t *testing.T) {
	g := newGateway(t)
	_, _ = g.RegisterTool(remoteDescriptor("r1", "ws://127.0.0.1:7001"))

	if !g.UnregisterTool("r1") {
		t.Fatalf("unregister should find the tool")
	}
	if _, ok := g.pool.Get("r1"); ok {
		t.Fatalf("pool entry must be torn down on unregister")
	}
	if g.UnregisterTool("r1") {
		t.Fatalf("second unregister should report not found")
	}
}

func TestUnregisterDropsPersistedProvider(t *testing.T) {
	cfg := testConfig(t)
	g, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		g.Shutdown(ctx)
	})

	// A provider-mode control plane stands in for the external server so the
	// adoption probe has something to dial.
	provider := controlplane.NewServer(controlplane.Options{Role: controlplane.RoleProvider})
	ts := httptest.NewServer(provider.Handler())
	defer ts.Close()
	endpoint := "ws" + strings.TrimPrefix(ts.URL, "http")

	if err := g.Supervisor().AdoptExternal(context.Background(), remoteDescriptor("ext1", endpoint)); err != nil {
		t.Fatalf("adopt: %v", err)
	}
	if providers, _ := lifecycle.NewStore(cfg.Providers.ManifestPath).Load(); len(providers) != 1 {
		t.Fatalf("adoption must persist the provider, got %+v", providers)
	}

	if !g.UnregisterTool("ext1") {
		t.Fatalf("unregister should find the tool")
	}
	if _, ok := g.Registry().Lookup("ext1"); ok {
		t.Fatalf("tool still registered after unregister")
	}
	providers, _ := lifecycle.NewStore(cfg.Providers.ManifestPath).Load()
	if len(providers) != 0 {
		t.Fatalf("manifest entry must be dropped on explicit unregister: %+v", providers)
	}
}

func TestReplacingRemoteWithLocalDropsPoolEntry(t *testing.T) {
	g := newGateway(t)
	_, _ = g.RegisterTool(remoteDescriptor("morph", "ws://127.0.0.1:7001"))

	if err := g.RegisterHandler("handlers/morph", func(context.Context, string, map[string]any) (any, error) {
		return "local now", nil
	}); err != nil {
		t.Fatalf("register handler: %v", err)
	}
	local := registry.Descriptor{
		RegistryID:     "morph",
		Kind:           registry.KindLocalFunction,
		HandlerLocator: "handlers/morph",
		Enabled:        true,
		Capabilities:   []registry.Capability{{Name: "go"}},
	}
	status, err := g.RegisterTool(local)
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if status != registry.RegisterReplaced {
		t.Fatalf("expected replacement, got %v", status)
	}
	if _, ok := g.pool.Get("morph"); ok {
		t.Fatalf("pool entry must be dropped when a tool becomes local")
	}
}

func TestDispatchThroughAggregate(t *testing.T) {
	g := newGateway(t)
	if err := g.RegisterHandler("handlers/echo", func(_ context.Context, _ string, params map[string]any) (any, error) {
		return params["text"], nil
	}); err != nil {
		t.Fatalf("register handler: %v", err)
	}
	if _, err := g.RegisterTool(registry.Descriptor{
		RegistryID:     "echo",
		Kind:           registry.KindLocalFunction,
		HandlerLocator: "handlers/echo",
		Enabled:        true,
		Capabilities: []registry.Capability{{
			Name: "run",
			Parameters: map[string]registry.ParamSchema{
				"text": {Type: "string", Required: true},
			},
		}},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	res := g.Dispatch(context.Background(), invoke.Invocation{
		ToolID: "echo", Action: "run", Parameters: map[string]any{"text": "hi"},
	})
	if !res.Success || res.Data != "hi" {
		t.Fatalf("dispatch failed: %+v", res)
	}
}

func TestStartAndShutdown(t *testing.T) {
	g, err := New(testConfig(t), nil)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := g.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	g.Shutdown(ctx)
}
