package dispatch

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ToolStats is the per-tool counter snapshot served by the status endpoint.
type ToolStats struct {
	Calls         int64   `json:"calls"`
	Failures      int64   `json:"failures"`
	MeanLatencyMs float64 `json:"mean_latency_ms"`
}

// Metrics records per-tool dispatch outcomes both to OpenTelemetry (for the
// Prometheus scrape) and to an in-process table read by /status.
type Metrics struct {
	invocations metric.Int64Counter
	latency     metric.Float64Histogram

	mu    sync.Mutex
	stats map[string]*toolCounters
}

type toolCounters struct {
	calls    int64
	failures int64
	totalMs  float64
}

// NewMetrics wires counters on the global meter provider. Instrument
// creation only fails on malformed names, which are fixed here.
func NewMetrics() *Metrics {
	meter := otel.GetMeterProvider().Meter("toolgate")
	invocations, _ := meter.Int64Counter(
		"toolgate.dispatch.invocations.total",
		metric.WithDescription("Total tool invocations by outcome"),
	)
	latency, _ := meter.Float64Histogram(
		"toolgate.dispatch.duration.ms",
		metric.WithDescription("Tool invocation latency in milliseconds"),
	)
	return &Metrics{
		invocations: invocations,
		latency:     latency,
		stats:       make(map[string]*toolCounters),
	}
}

// Record notes one dispatch outcome.
func (m *Metrics) Record(ctx context.Context, toolID string, success bool, elapsed time.Duration) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	attrs := metric.WithAttributes(
		attribute.String("tool", toolID),
		attribute.String("outcome", outcome),
	)
	m.invocations.Add(ctx, 1, attrs)
	m.latency.Record(ctx, float64(elapsed.Milliseconds()), attrs)

	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.stats[toolID]
	if !ok {
		c = &toolCounters{}
		m.stats[toolID] = c
	}
	c.calls++
	if !success {
		c.failures++
	}
	c.totalMs += float64(elapsed.Microseconds()) / 1000.0
}

// Snapshot returns per-tool stats.
func (m *Metrics) Snapshot() map[string]ToolStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]ToolStats, len(m.stats))
	for id, c := range m.stats {
		s := ToolStats{Calls: c.calls, Failures: c.failures}
		if c.calls > 0 {
			s.MeanLatencyMs = c.totalMs / float64(c.calls)
		}
		out[id] = s
	}
	return out
}
