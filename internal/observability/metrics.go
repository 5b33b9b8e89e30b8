// Package observability wires the OpenTelemetry metric pipeline to a
// Prometheus exporter. Instruments are created where they are used (the
// dispatcher); this package only owns the provider lifecycle. The scrape
// endpoint itself lives on the admin server.
package observability

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics owns the meter provider.
type Metrics struct {
	provider *sdkmetric.MeterProvider
}

var (
	setupOnce sync.Once
	shared    *Metrics
	setupErr  error
)

// Setup installs a Prometheus-backed meter provider as the global provider.
// The default prometheus registry backs the exporter, so promhttp.Handler()
// serves everything recorded through it. Repeated calls return the same
// provider; the default registry tolerates only one exporter.
func Setup() (*Metrics, error) {
	setupOnce.Do(func() {
		exporter, err := prometheus.New()
		if err != nil {
			setupErr = fmt.Errorf("create prometheus exporter: %w", err)
			return
		}
		provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
		otel.SetMeterProvider(provider)
		shared = &Metrics{provider: provider}
	})
	return shared, setupErr
}

// Shutdown flushes and stops the provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}
