package metrics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

const otelScope = "github.com/kairos-io/kairos-disk"

// otelBackend records through a meter. Instruments are created lazily per metric name
// since the facade does not declare them upfront.
type otelBackend struct {
	meter metric.Meter
	// provider is only set when we own it and have to shut it down
	provider   *sdkmetric.MeterProvider
	mu         sync.Mutex
	histograms map[string]metric.Float64Histogram
	counters   map[string]metric.Int64Counter
	gauges     map[string]metric.Float64Gauge
}

// newOtelBackend exports to c.OtlpEndpoint over OTLP/gRPC when set, otherwise it records
// on the global meter provider.
func newOtelBackend(ctx context.Context, c Config) (*otelBackend, error) {
	scope := c.Prefix
	if scope == "" {
		scope = otelScope
	}
	o := &otelBackend{
		histograms: map[string]metric.Float64Histogram{},
		counters:   map[string]metric.Int64Counter{},
		gauges:     map[string]metric.Float64Gauge{},
	}
	if c.OtlpEndpoint == "" {
		o.meter = otel.GetMeterProvider().Meter(scope)
		return o, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(attribute.String("service.name", scope)),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(c.OtlpEndpoint)}
	if c.OtlpInsecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}
	o.provider = sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(res),
	)
	o.meter = o.provider.Meter(scope)
	return o, nil
}

func (o *otelBackend) timer(name string, value time.Duration) {
	o.mu.Lock()
	h, ok := o.histograms[name]
	if !ok {
		var err error
		h, err = o.meter.Float64Histogram(name, metric.WithUnit("s"))
		if err != nil {
			o.mu.Unlock()
			return
		}
		o.histograms[name] = h
	}
	o.mu.Unlock()
	h.Record(context.Background(), value.Seconds())
}

func (o *otelBackend) counter(name string, value int64, sampleRate float64) {
	if !sampled(sampleRate) {
		return
	}
	o.mu.Lock()
	c, ok := o.counters[name]
	if !ok {
		var err error
		c, err = o.meter.Int64Counter(name)
		if err != nil {
			o.mu.Unlock()
			return
		}
		o.counters[name] = c
	}
	o.mu.Unlock()
	c.Add(context.Background(), value)
}

func (o *otelBackend) gauge(name string, value float64) {
	o.mu.Lock()
	g, ok := o.gauges[name]
	if !ok {
		var err error
		g, err = o.meter.Float64Gauge(name)
		if err != nil {
			o.mu.Unlock()
			return
		}
		o.gauges[name] = g
	}
	o.mu.Unlock()
	g.Record(context.Background(), value)
}

// close flushes the last values to the collector
func (o *otelBackend) close(ctx context.Context) error {
	if o.provider == nil {
		return nil
	}
	return o.provider.Shutdown(ctx)
}
