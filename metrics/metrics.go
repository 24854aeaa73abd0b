// Package metrics is a small facade to emit timers, counters and gauges for the
// provisioning steps. Backends are picked by configuration: noop, statsd or otel.
package metrics

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/kairos-io/kairos-disk/types"
)

const (
	Noop   = "noop"
	Statsd = "statsd"
	Otel   = "otel"

	defaultDelimiter = "."
)

// Config selects and tunes the metrics backend
type Config struct {
	Backend            string `yaml:"backend,omitempty" json:"backend,omitempty"`
	Prefix             string `yaml:"prefix,omitempty" json:"prefix,omitempty"`
	GlobalPrefix       string `yaml:"global_prefix,omitempty" json:"global_prefix,omitempty"`
	PrependHost        bool   `yaml:"prepend_host,omitempty" json:"prepend_host,omitempty"`
	PrependHostReverse bool   `yaml:"prepend_host_reverse,omitempty" json:"prepend_host_reverse,omitempty"`
	PrependUUID        bool   `yaml:"prepend_uuid,omitempty" json:"prepend_uuid,omitempty"`
	StatsdHost         string `yaml:"statsd_host,omitempty" json:"statsd_host,omitempty"`
	StatsdPort         int    `yaml:"statsd_port,omitempty" json:"statsd_port,omitempty"`
	// OtlpEndpoint is the OTLP/gRPC collector (host:port) the otel backend exports to.
	// Empty records on the global meter provider instead.
	OtlpEndpoint string `yaml:"otlp_endpoint,omitempty" json:"otlp_endpoint,omitempty"`
	OtlpInsecure bool   `yaml:"otlp_insecure,omitempty" json:"otlp_insecure,omitempty"`
}

func DefaultConfig() Config {
	return Config{
		Backend:            Noop,
		Prefix:             "kairos_disk",
		PrependHostReverse: true,
		StatsdHost:         "localhost",
		StatsdPort:         8125,
	}
}

// Metrics is implemented by every backend
type Metrics interface {
	// Name returns the full metric name for name, prefix included
	Name(name string) string
	SendTimer(name string, value time.Duration)
	// SendCounter increments the counter. A sampleRate in (0, 1) sends the value probabilistically,
	// anything else always sends it.
	SendCounter(name string, value int64, sampleRate float64)
	SendGauge(name string, value float64)
	// Close flushes pending values and releases the backend
	Close(ctx context.Context) error
}

// backend is what each implementation provides, the naming and sampling is shared
type backend interface {
	timer(name string, value time.Duration)
	counter(name string, value int64, sampleRate float64)
	gauge(name string, value float64)
	close(ctx context.Context) error
}

type metricLogger struct {
	prefix    string
	delimiter string
	backend   backend
}

func (m *metricLogger) Name(name string) string {
	if m.prefix == "" {
		return name
	}
	return strings.Join([]string{m.prefix, name}, m.delimiter)
}

func (m *metricLogger) SendTimer(name string, value time.Duration) {
	m.backend.timer(m.Name(name), value)
}

// SendCounter leaves sampling to the backend, statsd has to know the rate to scale the value
func (m *metricLogger) SendCounter(name string, value int64, sampleRate float64) {
	m.backend.counter(m.Name(name), value, sampleRate)
}

func (m *metricLogger) SendGauge(name string, value float64) {
	m.backend.gauge(m.Name(name), value)
}

func (m *metricLogger) Close(ctx context.Context) error {
	return m.backend.close(ctx)
}

// sampled reports whether a value sent with sampleRate has to be kept
func sampled(sampleRate float64) bool {
	return sampleRate <= 0 || sampleRate >= 1 || rand.Float64() < sampleRate
}

// StartTimer returns a function that, once called, sends the time elapsed since StartTimer
//
//	defer metrics.StartTimer(m, "work_on_disk")()
func StartTimer(m Metrics, name string) func() {
	start := time.Now()
	return func() {
		m.SendTimer(name, time.Since(start))
	}
}

// NewMetrics builds the metrics logger for the given config. host and nodeUUID identify this node
// and are only used when PrependHost or PrependUUID are set.
func NewMetrics(c Config, host, nodeUUID string, logger types.KairosLogger) (Metrics, error) {
	prefix := buildPrefix(c, host, nodeUUID)
	var b backend
	switch c.Backend {
	case "", Noop:
		b = noopBackend{}
	case Statsd:
		b = newStatsdBackend(c.StatsdHost, c.StatsdPort, logger)
	case Otel:
		o, err := newOtelBackend(context.Background(), c)
		if err != nil {
			return nil, err
		}
		b = o
	default:
		return nil, fmt.Errorf("the metrics backend is set to an unsupported type: %s. Value should be one of %s, %s or %s", c.Backend, Noop, Statsd, Otel)
	}
	return &metricLogger{prefix: prefix, delimiter: defaultDelimiter, backend: b}, nil
}

// NewNoopMetrics returns a metrics logger that throws everything away
func NewNoopMetrics() Metrics {
	return &metricLogger{delimiter: defaultDelimiter, backend: noopBackend{}}
}

// buildPrefix composes [global_prefix.][host.][uuid.]prefix
func buildPrefix(c Config, host, nodeUUID string) string {
	prefix := c.Prefix
	if c.PrependUUID && nodeUUID != "" {
		prefix = joinNonEmpty(nodeUUID, prefix)
	}
	if c.PrependHost && host != "" {
		if c.PrependHostReverse {
			parts := strings.Split(host, ".")
			for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
				parts[i], parts[j] = parts[j], parts[i]
			}
			host = strings.Join(parts, defaultDelimiter)
		}
		prefix = joinNonEmpty(host, prefix)
	}
	if c.GlobalPrefix != "" {
		prefix = joinNonEmpty(c.GlobalPrefix, prefix)
	}
	return prefix
}

func joinNonEmpty(parts ...string) string {
	var out []string
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, defaultDelimiter)
}

type noopBackend struct{}

func (noopBackend) timer(string, time.Duration)    {}
func (noopBackend) counter(string, int64, float64) {}
func (noopBackend) gauge(string, float64)          {}
func (noopBackend) close(context.Context) error    { return nil }
