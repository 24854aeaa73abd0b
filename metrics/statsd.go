package metrics

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/cactus/go-statsd-client/v5/statsd"
	"github.com/kairos-io/kairos-disk/types"
)

const statsdGauge = "|g"

type statsdBackend struct {
	target string
	client statsd.Statter
	// err is why the client could not be built, reported on every send
	err    error
	logger types.KairosLogger
}

func newStatsdBackend(host string, port int, logger types.KairosLogger) *statsdBackend {
	target := net.JoinHostPort(host, strconv.Itoa(port))
	client, err := statsd.NewClientWithConfig(&statsd.ClientConfig{Address: target})
	return &statsdBackend{target: target, client: client, err: err, logger: logger}
}

// send runs f on the client, failures are only logged
func (s *statsdBackend) send(f func(c statsd.Statter) error) {
	err := s.err
	if s.client != nil {
		err = f(s.client)
	}
	if err != nil {
		s.logger.Warnf("Failed to send the metric value to %s. Error: %s", s.target, err)
	}
}

func (s *statsdBackend) timer(name string, value time.Duration) {
	s.send(func(c statsd.Statter) error { return c.Timing(name, value.Milliseconds(), 1) })
}

// counter hands the rate to the client, which samples and appends it to the line
func (s *statsdBackend) counter(name string, value int64, sampleRate float64) {
	rate := float32(1)
	if sampleRate > 0 && sampleRate < 1 {
		rate = float32(sampleRate)
	}
	s.send(func(c statsd.Statter) error { return c.Inc(name, value, rate) })
}

// gauge goes out raw since the client only formats integer gauges
func (s *statsdBackend) gauge(name string, value float64) {
	s.send(func(c statsd.Statter) error {
		return c.Raw(name, strconv.FormatFloat(value, 'f', -1, 64)+statsdGauge, 1)
	})
}

func (s *statsdBackend) close(context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}
