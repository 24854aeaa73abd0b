package metrics_test

import (
	"bytes"
	"context"
	"net"
	"strconv"
	"time"

	"github.com/kairos-io/kairos-disk/metrics"
	"github.com/kairos-io/kairos-disk/types"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

var _ = Describe("Metrics", Label("metrics"), func() {
	var logger types.KairosLogger
	var buf *bytes.Buffer

	BeforeEach(func() {
		buf = &bytes.Buffer{}
		logger = types.NewBufferLogger(buf)
	})

	Describe("Names", func() {
		It("uses the prefix alone by default", func() {
			m, err := metrics.NewMetrics(metrics.DefaultConfig(), "node.example.com", "", logger)
			Expect(err).ToNot(HaveOccurred())
			Expect(m.Name("work_on_disk")).To(Equal("kairos_disk.work_on_disk"))
		})
		It("prepends the reversed host and the global prefix", func() {
			c := metrics.DefaultConfig()
			c.PrependHost = true
			c.GlobalPrefix = "dc1"
			m, err := metrics.NewMetrics(c, "node.example.com", "", logger)
			Expect(err).ToNot(HaveOccurred())
			Expect(m.Name("commit")).To(Equal("dc1.com.example.node.kairos_disk.commit"))
		})
		It("keeps the host as is when not reversing", func() {
			c := metrics.DefaultConfig()
			c.PrependHost = true
			c.PrependHostReverse = false
			c.PrependUUID = true
			m, err := metrics.NewMetrics(c, "node.example.com", "1be26c0b", logger)
			Expect(err).ToNot(HaveOccurred())
			Expect(m.Name("commit")).To(Equal("node.example.com.1be26c0b.kairos_disk.commit"))
		})
		It("returns the bare name without prefix", func() {
			Expect(metrics.NewNoopMetrics().Name("commit")).To(Equal("commit"))
		})
		It("fails on unknown backends", func() {
			c := metrics.DefaultConfig()
			c.Backend = "graphite"
			_, err := metrics.NewMetrics(c, "", "", logger)
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("graphite"))
		})
	})

	Describe("Statsd backend", func() {
		var conn net.PacketConn
		var c metrics.Config

		BeforeEach(func() {
			var err error
			conn, err = net.ListenPacket("udp", "127.0.0.1:0")
			Expect(err).ToNot(HaveOccurred())
			c = metrics.DefaultConfig()
			c.Backend = metrics.Statsd
			c.StatsdHost = "127.0.0.1"
			c.StatsdPort = conn.LocalAddr().(*net.UDPAddr).Port
		})
		AfterEach(func() {
			_ = conn.Close()
		})

		read := func() string {
			b := make([]byte, 512)
			Expect(conn.SetReadDeadline(time.Now().Add(2 * time.Second))).To(Succeed())
			n, _, err := conn.ReadFrom(b)
			Expect(err).ToNot(HaveOccurred())
			return string(b[:n])
		}

		It("sends gauges, counters and timers", func() {
			m, err := metrics.NewMetrics(c, "", "", logger)
			Expect(err).ToNot(HaveOccurred())
			m.SendGauge("free", 1.5)
			Expect(read()).To(Equal("kairos_disk.free:1.5|g"))
			m.SendCounter("busy_probes", 3, 1)
			Expect(read()).To(Equal("kairos_disk.busy_probes:3|c"))
			m.SendTimer("commit", 1500*time.Millisecond)
			Expect(read()).To(Equal("kairos_disk.commit:1500|ms"))
			Expect(m.Close(context.Background())).To(Succeed())
		})

		It("tags sampled counters with their rate", func() {
			m, err := metrics.NewMetrics(c, "", "", logger)
			Expect(err).ToNot(HaveOccurred())
			for i := 0; i < 64; i++ {
				m.SendCounter("busy_probes", 1, 0.5)
			}
			Expect(read()).To(Equal("kairos_disk.busy_probes:1|c|@0.5"))
		})

		It("logs a warning when the target is unreachable", func() {
			c.StatsdHost = "host.invalid"
			c.StatsdPort = 1
			m, err := metrics.NewMetrics(c, "", "", logger)
			Expect(err).ToNot(HaveOccurred())
			m.SendGauge("free", 1)
			Expect(buf.String()).To(ContainSubstring("Failed to send the metric value to host.invalid:" + strconv.Itoa(1)))
		})
	})

	Describe("Otel backend", func() {
		It("records on the global meter provider", func() {
			reader := sdkmetric.NewManualReader()
			provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
			previous := otel.GetMeterProvider()
			otel.SetMeterProvider(provider)
			DeferCleanup(func() { otel.SetMeterProvider(previous) })

			c := metrics.DefaultConfig()
			c.Backend = metrics.Otel
			m, err := metrics.NewMetrics(c, "", "", logger)
			Expect(err).ToNot(HaveOccurred())
			m.SendCounter("busy_probes", 2, 1)
			m.SendCounter("busy_probes", 3, 1)
			defer metrics.StartTimer(m, "commit")()

			var rm metricdata.ResourceMetrics
			Expect(reader.Collect(context.Background(), &rm)).To(Succeed())
			Expect(rm.ScopeMetrics).To(HaveLen(1))
			var sum metricdata.Sum[int64]
			for _, mm := range rm.ScopeMetrics[0].Metrics {
				if mm.Name == "kairos_disk.busy_probes" {
					sum = mm.Data.(metricdata.Sum[int64])
				}
			}
			Expect(sum.DataPoints).To(HaveLen(1))
			Expect(sum.DataPoints[0].Value).To(Equal(int64(5)))
			Expect(m.Close(context.Background())).To(Succeed())
		})

		It("exports to its own provider when an endpoint is set", func() {
			c := metrics.DefaultConfig()
			c.Backend = metrics.Otel
			c.OtlpEndpoint = "127.0.0.1:1"
			c.OtlpInsecure = true
			m, err := metrics.NewMetrics(c, "", "", logger)
			Expect(err).ToNot(HaveOccurred())
			m.SendCounter("busy_probes", 1, 1)

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			start := time.Now()
			// nothing listens there, only the shutdown itself matters
			_ = m.Close(ctx)
			Expect(time.Since(start)).To(BeNumerically("<", 5*time.Second))
		})
	})
})
