package transport

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Statistics holds per-connection counters the application and
// operator-facing metrics both read from. Fields are updated with
// atomic.Add* so a connection's owning goroutine and a concurrent metrics
// scrape never race. Conn's send, receive and loss paths do not call
// onPacketSent/onPacketReceived/onPacketLost, so the counters stay zero.
type Statistics struct {
	PacketsSent     uint64
	PacketsReceived uint64
	PacketsLost     uint64
	BytesSent       uint64
	BytesReceived   uint64
	KeyUpdates      uint64
}

func (s *Statistics) onPacketSent(size uint64) {
	atomic.AddUint64(&s.PacketsSent, 1)
	atomic.AddUint64(&s.BytesSent, size)
}

func (s *Statistics) onPacketReceived(size uint64) {
	atomic.AddUint64(&s.PacketsReceived, 1)
	atomic.AddUint64(&s.BytesReceived, size)
}

func (s *Statistics) onPacketLost(n uint64) {
	atomic.AddUint64(&s.PacketsLost, n)
}

// statsCollector exports every live Connection's Statistics as Prometheus
// counters, registered once per Registration (see the outer package's
// registration.go).
type statsCollector struct {
	packetsSent     *prometheus.Desc
	packetsReceived *prometheus.Desc
	packetsLost     *prometheus.Desc
	bytesSent       *prometheus.Desc
	bytesReceived   *prometheus.Desc

	conns func() []*Statistics
}

// NewStatsCollector builds a prometheus.Collector that reports aggregate
// connection statistics; conns should return the live Statistics for
// every currently open connection at scrape time.
func NewStatsCollector(conns func() []*Statistics) prometheus.Collector {
	return &statsCollector{
		packetsSent:     prometheus.NewDesc("quic_packets_sent_total", "QUIC packets sent.", nil, nil),
		packetsReceived: prometheus.NewDesc("quic_packets_received_total", "QUIC packets received.", nil, nil),
		packetsLost:     prometheus.NewDesc("quic_packets_lost_total", "QUIC packets declared lost.", nil, nil),
		bytesSent:       prometheus.NewDesc("quic_bytes_sent_total", "QUIC bytes sent.", nil, nil),
		bytesReceived:   prometheus.NewDesc("quic_bytes_received_total", "QUIC bytes received.", nil, nil),
		conns:           conns,
	}
}

func (c *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.packetsSent
	ch <- c.packetsReceived
	ch <- c.packetsLost
	ch <- c.bytesSent
	ch <- c.bytesReceived
}

func (c *statsCollector) Collect(ch chan<- prometheus.Metric) {
	var sent, recv, lost, bsent, brecv uint64
	for _, s := range c.conns() {
		sent += atomic.LoadUint64(&s.PacketsSent)
		recv += atomic.LoadUint64(&s.PacketsReceived)
		lost += atomic.LoadUint64(&s.PacketsLost)
		bsent += atomic.LoadUint64(&s.BytesSent)
		brecv += atomic.LoadUint64(&s.BytesReceived)
	}
	ch <- prometheus.MustNewConstMetric(c.packetsSent, prometheus.CounterValue, float64(sent))
	ch <- prometheus.MustNewConstMetric(c.packetsReceived, prometheus.CounterValue, float64(recv))
	ch <- prometheus.MustNewConstMetric(c.packetsLost, prometheus.CounterValue, float64(lost))
	ch <- prometheus.MustNewConstMetric(c.bytesSent, prometheus.CounterValue, float64(bsent))
	ch <- prometheus.MustNewConstMetric(c.bytesReceived, prometheus.CounterValue, float64(brecv))
}
