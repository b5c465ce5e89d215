package p2p

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricsInitOnce sync.Once
	sharedMetrics   *networkMetrics
)

type networkMetrics struct {
	gossip     *prometheus.CounterVec
	violations prometheus.Counter
	peers      prometheus.Gauge
}

func newNetworkMetrics() *networkMetrics {
	metricsInitOnce.Do(func() {
		nm := &networkMetrics{
			gossip: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "slm_p2p_gossip_messages_total",
				Help: "Gossip messages by direction and type.",
			}, []string{"direction", "type"}),
			violations: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "slm_p2p_protocol_violations_total",
				Help: "Frames dropped for protocol violations.",
			}),
			peers: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "slm_p2p_connected_peers",
				Help: "Currently connected peers.",
			}),
		}
		prometheus.MustRegister(nm.gossip, nm.violations, nm.peers)
		sharedMetrics = nm
	})
	return sharedMetrics
}

func (m *networkMetrics) recordGossip(direction string, msgType byte) {
	if m == nil {
		return
	}
	m.gossip.WithLabelValues(direction, typeLabel(msgType)).Inc()
}

func (m *networkMetrics) recordViolation() {
	if m == nil {
		return
	}
	m.violations.Inc()
}

func (m *networkMetrics) setPeerCount(n int) {
	if m == nil {
		return
	}
	m.peers.Set(float64(n))
}

func typeLabel(msgType byte) string {
	switch msgType {
	case MsgTypeMarketObject:
		return "market_object"
	case MsgTypePing:
		return "ping"
	case MsgTypePong:
		return "pong"
	case MsgTypeHello:
		return "hello"
	default:
		return "unknown"
	}
}
