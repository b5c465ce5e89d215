package core

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricsInitOnce sync.Once
	sharedMetrics   *marketMetrics
)

type marketMetrics struct {
	applied    *prometheus.CounterVec
	duplicates prometheus.Counter
	rejected   prometheus.Counter
	listings   prometheus.Gauge
	requests   prometheus.Gauge
}

func newMarketMetrics() *marketMetrics {
	metricsInitOnce.Do(func() {
		mm := &marketMetrics{
			applied: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "slm_market_objects_applied_total",
				Help: "Signed objects folded into the registries, by kind.",
			}, []string{"kind"}),
			duplicates: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "slm_market_duplicates_dropped_total",
				Help: "Gossip objects dropped by the seen-hash window.",
			}),
			rejected: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "slm_market_objects_rejected_total",
				Help: "Gossip objects dropped as malformed, unverifiable or inapplicable.",
			}),
			listings: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "slm_market_listings",
				Help: "Listings currently stored.",
			}),
			requests: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "slm_market_buy_requests",
				Help: "Buy requests currently stored, terminal included.",
			}),
		}
		prometheus.MustRegister(mm.applied, mm.duplicates, mm.rejected, mm.listings, mm.requests)
		sharedMetrics = mm
	})
	return sharedMetrics
}

func (m *marketMetrics) recordApplied(kind string) {
	if m == nil {
		return
	}
	m.applied.WithLabelValues(kind).Inc()
}

func (m *marketMetrics) recordDuplicate() {
	if m == nil {
		return
	}
	m.duplicates.Inc()
}

func (m *marketMetrics) recordRejected() {
	if m == nil {
		return
	}
	m.rejected.Inc()
}

func (m *marketMetrics) observeCounts(listings, requests int) {
	if m == nil {
		return
	}
	m.listings.Set(float64(listings))
	m.requests.Set(float64(requests))
}
