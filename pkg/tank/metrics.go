package tank

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is safe to use as a nil pointer, which records nothing.
type Metrics struct {
	level           prometheus.Gauge
	faucetOpen      *prometheus.GaugeVec
	ticksTotal      *prometheus.CounterVec
	publishFailures prometheus.Counter
	publishDrops    prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		level: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tank",
			Name:      "level",
			Help:      "Current fill level of the tank",
		}),
		faucetOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tank",
			Name:      "faucet_open_binary",
			Help:      "Registers when a faucet is open",
		}, []string{"faucet"}),
		ticksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tank",
			Name:      "ticks_total",
			Help:      "Increase on every faucet tick",
		}, []string{"faucet"}),
		publishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tank",
			Name:      "publish_failures_total",
			Help:      "Increase when a status could not be published",
		}),
		publishDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tank",
			Name:      "publish_dropped_total",
			Help:      "Increase when a pending status was replaced before it could be published",
		}),
	}

	reg.MustRegister(m.level, m.faucetOpen, m.ticksTotal, m.publishFailures, m.publishDrops)

	return m
}

func (m *Metrics) faucetChanged(faucet string, open bool) {
	if m == nil {
		return
	}
	v := 0.0
	if open {
		v = 1
	}
	m.faucetOpen.WithLabelValues(faucet).Set(v)
}

func (m *Metrics) ticked(faucet string, level int) {
	if m == nil {
		return
	}
	m.ticksTotal.WithLabelValues(faucet).Inc()
	m.level.Set(float64(level))
}

func (m *Metrics) publishFailed() {
	if m == nil {
		return
	}
	m.publishFailures.Inc()
}

func (m *Metrics) publishDropped() {
	if m == nil {
		return
	}
	m.publishDrops.Inc()
}
