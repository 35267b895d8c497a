package session

import (
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/puyokura/hallmesh/model"
)

const metricNamePrefix = "hall_session_"

// Metrics are created once per registry and shared by all sessions of a
// process. A nil *Metrics records nothing.
type Metrics struct {
	phase       *prometheus.GaugeVec
	reconnects  *prometheus.CounterVec
	elections   *prometheus.CounterVec
	staleFrames *prometheus.CounterVec
	rtt         *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	factory := promauto.With(reg)
	return &Metrics{
		phase: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: metricNamePrefix + "phase",
			Help: "connection phase (0 offline, 1 connecting, 2 connected, 3 reconnecting, 4 electing)",
		}, []string{"hall"}),
		reconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Name: metricNamePrefix + "reconnect_attempts_total",
			Help: "scheduled reconnect attempts",
		}, []string{"hall"}),
		elections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: metricNamePrefix + "elections_started_total",
			Help: "elections started, by trigger",
		}, []string{"hall", "reason"}),
		staleFrames: factory.NewCounterVec(prometheus.CounterOpts{
			Name: metricNamePrefix + "stale_frames_total",
			Help: "frames dropped for carrying an old epoch",
		}, []string{"hall"}),
		rtt: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    metricNamePrefix + "rtt_seconds",
			Help:    "ping round trip to the host",
			Buckets: []float64{.01, .025, .05, .08, .1, .2, .5, 1},
		}, []string{"hall"}),
	}
}

func (m *Metrics) setPhase(hall uuid.UUID, p model.Phase) {
	if m != nil {
		m.phase.WithLabelValues(hall.String()).Set(float64(p))
	}
}

func (m *Metrics) reconnect(hall uuid.UUID) {
	if m != nil {
		m.reconnects.WithLabelValues(hall.String()).Inc()
	}
}

func (m *Metrics) election(hall uuid.UUID, reason string) {
	if m != nil {
		m.elections.WithLabelValues(hall.String(), reason).Inc()
	}
}

func (m *Metrics) stale(hall uuid.UUID) {
	if m != nil {
		m.staleFrames.WithLabelValues(hall.String()).Inc()
	}
}

func (m *Metrics) observeRTT(hall uuid.UUID, d time.Duration) {
	if m != nil {
		m.rtt.WithLabelValues(hall.String()).Observe(d.Seconds())
	}
}
