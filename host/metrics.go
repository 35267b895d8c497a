package host

import (
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/puyokura/hallmesh/model"
)

const metricNamePrefix = "hall_host_"

// Metrics are shared by every server a process runs, so they are created
// once per registry. A nil *Metrics records nothing.
type Metrics struct {
	framesIn     *prometheus.CounterVec
	framesOut    *prometheus.CounterVec
	authRejected *prometheus.CounterVec
	staleFrames  *prometheus.CounterVec
	violations   *prometheus.CounterVec
	slowDropped  *prometheus.CounterVec
	peers        *prometheus.GaugeVec
	sequence     *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	factory := promauto.With(reg)
	return &Metrics{
		framesIn: factory.NewCounterVec(prometheus.CounterOpts{
			Name: metricNamePrefix + "frames_in_total",
			Help: "frames received from members, by kind",
		}, []string{"hall", "kind"}),
		framesOut: factory.NewCounterVec(prometheus.CounterOpts{
			Name: metricNamePrefix + "frames_out_total",
			Help: "frames queued to members, by kind",
		}, []string{"hall", "kind"}),
		authRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: metricNamePrefix + "auth_rejected_total",
			Help: "joins refused",
		}, []string{"hall"}),
		staleFrames: factory.NewCounterVec(prometheus.CounterOpts{
			Name: metricNamePrefix + "stale_frames_total",
			Help: "frames dropped for carrying an old epoch",
		}, []string{"hall"}),
		violations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: metricNamePrefix + "protocol_violations_total",
			Help: "connections dropped for malformed or unexpected frames",
		}, []string{"hall"}),
		slowDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: metricNamePrefix + "slow_peers_dropped_total",
			Help: "members disconnected because their send buffer was full",
		}, []string{"hall"}),
		peers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: metricNamePrefix + "peers",
			Help: "joined members",
		}, []string{"hall"}),
		sequence: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: metricNamePrefix + "sequence",
			Help: "last assigned sequence",
		}, []string{"hall"}),
	}
}

func (m *Metrics) frameIn(hall uuid.UUID, kind model.FrameKind) {
	if m != nil {
		m.framesIn.WithLabelValues(hall.String(), string(kind)).Inc()
	}
}

func (m *Metrics) frameOut(hall uuid.UUID, kind model.FrameKind) {
	if m != nil {
		m.framesOut.WithLabelValues(hall.String(), string(kind)).Inc()
	}
}

func (m *Metrics) rejected(hall uuid.UUID) {
	if m != nil {
		m.authRejected.WithLabelValues(hall.String()).Inc()
	}
}

func (m *Metrics) stale(hall uuid.UUID) {
	if m != nil {
		m.staleFrames.WithLabelValues(hall.String()).Inc()
	}
}

func (m *Metrics) violation(hall uuid.UUID) {
	if m != nil {
		m.violations.WithLabelValues(hall.String()).Inc()
	}
}

func (m *Metrics) slow(hall uuid.UUID) {
	if m != nil {
		m.slowDropped.WithLabelValues(hall.String()).Inc()
	}
}

func (m *Metrics) setPeers(hall uuid.UUID, n int) {
	if m != nil {
		m.peers.WithLabelValues(hall.String()).Set(float64(n))
	}
}

func (m *Metrics) setSequence(hall uuid.UUID, seq uint64) {
	if m != nil {
		m.sequence.WithLabelValues(hall.String()).Set(float64(seq))
	}
}
