package presence

import (
	"time"

	"github.com/puyokura/hallmesh/model"
)

const (
	DefaultSampleSize    = 5
	DefaultGoodThreshold = 80 * time.Millisecond
	DefaultPoorThreshold = 200 * time.Millisecond
	DefaultPingInterval  = 3 * time.Second
)

// QualitySampler keeps the most recent RTT samples and labels their average.
type QualitySampler struct {
	good, poor time.Duration
	samples    []time.Duration
	next       int
	filled     int
}

func NewQualitySampler(size int, good, poor time.Duration) *QualitySampler {
	if size <= 0 {
		size = DefaultSampleSize
	}
	if good <= 0 {
		good = DefaultGoodThreshold
	}
	if poor <= good {
		poor = max(DefaultPoorThreshold, good)
	}
	return &QualitySampler{good: good, poor: poor, samples: make([]time.Duration, size)}
}

// Add records one RTT and returns the new label.
func (q *QualitySampler) Add(rtt time.Duration) model.Quality {
	if rtt < 0 {
		rtt = 0
	}
	q.samples[q.next] = rtt
	q.next = (q.next + 1) % len(q.samples)
	if q.filled < len(q.samples) {
		q.filled++
	}
	return q.Label()
}

// Average is the mean of the retained samples, zero when there are none.
func (q *QualitySampler) Average() time.Duration {
	if q.filled == 0 {
		return 0
	}
	var sum time.Duration
	for i := range q.filled {
		sum += q.samples[i]
	}
	return sum / time.Duration(q.filled)
}

func (q *QualitySampler) Label() model.Quality {
	if q.filled == 0 {
		return model.QualityUnknown
	}
	avg := q.Average()
	switch {
	case avg < q.good:
		return model.QualityGood
	case avg >= q.poor:
		return model.QualityPoor
	}
	return model.QualityOK
}

// Reset drops all samples; the label goes back to Unknown.
func (q *QualitySampler) Reset() {
	clear(q.samples)
	q.next = 0
	q.filled = 0
}

func (q *QualitySampler) Len() int { return q.filled }
