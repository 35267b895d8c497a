package presence

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/puyokura/hallmesh/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

func at(ms int) time.Time { return t0.Add(time.Duration(ms) * time.Millisecond) }

func TestTypingEmitterThrottle(t *testing.T) {
	e := NewTypingEmitter(0, 0)
	assert.True(t, e.Activity(at(0)))
	assert.False(t, e.Activity(at(100)))
	assert.False(t, e.Activity(at(599)))
	assert.True(t, e.Activity(at(600)))
	assert.False(t, e.Activity(at(1000)))
}

func TestTypingEmitterTrailingFalseOnce(t *testing.T) {
	e := NewTypingEmitter(0, 0)
	assert.False(t, e.Tick(at(5000)), "no burst, nothing to stop")

	e.Activity(at(0))
	e.Activity(at(400))
	assert.False(t, e.Tick(at(1800)))
	assert.True(t, e.Tick(at(1900)))
	assert.False(t, e.Tick(at(4000)))

	// A new burst after the trailing false sends typing=true immediately.
	assert.True(t, e.Activity(at(4100)))
}

func TestTypingEmitterReset(t *testing.T) {
	e := NewTypingEmitter(0, 0)
	e.Activity(at(0))
	e.Reset()
	assert.False(t, e.Tick(at(3000)))
	assert.True(t, e.Activity(at(3001)))
}

func TestTypingTrackerPruneAndExcludeLocal(t *testing.T) {
	local, a, b := uuid.New(), uuid.New(), uuid.New()
	tr := NewTypingTracker(0, 0, nil)

	assert.True(t, tr.Set(a, true, at(0)))
	assert.False(t, tr.Set(a, true, at(100)), "refresh is not a visible change")
	tr.Set(b, true, at(1000))
	tr.Set(local, true, at(1000))

	active := tr.Active(local)
	assert.ElementsMatch(t, []uuid.UUID{a, b}, active)

	assert.False(t, tr.Prune(at(2000)))
	assert.True(t, tr.Prune(at(2101)))
	assert.ElementsMatch(t, []uuid.UUID{b}, tr.Active(local))

	assert.True(t, tr.Set(b, false, at(2200)))
	assert.False(t, tr.Set(b, false, at(2300)))
	assert.Empty(t, tr.Active(local))
}

func TestTypingTrackerClear(t *testing.T) {
	tr := NewTypingTracker(0, 0, nil)
	assert.False(t, tr.Clear())
	tr.Set(uuid.New(), true, at(0))
	assert.True(t, tr.Clear())
	assert.Zero(t, tr.Len())
}

func TestTypingTrackerOverCapacityClearsAll(t *testing.T) {
	tr := NewTypingTracker(0, 3, nil)
	for range 3 {
		tr.Set(uuid.New(), true, at(0))
	}
	require.Equal(t, 3, tr.Len())

	newcomer := uuid.New()
	tr.Set(newcomer, true, at(10))
	assert.Equal(t, 1, tr.Len())
	assert.Equal(t, []uuid.UUID{newcomer}, tr.Active(uuid.Nil))
}

func TestQualityLabels(t *testing.T) {
	tests := []struct {
		name    string
		samples []time.Duration
		want    model.Quality
	}{
		{"none", nil, model.QualityUnknown},
		{"fast", []time.Duration{20 * time.Millisecond, 40 * time.Millisecond}, model.QualityGood},
		{"just under good", []time.Duration{79 * time.Millisecond}, model.QualityGood},
		{"at good threshold", []time.Duration{80 * time.Millisecond}, model.QualityOK},
		{"middling", []time.Duration{100 * time.Millisecond, 150 * time.Millisecond}, model.QualityOK},
		{"slow", []time.Duration{300 * time.Millisecond, 200 * time.Millisecond}, model.QualityPoor},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := NewQualitySampler(0, 0, 0)
			for _, s := range tt.samples {
				q.Add(s)
			}
			assert.Equal(t, tt.want, q.Label())
		})
	}
}

func TestQualityKeepsLastFiveSamples(t *testing.T) {
	q := NewQualitySampler(0, 0, 0)
	for range 5 {
		q.Add(500 * time.Millisecond)
	}
	assert.Equal(t, model.QualityPoor, q.Label())
	for range 5 {
		q.Add(10 * time.Millisecond)
	}
	assert.Equal(t, 5, q.Len())
	assert.Equal(t, 10*time.Millisecond, q.Average())
	assert.Equal(t, model.QualityGood, q.Label())

	q.Reset()
	assert.Equal(t, model.QualityUnknown, q.Label())
	assert.Zero(t, q.Average())
}
