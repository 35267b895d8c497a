package hall

import (
	"context"
	"errors"
	"maps"
	"sync"
	"testing"
	"time"

	"github.com/puyokura/hallmesh/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type counters struct {
	seq  uint64
	seen map[string]uint64
}

func cloneCounters(c counters) counters {
	return counters{seq: c.seq, seen: maps.Clone(c.seen)}
}

func TestGuardCommitsOnSuccess(t *testing.T) {
	g := NewGuard(counters{seen: map[string]uint64{}}, cloneCounters, nil)
	require.NoError(t, g.Do(func(c *counters) error {
		c.seq++
		c.seen["a"] = c.seq
		return nil
	}))
	snap := g.Snapshot()
	assert.Equal(t, uint64(1), snap.seq)
	assert.Equal(t, uint64(1), snap.seen["a"])
}

func TestGuardDiscardsOnError(t *testing.T) {
	g := NewGuard(counters{seen: map[string]uint64{}}, cloneCounters, nil)
	boom := errors.New("rejected")
	err := g.Do(func(c *counters) error {
		c.seq = 99
		c.seen["x"] = 99
		return boom
	})
	assert.ErrorIs(t, err, boom)
	snap := g.Snapshot()
	assert.Zero(t, snap.seq)
	assert.Empty(t, snap.seen)
}

func TestGuardRecoversFromPanic(t *testing.T) {
	g := NewGuard(counters{seq: 5, seen: map[string]uint64{"a": 5}}, cloneCounters, nil)

	err := g.Do(func(c *counters) error {
		c.seq = 6
		c.seen["b"] = 6
		panic("mutation blew up")
	})
	assert.ErrorIs(t, err, model.ErrStatePoisoned)
	assert.Equal(t, int64(1), g.Poisoned())

	snap := g.Snapshot()
	assert.Equal(t, uint64(5), snap.seq)
	assert.NotContains(t, snap.seen, "b")

	// Still usable afterwards
	require.NoError(t, g.Do(func(c *counters) error { c.seq++; return nil }))
	assert.Equal(t, uint64(6), g.Snapshot().seq)
}

func TestLoopProcessesInOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	l := NewLoop(8, nil)

	var mu sync.Mutex
	var got []int
	finished := make(chan struct{})
	go l.Run(ctx, func(_ context.Context, ev any) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev.(int))
		if len(got) == 100 {
			close(finished)
		}
	})
	for i := range 100 {
		require.True(t, l.Post(i))
	}
	<-finished
	cancel()
	<-l.Done()

	for i, v := range got {
		assert.Equal(t, i, v)
	}
	assert.False(t, l.Post(1))
}

func TestLoopSurvivesHandlerPanic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l := NewLoop(4, nil)
	seen := make(chan string, 2)
	go l.Run(ctx, func(_ context.Context, ev any) {
		if ev == "bad" {
			panic("bad event")
		}
		seen <- ev.(string)
	})
	l.Post("bad")
	l.Post("good")
	select {
	case v := <-seen:
		assert.Equal(t, "good", v)
	case <-time.After(time.Second):
		t.Fatal("loop stopped after panic")
	}
	cancel()
	<-l.Done()
}

type tick struct{}

func TestLoopEveryAndAfter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	l := NewLoop(16, nil)
	ticks := make(chan any, 64)
	go l.Run(ctx, func(_ context.Context, ev any) { ticks <- ev })

	l.Every(ctx, 10*time.Millisecond, func(time.Time) any { return tick{} })
	timer := l.After(20*time.Millisecond, "once")

	deadline := time.After(2 * time.Second)
	var sawTick, sawOnce bool
	for !sawTick || !sawOnce {
		select {
		case ev := <-ticks:
			switch ev.(type) {
			case tick:
				sawTick = true
			case string:
				sawOnce = true
			}
		case <-deadline:
			t.Fatal("timers did not fire")
		}
	}
	timer.Stop()
	cancel()
	<-l.Done()
	l.Wait()
}
