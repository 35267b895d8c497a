package session

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// reconnectDelays is the fixed retry ladder; the last step repeats forever.
var reconnectDelays = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
}

// Schedule is the reconnect backoff: 1s, 2s, 5s, 10s, then 30s for every
// further attempt. It never gives up and is reset only by a successful
// connection.
type Schedule struct {
	delays  []time.Duration
	attempt int
}

var _ backoff.BackOff = (*Schedule)(nil)

func NewSchedule() *Schedule {
	return &Schedule{delays: reconnectDelays}
}

// NewScheduleWith uses custom delays, mostly so tests run fast.
func NewScheduleWith(delays ...time.Duration) *Schedule {
	if len(delays) == 0 {
		return NewSchedule()
	}
	return &Schedule{delays: delays}
}

func (s *Schedule) NextBackOff() time.Duration {
	d := s.delays[min(s.attempt, len(s.delays)-1)]
	s.attempt++
	return d
}

func (s *Schedule) Reset() {
	s.attempt = 0
}

// Attempt is the number of delays handed out since the last reset.
func (s *Schedule) Attempt() int {
	return s.attempt
}
