package outbox

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetrySchedule computes the delay before the next attempt: jittered
// exponential growth from Base, capped at Cap. A sink-provided Retry-After
// overrides the computed delay when it is longer.
type RetrySchedule struct {
	Base time.Duration
	Cap  time.Duration
}

func DefaultSchedule() RetrySchedule {
	return RetrySchedule{Base: 2 * time.Second, Cap: 10 * time.Minute}
}

// Delay returns the wait after the given number of completed attempts
// (attempts >= 1 once a delivery has failed).
func (s RetrySchedule) Delay(attempts int) time.Duration {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.Base
	bo.MaxInterval = s.Cap
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.2

	d := bo.NextBackOff()
	for i := 1; i < attempts; i++ {
		d = bo.NextBackOff()
	}
	if d < 0 || d > s.Cap+s.Cap/5 {
		return s.Cap
	}
	return d
}

// Next picks the later of the schedule delay and the sink's Retry-After hint.
func (s RetrySchedule) Next(now time.Time, attempts int, retryAfter time.Duration) time.Time {
	d := s.Delay(attempts)
	if retryAfter > d {
		d = retryAfter
	}
	return now.Add(d)
}
