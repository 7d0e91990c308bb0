package supervisor

import (
	"math"
	"time"
)

// Backoff bounds how quickly a crash-looping backend is respawned.
// Spawn failures, stream failures and exits sooner than StableAfter count
// as consecutive failures. Once MaxConsecutiveFailures is reached, each
// further start waits Initial*Multiplier^(n-max), capped at Max, measured
// from the most recent failure. A zero MaxConsecutiveFailures disables it.
type Backoff struct {
	MaxConsecutiveFailures int
	Initial                time.Duration
	Max                    time.Duration
	Multiplier             float64
	StableAfter            time.Duration
}

// DefaultBackoff returns the policy used when nothing is configured
func DefaultBackoff() Backoff {
	return Backoff{
		MaxConsecutiveFailures: 3,
		Initial:                1 * time.Second,
		Max:                    30 * time.Second,
		Multiplier:             2.0,
		StableAfter:            10 * time.Second,
	}
}

// Delay returns the wait required before the next start after the given
// number of consecutive failures
func (b Backoff) Delay(failures int) time.Duration {
	if b.MaxConsecutiveFailures <= 0 || failures < b.MaxConsecutiveFailures {
		return 0
	}

	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}

	delay := float64(b.Initial) * math.Pow(mult, float64(failures-b.MaxConsecutiveFailures))
	if b.Max > 0 && delay > float64(b.Max) {
		return b.Max
	}
	if delay > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

func (s *Supervisor) recordFailure(err error) {
	s.failures++
	s.lastFailureAt = time.Now()
	s.lastErr = err.Error()
}

func (s *Supervisor) backoffRemaining() time.Duration {
	delay := s.opts.Backoff.Delay(s.failures)
	if delay <= 0 {
		return 0
	}
	return delay - time.Since(s.lastFailureAt)
}
