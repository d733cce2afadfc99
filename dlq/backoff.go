package dlq

import (
	"math"
	"math/rand/v2"
	"time"
)

// Schedule computes deterministic, testable retry delays:
// attempt N waits base * factor^(N-1), capped, then jittered by a bounded
// random factor so simultaneous reclaims do not stampede the queue.
type Schedule struct {
	// Base is the delay before the first retry.
	Base time.Duration `yaml:"base" json:"base"`
	// Factor is the exponential growth factor per attempt.
	Factor float64 `yaml:"factor" json:"factor"`
	// Cap bounds the un-jittered delay.
	Cap time.Duration `yaml:"cap" json:"cap"`
	// JitterRatio is the fraction of the delay subject to jitter; the final
	// delay is uniform in [delay*(1-JitterRatio), delay]. Zero disables
	// jitter.
	JitterRatio float64 `yaml:"jitter_ratio" json:"jitter_ratio"`

	// rnd makes jitter reproducible in tests. Nil uses the global source.
	rnd *rand.Rand
}

// DefaultSchedule returns the default retry schedule: 1s base, doubling,
// capped at 5m, with half-width jitter.
func DefaultSchedule() Schedule {
	return Schedule{
		Base:        time.Second,
		Factor:      2,
		Cap:         5 * time.Minute,
		JitterRatio: 0.5,
	}
}

// WithRand returns a copy of the schedule using a fixed random source.
func (s Schedule) WithRand(rnd *rand.Rand) Schedule {
	s.rnd = rnd
	return s
}

// Delay returns the jittered delay before retry attempt n (1-indexed).
func (s Schedule) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(s.Base) * math.Pow(s.Factor, float64(attempt-1))
	if s.Cap > 0 && base > float64(s.Cap) {
		base = float64(s.Cap)
	}
	if s.JitterRatio <= 0 {
		return time.Duration(base)
	}
	ratio := s.JitterRatio
	if ratio > 1 {
		ratio = 1
	}
	var u float64
	if s.rnd != nil {
		u = s.rnd.Float64()
	} else {
		u = rand.Float64()
	}
	// Uniform in [base*(1-ratio), base].
	return time.Duration(base * (1 - ratio*u))
}

// MaxDelay returns the un-jittered delay for attempt n, the upper bound of
// Delay.
func (s Schedule) MaxDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(s.Base) * math.Pow(s.Factor, float64(attempt-1))
	if s.Cap > 0 && base > float64(s.Cap) {
		base = float64(s.Cap)
	}
	return time.Duration(base)
}
