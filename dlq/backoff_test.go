package dlq

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestDelayWithoutJitterIsDeterministic(t *testing.T) {
	s := Schedule{Base: time.Second, Factor: 2, Cap: time.Minute}

	assert.Equal(t, time.Second, s.Delay(1))
	assert.Equal(t, 2*time.Second, s.Delay(2))
	assert.Equal(t, 4*time.Second, s.Delay(3))
	assert.Equal(t, 32*time.Second, s.Delay(6))
	// 64s exceeds the cap.
	assert.Equal(t, time.Minute, s.Delay(7))
	assert.Equal(t, time.Minute, s.Delay(20))
}

func TestDelayClampsAttemptFloor(t *testing.T) {
	s := Schedule{Base: time.Second, Factor: 2, Cap: time.Minute}
	assert.Equal(t, s.Delay(1), s.Delay(0))
	assert.Equal(t, s.Delay(1), s.Delay(-5))
}

func TestDelayJitterStaysWithinBounds(t *testing.T) {
	s := Schedule{Base: time.Second, Factor: 2, Cap: time.Minute, JitterRatio: 0.5}.
		WithRand(rand.New(rand.NewPCG(1, 2)))

	for attempt := 1; attempt <= 10; attempt++ {
		max := s.MaxDelay(attempt)
		min := time.Duration(float64(max) * 0.5)
		for i := 0; i < 50; i++ {
			d := s.Delay(attempt)
			assert.GreaterOrEqual(t, d, min, "attempt %d", attempt)
			assert.LessOrEqual(t, d, max, "attempt %d", attempt)
		}
	}
}

func TestScheduleProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := Schedule{
			Base:        time.Duration(rapid.Int64Range(int64(time.Millisecond), int64(10*time.Second)).Draw(t, "base")),
			Factor:      rapid.Float64Range(1, 4).Draw(t, "factor"),
			Cap:         time.Duration(rapid.Int64Range(int64(time.Second), int64(10*time.Minute)).Draw(t, "cap")),
			JitterRatio: rapid.Float64Range(0, 1).Draw(t, "jitter"),
		}.WithRand(rand.New(rand.NewPCG(
			rapid.Uint64().Draw(t, "seed1"),
			rapid.Uint64().Draw(t, "seed2"),
		)))

		prev := time.Duration(0)
		for attempt := 1; attempt <= 30; attempt++ {
			max := s.MaxDelay(attempt)
			if max < prev {
				t.Fatalf("MaxDelay not monotonic: attempt %d gave %v after %v", attempt, max, prev)
			}
			if max > s.Cap && s.Cap >= s.Base {
				t.Fatalf("MaxDelay %v exceeds cap %v", max, s.Cap)
			}
			d := s.Delay(attempt)
			lower := time.Duration(float64(max) * (1 - s.JitterRatio))
			if d < lower || d > max {
				t.Fatalf("Delay %v outside [%v, %v] at attempt %d", d, lower, max, attempt)
			}
			prev = max
		}
	})
}
