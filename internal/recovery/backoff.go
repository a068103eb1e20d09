package recovery

import (
	"math"
	"math/rand"
	"time"
)

// BackoffPolicy computes retry delays: exponential growth with full jitter.
// The delay before attempt N (1-based) is drawn uniformly from
// [0, min(Initial * Multiplier^(N-1), Max)], so concurrent retries against
// the same upstream spread out instead of stampeding.
type BackoffPolicy struct {
	// Initial is the base delay for the first retry.
	Initial time.Duration

	// Multiplier grows the ceiling between attempts. Values below 1 are
	// treated as 1.
	Multiplier float64

	// Max caps the delay ceiling.
	Max time.Duration

	// rng overrides the random source, for tests. Nil uses the global source.
	rng *rand.Rand
}

// Delay returns the jittered delay before the given retry attempt
// (1-based). Attempt values below 1 are treated as 1.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	ceiling := p.Ceiling(attempt)
	if ceiling <= 0 {
		return 0
	}
	if p.rng != nil {
		return time.Duration(p.rng.Int63n(int64(ceiling) + 1))
	}
	return time.Duration(rand.Int63n(int64(ceiling) + 1)) //#nosec G404 -- jitter does not need crypto randomness
}

// Ceiling returns the un-jittered maximum delay for the given attempt.
func (p BackoffPolicy) Ceiling(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}

	ceiling := float64(p.Initial) * math.Pow(multiplier, float64(attempt-1))
	if p.Max > 0 && ceiling > float64(p.Max) {
		return p.Max
	}
	if ceiling > float64(math.MaxInt64) {
		return p.Max
	}
	return time.Duration(ceiling)
}
