// Package interval produces unpredictable wait durations between deliveries.
//
// The design goal is that an observer who has seen every past interval still
// cannot predict the next one, so values come from crypto/rand rather than a
// seeded PRNG.
package interval

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"
)

// jitterMax is extra sub-range noise added on top of the uniform draw so
// intervals don't cluster on round boundaries (exact hours and the like).
const jitterMax = time.Hour

// Generator draws random durations in [min, max].
type Generator struct {
	min time.Duration
	max time.Duration
}

// New validates the bounds once; a violation is a configuration error and
// the process must not start with it. min == max is allowed and yields the
// fixed value.
func New(min, max time.Duration) (*Generator, error) {
	if min <= 0 {
		return nil, fmt.Errorf("interval: min must be > 0, got %s", min)
	}
	if min > max {
		return nil, fmt.Errorf("interval: min %s exceeds max %s", min, max)
	}
	return &Generator{min: min, max: max}, nil
}

// Bounds returns the configured range.
func (g *Generator) Bounds() (min, max time.Duration) { return g.min, g.max }

// Next returns a duration in [min, max].
func (g *Generator) Next() time.Duration {
	span := g.max - g.min
	if span == 0 {
		return g.min
	}

	d := g.min + randBelow(span+1)

	// Sub-range jitter, clamped back into bounds.
	j := jitterMax
	if j > span {
		j = span
	}
	d += randBelow(int64(j) + 1)
	if d > g.max {
		d = g.max
	}
	return d
}

// randBelow returns a uniform value in [0, n) from the system CSPRNG.
// crypto/rand only fails when the platform randomness source is broken, in
// which case continuing to schedule would be meaningless anyway.
func randBelow[T ~int64](n T) time.Duration {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		panic(fmt.Sprintf("interval: crypto/rand failed: %v", err))
	}
	return time.Duration(v.Int64())
}
