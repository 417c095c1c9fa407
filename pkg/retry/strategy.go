// Package retry provides the delay policies applied between retransmission
// attempts of a Bitrix24 REST call.
package retry

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"time"
)

var (
	// ErrInvalidArgument is returned for a negative attempt index or a
	// non-positive base/max delay.
	ErrInvalidArgument = errors.New("invalid retry argument")

	// ErrUnknownStrategy is returned by Parse for an unrecognised tag.
	ErrUnknownStrategy = errors.New("unknown retry strategy")
)

// Tag names a built-in strategy.
type Tag string

const (
	TagFixed             Tag = "fixed"
	TagLinear            Tag = "linear"
	TagLogarithmic       Tag = "logarithmic"
	TagExponential       Tag = "exponential"
	TagExponentialJitter Tag = "exponential_jitter"
)

// Tags lists the built-in strategies in documentation order.
var Tags = []Tag{TagFixed, TagLinear, TagLogarithmic, TagExponential, TagExponentialJitter}

// Strategy computes the delay before the next attempt.
// Attempt is 0-indexed at the first retry. Implementations must never
// return more than max.
type Strategy interface {
	NextDelay(attempt int, base, max time.Duration) (time.Duration, error)
}

// Func adapts a plain function to the Strategy interface. The result is
// still clamped to max.
type Func func(attempt int, base, max time.Duration) time.Duration

// NextDelay implements Strategy.
func (f Func) NextDelay(attempt int, base, max time.Duration) (time.Duration, error) {
	if err := validate(attempt, base, max); err != nil {
		return 0, err
	}
	d := f(attempt, base, max)
	if d < 0 {
		d = 0
	}
	return clamp(float64(d), max), nil
}

// Fixed waits base every time.
type Fixed struct{}

// NextDelay implements Strategy.
func (Fixed) NextDelay(attempt int, base, max time.Duration) (time.Duration, error) {
	if err := validate(attempt, base, max); err != nil {
		return 0, err
	}
	return clamp(float64(base), max), nil
}

// Linear waits base × (attempt + 1).
type Linear struct{}

// NextDelay implements Strategy.
func (Linear) NextDelay(attempt int, base, max time.Duration) (time.Duration, error) {
	if err := validate(attempt, base, max); err != nil {
		return 0, err
	}
	return clamp(float64(base)*float64(attempt+1), max), nil
}

// Logarithmic waits base × ln(attempt + 2).
type Logarithmic struct{}

// NextDelay implements Strategy.
func (Logarithmic) NextDelay(attempt int, base, max time.Duration) (time.Duration, error) {
	if err := validate(attempt, base, max); err != nil {
		return 0, err
	}
	return clamp(float64(base)*math.Log(float64(attempt)+2), max), nil
}

// Exponential waits base × 2^attempt.
type Exponential struct{}

// NextDelay implements Strategy.
func (Exponential) NextDelay(attempt int, base, max time.Duration) (time.Duration, error) {
	if err := validate(attempt, base, max); err != nil {
		return 0, err
	}
	return clamp(exponential(attempt, base), max), nil
}

// ExponentialJitter waits a uniformly random duration in
// [0, base × 2^attempt], clamped to max ("full jitter").
type ExponentialJitter struct {
	// Float64 returns a value in [0, 1). Nil uses math/rand/v2.
	Float64 func() float64
}

// NextDelay implements Strategy.
func (s ExponentialJitter) NextDelay(attempt int, base, max time.Duration) (time.Duration, error) {
	if err := validate(attempt, base, max); err != nil {
		return 0, err
	}
	random := s.Float64
	if random == nil {
		random = rand.Float64
	}
	return clamp(random()*exponential(attempt, base), max), nil
}

// Parse returns the built-in strategy for tag. Matching is case-insensitive
// and accepts "-" in place of "_".
func Parse(tag string) (Strategy, error) {
	normalized := Tag(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(tag)), "-", "_"))
	switch normalized {
	case TagFixed:
		return Fixed{}, nil
	case TagLinear:
		return Linear{}, nil
	case TagLogarithmic:
		return Logarithmic{}, nil
	case TagExponential:
		return Exponential{}, nil
	case TagExponentialJitter:
		return ExponentialJitter{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, tag)
	}
}

// Default is the strategy used when none is configured.
func Default() Strategy {
	return Exponential{}
}

func validate(attempt int, base, max time.Duration) error {
	if attempt < 0 {
		return fmt.Errorf("%w: attempt must be >= 0 (got %d)", ErrInvalidArgument, attempt)
	}
	if base <= 0 {
		return fmt.Errorf("%w: base delay must be > 0 (got %v)", ErrInvalidArgument, base)
	}
	if max <= 0 {
		return fmt.Errorf("%w: max delay must be > 0 (got %v)", ErrInvalidArgument, max)
	}
	return nil
}

// exponential returns base × 2^attempt in nanoseconds as float64 so large
// attempts saturate to +Inf instead of wrapping.
func exponential(attempt int, base time.Duration) float64 {
	return float64(base) * math.Pow(2, float64(attempt))
}

func clamp(nanos float64, max time.Duration) time.Duration {
	if math.IsNaN(nanos) || nanos >= float64(max) {
		return max
	}
	return time.Duration(nanos)
}
