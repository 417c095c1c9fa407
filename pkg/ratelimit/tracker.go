package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for operating-time tracking.
var (
	b24OperatingSeconds = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "b24_method_operating_seconds",
		Help: "Server operating time consumed by a method in the current window",
	}, []string{"method"})

	b24MethodBlocksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "b24_method_blocks_total",
		Help: "Total number of calls blocked locally because a method exhausted its operating budget",
	}, []string{"method"})

	b24MethodThrottlesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "b24_method_throttles_total",
		Help: "Total number of calls delayed because a method is close to its operating budget",
	}, []string{"method"})
)

// ErrMethodBlocked is returned while a method's operating budget is exhausted.
var ErrMethodBlocked = errors.New("method blocked: operating time limit reached")

// DefaultThrottleDelay is the pause applied to calls of a method in the
// warning zone.
const DefaultThrottleDelay = time.Second

// Tracker keeps per-method operating-time state for one client and gates
// calls accordingly. State is process-local.
type Tracker struct {
	mu            sync.RWMutex
	states        map[string]MethodState
	throttleDelay time.Duration
	logger        zerolog.Logger
}

// NewTracker creates a new operating-time tracker.
func NewTracker(logger zerolog.Logger) *Tracker {
	return &Tracker{
		states:        make(map[string]MethodState),
		throttleDelay: DefaultThrottleDelay,
		logger:        logger,
	}
}

// SetThrottleDelay changes the warning-zone pause (for testing).
func (t *Tracker) SetThrottleDelay(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.throttleDelay = d
}

// GetState returns the state for method. A method never seen is healthy.
func (t *Tracker) GetState(method string) MethodState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	state, ok := t.states[method]
	if !ok {
		return MethodState{Method: method}
	}
	return state
}

// Update records the timing block of a successful response.
func (t *Tracker) Update(method string, timing *Timing) {
	if timing == nil {
		return
	}

	state := StateFromTiming(method, *timing, time.Now())

	t.mu.Lock()
	t.states[method] = state
	t.mu.Unlock()

	b24OperatingSeconds.WithLabelValues(method).Set(state.Operating)

	switch {
	case state.NeedsCriticalBlock():
		t.logger.Error().
			Str("method", method).
			Float64("operating", state.Operating).
			Time("reset_at", state.ResetAt).
			Msg("Operating time CRITICAL - method will be blocked until reset")
	case state.NeedsThrottling():
		t.logger.Warn().
			Str("method", method).
			Float64("operating", state.Operating).
			Float64("remaining", state.Remaining()).
			Msg("Operating time WARNING - method will be throttled")
	default:
		t.logger.Debug().
			Str("method", method).
			Float64("operating", state.Operating).
			Msg("Operating time updated")
	}
}

// Acquire checks whether method may be called now. It returns an error
// wrapping ErrMethodBlocked in the critical zone and sleeps for the
// throttle delay (or until ctx ends) in the warning zone.
func (t *Tracker) Acquire(ctx context.Context, method string) error {
	state := t.GetState(method)

	if state.NeedsCriticalBlock() {
		wait := state.TimeUntilReset()
		t.logger.Error().
			Str("method", method).
			Float64("operating", state.Operating).
			Dur("wait_duration", wait).
			Msg("Operating time critical - blocking request")
		b24MethodBlocksTotal.WithLabelValues(method).Inc()
		return fmt.Errorf("%w: %s (retry in %v)", ErrMethodBlocked, method, wait.Round(time.Second))
	}

	if state.NeedsThrottling() {
		t.mu.RLock()
		delay := t.throttleDelay
		t.mu.RUnlock()

		t.logger.Warn().
			Str("method", method).
			Float64("operating", state.Operating).
			Dur("delay", delay).
			Msg("Operating time warning - throttling request")
		b24MethodThrottlesTotal.WithLabelValues(method).Inc()

		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}

	return nil
}
