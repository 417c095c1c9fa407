// Package ratelimit implements Bitrix24 request pacing and per-method
// operating-time tracking. Bitrix24 reports, in the "time" block of every
// response, how many seconds of server time a method has consumed in the
// current window ("operating") and when that window resets; a method that
// exceeds its budget is locked by the portal until the reset.
package ratelimit

import (
	"time"
)

// Thresholds for operating-time decisions, in seconds per method and window.
const (
	// OperatingLimit is the per-method budget enforced by the portal.
	OperatingLimit = 480.0

	// OperatingThresholdCritical blocks further calls of a method locally
	// until its window resets.
	OperatingThresholdCritical = 460.0

	// OperatingThresholdWarning slows calls of a method down.
	OperatingThresholdWarning = 360.0
)

// Timing is the "time" block attached to every Bitrix24 response.
type Timing struct {
	Start            float64 `json:"start"`
	Finish           float64 `json:"finish"`
	Duration         float64 `json:"duration"`
	Processing       float64 `json:"processing"`
	DateStart        string  `json:"date_start"`
	DateFinish       string  `json:"date_finish"`
	OperatingResetAt int64   `json:"operating_reset_at"`
	Operating        float64 `json:"operating"`
}

// MethodState is the last known operating-time state of one method.
type MethodState struct {
	// Method is the REST method name, e.g. "crm.lead.list".
	Method string `json:"method"`

	// Operating is the server time consumed in the current window, in seconds.
	Operating float64 `json:"operating"`

	// ResetAt is when the operating window resets.
	ResetAt time.Time `json:"reset_at"`

	// LastUpdate is when this state was last refreshed from a response.
	LastUpdate time.Time `json:"last_update"`
}

// StateFromTiming builds the state carried by a response's timing block.
func StateFromTiming(method string, t Timing, now time.Time) MethodState {
	state := MethodState{
		Method:     method,
		Operating:  t.Operating,
		LastUpdate: now,
	}
	if t.OperatingResetAt > 0 {
		state.ResetAt = time.Unix(t.OperatingResetAt, 0)
	}
	return state
}

// IsStale returns true if the state is older than maxAge.
func (s *MethodState) IsStale(maxAge time.Duration) bool {
	return time.Since(s.LastUpdate) > maxAge
}

// NeedsCriticalBlock returns true while the method must not be called.
// A window whose reset time has passed never blocks.
func (s *MethodState) NeedsCriticalBlock() bool {
	return s.Operating >= OperatingThresholdCritical && s.TimeUntilReset() > 0
}

// NeedsThrottling returns true if calls should be slowed down.
func (s *MethodState) NeedsThrottling() bool {
	return s.Operating >= OperatingThresholdWarning && !s.NeedsCriticalBlock() && s.TimeUntilReset() > 0
}

// TimeUntilReset returns the duration until the window resets, or 0.
func (s *MethodState) TimeUntilReset() time.Duration {
	if s.ResetAt.IsZero() {
		return 0
	}
	duration := time.Until(s.ResetAt)
	if duration < 0 {
		return 0
	}
	return duration
}

// Remaining returns the operating seconds left in the window.
func (s *MethodState) Remaining() float64 {
	if s.TimeUntilReset() == 0 {
		return OperatingLimit
	}
	return max(OperatingLimit-s.Operating, 0)
}
