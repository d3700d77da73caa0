// Package ratelimit tracks the per-method operating-time budget the API
// reports in every response ("time.operating" seconds used in the current
// window, "time.operating_reset_at" when the window resets) and gates
// requests before the server starts rejecting them with OPERATION_TIME_LIMIT.
package ratelimit

import (
	"time"
)

// RedisKeyPrefix prefixes the per-method state hash.
const RedisKeyPrefix = "b24:operating:"

// Redis hash fields of the state.
const (
	fieldOperating  = "operating"
	fieldResetAt    = "reset_at"
	fieldLastUpdate = "last_update"
)

// Budget thresholds in seconds of operating time per window.
const (
	// OperatingLimit is the server-side budget per method and window.
	OperatingLimit = 480.0

	// OperatingThresholdCritical blocks requests for a method until its window resets.
	OperatingThresholdCritical = 460.0

	// OperatingThresholdWarning applies throttling to slow down budget consumption.
	OperatingThresholdWarning = 300.0

	// DefaultWindow is used as state TTL when the server gives no reset time.
	DefaultWindow = 10 * time.Minute
)

// OperatingState is the last known budget usage of one method.
type OperatingState struct {
	// Method is the remote method name.
	Method string `json:"method"`

	// Operating is the execution time in seconds consumed in the current window.
	Operating float64 `json:"operating"`

	// ResetAt is when the window resets.
	ResetAt time.Time `json:"reset_at"`

	// LastUpdate is when this state was recorded.
	LastUpdate time.Time `json:"last_update"`

	// IsHealthy is true when Operating is below the warning threshold.
	IsHealthy bool `json:"is_healthy"`
}

// IsStale returns true if the state data is older than the given duration.
func (s *OperatingState) IsStale(maxAge time.Duration) bool {
	return time.Since(s.LastUpdate) > maxAge
}

// windowActive reports whether the recorded window has not reset yet.
func (s *OperatingState) windowActive() bool {
	return s.ResetAt.IsZero() || time.Now().Before(s.ResetAt)
}

// NeedsCriticalBlock returns true if requests should be blocked until reset.
func (s *OperatingState) NeedsCriticalBlock() bool {
	return s.windowActive() && s.Operating >= OperatingThresholdCritical
}

// NeedsThrottling returns true if requests should be slowed down.
func (s *OperatingState) NeedsThrottling() bool {
	return s.windowActive() && s.Operating >= OperatingThresholdWarning && !s.NeedsCriticalBlock()
}

// Remaining returns the operating seconds left in the window.
func (s *OperatingState) Remaining() float64 {
	if !s.windowActive() {
		return OperatingLimit
	}
	remaining := OperatingLimit - s.Operating
	if remaining < 0 {
		return 0
	}
	return remaining
}

// TimeUntilReset returns the duration until the window resets.
// Returns 0 if the reset time has already passed.
func (s *OperatingState) TimeUntilReset() time.Duration {
	duration := time.Until(s.ResetAt)
	if duration < 0 {
		return 0
	}
	return duration
}

// UpdateHealth updates the IsHealthy field based on current usage.
func (s *OperatingState) UpdateHealth() {
	s.IsHealthy = !s.windowActive() || s.Operating < OperatingThresholdWarning
}
