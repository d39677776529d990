// Package ratelimit implements API request budget tracking and request gating.
// It monitors the X-RateLimit-Remaining, X-RateLimit-Limit and
// X-RateLimit-Reset headers so a client stops before the budget runs out.
package ratelimit

import (
	"time"
)

// Redis keys for rate limit state storage.
const (
	RedisKeyRemaining      = "trailer:rate_limit:remaining"
	RedisKeyLimit          = "trailer:rate_limit:limit"
	RedisKeyResetTimestamp = "trailer:rate_limit:reset_timestamp"
	RedisKeyLastUpdate     = "trailer:rate_limit:last_update"
)

// Thresholds for rate limit decisions.
const (
	// ThresholdCritical blocks all requests when the remaining budget falls below this value.
	// Leaves headroom for requests already in flight.
	ThresholdCritical = 10

	// ThresholdWarning applies throttling when the remaining budget falls below this value.
	ThresholdWarning = 100

	// ThresholdHealthy indicates normal operation.
	// When the remaining budget is at or above this value, no restrictions apply.
	ThresholdHealthy = 500
)

// DefaultLimit is assumed until the API reports a real budget.
const DefaultLimit = 5000

// State represents the current API request budget.
// This state is shared across all client instances via Redis.
type State struct {
	// Remaining is the number of requests left in the current window.
	// Extracted from the X-RateLimit-Remaining header.
	Remaining int `json:"remaining"`

	// Limit is the size of the window budget (X-RateLimit-Limit).
	Limit int `json:"limit"`

	// ResetAt is when the window resets (X-RateLimit-Reset, unix seconds).
	ResetAt time.Time `json:"reset_at"`

	// LastUpdate is when this state was last updated.
	LastUpdate time.Time `json:"last_update"`

	// IsHealthy is true when Remaining >= ThresholdHealthy.
	IsHealthy bool `json:"is_healthy"`
}

// IsStale returns true if the state data is older than the given duration.
func (s *State) IsStale(maxAge time.Duration) bool {
	return time.Since(s.LastUpdate) > maxAge
}

// NeedsCriticalBlock returns true if requests should be blocked.
// A window that has already reset is never blocking.
func (s *State) NeedsCriticalBlock() bool {
	return s.Remaining < ThresholdCritical && s.TimeUntilReset() > 0
}

// NeedsThrottling returns true if requests should be throttled due to warning threshold.
func (s *State) NeedsThrottling() bool {
	return s.Remaining < ThresholdWarning && s.TimeUntilReset() > 0 && !s.NeedsCriticalBlock()
}

// TimeUntilReset returns the duration until the window resets.
// Returns 0 if the reset time has already passed.
func (s *State) TimeUntilReset() time.Duration {
	duration := time.Until(s.ResetAt)
	if duration < 0 {
		return 0
	}
	return duration
}

// UpdateHealth updates the IsHealthy field based on current Remaining.
func (s *State) UpdateHealth() {
	s.IsHealthy = s.Remaining >= ThresholdHealthy
}
