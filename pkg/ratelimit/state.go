// Package ratelimit tracks the upstream API rate limit and gates requests.
// It reads the X-RateLimit-Limit, X-RateLimit-Remaining and X-RateLimit-Reset
// response headers and shares the resulting state between relay instances
// through Redis.
package ratelimit

import (
	"time"
)

// RedisKeyState is the Redis hash holding the shared rate limit state.
const RedisKeyState = "relay:rate_limit"

// Thresholds for rate limit decisions, in remaining requests.
const (
	// ThresholdCritical blocks requests until the window resets.
	ThresholdCritical = 5

	// ThresholdWarning delays requests to spread the remaining budget.
	ThresholdWarning = 20

	// ThresholdHealthy indicates normal operation.
	ThresholdHealthy = 50
)

// RateLimitState represents the current upstream rate limit window.
type RateLimitState struct {
	// Limit is the window size from X-RateLimit-Limit (0 when not sent).
	Limit int `json:"limit"`

	// Remaining is the number of requests left, from X-RateLimit-Remaining.
	Remaining int `json:"remaining"`

	// ResetAt is when the window resets, from X-RateLimit-Reset.
	ResetAt time.Time `json:"reset_at"`

	// LastUpdate is when this state was recorded.
	LastUpdate time.Time `json:"last_update"`

	// IsHealthy is true when Remaining >= ThresholdHealthy.
	IsHealthy bool `json:"is_healthy"`
}

// IsStale returns true if the state is older than maxAge.
func (s *RateLimitState) IsStale(maxAge time.Duration) bool {
	return time.Since(s.LastUpdate) > maxAge
}

// windowOpen reports whether the recorded window has not reset yet.
func (s *RateLimitState) windowOpen() bool {
	return time.Now().Before(s.ResetAt)
}

// NeedsCriticalBlock returns true if requests must be blocked.
func (s *RateLimitState) NeedsCriticalBlock() bool {
	return s.windowOpen() && s.Remaining < ThresholdCritical
}

// NeedsThrottling returns true if requests should be delayed.
func (s *RateLimitState) NeedsThrottling() bool {
	return s.windowOpen() && s.Remaining < ThresholdWarning && !s.NeedsCriticalBlock()
}

// TimeUntilReset returns the duration until the window resets, 0 if passed.
func (s *RateLimitState) TimeUntilReset() time.Duration {
	duration := time.Until(s.ResetAt)
	if duration < 0 {
		return 0
	}
	return duration
}

// UpdateHealth updates IsHealthy from Remaining.
func (s *RateLimitState) UpdateHealth() {
	s.IsHealthy = s.Remaining >= ThresholdHealthy
}
