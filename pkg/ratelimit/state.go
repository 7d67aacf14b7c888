// Package ratelimit paces outbound requests to the character API and
// honours upstream 429 responses. A token bucket smooths the local request
// rate; a cooldown recorded from Retry-After blocks every instance sharing
// the same Redis until it elapses.
package ratelimit

import (
	"time"
)

// RedisKeyCooldown holds the JSON-encoded CooldownState while a cooldown is active.
const RedisKeyCooldown = "rmwiki:ratelimit:cooldown"

// Defaults for the outbound limiter.
const (
	// DefaultRequestsPerSecond is the sustained outbound request rate.
	DefaultRequestsPerSecond = 5

	// DefaultBurst is the token bucket size.
	DefaultBurst = 10

	// DefaultCooldown applies when a 429 carries no usable Retry-After.
	DefaultCooldown = 60 * time.Second

	// MaxCooldown caps whatever Retry-After the upstream sends.
	MaxCooldown = 15 * time.Minute
)

// CooldownState describes an upstream-imposed pause.
type CooldownState struct {
	// Until is when requests may resume.
	Until time.Time `json:"until"`

	// StatusCode is the response status that triggered the cooldown.
	StatusCode int `json:"status_code"`

	// SetAt is when the cooldown was recorded.
	SetAt time.Time `json:"set_at"`
}

// IsActive reports whether requests must still be held back.
func (s *CooldownState) IsActive() bool {
	if s == nil {
		return false
	}
	return time.Now().Before(s.Until)
}

// Remaining returns the time left in the cooldown, 0 when inactive.
func (s *CooldownState) Remaining() time.Duration {
	if s == nil {
		return 0
	}
	d := time.Until(s.Until)
	if d < 0 {
		return 0
	}
	return d
}
