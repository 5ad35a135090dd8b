package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks Config for production-critical problems.
// It collects all errors into a single joined error.
func (c *Config) Validate() error {
	var errs []string

	if len(c.Auth.TokenSecret) < 32 {
		errs = append(errs, "AUTH_TOKEN_SECRET must be at least 32 characters")
	}

	if c.DB.Password == "" {
		errs = append(errs, "DB_PASSWORD is required")
	}

	// Port ranges
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("SERVER_PORT must be 1–65535, got %d", c.Server.Port))
	}
	if c.DB.Port < 1 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Sprintf("DB_PORT must be 1–65535, got %d", c.DB.Port))
	}
	if c.Redis.Port < 1 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Sprintf("REDIS_PORT must be 1–65535, got %d", c.Redis.Port))
	}

	// Budget tables
	if c.Limits.ExtraUsageMultiplier < 1 {
		errs = append(errs, fmt.Sprintf("LIMITS_EXTRA_MULTIPLIER must be >= 1, got %v", c.Limits.ExtraUsageMultiplier))
	}
	if c.Limits.MonthlyCapPoints < 0 {
		errs = append(errs, "LIMITS_MONTHLY_CAP_POINTS must not be negative")
	}
	for tier, tl := range c.Limits.Tiers {
		if tl.SessionLimitPoints <= 0 || tl.WeeklyLimitPoints <= 0 {
			errs = append(errs, fmt.Sprintf("tier %s: session and weekly point limits must be positive", tier))
		}
		if tl.SessionWindow <= 0 || tl.WeeklyWindow <= 0 {
			errs = append(errs, fmt.Sprintf("tier %s: session and weekly windows must be positive", tier))
		}
		if tl.SessionWindow > tl.WeeklyWindow {
			errs = append(errs, fmt.Sprintf("tier %s: session window must not exceed weekly window", tier))
		}
	}

	// Stream coordination
	if c.Streams.PollInterval <= 0 {
		errs = append(errs, "STREAMS_POLL_INTERVAL_MS must be positive")
	}
	if c.Streams.SafetyBuffer <= 0 {
		errs = append(errs, "STREAMS_SAFETY_BUFFER_SECONDS must be positive")
	}
	for endpoint, limit := range c.Streams.EndpointHardLimits {
		if limit <= c.Streams.SafetyBuffer {
			errs = append(errs, fmt.Sprintf("endpoint %s: hard limit %s must exceed the safety buffer %s",
				endpoint, limit, c.Streams.SafetyBuffer))
		}
	}

	if len(errs) > 0 {
		return errors.New("config validation failed:\n  " + strings.Join(errs, "\n  "))
	}
	return nil
}
