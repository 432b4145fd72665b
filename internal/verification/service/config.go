package service

import (
	"fmt"
	"time"
)

// Config holds the verification policy knobs.
type Config struct {
	MaxAttempts    int
	MaxResends     int
	SessionTTL     time.Duration
	ResendCooldown time.Duration
	StartLimit     int
	StartWindow    time.Duration
	// CallLease bounds how long one request may hold a session while it
	// waits on the provider. It must outlast the provider timeout.
	CallLease time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		MaxResends:     3,
		SessionTTL:     10 * time.Minute,
		ResendCooldown: 30 * time.Second,
		StartLimit:     5,
		StartWindow:    time.Hour,
		CallLease:      15 * time.Second,
	}
}

// Validate rejects policies that would make the flow unusable.
func (c Config) Validate() error {
	switch {
	case c.MaxAttempts < 1:
		return fmt.Errorf("max attempts must be at least 1, got %d", c.MaxAttempts)
	case c.MaxResends < 0:
		return fmt.Errorf("max resends must not be negative, got %d", c.MaxResends)
	case c.SessionTTL <= 0:
		return fmt.Errorf("session ttl must be positive, got %s", c.SessionTTL)
	case c.ResendCooldown < 0:
		return fmt.Errorf("resend cooldown must not be negative, got %s", c.ResendCooldown)
	case c.StartLimit < 1:
		return fmt.Errorf("start limit must be at least 1, got %d", c.StartLimit)
	case c.StartWindow <= 0:
		return fmt.Errorf("start window must be positive, got %s", c.StartWindow)
	case c.CallLease <= 0:
		return fmt.Errorf("call lease must be positive, got %s", c.CallLease)
	}
	return nil
}
