package connection

import "time"

const (
	defaultMaxAttempts    = 100
	defaultBackoffBase    = 2 * time.Second
	defaultBackoffCap     = 30 * time.Second
	defaultLoggedOutDelay = 3 * time.Second
)

// RetryPolicy is the bounded linear backoff ladder used between reconnects.
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Cap         time.Duration
	// LoggedOutDelay is the fixed delay of the single reconnect that follows
	// a logged-out close; it sits outside the ladder.
	LoggedOutDelay time.Duration
}

// DefaultRetryPolicy returns 100 attempts, 2s steps capped at 30s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    defaultMaxAttempts,
		Base:           defaultBackoffBase,
		Cap:            defaultBackoffCap,
		LoggedOutDelay: defaultLoggedOutDelay,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	defaults := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaults.MaxAttempts
	}
	if p.Base <= 0 {
		p.Base = defaults.Base
	}
	if p.Cap <= 0 {
		p.Cap = defaults.Cap
	}
	if p.LoggedOutDelay <= 0 {
		p.LoggedOutDelay = defaults.LoggedOutDelay
	}
	return p
}

// Delay returns min(Base*attempt, Cap) for a 1-based attempt number.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := p.Base * time.Duration(attempt)
	if delay > p.Cap || delay <= 0 {
		delay = p.Cap
	}
	return delay
}
