package orchestrator

import (
	"time"

	"github.com/fyrsmithlabs/taskrun/internal/config"
)

// RetryPolicy configures step retries.
type RetryPolicy struct {
	// MaxAttempts includes the first attempt.
	MaxAttempts int

	// InitialBackoff is the wait before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff caps the wait between attempts.
	MaxBackoff time.Duration

	// Multiplier grows the wait after each retry.
	Multiplier float64
}

// DefaultRetryPolicy returns 3 attempts with 1s, 2s backoff capped at 30s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
	}
}

// RetryPolicyFromConfig converts the retry section of the configuration.
func RetryPolicyFromConfig(c config.RetryConfig) RetryPolicy {
	p := RetryPolicy{
		MaxAttempts:    c.MaxAttempts,
		InitialBackoff: time.Duration(c.InitialBackoff),
		MaxBackoff:     time.Duration(c.MaxBackoff),
		Multiplier:     c.Multiplier,
	}
	p.ApplyDefaults()
	return p
}

// ApplyDefaults fills zero fields from DefaultRetryPolicy.
func (p *RetryPolicy) ApplyDefaults() {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = d.InitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = d.MaxBackoff
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
}

// Backoff returns the wait before retry number n, counting from 1.
func (p RetryPolicy) Backoff(n int) time.Duration {
	b := p.InitialBackoff
	for i := 1; i < n; i++ {
		b = time.Duration(float64(b) * p.Multiplier)
		if b >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if b > p.MaxBackoff {
		return p.MaxBackoff
	}
	return b
}
