// Package retry implements worker-side activity retries: exponential
// backoff with jitter, driven by the policy carried on the task.
package retry

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/linkflow/execplane/internal/history/types"
	"github.com/linkflow/execplane/internal/worker/executor"
)

type Policy struct {
	InitialInterval    time.Duration
	BackoffCoefficient float64
	MaximumInterval    time.Duration
	MaximumAttempts    int32
}

func DefaultPolicy() *Policy {
	return &Policy{
		InitialInterval:    time.Second,
		BackoffCoefficient: 2.0,
		MaximumInterval:    time.Minute,
		MaximumAttempts:    3,
	}
}

// FromTypes converts the policy shape recorded in history, falling back to
// defaults for unset fields.
func FromTypes(p *types.RetryPolicy) *Policy {
	policy := DefaultPolicy()
	if p == nil {
		return policy
	}
	if p.InitialInterval.Std() > 0 {
		policy.InitialInterval = p.InitialInterval.Std()
	}
	if p.BackoffCoefficient > 0 {
		policy.BackoffCoefficient = p.BackoffCoefficient
	}
	if p.MaximumInterval.Std() > 0 {
		policy.MaximumInterval = p.MaximumInterval.Std()
	}
	if p.MaximumAttempts > 0 {
		policy.MaximumAttempts = p.MaximumAttempts
	}
	return policy
}

// ShouldRetry reports whether another attempt is allowed. Permanent and
// timeout failures never retry regardless of remaining budget.
func (p *Policy) ShouldRetry(attempt int32, errorType string) bool {
	if attempt >= p.MaximumAttempts {
		return false
	}
	if errorType == executor.ErrorTypeNonRetryable || errorType == executor.ErrorTypeTimeout {
		return false
	}
	return true
}

// NextDelay returns the backoff before the given attempt number, with
// jitter in [0.8, 1.2) so a herd of failing activities spreads out.
func (p *Policy) NextDelay(attempt int32) time.Duration {
	if attempt <= 0 {
		return p.InitialInterval
	}

	multiplier := math.Pow(p.BackoffCoefficient, float64(attempt-1))
	backoff := float64(p.InitialInterval) * multiplier
	backoff *= 0.8 + rand.Float64()*0.4
	if backoff > float64(p.MaximumInterval) {
		backoff = float64(p.MaximumInterval)
	}
	return time.Duration(backoff)
}
