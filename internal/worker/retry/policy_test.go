package retry

import (
	"testing"
	"time"

	"github.com/linkflow/execplane/internal/history/types"
	"github.com/linkflow/execplane/internal/worker/executor"
)

func TestFromTypes_Defaults(t *testing.T) {
	p := FromTypes(nil)
	if p.MaximumAttempts != 3 || p.BackoffCoefficient != 2.0 {
		t.Errorf("policy = %+v, want defaults", p)
	}

	p = FromTypes(&types.RetryPolicy{MaximumAttempts: 7})
	if p.MaximumAttempts != 7 {
		t.Errorf("attempts = %d, want 7", p.MaximumAttempts)
	}
	if p.InitialInterval != time.Second {
		t.Errorf("initial = %v, want default 1s", p.InitialInterval)
	}
}

func TestShouldRetry(t *testing.T) {
	p := DefaultPolicy()

	if !p.ShouldRetry(1, executor.ErrorTypeRetryable) {
		t.Error("retryable error under budget not retried")
	}
	if p.ShouldRetry(3, executor.ErrorTypeRetryable) {
		t.Error("retried past the attempt budget")
	}
	if p.ShouldRetry(1, executor.ErrorTypeNonRetryable) {
		t.Error("non-retryable error retried")
	}
	if p.ShouldRetry(1, executor.ErrorTypeTimeout) {
		t.Error("timeout retried")
	}
}

func TestNextDelay_GrowsAndCaps(t *testing.T) {
	p := &Policy{
		InitialInterval:    100 * time.Millisecond,
		BackoffCoefficient: 2.0,
		MaximumInterval:    time.Second,
		MaximumAttempts:    10,
	}

	for attempt := int32(1); attempt <= 8; attempt++ {
		delay := p.NextDelay(attempt)
		base := float64(p.InitialInterval) * pow(p.BackoffCoefficient, attempt-1)
		min := time.Duration(base * 0.8)
		if min > p.MaximumInterval {
			min = p.MaximumInterval
		}
		if delay < min || delay > p.MaximumInterval {
			t.Errorf("attempt %d: delay %v outside [%v, %v]", attempt, delay, min, p.MaximumInterval)
		}
	}
}

func pow(base float64, exp int32) float64 {
	result := 1.0
	for i := int32(0); i < exp; i++ {
		result *= base
	}
	return result
}
