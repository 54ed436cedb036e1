package task

import (
	"math/rand/v2"
	"time"
)

// RetryPolicy computes the delay before a transient failure is retried:
// BaseDelay doubled once per prior failure, capped at MaxDelay, then spread
// by ±Jitter (a fraction of the delay).
type RetryPolicy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Jitter    float64

	// Rand returns a value in [0, 1). Defaults to math/rand/v2.
	Rand func() float64
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay: time.Second,
		MaxDelay:  5 * time.Minute,
		Jitter:    0.2,
	}
}

// RetryDecision is the result of RetryPolicy.Decide.
type RetryDecision struct {
	// Retry is false when the failed attempt was the last one allowed.
	Retry bool
	// AttemptCount is the task's attempt counter after recording this failure.
	AttemptCount int
	// Delay until the retry may be dispatched. Zero when Retry is false.
	Delay time.Duration
}

// Decide classifies a transient failure of a task that had attemptCount
// failed attempts before this one.
func (p RetryPolicy) Decide(attemptCount, maxAttempts int) RetryDecision {
	next := attemptCount + 1
	if next >= maxAttempts {
		return RetryDecision{Retry: false, AttemptCount: maxAttempts}
	}
	return RetryDecision{Retry: true, AttemptCount: next, Delay: p.Backoff(attemptCount)}
}

// Backoff returns BaseDelay * 2^attemptCount, capped and jittered.
func (p RetryPolicy) Backoff(attemptCount int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = p.BaseDelay
	}

	delay := p.BaseDelay
	for i := 0; i < attemptCount && delay < maxDelay; i++ {
		delay *= 2
	}
	if delay > maxDelay {
		delay = maxDelay
	}

	if p.Jitter > 0 {
		random := p.Rand
		if random == nil {
			random = rand.Float64
		}
		factor := 1 + p.Jitter*(2*random()-1)
		delay = time.Duration(float64(delay) * factor)
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}
