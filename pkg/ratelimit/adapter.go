package ratelimit

import "context"

// GuardrailLimiter adapts a LimiterStore to the guardrail pipeline's
// RateLimiter interface (Allow(ctx, actorID) (bool, error)) with a single
// fixed policy applied to every actor.
type GuardrailLimiter struct {
	store  LimiterStore
	policy BackpressurePolicy
}

// NewGuardrailLimiter wraps store with a fixed backpressure policy for use
// as the guardrail pipeline's pre-check rate limiter.
func NewGuardrailLimiter(store LimiterStore, policy BackpressurePolicy) *GuardrailLimiter {
	return &GuardrailLimiter{store: store, policy: policy}
}

func (g *GuardrailLimiter) Allow(ctx context.Context, actorID string) (bool, error) {
	if g.store == nil {
		return false, nil
	}
	return g.store.Allow(ctx, actorID, g.policy, 1)
}
