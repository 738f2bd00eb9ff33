package tiers

import (
	"context"
	"fmt"
	"log/slog"
)

// TierPolicyViolation is returned when an operation fails at or above the
// fail-closed threshold. The HTTP boundary translates it into a structured
// 422 response, never a 500.
type TierPolicyViolation struct {
	Tier      DataTier
	Threshold DataTier
	Cause     error
}

func (v *TierPolicyViolation) Error() string {
	return fmt.Sprintf("security policy violation: tier %s at fail-closed threshold %d: %v",
		v.Tier, int(v.Threshold), v.Cause)
}

func (v *TierPolicyViolation) Unwrap() error { return v.Cause }

// Policy holds the enforcement configuration.
type Policy struct {
	// FailClosedThreshold is the tier at or above which operation failures
	// are rejected instead of degraded. Must be >= TierConfidential in
	// production (enforced by the config validator).
	FailClosedThreshold DataTier
	// FallbackTier is used when the caller supplies no explicit tier.
	FallbackTier DataTier

	Logger *slog.Logger
}

// NewPolicy creates a policy. Zero-value fields get safe defaults: threshold
// Confidential, fallback Internal.
func NewPolicy(threshold, fallback DataTier, logger *slog.Logger) *Policy {
	if !threshold.Valid() {
		threshold = TierConfidential
	}
	if !fallback.Valid() {
		fallback = TierInternal
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Policy{
		FailClosedThreshold: threshold,
		FallbackTier:        fallback,
		Logger:              logger.With("component", "tier_policy"),
	}
}

// EffectiveTier resolves the tier to enforce: the explicit tier when valid,
// otherwise the configured fallback.
func (p *Policy) EffectiveTier(tier DataTier) DataTier {
	if tier.Valid() {
		return tier
	}
	return p.FallbackTier
}

// FailClosed reports whether a failure at the given tier must be rejected.
func (p *Policy) FailClosed(tier DataTier) bool {
	return p.EffectiveTier(tier) >= p.FailClosedThreshold
}

// Guard runs op under the tier policy. On success the result passes through
// untouched. On failure: at or above the threshold the error is wrapped in a
// TierPolicyViolation; below it, the failure is logged and the caller's
// fallback value (typically the unprocessed input) is returned instead.
func Guard[T any](ctx context.Context, p *Policy, tier DataTier, fallback T, op func(context.Context) (T, error)) (T, error) {
	result, err := op(ctx)
	if err == nil {
		return result, nil
	}

	effective := p.EffectiveTier(tier)
	if effective >= p.FailClosedThreshold {
		var zero T
		return zero, &TierPolicyViolation{Tier: effective, Threshold: p.FailClosedThreshold, Cause: err}
	}

	p.Logger.WarnContext(ctx, "operation failed below fail-closed threshold, returning fallback",
		"tier", effective.String(), "threshold", int(p.FailClosedThreshold), "error", err)
	return fallback, nil
}
