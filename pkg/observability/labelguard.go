package observability

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Violation severities.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
)

// Violation codes.
const (
	CodeRouteNotAllowed           = "route_not_allowed"
	CodeReasonNotAllowed          = "reason_not_allowed"
	CodeLabelTooLong              = "label_too_long"
	CodeRouteCardinalityExceeded  = "route_cardinality_exceeded"
	CodeReasonCardinalityExceeded = "reason_cardinality_exceeded"
	CodeUserCardinalityExceeded   = "user_cardinality_exceeded"
	CodeComboCardinalityExceeded  = "combination_cardinality_exceeded"
)

const userBucketCount = 10_000

// Violation describes one rejected or out-of-bounds label observation.
type Violation struct {
	Code     string `json:"code"`
	Label    string `json:"label"`
	Value    string `json:"value,omitempty"`
	Severity string `json:"severity"`
	Detail   string `json:"detail,omitempty"`
}

// ValidationResult is the outcome of validating one label set.
type ValidationResult struct {
	Valid            bool              `json:"valid"`
	SanitizedLabels  map[string]string `json:"sanitized_labels"`
	Violations       []Violation       `json:"violations,omitempty"`
	CardinalityStats CardinalityStats  `json:"cardinality_stats"`
}

// ValidationError is returned in strict mode when any violation occurs.
type ValidationError struct {
	Metric     string
	Violations []Violation
}

func (e *ValidationError) Error() string {
	codes := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		codes[i] = v.Code
	}
	return fmt.Sprintf("metric %q label validation failed: %s", e.Metric, strings.Join(codes, ", "))
}

// GuardConfig bounds the label values a metrics backend will ever see.
type GuardConfig struct {
	AllowedRoutes  []string `yaml:"allowed_routes"`
	AllowedReasons []string `yaml:"allowed_reasons"`

	MaxRouteTemplates    int `yaml:"max_route_templates"`
	MaxReasonBuckets     int `yaml:"max_reason_buckets"`
	MaxUserBuckets       int `yaml:"max_user_buckets"`
	MaxLabelCombinations int `yaml:"max_label_combinations"`
	MaxLabelLength       int `yaml:"max_label_length"`

	Window time.Duration `yaml:"window"`

	// Strict makes ValidateLabels return an error on any violation, aborting
	// the emission. Non-strict deployments get the violation list back and
	// decide themselves; metrics emission should rarely crash a hot path.
	Strict bool `yaml:"strict"`
}

// DefaultGuardConfig returns the balanced profile defaults.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		AllowedRoutes: []string{
			"/healthz/config",
			"/acl/evaluate",
			"/acl/bulk-evaluate",
			"/acl/memory/{id}",
			"/acl/memory/{id}/share",
			"/acl/memory/{id}/share/{user_id}",
			"/acl/memory/{id}/visibility",
			"/acl/accessible-memories",
			"/acl/stats",
			"/acl/audit-log",
			"/api/v1/memories",
			"/api/v1/memories/{id}",
			"/api/v1/contexts",
			"/api/v1/contexts/{id}",
		},
		AllowedReasons: []string{
			"ok", "denied", "expired_token", "invalid_token", "missing_user_id",
			"tier_violation", "rate_limited", "cache_miss", "cache_error",
			"acl_not_found", "share_expired", "timeout", "internal_error",
			// ACL engine decision reasons.
			"owner", "public_visibility", "team_visibility",
			"organization_visibility", "access_rule", "share_grant",
			"no_access_path", "insufficient_level", "invalid_request",
			"unknown_permission", "evaluation_error",
		},
		MaxRouteTemplates:    50,
		MaxReasonBuckets:     30,
		MaxUserBuckets:       2000,
		MaxLabelCombinations: 10000,
		MaxLabelLength:       64,
		Window:               time.Hour,
		Strict:               true,
	}
}

var nonWordChars = regexp.MustCompile(`[^\w\-./{}]`)

// LabelGuard validates metric label values and bounds their cardinality.
// One guard instance is shared by every emitter in the process.
type LabelGuard struct {
	cfg            GuardConfig
	allowedRoutes  map[string]struct{}
	allowedReasons map[string]struct{}
	tracker        *cardinalityTracker
	logger         *slog.Logger

	violationCounter metric.Int64Counter
}

// NewLabelGuard creates a guard. The meter is optional; when present the
// guard records its own violation counts through it.
func NewLabelGuard(cfg GuardConfig, meter metric.Meter, logger *slog.Logger) (*LabelGuard, error) {
	if cfg.MaxLabelLength <= 0 {
		cfg.MaxLabelLength = 64
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}

	g := &LabelGuard{
		cfg:            cfg,
		allowedRoutes:  make(map[string]struct{}, len(cfg.AllowedRoutes)),
		allowedReasons: make(map[string]struct{}, len(cfg.AllowedReasons)),
		tracker:        newCardinalityTracker(cfg.Window),
		logger:         logger.With("component", "metrics_label_guard"),
	}
	for _, r := range cfg.AllowedRoutes {
		g.allowedRoutes[r] = struct{}{}
	}
	for _, r := range cfg.AllowedReasons {
		g.allowedReasons[r] = struct{}{}
	}

	if meter != nil {
		counter, err := meter.Int64Counter("secore.label_guard.violations",
			metric.WithDescription("Label guard violations by code"),
			metric.WithUnit("{violation}"),
		)
		if err != nil {
			return nil, err
		}
		g.violationCounter = counter
	}
	return g, nil
}

// ValidateLabels validates one label set for the named metric. Per-label
// validation runs first, then the windowed cardinality checks. In strict mode
// any violation yields a *ValidationError and the emission must be aborted;
// otherwise the violations come back on the result and the caller decides.
func (g *LabelGuard) ValidateLabels(labels map[string]string, metricName string) (*ValidationResult, error) {
	result := &ValidationResult{
		Valid:           true,
		SanitizedLabels: make(map[string]string, len(labels)),
	}

	var route, reason, user string
	for name, value := range labels {
		switch name {
		case "route":
			route = g.validateRoute(value, result)
		case "reason":
			reason = g.validateReason(value, result)
		case "user_id":
			user = g.anonymizeUser(value)
			result.SanitizedLabels["user_id"] = user
		default:
			result.SanitizedLabels[name] = g.sanitizeGeneric(name, value, result)
		}
	}

	combo := comboKey(result.SanitizedLabels)
	stats := g.tracker.observe(route, reason, user, combo)
	result.CardinalityStats = stats

	g.checkBound(result, stats.RouteTemplates, g.cfg.MaxRouteTemplates, CodeRouteCardinalityExceeded, SeverityCritical, "route")
	g.checkBound(result, stats.ReasonBuckets, g.cfg.MaxReasonBuckets, CodeReasonCardinalityExceeded, SeverityCritical, "reason")
	g.checkBound(result, stats.UserBuckets, g.cfg.MaxUserBuckets, CodeUserCardinalityExceeded, SeverityHigh, "user_id")
	g.checkBound(result, stats.LabelCombinations, g.cfg.MaxLabelCombinations, CodeComboCardinalityExceeded, SeverityHigh, "combination")

	if len(result.Violations) > 0 {
		result.Valid = false
		g.recordViolations(metricName, result.Violations)
		if g.cfg.Strict {
			return result, &ValidationError{Metric: metricName, Violations: result.Violations}
		}
	}
	return result, nil
}

// Stats returns the current window's cardinality snapshot.
func (g *LabelGuard) Stats() CardinalityStats {
	return g.tracker.snapshot()
}

// validateRoute normalizes the route and enforces the template allowlist.
// Concrete paths with embedded IDs are rejected outright: the point is to
// bound the set of distinct values, not to patch them up.
func (g *LabelGuard) validateRoute(value string, result *ValidationResult) string {
	route := NormalizeRoute(value)
	if _, ok := g.allowedRoutes[route]; !ok {
		result.Violations = append(result.Violations, Violation{
			Code:     CodeRouteNotAllowed,
			Label:    "route",
			Value:    route,
			Severity: SeverityHigh,
			Detail:   "route is not an allowlisted template",
		})
		return ""
	}
	result.SanitizedLabels["route"] = route
	return route
}

func (g *LabelGuard) validateReason(value string, result *ValidationResult) string {
	if _, ok := g.allowedReasons[value]; !ok {
		result.Violations = append(result.Violations, Violation{
			Code:     CodeReasonNotAllowed,
			Label:    "reason",
			Value:    value,
			Severity: SeverityHigh,
			Detail:   "reason is not in the bounded vocabulary",
		})
		return ""
	}
	result.SanitizedLabels["reason"] = value
	return value
}

// anonymizeUser deterministically buckets a user ID into one of 10,000
// anonymized tokens. Exact identity is traded for bounded cardinality.
func (g *LabelGuard) anonymizeUser(userID string) string {
	sum := sha256.Sum256([]byte(userID))
	bucket := binary.BigEndian.Uint64(sum[:8]) % userBucketCount
	return fmt.Sprintf("user_%04d", bucket)
}

func (g *LabelGuard) sanitizeGeneric(name, value string, result *ValidationResult) string {
	sanitized := nonWordChars.ReplaceAllString(value, "_")
	if len(sanitized) > g.cfg.MaxLabelLength {
		result.Violations = append(result.Violations, Violation{
			Code:     CodeLabelTooLong,
			Label:    name,
			Severity: SeverityMedium,
			Detail:   fmt.Sprintf("label value exceeds %d characters", g.cfg.MaxLabelLength),
		})
		sanitized = sanitized[:g.cfg.MaxLabelLength]
	}
	return sanitized
}

func (g *LabelGuard) checkBound(result *ValidationResult, current, max int, code, severity, label string) {
	if max > 0 && current > max {
		result.Violations = append(result.Violations, Violation{
			Code:     code,
			Label:    label,
			Severity: severity,
			Detail:   fmt.Sprintf("distinct values %d exceed configured maximum %d", current, max),
		})
	}
}

func (g *LabelGuard) recordViolations(metricName string, violations []Violation) {
	for _, v := range violations {
		g.logger.Warn("metric label violation",
			"metric", metricName, "code", v.Code, "label", v.Label, "severity", v.Severity)
		if g.violationCounter != nil {
			g.violationCounter.Add(context.Background(), 1, metric.WithAttributes(
				attribute.String("code", v.Code),
				attribute.String("severity", v.Severity),
			))
		}
	}
}

// NormalizeRoute strips the query string, enforces a leading slash, and
// strips a trailing slash except for the root.
func NormalizeRoute(route string) string {
	if i := strings.IndexByte(route, '?'); i >= 0 {
		route = route[:i]
	}
	if !strings.HasPrefix(route, "/") {
		route = "/" + route
	}
	if len(route) > 1 {
		route = strings.TrimSuffix(route, "/")
	}
	return route
}

// comboKey builds a stable identity for a full label combination.
func comboKey(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	return b.String()
}
