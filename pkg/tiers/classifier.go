package tiers

import (
	"net/http"
	"regexp"

	"github.com/ninaivalaigal/secore/pkg/auth"
)

// pathRule maps a route shape to a tier. Rules are evaluated in order; the
// first match wins.
type pathRule struct {
	pattern *regexp.Regexp
	methods map[string]bool // nil = any method
	tier    DataTier
}

var mutatingMethods = map[string]bool{
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}

// Classifier derives a request's sensitivity tier. A tier claim on the
// authenticated subject takes precedence; path heuristics are the fallback.
// Classification errors always resolve to TierPublic — the enforcement
// threshold, not the classification, is what gates risk.
type Classifier struct {
	rules []pathRule
}

// NewClassifier builds a classifier with the default route heuristics.
func NewClassifier() *Classifier {
	return &Classifier{
		rules: []pathRule{
			{pattern: regexp.MustCompile(`^/admin/`), tier: TierTopSecret},
			{pattern: regexp.MustCompile(`^/api/v1/(memories|contexts)(/|$)`), tier: TierConfidential},
			{pattern: regexp.MustCompile(`^/api/v1/`), methods: mutatingMethods, tier: TierInternal},
		},
	}
}

// ClassifyRequest stamps a tier on the request. The subject, when present,
// may carry an explicit tier claim; invalid claims are ignored rather than
// escalated.
func (c *Classifier) ClassifyRequest(r *http.Request) DataTier {
	if subject := auth.SubjectFrom(r.Context()); subject != nil && subject.Tier != "" {
		if tier, ok := ParseTier(subject.Tier); ok {
			return tier
		}
	}
	return c.ClassifyPath(r.Method, r.URL.Path)
}

// ClassifyPath applies the path heuristics alone.
func (c *Classifier) ClassifyPath(method, path string) DataTier {
	for _, rule := range c.rules {
		if !rule.pattern.MatchString(path) {
			continue
		}
		if rule.methods != nil && !rule.methods[method] {
			continue
		}
		return rule.tier
	}
	return TierPublic
}
