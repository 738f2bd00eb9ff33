// Package idempotency derives collision-resistant, subject-scoped idempotency
// keys and replays cached responses for duplicate mutating requests.
package idempotency

import (
	"regexp"
	"strings"
)

// segmentRule collapses one concrete path segment into a placeholder.
// Order matters: prefix-typed IDs must win over the generic numeric and
// alphanumeric rules, or templates for different entity kinds would collapse
// into the same shape.
type segmentRule struct {
	pattern     *regexp.Regexp
	placeholder string
}

var segmentRules = []segmentRule{
	{regexp.MustCompile(`^org_[A-Za-z0-9]+$`), "{org_id}"},
	{regexp.MustCompile(`^team_[A-Za-z0-9]+$`), "{team_id}"},
	{regexp.MustCompile(`^mem_[A-Za-z0-9]+$`), "{mem_id}"},
	{regexp.MustCompile(`^ctx_[A-Za-z0-9]+$`), "{ctx_id}"},
	{regexp.MustCompile(`^user_[A-Za-z0-9]+$`), "{user_id}"},
	{regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`), "{uuid}"},
	{regexp.MustCompile(`^[0-9]+$`), "{id}"},
	{regexp.MustCompile(`^[A-Za-z0-9]+(?:-[A-Za-z0-9]+)+$`), "{id}"}, // hyphenated, digit required (checked below)
	{regexp.MustCompile(`[0-9]`), "{id}"},                            // catch-all: contains a digit
}

var (
	hasDigit = regexp.MustCompile(`[0-9]`)
	// API version segments (v1, v2, ...) carry a digit but are part of the
	// route shape, not a resource identifier.
	versionSegment = regexp.MustCompile(`^v[0-9]+$`)
)

// ExtractPathTemplate collapses concrete identifiers in a path into
// placeholders. It is idempotent: templating a template is a no-op.
func ExtractPathTemplate(path string) string {
	if path == "" {
		return "/"
	}
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	segments := strings.Split(path, "/")
	for i, seg := range segments {
		if seg == "" {
			continue
		}
		// Already a placeholder: leave it alone.
		if strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}") {
			continue
		}
		if versionSegment.MatchString(seg) {
			continue
		}
		for _, rule := range segmentRules {
			if !rule.pattern.MatchString(seg) {
				continue
			}
			// The hyphenated rule only fires for segments that actually
			// carry a digit; plain words like "access-log" stay literal.
			if rule.placeholder == "{id}" && !hasDigit.MatchString(seg) {
				continue
			}
			segments[i] = rule.placeholder
			break
		}
	}
	return strings.Join(segments, "/")
}
