// Package tiers assigns data-sensitivity tiers to requests and enforces the
// fail-open/fail-closed policy derived from them. Higher tier means stricter
// failure handling: at or above the configured threshold a failing operation
// is rejected instead of degraded.
package tiers

import (
	"fmt"
	"strings"
)

// DataTier is an ordinal sensitivity classification. Ordering is load-bearing:
// enforcement compares tiers numerically against the fail-closed threshold.
type DataTier int

const (
	TierPublic       DataTier = 1
	TierInternal     DataTier = 2
	TierConfidential DataTier = 3
	TierRestricted   DataTier = 4
	TierTopSecret    DataTier = 5
)

var tierLabels = map[DataTier]string{
	TierPublic:       "public",
	TierInternal:     "internal",
	TierConfidential: "confidential",
	TierRestricted:   "restricted",
	TierTopSecret:    "top_secret",
}

// String returns the lowercase label for the tier.
func (t DataTier) String() string {
	if label, ok := tierLabels[t]; ok {
		return label
	}
	return fmt.Sprintf("tier_%d", int(t))
}

// Valid reports whether the tier is within the defined 1..5 range.
func (t DataTier) Valid() bool {
	return t >= TierPublic && t <= TierTopSecret
}

// ParseTier maps a label (as carried in a JWT tier claim) to a DataTier.
func ParseTier(label string) (DataTier, bool) {
	label = strings.ToLower(strings.TrimSpace(label))
	for tier, l := range tierLabels {
		if l == label {
			return tier, true
		}
	}
	return 0, false
}
