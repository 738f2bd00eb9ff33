package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ninaivalaigal/secore/pkg/observability"
)

// guardProfileFile is the on-disk shape of a guard profile. Every field is
// optional; absent fields keep the built-in profile's value.
type guardProfileFile struct {
	AllowedRoutes  []string `yaml:"allowed_routes"`
	AllowedReasons []string `yaml:"allowed_reasons"`

	MaxRouteTemplates    *int `yaml:"max_route_templates"`
	MaxReasonBuckets     *int `yaml:"max_reason_buckets"`
	MaxUserBuckets       *int `yaml:"max_user_buckets"`
	MaxLabelCombinations *int `yaml:"max_label_combinations"`
	MaxLabelLength       *int `yaml:"max_label_length"`

	WindowSeconds *int  `yaml:"window_seconds"`
	Strict        *bool `yaml:"strict"`
}

// BuiltinGuardProfile returns the label-guard settings for a named profile.
func BuiltinGuardProfile(name string) (observability.GuardConfig, error) {
	base := observability.DefaultGuardConfig()
	switch name {
	case ProfileBalanced:
		return base, nil
	case ProfileStrict:
		base.Strict = true
		base.MaxRouteTemplates = base.MaxRouteTemplates / 2
		base.MaxReasonBuckets = base.MaxReasonBuckets / 2
		base.MaxLabelCombinations = base.MaxLabelCombinations / 2
		return base, nil
	case ProfilePermissive:
		base.Strict = false
		base.MaxRouteTemplates = base.MaxRouteTemplates * 2
		base.MaxReasonBuckets = base.MaxReasonBuckets * 2
		base.MaxLabelCombinations = base.MaxLabelCombinations * 2
		return base, nil
	default:
		return observability.GuardConfig{}, fmt.Errorf("unknown guard profile %q", name)
	}
}

// LoadGuardProfile resolves a profile name to guard settings. If profilesDir
// contains guard_<name>.yaml its fields override the built-in profile;
// otherwise the built-in values are used as-is.
func LoadGuardProfile(profilesDir, name string) (observability.GuardConfig, error) {
	name = strings.ToLower(name)
	cfg, err := BuiltinGuardProfile(name)
	if err != nil {
		return observability.GuardConfig{}, err
	}
	if profilesDir == "" {
		return cfg, nil
	}

	path := filepath.Join(profilesDir, fmt.Sprintf("guard_%s.yaml", name))
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return observability.GuardConfig{}, fmt.Errorf("load guard profile %q: %w", name, err)
	}

	var file guardProfileFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return observability.GuardConfig{}, fmt.Errorf("parse guard profile %q: %w", name, err)
	}

	if len(file.AllowedRoutes) > 0 {
		cfg.AllowedRoutes = file.AllowedRoutes
	}
	if len(file.AllowedReasons) > 0 {
		cfg.AllowedReasons = file.AllowedReasons
	}
	if file.MaxRouteTemplates != nil {
		cfg.MaxRouteTemplates = *file.MaxRouteTemplates
	}
	if file.MaxReasonBuckets != nil {
		cfg.MaxReasonBuckets = *file.MaxReasonBuckets
	}
	if file.MaxUserBuckets != nil {
		cfg.MaxUserBuckets = *file.MaxUserBuckets
	}
	if file.MaxLabelCombinations != nil {
		cfg.MaxLabelCombinations = *file.MaxLabelCombinations
	}
	if file.MaxLabelLength != nil {
		cfg.MaxLabelLength = *file.MaxLabelLength
	}
	if file.WindowSeconds != nil {
		cfg.Window = time.Duration(*file.WindowSeconds) * time.Second
	}
	if file.Strict != nil {
		cfg.Strict = *file.Strict
	}
	return cfg, nil
}
