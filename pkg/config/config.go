// Package config loads and validates the security configuration from the
// environment. Validation is fail-fast: a process with an invalid security
// posture must not start serving.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"
)

// Environment names. Anything else is rejected by Validate.
const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

// Guard profile names, resolved to concrete label-guard settings by the
// profile loader.
const (
	ProfileStrict     = "strict"
	ProfileBalanced   = "balanced"
	ProfilePermissive = "permissive"
)

// SecurityConfig holds every security-relevant knob. Raw secrets stay inside
// this struct; anything exposed over HTTP goes through Redacted.
type SecurityConfig struct {
	Environment string

	JWKSURL     string
	JWTAudience string
	JWTIssuer   string
	JWTSecret   string
	JWTVerify   bool

	RedisURL string

	FailClosedTierThreshold int
	GuardProfile            string

	MaxBodyBytes     int64
	IdempotencyTTL   time.Duration
	ACLMissingPolicy string
}

// Load reads the security configuration from environment variables. Absent
// variables take safe defaults; malformed values are returned as errors so
// the caller can refuse to boot.
func Load() (*SecurityConfig, error) {
	cfg := &SecurityConfig{
		Environment:             getenv("APP_ENV", EnvDevelopment),
		JWKSURL:                 os.Getenv("NINAIVALAIGAL_JWKS_URL"),
		JWTAudience:             os.Getenv("NINAIVALAIGAL_JWT_AUDIENCE"),
		JWTIssuer:               os.Getenv("NINAIVALAIGAL_JWT_ISSUER"),
		JWTSecret:               os.Getenv("NINAIVALAIGAL_JWT_SECRET"),
		JWTVerify:               getenv("NINAIVALAIGAL_JWT_VERIFY", "true") == "true",
		RedisURL:                os.Getenv("REDIS_URL"),
		GuardProfile:            getenv("SECURITY_GUARD_PROFILE", ProfileBalanced),
		ACLMissingPolicy:        getenv("ACL_MISSING_POLICY", "deny"),
		FailClosedTierThreshold: 3,
		MaxBodyBytes:            1 << 20,
		IdempotencyTTL:          24 * time.Hour,
	}

	var errs []error

	if raw := os.Getenv("FAIL_CLOSED_TIER_THRESHOLD"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("FAIL_CLOSED_TIER_THRESHOLD: %w", err))
		} else {
			cfg.FailClosedTierThreshold = n
		}
	}

	if raw := os.Getenv("MAX_BODY_BYTES"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("MAX_BODY_BYTES: %w", err))
		} else {
			cfg.MaxBodyBytes = n
		}
	}

	if raw := os.Getenv("IDEMPOTENCY_TTL_SECONDS"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("IDEMPOTENCY_TTL_SECONDS: %w", err))
		} else {
			cfg.IdempotencyTTL = time.Duration(n) * time.Second
		}
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// IsProduction reports whether the process runs with production posture.
func (c *SecurityConfig) IsProduction() bool {
	return c.Environment == EnvProduction
}

// Validate checks every constraint and returns all violations at once, so an
// operator fixes the config in one round trip instead of five.
func (c *SecurityConfig) Validate() error {
	var errs []error

	switch c.Environment {
	case EnvDevelopment, EnvStaging, EnvProduction:
	default:
		errs = append(errs, fmt.Errorf("APP_ENV: unknown environment %q", c.Environment))
	}

	if c.FailClosedTierThreshold < 1 || c.FailClosedTierThreshold > 5 {
		errs = append(errs, fmt.Errorf("FAIL_CLOSED_TIER_THRESHOLD: %d outside 1..5", c.FailClosedTierThreshold))
	} else if c.IsProduction() && c.FailClosedTierThreshold < 3 {
		errs = append(errs, fmt.Errorf("FAIL_CLOSED_TIER_THRESHOLD: %d too permissive for production (minimum 3)", c.FailClosedTierThreshold))
	}

	switch c.GuardProfile {
	case ProfileStrict, ProfileBalanced, ProfilePermissive:
	default:
		errs = append(errs, fmt.Errorf("SECURITY_GUARD_PROFILE: unknown profile %q", c.GuardProfile))
	}

	switch c.ACLMissingPolicy {
	case "deny", "synthesize":
	default:
		errs = append(errs, fmt.Errorf("ACL_MISSING_POLICY: must be deny or synthesize, got %q", c.ACLMissingPolicy))
	}
	if c.IsProduction() && c.ACLMissingPolicy != "deny" {
		errs = append(errs, errors.New("ACL_MISSING_POLICY: production requires deny"))
	}

	if c.JWTVerify {
		// The resolver verifies HMAC signatures only, so the shared secret is
		// the one piece of key material that can actually validate a token. A
		// JWKS URL alone would pass boot and then reject every request.
		if c.JWTSecret == "" {
			errs = append(errs, errors.New("NINAIVALAIGAL_JWT_SECRET: required when verification is on"))
		}
	} else if c.IsProduction() {
		errs = append(errs, errors.New("NINAIVALAIGAL_JWT_VERIFY: production forbids unverified tokens"))
	}

	if c.JWKSURL != "" {
		u, err := url.Parse(c.JWKSURL)
		if err != nil || u.Host == "" {
			errs = append(errs, fmt.Errorf("NINAIVALAIGAL_JWKS_URL: not a valid URL: %q", c.JWKSURL))
		} else if c.IsProduction() && u.Scheme != "https" {
			errs = append(errs, errors.New("NINAIVALAIGAL_JWKS_URL: production requires https"))
		}
	}

	if c.RedisURL != "" {
		u, err := url.Parse(c.RedisURL)
		if err != nil || u.Host == "" {
			errs = append(errs, fmt.Errorf("REDIS_URL: not a valid URL: %q", c.RedisURL))
		} else if u.Scheme != "redis" && u.Scheme != "rediss" {
			errs = append(errs, fmt.Errorf("REDIS_URL: unsupported scheme %q", u.Scheme))
		}
	}

	if c.MaxBodyBytes <= 0 {
		errs = append(errs, fmt.Errorf("MAX_BODY_BYTES: %d must be positive", c.MaxBodyBytes))
	}

	if c.IdempotencyTTL < 60*time.Second {
		errs = append(errs, fmt.Errorf("IDEMPOTENCY_TTL_SECONDS: %s below the 60s floor", c.IdempotencyTTL))
	}

	return errors.Join(errs...)
}

// Redacted returns the config snapshot served at /healthz/config. It carries
// presence flags, domains and schemes only; no secret material and no full
// URLs with credentials.
func (c *SecurityConfig) Redacted() map[string]interface{} {
	out := map[string]interface{}{
		"environment":                c.Environment,
		"jwt_verify":                 c.JWTVerify,
		"jwt_secret_configured":      c.JWTSecret != "",
		"jwks_url_configured":        c.JWKSURL != "",
		"jwt_audience":               c.JWTAudience,
		"jwt_issuer":                 c.JWTIssuer,
		"redis_configured":           c.RedisURL != "",
		"fail_closed_tier_threshold": c.FailClosedTierThreshold,
		"guard_profile":              c.GuardProfile,
		"max_body_bytes":             c.MaxBodyBytes,
		"idempotency_ttl_seconds":    int(c.IdempotencyTTL / time.Second),
		"acl_missing_policy":         c.ACLMissingPolicy,
	}
	if u, err := url.Parse(c.JWKSURL); err == nil && u.Host != "" {
		out["jwks_url_domain"] = u.Hostname()
	}
	if u, err := url.Parse(c.RedisURL); err == nil && u.Host != "" {
		out["redis_scheme"] = u.Scheme
	}
	return out
}
