package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ResolverConfig controls how bearer tokens are decoded.
type ResolverConfig struct {
	// Secret is the HMAC key used when Verify is set.
	Secret []byte
	// Verify enables signature and expiry validation. Disabling it is only
	// legal outside production; the config validator rejects the combination
	// of APP_ENV=production and Verify=false at boot.
	Verify   bool
	Issuer   string
	Audience string
}

// ClaimsResolver decodes a bearer token into a normalized claim set and
// derives a SubjectContext from it.
type ClaimsResolver struct {
	cfg    ResolverConfig
	logger *slog.Logger
}

// NewClaimsResolver creates a resolver. A nil logger falls back to slog.Default.
func NewClaimsResolver(cfg ResolverConfig, logger *slog.Logger) *ClaimsResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &ClaimsResolver{cfg: cfg, logger: logger.With("component", "claims_resolver")}
}

// ResolveClaims decodes the token into a claim map.
//
// In verify mode the signature and expiry are checked: an expired token yields
// ErrTokenExpired, any other decode failure yields ErrInvalidToken. With
// verification disabled the token is decoded without a signature check and a
// warning is logged on every call.
func (r *ClaimsResolver) ResolveClaims(tokenStr string) (jwt.MapClaims, error) {
	if !r.cfg.Verify {
		r.logger.Warn("decoding token without signature verification; never enable this path in production")
		claims := jwt.MapClaims{}
		parser := jwt.NewParser()
		if _, _, err := parser.ParseUnverified(tokenStr, claims); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
		return claims, nil
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})}
	if r.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(r.cfg.Issuer))
	}
	if r.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(r.cfg.Audience))
	}

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return r.cfg.Secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", ErrTokenExpired, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ExtractSubjectContext resolves the token and builds a SubjectContext from
// the claim set. The user ID claim ("sub" or "user_id") is mandatory; every
// other claim degrades to a default.
func (r *ClaimsResolver) ExtractSubjectContext(tokenStr string) (*SubjectContext, error) {
	claims, err := r.ResolveClaims(tokenStr)
	if err != nil {
		return nil, err
	}
	return r.SubjectFromClaims(claims)
}

// SubjectFromClaims normalizes an already-decoded claim map.
func (r *ClaimsResolver) SubjectFromClaims(claims jwt.MapClaims) (*SubjectContext, error) {
	userID := stringClaim(claims, "sub")
	if userID == "" {
		userID = stringClaim(claims, "user_id")
	}
	if userID == "" {
		return nil, ErrMissingUserID
	}

	role, ok := ParseRole(stringClaim(claims, "role"))
	if !ok && stringClaim(claims, "role") != "" {
		r.logger.Warn("unknown role claim, defaulting to user",
			"role", stringClaim(claims, "role"), "user_id", userID)
	}

	return &SubjectContext{
		UserID:         userID,
		Email:          stringClaim(claims, "email"),
		Role:           role,
		OrganizationID: stringClaim(claims, "org_id"),
		TeamID:         stringClaim(claims, "team_id"),
		Permissions:    normalizePermissions(claims["permissions"]),
		Tier:           stringClaim(claims, "tier"),
	}, nil
}

func stringClaim(claims jwt.MapClaims, key string) string {
	v, _ := claims[key].(string)
	return v
}

// normalizePermissions accepts the two shapes issuers actually emit: a JSON
// list or a single comma-joined string.
func normalizePermissions(raw interface{}) []string {
	switch v := raw.(type) {
	case []interface{}:
		perms := make([]string, 0, len(v))
		for _, p := range v {
			if s, ok := p.(string); ok && s != "" {
				perms = append(perms, s)
			}
		}
		return perms
	case []string:
		return v
	case string:
		if v == "" {
			return nil
		}
		parts := strings.Split(v, ",")
		perms := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				perms = append(perms, p)
			}
		}
		return perms
	}
	return nil
}
