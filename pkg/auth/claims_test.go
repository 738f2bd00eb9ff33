package auth_test

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/ninaivalaigal/secore/pkg/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("unit-test-secret")

// signToken builds an HS256 token with the given claims.
func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(testSecret)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func newResolver(t *testing.T) *auth.ClaimsResolver {
	t.Helper()
	return auth.NewClaimsResolver(auth.ResolverConfig{Secret: testSecret, Verify: true}, nil)
}

func TestResolveClaims_Valid(t *testing.T) {
	resolver := newResolver(t)
	token := signToken(t, jwt.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	claims, err := resolver.ResolveClaims(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims["sub"])
}

func TestResolveClaims_Expired(t *testing.T) {
	resolver := newResolver(t)
	token := signToken(t, jwt.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})

	_, err := resolver.ResolveClaims(token)
	assert.ErrorIs(t, err, auth.ErrTokenExpired)
}

func TestResolveClaims_BadSignature(t *testing.T) {
	resolver := newResolver(t)
	other := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "user-1"})
	signed, err := other.SignedString([]byte("a different secret"))
	require.NoError(t, err)

	_, err = resolver.ResolveClaims(signed)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestResolveClaims_Garbage(t *testing.T) {
	resolver := newResolver(t)
	_, err := resolver.ResolveClaims("not.a.jwt")
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestResolveClaims_UnverifiedMode(t *testing.T) {
	// Dev mode: signature is not checked, so a token signed with an unknown
	// key still decodes. The config validator forbids this in production.
	resolver := auth.NewClaimsResolver(auth.ResolverConfig{Verify: false}, nil)
	other := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "user-1"})
	signed, err := other.SignedString([]byte("whatever"))
	require.NoError(t, err)

	claims, err := resolver.ResolveClaims(signed)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims["sub"])
}

func TestExtractSubjectContext_FullClaims(t *testing.T) {
	resolver := newResolver(t)
	token := signToken(t, jwt.MapClaims{
		"sub":         "user-42",
		"email":       "u42@example.com",
		"role":        "admin",
		"org_id":      "org_abc",
		"team_id":     "team_xyz",
		"permissions": []string{"memory:read", "memory:write"},
		"tier":        "confidential",
		"exp":         time.Now().Add(time.Hour).Unix(),
	})

	subject, err := resolver.ExtractSubjectContext(token)
	require.NoError(t, err)
	assert.Equal(t, "user-42", subject.UserID)
	assert.Equal(t, auth.RoleAdmin, subject.Role)
	assert.Equal(t, "org_abc", subject.OrganizationID)
	assert.Equal(t, "team_xyz", subject.TeamID)
	assert.Equal(t, []string{"memory:read", "memory:write"}, subject.Permissions)
	assert.Equal(t, "confidential", subject.Tier)
}

func TestExtractSubjectContext_UserIDFallback(t *testing.T) {
	resolver := newResolver(t)
	token := signToken(t, jwt.MapClaims{
		"user_id": "legacy-7",
		"exp":     time.Now().Add(time.Hour).Unix(),
	})

	subject, err := resolver.ExtractSubjectContext(token)
	require.NoError(t, err)
	assert.Equal(t, "legacy-7", subject.UserID)
}

func TestExtractSubjectContext_MissingUserID(t *testing.T) {
	resolver := newResolver(t)
	token := signToken(t, jwt.MapClaims{
		"email": "nobody@example.com",
		"exp":   time.Now().Add(time.Hour).Unix(),
	})

	_, err := resolver.ExtractSubjectContext(token)
	assert.ErrorIs(t, err, auth.ErrMissingUserID)
}

func TestExtractSubjectContext_InvalidRoleDefaultsToUser(t *testing.T) {
	resolver := newResolver(t)
	token := signToken(t, jwt.MapClaims{
		"sub":  "user-1",
		"role": "superuser",
		"exp":  time.Now().Add(time.Hour).Unix(),
	})

	subject, err := resolver.ExtractSubjectContext(token)
	require.NoError(t, err)
	assert.Equal(t, auth.RoleUser, subject.Role)
}

func TestExtractSubjectContext_CommaJoinedPermissions(t *testing.T) {
	resolver := newResolver(t)
	token := signToken(t, jwt.MapClaims{
		"sub":         "user-1",
		"permissions": "memory:read, memory:write ,memory:share",
		"exp":         time.Now().Add(time.Hour).Unix(),
	})

	subject, err := resolver.ExtractSubjectContext(token)
	require.NoError(t, err)
	assert.Equal(t, []string{"memory:read", "memory:write", "memory:share"}, subject.Permissions)
}

func TestErrorsAreDistinct(t *testing.T) {
	if errors.Is(auth.ErrInvalidToken, auth.ErrTokenExpired) {
		t.Fatal("error sentinels must be distinct")
	}
}
