package auth

import "errors"

// Authentication failures. All of them resolve to an anonymous subject at the
// provider layer; none of them abort the request.
var (
	// ErrInvalidToken means the bearer token could not be decoded or its
	// signature did not verify.
	ErrInvalidToken = errors.New("invalid token")
	// ErrTokenExpired means the token decoded but its exp claim is in the past.
	ErrTokenExpired = errors.New("token expired")
	// ErrMissingUserID means the claim set carries neither "sub" nor "user_id".
	ErrMissingUserID = errors.New("token missing user id claim")
)

// Role is the coarse authorization level carried in the token.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleUser   Role = "user"
	RoleViewer Role = "viewer"
)

// ParseRole maps a raw claim string to a Role. Unknown or empty strings are
// not an error: the resolver falls back to RoleUser.
func ParseRole(s string) (Role, bool) {
	switch Role(s) {
	case RoleAdmin, RoleUser, RoleViewer:
		return Role(s), true
	}
	return RoleUser, false
}

// SubjectContext is the normalized identity record for the current request.
// A nil *SubjectContext means "anonymous, unauthenticated". When non-nil,
// UserID is always populated.
type SubjectContext struct {
	UserID         string   `json:"user_id"`
	Email          string   `json:"email,omitempty"`
	Role           Role     `json:"role"`
	OrganizationID string   `json:"organization_id,omitempty"`
	TeamID         string   `json:"team_id,omitempty"`
	Permissions    []string `json:"permissions,omitempty"`
	Tier           string   `json:"tier,omitempty"`
}

// HasPermission reports whether the subject carries a specific permission.
// Admins implicitly hold every permission.
func (s *SubjectContext) HasPermission(perm string) bool {
	if s == nil {
		return false
	}
	if s.Role == RoleAdmin {
		return true
	}
	for _, p := range s.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}
