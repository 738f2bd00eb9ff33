// Package acl evaluates READ/WRITE/ADMIN/OWNER access to memory resources by
// combining ownership, time-bounded sharing grants, and visibility scope.
// Every evaluation produces an auditable decision; internal failures resolve
// to denial, never to a propagated error.
package acl

import (
	"errors"
	"time"
)

var (
	// ErrACLNotFound is returned by stores when no ACL exists for a memory.
	ErrACLNotFound = errors.New("memory acl not found")
	// ErrInvalidVisibility rejects unknown visibility scopes on mutation.
	ErrInvalidVisibility = errors.New("invalid visibility scope")
)

// AccessLevel is the ordinal permission tier for a memory.
// Ordering is load-bearing: decisions combine by taking the maximum granted
// level, and a request is granted iff that level covers the requirement.
type AccessLevel int

const (
	LevelNone  AccessLevel = 0
	LevelRead  AccessLevel = 1
	LevelWrite AccessLevel = 2
	LevelAdmin AccessLevel = 3
	LevelOwner AccessLevel = 4
)

var levelNames = map[AccessLevel]string{
	LevelNone:  "NONE",
	LevelRead:  "READ",
	LevelWrite: "WRITE",
	LevelAdmin: "ADMIN",
	LevelOwner: "OWNER",
}

func (l AccessLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "NONE"
}

// Covers reports whether this level satisfies a required level.
func (l AccessLevel) Covers(required AccessLevel) bool {
	return l >= required && l > LevelNone
}

// ParseAccessLevel maps a level name to its ordinal.
func ParseAccessLevel(name string) (AccessLevel, bool) {
	for level, n := range levelNames {
		if n == name {
			return level, true
		}
	}
	return LevelNone, false
}

// Visibility is a memory's default sharing breadth.
type Visibility string

const (
	VisibilityPrivate      Visibility = "PRIVATE"
	VisibilityTeam         Visibility = "TEAM"
	VisibilityOrganization Visibility = "ORGANIZATION"
	VisibilityPublic       Visibility = "PUBLIC"
)

func (v Visibility) Valid() bool {
	switch v {
	case VisibilityPrivate, VisibilityTeam, VisibilityOrganization, VisibilityPublic:
		return true
	}
	return false
}

// Permission names the operations callers request against a memory.
type Permission string

const (
	PermissionRead     Permission = "MEMORY_READ"
	PermissionWrite    Permission = "MEMORY_WRITE"
	PermissionUpdate   Permission = "MEMORY_UPDATE"
	PermissionShare    Permission = "MEMORY_SHARE"
	PermissionDelete   Permission = "MEMORY_DELETE"
	PermissionTransfer Permission = "MEMORY_TRANSFER"
)

// requiredLevel maps each permission to the minimum access level that
// satisfies it.
var requiredLevel = map[Permission]AccessLevel{
	PermissionRead:     LevelRead,
	PermissionWrite:    LevelWrite,
	PermissionUpdate:   LevelWrite,
	PermissionShare:    LevelAdmin,
	PermissionDelete:   LevelAdmin,
	PermissionTransfer: LevelOwner,
}

// RequiredLevel returns the minimum level for a permission.
func RequiredLevel(p Permission) (AccessLevel, bool) {
	level, ok := requiredLevel[p]
	return level, ok
}

// ShareGrant is one time-bounded sharing entry.
type ShareGrant struct {
	UserID    string      `json:"user_id"`
	Level     AccessLevel `json:"access_level"`
	SharedAt  time.Time   `json:"shared_at"`
	ExpiresAt *time.Time  `json:"expires_at,omitempty"`
}

// ExpiredAt reports whether the grant is inert at the given instant.
// Expired grants are evaluated as absent but are not eagerly deleted.
func (g ShareGrant) ExpiredAt(now time.Time) bool {
	return g.ExpiresAt != nil && !g.ExpiresAt.After(now)
}

// MemoryACL is the access-control record for one memory resource.
// The owner always holds OWNER access regardless of rules and grants.
type MemoryACL struct {
	MemoryID    string                 `json:"memory_id"`
	OwnerID     string                 `json:"owner_id"`
	OwnerOrgID  string                 `json:"owner_org_id,omitempty"`
	OwnerTeamID string                 `json:"owner_team_id,omitempty"`
	Visibility  Visibility             `json:"visibility"`
	AccessRules map[string]AccessLevel `json:"access_rules,omitempty"`
	SharedWith  []ShareGrant           `json:"shared_with,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// NewMemoryACL creates the default ACL written at memory-creation time:
// private, no rules, no shares.
func NewMemoryACL(memoryID, ownerID string) *MemoryACL {
	now := time.Now().UTC()
	return &MemoryACL{
		MemoryID:    memoryID,
		OwnerID:     ownerID,
		Visibility:  VisibilityPrivate,
		AccessRules: make(map[string]AccessLevel),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// AccessRequest asks whether a user may perform a permission on a memory.
type AccessRequest struct {
	UserID     string     `json:"user_id"`
	TokenID    string     `json:"token_id,omitempty"`
	MemoryID   string     `json:"memory_id"`
	Permission Permission `json:"requested_permission"`

	// Subject scope, used for TEAM and ORGANIZATION visibility matching.
	OrganizationID string `json:"organization_id,omitempty"`
	TeamID         string `json:"team_id,omitempty"`

	Context map[string]string `json:"context,omitempty"`
}

// AccessDecision is the immutable, write-once outcome of one evaluation.
type AccessDecision struct {
	ID          string                 `json:"id"`
	Granted     bool                   `json:"granted"`
	Level       AccessLevel            `json:"access_level"`
	Reason      string                 `json:"reason"`
	Method      string                 `json:"method"` // owner|visibility|sharing|rule|combined|error
	TokenUsed   string                 `json:"token_used,omitempty"`
	EvaluatedAt time.Time              `json:"evaluated_at"`
	AuditData   map[string]interface{} `json:"audit_data,omitempty"`
}
