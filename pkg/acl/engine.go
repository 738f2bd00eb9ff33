package acl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ninaivalaigal/secore/pkg/audit"
)

// MissingACLPolicy decides what a complete ACL lookup miss means.
type MissingACLPolicy string

const (
	// MissingDeny treats a missing ACL as a denial. Production default.
	MissingDeny MissingACLPolicy = "deny"
	// MissingSynthesize materializes a default private ACL owned by the
	// placeholder owner. Development convenience only.
	MissingSynthesize MissingACLPolicy = "synthesize"
)

// placeholderOwner owns ACLs synthesized under MissingSynthesize.
const placeholderOwner = "1"

// partial is one evaluation path's contribution before combination.
type partial struct {
	granted bool
	level   AccessLevel
	method  string
	reason  string
}

// DecisionRecorder receives every decision for metrics. Optional.
type DecisionRecorder interface {
	RecordDecision(ctx context.Context, granted bool, duration time.Duration)
}

// Engine evaluates memory access and owns the sharing mutations.
// Construct one at startup and pass it to handlers; it has no package-level
// state.
type Engine struct {
	store    Store
	cache    Cache // optional
	auditLog *audit.Store
	sink     audit.Logger // optional
	missing  MissingACLPolicy
	recorder DecisionRecorder // optional
	logger   *slog.Logger

	// Per-memory mutation locks: share/revoke/visibility are
	// read-modify-write against the store and must not interleave.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	now func() time.Time
}

// Options configures optional engine collaborators.
type Options struct {
	Cache    Cache
	Sink     audit.Logger
	Missing  MissingACLPolicy
	Recorder DecisionRecorder
	Logger   *slog.Logger
}

// NewEngine creates an ACL engine. The store is required; everything else is
// optional.
func NewEngine(store Store, auditLog *audit.Store, opts Options) *Engine {
	if opts.Missing == "" {
		opts.Missing = MissingDeny
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if auditLog == nil {
		auditLog = audit.NewStore()
	}
	return &Engine{
		store:    store,
		cache:    opts.Cache,
		auditLog: auditLog,
		sink:     opts.Sink,
		missing:  opts.Missing,
		recorder: opts.Recorder,
		logger:   logger.With("component", "acl_engine"),
		locks:    make(map[string]*sync.Mutex),
		now:      time.Now,
	}
}

// EvaluateAccess produces a decision for one request. It never returns an
// error: any internal failure resolves to a denied decision with the error
// captured in the audit data.
func (e *Engine) EvaluateAccess(ctx context.Context, req AccessRequest) *AccessDecision {
	start := e.now()
	decision := e.evaluate(ctx, req)
	decision.EvaluatedAt = e.now().UTC()
	decision.ID = uuid.New().String()

	e.record(ctx, req, decision, e.now().Sub(start))
	return decision
}

func (e *Engine) evaluate(ctx context.Context, req AccessRequest) *AccessDecision {
	if req.UserID == "" || req.MemoryID == "" {
		return denied("invalid_request", map[string]interface{}{
			"error": "user_id and memory_id are required",
		})
	}

	required, ok := RequiredLevel(req.Permission)
	if !ok {
		return denied("unknown_permission", map[string]interface{}{
			"error": fmt.Sprintf("permission %q has no required level", req.Permission),
		})
	}

	acl, err := e.loadACL(ctx, req.MemoryID)
	if err != nil {
		if errors.Is(err, ErrACLNotFound) {
			return denied("acl_not_found", map[string]interface{}{
				"missing_policy": string(e.missing),
			})
		}
		// Fail closed: store trouble is a denial, not a 500.
		return &AccessDecision{
			Granted: false,
			Level:   LevelNone,
			Reason:  "evaluation_error",
			Method:  "error",
			AuditData: map[string]interface{}{
				"error": err.Error(),
			},
		}
	}

	// Owner supremacy: rules and grants cannot demote the owner.
	if req.UserID == acl.OwnerID {
		return &AccessDecision{
			Granted: true,
			Level:   LevelOwner,
			Reason:  "owner",
			Method:  "owner",
			AuditData: map[string]interface{}{
				"required_level": required.String(),
			},
		}
	}

	partials := []partial{
		e.evaluateToken(req),
		e.evaluateVisibility(acl, req),
		e.evaluateRules(acl, req),
		e.evaluateSharing(acl, req),
	}

	combined := partial{method: "combined", reason: "no_access_path"}
	for _, p := range partials {
		if p.granted && p.level > combined.level {
			combined = p
		}
	}

	auditData := map[string]interface{}{
		"required_level": required.String(),
		"combined_level": combined.level.String(),
		"visibility":     string(acl.Visibility),
	}
	if req.TokenID != "" {
		auditData["token_scope"] = "unsupported"
	}

	if !combined.level.Covers(required) {
		reason := combined.reason
		if combined.granted {
			reason = "insufficient_level"
		}
		return &AccessDecision{
			Granted:   false,
			Level:     combined.level,
			Reason:    reason,
			Method:    combined.method,
			TokenUsed: req.TokenID,
			AuditData: auditData,
		}
	}

	return &AccessDecision{
		Granted:   true,
		Level:     combined.level,
		Reason:    combined.reason,
		Method:    combined.method,
		TokenUsed: req.TokenID,
		AuditData: auditData,
	}
}

// evaluateToken handles token-scoped requests. Token-scoped ACLs are
// formally unsupported: the partial never grants, and evaluation falls
// through to the visibility and sharing paths.
func (e *Engine) evaluateToken(req AccessRequest) partial {
	if req.TokenID == "" {
		return partial{method: "token", reason: "no_token"}
	}
	return partial{method: "token", reason: "token_scope_unsupported"}
}

func (e *Engine) evaluateVisibility(acl *MemoryACL, req AccessRequest) partial {
	switch acl.Visibility {
	case VisibilityPublic:
		return partial{granted: true, level: LevelRead, method: "visibility", reason: "public_visibility"}
	case VisibilityTeam:
		if req.TeamID != "" && req.TeamID == acl.OwnerTeamID {
			return partial{granted: true, level: LevelRead, method: "visibility", reason: "team_visibility"}
		}
	case VisibilityOrganization:
		if req.OrganizationID != "" && req.OrganizationID == acl.OwnerOrgID {
			return partial{granted: true, level: LevelRead, method: "visibility", reason: "organization_visibility"}
		}
	}
	return partial{method: "visibility", reason: "visibility_no_match"}
}

func (e *Engine) evaluateRules(acl *MemoryACL, req AccessRequest) partial {
	if level, ok := acl.AccessRules[req.UserID]; ok && level > LevelNone {
		return partial{granted: true, level: level, method: "rule", reason: "access_rule"}
	}
	return partial{method: "rule", reason: "no_rule"}
}

// evaluateSharing finds the first matching, non-expired grant. Expired
// entries are skipped, not consumed.
func (e *Engine) evaluateSharing(acl *MemoryACL, req AccessRequest) partial {
	now := e.now()
	for _, grant := range acl.SharedWith {
		if grant.UserID != req.UserID {
			continue
		}
		if grant.ExpiredAt(now) {
			continue
		}
		return partial{granted: true, level: grant.Level, method: "sharing", reason: "share_grant"}
	}
	return partial{method: "sharing", reason: "no_share_grant"}
}

func denied(reason string, auditData map[string]interface{}) *AccessDecision {
	return &AccessDecision{
		Granted:   false,
		Level:     LevelNone,
		Reason:    reason,
		Method:    "combined",
		AuditData: auditData,
	}
}

// loadACL reads cache-first, then the store. Under MissingSynthesize a miss
// materializes (and persists) a default private ACL.
func (e *Engine) loadACL(ctx context.Context, memoryID string) (*MemoryACL, error) {
	if e.cache != nil {
		if acl, ok := e.cache.Get(ctx, memoryID); ok {
			return acl, nil
		}
	}

	acl, err := e.store.Get(ctx, memoryID)
	if err != nil {
		if errors.Is(err, ErrACLNotFound) && e.missing == MissingSynthesize {
			acl = NewMemoryACL(memoryID, placeholderOwner)
			if putErr := e.store.Put(ctx, acl); putErr != nil {
				e.logger.WarnContext(ctx, "failed to persist synthesized acl", "memory_id", memoryID, "error", putErr)
			}
		} else {
			return nil, err
		}
	}

	if e.cache != nil {
		e.cache.Set(ctx, acl)
	}
	return acl, nil
}

// record writes the decision to the audit log and optional sink. Audit
// failures never fail the decision.
func (e *Engine) record(ctx context.Context, req AccessRequest, decision *AccessDecision, elapsed time.Duration) {
	if _, err := e.auditLog.Append(req.UserID, "memory:"+req.MemoryID, "evaluate_access", decision); err != nil {
		e.logger.WarnContext(ctx, "audit append failed", "memory_id", req.MemoryID, "error", err)
	}
	if e.sink != nil {
		meta := map[string]interface{}{
			"decision_id": decision.ID,
			"granted":     decision.Granted,
			"level":       decision.Level.String(),
			"method":      decision.Method,
			"reason":      decision.Reason,
			"permission":  string(req.Permission),
		}
		if err := e.sink.Record(ctx, audit.EventAccess, "evaluate_access", "memory:"+req.MemoryID, meta); err != nil {
			e.logger.WarnContext(ctx, "audit sink write failed", "error", err)
		}
	}
	if e.recorder != nil {
		e.recorder.RecordDecision(ctx, decision.Granted, elapsed)
	}
}

// lockFor returns the mutation lock for one memory ID.
func (e *Engine) lockFor(memoryID string) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	mu, ok := e.locks[memoryID]
	if !ok {
		mu = &sync.Mutex{}
		e.locks[memoryID] = mu
	}
	return mu
}

// CreateACL writes the default ACL for a newly created memory.
func (e *Engine) CreateACL(ctx context.Context, memoryID, ownerID string, visibility Visibility) (*MemoryACL, error) {
	if visibility == "" {
		visibility = VisibilityPrivate
	}
	if !visibility.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidVisibility, visibility)
	}

	mu := e.lockFor(memoryID)
	mu.Lock()
	defer mu.Unlock()

	if existing, err := e.store.Get(ctx, memoryID); err == nil {
		return existing, fmt.Errorf("acl already exists for memory %q", memoryID)
	}

	acl := NewMemoryACL(memoryID, ownerID)
	acl.Visibility = visibility
	if err := e.store.Put(ctx, acl); err != nil {
		return nil, err
	}
	if e.cache != nil {
		e.cache.Set(ctx, acl)
	}
	e.auditMutation(ctx, ownerID, memoryID, "create_acl", map[string]interface{}{
		"visibility": string(visibility),
	})
	return acl, nil
}

// GetACL exposes the stored ACL for the read API.
func (e *Engine) GetACL(ctx context.Context, memoryID string) (*MemoryACL, error) {
	return e.loadACL(ctx, memoryID)
}

// ShareMemory grants a user access. The actor must hold ADMIN (owners
// qualify via owner supremacy).
func (e *Engine) ShareMemory(ctx context.Context, actorID, memoryID, targetUserID string, level AccessLevel, expiresAt *time.Time) error {
	if level <= LevelNone || level >= LevelOwner {
		return fmt.Errorf("share level must be between READ and ADMIN, got %s", level)
	}
	if err := e.requireAdmin(ctx, actorID, memoryID, PermissionShare); err != nil {
		return err
	}

	mu := e.lockFor(memoryID)
	mu.Lock()
	defer mu.Unlock()

	acl, err := e.store.Get(ctx, memoryID)
	if err != nil {
		return err
	}

	grant := ShareGrant{UserID: targetUserID, Level: level, SharedAt: e.now().UTC(), ExpiresAt: expiresAt}
	replaced := false
	for i, g := range acl.SharedWith {
		if g.UserID == targetUserID {
			acl.SharedWith[i] = grant
			replaced = true
			break
		}
	}
	if !replaced {
		acl.SharedWith = append(acl.SharedWith, grant)
	}
	acl.UpdatedAt = e.now().UTC()

	if err := e.persist(ctx, acl); err != nil {
		return err
	}
	e.auditMutation(ctx, actorID, memoryID, "share_memory", map[string]interface{}{
		"target_user": targetUserID,
		"level":       level.String(),
		"expires_at":  expiresAt,
	})
	return nil
}

// RevokeAccess removes a user's grants and explicit rules.
func (e *Engine) RevokeAccess(ctx context.Context, actorID, memoryID, targetUserID string) error {
	if err := e.requireAdmin(ctx, actorID, memoryID, PermissionShare); err != nil {
		return err
	}

	mu := e.lockFor(memoryID)
	mu.Lock()
	defer mu.Unlock()

	acl, err := e.store.Get(ctx, memoryID)
	if err != nil {
		return err
	}

	kept := acl.SharedWith[:0]
	for _, g := range acl.SharedWith {
		if g.UserID != targetUserID {
			kept = append(kept, g)
		}
	}
	acl.SharedWith = kept
	delete(acl.AccessRules, targetUserID)
	acl.UpdatedAt = e.now().UTC()

	if err := e.persist(ctx, acl); err != nil {
		return err
	}
	e.auditMutation(ctx, actorID, memoryID, "revoke_memory_access", map[string]interface{}{
		"target_user": targetUserID,
	})
	return nil
}

// UpdateVisibility changes a memory's visibility scope.
func (e *Engine) UpdateVisibility(ctx context.Context, actorID, memoryID string, visibility Visibility) error {
	if !visibility.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidVisibility, visibility)
	}
	if err := e.requireAdmin(ctx, actorID, memoryID, PermissionUpdate); err != nil {
		return err
	}

	mu := e.lockFor(memoryID)
	mu.Lock()
	defer mu.Unlock()

	acl, err := e.store.Get(ctx, memoryID)
	if err != nil {
		return err
	}
	acl.Visibility = visibility
	acl.UpdatedAt = e.now().UTC()

	if err := e.persist(ctx, acl); err != nil {
		return err
	}
	e.auditMutation(ctx, actorID, memoryID, "update_memory_visibility", map[string]interface{}{
		"visibility": string(visibility),
	})
	return nil
}

// ErrAccessDenied is returned by mutations when the actor lacks ADMIN.
var ErrAccessDenied = errors.New("access denied")

func (e *Engine) requireAdmin(ctx context.Context, actorID, memoryID string, permission Permission) error {
	decision := e.EvaluateAccess(ctx, AccessRequest{
		UserID:     actorID,
		MemoryID:   memoryID,
		Permission: permission,
	})
	if !decision.Granted || !decision.Level.Covers(LevelAdmin) {
		return fmt.Errorf("%w: user %q needs ADMIN on memory %q", ErrAccessDenied, actorID, memoryID)
	}
	return nil
}

func (e *Engine) persist(ctx context.Context, acl *MemoryACL) error {
	if err := e.store.Put(ctx, acl); err != nil {
		return err
	}
	if e.cache != nil {
		e.cache.Set(ctx, acl)
	}
	return nil
}

func (e *Engine) auditMutation(ctx context.Context, actorID, memoryID, action string, meta map[string]interface{}) {
	if _, err := e.auditLog.Append(actorID, "memory:"+memoryID, action, meta); err != nil {
		e.logger.WarnContext(ctx, "audit append failed", "action", action, "error", err)
	}
	if e.sink != nil {
		if err := e.sink.Record(ctx, audit.EventMutation, action, "memory:"+memoryID, meta); err != nil {
			e.logger.WarnContext(ctx, "audit sink write failed", "action", action, "error", err)
		}
	}
}

// AccessibleMemories lists memory IDs the user can READ, with the access
// level each path grants.
func (e *Engine) AccessibleMemories(ctx context.Context, userID, orgID, teamID string) (map[string]AccessLevel, error) {
	acls, err := e.store.List(ctx)
	if err != nil {
		return nil, err
	}

	out := make(map[string]AccessLevel)
	for _, acl := range acls {
		if acl.OwnerID == userID {
			out[acl.MemoryID] = LevelOwner
			continue
		}
		req := AccessRequest{UserID: userID, MemoryID: acl.MemoryID, OrganizationID: orgID, TeamID: teamID}
		best := LevelNone
		for _, p := range []partial{
			e.evaluateVisibility(acl, req),
			e.evaluateRules(acl, req),
			e.evaluateSharing(acl, req),
		} {
			if p.granted && p.level > best {
				best = p.level
			}
		}
		if best > LevelNone {
			out[acl.MemoryID] = best
		}
	}
	return out, nil
}

// Stats summarizes the engine's current state.
type Stats struct {
	TotalACLs    int            `json:"total_acls"`
	ByVisibility map[string]int `json:"by_visibility"`
	TotalGrants  int            `json:"total_grants"`
	AuditEntries int            `json:"audit_entries"`
}

func (e *Engine) Stats(ctx context.Context) (*Stats, error) {
	acls, err := e.store.List(ctx)
	if err != nil {
		return nil, err
	}
	stats := &Stats{ByVisibility: make(map[string]int)}
	stats.TotalACLs = len(acls)
	for _, acl := range acls {
		stats.ByVisibility[string(acl.Visibility)]++
		stats.TotalGrants += len(acl.SharedWith)
	}
	stats.AuditEntries = e.auditLog.Len()
	return stats, nil
}

// BulkEvaluate evaluates many requests; each yields its own audited decision.
func (e *Engine) BulkEvaluate(ctx context.Context, reqs []AccessRequest) []*AccessDecision {
	decisions := make([]*AccessDecision, len(reqs))
	for i, req := range reqs {
		decisions[i] = e.EvaluateAccess(ctx, req)
	}
	return decisions
}

// AuditLog exposes the decision log for the read API.
func (e *Engine) AuditLog() *audit.Store {
	return e.auditLog
}
