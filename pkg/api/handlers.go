package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ninaivalaigal/secore/pkg/acl"
	"github.com/ninaivalaigal/secore/pkg/auth"
	"github.com/ninaivalaigal/secore/pkg/tiers"
)

// EvaluateRequest is the body of POST /acl/evaluate.
type EvaluateRequest struct {
	MemoryID   string `json:"memory_id"`
	Permission string `json:"permission"`
	TokenID    string `json:"token_id,omitempty"`
}

func (a *App) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	subject := auth.SubjectFrom(r.Context())
	if subject == nil {
		WriteUnauthorized(w, "")
		return
	}

	var req EvaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.MemoryID == "" || req.Permission == "" {
		WriteBadRequest(w, "Missing required fields: memory_id, permission")
		return
	}

	decision := a.Engine.EvaluateAccess(r.Context(), acl.AccessRequest{
		UserID:         subject.UserID,
		TokenID:        req.TokenID,
		MemoryID:       req.MemoryID,
		Permission:     acl.Permission(req.Permission),
		OrganizationID: subject.OrganizationID,
		TeamID:         subject.TeamID,
	})

	a.observeDecision(r, subject.UserID, decision.Reason)
	writeJSON(w, http.StatusOK, decision)
}

func (a *App) handleBulkEvaluate(w http.ResponseWriter, r *http.Request) {
	subject := auth.SubjectFrom(r.Context())
	if subject == nil {
		WriteUnauthorized(w, "")
		return
	}

	var reqs []EvaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if len(reqs) == 0 || len(reqs) > 100 {
		WriteBadRequest(w, "Bulk evaluation takes 1 to 100 requests")
		return
	}

	accessReqs := make([]acl.AccessRequest, len(reqs))
	for i, req := range reqs {
		accessReqs[i] = acl.AccessRequest{
			UserID:         subject.UserID,
			TokenID:        req.TokenID,
			MemoryID:       req.MemoryID,
			Permission:     acl.Permission(req.Permission),
			OrganizationID: subject.OrganizationID,
			TeamID:         subject.TeamID,
		}
	}

	decisions := a.Engine.BulkEvaluate(r.Context(), accessReqs)
	for _, d := range decisions {
		a.observeDecision(r, subject.UserID, d.Reason)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"decisions": decisions})
}

func (a *App) handleGetACL(w http.ResponseWriter, r *http.Request) {
	subject := auth.SubjectFrom(r.Context())
	if subject == nil {
		WriteUnauthorized(w, "")
		return
	}
	memoryID := r.PathValue("id")

	// Reading the raw ACL requires ADMIN on the memory.
	decision := a.Engine.EvaluateAccess(r.Context(), acl.AccessRequest{
		UserID:         subject.UserID,
		MemoryID:       memoryID,
		Permission:     acl.PermissionShare,
		OrganizationID: subject.OrganizationID,
		TeamID:         subject.TeamID,
	})
	if !decision.Granted {
		WriteForbidden(w, "")
		return
	}

	record, err := a.Engine.GetACL(r.Context(), memoryID)
	if err != nil {
		a.writeMutationError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

type createACLRequest struct {
	Visibility string `json:"visibility,omitempty"`
}

func (a *App) handleCreateACL(w http.ResponseWriter, r *http.Request) {
	subject := auth.SubjectFrom(r.Context())
	if subject == nil {
		WriteUnauthorized(w, "")
		return
	}
	memoryID := r.PathValue("id")

	// An empty body means default visibility.
	var req createACLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		WriteBadRequest(w, "Invalid request body")
		return
	}

	record, err := a.Engine.CreateACL(r.Context(), memoryID, subject.UserID, acl.Visibility(req.Visibility))
	if err != nil {
		if errors.Is(err, acl.ErrInvalidVisibility) {
			WriteBadRequest(w, err.Error())
			return
		}
		a.writeMutationError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, record)
}

type shareRequest struct {
	UserID    string     `json:"user_id"`
	Level     string     `json:"level"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func (a *App) handleShare(w http.ResponseWriter, r *http.Request) {
	subject := auth.SubjectFrom(r.Context())
	if subject == nil {
		WriteUnauthorized(w, "")
		return
	}
	memoryID := r.PathValue("id")

	var req shareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.UserID == "" || req.Level == "" {
		WriteBadRequest(w, "Missing required fields: user_id, level")
		return
	}
	level, ok := acl.ParseAccessLevel(req.Level)
	if !ok {
		WriteBadRequest(w, "Unknown access level: "+req.Level)
		return
	}

	if err := a.Engine.ShareMemory(r.Context(), subject.UserID, memoryID, req.UserID, level, req.ExpiresAt); err != nil {
		a.writeMutationError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "shared"})
}

func (a *App) handleRevoke(w http.ResponseWriter, r *http.Request) {
	subject := auth.SubjectFrom(r.Context())
	if subject == nil {
		WriteUnauthorized(w, "")
		return
	}

	err := a.Engine.RevokeAccess(r.Context(), subject.UserID, r.PathValue("id"), r.PathValue("user_id"))
	if err != nil {
		a.writeMutationError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

type visibilityRequest struct {
	Visibility string `json:"visibility"`
}

func (a *App) handleUpdateVisibility(w http.ResponseWriter, r *http.Request) {
	subject := auth.SubjectFrom(r.Context())
	if subject == nil {
		WriteUnauthorized(w, "")
		return
	}

	var req visibilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}

	err := a.Engine.UpdateVisibility(r.Context(), subject.UserID, r.PathValue("id"), acl.Visibility(req.Visibility))
	if err != nil {
		if errors.Is(err, acl.ErrInvalidVisibility) {
			WriteBadRequest(w, err.Error())
			return
		}
		a.writeMutationError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (a *App) handleAccessibleMemories(w http.ResponseWriter, r *http.Request) {
	subject := auth.SubjectFrom(r.Context())
	if subject == nil {
		WriteUnauthorized(w, "")
		return
	}

	// A degraded store fails open to an empty listing for low tiers and is
	// refused outright above the fail-closed threshold.
	list := func(ctx context.Context) (map[string]acl.AccessLevel, error) {
		return a.Engine.AccessibleMemories(ctx, subject.UserID, subject.OrganizationID, subject.TeamID)
	}

	var memories map[string]acl.AccessLevel
	var err error
	if a.TierPolicy != nil {
		memories, err = tiers.Guard(r.Context(), a.TierPolicy, a.requestTier(r), map[string]acl.AccessLevel{}, list)
	} else {
		memories, err = list(r.Context())
	}
	if err != nil {
		var violation *tiers.TierPolicyViolation
		if errors.As(err, &violation) {
			WriteTierViolation(w, violation)
			return
		}
		WriteInternal(w, err)
		return
	}

	out := make(map[string]string, len(memories))
	for id, level := range memories {
		out[id] = level.String()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"memories": out, "count": len(out)})
}

func (a *App) handleStats(w http.ResponseWriter, r *http.Request) {
	subject := auth.SubjectFrom(r.Context())
	if subject == nil || subject.Role != auth.RoleAdmin {
		WriteForbidden(w, "Stats require the admin role")
		return
	}

	stats, err := a.Engine.Stats(r.Context())
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *App) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	subject := auth.SubjectFrom(r.Context())
	if subject == nil || subject.Role != auth.RoleAdmin {
		WriteForbidden(w, "The audit log requires the admin role")
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			WriteBadRequest(w, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	log := a.Engine.AuditLog()
	entries := log.List(
		r.URL.Query().Get("actor"),
		r.URL.Query().Get("resource"),
		limit,
	)
	body := map[string]interface{}{"entries": entries, "count": len(entries)}

	// ?verify=true recomputes the hash chain so an operator can prove the log
	// has not been tampered with since boot.
	if r.URL.Query().Get("verify") == "true" {
		if err := log.VerifyChain(); err != nil {
			body["chain_valid"] = false
			body["chain_error"] = err.Error()
		} else {
			body["chain_valid"] = true
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *App) handleConfigSnapshot(w http.ResponseWriter, r *http.Request) {
	if a.Config == nil {
		WriteInternal(w, errors.New("no config loaded"))
		return
	}
	writeJSON(w, http.StatusOK, a.Config.Redacted())
}

func (a *App) handleConfigValidate(w http.ResponseWriter, r *http.Request) {
	if a.Config == nil {
		WriteInternal(w, errors.New("no config loaded"))
		return
	}
	if err := a.Config.Validate(); err != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"valid":  false,
			"errors": splitJoined(err),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"valid": true})
}

// writeMutationError maps engine errors to responses: denials are 403, a
// missing ACL is 404, anything else goes through the fail-closed tier policy.
func (a *App) writeMutationError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, acl.ErrAccessDenied):
		WriteForbidden(w, "")
	case errors.Is(err, acl.ErrACLNotFound):
		WriteNotFound(w, "No ACL for this memory")
	default:
		tier := a.requestTier(r)
		if a.TierPolicy != nil && a.TierPolicy.FailClosed(tier) {
			WriteTierViolation(w, &tiers.TierPolicyViolation{
				Tier:      tier,
				Threshold: a.TierPolicy.FailClosedThreshold,
				Cause:     err,
			})
			return
		}
		WriteInternal(w, err)
	}
}

func (a *App) requestTier(r *http.Request) tiers.DataTier {
	if a.Classifier == nil {
		return tiers.TierPublic
	}
	return a.Classifier.ClassifyRequest(r)
}

// observeDecision feeds decision labels through the cardinality guard before
// anything reaches the metrics backend.
func (a *App) observeDecision(r *http.Request, userID, reason string) {
	if a.Guard == nil {
		return
	}
	_, err := a.Guard.ValidateLabels(map[string]string{
		"route":   r.URL.Path,
		"reason":  reason,
		"user_id": userID,
	}, "secore.decisions.total")
	if err != nil {
		a.Logger.WarnContext(r.Context(), "metric emission rejected", "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func splitJoined(err error) []string {
	type unwrapper interface{ Unwrap() []error }
	var u unwrapper
	if errors.As(err, &u) {
		out := make([]string, 0, len(u.Unwrap()))
		for _, e := range u.Unwrap() {
			out = append(out, e.Error())
		}
		return out
	}
	return []string{err.Error()}
}
