package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ninaivalaigal/secore/pkg/acl"
	"github.com/ninaivalaigal/secore/pkg/api"
	"github.com/ninaivalaigal/secore/pkg/audit"
	"github.com/ninaivalaigal/secore/pkg/auth"
	"github.com/ninaivalaigal/secore/pkg/config"
	"github.com/ninaivalaigal/secore/pkg/observability"
	"github.com/ninaivalaigal/secore/pkg/tiers"
)

// headerProvider authenticates from test headers: X-Test-User, X-Test-Role,
// X-Test-Tier. No header means anonymous.
func headerProvider() auth.SubjectProvider {
	return auth.ProviderFunc(func(r *http.Request) (*auth.SubjectContext, error) {
		userID := r.Header.Get("X-Test-User")
		if userID == "" {
			return nil, nil
		}
		role := auth.Role(r.Header.Get("X-Test-Role"))
		if role == "" {
			role = auth.RoleUser
		}
		return &auth.SubjectContext{
			UserID:         userID,
			Role:           role,
			OrganizationID: r.Header.Get("X-Test-Org"),
			TeamID:         r.Header.Get("X-Test-Team"),
			Tier:           r.Header.Get("X-Test-Tier"),
		}, nil
	})
}

func testConfig() *config.SecurityConfig {
	return &config.SecurityConfig{
		Environment:             config.EnvDevelopment,
		JWTSecret:               "s3cret",
		JWTVerify:               true,
		FailClosedTierThreshold: 3,
		GuardProfile:            config.ProfileBalanced,
		MaxBodyBytes:            1 << 20,
		IdempotencyTTL:          time.Hour,
		ACLMissingPolicy:        "deny",
	}
}

func newTestApp(t *testing.T, store acl.Store) *api.App {
	t.Helper()
	if store == nil {
		store = acl.NewMemoryStore()
	}
	engine := acl.NewEngine(store, audit.NewStore(), acl.Options{})
	app := api.NewApp(testConfig(), engine)
	app.Classifier = tiers.NewClassifier()
	app.TierPolicy = tiers.NewPolicy(tiers.TierConfidential, tiers.TierPublic, nil)
	app.SetSubjectProvider(headerProvider())
	return app
}

func doJSON(t *testing.T, handler http.Handler, method, path, user string, body interface{}, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != "" {
		req.Header.Set("X-Test-User", user)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestEvaluateRequiresAuthentication(t *testing.T) {
	app := newTestApp(t, nil)
	rec := doJSON(t, app.Handler(), http.MethodPost, "/acl/evaluate", "", api.EvaluateRequest{
		MemoryID: "mem_1", Permission: "MEMORY_READ",
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
}

func TestEvaluateOwner(t *testing.T) {
	store := acl.NewMemoryStore()
	require.NoError(t, store.Put(context.Background(), acl.NewMemoryACL("mem_1", "alice")))
	app := newTestApp(t, store)

	rec := doJSON(t, app.Handler(), http.MethodPost, "/acl/evaluate", "alice", api.EvaluateRequest{
		MemoryID: "mem_1", Permission: "MEMORY_WRITE",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var decision acl.AccessDecision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decision))
	assert.True(t, decision.Granted)
	assert.Equal(t, "owner", decision.Method)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestEvaluateValidation(t *testing.T) {
	app := newTestApp(t, nil)
	handler := app.Handler()

	rec := doJSON(t, handler, http.MethodPost, "/acl/evaluate", "alice", map[string]string{}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/acl/evaluate", strings.NewReader("{broken"))
	req.Header.Set("X-Test-User", "alice")
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusBadRequest, rec2.Code)
}

func TestShareRevokeLifecycleOverHTTP(t *testing.T) {
	store := acl.NewMemoryStore()
	require.NoError(t, store.Put(context.Background(), acl.NewMemoryACL("mem_1", "alice")))
	app := newTestApp(t, store)
	handler := app.Handler()

	// Bob cannot read yet.
	rec := doJSON(t, handler, http.MethodPost, "/acl/evaluate", "bob", api.EvaluateRequest{
		MemoryID: "mem_1", Permission: "MEMORY_READ",
	}, nil)
	var decision acl.AccessDecision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decision))
	require.False(t, decision.Granted)

	// Bob cannot share either.
	rec = doJSON(t, handler, http.MethodPost, "/acl/memory/mem_1/share", "bob", map[string]string{
		"user_id": "carol", "level": "READ",
	}, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Alice shares WRITE with bob.
	rec = doJSON(t, handler, http.MethodPost, "/acl/memory/mem_1/share", "alice", map[string]string{
		"user_id": "bob", "level": "WRITE",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, handler, http.MethodPost, "/acl/evaluate", "bob", api.EvaluateRequest{
		MemoryID: "mem_1", Permission: "MEMORY_WRITE",
	}, nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decision))
	assert.True(t, decision.Granted)

	// Unknown level is rejected before it reaches the engine.
	rec = doJSON(t, handler, http.MethodPost, "/acl/memory/mem_1/share", "alice", map[string]string{
		"user_id": "carol", "level": "SUPERUSER",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Revoke and verify.
	rec = doJSON(t, handler, http.MethodDelete, "/acl/memory/mem_1/share/bob", "alice", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, handler, http.MethodPost, "/acl/evaluate", "bob", api.EvaluateRequest{
		MemoryID: "mem_1", Permission: "MEMORY_READ",
	}, nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decision))
	assert.False(t, decision.Granted)
}

func TestVisibilityUpdateOverHTTP(t *testing.T) {
	store := acl.NewMemoryStore()
	require.NoError(t, store.Put(context.Background(), acl.NewMemoryACL("mem_1", "alice")))
	app := newTestApp(t, store)
	handler := app.Handler()

	rec := doJSON(t, handler, http.MethodPut, "/acl/memory/mem_1/visibility", "alice", map[string]string{
		"visibility": "PUBLIC",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, handler, http.MethodPost, "/acl/evaluate", "bob", api.EvaluateRequest{
		MemoryID: "mem_1", Permission: "MEMORY_READ",
	}, nil)
	var decision acl.AccessDecision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decision))
	assert.True(t, decision.Granted)

	rec = doJSON(t, handler, http.MethodPut, "/acl/memory/mem_1/visibility", "alice", map[string]string{
		"visibility": "FRIENDS",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateACLOverHTTP(t *testing.T) {
	app := newTestApp(t, nil)
	handler := app.Handler()

	rec := doJSON(t, handler, http.MethodPost, "/acl/memory/mem_new/create", "alice", map[string]string{
		"visibility": "TEAM",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	var record acl.MemoryACL
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &record))
	assert.Equal(t, "alice", record.OwnerID)
	assert.Equal(t, acl.VisibilityTeam, record.Visibility)
}

func TestGetACLRequiresAdminAccess(t *testing.T) {
	store := acl.NewMemoryStore()
	a := acl.NewMemoryACL("mem_1", "alice")
	a.Visibility = acl.VisibilityPublic
	require.NoError(t, store.Put(context.Background(), a))
	app := newTestApp(t, store)
	handler := app.Handler()

	rec := doJSON(t, handler, http.MethodGet, "/acl/memory/mem_1", "alice", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Public visibility grants READ, not ADMIN, so bob cannot see the raw ACL.
	rec = doJSON(t, handler, http.MethodGet, "/acl/memory/mem_1", "bob", nil, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAccessibleMemories(t *testing.T) {
	store := acl.NewMemoryStore()
	require.NoError(t, store.Put(context.Background(), acl.NewMemoryACL("mem_1", "alice")))
	pub := acl.NewMemoryACL("mem_2", "bob")
	pub.Visibility = acl.VisibilityPublic
	require.NoError(t, store.Put(context.Background(), pub))
	app := newTestApp(t, store)

	rec := doJSON(t, app.Handler(), http.MethodGet, "/acl/accessible-memories", "alice", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Memories map[string]string `json:"memories"`
		Count    int               `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Count)
	assert.Equal(t, "OWNER", body.Memories["mem_1"])
	assert.Equal(t, "READ", body.Memories["mem_2"])
}

func TestStatsAndAuditLogRequireAdminRole(t *testing.T) {
	store := acl.NewMemoryStore()
	require.NoError(t, store.Put(context.Background(), acl.NewMemoryACL("mem_1", "alice")))
	app := newTestApp(t, store)
	handler := app.Handler()

	rec := doJSON(t, handler, http.MethodGet, "/acl/stats", "alice", nil, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, handler, http.MethodGet, "/acl/stats", "root", nil, map[string]string{"X-Test-Role": "admin"})
	require.Equal(t, http.StatusOK, rec.Code)

	var stats acl.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.TotalACLs)

	rec = doJSON(t, handler, http.MethodGet, "/acl/audit-log?limit=9999", "root", nil, map[string]string{"X-Test-Role": "admin"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, handler, http.MethodGet, "/acl/audit-log", "root", nil, map[string]string{"X-Test-Role": "admin"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuditLogChainVerification(t *testing.T) {
	store := acl.NewMemoryStore()
	require.NoError(t, store.Put(context.Background(), acl.NewMemoryACL("mem_1", "alice")))
	app := newTestApp(t, store)
	handler := app.Handler()

	// Produce a few chained entries first.
	for i := 0; i < 3; i++ {
		rec := doJSON(t, handler, http.MethodPost, "/acl/evaluate", "alice", api.EvaluateRequest{
			MemoryID: "mem_1", Permission: "MEMORY_READ",
		}, nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := doJSON(t, handler, http.MethodGet, "/acl/audit-log?verify=true", "root", nil, map[string]string{"X-Test-Role": "admin"})
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Count      int  `json:"count"`
		ChainValid bool `json:"chain_valid"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 3, body.Count)
	assert.True(t, body.ChainValid)

	// Without the flag the field stays absent.
	rec = doJSON(t, handler, http.MethodGet, "/acl/audit-log", "root", nil, map[string]string{"X-Test-Role": "admin"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "chain_valid")
}

func TestConfigEndpoints(t *testing.T) {
	app := newTestApp(t, nil)
	handler := app.Handler()

	rec := doJSON(t, handler, http.MethodGet, "/healthz/config", "", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var snap map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, true, snap["jwt_secret_configured"])
	assert.NotContains(t, rec.Body.String(), "s3cret")

	rec = doJSON(t, handler, http.MethodGet, "/healthz/config/validate", "", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var verdict struct {
		Valid  bool     `json:"valid"`
		Errors []string `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &verdict))
	assert.True(t, verdict.Valid)

	app.Config.FailClosedTierThreshold = 42
	rec = doJSON(t, handler, http.MethodGet, "/healthz/config/validate", "", nil, nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &verdict))
	assert.False(t, verdict.Valid)
	assert.NotEmpty(t, verdict.Errors)
}

type brokenStore struct{}

func (brokenStore) Get(context.Context, string) (*acl.MemoryACL, error) {
	return nil, errors.New("store offline")
}
func (brokenStore) Put(context.Context, *acl.MemoryACL) error { return errors.New("store offline") }
func (brokenStore) Delete(context.Context, string) error      { return errors.New("store offline") }
func (brokenStore) List(context.Context) ([]*acl.MemoryACL, error) {
	return nil, errors.New("store offline")
}

func TestDegradedStoreFailOpenAndFailClosed(t *testing.T) {
	app := newTestApp(t, brokenStore{})
	handler := app.Handler()

	// Low tier: listing fails open to an empty result.
	rec := doJSON(t, handler, http.MethodGet, "/acl/accessible-memories", "alice", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 0, body.Count)

	// At or above the threshold the same failure is refused with the fixed
	// 422 contract.
	rec = doJSON(t, handler, http.MethodGet, "/acl/accessible-memories", "alice", nil, map[string]string{
		"X-Test-Tier": "confidential",
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var refusal struct {
		Error  string `json:"error"`
		Tier   int    `json:"tier"`
		Policy string `json:"policy"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &refusal))
	assert.Equal(t, "Security policy violation", refusal.Error)
	assert.Equal(t, 3, refusal.Tier)
	assert.Equal(t, "fail_closed_threshold_3", refusal.Policy)
}

func TestProviderSlotIsolation(t *testing.T) {
	store := acl.NewMemoryStore()
	require.NoError(t, store.Put(context.Background(), acl.NewMemoryACL("mem_1", "alice")))

	appA := newTestApp(t, store)
	appB := newTestApp(t, store)

	// Swap appB's provider for one that authenticates everyone as alice.
	appB.SetSubjectProvider(auth.ProviderFunc(func(r *http.Request) (*auth.SubjectContext, error) {
		return &auth.SubjectContext{UserID: "alice", Role: auth.RoleUser}, nil
	}))

	evaluate := api.EvaluateRequest{MemoryID: "mem_1", Permission: "MEMORY_READ"}

	// appA still uses the header provider: no header means anonymous.
	rec := doJSON(t, appA.Handler(), http.MethodPost, "/acl/evaluate", "", evaluate, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// appB's replacement applies to appB only.
	rec = doJSON(t, appB.Handler(), http.MethodPost, "/acl/evaluate", "", evaluate, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var decision acl.AccessDecision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decision))
	assert.True(t, decision.Granted)
}

func TestProviderFailureDegradesToAnonymous(t *testing.T) {
	app := newTestApp(t, nil)
	app.SetSubjectProvider(auth.ProviderFunc(func(r *http.Request) (*auth.SubjectContext, error) {
		return nil, errors.New("provider exploded")
	}))

	rec := doJSON(t, app.Handler(), http.MethodPost, "/acl/evaluate", "ignored", api.EvaluateRequest{
		MemoryID: "mem_1", Permission: "MEMORY_READ",
	}, nil)
	// Anonymous, so the protected endpoint answers 401 instead of 500.
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBulkEvaluate(t *testing.T) {
	store := acl.NewMemoryStore()
	require.NoError(t, store.Put(context.Background(), acl.NewMemoryACL("mem_1", "alice")))
	app := newTestApp(t, store)
	handler := app.Handler()

	rec := doJSON(t, handler, http.MethodPost, "/acl/bulk-evaluate", "alice", []api.EvaluateRequest{
		{MemoryID: "mem_1", Permission: "MEMORY_READ"},
		{MemoryID: "mem_ghost", Permission: "MEMORY_READ"},
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Decisions []acl.AccessDecision `json:"decisions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Decisions, 2)
	assert.True(t, body.Decisions[0].Granted)
	assert.False(t, body.Decisions[1].Granted)

	rec = doJSON(t, handler, http.MethodPost, "/acl/bulk-evaluate", "alice", []api.EvaluateRequest{}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	big := make([]api.EvaluateRequest, 101)
	for i := range big {
		big[i] = api.EvaluateRequest{MemoryID: fmt.Sprintf("mem_%d", i), Permission: "MEMORY_READ"}
	}
	rec = doJSON(t, handler, http.MethodPost, "/acl/bulk-evaluate", "alice", big, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBodyLimitRejectsOversizedPayloads(t *testing.T) {
	app := newTestApp(t, nil)
	app.Config.MaxBodyBytes = 64

	payload := map[string]string{
		"memory_id":  "mem_1",
		"permission": strings.Repeat("A", 256),
	}
	rec := doJSON(t, app.Handler(), http.MethodPost, "/acl/evaluate", "alice", payload, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	app := newTestApp(t, nil)
	rec := doJSON(t, app.Handler(), http.MethodGet, "/acl/evaluate", "alice", nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestDecisionMetricsPassLabelGuard(t *testing.T) {
	store := acl.NewMemoryStore()
	require.NoError(t, store.Put(context.Background(), acl.NewMemoryACL("mem_1", "alice-7f3a")))
	app := newTestApp(t, store)

	guard, err := observability.NewLabelGuard(observability.DefaultGuardConfig(), nil, nil)
	require.NoError(t, err)
	app.Guard = guard

	// The default config is strict, so any rejected emission shows up as a
	// warning from observeDecision.
	var logs bytes.Buffer
	app.Logger = slog.New(slog.NewJSONHandler(&logs, nil))

	rec := doJSON(t, app.Handler(), http.MethodPost, "/acl/evaluate", "alice-7f3a", api.EvaluateRequest{
		MemoryID: "mem_1", Permission: "MEMORY_WRITE",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, logs.String(), "metric emission rejected")

	stats := guard.Stats()
	assert.Equal(t, 1, stats.RouteTemplates)
	assert.Equal(t, 1, stats.ReasonBuckets)
	assert.Equal(t, 1, stats.UserBuckets)

	// Replaying the same label set shows the user ID reaches the tracker
	// only as a hash bucket, never verbatim.
	result, err := guard.ValidateLabels(map[string]string{
		"route":   "/acl/evaluate",
		"reason":  "owner",
		"user_id": "alice-7f3a",
	}, "secore.decisions.total")
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.NotEqual(t, "alice-7f3a", result.SanitizedLabels["user_id"])
	assert.Regexp(t, `^user_\d{4}$`, result.SanitizedLabels["user_id"])
}

func TestDefaultProviderAcceptsBearerTokens(t *testing.T) {
	store := acl.NewMemoryStore()
	require.NoError(t, store.Put(context.Background(), acl.NewMemoryACL("mem_1", "alice")))
	engine := acl.NewEngine(store, audit.NewStore(), acl.Options{})

	// No SetSubjectProvider call: the bearer provider installed by NewApp
	// must authenticate against the config's secret on its own.
	app := api.NewApp(testConfig(), engine)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "alice",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("s3cret"))
	require.NoError(t, err)

	rec := doJSON(t, app.Handler(), http.MethodPost, "/acl/evaluate", "", api.EvaluateRequest{
		MemoryID: "mem_1", Permission: "MEMORY_READ",
	}, map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusOK, rec.Code)

	var decision acl.AccessDecision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decision))
	assert.True(t, decision.Granted)

	// A forged signature degrades to anonymous, not to an error.
	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "alice",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("wrong-secret"))
	require.NoError(t, err)

	rec = doJSON(t, app.Handler(), http.MethodPost, "/acl/evaluate", "", api.EvaluateRequest{
		MemoryID: "mem_1", Permission: "MEMORY_READ",
	}, map[string]string{"Authorization": "Bearer " + forged})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
