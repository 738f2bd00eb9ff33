package api

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/ninaivalaigal/secore/pkg/acl"
	"github.com/ninaivalaigal/secore/pkg/auth"
	"github.com/ninaivalaigal/secore/pkg/config"
	"github.com/ninaivalaigal/secore/pkg/idempotency"
	"github.com/ninaivalaigal/secore/pkg/observability"
	"github.com/ninaivalaigal/secore/pkg/tiers"
)

// App wires the security engines behind the HTTP surface. Every collaborator
// is an explicit field: two Apps in one process share nothing, including the
// subject provider slot.
type App struct {
	Config     *config.SecurityConfig
	Engine     *acl.Engine
	Guard      *observability.LabelGuard
	Classifier *tiers.Classifier
	TierPolicy *tiers.Policy
	IdemStore  idempotency.Storer
	Limiter    *GlobalRateLimiter
	Logger     *slog.Logger

	providerMu sync.RWMutex
	provider   auth.SubjectProvider
}

// NewApp assembles the HTTP application. Engine and Config are required;
// Guard, TierPolicy and IdemStore may be nil to disable the corresponding
// layer (tests do this). The provider slot starts with a bearer-JWT provider
// built from the config's key material; SetSubjectProvider replaces it.
func NewApp(cfg *config.SecurityConfig, engine *acl.Engine) *App {
	a := &App{
		Config: cfg,
		Engine: engine,
		Logger: slog.Default().With("component", "api"),
	}
	if cfg != nil {
		resolver := auth.NewClaimsResolver(auth.ResolverConfig{
			Secret:   []byte(cfg.JWTSecret),
			Verify:   cfg.JWTVerify,
			Issuer:   cfg.JWTIssuer,
			Audience: cfg.JWTAudience,
		}, a.Logger)
		a.provider = auth.NewBearerProvider(resolver)
	}
	return a
}

// SetSubjectProvider swaps the authentication provider for this App only.
func (a *App) SetSubjectProvider(p auth.SubjectProvider) {
	a.providerMu.Lock()
	defer a.providerMu.Unlock()
	a.provider = p
}

// SubjectProvider returns the current provider, which may be nil (every
// request is then anonymous).
func (a *App) SubjectProvider() auth.SubjectProvider {
	a.providerMu.RLock()
	defer a.providerMu.RUnlock()
	return a.provider
}

// Handler builds the full middleware chain and route table.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /acl/evaluate", a.handleEvaluate)
	mux.HandleFunc("POST /acl/bulk-evaluate", a.handleBulkEvaluate)
	mux.HandleFunc("GET /acl/memory/{id}", a.handleGetACL)
	mux.HandleFunc("POST /acl/memory/{id}/create", a.handleCreateACL)
	mux.HandleFunc("POST /acl/memory/{id}/share", a.handleShare)
	mux.HandleFunc("DELETE /acl/memory/{id}/share/{user_id}", a.handleRevoke)
	mux.HandleFunc("PUT /acl/memory/{id}/visibility", a.handleUpdateVisibility)
	mux.HandleFunc("GET /acl/accessible-memories", a.handleAccessibleMemories)
	mux.HandleFunc("GET /acl/stats", a.handleStats)
	mux.HandleFunc("GET /acl/audit-log", a.handleAuditLog)

	mux.HandleFunc("GET /healthz", a.handleHealthz)
	mux.HandleFunc("GET /healthz/config", a.handleConfigSnapshot)
	mux.HandleFunc("GET /healthz/config/validate", a.handleConfigValidate)

	var handler http.Handler = mux
	if a.IdemStore != nil {
		handler = idempotency.Middleware(a.IdemStore)(handler)
	}
	handler = auth.Middleware(providerFunc(a), a.Logger)(handler)
	if a.Config != nil && a.Config.MaxBodyBytes > 0 {
		handler = BodyLimit(a.Config.MaxBodyBytes)(handler)
	}
	if a.Limiter != nil {
		handler = a.Limiter.Middleware(handler)
	}
	handler = RequestID(handler)
	return handler
}

// providerFunc defers provider resolution to request time so that
// SetSubjectProvider takes effect without rebuilding the handler.
func providerFunc(a *App) auth.SubjectProvider {
	return auth.ProviderFunc(func(r *http.Request) (*auth.SubjectContext, error) {
		p := a.SubjectProvider()
		if p == nil {
			return nil, nil
		}
		return p.Resolve(r)
	})
}
