package auth

import (
	"log/slog"
	"net/http"
	"strings"
)

// SubjectProvider produces the SubjectContext for an inbound request.
// Returning (nil, nil) means the request is anonymous.
//
// Each App holds exactly one provider as an explicit field; installing a new
// one replaces the previous registration for that App only.
type SubjectProvider interface {
	Resolve(r *http.Request) (*SubjectContext, error)
}

// ProviderFunc adapts a plain function to SubjectProvider.
type ProviderFunc func(r *http.Request) (*SubjectContext, error)

func (f ProviderFunc) Resolve(r *http.Request) (*SubjectContext, error) {
	return f(r)
}

// BearerProvider is the default provider: it extracts a bearer token from the
// Authorization header and derives the subject via the claims resolver.
type BearerProvider struct {
	Resolver *ClaimsResolver
}

func NewBearerProvider(resolver *ClaimsResolver) *BearerProvider {
	return &BearerProvider{Resolver: resolver}
}

func (p *BearerProvider) Resolve(r *http.Request) (*SubjectContext, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, nil // anonymous
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return nil, ErrInvalidToken
	}
	return p.Resolver.ExtractSubjectContext(parts[1])
}

// ResolveSubject runs the provider with degrade-to-anonymous semantics: any
// provider error is logged and the request proceeds as unauthenticated.
// Enforcement happens downstream against the (possibly nil) subject; this
// layer never rejects.
func ResolveSubject(r *http.Request, p SubjectProvider, logger *slog.Logger) *SubjectContext {
	if p == nil {
		return nil
	}
	subject, err := p.Resolve(r)
	if err != nil {
		if logger == nil {
			logger = slog.Default()
		}
		logger.WarnContext(r.Context(), "subject resolution failed, treating request as anonymous",
			"path", r.URL.Path, "error", err)
		return nil
	}
	return subject
}

// Middleware resolves the subject for every request and attaches it to the
// request context. It never blocks a request: authorization is the job of the
// handlers consuming the subject.
func Middleware(p SubjectProvider, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject := ResolveSubject(r, p, logger)
			next.ServeHTTP(w, r.WithContext(WithSubject(r.Context(), subject)))
		})
	}
}
