package auth

import "context"

type contextKey string

const subjectKey contextKey = "subject"

// WithSubject attaches a SubjectContext to the context. A nil subject is
// allowed and marks the request as anonymous.
func WithSubject(ctx context.Context, s *SubjectContext) context.Context {
	return context.WithValue(ctx, subjectKey, s)
}

// SubjectFrom retrieves the SubjectContext from the context. It returns nil
// for anonymous requests and for contexts the middleware never touched.
func SubjectFrom(ctx context.Context) *SubjectContext {
	s, _ := ctx.Value(subjectKey).(*SubjectContext)
	return s
}

// UserIDFrom is a convenience for audit paths: it returns the subject's user
// ID, or "anonymous" when no subject is present.
func UserIDFrom(ctx context.Context) string {
	if s := SubjectFrom(ctx); s != nil {
		return s.UserID
	}
	return "anonymous"
}
