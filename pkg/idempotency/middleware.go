package idempotency

import (
	"bytes"
	"net/http"

	"github.com/ninaivalaigal/secore/pkg/auth"
)

// responseCapture wraps http.ResponseWriter to record the response for replay.
type responseCapture struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func (rc *responseCapture) WriteHeader(code int) {
	rc.statusCode = code
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	rc.body.Write(b)
	return rc.ResponseWriter.Write(b)
}

// Middleware ensures mutating requests carrying an Idempotency-Key header are
// processed exactly once per (method, resource, subject) scope. The raw client
// key is never used directly: it is scoped through GenerateScopedKey so two
// users — or two resources under one template — cannot collide.
func Middleware(store Storer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost && r.Method != http.MethodPut && r.Method != http.MethodPatch && r.Method != http.MethodDelete {
				next.ServeHTTP(w, r)
				return
			}

			clientKey := r.Header.Get("Idempotency-Key")
			if clientKey == "" || store == nil {
				next.ServeHTTP(w, r)
				return
			}

			var userID, orgID string
			if subject := auth.SubjectFrom(r.Context()); subject != nil {
				userID = subject.UserID
				orgID = subject.OrganizationID
			}
			key := GenerateScopedKey(r.Method, r.URL.Path, userID, orgID, clientKey)

			if cached, ok := store.Check(r.Context(), key); ok {
				for k, vals := range cached.Headers {
					for _, v := range vals {
						w.Header().Set(k, v)
					}
				}
				w.Header().Set("X-Idempotent-Replay", "true")
				w.WriteHeader(cached.StatusCode)
				_, _ = w.Write(cached.Body)
				return
			}

			capture := &responseCapture{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(capture, r)

			// Only successful responses replay; errors should be retryable.
			if capture.statusCode >= 200 && capture.statusCode < 300 {
				store.Set(r.Context(), key, capture.statusCode, w.Header().Clone(), capture.body.Bytes())
			}
		})
	}
}
