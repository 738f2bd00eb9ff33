package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	anonymousSubject = "anonymous"
	defaultOrg       = "default"
	noKey            = "no-key"

	pathHashLen = 8
	keyHashLen  = 16
)

// GenerateScopedKey derives a composite idempotency key:
//
//	METHOD:TEMPLATE:USER:ORG:PATH_HASH:KEY_HASH
//
// PATH_HASH is computed over the concrete, pre-template path. Two requests
// that hit the same template with different concrete resources therefore
// never share a key, even with identical caller-supplied idempotency keys.
func GenerateScopedKey(method, path, userID, orgID, idempotencyKey string) string {
	user := userID
	if user == "" {
		user = anonymousSubject
	}
	org := orgID
	if org == "" {
		org = defaultOrg
	}
	keyHash := noKey
	if idempotencyKey != "" {
		keyHash = shortHash(idempotencyKey, keyHashLen)
	}

	return strings.Join([]string{
		strings.ToUpper(method),
		ExtractPathTemplate(path),
		user,
		org,
		shortHash(path, pathHashLen),
		keyHash,
	}, ":")
}

// ValidateKeyScope re-derives the method, template, subject, and path hash
// from a fresh request triple and compares them component-wise against the
// parsed key. Any mismatch invalidates the key for this request context.
func ValidateKeyScope(key, method, path, userID string) bool {
	parts := strings.Split(key, ":")
	if len(parts) != 6 {
		return false
	}
	user := userID
	if user == "" {
		user = anonymousSubject
	}
	return parts[0] == strings.ToUpper(method) &&
		parts[1] == ExtractPathTemplate(path) &&
		parts[2] == user &&
		parts[4] == shortHash(path, pathHashLen)
}

func shortHash(s string, n int) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:n]
}
