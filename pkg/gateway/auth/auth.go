// Package auth carries authenticated callers through request contexts and
// extracts bearer credentials.
package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

// Principal is an authenticated admin caller.
type Principal struct {
	// KeyID is a fingerprint of the admin key, safe to log.
	KeyID string
}

type ctxKey struct{}

func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(*Principal)
	return p, ok && p != nil
}

func ParseBearer(r *http.Request) (string, bool) {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if authz == "" {
		return "", false
	}
	const prefix = "Bearer "
	if len(authz) < len(prefix) || !strings.EqualFold(authz[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(authz[len(prefix):])
	if token == "" {
		return "", false
	}
	return token, true
}

// BearerOrQuery returns the bearer token, falling back to the named query
// parameter for clients that cannot set headers on a websocket dial.
func BearerOrQuery(r *http.Request, param string) (string, bool) {
	if tok, ok := ParseBearer(r); ok {
		return tok, true
	}
	if param == "" {
		return "", false
	}
	tok := strings.TrimSpace(r.URL.Query().Get(param))
	return tok, tok != ""
}

// MatchKey reports whether candidate equals one of keys. Every key is
// compared so timing does not reveal which one matched.
func MatchKey(keys map[string]struct{}, candidate string) bool {
	matched := 0
	for k := range keys {
		matched |= subtle.ConstantTimeCompare([]byte(k), []byte(candidate))
	}
	return matched == 1
}
