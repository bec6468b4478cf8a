// Package ctxutil carries request-scoped identity between the HTTP layer and
// the MCP tools. Both import it so neither has to import the other.
package ctxutil

import (
	"context"

	"github.com/ashita-ai/dig/internal/auth"
	"github.com/ashita-ai/dig/internal/model"
)

type (
	claimsKey    struct{}
	requestIDKey struct{}
)

// Anonymous is the caller name used when auth is disabled.
const Anonymous = "anonymous"

// WithClaims attaches verified token claims.
func WithClaims(ctx context.Context, claims *auth.Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

// ClaimsFromContext returns the verified claims, or nil when the request was
// not authenticated.
func ClaimsFromContext(ctx context.Context) *auth.Claims {
	c, _ := ctx.Value(claimsKey{}).(*auth.Claims)
	return c
}

// Caller names the authenticated credential, or Anonymous.
func Caller(ctx context.Context) string {
	if c := ClaimsFromContext(ctx); c != nil {
		return c.Name()
	}
	return Anonymous
}

// Permits reports whether the caller holds at least role need. Requests
// without claims only reach handlers when auth is disabled, so they pass.
func Permits(ctx context.Context, need model.Role) bool {
	c := ClaimsFromContext(ctx)
	return c == nil || model.RoleAtLeast(c.Role, need)
}

// WithRequestID attaches the request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request id, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
