// Package auth provides authentication context helpers and bearer token
// verification.
//
// This package is designed to be imported by both middleware and handler
// packages without causing import cycles.
package auth

import (
	"context"
	"net/http"
)

// Principal is the caller authenticated by the identity provider.
type Principal struct {
	UserID string
	Email  string
}

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const (
	// principalContextKey is the key used to store the authenticated principal in context.
	principalContextKey contextKey = "principal"
)

// GetPrincipal retrieves the authenticated principal from the context.
//
// Returns nil if no principal is authenticated.
//
// Usage:
//
//	p := auth.GetPrincipal(r.Context())
//	if p == nil {
//	    // Handle unauthenticated request
//	}
func GetPrincipal(ctx context.Context) *Principal {
	p, ok := ctx.Value(principalContextKey).(*Principal)
	if !ok {
		return nil
	}
	return p
}

// GetPrincipalFromRequest is a convenience wrapper around GetPrincipal that
// takes the request directly.
func GetPrincipalFromRequest(r *http.Request) *Principal {
	return GetPrincipal(r.Context())
}

// SetPrincipal stores a principal in the context.
//
// This is typically called by authentication middleware after verifying a
// bearer token.
func SetPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}
