// Package middleware contains HTTP middleware for the mailsmith API.
//
// Middleware functions follow the standard Go pattern of wrapping http.Handler.
// They are designed to be composed using a middleware stack approach.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/DukeRupert/mailsmith/internal/auth"
	"github.com/DukeRupert/mailsmith/internal/handler"
	"github.com/DukeRupert/mailsmith/internal/quota"
	"github.com/google/uuid"
)

// TokenVerifier verifies bearer tokens. *auth.TokenVerifier implements it.
type TokenVerifier interface {
	Verify(token string) (*auth.Principal, error)
}

// MembershipChecker reports whether a user belongs to an organization.
type MembershipChecker interface {
	IsMember(ctx context.Context, orgID uuid.UUID, userID string) (bool, error)
}

// AuthMiddleware provides authentication middleware functionality.
//
// This struct holds dependencies needed by auth middleware functions.
// Create one instance and use its methods as middleware.
type AuthMiddleware struct {
	verifier TokenVerifier
	members  MembershipChecker
	logger   *slog.Logger
}

// NewAuthMiddleware creates a new AuthMiddleware instance.
func NewAuthMiddleware(verifier TokenVerifier, members MembershipChecker, logger *slog.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		verifier: verifier,
		members:  members,
		logger:   logger,
	}
}

// =============================================================================
// RequireBearer Middleware
// =============================================================================

// RequireBearer authenticates the request from its Authorization header and
// stores the principal in the context. Missing or invalid tokens get a 401.
//
// The principal can be retrieved in handlers using:
//
//	p := auth.GetPrincipal(r.Context())
func (m *AuthMiddleware) RequireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			w.Header().Set("WWW-Authenticate", `Bearer realm="mailsmith"`)
			handler.UnauthorizedResponse(w, r, m.logger)
			return
		}

		principal, err := m.verifier.Verify(token)
		if err != nil {
			m.logger.Info("bearer token rejected", "error", err, "path", r.URL.Path)
			w.Header().Set("WWW-Authenticate", `Bearer realm="mailsmith", error="invalid_token"`)
			handler.UnauthorizedResponse(w, r, m.logger)
			return
		}

		ctx := auth.SetPrincipal(r.Context(), principal)
		ctx = quota.WithActor(ctx, principal.UserID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// =============================================================================
// RequireMember Middleware
// =============================================================================

// RequireMember checks that the principal belongs to the organization named
// by the {orgID} path value.
//
// IMPORTANT: Use this AFTER RequireBearer, on routes with an {orgID} pattern.
//
// Non-members get a 404 rather than a 403 so organization ids cannot be enumerated.
func (m *AuthMiddleware) RequireMember(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal := auth.GetPrincipal(r.Context())
		if principal == nil {
			m.logger.Error("RequireMember called without principal in context")
			handler.UnauthorizedResponse(w, r, m.logger)
			return
		}

		orgID, err := uuid.Parse(r.PathValue("orgID"))
		if err != nil {
			handler.NotFoundResponse(w, r, m.logger)
			return
		}

		member, err := m.members.IsMember(r.Context(), orgID, principal.UserID)
		if err != nil {
			handler.ErrorResponse(w, r, m.logger, err)
			return
		}
		if !member {
			m.logger.Info("non-member access denied",
				"organization_id", orgID,
				"user_id", principal.UserID,
				"path", r.URL.Path,
			)
			handler.NotFoundResponse(w, r, m.logger)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// bearerToken extracts the token from "Authorization: Bearer <token>".
func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// =============================================================================
// Middleware Stack Helpers
// =============================================================================

// Stack composes multiple middleware functions into a single middleware.
//
// Middleware is applied in the order provided, meaning the first middleware
// in the slice is the outermost (runs first on request, last on response).
//
// Example:
//
//	member := Stack(authMw.RequireBearer, authMw.RequireMember)
//	mux.Handle("GET /api/organizations/{orgID}/usage", member(usageHandler))
func Stack(middlewares ...func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(final http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}

var (
	_ func(http.Handler) http.Handler = (&AuthMiddleware{}).RequireBearer
	_ func(http.Handler) http.Handler = (&AuthMiddleware{}).RequireMember
)
