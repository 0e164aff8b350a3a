// ABOUTME: HTTP middleware resolving session cookies and bearer tokens to users
// ABOUTME: Also holds the admin gate and the self-modification guard

package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/2389/creative-auth/internal/store"
)

// SessionCookieName is the cookie that carries the session token.
const SessionCookieName = "session"

// Error messages returned to clients.
const (
	MsgUnauthorized   = "Unauthorized"
	MsgInvalidSession = "Invalid or expired session"
	MsgAdminRequired  = "Admin access required"
)

// ErrSelfModification is returned when an admin targets their own account
// with a role change or deletion.
var ErrSelfModification = errors.New("cannot modify own account")

// SessionValidator resolves a session token to its user.
type SessionValidator interface {
	Validate(ctx context.Context, token string) (*store.User, error)
}

// Gate authenticates requests against the session manager.
type Gate struct {
	sessions SessionValidator
	logger   *slog.Logger
}

// NewGate creates a Gate.
func NewGate(sessions SessionValidator) *Gate {
	return &Gate{
		sessions: sessions,
		logger:   slog.Default().With("component", "auth"),
	}
}

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns an empty string when the header is missing or malformed.
func extractBearerToken(authHeader string) string {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
}

// TokenFromRequest returns the session token a request presents. The cookie
// wins over the Authorization header when both are set.
func TokenFromRequest(r *http.Request) string {
	if c, err := r.Cookie(SessionCookieName); err == nil && c.Value != "" {
		return c.Value
	}
	return extractBearerToken(r.Header.Get("Authorization"))
}

// Resolve validates the request's session token. It returns nil when the
// request carries no token and an error when the token is not valid.
func (g *Gate) Resolve(r *http.Request) (*AuthContext, error) {
	token := TokenFromRequest(r)
	if token == "" {
		return nil, nil
	}

	user, err := g.sessions.Validate(r.Context(), token)
	if err != nil {
		return nil, err
	}
	return &AuthContext{User: user, Token: token}, nil
}

// Authenticate rejects requests without a valid session and adds the
// AuthContext to the request context for the rest.
func (g *Gate) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if TokenFromRequest(r) == "" {
			writeError(w, http.StatusUnauthorized, MsgUnauthorized)
			return
		}

		authCtx, err := g.Resolve(r)
		if err != nil {
			g.logger.Debug("session rejected", "path", r.URL.Path, "error", err)
			writeError(w, http.StatusUnauthorized, MsgInvalidSession)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
	})
}

// Optional attempts authentication but allows anonymous requests through.
// Useful for endpoints that work differently for authenticated vs anonymous users.
func (g *Gate) Optional(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authCtx, err := g.Resolve(r)
		if err != nil || authCtx == nil {
			next.ServeHTTP(w, r) // Continue as anonymous
			return
		}
		next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
	})
}

// RequireAdmin rejects non-admin users. Must be used after Authenticate.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authCtx := FromContext(r.Context())
		if authCtx == nil {
			writeError(w, http.StatusUnauthorized, MsgUnauthorized)
			return
		}

		if !authCtx.IsAdmin() {
			writeError(w, http.StatusForbidden, MsgAdminRequired)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// CheckNotSelf guards operations an admin may not apply to their own account.
func CheckNotSelf(actor *store.User, targetID string) error {
	if actor != nil && actor.ID == targetID {
		return ErrSelfModification
	}
	return nil
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
