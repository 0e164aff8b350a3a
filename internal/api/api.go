// ABOUTME: JSON HTTP surface for accounts, passkeys, sessions and SSO
// ABOUTME: The only layer that maps core errors to status codes and messages

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/2389/creative-auth/internal/auth"
	"github.com/2389/creative-auth/internal/bootstrap"
	"github.com/2389/creative-auth/internal/passkey"
	"github.com/2389/creative-auth/internal/password"
	"github.com/2389/creative-auth/internal/session"
	"github.com/2389/creative-auth/internal/sso"
	"github.com/2389/creative-auth/internal/store"
	"github.com/2389/creative-auth/internal/throttle"
)

// MaxBodyBytes limits request bodies.
const MaxBodyBytes = 1 << 20

// Client-facing error messages.
const (
	msgCredentialsRequired = "Username and password required"
	msgInvalidCredentials  = "Invalid credentials"
	msgAuthFailed          = "Authentication failed"
	msgVerificationFailed  = "Verification failed"
	msgSetupCompleted      = "Setup already completed"
	msgUsernameTaken       = "Username already exists"
	msgPasswordMismatch    = "Passwords do not match"
	msgInvalidRole         = "Invalid role"
	msgUserNotFound        = "User not found"
	msgPasskeyNotFound     = "Passkey not found"
	msgPasskeyRegistered   = "Passkey already registered"
	msgOwnRole             = "Cannot change your own role"
	msgOwnAccount          = "Cannot delete your own account"
	msgTooManyAttempts     = "Too many attempts"
	msgInvalidBody         = "Invalid request body"
	msgJSONRequired        = "Content-Type must be application/json"
	msgInvalidTarget       = "Invalid redirect path"
	msgInternal            = "Internal server error"
)

// Config holds HTTP-layer settings.
type Config struct {
	// SecureCookies marks the session cookie Secure even on plain HTTP
	// requests, for deployments behind a TLS-terminating proxy.
	SecureCookies bool

	// TrustedProxies lists reverse proxies whose X-Forwarded-For header is
	// believed. Empty means the remote address is the client.
	TrustedProxies []netip.Prefix
}

// Deps are the collaborators the API delegates to.
type Deps struct {
	Store     store.Store
	Hasher    *password.Hasher
	Sessions  *session.Manager
	Passkeys  *passkey.Authenticator
	Bootstrap *bootstrap.Machine
	SSO       *sso.Bridge
	Throttle  *throttle.Limiter
}

// API serves the HTTP endpoints.
type API struct {
	store     store.Store
	hasher    *password.Hasher
	sessions  *session.Manager
	passkeys  *passkey.Authenticator
	bootstrap *bootstrap.Machine
	sso       *sso.Bridge
	throttle  *throttle.Limiter
	gate      *auth.Gate
	config    Config
	logger    *slog.Logger
}

// New creates an API.
func New(deps Deps, cfg Config) *API {
	return &API{
		store:     deps.Store,
		hasher:    deps.Hasher,
		sessions:  deps.Sessions,
		passkeys:  deps.Passkeys,
		bootstrap: deps.Bootstrap,
		sso:       deps.SSO,
		throttle:  deps.Throttle,
		gate:      auth.NewGate(deps.Sessions),
		config:    cfg,
		logger:    slog.Default().With("component", "api"),
	}
}

// RegisterRoutes registers all API routes on the given mux
func (a *API) RegisterRoutes(mux *http.ServeMux) {
	authed := a.gate.Authenticate
	admin := func(h http.Handler) http.Handler { return a.gate.Authenticate(auth.RequireAdmin(h)) }

	// Accounts and password sessions
	mux.Handle("GET /api/auth/status", a.gate.Optional(http.HandlerFunc(a.handleStatus)))
	mux.HandleFunc("POST /api/auth/setup", a.handleSetup)
	mux.HandleFunc("POST /api/auth/register", a.handleRegister)
	mux.HandleFunc("POST /api/auth/login", a.handleLogin)
	mux.Handle("POST /api/auth/logout", authed(http.HandlerFunc(a.handleLogout)))

	// Passkeys
	mux.Handle("GET /api/passkey/register-options", authed(http.HandlerFunc(a.handlePasskeyRegisterOptions)))
	mux.Handle("POST /api/passkey/register", authed(http.HandlerFunc(a.handlePasskeyRegister)))
	mux.HandleFunc("POST /api/passkey/login-options", a.handlePasskeyLoginOptions)
	mux.HandleFunc("POST /api/passkey/login", a.handlePasskeyLogin)
	mux.Handle("GET /api/passkey/list", authed(http.HandlerFunc(a.handlePasskeyList)))
	mux.Handle("DELETE /api/passkey/{id}", authed(http.HandlerFunc(a.handlePasskeyDelete)))

	// User administration
	mux.Handle("GET /api/users", admin(http.HandlerFunc(a.handleListUsers)))
	mux.Handle("POST /api/users", admin(http.HandlerFunc(a.handleCreateUser)))
	mux.Handle("PUT /api/users/{id}/role", admin(http.HandlerFunc(a.handleUpdateRole)))
	mux.Handle("DELETE /api/users/{id}", admin(http.HandlerFunc(a.handleDeleteUser)))

	// SSO
	mux.Handle("POST /api/sso/generate", authed(http.HandlerFunc(a.handleSSOGenerate)))
	mux.HandleFunc("GET /sso", a.handleSSORedeem)

	mux.HandleFunc("GET /health", a.handleHealth)
}

// Handler returns a mux with every route registered.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	a.RegisterRoutes(mux)
	return mux
}

// userResponse is the public JSON shape of a user.
type userResponse struct {
	ID          string     `json:"id"`
	Username    string     `json:"username"`
	DisplayName string     `json:"displayName"`
	Role        store.Role `json:"role"`
	CreatedAt   time.Time  `json:"createdAt"`
	LastLoginAt *time.Time `json:"lastLoginAt,omitempty"`
}

func toUserResponse(u *store.User) userResponse {
	return userResponse{
		ID:          u.ID,
		Username:    u.Username,
		DisplayName: u.DisplayName,
		Role:        u.Role,
		CreatedAt:   u.CreatedAt,
		LastLoginAt: u.LastLoginAt,
	}
}

type successUserResponse struct {
	Success bool         `json:"success"`
	User    userResponse `json:"user"`
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Debug("failed to encode response", "error", err)
	}
}

func (a *API) writeError(w http.ResponseWriter, status int, msg string) {
	a.writeJSON(w, status, map[string]string{"error": msg})
}

// internalError logs err and writes a generic 500.
func (a *API) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	a.logger.Error(op+" failed", "path", r.URL.Path, "error", err)
	a.writeError(w, http.StatusInternalServerError, msgInternal)
}

var errNotJSON = errors.New("content type is not application/json")

// readBody returns the request body after checking its content type and size.
// An empty body is allowed when optional is true.
func readBody(w http.ResponseWriter, r *http.Request, optional bool) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		return nil, err
	}
	if len(body) == 0 && optional {
		return nil, nil
	}
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mt != "application/json" {
		return nil, errNotJSON
	}
	return body, nil
}

// decodeJSON reads a JSON body into dst, writing a 400 on failure.
func (a *API) decodeJSON(w http.ResponseWriter, r *http.Request, dst any, optional bool) bool {
	body, err := readBody(w, r, optional)
	if errors.Is(err, errNotJSON) {
		a.writeError(w, http.StatusBadRequest, msgJSONRequired)
		return false
	}
	if err != nil {
		a.writeError(w, http.StatusBadRequest, msgInvalidBody)
		return false
	}
	if body == nil {
		return true
	}
	if err := json.Unmarshal(body, dst); err != nil {
		a.writeError(w, http.StatusBadRequest, msgInvalidBody)
		return false
	}
	return true
}

// validationMessage maps input-validation errors to client messages.
func validationMessage(err error) (string, bool) {
	switch {
	case errors.Is(err, password.ErrTooShort):
		return "Password must be at least 8 characters", true
	case errors.Is(err, password.ErrTooLong):
		return "Password must be at most 72 bytes", true
	case errors.Is(err, store.ErrInvalidUsername):
		return "Username must be 3-32 characters, start with a letter, and contain only letters, numbers, dots, dashes and underscores", true
	case errors.Is(err, store.ErrDuplicateUsername):
		return msgUsernameTaken, true
	case errors.Is(err, store.ErrInvalidRole):
		return msgInvalidRole, true
	}
	return "", false
}

// startSession issues a session for user and sets the cookie.
func (a *API) startSession(ctx context.Context, w http.ResponseWriter, r *http.Request, user *store.User) error {
	sess, err := a.sessions.Create(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}

	now := time.Now().UTC()
	if err := a.store.UpdateLastLogin(ctx, user.ID, now); err != nil {
		a.logger.Warn("failed to record last login", "user_id", user.ID, "error", err)
	} else {
		user.LastLoginAt = &now
	}

	a.setSessionCookie(w, r, sess)
	return nil
}

func (a *API) setSessionCookie(w http.ResponseWriter, r *http.Request, sess *store.Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookieName,
		Value:    sess.Token,
		Path:     "/",
		MaxAge:   int(a.sessions.TTL().Seconds()),
		HttpOnly: true,
		Secure:   a.config.SecureCookies || r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
}

func (a *API) clearSessionCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.config.SecureCookies || r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
}

// clientIP returns the address used for throttling and logs. When the peer is
// a trusted proxy, X-Forwarded-For is walked from the right and the first
// hop that is not itself a trusted proxy is the client.
func (a *API) clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if !a.trustedProxy(host) {
		return host
	}

	var hops []string
	for _, v := range r.Header.Values("X-Forwarded-For") {
		for _, hop := range strings.Split(v, ",") {
			if hop = strings.TrimSpace(hop); hop != "" {
				hops = append(hops, hop)
			}
		}
	}
	for i := len(hops) - 1; i >= 0; i-- {
		if !a.trustedProxy(hops[i]) {
			return hops[i]
		}
	}
	if len(hops) > 0 {
		return hops[0]
	}
	return host
}

func (a *API) trustedProxy(ip string) bool {
	if len(a.config.TrustedProxies) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range a.config.TrustedProxies {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// allow applies the login throttle. A nil throttle allows everything.
func (a *API) allow(w http.ResponseWriter, keys ...string) bool {
	if a.throttle == nil || a.throttle.AllowAll(keys...) {
		return true
	}
	a.logger.Warn("login throttled", "keys", keys)
	a.writeError(w, http.StatusTooManyRequests, msgTooManyAttempts)
	return false
}

func userKey(username string) string { return "user:" + store.NormalizeUsername(username) }

func (a *API) ipKey(r *http.Request) string {
	return "ip:" + a.clientIP(r)
}
