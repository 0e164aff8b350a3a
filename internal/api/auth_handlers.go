// ABOUTME: Handlers for setup, registration, password login, logout and auth status
// ABOUTME: Every successful sign-in path issues a fresh session cookie

package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/2389/creative-auth/internal/auth"
	"github.com/2389/creative-auth/internal/bootstrap"
	"github.com/2389/creative-auth/internal/password"
	"github.com/2389/creative-auth/internal/store"
)

type statusResponse struct {
	Authenticated bool          `json:"authenticated"`
	User          *userResponse `json:"user,omitempty"`
	NeedsSetup    bool          `json:"needsSetup"`
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	if authCtx := auth.FromContext(r.Context()); authCtx != nil {
		u := toUserResponse(authCtx.User)
		a.writeJSON(w, http.StatusOK, statusResponse{Authenticated: true, User: &u})
		return
	}

	needsSetup, err := a.bootstrap.NeedsSetup(r.Context())
	if err != nil {
		a.internalError(w, r, "status", err)
		return
	}
	a.writeJSON(w, http.StatusOK, statusResponse{NeedsSetup: needsSetup})
}

type credentialsRequest struct {
	Username        string `json:"username"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirmPassword,omitempty"`
	DisplayName     string `json:"displayName,omitempty"`
}

func (req *credentialsRequest) complete() bool {
	return strings.TrimSpace(req.Username) != "" && req.Password != ""
}

func (a *API) handleSetup(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !a.decodeJSON(w, r, &req, false) {
		return
	}
	if !req.complete() {
		a.writeError(w, http.StatusBadRequest, msgCredentialsRequired)
		return
	}

	user, err := a.bootstrap.Setup(r.Context(), req.Username, req.Password, req.DisplayName)
	if errors.Is(err, bootstrap.ErrSetupAlreadyCompleted) {
		a.writeError(w, http.StatusBadRequest, msgSetupCompleted)
		return
	}
	if msg, ok := validationMessage(err); ok {
		a.writeError(w, http.StatusBadRequest, msg)
		return
	}
	if err != nil {
		a.internalError(w, r, "setup", err)
		return
	}

	if err := a.startSession(r.Context(), w, r, user); err != nil {
		a.internalError(w, r, "setup", err)
		return
	}
	a.writeJSON(w, http.StatusOK, successUserResponse{Success: true, User: toUserResponse(user)})
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !a.decodeJSON(w, r, &req, false) {
		return
	}
	if !req.complete() {
		a.writeError(w, http.StatusBadRequest, msgCredentialsRequired)
		return
	}
	if req.ConfirmPassword != "" && req.ConfirmPassword != req.Password {
		a.writeError(w, http.StatusBadRequest, msgPasswordMismatch)
		return
	}

	user, err := a.createUser(r, req.Username, req.Password, req.DisplayName, store.RoleUser)
	if msg, ok := validationMessage(err); ok {
		a.writeError(w, http.StatusBadRequest, msg)
		return
	}
	if err != nil {
		a.internalError(w, r, "register", err)
		return
	}

	if err := a.startSession(r.Context(), w, r, user); err != nil {
		a.internalError(w, r, "register", err)
		return
	}
	a.logger.Info("user registered", "user_id", user.ID, "username", user.Username)
	a.writeJSON(w, http.StatusOK, successUserResponse{Success: true, User: toUserResponse(user)})
}

// createUser validates and stores a new password account.
func (a *API) createUser(r *http.Request, username, pw, displayName string, role store.Role) (*store.User, error) {
	if err := store.ValidateUsername(username); err != nil {
		return nil, err
	}
	if err := password.Validate(pw); err != nil {
		return nil, err
	}

	hash, err := a.hasher.Hash(r.Context(), pw)
	if err != nil {
		return nil, err
	}

	user := &store.User{
		Username:     username,
		DisplayName:  strings.TrimSpace(displayName),
		Role:         role,
		PasswordHash: hash,
	}
	if err := a.store.CreateUser(r.Context(), user); err != nil {
		return nil, err
	}
	return user, nil
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !a.decodeJSON(w, r, &req, false) {
		return
	}
	if !req.complete() {
		a.writeError(w, http.StatusBadRequest, msgCredentialsRequired)
		return
	}
	if !a.allow(w, userKey(req.Username), a.ipKey(r)) {
		return
	}

	ctx := r.Context()
	user, err := a.store.GetUserByUsername(ctx, req.Username)
	if errors.Is(err, store.ErrNotFound) {
		a.hasher.CompareDummy(ctx, req.Password)
		a.logger.Warn("login failed", "username", store.NormalizeUsername(req.Username), "ip", a.clientIP(r), "reason", "unknown user")
		a.writeError(w, http.StatusUnauthorized, msgInvalidCredentials)
		return
	}
	if err != nil {
		a.internalError(w, r, "login", err)
		return
	}

	if !a.hasher.Verify(ctx, req.Password, user.PasswordHash) {
		a.logger.Warn("login failed", "username", user.Username, "ip", a.clientIP(r), "reason", "bad password")
		a.writeError(w, http.StatusUnauthorized, msgInvalidCredentials)
		return
	}

	if a.throttle != nil {
		a.throttle.Reset(userKey(user.Username))
	}
	if err := a.startSession(ctx, w, r, user); err != nil {
		a.internalError(w, r, "login", err)
		return
	}
	a.logger.Info("login succeeded", "user_id", user.ID, "method", "password")
	a.writeJSON(w, http.StatusOK, successUserResponse{Success: true, User: toUserResponse(user)})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.MustFromContext(r.Context())

	if err := a.sessions.Destroy(r.Context(), authCtx.Token); err != nil {
		a.internalError(w, r, "logout", err)
		return
	}
	a.clearSessionCookie(w, r)
	a.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
