// ABOUTME: Handlers for passkey registration, login, listing and removal
// ABOUTME: Accepts browser credential JSON either bare or wrapped in {response}

package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/2389/creative-auth/internal/auth"
	"github.com/2389/creative-auth/internal/passkey"
	"github.com/2389/creative-auth/internal/store"
)

// unwrapCredential returns the credential JSON from a request body. Clients
// post either the credential itself or {"response": credential, ...}. A bare
// credential always carries an id, which tells the two apart.
func unwrapCredential(body []byte) []byte {
	var probe struct {
		ID       string          `json:"id"`
		Response json.RawMessage `json:"response"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return body
	}
	if probe.ID == "" && len(probe.Response) > 0 && probe.Response[0] == '{' {
		return probe.Response
	}
	return body
}

// passkeyFailure reports whether err is a ceremony failure the client caused,
// logging it at the appropriate level.
func (a *API) passkeyFailure(r *http.Request, ceremony string, err error) bool {
	switch {
	case errors.Is(err, passkey.ErrChallengeExpiredOrMissing):
		a.logger.Info("passkey ceremony rejected", "ceremony", ceremony, "ip", a.clientIP(r), "reason", "replay")
		return true
	case errors.Is(err, passkey.ErrCounterRegression):
		a.logger.Warn("passkey ceremony rejected", "ceremony", ceremony, "ip", a.clientIP(r), "reason", "counter")
		return true
	case errors.Is(err, passkey.ErrVerificationFailed),
		errors.Is(err, passkey.ErrInvalidResponse),
		errors.Is(err, passkey.ErrPasskeyNotFound):
		a.logger.Warn("passkey ceremony rejected", "ceremony", ceremony, "ip", a.clientIP(r), "error", err)
		return true
	}
	return false
}

func (a *API) handlePasskeyRegisterOptions(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.MustFromContext(r.Context())

	opts, err := a.passkeys.BeginRegistration(r.Context(), authCtx.User)
	if err != nil {
		a.internalError(w, r, "passkey register options", err)
		return
	}
	a.writeJSON(w, http.StatusOK, opts)
}

func (a *API) handlePasskeyRegister(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.MustFromContext(r.Context())

	body, err := readBody(w, r, false)
	if errors.Is(err, errNotJSON) {
		a.writeError(w, http.StatusBadRequest, msgJSONRequired)
		return
	}
	if err != nil {
		a.writeError(w, http.StatusBadRequest, msgInvalidBody)
		return
	}

	pk, err := a.passkeys.FinishRegistration(r.Context(), authCtx.User, bytes.NewReader(unwrapCredential(body)))
	if errors.Is(err, store.ErrDuplicateCredential) {
		a.writeError(w, http.StatusBadRequest, msgPasskeyRegistered)
		return
	}
	if a.passkeyFailure(r, "registration", err) {
		a.writeError(w, http.StatusBadRequest, msgVerificationFailed)
		return
	}
	if err != nil {
		a.internalError(w, r, "passkey register", err)
		return
	}

	a.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"passkey": toPasskeyResponse(pk),
	})
}

type loginOptionsRequest struct {
	Username string `json:"username"`
}

func (a *API) handlePasskeyLoginOptions(w http.ResponseWriter, r *http.Request) {
	var req loginOptionsRequest
	if !a.decodeJSON(w, r, &req, true) {
		return
	}

	opts, err := a.passkeys.BeginLogin(r.Context(), req.Username)
	if err != nil {
		a.internalError(w, r, "passkey login options", err)
		return
	}
	a.writeJSON(w, http.StatusOK, opts)
}

func (a *API) handlePasskeyLogin(w http.ResponseWriter, r *http.Request) {
	if !a.allow(w, a.ipKey(r)) {
		return
	}

	body, err := readBody(w, r, false)
	if errors.Is(err, errNotJSON) {
		a.writeError(w, http.StatusBadRequest, msgJSONRequired)
		return
	}
	if err != nil {
		a.writeError(w, http.StatusBadRequest, msgInvalidBody)
		return
	}

	ctx := r.Context()
	user, err := a.passkeys.FinishLogin(ctx, bytes.NewReader(unwrapCredential(body)))
	if a.passkeyFailure(r, "authentication", err) {
		a.writeError(w, http.StatusUnauthorized, msgAuthFailed)
		return
	}
	if err != nil {
		a.internalError(w, r, "passkey login", err)
		return
	}

	if err := a.startSession(ctx, w, r, user); err != nil {
		a.internalError(w, r, "passkey login", err)
		return
	}
	a.logger.Info("login succeeded", "user_id", user.ID, "method", "passkey")
	a.writeJSON(w, http.StatusOK, successUserResponse{Success: true, User: toUserResponse(user)})
}

type passkeyResponse struct {
	ID         string    `json:"id"`
	DeviceType string    `json:"deviceType"`
	BackedUp   bool      `json:"backedUp"`
	Transports []string  `json:"transports"`
	CreatedAt  time.Time `json:"createdAt"`
}

func toPasskeyResponse(pk *store.Passkey) passkeyResponse {
	transports := pk.Transports
	if transports == nil {
		transports = []string{}
	}
	return passkeyResponse{
		ID:         pk.ID,
		DeviceType: pk.DeviceType,
		BackedUp:   pk.BackedUp,
		Transports: transports,
		CreatedAt:  pk.CreatedAt,
	}
}

func (a *API) handlePasskeyList(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.MustFromContext(r.Context())

	passkeys, err := a.store.ListPasskeysByUser(r.Context(), authCtx.UserID())
	if err != nil {
		a.internalError(w, r, "list passkeys", err)
		return
	}

	resp := make([]passkeyResponse, 0, len(passkeys))
	for _, pk := range passkeys {
		resp = append(resp, toPasskeyResponse(pk))
	}
	a.writeJSON(w, http.StatusOK, resp)
}

func (a *API) handlePasskeyDelete(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.MustFromContext(r.Context())

	// Scoped to the caller: another user's passkey looks the same as a missing one.
	err := a.store.DeletePasskey(r.Context(), r.PathValue("id"), authCtx.UserID())
	if errors.Is(err, store.ErrNotFound) {
		a.writeError(w, http.StatusNotFound, msgPasskeyNotFound)
		return
	}
	if err != nil {
		a.internalError(w, r, "delete passkey", err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
