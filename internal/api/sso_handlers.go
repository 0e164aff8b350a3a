// ABOUTME: Handlers for minting and redeeming SSO grants, plus the health probe
// ABOUTME: Redemption starts a fresh session and redirects to the grant's target path

package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/2389/creative-auth/internal/auth"
	"github.com/2389/creative-auth/internal/session"
	"github.com/2389/creative-auth/internal/sso"
)

type ssoGenerateRequest struct {
	RedirectURL string `json:"redirectUrl"`
}

type ssoGenerateResponse struct {
	SSOURL    *string    `json:"ssoUrl"`
	Token     *string    `json:"token"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

func (a *API) handleSSOGenerate(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.MustFromContext(r.Context())

	var req ssoGenerateRequest
	if !a.decodeJSON(w, r, &req, true) {
		return
	}

	if a.sso == nil {
		a.writeJSON(w, http.StatusOK, ssoGenerateResponse{})
		return
	}

	grant, err := a.sso.Mint(r.Context(), authCtx.Token, req.RedirectURL)
	switch {
	case errors.Is(err, sso.ErrInvalidTarget):
		a.writeError(w, http.StatusBadRequest, msgInvalidTarget)
		return
	case errors.Is(err, session.ErrInvalidSession):
		a.writeError(w, http.StatusUnauthorized, auth.MsgInvalidSession)
		return
	case err != nil:
		a.internalError(w, r, "sso generate", err)
		return
	}

	if grant == nil {
		a.writeJSON(w, http.StatusOK, ssoGenerateResponse{})
		return
	}
	a.writeJSON(w, http.StatusOK, ssoGenerateResponse{
		SSOURL:    &grant.URL,
		Token:     &grant.Token,
		ExpiresAt: &grant.ExpiresAt,
	})
}

func (a *API) handleSSORedeem(w http.ResponseWriter, r *http.Request) {
	if !a.allow(w, a.ipKey(r)) {
		return
	}

	token := r.URL.Query().Get("token")
	if token == "" || a.sso == nil {
		a.writeError(w, http.StatusUnauthorized, msgAuthFailed)
		return
	}

	red, err := a.sso.Redeem(r.Context(), token)
	switch {
	case errors.Is(err, sso.ErrTokenUsed), errors.Is(err, sso.ErrExpiredToken):
		a.logger.Info("sso redemption rejected", "ip", a.clientIP(r), "reason", "replay")
		a.writeError(w, http.StatusUnauthorized, msgAuthFailed)
		return
	case errors.Is(err, sso.ErrInvalidToken), errors.Is(err, sso.ErrMissingClaim):
		a.logger.Warn("sso redemption rejected", "ip", a.clientIP(r), "error", err)
		a.writeError(w, http.StatusUnauthorized, msgAuthFailed)
		return
	case err != nil:
		a.internalError(w, r, "sso redeem", err)
		return
	}

	a.setSessionCookie(w, r, red.Session)
	http.Redirect(w, r, red.TargetPath, http.StatusFound)
}

// pinger is implemented by stores that can check their connection.
type pinger interface {
	Ping(ctx context.Context) error
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if p, ok := a.store.(pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			a.logger.Error("health check failed", "error", err)
			a.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
