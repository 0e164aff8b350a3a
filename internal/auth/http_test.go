// ABOUTME: Tests for the HTTP access control gate
// ABOUTME: Covers token sources, 401/403 responses and the self-modification guard

package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/creative-auth/internal/session"
	"github.com/2389/creative-auth/internal/store"
)

type gateFixture struct {
	gate       *Gate
	user       *store.User
	admin      *store.User
	userToken  string
	adminToken string
}

func setupGate(t *testing.T) *gateFixture {
	t.Helper()
	ctx := context.Background()

	s := store.NewMockStore()
	sessions := session.NewManager(s)

	user := &store.User{Username: "ursula", Role: store.RoleUser}
	admin := &store.User{Username: "ada", Role: store.RoleAdmin}
	require.NoError(t, s.CreateUser(ctx, user))
	require.NoError(t, s.CreateUser(ctx, admin))

	us, err := sessions.Create(ctx, user.ID)
	require.NoError(t, err)
	as, err := sessions.Create(ctx, admin.ID)
	require.NoError(t, err)

	return &gateFixture{
		gate:       NewGate(sessions),
		user:       user,
		admin:      admin,
		userToken:  us.Token,
		adminToken: as.Token,
	}
}

// captureHandler records the AuthContext it was called with.
func captureHandler(got **AuthContext) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*got = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
}

func errorBody(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()

	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	return body["error"]
}

func TestAuthenticate_Cookie(t *testing.T) {
	f := setupGate(t)

	var got *AuthContext
	req := httptest.NewRequest(http.MethodGet, "/api/passkey/list", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: f.userToken})
	rec := httptest.NewRecorder()

	f.gate.Authenticate(captureHandler(&got)).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, got)
	assert.Equal(t, f.user.ID, got.UserID())
	assert.Equal(t, f.userToken, got.Token)
}

func TestAuthenticate_Bearer(t *testing.T) {
	f := setupGate(t)

	var got *AuthContext
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+f.adminToken)
	rec := httptest.NewRecorder()

	f.gate.Authenticate(captureHandler(&got)).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, got)
	assert.Equal(t, f.admin.ID, got.UserID())
	assert.True(t, got.IsAdmin())
}

func TestAuthenticate_CookiePreferredOverBearer(t *testing.T) {
	f := setupGate(t)

	var got *AuthContext
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: f.userToken})
	req.Header.Set("Authorization", "Bearer "+f.adminToken)
	rec := httptest.NewRecorder()

	f.gate.Authenticate(captureHandler(&got)).ServeHTTP(rec, req)

	require.NotNil(t, got)
	assert.Equal(t, f.user.ID, got.UserID())
}

func TestAuthenticate_Rejections(t *testing.T) {
	f := setupGate(t)

	tests := []struct {
		name    string
		prepare func(*http.Request)
		wantMsg string
	}{
		{"no credentials", func(*http.Request) {}, MsgUnauthorized},
		{"basic auth header", func(r *http.Request) { r.Header.Set("Authorization", "Basic abc") }, MsgUnauthorized},
		{"empty bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer ") }, MsgUnauthorized},
		{"unknown bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") }, MsgInvalidSession},
		{"unknown cookie", func(r *http.Request) {
			r.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "nope"})
		}, MsgInvalidSession},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			next := http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true })

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			tt.prepare(req)
			rec := httptest.NewRecorder()

			f.gate.Authenticate(next).ServeHTTP(rec, req)

			assert.False(t, called)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Equal(t, tt.wantMsg, errorBody(t, rec))
		})
	}
}

func TestOptional(t *testing.T) {
	f := setupGate(t)

	var got *AuthContext
	h := f.gate.Optional(captureHandler(&got))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, got)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer expired-or-bogus")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, got)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: f.userToken})
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.NotNil(t, got)
	assert.Equal(t, f.user.ID, got.UserID())
}

func TestRequireAdmin(t *testing.T) {
	f := setupGate(t)
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	h := f.gate.Authenticate(RequireAdmin(ok))

	req := httptest.NewRequest(http.MethodGet, "/api/users", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: f.userToken})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, MsgAdminRequired, errorBody(t, rec))

	req = httptest.NewRequest(http.MethodGet, "/api/users", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: f.adminToken})
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	// Without Authenticate in front there is no identity at all.
	rec = httptest.NewRecorder()
	RequireAdmin(ok).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCheckNotSelf(t *testing.T) {
	actor := &store.User{ID: "u-1"}

	assert.ErrorIs(t, CheckNotSelf(actor, "u-1"), ErrSelfModification)
	assert.NoError(t, CheckNotSelf(actor, "u-2"))
	assert.NoError(t, CheckNotSelf(nil, "u-1"))
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"", ""},
		{"Bearer abc", "abc"},
		{"Bearer  abc ", "abc"},
		{"bearer abc", ""},
		{"Token abc", ""},
	}
	for _, tt := range tests {
		if got := extractBearerToken(tt.header); got != tt.want {
			t.Errorf("extractBearerToken(%q) = %q, want %q", tt.header, got, tt.want)
		}
	}
}
