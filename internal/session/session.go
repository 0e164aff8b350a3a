// ABOUTME: Opaque bearer-token sessions with an absolute expiry
// ABOUTME: Issues, validates and revokes sessions against the store; no sliding renewal

package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/2389/creative-auth/internal/store"
)

// DefaultTTL is how long a session stays valid after creation.
const DefaultTTL = 7 * 24 * time.Hour

// TokenBytes is the amount of randomness in a session token (256 bits).
const TokenBytes = 32

// ErrInvalidSession is returned for missing, unknown or expired tokens.
var ErrInvalidSession = errors.New("invalid or expired session")

// Manager issues and resolves sessions.
type Manager struct {
	store store.Store
	ttl   time.Duration
	now   func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a session manager backed by s.
func NewManager(s store.Store, opts ...Option) *Manager {
	m := &Manager{
		store: s,
		ttl:   DefaultTTL,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// TTL returns the session lifetime.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// Create issues a new session for userID.
func (m *Manager) Create(ctx context.Context, userID string) (*store.Session, error) {
	token, err := GenerateToken()
	if err != nil {
		return nil, fmt.Errorf("generating session token: %w", err)
	}

	now := m.now().UTC()
	sess := &store.Session{
		Token:     token,
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Validate resolves token to its user. It never extends the expiry.
func (m *Manager) Validate(ctx context.Context, token string) (*store.User, error) {
	if token == "" {
		return nil, ErrInvalidSession
	}

	user, err := m.store.GetSessionUser(ctx, token, m.now().UTC())
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidSession
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

// Destroy revokes token. Unknown tokens are ignored.
func (m *Manager) Destroy(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	return m.store.DeleteSession(ctx, token)
}

// GenerateToken returns TokenBytes of crypto/rand output, hex encoded.
func GenerateToken() (string, error) {
	b := make([]byte, TokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
