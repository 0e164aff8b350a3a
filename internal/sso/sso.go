// ABOUTME: SSO bridge that hands an authenticated session to a separate admin app
// ABOUTME: Grants are single-use, expire within a minute and redeem into a fresh session

package sso

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/creative-auth/internal/session"
	"github.com/2389/creative-auth/internal/store"
)

const (
	// MaxTTL bounds how long a grant may live.
	MaxTTL = 60 * time.Second

	// DefaultTTL applies when no TTL is configured.
	DefaultTTL = 30 * time.Second

	// DefaultTarget is where redemption lands when no path is given.
	DefaultTarget = "/admin"
)

var (
	// ErrTokenUsed means the grant was already redeemed or never issued.
	ErrTokenUsed = errors.New("token already used")

	// ErrInvalidTarget means the redirect target is not a local path.
	ErrInvalidTarget = errors.New("invalid target path")
)

// Config configures the bridge. Without an AdminURL or Secret the bridge is
// unavailable and Mint returns nil.
type Config struct {
	AdminURL string
	Secret   []byte
	TTL      time.Duration
}

// Grant is a minted SSO token and the URL that redeems it.
type Grant struct {
	URL       string
	Token     string
	ExpiresAt time.Time
}

// Redemption is the result of redeeming a grant.
type Redemption struct {
	Session    *store.Session
	User       *store.User
	TargetPath string
}

// Bridge mints and redeems SSO grants.
type Bridge struct {
	store    store.Store
	sessions *session.Manager
	adminURL string
	ttl      time.Duration
	signer   *signer
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Bridge) {
		b.now = now
	}
}

// New creates a Bridge. A zero TTL means DefaultTTL; TTLs above MaxTTL are clamped.
func New(s store.Store, sessions *session.Manager, cfg Config, opts ...Option) *Bridge {
	ttl := cfg.TTL
	switch {
	case ttl <= 0:
		ttl = DefaultTTL
	case ttl > MaxTTL:
		ttl = MaxTTL
	}

	b := &Bridge{
		store:    s,
		sessions: sessions,
		adminURL: strings.TrimRight(cfg.AdminURL, "/"),
		ttl:      ttl,
		now:      time.Now,
		logger:   slog.Default().With("component", "sso"),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.signer = &signer{secret: cfg.Secret, now: b.now}
	if len(cfg.Secret) == 0 {
		b.signer = nil
	}
	return b
}

// Available reports whether the bridge can mint grants.
func (b *Bridge) Available() bool {
	return b != nil && b.adminURL != "" && b.signer != nil
}

// TTL returns the grant lifetime.
func (b *Bridge) TTL() time.Duration {
	return b.ttl
}

// Mint issues a grant for the holder of sessionToken. It returns nil, nil when
// the bridge is unavailable; callers then stay in-process instead of
// redirecting.
func (b *Bridge) Mint(ctx context.Context, sessionToken, targetPath string) (*Grant, error) {
	if !b.Available() {
		return nil, nil
	}

	target, err := CleanTarget(targetPath)
	if err != nil {
		return nil, err
	}

	user, err := b.sessions.Validate(ctx, sessionToken)
	if err != nil {
		return nil, err
	}

	now := b.now().UTC()
	rec := &store.SSOToken{
		ID:         uuid.New().String(),
		UserID:     user.ID,
		TargetPath: target,
		ExpiresAt:  now.Add(b.ttl),
		CreatedAt:  now,
	}

	token, err := b.signer.sign(user.ID, rec.ID, target, rec.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("signing sso token: %w", err)
	}
	if err := b.store.CreateSSOToken(ctx, rec); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("token", token)
	q.Set("redirect", target)

	b.logger.Info("sso grant minted", "user_id", user.ID, "target", target)
	return &Grant{
		URL:       b.adminURL + "/sso?" + q.Encode(),
		Token:     token,
		ExpiresAt: rec.ExpiresAt,
	}, nil
}

// Redeem consumes a grant and starts a new session for its user. The new
// session is independent of the one that minted the grant.
func (b *Bridge) Redeem(ctx context.Context, token string) (*Redemption, error) {
	if b.signer == nil {
		return nil, ErrInvalidToken
	}

	claims, err := b.signer.verify(token)
	if err != nil {
		return nil, err
	}

	rec, err := b.store.ConsumeSSOToken(ctx, claims.ID, b.now().UTC())
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrTokenUsed
	}
	if err != nil {
		return nil, err
	}
	if rec.UserID != claims.Subject || rec.TargetPath != claims.Target {
		b.logger.Warn("sso grant does not match its record", "jti", claims.ID)
		return nil, ErrInvalidToken
	}

	user, err := b.store.GetUserByID(ctx, rec.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, err
	}

	sess, err := b.sessions.Create(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	b.logger.Info("sso grant redeemed", "user_id", user.ID, "target", rec.TargetPath)
	return &Redemption{Session: sess, User: user, TargetPath: rec.TargetPath}, nil
}

// CleanTarget validates a redirect target. Only local absolute paths are
// accepted; an empty target becomes DefaultTarget.
func CleanTarget(target string) (string, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return DefaultTarget, nil
	}
	if !strings.HasPrefix(target, "/") || strings.HasPrefix(target, "//") || strings.Contains(target, `\`) {
		return "", ErrInvalidTarget
	}

	u, err := url.Parse(target)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return "", ErrInvalidTarget
	}
	return target, nil
}
