// ABOUTME: Tests for the session manager
// ABOUTME: Covers token format, TTL boundaries and idempotent destroy

package session

import (
	"context"
	"testing"
	"time"

	"github.com/2389/creative-auth/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func setup(t *testing.T) (*Manager, *store.MockStore, *fakeClock, *store.User) {
	t.Helper()

	s := store.NewMockStore()
	u := &store.User{Username: "alice", Role: store.RoleUser}
	require.NoError(t, s.CreateUser(context.Background(), u))

	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return NewManager(s, WithClock(clock.Now)), s, clock, u
}

func TestGenerateToken(t *testing.T) {
	seen := make(map[string]bool)
	for range 100 {
		tok, err := GenerateToken()
		require.NoError(t, err)
		assert.Len(t, tok, 64, "32 bytes hex encoded")
		assert.False(t, seen[tok], "duplicate token")
		seen[tok] = true
	}
}

func TestCreate_SetsAbsoluteExpiry(t *testing.T) {
	m, _, clock, u := setup(t)

	sess, err := m.Create(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, u.ID, sess.UserID)
	assert.Equal(t, clock.t.Add(DefaultTTL), sess.ExpiresAt)
}

func TestValidate_TTLBoundary(t *testing.T) {
	m, _, clock, u := setup(t)
	ctx := context.Background()
	start := clock.t

	sess, err := m.Create(ctx, u.ID)
	require.NoError(t, err)

	clock.t = start.Add(DefaultTTL - time.Second)
	got, err := m.Validate(ctx, sess.Token)
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	clock.t = start.Add(DefaultTTL + time.Second)
	_, err = m.Validate(ctx, sess.Token)
	assert.ErrorIs(t, err, ErrInvalidSession)
}

func TestValidate_NoSlidingRenewal(t *testing.T) {
	m, s, clock, u := setup(t)
	ctx := context.Background()
	start := clock.t

	sess, err := m.Create(ctx, u.ID)
	require.NoError(t, err)

	// Repeated use close to expiry must not push the expiry out.
	for i := 1; i <= 6; i++ {
		clock.t = start.Add(time.Duration(i) * 24 * time.Hour)
		_, err := m.Validate(ctx, sess.Token)
		require.NoError(t, err)
	}

	_, err = s.GetSessionUser(ctx, sess.Token, start.Add(DefaultTTL))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestValidate_CustomTTL(t *testing.T) {
	s := store.NewMockStore()
	u := &store.User{Username: "bob", Role: store.RoleUser}
	require.NoError(t, s.CreateUser(context.Background(), u))
	clock := &fakeClock{t: time.Now()}
	m := NewManager(s, WithTTL(time.Hour), WithClock(clock.Now))

	sess, err := m.Create(context.Background(), u.ID)
	require.NoError(t, err)

	clock.t = clock.t.Add(time.Hour + time.Millisecond)
	_, err = m.Validate(context.Background(), sess.Token)
	assert.ErrorIs(t, err, ErrInvalidSession)
}

func TestValidate_EmptyAndUnknown(t *testing.T) {
	m, _, _, _ := setup(t)

	_, err := m.Validate(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidSession)

	_, err = m.Validate(context.Background(), "deadbeef")
	assert.ErrorIs(t, err, ErrInvalidSession)
}

func TestDestroy_Idempotent(t *testing.T) {
	m, _, _, u := setup(t)
	ctx := context.Background()

	sess, err := m.Create(ctx, u.ID)
	require.NoError(t, err)

	require.NoError(t, m.Destroy(ctx, sess.Token))
	require.NoError(t, m.Destroy(ctx, sess.Token))
	require.NoError(t, m.Destroy(ctx, ""))

	_, err = m.Validate(ctx, sess.Token)
	assert.ErrorIs(t, err, ErrInvalidSession)
}
