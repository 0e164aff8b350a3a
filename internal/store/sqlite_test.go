// ABOUTME: Tests for SQLStore against a real SQLite database
// ABOUTME: Covers users, bootstrap marker, passkeys, sessions, challenges and SSO tokens

package store

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()

	s, err := Open(context.Background(), Options{
		Dialect: DialectSQLite,
		Path:    filepath.Join(t.TempDir(), "test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func createTestUser(t *testing.T, s Store, username string, role Role) *User {
	t.Helper()

	u := &User{Username: username, Role: role, PasswordHash: "hash"}
	require.NoError(t, s.CreateUser(context.Background(), u))
	return u
}

func TestOpen_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")

	s, err := Open(context.Background(), Options{Dialect: DialectSQLite, Path: dbPath})
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "database file was not created in nested directory")
}

func TestOpen_UnknownDialect(t *testing.T) {
	_, err := Open(context.Background(), Options{Dialect: "oracle"})
	assert.Error(t, err)
}

func TestOpen_MigrationsAreIdempotent(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.Migrate(context.Background()))
}

// ===========================================================================
// Users
// ===========================================================================

func TestUsers_CaseInsensitiveLookup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := &User{Username: "Alice", Role: RoleUser, PasswordHash: "hash"}
	require.NoError(t, s.CreateUser(ctx, u))
	assert.Equal(t, "alice", u.Username)
	assert.Equal(t, "alice", u.DisplayName, "display name defaults to username")

	for _, name := range []string{"alice", "ALICE", "aLiCe", "  Alice "} {
		got, err := s.GetUserByUsername(ctx, name)
		require.NoError(t, err, name)
		assert.Equal(t, u.ID, got.ID)
		assert.Equal(t, "hash", got.PasswordHash)
		assert.Equal(t, RoleUser, got.Role)
	}
}

func TestUsers_DuplicateUsername(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	createTestUser(t, s, "bob", RoleUser)

	err := s.CreateUser(ctx, &User{Username: "BOB", Role: RoleUser})
	assert.ErrorIs(t, err, ErrDuplicateUsername)
}

func TestUsers_InvalidRole(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.CreateUser(ctx, &User{Username: "carol", Role: "superuser"})
	assert.ErrorIs(t, err, ErrInvalidRole)

	u := createTestUser(t, s, "carol", RoleUser)
	assert.ErrorIs(t, s.UpdateUserRole(ctx, u.ID, "Admin "), ErrInvalidRole)
}

func TestUsers_PasskeyOnlyUserHasNoHash(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := &User{Username: "dave", Role: RoleUser}
	require.NoError(t, s.CreateUser(ctx, u))

	got, err := s.GetUserByID(ctx, u.ID)
	require.NoError(t, err)
	assert.False(t, got.HasPassword())
	assert.Nil(t, got.LastLoginAt)
}

func TestUsers_CountsAndRoles(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	n, err := s.CountAdmins(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	u := createTestUser(t, s, "erin", RoleUser)
	createTestUser(t, s, "frank", RoleUser)

	require.NoError(t, s.UpdateUserRole(ctx, u.ID, RoleAdmin))

	users, err := s.CountUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, users)

	admins, err := s.CountAdmins(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, admins)

	assert.ErrorIs(t, s.UpdateUserRole(ctx, "missing", RoleUser), ErrNotFound)
}

func TestUsers_ListNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i, name := range []string{"old", "mid", "new"} {
		u := &User{Username: name, Role: RoleUser, CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		require.NoError(t, s.CreateUser(ctx, u))
	}

	users, err := s.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 3)
	assert.Equal(t, "new", users[0].Username)
	assert.Equal(t, "old", users[2].Username)
}

func TestUsers_UpdateLastLogin(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := createTestUser(t, s, "gina", RoleUser)

	at := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, s.UpdateLastLogin(ctx, u.ID, at))

	got, err := s.GetUserByID(ctx, u.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastLoginAt)
	assert.True(t, at.Equal(*got.LastLoginAt))
}

func TestUsers_DeleteCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := createTestUser(t, s, "hank", RoleUser)
	now := time.Now().UTC()

	require.NoError(t, s.CreatePasskey(ctx, &Passkey{UserID: u.ID, CredentialID: []byte("cred-h"), PublicKey: []byte("pk")}))
	require.NoError(t, s.CreateSession(ctx, &Session{Token: "tok-h", UserID: u.ID, ExpiresAt: now.Add(time.Hour)}))
	require.NoError(t, s.SaveChallenge(ctx, &Challenge{Challenge: "ch-h", UserID: u.ID, Type: ChallengeRegistration, Data: []byte("{}"), ExpiresAt: now.Add(time.Minute)}))

	require.NoError(t, s.DeleteUser(ctx, u.ID))

	_, err := s.GetPasskeyByCredentialID(ctx, []byte("cred-h"))
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetSessionUser(ctx, "tok-h", now)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.ConsumeChallenge(ctx, "ch-h", ChallengeRegistration, now)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, s.DeleteUser(ctx, u.ID), ErrNotFound)

	// The name is free again once the row is gone.
	createTestUser(t, s, "hank", RoleUser)
}

// ===========================================================================
// Bootstrap
// ===========================================================================

func TestCreateFirstAdmin_OnlyOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	done, err := s.BootstrapCompleted(ctx)
	require.NoError(t, err)
	assert.False(t, done)

	first := &User{Username: "root", PasswordHash: "hash"}
	require.NoError(t, s.CreateFirstAdmin(ctx, first))
	assert.Equal(t, RoleAdmin, first.Role)

	err = s.CreateFirstAdmin(ctx, &User{Username: "second"})
	assert.ErrorIs(t, err, ErrSetupCompleted)

	// Deleting the only admin does not reopen setup.
	require.NoError(t, s.DeleteUser(ctx, first.ID))
	err = s.CreateFirstAdmin(ctx, &User{Username: "third"})
	assert.ErrorIs(t, err, ErrSetupCompleted)

	_, err = s.GetUserByUsername(ctx, "second")
	assert.ErrorIs(t, err, ErrNotFound, "refused setup must not leave a user behind")
}

func TestCreateFirstAdmin_Concurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const callers = 8
	var wg sync.WaitGroup
	var wins atomic.Int32
	for i := range callers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.CreateFirstAdmin(ctx, &User{Username: "admin" + string(rune('a'+i))})
			if err == nil {
				wins.Add(1)
				return
			}
			assert.ErrorIs(t, err, ErrSetupCompleted)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	admins, err := s.CountAdmins(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, admins)
}

func TestCreateUser_AdminMarksBootstrap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	createTestUser(t, s, "ops", RoleAdmin)

	done, err := s.BootstrapCompleted(ctx)
	require.NoError(t, err)
	assert.True(t, done)
	assert.ErrorIs(t, s.CreateFirstAdmin(ctx, &User{Username: "late"}), ErrSetupCompleted)
}

func TestUpdateUserRole_PromotionMarksBootstrap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := createTestUser(t, s, "promoted", RoleUser)

	require.NoError(t, s.UpdateUserRole(ctx, u.ID, RoleAdmin))

	done, err := s.BootstrapCompleted(ctx)
	require.NoError(t, err)
	assert.True(t, done)
}

// ===========================================================================
// Passkeys
// ===========================================================================

func TestPasskeys_CreateAndLookup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := createTestUser(t, s, "ivy", RoleUser)

	pk := &Passkey{
		UserID:         u.ID,
		CredentialID:   []byte{0x01, 0x02, 0x03},
		PublicKey:      []byte("public-key"),
		SignCount:      5,
		Transports:     []string{"internal", "hybrid"},
		DeviceType:     DeviceMulti,
		BackupEligible: true,
		BackedUp:       true,
		AAGUID:         make([]byte, 16),
	}
	require.NoError(t, s.CreatePasskey(ctx, pk))
	assert.NotEmpty(t, pk.ID)

	got, err := s.GetPasskeyByCredentialID(ctx, []byte{0x01, 0x02, 0x03})
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.UserID)
	assert.Equal(t, uint32(5), got.SignCount)
	assert.Equal(t, []string{"internal", "hybrid"}, got.Transports)
	assert.Equal(t, DeviceMulti, got.DeviceType)
	assert.True(t, got.BackupEligible)
	assert.True(t, got.BackedUp)

	require.NoError(t, s.UpdatePasskeySignCount(ctx, pk.CredentialID, 6))
	got, err = s.GetPasskeyByCredentialID(ctx, pk.CredentialID)
	require.NoError(t, err)
	assert.Equal(t, uint32(6), got.SignCount)

	assert.ErrorIs(t, s.UpdatePasskeySignCount(ctx, pk.CredentialID, 6), ErrStaleCounter)
	assert.ErrorIs(t, s.UpdatePasskeySignCount(ctx, pk.CredentialID, 3), ErrStaleCounter)
	got, err = s.GetPasskeyByCredentialID(ctx, pk.CredentialID)
	require.NoError(t, err)
	assert.Equal(t, uint32(6), got.SignCount)

	assert.ErrorIs(t, s.UpdatePasskeySignCount(ctx, []byte("nope"), 1), ErrNotFound)
}

func TestPasskeys_CredentialIDGloballyUnique(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := createTestUser(t, s, "jack", RoleUser)
	b := createTestUser(t, s, "kate", RoleUser)

	require.NoError(t, s.CreatePasskey(ctx, &Passkey{UserID: a.ID, CredentialID: []byte("same"), PublicKey: []byte("k")}))
	err := s.CreatePasskey(ctx, &Passkey{UserID: b.ID, CredentialID: []byte("same"), PublicKey: []byte("k")})
	assert.ErrorIs(t, err, ErrDuplicateCredential)
}

func TestPasskeys_DeleteScopedToOwner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	owner := createTestUser(t, s, "liam", RoleUser)
	other := createTestUser(t, s, "mia", RoleUser)

	pk := &Passkey{UserID: owner.ID, CredentialID: []byte("liam-key"), PublicKey: []byte("k")}
	require.NoError(t, s.CreatePasskey(ctx, pk))

	assert.ErrorIs(t, s.DeletePasskey(ctx, pk.ID, other.ID), ErrNotFound)

	list, err := s.ListPasskeysByUser(ctx, owner.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, s.DeletePasskey(ctx, pk.ID, owner.ID))
	list, err = s.ListPasskeysByUser(ctx, owner.ID)
	require.NoError(t, err)
	assert.Empty(t, list)
}

// ===========================================================================
// Sessions
// ===========================================================================

func TestSessions_ExpiryBoundary(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := createTestUser(t, s, "nina", RoleUser)

	created := time.Now().UTC().Truncate(time.Millisecond)
	ttl := 7 * 24 * time.Hour
	require.NoError(t, s.CreateSession(ctx, &Session{
		Token:     "tok-n",
		UserID:    u.ID,
		CreatedAt: created,
		ExpiresAt: created.Add(ttl),
	}))

	got, err := s.GetSessionUser(ctx, "tok-n", created.Add(ttl-time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	_, err = s.GetSessionUser(ctx, "tok-n", created.Add(ttl))
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetSessionUser(ctx, "tok-n", created.Add(ttl+time.Millisecond))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSessions_DeleteIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := createTestUser(t, s, "omar", RoleUser)

	require.NoError(t, s.CreateSession(ctx, &Session{Token: "tok-o", UserID: u.ID, ExpiresAt: time.Now().Add(time.Hour)}))
	require.NoError(t, s.DeleteSession(ctx, "tok-o"))
	require.NoError(t, s.DeleteSession(ctx, "tok-o"))

	_, err := s.GetSessionUser(ctx, "tok-o", time.Now())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := createTestUser(t, s, "pia", RoleUser)
	now := time.Now().UTC()

	require.NoError(t, s.CreateSession(ctx, &Session{Token: "old", UserID: u.ID, ExpiresAt: now.Add(-time.Second)}))
	require.NoError(t, s.CreateSession(ctx, &Session{Token: "fresh", UserID: u.ID, ExpiresAt: now.Add(time.Hour)}))
	require.NoError(t, s.SaveChallenge(ctx, &Challenge{Challenge: "old-ch", Type: ChallengeAuthentication, Data: []byte("{}"), ExpiresAt: now.Add(-time.Second)}))
	require.NoError(t, s.CreateSSOToken(ctx, &SSOToken{ID: "old-sso", UserID: u.ID, TargetPath: "/admin", ExpiresAt: now.Add(-time.Second)}))

	n, err := s.DeleteExpiredSessions(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.DeleteExpiredChallenges(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.DeleteExpiredSSOTokens(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.GetSessionUser(ctx, "fresh", now)
	assert.NoError(t, err)
}

// ===========================================================================
// Challenges
// ===========================================================================

func TestChallenges_ConsumedOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := createTestUser(t, s, "quinn", RoleUser)
	now := time.Now().UTC()

	require.NoError(t, s.SaveChallenge(ctx, &Challenge{
		Challenge: "abc",
		UserID:    u.ID,
		Type:      ChallengeRegistration,
		Data:      []byte(`{"challenge":"abc"}`),
		ExpiresAt: now.Add(5 * time.Minute),
	}))

	_, err := s.ConsumeChallenge(ctx, "abc", ChallengeAuthentication, now)
	assert.ErrorIs(t, err, ErrNotFound, "type must match")

	c, err := s.ConsumeChallenge(ctx, "abc", ChallengeRegistration, now)
	require.NoError(t, err)
	assert.Equal(t, u.ID, c.UserID)
	assert.Equal(t, []byte(`{"challenge":"abc"}`), c.Data)

	_, err = s.ConsumeChallenge(ctx, "abc", ChallengeRegistration, now)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestChallenges_DiscoverableHasNoUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.SaveChallenge(ctx, &Challenge{Challenge: "disc", Type: ChallengeAuthentication, Data: []byte("{}"), ExpiresAt: now.Add(time.Minute)}))

	c, err := s.ConsumeChallenge(ctx, "disc", ChallengeAuthentication, now)
	require.NoError(t, err)
	assert.Empty(t, c.UserID)
}

func TestChallenges_Expired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.SaveChallenge(ctx, &Challenge{Challenge: "stale", Type: ChallengeAuthentication, Data: []byte("{}"), ExpiresAt: now.Add(5 * time.Minute)}))

	_, err := s.ConsumeChallenge(ctx, "stale", ChallengeAuthentication, now.Add(5*time.Minute+time.Millisecond))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestChallenges_ConcurrentConsume(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.SaveChallenge(ctx, &Challenge{Challenge: "race", Type: ChallengeAuthentication, Data: []byte("{}"), ExpiresAt: now.Add(time.Minute)}))

	const racers = 10
	var wg sync.WaitGroup
	var wins atomic.Int32
	start := make(chan struct{})
	for range racers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := s.ConsumeChallenge(ctx, "race", ChallengeAuthentication, now); err == nil {
				wins.Add(1)
			} else {
				assert.ErrorIs(t, err, ErrNotFound)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

// ===========================================================================
// SSO tokens
// ===========================================================================

func TestSSOTokens_SingleUse(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := createTestUser(t, s, "rita", RoleUser)
	now := time.Now().UTC()

	require.NoError(t, s.CreateSSOToken(ctx, &SSOToken{ID: "jti-1", UserID: u.ID, TargetPath: "/admin", ExpiresAt: now.Add(30 * time.Second)}))

	tok, err := s.ConsumeSSOToken(ctx, "jti-1", now)
	require.NoError(t, err)
	assert.Equal(t, u.ID, tok.UserID)
	assert.Equal(t, "/admin", tok.TargetPath)

	_, err = s.ConsumeSSOToken(ctx, "jti-1", now)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSSOTokens_Expired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := createTestUser(t, s, "sam", RoleUser)
	now := time.Now().UTC()

	require.NoError(t, s.CreateSSOToken(ctx, &SSOToken{ID: "jti-2", UserID: u.ID, TargetPath: "/admin", ExpiresAt: now.Add(30 * time.Second)}))

	_, err := s.ConsumeSSOToken(ctx, "jti-2", now.Add(31*time.Second))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestParseRole(t *testing.T) {
	tests := []struct {
		in      string
		want    Role
		wantErr bool
	}{
		{"user", RoleUser, false},
		{"admin", RoleAdmin, false},
		{" ADMIN ", RoleAdmin, false},
		{"root", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseRole(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidRole)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidateUsername(t *testing.T) {
	valid := []string{"alice", "Bob", "a.b-c_d", "abc", "a2345678901234567890123456789012"}
	invalid := []string{"", "ab", "1alice", "_alice", "al ice", "alice!", "a23456789012345678901234567890123"}

	for _, u := range valid {
		assert.NoError(t, ValidateUsername(u), u)
	}
	for _, u := range invalid {
		assert.ErrorIs(t, ValidateUsername(u), ErrInvalidUsername, u)
	}
}
