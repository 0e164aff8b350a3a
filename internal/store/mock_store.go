// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests of the auth layers to run without a database

package store

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu         sync.RWMutex
	users      map[string]*User      // keyed by user ID
	usernames  map[string]string     // keyed by username -> user ID
	passkeys   map[string]*Passkey   // keyed by passkey ID
	sessions   map[string]*Session   // keyed by token
	challenges map[string]*Challenge // keyed by challenge value
	ssoTokens  map[string]*SSOToken  // keyed by token ID
	bootstrap  bool
}

var _ Store = (*MockStore)(nil)

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		users:      make(map[string]*User),
		usernames:  make(map[string]string),
		passkeys:   make(map[string]*Passkey),
		sessions:   make(map[string]*Session),
		challenges: make(map[string]*Challenge),
		ssoTokens:  make(map[string]*SSOToken),
	}
}

func copyUser(u *User) *User {
	c := *u
	if u.LastLoginAt != nil {
		t := *u.LastLoginAt
		c.LastLoginAt = &t
	}
	return &c
}

func (m *MockStore) insertUserLocked(user *User) error {
	if _, taken := m.usernames[user.Username]; taken {
		return ErrDuplicateUsername
	}
	m.users[user.ID] = copyUser(user)
	m.usernames[user.Username] = user.ID
	return nil
}

// CreateUser stores a new user.
func (m *MockStore) CreateUser(ctx context.Context, user *User) error {
	if err := prepareUser(user); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.insertUserLocked(user); err != nil {
		return err
	}
	if user.Role == RoleAdmin {
		m.bootstrap = true
	}
	return nil
}

// CreateFirstAdmin creates the initial admin unless one has ever existed.
func (m *MockStore) CreateFirstAdmin(ctx context.Context, user *User) error {
	user.Role = RoleAdmin
	if err := prepareUser(user); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.bootstrap {
		return ErrSetupCompleted
	}
	if err := m.insertUserLocked(user); err != nil {
		return err
	}
	m.bootstrap = true
	return nil
}

// BootstrapCompleted reports whether an admin has ever existed.
func (m *MockStore) BootstrapCompleted(ctx context.Context) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bootstrap, nil
}

// GetUserByID retrieves a user by ID.
func (m *MockStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyUser(u), nil
}

// GetUserByUsername retrieves a user by case-insensitive username.
func (m *MockStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.usernames[NormalizeUsername(username)]
	if !ok {
		return nil, ErrNotFound
	}
	return copyUser(m.users[id]), nil
}

// ListUsers returns all users, newest first.
func (m *MockStore) ListUsers(ctx context.Context) ([]*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	users := make([]*User, 0, len(m.users))
	for _, u := range m.users {
		users = append(users, copyUser(u))
	}
	sort.Slice(users, func(i, j int) bool {
		if !users[i].CreatedAt.Equal(users[j].CreatedAt) {
			return users[i].CreatedAt.After(users[j].CreatedAt)
		}
		return users[i].Username < users[j].Username
	})
	return users, nil
}

// CountUsers returns the total number of users.
func (m *MockStore) CountUsers(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.users), nil
}

// CountAdmins returns the number of admins.
func (m *MockStore) CountAdmins(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, u := range m.users {
		if u.Role == RoleAdmin {
			n++
		}
	}
	return n, nil
}

// UpdateUserRole changes a user's role.
func (m *MockStore) UpdateUserRole(ctx context.Context, id string, role Role) error {
	if !role.Valid() {
		return ErrInvalidRole
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	u.Role = role
	if role == RoleAdmin {
		m.bootstrap = true
	}
	return nil
}

// UpdateLastLogin stamps the user's most recent login.
func (m *MockStore) UpdateLastLogin(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if u, ok := m.users[id]; ok {
		t := at.UTC()
		u.LastLoginAt = &t
	}
	return nil
}

// DeleteUser removes a user and everything that references it.
func (m *MockStore) DeleteUser(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	delete(m.users, id)
	delete(m.usernames, u.Username)

	for k, pk := range m.passkeys {
		if pk.UserID == id {
			delete(m.passkeys, k)
		}
	}
	for k, s := range m.sessions {
		if s.UserID == id {
			delete(m.sessions, k)
		}
	}
	for k, c := range m.challenges {
		if c.UserID == id {
			delete(m.challenges, k)
		}
	}
	for k, t := range m.ssoTokens {
		if t.UserID == id {
			delete(m.ssoTokens, k)
		}
	}
	return nil
}

func copyPasskey(pk *Passkey) *Passkey {
	c := *pk
	c.CredentialID = bytes.Clone(pk.CredentialID)
	c.PublicKey = bytes.Clone(pk.PublicKey)
	c.AAGUID = bytes.Clone(pk.AAGUID)
	c.Transports = append([]string(nil), pk.Transports...)
	return &c
}

// CreatePasskey stores a credential.
func (m *MockStore) CreatePasskey(ctx context.Context, pk *Passkey) error {
	if pk.ID == "" {
		pk.ID = uuid.NewString()
	}
	if pk.CreatedAt.IsZero() {
		pk.CreatedAt = time.Now().UTC()
	}
	if pk.DeviceType == "" {
		pk.DeviceType = DeviceSingle
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[pk.UserID]; !ok {
		return ErrNotFound
	}
	for _, existing := range m.passkeys {
		if bytes.Equal(existing.CredentialID, pk.CredentialID) {
			return ErrDuplicateCredential
		}
	}
	m.passkeys[pk.ID] = copyPasskey(pk)
	return nil
}

// GetPasskeyByCredentialID retrieves a credential by authenticator ID.
func (m *MockStore) GetPasskeyByCredentialID(ctx context.Context, credentialID []byte) (*Passkey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, pk := range m.passkeys {
		if bytes.Equal(pk.CredentialID, credentialID) {
			return copyPasskey(pk), nil
		}
	}
	return nil, ErrNotFound
}

// ListPasskeysByUser returns a user's credentials, oldest first.
func (m *MockStore) ListPasskeysByUser(ctx context.Context, userID string) ([]*Passkey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Passkey
	for _, pk := range m.passkeys {
		if pk.UserID == userID {
			result = append(result, copyPasskey(pk))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// UpdatePasskeySignCount persists a new counter value if it moves forward.
func (m *MockStore) UpdatePasskeySignCount(ctx context.Context, credentialID []byte, signCount uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, pk := range m.passkeys {
		if bytes.Equal(pk.CredentialID, credentialID) {
			if pk.SignCount >= signCount && (pk.SignCount != 0 || signCount != 0) {
				return ErrStaleCounter
			}
			pk.SignCount = signCount
			return nil
		}
	}
	return ErrNotFound
}

// DeletePasskey removes a credential owned by userID.
func (m *MockStore) DeletePasskey(ctx context.Context, id, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pk, ok := m.passkeys[id]
	if !ok || pk.UserID != userID {
		return ErrNotFound
	}
	delete(m.passkeys, id)
	return nil
}

// CreateSession stores a session.
func (m *MockStore) CreateSession(ctx context.Context, session *Session) error {
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c := *session
	m.sessions[c.Token] = &c
	return nil
}

// GetSessionUser resolves an unexpired session to its user.
func (m *MockStore) GetSessionUser(ctx context.Context, token string, now time.Time) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[token]
	if !ok || !now.Before(s.ExpiresAt) {
		return nil, ErrNotFound
	}
	u, ok := m.users[s.UserID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyUser(u), nil
}

// DeleteSession removes a session if present.
func (m *MockStore) DeleteSession(ctx context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, token)
	return nil
}

// DeleteExpiredSessions removes expired sessions.
func (m *MockStore) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for k, s := range m.sessions {
		if !now.Before(s.ExpiresAt) {
			delete(m.sessions, k)
			n++
		}
	}
	return n, nil
}

// SaveChallenge stores a pending ceremony.
func (m *MockStore) SaveChallenge(ctx context.Context, c *Challenge) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cc := *c
	cc.Data = bytes.Clone(c.Data)
	m.challenges[cc.Challenge] = &cc
	return nil
}

// ConsumeChallenge reads and deletes a challenge under the write lock.
func (m *MockStore) ConsumeChallenge(ctx context.Context, challenge string, typ ChallengeType, now time.Time) (*Challenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.challenges[challenge]
	if !ok || c.Type != typ {
		return nil, ErrNotFound
	}
	delete(m.challenges, challenge)
	if !now.Before(c.ExpiresAt) {
		return nil, ErrNotFound
	}
	return c, nil
}

// DeleteExpiredChallenges removes expired challenges.
func (m *MockStore) DeleteExpiredChallenges(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for k, c := range m.challenges {
		if !now.Before(c.ExpiresAt) {
			delete(m.challenges, k)
			n++
		}
	}
	return n, nil
}

// CreateSSOToken stores an SSO grant.
func (m *MockStore) CreateSSOToken(ctx context.Context, tok *SSOToken) error {
	if tok.CreatedAt.IsZero() {
		tok.CreatedAt = time.Now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c := *tok
	m.ssoTokens[c.ID] = &c
	return nil
}

// ConsumeSSOToken reads and deletes an SSO grant.
func (m *MockStore) ConsumeSSOToken(ctx context.Context, id string, now time.Time) (*SSOToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.ssoTokens[id]
	if !ok {
		return nil, ErrNotFound
	}
	delete(m.ssoTokens, id)
	if !now.Before(t.ExpiresAt) {
		return nil, ErrNotFound
	}
	return t, nil
}

// DeleteExpiredSSOTokens removes expired grants.
func (m *MockStore) DeleteExpiredSSOTokens(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for k, t := range m.ssoTokens {
		if !now.Before(t.ExpiresAt) {
			delete(m.ssoTokens, k)
			n++
		}
	}
	return n, nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}
