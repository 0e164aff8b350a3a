// ABOUTME: Store interface and data types for creative-auth persistence
// ABOUTME: Defines users, passkeys, sessions, challenges, SSO tokens and the bootstrap marker

package store

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateUsername is returned when trying to create a user with a taken username.
var ErrDuplicateUsername = errors.New("username already exists")

// ErrDuplicateCredential is returned when a passkey credential ID is already registered.
var ErrDuplicateCredential = errors.New("credential already registered")

// ErrInvalidRole is returned when a role outside the closed set reaches the store.
var ErrInvalidRole = errors.New("invalid role")

// ErrSetupCompleted is returned by CreateFirstAdmin once an admin has ever existed.
var ErrSetupCompleted = errors.New("setup already completed")

// ErrStaleCounter is returned when a signature counter update would not move
// the stored counter forward.
var ErrStaleCounter = errors.New("signature counter not greater than stored value")

// Role is the closed set of user roles.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAdmin
}

// ParseRole converts a wire value into a Role.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", ErrInvalidRole
	}
	return r, nil
}

// ChallengeType distinguishes the two WebAuthn ceremonies.
type ChallengeType string

const (
	ChallengeRegistration   ChallengeType = "registration"
	ChallengeAuthentication ChallengeType = "authentication"
)

// Device type classifications for passkeys.
const (
	DeviceSingle = "singleDevice"
	DeviceMulti  = "multiDevice"
)

// User is an account that can sign in with a password, passkeys, or both.
type User struct {
	ID           string
	Username     string // always lowercase
	DisplayName  string
	Role         Role
	PasswordHash string // bcrypt hash, empty if passkey-only
	CreatedAt    time.Time
	LastLoginAt  *time.Time
}

// IsAdmin reports whether the user holds the admin role.
func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// HasPassword reports whether the user can sign in with a password.
func (u *User) HasPassword() bool {
	return u.PasswordHash != ""
}

// Passkey is a registered WebAuthn public-key credential.
type Passkey struct {
	ID              string
	UserID          string
	CredentialID    []byte
	PublicKey       []byte
	SignCount       uint32
	Transports      []string
	DeviceType      string
	BackupEligible  bool
	BackedUp        bool
	AAGUID          []byte
	AttestationType string
	CreatedAt       time.Time
}

// Session is an opaque bearer token bound to a user.
type Session struct {
	Token     string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Challenge is a pending WebAuthn ceremony. Data holds the serialized
// ceremony state needed to verify the response.
type Challenge struct {
	Challenge string
	UserID    string // empty for discoverable logins
	Type      ChallengeType
	Data      []byte
	ExpiresAt time.Time
	CreatedAt time.Time
}

// SSOToken is a single-use grant that can be exchanged for a new session.
type SSOToken struct {
	ID         string
	UserID     string
	TargetPath string
	ExpiresAt  time.Time
	CreatedAt  time.Time
}

// ErrInvalidUsername is returned by ValidateUsername.
var ErrInvalidUsername = errors.New("username must be 3-32 characters, start with a letter, and contain only letters, numbers, dots, dashes and underscores")

var usernameRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_.-]{2,31}$`)

// ValidateUsername checks a username before normalization.
func ValidateUsername(username string) error {
	if !usernameRegex.MatchString(strings.TrimSpace(username)) {
		return ErrInvalidUsername
	}
	return nil
}

// NormalizeUsername lowercases and trims a username for storage and lookup.
func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

// Store defines persistence for accounts and credentials. It carries no
// policy: self-modification, password strength and setup rules are enforced
// by the callers.
type Store interface {
	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUserByID(ctx context.Context, id string) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	ListUsers(ctx context.Context) ([]*User, error)
	CountUsers(ctx context.Context) (int, error)
	CountAdmins(ctx context.Context) (int, error)
	UpdateUserRole(ctx context.Context, id string, role Role) error
	UpdateLastLogin(ctx context.Context, id string, at time.Time) error
	DeleteUser(ctx context.Context, id string) error

	// Bootstrap
	CreateFirstAdmin(ctx context.Context, user *User) error
	BootstrapCompleted(ctx context.Context) (bool, error)

	// Passkeys
	CreatePasskey(ctx context.Context, pk *Passkey) error
	GetPasskeyByCredentialID(ctx context.Context, credentialID []byte) (*Passkey, error)
	ListPasskeysByUser(ctx context.Context, userID string) ([]*Passkey, error)
	UpdatePasskeySignCount(ctx context.Context, credentialID []byte, signCount uint32) error
	DeletePasskey(ctx context.Context, id, userID string) error

	// Sessions
	CreateSession(ctx context.Context, session *Session) error
	GetSessionUser(ctx context.Context, token string, now time.Time) (*User, error)
	DeleteSession(ctx context.Context, token string) error
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error)

	// Challenges
	SaveChallenge(ctx context.Context, c *Challenge) error
	ConsumeChallenge(ctx context.Context, challenge string, typ ChallengeType, now time.Time) (*Challenge, error)
	DeleteExpiredChallenges(ctx context.Context, now time.Time) (int64, error)

	// SSO tokens
	CreateSSOToken(ctx context.Context, tok *SSOToken) error
	ConsumeSSOToken(ctx context.Context, id string, now time.Time) (*SSOToken, error)
	DeleteExpiredSSOTokens(ctx context.Context, now time.Time) (int64, error)

	Close() error
}
