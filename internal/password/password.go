// ABOUTME: bcrypt password hashing with a bounded number of concurrent hashes
// ABOUTME: Also holds the minimum-length policy applied at registration and setup

package password

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"unicode/utf8"

	"golang.org/x/crypto/bcrypt"
)

const (
	// DefaultCost is the bcrypt work factor for new hashes.
	DefaultCost = 12

	// MinLength is the minimum password length in characters.
	MinLength = 8

	// MaxBytes is bcrypt's input limit.
	MaxBytes = 72
)

var (
	// ErrTooShort is returned when a password is under MinLength characters.
	ErrTooShort = errors.New("password must be at least 8 characters")

	// ErrTooLong is returned when a password exceeds bcrypt's 72-byte limit.
	ErrTooLong = errors.New("password must be at most 72 bytes")
)

// Validate applies the password policy. It does not hash.
func Validate(password string) error {
	if utf8.RuneCountInString(password) < MinLength {
		return ErrTooShort
	}
	if len(password) > MaxBytes {
		return ErrTooLong
	}
	return nil
}

// Hasher hashes and verifies passwords. bcrypt is CPU-bound, so at most
// maxConcurrent operations run at once and the rest wait or give up when
// their context ends.
type Hasher struct {
	cost int
	sem  chan struct{}

	dummyOnce sync.Once
	dummyHash []byte
}

// NewHasher creates a Hasher. A cost of zero selects DefaultCost and a
// maxConcurrent of zero allows four concurrent operations.
func NewHasher(cost, maxConcurrent int) *Hasher {
	if cost == 0 {
		cost = DefaultCost
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	return &Hasher{
		cost: cost,
		sem:  make(chan struct{}, maxConcurrent),
	}
}

// Cost returns the configured work factor.
func (h *Hasher) Cost() int {
	return h.cost
}

func (h *Hasher) acquire(ctx context.Context) error {
	select {
	case h.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hasher) release() {
	<-h.sem
}

// Hash returns a salted bcrypt digest of password.
func (h *Hasher) Hash(ctx context.Context, password string) (string, error) {
	if err := h.acquire(ctx); err != nil {
		return "", err
	}
	defer h.release()

	digest, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(digest), nil
}

// Verify reports whether password matches digest. An empty digest (a
// passkey-only account) never matches.
func (h *Hasher) Verify(ctx context.Context, password, digest string) bool {
	if digest == "" {
		h.CompareDummy(ctx, password)
		return false
	}
	if err := h.acquire(ctx); err != nil {
		return false
	}
	defer h.release()

	return bcrypt.CompareHashAndPassword([]byte(digest), []byte(password)) == nil
}

// CompareDummy spends the same work as a real verification. Call it when the
// user does not exist so response timing does not reveal which usernames are
// registered.
func (h *Hasher) CompareDummy(ctx context.Context, password string) {
	h.dummyOnce.Do(func() {
		h.dummyHash, _ = bcrypt.GenerateFromPassword([]byte("dummy-password-for-timing"), h.cost)
	})
	if err := h.acquire(ctx); err != nil {
		return
	}
	defer h.release()

	_ = bcrypt.CompareHashAndPassword(h.dummyHash, []byte(password))
}
