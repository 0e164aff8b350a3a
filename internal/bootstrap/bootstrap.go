// ABOUTME: First-run admin bootstrap state machine
// ABOUTME: Setup succeeds at most once for the lifetime of the database

package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/2389/creative-auth/internal/password"
	"github.com/2389/creative-auth/internal/store"
)

// ErrSetupAlreadyCompleted is returned once any admin has ever existed.
var ErrSetupAlreadyCompleted = errors.New("setup already completed")

// ErrInvalidUsername is returned for usernames that fail validation.
var ErrInvalidUsername = store.ErrInvalidUsername

// State is the installation's bootstrap state.
type State string

const (
	// Uninitialized means no admin has ever existed and setup is open.
	Uninitialized State = "uninitialized"

	// Initialized means setup has completed. It never reverts, even if every
	// admin is later deleted.
	Initialized State = "initialized"
)

// Machine drives the bootstrap transition.
type Machine struct {
	store  store.Store
	hasher *password.Hasher
	logger *slog.Logger
}

// New creates a Machine.
func New(s store.Store, hasher *password.Hasher) *Machine {
	return &Machine{
		store:  s,
		hasher: hasher,
		logger: slog.Default().With("component", "bootstrap"),
	}
}

// State reports the current bootstrap state.
func (m *Machine) State(ctx context.Context) (State, error) {
	needs, err := m.NeedsSetup(ctx)
	if err != nil {
		return "", err
	}
	if needs {
		return Uninitialized, nil
	}
	return Initialized, nil
}

// NeedsSetup reports whether the first admin has yet to be created.
func (m *Machine) NeedsSetup(ctx context.Context) (bool, error) {
	completed, err := m.store.BootstrapCompleted(ctx)
	if err != nil {
		return false, fmt.Errorf("checking bootstrap marker: %w", err)
	}
	if completed {
		return false, nil
	}

	admins, err := m.store.CountAdmins(ctx)
	if err != nil {
		return false, fmt.Errorf("counting admins: %w", err)
	}
	return admins == 0, nil
}

// Setup creates the first admin account. Concurrent callers race on a single
// conditional insert; exactly one wins and the rest get
// ErrSetupAlreadyCompleted.
func (m *Machine) Setup(ctx context.Context, username, pw, displayName string) (*store.User, error) {
	needs, err := m.NeedsSetup(ctx)
	if err != nil {
		return nil, err
	}
	if !needs {
		return nil, ErrSetupAlreadyCompleted
	}

	if err := store.ValidateUsername(username); err != nil {
		return nil, ErrInvalidUsername
	}
	if err := password.Validate(pw); err != nil {
		return nil, err
	}

	hash, err := m.hasher.Hash(ctx, pw)
	if err != nil {
		return nil, err
	}

	user := &store.User{
		Username:     username,
		DisplayName:  displayName,
		Role:         store.RoleAdmin,
		PasswordHash: hash,
	}
	if err := m.store.CreateFirstAdmin(ctx, user); err != nil {
		if errors.Is(err, store.ErrSetupCompleted) {
			return nil, ErrSetupAlreadyCompleted
		}
		return nil, err
	}

	m.logger.Info("bootstrap completed", "user_id", user.ID, "username", user.Username)
	return user, nil
}
