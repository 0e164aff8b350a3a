// ABOUTME: User and bootstrap-marker methods for SQLStore
// ABOUTME: Usernames are lowercased on write and lookup; admins always leave a bootstrap marker

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const userColumns = `id, username, display_name, role, password_hash, created_at, last_login_at`

type userRow struct {
	ID           string         `db:"id"`
	Username     string         `db:"username"`
	DisplayName  string         `db:"display_name"`
	Role         string         `db:"role"`
	PasswordHash sql.NullString `db:"password_hash"`
	CreatedAt    int64          `db:"created_at"`
	LastLoginAt  sql.NullInt64  `db:"last_login_at"`
}

func (r *userRow) toUser() *User {
	u := &User{
		ID:           r.ID,
		Username:     r.Username,
		DisplayName:  r.DisplayName,
		Role:         Role(r.Role),
		PasswordHash: r.PasswordHash.String,
		CreatedAt:    fromMillis(r.CreatedAt),
	}
	if r.LastLoginAt.Valid {
		t := fromMillis(r.LastLoginAt.Int64)
		u.LastLoginAt = &t
	}
	return u
}

// prepareUser fills defaults and validates fields shared by CreateUser and
// CreateFirstAdmin.
func prepareUser(user *User) error {
	if !user.Role.Valid() {
		return ErrInvalidRole
	}
	user.Username = NormalizeUsername(user.Username)
	if user.Username == "" {
		return errors.New("username is required")
	}
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	if user.DisplayName == "" {
		user.DisplayName = user.Username
	}
	return nil
}

func (s *SQLStore) insertUser(ctx context.Context, tx *sqlx.Tx, user *User) error {
	query := `
		INSERT INTO users (id, username, display_name, role, password_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	var hash sql.NullString
	if user.PasswordHash != "" {
		hash = sql.NullString{String: user.PasswordHash, Valid: true}
	}

	_, err := tx.ExecContext(ctx, tx.Rebind(query),
		user.ID,
		user.Username,
		user.DisplayName,
		string(user.Role),
		hash,
		toMillis(user.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrDuplicateUsername
		}
		return fmt.Errorf("inserting user: %w", err)
	}
	return nil
}

// markBootstrap records that an admin exists. Returns false when the marker
// was already present.
func markBootstrap(ctx context.Context, tx *sqlx.Tx, userID string, at time.Time) (bool, error) {
	query := `
		INSERT INTO bootstrap_events (id, user_id, completed_at)
		VALUES (1, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`

	res, err := tx.ExecContext(ctx, tx.Rebind(query), userID, toMillis(at))
	if err != nil {
		return false, fmt.Errorf("recording bootstrap event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking bootstrap event: %w", err)
	}
	return n == 1, nil
}

func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// CreateUser inserts a new user. Creating an admin also records the
// bootstrap marker.
func (s *SQLStore) CreateUser(ctx context.Context, user *User) error {
	if err := prepareUser(user); err != nil {
		return err
	}

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.insertUser(ctx, tx, user); err != nil {
			return err
		}
		if user.Role == RoleAdmin {
			if _, err := markBootstrap(ctx, tx, user.ID, user.CreatedAt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("created user", "id", user.ID, "username", user.Username, "role", user.Role)
	return nil
}

// CreateFirstAdmin creates the initial admin account. The bootstrap marker
// insert and the user insert share one transaction, so of any number of
// concurrent callers exactly one succeeds and the rest get ErrSetupCompleted.
func (s *SQLStore) CreateFirstAdmin(ctx context.Context, user *User) error {
	user.Role = RoleAdmin
	if err := prepareUser(user); err != nil {
		return err
	}

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		inserted, err := markBootstrap(ctx, tx, user.ID, user.CreatedAt)
		if err != nil {
			return err
		}
		if !inserted {
			return ErrSetupCompleted
		}
		return s.insertUser(ctx, tx, user)
	})
	if err != nil {
		return err
	}

	s.logger.Info("created first admin", "id", user.ID, "username", user.Username)
	return nil
}

// BootstrapCompleted reports whether an admin has ever existed.
func (s *SQLStore) BootstrapCompleted(ctx context.Context) (bool, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM bootstrap_events`); err != nil {
		return false, fmt.Errorf("querying bootstrap events: %w", err)
	}
	return n > 0, nil
}

// GetUserByID retrieves a user by ID.
func (s *SQLStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	var row userRow
	err := s.db.GetContext(ctx, &row, s.q(`SELECT `+userColumns+` FROM users WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}
	return row.toUser(), nil
}

// GetUserByUsername retrieves a user by case-insensitive username.
func (s *SQLStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	var row userRow
	err := s.db.GetContext(ctx, &row,
		s.q(`SELECT `+userColumns+` FROM users WHERE username = ?`),
		NormalizeUsername(username),
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user by username: %w", err)
	}
	return row.toUser(), nil
}

// ListUsers returns all users, newest first.
func (s *SQLStore) ListUsers(ctx context.Context) ([]*User, error) {
	var rows []userRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+userColumns+` FROM users ORDER BY created_at DESC, username ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}

	users := make([]*User, 0, len(rows))
	for i := range rows {
		users = append(users, rows[i].toUser())
	}
	return users, nil
}

// CountUsers returns the total number of users.
func (s *SQLStore) CountUsers(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM users`); err != nil {
		return 0, fmt.Errorf("counting users: %w", err)
	}
	return n, nil
}

// CountAdmins returns the number of users with the admin role.
func (s *SQLStore) CountAdmins(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, s.q(`SELECT COUNT(*) FROM users WHERE role = ?`), string(RoleAdmin)); err != nil {
		return 0, fmt.Errorf("counting admins: %w", err)
	}
	return n, nil
}

// UpdateUserRole changes a user's role.
func (s *SQLStore) UpdateUserRole(ctx context.Context, id string, role Role) error {
	if !role.Valid() {
		return ErrInvalidRole
	}

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE users SET role = ? WHERE id = ?`), string(role), id)
		if err != nil {
			return fmt.Errorf("updating user role: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("checking rows affected: %w", err)
		}
		if n == 0 {
			return ErrNotFound
		}
		if role == RoleAdmin {
			if _, err := markBootstrap(ctx, tx, id, time.Now().UTC()); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpdateLastLogin stamps the user's most recent successful login.
func (s *SQLStore) UpdateLastLogin(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE users SET last_login_at = ? WHERE id = ?`), toMillis(at), id)
	if err != nil {
		return fmt.Errorf("updating last login: %w", err)
	}
	return nil
}

// DeleteUser removes a user. Passkeys, sessions, challenges and SSO tokens
// go with it via ON DELETE CASCADE.
func (s *SQLStore) DeleteUser(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM users WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("deleting user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	s.logger.Info("deleted user", "id", id)
	return nil
}
