// ABOUTME: Tests for SQLStore's Postgres dialect using go-sqlmock
// ABOUTME: Verifies placeholder rebinding, constraint mapping and single-use consumption SQL

package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPostgresMock(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewSQLStore(sqlx.NewDb(db, "pgx"), DialectPostgres), mock
}

var userCols = []string{"id", "username", "display_name", "role", "password_hash", "created_at", "last_login_at"}

func TestPostgres_GetUserByUsername_RebindsAndLowercases(t *testing.T) {
	s, mock := newPostgresMock(t)

	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	mock.ExpectQuery(`(?s)SELECT .* FROM users WHERE username = \$1`).
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows(userCols).
			AddRow("u-1", "alice", "Alice", "user", "hash", created.UnixMilli(), nil))

	u, err := s.GetUserByUsername(context.Background(), "ALICE")
	require.NoError(t, err)
	assert.Equal(t, "u-1", u.ID)
	assert.Equal(t, RoleUser, u.Role)
	assert.True(t, created.Equal(u.CreatedAt))
	assert.Nil(t, u.LastLoginAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_GetUserByID_NotFound(t *testing.T) {
	s, mock := newPostgresMock(t)

	mock.ExpectQuery(`(?s)SELECT .* FROM users WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := s.GetUserByID(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgres_CreateUser_UniqueViolation(t *testing.T) {
	s, mock := newPostgresMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(`(?s)INSERT INTO users .* VALUES \(\$1, \$2, \$3, \$4, \$5, \$6\)`).
		WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"})
	mock.ExpectRollback()

	err := s.CreateUser(context.Background(), &User{Username: "bob", Role: RoleUser})
	assert.ErrorIs(t, err, ErrDuplicateUsername)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_CreateUser_AdminRecordsBootstrap(t *testing.T) {
	s, mock := newPostgresMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(`(?s)INSERT INTO users`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`(?s)INSERT INTO bootstrap_events .* ON CONFLICT \(id\) DO NOTHING`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := s.CreateUser(context.Background(), &User{Username: "ops", Role: RoleAdmin})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_CreateFirstAdmin_AlreadyCompleted(t *testing.T) {
	s, mock := newPostgresMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(`(?s)INSERT INTO bootstrap_events .* VALUES \(1, \$1, \$2\)`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.CreateFirstAdmin(context.Background(), &User{Username: "late"})
	assert.ErrorIs(t, err, ErrSetupCompleted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_CreateFirstAdmin_Success(t *testing.T) {
	s, mock := newPostgresMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(`(?s)INSERT INTO bootstrap_events`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`(?s)INSERT INTO users`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	u := &User{Username: "Root"}
	require.NoError(t, s.CreateFirstAdmin(context.Background(), u))
	assert.Equal(t, "root", u.Username)
	assert.Equal(t, RoleAdmin, u.Role)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ConsumeChallenge(t *testing.T) {
	s, mock := newPostgresMock(t)
	now := time.Now().UTC()

	cols := []string{"challenge", "user_id", "type", "session_data", "expires_at", "created_at"}
	mock.ExpectQuery(`(?s)DELETE FROM challenges\s+WHERE challenge = \$1 AND type = \$2\s+RETURNING`).
		WithArgs("abc", "authentication").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("abc", nil, "authentication", []byte("{}"), now.Add(time.Minute).UnixMilli(), now.UnixMilli()))

	c, err := s.ConsumeChallenge(context.Background(), "abc", ChallengeAuthentication, now)
	require.NoError(t, err)
	assert.Empty(t, c.UserID)

	mock.ExpectQuery(`(?s)DELETE FROM challenges`).
		WithArgs("abc", "authentication").
		WillReturnRows(sqlmock.NewRows(cols))

	_, err = s.ConsumeChallenge(context.Background(), "abc", ChallengeAuthentication, now)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ConsumeSSOToken_DBError(t *testing.T) {
	s, mock := newPostgresMock(t)

	mock.ExpectQuery(`(?s)DELETE FROM sso_tokens\s+WHERE id = \$1`).
		WithArgs("jti").
		WillReturnError(errors.New("db down"))

	_, err := s.ConsumeSSOToken(context.Background(), "jti", time.Now())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "db down")
}

func TestPostgres_DeletePasskey_NotOwned(t *testing.T) {
	s, mock := newPostgresMock(t)

	mock.ExpectExec(`DELETE FROM passkeys WHERE id = \$1 AND user_id = \$2`).
		WithArgs("pk-1", "u-2").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.DeletePasskey(context.Background(), "pk-1", "u-2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgres_UpdatePasskeySignCount_Stale(t *testing.T) {
	s, mock := newPostgresMock(t)

	mock.ExpectExec(`(?s)UPDATE passkeys SET sign_count = \$1\s+WHERE credential_id = \$2 AND \(sign_count < \$3 OR`).
		WithArgs(int64(5), []byte("cred"), int64(5), int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM passkeys WHERE credential_id = \$1`).
		WithArgs([]byte("cred")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	err := s.UpdatePasskeySignCount(context.Background(), []byte("cred"), 5)
	assert.ErrorIs(t, err, ErrStaleCounter)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIsUniqueConstraintError(t *testing.T) {
	assert.False(t, isUniqueConstraintError(nil))
	assert.True(t, isUniqueConstraintError(&pgconn.PgError{Code: "23505"}))
	assert.False(t, isUniqueConstraintError(&pgconn.PgError{Code: "23503"}))
	assert.True(t, isUniqueConstraintError(errors.New("UNIQUE constraint failed: users.username")))
	assert.False(t, isUniqueConstraintError(errors.New("connection refused")))
}
