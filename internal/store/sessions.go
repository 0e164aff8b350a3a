// ABOUTME: Session, challenge and SSO token methods for SQLStore
// ABOUTME: Single-use records are consumed with DELETE ... RETURNING so racers see one winner

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateSession stores a new session.
func (s *SQLStore) CreateSession(ctx context.Context, session *Session) error {
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}

	query := `INSERT INTO sessions (token, user_id, expires_at, created_at) VALUES (?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, s.q(query),
		session.Token,
		session.UserID,
		toMillis(session.ExpiresAt),
		toMillis(session.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

// GetSessionUser resolves a session token to its user in one joined lookup.
// Expired sessions are reported as ErrNotFound.
func (s *SQLStore) GetSessionUser(ctx context.Context, token string, now time.Time) (*User, error) {
	query := `
		SELECT u.id, u.username, u.display_name, u.role, u.password_hash, u.created_at, u.last_login_at
		FROM sessions s
		JOIN users u ON u.id = s.user_id
		WHERE s.token = ? AND s.expires_at > ?
	`

	var row userRow
	err := s.db.GetContext(ctx, &row, s.q(query), token, toMillis(now))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	return row.toUser(), nil
}

// DeleteSession removes a session. Deleting a missing session is not an error.
func (s *SQLStore) DeleteSession(ctx context.Context, token string) error {
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM sessions WHERE token = ?`), token); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// DeleteExpiredSessions removes sessions whose expiry has passed.
func (s *SQLStore) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	return s.deleteExpired(ctx, "sessions", now)
}

type challengeRow struct {
	Challenge   string         `db:"challenge"`
	UserID      sql.NullString `db:"user_id"`
	Type        string         `db:"type"`
	SessionData []byte         `db:"session_data"`
	ExpiresAt   int64          `db:"expires_at"`
	CreatedAt   int64          `db:"created_at"`
}

// SaveChallenge persists a pending ceremony.
func (s *SQLStore) SaveChallenge(ctx context.Context, c *Challenge) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	var userID sql.NullString
	if c.UserID != "" {
		userID = sql.NullString{String: c.UserID, Valid: true}
	}

	query := `
		INSERT INTO challenges (challenge, user_id, type, session_data, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, s.q(query),
		c.Challenge,
		userID,
		string(c.Type),
		c.Data,
		toMillis(c.ExpiresAt),
		toMillis(c.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting challenge: %w", err)
	}
	return nil
}

// ConsumeChallenge atomically reads and deletes a challenge. A missing,
// already consumed or expired challenge yields ErrNotFound. Expired rows are
// deleted as a side effect.
func (s *SQLStore) ConsumeChallenge(ctx context.Context, challenge string, typ ChallengeType, now time.Time) (*Challenge, error) {
	query := `
		DELETE FROM challenges
		WHERE challenge = ? AND type = ?
		RETURNING challenge, user_id, type, session_data, expires_at, created_at
	`

	var row challengeRow
	err := s.db.GetContext(ctx, &row, s.q(query), challenge, string(typ))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("consuming challenge: %w", err)
	}

	c := &Challenge{
		Challenge: row.Challenge,
		UserID:    row.UserID.String,
		Type:      ChallengeType(row.Type),
		Data:      row.SessionData,
		ExpiresAt: fromMillis(row.ExpiresAt),
		CreatedAt: fromMillis(row.CreatedAt),
	}
	if !now.Before(c.ExpiresAt) {
		return nil, ErrNotFound
	}
	return c, nil
}

// DeleteExpiredChallenges removes challenges whose expiry has passed.
func (s *SQLStore) DeleteExpiredChallenges(ctx context.Context, now time.Time) (int64, error) {
	return s.deleteExpired(ctx, "challenges", now)
}

type ssoTokenRow struct {
	ID         string `db:"id"`
	UserID     string `db:"user_id"`
	TargetPath string `db:"target_path"`
	ExpiresAt  int64  `db:"expires_at"`
	CreatedAt  int64  `db:"created_at"`
}

// CreateSSOToken records a minted SSO grant.
func (s *SQLStore) CreateSSOToken(ctx context.Context, tok *SSOToken) error {
	if tok.CreatedAt.IsZero() {
		tok.CreatedAt = time.Now().UTC()
	}

	query := `INSERT INTO sso_tokens (id, user_id, target_path, expires_at, created_at) VALUES (?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, s.q(query),
		tok.ID,
		tok.UserID,
		tok.TargetPath,
		toMillis(tok.ExpiresAt),
		toMillis(tok.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting sso token: %w", err)
	}
	return nil
}

// ConsumeSSOToken atomically reads and deletes an SSO grant. Missing, used or
// expired grants yield ErrNotFound.
func (s *SQLStore) ConsumeSSOToken(ctx context.Context, id string, now time.Time) (*SSOToken, error) {
	query := `
		DELETE FROM sso_tokens
		WHERE id = ?
		RETURNING id, user_id, target_path, expires_at, created_at
	`

	var row ssoTokenRow
	err := s.db.GetContext(ctx, &row, s.q(query), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("consuming sso token: %w", err)
	}

	tok := &SSOToken{
		ID:         row.ID,
		UserID:     row.UserID,
		TargetPath: row.TargetPath,
		ExpiresAt:  fromMillis(row.ExpiresAt),
		CreatedAt:  fromMillis(row.CreatedAt),
	}
	if !now.Before(tok.ExpiresAt) {
		return nil, ErrNotFound
	}
	return tok, nil
}

// DeleteExpiredSSOTokens removes grants whose expiry has passed.
func (s *SQLStore) DeleteExpiredSSOTokens(ctx context.Context, now time.Time) (int64, error) {
	return s.deleteExpired(ctx, "sso_tokens", now)
}

// deleteExpired is only called with the fixed table names above.
func (s *SQLStore) deleteExpired(ctx context.Context, table string, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM `+table+` WHERE expires_at <= ?`), toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("deleting expired %s: %w", table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}
