// ABOUTME: Passkey credential methods for SQLStore
// ABOUTME: Credential IDs are globally unique and drive authentication lookups

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const passkeyColumns = `id, user_id, credential_id, public_key, sign_count, transports,
	device_type, backup_eligible, backed_up, aaguid, attestation_type, created_at`

type passkeyRow struct {
	ID              string `db:"id"`
	UserID          string `db:"user_id"`
	CredentialID    []byte `db:"credential_id"`
	PublicKey       []byte `db:"public_key"`
	SignCount       int64  `db:"sign_count"`
	Transports      string `db:"transports"`
	DeviceType      string `db:"device_type"`
	BackupEligible  bool   `db:"backup_eligible"`
	BackedUp        bool   `db:"backed_up"`
	AAGUID          []byte `db:"aaguid"`
	AttestationType string `db:"attestation_type"`
	CreatedAt       int64  `db:"created_at"`
}

func (r *passkeyRow) toPasskey() (*Passkey, error) {
	pk := &Passkey{
		ID:              r.ID,
		UserID:          r.UserID,
		CredentialID:    r.CredentialID,
		PublicKey:       r.PublicKey,
		SignCount:       uint32(r.SignCount),
		DeviceType:      r.DeviceType,
		BackupEligible:  r.BackupEligible,
		BackedUp:        r.BackedUp,
		AAGUID:          r.AAGUID,
		AttestationType: r.AttestationType,
		CreatedAt:       fromMillis(r.CreatedAt),
	}
	if r.Transports != "" {
		if err := json.Unmarshal([]byte(r.Transports), &pk.Transports); err != nil {
			return nil, fmt.Errorf("parsing transports: %w", err)
		}
	}
	return pk, nil
}

// CreatePasskey stores a newly registered credential.
func (s *SQLStore) CreatePasskey(ctx context.Context, pk *Passkey) error {
	if pk.ID == "" {
		pk.ID = uuid.NewString()
	}
	if pk.CreatedAt.IsZero() {
		pk.CreatedAt = time.Now().UTC()
	}
	if pk.DeviceType == "" {
		pk.DeviceType = DeviceSingle
	}

	transports := pk.Transports
	if transports == nil {
		transports = []string{}
	}
	transportsJSON, err := json.Marshal(transports)
	if err != nil {
		return fmt.Errorf("encoding transports: %w", err)
	}

	query := `
		INSERT INTO passkeys (id, user_id, credential_id, public_key, sign_count, transports,
			device_type, backup_eligible, backed_up, aaguid, attestation_type, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, s.q(query),
		pk.ID,
		pk.UserID,
		pk.CredentialID,
		pk.PublicKey,
		int64(pk.SignCount),
		string(transportsJSON),
		pk.DeviceType,
		pk.BackupEligible,
		pk.BackedUp,
		pk.AAGUID,
		pk.AttestationType,
		toMillis(pk.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrDuplicateCredential
		}
		return fmt.Errorf("inserting passkey: %w", err)
	}

	s.logger.Info("created passkey", "id", pk.ID, "user_id", pk.UserID, "device_type", pk.DeviceType)
	return nil
}

// GetPasskeyByCredentialID retrieves a credential by its authenticator-supplied ID.
func (s *SQLStore) GetPasskeyByCredentialID(ctx context.Context, credentialID []byte) (*Passkey, error) {
	var row passkeyRow
	err := s.db.GetContext(ctx, &row,
		s.q(`SELECT `+passkeyColumns+` FROM passkeys WHERE credential_id = ?`),
		credentialID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying passkey: %w", err)
	}
	return row.toPasskey()
}

// ListPasskeysByUser returns a user's credentials, oldest first.
func (s *SQLStore) ListPasskeysByUser(ctx context.Context, userID string) ([]*Passkey, error) {
	var rows []passkeyRow
	err := s.db.SelectContext(ctx, &rows,
		s.q(`SELECT `+passkeyColumns+` FROM passkeys WHERE user_id = ? ORDER BY created_at ASC`),
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing passkeys: %w", err)
	}

	passkeys := make([]*Passkey, 0, len(rows))
	for i := range rows {
		pk, err := rows[i].toPasskey()
		if err != nil {
			return nil, err
		}
		passkeys = append(passkeys, pk)
	}
	return passkeys, nil
}

// UpdatePasskeySignCount persists the counter reported by the latest assertion.
// The update only applies when the counter moves forward, or when both the
// stored and reported values are zero, so two assertions carrying the same
// counter cannot both succeed.
func (s *SQLStore) UpdatePasskeySignCount(ctx context.Context, credentialID []byte, signCount uint32) error {
	count := int64(signCount)
	res, err := s.db.ExecContext(ctx,
		s.q(`UPDATE passkeys SET sign_count = ?
			WHERE credential_id = ? AND (sign_count < ? OR (sign_count = 0 AND CAST(? AS BIGINT) = 0))`),
		count, credentialID, count, count,
	)
	if err != nil {
		return fmt.Errorf("updating sign count: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	var exists int
	err = s.db.GetContext(ctx, &exists, s.q(`SELECT COUNT(*) FROM passkeys WHERE credential_id = ?`), credentialID)
	if err != nil {
		return fmt.Errorf("checking passkey: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	return ErrStaleCounter
}

// DeletePasskey removes a credential owned by userID. A credential belonging
// to someone else is reported as not found.
func (s *SQLStore) DeletePasskey(ctx context.Context, id, userID string) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM passkeys WHERE id = ? AND user_id = ?`), id, userID)
	if err != nil {
		return fmt.Errorf("deleting passkey: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
