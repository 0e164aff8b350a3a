// Package store provides persistent storage for accounts, credentials and
// sessions.
//
// # Architecture
//
// Store is the single persistence interface. It is a pure data-access
// boundary: password policy, self-modification guards and setup rules live
// in the packages that call it.
//
// SQLStore implements Store with sqlx over either SQLite (modernc.org/sqlite)
// or Postgres (pgx stdlib). Queries are written with ? placeholders and
// rebound for the active driver. MockStore is an in-memory implementation
// for tests of the layers above.
//
// # Data Models
//
//   - User: account with a closed Role (user, admin) and optional bcrypt hash
//   - Passkey: WebAuthn credential, unique by credential ID
//   - Session: opaque token with an absolute expiry
//   - Challenge: pending WebAuthn ceremony, consumed exactly once
//   - SSOToken: single-use grant exchanged for a new session
//
// A singleton bootstrap_events row is written the first time any admin
// exists and is never removed, which is what makes first-admin setup a
// one-way transition.
//
// # Single-use records
//
// Challenges and SSO tokens are consumed with DELETE ... RETURNING, so two
// concurrent consumers of the same record see exactly one row between them.
//
// # Timestamps
//
// All timestamps are stored as Unix milliseconds (INTEGER in SQLite, BIGINT
// in Postgres) so expiry comparisons behave the same on both backends.
//
// # SQLite Configuration
//
// Every pooled connection is opened with:
//
//	PRAGMA busy_timeout=5000;
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// and write transactions begin IMMEDIATE.
//
// # Migrations
//
// Migrations are embedded per dialect under migrations/ and applied by goose
// when Open is called.
package store
