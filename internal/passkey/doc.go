// Package passkey runs WebAuthn registration and login ceremonies for
// creative-auth.
//
// # Challenges
//
// Each ceremony's session data is stored in the database keyed by its
// challenge and consumed with a single DELETE ... RETURNING, so a challenge
// verifies at most once and expires after five minutes. Registration
// challenges are bound to the acting user; login challenges are bound to a
// user when BeginLogin is given a username with passkeys and are
// discoverable otherwise.
//
// # Signature counters
//
// A reported counter must be greater than the stored one unless both are
// zero. The store applies the new value only under that condition, so two
// assertions carrying the same counter cannot both produce a session.
package passkey
