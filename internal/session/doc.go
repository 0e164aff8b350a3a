// Package session issues and validates opaque login sessions. Tokens are
// 256 random bits, hex encoded, and live for seven days without renewal.
package session
