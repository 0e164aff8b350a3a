// Package sso bridges an authenticated session to the admin application.
//
// Mint signs a short-lived HS256 grant and records its jti; Redeem verifies
// the signature, consumes the jti exactly once and opens a new session for
// the grant's subject. A Bridge without an admin URL or secret mints nothing.
package sso
