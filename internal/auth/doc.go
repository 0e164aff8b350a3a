// Package auth is the access control gate for creative-auth's HTTP surface.
//
// # Credentials
//
// A request authenticates with a session token, carried either in the
// HttpOnly "session" cookie set at login or in an Authorization header:
//
//	Authorization: Bearer <token>
//
// The cookie is consulted first. Tokens are resolved through the session
// manager, which enforces the absolute expiry.
//
// # Middleware
//
//	gate := auth.NewGate(sessions)
//	mux.Handle("GET /api/passkey/list", gate.Authenticate(h))
//	mux.Handle("GET /api/users", gate.Authenticate(auth.RequireAdmin(h)))
//	mux.Handle("GET /api/auth/status", gate.Optional(h))
//
// Failures are JSON bodies of the form {"error": "..."}: 401 "Unauthorized"
// when no token is presented, 401 "Invalid or expired session" when it does
// not resolve, and 403 "Admin access required" from RequireAdmin.
//
// Handlers read the identity with FromContext or MustFromContext.
//
// # Self-modification
//
// CheckNotSelf rejects an admin changing their own role or deleting their own
// account, so an installation cannot lose its last admin by accident.
package auth
