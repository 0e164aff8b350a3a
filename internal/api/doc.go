// Package api serves creative-auth's JSON HTTP surface.
//
// # Routes
//
//	GET    /api/auth/status             optional session
//	POST   /api/auth/setup              first admin, refused once an admin has existed
//	POST   /api/auth/register           self-service account
//	POST   /api/auth/login              password login
//	POST   /api/auth/logout             session
//	GET    /api/passkey/register-options session
//	POST   /api/passkey/register        session
//	POST   /api/passkey/login-options
//	POST   /api/passkey/login
//	GET    /api/passkey/list            session
//	DELETE /api/passkey/{id}            session, owner only
//	GET    /api/users                   admin
//	POST   /api/users                   admin
//	PUT    /api/users/{id}/role         admin, not self
//	DELETE /api/users/{id}              admin, not self
//	POST   /api/sso/generate            session
//	GET    /sso?token=                  redeem a grant
//	GET    /health
//
// Errors are written as {"error": "..."}. Successful logins set the session
// cookie. Per-IP throttling keys on the connection's remote address unless
// trusted proxies are configured; see Config.TrustedProxies.
package api
