// Package server wires creative-auth together and runs it.
//
// # Components
//
// New opens the configured store (SQLite or Postgres), builds the password
// hasher, session manager, passkey authenticator, bootstrap state machine,
// SSO bridge and login throttle, and mounts the HTTP API on a single mux.
//
// # Listeners
//
// By default the server listens on server.http_addr. With tailscale.enabled
// it joins the tailnet through tsnet instead and serves on :80, on :443 with
// tailnet certificates (tailscale.https), or publicly through Funnel
// (tailscale.funnel).
//
// # Cleanup
//
// Expired sessions, challenges and SSO grants are rejected by the store on
// read. A background sweeper deletes them every auth.cleanup_interval; the
// prune command runs the same Sweep once.
package server
