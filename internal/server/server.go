// ABOUTME: Server orchestrator that wires the store, auth core and HTTP API together
// ABOUTME: Manages the HTTP listener (plain TCP or tailnet), cleanup sweeper and shutdown

package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/creative-auth/internal/api"
	"github.com/2389/creative-auth/internal/bootstrap"
	"github.com/2389/creative-auth/internal/config"
	"github.com/2389/creative-auth/internal/passkey"
	"github.com/2389/creative-auth/internal/password"
	"github.com/2389/creative-auth/internal/session"
	"github.com/2389/creative-auth/internal/sso"
	"github.com/2389/creative-auth/internal/store"
	"github.com/2389/creative-auth/internal/throttle"
)

// Server runs the creative-auth HTTP service.
type Server struct {
	config      *config.Config
	store       store.Store
	throttle    *throttle.Limiter
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	// baseURL is the externally visible URL, used for logging and passkeys
	baseURL string

	now func() time.Time
}

// OpenStore connects to the configured database and applies migrations.
func OpenStore(ctx context.Context, cfg config.DatabaseConfig) (*store.SQLStore, error) {
	s, err := store.Open(ctx, store.Options{
		Dialect: store.Dialect(cfg.Driver),
		Path:    cfg.Path,
		DSN:     cfg.DSN,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// determineBaseURL resolves the externally visible URL from config or environment.
func determineBaseURL(cfg *config.Config, logger *slog.Logger) string {
	if cfg.Server.BaseURL != "" {
		return cfg.Server.BaseURL
	}
	if envURL := os.Getenv("CREATIVE_AUTH_URL"); envURL != "" {
		return envURL
	}
	if !cfg.Tailscale.Enabled {
		// Passkeys fall back to localhost; a bare listen address is not a valid RP ID.
		return ""
	}
	if cfg.Tailscale.HTTPS || cfg.Tailscale.Funnel {
		logger.Warn("server.base_url/CREATIVE_AUTH_URL not set - passkeys may fail. Set CREATIVE_AUTH_URL to the full tailnet URL (e.g., https://creative-auth.your-tailnet.ts.net)")
		return "https://" + cfg.Tailscale.Hostname
	}
	return "http://" + cfg.Tailscale.Hostname
}

// passkeyConfig builds the relying party settings. Explicit settings win over
// values derived from the base URL.
func passkeyConfig(cfg *config.Config, baseURL string) passkey.Config {
	rpID, origins := passkey.DeriveConfig(baseURL)
	if cfg.WebAuthn.RPID != "" {
		rpID = cfg.WebAuthn.RPID
	}
	if len(cfg.WebAuthn.Origins) > 0 {
		origins = cfg.WebAuthn.Origins
	}
	return passkey.Config{
		RPID:          rpID,
		RPDisplayName: cfg.WebAuthn.RPName,
		RPOrigins:     origins,
		ChallengeTTL:  cfg.Auth.ChallengeTTL,
	}
}

// New opens the configured store and creates a Server around it.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	s, err := OpenStore(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	srv, err := NewWithStore(cfg, s, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return srv, nil
}

// NewWithStore creates a Server that uses an existing store. The Server takes
// ownership of s and closes it on Shutdown.
func NewWithStore(cfg *config.Config, s store.Store, logger *slog.Logger) (*Server, error) {
	baseURL := determineBaseURL(cfg, logger)

	proxies, err := cfg.Server.TrustedProxyPrefixes()
	if err != nil {
		return nil, err
	}

	hasher := password.NewHasher(cfg.Auth.BcryptCost, cfg.Auth.MaxConcurrentHashes)
	sessions := session.NewManager(s, session.WithTTL(cfg.Auth.SessionTTL))

	passkeys, err := passkey.New(s, passkeyConfig(cfg, baseURL))
	if err != nil {
		return nil, fmt.Errorf("creating passkey authenticator: %w", err)
	}

	bridge := sso.New(s, sessions, sso.Config{
		AdminURL: cfg.SSO.AdminURL,
		Secret:   []byte(cfg.SSO.Secret),
		TTL:      cfg.SSO.TokenTTL,
	})
	if bridge.Available() {
		logger.Info("sso bridge enabled", "admin_url", cfg.SSO.AdminURL, "ttl", bridge.TTL())
	} else {
		logger.Info("sso bridge disabled - no sso.admin_url or secret configured")
	}

	limiter := throttle.New(throttle.Config{
		PerMinute: cfg.Throttle.AttemptsPerMinute,
		Burst:     cfg.Throttle.Burst,
		IdleTTL:   cfg.Throttle.IdleTTL,
	})

	handler := api.New(api.Deps{
		Store:     s,
		Hasher:    hasher,
		Sessions:  sessions,
		Passkeys:  passkeys,
		Bootstrap: bootstrap.New(s, hasher),
		SSO:       bridge,
		Throttle:  limiter,
	}, api.Config{
		SecureCookies:  cfg.Server.SecureCookies,
		TrustedProxies: proxies,
	})

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	srv := &Server{
		config:   cfg,
		store:    s,
		throttle: limiter,
		logger:   logger.With("component", "server"),
		baseURL:  baseURL,
		now:      time.Now,
	}
	srv.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	return srv, nil
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// setupTCPListener creates the plain TCP listener.
func (s *Server) setupTCPListener() (net.Listener, error) {
	s.logger.Info("starting server", "http_addr", s.config.Server.HTTPAddr)

	ln, err := net.Listen("tcp", s.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// setupListener creates the listener based on configuration (Tailscale or TCP).
func (s *Server) setupListener(ctx context.Context) (net.Listener, error) {
	if s.config.Tailscale.Enabled {
		if s.config.Server.HTTPAddr != "" {
			s.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", s.config.Server.HTTPAddr)
		}
		return s.setupTailscaleListener(ctx)
	}
	return s.setupTCPListener()
}

// Serve serves HTTP on ln until the context is canceled or the server fails,
// then shuts down. Returns nil on graceful shutdown.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", ln.Addr().String(), "base_url", s.baseURL)
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	sweepCtx, stopSweeper := context.WithCancel(ctx)
	sweeperDone := make(chan struct{})
	go func() {
		defer close(sweeperDone)
		s.runSweeper(sweepCtx, s.config.Auth.CleanupInterval)
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		s.logger.Error("server error", "error", serverErr)
	}

	stopSweeper()
	<-sweeperDone

	shutdownErr := s.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// Run starts the server and blocks until the context is canceled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := s.setupListener(ctx)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// gracefulShutdown performs shutdown with a fresh context and timeout, since
// the serving context is already canceled.
func (s *Server) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "creative-auth", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener starts a tsnet node and returns its HTTP listener.
func (s *Server) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := s.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	s.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	s.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := s.tsnetServer.Up(ctx)
	if err != nil {
		_ = s.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	s.logTailscaleStatus(tsCfg.Hostname, status)

	return s.createTailscaleHTTPListener(tsCfg)
}

// logTailscaleStatus logs info about the tailscale node status.
func (s *Server) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		s.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = strings.TrimSuffix(status.Self.DNSName, ".")
	}
	s.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)

	if dnsName != "" && s.config.Server.BaseURL == "" && !strings.Contains(s.baseURL, dnsName) {
		s.logger.Warn("passkeys are bound to a different host than the tailnet name",
			"base_url", s.baseURL,
			"dns_name", dnsName,
		)
	}
}

// createTailscaleHTTPListener creates the appropriate HTTP listener based on config.
func (s *Server) createTailscaleHTTPListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		s.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := s.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = s.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale funnel port: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		return s.createTailscaleTLSListener()
	default:
		ln, err := s.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			_ = s.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// createTailscaleTLSListener creates a TLS listener using Tailscale's auto-provisioned certs.
func (s *Server) createTailscaleTLSListener() (net.Listener, error) {
	s.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := s.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = s.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := s.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = s.tsnetServer.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown gracefully stops the HTTP server and releases resources.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", s.httpServer.Shutdown(ctx))

	if s.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", s.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", s.store.Close())

	if s.throttle != nil {
		s.throttle.Close()
	}

	return errors.Join(errs...)
}
