// ABOUTME: Entry point for the creative-auth service
// ABOUTME: Subcommands to serve, configure, bootstrap the first admin and maintain the database

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/creative-auth/internal/bootstrap"
	"github.com/2389/creative-auth/internal/config"
	"github.com/2389/creative-auth/internal/password"
	"github.com/2389/creative-auth/internal/server"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                      _   _                       _   _
  ___ _ __ ___  __ _| |_(_)_   _____        __ _| | | |_| |__
 / __| '__/ _ \/ _' | __| \ \ / / _ \_____ / _' | | | | __| '_ \
| (__| | |  __/ (_| | |_| |\ V /  __/_____| (_| | |_| | |_| | | |
 \___|_|  \___|\__,_|\__|_| \_/ \___|      \__,_|\__,_|\__|_| |_|
`

// getConfigPath returns the path to the config file.
// Priority: -config flag > CREATIVE_AUTH_CONFIG env var > XDG_CONFIG_HOME/creative-auth/config.yaml > ~/.config/creative-auth/config.yaml
func getConfigPath(flagValue string) (path string, explicit bool) {
	if flagValue != "" {
		return flagValue, true
	}
	if envPath := os.Getenv("CREATIVE_AUTH_CONFIG"); envPath != "" {
		return envPath, true
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml", false
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "creative-auth", "config.yaml"), false
}

// getDataPath returns the creative-auth data directory.
// Priority: XDG_DATA_HOME/creative-auth > ~/.local/share/creative-auth
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "creative-auth")
}

// loadConfig reads .env, then the config file, then the well-known
// environment variables. A missing file at the default location is not an
// error: the service can run from defaults and environment alone.
func loadConfig(flagValue string) (*config.Config, string, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, "", err
	}

	path, explicit := getConfigPath(flagValue)

	_, statErr := os.Stat(path)
	switch {
	case statErr == nil:
		cfg, err := config.Load(path)
		if err != nil {
			return nil, path, fmt.Errorf("loading config: %w", err)
		}
		return cfg, path, nil
	case errors.Is(statErr, fs.ErrNotExist) && !explicit:
		cfg := config.Default()
		cfg.ApplyEnv()
		if err := cfg.Validate(); err != nil {
			return nil, "(defaults)", fmt.Errorf("validating config: %w", err)
		}
		return cfg, "(defaults)", nil
	default:
		return nil, path, fmt.Errorf("loading config: %w", statErr)
	}
}

func usage() {
	fmt.Println("Usage: creative-auth <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                                 Start the auth server")
	fmt.Println("  init                                  Create a new config file interactively")
	fmt.Println("  bootstrap --username NAME [--password PW]")
	fmt.Println("                                        Create the first admin account")
	fmt.Println("  health                                Check server health")
	fmt.Println("  prune                                 Delete expired sessions, challenges and SSO grants")
	fmt.Println("  migrate                               Apply database migrations")
	fmt.Println("  version                               Print the version")
	fmt.Println()
	fmt.Println("All commands except init and version accept -config PATH.")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx, args)
	case "init":
		err = runInit(os.Stdin)
	case "bootstrap":
		err = runBootstrap(ctx, args)
	case "health":
		err = runHealth(ctx, args)
	case "prune":
		err = runPrune(ctx, args)
	case "migrate":
		err = runMigrate(ctx, args)
	case "version", "--version", "-v":
		fmt.Println(version)
	case "help", "--help", "-h":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// commandFlags returns a flag set carrying the shared -config flag.
func commandFlags(name string) (*flag.FlagSet, *string) {
	flags := flag.NewFlagSet(name, flag.ContinueOnError)
	configPath := flags.String("config", "", "path to config file")
	return flags, configPath
}

func runServe(ctx context.Context, args []string) error {
	flags, configFlag := commandFlags("serve")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig(*configFlag)
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", describeDatabase(cfg.Database))
	if !cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	}
	if cfg.SSO.AdminURL != "" {
		green.Print("    ▶ ")
		fmt.Printf("SSO:       %s\n", cfg.SSO.AdminURL)
	}
	if !cfg.Server.SecureCookies {
		yellow.Print("    ! ")
		fmt.Println("Cookies:   not marked Secure (development mode)")
	}

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Print("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting creative-auth",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"driver", cfg.Database.Driver,
	)

	srv, err := server.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	return srv.Run(ctx)
}

func describeDatabase(cfg config.DatabaseConfig) string {
	if cfg.Driver == "postgres" {
		return "postgres"
	}
	return "sqlite " + cfg.Path
}

func runHealth(ctx context.Context, args []string) error {
	flags, configFlag := commandFlags("health")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, _, err := loadConfig(*configFlag)
	if err != nil {
		return err
	}

	base := "http://" + cfg.Server.HTTPAddr
	if cfg.Server.BaseURL != "" {
		base = strings.TrimRight(cfg.Server.BaseURL, "/")
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/health", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

func runPrune(ctx context.Context, args []string) error {
	flags, configFlag := commandFlags("prune")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, _, err := loadConfig(*configFlag)
	if err != nil {
		return err
	}
	slog.SetDefault(setupLogger(cfg.Logging))

	s, err := server.OpenStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer s.Close()

	res, err := server.Sweep(ctx, s, time.Now().UTC())
	if err != nil {
		return err
	}

	fmt.Printf("removed %d sessions, %d challenges, %d sso tokens\n", res.Sessions, res.Challenges, res.SSOTokens)
	return nil
}

func runMigrate(ctx context.Context, args []string) error {
	flags, configFlag := commandFlags("migrate")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, _, err := loadConfig(*configFlag)
	if err != nil {
		return err
	}
	slog.SetDefault(setupLogger(cfg.Logging))

	// Opening the store applies any pending migrations.
	s, err := server.OpenStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer s.Close()

	color.New(color.FgGreen).Printf("  ✓ Schema up to date (%s)\n", describeDatabase(cfg.Database))
	return nil
}

// bootstrapArgs holds parsed bootstrap flags.
type bootstrapArgs struct {
	configPath  string
	username    string
	password    string
	displayName string
}

func parseBootstrapArgs(args []string) (*bootstrapArgs, error) {
	flags, configFlag := commandFlags("bootstrap")
	flags.SetOutput(io.Discard)

	var ba bootstrapArgs
	flags.StringVar(&ba.username, "username", "", "admin username")
	flags.StringVar(&ba.password, "password", "", "admin password (or CREATIVE_AUTH_BOOTSTRAP_PASSWORD)")
	flags.StringVar(&ba.displayName, "display-name", "", "admin display name")
	if err := flags.Parse(args); err != nil {
		return nil, err
	}
	if flags.NArg() > 0 {
		return nil, fmt.Errorf("unexpected argument: %s", flags.Arg(0))
	}
	ba.configPath = *configFlag

	ba.username = strings.TrimSpace(ba.username)
	if ba.username == "" {
		return nil, fmt.Errorf("--username flag is required")
	}
	if ba.password == "" {
		ba.password = os.Getenv("CREATIVE_AUTH_BOOTSTRAP_PASSWORD")
	}
	if ba.password == "" {
		return nil, fmt.Errorf("--password flag or CREATIVE_AUTH_BOOTSTRAP_PASSWORD is required")
	}
	return &ba, nil
}

// runBootstrap creates the first admin through the same state machine as the
// setup endpoint, so it is refused once an admin has ever existed.
func runBootstrap(ctx context.Context, args []string) error {
	ba, err := parseBootstrapArgs(args)
	if err != nil {
		return err
	}

	cfg, _, err := loadConfig(ba.configPath)
	if err != nil {
		return err
	}
	slog.SetDefault(setupLogger(config.LoggingConfig{Level: "warn", Format: cfg.Logging.Format}))

	s, err := server.OpenStore(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	green.Printf("  ✓ Database: %s\n", describeDatabase(cfg.Database))

	hasher := password.NewHasher(cfg.Auth.BcryptCost, cfg.Auth.MaxConcurrentHashes)
	user, err := bootstrap.New(s, hasher).Setup(ctx, ba.username, ba.password, ba.displayName)
	if errors.Is(err, bootstrap.ErrSetupAlreadyCompleted) {
		return fmt.Errorf("bootstrap already complete: an admin account has been created before")
	}
	if err != nil {
		return fmt.Errorf("creating admin: %w", err)
	}

	fmt.Println()
	green.Println("  Bootstrap complete!")
	fmt.Println()
	cyan.Println("  Admin Account")
	cyan.Println("  -------------")
	fmt.Printf("  ID:           %s\n", user.ID)
	fmt.Printf("  Username:     %s\n", user.Username)
	fmt.Printf("  Display Name: %s\n", user.DisplayName)
	fmt.Printf("  Role:         %s\n", user.Role)
	fmt.Println()

	yellow.Println("  Ready to go:")
	fmt.Println("    creative-auth serve    # start the server")
	fmt.Println()
	return nil
}

// generateSecret returns a random base64 string suitable for sso.secret.
func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func runInit(in io.Reader) error {
	reader := bufio.NewReader(in)

	fmt.Println("creative-auth configuration setup")
	fmt.Println("=================================")
	fmt.Println()

	defaultConfigPath, _ := getConfigPath("")
	defaultDbPath := filepath.Join(getDataPath(), "creative-auth.db")

	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, "File exists. Overwrite?", "no")) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", "127.0.0.1:3001")
	baseURL := prompt(reader, "Public base URL (empty for localhost)", "")
	secureCookies := yes(prompt(reader, "Mark cookies Secure (production)?", "no"))

	fmt.Println("\n--- Database Configuration ---")
	driver := prompt(reader, "Driver (sqlite/postgres)", "sqlite")
	var dbPath, dsn string
	if driver == "postgres" {
		dsn = prompt(reader, "Postgres DSN", "${DATABASE_URL}")
	} else {
		dbPath = prompt(reader, "SQLite database path", defaultDbPath)
	}

	fmt.Println("\n--- SSO Configuration ---")
	adminURL := prompt(reader, "Admin app URL (empty to disable SSO)", "")
	var secret string
	if adminURL != "" {
		var err error
		if secret, err = generateSecret(); err != nil {
			return err
		}
	}

	fmt.Println("\n--- Tailscale Configuration ---")
	tailscaleEnabled := yes(prompt(reader, "Enable Tailscale?", "no"))

	var tsHostname, tsAuthKey string
	var tsEphemeral, tsHTTPS, tsFunnel bool
	if tailscaleEnabled {
		tsHostname = prompt(reader, "Tailscale hostname", "creative-auth")
		tsAuthKey = prompt(reader, "Tailscale auth key (leave empty to use TS_AUTHKEY)", "")
		tsEphemeral = yes(prompt(reader, "Ephemeral node?", "no"))
		tsHTTPS = yes(prompt(reader, "Serve HTTPS with tailnet certificates?", "yes"))
		tsFunnel = yes(prompt(reader, "Enable Funnel (public HTTPS)?", "no"))
	}

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	var cfg strings.Builder
	cfg.WriteString("# creative-auth configuration\n")
	cfg.WriteString("# Generated by creative-auth init\n\n")

	cfg.WriteString("server:\n")
	fmt.Fprintf(&cfg, "  http_addr: %q\n", httpAddr)
	if baseURL != "" {
		fmt.Fprintf(&cfg, "  base_url: %q\n", baseURL)
	}
	fmt.Fprintf(&cfg, "  secure_cookies: %t\n\n", secureCookies)

	cfg.WriteString("database:\n")
	fmt.Fprintf(&cfg, "  driver: %q\n", driver)
	if driver == "postgres" {
		fmt.Fprintf(&cfg, "  dsn: %q\n\n", dsn)
	} else {
		fmt.Fprintf(&cfg, "  path: %q\n\n", dbPath)
	}

	cfg.WriteString("auth:\n")
	cfg.WriteString("  bcrypt_cost: 12\n")
	cfg.WriteString("  session_ttl: \"168h\"\n")
	cfg.WriteString("  challenge_ttl: \"5m\"\n\n")

	if adminURL != "" {
		cfg.WriteString("sso:\n")
		fmt.Fprintf(&cfg, "  admin_url: %q\n", adminURL)
		fmt.Fprintf(&cfg, "  secret: %q\n", secret)
		cfg.WriteString("  token_ttl: \"60s\"\n\n")
	}

	cfg.WriteString("tailscale:\n")
	fmt.Fprintf(&cfg, "  enabled: %t\n", tailscaleEnabled)
	if tailscaleEnabled {
		fmt.Fprintf(&cfg, "  hostname: %q\n", tsHostname)
		if tsAuthKey != "" {
			fmt.Fprintf(&cfg, "  auth_key: %q\n", tsAuthKey)
		}
		fmt.Fprintf(&cfg, "  ephemeral: %t\n", tsEphemeral)
		fmt.Fprintf(&cfg, "  https: %t\n", tsHTTPS)
		fmt.Fprintf(&cfg, "  funnel: %t\n", tsFunnel)
	}
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	fmt.Fprintf(&cfg, "  level: %q\n", logLevel)
	fmt.Fprintf(&cfg, "  format: %q\n", logFormat)

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	// The file may hold the SSO secret.
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	if dbPath != "" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Println("\nNext steps:")
	fmt.Println("  creative-auth bootstrap --username admin --password '...'")
	fmt.Println("  creative-auth serve")

	return nil
}

func yes(answer string) bool {
	a := strings.ToLower(strings.TrimSpace(answer))
	return a == "yes" || a == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil && input == "" {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
