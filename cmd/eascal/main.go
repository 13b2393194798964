// Eascal is a daemon that keeps a local, queryable copy of a mailbox
// calendar. It talks to the mailbox server through a device gateway,
// materializes recurring series into concrete occurrences, and persists the
// result so queries work offline.
//
// Usage:
//
//	eascal connect [--config <path>]     # validate credentials and run first sync
//	eascal daemon [--config <path>]      # start the polling sync loop
//	eascal sync-once [--config <path>]   # single sync pass then exit
//	eascal status                        # show account, config, and cache state
//	eascal disconnect                    # clear cursors, cache, and credentials
//	eascal version                       # print version
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"eascal/internal/config"
	"eascal/internal/protocol"
	"eascal/internal/state"
	syncp "eascal/internal/sync"
	"eascal/internal/telemetry"
	"eascal/internal/transport"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

// passwordEnvVar is where the account password comes from. A .env file next
// to the working directory is loaded first, so the variable can live there
// instead of the shell profile.
const passwordEnvVar = "EASCAL_PASSWORD"

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

// run dispatches to the appropriate subcommand.
func run() error {
	if len(os.Args) < 2 {
		return printUsage()
	}

	switch cmd := os.Args[1]; cmd {
	case "connect":
		return runConnect(os.Args[2:])
	case "daemon":
		return runSync(os.Args[2:], true)
	case "sync-once":
		return runSync(os.Args[2:], false)
	case "status":
		return runStatus()
	case "disconnect":
		return runDisconnect(os.Args[2:])
	case "version":
		fmt.Println("eascal", version)
		return nil
	default:
		return fmt.Errorf("unknown command %q; run 'eascal' for usage", cmd)
	}
}

// printUsage shows help and suggests connect if no account is stored yet.
func printUsage() error {
	cfgPath, _ := config.DefaultPath()
	_, cfgErr := os.Stat(cfgPath)

	fmt.Fprintln(os.Stderr, "eascal — local mailbox calendar sync")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  eascal connect [--config ...]     Validate credentials and run first sync")
	fmt.Fprintln(os.Stderr, "  eascal daemon [--config ...]      Run the continuous polling sync loop")
	fmt.Fprintln(os.Stderr, "  eascal sync-once [--config ...]   Single sync pass then exit")
	fmt.Fprintln(os.Stderr, "  eascal status                     Show account, config, and cache state")
	fmt.Fprintln(os.Stderr, "  eascal disconnect                 Clear cursors, cache, and credentials")
	fmt.Fprintln(os.Stderr, "  eascal version                    Print version")
	fmt.Fprintln(os.Stderr, "")

	if cfgErr != nil {
		fmt.Fprintf(os.Stderr, "No config file found at %s.\n", cfgPath)
	}

	os.Exit(1)
	return nil // unreachable
}

// --- Subcommands -------------------------------------------------------------

// runConnect validates the configured credentials against the server and runs
// the first sync pass.
func runConnect(args []string) error {
	fs := flag.NewFlagSet("connect", flag.ExitOnError)
	defaultCfg, _ := config.DefaultPath()
	cfgPath := fs.String("config", defaultCfg, "path to config.yaml")
	verbose := fs.Bool("verbose", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	app, cleanup, err := buildApp(*cfgPath, *verbose)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	app.logger.Info("connecting", "server_url", app.cfg.ServerURL, "username", app.cfg.Username)
	if err := app.engine.Connect(ctx, app.creds); err != nil {
		return fmt.Errorf("connecting account: %w", err)
	}

	n := len(app.engine.CachedEvents())
	app.logger.Info("account connected", "cached_events", n)
	fmt.Printf("Connected. %d event(s) cached.\n", n)
	return nil
}

// runSync handles both "daemon" and "sync-once" subcommands.
func runSync(args []string, daemon bool) error {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	defaultCfg, _ := config.DefaultPath()
	cfgPath := fs.String("config", defaultCfg, "path to config.yaml")
	verbose := fs.Bool("verbose", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	app, cleanup, err := buildApp(*cfgPath, *verbose)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if !app.engine.IsConnected() {
		return fmt.Errorf("no account connected; run 'eascal connect' first")
	}

	if !daemon {
		app.logger.Info("running single sync pass")
		if err := app.engine.SyncEvents(ctx); err != nil {
			return fmt.Errorf("sync: %w", err)
		}
		app.logger.Info("sync complete", "cached_events", len(app.engine.CachedEvents()))
		return nil
	}

	app.logger.Info("daemon starting", "poll_interval", app.cfg.PollInterval)
	if err := app.engine.Run(ctx, app.cfg.PollInterval); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("sync engine: %w", err)
	}
	app.logger.Info("shutdown complete")
	return nil
}

// runStatus prints the current account and cache state without touching the
// network.
func runStatus() error {
	cfgPath, _ := config.DefaultPath()
	dbPath, _ := state.DefaultDBPath()

	fmt.Println("eascal status")
	fmt.Println("─────────────")

	// Config state.
	if _, err := os.Stat(cfgPath); err == nil {
		if cfg, loadErr := config.Load(cfgPath); loadErr == nil {
			fmt.Printf("  Config:    %s\n", cfgPath)
			fmt.Printf("  Gateway:   %s\n", cfg.GatewayURL)
			fmt.Printf("  Server:    %s\n", cfg.ServerURL)
			fmt.Printf("  Account:   %s\n", cfg.Username)
			fmt.Printf("  Poll:      %s\n", cfg.PollInterval)
		} else {
			fmt.Printf("  Config:    %s (invalid: %v)\n", cfgPath, loadErr)
		}
	} else {
		fmt.Printf("  Config:    not found (%s)\n", cfgPath)
	}

	// State DB.
	info, err := os.Stat(dbPath)
	if err != nil {
		fmt.Println("  State DB:  not found")
		return nil
	}
	fmt.Printf("  State DB:  %s (%s)\n", dbPath, humanSize(info.Size()))

	store, err := state.Open(dbPath)
	if err != nil {
		fmt.Printf("  State DB:  unreadable (%v)\n", err)
		return nil
	}
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	if creds, err := store.LoadCredentials(ctx); err == nil && creds != nil {
		fmt.Printf("  Connected: yes (%s, device %s)\n", creds.Username, creds.DeviceID)
	} else {
		fmt.Println("  Connected: no")
	}
	if st, err := store.LoadSyncState(ctx); err == nil && st != nil {
		fmt.Printf("  Folder:    %s\n", orNone(st.CalendarFolderID))
		fmt.Printf("  Cursor:    %s\n", orNone(st.CalendarSyncCursor))
		if !st.LastSyncAt.IsZero() {
			fmt.Printf("  Last sync: %s\n", st.LastSyncAt.Local().Format(time.RFC1123))
		}
	}
	if events, err := store.LoadCachedEvents(ctx); err == nil {
		fmt.Printf("  Events:    %d cached\n", len(events))
	}
	return nil
}

// runDisconnect clears the stored account.
func runDisconnect(args []string) error {
	fs := flag.NewFlagSet("disconnect", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	dbPath, err := state.DefaultDBPath()
	if err != nil {
		return fmt.Errorf("resolving state DB path: %w", err)
	}
	store, err := state.Open(dbPath)
	if err != nil {
		return fmt.Errorf("opening state DB at %q: %w", dbPath, err)
	}
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	if err := store.ClearSyncState(ctx); err != nil {
		return fmt.Errorf("clearing sync state: %w", err)
	}
	if err := store.SaveCachedEvents(ctx, nil); err != nil {
		return fmt.Errorf("clearing cached events: %w", err)
	}
	if err := store.ClearCredentials(ctx); err != nil {
		return fmt.Errorf("clearing credentials: %w", err)
	}

	fmt.Println("Account disconnected. Cursors, cache, and credentials cleared.")
	return nil
}

// --- Wiring (shared by connect, daemon, and sync-once) -----------------------

// app bundles the wired-up components a sync subcommand needs.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	engine *syncp.Engine
	creds  protocol.Credentials
}

// buildApp loads config, sets up logging and telemetry, opens the state DB,
// and wires the gateway transport into a restored engine. The returned cleanup
// must be deferred.
func buildApp(cfgPath string, verbose bool) (*app, func(), error) {
	cleanup := func() {}

	// --- Logger --------------------------------------------------------------

	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	// --- Config and password -------------------------------------------------

	// A missing .env is fine; the variable may come from the environment.
	_ = godotenv.Load()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cleanup, fmt.Errorf("loading config from %q: %w", cfgPath, err)
	}
	logger.Info("config loaded",
		"gateway_url", cfg.GatewayURL,
		"server_url", cfg.ServerURL,
		"poll_interval", cfg.PollInterval,
	)

	password := os.Getenv(passwordEnvVar)
	if password == "" {
		return nil, cleanup, fmt.Errorf("%s is not set; export it or add it to a .env file", passwordEnvVar)
	}

	// --- Telemetry (optional) ------------------------------------------------

	var shutdowns []func()
	cleanup = func() {
		for i := len(shutdowns) - 1; i >= 0; i-- {
			shutdowns[i]()
		}
	}

	if cfg.Telemetry != nil {
		telCfg := telemetry.Config{
			OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
			Insecure:     cfg.Telemetry.Insecure,
			ServiceName:  cfg.Telemetry.ServiceName,
			Headers:      cfg.Telemetry.Headers,
		}
		shutdownTel, err := telemetry.Setup(context.Background(), telCfg)
		if err != nil {
			logger.Error("telemetry setup failed, continuing without telemetry", "error", err)
		} else {
			logger.Info("telemetry enabled", "endpoint", cfg.Telemetry.OTLPEndpoint)
			shutdowns = append(shutdowns, func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTel(flushCtx); err != nil {
					logger.Error("telemetry shutdown error", "error", err)
				}
			})
		}
	}

	// --- State DB ------------------------------------------------------------

	dbPath, err := state.DefaultDBPath()
	if err != nil {
		cleanup()
		return nil, func() {}, fmt.Errorf("resolving state DB path: %w", err)
	}
	store, err := state.Open(dbPath)
	if err != nil {
		cleanup()
		return nil, func() {}, fmt.Errorf("opening state DB at %q: %w", dbPath, err)
	}
	shutdowns = append(shutdowns, func() {
		if closeErr := store.Close(); closeErr != nil {
			logger.Error("closing state DB", "error", closeErr)
		}
	})
	logger.Info("state DB opened", "path", dbPath)

	// --- Gateway transport and engine ----------------------------------------

	adapter, err := transport.NewAdapter(cfg.GatewayURL, logger)
	if err != nil {
		cleanup()
		return nil, func() {}, fmt.Errorf("initialising gateway client: %w", err)
	}

	engine := syncp.NewEngine(adapter, store, logger, syncp.Options{
		WindowPast:   time.Duration(cfg.WindowPastDays) * 24 * time.Hour,
		WindowFuture: time.Duration(cfg.WindowFutureDays) * 24 * time.Hour,
	})

	restoreCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stored, err := engine.Restore(restoreCtx)
	if err != nil {
		cleanup()
		return nil, func() {}, fmt.Errorf("restoring persisted state: %w", err)
	}
	if stored != nil {
		// Re-prime the transport so incremental syncs work without a fresh
		// TestConnection round trip.
		adapter.UseCredentials(protocol.Credentials{
			ServerURL: stored.ServerURL,
			Username:  stored.Username,
			Password:  stored.Password,
			DeviceID:  stored.DeviceID,
		})
		logger.Info("account restored", "username", stored.Username)
	}

	creds := protocol.Credentials{
		ServerURL: cfg.ServerURL,
		Username:  cfg.Username,
		Password:  password,
		DeviceID:  cfg.DeviceID,
	}

	return &app{cfg: cfg, logger: logger, engine: engine, creds: creds}, cleanup, nil
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

// humanSize returns a human-readable file size string.
func humanSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
