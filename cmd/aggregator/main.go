// The aggregator turns the makerspace's free-text MQTT telemetry into
// a live picture of the space: who is in, which machines are on, which
// lights burn, whether the space is open. On top of that state it runs
// the notifications — forgotten checkouts, machines left on, chore
// reminders — and the conversational chat bot.
//
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	aggregator serve             Start the aggregator
//	aggregator version           Print version and build information
//	aggregator -o json version   Output version information as JSON
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/makerspaceleiden/aggregator/internal/aggregator"
	"github.com/makerspaceleiden/aggregator/internal/bot"
	"github.com/makerspaceleiden/aggregator/internal/buildinfo"
	"github.com/makerspaceleiden/aggregator/internal/chores"
	"github.com/makerspaceleiden/aggregator/internal/clock"
	"github.com/makerspaceleiden/aggregator/internal/config"
	"github.com/makerspaceleiden/aggregator/internal/directory"
	"github.com/makerspaceleiden/aggregator/internal/email"
	"github.com/makerspaceleiden/aggregator/internal/events"
	"github.com/makerspaceleiden/aggregator/internal/model"
	"github.com/makerspaceleiden/aggregator/internal/mqtt"
	"github.com/makerspaceleiden/aggregator/internal/notify"
	"github.com/makerspaceleiden/aggregator/internal/state"
	"github.com/makerspaceleiden/aggregator/internal/store"
	"github.com/makerspaceleiden/aggregator/internal/tasks"
	"github.com/makerspaceleiden/aggregator/internal/web"
	"github.com/makerspaceleiden/aggregator/internal/worker"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the aggregator command. All OS-level
// dependencies are injected as parameters; run returns nil on clean
// shutdown and a non-nil error for any failure.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	// Parse arguments by hand. The flag package relies on package-level
	// globals (flag.CommandLine), which makes it impossible to call run()
	// concurrently from tests. Our argument surface is small enough that
	// manual parsing is clearer than bringing in a CLI framework.
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	// Print fields in a stable order for human readability.
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "aggregator - MakerSpace Leiden telemetry aggregator")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: aggregator [flags] <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the aggregator")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/aggregator/config.yaml, /etc/aggregator/config.yaml")
	return nil
}

// runServe is the primary operating mode: load config, open the state
// store and the membership directory, wire the aggregator with its
// notifier and sweeps, start the MQTT listener and the HTTP server,
// and block until a shutdown signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. The MQTT listener disconnects and cron triggers stop
//  3. The HTTP server drains in-flight requests
//  4. Database connections are closed via defers
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting aggregator",
		"version", buildinfo.Version, "commit", buildinfo.GitCommit,
		"branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure the logger now that the desired level is known. The
	// initial Info-level logger covers only the startup banner.
	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger = newLogger(stdout, level, "text")
	}
	logger.Info("config loaded", "path", cfgPath, "broker", cfg.MQTT.BrokerURL, "port", cfg.HTTP.Port)

	loc, err := cfg.Location()
	if err != nil {
		return fmt.Errorf("load timezone %q: %w", cfg.Timezone, err)
	}
	clk := clock.System{}

	// --- Ephemeral state store ---
	st, err := store.Open(cfg.Store.Path, clk)
	if err != nil {
		return fmt.Errorf("open state store %s: %w", cfg.Store.Path, err)
	}
	defer st.Close()
	logger.Info("state store opened", "path", cfg.Store.Path)

	ss := state.New(st, state.TTLs{
		UserCache:         time.Duration(cfg.Store.UserCacheSec) * time.Second,
		PendingActivation: time.Duration(cfg.Store.PendingActivationSec) * time.Second,
		Heartbeat:         time.Duration(cfg.Store.MachineHeartbeatMinutes) * time.Minute,
		LinkToken:         time.Duration(cfg.Store.LinkTokenSec) * time.Second,
		HistoryLines:      time.Duration(cfg.Store.HistoryDays) * 24 * time.Hour,
	})

	// --- Membership directory ---
	db, err := sql.Open(cfg.Directory.Driver, cfg.Directory.DSN)
	if err != nil {
		return fmt.Errorf("open directory database: %w", err)
	}
	defer db.Close()
	dir := directory.NewSQL(db)

	// --- CRM adapter ---
	// Permanent check-in records are optional; without an endpoint the
	// aggregator keeps only its own ephemeral state.
	var crm directory.CheckinRecorder = directory.NopRecorder{}
	if cfg.CRM.BaseURL != "" {
		crm = directory.NewCRM(cfg.CRM.BaseURL, cfg.CRM.APIToken)
		logger.Info("CRM check-in recording enabled", "base_url", cfg.CRM.BaseURL)
	}

	// --- Notifier ---
	notifier := notify.NewNotifier(email.NewSender(cfg.Email, logger), logger)
	if cfg.Chat.SignalBridgeURL != "" {
		notifier.RegisterChat(model.PlatformSignal, notify.NewHTTPBridge(cfg.Chat.SignalBridgeURL))
		logger.Info("signal bridge configured", "url", cfg.Chat.SignalBridgeURL)
	}
	if cfg.Chat.TelegramBridgeURL != "" {
		notifier.RegisterChat(model.PlatformTelegram, notify.NewHTTPBridge(cfg.Chat.TelegramBridgeURL))
		logger.Info("telegram bridge configured", "url", cfg.Chat.TelegramBridgeURL)
	}

	// --- Chore engine ---
	// Definitions come from the directory once at startup; chores change
	// rarely and a restart picks up edits.
	defs, err := dir.AllChores(ctx)
	if err != nil {
		return fmt.Errorf("load chores from directory: %w", err)
	}
	engine := chores.NewEngine(defs, loc)
	logger.Info("chore definitions loaded", "count", len(defs))

	// --- Aggregator ---
	bus := events.New()
	sched := tasks.NewScheduler(clk, logger)
	agg := aggregator.New(
		ss, dir, crm, notifier, engine,
		bot.NewStates(clk), sched, bus, clk, loc,
		aggregator.Config{
			StaleAfter:       cfg.StaleCheckins.StaleAfter(),
			MorningHour:      cfg.StaleCheckins.MorningHour,
			ChoresHorizon:    cfg.Chores.Horizon(),
			NudgeWindow:      cfg.Chores.WarningWindow(),
			RecentUserWindow: cfg.Chores.RecencyWindow(),
			ConfirmTimeout:   cfg.Chores.ConfirmTimeout(),
			ListName:         cfg.List.Name,
			ListAddress:      cfg.List.Address,
			SettingsURL:      cfg.SettingsURL,
		},
		logger,
	)

	// --- Signal handling ---
	// NotifyContext wraps the parent context so that SIGINT/SIGTERM
	// cancellation flows through the same ctx used by all components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Worker ---
	// The single goroutine through which every state mutation flows.
	queue := worker.NewQueue(256, logger)
	go queue.Run(ctx)

	// --- Periodic sweeps ---
	triggers := tasks.NewTriggers(queue, logger)
	for _, trig := range []struct {
		spec, label string
		fn          func(ctx context.Context) error
	}{
		{"* * * * *", "deferred notifications", sched.ExecuteDue},
		{"*/5 * * * *", "chore warnings", agg.SendChoreWarnings},
		{"*/5 * * * *", "expired machine heartbeats", agg.CheckExpiredMachines},
		{cfg.StaleCheckins.Crontab, "stale checkins", agg.CleanStaleCheckins},
	} {
		if err := triggers.Add(trig.spec, trig.label, trig.fn); err != nil {
			return err
		}
	}
	triggers.Start(ctx)

	// --- MQTT listener ---
	listener := mqtt.New(cfg.MQTT, queue, agg, logger)
	go func() {
		if err := listener.Start(ctx); err != nil {
			logger.Error("mqtt listener failed", "error", err)
		}
	}()

	// --- HTTP server ---
	server := web.NewServer(cfg.HTTP.Address, cfg.HTTP.Port, queue, agg, bus, logger)

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		if err := listener.Stop(stopCtx); err != nil {
			logger.Error("mqtt shutdown failed", "error", err)
		}
		_ = server.Shutdown(context.Background())
	}()

	if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logger.Info("aggregator stopped")
	return nil
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Format must be "text" or "json"; any other value
// defaults to text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty, that exact path is used (and must exist).
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
