package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/BTreeMap/TimerPipe/internal/alert"
	"github.com/BTreeMap/TimerPipe/internal/api"
	"github.com/BTreeMap/TimerPipe/internal/lifecycle"
	"github.com/BTreeMap/TimerPipe/internal/lockfile"
	"github.com/BTreeMap/TimerPipe/internal/recovery"
	"github.com/BTreeMap/TimerPipe/internal/scheduler"
	"github.com/BTreeMap/TimerPipe/internal/store"
	"github.com/BTreeMap/TimerPipe/internal/util"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for TimerPipe state data
	DefaultStateDir = "/var/lib/timerpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "timerpipe.db"
	// DefaultSweepSchedule is how often overdue timers and failed saves are swept
	DefaultSweepSchedule = "@every 30s"
	// DefaultLogLevel is used when LOG_LEVEL is unset
	DefaultLogLevel = "info"
	// ShutdownTimeout bounds the graceful shutdown sequence
	ShutdownTimeout = 15 * time.Second
)

func main() {
	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags, err := parseCommandLineFlags(flag.CommandLine, config, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	// Initialize structured logger
	initializeLogger(*flags.logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping TimerPipe", "state_dir", *flags.stateDir, "dsn_type", store.DetectDSNType(*flags.dbDSN), "api_addr", *flags.apiAddr)
	if err := run(ctx, flags); err != nil {
		slog.Error("TimerPipe failed to run", "error", err)
		stop()
		os.Exit(1)
	}
	slog.Info("TimerPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir        string
	DatabaseURL     string
	APIAddr         string
	LogLevel        string
	SweepSchedule   string
	SweepGrace      time.Duration
	AlertOnRecovery bool
}

// Flags holds command line flag values
type Flags struct {
	stateDir        *string
	dbDSN           *string
	apiAddr         *string
	logLevel        *string
	sweepSchedule   *string
	sweepGrace      *time.Duration
	alertOnRecovery *bool
}

// initializeLogger sets up structured logging at the configured level
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
}

// parseLogLevel maps debug/info/warn/error to a slog level, defaulting to info.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:        util.StringEnv("TIMERPIPE_STATE_DIR", DefaultStateDir),
		DatabaseURL:     util.StringEnv("DATABASE_URL", ""),
		APIAddr:         util.StringEnv("API_ADDR", api.DefaultAddr),
		LogLevel:        util.StringEnv("LOG_LEVEL", DefaultLogLevel),
		SweepSchedule:   util.StringEnv("TIMERPIPE_SWEEP_SCHEDULE", DefaultSweepSchedule),
		SweepGrace:      util.ParseDurationEnv("TIMERPIPE_SWEEP_GRACE", lifecycle.DefaultSweepGrace),
		AlertOnRecovery: util.ParseBoolEnv("TIMERPIPE_ALERT_ON_RECOVERY", false),
	}

	slog.Debug("environment variables loaded",
		"TIMERPIPE_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"API_ADDR", config.APIAddr,
		"LOG_LEVEL", config.LogLevel,
		"TIMERPIPE_SWEEP_SCHEDULE", config.SweepSchedule,
		"TIMERPIPE_SWEEP_GRACE", config.SweepGrace,
		"TIMERPIPE_ALERT_ON_RECOVERY", config.AlertOnRecovery,
		"TWILIO_CONFIGURED", alert.TwilioEnvConfigured())

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(fs *flag.FlagSet, config Config, args []string) (Flags, error) {
	flags := Flags{
		stateDir:        fs.String("state-dir", config.StateDir, "state directory for TimerPipe data (overrides $TIMERPIPE_STATE_DIR)"),
		dbDSN:           fs.String("db-dsn", config.DatabaseURL, "snapshot backend: postgres DSN, *.json file or SQLite path (overrides $DATABASE_URL)"),
		apiAddr:         fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		logLevel:        fs.String("log-level", config.LogLevel, "log level: debug, info, warn or error (overrides $LOG_LEVEL)"),
		sweepSchedule:   fs.String("sweep-schedule", config.SweepSchedule, "cron schedule for the maintenance sweep (overrides $TIMERPIPE_SWEEP_SCHEDULE)"),
		sweepGrace:      fs.Duration("sweep-grace", config.SweepGrace, "how far past its deadline a timer is finalized by the sweep (overrides $TIMERPIPE_SWEEP_GRACE)"),
		alertOnRecovery: fs.Bool("alert-on-recovery", config.AlertOnRecovery, "alert for timers that expired while TimerPipe was down (overrides $TIMERPIPE_ALERT_ON_RECOVERY)"),
	}

	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}
	if *flags.sweepGrace < 0 {
		return Flags{}, fmt.Errorf("-sweep-grace must not be negative, got %s", *flags.sweepGrace)
	}

	// Default to SQLite in the final state directory
	if *flags.dbDSN == "" {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", *flags.dbDSN)
	}

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_type", store.DetectDSNType(*flags.dbDSN),
		"apiAddr", *flags.apiAddr,
		"logLevel", *flags.logLevel,
		"sweepSchedule", *flags.sweepSchedule,
		"sweepGrace", *flags.sweepGrace,
		"alertOnRecovery", *flags.alertOnRecovery)

	return flags, nil
}

// ensureDirectoriesExist creates the parent directory of a file-based DSN
func ensureDirectoriesExist(flags Flags) error {
	if store.DetectDSNType(*flags.dbDSN) == store.DSNTypePostgres {
		return nil
	}
	dir := filepath.Dir(*flags.dbDSN)
	slog.Debug("Creating directory for file-based snapshot", "dir", dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return nil
}

// buildNotifier logs every alert and also texts it when Twilio is configured.
func buildNotifier() (alert.Notifier, error) {
	notifiers := alert.Multi{alert.LogNotifier{}}
	if alert.TwilioEnvConfigured() {
		sms, err := alert.NewTwilioNotifier()
		if err != nil {
			return nil, fmt.Errorf("failed to configure Twilio notifier: %w", err)
		}
		notifiers = append(notifiers, sms)
		slog.Info("Twilio SMS alerts enabled")
	}
	return notifiers, nil
}

// buildEngineOptions constructs lifecycle engine options
func buildEngineOptions(flags Flags, notifier alert.Notifier) []lifecycle.Option {
	return []lifecycle.Option{
		lifecycle.WithNotifier(notifier),
		lifecycle.WithSweepGrace(*flags.sweepGrace),
		lifecycle.WithAlertOnRecovery(*flags.alertOnRecovery),
	}
}

// run wires the service together and blocks until ctx is cancelled or the
// API server fails.
func run(ctx context.Context, flags Flags) error {
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	if err := ensureDirectoriesExist(flags); err != nil {
		return err
	}

	gw, err := store.NewGateway(store.WithDSN(*flags.dbDSN))
	if err != nil {
		return fmt.Errorf("failed to open snapshot backend: %w", err)
	}
	defer func() {
		if err := gw.Close(); err != nil {
			slog.Warn("failed to close snapshot backend", "error", err)
		}
	}()

	notifier, err := buildNotifier()
	if err != nil {
		return err
	}

	sched := scheduler.New(nil)
	defer sched.Stop()

	engine, err := lifecycle.NewEngine(store.NewMemoryStore(), gw, sched, buildEngineOptions(flags, notifier)...)
	if err != nil {
		return err
	}

	manager := recovery.NewManager()
	manager.RegisterRecoverable(engine)
	if err := manager.RecoverAll(ctx); err != nil {
		return fmt.Errorf("failed to recover timers: %w", err)
	}

	periodic := scheduler.NewPeriodic()
	if err := periodic.AddJob(*flags.sweepSchedule, func() {
		if err := engine.Sweep(context.Background()); err != nil {
			slog.Warn("sweep failed", "error", err)
		}
	}); err != nil {
		return err
	}
	periodic.Start()

	server := api.NewServer(engine, api.WithAddr(*flags.apiAddr))
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.ListenAndServe()
	}()

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case runErr = <-serveErr:
		if runErr == nil {
			runErr = errors.New("API server stopped unexpectedly")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	shutdown(shutdownCtx, server, periodic, sched, engine)
	return runErr
}

// shutdown stops intake first, then background work, then saves the final
// snapshot. Running timers stay running in the snapshot and resume on restart.
func shutdown(ctx context.Context, server *api.Server, periodic *scheduler.Periodic, sched *scheduler.Scheduler, engine *lifecycle.Engine) {
	if err := server.Shutdown(ctx); err != nil {
		slog.Warn("API server shutdown incomplete", "error", err)
	}
	if err := periodic.Stop(ctx); err != nil {
		slog.Warn("sweep runner shutdown incomplete", "error", err)
	}
	sched.Stop()
	if err := engine.Flush(ctx); err != nil {
		slog.Error("final snapshot save failed", "error", err)
	}
}
