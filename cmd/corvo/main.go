package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/juju/clock"
	"github.com/juju/lumberjack/v2"
	"github.com/spf13/cobra"

	"github.com/celarini/corvo/internal/archive"
	"github.com/celarini/corvo/internal/checksum"
	"github.com/celarini/corvo/internal/config"
	"github.com/celarini/corvo/internal/fingerprint"
	"github.com/celarini/corvo/internal/metrics"
	"github.com/celarini/corvo/internal/monitor"
	"github.com/celarini/corvo/internal/webhook"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string
	logFile   string
	dryRun    bool

	// console is shared by the logger and the status lines so both stay
	// readable while the terminal is in raw mode.
	console = newConsoleWriter(os.Stdout)
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "corvo",
	Short: "Back up game save folders to a webhook",
	Long: `corvo watches the save folders of your games and uploads a zip archive of
each folder to a webhook (for example a Discord channel) whenever its content
changes.

Run "corvo monitor" to keep watching, or "corvo check" for a single pass.`,
	SilenceUsage: true,
}

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Watch save folders and deliver backups until stopped",
	Long: `Monitor checks every tracked game, builds and delivers an archive for the
ones whose files changed, then waits for the configured interval and repeats.

Press q (on an interactive terminal) or send SIGINT/SIGTERM to stop.`,
	RunE: runMonitor,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run a single backup cycle",
	Long: `Check performs one backup cycle over all tracked games and exits. It exits
non-zero when any game failed.

With --dry-run it only reports which games changed; nothing is archived,
delivered or recorded.`,
	RunE: runCheck,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("corvo %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/corvo/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "append logs to a rotating file instead of stdout")

	checkCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show which games changed without making backups")

	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(webhookCmd)
	rootCmd.AddCommand(gamesCmd)
	rootCmd.AddCommand(versionCmd)
}

func runMonitor(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, _, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	var met *metrics.Metrics
	if cfg.Metrics.ListenAddr != "" {
		met = metrics.New()
		go func() {
			if err := met.Serve(ctx, cfg.Metrics.ListenAddr, logger); err != nil {
				logger.Error("metrics endpoint failed", "error", err)
			}
		}()
	}

	restore := watchQuitKey(cancel, console, logger)
	defer restore()

	reporter := newConsoleReporter(console)
	reporter.quitHint = console.isRaw()

	mon, err := newMonitor(cfg, logger, reporter, met, false)
	if err != nil {
		return err
	}
	return mon.Run(ctx)
}

func runCheck(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, _, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	mon, err := newMonitor(cfg, logger, newConsoleReporter(console), nil, dryRun)
	if err != nil {
		return err
	}

	results, err := mon.RunOnce(ctx)
	if err != nil {
		return err
	}

	failed := 0
	for _, r := range results {
		if r.Failed() {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d games failed", failed, len(results))
	}
	return nil
}

// newMonitor wires the production collaborators for cfg
func newMonitor(cfg *config.Config, logger *slog.Logger, reporter monitor.Reporter, met *metrics.Metrics, dry bool) (*monitor.Monitor, error) {
	limit, err := cfg.MaxArchiveBytes()
	if err != nil {
		return nil, err
	}

	store, err := openStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	deps := monitor.Deps{
		Fingerprinter: fingerprint.New(logger),
		Builder:       archive.NewBuilder(cfg.Monitor.TempDir, limit, clock.WallClock, logger),
		Store:         store,
		Sink:          webhook.NewClient(cfg.Webhook.URL, cfg.Webhook.Timeout, logger),
		Clock:         clock.WallClock,
		Metrics:       met,
		Reporter:      reporter,
	}
	return monitor.New(cfg, deps, logger, dry), nil
}

// openStore opens the checksum store and seeds it with checksums carried in
// the config file.
func openStore(cfg *config.Config, logger *slog.Logger) (*checksum.FileStore, error) {
	store, err := checksum.Open(cfg.StateFilePath(), clock.WallClock, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open checksum store: %w", err)
	}
	for _, g := range cfg.Games {
		store.Seed(g.Name, fingerprint.Fingerprint(g.Checksum))
	}
	return store, nil
}

func setupLogger() *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var out io.Writer = console
	if logFile != "" {
		out = &lumberjack.Logger{
			Filename:   os.ExpandEnv(logFile),
			MaxSize:    10, // megabytes
			MaxBackups: 3,
		}
	}

	// Create handler based on format
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	return slog.New(handler)
}

// configPath returns the config file location, honoring --config
func configPath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, ".config", "corvo", "config.yaml"), nil
}

func loadConfig(logger *slog.Logger) (*config.Config, string, error) {
	path, err := configPath()
	if err != nil {
		return nil, "", err
	}

	logger.Debug("loading configuration", "path", path)

	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}

	logger.Debug("configuration loaded",
		"games", len(cfg.Games),
		"webhook", cfg.HasWebhook(),
		"interval", cfg.Monitor.Interval,
		"state_dir", cfg.Paths.StateDir)

	return cfg, path, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
