package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bdobrica/kuroko/common/environment"
	"github.com/bdobrica/kuroko/common/trace"
	"github.com/bdobrica/kuroko/common/version"
	"github.com/bdobrica/kuroko/internal/kuroko/app"
	"github.com/bdobrica/kuroko/internal/kuroko/config"
)

var rootCmd = &cobra.Command{
	Use:   "kuroko",
	Short: "kuroko - host and agent lifecycle engine",
	Long: `kuroko creates, pauses, stops, snapshots and destroys hosts running
long-lived agents. Every invocation is independent: state is read back from
the provider, and concurrent invocations coordinate through locks.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.Info())
	},
}

var (
	onConflict string
	dryRun     bool
	workers    int
	jsonOut    bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&onConflict, "on-conflict", "",
		"Lock conflict policy: continue-and-warn, fail-immediately or retry-until-locked (required for mutating verbs)")
	rootCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "Report what would happen without changing anything")
	rootCmd.PersistentFlags().IntVar(&workers, "workers", 0, "Concurrent per-host operations (overrides KUROKO_WORKERS)")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Print results as JSON")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(hostCommands()...)
	rootCmd.AddCommand(snapshotCmd, watchCmd, heartbeatCmd, activityCmd)
}

// exitError carries a non-zero exit status without an extra message.
type exitError struct{ code int }

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(trace.Ensure(ctx))
	stop()

	var ee exitError
	switch {
	case err == nil:
	case errors.As(err, &ee):
		os.Exit(ee.code)
	default:
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(environment.Default())
	if err != nil {
		return nil, err
	}
	if workers > 0 {
		cfg.Workers = workers
	}
	return cfg, nil
}

// openApp loads the configuration and wires the engine. Callers close it.
func openApp(cmd *cobra.Command) (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	opts := app.Options{}
	if exe, err := os.Executable(); err == nil {
		opts.WatchCommand = []string{exe, "watch"}
	} else {
		logger.Warn("kuroko: cannot locate own binary, hosts will not be watched automatically", "err", err)
	}
	return app.Open(cmd.Context(), cfg, logger, opts)
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.ToLower(format) == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
