package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"

	// Automatically set GOMEMLIMIT based on cgroup memory limits (container
	// or systemd MemoryMax=). If no cgroup limit is detected, GOMEMLIMIT is
	// left at the Go default.
	"github.com/KimMachineGun/automemlimit/memlimit"

	"github.com/philsphicas/herbivore/internal/metrics"
	"github.com/spf13/cobra"
)

var version = "dev"

func init() {
	_, _ = memlimit.SetGoMemLimitWithOpts(memlimit.WithLogger(nil))
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "herbivore",
		Short: "Proxy network node client",
		Long: `Join the proxy network as a node: keep a WebSocket session open to the
coordination server and relay the HTTP requests it sends.

Running herbivore without a subcommand is the same as "herbivore run".`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE:         runNode,
	}

	// Global flags.
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-file", "", "write logs to this file instead of stderr")
	rootCmd.PersistentFlags().String("metrics-addr", "", "address for Prometheus metrics server (e.g. :9090); disabled if empty")
	rootCmd.PersistentFlags().Int("metrics-max-actions", metrics.DefaultMaxActions, "max unique action labels in metrics (0 = unlimited)")

	addNodeFlags(rootCmd)
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(versionCmd())
	return rootCmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

// resolveMetrics creates a Metrics instance and starts the HTTP server if
// --metrics-addr or HERBIVORE_METRICS_ADDR is set. Returns nil if metrics are
// disabled. The server shuts down when ctx is cancelled.
func resolveMetrics(ctx context.Context, cmd *cobra.Command, logger *slog.Logger) (*metrics.Metrics, error) {
	addr, _ := cmd.Flags().GetString("metrics-addr")
	if addr == "" {
		addr = os.Getenv("HERBIVORE_METRICS_ADDR")
	}
	if addr == "" {
		return nil, nil
	}
	maxActions, _ := cmd.Flags().GetInt("metrics-max-actions")
	if maxActions < 0 {
		return nil, fmt.Errorf("--metrics-max-actions must be >= 0, got %d", maxActions)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen on %s: %w", addr, err)
	}
	m := metrics.New()
	m.MaxActions = maxActions
	go func() {
		if err := m.Serve(ctx, ln, logger); err != nil {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return m, nil
}

// resolveLogger builds the logger from --log-level and --log-file (or
// HERBIVORE_LOG_FILE). The returned close func releases the log file.
func resolveLogger(cmd *cobra.Command) (*slog.Logger, func() error, error) {
	level, _ := cmd.Flags().GetString("log-level")
	path, _ := cmd.Flags().GetString("log-file")
	if path == "" {
		path = os.Getenv("HERBIVORE_LOG_FILE")
	}
	if path == "" {
		return newLogger(level, os.Stderr), func() error { return nil }, nil
	}
	f, err := openLogFile(path)
	if err != nil {
		return nil, nil, err
	}
	return newLogger(level, f), f.Close, nil
}

// openLogFile opens path for appending, creating it and its parent
// directory if needed.
func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}

func newLogger(level string, w io.Writer) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}
