package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fieldkit/shopcollector/internal/config"
)

var (
	version = "dev"
	noColor bool
)

var rootCmd = &cobra.Command{
	Use:   "collect",
	Short: "Field shop collector: GPS fix, photo and one-shot submission",
	Long: `collect captures shop records in the field. Each record carries the shop
name, a remark, a 1-5 popularity rating, the current GPS fix and a photo, and is
posted once to the configured collection endpoint.

Run "collect serve" on the device to keep a location watch open and serve the
application shell with offline caching.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "collect version %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", os.Getenv("NO_COLOR") != "", "disable colored output")
	rootCmd.AddCommand(
		serveCmd,
		stopCmd,
		statusCmd,
		refreshCmd,
		locateCmd,
		submitCmd,
		historyCmd,
		cacheCmd,
		configCmd,
		mcpCmd,
		versionCmd,
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// newLogger builds the process logger from the log section. Logs always go
// to w (stderr in practice) so stdout stays free for command output and the
// MCP stdio transport.
func newLogger(w io.Writer, lc config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(lc.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if lc.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// loadConfig loads and validates the config and installs the logger.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	slog.SetDefault(newLogger(os.Stderr, cfg.Log))
	return cfg, nil
}
