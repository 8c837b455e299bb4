package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/fieldkit/shopcollector/internal/api"
	"github.com/fieldkit/shopcollector/internal/config"
	"github.com/fieldkit/shopcollector/internal/metrics"
	"github.com/fieldkit/shopcollector/internal/proxy"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the collector in the foreground",
	Long: `Run the collector in the foreground: start the location watch, serve the
status API and metrics on the loopback port, and proxy the application shell
through the offline cache.

With --mcp the MCP tools are also served on stdin/stdout.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(withMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running collector",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show collector status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Restart the location watch of the running collector",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		st, err := client.refresh(cmd.Context())
		if err != nil {
			return err
		}
		printSuccess("Location watch restarted (%s)", st.State)
		return nil
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "also serve MCP tools over stdio")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "collect.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func runServer(withMCP bool) error {
	fmt.Fprintf(os.Stderr, "collect version %s\n", version)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Refuse to start twice on the same port.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(serverURL(cfg) + "/health"); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("collect is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("collect is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	// The form starts a watch as soon as it opens.
	rt.tracker.Start(ctx)
	slog.Info("location watch started", "source", cfg.Location.Source, "timeout", cfg.Location.Timeout)

	transport := rt.transport()
	if deleted, err := transport.Activate(ctx); err != nil {
		slog.Warn("activating offline cache", "cache", cfg.Cache.Name, "error", err)
	} else if len(deleted) > 0 {
		printStep("Removed stale caches: %s", strings.Join(deleted, ", "))
	}
	shell, err := proxy.NewShellHandler(cfg.Shell.Origin, transport)
	if err != nil {
		return fmt.Errorf("building shell proxy: %w", err)
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr: addr,
		Handler: api.NewRouter(api.RouterDeps{
			App:     rt.app,
			Shell:   shell,
			Metrics: metrics.Handler(),
		}),
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	if withMCP {
		stdioSrv := server.NewStdioServer(api.NewMCPServer(api.MCPDeps{App: rt.app, History: rt.db}))
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "collect listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.LoadUnvalidated()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("collect is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop collect (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to collect (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.LoadUnvalidated()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client, err := newAPIClient()
	if err != nil {
		return err
	}
	st, err := client.status(ctx)
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		printStatus("Server", "running on port %d", cfg.Server.Port)
		printStatus("Location", "%s", st.Location.State)
		if st.Location.Fix != nil {
			printStatus("Fix", "%s (%s)", formatFix(*st.Location.Fix), formatAge(st.Location.Fix.CapturedAt, time.Now()))
		}
		if st.Location.Error != "" {
			printStatus("Location error", "%s", st.Location.Error)
		}
		if st.Photo != nil {
			printStatus("Photo", "%s (%d KB)", st.Photo.FileName, st.Photo.SizeBytes/1024)
		} else {
			printStatus("Photo", "none")
		}
	}

	printStatus("Endpoint", "%s", valueOr(cfg.Endpoint.URL, "(not set)"))
	printStatus("Location source", "%s", cfg.Location.Source)
	printStatus("Cache", "%s (%s)", cfg.Cache.Name, cfg.Cache.Backend)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
