package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/fieldkit/shopcollector/internal/api"
	"github.com/fieldkit/shopcollector/internal/collector"
	"github.com/fieldkit/shopcollector/internal/config"
	"github.com/fieldkit/shopcollector/internal/photo"
	"github.com/fieldkit/shopcollector/internal/proxy"
	"github.com/fieldkit/shopcollector/internal/storage"
	"github.com/fieldkit/shopcollector/internal/submit"
)

// --- locate ---

var locateCmd = &cobra.Command{
	Use:   "locate",
	Short: "Take a high-accuracy fix and print it",
	RunE: func(cmd *cobra.Command, args []string) error {
		wait, _ := cmd.Flags().GetDuration("wait")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		rt, err := newRuntime(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer rt.Close()

		printStep("Waiting for a fix from %s", cfg.Location.Source)
		fix, err := waitForFix(cmd.Context(), rt.tracker, wait)
		if err != nil {
			return fmt.Errorf("no location fix: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), formatFix(fix))
		return nil
	},
}

func init() {
	locateCmd.Flags().Duration("wait", 0, "give up after this long (default: location.timeout)")
}

// --- submit ---

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit one shop record",
	Long: `Submit one shop record tagged with a fresh GPS fix and a photo.

Exactly one attempt is made. Nothing is queued or retried: on failure fix the
cause and run the command again.

Examples:
  collect submit --shop "Corner Store" --photo ./front.jpg
  collect submit --shop "Corner Store" --remark "opens at 7" --popularity 5 --photo ./front.jpg`,
	RunE: func(cmd *cobra.Command, args []string) error {
		shop, _ := cmd.Flags().GetString("shop")
		remark, _ := cmd.Flags().GetString("remark")
		popularity, _ := cmd.Flags().GetInt("popularity")
		photoPath, _ := cmd.Flags().GetString("photo")
		waitFix, _ := cmd.Flags().GetDuration("wait-fix")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		rt, err := newRuntime(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer rt.Close()

		form := submit.Form{ShopName: shop, Remark: remark, Popularity: popularity}
		out := submitShop(cmd.Context(), rt.app, form, photoPath, waitFix)
		printOutcome(out)
		if !out.OK() {
			return errors.New(out.Summary())
		}
		return nil
	},
}

func init() {
	submitCmd.Flags().String("shop", "", "shop name")
	submitCmd.Flags().String("remark", "", "free-text remark")
	submitCmd.Flags().Int("popularity", submit.DefaultPopularity, "popularity rating 1-5")
	submitCmd.Flags().String("photo", "", "path of the shop photo")
	submitCmd.Flags().Duration("wait-fix", 0, "wait this long for a fix (default: location.timeout)")
	submitCmd.MarkFlagRequired("shop")
}

// submitShop attaches the photo, waits for a fix and submits once. A missing
// photo or fix is left for the submission checks to report.
func submitShop(ctx context.Context, app *collector.App, form submit.Form, photoPath string, waitFix time.Duration) submit.Outcome {
	if photoPath != "" {
		asset, err := app.AttachPhoto(ctx, photo.FileOnDisk(photoPath))
		if err != nil {
			printWarning("Photo not attached: %v", err)
		} else {
			printStep("Attached %s (%d KB)", asset.FileName, asset.SizeBytes/1024)
		}
	}

	if fix, err := waitForFix(ctx, app.State.Tracker, waitFix); err != nil {
		printWarning("No location fix: %v", err)
	} else {
		printStep("Fix %s", formatFix(fix))
	}

	return app.Submit(ctx, form)
}

// --- history ---

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent submission outcomes",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		cfg, err := config.LoadUnvalidated()
		if err != nil {
			return err
		}
		store, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()

		entries, err := store.RecentSubmissions(cmd.Context(), limit)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No submissions yet.")
			return nil
		}
		return writeHistory(cmd.OutOrStdout(), entries)
	},
}

func init() {
	historyCmd.Flags().Int("limit", 20, "maximum number of submissions to list")
}

func writeHistory(w io.Writer, entries []storage.SubmissionLogEntry) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tSHOP\tOUTCOME\tHTTP\tMESSAGE")
	for _, e := range entries {
		code := "-"
		if e.StatusCode != 0 {
			code = fmt.Sprint(e.StatusCode)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			e.CreatedAt.Local().Format("2006-01-02 15:04:05"), e.ShopName, e.Outcome, code, e.Message)
	}
	return tw.Flush()
}

// --- cache ---

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the offline cache of the application shell",
}

var cacheInstallCmd = &cobra.Command{
	Use:   "install [url...]",
	Short: "Fetch the application shell into the current cache generation",
	Long: `Fetch the application shell files into the current cache generation.

Extra URLs are resolved against shell.origin. Either every file is stored or
the install fails and nothing is written.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		rt, err := newRuntime(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer rt.Close()

		manifest, err := installManifest(cfg.Shell.Origin, args)
		if err != nil {
			return err
		}
		printStep("Installing %d files into %s", len(manifest), cfg.Cache.Name)
		if err := rt.transport().Install(cmd.Context(), manifest); err != nil {
			return err
		}
		printSuccess("Installed %s", cfg.Cache.Name)
		return nil
	},
}

var cacheActivateCmd = &cobra.Command{
	Use:   "activate",
	Short: "Delete every cache generation except the current one",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		rt, err := newRuntime(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer rt.Close()

		deleted, err := rt.transport().Activate(cmd.Context())
		if err != nil {
			return err
		}
		if len(deleted) == 0 {
			printSuccess("No stale caches")
			return nil
		}
		for _, name := range deleted {
			printSuccess("Deleted %s", name)
		}
		return nil
	},
}

var cacheListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cache generations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		rt, err := newRuntime(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer rt.Close()
		return listCaches(cmd.Context(), cmd.OutOrStdout(), rt.cache, cfg.Cache.Name)
	},
}

func init() {
	cacheCmd.AddCommand(cacheInstallCmd)
	cacheCmd.AddCommand(cacheActivateCmd)
	cacheCmd.AddCommand(cacheListCmd)
}

// installManifest is the default shell manifest plus extra, resolved
// against origin.
func installManifest(origin string, extra []string) ([]string, error) {
	manifest, err := proxy.DefaultManifest(origin)
	if err != nil {
		return nil, err
	}
	base, err := url.Parse(origin)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	for _, raw := range extra {
		ref, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parsing %q: %w", raw, err)
		}
		manifest = append(manifest, proxy.RequestKey(base.ResolveReference(ref)))
	}
	return manifest, nil
}

// listCaches prints per-generation stats when the store keeps them and the
// bare generation names otherwise.
func listCaches(ctx context.Context, w io.Writer, store proxy.Store, current string) error {
	marker := func(name string) string {
		if name == current {
			return "*"
		}
		return ""
	}

	if s, ok := store.(*storage.Store); ok {
		stats, err := s.CacheStats(ctx)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "\tCACHE\tENTRIES\tBYTES\tNEWEST")
		for _, st := range stats {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", marker(st.Name), st.Name, st.Entries, st.Bytes, formatAge(st.NewestAt, time.Now()))
		}
		return tw.Flush()
	}

	names, err := store.Caches(ctx)
	if err != nil {
		return err
	}
	for _, name := range names {
		fmt.Fprintf(w, "%1s %s\n", marker(name), name)
	}
	return nil
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadUnvalidated()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		if err := cfg.Validate(); err != nil {
			printWarning("%v", err)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

// --- mcp ---

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the collector as MCP tools over stdio",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		rt, err := newRuntime(ctx, cfg)
		if err != nil {
			return err
		}
		defer rt.Close()

		rt.tracker.Start(ctx)
		mcpSrv := api.NewMCPServer(api.MCPDeps{App: rt.app, History: rt.db})
		err = server.NewStdioServer(mcpSrv).Listen(ctx, os.Stdin, os.Stdout)
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}
