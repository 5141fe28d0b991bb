package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/aurora-ops/aurora-gateway/internal/alert"
	"github.com/aurora-ops/aurora-gateway/internal/archive"
	"github.com/aurora-ops/aurora-gateway/internal/backend"
	"github.com/aurora-ops/aurora-gateway/internal/bus"
	"github.com/aurora-ops/aurora-gateway/internal/cache"
	"github.com/aurora-ops/aurora-gateway/internal/config"
	"github.com/aurora-ops/aurora-gateway/internal/incidents"
	"github.com/aurora-ops/aurora-gateway/internal/server"
	"github.com/aurora-ops/aurora-gateway/internal/vizsync"
	"github.com/aurora-ops/aurora-gateway/pkg/models"
	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	cfgFile   string
	logFormat string
	logLevel  string
	logger    *slog.Logger
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "aurora",
		Short: "Aurora Console Gateway",
		Long:  "Gateway between the Aurora incident console and the analysis backend: incident lists, visualization snapshots, and live update streams.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := parseLogLevel(logLevel)
			if err != nil {
				return err
			}
			opts := &slog.HandlerOptions{Level: level}
			switch logFormat {
			case "json":
				logger = slog.New(slog.NewJSONHandler(os.Stderr, opts))
			case "text":
				logger = slog.New(slog.NewTextHandler(os.Stderr, opts))
			default:
				return fmt.Errorf("invalid --log-format %q (use: text, json)", logFormat)
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./aurora.yaml)")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log output format (text, json)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(
		serveCmd(),
		watchCmd(),
		incidentsCmd(),
		snapshotsCmd(),
		versionCmd(),
		completionCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() *config.Config {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		logger.Error("loading config", "error", err)
		os.Exit(1)
	}
	return cfg
}

func newClient(cfg *config.Config) *backend.Client {
	return backend.New(cfg.Upstream.BaseURL,
		backend.WithToken(cfg.Upstream.Token),
		backend.WithIdentity(cfg.Upstream.IdentityHeader, "aurora-gateway"),
		backend.WithTimeout(config.Duration(cfg.Upstream.Timeout, 15*time.Second)),
	)
}

func buildAlerter(cfg *config.Config) alert.Alerter {
	var alerters []alert.Alerter
	if cfg.Alerts.Stdout.Enabled {
		alerters = append(alerters, alert.NewStdoutAlerter())
	}
	if cfg.Alerts.Webhook.Enabled && cfg.Alerts.Webhook.URL != "" {
		alerters = append(alerters, alert.NewWebhookAlerter(cfg.Alerts.Webhook.URL, cfg.Alerts.Webhook.Headers))
	}
	if len(alerters) == 0 {
		return nil
	}
	return alert.NewMulti(alerters...)
}

func openArchive(cfg *config.Config) *archive.Store {
	if cfg.Archive.Path == "" {
		logger.Error("archive not configured (set archive.path)")
		os.Exit(1)
	}
	store, err := archive.Open(cfg.Archive.Path)
	if err != nil {
		logger.Error("opening archive", "error", err)
		os.Exit(1)
	}
	if err := store.Init(context.Background()); err != nil {
		logger.Error("initializing archive", "error", err)
		os.Exit(1)
	}
	return store
}

// --- serve ---

func serveCmd() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the console gateway server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := loadConfig()
			if listen == "" {
				listen = cfg.Server.Listen
			}

			client := newClient(cfg)
			events := bus.New(logger)
			alerter := buildAlerter(cfg)

			var store *archive.Store
			if cfg.Archive.Path != "" {
				var err error
				store, err = archive.Open(cfg.Archive.Path)
				if err != nil {
					return fmt.Errorf("opening archive: %w", err)
				}
				if err := store.Init(cmd.Context()); err != nil {
					return fmt.Errorf("initializing archive: %w", err)
				}
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			backoffMin := config.Duration(cfg.Stream.BackoffMin, time.Second)
			backoffMax := config.Duration(cfg.Stream.BackoffMax, 30*time.Second)
			registry := vizsync.NewRegistry(ctx, func(incidentID string) *vizsync.Watcher {
				sub := backend.NewSubscriber(client, logger, backoffMin, backoffMax)
				w := vizsync.New(incidentID, client, sub, logger)
				w.OnApply = func(snap models.Snapshot) {
					events.Publish(bus.Event{Channel: bus.ChanSnapshotApplied, Payload: bus.SnapshotApplied{
						IncidentID: incidentID,
						Version:    snap.Version,
						Snapshot:   snap,
					}})
					if store != nil {
						go func() {
							if err := store.Record(context.Background(), incidentID, snap); err != nil {
								logger.Warn("archiving snapshot", "incidentID", incidentID, "version", snap.Version, "error", err)
							}
						}()
					}
					if alerter != nil && snap.FailedNodeCount() > 0 {
						ev := alert.Event{
							Source:     "aurora-gateway",
							EventType:  "impact_update",
							Severity:   "critical",
							IncidentID: incidentID,
							Message:    fmt.Sprintf("incident %s snapshot v%d reports %d failed nodes", incidentID, snap.Version, snap.FailedNodeCount()),
							Timestamp:  time.Now(),
							Impact: &alert.Impact{
								FailedNodes:   snap.FailedNodeCount(),
								AffectedNodes: len(snap.AffectedIDs),
							},
						}
						go func() {
							if err := alerter.Send(context.Background(), ev); err != nil {
								logger.Warn("sending alert", "error", err)
							}
						}()
					}
				}
				w.OnConnState = func(connected bool) {
					events.Publish(bus.Event{Channel: bus.ChanStreamState, Payload: bus.StreamState{
						IncidentID: incidentID,
						Connected:  connected,
					}})
				}
				return w
			})

			var refresher *incidents.Refresher
			if cfg.Refresh.Enabled {
				interval := config.Duration(cfg.Refresh.Interval, 30*time.Second)
				refresher = incidents.New(client, events, alerter, interval, logger)
				refresher.Start(ctx)
				defer refresher.Stop()
			}

			var respCache cache.Cache
			switch cfg.Cache.Backend {
			case "redis":
				var err error
				respCache, err = cache.NewRedis(ctx, cfg.Cache.Redis.Addr, cfg.Cache.Redis.Password, cfg.Cache.Redis.DB, logger)
				if err != nil {
					logger.Warn("redis unavailable, using in-memory cache", "error", err)
					respCache = cache.NewMemory()
				}
			default:
				respCache = cache.NewMemory()
			}

			srv := server.New(client, registry, events, logger, listen, server.Options{
				Refresher:  refresher,
				Cache:      respCache,
				Archive:    store,
				APIToken:   cfg.Server.APIToken,
				CORSOrigin: cfg.Server.CORSOrigin,
				CacheTTL:   config.Duration(cfg.Cache.TTL, 15*time.Second),
			})

			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
				_ = respCache.Close()
				if store != nil {
					_ = store.Close()
				}
			}()

			return srv.Start()
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default from config or :8080)")
	return cmd
}

// --- watch ---

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <incident-id>",
		Short: "Follow live snapshot updates for one incident",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			incidentID := args[0]

			client := newClient(cfg)
			sub := backend.NewSubscriber(client, logger,
				config.Duration(cfg.Stream.BackoffMin, time.Second),
				config.Duration(cfg.Stream.BackoffMax, 30*time.Second))

			w := vizsync.New(incidentID, client, sub, logger)
			w.OnApply = func(snap models.Snapshot) {
				fmt.Printf("%s  v%-6d nodes=%d edges=%d failed=%d affected=%d",
					snap.UpdatedAt.Format(time.RFC3339), snap.Version,
					len(snap.Nodes), len(snap.Edges), snap.FailedNodeCount(), len(snap.AffectedIDs))
				if snap.RootCauseID != "" {
					fmt.Printf(" rootCause=%s", snap.RootCauseID)
				}
				fmt.Println()
			}
			w.OnConnState = func(connected bool) {
				if connected {
					fmt.Println("stream connected")
				} else {
					fmt.Println("stream disconnected, retrying")
				}
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			w.Start(ctx)
			if w.Snapshot() == nil && w.Err() == nil {
				fmt.Printf("no analysis yet for incident %s, waiting for updates\n", incidentID)
			}

			<-ctx.Done()
			w.Close()
			return nil
		},
	}
}

// --- incidents ---

func incidentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "incidents",
		Short: "List incidents from the analysis backend",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := loadConfig()
			client := newClient(cfg)

			list, err := client.ListIncidents(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "ID\tSEVERITY\tSTATUS\tANALYZED\tTITLE")
			for _, inc := range list {
				analyzed := "-"
				if inc.AnalyzedAt != nil {
					analyzed = inc.AnalyzedAt.Format(time.RFC3339)
				}
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", inc.ID, inc.Severity, inc.Status, analyzed, inc.Title)
			}
			return w.Flush()
		},
	}
}

// --- snapshots ---

func snapshotsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshots",
		Short: "Inspect the local snapshot archive",
	}
	cmd.AddCommand(snapshotsListCmd(), snapshotsShowCmd(), snapshotsExportCmd(), snapshotsPruneCmd())
	return cmd
}

func snapshotsListCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list <incident-id>",
		Short: "List archived snapshot versions for an incident",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			store := openArchive(cfg)
			defer store.Close() //nolint:errcheck // best-effort cleanup

			entries, err := store.List(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "VERSION\tNODES\tEDGES\tUPDATED\tRECORDED")
			for _, e := range entries {
				_, _ = fmt.Fprintf(w, "%d\t%d\t%d\t%s\t%s\n", e.Version, e.Nodes, e.Edges,
					e.UpdatedAt.Format(time.RFC3339), e.RecordedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "maximum versions to list")
	return cmd
}

func snapshotsShowCmd() *cobra.Command {
	var snapVersion int64

	cmd := &cobra.Command{
		Use:   "show <incident-id>",
		Short: "Print a summary of an archived snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			store := openArchive(cfg)
			defer store.Close() //nolint:errcheck // best-effort cleanup

			snap, err := store.Load(cmd.Context(), args[0], snapVersion)
			if err != nil {
				return err
			}

			fmt.Printf("Incident %s, version %d\n", args[0], snap.Version)
			fmt.Printf("  Updated:  %s\n", snap.UpdatedAt.Format(time.RFC3339))
			fmt.Printf("  Nodes:    %d (%d failed)\n", len(snap.Nodes), snap.FailedNodeCount())
			fmt.Printf("  Edges:    %d\n", len(snap.Edges))
			if snap.RootCauseID != "" {
				fmt.Printf("  Root cause: %s\n", snap.RootCauseID)
			}
			if len(snap.AffectedIDs) > 0 {
				fmt.Printf("  Affected:   %s\n", strings.Join(snap.AffectedIDs, ", "))
			}
			return nil
		},
	}

	cmd.Flags().Int64Var(&snapVersion, "version", 0, "snapshot version (default: newest)")
	return cmd
}

func snapshotsExportCmd() *cobra.Command {
	var snapVersion int64
	var format string

	cmd := &cobra.Command{
		Use:   "export <incident-id>",
		Short: "Export an archived snapshot as json, yaml, or dot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			store := openArchive(cfg)
			defer store.Close() //nolint:errcheck // best-effort cleanup

			snap, err := store.Load(cmd.Context(), args[0], snapVersion)
			if err != nil {
				return err
			}

			var out string
			switch format {
			case "json":
				out, err = archive.ExportJSON(snap)
			case "yaml":
				out, err = archive.ExportYAML(snap)
			case "dot":
				out = archive.ExportDOT(snap)
			default:
				return fmt.Errorf("unsupported format: %s (use: json, yaml, dot)", format)
			}
			if err != nil {
				return err
			}

			fmt.Println(out)
			return nil
		},
	}

	cmd.Flags().Int64Var(&snapVersion, "version", 0, "snapshot version (default: newest)")
	cmd.Flags().StringVar(&format, "format", "json", "output format (json, yaml, dot)")
	return cmd
}

func snapshotsPruneCmd() *cobra.Command {
	var olderThan string

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete archived snapshots older than a duration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := loadConfig()
			store := openArchive(cfg)
			defer store.Close() //nolint:errcheck // best-effort cleanup

			d, err := time.ParseDuration(olderThan)
			if err != nil {
				return fmt.Errorf("invalid --older-than %q: %w", olderThan, err)
			}

			removed, err := store.Prune(cmd.Context(), d)
			if err != nil {
				return err
			}

			fmt.Printf("Pruned %d archived snapshots older than %s\n", removed, olderThan)
			return nil
		},
	}

	cmd.Flags().StringVar(&olderThan, "older-than", "720h", "age threshold, e.g. 168h")
	return cmd
}

// --- version / completion ---

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("aurora %s\n", version)
		},
	}
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid --log-level %q (use: debug, info, warn, error)", s)
	}
}

func completionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "completion [bash|zsh|fish|powershell]",
		Short: "Generate shell completion scripts",
		Long: `Generate shell completion scripts for the Aurora gateway CLI.

To load completions:

Bash:
  $ source <(aurora completion bash)
  # To load completions for each session, execute once:
  # Linux:
  $ aurora completion bash > /etc/bash_completion.d/aurora
  # macOS:
  $ aurora completion bash > $(brew --prefix)/etc/bash_completion.d/aurora

Zsh:
  # If shell completion is not already enabled in your environment,
  # you will need to enable it. Execute once:
  $ echo "autoload -U compinit; compinit" >> ~/.zshrc
  # To load completions for each session, execute once:
  $ aurora completion zsh > "${fpath[1]}/_aurora"
  # You will need to start a new shell for this setup to take effect.

Fish:
  $ aurora completion fish | source
  # To load completions for each session, execute once:
  $ aurora completion fish > ~/.config/fish/completions/aurora.fish

PowerShell:
  PS> aurora completion powershell | Out-String | Invoke-Expression
  # To load completions for every new session, add the output to your profile:
  PS> aurora completion powershell >> $PROFILE
`,
		DisableFlagsInUseLine: true,
		ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
		Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch args[0] {
			case "bash":
				return cmd.Root().GenBashCompletion(os.Stdout)
			case "zsh":
				return cmd.Root().GenZshCompletion(os.Stdout)
			case "fish":
				return cmd.Root().GenFishCompletion(os.Stdout, true)
			case "powershell":
				return cmd.Root().GenPowerShellCompletionWithDesc(os.Stdout)
			default:
				return fmt.Errorf("unsupported shell: %s", args[0])
			}
		},
	}
}
