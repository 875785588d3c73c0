package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"dealflow/internal/app"
	"dealflow/internal/config"
	"dealflow/internal/db"
	"dealflow/internal/engine"
	"dealflow/internal/events"
	"dealflow/internal/migrate"
	"dealflow/internal/repo"
	"dealflow/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "dealflow",
	Short: "Dealflow sales pipeline CLI",
	Long: `Dealflow tracks deals through configurable sales pipelines and forecasts revenue.
- Pipeline: an ordered list of stages, each with a win probability; at most one won and one lost stage.
- Deal: a sales opportunity sitting in one stage of one pipeline; moving to the won or lost stage closes it.
- Activities and tasks: the history of a deal and the follow-ups scheduled on it.
- Forecast: open deal values weighted by probability, per stage and per expected close month.
- Event log: every change is recorded and relayed to Kafka, NATS or webhooks ('dealflow relay').`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		if err := app.LoadEnv(workspace); err != nil {
			return fmt.Errorf("load .env: %w", err)
		}
		slog.SetDefault(setupLogger(viper.GetString("log-level"), viper.GetString("log-format")))
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("DEALFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "actor identifier")
	flags.String("tenant", "", "tenant id (overrides .env and config)")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.String("log-format", "text", "log format: text or json")
	for _, name := range []string{"workspace", "json", "actor-id", "tenant", "log-level", "log-format"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(pipelineCmd())
	rootCmd.AddCommand(stageCmd())
	rootCmd.AddCommand(dealCmd())
	rootCmd.AddCommand(activityCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(forecastCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(authCmd())
	rootCmd.AddCommand(relayCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Manage dealflow.yml"}
	cfgCmd.AddCommand(configShowCmd())
	cfgCmd.AddCommand(configInitCmd())
	cfgCmd.AddCommand(configValidateCmd())
	return cfgCmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, err := app.ResolveTenantAndConfig(viper.GetString("workspace"), viper.GetString("tenant"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

func configInitCmd() *cobra.Command {
	var tenantID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default dealflow.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !viper.GetBool("force") {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if tenantID == "" {
				tenantID = viper.GetString("tenant")
			}
			if tenantID == "" {
				return errors.New("--tenant-id is required")
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(tenantID)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant-id", "", "tenant id written to the config")
	cmd.Flags().Bool("force", false, "overwrite an existing config")
	_ = viper.BindPFlag("force", cmd.Flags().Lookup("force"))
	return cmd
}

func configValidateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				file = config.Path(viper.GetString("workspace"))
			}
			if _, err := config.FromFile(file); err != nil {
				return err
			}
			fmt.Printf("%s is valid\n", file)
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "config file (defaults to the workspace dealflow.yml)")
	return cmd
}

func tenantCmd() *cobra.Command {
	tenant := &cobra.Command{Use: "tenant", Short: "Select the working tenant"}
	tenant.AddCommand(&cobra.Command{
		Use:   "use <tenant-id>",
		Short: "Persist the tenant in the workspace .env",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.UseTenant(viper.GetString("workspace"), args[0]); err != nil {
				return err
			}
			fmt.Printf("Using tenant %s\n", args[0])
			return nil
		},
	})
	return tenant
}

func authCmd() *cobra.Command {
	auth := &cobra.Command{Use: "auth", Short: "API credentials"}
	var ttl time.Duration
	token := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the current actor and tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, _, err := app.ResolveTenantAndConfig(viper.GetString("workspace"), viper.GetString("tenant"))
			if err != nil {
				return err
			}
			tok, err := server.IssueToken(viper.GetString("jwt-secret"), viper.GetString("actor-id"), tenantID, ttl)
			if err != nil {
				return fmt.Errorf("%w (set DEALFLOW_JWT_SECRET)", err)
			}
			fmt.Println(tok)
			return nil
		},
	}
	token.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	auth.AddCommand(token)
	return auth
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	var n int
	var evtType, entityKind, entityID string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				evts, err := e.Repo.LatestEventsFrom(ctx, n, 0, repo.EventFilters{
					TenantID:   e.Config.Tenant.ID,
					Type:       evtType,
					EntityKind: entityKind,
					EntityID:   entityID,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Entity", "Actor", "Published"})
				for _, evt := range evts {
					published := ""
					if evt.PublishedAt != nil {
						published = *evt.PublishedAt
					}
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + ":" + evt.EntityID, evt.ActorID, published})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	tail.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind filter")
	tail.Flags().StringVar(&entityID, "entity-id", "", "entity id filter")
	l.AddCommand(tail)
	return l
}

func relayCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Deliver unpublished events to the configured buses",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
				relay, err := newRelay(e)
				if err != nil {
					return err
				}
				defer relay.Bus.Close()
				if !once {
					return relay.Run(ctx)
				}
				n, err := relay.DrainOnce(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Published %d event(s)\n", n)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "deliver one batch and exit")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var legacyHeaders, noRelay bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server and the event relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
				logger := e.Logger
				if addr == "" {
					addr = e.Config.Server.Addr
				}
				if addr == "" {
					addr = "127.0.0.1:8080"
				}
				if basePath == "" {
					basePath = e.Config.Server.BasePath
				}
				authCfg := server.AuthConfig{
					JWTSecret:          viper.GetString("jwt-secret"),
					AllowLegacyHeaders: legacyHeaders,
					Logger:             logger,
				}
				if authCfg.JWTSecret == "" && !authCfg.AllowLegacyHeaders {
					return errors.New("DEALFLOW_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg, Logger: logger})
				if err != nil {
					return err
				}
				var relay events.Relay
				if !noRelay {
					if relay, err = newRelay(e); err != nil {
						return err
					}
					defer relay.Bus.Close()
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					logger.Info("serving dealflow API", "addr", addr, "base_path", basePath, "docs", "/docs")
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
				if !noRelay {
					g.Go(func() error { return relay.Run(gctx) })
				}
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr or 127.0.0.1:8080)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to server.base_path or /v1)")
	cmd.Flags().BoolVar(&legacyHeaders, "allow-legacy-headers", false, "accept X-Tenant-Id/X-Actor-Id without a token")
	cmd.Flags().BoolVar(&noRelay, "no-relay", false, "do not run the event relay")
	return cmd
}

// --- helpers ---

func newRelay(e engine.Engine) (events.Relay, error) {
	bus, err := events.NewBusFromConfig(e.Config.Events, e.Logger)
	if err != nil {
		return events.Relay{}, fmt.Errorf("event bus: %w", err)
	}
	return events.Relay{
		Repo:      e.Repo,
		Bus:       bus,
		Interval:  e.Config.RelayInterval(),
		BatchSize: e.Config.BatchSize(),
		Logger:    e.Logger,
	}, nil
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	_, cfg, err := app.ResolveTenantAndConfig(workspace, viper.GetString("tenant"))
	if err != nil {
		return err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	e.Logger = slog.Default()
	return fn(ctx, e)
}

func actorID() string { return viper.GetString("actor-id") }

func tenantID(e engine.Engine) string { return e.Config.Tenant.ID }

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseDate accepts YYYY-MM-DD or RFC 3339.
func parseDate(flag, raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	for _, layout := range []string{"2006-01-02", time.RFC3339} {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, fmt.Errorf("--%s: expected YYYY-MM-DD or RFC 3339, got %q", flag, raw)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format("2006-01-02")
}
