package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	ossignal "os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"aegis/internal/app"
	"aegis/internal/config"
	"aegis/internal/db"
	"aegis/internal/domain"
	"aegis/internal/events"
	"aegis/internal/migrate"
	"aegis/internal/repo"
	"aegis/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "aegis",
	Short: "Aegis incident-response orchestrator",
	Long: `Aegis runs an incident through a fixed cycle of stages:
observe -> diagnose -> strategize -> review -> decide -> dispatch -> feedback -> check.
Gated stages ask for approval and fall back to auto-approval when nobody answers.
The decide stage takes a commander directive, or drafts one itself after a wait.
Unresolved incidents loop back to observe; resolved ones end with a retrospective.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		slog.SetDefault(newLogger(viper.GetString("log-level"), viper.GetString("log-format")))
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("AEGIS")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (defaults to <workspace>/aegis.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "text", "log format: text or json")
	for _, name := range []string{"workspace", "config", "json", "log-level", "log-format"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(archiveCmd())
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func loadConfig() (*config.Config, error) {
	return app.ResolveConfig(viper.GetString("workspace"), viper.GetString("config"))
}

func runCmd() *cobra.Command {
	var directive string
	var offline, interactive, noArchive bool
	var resolveAfter int
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one incident in the foreground",
		Long: `Run one incident and print its progress.
With --interactive, commands are read from stdin:
  d <text>            submit a directive
  approve [stage|id]  approve the pending request (the oldest when no target)
  reject [stage|id]   reject the pending request
  resolved            report the incident resolved
  unresolved          report the incident unresolved
  status              show the current stage and pending approvals
  stop                stop the run`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := slog.Default()
			mem, err := app.NewMemory(cfg)
			if err != nil {
				return err
			}
			hub := events.NewHub(256)
			emitters := events.Multi{hub}
			var r *repo.Repo
			if !noArchive {
				conn, err := openDB()
				if err != nil {
					return err
				}
				defer conn.Close()
				r = &repo.Repo{DB: conn}
				spool := events.NewSpool(events.Writer{DB: conn, Logger: logger}, 0)
				defer spool.Close()
				emitters = append(emitters, spool)
			}
			m := app.NewManager(cfg, app.NewCompleter(cfg, offline), emitters, mem, logger)
			m.Repo = r

			sub, cancelSub := hub.Subscribe("")
			defer cancelSub()
			run, err := m.Start(app.StartOptions{Directive: directive})
			if err != nil {
				return err
			}
			go func() {
				<-cmd.Context().Done()
				run.Stop()
			}()
			go watchRun(run, sub, resolveAfter, !viper.GetBool("json"))
			if interactive {
				go console(cmd.Context(), run, os.Stdin)
			}

			final, runErr := run.Wait(context.Background())
			if viper.GetBool("json") {
				if err := printJSON(map[string]any{"run": run.Info(), "record": final}); err != nil {
					return err
				}
			} else {
				printAudit(final.AuditLog)
				if final.Retrospective != nil {
					fmt.Println("\nRetrospective:")
					fmt.Println(*final.Retrospective)
				}
			}
			return runErr
		},
	}
	cmd.Flags().StringVar(&directive, "directive", "", "directive queued for the first decide stage")
	cmd.Flags().BoolVar(&offline, "offline", false, "use the offline completion responder")
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "read commander commands from stdin")
	cmd.Flags().IntVar(&resolveAfter, "resolve-after", 0, "report the incident resolved at the check stage of this cycle (1-based, 0 disables)")
	cmd.Flags().BoolVar(&noArchive, "no-archive", false, "do not write notifications or the run archive")
	return cmd
}

// watchRun prints notifications and delivers the scripted resolution.
func watchRun(run *app.Run, sub <-chan events.Notification, resolveAfter int, verbose bool) {
	for n := range sub {
		if n.RunID != run.ID() {
			continue
		}
		if verbose {
			fmt.Println(describe(n))
		}
		if n.Name == events.StageStarted && n.Payload["stage"] == string(domain.StageCheck) && resolveAfter > 0 {
			if cycle, ok := n.Payload["cycle"].(int); ok && cycle+1 >= resolveAfter {
				if _, err := run.Resolve(true); err != nil {
					slog.Warn("scripted resolution", "err", err)
				}
			}
		}
		switch n.Name {
		case events.RunCompleted, events.RunFailed, events.RunStopped:
			return
		}
	}
}

func describe(n events.Notification) string {
	at := n.At.Local().Format("15:04:05")
	switch n.Name {
	case events.StageStarted, events.StageCompleted:
		return fmt.Sprintf("%s [cycle %v] %s %v", at, n.Payload["cycle"], n.Name, n.Payload["stage"])
	case events.ApprovalRequested:
		return fmt.Sprintf("%s approval requested by %v (%v): %v", at, n.Payload["requester"], shortID(fmt.Sprint(n.Payload["request_id"])), n.Payload["action"])
	case events.ApprovalDecided:
		return fmt.Sprintf("%s approval %v %v by %v", at, shortID(fmt.Sprint(n.Payload["request_id"])), n.Payload["status"], n.Payload["decided_by"])
	}
	if len(n.Payload) == 0 {
		return fmt.Sprintf("%s %s", at, n.Name)
	}
	b, _ := json.Marshal(n.Payload)
	return fmt.Sprintf("%s %s %s", at, n.Name, b)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func printAudit(log []domain.AuditEntry) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"#", "Cycle", "Stage", "Entry"})
	for _, e := range log {
		tw.AppendRow(table.Row{e.Seq, e.Cycle, e.Stage, e.Text})
	}
	tw.Render()
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var offline bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := slog.Default()
			conn, err := openDB()
			if err != nil {
				return err
			}
			defer conn.Close()
			r := &repo.Repo{DB: conn}
			mem, err := app.NewMemory(cfg)
			if err != nil {
				return err
			}
			hub := events.NewHub(256)
			spool := events.NewSpool(events.Writer{DB: conn, Logger: logger}, 0)
			defer spool.Close()
			emitter := events.Multi{hub, spool}
			m := app.NewManager(cfg, app.NewCompleter(cfg, offline), emitter, mem, logger)
			m.Repo = r
			handler, err := server.New(server.Config{Manager: m, Repo: r, Hub: hub, BasePath: basePath, Logger: logger})
			if err != nil {
				return err
			}
			server.StartWebhooks(cmd.Context(), r, cfg.Webhooks, logger)

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := m.Shutdown(ctx); err != nil {
					logger.Warn("stop runs", "err", err)
				}
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Aegis API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&offline, "offline", false, "use the offline completion responder")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage aegis.yml",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default aegis.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.MkdirAll(workspace, 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Notification log",
		Long:  "Every notification emitted by runs in this workspace: stage transitions, approvals, directives.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, runID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.LatestEvents(ctx, n, runID, evtType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Run", "Payload"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, shortID(e.RunID), e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of notifications")
	cmd.Flags().StringVar(&evtType, "type", "", "notification type filter")
	cmd.Flags().StringVar(&runID, "run", "", "run id filter")
	return cmd
}

func archiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Archived runs",
	}
	cmd.AddCommand(archiveListCmd())
	cmd.AddCommand(archiveShowCmd())
	return cmd
}

func archiveListCmd() *cobra.Command {
	var n int
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List archived runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				runs, err := r.ListRuns(ctx, n, status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Status", "Cycles", "Resolved", "Started", "Ended"})
				for _, run := range runs {
					tw.AppendRow(table.Row{run.ID, run.Status, run.Cycles, run.Resolved, run.StartedAt, run.EndedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of runs")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func archiveShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show an archived run with its audit log and retrospective",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				run, err := r.GetRun(ctx, args[0])
				if err != nil {
					return fmt.Errorf("run %s: %w", args[0], err)
				}
				audit, err := r.RunAudit(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"run": run, "audit_log": audit})
				}
				fmt.Printf("Run %s: %s after %d cycle(s), resolved=%v\n", run.ID, run.Status, run.Cycles, run.Resolved)
				if run.Error != "" {
					fmt.Println("Error:", run.Error)
				}
				printAudit(audit)
				if run.Retrospective != "" {
					fmt.Println("\nRetrospective:")
					fmt.Println(run.Retrospective)
				}
				return nil
			})
		},
	}
}

// --- helpers ---

func openDB() (*sql.DB, error) {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, err := openDB()
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
