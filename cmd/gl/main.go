package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"groomline/internal/app"
	"groomline/internal/config"
	"groomline/internal/db"
	"groomline/internal/domain"
	"groomline/internal/engine"
	"groomline/internal/events"
	"groomline/internal/logging"
	"groomline/internal/migrate"
	"groomline/internal/server"
	groomlinesdk "groomline/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "gl",
	Short: "groomline CLI",
	Long: `groomline keeps a shared backlog groomed for humans and agents.
- Items: work with provenance, skills, effort, risk and blockers. Near-duplicates merge on submit.
- Backlog: items ranked by customer value, unblock impact, worker availability and learning value.
- Workflow: new -> ready -> in_progress -> waiting_for_review -> approved -> done -> archived; risky starts wait on a gate.
- Workers: pull the best item their skills and capacity allow.
- Locks: exclusive or shared leases on files and other artifacts, held through 'gl serve'.
- Event log: every change with its actor; read any past version with 'gl backlog --at'.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("GROOMLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	pf := rootCmd.PersistentFlags()
	pf.StringP("workspace", "w", ".", "workspace directory")
	pf.String("config", "", "config file (defaults to groomline.yml in the workspace; .toml accepted)")
	pf.Bool("json", false, "output JSON")
	pf.String("actor-id", "local-user", "actor identifier")
	pf.String("log-level", "warn", "log level: debug, info, warn, error")
	pf.String("log-format", "console", "log format: json or console")
	pf.String("server", "http://127.0.0.1:8080", "server URL for commands that need a running gl serve")
	pf.String("token", "", "bearer token for --server (falls back to X-Actor-Id)")
	pf.String("jwt-secret", "", "HS256 secret for bearer tokens")
	for _, name := range []string{"workspace", "config", "json", "actor-id", "log-level", "log-format", "server", "token", "jwt-secret"} {
		_ = viper.BindPFlag(name, pf.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(backlogCmd())
	rootCmd.AddCommand(showCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(revisionsCmd())
	rootCmd.AddCommand(transitionCmd())
	rootCmd.AddCommand(mergeCmd())
	rootCmd.AddCommand(dependCmd())
	rootCmd.AddCommand(gateCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(pullCmd())
	rootCmd.AddCommand(lockCmd())
	rootCmd.AddCommand(groomCmd())
	rootCmd.AddCommand(snapshotCmd())
	rootCmd.AddCommand(compactCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(dbCmd())
	rootCmd.AddCommand(tokenCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowActorHeader bool
	var webhookInterval time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server and the groomer",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" && !allowActorHeader {
				return fmt.Errorf("GROOMLINE_JWT_SECRET is required for bearer auth (or pass --allow-actor-header for local use)")
			}
			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer logger.Sync()
			unlock, err := lockWorkspace()
			if err != nil {
				return err
			}
			defer unlock()
			a, err := openApp(cmd.Context(), logger)
			if err != nil {
				return err
			}
			defer a.Close()

			handler, err := server.New(server.Config{
				Engine:   a.Engine,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: secret, AllowActorHeader: allowActorHeader},
				Logger:   logger.Named("http"),
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error { return a.Engine.Run(ctx) })
			g.Go(func() error { return server.NewDispatcher(a.Engine, logger, webhookInterval).Run(ctx) })
			if viper.GetString("config") == "" {
				g.Go(func() error {
					return config.Watch(ctx, config.Path(a.Workspace), logger.Named("config"), func(cfg *config.Config) {
						if err := a.Engine.SetConfig(cfg); err != nil {
							logger.Warn("config rejected", zap.Error(err))
							return
						}
						logger.Info("config reloaded")
					})
				})
			}
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			g.Go(func() error {
				logger.Info("serving", zap.String("addr", addr), zap.String("base_path", basePath))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			fmt.Printf("Serving groomline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "trust X-Actor-Id without a token")
	cmd.Flags().DurationVar(&webhookInterval, "webhook-interval", 2*time.Second, "webhook polling interval")
	return cmd
}

func submitCmd() *cobra.Command {
	var s engine.Submission
	var risk string
	var sources []string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a work item",
		RunE: func(cmd *cobra.Command, args []string) error {
			s.Risk = domain.RiskLevel(risk)
			for _, raw := range sources {
				src, err := parseSource(raw)
				if err != nil {
					return err
				}
				s.Provenance = append(s.Provenance, src)
			}
			return withWriteApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				s.Actor = viper.GetString("actor-id")
				res, err := a.Engine.Submit(ctx, s)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if res.Accepted {
					fmt.Printf("submitted %s at version %d\n", res.ID, res.Version)
				} else {
					fmt.Printf("merged into %s (similarity %.2f) at version %d\n", res.ID, res.Duplicate.Similarity, res.Version)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&s.ID, "id", "", "item id (generated when empty)")
	cmd.Flags().StringVar(&s.Title, "title", "", "title")
	cmd.Flags().StringVar(&s.Description, "description", "", "description")
	cmd.Flags().StringSliceVar(&s.RequiredSkills, "skill", nil, "required skill (repeatable)")
	cmd.Flags().StringSliceVar(&s.BlockedBy, "blocked-by", nil, "blocking item id (repeatable)")
	cmd.Flags().Float64Var(&s.EffortEstimate, "effort", 0, "effort estimate")
	cmd.Flags().Float64Var(&s.LearningValue, "learning", 0, "learning value in [0,1]")
	cmd.Flags().StringVar(&risk, "risk", "", "risk: low, medium, high, critical")
	cmd.Flags().StringSliceVar(&sources, "source", nil, "provenance as ref=customer_value, e.g. ticket-12=0.8 (repeatable)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func backlogCmd() *cobra.Command {
	var q engine.BacklogQuery
	var statuses []string
	var at uint64
	cmd := &cobra.Command{
		Use:   "backlog",
		Short: "Show the ranked backlog",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, s := range statuses {
				st := domain.Status(s)
				if !st.Valid() {
					return fmt.Errorf("unknown status %q", s)
				}
				q.Statuses = append(q.Statuses, st)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var b engine.Backlog
				if cmd.Flags().Changed("at") {
					var err error
					if b, err = a.Engine.ReadAt(ctx, domain.Version(at), q); err != nil {
						return err
					}
				} else {
					b = a.Engine.GetBacklog(ctx, q)
				}
				if viper.GetBool("json") {
					return printJSON(b)
				}
				tw := newTable()
				tw.SetTitle(fmt.Sprintf("backlog @ version %d", b.Version))
				tw.AppendHeader(table.Row{"#", "ID", "Title", "Status", "Score", "Assignee", "Why"})
				for i, e := range b.Entries {
					tw.AppendRow(table.Row{i + 1, e.Item.ID, e.Item.Title, e.Item.Status, fmt.Sprintf("%.3f", e.Score.Score), e.Item.AssignedTo, e.Score.Rationale})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "status filter (repeatable)")
	cmd.Flags().StringVar(&q.Skill, "skill", "", "required skill filter")
	cmd.Flags().StringVar(&q.AssignedTo, "assigned-to", "", "assignee filter")
	cmd.Flags().BoolVar(&q.IncludeArchived, "all", false, "include archived items")
	cmd.Flags().IntVar(&q.Limit, "limit", 0, "max rows")
	cmd.Flags().Uint64Var(&at, "at", 0, "read the backlog as of this version")
	return cmd
}

func showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show an item and its score",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				entry, err := a.Engine.GetItem(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(entry)
			})
		},
	}
}

func historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <id>",
		Short: "Events about an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				evts, err := a.Engine.GetHistory(ctx, args[0])
				if err != nil {
					return err
				}
				return printEvents(evts)
			})
		},
	}
}

func revisionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revisions <id>",
		Short: "Field changes of an item per version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				revs, err := a.Engine.Revisions(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(revs)
			})
		},
	}
}

func transitionCmd() *cobra.Command {
	var reason, assignTo string
	cmd := &cobra.Command{
		Use:   "transition <id> <trigger>",
		Short: "Apply a workflow trigger (mark_ready, start_work, submit_for_review, request_changes, approve, complete, cancel, archive)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWriteApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				applied, err := a.Engine.Transition(ctx, engine.TransitionRequest{
					ItemID:   args[0],
					Trigger:  args[1],
					Actor:    viper.GetString("actor-id"),
					Reason:   reason,
					AssignTo: assignTo,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(applied)
				}
				fmt.Printf("%s: %s -> %s\n", applied.Item.ID, applied.Outcome.From, applied.Item.Status)
				if g := applied.Outcome.Gate; g != nil {
					fmt.Printf("waiting on gate %s\n", g.Name)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded with the transition")
	cmd.Flags().StringVar(&assignTo, "assign-to", "", "worker to assign when work starts")
	return cmd
}

func mergeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "merge <id> <duplicate-id>",
		Short: "Merge a duplicate item; the earlier item survives",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWriteApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				it, err := a.Engine.Merge(ctx, args[0], args[1], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(it)
			})
		},
	}
}

func dependCmd() *cobra.Command {
	var on string
	var remove bool
	cmd := &cobra.Command{
		Use:   "depend <id>",
		Short: "Block an item on another (--remove drops the edge)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWriteApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				actor := viper.GetString("actor-id")
				var v domain.Version
				var err error
				if remove {
					v, err = a.Engine.RemoveDependency(ctx, on, args[0], actor)
				} else {
					v, err = a.Engine.AddDependency(ctx, on, args[0], actor)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"version": v})
				}
				fmt.Printf("version %d\n", v)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&on, "on", "", "blocking item id")
	cmd.Flags().BoolVar(&remove, "remove", false, "remove the dependency")
	_ = cmd.MarkFlagRequired("on")
	return cmd
}

func gateCmd() *cobra.Command {
	gate := &cobra.Command{Use: "gate", Short: "Review gates on risky work"}
	var decision, reason string
	decide := &cobra.Command{
		Use:   "decide <id> <gate>",
		Short: "Approve or reject a pending gate as --actor-id",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWriteApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				applied, err := a.Engine.DecideGate(ctx, args[0], args[1], decision, viper.GetString("actor-id"), reason)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(applied)
				}
				fmt.Printf("%s: %s\n", applied.Item.ID, applied.Item.Status)
				return nil
			})
		},
	}
	decide.Flags().StringVar(&decision, "decision", "", "approved or rejected")
	decide.Flags().StringVar(&reason, "reason", "", "reason")
	_ = decide.MarkFlagRequired("decision")
	gate.AddCommand(decide)
	return gate
}

func workerCmd() *cobra.Command {
	w := &cobra.Command{Use: "worker", Short: "Manage workers"}
	var skills []string
	add := &cobra.Command{
		Use:   "add <id>",
		Short: "Register a worker or replace its skills",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWriteApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				wk, err := a.Engine.RegisterWorker(ctx, engine.WorkerSpec{ID: args[0], Skills: skills, Actor: viper.GetString("actor-id")})
				if err != nil {
					return err
				}
				return printJSONOrTable(wk)
			})
		},
	}
	add.Flags().StringSliceVar(&skills, "skill", nil, "skill (repeatable)")
	list := &cobra.Command{
		Use:   "list",
		Short: "List workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				workers := a.Engine.Workers(ctx)
				if viper.GetBool("json") {
					return printJSON(workers)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Skills", "Capacity", "Status", "Assigned"})
				for _, wk := range workers {
					tw.AppendRow(table.Row{wk.ID, strings.Join(wk.Skills, ","), fmt.Sprintf("%.2f", wk.Capacity), wk.Status, strings.Join(wk.Assigned, ",")})
				}
				tw.Render()
				return nil
			})
		},
	}
	w.AddCommand(add, list)
	return w
}

func pullCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pull <worker-id>",
		Short: "Assign the best suitable item to a worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWriteApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.PullNext(ctx, args[0], viper.GetString("actor-id"))
				var none domain.NoSuitableWorkError
				if errors.As(err, &none) && !viper.GetBool("json") {
					fmt.Println("no suitable work")
					for _, id := range p.Gated {
						fmt.Printf("  %s is waiting on a gate\n", id)
					}
					return nil
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				fmt.Printf("%s pulled %s (%s), score %.3f\n", args[0], p.Item.ID, p.Item.Title, p.Score.Score)
				return nil
			})
		},
	}
}

// lockCmd talks to a running server: locks live in the serving process.
func lockCmd() *cobra.Command {
	l := &cobra.Command{Use: "lock", Short: "Locks on shared artifacts, held by a running gl serve"}
	var req groomlinesdk.LockRequest
	acquire := &cobra.Command{
		Use:   "acquire <resource>",
		Short: "Acquire a lock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.ResourceID = args[0]
			lk, err := sdkClient().AcquireLock(cmd.Context(), req)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(lk)
			}
			fmt.Printf("%s held %s until %s\ntoken %s\n", lk.ResourceID, lk.Mode, lk.ExpiresAt.Format(time.RFC3339), lk.Token)
			return nil
		},
	}
	acquire.Flags().StringVar(&req.Mode, "mode", "exclusive", "exclusive or shared")
	acquire.Flags().StringVar(&req.Wait, "wait", "", "how long to wait, e.g. 10s")
	acquire.Flags().StringVar(&req.TTL, "ttl", "", "lease length, e.g. 15m")
	release := &cobra.Command{
		Use:   "release <token>",
		Short: "Release a lock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return sdkClient().ReleaseLock(cmd.Context(), args[0])
		},
	}
	list := &cobra.Command{
		Use:   "list <resource>",
		Short: "Current holders of a resource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			locks, err := sdkClient().Locks(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(locks)
			}
			tw := newTable()
			tw.AppendHeader(table.Row{"Holder", "Mode", "Expires", "Token"})
			for _, lk := range locks {
				tw.AppendRow(table.Row{lk.HolderID, lk.Mode, lk.ExpiresAt.Format(time.RFC3339), lk.Token})
			}
			tw.Render()
			return nil
		},
	}
	l.AddCommand(acquire, release, list)
	return l
}

func groomCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "groom",
		Short: "Run one grooming cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWriteApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rep, err := a.Engine.Groom(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Groomed", "Merged", "Linked", "Promoted", "Archived", "Gates escalated", "Gates expired", "Median score", "Watermark"})
				tw.AppendRow(table.Row{rep.Groomed, rep.Merged, rep.Linked, rep.Promoted, rep.Archived, rep.GatesEscalated, rep.GatesExpired, fmt.Sprintf("%.3f", rep.MedianScore), rep.Watermark})
				tw.Render()
				return nil
			})
		},
	}
}

func snapshotCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot",
		Short: "Show the current version and persisted snapshots",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				recs, err := a.Repo.ListSnapshots(ctx)
				if err != nil {
					return err
				}
				head := a.Engine.Snapshot()
				if viper.GetBool("json") {
					out := make([]server.SnapshotResponse, 0, len(recs))
					for _, r := range recs {
						out = append(out, snapshotRow(r.Version, r.CreatedAt, r.Items, r.Workers, r.Checksum))
					}
					return printJSON(map[string]any{"version": head, "snapshots": out})
				}
				fmt.Printf("version %d\n", head)
				tw := newTable()
				tw.AppendHeader(table.Row{"Version", "Created", "Items", "Workers", "Checksum"})
				for _, r := range recs {
					tw.AppendRow(table.Row{r.Version, r.CreatedAt.Format(time.RFC3339), r.Items, r.Workers, r.Checksum})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func snapshotRow(v domain.Version, at time.Time, items, workers int, sum string) server.SnapshotResponse {
	return server.SnapshotResponse{Version: v, CreatedAt: at, Items: items, Workers: workers, Checksum: sum}
}

func compactCmd() *cobra.Command {
	var keep int
	cmd := &cobra.Command{
		Use:   "compact",
		Short: "Persist a compacted snapshot of the current state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWriteApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rec, err := a.Engine.Compact(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				pruned := 0
				if keep > 0 {
					if pruned, err = a.Repo.PruneSnapshots(ctx, keep); err != nil {
						return err
					}
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"snapshot": snapshotRow(rec.Version, rec.CreatedAt, rec.Items, rec.Workers, rec.Checksum),
						"pruned":   pruned,
					})
				}
				fmt.Printf("snapshot at version %d: %d items, %d workers, %d bytes (pruned %d)\n", rec.Version, rec.Items, rec.Workers, len(rec.Data), pruned)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&keep, "keep", 0, "keep only the newest N snapshots")
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Read the event log"}
	var q events.Query
	var since string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Most recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			if since != "" {
				d, err := time.ParseDuration(since)
				if err != nil {
					return fmt.Errorf("--since: %w", err)
				}
				q.Since = time.Now().Add(-d)
			}
			q.Descending = true
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return printEvents(a.Engine.Events(ctx, q))
			})
		},
	}
	tail.Flags().IntVarP(&q.Limit, "n", "n", 20, "number of events")
	tail.Flags().StringVar(&q.Type, "type", "", "event type filter")
	tail.Flags().StringVar(&q.EntityID, "entity-id", "", "entity id filter")
	tail.Flags().StringVar(&since, "since", "", "only events newer than this, e.g. 1h")
	lg.AddCommand(tail)
	return lg
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config holds the scoring weights, duplicate thresholds, gate rules, lock TTLs and grooming schedule. It lives in groomline.yml and is reloaded by a running server when edited.",
	}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default groomline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	show := &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSONOrTable(c)
		},
	}
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfig()
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	schema := &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON schema of groomline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printJSON(config.Schema())
		},
	}
	cfg.AddCommand(initCmd, show, validate, schema)
	return cfg
}

func dbCmd() *cobra.Command {
	d := &cobra.Command{Use: "db", Short: "Workspace database"}
	status := &cobra.Command{
		Use:   "status",
		Short: "Show schema version and event count",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			current, err := migrate.Current(cmd.Context(), conn)
			if err != nil {
				return err
			}
			latest, err := migrate.Latest()
			if err != nil {
				return err
			}
			var count int
			if current > 0 {
				if err := conn.QueryRowContext(cmd.Context(), `SELECT COUNT(*) FROM events`).Scan(&count); err != nil {
					return err
				}
			}
			return printJSONOrTable(map[string]any{
				"path":           db.Path(workspace),
				"schema_version": current,
				"latest_version": latest,
				"events":         count,
			})
		},
	}
	d.AddCommand(status)
	return d
}

func tokenCmd() *cobra.Command {
	var roles []string
	cmd := &cobra.Command{
		Use:   "token <actor>",
		Short: "Issue a bearer token for an actor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := server.IssueToken(viper.GetString("jwt-secret"), args[0], roles...)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role claim, e.g. architect (repeatable)")
	return cmd
}

// --- helpers ---

func newLogger() (*zap.Logger, error) {
	return logging.New(logging.Options{Level: viper.GetString("log-level"), Format: viper.GetString("log-format")})
}

func loadConfig() (*config.Config, error) {
	if path := viper.GetString("config"); path != "" {
		return config.FromFile(path)
	}
	return config.LoadOptional(viper.GetString("workspace"))
}

func openApp(ctx context.Context, logger *zap.Logger) (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return app.Open(ctx, app.Options{Workspace: viper.GetString("workspace"), Config: cfg, Logger: logger})
}

// lockWorkspace makes sure one process at a time appends to the workspace log.
func lockWorkspace() (func(), error) {
	workspace := viper.GetString("workspace")
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	fl := flock.New(db.LockPath(workspace))
	ok, err := fl.TryLock()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("workspace %s is in use by another gl process (a running gl serve takes writes over HTTP)", workspace)
	}
	return func() { _ = fl.Unlock() }, nil
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()
	a, err := openApp(ctx, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func withWriteApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	unlock, err := lockWorkspace()
	if err != nil {
		return err
	}
	defer unlock()
	return withApp(ctx, fn)
}

func sdkClient() *groomlinesdk.Client {
	c := groomlinesdk.New(viper.GetString("server"))
	c.BearerToken = viper.GetString("token")
	c.ActorID = viper.GetString("actor-id")
	return c
}

func parseSource(raw string) (domain.Source, error) {
	ref, value, ok := strings.Cut(raw, "=")
	if !ok {
		return domain.Source{}, fmt.Errorf("--source %q: want ref=customer_value", raw)
	}
	cv, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return domain.Source{}, fmt.Errorf("--source %q: %w", raw, err)
	}
	return domain.Source{Ref: strings.TrimSpace(ref), CustomerValue: cv}, nil
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func printEvents(evts []domain.Event) error {
	if viper.GetBool("json") {
		return printJSON(evts)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"Seq", "Time", "Type", "Actor", "Entity"})
	for _, e := range evts {
		tw.AppendRow(table.Row{e.Seq, e.TS.Format(time.RFC3339), e.Type, e.Actor, e.EntityID})
	}
	tw.Render()
	return nil
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
