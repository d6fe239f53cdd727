package main

import (
	"context"
	"errors"
	"fmt"
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

	"readyline/internal/app"
	"readyline/internal/domain"
	"readyline/internal/engine"
	"readyline/internal/identity"
	"readyline/internal/notify"
	"readyline/internal/repo"
	"readyline/internal/scheduler"
	"readyline/internal/server"
)

func depCmd() *cobra.Command {
	dep := &cobra.Command{
		Use:   "dep",
		Short: "Manage dependencies between units",
		Long:  "A hard dependency keeps the downstream unit RED until the upstream is GREEN. Soft dependencies are shown but never gate.",
	}
	var typ string
	add := &cobra.Command{
		Use:   "add <downstream> <upstream>",
		Short: "Make downstream depend on upstream",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, transitions, err := e.AddDependency(ctx, engine.DependencyOptions{
					DownstreamID: args[0],
					UpstreamID:   args[1],
					Type:         domain.DependencyType(strings.ToLower(typ)),
					ActorID:      actorID(),
				})
				if err != nil {
					return err
				}
				return printWithTransitions("dependency", d, transitions)
			})
		},
	}
	add.Flags().StringVar(&typ, "type", "hard", "hard or soft")
	rm := &cobra.Command{
		Use:   "rm <downstream> <upstream>",
		Short: "Remove a dependency",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				transitions, err := e.RemoveDependency(ctx, args[0], args[1], actorID())
				if err != nil {
					return err
				}
				return printTable(transitions, table.Row{"Unit", "From", "To", "Reason"}, transitionRows(transitions))
			})
		},
	}
	dep.AddCommand(add, rm)
	return dep
}

func sweepCmd() *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one escalation sweep",
		Long:  "Refreshes units whose proofs expired, then escalates RED units with a deadline whose elapsed share crossed the next ladder threshold. Each sweep advances a unit at most one level.",
		RunE: func(cmd *cobra.Command, args []string) error {
			now := time.Now().UTC()
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("invalid --at: %w", err)
				}
				now = t
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.RunEscalationSweep(ctx, now)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if res.Skipped {
					fmt.Println("sweep skipped: another sweep holds the lock")
					return nil
				}
				fmt.Printf("checked %d units, refreshed %d, escalated %d, failures %d\n",
					res.UnitsChecked, res.UnitsRefreshed, res.EscalationsCreated, res.Failures)
				return printTable(res.Escalations, escalationHeader, escalationRows(res.Escalations))
			})
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "evaluate as of this RFC3339 time")
	return cmd
}

var escalationHeader = table.Row{"ID", "Unit", "Level", "Elapsed %", "Roles", "Recipients", "State"}

func escalationRows(items []domain.EscalationEvent) []table.Row {
	rows := make([]table.Row, 0, len(items))
	for _, e := range items {
		rows = append(rows, table.Row{e.ID, e.UnitID, e.Level, fmt.Sprintf("%.1f", e.PercentElapsed),
			strings.Join(e.TargetRoles, ","), strings.Join(e.Recipients, ","), e.State})
	}
	return rows
}

func escalationCmd() *cobra.Command {
	esc := &cobra.Command{Use: "escalation", Short: "Inspect and acknowledge escalations"}
	var unitID string
	var states []string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List escalations (active and acknowledged by default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				opts := engine.EscalationListOptions{OrgID: c.OrgID(), UnitID: unitID, Limit: limit}
				for _, s := range states {
					opts.States = append(opts.States, domain.EscalationState(strings.ToLower(s)))
				}
				items, err := c.Engine.ListEscalations(ctx, opts)
				if err != nil {
					return err
				}
				return printTable(items, escalationHeader, escalationRows(items))
			})
		},
	}
	list.Flags().StringVar(&unitID, "unit", "", "unit filter")
	list.Flags().StringSliceVar(&states, "state", nil, "active, acknowledged, resolved")
	list.Flags().IntVar(&limit, "limit", 100, "max rows")
	ack := &cobra.Command{
		Use:   "ack <escalation-id>",
		Short: "Acknowledge an escalation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ev, err := e.AcknowledgeEscalation(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printJSON(ev)
			})
		},
	}
	esc.AddCommand(list, ack)
	return esc
}

func newDispatcher(c *app.Context) *notify.Dispatcher {
	cfg := c.Config.Notifications
	return notify.NewDispatcher(c.Engine.Repo, notify.NewRouter(cfg, c.Logger), cfg, c.Logger)
}

func notifyCmd() *cobra.Command {
	n := &cobra.Command{Use: "notify", Short: "Deliver queued escalation notifications"}
	n.AddCommand(&cobra.Command{
		Use:   "dispatch",
		Short: "Deliver one batch of pending notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				res, err := newDispatcher(c).DispatchOnce(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("sent %d, retrying %d, failed %d\n", res.Sent, res.Retried, res.Failed)
				return nil
			})
		},
	})
	var escalationID, st string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListNotifications(ctx, escalationID, domain.NotificationStatus(st), limit)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, it := range items {
					rows = append(rows, table.Row{it.ID, it.Recipient, it.Channel, it.Priority, it.Status, it.Attempts, it.LastError})
				}
				return printTable(items, table.Row{"ID", "Recipient", "Channel", "Priority", "Status", "Attempts", "Last Error"}, rows)
			})
		},
	}
	list.Flags().StringVar(&escalationID, "escalation", "", "escalation filter")
	list.Flags().StringVar(&st, "status", "", "pending, sent or failed")
	list.Flags().IntVar(&limit, "limit", 50, "max rows")
	n.AddCommand(list)
	return n
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Audit log"}
	var f repo.EventFilters
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				f.OrgID = c.OrgID()
				items, err := c.Engine.Repo.ListEvents(ctx, f)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, ev := range items {
					rows = append(rows, table.Row{ev.ID, ev.TS, ev.Type, ev.EntityKind + ":" + ev.EntityID, ev.ActorID})
				}
				return printTable(items, table.Row{"ID", "At", "Type", "Entity", "Actor"}, rows)
			})
		},
	}
	tail.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	tail.Flags().Int64Var(&f.AfterID, "after", 0, "only events after this id")
	tail.Flags().StringVar(&f.Type, "type", "", "event type filter")
	tail.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	tail.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	l.AddCommand(tail)
	return l
}

// servePolicy gates the org-wide operations of the API.
var servePolicy = map[string][]string{
	"sweep.run":      {"program_manager", "executive"},
	"escalation.ack": {"workstream_lead", "program_manager", "executive"},
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noScheduler, noDispatcher bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, escalation scheduler and notification dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withApp(ctx, func(ctx context.Context, c *app.Context) error {
				secret := viper.GetString("jwt-secret")
				if secret == "" {
					return fmt.Errorf("READYLINE_JWT_SECRET is required for bearer auth")
				}
				if addr == "" {
					addr = c.Config.Server.Addr
				}
				if basePath == "" {
					basePath = c.Config.Server.BasePath
				}
				handler, err := server.New(server.Config{
					Engine:     c.Engine,
					BasePath:   basePath,
					Auth:       server.AuthConfig{JWTSecret: secret, DefaultOrg: c.OrgID()},
					Authorizer: identity.RolePolicy{Directory: c.Identity, Require: servePolicy},
					Logger:     c.Logger,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

				g, ctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					c.Logger.Info("serving readyline api", "addr", addr, "base_path", basePath)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
				if !noScheduler {
					g.Go(func() error {
						return scheduler.Scheduler{Sweeper: c.Engine, Interval: c.Config.Escalation.Interval, Logger: c.Logger}.Run(ctx)
					})
				}
				if !noDispatcher {
					g.Go(func() error {
						return newDispatcher(c).Run(ctx, c.Config.Notifications.PollInterval)
					})
				}
				fmt.Printf("Serving Readyline API on http://%s%s (OpenAPI at /openapi.json, metrics at /metrics)\n", addr, basePath)
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from readyline.yml)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from readyline.yml)")
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "do not run escalation sweeps")
	cmd.Flags().BoolVar(&noDispatcher, "no-dispatcher", false, "do not deliver notifications")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}
