package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"readyline/internal/app"
	"readyline/internal/domain"
	"readyline/internal/engine"
	"readyline/internal/ladder"
	"readyline/internal/repo"
)

func unitCmd() *cobra.Command {
	unit := &cobra.Command{
		Use:   "unit",
		Short: "Manage units",
		Long:  "Units are RED until enough approved proofs exist and every hard upstream is GREEN. A manual block wins over everything.",
	}
	unit.AddCommand(unitCreateCmd())
	unit.AddCommand(unitListCmd())
	unit.AddCommand(unitShowCmd())
	unit.AddCommand(unitSimpleCmd("confirm", "Confirm a unit so it counts in aggregation and escalation", func(ctx context.Context, e engine.Engine, id string) (domain.Unit, error) {
		return e.ConfirmUnit(ctx, id, actorID())
	}))
	unit.AddCommand(unitSimpleCmd("archive", "Archive a unit", func(ctx context.Context, e engine.Engine, id string) (domain.Unit, error) {
		return e.ArchiveUnit(ctx, id, actorID())
	}))
	unit.AddCommand(unitSimpleCmd("unblock", "Remove a manual block", func(ctx context.Context, e engine.Engine, id string) (domain.Unit, error) {
		return e.UnblockUnit(ctx, id, actorID())
	}))
	unit.AddCommand(unitBlockCmd())
	unit.AddCommand(unitRequirementsCmd())
	unit.AddCommand(unitDeadlineCmd())
	unit.AddCommand(unitLadderCmd())
	unit.AddCommand(unitRecomputeCmd())
	unit.AddCommand(unitHistoryCmd())
	return unit
}

type requirementFlags struct {
	count            int
	types            []string
	reviewerApproval bool
	referenceNumber  bool
	expiryDate       bool
}

func (f *requirementFlags) bind(cmd *cobra.Command) {
	cmd.Flags().IntVar(&f.count, "count", 1, "approved proofs required")
	cmd.Flags().StringSliceVar(&f.types, "types", nil, "accepted proof types (photo,video,document,link); empty accepts all")
	cmd.Flags().BoolVar(&f.reviewerApproval, "reviewer-approval", true, "proofs need reviewer approval")
	cmd.Flags().BoolVar(&f.referenceNumber, "require-reference", false, "proofs must carry a reference number")
	cmd.Flags().BoolVar(&f.expiryDate, "require-expiry", false, "proofs must carry an expiry date")
}

func (f *requirementFlags) requirement() domain.ProofRequirement {
	req := domain.ProofRequirement{
		Count:                    f.count,
		RequiresReviewerApproval: f.reviewerApproval,
		RequiresReferenceNumber:  f.referenceNumber,
		RequiresExpiryDate:       f.expiryDate,
	}
	for _, t := range f.types {
		req.Types = append(req.Types, domain.ProofType(strings.ToLower(strings.TrimSpace(t))))
	}
	return req
}

// parseDeadline accepts an RFC3339 timestamp, a YYYY-MM-DD date (end of day
// UTC) or a duration from now such as 72h.
func parseDeadline(v string, now time.Time) (time.Time, error) {
	v = strings.TrimSpace(v)
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.DateOnly, v); err == nil {
		return t.Add(24*time.Hour - time.Second), nil
	}
	if d, err := time.ParseDuration(v); err == nil {
		return now.Add(d), nil
	}
	return time.Time{}, fmt.Errorf("invalid deadline %q: want RFC3339, YYYY-MM-DD or a duration", v)
}

func unitCreateCmd() *cobra.Command {
	var id, workstream, title, owner, ladderKind, deadline string
	var thresholds []float64
	var critical bool
	var req requirementFlags
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a unit",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.UnitCreateOptions{
				ID:              id,
				WorkstreamID:    workstream,
				Title:           title,
				OwnerName:       owner,
				Requirement:     req.requirement(),
				HighCriticality: critical,
				ActorID:         actorID(),
			}
			if cmd.Flags().Changed("ladder") || len(thresholds) > 0 {
				l, err := ladder.Parse(ladderKind, thresholds)
				if err != nil {
					return err
				}
				opts.Ladder = &l
			}
			if deadline != "" {
				d, err := parseDeadline(deadline, time.Now().UTC())
				if err != nil {
					return err
				}
				opts.Deadline = &d
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.CreateUnit(ctx, opts)
				if err != nil {
					return err
				}
				return printJSON(u)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "unit id (generated when empty)")
	cmd.Flags().StringVar(&workstream, "workstream", "", "workstream id")
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&owner, "owner", "", "owner name")
	cmd.Flags().BoolVar(&critical, "high-criticality", false, "approval needs an elevated role")
	cmd.Flags().StringVar(&ladderKind, "ladder", "STANDARD", "escalation ladder: STANDARD, CRITICAL or CUSTOM")
	cmd.Flags().Float64SliceVar(&thresholds, "thresholds", nil, "CUSTOM ladder thresholds in percent")
	cmd.Flags().StringVar(&deadline, "deadline", "", "required-by deadline")
	req.bind(cmd)
	_ = cmd.MarkFlagRequired("workstream")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func unitListCmd() *cobra.Command {
	var f repo.UnitFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List units",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				f.OrgID = c.OrgID()
				f.Status = strings.ToUpper(f.Status)
				units, err := c.Engine.Repo.ListUnits(ctx, f)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(units))
				for _, u := range units {
					deadline := ""
					if u.Deadline != nil {
						deadline = *u.Deadline
					}
					rows = append(rows, table.Row{u.ID, u.WorkstreamID, u.Title, u.Status, u.EscalationLevel, deadline, u.Confirmed})
				}
				return printTable(units, table.Row{"ID", "Workstream", "Title", "Status", "Level", "Deadline", "Confirmed"}, rows)
			})
		},
	}
	cmd.Flags().StringVar(&f.WorkstreamID, "workstream", "", "workstream filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter (RED, GREEN, BLOCKED)")
	cmd.Flags().BoolVar(&f.IncludeArchived, "archived", false, "include archived units")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func unitShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a unit with proofs, dependencies and escalations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.GetUnitView(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(v)
				}
				u := v.Unit
				fmt.Printf("Unit: %s %q (%s)\n", u.ID, u.Title, u.Status)
				if u.Blocked {
					fmt.Printf("Blocked by %s: %s\n", u.BlockedBy, u.BlockReason)
				}
				fmt.Printf("Proofs: %d/%d qualifying (%d pending, %d rejected)\n", v.Proofs.Qualifying, u.Requirement.Count, v.Proofs.Pending, v.Proofs.Rejected)
				if len(v.MissingTypes) > 0 {
					fmt.Printf("Missing types: %v\n", v.MissingTypes)
				}
				if v.PercentElapsed != nil {
					fmt.Printf("Elapsed: %.1f%% of window, escalation level %d\n", *v.PercentElapsed, u.EscalationLevel)
				}
				if len(v.Dependencies) > 0 {
					rows := make([]table.Row, 0, len(v.Dependencies))
					for _, d := range v.Dependencies {
						rows = append(rows, table.Row{d.UpstreamID, d.Type, d.UpstreamStatus, d.Satisfied})
					}
					if err := printTable(v.Dependencies, table.Row{"Upstream", "Type", "Status", "Satisfied"}, rows); err != nil {
						return err
					}
				}
				for _, esc := range v.ActiveEscalations {
					fmt.Printf("Escalation %s: level %d (%s) at %s\n", esc.ID, esc.Level, esc.State, esc.TriggeredAt)
				}
				return nil
			})
		},
	}
}

func unitSimpleCmd(use, short string, fn func(context.Context, engine.Engine, string) (domain.Unit, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := fn(ctx, e, args[0])
				if err != nil {
					return err
				}
				return printJSON(u)
			})
		},
	}
}

func unitBlockCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "block <id>",
		Short: "Block a unit with a reason",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.BlockUnit(ctx, args[0], actorID(), reason)
				if err != nil {
					return err
				}
				return printJSON(u)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the unit cannot proceed")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func unitRequirementsCmd() *cobra.Command {
	var req requirementFlags
	var critical bool
	cmd := &cobra.Command{
		Use:   "requirements <id>",
		Short: "Replace the proof requirement of a unit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var criticalPtr *bool
			if cmd.Flags().Changed("high-criticality") {
				criticalPtr = &critical
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.UpdateUnitRequirements(ctx, args[0], actorID(), req.requirement(), criticalPtr)
				if err != nil {
					return err
				}
				return printJSON(u)
			})
		},
	}
	req.bind(cmd)
	cmd.Flags().BoolVar(&critical, "high-criticality", false, "approval needs an elevated role")
	return cmd
}

func unitDeadlineCmd() *cobra.Command {
	var clearDeadline bool
	cmd := &cobra.Command{
		Use:   "deadline <id> [deadline]",
		Short: "Set or clear the required-by deadline",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var deadline *time.Time
			if !clearDeadline {
				if len(args) < 2 {
					return fmt.Errorf("deadline required (or --clear)")
				}
				d, err := parseDeadline(args[1], time.Now().UTC())
				if err != nil {
					return err
				}
				deadline = &d
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.SetDeadline(ctx, args[0], actorID(), deadline)
				if err != nil {
					return err
				}
				return printJSON(u)
			})
		},
	}
	cmd.Flags().BoolVar(&clearDeadline, "clear", false, "remove the deadline")
	return cmd
}

func unitLadderCmd() *cobra.Command {
	var thresholds []float64
	cmd := &cobra.Command{
		Use:   "ladder <id> <STANDARD|CRITICAL|CUSTOM>",
		Short: "Change the escalation ladder",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := ladder.Parse(args[1], thresholds)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.SetLadder(ctx, args[0], actorID(), l)
				if err != nil {
					return err
				}
				return printJSON(u)
			})
		},
	}
	cmd.Flags().Float64SliceVar(&thresholds, "thresholds", nil, "CUSTOM ladder thresholds in percent")
	return cmd
}

func unitRecomputeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recompute <id>",
		Short: "Re-evaluate a unit and cascade to dependents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				transitions, err := e.Recompute(ctx, args[0], actorID(), "")
				if err != nil {
					return err
				}
				if len(transitions) == 0 && !viper.GetBool("json") {
					fmt.Println("no status change")
					return nil
				}
				return printTable(transitions, table.Row{"Unit", "From", "To", "Reason"}, transitionRows(transitions))
			})
		},
	}
}

func unitHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <id>",
		Short: "Show status events of a unit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListStatusEvents(ctx, args[0], limit)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, ev := range items {
					from := "-"
					if ev.OldStatus != nil {
						from = string(*ev.OldStatus)
					}
					actor := ""
					if ev.ActorID != nil {
						actor = *ev.ActorID
					}
					rows = append(rows, table.Row{ev.TS, from, ev.NewStatus, ev.Reason, actor})
				}
				return printTable(items, table.Row{"At", "From", "To", "Reason", "Actor"}, rows)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max events")
	return cmd
}

func transitionRows(transitions []engine.Transition) []table.Row {
	rows := make([]table.Row, 0, len(transitions))
	for _, t := range transitions {
		rows = append(rows, table.Row{t.UnitID, t.From, t.To, t.Reason})
	}
	return rows
}
