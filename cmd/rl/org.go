package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"readyline/internal/app"
	"readyline/internal/config"
	"readyline/internal/engine"
	"readyline/internal/identity"
)

func initCmd() *cobra.Command {
	var orgID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		Long:  "Writes readyline.yml for the org (unless one exists), creates the database and makes the current actor an executive.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if orgID == "" {
				orgID = viper.GetString("org")
			}
			c, created, err := app.Init(cmd.Context(), viper.GetString("workspace"), orgID, actorID(), newLogger())
			if err != nil {
				return err
			}
			defer c.Close()
			out := map[string]any{
				"org_id":         c.OrgID(),
				"config":         config.Path(viper.GetString("workspace")),
				"config_created": created,
				"executive":      actorID(),
			}
			if viper.GetBool("json") {
				return printJSON(out)
			}
			if created {
				fmt.Printf("Wrote %s\n", out["config"])
			}
			fmt.Printf("Workspace ready for org %s; %s is executive\n", c.OrgID(), actorID())
			return nil
		},
	}
	cmd.Flags().StringVar(&orgID, "org-id", "", "org id")
	return cmd
}

func orgCmd() *cobra.Command {
	org := &cobra.Command{Use: "org", Short: "Org settings"}
	org.AddCommand(&cobra.Command{
		Use:   "use <org-id>",
		Short: "Set READYLINE_ORG in the workspace .env",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orgID := strings.TrimSpace(args[0])
			path := filepath.Join(viper.GetString("workspace"), ".env")
			if err := setEnvValue(path, "READYLINE_ORG", orgID); err != nil {
				return err
			}
			fmt.Printf("Set READYLINE_ORG=%s in %s\n", orgID, path)
			return nil
		},
	})
	return org
}

func roleCmd() *cobra.Command {
	role := &cobra.Command{
		Use:   "role",
		Short: "Manage actor roles",
		Long:  "Roles drive approval rights (elevated roles), trust (trusted roles) and escalation recipients.",
	}
	role.AddCommand(roleAssignCmd())
	role.AddCommand(roleRevokeCmd())
	role.AddCommand(roleListCmd())
	return role
}

func roleAssignCmd() *cobra.Command {
	var name, email string
	cmd := &cobra.Command{
		Use:   "assign <actor> <role>",
		Short: "Grant a role",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				profile := identity.ActorProfile{DisplayName: name, Email: email}
				if err := c.Identity.AssignRole(ctx, c.OrgID(), args[0], args[1], profile); err != nil {
					return err
				}
				fmt.Printf("%s is now %s in %s\n", args[0], args[1], c.OrgID())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&email, "email", "", "notification address")
	return cmd
}

func roleRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <actor> <role>",
		Short: "Remove a role",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				return c.Identity.RevokeRole(ctx, c.OrgID(), args[0], args[1])
			})
		},
	}
}

func roleListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List members and their roles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				members, err := c.Identity.ListMembers(ctx, c.OrgID())
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(members))
				for _, m := range members {
					rows = append(rows, table.Row{m.ActorID, m.DisplayName, m.Email, strings.Join(m.Roles, ",")})
				}
				return printTable(members, table.Row{"Actor", "Name", "Email", "Roles"}, rows)
			})
		},
	}
}

func programCmd() *cobra.Command {
	prg := &cobra.Command{Use: "program", Short: "Manage programs"}
	prg.AddCommand(&cobra.Command{
		Use:   "create <id> [name]",
		Short: "Create a program",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if len(args) > 1 {
				name = args[1]
			}
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				p, err := c.Engine.CreateProgram(ctx, c.OrgID(), args[0], name, actorID())
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	})
	prg.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List programs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				items, err := c.Engine.Repo.ListPrograms(ctx, c.OrgID())
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, p := range items {
					rows = append(rows, table.Row{p.ID, p.Name, p.CreatedBy, p.CreatedAt})
				}
				return printTable(items, table.Row{"ID", "Name", "Created By", "Created At"}, rows)
			})
		},
	})
	return prg
}

func workstreamCmd() *cobra.Command {
	ws := &cobra.Command{
		Use:     "workstream",
		Aliases: []string{"ws"},
		Short:   "Manage workstreams",
	}
	var program string
	create := &cobra.Command{
		Use:   "create <id> [name]",
		Short: "Create a workstream in a program",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if len(args) > 1 {
				name = args[1]
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.CreateWorkstream(ctx, program, args[0], name, actorID())
				if err != nil {
					return err
				}
				return printJSON(w)
			})
		},
	}
	create.Flags().StringVar(&program, "program", "", "program id")
	_ = create.MarkFlagRequired("program")

	var listProgram string
	list := &cobra.Command{
		Use:   "list",
		Short: "List workstreams with their aggregate status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				items, err := c.Engine.Repo.ListWorkstreams(ctx, c.OrgID(), listProgram)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, w := range items {
					st := "-"
					if w.Status != nil {
						st = string(*w.Status)
					}
					rows = append(rows, table.Row{w.ID, w.ProgramID, w.Name, st})
				}
				return printTable(items, table.Row{"ID", "Program", "Name", "Status"}, rows)
			})
		},
	}
	list.Flags().StringVar(&listProgram, "program", "", "program filter")

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Show workstream status and unit counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.GetWorkstreamView(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(v)
				}
				st := "none (no confirmed units)"
				if v.Workstream.Status != nil {
					st = string(*v.Workstream.Status)
				}
				fmt.Printf("Workstream: %s (%s)\n", v.Workstream.ID, st)
				fmt.Printf("  total: %d  red: %d  green: %d  blocked: %d  stale: %d  unconfirmed: %d\n",
					v.Counts.Total, v.Counts.Red, v.Counts.Green, v.Counts.Blocked, v.Counts.Stale, v.Counts.Unconfirmed)
				return nil
			})
		},
	}
	ws.AddCommand(create, list, show)
	return ws
}
