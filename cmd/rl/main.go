package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"readyline/internal/app"
	"readyline/internal/engine"
)

var rootCmd = &cobra.Command{
	Use:   "rl",
	Short: "Readyline CLI",
	Long: `Readyline tracks whether units of work are ready to execute.
Core concepts:
- Unit: an atomic piece of work owned by a workstream. Its status is RED, GREEN or BLOCKED.
- Proof: evidence attached to a unit (photo, video, document, link). Approved, valid proofs count towards the unit's requirement.
- Dependency: a hard edge keeps the downstream unit RED until the upstream is GREEN; soft edges are advisory.
- Ladder: percentage-of-time thresholds that escalate a RED unit with a deadline to leads, managers and executives.
- Workstream: aggregates its confirmed units; any BLOCKED unit blocks it, any RED makes it RED.
- Event log: every mutation is recorded, view with 'rl log tail'.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

func initConfig() {
	workspace, _ := rootCmd.PersistentFlags().GetString("workspace")
	// A missing .env is normal.
	_ = godotenv.Load(filepath.Join(workspace, ".env"))
	viper.SetEnvPrefix("READYLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "actor identifier")
	flags.String("org", "", "org id (overrides readyline.yml)")
	flags.String("log-level", "warn", "log level: debug, info, warn, error")
	flags.String("log-format", "text", "log format: text or json")
	for _, name := range []string{"workspace", "json", "actor-id", "org", "log-level", "log-format"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(orgCmd())
	rootCmd.AddCommand(roleCmd())
	rootCmd.AddCommand(programCmd())
	rootCmd.AddCommand(workstreamCmd())
	rootCmd.AddCommand(unitCmd())
	rootCmd.AddCommand(proofCmd())
	rootCmd.AddCommand(depCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(escalationCmd())
	rootCmd.AddCommand(notifyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- helpers ---

func newLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		level = slog.LevelWarn
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(viper.GetString("log-format"), "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func actorID() string {
	return strings.TrimSpace(viper.GetString("actor-id"))
}

func withApp(ctx context.Context, fn func(context.Context, *app.Context) error) error {
	c, err := app.Open(ctx, app.Options{
		Workspace:   viper.GetString("workspace"),
		OrgOverride: viper.GetString("org"),
		Logger:      newLogger(),
	})
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(ctx, c)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withApp(ctx, func(ctx context.Context, c *app.Context) error {
		return fn(ctx, c.Engine)
	})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printTable renders rows unless --json is set, in which case v is printed.
func printTable(v any, header table.Row, rows []table.Row) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	tw.AppendRows(rows)
	tw.Render()
	return nil
}

// printWithTransitions prints an entity followed by the status changes its
// mutation caused.
func printWithTransitions(key string, v any, transitions []engine.Transition) error {
	if viper.GetBool("json") {
		if transitions == nil {
			transitions = []engine.Transition{}
		}
		return printJSON(map[string]any{key: v, "transitions": transitions})
	}
	if err := printJSON(v); err != nil {
		return err
	}
	if len(transitions) == 0 {
		return nil
	}
	return printTable(transitions, table.Row{"Unit", "From", "To", "Reason"}, transitionRows(transitions))
}

// exitCode maps governance refusals to 3 and everything else to 1 so
// scripts can tell a rule violation from a failure.
func exitCode(err error) int {
	if _, ok := engine.AsGovernance(err); ok {
		return 3
	}
	if errors.Is(err, app.ErrNoWorkspace) {
		return 2
	}
	return 1
}

func setEnvValue(path, key, value string) error {
	env, err := godotenv.Read(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		env = map[string]string{}
	}
	env[key] = value
	return godotenv.Write(env, path)
}
