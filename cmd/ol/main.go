package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"orderline/internal/app"
	"orderline/internal/config"
	"orderline/internal/db"
	"orderline/internal/domain"
	"orderline/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "ol",
	Short: "Orderline CLI",
	Long: `Orderline runs orders through external planning, worker and review scripts.
- Order: a unit of requested work, planned into tasks by the pm script.
- Task: moves QUEUED -> IN_PROGRESS -> DONE -> COMPLETED, with REWORK after a rejected review and BLOCKED while dependencies are pending.
- Job: one run of the pm, worker or review script; at most one per (project, order).
- Watch: poll an order's task statuses and detect crashed workers.
- Event log: every change, view with 'ol log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("ORDERLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.String("config", "", "config file (default <workspace>/orderline.yml)")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "actor identifier")
	flags.String("project", "", "project id (default: the only project)")
	flags.String("log-level", "", "log level override")
	for _, name := range []string{"workspace", "config", "json", "actor-id", "project", "log-level"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(orderCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tokenCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default orderline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSON(c)
		},
	})
	return cfg
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path := viper.GetString("config"); path != "" {
		cfg, err = config.FromFile(path)
	} else {
		cfg, err = config.LoadOptional(viper.GetString("workspace"))
	}
	if err != nil {
		return nil, err
	}
	if level := viper.GetString("log-level"); level != "" {
		cfg.Log.Level = level
	}
	return cfg, nil
}

// withApp opens the workspace services for the duration of fn.
func withApp(ctx context.Context, fn func(context.Context, *app.Context) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ac, err := app.Open(ctx, app.Options{
		Workspace: viper.GetString("workspace"),
		Config:    cfg,
		Log:       logging.New(cfg.Log.Level, cfg.Log.Format),
		Record:    true,
	})
	if err != nil {
		return err
	}
	defer ac.Close()
	return fn(ctx, ac)
}

func resolveProject(ctx context.Context, ac *app.Context) (string, error) {
	return app.ResolveProject(ctx, ac.Repo, viper.GetString("project"))
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

// since renders an RFC3339 stamp relative to now.
func since(ts *string) string {
	if ts == nil || *ts == "" {
		return ""
	}
	t, err := time.Parse(time.RFC3339, *ts)
	if err != nil {
		return *ts
	}
	return humanize.Time(t)
}

// colorStatus highlights a task status for terminal output.
func colorStatus(status string) string {
	switch status {
	case domain.StatusCompleted:
		return color.GreenString(status)
	case domain.StatusInProgress:
		return color.CyanString(status)
	case domain.StatusBlocked, domain.StatusRework:
		return color.YellowString(status)
	case domain.StatusDone:
		return color.BlueString(status)
	}
	if domain.IsTerminal(status) {
		return color.RedString(status)
	}
	return status
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
