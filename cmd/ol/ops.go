package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"orderline/internal/app"
	"orderline/internal/events"
	"orderline/internal/orchestrator"
	"orderline/internal/repo"
	"orderline/internal/server"
)

func jobCmd() *cobra.Command {
	job := &cobra.Command{Use: "job", Short: "Run pm, worker and review scripts"}
	job.AddCommand(jobRunCmd(), jobRetryPlanCmd(), jobLaunchCmd())
	return job
}

// streamProgress prints script output for one target until the returned
// stop function is called.
func streamProgress(bus *events.Bus, projectID, targetID string) func() {
	ch, cancel := bus.Subscribe(256, events.Progress)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for n := range ch {
			if n.ProjectID != projectID || (n.OrderID != targetID && n.TaskID != targetID) {
				continue
			}
			if viper.GetBool("json") {
				continue
			}
			fmt.Fprintf(os.Stderr, "[%s] %s\n", n.Stream, n.Message)
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func printResult(res orchestrator.Result, err error) error {
	if err != nil && res.ExecutionID == "" {
		return err
	}
	if perr := printJSONOrTable(res); perr != nil {
		return perr
	}
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("%s job failed: %s", res.Kind, res.Error)
	}
	return nil
}

func jobRunCmd() *cobra.Command {
	var (
		req     orchestrator.Request
		kind    string
		order   string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a job and wait for it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				projectID, err := resolveProject(ctx, ac)
				if err != nil {
					return err
				}
				req.Kind = orchestrator.Kind(kind)
				req.ProjectID = projectID
				req.TargetID = order
				req.Timeout = timeout
				target := req.TargetID
				if target == "" {
					target = req.TaskID
				}
				stop := streamProgress(ac.Bus, projectID, target)
				res, err := ac.Orchestrator.Run(ctx, req)
				stop()
				return printResult(res, err)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "pm", "job kind: pm, worker or review")
	cmd.Flags().StringVar(&order, "order", "", "order id")
	cmd.Flags().StringVar(&req.TaskID, "task", "", "task id (worker and review)")
	cmd.Flags().StringVar(&req.Title, "title", "", "order title for a new pm run")
	cmd.Flags().StringVar(&req.Model, "model", "", "model override")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "timeout override")
	return cmd
}

func jobRetryPlanCmd() *cobra.Command {
	var (
		order, model string
		timeout      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "retry-plan",
		Short: "Re-run planning for an existing order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				projectID, err := resolveProject(ctx, ac)
				if err != nil {
					return err
				}
				stop := streamProgress(ac.Bus, projectID, order)
				res, err := ac.Orchestrator.RetryPlanning(ctx, projectID, order, timeout, model)
				stop()
				return printResult(res, err)
			})
		},
	}
	cmd.Flags().StringVar(&order, "order", "", "order id")
	cmd.Flags().StringVar(&model, "model", "", "model override")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "planning timeout override")
	_ = cmd.MarkFlagRequired("order")
	return cmd
}

func jobLaunchCmd() *cobra.Command {
	var (
		order      string
		maxWorkers int
	)
	cmd := &cobra.Command{
		Use:   "launch",
		Short: "Launch parallel workers for an order's queued tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				projectID, err := resolveProject(ctx, ac)
				if err != nil {
					return err
				}
				res, ack, err := ac.Orchestrator.Launch(ctx, projectID, order, maxWorkers)
				if err != nil {
					return printResult(res, err)
				}
				return printJSONOrTable(map[string]any{"result": res, "launch": ack})
			})
		},
	}
	cmd.Flags().StringVar(&order, "order", "", "order id")
	cmd.Flags().IntVar(&maxWorkers, "max-workers", 0, "worker cap (default from config)")
	_ = cmd.MarkFlagRequired("order")
	return cmd
}

func watchCmd() *cobra.Command {
	var (
		order  string
		launch bool
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Poll an order's tasks until all are completed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				projectID, err := resolveProject(ctx, ac)
				if err != nil {
					return err
				}
				if _, err := ac.Repo.GetOrder(ctx, order); err != nil {
					return err
				}
				ch, cancel := ac.Bus.Subscribe(256,
					events.TaskStatusChanged, events.TaskTimeout, events.TaskError,
					events.TaskCrash, events.AllTasksCompleted)
				defer cancel()
				if launch {
					_, ack, err := ac.Orchestrator.Launch(ctx, projectID, order, 0)
					if err != nil {
						return err
					}
					fmt.Fprintf(os.Stderr, "launched %d worker(s)\n", len(ack.Launched))
				}
				ac.Poller.Start(projectID, order)
				for {
					select {
					case <-ctx.Done():
						return nil
					case n := <-ch:
						if n.OrderID != order {
							continue
						}
						printNotification(n)
						if n.Type == events.AllTasksCompleted {
							return nil
						}
					}
				}
			})
		},
	}
	cmd.Flags().StringVar(&order, "order", "", "order id")
	cmd.Flags().BoolVar(&launch, "launch", false, "launch parallel workers first")
	_ = cmd.MarkFlagRequired("order")
	return cmd
}

func printNotification(n events.Notification) {
	if viper.GetBool("json") {
		_ = printJSON(n)
		return
	}
	ts := n.Timestamp.Format(time.TimeOnly)
	switch n.Type {
	case events.TaskStatusChanged:
		from := n.PreviousStatus
		if from == "" {
			from = "new"
		}
		fmt.Printf("%s %s %s -> %s\n", ts, n.TaskID, from, colorStatus(n.Status))
	case events.AllTasksCompleted:
		fmt.Printf("%s order %s: %s\n", ts, n.OrderID, color.GreenString("all tasks completed"))
	default:
		fmt.Printf("%s %s %s: %s\n", ts, color.RedString(string(n.Type)), n.TaskID, n.Message)
	}
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	var f repo.EventFilters
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				if p := viper.GetString("project"); p != "" {
					f.ProjectID = p
				}
				items, err := ac.Repo.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "When", "Type", "Entity", "Actor"})
				for i := len(items) - 1; i >= 0; i-- {
					e := items[i]
					tw.AppendRow(table.Row{e.ID, since(&e.TS), e.Type, e.EntityKind + ":" + e.EntityID, e.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVarP(&f.Limit, "n", "n", 20, "number of events")
	tail.Flags().StringVar(&f.Type, "type", "", "event type filter")
	tail.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind filter")
	tail.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id filter")
	lg.AddCommand(tail)
	return lg
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				if addr == "" {
					addr = ac.Config.Server.Addr
				}
				if basePath == "" {
					basePath = ac.Config.Server.BasePath
				}
				secret := viper.GetString("jwt-secret")
				if secret == "" {
					secret = ac.Config.Server.JWTSecret
				}
				handler, err := server.New(server.Config{
					Engine:       ac.Engine,
					Orchestrator: ac.Orchestrator,
					Poller:       ac.Poller,
					Log:          ac.Log,
					BasePath:     basePath,
					Auth:         server.AuthConfig{JWTSecret: secret},
				})
				if err != nil {
					return err
				}

				hookCtx, stopHooks := context.WithCancel(ctx)
				defer stopHooks()
				go server.NewWebhookDispatcher(ac.Repo, ac.Config.Webhooks, ac.Log).Run(hookCtx)

				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				errCh := make(chan error, 1)
				go func() { errCh <- srv.ListenAndServe() }()
				ac.Log.WithField("addr", addr).Info("orderline api listening")

				select {
				case err := <-errCh:
					if errors.Is(err, http.ErrServerClosed) {
						return nil
					}
					return err
				case <-ctx.Done():
				}
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	cmd.Flags().String("jwt-secret", "", "HS256 secret enabling bearer auth")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

func tokenCmd() *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				secret = cfg.Server.JWTSecret
			}
			if secret == "" {
				return errors.New("jwt secret is not configured")
			}
			if subject == "" {
				subject = viper.GetString("actor-id")
			}
			tok, err := server.IssueToken(secret, subject, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject (default actor id)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
