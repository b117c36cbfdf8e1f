package main

import (
	"context"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"orderline/internal/app"
	"orderline/internal/domain"
	"orderline/internal/engine"
	"orderline/internal/repo"
)

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}

	var id, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				p, err := ac.Engine.InitProject(ctx, id, name, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	create.Flags().StringVar(&id, "id", "", "project id")
	create.Flags().StringVar(&name, "name", "", "display name")
	_ = create.MarkFlagRequired("id")

	list := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				items, err := ac.Repo.ListProjects(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	prj.AddCommand(create, list)
	return prj
}

func orderCmd() *cobra.Command {
	ord := &cobra.Command{Use: "order", Short: "Manage orders"}

	var opts engine.OrderCreateOptions
	create := &cobra.Command{
		Use:   "create",
		Short: "Create order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				projectID, err := resolveProject(ctx, ac)
				if err != nil {
					return err
				}
				opts.ProjectID = projectID
				opts.ActorID = viper.GetString("actor-id")
				o, err := ac.Engine.CreateOrder(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	create.Flags().StringVar(&opts.ID, "id", "", "order id (default ORDER_<seq>)")
	create.Flags().StringVar(&opts.Title, "title", "", "title")
	create.Flags().StringVar(&opts.Priority, "priority", "", "priority P0..P3")

	list := &cobra.Command{
		Use:   "list",
		Short: "List orders",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				projectID, err := resolveProject(ctx, ac)
				if err != nil {
					return err
				}
				items, err := ac.Repo.ListOrders(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Priority", "Updated"})
				for _, o := range items {
					tw.AppendRow(table.Row{o.ID, o.Title, o.Status, o.Priority, since(&o.UpdatedAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
	ord.AddCommand(create, list)
	return ord
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Manage tasks"}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskStartCmd())
	task.AddCommand(taskCompleteCmd())
	task.AddCommand(taskReviewCmd("approve", "Approve the pending review"))
	task.AddCommand(taskReviewCmd("reject", "Reject the pending review"))
	task.AddCommand(taskTransitionCmd("resubmit", "Resubmit a reworked task", func(ctx context.Context, e engine.Engine, id string) (any, error) {
		t, rv, err := e.ResubmitTask(ctx, id)
		return map[string]any{"task": t, "review": rv}, err
	}))
	task.AddCommand(taskBlockCmd())
	task.AddCommand(taskTransitionCmd("resolve", "Queue a blocked task whose dependencies completed", func(ctx context.Context, e engine.Engine, id string) (any, error) {
		return e.ResolveDependencies(ctx, id)
	}))
	return task
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				opts.ActorID = viper.GetString("actor-id")
				t, err := ac.Engine.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.OrderID, "order", "", "order id")
	cmd.Flags().StringVar(&opts.ID, "id", "", "task id")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringArrayVar(&opts.DependsOn, "depends-on", []string{}, "dependency task id (repeatable)")
	_ = cmd.MarkFlagRequired("order")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				projectID, err := resolveProject(ctx, ac)
				if err != nil {
					return err
				}
				f.ProjectID = projectID
				tasks, err := ac.Repo.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				renderTasks(tasks)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.OrderID, "order", "", "order filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	return cmd
}

func renderTasks(tasks []domain.Task) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Order", "Title", "Status", "Assignee", "Started", "Last error"})
	for _, t := range tasks {
		tw.AppendRow(table.Row{t.ID, t.OrderID, t.Title, colorStatus(t.Status), deref(t.Assignee), since(t.StartedAt), deref(t.LastError)})
	}
	tw.Render()
}

func taskStartCmd() *cobra.Command {
	var assignee string
	cmd := &cobra.Command{
		Use:   "start <task-id>",
		Short: "Start a queued task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				if assignee == "" {
					assignee = viper.GetString("actor-id")
				}
				t, err := ac.Engine.StartTask(ctx, args[0], assignee)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&assignee, "assignee", "", "assignee (default actor id)")
	return cmd
}

func taskCompleteCmd() *cobra.Command {
	var priority string
	cmd := &cobra.Command{
		Use:   "complete <task-id>",
		Short: "Submit a task for review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				t, rv, err := ac.Engine.CompleteTask(ctx, args[0], priority)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"task": t, "review": rv})
			})
		},
	}
	cmd.Flags().StringVar(&priority, "priority", "", "review priority P0..P3")
	return cmd
}

func taskReviewCmd(verb, short string) *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:   verb + " <task-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				reviewer := viper.GetString("actor-id")
				if verb == "approve" {
					t, unblocked, err := ac.Engine.ApproveReview(ctx, args[0], reviewer, comment)
					if err != nil {
						return err
					}
					return printJSONOrTable(map[string]any{"task": t, "unblocked": unblocked})
				}
				t, err := ac.Engine.RejectReview(ctx, args[0], reviewer, comment)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "review comment")
	return cmd
}

func taskBlockCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "block <task-id>",
		Short: "Block a task on its pending dependencies",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				t, err := ac.Engine.BlockTask(ctx, args[0], reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded on the task")
	return cmd
}

func taskTransitionCmd(verb, short string, fn func(context.Context, engine.Engine, string) (any, error)) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <task-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				out, err := fn(ctx, ac.Engine, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
}
