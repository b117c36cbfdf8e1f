package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"orderline/internal/domain"
	"orderline/internal/engine"
	"orderline/internal/repo"
)

var mutationErrors = []int{
	http.StatusBadRequest,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusInternalServerError,
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		p, err := e.InitProject(ctx, input.Body.ID, input.Body.Name, actorID(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Project `json:"body"`
	}, error) {
		items, err := e.Repo.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Project `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-order",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/orders",
		Summary:       "Create order",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string             `path:"project_id"`
		Body      CreateOrderRequest `json:"body"`
	}) (*struct {
		Body domain.Order `json:"body"`
	}, error) {
		o, err := e.CreateOrder(ctx, engine.OrderCreateOptions{
			ID:        input.Body.ID,
			ProjectID: input.ProjectID,
			Title:     input.Body.Title,
			Priority:  input.Body.Priority,
			ActorID:   actorID(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Order `json:"body"`
		}{Body: o}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-orders",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/orders",
		Summary:     "List orders",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body []domain.Order `json:"body"`
	}, error) {
		if _, err := e.Repo.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListOrders(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Order `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})
}

// orderInProject loads an order and hides orders of other projects.
func orderInProject(ctx context.Context, e engine.Engine, projectID, orderID string) (domain.Order, error) {
	o, err := e.Repo.GetOrder(ctx, orderID)
	if err != nil {
		return o, err
	}
	if o.ProjectID != projectID {
		return domain.Order{}, repo.ErrNotFound
	}
	return o, nil
}

func registerTasks(api huma.API, e engine.Engine) {
	type taskPath struct {
		TaskID string `path:"task_id"`
	}
	type taskBody = struct {
		Body TaskResponse `json:"body"`
	}
	reply := func(t domain.Task, rv *domain.Review, unblocked []domain.Task) *taskBody {
		return &taskBody{Body: TaskResponse{Task: t, Review: rv, Unblocked: unblocked}}
	}

	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/orders/{order_id}/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		OrderID   string            `path:"order_id"`
		Body      CreateTaskRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		if _, err := orderInProject(ctx, e, input.ProjectID, input.OrderID); err != nil {
			return nil, handleError(err)
		}
		t, err := e.CreateTask(ctx, engine.TaskCreateOptions{
			ID:          input.Body.ID,
			OrderID:     input.OrderID,
			Title:       input.Body.Title,
			Description: input.Body.Description,
			DependsOn:   input.Body.DependsOn,
			ActorID:     actorID(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-order-tasks",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/orders/{order_id}/tasks",
		Summary:     "List the tasks of an order",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		OrderID   string `path:"order_id"`
	}) (*struct {
		Body []domain.Task `json:"body"`
	}, error) {
		if _, err := orderInProject(ctx, e, input.ProjectID, input.OrderID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListOrderTasks(ctx, input.ProjectID, input.OrderID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Task `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*taskBody, error) {
		t, err := e.Repo.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		var review *domain.Review
		if rv, err := e.Repo.GetReviewByTask(ctx, t.ID); err == nil {
			review = &rv
		}
		return reply(t, review, nil), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/start",
		Summary:     "Start task",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		TaskID string            `path:"task_id"`
		Body   *StartTaskRequest `json:"body"`
	}) (*taskBody, error) {
		assignee := optional(input.Body).Assignee
		if assignee == "" {
			assignee = actorID(ctx)
		}
		t, err := e.StartTask(ctx, input.TaskID, assignee)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(t, nil, nil), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/complete",
		Summary:     "Submit task for review",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		TaskID string               `path:"task_id"`
		Body   *CompleteTaskRequest `json:"body"`
	}) (*taskBody, error) {
		t, rv, err := e.CompleteTask(ctx, input.TaskID, optional(input.Body).Priority)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(t, &rv, nil), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/approve",
		Summary:     "Approve review",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		TaskID string                 `path:"task_id"`
		Body   *ReviewDecisionRequest `json:"body"`
	}) (*taskBody, error) {
		t, unblocked, err := e.ApproveReview(ctx, input.TaskID, actorID(ctx), optional(input.Body).Comment)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(t, nil, nonNilSlice(unblocked)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/reject",
		Summary:     "Reject review",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		TaskID string                 `path:"task_id"`
		Body   *ReviewDecisionRequest `json:"body"`
	}) (*taskBody, error) {
		t, err := e.RejectReview(ctx, input.TaskID, actorID(ctx), optional(input.Body).Comment)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(t, nil, nil), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resubmit-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/resubmit",
		Summary:     "Resubmit reworked task",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *taskPath) (*taskBody, error) {
		t, rv, err := e.ResubmitTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(t, &rv, nil), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "block-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/block",
		Summary:     "Block task on its dependencies",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		TaskID string            `path:"task_id"`
		Body   *BlockTaskRequest `json:"body"`
	}) (*taskBody, error) {
		t, err := e.BlockTask(ctx, input.TaskID, optional(input.Body).Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(t, nil, nil), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/resolve",
		Summary:     "Queue a blocked task whose dependencies completed",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *taskPath) (*taskBody, error) {
		t, err := e.ResolveDependencies(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(t, nil, nil), nil
	})
}
