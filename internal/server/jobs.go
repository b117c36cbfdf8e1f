package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"orderline/internal/orchestrator"
	"orderline/internal/poller"
)

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func registerJobs(api huma.API, o *orchestrator.Orchestrator) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-job",
		Method:        http.MethodPost,
		Path:          "/jobs",
		Summary:       "Start a planning, worker or review job",
		DefaultStatus: http.StatusAccepted,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body StartJobRequest `json:"body"`
	}) (*struct {
		Body JobStartedResponse `json:"body"`
	}, error) {
		id, err := o.Start(ctx, orchestrator.Request{
			Kind:      orchestrator.Kind(input.Body.Kind),
			ProjectID: input.Body.ProjectID,
			TargetID:  input.Body.TargetID,
			TaskID:    input.Body.TaskID,
			Title:     input.Body.Title,
			Model:     input.Body.Model,
			Timeout:   seconds(input.Body.TimeoutSeconds),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body JobStartedResponse `json:"body"`
		}{Body: JobStartedResponse{ExecutionID: id}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-running-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs",
		Summary:     "List running jobs",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []orchestrator.RunningJob `json:"body"`
	}, error) {
		return &struct {
			Body []orchestrator.RunningJob `json:"body"`
		}{Body: nonNilSlice(o.Running())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "job-history",
		Method:      http.MethodGet,
		Path:        "/jobs/history",
		Summary:     "Finished jobs, newest first",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit"`
	}) (*struct {
		Body []orchestrator.Result `json:"body"`
	}, error) {
		items := o.History()
		if input.Limit > 0 && len(items) > input.Limit {
			items = items[:input.Limit]
		}
		return &struct {
			Body []orchestrator.Result `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "job-running",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/jobs/{target_id}",
		Summary:     "Whether a job holds the (project, target) slot",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		TargetID  string `path:"target_id"`
	}) (*struct {
		Body JobRunningResponse `json:"body"`
	}, error) {
		return &struct {
			Body JobRunningResponse `json:"body"`
		}{Body: JobRunningResponse{
			ProjectID: input.ProjectID,
			TargetID:  input.TargetID,
			Running:   o.IsRunning(input.ProjectID, input.TargetID),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "cancel-job",
		Method:        http.MethodPost,
		Path:          "/jobs/{execution_id}/cancel",
		Summary:       "Cancel a running job",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ExecutionID string `path:"execution_id"`
	}) (*struct{}, error) {
		if err := o.Cancel(input.ExecutionID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "retry-planning",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/orders/{order_id}/retry-plan",
		Summary:     "Rerun planning for an existing order and wait for it",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		OrderID   string            `path:"order_id"`
		Body      *RetryPlanRequest `json:"body"`
	}) (*struct {
		Body orchestrator.Result `json:"body"`
	}, error) {
		res, err := o.RetryPlanning(ctx, input.ProjectID, input.OrderID, seconds(optional(input.Body).TimeoutSeconds), optional(input.Body).Model)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body orchestrator.Result `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "launch-workers",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/orders/{order_id}/launch",
		Summary:     "Launch detached workers for the ready tasks of an order",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string         `path:"project_id"`
		OrderID   string         `path:"order_id"`
		Body      *LaunchRequest `json:"body"`
	}) (*struct {
		Body LaunchResponse `json:"body"`
	}, error) {
		res, ack, err := o.Launch(ctx, input.ProjectID, input.OrderID, optional(input.Body).MaxWorkers)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LaunchResponse `json:"body"`
		}{Body: LaunchResponse{Result: res, Launched: nonNilSlice(ack.Launched)}}, nil
	})
}

func registerPolling(api huma.API, p *poller.Supervisor) {
	type orderPath struct {
		ProjectID string `path:"project_id"`
		OrderID   string `path:"order_id"`
	}
	type pollingBody = struct {
		Body PollingResponse `json:"body"`
	}
	reply := func(changed bool) *pollingBody {
		return &pollingBody{Body: PollingResponse{Changed: changed, Sessions: nonNilSlice(p.Active())}}
	}

	huma.Register(api, huma.Operation{
		OperationID: "list-polling",
		Method:      http.MethodGet,
		Path:        "/polling",
		Summary:     "Active polling sessions",
	}, func(ctx context.Context, _ *struct{}) (*pollingBody, error) {
		return reply(false), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-polling",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/orders/{order_id}/polling",
		Summary:     "Start polling the task statuses of an order",
	}, func(ctx context.Context, input *orderPath) (*pollingBody, error) {
		return reply(p.Start(input.ProjectID, input.OrderID)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "stop-polling",
		Method:      http.MethodDelete,
		Path:        "/projects/{project_id}/orders/{order_id}/polling",
		Summary:     "Stop polling an order",
	}, func(ctx context.Context, input *orderPath) (*pollingBody, error) {
		return reply(p.Stop(input.ProjectID, input.OrderID)), nil
	})
}
