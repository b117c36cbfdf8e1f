package server

import (
	"orderline/internal/domain"
	"orderline/internal/orchestrator"
	"orderline/internal/poller"
)

// Request payloads

type CreateProjectRequest struct {
	ID   string `json:"id" minLength:"1"`
	Name string `json:"name,omitempty"`
}

type CreateOrderRequest struct {
	ID       string `json:"id,omitempty"`
	Title    string `json:"title,omitempty"`
	Priority string `json:"priority,omitempty" enum:"P0,P1,P2,P3"`
}

type CreateTaskRequest struct {
	ID          string   `json:"id,omitempty"`
	Title       string   `json:"title" minLength:"1"`
	Description string   `json:"description,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty"`
}

type StartTaskRequest struct {
	Assignee string `json:"assignee,omitempty"`
}

type CompleteTaskRequest struct {
	Priority string `json:"priority,omitempty" enum:"P0,P1,P2,P3"`
}

type ReviewDecisionRequest struct {
	Comment string `json:"comment,omitempty"`
}

type BlockTaskRequest struct {
	Reason string `json:"reason,omitempty"`
}

type StartJobRequest struct {
	Kind           string `json:"kind" enum:"pm,worker,review"`
	ProjectID      string `json:"project_id" minLength:"1"`
	TargetID       string `json:"target_id,omitempty"`
	TaskID         string `json:"task_id,omitempty"`
	Title          string `json:"title,omitempty"`
	Model          string `json:"model,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" minimum:"0"`
}

type RetryPlanRequest struct {
	Model          string `json:"model,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" minimum:"0"`
}

type LaunchRequest struct {
	MaxWorkers int `json:"max_workers,omitempty" minimum:"0"`
}

// Response payloads

type TaskResponse struct {
	Task      domain.Task    `json:"task"`
	Review    *domain.Review `json:"review,omitempty"`
	Unblocked []domain.Task  `json:"unblocked,omitempty"`
}

type JobStartedResponse struct {
	ExecutionID string `json:"execution_id"`
}

type JobRunningResponse struct {
	ProjectID string `json:"project_id"`
	TargetID  string `json:"target_id"`
	Running   bool   `json:"running"`
}

type LaunchResponse struct {
	Result   orchestrator.Result           `json:"result"`
	Launched []orchestrator.LaunchedWorker `json:"launched"`
}

type PollingResponse struct {
	Changed  bool                 `json:"changed"`
	Sessions []poller.SessionInfo `json:"sessions"`
}

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}
