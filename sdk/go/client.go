package orderlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal orderline HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	BearerToken string
	// ActorID is sent as X-Actor-Id when the server runs without auth.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// Order represents the API order model.
type Order struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Title     string `json:"title"`
	Status    string `json:"status"`
	Priority  string `json:"priority"`
}

// Task represents the API task model (partial).
type Task struct {
	ID        string   `json:"id"`
	ProjectID string   `json:"project_id"`
	OrderID   string   `json:"order_id"`
	Title     string   `json:"title"`
	Status    string   `json:"status"`
	Assignee  *string  `json:"assignee,omitempty"`
	DependsOn []string `json:"depends_on,omitempty"`
	LastError *string  `json:"last_error,omitempty"`
}

// Review is the single review row of a task.
type Review struct {
	ID       string `json:"id"`
	TaskID   string `json:"task_id"`
	Status   string `json:"status"`
	Priority string `json:"priority"`
}

// TaskResult is returned by every task transition.
type TaskResult struct {
	Task      Task    `json:"task"`
	Review    *Review `json:"review,omitempty"`
	Unblocked []Task  `json:"unblocked,omitempty"`
}

// JobRequest starts a planning ("pm"), worker or review job.
type JobRequest struct {
	Kind           string `json:"kind"`
	ProjectID      string `json:"project_id"`
	TargetID       string `json:"target_id,omitempty"`
	TaskID         string `json:"task_id,omitempty"`
	Title          string `json:"title,omitempty"`
	Model          string `json:"model,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// JobResult is the outcome of a finished job.
type JobResult struct {
	ExecutionID string `json:"execution_id"`
	Kind        string `json:"kind"`
	ProjectID   string `json:"project_id"`
	TargetID    string `json:"target_id"`
	TaskID      string `json:"task_id,omitempty"`
	CreatedID   string `json:"created_id,omitempty"`
	Success     bool   `json:"success"`
	ExitCode    int    `json:"exit_code"`
	Stdout      string `json:"stdout"`
	Stderr      string `json:"stderr"`
	Error       string `json:"error,omitempty"`
}

// RunningJob describes a job holding its (project, target) slot.
type RunningJob struct {
	ExecutionID string `json:"execution_id"`
	Kind        string `json:"kind"`
	ProjectID   string `json:"project_id"`
	TargetID    string `json:"target_id"`
	TaskID      string `json:"task_id,omitempty"`
	PID         int    `json:"pid,omitempty"`
}

// Launch is the outcome of a parallel worker launch.
type Launch struct {
	Result   JobResult `json:"result"`
	Launched []struct {
		TaskID  string `json:"task_id"`
		PID     int    `json:"pid"`
		LogFile string `json:"log_file"`
	} `json:"launched"`
}

// PollingSession is an active status polling session.
type PollingSession struct {
	ProjectID string `json:"project_id"`
	OrderID   string `json:"order_id"`
	Polls     int    `json:"polls"`
}

// Polling reports whether a start/stop changed anything.
type Polling struct {
	Changed  bool             `json:"changed"`
	Sessions []PollingSession `json:"sessions"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id"`
	EntityID   string `json:"entity_id"`
	EntityKind string `json:"entity_kind"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateOrder creates an order in the client's project.
func (c *Client) CreateOrder(ctx context.Context, id, title, priority string) (Order, error) {
	body := map[string]any{}
	if id != "" {
		body["id"] = id
	}
	if title != "" {
		body["title"] = title
	}
	if priority != "" {
		body["priority"] = priority
	}
	var resp Order
	err := c.do(ctx, http.MethodPost, c.projectPath("orders"), body, &resp)
	return resp, err
}

// CreateTask adds a task to an order.
func (c *Client) CreateTask(ctx context.Context, orderID, title string, dependsOn ...string) (Task, error) {
	body := map[string]any{"title": title}
	if len(dependsOn) > 0 {
		body["depends_on"] = dependsOn
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, c.orderPath(orderID, "tasks"), body, &resp)
	return resp, err
}

// ListTasks returns the tasks of an order.
func (c *Client) ListTasks(ctx context.Context, orderID string) ([]Task, error) {
	var resp []Task
	err := c.do(ctx, http.MethodGet, c.orderPath(orderID, "tasks"), nil, &resp)
	return resp, err
}

// StartTask moves a queued task to IN_PROGRESS.
func (c *Client) StartTask(ctx context.Context, taskID, assignee string) (TaskResult, error) {
	return c.transition(ctx, taskID, "start", map[string]any{"assignee": assignee})
}

// CompleteTask submits a task for review.
func (c *Client) CompleteTask(ctx context.Context, taskID, priority string) (TaskResult, error) {
	var body any
	if priority != "" {
		body = map[string]any{"priority": priority}
	}
	return c.transition(ctx, taskID, "complete", body)
}

// ApproveTask approves the pending review.
func (c *Client) ApproveTask(ctx context.Context, taskID, comment string) (TaskResult, error) {
	return c.transition(ctx, taskID, "approve", map[string]any{"comment": comment})
}

// RejectTask sends the task back for rework.
func (c *Client) RejectTask(ctx context.Context, taskID, comment string) (TaskResult, error) {
	return c.transition(ctx, taskID, "reject", map[string]any{"comment": comment})
}

// ResubmitTask resubmits a reworked task.
func (c *Client) ResubmitTask(ctx context.Context, taskID string) (TaskResult, error) {
	return c.transition(ctx, taskID, "resubmit", nil)
}

// BlockTask blocks a queued task on its pending dependencies.
func (c *Client) BlockTask(ctx context.Context, taskID, reason string) (TaskResult, error) {
	var body any
	if reason != "" {
		body = map[string]any{"reason": reason}
	}
	return c.transition(ctx, taskID, "block", body)
}

// ResolveTask queues a blocked task whose dependencies completed.
func (c *Client) ResolveTask(ctx context.Context, taskID string) (TaskResult, error) {
	return c.transition(ctx, taskID, "resolve", nil)
}

func (c *Client) transition(ctx context.Context, taskID, action string, body any) (TaskResult, error) {
	var resp TaskResult
	endpoint := fmt.Sprintf("v0/tasks/%s/%s", url.PathEscape(taskID), action)
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// StartJob starts a job in the background and returns its execution id.
func (c *Client) StartJob(ctx context.Context, req JobRequest) (string, error) {
	if req.ProjectID == "" {
		req.ProjectID = c.ProjectID
	}
	var resp struct {
		ExecutionID string `json:"execution_id"`
	}
	err := c.do(ctx, http.MethodPost, "v0/jobs", req, &resp)
	return resp.ExecutionID, err
}

// RunningJobs lists jobs in flight.
func (c *Client) RunningJobs(ctx context.Context) ([]RunningJob, error) {
	var resp []RunningJob
	err := c.do(ctx, http.MethodGet, "v0/jobs", nil, &resp)
	return resp, err
}

// IsRunning reports whether a job holds the target slot of the project.
func (c *Client) IsRunning(ctx context.Context, targetID string) (bool, error) {
	var resp struct {
		Running bool `json:"running"`
	}
	err := c.do(ctx, http.MethodGet, c.projectPath("jobs/"+url.PathEscape(targetID)), nil, &resp)
	return resp.Running, err
}

// CancelJob cancels a running job.
func (c *Client) CancelJob(ctx context.Context, executionID string) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("v0/jobs/%s/cancel", url.PathEscape(executionID)), nil, nil)
}

// History returns finished jobs, newest first.
func (c *Client) History(ctx context.Context, limit int) ([]JobResult, error) {
	endpoint := "v0/jobs/history"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []JobResult
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// RetryPlanning reruns planning for an order and waits for the result.
func (c *Client) RetryPlanning(ctx context.Context, orderID, model string, timeoutSeconds int) (JobResult, error) {
	body := map[string]any{}
	if model != "" {
		body["model"] = model
	}
	if timeoutSeconds > 0 {
		body["timeout_seconds"] = timeoutSeconds
	}
	var resp JobResult
	err := c.do(ctx, http.MethodPost, c.orderPath(orderID, "retry-plan"), body, &resp)
	return resp, err
}

// Launch starts detached workers for an order.
func (c *Client) Launch(ctx context.Context, orderID string, maxWorkers int) (Launch, error) {
	var body any
	if maxWorkers > 0 {
		body = map[string]any{"max_workers": maxWorkers}
	}
	var resp Launch
	err := c.do(ctx, http.MethodPost, c.orderPath(orderID, "launch"), body, &resp)
	return resp, err
}

// StartPolling begins status polling for an order.
func (c *Client) StartPolling(ctx context.Context, orderID string) (Polling, error) {
	var resp Polling
	err := c.do(ctx, http.MethodPost, c.orderPath(orderID, "polling"), nil, &resp)
	return resp, err
}

// StopPolling ends status polling for an order.
func (c *Client) StopPolling(ctx context.Context, orderID string) (Polling, error) {
	var resp Polling
	err := c.do(ctx, http.MethodDelete, c.orderPath(orderID, "polling"), nil, &resp)
	return resp, err
}

// Events returns recent events of the client's project.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if c.ProjectID != "" {
		q.Set("project_id", c.ProjectID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "v0/events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	if c.ActorID != "" {
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) orderPath(orderID, p string) string {
	return c.projectPath(fmt.Sprintf("orders/%s/%s", url.PathEscape(orderID), p))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
