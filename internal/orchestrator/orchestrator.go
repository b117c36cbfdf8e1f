// Package orchestrator drives the external planning, worker and review
// scripts. At most one job runs per (project, target).
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"

	"orderline/internal/config"
	"orderline/internal/events"
	"orderline/internal/monitor"
	"orderline/internal/proc"
)

type Kind string

const (
	KindPM     Kind = "pm"
	KindWorker Kind = "worker"
	KindReview Kind = "review"
)

// planningSlot is the target key of a planning job before its order exists.
const planningSlot = "plan"

const (
	DefaultPlanningTimeout  = 2 * time.Minute
	DefaultExecutionTimeout = 60 * time.Minute
	DefaultHistoryLimit     = 100
)

var (
	ErrAlreadyRunning   = errors.New("execution already running")
	ErrUnknownExecution = errors.New("unknown execution")
)

// Request starts one job. TargetID is the order for worker and review jobs;
// planning jobs create the order and may leave it empty.
type Request struct {
	Kind      Kind          `json:"kind"`
	ProjectID string        `json:"project_id"`
	TargetID  string        `json:"target_id,omitempty"`
	TaskID    string        `json:"task_id,omitempty"`
	Title     string        `json:"title,omitempty"`
	Model     string        `json:"model,omitempty"`
	Timeout   time.Duration `json:"timeout,omitempty"`
}

// Result is the outcome of a job. Process failures land here, never in an error.
type Result struct {
	ExecutionID string    `json:"execution_id"`
	Kind        Kind      `json:"kind"`
	ProjectID   string    `json:"project_id"`
	TargetID    string    `json:"target_id"`
	TaskID      string    `json:"task_id,omitempty"`
	CreatedID   string    `json:"created_id,omitempty"`
	Success     bool      `json:"success"`
	ExitCode    int       `json:"exit_code"`
	Stdout      string    `json:"stdout"`
	Stderr      string    `json:"stderr"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

// RunningJob describes a registered job.
type RunningJob struct {
	ExecutionID string    `json:"execution_id"`
	Kind        Kind      `json:"kind"`
	ProjectID   string    `json:"project_id"`
	TargetID    string    `json:"target_id"`
	TaskID      string    `json:"task_id,omitempty"`
	PID         int       `json:"pid,omitempty"`
	StartedAt   time.Time `json:"started_at"`
}

// Registrar receives pids launched in parallel mode.
type Registrar interface {
	Register(e monitor.Entry)
}

// Config holds script locations and ceilings.
type Config struct {
	Interpreter      string
	PM               string
	Worker           string
	Review           string
	WorkDir          string
	Model            string
	PlanningTimeout  time.Duration
	ExecutionTimeout time.Duration
	ReviewTimeout    time.Duration
	HistoryLimit     int
	MaxWorkers       int
}

// ConfigFrom maps the workspace config onto orchestrator settings.
func ConfigFrom(cfg *config.Config, workDir string) Config {
	return Config{
		Interpreter:      cfg.Scripts.Interpreter,
		PM:               cfg.ScriptPath(cfg.Scripts.PM),
		Worker:           cfg.ScriptPath(cfg.Scripts.Worker),
		Review:           cfg.ScriptPath(cfg.Scripts.Review),
		WorkDir:          workDir,
		Model:            cfg.AI.Model,
		PlanningTimeout:  cfg.Timeouts.Planning.D(),
		ExecutionTimeout: cfg.Timeouts.Execution.D(),
		ReviewTimeout:    cfg.Timeouts.Review.D(),
		HistoryLimit:     cfg.History.Limit,
		MaxWorkers:       cfg.Parallel.MaxWorkers,
	}
}

type job struct {
	id      string
	key     string
	req     Request
	started time.Time
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	mu        sync.Mutex
	proc      proc.Process
	cancelled bool
}

func (j *job) attach(p proc.Process) {
	j.mu.Lock()
	j.proc = p
	cancelled := j.cancelled
	j.mu.Unlock()
	if cancelled {
		_ = p.Kill()
	}
}

func (j *job) kill() {
	j.mu.Lock()
	j.cancelled = true
	p := j.proc
	j.mu.Unlock()
	j.cancel()
	if p != nil {
		_ = p.Kill()
	}
}

func (j *job) isCancelled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cancelled
}

func (j *job) pid() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.proc == nil {
		return 0
	}
	return j.proc.PID()
}

type Orchestrator struct {
	cfg       Config
	spawner   proc.Spawner
	bus       events.Publisher
	registrar Registrar
	log       logrus.FieldLogger
	Now       func() time.Time

	mu      sync.Mutex
	jobs    map[string]*job
	byID    map[string]*job
	history []Result
}

func New(cfg Config, spawner proc.Spawner, bus events.Publisher, registrar Registrar, log logrus.FieldLogger) *Orchestrator {
	if cfg.PlanningTimeout <= 0 {
		cfg.PlanningTimeout = DefaultPlanningTimeout
	}
	if cfg.ExecutionTimeout <= 0 {
		cfg.ExecutionTimeout = DefaultExecutionTimeout
	}
	if cfg.ReviewTimeout <= 0 {
		cfg.ReviewTimeout = cfg.ExecutionTimeout
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 1
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Orchestrator{
		cfg:       cfg,
		spawner:   spawner,
		bus:       bus,
		registrar: registrar,
		log:       log.WithField("component", "orchestrator"),
		Now:       time.Now,
		jobs:      map[string]*job{},
		byID:      map[string]*job{},
	}
}

func jobKey(projectID, targetID string) string {
	return projectID + "/" + targetID
}

func (o *Orchestrator) validate(req *Request) error {
	if req.ProjectID == "" {
		return errors.New("project is required")
	}
	switch req.Kind {
	case KindPM:
		if o.cfg.PM == "" {
			return errors.New("scripts.pm is not configured")
		}
		if req.TargetID == "" {
			req.TargetID = planningSlot
		}
	case KindWorker:
		if o.cfg.Worker == "" {
			return errors.New("scripts.worker is not configured")
		}
	case KindReview:
		if o.cfg.Review == "" {
			return errors.New("scripts.review is not configured")
		}
	default:
		return fmt.Errorf("unknown job kind %q", req.Kind)
	}
	if req.TargetID == "" {
		return fmt.Errorf("%s job requires a target order", req.Kind)
	}
	if req.Model == "" {
		req.Model = o.cfg.Model
	}
	return nil
}

// register claims the (project, target) slot.
func (o *Orchestrator) register(ctx context.Context, req Request) (*job, error) {
	key := jobKey(req.ProjectID, req.TargetID)
	o.mu.Lock()
	defer o.mu.Unlock()
	if existing, ok := o.jobs[key]; ok {
		o.log.WithField("execution_id", existing.id).Errorf("execution for %s already running", key)
		return nil, fmt.Errorf("%w: %s (%s)", ErrAlreadyRunning, key, existing.id)
	}
	jobCtx, cancel := context.WithCancel(ctx)
	j := &job{
		id:      ulid.Make().String(),
		key:     key,
		req:     req,
		started: o.Now().UTC(),
		ctx:     jobCtx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	o.jobs[key] = j
	o.byID[j.id] = j
	return j, nil
}

// unregister drops j from the registry if it still owns its slot.
func (o *Orchestrator) unregister(j *job) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if cur, ok := o.jobs[j.key]; ok && cur == j {
		delete(o.jobs, j.key)
	}
	delete(o.byID, j.id)
}

// Start registers the job and runs it in the background. Only validation
// problems are returned as errors.
func (o *Orchestrator) Start(ctx context.Context, req Request) (string, error) {
	if err := o.validate(&req); err != nil {
		return "", err
	}
	// The job outlives the request that started it.
	j, err := o.register(context.WithoutCancel(ctx), req)
	if err != nil {
		return "", err
	}
	go o.execute(j, o.pipeline(j))
	return j.id, nil
}

// Run executes the job and waits for its Result.
func (o *Orchestrator) Run(ctx context.Context, req Request) (Result, error) {
	if err := o.validate(&req); err != nil {
		return Result{}, err
	}
	j, err := o.register(ctx, req)
	if err != nil {
		return Result{}, err
	}
	return o.execute(j, o.pipeline(j)), nil
}

// RetryPlanning reruns planning step 2 for an existing order.
func (o *Orchestrator) RetryPlanning(ctx context.Context, projectID, orderID string, timeout time.Duration, model string) (Result, error) {
	req := Request{Kind: KindPM, ProjectID: projectID, TargetID: orderID, Model: model, Timeout: timeout}
	if orderID == "" {
		return Result{}, errors.New("order is required")
	}
	if err := o.validate(&req); err != nil {
		return Result{}, err
	}
	j, err := o.register(ctx, req)
	if err != nil {
		return Result{}, err
	}
	return o.execute(j, func(res *Result) {
		res.CreatedID = orderID
		o.step(j, res, o.planArgs(req, orderID), o.executionTimeout(req))
	}), nil
}

func (o *Orchestrator) pipeline(j *job) func(*Result) {
	req := j.req
	switch req.Kind {
	case KindPM:
		return func(res *Result) { o.plan(j, res) }
	case KindReview:
		return func(res *Result) {
			o.step(j, res, o.stepArgs("review", req), o.timeout(req, o.cfg.ReviewTimeout))
		}
	default:
		return func(res *Result) {
			o.step(j, res, o.stepArgs("run", req), o.executionTimeout(req))
		}
	}
}

// execute runs body and resolves the job: the registry entry is removed
// before the complete notification is published and before it returns.
func (o *Orchestrator) execute(j *job, body func(*Result)) Result {
	defer close(j.done)
	defer j.cancel()
	log := o.log.WithFields(logrus.Fields{
		"execution_id": j.id,
		"kind":         j.req.Kind,
		"project_id":   j.req.ProjectID,
		"target_id":    j.req.TargetID,
	})
	log.Info("job started")
	res := Result{
		ExecutionID: j.id,
		Kind:        j.req.Kind,
		ProjectID:   j.req.ProjectID,
		TargetID:    j.req.TargetID,
		TaskID:      j.req.TaskID,
		Success:     true,
		StartedAt:   j.started,
	}
	body(&res)
	if res.Success && j.isCancelled() {
		res.Success = false
		res.Error = "cancelled"
	}
	res.FinishedAt = o.Now().UTC()

	o.unregister(j)
	o.remember(res)
	if res.Success {
		log.Info("job succeeded")
	} else {
		log.WithField("exit_code", res.ExitCode).Warnf("job failed: %s", res.Error)
	}
	o.publish(events.Notification{
		Type:        events.Complete,
		ProjectID:   res.ProjectID,
		OrderID:     orderOf(res),
		TaskID:      res.TaskID,
		ExecutionID: res.ExecutionID,
		Status:      statusOf(res),
		Message:     res.Error,
		Data:        res,
	})
	if !res.Success && res.TaskID != "" && res.Kind != KindPM {
		o.publish(events.Notification{
			Type:        events.TaskError,
			ProjectID:   res.ProjectID,
			OrderID:     res.TargetID,
			TaskID:      res.TaskID,
			ExecutionID: res.ExecutionID,
			Status:      "failed",
			Message:     res.Error,
		})
	}
	return res
}

// plan runs step 1 (create) and, once it yields an order id, step 2 (plan).
func (o *Orchestrator) plan(j *job, res *Result) {
	req := j.req
	title := req.Title
	if title == "" {
		title = "New order"
	}
	o.step(j, res, []string{"create", req.ProjectID, "--title", title, "--json"}, o.timeout(req, o.cfg.PlanningTimeout))
	if !res.Success {
		return
	}
	id := ParseCreatedID(res.Stdout)
	if id == "" {
		res.Success = false
		res.Error = "planning step 1 produced no order id"
		return
	}
	res.CreatedID = id
	if j.isCancelled() || j.ctx.Err() != nil {
		res.Success = false
		res.Error = "cancelled"
		return
	}
	o.step(j, res, o.planArgs(req, id), o.executionTimeout(req))
}

func (o *Orchestrator) planArgs(req Request, orderID string) []string {
	secs := int(o.executionTimeout(req) / time.Second)
	return []string{"plan", req.ProjectID, orderID, "--model", req.Model, "--timeout", strconv.Itoa(secs)}
}

func (o *Orchestrator) stepArgs(verb string, req Request) []string {
	args := []string{verb, req.ProjectID, req.TargetID}
	if req.TaskID != "" {
		args = append(args, "--task", req.TaskID)
	}
	return append(args, "--model", req.Model)
}

func (o *Orchestrator) timeout(req Request, fallback time.Duration) time.Duration {
	if req.Timeout > 0 && req.Kind != KindPM {
		return req.Timeout
	}
	return fallback
}

// executionTimeout covers the long AI-driven calls; a request timeout overrides it.
func (o *Orchestrator) executionTimeout(req Request) time.Duration {
	if req.Timeout > 0 {
		return req.Timeout
	}
	return o.cfg.ExecutionTimeout
}

func (o *Orchestrator) script(kind Kind) string {
	switch kind {
	case KindPM:
		return o.cfg.PM
	case KindReview:
		return o.cfg.Review
	}
	return o.cfg.Worker
}

// command applies the optional interpreter prefix.
func (o *Orchestrator) command(script string, args []string) (string, []string) {
	if o.cfg.Interpreter == "" {
		return script, args
	}
	fields := strings.Fields(o.cfg.Interpreter)
	return fields[0], append(append(fields[1:], script), args...)
}

// step runs one invocation and folds its outcome into res. Output is
// appended so a failed second step keeps everything printed before it.
func (o *Orchestrator) step(j *job, res *Result, args []string, timeout time.Duration) {
	if !res.Success {
		return
	}
	pr := o.invoke(j, o.script(j.req.Kind), args, timeout)
	res.Stdout += pr.Stdout
	res.Stderr += pr.Stderr
	res.ExitCode = pr.ExitCode
	if pr.Success() {
		return
	}
	res.Success = false
	res.Error = describe(pr, timeout)
}

func (o *Orchestrator) invoke(j *job, script string, args []string, timeout time.Duration) proc.Result {
	if j.isCancelled() {
		return proc.Result{ExitCode: -1, Killed: true}
	}
	command, argv := o.command(script, args)
	spec := proc.Spec{
		Command: command,
		Args:    argv,
		Dir:     o.cfg.WorkDir,
		Env:     []string{"ORDERLINE_EXECUTION_ID=" + j.id, "ORDERLINE_PROJECT_ID=" + j.req.ProjectID},
		Timeout: timeout,
		OnOutput: func(stream proc.Stream, line string) {
			o.publish(events.Notification{
				Type:        events.Progress,
				ProjectID:   j.req.ProjectID,
				OrderID:     j.req.TargetID,
				TaskID:      j.req.TaskID,
				ExecutionID: j.id,
				Stream:      string(stream),
				Message:     line,
			})
		},
	}
	p, err := o.spawner.Spawn(j.ctx, spec)
	if err != nil {
		return proc.Result{ExitCode: -1, Err: err}
	}
	j.attach(p)
	return p.Wait()
}

func describe(pr proc.Result, timeout time.Duration) string {
	switch {
	case pr.TimedOut:
		return fmt.Sprintf("timed out after %s", timeout)
	case pr.Killed:
		return "cancelled"
	case pr.Err != nil:
		return pr.Err.Error()
	default:
		return fmt.Sprintf("exit code %d", pr.ExitCode)
	}
}

func statusOf(res Result) string {
	if res.Success {
		return "success"
	}
	return "failed"
}

func orderOf(res Result) string {
	if res.Kind == KindPM {
		return res.CreatedID
	}
	return res.TargetID
}

func (o *Orchestrator) publish(n events.Notification) {
	if o.bus == nil {
		return
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = o.Now().UTC()
	}
	o.bus.Publish(n)
}

func (o *Orchestrator) remember(res Result) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.history = append([]Result{res}, o.history...)
	if len(o.history) > o.cfg.HistoryLimit {
		o.history = o.history[:o.cfg.HistoryLimit]
	}
}

// History returns finished jobs, newest first.
func (o *Orchestrator) History() []Result {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Result, len(o.history))
	copy(out, o.history)
	return out
}

// IsRunning reports whether a job holds the (project, target) slot.
func (o *Orchestrator) IsRunning(projectID, targetID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.jobs[jobKey(projectID, targetID)]
	return ok
}

// Running returns a snapshot of registered jobs.
func (o *Orchestrator) Running() []RunningJob {
	o.mu.Lock()
	jobs := make([]*job, 0, len(o.jobs))
	for _, j := range o.jobs {
		jobs = append(jobs, j)
	}
	o.mu.Unlock()
	out := make([]RunningJob, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, RunningJob{
			ExecutionID: j.id,
			Kind:        j.req.Kind,
			ProjectID:   j.req.ProjectID,
			TargetID:    j.req.TargetID,
			TaskID:      j.req.TaskID,
			PID:         j.pid(),
			StartedAt:   j.started,
		})
	}
	return out
}

// Cancel kills the job's process group and frees its slot at once. The
// job still resolves, as failed with "cancelled".
func (o *Orchestrator) Cancel(executionID string) error {
	o.mu.Lock()
	j, ok := o.byID[executionID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownExecution, executionID)
	}
	o.unregister(j)
	j.kill()
	o.log.WithField("execution_id", executionID).Info("job cancelled")
	return nil
}

// Shutdown cancels every running job and waits for them to resolve.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	jobs := make([]*job, 0, len(o.byID))
	for _, j := range o.byID {
		jobs = append(jobs, j)
	}
	o.mu.Unlock()
	var wg conc.WaitGroup
	for _, j := range jobs {
		j := j
		wg.Go(func() {
			o.unregister(j)
			j.kill()
			<-j.done
		})
	}
	wg.Wait()
}
