package engine

import (
	"context"
	"database/sql"
	"errors"
	"sort"

	"github.com/google/uuid"

	"orderline/internal/domain"
	"orderline/internal/events"
	"orderline/internal/repo"
)

var transitions = map[string][]string{
	domain.StatusQueued:     {domain.StatusInProgress, domain.StatusBlocked},
	domain.StatusBlocked:    {domain.StatusQueued},
	domain.StatusInProgress: {domain.StatusDone, domain.StatusBlocked},
	domain.StatusDone:       {domain.StatusCompleted, domain.StatusRework},
	domain.StatusRework:     {domain.StatusDone},
	domain.StatusCompleted:  {},
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to string) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func guard(t domain.Task, to string) error {
	if !CanTransition(t.Status, to) {
		return &TransitionError{TaskID: t.ID, From: t.Status, To: to}
	}
	return nil
}

func pendingDependencies(deps map[string]string) []string {
	var pending []string
	for id, status := range deps {
		if status != domain.StatusCompleted {
			pending = append(pending, id)
		}
	}
	sort.Strings(pending)
	return pending
}

// loadForTransition reads the task inside tx and checks the move.
func (e Engine) loadForTransition(ctx context.Context, tx *sql.Tx, taskID, to string) (domain.Task, error) {
	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return t, err
	}
	return t, guard(t, to)
}

func (e Engine) setStatus(ctx context.Context, tx *sql.Tx, t *domain.Task, to string, patch repo.TaskPatch) error {
	from := t.Status
	patch.Status = &to
	patch.UpdatedAt = e.stamp()
	if err := e.Repo.UpdateTaskFields(ctx, tx, t.ID, patch); err != nil {
		return err
	}
	t.Status = to
	t.UpdatedAt = patch.UpdatedAt
	applyPatch(t, patch)
	return e.writer().Append(ctx, tx, "task.status_changed", t.ProjectID, "task", t.ID, actorOf(t), events.EventPayload{"from": from, "to": to})
}

func applyPatch(t *domain.Task, p repo.TaskPatch) {
	set := func(dst **string, v *string) {
		if v == nil {
			return
		}
		*dst = optionalString(*v)
	}
	set(&t.Assignee, p.Assignee)
	set(&t.StartedAt, p.StartedAt)
	set(&t.CompletedAt, p.CompletedAt)
	set(&t.LastError, p.LastError)
}

func actorOf(t *domain.Task) string {
	if t.Assignee != nil && *t.Assignee != "" {
		return *t.Assignee
	}
	return "system"
}

// StartTask moves a QUEUED task to IN_PROGRESS once every dependency is COMPLETED.
func (e Engine) StartTask(ctx context.Context, taskID, assignee string) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := e.loadForTransition(ctx, tx, taskID, domain.StatusInProgress)
	if err != nil {
		return domain.Task{}, err
	}
	deps, err := e.Repo.DependencyStatuses(ctx, tx, t.ID)
	if err != nil {
		return domain.Task{}, err
	}
	if pending := pendingDependencies(deps); len(pending) > 0 {
		return domain.Task{}, &DependencyError{TaskID: t.ID, Pending: pending}
	}
	now := e.stamp()
	if err := e.setStatus(ctx, tx, &t, domain.StatusInProgress, repo.TaskPatch{
		Assignee:  ptr(assignee),
		StartedAt: &now,
		LastError: ptr(""),
	}); err != nil {
		return domain.Task{}, err
	}
	o, err := e.Repo.GetOrderTx(ctx, tx, t.OrderID)
	if err != nil {
		return domain.Task{}, err
	}
	if o.Status == domain.OrderPlanning {
		if err := e.Repo.UpdateOrderStatus(ctx, tx, o.ID, domain.OrderInProgress, now); err != nil {
			return domain.Task{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// CompleteTask moves an IN_PROGRESS task to DONE and opens its review. An
// existing review row is reset to PENDING rather than duplicated.
func (e Engine) CompleteTask(ctx context.Context, taskID, priority string) (domain.Task, domain.Review, error) {
	if priority == "" {
		priority = domain.DefaultPriority
	}
	if !domain.ValidPriority(priority) {
		return domain.Task{}, domain.Review{}, errors.New("invalid review priority " + priority)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, domain.Review{}, err
	}
	defer tx.Rollback()

	t, err := e.loadForTransition(ctx, tx, taskID, domain.StatusDone)
	if err != nil {
		return domain.Task{}, domain.Review{}, err
	}
	if t.Status != domain.StatusInProgress {
		return domain.Task{}, domain.Review{}, &TransitionError{TaskID: t.ID, From: t.Status, To: domain.StatusDone}
	}
	if err := e.setStatus(ctx, tx, &t, domain.StatusDone, repo.TaskPatch{}); err != nil {
		return domain.Task{}, domain.Review{}, err
	}
	now := e.stamp()
	rv, err := e.Repo.GetReviewByTaskTx(ctx, tx, t.ID)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		rv = domain.Review{
			ID:          uuid.NewString(),
			TaskID:      t.ID,
			Status:      domain.ReviewPending,
			Priority:    priority,
			SubmittedAt: now,
		}
		if err := e.Repo.InsertReview(ctx, tx, rv); err != nil {
			return domain.Task{}, domain.Review{}, err
		}
	case err != nil:
		return domain.Task{}, domain.Review{}, err
	default:
		rv.Status = domain.ReviewPending
		rv.Priority = priority
		rv.SubmittedAt = now
		rv.Reviewer, rv.Comment, rv.ReviewedAt = nil, nil, nil
		if err := e.Repo.UpdateReview(ctx, tx, rv); err != nil {
			return domain.Task{}, domain.Review{}, err
		}
	}
	if err := e.writer().Append(ctx, tx, "review.submitted", t.ProjectID, "review", rv.ID, actorOf(&t), events.EventPayload{"task_id": t.ID, "priority": rv.Priority}); err != nil {
		return domain.Task{}, domain.Review{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, domain.Review{}, err
	}
	return t, rv, nil
}

// ApproveReview completes a DONE task and queues every dependent whose
// dependencies are now all COMPLETED. When no task of the order is left
// non-terminal the order is completed too.
func (e Engine) ApproveReview(ctx context.Context, taskID, reviewer, comment string) (domain.Task, []domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, nil, err
	}
	defer tx.Rollback()

	t, err := e.loadForTransition(ctx, tx, taskID, domain.StatusCompleted)
	if err != nil {
		return domain.Task{}, nil, err
	}
	now := e.stamp()
	if err := e.decideReview(ctx, tx, t, domain.ReviewApproved, reviewer, comment, now); err != nil {
		return domain.Task{}, nil, err
	}
	if err := e.setStatus(ctx, tx, &t, domain.StatusCompleted, repo.TaskPatch{CompletedAt: &now}); err != nil {
		return domain.Task{}, nil, err
	}
	unblocked, err := e.resolveBlocked(ctx, tx, t.ProjectID)
	if err != nil {
		return domain.Task{}, nil, err
	}
	if err := e.completeOrderIfDone(ctx, tx, t.OrderID, now); err != nil {
		return domain.Task{}, nil, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, nil, err
	}
	return t, unblocked, nil
}

// RejectReview sends a DONE task back to REWORK.
func (e Engine) RejectReview(ctx context.Context, taskID, reviewer, comment string) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := e.loadForTransition(ctx, tx, taskID, domain.StatusRework)
	if err != nil {
		return domain.Task{}, err
	}
	if err := e.decideReview(ctx, tx, t, domain.ReviewRejected, reviewer, comment, e.stamp()); err != nil {
		return domain.Task{}, err
	}
	if err := e.setStatus(ctx, tx, &t, domain.StatusRework, repo.TaskPatch{}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

func (e Engine) decideReview(ctx context.Context, tx *sql.Tx, t domain.Task, status, reviewer, comment, now string) error {
	if reviewer == "" {
		return errors.New("reviewer is required")
	}
	rv, err := e.Repo.GetReviewByTaskTx(ctx, tx, t.ID)
	if err != nil {
		return err
	}
	rv.Status = status
	rv.Reviewer = ptr(reviewer)
	rv.Comment = optionalString(comment)
	rv.ReviewedAt = ptr(now)
	if err := e.Repo.UpdateReview(ctx, tx, rv); err != nil {
		return err
	}
	evt := "review.approved"
	if status == domain.ReviewRejected {
		evt = "review.rejected"
	}
	return e.writer().Append(ctx, tx, evt, t.ProjectID, "review", rv.ID, reviewer, events.EventPayload{"task_id": t.ID, "comment": comment})
}

// ResubmitTask moves a REWORK task back to DONE with a fresh urgent review.
func (e Engine) ResubmitTask(ctx context.Context, taskID string) (domain.Task, domain.Review, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, domain.Review{}, err
	}
	defer tx.Rollback()

	t, err := e.loadForTransition(ctx, tx, taskID, domain.StatusDone)
	if err != nil {
		return domain.Task{}, domain.Review{}, err
	}
	if t.Status != domain.StatusRework {
		return domain.Task{}, domain.Review{}, &TransitionError{TaskID: t.ID, From: t.Status, To: domain.StatusDone}
	}
	if err := e.Repo.DeleteReviewByTask(ctx, tx, t.ID); err != nil {
		return domain.Task{}, domain.Review{}, err
	}
	rv := domain.Review{
		ID:          uuid.NewString(),
		TaskID:      t.ID,
		Status:      domain.ReviewPending,
		Priority:    domain.UrgentPriority,
		SubmittedAt: e.stamp(),
	}
	if err := e.Repo.InsertReview(ctx, tx, rv); err != nil {
		return domain.Task{}, domain.Review{}, err
	}
	if err := e.setStatus(ctx, tx, &t, domain.StatusDone, repo.TaskPatch{}); err != nil {
		return domain.Task{}, domain.Review{}, err
	}
	if err := e.writer().Append(ctx, tx, "review.submitted", t.ProjectID, "review", rv.ID, actorOf(&t), events.EventPayload{"task_id": t.ID, "priority": rv.Priority, "resubmission": true}); err != nil {
		return domain.Task{}, domain.Review{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, domain.Review{}, err
	}
	return t, rv, nil
}

// BlockTask parks a QUEUED or IN_PROGRESS task while one of its
// dependencies is still incomplete.
func (e Engine) BlockTask(ctx context.Context, taskID, reason string) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := e.loadForTransition(ctx, tx, taskID, domain.StatusBlocked)
	if err != nil {
		return domain.Task{}, err
	}
	deps, err := e.Repo.DependencyStatuses(ctx, tx, t.ID)
	if err != nil {
		return domain.Task{}, err
	}
	if len(pendingDependencies(deps)) == 0 {
		return domain.Task{}, ErrDependenciesComplete
	}
	if err := e.setStatus(ctx, tx, &t, domain.StatusBlocked, repo.TaskPatch{LastError: optionalString(reason)}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// ResolveDependencies re-queues a BLOCKED task whose dependencies are all COMPLETED.
func (e Engine) ResolveDependencies(ctx context.Context, taskID string) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := e.loadForTransition(ctx, tx, taskID, domain.StatusQueued)
	if err != nil {
		return domain.Task{}, err
	}
	deps, err := e.Repo.DependencyStatuses(ctx, tx, t.ID)
	if err != nil {
		return domain.Task{}, err
	}
	if pending := pendingDependencies(deps); len(pending) > 0 {
		return domain.Task{}, &DependencyError{TaskID: t.ID, Pending: pending}
	}
	if err := e.setStatus(ctx, tx, &t, domain.StatusQueued, repo.TaskPatch{}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// RecoverCrashedTask resets an IN_PROGRESS task whose process vanished back
// to QUEUED. Any other status is left alone and reported as not recovered,
// so repeated calls are safe.
func (e Engine) RecoverCrashedTask(ctx context.Context, taskID, projectID, reason string) (bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return false, err
	}
	if t.Status != domain.StatusInProgress {
		return false, nil
	}
	if projectID == "" {
		projectID = t.ProjectID
	}
	status := domain.StatusQueued
	if err := e.Repo.UpdateTaskFields(ctx, tx, t.ID, repo.TaskPatch{
		Status:    &status,
		Assignee:  ptr(""),
		StartedAt: ptr(""),
		LastError: ptr(reason),
		UpdatedAt: e.stamp(),
	}); err != nil {
		return false, err
	}
	if err := e.writer().Append(ctx, tx, "task.crash_recovered", projectID, "task", t.ID, "system", events.EventPayload{
		"from":   domain.StatusInProgress,
		"to":     status,
		"reason": reason,
	}); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	e.Log.WithField("task_id", t.ID).WithField("project_id", projectID).Warnf("recovered crashed task: %s", reason)
	return true, nil
}

func (e Engine) completeOrderIfDone(ctx context.Context, tx *sql.Tx, orderID, now string) error {
	tasks, err := e.Repo.ListTasksTx(ctx, tx, repo.TaskFilters{OrderID: orderID})
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if !domain.IsTerminal(t.Status) {
			return nil
		}
	}
	o, err := e.Repo.GetOrderTx(ctx, tx, orderID)
	if err != nil {
		return err
	}
	if o.Status == domain.OrderCompleted {
		return nil
	}
	if err := e.Repo.UpdateOrderStatus(ctx, tx, orderID, domain.OrderCompleted, now); err != nil {
		return err
	}
	return e.writer().Append(ctx, tx, "order.completed", o.ProjectID, "order", o.ID, "system", events.EventPayload{"tasks": len(tasks)})
}
