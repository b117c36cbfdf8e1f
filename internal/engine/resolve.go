package engine

import (
	"context"
	"database/sql"

	"orderline/internal/domain"
	"orderline/internal/events"
	"orderline/internal/repo"
)

// resolveBlocked re-queues every BLOCKED task of the project whose
// dependencies are all COMPLETED. It runs inside the caller's transaction so
// no reader sees a completed task next to a stale blocked dependent.
//
// Cost is one dependency lookup per blocked task; a reverse dependency index
// would be needed for projects with thousands of blocked tasks.
func (e Engine) resolveBlocked(ctx context.Context, tx *sql.Tx, projectID string) ([]domain.Task, error) {
	blocked, err := e.Repo.ListTasksTx(ctx, tx, repo.TaskFilters{ProjectID: projectID, Status: domain.StatusBlocked})
	if err != nil {
		return nil, err
	}
	var unblocked []domain.Task
	for _, t := range blocked {
		deps, err := e.Repo.DependencyStatuses(ctx, tx, t.ID)
		if err != nil {
			return nil, err
		}
		if len(pendingDependencies(deps)) > 0 {
			continue
		}
		status := domain.StatusQueued
		now := e.stamp()
		if err := e.Repo.UpdateTaskFields(ctx, tx, t.ID, repo.TaskPatch{Status: &status, UpdatedAt: now}); err != nil {
			return nil, err
		}
		if err := e.writer().Append(ctx, tx, "task.unblocked", t.ProjectID, "task", t.ID, "system", events.EventPayload{
			"from": domain.StatusBlocked,
			"to":   status,
		}); err != nil {
			return nil, err
		}
		t.Status = status
		t.UpdatedAt = now
		unblocked = append(unblocked, t)
	}
	return unblocked, nil
}
