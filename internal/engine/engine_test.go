package engine_test

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"orderline/internal/db"
	"orderline/internal/domain"
	"orderline/internal/engine"
	"orderline/internal/logging"
	"orderline/internal/migrate"
	"orderline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Order  domain.Order
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, logging.Discard())
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if _, err := eng.InitProject(ctx, "proj-1", "test", "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	o, err := eng.CreateOrder(ctx, engine.OrderCreateOptions{ProjectID: "proj-1", Title: "first", ActorID: "tester"})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx, Order: o}
}

func (env testEnv) task(t *testing.T, title string, deps ...string) domain.Task {
	t.Helper()
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		OrderID:   env.Order.ID,
		Title:     title,
		DependsOn: deps,
		ActorID:   "tester",
	})
	if err != nil {
		t.Fatalf("create task %s: %v", title, err)
	}
	return task
}

func (env testEnv) get(t *testing.T, id string) domain.Task {
	t.Helper()
	task, err := env.Engine.Repo.GetTask(env.Ctx, id)
	if err != nil {
		t.Fatalf("get task %s: %v", id, err)
	}
	return task
}

func (env testEnv) forceStatus(t *testing.T, id, status string) {
	t.Helper()
	if _, err := env.Engine.DB.ExecContext(env.Ctx, `UPDATE tasks SET status=? WHERE id=?`, status, id); err != nil {
		t.Fatalf("force status: %v", err)
	}
}

func (env testEnv) seedReview(t *testing.T, taskID string) {
	t.Helper()
	err := env.Engine.Repo.Transaction(env.Ctx, func(tx *sql.Tx) error {
		return env.Engine.Repo.InsertReview(env.Ctx, tx, domain.Review{
			ID:          "rv-" + taskID,
			TaskID:      taskID,
			Status:      domain.ReviewPending,
			Priority:    domain.DefaultPriority,
			SubmittedAt: "2024-01-01T00:00:00Z",
		})
	})
	if err != nil {
		t.Fatalf("seed review: %v", err)
	}
}

// move invokes the operation that targets status `to` for a task currently in `from`.
func (env testEnv) move(taskID, from, to string) error {
	var err error
	switch to {
	case domain.StatusInProgress:
		_, err = env.Engine.StartTask(env.Ctx, taskID, "worker-1")
	case domain.StatusBlocked:
		_, err = env.Engine.BlockTask(env.Ctx, taskID, "waiting")
	case domain.StatusQueued:
		_, err = env.Engine.ResolveDependencies(env.Ctx, taskID)
	case domain.StatusDone:
		if from == domain.StatusRework {
			_, _, err = env.Engine.ResubmitTask(env.Ctx, taskID)
		} else {
			_, _, err = env.Engine.CompleteTask(env.Ctx, taskID, "")
		}
	case domain.StatusCompleted:
		_, _, err = env.Engine.ApproveReview(env.Ctx, taskID, "reviewer", "")
	case domain.StatusRework:
		_, err = env.Engine.RejectReview(env.Ctx, taskID, "reviewer", "needs tests")
	default:
		err = errors.New("no operation targets " + to)
	}
	return err
}

func TestTransitionTable(t *testing.T) {
	core := []string{
		domain.StatusQueued, domain.StatusBlocked, domain.StatusInProgress,
		domain.StatusDone, domain.StatusRework, domain.StatusCompleted,
	}
	from := append(append([]string{}, core...),
		domain.StatusCancelled, domain.StatusSkipped, domain.StatusRejected,
		domain.StatusInterrupted, domain.StatusEscalated, domain.StatusWaitingInput)

	for _, f := range from {
		for _, to := range core {
			f, to := f, to
			t.Run(f+"->"+to, func(t *testing.T) {
				env := newTestEnv(t)
				gate := env.task(t, "gate")
				task := env.task(t, "subject", gate.ID)
				// Blocking needs an incomplete dependency; every other move needs it completed.
				if to != domain.StatusBlocked {
					env.forceStatus(t, gate.ID, domain.StatusCompleted)
				}
				env.forceStatus(t, task.ID, f)
				if f == domain.StatusDone || f == domain.StatusRework {
					env.seedReview(t, task.ID)
				}

				err := env.move(task.ID, f, to)
				if engine.CanTransition(f, to) {
					if err != nil {
						t.Fatalf("expected %s -> %s to succeed: %v", f, to, err)
					}
					if got := env.get(t, task.ID).Status; got != to {
						t.Fatalf("expected status %s, got %s", to, got)
					}
					return
				}
				var te *engine.TransitionError
				if !errors.As(err, &te) {
					t.Fatalf("expected transition error for %s -> %s, got %v", f, to, err)
				}
				if te.From != f || te.To != to || te.TaskID != task.ID {
					t.Fatalf("unexpected transition error fields: %+v", te)
				}
				if !strings.Contains(err.Error(), f) || !strings.Contains(err.Error(), to) {
					t.Fatalf("error should name both statuses: %v", err)
				}
				if !errors.Is(err, engine.ErrInvalidTransition) {
					t.Fatalf("expected ErrInvalidTransition, got %v", err)
				}
				if got := env.get(t, task.ID).Status; got != f {
					t.Fatalf("failed move changed status to %s", got)
				}
			})
		}
	}
}

func TestStartRequiresCompletedDependencies(t *testing.T) {
	env := newTestEnv(t)
	dep := env.task(t, "dep")
	task := env.task(t, "main", dep.ID)
	if task.Status != domain.StatusBlocked {
		t.Fatalf("expected BLOCKED on create, got %s", task.Status)
	}
	env.forceStatus(t, task.ID, domain.StatusQueued)

	_, err := env.Engine.StartTask(env.Ctx, task.ID, "worker-1")
	if !errors.Is(err, engine.ErrDependenciesIncomplete) {
		t.Fatalf("expected dependency error, got %v", err)
	}
	if !strings.Contains(err.Error(), "dependencies not completed") {
		t.Fatalf("unexpected message: %v", err)
	}
	var de *engine.DependencyError
	if !errors.As(err, &de) || len(de.Pending) != 1 || de.Pending[0] != dep.ID {
		t.Fatalf("expected pending [%s], got %v", dep.ID, err)
	}
}

func TestStartSetsAssigneeAndOrderInProgress(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, "a")
	started, err := env.Engine.StartTask(env.Ctx, task.ID, "worker-7")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if started.Assignee == nil || *started.Assignee != "worker-7" || started.StartedAt == nil {
		t.Fatalf("expected assignee and started_at, got %+v", started)
	}
	o, err := env.Engine.Repo.GetOrder(env.Ctx, env.Order.ID)
	if err != nil {
		t.Fatal(err)
	}
	if o.Status != domain.OrderInProgress {
		t.Fatalf("expected order IN_PROGRESS, got %s", o.Status)
	}
}

func TestCompleteCreatesSingleReview(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, "a")
	if _, err := env.Engine.StartTask(env.Ctx, task.ID, "w"); err != nil {
		t.Fatal(err)
	}
	_, rv, err := env.Engine.CompleteTask(env.Ctx, task.ID, "")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if rv.Status != domain.ReviewPending || rv.Priority != domain.DefaultPriority {
		t.Fatalf("expected PENDING/P1 review, got %+v", rv)
	}
	if _, _, err := env.Engine.CompleteTask(env.Ctx, task.ID, ""); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("second complete should be rejected, got %v", err)
	}

	// A task pushed back to IN_PROGRESS outside the engine reuses its row.
	env.forceStatus(t, task.ID, domain.StatusInProgress)
	_, again, err := env.Engine.CompleteTask(env.Ctx, task.ID, "P2")
	if err != nil {
		t.Fatalf("complete again: %v", err)
	}
	if again.ID != rv.ID || again.Priority != "P2" {
		t.Fatalf("expected reused review %s with P2, got %+v", rv.ID, again)
	}
	n, err := env.Engine.Repo.CountReviews(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 review row, got %d", n)
	}
}

func TestApproveUnblocksExactlyReadyDependents(t *testing.T) {
	env := newTestEnv(t)
	a := env.task(t, "a")
	other := env.task(t, "other")
	var ready []domain.Task
	for _, title := range []string{"b1", "b2", "b3"} {
		ready = append(ready, env.task(t, title, a.ID))
	}
	stuck := env.task(t, "c", a.ID, other.ID)

	if _, err := env.Engine.StartTask(env.Ctx, a.ID, "w"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := env.Engine.CompleteTask(env.Ctx, a.ID, ""); err != nil {
		t.Fatal(err)
	}
	_, unblocked, err := env.Engine.ApproveReview(env.Ctx, a.ID, "rev", "ok")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if len(unblocked) != len(ready) {
		t.Fatalf("expected %d unblocked, got %d", len(ready), len(unblocked))
	}
	for _, r := range ready {
		if got := env.get(t, r.ID).Status; got != domain.StatusQueued {
			t.Fatalf("%s expected QUEUED, got %s", r.Title, got)
		}
		n, err := env.Engine.Repo.CountEvents(env.Ctx, "task.unblocked", r.ID)
		if err != nil || n != 1 {
			t.Fatalf("expected one unblock event for %s, got %d (%v)", r.Title, n, err)
		}
	}
	if got := env.get(t, stuck.ID).Status; got != domain.StatusBlocked {
		t.Fatalf("task with incomplete dependency should stay BLOCKED, got %s", got)
	}
	if n, _ := env.Engine.Repo.CountEvents(env.Ctx, "task.unblocked", stuck.ID); n != 0 {
		t.Fatalf("expected no unblock event for stuck task, got %d", n)
	}
}

func TestResubmitEscalatesReview(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, "a")
	if _, err := env.Engine.StartTask(env.Ctx, task.ID, "w"); err != nil {
		t.Fatal(err)
	}
	_, first, err := env.Engine.CompleteTask(env.Ctx, task.ID, "P3")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.RejectReview(env.Ctx, task.ID, "rev", "missing tests"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	rejected, err := env.Engine.Repo.GetReviewByTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rejected.Status != domain.ReviewRejected || rejected.Comment == nil || *rejected.Comment != "missing tests" {
		t.Fatalf("unexpected rejected review: %+v", rejected)
	}
	updated, rv, err := env.Engine.ResubmitTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if updated.Status != domain.StatusDone {
		t.Fatalf("expected DONE, got %s", updated.Status)
	}
	if rv.Priority != domain.UrgentPriority || rv.Status != domain.ReviewPending {
		t.Fatalf("expected PENDING/P0 review, got %+v", rv)
	}
	if rv.ID == first.ID {
		t.Fatalf("expected a new review row")
	}
	if n, _ := env.Engine.Repo.CountReviews(env.Ctx, task.ID); n != 1 {
		t.Fatalf("expected 1 review row, got %d", n)
	}
}

func TestDependentScenario(t *testing.T) {
	env := newTestEnv(t)
	a := env.task(t, "A")
	b := env.task(t, "B", a.ID)
	if a.Status != domain.StatusQueued || b.Status != domain.StatusBlocked {
		t.Fatalf("unexpected initial statuses A=%s B=%s", a.Status, b.Status)
	}
	a, err := env.Engine.StartTask(env.Ctx, a.ID, "w")
	if err != nil || a.Status != domain.StatusInProgress {
		t.Fatalf("start A: %v", err)
	}
	a, rv, err := env.Engine.CompleteTask(env.Ctx, a.ID, "")
	if err != nil || a.Status != domain.StatusDone {
		t.Fatalf("complete A: %v", err)
	}
	if rv.Status != domain.ReviewPending || rv.Priority != "P1" {
		t.Fatalf("expected PENDING/P1, got %+v", rv)
	}
	a, unblocked, err := env.Engine.ApproveReview(env.Ctx, a.ID, "rev", "")
	if err != nil || a.Status != domain.StatusCompleted {
		t.Fatalf("approve A: %v", err)
	}
	if a.CompletedAt == nil {
		t.Fatalf("expected completed_at")
	}
	if len(unblocked) != 1 || unblocked[0].ID != b.ID {
		t.Fatalf("expected unblocked=[B], got %+v", unblocked)
	}
	if got := env.get(t, b.ID).Status; got != domain.StatusQueued {
		t.Fatalf("expected B QUEUED, got %s", got)
	}
	o, _ := env.Engine.Repo.GetOrder(env.Ctx, env.Order.ID)
	if o.Status == domain.OrderCompleted {
		t.Fatalf("order should stay open while B is queued")
	}
}

func TestApproveLastTaskCompletesOrder(t *testing.T) {
	env := newTestEnv(t)
	a := env.task(t, "a")
	skipped := env.task(t, "skipped")
	env.forceStatus(t, skipped.ID, domain.StatusSkipped)
	if _, err := env.Engine.StartTask(env.Ctx, a.ID, "w"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := env.Engine.CompleteTask(env.Ctx, a.ID, ""); err != nil {
		t.Fatal(err)
	}
	if _, _, err := env.Engine.ApproveReview(env.Ctx, a.ID, "rev", ""); err != nil {
		t.Fatal(err)
	}
	o, err := env.Engine.Repo.GetOrder(env.Ctx, env.Order.ID)
	if err != nil {
		t.Fatal(err)
	}
	if o.Status != domain.OrderCompleted {
		t.Fatalf("expected order COMPLETED, got %s", o.Status)
	}
}

func TestBlockRequiresIncompleteDependency(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, "solo")
	if _, err := env.Engine.BlockTask(env.Ctx, task.ID, "manual"); !errors.Is(err, engine.ErrDependenciesComplete) {
		t.Fatalf("expected ErrDependenciesComplete, got %v", err)
	}
	dep := env.task(t, "dep")
	waiting := env.task(t, "waiting", dep.ID)
	// Only an external script editing rows can queue a task with a pending dependency.
	env.forceStatus(t, waiting.ID, domain.StatusQueued)
	blocked, err := env.Engine.BlockTask(env.Ctx, waiting.ID, "dep not ready")
	if err != nil {
		t.Fatalf("block: %v", err)
	}
	if blocked.LastError == nil || *blocked.LastError != "dep not ready" {
		t.Fatalf("expected reason recorded, got %+v", blocked.LastError)
	}
	if _, err := env.Engine.ResolveDependencies(env.Ctx, waiting.ID); !errors.Is(err, engine.ErrDependenciesIncomplete) {
		t.Fatalf("expected ErrDependenciesIncomplete, got %v", err)
	}
}

func TestRecoverCrashedTask(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, "a")
	if _, err := env.Engine.StartTask(env.Ctx, task.ID, "w"); err != nil {
		t.Fatal(err)
	}
	ok, err := env.Engine.RecoverCrashedTask(env.Ctx, task.ID, "proj-1", "process 42 exited")
	if err != nil || !ok {
		t.Fatalf("expected recovery, got %v %v", ok, err)
	}
	got := env.get(t, task.ID)
	if got.Status != domain.StatusQueued || got.Assignee != nil || got.StartedAt != nil {
		t.Fatalf("unexpected recovered task: %+v", got)
	}
	if got.LastError == nil || *got.LastError != "process 42 exited" {
		t.Fatalf("expected last_error, got %v", got.LastError)
	}
	ok, err = env.Engine.RecoverCrashedTask(env.Ctx, task.ID, "proj-1", "again")
	if err != nil || ok {
		t.Fatalf("second recovery should be a no-op, got %v %v", ok, err)
	}
	if n, _ := env.Engine.Repo.CountEvents(env.Ctx, "task.crash_recovered", task.ID); n != 1 {
		t.Fatalf("expected one recovery event, got %d", n)
	}
}

func TestCreateTaskValidatesDependencies(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		OrderID: env.Order.ID, Title: "x", DependsOn: []string{"missing"},
	}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := env.Engine.InitProject(env.Ctx, "proj-2", "", "tester"); err != nil {
		t.Fatal(err)
	}
	o2, err := env.Engine.CreateOrder(env.Ctx, engine.OrderCreateOptions{ID: "ORDER_900", ProjectID: "proj-2"})
	if err != nil {
		t.Fatal(err)
	}
	foreign, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{OrderID: o2.ID, Title: "foreign"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		OrderID: env.Order.ID, Title: "x", DependsOn: []string{foreign.ID},
	}); err == nil {
		t.Fatalf("expected cross-project dependency to be rejected")
	}
}

func TestOrderSequence(t *testing.T) {
	env := newTestEnv(t)
	second, err := env.Engine.CreateOrder(env.Ctx, engine.OrderCreateOptions{ProjectID: "proj-1", Priority: "P0"})
	if err != nil {
		t.Fatal(err)
	}
	if env.Order.Seq != 1 || second.Seq != 2 || second.ID != "ORDER_002" {
		t.Fatalf("unexpected sequence: %d %d %s", env.Order.Seq, second.Seq, second.ID)
	}
	if _, err := env.Engine.CreateOrder(env.Ctx, engine.OrderCreateOptions{ProjectID: "proj-1", Priority: "P9"}); err == nil {
		t.Fatalf("expected invalid priority error")
	}
}
