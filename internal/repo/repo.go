package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"orderline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// Transaction runs fn inside one transaction; fn's error rolls everything back.
func (r Repo) Transaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func fromNull(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

// --- projects ---

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(id,name,status,created_at) VALUES (?,?,?,?)`,
		p.ID, p.Name, p.Status, p.CreatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return getProject(ctx, r.DB, id)
}

func (r Repo) GetProjectTx(ctx context.Context, tx *sql.Tx, id string) (domain.Project, error) {
	return getProject(ctx, tx, id)
}

func getProject(ctx context.Context, q querier, id string) (domain.Project, error) {
	var p domain.Project
	err := q.QueryRowContext(ctx, `SELECT id,name,status,created_at FROM projects WHERE id=?`, id).
		Scan(&p.ID, &p.Name, &p.Status, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,status,created_at FROM projects ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Status, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// --- orders ---

const orderColumns = `id,project_id,seq,title,status,priority,created_at,updated_at`

func scanOrder(s rowScanner) (domain.Order, error) {
	var o domain.Order
	err := s.Scan(&o.ID, &o.ProjectID, &o.Seq, &o.Title, &o.Status, &o.Priority, &o.CreatedAt, &o.UpdatedAt)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	return o, err
}

func (r Repo) NextOrderSeq(ctx context.Context, tx *sql.Tx, projectID string) (int, error) {
	var seq int
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0)+1 FROM orders WHERE project_id=?`, projectID).Scan(&seq)
	return seq, err
}

func (r Repo) InsertOrder(ctx context.Context, tx *sql.Tx, o domain.Order) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO orders(`+orderColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		o.ID, o.ProjectID, o.Seq, o.Title, o.Status, o.Priority, o.CreatedAt, o.UpdatedAt)
	return err
}

func (r Repo) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	return scanOrder(r.DB.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=?`, id))
}

func (r Repo) GetOrderTx(ctx context.Context, tx *sql.Tx, id string) (domain.Order, error) {
	return scanOrder(tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=?`, id))
}

func (r Repo) ListOrders(ctx context.Context, projectID string) ([]domain.Order, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE project_id=? ORDER BY seq`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

func (r Repo) UpdateOrderStatus(ctx context.Context, tx *sql.Tx, id, status, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE orders SET status=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- tasks ---

const taskColumns = `id,project_id,order_id,seq,title,description,status,assignee,started_at,completed_at,last_error,created_at,updated_at`

func scanTask(s rowScanner) (domain.Task, error) {
	var t domain.Task
	var description, assignee, startedAt, completedAt, lastError sql.NullString
	err := s.Scan(&t.ID, &t.ProjectID, &t.OrderID, &t.Seq, &t.Title, &description, &t.Status,
		&assignee, &startedAt, &completedAt, &lastError, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if description.Valid {
		t.Description = description.String
	}
	t.Assignee = fromNull(assignee)
	t.StartedAt = fromNull(startedAt)
	t.CompletedAt = fromNull(completedAt)
	t.LastError = fromNull(lastError)
	return t, nil
}

func (r Repo) NextTaskSeq(ctx context.Context, tx *sql.Tx, orderID string) (int, error) {
	var seq int
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0)+1 FROM tasks WHERE order_id=?`, orderID).Scan(&seq)
	return seq, err
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ProjectID, t.OrderID, t.Seq, t.Title, nullable(t.Description), t.Status,
		nullableStringPtr(t.Assignee), nullableStringPtr(t.StartedAt), nullableStringPtr(t.CompletedAt),
		nullableStringPtr(t.LastError), t.CreatedAt, t.UpdatedAt)
	return err
}

// GetTask finds a task by id, dependencies included.
func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return getTask(ctx, r.DB, id)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	return getTask(ctx, tx, id)
}

func getTask(ctx context.Context, q querier, id string) (domain.Task, error) {
	t, err := scanTask(q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
	if err != nil {
		return t, err
	}
	t.DependsOn, err = listTaskDependencies(ctx, q, t.ID)
	return t, err
}

// TaskPatch is a partial task update. Nil fields are left untouched; a
// pointer to "" stores NULL.
type TaskPatch struct {
	Status      *string
	Assignee    *string
	StartedAt   *string
	CompletedAt *string
	LastError   *string
	UpdatedAt   string
}

func (r Repo) UpdateTaskFields(ctx context.Context, tx *sql.Tx, id string, p TaskPatch) error {
	var (
		fields []string
		args   []any
	)
	set := func(col string, v *string, allowNull bool) {
		if v == nil {
			return
		}
		fields = append(fields, col+"=?")
		if allowNull {
			args = append(args, nullable(*v))
		} else {
			args = append(args, *v)
		}
	}
	set("status", p.Status, false)
	set("assignee", p.Assignee, true)
	set("started_at", p.StartedAt, true)
	set("completed_at", p.CompletedAt, true)
	set("last_error", p.LastError, true)
	if p.UpdatedAt != "" {
		fields = append(fields, "updated_at=?")
		args = append(args, p.UpdatedAt)
	}
	if len(fields) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE tasks SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type TaskFilters struct {
	ProjectID string
	OrderID   string
	Status    string
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	return listTasks(ctx, r.DB, f)
}

func (r Repo) ListTasksTx(ctx context.Context, tx *sql.Tx, f TaskFilters) ([]domain.Task, error) {
	return listTasks(ctx, tx, f)
}

func listTasks(ctx context.Context, q querier, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.OrderID != "" {
		clauses = append(clauses, "order_id=?")
		args = append(args, f.OrderID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	rows, err := q.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks `+where+` ORDER BY order_id, seq`, args...)
	if err != nil {
		return nil, err
	}
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	// Dependencies are loaded after the cursor is closed; the pool holds one connection.
	for i := range res {
		deps, err := listTaskDependencies(ctx, q, res[i].ID)
		if err != nil {
			return nil, err
		}
		res[i].DependsOn = deps
	}
	return res, nil
}

func (r Repo) ListTaskDependencies(ctx context.Context, taskID string) ([]string, error) {
	return listTaskDependencies(ctx, r.DB, taskID)
}

func (r Repo) ListTaskDependenciesTx(ctx context.Context, tx *sql.Tx, taskID string) ([]string, error) {
	return listTaskDependencies(ctx, tx, taskID)
}

func listTaskDependencies(ctx context.Context, q querier, taskID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT depends_on_task_id FROM task_deps WHERE task_id=? ORDER BY depends_on_task_id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deps []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

func (r Repo) AddDependencies(ctx context.Context, tx *sql.Tx, taskID string, deps []string) error {
	for _, d := range deps {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO task_deps(task_id, depends_on_task_id) VALUES (?,?)`, taskID, d); err != nil {
			return err
		}
	}
	return nil
}

// DependencyStatuses maps each dependency of taskID to its current status.
func (r Repo) DependencyStatuses(ctx context.Context, tx *sql.Tx, taskID string) (map[string]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT d.depends_on_task_id, t.status FROM task_deps d JOIN tasks t ON t.id=d.depends_on_task_id WHERE d.task_id=?`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]string{}
	for rows.Next() {
		var id, status string
		if err := rows.Scan(&id, &status); err != nil {
			return nil, err
		}
		res[id] = status
	}
	return res, rows.Err()
}

func (r Repo) CountTasksByStatus(ctx context.Context, orderID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM tasks WHERE order_id=? GROUP BY status`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

// --- reviews ---

const reviewColumns = `id,task_id,status,priority,reviewer,comment,submitted_at,reviewed_at`

func scanReview(s rowScanner) (domain.Review, error) {
	var rv domain.Review
	var reviewer, comment, reviewedAt sql.NullString
	err := s.Scan(&rv.ID, &rv.TaskID, &rv.Status, &rv.Priority, &reviewer, &comment, &rv.SubmittedAt, &reviewedAt)
	if err == sql.ErrNoRows {
		return rv, ErrNotFound
	}
	if err != nil {
		return rv, err
	}
	rv.Reviewer = fromNull(reviewer)
	rv.Comment = fromNull(comment)
	rv.ReviewedAt = fromNull(reviewedAt)
	return rv, nil
}

func (r Repo) GetReviewByTask(ctx context.Context, taskID string) (domain.Review, error) {
	return scanReview(r.DB.QueryRowContext(ctx, `SELECT `+reviewColumns+` FROM reviews WHERE task_id=?`, taskID))
}

func (r Repo) GetReviewByTaskTx(ctx context.Context, tx *sql.Tx, taskID string) (domain.Review, error) {
	return scanReview(tx.QueryRowContext(ctx, `SELECT `+reviewColumns+` FROM reviews WHERE task_id=?`, taskID))
}

func (r Repo) InsertReview(ctx context.Context, tx *sql.Tx, rv domain.Review) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO reviews(`+reviewColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		rv.ID, rv.TaskID, rv.Status, rv.Priority, nullableStringPtr(rv.Reviewer), nullableStringPtr(rv.Comment),
		rv.SubmittedAt, nullableStringPtr(rv.ReviewedAt))
	return err
}

func (r Repo) UpdateReview(ctx context.Context, tx *sql.Tx, rv domain.Review) error {
	res, err := tx.ExecContext(ctx, `UPDATE reviews SET status=?, priority=?, reviewer=?, comment=?, submitted_at=?, reviewed_at=? WHERE id=?`,
		rv.Status, rv.Priority, nullableStringPtr(rv.Reviewer), nullableStringPtr(rv.Comment), rv.SubmittedAt,
		nullableStringPtr(rv.ReviewedAt), rv.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteReviewByTask(ctx context.Context, tx *sql.Tx, taskID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM reviews WHERE task_id=?`, taskID)
	return err
}

func (r Repo) CountReviews(ctx context.Context, taskID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM reviews WHERE task_id=?`, taskID).Scan(&n)
	return n, err
}
