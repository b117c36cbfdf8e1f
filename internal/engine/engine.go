package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"orderline/internal/domain"
	"orderline/internal/events"
	"orderline/internal/repo"
)

// Engine owns every persisted task and review transition.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Log    logrus.FieldLogger
	Now    func() time.Time
}

func New(db *sql.DB, log logrus.FieldLogger) Engine {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Log:    log.WithField("component", "engine"),
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) writer() events.Writer {
	w := e.Events
	w.Now = e.Now
	return w
}

// InitProject creates a project row.
func (e Engine) InitProject(ctx context.Context, projectID, name, actorID string) (domain.Project, error) {
	if strings.TrimSpace(projectID) == "" {
		return domain.Project{}, errors.New("project id is required")
	}
	if name == "" {
		name = projectID
	}
	p := domain.Project{ID: projectID, Name: name, Status: "active", CreatedAt: e.stamp()}
	err := e.Repo.Transaction(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
			return fmt.Errorf("insert project: %w", err)
		}
		return e.writer().Append(ctx, tx, "project.init", p.ID, "project", p.ID, actorID, events.EventPayload{"name": p.Name})
	})
	if err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// OrderCreateOptions are parameters for creating an order.
type OrderCreateOptions struct {
	ID        string
	ProjectID string
	Title     string
	Priority  string
	ActorID   string
}

func (e Engine) CreateOrder(ctx context.Context, opts OrderCreateOptions) (domain.Order, error) {
	if opts.ProjectID == "" {
		return domain.Order{}, errors.New("project is required")
	}
	if opts.Priority == "" {
		opts.Priority = domain.DefaultPriority
	}
	if !domain.ValidPriority(opts.Priority) {
		return domain.Order{}, fmt.Errorf("invalid priority %q", opts.Priority)
	}
	var o domain.Order
	err := e.Repo.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := e.Repo.GetProjectTx(ctx, tx, opts.ProjectID); err != nil {
			return err
		}
		seq, err := e.Repo.NextOrderSeq(ctx, tx, opts.ProjectID)
		if err != nil {
			return err
		}
		now := e.stamp()
		// Order ids are unique per workspace, not per project.
		id := opts.ID
		if id == "" {
			id = fmt.Sprintf("ORDER_%03d", seq)
		}
		title := opts.Title
		if title == "" {
			title = id
		}
		o = domain.Order{
			ID:        id,
			ProjectID: opts.ProjectID,
			Seq:       seq,
			Title:     title,
			Status:    domain.OrderPlanning,
			Priority:  opts.Priority,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := e.Repo.InsertOrder(ctx, tx, o); err != nil {
			return fmt.Errorf("insert order: %w", err)
		}
		return e.writer().Append(ctx, tx, "order.created", o.ProjectID, "order", o.ID, opts.ActorID, events.EventPayload{"title": o.Title, "seq": o.Seq})
	})
	if err != nil {
		return domain.Order{}, err
	}
	return o, nil
}

// SetOrderStatus overwrites an order's status.
func (e Engine) SetOrderStatus(ctx context.Context, orderID, status, actorID string) (domain.Order, error) {
	switch status {
	case domain.OrderPlanning, domain.OrderInProgress, domain.OrderCompleted, domain.OrderFailed:
	default:
		return domain.Order{}, fmt.Errorf("invalid order status %q", status)
	}
	var o domain.Order
	err := e.Repo.Transaction(ctx, func(tx *sql.Tx) error {
		var err error
		o, err = e.Repo.GetOrderTx(ctx, tx, orderID)
		if err != nil {
			return err
		}
		from := o.Status
		o.Status = status
		o.UpdatedAt = e.stamp()
		if err := e.Repo.UpdateOrderStatus(ctx, tx, o.ID, o.Status, o.UpdatedAt); err != nil {
			return err
		}
		return e.writer().Append(ctx, tx, "order.updated", o.ProjectID, "order", o.ID, actorID, events.EventPayload{"from": from, "to": status})
	})
	return o, err
}

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ID          string
	OrderID     string
	Title       string
	Description string
	DependsOn   []string
	ActorID     string
}

// CreateTask inserts a task. It starts QUEUED when every dependency is
// already COMPLETED and BLOCKED otherwise.
func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if opts.Title == "" {
		return domain.Task{}, errors.New("title is required")
	}
	if opts.OrderID == "" {
		return domain.Task{}, errors.New("order is required")
	}
	var t domain.Task
	err := e.Repo.Transaction(ctx, func(tx *sql.Tx) error {
		o, err := e.Repo.GetOrderTx(ctx, tx, opts.OrderID)
		if err != nil {
			return fmt.Errorf("order %s: %w", opts.OrderID, err)
		}
		status := domain.StatusQueued
		for _, dep := range opts.DependsOn {
			d, err := e.Repo.GetTaskTx(ctx, tx, dep)
			if err != nil {
				return fmt.Errorf("dependency %s: %w", dep, err)
			}
			if d.ProjectID != o.ProjectID {
				return fmt.Errorf("dependency %s not in project %s", dep, o.ProjectID)
			}
			if d.Status != domain.StatusCompleted {
				status = domain.StatusBlocked
			}
		}
		seq, err := e.Repo.NextTaskSeq(ctx, tx, o.ID)
		if err != nil {
			return err
		}
		now := e.stamp()
		id := opts.ID
		if id == "" {
			id = uuid.NewSHA1(uuid.NameSpaceOID, []byte(o.ID+"|"+opts.Title+"|"+now+"|"+fmt.Sprint(seq))).String()
		}
		t = domain.Task{
			ID:          id,
			ProjectID:   o.ProjectID,
			OrderID:     o.ID,
			Seq:         seq,
			Title:       opts.Title,
			Description: opts.Description,
			Status:      status,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		if err := e.Repo.AddDependencies(ctx, tx, t.ID, opts.DependsOn); err != nil {
			return err
		}
		return e.writer().Append(ctx, tx, "task.created", t.ProjectID, "task", t.ID, opts.ActorID, events.EventPayload{"title": t.Title, "status": t.Status})
	})
	if err != nil {
		return domain.Task{}, err
	}
	t.DependsOn = opts.DependsOn
	return t, nil
}

// ListOrderTasks returns an order's tasks in sequence order.
func (e Engine) ListOrderTasks(ctx context.Context, projectID, orderID string) ([]domain.Task, error) {
	return e.Repo.ListTasks(ctx, repo.TaskFilters{ProjectID: projectID, OrderID: orderID})
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func ptr(s string) *string { return &s }
