package domain

// Task statuses of the core transition graph.
const (
	StatusQueued     = "QUEUED"
	StatusBlocked    = "BLOCKED"
	StatusInProgress = "IN_PROGRESS"
	StatusDone       = "DONE"
	StatusRework     = "REWORK"
	StatusCompleted  = "COMPLETED"
)

// Extended statuses found in persisted records. The state machine never
// produces them; external scripts may write them directly.
const (
	StatusCancelled    = "CANCELLED"
	StatusSkipped      = "SKIPPED"
	StatusRejected     = "REJECTED"
	StatusInterrupted  = "INTERRUPTED"
	StatusEscalated    = "ESCALATED"
	StatusWaitingInput = "WAITING_INPUT"
)

const (
	ReviewPending   = "PENDING"
	ReviewInReview  = "IN_REVIEW"
	ReviewApproved  = "APPROVED"
	ReviewRejected  = "REJECTED"
	DefaultPriority = "P1"
	UrgentPriority  = "P0"
)

const (
	OrderPlanning   = "PLANNING"
	OrderInProgress = "IN_PROGRESS"
	OrderCompleted  = "COMPLETED"
	OrderFailed     = "FAILED"
)

// IsTerminal reports whether a task status ends its lifecycle.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusCancelled, StatusSkipped, StatusRejected:
		return true
	}
	return false
}

// IsKnownStatus reports whether status is a recognised task status value.
func IsKnownStatus(status string) bool {
	switch status {
	case StatusQueued, StatusBlocked, StatusInProgress, StatusDone, StatusRework, StatusCompleted,
		StatusCancelled, StatusSkipped, StatusRejected, StatusInterrupted, StatusEscalated, StatusWaitingInput:
		return true
	}
	return false
}

// ValidPriority reports whether p is one of P0..P3.
func ValidPriority(p string) bool {
	switch p {
	case "P0", "P1", "P2", "P3":
		return true
	}
	return false
}

type Project struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status" enum:"active,archived"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Order struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Seq       int    `json:"seq"`
	Title     string `json:"title"`
	Status    string `json:"status" enum:"PLANNING,IN_PROGRESS,COMPLETED,FAILED"`
	Priority  string `json:"priority" enum:"P0,P1,P2,P3"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type Task struct {
	ID          string   `json:"id"`
	ProjectID   string   `json:"project_id"`
	OrderID     string   `json:"order_id"`
	Seq         int      `json:"seq"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Status      string   `json:"status"`
	Assignee    *string  `json:"assignee,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty"`
	StartedAt   *string  `json:"started_at,omitempty" format:"date-time"`
	CompletedAt *string  `json:"completed_at,omitempty" format:"date-time"`
	LastError   *string  `json:"last_error,omitempty"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
	UpdatedAt   string   `json:"updated_at" format:"date-time"`
}

type Review struct {
	ID          string  `json:"id"`
	TaskID      string  `json:"task_id"`
	Status      string  `json:"status" enum:"PENDING,IN_REVIEW,APPROVED,REJECTED"`
	Priority    string  `json:"priority" enum:"P0,P1,P2,P3"`
	Reviewer    *string `json:"reviewer,omitempty"`
	Comment     *string `json:"comment,omitempty"`
	SubmittedAt string  `json:"submitted_at" format:"date-time"`
	ReviewedAt  *string `json:"reviewed_at,omitempty" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
