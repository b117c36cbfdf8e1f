// Package monitor watches pids launched by the parallel launcher and
// recovers tasks whose process vanished while still IN_PROGRESS.
package monitor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"orderline/internal/domain"
	"orderline/internal/events"
	"orderline/internal/proc"
)

const DefaultInterval = 5 * time.Second

// Entry is one monitored process.
type Entry struct {
	PID          int       `json:"pid"`
	TaskID       string    `json:"task_id"`
	ProjectID    string    `json:"project_id"`
	OrderID      string    `json:"order_id"`
	LogFile      string    `json:"log_file,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
}

// TaskReader is the read path used to re-check a task after its process died.
type TaskReader interface {
	GetTask(ctx context.Context, id string) (domain.Task, error)
}

// Recoverer resets a crashed task. It must be idempotent.
type Recoverer interface {
	RecoverCrashedTask(ctx context.Context, taskID, projectID, reason string) (bool, error)
}

type loop struct {
	cancel context.CancelFunc
	done   chan struct{}
}

type Monitor struct {
	prober    proc.Prober
	tasks     TaskReader
	recoverer Recoverer
	bus       events.Publisher
	log       logrus.FieldLogger
	interval  time.Duration
	Now       func() time.Time

	mu      sync.Mutex
	entries map[int]Entry
	loop    *loop
}

func New(prober proc.Prober, tasks TaskReader, recoverer Recoverer, bus events.Publisher, log logrus.FieldLogger, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Monitor{
		prober:    prober,
		tasks:     tasks,
		recoverer: recoverer,
		bus:       bus,
		log:       log.WithField("component", "monitor"),
		interval:  interval,
		Now:       time.Now,
		entries:   map[int]Entry{},
	}
}

// Register tracks a pid and starts the sweep loop if it is idle.
func (m *Monitor) Register(e Entry) {
	if e.RegisteredAt.IsZero() {
		e.RegisteredAt = m.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[e.PID] = e
	m.log.WithFields(logrus.Fields{"pid": e.PID, "task_id": e.TaskID, "order_id": e.OrderID}).Debug("process registered")
	if m.loop == nil {
		ctx, cancel := context.WithCancel(context.Background())
		l := &loop{cancel: cancel, done: make(chan struct{})}
		m.loop = l
		go m.run(ctx, l)
	}
}

func (m *Monitor) run(ctx context.Context, l *loop) {
	defer close(l.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		m.Sweep(ctx)
		m.mu.Lock()
		if len(m.entries) == 0 && m.loop == l {
			m.loop = nil
			m.mu.Unlock()
			l.cancel()
			m.log.Debug("registry empty, monitor stopped")
			return
		}
		m.mu.Unlock()
	}
}

// Sweep probes every registered pid once and handles the dead ones. It
// returns the number of crashes detected.
func (m *Monitor) Sweep(ctx context.Context) int {
	crashes := 0
	for _, e := range m.Entries() {
		if m.prober.IsAlive(e.PID) {
			continue
		}
		log := m.log.WithFields(logrus.Fields{"pid": e.PID, "task_id": e.TaskID, "project_id": e.ProjectID})
		t, err := m.tasks.GetTask(ctx, e.TaskID)
		if err != nil {
			// Kept so the next sweep retries the read.
			log.WithError(err).Error("read task for dead process")
			continue
		}
		switch {
		case domain.IsTerminal(t.Status):
			log.Debug("process exited after task finished")
		case t.Status == domain.StatusInProgress:
			if m.crash(ctx, e, t, log) {
				crashes++
			}
		default:
			log.WithField("status", t.Status).Debug("process exited, task already moved on")
		}
		m.remove(e.PID)
	}
	return crashes
}

// crash recovers the task and reports whether a crash was signalled.
func (m *Monitor) crash(ctx context.Context, e Entry, t domain.Task, log logrus.FieldLogger) bool {
	reason := fmt.Sprintf("process %d exited while task was %s", e.PID, domain.StatusInProgress)
	if e.LogFile != "" {
		reason += " (log: " + e.LogFile + ")"
	}
	projectID := e.ProjectID
	if projectID == "" {
		projectID = t.ProjectID
	}
	recovered, err := m.recoverer.RecoverCrashedTask(ctx, t.ID, projectID, reason)
	if err != nil {
		log.WithError(err).Error("crash recovery failed")
	} else if !recovered {
		// The task left IN_PROGRESS between the read and the recovery.
		log.Debug("task moved on before recovery, crash ignored")
		return false
	}
	status := t.Status
	if recovered {
		status = domain.StatusQueued
	}
	log.Warn(reason)
	if m.bus == nil {
		return true
	}
	m.bus.Publish(events.Notification{
		Type:           events.TaskCrash,
		ProjectID:      projectID,
		OrderID:        firstNonEmpty(e.OrderID, t.OrderID),
		TaskID:         t.ID,
		Status:         status,
		PreviousStatus: domain.StatusInProgress,
		Message:        reason,
		Data: map[string]any{
			"pid":       e.PID,
			"log_file":  e.LogFile,
			"recovered": recovered,
		},
		Timestamp: m.Now().UTC(),
	})
	return true
}

func (m *Monitor) remove(pid int) {
	m.mu.Lock()
	delete(m.entries, pid)
	m.mu.Unlock()
}

// ReleaseOrder drops every entry of an order and stops the loop when
// nothing is left to watch.
func (m *Monitor) ReleaseOrder(orderID string) {
	m.mu.Lock()
	for pid, e := range m.entries {
		if e.OrderID == orderID {
			delete(m.entries, pid)
		}
	}
	empty := len(m.entries) == 0
	m.mu.Unlock()
	if empty {
		m.Stop()
	}
}

// Stop halts the sweep loop and waits for it to exit. Entries are kept;
// a later Register restarts the loop.
func (m *Monitor) Stop() {
	m.mu.Lock()
	l := m.loop
	m.loop = nil
	m.mu.Unlock()
	if l == nil {
		return
	}
	l.cancel()
	<-l.done
}

// Running reports whether the sweep loop is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loop != nil
}

// Entries returns a snapshot ordered by pid.
func (m *Monitor) Entries() []Entry {
	m.mu.Lock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
