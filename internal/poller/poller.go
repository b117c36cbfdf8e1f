// Package poller watches the task statuses of active orders and turns
// differences between snapshots into notifications.
package poller

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"orderline/internal/domain"
	"orderline/internal/events"
	"orderline/internal/repo"
)

const (
	DefaultActiveInterval = 3 * time.Second
	DefaultIdleInterval   = 7 * time.Second
	DefaultTaskTimeout    = 30 * time.Minute
)

// TaskLister is the read path polled every tick.
type TaskLister interface {
	ListTasks(ctx context.Context, f repo.TaskFilters) ([]domain.Task, error)
}

type Config struct {
	ActiveInterval time.Duration
	IdleInterval   time.Duration
	TaskTimeout    time.Duration
}

// SessionInfo describes an active polling session.
type SessionInfo struct {
	ProjectID string        `json:"project_id"`
	OrderID   string        `json:"order_id"`
	Interval  time.Duration `json:"interval"`
	Polls     int           `json:"polls"`
}

type Supervisor struct {
	cfg   Config
	tasks TaskLister
	bus   events.Publisher
	log   logrus.FieldLogger
	Now   func() time.Time
	// OnSessionStop runs once per session after it stops for any reason.
	OnSessionStop func(projectID, orderID string)

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	projectID string
	orderID   string
	cancel    context.CancelFunc
	done      chan struct{}
	stopOnce  sync.Once

	// Touched only by the session goroutine.
	previous  map[string]string
	startedAt map[string]time.Time
	notified  map[string]bool
	seeded    bool

	mu       sync.Mutex
	interval time.Duration
	polls    int
}

func New(cfg Config, tasks TaskLister, bus events.Publisher, log logrus.FieldLogger) *Supervisor {
	if cfg.ActiveInterval <= 0 {
		cfg.ActiveInterval = DefaultActiveInterval
	}
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = DefaultIdleInterval
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = DefaultTaskTimeout
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Supervisor{
		cfg:      cfg,
		tasks:    tasks,
		bus:      bus,
		log:      log.WithField("component", "poller"),
		Now:      time.Now,
		sessions: map[string]*session{},
	}
}

func sessionKey(projectID, orderID string) string {
	return projectID + "/" + orderID
}

func (s *Supervisor) newSession(projectID, orderID string) *session {
	return &session{
		projectID: projectID,
		orderID:   orderID,
		done:      make(chan struct{}),
		previous:  map[string]string{},
		startedAt: map[string]time.Time{},
		notified:  map[string]bool{},
		interval:  s.cfg.IdleInterval,
	}
}

// Start begins polling an order. It returns false when a session for the
// pair is already running.
func (s *Supervisor) Start(projectID, orderID string) bool {
	key := sessionKey(projectID, orderID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[key]; ok {
		return false
	}
	sess := s.newSession(projectID, orderID)
	ctx, cancel := context.WithCancel(context.Background())
	sess.cancel = cancel
	s.sessions[key] = sess
	go s.run(ctx, sess)
	s.log.WithFields(logrus.Fields{"project_id": projectID, "order_id": orderID}).Info("polling started")
	return true
}

func (s *Supervisor) run(ctx context.Context, sess *session) {
	defer close(sess.done)
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		next, finished := s.poll(ctx, sess)
		if finished {
			s.detach(sess)
			s.stopped(sess)
			return
		}
		timer.Reset(next)
	}
}

// poll runs one tick and returns the delay until the next one, or true
// once every task of the order is terminal.
func (s *Supervisor) poll(ctx context.Context, sess *session) (time.Duration, bool) {
	log := s.log.WithFields(logrus.Fields{"project_id": sess.projectID, "order_id": sess.orderID})
	tasks, err := s.tasks.ListTasks(ctx, repo.TaskFilters{ProjectID: sess.projectID, OrderID: sess.orderID})
	if err != nil {
		if ctx.Err() == nil {
			log.WithError(err).Warn("poll failed, retrying at idle interval")
		}
		sess.setInterval(s.cfg.IdleInterval)
		return s.cfg.IdleInterval, false
	}
	now := s.Now()
	active := false
	allTerminal := len(tasks) > 0
	for _, t := range tasks {
		prev, seen := sess.previous[t.ID]
		if sess.seeded && (!seen || prev != t.Status) {
			s.publish(events.Notification{
				Type:           events.TaskStatusChanged,
				ProjectID:      sess.projectID,
				OrderID:        sess.orderID,
				TaskID:         t.ID,
				Status:         t.Status,
				PreviousStatus: prev,
			})
		}
		sess.previous[t.ID] = t.Status

		if t.Status == domain.StatusInProgress {
			active = true
			started, ok := sess.startedAt[t.ID]
			if !ok {
				started = startTime(t, now)
				sess.startedAt[t.ID] = started
			}
			if !sess.notified[t.ID] && now.Sub(started) > s.cfg.TaskTimeout {
				sess.notified[t.ID] = true
				log.WithField("task_id", t.ID).Warnf("task in progress for %s", now.Sub(started).Round(time.Second))
				s.publish(events.Notification{
					Type:      events.TaskTimeout,
					ProjectID: sess.projectID,
					OrderID:   sess.orderID,
					TaskID:    t.ID,
					Status:    t.Status,
					Message:   "task exceeded " + s.cfg.TaskTimeout.String(),
					Data:      map[string]any{"started_at": started.UTC().Format(time.RFC3339)},
				})
			}
		} else {
			delete(sess.startedAt, t.ID)
			delete(sess.notified, t.ID)
		}
		if !domain.IsTerminal(t.Status) {
			allTerminal = false
		}
	}
	sess.seeded = true
	sess.tick()
	if allTerminal {
		log.Info("all tasks terminal, polling stopped")
		s.publish(events.Notification{
			Type:      events.AllTasksCompleted,
			ProjectID: sess.projectID,
			OrderID:   sess.orderID,
			Data:      map[string]any{"tasks": len(tasks)},
		})
		return 0, true
	}
	next := s.cfg.IdleInterval
	if active {
		next = s.cfg.ActiveInterval
	}
	sess.setInterval(next)
	return next, false
}

// startTime prefers the persisted started_at so restarts keep the clock.
func startTime(t domain.Task, now time.Time) time.Time {
	if t.StartedAt != nil {
		if ts, err := time.Parse(time.RFC3339, *t.StartedAt); err == nil {
			return ts
		}
	}
	return now
}

func (sess *session) setInterval(d time.Duration) {
	sess.mu.Lock()
	sess.interval = d
	sess.mu.Unlock()
}

func (sess *session) tick() {
	sess.mu.Lock()
	sess.polls++
	sess.mu.Unlock()
}

func (s *Supervisor) detach(sess *session) {
	key := sessionKey(sess.projectID, sess.orderID)
	s.mu.Lock()
	if cur, ok := s.sessions[key]; ok && cur == sess {
		delete(s.sessions, key)
	}
	s.mu.Unlock()
}

func (s *Supervisor) stopped(sess *session) {
	sess.stopOnce.Do(func() {
		if s.OnSessionStop != nil {
			s.OnSessionStop(sess.projectID, sess.orderID)
		}
	})
}

// Stop ends the session for the pair and waits for its goroutine. It
// reports whether a session was running.
func (s *Supervisor) Stop(projectID, orderID string) bool {
	key := sessionKey(projectID, orderID)
	s.mu.Lock()
	sess, ok := s.sessions[key]
	delete(s.sessions, key)
	s.mu.Unlock()
	if !ok {
		return false
	}
	sess.cancel()
	<-sess.done
	s.stopped(sess)
	s.log.WithFields(logrus.Fields{"project_id": projectID, "order_id": orderID}).Info("polling stopped")
	return true
}

// StopAll ends every session.
func (s *Supervisor) StopAll() {
	for _, info := range s.Active() {
		s.Stop(info.ProjectID, info.OrderID)
	}
}

// Active lists running sessions ordered by project and order.
func (s *Supervisor) Active() []SessionInfo {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()
	out := make([]SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		sess.mu.Lock()
		out = append(out, SessionInfo{ProjectID: sess.projectID, OrderID: sess.orderID, Interval: sess.interval, Polls: sess.polls})
		sess.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProjectID != out[j].ProjectID {
			return out[i].ProjectID < out[j].ProjectID
		}
		return out[i].OrderID < out[j].OrderID
	})
	return out
}

func (s *Supervisor) publish(n events.Notification) {
	if s.bus == nil {
		return
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = s.Now().UTC()
	}
	s.bus.Publish(n)
}
