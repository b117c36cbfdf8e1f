package events

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Type names a runtime notification consumed by the UI layer.
type Type string

const (
	Progress          Type = "progress"
	Complete          Type = "complete"
	TaskStatusChanged Type = "task-status-changed"
	TaskTimeout       Type = "task-timeout"
	TaskError         Type = "task-error"
	TaskCrash         Type = "task-crash"
	AllTasksCompleted Type = "all-tasks-completed"
)

// Notification is one runtime event. Data carries a type specific payload,
// e.g. the job result for Complete.
type Notification struct {
	Type           Type      `json:"type"`
	ProjectID      string    `json:"project_id,omitempty"`
	OrderID        string    `json:"order_id,omitempty"`
	TaskID         string    `json:"task_id,omitempty"`
	ExecutionID    string    `json:"execution_id,omitempty"`
	Status         string    `json:"status,omitempty"`
	PreviousStatus string    `json:"previous_status,omitempty"`
	Stream         string    `json:"stream,omitempty"`
	Message        string    `json:"message,omitempty"`
	Data           any       `json:"data,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Publisher is the write side of the bus.
type Publisher interface {
	Publish(n Notification)
}

type subscription struct {
	ch    chan Notification
	types map[Type]bool
}

// Bus fans notifications out to explicit subscribers. Publishing never
// blocks: a subscriber whose buffer is full misses the notification.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*subscription
	next int
	log  logrus.FieldLogger
	Now  func() time.Time
}

func NewBus(log logrus.FieldLogger) *Bus {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Bus{
		subs: map[int]*subscription{},
		log:  log.WithField("component", "events"),
		Now:  time.Now,
	}
}

// Subscribe registers a subscriber for the given types (all when empty).
// The returned func unsubscribes and closes the channel.
func (b *Bus) Subscribe(buffer int, types ...Type) (<-chan Notification, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &subscription{ch: make(chan Notification, buffer)}
	if len(types) > 0 {
		sub.types = map[Type]bool{}
		for _, t := range types {
			sub.types[t] = true
		}
	}
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(sub.ch)
			b.mu.Unlock()
		})
	}
}

func (b *Bus) Publish(n Notification) {
	if n.Timestamp.IsZero() {
		n.Timestamp = b.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.types != nil && !sub.types[n.Type] {
			continue
		}
		select {
		case sub.ch <- n:
		default:
			b.log.WithField("type", n.Type).Warn("subscriber buffer full, notification dropped")
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
