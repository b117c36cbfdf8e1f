package events

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Recorder persists runtime notifications to the event log so they can be
// replayed by readers that were not subscribed at the time. Progress lines
// are skipped.
type Recorder struct {
	Writer Writer
	Bus    *Bus
	Log    logrus.FieldLogger
}

// Run records until ctx is cancelled, then flushes what is already buffered.
// Writes never observe the cancellation, so a notification taken off the
// channel is always persisted.
func (r Recorder) Run(ctx context.Context) {
	ch, cancel := r.Bus.Subscribe(256, Complete, TaskStatusChanged, TaskTimeout, TaskError, TaskCrash, AllTasksCompleted)
	defer cancel()
	writeCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			r.flush(writeCtx, ch)
			return
		case n, ok := <-ch:
			if !ok {
				return
			}
			r.write(writeCtx, n)
		}
	}
}

func (r Recorder) flush(ctx context.Context, ch <-chan Notification) {
	for {
		select {
		case n, ok := <-ch:
			if !ok {
				return
			}
			r.write(ctx, n)
		default:
			return
		}
	}
}

func (r Recorder) write(ctx context.Context, n Notification) {
	if err := r.record(ctx, n); err != nil && r.Log != nil {
		r.Log.WithError(err).WithField("type", n.Type).Warn("record notification")
	}
}

func (r Recorder) record(ctx context.Context, n Notification) error {
	kind, id := "order", n.OrderID
	switch {
	case n.TaskID != "":
		kind, id = "task", n.TaskID
	case n.ExecutionID != "":
		kind, id = "execution", n.ExecutionID
	}
	payload := EventPayload{"timestamp": n.Timestamp}
	if n.Status != "" {
		payload["status"] = n.Status
	}
	if n.PreviousStatus != "" {
		payload["previous_status"] = n.PreviousStatus
	}
	if n.Message != "" {
		payload["message"] = n.Message
	}
	if n.OrderID != "" {
		payload["order_id"] = n.OrderID
	}
	if n.ExecutionID != "" {
		payload["execution_id"] = n.ExecutionID
	}
	if n.Data != nil {
		payload["data"] = n.Data
	}
	return r.Writer.Record(ctx, string(n.Type), n.ProjectID, kind, id, "system", payload)
}
