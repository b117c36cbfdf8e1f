package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderline/internal/db"
	"orderline/internal/logging"
	"orderline/internal/migrate"
)

func TestBusFiltersByType(t *testing.T) {
	bus := NewBus(logging.Discard())
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	bus.Now = func() time.Time { return fixed }

	crashes, cancelCrashes := bus.Subscribe(4, TaskCrash)
	defer cancelCrashes()
	all, cancelAll := bus.Subscribe(4)
	defer cancelAll()

	bus.Publish(Notification{Type: Progress, Message: "line"})
	bus.Publish(Notification{Type: TaskCrash, TaskID: "T1"})

	require.Len(t, all, 2)
	require.Len(t, crashes, 1)
	n := <-crashes
	assert.Equal(t, "T1", n.TaskID)
	assert.Equal(t, fixed, n.Timestamp)
}

func TestBusDropsWhenBufferFull(t *testing.T) {
	bus := NewBus(logging.Discard())
	ch, cancel := bus.Subscribe(1)
	defer cancel()

	bus.Publish(Notification{Type: Progress, Message: "a"})
	bus.Publish(Notification{Type: Progress, Message: "b"})

	require.Len(t, ch, 1)
	assert.Equal(t, "a", (<-ch).Message)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus(logging.Discard())
	ch, cancel := bus.Subscribe(1)
	assert.Equal(t, 1, bus.Subscribers())
	cancel()
	cancel()
	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, bus.Subscribers())
	bus.Publish(Notification{Type: Complete})
}

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return conn
}

func TestRecorderPersistsNotifications(t *testing.T) {
	conn := openDB(t)
	bus := NewBus(logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		Recorder{Writer: Writer{DB: conn}, Bus: bus, Log: logging.Discard()}.Run(ctx)
	}()
	require.Eventually(t, func() bool { return bus.Subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)

	bus.Publish(Notification{Type: Progress, ProjectID: "P", OrderID: "O", Message: "skipped"})
	bus.Publish(Notification{Type: TaskStatusChanged, ProjectID: "P", OrderID: "O", TaskID: "T", PreviousStatus: "QUEUED", Status: "IN_PROGRESS"})
	bus.Publish(Notification{Type: AllTasksCompleted, ProjectID: "P", OrderID: "O"})
	cancel()
	<-done

	rows, err := conn.Query(`SELECT type, entity_kind, entity_id, actor_id, payload_json FROM events ORDER BY id`)
	require.NoError(t, err)
	defer rows.Close()
	type row struct {
		typ, kind, id, actor string
		payload              map[string]any
	}
	var got []row
	for rows.Next() {
		var r row
		var raw string
		require.NoError(t, rows.Scan(&r.typ, &r.kind, &r.id, &r.actor, &raw))
		require.NoError(t, json.Unmarshal([]byte(raw), &r.payload))
		got = append(got, r)
	}
	require.NoError(t, rows.Err())
	require.Len(t, got, 2)

	assert.Equal(t, string(TaskStatusChanged), got[0].typ)
	assert.Equal(t, "task", got[0].kind)
	assert.Equal(t, "T", got[0].id)
	assert.Equal(t, "system", got[0].actor)
	assert.Equal(t, "QUEUED", got[0].payload["previous_status"])
	assert.Equal(t, "IN_PROGRESS", got[0].payload["status"])

	assert.Equal(t, string(AllTasksCompleted), got[1].typ)
	assert.Equal(t, "order", got[1].kind)
	assert.Equal(t, "O", got[1].id)
}

func TestRecorderFlushesBacklogOnCancel(t *testing.T) {
	conn := openDB(t)
	bus := NewBus(logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		Recorder{Writer: Writer{DB: conn}, Bus: bus, Log: logging.Discard()}.Run(ctx)
	}()
	require.Eventually(t, func() bool { return bus.Subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)

	for i := 0; i < 50; i++ {
		bus.Publish(Notification{Type: Complete, ProjectID: "P", ExecutionID: "E"})
	}
	cancel()
	<-done

	var count int
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM events WHERE type = ?`, string(Complete)).Scan(&count))
	assert.Equal(t, 50, count)
}
