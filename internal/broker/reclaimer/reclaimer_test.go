package reclaimer

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/dispatchd/dispatchd/internal/broker/models"
	"github.com/dispatchd/dispatchd/internal/broker/store"
	"github.com/dispatchd/dispatchd/internal/common/logger"
	"github.com/dispatchd/dispatchd/internal/db"
	"github.com/dispatchd/dispatchd/internal/events"
	"github.com/dispatchd/dispatchd/internal/events/bus"
)

func newTestStore(t *testing.T) (*store.Store, *sqlx.DB) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "broker.db")

	writer, err := db.OpenSQLite(path)
	if err != nil {
		t.Fatalf("open writer: %v", err)
	}
	reader, err := db.OpenSQLiteReader(path)
	if err != nil {
		t.Fatalf("open reader: %v", err)
	}

	writerDB := sqlx.NewDb(writer, "sqlite3")
	pool := db.NewPool(writerDB, sqlx.NewDb(reader, "sqlite3"))
	t.Cleanup(func() { _ = pool.Close() })

	s, err := store.New(pool)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s, writerDB
}

func TestRunOnceReclaimsAndPublishes(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	task := &models.Task{Title: "stuck", TaskType: models.TaskTypeConcrete}
	if err := s.CreateTask(ctx, task, "test"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.LockIfAvailable(ctx, task.ID, 0, "agent-1"); err != nil {
		t.Fatal(err)
	}
	memBus := bus.NewMemoryEventBus(logger.Default())
	var mu sync.Mutex
	var received []*bus.Event
	if _, err := memBus.Subscribe(events.BuildTaskWildcardSubject(events.TaskReclaimed), func(_ context.Context, e *bus.Event) error {
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	r := New(s, memBus, logger.Default(), time.Minute, 0)
	// Timeout of zero hours makes every lease stale immediately.
	r.RunOnce(ctx)

	got, err := s.GetTask(ctx, task.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got.TaskStatus != models.TaskStatusAvailable {
		t.Errorf("status = %s, want available after reclaim", got.TaskStatus)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("events = %d, want 1", len(received))
	}
	if received[0].Type != events.TaskReclaimed {
		t.Errorf("event type = %s", received[0].Type)
	}
}

func TestStalenessFollowsLastTouch(t *testing.T) {
	s, writer := newTestStore(t)
	ctx := context.Background()

	quiet := &models.Task{Title: "quiet", TaskType: models.TaskTypeConcrete}
	if err := s.CreateTask(ctx, quiet, "test"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.LockIfAvailable(ctx, quiet.ID, 0, "agent-1"); err != nil {
		t.Fatal(err)
	}

	// Work began just now, but nothing has touched the task for 25 hours.
	// The clock that matters is the last touch, not the start.
	old := time.Now().UTC().Add(-25 * time.Hour)
	if _, err := writer.ExecContext(ctx, writer.Rebind(`UPDATE tasks SET updated_at = ? WHERE id = ?`), old, quiet.ID); err != nil {
		t.Fatal(err)
	}

	r := New(s, nil, logger.Default(), time.Minute, 24)
	r.RunOnce(ctx)

	got, err := s.GetTask(ctx, quiet.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got.TaskStatus != models.TaskStatusAvailable {
		t.Errorf("status = %s, want the silent lease reclaimed", got.TaskStatus)
	}
	if got.StartedAt == nil {
		t.Error("reclaim must not erase started_at")
	}
}

func TestStartStop(t *testing.T) {
	s, _ := newTestStore(t)
	r := New(s, nil, logger.Default(), 10*time.Millisecond, 24)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r.Start(ctx)
	time.Sleep(30 * time.Millisecond)
	r.Stop()
	// Stop must be idempotent.
	r.Stop()
}
