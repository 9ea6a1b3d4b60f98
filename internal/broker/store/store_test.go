package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"

	"github.com/dispatchd/dispatchd/internal/broker/models"
	apperrors "github.com/dispatchd/dispatchd/internal/common/errors"
	"github.com/dispatchd/dispatchd/internal/db"
)

func newTestStore(t *testing.T) *Store {
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

	pool := db.NewPool(sqlx.NewDb(writer, "sqlite3"), sqlx.NewDb(reader, "sqlite3"))
	t.Cleanup(func() { _ = pool.Close() })

	s, err := New(pool)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func mustCreateTask(t *testing.T, s *Store, task *models.Task) *models.Task {
	t.Helper()
	if task.TaskType == "" {
		task.TaskType = models.TaskTypeConcrete
	}
	if err := s.CreateTask(context.Background(), task, "test-agent"); err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func TestCreateAndGetTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := mustCreateTask(t, s, &models.Task{Title: "write parser", TaskInstruction: "parse the thing"})
	if task.ID == 0 {
		t.Fatal("expected assigned id")
	}

	got, err := s.GetTask(ctx, task.ID, 0)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Title != "write parser" {
		t.Errorf("title = %q", got.Title)
	}
	if got.TaskStatus != models.TaskStatusAvailable {
		t.Errorf("status = %s, want available", got.TaskStatus)
	}
	if got.Priority != models.PriorityMedium {
		t.Errorf("priority = %s, want medium default", got.Priority)
	}

	// Creation snapshots version 1 and records a history entry.
	n, err := s.LatestVersionNumber(ctx, task.ID)
	if err != nil {
		t.Fatalf("latest version: %v", err)
	}
	if n != 1 {
		t.Errorf("version = %d, want 1", n)
	}
	history, err := s.ListHistory(ctx, task.ID, 10)
	if err != nil {
		t.Fatalf("list history: %v", err)
	}
	if len(history) != 1 || history[0].ChangeType != models.ChangeCreated {
		t.Errorf("history = %+v, want one created entry", history)
	}
}

func TestGetTaskCrossTenantNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	orgA := int64(1)
	task := mustCreateTask(t, s, &models.Task{Title: "scoped", OrganizationID: &orgA})

	if _, err := s.GetTask(ctx, task.ID, 1); err != nil {
		t.Fatalf("same-org get: %v", err)
	}
	_, err := s.GetTask(ctx, task.ID, 2)
	if !apperrors.IsNotFound(err) {
		t.Fatalf("cross-tenant get should report not found, got %v", err)
	}
}

func TestUpdateTaskHistoryAndVersioning(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := mustCreateTask(t, s, &models.Task{Title: "old title"})

	newTitle := "new title"
	high := models.PriorityHigh
	updated, err := s.UpdateTask(ctx, task.ID, 0, "editor", &TaskPatch{Title: &newTitle, Priority: &high})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Title != "new title" || updated.Priority != models.PriorityHigh {
		t.Errorf("updated = %+v", updated)
	}

	history, err := s.ListHistory(ctx, task.ID, 10)
	if err != nil {
		t.Fatalf("list history: %v", err)
	}
	// created + title + priority
	if len(history) != 3 {
		t.Fatalf("history entries = %d, want 3", len(history))
	}
	var sawTitle bool
	for _, h := range history {
		if h.FieldName == "title" {
			sawTitle = true
			if h.OldValue != "old title" || h.NewValue != "new title" {
				t.Errorf("title change = %q -> %q", h.OldValue, h.NewValue)
			}
		}
	}
	if !sawTitle {
		t.Error("expected a title change entry")
	}

	n, err := s.LatestVersionNumber(ctx, task.ID)
	if err != nil {
		t.Fatalf("latest version: %v", err)
	}
	if n != 2 {
		t.Errorf("version = %d, want 2 after content change", n)
	}

	// A pure status flip must not mint a version.
	cancelled := models.TaskStatusCancelled
	if _, err := s.UpdateTask(ctx, task.ID, 0, "editor", &TaskPatch{TaskStatus: &cancelled}); err != nil {
		t.Fatalf("status update: %v", err)
	}
	n, _ = s.LatestVersionNumber(ctx, task.ID)
	if n != 2 {
		t.Errorf("version = %d, status changes must not snapshot", n)
	}
}

func TestUpdateTaskNoChanges(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := mustCreateTask(t, s, &models.Task{Title: "same"})
	same := "same"
	if _, err := s.UpdateTask(ctx, task.ID, 0, "editor", &TaskPatch{Title: &same}); err != nil {
		t.Fatalf("no-op update: %v", err)
	}
	history, _ := s.ListHistory(ctx, task.ID, 10)
	if len(history) != 1 {
		t.Errorf("no-op update must not add history, got %d entries", len(history))
	}
}

func TestListTasksFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustCreateTask(t, s, &models.Task{Title: "a", Priority: models.PriorityHigh})
	mustCreateTask(t, s, &models.Task{Title: "b", Priority: models.PriorityLow})
	mustCreateTask(t, s, &models.Task{Title: "c", TaskType: models.TaskTypeAbstract})

	high := models.PriorityHigh
	tasks, err := s.ListTasks(ctx, 0, &TaskFilter{Priority: &high, Limit: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Title != "a" {
		t.Errorf("priority filter returned %d tasks", len(tasks))
	}

	abstract := models.TaskTypeAbstract
	tasks, err = s.ListTasks(ctx, 0, &TaskFilter{TaskType: &abstract, Limit: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Title != "c" {
		t.Errorf("type filter returned %d tasks", len(tasks))
	}
}

func TestSearchTasks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustCreateTask(t, s, &models.Task{Title: "fix login redirect", TaskInstruction: "the oauth flow loops"})
	mustCreateTask(t, s, &models.Task{Title: "unrelated"})

	tasks, err := s.SearchTasks(ctx, 0, "oauth", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Title != "fix login redirect" {
		t.Errorf("search returned %d tasks", len(tasks))
	}
}

func TestSearchTasksTokenizedRanking(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	both := mustCreateTask(t, s, &models.Task{Title: "OAuth token refresh", Notes: "login keeps expiring"})
	one := mustCreateTask(t, s, &models.Task{Title: "login page styling"})
	verify := mustCreateTask(t, s, &models.Task{Title: "payment flow", VerificationInstruction: "run the LOGIN smoke test"})
	mustCreateTask(t, s, &models.Task{Title: "no match here"})

	// Each token matches independently and case-insensitively; rows hitting
	// more distinct tokens rank first.
	tasks, err := s.SearchTasks(ctx, 0, "Login OAUTH", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("search returned %d tasks, want 3", len(tasks))
	}
	if tasks[0].ID != both.ID {
		t.Errorf("first result = %q, want the two-token match", tasks[0].Title)
	}
	found := map[int64]bool{}
	for _, task := range tasks {
		found[task.ID] = true
	}
	if !found[one.ID] || !found[verify.ID] {
		t.Error("single-token matches must still be returned")
	}
	if !found[verify.ID] {
		t.Error("verification_instruction must be searched")
	}
}

func TestListTasksOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	low := mustCreateTask(t, s, &models.Task{Title: "low", Priority: models.PriorityLow})
	critical := mustCreateTask(t, s, &models.Task{Title: "critical", Priority: models.PriorityCritical})
	medium := mustCreateTask(t, s, &models.Task{Title: "medium"})

	// Touch the low task so it is the most recently updated.
	note := "bumped"
	if _, err := s.UpdateTask(ctx, low.ID, 0, "editor", &TaskPatch{Notes: &note}); err != nil {
		t.Fatal(err)
	}

	tasks, err := s.ListTasks(ctx, 0, &TaskFilter{Limit: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 3 || tasks[0].ID != low.ID {
		t.Errorf("default order should be most recently touched first, got %q", tasks[0].Title)
	}

	tasks, err = s.ListTasks(ctx, 0, &TaskFilter{OrderBy: "priority", Limit: 10})
	if err != nil {
		t.Fatalf("list by priority: %v", err)
	}
	if tasks[0].ID != critical.ID || tasks[1].ID != medium.ID || tasks[2].ID != low.ID {
		t.Errorf("priority order = %q, %q, %q", tasks[0].Title, tasks[1].Title, tasks[2].Title)
	}

	tasks, err = s.ListTasks(ctx, 0, &TaskFilter{OrderBy: "priority_asc", Limit: 10})
	if err != nil {
		t.Fatalf("list by priority_asc: %v", err)
	}
	if tasks[0].ID != low.ID || tasks[1].ID != medium.ID || tasks[2].ID != critical.ID {
		t.Errorf("priority_asc order = %q, %q, %q", tasks[0].Title, tasks[1].Title, tasks[2].Title)
	}
}

func TestStatistics(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustCreateTask(t, s, &models.Task{Title: "a"})
	mustCreateTask(t, s, &models.Task{Title: "b", Priority: models.PriorityHigh})

	stats, err := s.Statistics(ctx, 0, nil)
	if err != nil {
		t.Fatalf("statistics: %v", err)
	}
	if stats.Total != 2 {
		t.Errorf("total = %d, want 2", stats.Total)
	}
	if stats.ByStatus[models.TaskStatusAvailable] != 2 {
		t.Errorf("by status = %v", stats.ByStatus)
	}
	if stats.ByPriority[models.PriorityHigh] != 1 {
		t.Errorf("by priority = %v", stats.ByPriority)
	}
}

func TestNextAvailablePriorityOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustCreateTask(t, s, &models.Task{Title: "low", Priority: models.PriorityLow})
	mustCreateTask(t, s, &models.Task{Title: "critical", Priority: models.PriorityCritical})
	mustCreateTask(t, s, &models.Task{Title: "high", Priority: models.PriorityHigh})

	task, err := s.NextAvailable(ctx, 0, models.AgentTypeImplementation, nil)
	if err != nil {
		t.Fatalf("next available: %v", err)
	}
	if task == nil || task.Title != "critical" {
		t.Fatalf("next = %+v, want the critical task", task)
	}
}

func TestNextAvailableByAgentType(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustCreateTask(t, s, &models.Task{Title: "epic", TaskType: models.TaskTypeEpic})
	concrete := mustCreateTask(t, s, &models.Task{Title: "concrete"})

	task, err := s.NextAvailable(ctx, 0, models.AgentTypeBreakdown, nil)
	if err != nil {
		t.Fatalf("next available: %v", err)
	}
	if task == nil || task.Title != "epic" {
		t.Fatalf("breakdown agents should see abstract/epic work, got %+v", task)
	}

	task, err = s.NextAvailable(ctx, 0, models.AgentTypeImplementation, nil)
	if err != nil {
		t.Fatalf("next available: %v", err)
	}
	if task == nil || task.ID != concrete.ID {
		t.Fatalf("implementation agents should see concrete work, got %+v", task)
	}
}

func TestBlockedSubtaskBubblesUp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	grandparent := mustCreateTask(t, s, &models.Task{Title: "epic", TaskType: models.TaskTypeEpic})
	parent := mustCreateTask(t, s, &models.Task{Title: "feature", TaskType: models.TaskTypeAbstract})
	child := mustCreateTask(t, s, &models.Task{Title: "step"})
	blocker := mustCreateTask(t, s, &models.Task{Title: "prerequisite"})

	for _, edge := range []struct{ parentID, childID int64 }{
		{grandparent.ID, parent.ID},
		{parent.ID, child.ID},
	} {
		if _, err := s.AddRelationship(ctx, 0, &models.Relationship{
			ParentTaskID: edge.parentID, ChildTaskID: edge.childID, Type: models.RelationshipSubtask,
		}, "test-agent"); err != nil {
			t.Fatalf("add subtask: %v", err)
		}
	}
	if _, err := s.AddRelationship(ctx, 0, &models.Relationship{
		ParentTaskID: child.ID, ChildTaskID: blocker.ID, Type: models.RelationshipBlockedBy,
	}, "test-agent"); err != nil {
		t.Fatalf("add blocker: %v", err)
	}

	// The blocked leaf bubbles up every subtask ancestor on read, without
	// rewriting their rows.
	for _, id := range []int64{child.ID, parent.ID, grandparent.ID} {
		got, err := s.GetTask(ctx, id, 0)
		if err != nil {
			t.Fatal(err)
		}
		if got.TaskStatus != models.TaskStatusBlocked {
			t.Errorf("task %d status = %s, want blocked", id, got.TaskStatus)
		}
	}
	var stored string
	if err := s.ro.GetContext(ctx, &stored, s.ro.Rebind(`SELECT task_status FROM tasks WHERE id = ?`), parent.ID); err != nil {
		t.Fatal(err)
	}
	if stored != string(models.TaskStatusAvailable) {
		t.Errorf("stored parent status = %s, derived blocked must not persist", stored)
	}

	tasks, err := s.ListTasks(ctx, 0, &TaskFilter{Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	for _, task := range tasks {
		if (task.ID == parent.ID || task.ID == grandparent.ID) && task.TaskStatus != models.TaskStatusBlocked {
			t.Errorf("listed task %d status = %s, want blocked", task.ID, task.TaskStatus)
		}
	}

	// Ancestors of blocked work are not offered for breakdown.
	available, err := s.ListAvailable(ctx, 0, models.AgentTypeBreakdown, nil, 10)
	if err != nil {
		t.Fatal(err)
	}
	for _, task := range available {
		if task.ID == parent.ID || task.ID == grandparent.ID {
			t.Errorf("task %d offered despite a blocked subtask", task.ID)
		}
	}
}

func TestListAvailableVerificationLeads(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustCreateTask(t, s, &models.Task{Title: "urgent new work", Priority: models.PriorityCritical})
	needsCheck := mustCreateTask(t, s, &models.Task{Title: "finished work", Priority: models.PriorityLow})

	if _, err := s.LockIfAvailable(ctx, needsCheck.ID, 0, "agent-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CompleteIfOwner(ctx, needsCheck.ID, 0, "agent-1", "", nil); err != nil {
		t.Fatal(err)
	}

	// Work awaiting verification outranks fresh work regardless of priority.
	tasks, err := s.ListAvailable(ctx, 0, models.AgentTypeImplementation, nil, 10)
	if err != nil {
		t.Fatalf("list available: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("available = %d tasks, want 2", len(tasks))
	}
	if tasks[0].ID != needsCheck.ID {
		t.Errorf("first = %q, want the task awaiting verification", tasks[0].Title)
	}
}

func TestDeleteTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := mustCreateTask(t, s, &models.Task{Title: "doomed"})
	if err := s.DeleteTask(ctx, task.ID, 0); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetTask(ctx, task.ID, 0); !apperrors.IsNotFound(err) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if err := s.DeleteTask(ctx, task.ID, 0); !apperrors.IsNotFound(err) {
		t.Fatalf("double delete should report not found, got %v", err)
	}
}
