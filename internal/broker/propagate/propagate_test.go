package propagate

import (
	"context"
	"testing"

	"github.com/dispatchd/dispatchd/internal/broker/models"
)

// fakeStore is an in-memory subtask graph for exercising the walk.
type fakeStore struct {
	tasks    map[int64]*models.Task
	parents  map[int64][]int64 // child -> parents
	children map[int64][]int64 // parent -> subtasks
	marked   []int64
}

func (f *fakeStore) SubtaskParents(_ context.Context, taskID int64) ([]int64, error) {
	return f.parents[taskID], nil
}

func (f *fakeStore) SubtaskStatuses(_ context.Context, parentID int64) ([]models.TaskStatus, error) {
	var statuses []models.TaskStatus
	for _, id := range f.children[parentID] {
		statuses = append(statuses, f.tasks[id].TaskStatus)
	}
	return statuses, nil
}

func (f *fakeStore) GetTask(_ context.Context, id int64) (*models.Task, error) {
	return f.tasks[id], nil
}

func (f *fakeStore) MarkAutoCompleted(_ context.Context, task *models.Task) error {
	f.tasks[task.ID].TaskStatus = models.TaskStatusComplete
	f.marked = append(f.marked, task.ID)
	return nil
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tasks:    make(map[int64]*models.Task),
		parents:  make(map[int64][]int64),
		children: make(map[int64][]int64),
	}
}

func (f *fakeStore) addTask(id int64, status models.TaskStatus) {
	f.tasks[id] = &models.Task{ID: id, TaskStatus: status}
}

func (f *fakeStore) addSubtask(parent, child int64) {
	f.parents[child] = append(f.parents[child], parent)
	f.children[parent] = append(f.children[parent], child)
}

func TestEligible(t *testing.T) {
	all := []models.TaskStatus{models.TaskStatusComplete, models.TaskStatusCancelled}
	if !Eligible(models.TaskStatusInProgress, all) {
		t.Error("parent with all subtasks resolved should be eligible")
	}
	if Eligible(models.TaskStatusComplete, all) {
		t.Error("already complete parent should not be eligible")
	}
	if Eligible(models.TaskStatusAvailable, nil) {
		t.Error("parent with no subtasks should never auto-complete")
	}
	if Eligible(models.TaskStatusAvailable, []models.TaskStatus{models.TaskStatusComplete, models.TaskStatusInProgress}) {
		t.Error("parent with an open subtask should not be eligible")
	}
}

func TestRunCascades(t *testing.T) {
	f := newFakeStore()
	// grandparent(1) <- parent(2) <- children(3 complete, 4 complete)
	f.addTask(1, models.TaskStatusAvailable)
	f.addTask(2, models.TaskStatusInProgress)
	f.addTask(3, models.TaskStatusComplete)
	f.addTask(4, models.TaskStatusComplete)
	f.addSubtask(1, 2)
	f.addSubtask(2, 3)
	f.addSubtask(2, 4)

	completed, err := Run(context.Background(), f, 4)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(completed) != 2 {
		t.Fatalf("expected 2 auto-completed tasks, got %d", len(completed))
	}
	if completed[0].ID != 2 || completed[1].ID != 1 {
		t.Errorf("expected completion order [2 1], got [%d %d]", completed[0].ID, completed[1].ID)
	}
	if f.tasks[1].TaskStatus != models.TaskStatusComplete {
		t.Error("grandparent should be complete")
	}
}

func TestRunStopsAtOpenSibling(t *testing.T) {
	f := newFakeStore()
	f.addTask(1, models.TaskStatusAvailable)
	f.addTask(2, models.TaskStatusComplete)
	f.addTask(3, models.TaskStatusInProgress)
	f.addSubtask(1, 2)
	f.addSubtask(1, 3)

	completed, err := Run(context.Background(), f, 2)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(completed) != 0 {
		t.Fatalf("expected no auto-completions, got %d", len(completed))
	}
	if f.tasks[1].TaskStatus != models.TaskStatusAvailable {
		t.Error("parent with open subtask must stay untouched")
	}
}

func TestRunTerminatesOnCycle(t *testing.T) {
	f := newFakeStore()
	f.addTask(1, models.TaskStatusAvailable)
	f.addTask(2, models.TaskStatusComplete)
	f.addSubtask(1, 2)
	f.addSubtask(2, 1)

	if _, err := Run(context.Background(), f, 2); err != nil {
		t.Fatalf("Run should terminate on cyclic subtask graphs: %v", err)
	}
}
