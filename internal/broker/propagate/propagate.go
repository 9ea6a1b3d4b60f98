// Package propagate implements upward completion propagation: when the last
// subtask of a parent completes, the parent is completed on the system's
// behalf, and the effect cascades to grandparents.
package propagate

import (
	"context"
	"time"

	"github.com/dispatchd/dispatchd/internal/broker/models"
)

// TxStore is the slice of the store the propagation walk needs. All methods
// must operate inside the caller's transaction so the cascade commits
// atomically with the completion that triggered it.
type TxStore interface {
	// SubtaskParents returns the parents that hold taskID as a subtask.
	SubtaskParents(ctx context.Context, taskID int64) ([]int64, error)
	// SubtaskStatuses returns the statuses of all subtasks of parentID.
	SubtaskStatuses(ctx context.Context, parentID int64) ([]models.TaskStatus, error)
	GetTask(ctx context.Context, id int64) (*models.Task, error)
	// MarkAutoCompleted completes the parent as the system agent.
	MarkAutoCompleted(ctx context.Context, task *models.Task) error
}

// Eligible reports whether a parent should be auto-completed given its status
// and the statuses of its subtasks. A parent with no subtasks never
// auto-completes; cancelled subtasks count as resolved.
func Eligible(parentStatus models.TaskStatus, subtasks []models.TaskStatus) bool {
	if parentStatus == models.TaskStatusComplete || parentStatus == models.TaskStatusCancelled {
		return false
	}
	if len(subtasks) == 0 {
		return false
	}
	for _, status := range subtasks {
		if status != models.TaskStatusComplete && status != models.TaskStatusCancelled {
			return false
		}
	}
	return true
}

// Run walks upward from a freshly completed task, auto-completing every
// parent whose subtasks are now all resolved. Returns the parents completed,
// in completion order. The visited set makes the walk terminate even if the
// subtask graph contains a cycle.
func Run(ctx context.Context, tx TxStore, completedID int64) ([]*models.Task, error) {
	var completed []*models.Task
	visited := map[int64]bool{completedID: true}

	queue, err := tx.SubtaskParents(ctx, completedID)
	if err != nil {
		return nil, err
	}

	for len(queue) > 0 {
		parentID := queue[0]
		queue = queue[1:]
		if visited[parentID] {
			continue
		}
		visited[parentID] = true

		parent, err := tx.GetTask(ctx, parentID)
		if err != nil {
			return nil, err
		}
		statuses, err := tx.SubtaskStatuses(ctx, parentID)
		if err != nil {
			return nil, err
		}
		if !Eligible(parent.TaskStatus, statuses) {
			continue
		}

		if err := tx.MarkAutoCompleted(ctx, parent); err != nil {
			return nil, err
		}
		now := time.Now().UTC()
		parent.TaskStatus = models.TaskStatusComplete
		parent.VerificationStatus = models.VerificationUnverified
		parent.CompletedAt = &now
		parent.AssignedAgent = nil
		completed = append(completed, parent)

		grandparents, err := tx.SubtaskParents(ctx, parentID)
		if err != nil {
			return nil, err
		}
		queue = append(queue, grandparents...)
	}
	return completed, nil
}
