package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/dispatchd/dispatchd/internal/broker/graph"
	"github.com/dispatchd/dispatchd/internal/broker/models"
	apperrors "github.com/dispatchd/dispatchd/internal/common/errors"
	"github.com/dispatchd/dispatchd/internal/db/dialect"
)

// dependencyTx exposes the blocking edges of a transaction to the cycle check.
type dependencyTx struct {
	tx *sqlx.Tx
}

func (d *dependencyTx) DependsOn(ctx context.Context, taskID int64) ([]int64, error) {
	var ids []int64
	err := d.tx.SelectContext(ctx, &ids, d.tx.Rebind(`
		SELECT child_task_id FROM task_relationships WHERE parent_task_id = ? AND relationship_type = 'blocked_by'
		UNION
		SELECT parent_task_id FROM task_relationships WHERE child_task_id = ? AND relationship_type = 'blocking'`),
		taskID, taskID)
	return ids, err
}

// blockingDependency maps a typed edge to its dependency direction:
// blocked_by(p, c) means p waits on c; blocking(p, c) means c waits on p.
func blockingDependency(rel *models.Relationship) (fromID, toID int64) {
	if rel.Type == models.RelationshipBlockedBy {
		return rel.ParentTaskID, rel.ChildTaskID
	}
	return rel.ChildTaskID, rel.ParentTaskID
}

// AddRelationship creates a directed edge between two tasks. Creation is
// idempotent: an existing identical edge is returned unchanged. Blocking
// edges are refused when they would close a dependency cycle, and the waiting
// task is moved to blocked while it is still available.
func (s *Store) AddRelationship(ctx context.Context, orgID int64, rel *models.Relationship, agentID string) (*models.Relationship, error) {
	var out *models.Relationship
	err := s.WithTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := getTaskTx(ctx, tx, rel.ParentTaskID, orgID); err != nil {
			return err
		}
		if _, err := getTaskTx(ctx, tx, rel.ChildTaskID, orgID); err != nil {
			return err
		}

		existing := &models.Relationship{}
		err := tx.GetContext(ctx, existing, tx.Rebind(`
			SELECT id, parent_task_id, child_task_id, relationship_type, created_at
			FROM task_relationships WHERE parent_task_id = ? AND child_task_id = ? AND relationship_type = ?`),
			rel.ParentTaskID, rel.ChildTaskID, rel.Type)
		if err == nil {
			out = existing
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		if rel.Type.IsBlockingEdge() {
			fromID, toID := blockingDependency(rel)
			cycle, err := graph.WouldCreateCycle(ctx, &dependencyTx{tx: tx}, fromID, toID)
			if err != nil {
				return err
			}
			if cycle {
				return apperrors.CircularDependency(rel.ParentTaskID, rel.ChildTaskID)
			}
		} else if rel.ParentTaskID == rel.ChildTaskID {
			return apperrors.ValidationError("child_task_id", "a task cannot relate to itself")
		}

		rel.CreatedAt = time.Now().UTC()
		id, err := dialect.InsertReturningIDTx(ctx, tx, s.driver, `
			INSERT INTO task_relationships (parent_task_id, child_task_id, relationship_type, created_at)
			VALUES (?, ?, ?, ?)`,
			rel.ParentTaskID, rel.ChildTaskID, rel.Type, rel.CreatedAt)
		if err != nil {
			return apperrors.DatabaseConstraint(err)
		}
		rel.ID = id

		if err := s.insertHistoryTx(ctx, tx, &models.ChangeRecord{
			TaskID:     rel.ParentTaskID,
			AgentID:    agentID,
			ChangeType: models.ChangeRelationshipAdded,
			FieldName:  string(rel.Type),
			NewValue:   fmt.Sprintf("%d", rel.ChildTaskID),
		}); err != nil {
			return err
		}

		if rel.Type.IsBlockingEdge() {
			fromID, _ := blockingDependency(rel)
			if err := s.persistBlockedTx(ctx, tx, fromID, agentID); err != nil {
				return err
			}
		}
		out = rel
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// persistBlockedTx moves a still-available waiting task to blocked.
func (s *Store) persistBlockedTx(ctx context.Context, tx *sqlx.Tx, taskID int64, agentID string) error {
	res, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE tasks SET task_status = 'blocked', updated_at = ? WHERE id = ? AND task_status = 'available'`),
		time.Now().UTC(), taskID)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return nil
	}
	return s.insertHistoryTx(ctx, tx, &models.ChangeRecord{
		TaskID:     taskID,
		AgentID:    agentID,
		ChangeType: models.ChangeStatusChanged,
		FieldName:  "task_status",
		OldValue:   string(models.TaskStatusAvailable),
		NewValue:   string(models.TaskStatusBlocked),
	})
}

// RemoveRelationship deletes an edge. When the last active blocker of a
// blocked task disappears, the task returns to available.
func (s *Store) RemoveRelationship(ctx context.Context, orgID int64, parentID, childID int64, relType models.RelationshipType, agentID string) error {
	return s.WithTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := getTaskTx(ctx, tx, parentID, orgID); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, tx.Rebind(`
			DELETE FROM task_relationships WHERE parent_task_id = ? AND child_task_id = ? AND relationship_type = ?`),
			parentID, childID, relType)
		if err != nil {
			return err
		}
		rows, _ := res.RowsAffected()
		if rows == 0 {
			return apperrors.NotFoundNamed("relationship", fmt.Sprintf("%d-%s-%d", parentID, relType, childID))
		}

		if err := s.insertHistoryTx(ctx, tx, &models.ChangeRecord{
			TaskID:     parentID,
			AgentID:    agentID,
			ChangeType: models.ChangeRelationshipRemoved,
			FieldName:  string(relType),
			OldValue:   fmt.Sprintf("%d", childID),
		}); err != nil {
			return err
		}

		if relType.IsBlockingEdge() {
			waitingID := parentID
			if relType == models.RelationshipBlocking {
				waitingID = childID
			}
			return s.unblockIfClearTx(ctx, tx, waitingID, agentID)
		}
		return nil
	})
}

// unblockIfClearTx returns a blocked task to available once no active
// blockers remain.
func (s *Store) unblockIfClearTx(ctx context.Context, tx *sqlx.Tx, taskID int64, agentID string) error {
	blocked, err := hasActiveBlockersTx(ctx, tx, taskID)
	if err != nil {
		return err
	}
	if blocked {
		return nil
	}

	res, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE tasks SET task_status = 'available', updated_at = ? WHERE id = ? AND task_status = 'blocked'`),
		time.Now().UTC(), taskID)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return nil
	}
	return s.insertHistoryTx(ctx, tx, &models.ChangeRecord{
		TaskID:     taskID,
		AgentID:    agentID,
		ChangeType: models.ChangeStatusChanged,
		FieldName:  "task_status",
		OldValue:   string(models.TaskStatusBlocked),
		NewValue:   string(models.TaskStatusAvailable),
	})
}

// unblockDependentsTx releases tasks that were waiting on resolvedID and now
// have no active blockers left.
func (s *Store) unblockDependentsTx(ctx context.Context, tx *sqlx.Tx, resolvedID int64, agentID string) error {
	var dependents []int64
	err := tx.SelectContext(ctx, &dependents, tx.Rebind(`
		SELECT parent_task_id FROM task_relationships WHERE child_task_id = ? AND relationship_type = 'blocked_by'
		UNION
		SELECT child_task_id FROM task_relationships WHERE parent_task_id = ? AND relationship_type = 'blocking'`),
		resolvedID, resolvedID)
	if err != nil {
		return err
	}
	for _, id := range dependents {
		if err := s.unblockIfClearTx(ctx, tx, id, agentID); err != nil {
			return err
		}
	}
	return nil
}

// ListRelationships returns every edge a task participates in, either side.
func (s *Store) ListRelationships(ctx context.Context, taskID int64) ([]*models.Relationship, error) {
	var rels []*models.Relationship
	err := s.ro.SelectContext(ctx, &rels, s.ro.Rebind(`
		SELECT id, parent_task_id, child_task_id, relationship_type, created_at
		FROM task_relationships WHERE parent_task_id = ? OR child_task_id = ?
		ORDER BY created_at ASC, id ASC`), taskID, taskID)
	if err != nil {
		return nil, err
	}
	return rels, nil
}

// Subtasks returns the subtask children of a parent task.
func (s *Store) Subtasks(ctx context.Context, parentID int64) ([]*models.Task, error) {
	var tasks []*models.Task
	err := s.ro.SelectContext(ctx, &tasks, s.ro.Rebind(`
		SELECT `+taskColumns+` FROM tasks
		WHERE id IN (SELECT child_task_id FROM task_relationships WHERE parent_task_id = ? AND relationship_type = 'subtask')
		ORDER BY id`), parentID)
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// ParentTasks returns the tasks holding taskID as a subtask.
func (s *Store) ParentTasks(ctx context.Context, taskID int64) ([]*models.Task, error) {
	var tasks []*models.Task
	err := s.ro.SelectContext(ctx, &tasks, s.ro.Rebind(`
		SELECT `+taskColumns+` FROM tasks
		WHERE id IN (SELECT parent_task_id FROM task_relationships WHERE child_task_id = ? AND relationship_type = 'subtask')
		ORDER BY id`), taskID)
	if err != nil {
		return nil, err
	}
	return tasks, nil
}
