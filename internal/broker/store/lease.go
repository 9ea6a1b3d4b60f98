package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/dispatchd/dispatchd/internal/broker/models"
	"github.com/dispatchd/dispatchd/internal/broker/propagate"
	apperrors "github.com/dispatchd/dispatchd/internal/common/errors"
	"github.com/dispatchd/dispatchd/internal/tracing"
)

// LockResult is the outcome of a successful reservation.
type LockResult struct {
	Task *models.Task
	// ForVerification is true when the lease re-opened a completed task so
	// the agent can verify it.
	ForVerification bool
}

// LockIfAvailable atomically reserves a task for an agent. Available tasks
// take a work lease; complete-but-unverified tasks take a verification lease
// that keeps completed_at intact. The status check and the update run as one
// conditional statement, so two agents can never hold the same task.
func (s *Store) LockIfAvailable(ctx context.Context, taskID, orgID int64, agentID string) (*LockResult, error) {
	ctx, span := tracing.Tracer("dispatchd-db").Start(ctx, "db.LockIfAvailable")
	defer span.End()

	result := &LockResult{}
	err := s.WithTx(ctx, func(tx *sqlx.Tx) error {
		task, err := getTaskTx(ctx, tx, taskID, orgID)
		if err != nil {
			return err
		}

		switch {
		case task.TaskStatus == models.TaskStatusAvailable:
			blocked, err := hasActiveBlockersTx(ctx, tx, taskID)
			if err != nil {
				return err
			}
			if blocked {
				return apperrors.NotReservable(taskID, string(models.TaskStatusBlocked), "")
			}
			result.ForVerification = false
		case task.NeedsVerification():
			result.ForVerification = true
		default:
			holder := ""
			if task.AssignedAgent != nil {
				holder = *task.AssignedAgent
			}
			return apperrors.NotReservable(taskID, string(task.TaskStatus), holder)
		}

		// started_at marks when work first began; a re-reservation keeps the
		// original value.
		now := time.Now().UTC()
		var res sql.Result
		if result.ForVerification {
			res, err = tx.ExecContext(ctx, tx.Rebind(`
				UPDATE tasks SET task_status = 'in_progress', assigned_agent = ?, started_at = COALESCE(started_at, ?), updated_at = ?
				WHERE id = ? AND task_status = 'complete' AND verification_status = 'unverified'`),
				agentID, now, now, taskID)
		} else {
			res, err = tx.ExecContext(ctx, tx.Rebind(`
				UPDATE tasks SET task_status = 'in_progress', assigned_agent = ?, started_at = COALESCE(started_at, ?), updated_at = ?
				WHERE id = ? AND task_status = 'available'`),
				agentID, now, now, taskID)
		}
		if err != nil {
			return err
		}
		rows, _ := res.RowsAffected()
		if rows == 0 {
			// Lost the race to another agent between read and update.
			current, readErr := getTaskTx(ctx, tx, taskID, orgID)
			if readErr != nil {
				return readErr
			}
			holder := ""
			if current.AssignedAgent != nil {
				holder = *current.AssignedAgent
			}
			return apperrors.NotReservable(taskID, string(current.TaskStatus), holder)
		}

		changeType := models.ChangeLocked
		if result.ForVerification {
			changeType = models.ChangeLockedForVerification
		}
		if err := s.insertHistoryTx(ctx, tx, &models.ChangeRecord{
			TaskID:     taskID,
			AgentID:    agentID,
			ChangeType: changeType,
		}); err != nil {
			return err
		}

		result.Task, err = getTaskTx(ctx, tx, taskID, orgID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// UnlockIfOwner releases a lease held by agentID. A verification lease
// reverts to complete/unverified; a work lease reverts to available.
func (s *Store) UnlockIfOwner(ctx context.Context, taskID, orgID int64, agentID string) (*models.Task, error) {
	var task *models.Task
	err := s.WithTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		task, err = unlockTx(ctx, tx, s, taskID, orgID, agentID, models.ChangeUnlocked, "")
		return err
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// unlockTx performs the conditional unlock inside an existing transaction.
func unlockTx(ctx context.Context, tx *sqlx.Tx, s *Store, taskID, orgID int64, agentID, changeType, notes string) (*models.Task, error) {
	current, err := getTaskTx(ctx, tx, taskID, orgID)
	if err != nil {
		return nil, err
	}
	if current.TaskStatus != models.TaskStatusInProgress || current.AssignedAgent == nil || *current.AssignedAgent != agentID {
		return nil, apperrors.NotAssigned(taskID, agentID)
	}

	// A verification lease keeps completed_at; releasing it restores the
	// completed state instead of making the task available again.
	newStatus := models.TaskStatusAvailable
	if current.CompletedAt != nil {
		newStatus = models.TaskStatusComplete
	}

	// started_at survives the unlock so a later completion can still derive
	// elapsed hours from the first reservation.
	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE tasks SET task_status = ?, assigned_agent = NULL, updated_at = ?
		WHERE id = ? AND task_status = 'in_progress' AND assigned_agent = ?`),
		newStatus, now, taskID, agentID)
	if err != nil {
		return nil, err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return nil, apperrors.NotAssigned(taskID, agentID)
	}

	if err := s.insertHistoryTx(ctx, tx, &models.ChangeRecord{
		TaskID:     taskID,
		AgentID:    agentID,
		ChangeType: changeType,
		Notes:      notes,
	}); err != nil {
		return nil, err
	}
	return getTaskTx(ctx, tx, taskID, orgID)
}

// CompleteResult is the outcome of completing a task, including any parents
// the broker auto-completed in the same transaction.
type CompleteResult struct {
	Task *models.Task
	// Verified is true when the completion closed a verification lease.
	Verified      bool
	AutoCompleted []*models.Task
}

// CompleteIfOwner completes a task held by agentID. Completing a verification
// lease marks the task verified instead. After a regular completion, parents
// whose subtasks are now all complete are completed by the system agent inside
// the same transaction.
func (s *Store) CompleteIfOwner(ctx context.Context, taskID, orgID int64, agentID, notes string, actualHours *float64) (*CompleteResult, error) {
	ctx, span := tracing.Tracer("dispatchd-db").Start(ctx, "db.CompleteIfOwner")
	defer span.End()

	result := &CompleteResult{}
	err := s.WithTx(ctx, func(tx *sqlx.Tx) error {
		current, err := getTaskTx(ctx, tx, taskID, orgID)
		if err != nil {
			return err
		}
		// A retried complete by the agent that already completed the task is a
		// no-op success while verification is pending; once verified it reads
		// as a repeat verify.
		if current.TaskStatus == models.TaskStatusComplete && current.AssignedAgent != nil && *current.AssignedAgent == agentID {
			if current.VerificationStatus == models.VerificationVerified {
				return apperrors.AlreadyVerified(taskID)
			}
			result.Task = current
			return nil
		}
		if current.TaskStatus != models.TaskStatusInProgress || current.AssignedAgent == nil || *current.AssignedAgent != agentID {
			return apperrors.NotAssigned(taskID, agentID)
		}

		now := time.Now().UTC()
		result.Verified = current.CompletedAt != nil

		newNotes := current.Notes
		if notes != "" {
			if newNotes != "" {
				newNotes += "\n"
			}
			newNotes += notes
		}

		if result.Verified {
			// Closing a verification lease: the original completed_at stands.
			res, err := tx.ExecContext(ctx, tx.Rebind(`
				UPDATE tasks SET task_status = 'complete', verification_status = 'verified', notes = ?, updated_at = ?
				WHERE id = ? AND task_status = 'in_progress' AND assigned_agent = ?`),
				newNotes, now, taskID, agentID)
			if err != nil {
				return err
			}
			if rows, _ := res.RowsAffected(); rows == 0 {
				return apperrors.NotAssigned(taskID, agentID)
			}
			if err := s.insertHistoryTx(ctx, tx, &models.ChangeRecord{
				TaskID:     taskID,
				AgentID:    agentID,
				ChangeType: models.ChangeVerified,
				Notes:      notes,
			}); err != nil {
				return err
			}
		} else {
			// When the caller reports no hours, derive them from the first
			// reservation.
			if actualHours == nil && current.StartedAt != nil {
				elapsed := now.Sub(*current.StartedAt).Hours()
				actualHours = &elapsed
			}

			query := `UPDATE tasks SET task_status = 'complete', verification_status = 'unverified', completed_at = ?, notes = ?, updated_at = ?`
			args := []any{now, newNotes, now}
			if actualHours != nil {
				query += `, actual_hours = ?`
				args = append(args, *actualHours)
			}
			query += ` WHERE id = ? AND task_status = 'in_progress' AND assigned_agent = ?`
			args = append(args, taskID, agentID)

			res, err := tx.ExecContext(ctx, tx.Rebind(query), args...)
			if err != nil {
				return err
			}
			if rows, _ := res.RowsAffected(); rows == 0 {
				return apperrors.NotAssigned(taskID, agentID)
			}
			if err := s.insertHistoryTx(ctx, tx, &models.ChangeRecord{
				TaskID:     taskID,
				AgentID:    agentID,
				ChangeType: models.ChangeCompleted,
				Notes:      notes,
			}); err != nil {
				return err
			}

			result.AutoCompleted, err = propagate.Run(ctx, &propagateTx{s: s, tx: tx}, taskID)
			if err != nil {
				return err
			}

			// Completion may release tasks that were waiting on this one or
			// on the auto-completed parents.
			if err := s.unblockDependentsTx(ctx, tx, taskID, models.SystemAgent); err != nil {
				return err
			}
			for _, parent := range result.AutoCompleted {
				if err := s.unblockDependentsTx(ctx, tx, parent.ID, models.SystemAgent); err != nil {
					return err
				}
			}
		}

		result.Task, err = getTaskTx(ctx, tx, taskID, orgID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Verify marks a completed task as verified without taking a lease first.
func (s *Store) Verify(ctx context.Context, taskID, orgID int64, agentID, notes string) (*models.Task, error) {
	var task *models.Task
	err := s.WithTx(ctx, func(tx *sqlx.Tx) error {
		current, err := getTaskTx(ctx, tx, taskID, orgID)
		if err != nil {
			return err
		}
		if current.VerificationStatus == models.VerificationVerified {
			return apperrors.AlreadyVerified(taskID)
		}
		if current.TaskStatus != models.TaskStatusComplete {
			return apperrors.Conflict(fmt.Sprintf("task %d is not complete (status: %s)", taskID, current.TaskStatus))
		}

		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE tasks SET verification_status = 'verified', updated_at = ?
			WHERE id = ? AND task_status = 'complete' AND verification_status = 'unverified'`),
			now, taskID)
		if err != nil {
			return err
		}
		if rows, _ := res.RowsAffected(); rows == 0 {
			return apperrors.AlreadyVerified(taskID)
		}

		if err := s.insertHistoryTx(ctx, tx, &models.ChangeRecord{
			TaskID:     taskID,
			AgentID:    agentID,
			ChangeType: models.ChangeVerified,
			Notes:      notes,
		}); err != nil {
			return err
		}
		task, err = getTaskTx(ctx, tx, taskID, orgID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// BulkUnlockFailure reports one task skipped during a non-strict bulk unlock.
type BulkUnlockFailure struct {
	TaskID int64  `json:"task_id"`
	Reason string `json:"reason"`
}

// BulkUnlock releases leases held by agentID. With taskIDs empty, every lease
// of the agent is released. In strict mode any task that cannot be unlocked
// aborts the whole batch; otherwise such tasks are reported as failures and
// the rest proceed.
func (s *Store) BulkUnlock(ctx context.Context, orgID int64, agentID string, taskIDs []int64, strict bool) ([]int64, []BulkUnlockFailure, error) {
	var unlocked []int64
	var failed []BulkUnlockFailure
	err := s.WithTx(ctx, func(tx *sqlx.Tx) error {
		ids := taskIDs
		if len(ids) == 0 {
			scope, scopeArgs := orgScope(orgID)
			query := `SELECT id FROM tasks WHERE task_status = 'in_progress' AND assigned_agent = ?` + scope + ` ORDER BY id`
			if err := tx.SelectContext(ctx, &ids, tx.Rebind(query), append([]any{agentID}, scopeArgs...)...); err != nil {
				return err
			}
		}

		for _, id := range ids {
			if _, err := unlockTx(ctx, tx, s, id, orgID, agentID, models.ChangeUnlocked, "bulk unlock"); err != nil {
				if strict {
					return err
				}
				failed = append(failed, BulkUnlockFailure{TaskID: id, Reason: err.Error()})
				continue
			}
			unlocked = append(unlocked, id)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return unlocked, failed, nil
}

// ReclaimedLease describes one lease released by the stale reclaimer.
type ReclaimedLease struct {
	Task          *models.Task
	PreviousAgent string
}

// ReclaimStale releases every lease older than timeoutHours. For each
// reclaimed task it records an unlocked_stale history entry and a finding
// update carrying the stale marker, so the next agent to reserve the task
// gets a warning about prior abandoned work.
func (s *Store) ReclaimStale(ctx context.Context, timeoutHours int) ([]*ReclaimedLease, error) {
	ctx, span := tracing.Tracer("dispatchd-db").Start(ctx, "db.ReclaimStale")
	defer span.End()

	cutoff := time.Now().UTC().Add(-time.Duration(timeoutHours) * time.Hour)
	var reclaimed []*ReclaimedLease

	err := s.WithTx(ctx, func(tx *sqlx.Tx) error {
		// Staleness is judged by updated_at: a holder that keeps posting
		// updates keeps the lease no matter how long ago work started.
		var stale []*models.Task
		err := tx.SelectContext(ctx, &stale, tx.Rebind(`
			SELECT `+taskColumns+` FROM tasks
			WHERE task_status = 'in_progress' AND updated_at <= ?
			ORDER BY id`), cutoff)
		if err != nil {
			return err
		}

		for _, task := range stale {
			agent := ""
			if task.AssignedAgent != nil {
				agent = *task.AssignedAgent
			}

			newStatus := models.TaskStatusAvailable
			if task.CompletedAt != nil {
				newStatus = models.TaskStatusComplete
			}
			now := time.Now().UTC()
			res, err := tx.ExecContext(ctx, tx.Rebind(`
				UPDATE tasks SET task_status = ?, assigned_agent = NULL, updated_at = ?
				WHERE id = ? AND task_status = 'in_progress'`),
				newStatus, now, task.ID)
			if err != nil {
				return err
			}
			if rows, _ := res.RowsAffected(); rows == 0 {
				continue
			}

			reason := fmt.Sprintf("Task %s after %d hours held by '%s'", models.StaleFindingText, timeoutHours, agent)
			if err := s.insertHistoryTx(ctx, tx, &models.ChangeRecord{
				TaskID:     task.ID,
				AgentID:    models.SystemAgent,
				ChangeType: models.ChangeUnlockedStale,
				Notes:      reason,
			}); err != nil {
				return err
			}
			if err := s.insertUpdateTx(ctx, tx, &models.TaskUpdate{
				TaskID:   task.ID,
				AgentID:  models.SystemAgent,
				Type:     models.UpdateTypeFinding,
				Content:  reason,
				Metadata: map[string]interface{}{"stale": true, "previous_agent": agent},
			}); err != nil {
				return err
			}

			task.TaskStatus = newStatus
			task.AssignedAgent = nil
			reclaimed = append(reclaimed, &ReclaimedLease{Task: task, PreviousAgent: agent})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reclaimed, nil
}

func hasActiveBlockersTx(ctx context.Context, tx *sqlx.Tx, taskID int64) (bool, error) {
	var n int
	err := tx.GetContext(ctx, &n, tx.Rebind(`
		SELECT COUNT(*) FROM task_relationships r
		JOIN tasks b ON b.id = CASE WHEN r.relationship_type = 'blocked_by' THEN r.child_task_id ELSE r.parent_task_id END
		WHERE ((r.relationship_type = 'blocked_by' AND r.parent_task_id = ?)
		    OR (r.relationship_type = 'blocking' AND r.child_task_id = ?))
		  AND b.task_status NOT IN ('complete', 'cancelled')`), taskID, taskID)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// propagateTx adapts a write transaction to the propagation engine.
type propagateTx struct {
	s  *Store
	tx *sqlx.Tx
}

func (p *propagateTx) SubtaskParents(ctx context.Context, taskID int64) ([]int64, error) {
	var ids []int64
	err := p.tx.SelectContext(ctx, &ids, p.tx.Rebind(`
		SELECT parent_task_id FROM task_relationships
		WHERE child_task_id = ? AND relationship_type = 'subtask' ORDER BY parent_task_id`), taskID)
	return ids, err
}

func (p *propagateTx) SubtaskStatuses(ctx context.Context, parentID int64) ([]models.TaskStatus, error) {
	var statuses []models.TaskStatus
	err := p.tx.SelectContext(ctx, &statuses, p.tx.Rebind(`
		SELECT t.task_status FROM tasks t
		JOIN task_relationships r ON r.child_task_id = t.id
		WHERE r.parent_task_id = ? AND r.relationship_type = 'subtask'`), parentID)
	return statuses, err
}

func (p *propagateTx) GetTask(ctx context.Context, id int64) (*models.Task, error) {
	return getTaskTx(ctx, p.tx, id, 0)
}

func (p *propagateTx) MarkAutoCompleted(ctx context.Context, task *models.Task) error {
	now := time.Now().UTC()
	newNotes := task.Notes
	if newNotes != "" {
		newNotes += "\n"
	}
	newNotes += models.AutoCompleteNotes

	res, err := p.tx.ExecContext(ctx, p.tx.Rebind(`
		UPDATE tasks SET task_status = 'complete', verification_status = 'unverified', completed_at = ?, notes = ?, assigned_agent = NULL, updated_at = ?
		WHERE id = ? AND task_status NOT IN ('complete', 'cancelled')`),
		now, newNotes, now, task.ID)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return nil
	}
	return p.s.insertHistoryTx(ctx, p.tx, &models.ChangeRecord{
		TaskID:     task.ID,
		AgentID:    models.SystemAgent,
		ChangeType: models.ChangeCompleted,
		Notes:      models.AutoCompleteNotes,
	})
}
