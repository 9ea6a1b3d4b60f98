package store

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/dispatchd/dispatchd/internal/broker/models"
	apperrors "github.com/dispatchd/dispatchd/internal/common/errors"
	"github.com/dispatchd/dispatchd/internal/db/dialect"
)

// insertHistoryTx appends one change-history row inside a transaction.
// History is append-only; nothing ever updates or deletes these rows.
func (s *Store) insertHistoryTx(ctx context.Context, tx *sqlx.Tx, rec *models.ChangeRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	id, err := dialect.InsertReturningIDTx(ctx, tx, s.driver, `
		INSERT INTO change_history (task_id, agent_id, change_type, field_name, old_value, new_value, notes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.TaskID, rec.AgentID, rec.ChangeType, rec.FieldName, rec.OldValue, rec.NewValue, rec.Notes, rec.CreatedAt)
	if err != nil {
		return err
	}
	rec.ID = id
	return nil
}

// insertVersionTx snapshots the task's content fields as the next version
// number. Version numbers are per-task and strictly increasing from 1.
func (s *Store) insertVersionTx(ctx context.Context, tx *sqlx.Tx, task *models.Task, createdBy string) error {
	var next int
	err := tx.GetContext(ctx, &next, tx.Rebind(
		`SELECT COALESCE(MAX(version_number), 0) + 1 FROM task_versions WHERE task_id = ?`), task.ID)
	if err != nil {
		return err
	}

	_, err = dialect.InsertReturningIDTx(ctx, tx, s.driver, `
		INSERT INTO task_versions (task_id, version_number, title, task_type, task_instruction, verification_instruction, priority, estimated_hours, due_date, notes, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, next, task.Title, task.TaskType, task.TaskInstruction, task.VerificationInstruction, task.Priority, task.EstimatedHours, task.DueDate, task.Notes, createdBy, time.Now().UTC())
	return err
}

// ListHistory returns a task's change history, oldest first.
func (s *Store) ListHistory(ctx context.Context, taskID int64, limit int) ([]*models.ChangeRecord, error) {
	var records []*models.ChangeRecord
	err := s.ro.SelectContext(ctx, &records, s.ro.Rebind(`
		SELECT id, task_id, agent_id, change_type, field_name, old_value, new_value, notes, created_at
		FROM change_history WHERE task_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`), taskID, limit)
	if err != nil {
		return nil, err
	}
	return records, nil
}

// ListVersions returns a task's version snapshots, newest first.
func (s *Store) ListVersions(ctx context.Context, taskID int64) ([]*models.TaskVersion, error) {
	var versions []*models.TaskVersion
	err := s.ro.SelectContext(ctx, &versions, s.ro.Rebind(`
		SELECT id, task_id, version_number, title, task_type, task_instruction, verification_instruction, priority, estimated_hours, due_date, notes, created_by, created_at
		FROM task_versions WHERE task_id = ? ORDER BY version_number DESC`), taskID)
	if err != nil {
		return nil, err
	}
	return versions, nil
}

// GetVersion returns one version snapshot of a task.
func (s *Store) GetVersion(ctx context.Context, taskID int64, version int) (*models.TaskVersion, error) {
	v := &models.TaskVersion{}
	err := s.ro.GetContext(ctx, v, s.ro.Rebind(`
		SELECT id, task_id, version_number, title, task_type, task_instruction, verification_instruction, priority, estimated_hours, due_date, notes, created_by, created_at
		FROM task_versions WHERE task_id = ? AND version_number = ?`), taskID, version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFoundNamed("task version", strconv.Itoa(version))
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

// LatestVersionNumber returns the current version number for a task, zero when
// no snapshots exist.
func (s *Store) LatestVersionNumber(ctx context.Context, taskID int64) (int, error) {
	var n int
	err := s.ro.GetContext(ctx, &n, s.ro.Rebind(
		`SELECT COALESCE(MAX(version_number), 0) FROM task_versions WHERE task_id = ?`), taskID)
	return n, err
}
