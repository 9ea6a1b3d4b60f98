package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/dispatchd/dispatchd/internal/broker/models"
	apperrors "github.com/dispatchd/dispatchd/internal/common/errors"
	"github.com/dispatchd/dispatchd/internal/db/dialect"
)

const recurrenceColumns = `id, task_id, recurrence_type, recurrence_config, next_occurrence, last_occurrence_created, is_active, created_at, updated_at`

// CreateRecurrence attaches a recurrence schedule to a template task.
func (s *Store) CreateRecurrence(ctx context.Context, rec *models.Recurrence) error {
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	config, err := json.Marshal(rec.Config)
	if err != nil {
		config = []byte("{}")
	}

	id, err := dialect.InsertReturningID(ctx, s.db, `
		INSERT INTO recurring_tasks (task_id, recurrence_type, recurrence_config, next_occurrence, last_occurrence_created, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.TaskID, rec.Type, string(config), rec.NextOccurrence, rec.LastOccurrenceCreated, rec.IsActive, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return apperrors.DatabaseConstraint(err)
	}
	rec.ID = id
	return nil
}

// GetRecurrence retrieves one recurrence by ID.
func (s *Store) GetRecurrence(ctx context.Context, id int64) (*models.Recurrence, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(
		`SELECT `+recurrenceColumns+` FROM recurring_tasks WHERE id = ?`), id)
	rec, err := scanRecurrence(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("recurrence", id)
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ListRecurrences returns recurrence schedules, optionally only active ones.
func (s *Store) ListRecurrences(ctx context.Context, activeOnly bool) ([]*models.Recurrence, error) {
	query := `SELECT ` + recurrenceColumns + ` FROM recurring_tasks`
	if activeOnly {
		query += ` WHERE is_active = TRUE`
	}
	query += ` ORDER BY id`

	rows, err := s.ro.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var recs []*models.Recurrence
	for rows.Next() {
		rec, err := scanRecurrence(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// DueRecurrences returns active schedules whose next occurrence is at or
// before now.
func (s *Store) DueRecurrences(ctx context.Context, now time.Time) ([]*models.Recurrence, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT `+recurrenceColumns+` FROM recurring_tasks
		WHERE is_active = TRUE AND next_occurrence <= ? ORDER BY next_occurrence`), now)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var recs []*models.Recurrence
	for rows.Next() {
		rec, err := scanRecurrence(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// MarkMaterialized advances a schedule after an instance has been created.
func (s *Store) MarkMaterialized(ctx context.Context, id int64, next time.Time) error {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE recurring_tasks SET next_occurrence = ?, last_occurrence_created = ?, updated_at = ? WHERE id = ?`),
		next, now, now, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("recurrence", id)
	}
	return nil
}

// SetRecurrenceActive enables or pauses a schedule.
func (s *Store) SetRecurrenceActive(ctx context.Context, id int64, active bool) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE recurring_tasks SET is_active = ?, updated_at = ? WHERE id = ?`),
		active, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("recurrence", id)
	}
	return nil
}

// DeleteRecurrence removes a schedule. The template task stays.
func (s *Store) DeleteRecurrence(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM recurring_tasks WHERE id = ?`), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("recurrence", id)
	}
	return nil
}

func scanRecurrence(row rowScanner) (*models.Recurrence, error) {
	rec := &models.Recurrence{}
	var config string
	err := row.Scan(&rec.ID, &rec.TaskID, &rec.Type, &config, &rec.NextOccurrence, &rec.LastOccurrenceCreated, &rec.IsActive, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(config), &rec.Config)
	return rec, nil
}
