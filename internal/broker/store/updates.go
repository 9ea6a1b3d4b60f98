package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/dispatchd/dispatchd/internal/broker/models"
	"github.com/dispatchd/dispatchd/internal/db/dialect"
)

// AddUpdate appends a narrative update to a task.
func (s *Store) AddUpdate(ctx context.Context, update *models.TaskUpdate) error {
	return s.WithTx(ctx, func(tx *sqlx.Tx) error {
		return s.insertUpdateTx(ctx, tx, update)
	})
}

func (s *Store) insertUpdateTx(ctx context.Context, tx *sqlx.Tx, update *models.TaskUpdate) error {
	if update.CreatedAt.IsZero() {
		update.CreatedAt = time.Now().UTC()
	}
	metadata, err := json.Marshal(update.Metadata)
	if err != nil {
		metadata = []byte("{}")
	}

	id, err := dialect.InsertReturningIDTx(ctx, tx, s.driver, `
		INSERT INTO task_updates (task_id, agent_id, update_type, content, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		update.TaskID, update.AgentID, update.Type, update.Content, string(metadata), update.CreatedAt)
	if err != nil {
		return err
	}
	update.ID = id
	return nil
}

// ListUpdates returns a task's updates, oldest first.
func (s *Store) ListUpdates(ctx context.Context, taskID int64, limit int) ([]*models.TaskUpdate, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT id, task_id, agent_id, update_type, content, metadata, created_at
		FROM task_updates WHERE task_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`), taskID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanUpdates(rows)
}

// LatestStaleUpdate returns the most recent update marking the task as
// reclaimed from a stale lease, or nil when none exists. The metadata flag is
// checked first; older records are matched by marker text in the content.
func (s *Store) LatestStaleUpdate(ctx context.Context, taskID int64) (*models.TaskUpdate, error) {
	staleFlag := dialect.JSONExtract(s.driver, "metadata", "stale")
	like := dialect.Like(s.driver)
	query := `
		SELECT id, task_id, agent_id, update_type, content, metadata, created_at
		FROM task_updates
		WHERE task_id = ? AND (` + staleFlag + ` IS NOT NULL
			OR content ` + like + ` ? OR content ` + like + ` ? OR content ` + like + ` ?)
		ORDER BY created_at DESC, id DESC LIMIT 1`

	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(query), taskID,
		"%"+models.StaleFindingText+"%", "%stale%", "%abandoned%")

	update, err := scanUpdate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return update, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUpdate(row rowScanner) (*models.TaskUpdate, error) {
	update := &models.TaskUpdate{}
	var metadata string
	err := row.Scan(&update.ID, &update.TaskID, &update.AgentID, &update.Type, &update.Content, &metadata, &update.CreatedAt)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(metadata), &update.Metadata)
	return update, nil
}

func scanUpdates(rows *sql.Rows) ([]*models.TaskUpdate, error) {
	var updates []*models.TaskUpdate
	for rows.Next() {
		update, err := scanUpdate(rows)
		if err != nil {
			return nil, err
		}
		updates = append(updates, update)
	}
	return updates, rows.Err()
}
