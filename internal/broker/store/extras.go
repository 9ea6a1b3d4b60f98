package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/dispatchd/dispatchd/internal/broker/models"
	apperrors "github.com/dispatchd/dispatchd/internal/common/errors"
	"github.com/dispatchd/dispatchd/internal/db/dialect"
)

// TagTask attaches a tag to a task, creating the tag on first use. Attaching
// an existing tag again is a no-op.
func (s *Store) TagTask(ctx context.Context, taskID, orgID int64, name string) (*models.Tag, error) {
	var tag *models.Tag
	err := s.WithTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := getTaskTx(ctx, tx, taskID, orgID); err != nil {
			return err
		}

		tag = &models.Tag{Name: name}
		err := tx.GetContext(ctx, tag, tx.Rebind(`SELECT id, name, created_at FROM tags WHERE name = ?`), name)
		if errors.Is(err, sql.ErrNoRows) {
			tag.CreatedAt = time.Now().UTC()
			id, insertErr := dialect.InsertReturningIDTx(ctx, tx, s.driver, `
				INSERT INTO tags (name, created_at) VALUES (?, ?)`, name, tag.CreatedAt)
			if insertErr != nil {
				return apperrors.DatabaseConstraint(insertErr)
			}
			tag.ID = id
		} else if err != nil {
			return err
		}

		var n int
		if err := tx.GetContext(ctx, &n, tx.Rebind(
			`SELECT COUNT(*) FROM task_tags WHERE task_id = ? AND tag_id = ?`), taskID, tag.ID); err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(`INSERT INTO task_tags (task_id, tag_id) VALUES (?, ?)`), taskID, tag.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return tag, nil
}

// UntagTask detaches a tag from a task.
func (s *Store) UntagTask(ctx context.Context, taskID, orgID int64, name string) error {
	return s.WithTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := getTaskTx(ctx, tx, taskID, orgID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, tx.Rebind(`
			DELETE FROM task_tags WHERE task_id = ? AND tag_id = (SELECT id FROM tags WHERE name = ?)`),
			taskID, name)
		if err != nil {
			return err
		}
		rows, _ := res.RowsAffected()
		if rows == 0 {
			return apperrors.NotFoundNamed("tag", name)
		}
		return nil
	})
}

// TaskTags returns the tags attached to a task.
func (s *Store) TaskTags(ctx context.Context, taskID int64) ([]*models.Tag, error) {
	var tags []*models.Tag
	err := s.ro.SelectContext(ctx, &tags, s.ro.Rebind(`
		SELECT t.id, t.name, t.created_at FROM tags t
		JOIN task_tags tt ON tt.tag_id = t.id
		WHERE tt.task_id = ? ORDER BY t.name`), taskID)
	if err != nil {
		return nil, err
	}
	return tags, nil
}

// ListTags returns all known tags.
func (s *Store) ListTags(ctx context.Context) ([]*models.Tag, error) {
	var tags []*models.Tag
	err := s.ro.SelectContext(ctx, &tags, `SELECT id, name, created_at FROM tags ORDER BY name`)
	if err != nil {
		return nil, err
	}
	return tags, nil
}

// TasksByTag returns tasks carrying a tag, scoped to the organization.
func (s *Store) TasksByTag(ctx context.Context, orgID int64, name string, limit int) ([]*models.Task, error) {
	scope, scopeArgs := orgScope(orgID)
	query := `SELECT ` + taskColumns + ` FROM tasks
		WHERE id IN (
			SELECT tt.task_id FROM task_tags tt JOIN tags t ON t.id = tt.tag_id WHERE t.name = ?
		)` + scope + ` ORDER BY created_at DESC LIMIT ?`
	args := append([]any{name}, scopeArgs...)
	args = append(args, limit)

	var tasks []*models.Task
	if err := s.ro.SelectContext(ctx, &tasks, s.ro.Rebind(query), args...); err != nil {
		return nil, err
	}
	return tasks, nil
}

// CreateTemplate inserts a named task blueprint.
func (s *Store) CreateTemplate(ctx context.Context, tpl *models.Template) error {
	now := time.Now().UTC()
	tpl.CreatedAt = now
	tpl.UpdatedAt = now

	id, err := dialect.InsertReturningID(ctx, s.db, `
		INSERT INTO templates (organization_id, name, title, task_type, task_instruction, verification_instruction, priority, estimated_hours, notes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tpl.OrganizationID, tpl.Name, tpl.Title, tpl.TaskType, tpl.TaskInstruction, tpl.VerificationInstruction, tpl.Priority, tpl.EstimatedHours, tpl.Notes, tpl.CreatedAt, tpl.UpdatedAt)
	if err != nil {
		return apperrors.DatabaseConstraint(err)
	}
	tpl.ID = id
	return nil
}

// GetTemplate retrieves a template by ID.
func (s *Store) GetTemplate(ctx context.Context, id, orgID int64) (*models.Template, error) {
	scope, scopeArgs := orgScope(orgID)
	tpl := &models.Template{}
	query := `SELECT id, organization_id, name, title, task_type, task_instruction, verification_instruction, priority, estimated_hours, notes, created_at, updated_at
		FROM templates WHERE id = ?` + scope
	err := s.ro.GetContext(ctx, tpl, s.ro.Rebind(query), append([]any{id}, scopeArgs...)...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("template", id)
	}
	if err != nil {
		return nil, err
	}
	return tpl, nil
}

// ListTemplates returns an organization's templates.
func (s *Store) ListTemplates(ctx context.Context, orgID int64) ([]*models.Template, error) {
	query := `SELECT id, organization_id, name, title, task_type, task_instruction, verification_instruction, priority, estimated_hours, notes, created_at, updated_at
		FROM templates WHERE 1=1`
	var args []any
	scope, scopeArgs := orgScope(orgID)
	query += scope + ` ORDER BY name`
	args = append(args, scopeArgs...)

	var templates []*models.Template
	if err := s.ro.SelectContext(ctx, &templates, s.ro.Rebind(query), args...); err != nil {
		return nil, err
	}
	return templates, nil
}

// DeleteTemplate removes a template.
func (s *Store) DeleteTemplate(ctx context.Context, id, orgID int64) error {
	scope, scopeArgs := orgScope(orgID)
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM templates WHERE id = ?`+scope),
		append([]any{id}, scopeArgs...)...)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("template", id)
	}
	return nil
}

// AddComment appends a comment to a task, optionally threaded under a parent.
func (s *Store) AddComment(ctx context.Context, orgID int64, comment *models.Comment) error {
	now := time.Now().UTC()
	comment.CreatedAt = now
	comment.UpdatedAt = now

	mentions, err := json.Marshal(comment.Mentions)
	if err != nil {
		mentions = []byte("[]")
	}

	return s.WithTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := getTaskTx(ctx, tx, comment.TaskID, orgID); err != nil {
			return err
		}
		if comment.ParentCommentID != nil {
			var n int
			if err := tx.GetContext(ctx, &n, tx.Rebind(
				`SELECT COUNT(*) FROM comments WHERE id = ? AND task_id = ?`),
				*comment.ParentCommentID, comment.TaskID); err != nil {
				return err
			}
			if n == 0 {
				return apperrors.NotFound("comment", *comment.ParentCommentID)
			}
		}

		id, err := dialect.InsertReturningIDTx(ctx, tx, s.driver, `
			INSERT INTO comments (task_id, author_id, parent_comment_id, content, mentions, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			comment.TaskID, comment.AuthorID, comment.ParentCommentID, comment.Content, string(mentions), comment.CreatedAt, comment.UpdatedAt)
		if err != nil {
			return apperrors.DatabaseConstraint(err)
		}
		comment.ID = id
		return nil
	})
}

// ListComments returns a task's comments, oldest first.
func (s *Store) ListComments(ctx context.Context, taskID int64) ([]*models.Comment, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT id, task_id, author_id, parent_comment_id, content, mentions, created_at, updated_at
		FROM comments WHERE task_id = ? ORDER BY created_at ASC, id ASC`), taskID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var comments []*models.Comment
	for rows.Next() {
		comment := &models.Comment{}
		var mentions string
		if err := rows.Scan(&comment.ID, &comment.TaskID, &comment.AuthorID, &comment.ParentCommentID, &comment.Content, &mentions, &comment.CreatedAt, &comment.UpdatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(mentions), &comment.Mentions)
		comments = append(comments, comment)
	}
	return comments, rows.Err()
}

// UpdateComment replaces a comment's content. Only the author may edit.
func (s *Store) UpdateComment(ctx context.Context, id int64, authorID, content string) (*models.Comment, error) {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE comments SET content = ?, updated_at = ? WHERE id = ? AND author_id = ?`),
		content, now, id, authorID)
	if err != nil {
		return nil, err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		var n int
		if err := s.ro.GetContext(ctx, &n, s.ro.Rebind(`SELECT COUNT(*) FROM comments WHERE id = ?`), id); err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, apperrors.NotFound("comment", id)
		}
		return nil, apperrors.Forbidden(fmt.Sprintf("comment %d was not authored by '%s'", id, authorID))
	}
	return s.getComment(ctx, id)
}

// CommentThread returns a root comment followed by its direct replies,
// oldest first.
func (s *Store) CommentThread(ctx context.Context, rootID int64) ([]*models.Comment, error) {
	root, err := s.getComment(ctx, rootID)
	if err != nil {
		return nil, err
	}

	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT id, task_id, author_id, parent_comment_id, content, mentions, created_at, updated_at
		FROM comments WHERE parent_comment_id = ? ORDER BY created_at ASC, id ASC`), rootID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	thread := []*models.Comment{root}
	for rows.Next() {
		comment := &models.Comment{}
		var mentions string
		if err := rows.Scan(&comment.ID, &comment.TaskID, &comment.AuthorID, &comment.ParentCommentID, &comment.Content, &mentions, &comment.CreatedAt, &comment.UpdatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(mentions), &comment.Mentions)
		thread = append(thread, comment)
	}
	return thread, rows.Err()
}

func (s *Store) getComment(ctx context.Context, id int64) (*models.Comment, error) {
	comment := &models.Comment{}
	var mentions string
	err := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT id, task_id, author_id, parent_comment_id, content, mentions, created_at, updated_at
		FROM comments WHERE id = ?`), id).
		Scan(&comment.ID, &comment.TaskID, &comment.AuthorID, &comment.ParentCommentID, &comment.Content, &mentions, &comment.CreatedAt, &comment.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("comment", id)
	}
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(mentions), &comment.Mentions)
	return comment, nil
}

// DeleteComment removes a comment and, via the cascading foreign key, its
// replies.
func (s *Store) DeleteComment(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM comments WHERE id = ?`), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("comment", id)
	}
	return nil
}
