package service

import (
	"context"
	"strings"

	"github.com/dispatchd/dispatchd/internal/broker/models"
	apperrors "github.com/dispatchd/dispatchd/internal/common/errors"
	"github.com/dispatchd/dispatchd/internal/events"
)

// AssignTag attaches a tag to a task, creating the tag on first use.
func (s *Service) AssignTag(ctx context.Context, scope *Scope, taskID int64, name string) (*models.Tag, error) {
	name = strings.TrimSpace(strings.ToLower(name))
	if name == "" {
		return nil, apperrors.ValidationError("tag", "is required")
	}
	return s.store.TagTask(ctx, taskID, orgOf(scope), name)
}

// RemoveTag detaches a tag from a task.
func (s *Service) RemoveTag(ctx context.Context, scope *Scope, taskID int64, name string) error {
	return s.store.UntagTask(ctx, taskID, orgOf(scope), strings.TrimSpace(strings.ToLower(name)))
}

// ListTags returns all known tags.
func (s *Service) ListTags(ctx context.Context) ([]*models.Tag, error) {
	return s.store.ListTags(ctx)
}

// ListTaskTags returns the tags attached to a task.
func (s *Service) ListTaskTags(ctx context.Context, scope *Scope, taskID int64) ([]*models.Tag, error) {
	if _, err := s.store.GetTask(ctx, taskID, orgOf(scope)); err != nil {
		return nil, err
	}
	return s.store.TaskTags(ctx, taskID)
}

// TasksByTag returns tasks carrying a tag.
func (s *Service) TasksByTag(ctx context.Context, scope *Scope, name string, limit int) ([]*models.Task, error) {
	return s.store.TasksByTag(ctx, orgOf(scope), strings.TrimSpace(strings.ToLower(name)), s.clampLimit(limit))
}

// CreateTemplate stores a named task blueprint.
func (s *Service) CreateTemplate(ctx context.Context, scope *Scope, tpl *models.Template) (*models.Template, error) {
	if tpl.Name == "" {
		return nil, apperrors.ValidationError("name", "is required")
	}
	if tpl.Title == "" {
		return nil, apperrors.ValidationError("title", "is required")
	}
	if tpl.TaskType == "" {
		tpl.TaskType = models.TaskTypeConcrete
	}
	if err := validTaskType(tpl.TaskType); err != nil {
		return nil, err
	}
	if tpl.Priority == "" {
		tpl.Priority = models.PriorityMedium
	}
	if err := validPriority(tpl.Priority); err != nil {
		return nil, err
	}
	if scope != nil {
		tpl.OrganizationID = scope.OrgID
	}
	if err := s.store.CreateTemplate(ctx, tpl); err != nil {
		return nil, err
	}
	return tpl, nil
}

// GetTemplate returns a template within scope.
func (s *Service) GetTemplate(ctx context.Context, scope *Scope, templateID int64) (*models.Template, error) {
	return s.store.GetTemplate(ctx, templateID, orgOf(scope))
}

// ListTemplates returns the scope's templates.
func (s *Service) ListTemplates(ctx context.Context, scope *Scope) ([]*models.Template, error) {
	return s.store.ListTemplates(ctx, orgOf(scope))
}

// CreateTaskFromTemplate instantiates a template as a new available task.
// Title and priority can be overridden per instance.
func (s *Service) CreateTaskFromTemplate(ctx context.Context, scope *Scope, templateID int64, titleOverride string, projectID *int64, createdBy string) (*models.Task, error) {
	tpl, err := s.store.GetTemplate(ctx, templateID, orgOf(scope))
	if err != nil {
		return nil, err
	}

	title := tpl.Title
	if titleOverride != "" {
		title = titleOverride
	}
	return s.CreateTask(ctx, scope, &CreateTaskInput{
		Title:                   title,
		TaskType:                tpl.TaskType,
		TaskInstruction:         tpl.TaskInstruction,
		VerificationInstruction: tpl.VerificationInstruction,
		Notes:                   tpl.Notes,
		Priority:                tpl.Priority,
		ProjectID:               projectID,
		EstimatedHours:          tpl.EstimatedHours,
		CreatedBy:               createdBy,
	})
}

// AddComment appends a comment to a task, optionally threaded under a parent.
func (s *Service) AddComment(ctx context.Context, scope *Scope, comment *models.Comment) (*models.Comment, error) {
	if comment.AuthorID == "" {
		return nil, apperrors.ValidationError("author_id", "is required")
	}
	if comment.Content == "" {
		return nil, apperrors.ValidationError("content", "is required")
	}
	if err := s.store.AddComment(ctx, orgOf(scope), comment); err != nil {
		return nil, err
	}
	s.publishTaskEvent(ctx, events.CommentAdded, comment.TaskID, map[string]interface{}{
		"task_id":    comment.TaskID,
		"comment_id": comment.ID,
		"author_id":  comment.AuthorID,
	})
	return comment, nil
}

// ListTaskComments returns a task's comments, oldest first.
func (s *Service) ListTaskComments(ctx context.Context, scope *Scope, taskID int64) ([]*models.Comment, error) {
	if _, err := s.store.GetTask(ctx, taskID, orgOf(scope)); err != nil {
		return nil, err
	}
	return s.store.ListComments(ctx, taskID)
}

// GetThread returns a root comment and its replies.
func (s *Service) GetThread(ctx context.Context, rootCommentID int64) ([]*models.Comment, error) {
	return s.store.CommentThread(ctx, rootCommentID)
}

// UpdateComment edits a comment's content. Only the author may edit.
func (s *Service) UpdateComment(ctx context.Context, commentID int64, authorID, content string) (*models.Comment, error) {
	if content == "" {
		return nil, apperrors.ValidationError("content", "is required")
	}
	return s.store.UpdateComment(ctx, commentID, authorID, content)
}

// DeleteComment removes a comment and its replies.
func (s *Service) DeleteComment(ctx context.Context, commentID int64) error {
	return s.store.DeleteComment(ctx, commentID)
}
