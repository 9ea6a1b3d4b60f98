package service

import (
	"context"
	"time"

	"github.com/dispatchd/dispatchd/internal/broker/audit"
	"github.com/dispatchd/dispatchd/internal/broker/models"
	apperrors "github.com/dispatchd/dispatchd/internal/common/errors"
	"github.com/dispatchd/dispatchd/internal/events"
)

// AddUpdate records a narrative update on a task.
func (s *Service) AddUpdate(ctx context.Context, scope *Scope, taskID int64, agentID string, updateType models.UpdateType, content string, metadata map[string]interface{}) (*models.TaskUpdate, error) {
	if err := requireAgent(agentID); err != nil {
		return nil, err
	}
	if !updateType.Valid() {
		return nil, apperrors.ValidationError("update_type", "must be one of: progress, note, blocker, question, finding")
	}
	if content == "" {
		return nil, apperrors.ValidationError("content", "is required")
	}
	if _, err := s.store.GetTask(ctx, taskID, orgOf(scope)); err != nil {
		return nil, err
	}

	update := &models.TaskUpdate{
		TaskID:   taskID,
		AgentID:  agentID,
		Type:     updateType,
		Content:  content,
		Metadata: metadata,
	}
	if err := s.store.AddUpdate(ctx, update); err != nil {
		return nil, err
	}

	s.publishTaskEvent(ctx, events.UpdateAdded, taskID, map[string]interface{}{
		"task_id":     taskID,
		"agent_id":    agentID,
		"update_type": updateType,
	})
	return update, nil
}

// ListUpdates returns a task's updates, oldest first.
func (s *Service) ListUpdates(ctx context.Context, scope *Scope, taskID int64, limit int) ([]*models.TaskUpdate, error) {
	if _, err := s.store.GetTask(ctx, taskID, orgOf(scope)); err != nil {
		return nil, err
	}
	return s.store.ListUpdates(ctx, taskID, s.clampLimit(limit))
}

// FeedFilter narrows the activity feed. Zero fields are not applied.
type FeedFilter struct {
	AgentID string
	Since   *time.Time
	Until   *time.Time
	Limit   int
}

// ActivityFeed merges a task's change history and updates into one timeline,
// optionally narrowed to one agent or a date range.
func (s *Service) ActivityFeed(ctx context.Context, scope *Scope, taskID int64, filter *FeedFilter) ([]*audit.Entry, error) {
	if filter == nil {
		filter = &FeedFilter{}
	}
	if _, err := s.store.GetTask(ctx, taskID, orgOf(scope)); err != nil {
		return nil, err
	}
	limit := s.clampLimit(filter.Limit)

	// Filters discard rows after the merge, so fetch at the ceiling when one
	// is set to avoid starving the result.
	fetch := limit
	if filter.AgentID != "" || filter.Since != nil || filter.Until != nil {
		fetch = s.cfg.MaxQueryLimit
	}

	history, err := s.store.ListHistory(ctx, taskID, fetch)
	if err != nil {
		return nil, err
	}
	updates, err := s.store.ListUpdates(ctx, taskID, fetch)
	if err != nil {
		return nil, err
	}

	feed := audit.Filter(audit.Feed(history, updates), filter.AgentID, filter.Since, filter.Until)
	if len(feed) > limit {
		feed = feed[len(feed)-limit:]
	}
	return feed, nil
}

// ListHistory returns a task's raw change history, oldest first.
func (s *Service) ListHistory(ctx context.Context, scope *Scope, taskID int64, limit int) ([]*models.ChangeRecord, error) {
	if _, err := s.store.GetTask(ctx, taskID, orgOf(scope)); err != nil {
		return nil, err
	}
	return s.store.ListHistory(ctx, taskID, s.clampLimit(limit))
}

// ListVersions returns a task's version snapshots, newest first.
func (s *Service) ListVersions(ctx context.Context, scope *Scope, taskID int64) ([]*models.TaskVersion, error) {
	if _, err := s.store.GetTask(ctx, taskID, orgOf(scope)); err != nil {
		return nil, err
	}
	return s.store.ListVersions(ctx, taskID)
}

// GetVersion returns one version snapshot.
func (s *Service) GetVersion(ctx context.Context, scope *Scope, taskID int64, version int) (*models.TaskVersion, error) {
	if _, err := s.store.GetTask(ctx, taskID, orgOf(scope)); err != nil {
		return nil, err
	}
	return s.store.GetVersion(ctx, taskID, version)
}

// LatestVersion returns the highest version number recorded for a task.
func (s *Service) LatestVersion(ctx context.Context, scope *Scope, taskID int64) (int, error) {
	if _, err := s.store.GetTask(ctx, taskID, orgOf(scope)); err != nil {
		return 0, err
	}
	return s.store.LatestVersionNumber(ctx, taskID)
}

// DiffVersions returns the field-level differences between two snapshots.
func (s *Service) DiffVersions(ctx context.Context, scope *Scope, taskID int64, fromVersion, toVersion int) (map[string]models.FieldChange, error) {
	if _, err := s.store.GetTask(ctx, taskID, orgOf(scope)); err != nil {
		return nil, err
	}
	from, err := s.store.GetVersion(ctx, taskID, fromVersion)
	if err != nil {
		return nil, err
	}
	to, err := s.store.GetVersion(ctx, taskID, toVersion)
	if err != nil {
		return nil, err
	}
	return audit.Diff(from, to), nil
}
