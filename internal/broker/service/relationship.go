package service

import (
	"context"

	"github.com/dispatchd/dispatchd/internal/broker/models"
	apperrors "github.com/dispatchd/dispatchd/internal/common/errors"
	"github.com/dispatchd/dispatchd/internal/events"
)

// CreateRelationship adds a directed edge between two tasks. Blocking edges
// are checked for cycles; creating an identical edge again is a no-op.
func (s *Service) CreateRelationship(ctx context.Context, scope *Scope, parentID, childID int64, relType models.RelationshipType, agentID string) (*models.Relationship, error) {
	if err := requireAgent(agentID); err != nil {
		return nil, err
	}
	if !relType.Valid() {
		return nil, apperrors.ValidationError("relationship_type", "must be one of: subtask, blocking, blocked_by, followup, related")
	}

	rel, err := s.store.AddRelationship(ctx, orgOf(scope), &models.Relationship{
		ParentTaskID: parentID,
		ChildTaskID:  childID,
		Type:         relType,
	}, agentID)
	if err != nil {
		return nil, err
	}

	s.publishTaskEvent(ctx, events.RelationshipAdded, parentID, map[string]interface{}{
		"parent_task_id":    parentID,
		"child_task_id":     childID,
		"relationship_type": relType,
		"agent_id":          agentID,
	})
	return rel, nil
}

// RemoveRelationship deletes an edge.
func (s *Service) RemoveRelationship(ctx context.Context, scope *Scope, parentID, childID int64, relType models.RelationshipType, agentID string) error {
	if err := requireAgent(agentID); err != nil {
		return err
	}
	if err := s.store.RemoveRelationship(ctx, orgOf(scope), parentID, childID, relType, agentID); err != nil {
		return err
	}
	s.publishTaskEvent(ctx, events.RelationshipRemoved, parentID, map[string]interface{}{
		"parent_task_id":    parentID,
		"child_task_id":     childID,
		"relationship_type": relType,
		"agent_id":          agentID,
	})
	return nil
}

// RelatedTasks bundles a task's graph neighborhood.
type RelatedTasks struct {
	Relationships []*models.Relationship `json:"relationships"`
	Subtasks      []*models.Task         `json:"subtasks,omitempty"`
	Parents       []*models.Task         `json:"parents,omitempty"`
	Blockers      []*models.Task         `json:"blockers,omitempty"`
}

// ListRelated returns a task's edges together with its subtasks, parents,
// and active blockers.
func (s *Service) ListRelated(ctx context.Context, scope *Scope, taskID int64) (*RelatedTasks, error) {
	if _, err := s.store.GetTask(ctx, taskID, orgOf(scope)); err != nil {
		return nil, err
	}

	related := &RelatedTasks{}
	var err error
	if related.Relationships, err = s.store.ListRelationships(ctx, taskID); err != nil {
		return nil, err
	}
	if related.Subtasks, err = s.store.Subtasks(ctx, taskID); err != nil {
		return nil, err
	}
	if related.Parents, err = s.store.ParentTasks(ctx, taskID); err != nil {
		return nil, err
	}
	if related.Blockers, err = s.store.ActiveBlockers(ctx, taskID); err != nil {
		return nil, err
	}
	return related, nil
}
