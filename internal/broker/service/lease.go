package service

import (
	"context"
	"fmt"

	"github.com/dispatchd/dispatchd/internal/broker/models"
	"github.com/dispatchd/dispatchd/internal/broker/store"
	apperrors "github.com/dispatchd/dispatchd/internal/common/errors"
	"github.com/dispatchd/dispatchd/internal/events"
)

// ReserveResult is a successful reservation plus advisory context.
type ReserveResult struct {
	Task *models.Task `json:"task"`
	// ForVerification is true when the lease re-opened a completed task.
	ForVerification bool                 `json:"for_verification"`
	StaleWarning    *models.StaleWarning `json:"stale_warning,omitempty"`
}

// Reserve takes an exclusive lease on a specific task.
func (s *Service) Reserve(ctx context.Context, scope *Scope, taskID int64, agentID string) (*ReserveResult, error) {
	if err := requireAgent(agentID); err != nil {
		return nil, err
	}

	lock, err := s.store.LockIfAvailable(ctx, taskID, orgOf(scope), agentID)
	if err != nil {
		return nil, err
	}

	result := &ReserveResult{Task: lock.Task, ForVerification: lock.ForVerification}
	result.StaleWarning, err = s.staleWarning(ctx, taskID)
	if err != nil {
		return nil, err
	}

	s.publishTaskEvent(ctx, events.TaskReserved, taskID, map[string]interface{}{
		"task_id":          taskID,
		"agent_id":         agentID,
		"for_verification": lock.ForVerification,
	})
	return result, nil
}

// ReserveNext finds and leases the highest-priority reservable task for an
// agent type. Losing a reservation race moves on to the next candidate.
func (s *Service) ReserveNext(ctx context.Context, scope *Scope, agentType models.AgentType, projectID *int64, agentID string) (*ReserveResult, error) {
	if err := requireAgent(agentID); err != nil {
		return nil, err
	}
	if agentType != models.AgentTypeBreakdown && agentType != models.AgentTypeImplementation {
		return nil, apperrors.ValidationError("agent_type", "must be one of: breakdown, implementation")
	}

	candidates, err := s.store.ListAvailable(ctx, orgOf(scope), agentType, projectID, 10)
	if err != nil {
		return nil, err
	}
	for _, candidate := range candidates {
		result, err := s.Reserve(ctx, scope, candidate.ID, agentID)
		if err != nil {
			if apperrors.IsCode(err, apperrors.ErrCodeNotReservable) {
				continue
			}
			return nil, err
		}
		return result, nil
	}
	return nil, apperrors.NotFoundNamed("available task", string(agentType))
}

// Unlock releases a lease held by agentID.
func (s *Service) Unlock(ctx context.Context, scope *Scope, taskID int64, agentID string) (*models.Task, error) {
	if err := requireAgent(agentID); err != nil {
		return nil, err
	}
	task, err := s.store.UnlockIfOwner(ctx, taskID, orgOf(scope), agentID)
	if err != nil {
		return nil, err
	}
	s.publishTaskEvent(ctx, events.TaskUnlocked, taskID, map[string]interface{}{
		"task_id":  taskID,
		"agent_id": agentID,
	})
	return task, nil
}

// CompleteInput carries the fields for completing a task.
type CompleteInput struct {
	AgentID     string
	Notes       string
	ActualHours *float64
	// Followup, when set, creates a new available task linked to the
	// completed one.
	Followup string
}

// CompleteOutput is the result of a completion, including any parents the
// broker auto-completed and an optional followup task.
type CompleteOutput struct {
	Task          *models.Task   `json:"task"`
	Verified      bool           `json:"verified"`
	AutoCompleted []*models.Task `json:"auto_completed,omitempty"`
	Followup      *models.Task   `json:"followup,omitempty"`
}

// Complete submits a task held by agentID. Completing a verification lease
// verifies instead. An optional followup task is created in the same
// project and linked to the completed task.
func (s *Service) Complete(ctx context.Context, scope *Scope, taskID int64, in *CompleteInput) (*CompleteOutput, error) {
	if err := requireAgent(in.AgentID); err != nil {
		return nil, err
	}

	result, err := s.store.CompleteIfOwner(ctx, taskID, orgOf(scope), in.AgentID, in.Notes, in.ActualHours)
	if err != nil {
		return nil, err
	}

	out := &CompleteOutput{Task: result.Task, Verified: result.Verified, AutoCompleted: result.AutoCompleted}

	if in.Followup != "" {
		followup := &models.Task{
			ProjectID:       result.Task.ProjectID,
			OrganizationID:  result.Task.OrganizationID,
			Title:           fmt.Sprintf("Follow-up: %s", result.Task.Title),
			TaskType:        models.TaskTypeConcrete,
			TaskInstruction: in.Followup,
			Priority:        result.Task.Priority,
		}
		if err := s.store.CreateTask(ctx, followup, in.AgentID); err != nil {
			return nil, err
		}
		if _, err := s.store.AddRelationship(ctx, orgOf(scope), &models.Relationship{
			ParentTaskID: taskID,
			ChildTaskID:  followup.ID,
			Type:         models.RelationshipFollowup,
		}, in.AgentID); err != nil {
			return nil, err
		}
		out.Followup = followup
	}

	eventType := events.TaskCompleted
	if result.Verified {
		eventType = events.TaskVerified
	}
	s.publishTaskEvent(ctx, eventType, taskID, map[string]interface{}{
		"task_id":  taskID,
		"agent_id": in.AgentID,
		"verified": result.Verified,
	})
	for _, parent := range result.AutoCompleted {
		s.publishTaskEvent(ctx, events.TaskCompleted, parent.ID, map[string]interface{}{
			"task_id":        parent.ID,
			"agent_id":       models.SystemAgent,
			"auto_completed": true,
		})
	}
	return out, nil
}

// VerifyTask marks a completed task verified without taking a lease.
func (s *Service) VerifyTask(ctx context.Context, scope *Scope, taskID int64, agentID, notes string) (*models.Task, error) {
	if err := requireAgent(agentID); err != nil {
		return nil, err
	}
	task, err := s.store.Verify(ctx, taskID, orgOf(scope), agentID, notes)
	if err != nil {
		return nil, err
	}
	s.publishTaskEvent(ctx, events.TaskVerified, taskID, map[string]interface{}{
		"task_id":  taskID,
		"agent_id": agentID,
	})
	return task, nil
}

// BulkUnlock releases several (or all) leases held by an agent. The second
// return lists the tasks that could not be unlocked in non-strict mode.
func (s *Service) BulkUnlock(ctx context.Context, scope *Scope, agentID string, taskIDs []int64, strict bool) ([]int64, []store.BulkUnlockFailure, error) {
	if err := requireAgent(agentID); err != nil {
		return nil, nil, err
	}
	unlocked, failed, err := s.store.BulkUnlock(ctx, orgOf(scope), agentID, taskIDs, strict)
	if err != nil {
		return nil, nil, err
	}
	for _, id := range unlocked {
		s.publishTaskEvent(ctx, events.TaskUnlocked, id, map[string]interface{}{
			"task_id":  id,
			"agent_id": agentID,
			"bulk":     true,
		})
	}
	return unlocked, failed, nil
}

// staleWarning surfaces advisory context when a task was previously reclaimed
// from another agent.
func (s *Service) staleWarning(ctx context.Context, taskID int64) (*models.StaleWarning, error) {
	update, err := s.store.LatestStaleUpdate(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if update == nil {
		return nil, nil
	}

	warning := &models.StaleWarning{
		IsStale:      true,
		UnlockedAt:   &update.CreatedAt,
		StaleFinding: update.Content,
		Warning:      "this task was previously abandoned; review prior updates before starting over",
	}
	if prev, ok := update.Metadata["previous_agent"].(string); ok {
		warning.PreviousAgent = prev
	}
	return warning, nil
}
