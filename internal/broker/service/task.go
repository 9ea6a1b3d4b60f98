package service

import (
	"context"
	"time"

	"github.com/dispatchd/dispatchd/internal/broker/models"
	"github.com/dispatchd/dispatchd/internal/broker/state"
	"github.com/dispatchd/dispatchd/internal/broker/store"
	apperrors "github.com/dispatchd/dispatchd/internal/common/errors"
	"github.com/dispatchd/dispatchd/internal/events"
)

// CreateTaskInput carries the fields for task creation.
type CreateTaskInput struct {
	Title                   string
	TaskType                models.TaskType
	TaskInstruction         string
	VerificationInstruction string
	Notes                   string
	Priority                models.Priority
	ProjectID               *int64
	DueDate                 *time.Time
	EstimatedHours          *float64
	CreatedBy               string
}

// CreateTask validates and creates a task within the caller's scope.
func (s *Service) CreateTask(ctx context.Context, scope *Scope, in *CreateTaskInput) (*models.Task, error) {
	if in.Title == "" {
		return nil, apperrors.ValidationError("title", "is required")
	}
	if in.TaskType == "" {
		in.TaskType = models.TaskTypeConcrete
	}
	if err := validTaskType(in.TaskType); err != nil {
		return nil, err
	}
	if in.Priority == "" {
		in.Priority = models.PriorityMedium
	}
	if err := validPriority(in.Priority); err != nil {
		return nil, err
	}

	task := &models.Task{
		ProjectID:               in.ProjectID,
		Title:                   in.Title,
		TaskType:                in.TaskType,
		TaskInstruction:         in.TaskInstruction,
		VerificationInstruction: in.VerificationInstruction,
		Notes:                   in.Notes,
		Priority:                in.Priority,
		DueDate:                 in.DueDate,
		EstimatedHours:          in.EstimatedHours,
	}
	if scope != nil && scope.OrgID != 0 {
		task.OrganizationID = &scope.OrgID
		if task.ProjectID == nil && scope.ProjectID != 0 {
			projectID := scope.ProjectID
			task.ProjectID = &projectID
		}
		// A scoped caller may only create tasks in its own organization's
		// projects.
		if task.ProjectID != nil {
			if _, err := s.store.GetProject(ctx, *task.ProjectID, scope.OrgID); err != nil {
				return nil, err
			}
		}
	}

	createdBy := in.CreatedBy
	if createdBy == "" {
		createdBy = models.SystemAgent
	}
	if err := s.store.CreateTask(ctx, task, createdBy); err != nil {
		return nil, err
	}

	s.publishTaskEvent(ctx, events.TaskCreated, task.ID, map[string]interface{}{
		"task_id":    task.ID,
		"title":      task.Title,
		"task_type":  task.TaskType,
		"priority":   task.Priority,
		"created_by": createdBy,
	})
	return task, nil
}

// GetTask returns a task within scope.
func (s *Service) GetTask(ctx context.Context, scope *Scope, taskID int64) (*models.Task, error) {
	return s.store.GetTask(ctx, taskID, orgOf(scope))
}

// UpdateTaskInput carries a partial task update. A status change is validated
// against the transition table; the lease operations remain the only way to
// enter in_progress with an agent attached.
type UpdateTaskInput struct {
	Title                   *string
	TaskType                *models.TaskType
	TaskInstruction         *string
	VerificationInstruction *string
	Notes                   *string
	Priority                *models.Priority
	TaskStatus              *models.TaskStatus
	DueDate                 *time.Time
	EstimatedHours          *float64
	ActualHours             *float64
	AgentID                 string
}

// UpdateTask applies a partial update within scope.
func (s *Service) UpdateTask(ctx context.Context, scope *Scope, taskID int64, in *UpdateTaskInput) (*models.Task, error) {
	if err := requireAgent(in.AgentID); err != nil {
		return nil, err
	}
	if in.TaskType != nil {
		if err := validTaskType(*in.TaskType); err != nil {
			return nil, err
		}
	}
	if in.Priority != nil {
		if err := validPriority(*in.Priority); err != nil {
			return nil, err
		}
	}
	if in.Title != nil && *in.Title == "" {
		return nil, apperrors.ValidationError("title", "cannot be empty")
	}

	if in.TaskStatus != nil {
		current, err := s.store.GetTask(ctx, taskID, orgOf(scope))
		if err != nil {
			return nil, err
		}
		if err := state.ValidateTransition(taskID, current.TaskStatus, *in.TaskStatus); err != nil {
			return nil, err
		}
	}

	task, err := s.store.UpdateTask(ctx, taskID, orgOf(scope), in.AgentID, &store.TaskPatch{
		Title:                   in.Title,
		TaskType:                in.TaskType,
		TaskInstruction:         in.TaskInstruction,
		VerificationInstruction: in.VerificationInstruction,
		Notes:                   in.Notes,
		Priority:                in.Priority,
		TaskStatus:              in.TaskStatus,
		DueDate:                 in.DueDate,
		EstimatedHours:          in.EstimatedHours,
		ActualHours:             in.ActualHours,
	})
	if err != nil {
		return nil, err
	}

	s.publishTaskEvent(ctx, events.TaskUpdated, task.ID, map[string]interface{}{
		"task_id":  task.ID,
		"agent_id": in.AgentID,
	})
	return task, nil
}

// DeleteTask removes a task and its dependent rows.
func (s *Service) DeleteTask(ctx context.Context, scope *Scope, taskID int64) error {
	return s.store.DeleteTask(ctx, taskID, orgOf(scope))
}

// QueryTasks lists tasks with filters, newest first.
func (s *Service) QueryTasks(ctx context.Context, scope *Scope, filter *store.TaskFilter) ([]*models.Task, error) {
	if filter == nil {
		filter = &store.TaskFilter{}
	}
	if filter.Status != nil && !filter.Status.Valid() {
		return nil, apperrors.ValidationError("task_status", "unknown status")
	}
	if filter.TaskType != nil && !filter.TaskType.Valid() {
		return nil, apperrors.ValidationError("task_type", "unknown type")
	}
	if filter.Priority != nil && !filter.Priority.Valid() {
		return nil, apperrors.ValidationError("priority", "unknown priority")
	}
	switch filter.OrderBy {
	case "", "priority", "priority_asc":
	default:
		return nil, apperrors.ValidationError("order_by", "must be one of: priority, priority_asc")
	}
	filter.Limit = s.clampLimit(filter.Limit)
	return s.store.ListTasks(ctx, orgOf(scope), filter)
}

// SearchTasks performs a substring search over title, instruction, and notes.
func (s *Service) SearchTasks(ctx context.Context, scope *Scope, text string, limit int) ([]*models.Task, error) {
	if text == "" {
		return nil, apperrors.ValidationError("query", "is required")
	}
	return s.store.SearchTasks(ctx, orgOf(scope), text, s.clampLimit(limit))
}

// TaskSummaries lists trimmed task rows for cheap polling.
func (s *Service) TaskSummaries(ctx context.Context, scope *Scope, filter *store.TaskFilter) ([]*models.TaskSummary, error) {
	if filter == nil {
		filter = &store.TaskFilter{}
	}
	filter.Limit = s.clampLimit(filter.Limit)
	return s.store.ListSummaries(ctx, orgOf(scope), filter)
}

// Statistics aggregates task counts for the scope.
func (s *Service) Statistics(ctx context.Context, scope *Scope, projectID *int64) (*models.TaskStatistics, error) {
	return s.store.Statistics(ctx, orgOf(scope), projectID)
}

// AgentStatistics summarizes one agent's workload.
func (s *Service) AgentStatistics(ctx context.Context, scope *Scope, agentID string) (*models.AgentStats, error) {
	if err := requireAgent(agentID); err != nil {
		return nil, err
	}
	return s.store.AgentStatistics(ctx, orgOf(scope), agentID)
}

// RecentCompletions lists tasks completed within the last N hours.
func (s *Service) RecentCompletions(ctx context.Context, scope *Scope, hours, limit int) ([]*models.Task, error) {
	if hours <= 0 {
		hours = 24
	}
	return s.store.RecentCompletions(ctx, orgOf(scope), hours, s.clampLimit(limit))
}

// ApproachingDeadline lists open tasks due within the next N days.
func (s *Service) ApproachingDeadline(ctx context.Context, scope *Scope, days, limit int) ([]*models.Task, error) {
	if days <= 0 {
		days = 7
	}
	return s.store.ApproachingDeadline(ctx, orgOf(scope), days, s.clampLimit(limit))
}

// OverdueTasks lists open tasks past their due date.
func (s *Service) OverdueTasks(ctx context.Context, scope *Scope, limit int) ([]*models.Task, error) {
	return s.store.OverdueTasks(ctx, orgOf(scope), s.clampLimit(limit))
}

// StaleTasks lists in-progress tasks untouched for longer than the lease
// timeout.
func (s *Service) StaleTasks(ctx context.Context, scope *Scope, limit int) ([]*models.Task, error) {
	return s.store.StaleTasks(ctx, orgOf(scope), s.cfg.TaskTimeoutHours, s.clampLimit(limit))
}

// ListAvailable returns reservable tasks for an agent type.
func (s *Service) ListAvailable(ctx context.Context, scope *Scope, agentType models.AgentType, projectID *int64, limit int) ([]*models.Task, error) {
	if agentType != models.AgentTypeBreakdown && agentType != models.AgentTypeImplementation {
		return nil, apperrors.ValidationError("agent_type", "must be one of: breakdown, implementation")
	}
	return s.store.ListAvailable(ctx, orgOf(scope), agentType, projectID, s.clampLimit(limit))
}

// TaskContext is the one-call bundle agents use to orient on a task.
type TaskContext struct {
	Task          *models.Task           `json:"task"`
	Project       *models.Project        `json:"project,omitempty"`
	Parents       []*models.Task         `json:"parents,omitempty"`
	Subtasks      []*models.Task         `json:"subtasks,omitempty"`
	Blockers      []*models.Task         `json:"blockers,omitempty"`
	RecentUpdates []*models.TaskUpdate   `json:"recent_updates,omitempty"`
	RecentHistory []*models.ChangeRecord `json:"recent_history,omitempty"`
	StaleWarning  *models.StaleWarning   `json:"stale_warning,omitempty"`
}

// GetTaskContext assembles a task with its surroundings: project, ancestry,
// subtasks, active blockers, recent updates and history, and any stale
// warning from a prior reclaimed lease.
func (s *Service) GetTaskContext(ctx context.Context, scope *Scope, taskID int64) (*TaskContext, error) {
	task, err := s.store.GetTask(ctx, taskID, orgOf(scope))
	if err != nil {
		return nil, err
	}

	tc := &TaskContext{Task: task}
	if task.ProjectID != nil {
		if project, err := s.store.GetProject(ctx, *task.ProjectID, orgOf(scope)); err == nil {
			tc.Project = project
		}
	}
	if tc.Parents, err = s.store.ParentTasks(ctx, taskID); err != nil {
		return nil, err
	}
	if tc.Subtasks, err = s.store.Subtasks(ctx, taskID); err != nil {
		return nil, err
	}
	if tc.Blockers, err = s.store.ActiveBlockers(ctx, taskID); err != nil {
		return nil, err
	}
	if tc.RecentUpdates, err = s.store.ListUpdates(ctx, taskID, 10); err != nil {
		return nil, err
	}
	if tc.RecentHistory, err = s.store.ListHistory(ctx, taskID, 10); err != nil {
		return nil, err
	}
	tc.StaleWarning, err = s.staleWarning(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return tc, nil
}
