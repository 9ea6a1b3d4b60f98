// Package handlers provides the REST transport over the broker service.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dispatchd/dispatchd/internal/broker/dto"
	"github.com/dispatchd/dispatchd/internal/broker/models"
	"github.com/dispatchd/dispatchd/internal/broker/service"
	"github.com/dispatchd/dispatchd/internal/broker/store"
	apperrors "github.com/dispatchd/dispatchd/internal/common/errors"
	"github.com/dispatchd/dispatchd/internal/common/logger"
)

// Handler contains the HTTP handlers for the broker API.
type Handler struct {
	service *service.Service
	logger  *logger.Logger
}

// NewHandler creates a new API handler.
func NewHandler(svc *service.Service, log *logger.Logger) *Handler {
	return &Handler{service: svc, logger: log}
}

// Task endpoints

// CreateTask creates a new task
// POST /api/v1/tasks
func (h *Handler) CreateTask(c *gin.Context) {
	var req dto.CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.BadRequest(err.Error()))
		return
	}

	task, err := h.service.CreateTask(c.Request.Context(), scopeFrom(c), &service.CreateTaskInput{
		Title:                   req.Title,
		TaskType:                models.TaskType(req.TaskType),
		TaskInstruction:         req.TaskInstruction,
		VerificationInstruction: req.VerificationInstruction,
		Notes:                   req.Notes,
		Priority:                models.Priority(req.Priority),
		ProjectID:               req.ProjectID,
		DueDate:                 req.DueDate,
		EstimatedHours:          req.EstimatedHours,
		CreatedBy:               req.CreatedBy,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, task)
}

// GetTask retrieves a task by ID
// GET /api/v1/tasks/:taskId
func (h *Handler) GetTask(c *gin.Context) {
	taskID, ok := pathID(c, "taskId")
	if !ok {
		return
	}
	task, err := h.service.GetTask(c.Request.Context(), scopeFrom(c), taskID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// GetTaskContext returns a task with its surroundings
// GET /api/v1/tasks/:taskId/context
func (h *Handler) GetTaskContext(c *gin.Context) {
	taskID, ok := pathID(c, "taskId")
	if !ok {
		return
	}
	tc, err := h.service.GetTaskContext(c.Request.Context(), scopeFrom(c), taskID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tc)
}

// UpdateTask partially updates a task
// PATCH /api/v1/tasks/:taskId
func (h *Handler) UpdateTask(c *gin.Context) {
	taskID, ok := pathID(c, "taskId")
	if !ok {
		return
	}
	var req dto.UpdateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.BadRequest(err.Error()))
		return
	}

	in := &service.UpdateTaskInput{
		Title:                   req.Title,
		TaskInstruction:         req.TaskInstruction,
		VerificationInstruction: req.VerificationInstruction,
		Notes:                   req.Notes,
		DueDate:                 req.DueDate,
		EstimatedHours:          req.EstimatedHours,
		ActualHours:             req.ActualHours,
		AgentID:                 req.AgentID,
	}
	if req.TaskType != nil {
		taskType := models.TaskType(*req.TaskType)
		in.TaskType = &taskType
	}
	if req.Priority != nil {
		priority := models.Priority(*req.Priority)
		in.Priority = &priority
	}
	if req.TaskStatus != nil {
		status := models.TaskStatus(*req.TaskStatus)
		in.TaskStatus = &status
	}

	task, err := h.service.UpdateTask(c.Request.Context(), scopeFrom(c), taskID, in)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// DeleteTask removes a task
// DELETE /api/v1/tasks/:taskId
func (h *Handler) DeleteTask(c *gin.Context) {
	taskID, ok := pathID(c, "taskId")
	if !ok {
		return
	}
	if err := h.service.DeleteTask(c.Request.Context(), scopeFrom(c), taskID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// QueryTasks lists tasks with query-string filters
// GET /api/v1/tasks
func (h *Handler) QueryTasks(c *gin.Context) {
	filter := &store.TaskFilter{
		OrderBy:   c.Query("order_by"),
		Limit:     queryInt(c, "limit", 0),
		Offset:    queryInt(c, "offset", 0),
		ProjectID: queryInt64Ptr(c, "project_id"),
	}
	if v := c.Query("task_status"); v != "" {
		status := models.TaskStatus(v)
		filter.Status = &status
	}
	if v := c.Query("task_type"); v != "" {
		taskType := models.TaskType(v)
		filter.TaskType = &taskType
	}
	if v := c.Query("priority"); v != "" {
		priority := models.Priority(v)
		filter.Priority = &priority
	}
	if v := c.Query("assigned_agent"); v != "" {
		filter.AssignedAgent = &v
	}

	tasks, err := h.service.QueryTasks(c.Request.Context(), scopeFrom(c), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "count": len(tasks)})
}

// SearchTasks performs a text search
// GET /api/v1/tasks/search?q=...
func (h *Handler) SearchTasks(c *gin.Context) {
	tasks, err := h.service.SearchTasks(c.Request.Context(), scopeFrom(c), c.Query("q"), queryInt(c, "limit", 0))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "count": len(tasks)})
}

// TaskSummaries lists trimmed task rows
// GET /api/v1/tasks/summary
func (h *Handler) TaskSummaries(c *gin.Context) {
	summaries, err := h.service.TaskSummaries(c.Request.Context(), scopeFrom(c), &store.TaskFilter{
		Limit:     queryInt(c, "limit", 0),
		ProjectID: queryInt64Ptr(c, "project_id"),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": summaries, "count": len(summaries)})
}

// Statistics aggregates task counts
// GET /api/v1/tasks/statistics
func (h *Handler) Statistics(c *gin.Context) {
	stats, err := h.service.Statistics(c.Request.Context(), scopeFrom(c), queryInt64Ptr(c, "project_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// AgentStatistics summarizes one agent's workload
// GET /api/v1/agents/:agentId/statistics
func (h *Handler) AgentStatistics(c *gin.Context) {
	stats, err := h.service.AgentStatistics(c.Request.Context(), scopeFrom(c), c.Param("agentId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// RecentCompletions lists recently completed tasks
// GET /api/v1/tasks/recent-completions
func (h *Handler) RecentCompletions(c *gin.Context) {
	tasks, err := h.service.RecentCompletions(c.Request.Context(), scopeFrom(c), queryInt(c, "hours", 24), queryInt(c, "limit", 0))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "count": len(tasks)})
}

// ApproachingDeadline lists tasks due soon
// GET /api/v1/tasks/approaching-deadline
func (h *Handler) ApproachingDeadline(c *gin.Context) {
	tasks, err := h.service.ApproachingDeadline(c.Request.Context(), scopeFrom(c), queryInt(c, "days", 7), queryInt(c, "limit", 0))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "count": len(tasks)})
}

// OverdueTasks lists tasks past their due date
// GET /api/v1/tasks/overdue
func (h *Handler) OverdueTasks(c *gin.Context) {
	tasks, err := h.service.OverdueTasks(c.Request.Context(), scopeFrom(c), queryInt(c, "limit", 0))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "count": len(tasks)})
}

// StaleTasks lists in-progress tasks untouched past the lease timeout
// GET /api/v1/tasks/stale
func (h *Handler) StaleTasks(c *gin.Context) {
	tasks, err := h.service.StaleTasks(c.Request.Context(), scopeFrom(c), queryInt(c, "limit", 0))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "count": len(tasks)})
}

// ListAvailable lists reservable tasks ranked for an agent type
// GET /api/v1/tasks/available
func (h *Handler) ListAvailable(c *gin.Context) {
	tasks, err := h.service.ListAvailable(c.Request.Context(), scopeFrom(c),
		models.AgentType(c.Query("agent_type")), queryInt64Ptr(c, "project_id"), queryInt(c, "limit", 0))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "count": len(tasks)})
}

// ListHistory lists a task's change records, newest first
// GET /api/v1/tasks/:taskId/history
func (h *Handler) ListHistory(c *gin.Context) {
	taskID, ok := pathID(c, "taskId")
	if !ok {
		return
	}
	records, err := h.service.ListHistory(c.Request.Context(), scopeFrom(c), taskID, queryInt(c, "limit", 0))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": records, "count": len(records)})
}

// Lease endpoints

// Reserve takes a lease on a specific task
// POST /api/v1/tasks/:taskId/reserve
func (h *Handler) Reserve(c *gin.Context) {
	taskID, ok := pathID(c, "taskId")
	if !ok {
		return
	}
	var req dto.ReserveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.BadRequest(err.Error()))
		return
	}

	result, err := h.service.Reserve(c.Request.Context(), scopeFrom(c), taskID, req.AgentID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// ReserveNext leases the next available task for an agent type
// POST /api/v1/tasks/reserve-next
func (h *Handler) ReserveNext(c *gin.Context) {
	var req dto.ReserveNextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.BadRequest(err.Error()))
		return
	}

	result, err := h.service.ReserveNext(c.Request.Context(), scopeFrom(c), models.AgentType(req.AgentType), req.ProjectID, req.AgentID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Unlock releases a lease
// POST /api/v1/tasks/:taskId/unlock
func (h *Handler) Unlock(c *gin.Context) {
	taskID, ok := pathID(c, "taskId")
	if !ok {
		return
	}
	var req dto.ReserveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.BadRequest(err.Error()))
		return
	}

	task, err := h.service.Unlock(c.Request.Context(), scopeFrom(c), taskID, req.AgentID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// Complete submits a completed task
// POST /api/v1/tasks/:taskId/complete
func (h *Handler) Complete(c *gin.Context) {
	taskID, ok := pathID(c, "taskId")
	if !ok {
		return
	}
	var req dto.CompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.BadRequest(err.Error()))
		return
	}

	out, err := h.service.Complete(c.Request.Context(), scopeFrom(c), taskID, &service.CompleteInput{
		AgentID:     req.AgentID,
		Notes:       req.Notes,
		ActualHours: req.ActualHours,
		Followup:    req.Followup,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// Verify marks a completed task verified
// POST /api/v1/tasks/:taskId/verify
func (h *Handler) Verify(c *gin.Context) {
	taskID, ok := pathID(c, "taskId")
	if !ok {
		return
	}
	var req dto.VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.BadRequest(err.Error()))
		return
	}

	task, err := h.service.VerifyTask(c.Request.Context(), scopeFrom(c), taskID, req.AgentID, req.Notes)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// BulkUnlock releases several (or all) leases held by an agent
// POST /api/v1/tasks/bulk-unlock
func (h *Handler) BulkUnlock(c *gin.Context) {
	var req dto.BulkUnlockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.BadRequest(err.Error()))
		return
	}

	unlocked, failed, err := h.service.BulkUnlock(c.Request.Context(), scopeFrom(c), req.AgentID, req.TaskIDs, req.Strict)
	if err != nil {
		respondError(c, err)
		return
	}
	h.logger.Info("bulk unlock", zap.String("agent_id", req.AgentID), zap.Int("released", len(unlocked)), zap.Int("failed", len(failed)))
	c.JSON(http.StatusOK, gin.H{"unlocked": unlocked, "count": len(unlocked), "failed": failed})
}
