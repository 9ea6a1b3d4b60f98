package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/dispatchd/dispatchd/internal/broker/models"
	"github.com/dispatchd/dispatchd/internal/broker/service"
	"github.com/dispatchd/dispatchd/internal/broker/store"
	apperrors "github.com/dispatchd/dispatchd/internal/common/errors"
	"github.com/dispatchd/dispatchd/internal/common/logger"
)

// MCP tools operate unscoped: the embedded MCP server is a trusted local
// transport for agents colocated with the broker. Multi-tenant callers use
// the REST API with an API key instead.

// success wraps a result in the standard tool envelope.
func success(v interface{}) *mcp.CallToolResult {
	payload, err := json.MarshalIndent(map[string]interface{}{
		"success": true,
		"result":  v,
	}, "", "  ")
	if err != nil {
		return failure(fmt.Errorf("encode result: %w", err))
	}
	return mcp.NewToolResultText(string(payload))
}

// failure reports a logical failure as a successful tool call whose payload
// carries the error kind. Lease conflicts and missing tasks are outcomes an
// agent is expected to handle, not transport errors.
func failure(err error) *mcp.CallToolResult {
	payload, _ := json.Marshal(map[string]interface{}{
		"success":    false,
		"error":      err.Error(),
		"error_kind": apperrors.GetErrorKind(err),
	})
	return mcp.NewToolResultText(string(payload))
}

func argFailure(err error) *mcp.CallToolResult {
	return failure(apperrors.BadRequest(err.Error()))
}

func registerTools(s *server.MCPServer, svc *service.Service, log *logger.Logger) {
	registerTaskTools(s, svc)
	registerLeaseTools(s, svc)
	registerAuditTools(s, svc)
	registerGraphTools(s, svc)
	registerRecurrenceTools(s, svc)

	log.Info("registered MCP tools", zap.Int("count", 26))
}

func registerTaskTools(s *server.MCPServer, svc *service.Service) {
	s.AddTool(
		mcp.NewTool("create_task",
			mcp.WithDescription("Create a new task. Returns the created task including its ID."),
			mcp.WithString("title", mcp.Required(), mcp.Description("The task title")),
			mcp.WithString("task_type", mcp.Description("Task type: concrete, abstract, epic (default concrete)")),
			mcp.WithString("priority", mcp.Description("Priority: low, medium, high, critical (default medium)")),
			mcp.WithString("task_instruction", mcp.Description("Instructions for the agent that will work on the task")),
			mcp.WithString("verification_instruction", mcp.Description("How a verifier should check the completed work")),
			mcp.WithString("notes", mcp.Description("Free-form notes")),
			mcp.WithNumber("project_id", mcp.Description("Project to create the task in")),
			mcp.WithNumber("estimated_hours", mcp.Description("Estimated effort in hours")),
			mcp.WithString("due_date", mcp.Description("Due date in RFC 3339 format")),
			mcp.WithString("created_by", mcp.Description("Agent ID creating the task")),
		),
		createTaskHandler(svc),
	)

	s.AddTool(
		mcp.NewTool("get_task",
			mcp.WithDescription("Fetch a single task by ID."),
			mcp.WithNumber("task_id", mcp.Required(), mcp.Description("The task ID")),
		),
		getTaskHandler(svc),
	)

	s.AddTool(
		mcp.NewTool("get_task_context",
			mcp.WithDescription("Fetch a task together with its project, parents, subtasks, blockers, and recent updates. Use this before starting work on a reserved task."),
			mcp.WithNumber("task_id", mcp.Required(), mcp.Description("The task ID")),
		),
		getTaskContextHandler(svc),
	)

	s.AddTool(
		mcp.NewTool("update_task",
			mcp.WithDescription("Apply a partial update to a task. Only the provided fields change."),
			mcp.WithNumber("task_id", mcp.Required(), mcp.Description("The task ID to update")),
			mcp.WithString("agent_id", mcp.Required(), mcp.Description("Agent making the change, recorded in the task history")),
			mcp.WithString("title", mcp.Description("New title")),
			mcp.WithString("task_instruction", mcp.Description("New task instruction")),
			mcp.WithString("verification_instruction", mcp.Description("New verification instruction")),
			mcp.WithString("notes", mcp.Description("New notes")),
			mcp.WithString("priority", mcp.Description("New priority: low, medium, high, critical")),
			mcp.WithString("status", mcp.Description("New status; must be a legal transition from the current status")),
			mcp.WithNumber("estimated_hours", mcp.Description("New estimate in hours")),
			mcp.WithNumber("actual_hours", mcp.Description("Actual hours spent")),
		),
		updateTaskHandler(svc),
	)

	s.AddTool(
		mcp.NewTool("delete_task",
			mcp.WithDescription("Delete a task and its relationships."),
			mcp.WithNumber("task_id", mcp.Required(), mcp.Description("The task ID to delete")),
		),
		deleteTaskHandler(svc),
	)

	s.AddTool(
		mcp.NewTool("query_tasks",
			mcp.WithDescription("List tasks filtered by status, type, priority, assignee, or project."),
			mcp.WithString("status", mcp.Description("Filter by status")),
			mcp.WithString("task_type", mcp.Description("Filter by task type")),
			mcp.WithString("priority", mcp.Description("Filter by priority")),
			mcp.WithString("assigned_agent", mcp.Description("Filter by the agent holding the task")),
			mcp.WithNumber("project_id", mcp.Description("Filter by project")),
			mcp.WithString("order_by", mcp.Description("Sort order: priority (critical first) or priority_asc (low first); default is most recently touched")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of tasks to return")),
			mcp.WithNumber("offset", mcp.Description("Pagination offset")),
		),
		queryTasksHandler(svc),
	)

	s.AddTool(
		mcp.NewTool("search_tasks",
			mcp.WithDescription("Full-text search over task titles, instructions, and notes."),
			mcp.WithString("query", mcp.Required(), mcp.Description("Search text")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of tasks to return")),
		),
		searchTasksHandler(svc),
	)

	s.AddTool(
		mcp.NewTool("list_available_tasks",
			mcp.WithDescription("List tasks an agent of the given type could reserve right now. Work awaiting verification comes first, then priority, then recency."),
			mcp.WithString("agent_type", mcp.Required(), mcp.Description("Agent type: breakdown or implementation")),
			mcp.WithNumber("project_id", mcp.Description("Restrict to one project")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of tasks to return")),
		),
		listAvailableHandler(svc),
	)

	s.AddTool(
		mcp.NewTool("task_statistics",
			mcp.WithDescription("Aggregate counts of tasks by status, type, and priority."),
			mcp.WithNumber("project_id", mcp.Description("Restrict to one project")),
		),
		taskStatisticsHandler(svc),
	)

	s.AddTool(
		mcp.NewTool("agent_statistics",
			mcp.WithDescription("Per-agent completion and verification counts."),
			mcp.WithString("agent_id", mcp.Required(), mcp.Description("The agent ID")),
		),
		agentStatisticsHandler(svc),
	)

	s.AddTool(
		mcp.NewTool("list_stale_tasks",
			mcp.WithDescription("List in-progress tasks whose lease has gone quiet past the staleness threshold."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of tasks to return")),
		),
		staleTasksHandler(svc),
	)
}

func registerLeaseTools(s *server.MCPServer, svc *service.Service) {
	s.AddTool(
		mcp.NewTool("reserve_task",
			mcp.WithDescription("Take an exclusive lease on a specific task. Fails with not_reservable if another agent holds it. The result may carry a stale warning when the task was previously abandoned."),
			mcp.WithNumber("task_id", mcp.Required(), mcp.Description("The task ID to reserve")),
			mcp.WithString("agent_id", mcp.Required(), mcp.Description("The reserving agent")),
		),
		reserveHandler(svc),
	)

	s.AddTool(
		mcp.NewTool("reserve_next_task",
			mcp.WithDescription("Reserve the highest-priority task available to an agent of the given type. Fails with not_found when nothing is available."),
			mcp.WithString("agent_type", mcp.Required(), mcp.Description("Agent type: breakdown or implementation")),
			mcp.WithString("agent_id", mcp.Required(), mcp.Description("The reserving agent")),
			mcp.WithNumber("project_id", mcp.Description("Restrict to one project")),
		),
		reserveNextHandler(svc),
	)

	s.AddTool(
		mcp.NewTool("unlock_task",
			mcp.WithDescription("Release a lease without completing the task. It becomes available again."),
			mcp.WithNumber("task_id", mcp.Required(), mcp.Description("The task ID to unlock")),
			mcp.WithString("agent_id", mcp.Required(), mcp.Description("The agent holding the lease")),
		),
		unlockHandler(svc),
	)

	s.AddTool(
		mcp.NewTool("complete_task",
			mcp.WithDescription("Submit a held task as done. Completing a verification lease verifies the task instead. Parents whose children are all finished are auto-completed in the same transaction."),
			mcp.WithNumber("task_id", mcp.Required(), mcp.Description("The task ID to complete")),
			mcp.WithString("agent_id", mcp.Required(), mcp.Description("The agent holding the lease")),
			mcp.WithString("notes", mcp.Description("Completion notes, recorded in the task history")),
			mcp.WithNumber("actual_hours", mcp.Description("Actual hours spent")),
			mcp.WithString("followup", mcp.Description("Title of a follow-up task to create and link to this one")),
		),
		completeHandler(svc),
	)

	s.AddTool(
		mcp.NewTool("verify_task",
			mcp.WithDescription("Mark a completed task as verified. Fails with already_verified if it was verified before."),
			mcp.WithNumber("task_id", mcp.Required(), mcp.Description("The task ID to verify")),
			mcp.WithString("agent_id", mcp.Required(), mcp.Description("The verifying agent")),
			mcp.WithString("notes", mcp.Description("Verification notes")),
		),
		verifyHandler(svc),
	)

	s.AddTool(
		mcp.NewTool("bulk_unlock",
			mcp.WithDescription("Release several leases held by one agent at once. Returns the IDs actually unlocked."),
			mcp.WithString("agent_id", mcp.Required(), mcp.Description("The agent holding the leases")),
			mcp.WithArray("task_ids", mcp.Required(), mcp.Description("Task IDs to unlock")),
		),
		bulkUnlockHandler(svc),
	)
}

func registerAuditTools(s *server.MCPServer, svc *service.Service) {
	s.AddTool(
		mcp.NewTool("add_task_update",
			mcp.WithDescription("Attach a narrative update to a task: progress, a finding, a blocker, or a question."),
			mcp.WithNumber("task_id", mcp.Required(), mcp.Description("The task ID")),
			mcp.WithString("agent_id", mcp.Required(), mcp.Description("The authoring agent")),
			mcp.WithString("update_type", mcp.Required(), mcp.Description("One of: progress, note, blocker, question, finding")),
			mcp.WithString("content", mcp.Required(), mcp.Description("The update text")),
		),
		addUpdateHandler(svc),
	)

	s.AddTool(
		mcp.NewTool("list_task_updates",
			mcp.WithDescription("List the narrative updates attached to a task, oldest first."),
			mcp.WithNumber("task_id", mcp.Required(), mcp.Description("The task ID")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of updates to return")),
		),
		listUpdatesHandler(svc),
	)

	s.AddTool(
		mcp.NewTool("get_activity_feed",
			mcp.WithDescription("Merged chronological feed of a task's state changes and updates, with duplicate echoes removed."),
			mcp.WithNumber("task_id", mcp.Required(), mcp.Description("The task ID")),
			mcp.WithString("agent_id", mcp.Description("Only entries by this agent")),
			mcp.WithString("since", mcp.Description("Only entries at or after this RFC3339 timestamp")),
			mcp.WithString("until", mcp.Description("Only entries at or before this RFC3339 timestamp")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of entries to return")),
		),
		activityFeedHandler(svc),
	)

	s.AddTool(
		mcp.NewTool("list_task_versions",
			mcp.WithDescription("List the saved content versions of a task."),
			mcp.WithNumber("task_id", mcp.Required(), mcp.Description("The task ID")),
		),
		listVersionsHandler(svc),
	)

	s.AddTool(
		mcp.NewTool("diff_task_versions",
			mcp.WithDescription("Field-by-field difference between two saved versions of a task."),
			mcp.WithNumber("task_id", mcp.Required(), mcp.Description("The task ID")),
			mcp.WithNumber("from_version", mcp.Required(), mcp.Description("The older version number")),
			mcp.WithNumber("to_version", mcp.Required(), mcp.Description("The newer version number")),
		),
		diffVersionsHandler(svc),
	)
}

func registerGraphTools(s *server.MCPServer, svc *service.Service) {
	s.AddTool(
		mcp.NewTool("add_relationship",
			mcp.WithDescription("Link two tasks. Blocking links that would close a cycle are rejected with circular_dependency."),
			mcp.WithNumber("parent_id", mcp.Required(), mcp.Description("The parent or blocking task ID")),
			mcp.WithNumber("child_id", mcp.Required(), mcp.Description("The child or blocked task ID")),
			mcp.WithString("relationship_type", mcp.Required(), mcp.Description("One of: subtask, blocking, blocked_by, followup, related")),
			mcp.WithString("agent_id", mcp.Description("Agent creating the link")),
		),
		addRelationshipHandler(svc),
	)

	s.AddTool(
		mcp.NewTool("remove_relationship",
			mcp.WithDescription("Remove a link between two tasks."),
			mcp.WithNumber("parent_id", mcp.Required(), mcp.Description("The parent task ID")),
			mcp.WithNumber("child_id", mcp.Required(), mcp.Description("The child task ID")),
			mcp.WithString("relationship_type", mcp.Required(), mcp.Description("One of: subtask, blocking, blocked_by, followup, related")),
			mcp.WithString("agent_id", mcp.Description("Agent removing the link")),
		),
		removeRelationshipHandler(svc),
	)

	s.AddTool(
		mcp.NewTool("list_related_tasks",
			mcp.WithDescription("List a task's relationships grouped into parents, subtasks, and blockers."),
			mcp.WithNumber("task_id", mcp.Required(), mcp.Description("The task ID")),
		),
		listRelatedHandler(svc),
	)
}

func registerRecurrenceTools(s *server.MCPServer, svc *service.Service) {
	s.AddTool(
		mcp.NewTool("create_recurring_task",
			mcp.WithDescription("Attach a recurrence schedule to a template task so the broker materializes fresh instances over time."),
			mcp.WithNumber("task_id", mcp.Required(), mcp.Description("The template task ID")),
			mcp.WithString("recurrence_type", mcp.Required(), mcp.Description("One of: daily, weekly, monthly")),
			mcp.WithNumber("day_of_week", mcp.Description("For weekly: 0 (Sunday) through 6")),
			mcp.WithNumber("day_of_month", mcp.Description("For monthly: 1 through 31, clamped to the month's length")),
		),
		createRecurringHandler(svc),
	)

	s.AddTool(
		mcp.NewTool("list_recurring_tasks",
			mcp.WithDescription("List recurrence schedules."),
			mcp.WithBoolean("active_only", mcp.Description("Only return active schedules")),
		),
		listRecurringHandler(svc),
	)
}

func taskID(req mcp.CallToolRequest) (int64, error) {
	id, err := req.RequireInt("task_id")
	if err != nil {
		return 0, err
	}
	return int64(id), nil
}

// optTime parses an optional RFC3339 string argument.
func optTime(req mcp.CallToolRequest, name string) (*time.Time, error) {
	raw := req.GetString(name, "")
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, apperrors.ValidationError(name, "must be an RFC3339 timestamp")
	}
	return &t, nil
}

func optInt64(req mcp.CallToolRequest, name string) *int64 {
	n := req.GetInt(name, 0)
	if n == 0 {
		return nil
	}
	v := int64(n)
	return &v
}

func optFloat(req mcp.CallToolRequest, name string) *float64 {
	raw, ok := req.GetArguments()[name]
	if !ok {
		return nil
	}
	f, ok := raw.(float64)
	if !ok {
		return nil
	}
	return &f
}

func createTaskHandler(svc *service.Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		title, err := req.RequireString("title")
		if err != nil {
			return argFailure(err), nil
		}

		in := &service.CreateTaskInput{
			Title:                   title,
			TaskType:                models.TaskType(req.GetString("task_type", "")),
			Priority:                models.Priority(req.GetString("priority", "")),
			TaskInstruction:         req.GetString("task_instruction", ""),
			VerificationInstruction: req.GetString("verification_instruction", ""),
			Notes:                   req.GetString("notes", ""),
			ProjectID:               optInt64(req, "project_id"),
			EstimatedHours:          optFloat(req, "estimated_hours"),
			CreatedBy:               req.GetString("created_by", ""),
		}
		if raw := req.GetString("due_date", ""); raw != "" {
			due, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return failure(apperrors.ValidationError("due_date", "must be RFC 3339")), nil
			}
			in.DueDate = &due
		}

		task, err := svc.CreateTask(ctx, nil, in)
		if err != nil {
			return failure(err), nil
		}
		return success(task), nil
	}
}

func getTaskHandler(svc *service.Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := taskID(req)
		if err != nil {
			return argFailure(err), nil
		}
		task, err := svc.GetTask(ctx, nil, id)
		if err != nil {
			return failure(err), nil
		}
		return success(task), nil
	}
}

func getTaskContextHandler(svc *service.Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := taskID(req)
		if err != nil {
			return argFailure(err), nil
		}
		taskCtx, err := svc.GetTaskContext(ctx, nil, id)
		if err != nil {
			return failure(err), nil
		}
		return success(taskCtx), nil
	}
}

func updateTaskHandler(svc *service.Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := taskID(req)
		if err != nil {
			return argFailure(err), nil
		}
		agentID, err := req.RequireString("agent_id")
		if err != nil {
			return argFailure(err), nil
		}

		in := &service.UpdateTaskInput{AgentID: agentID}
		if v := req.GetString("title", ""); v != "" {
			in.Title = &v
		}
		if v := req.GetString("task_instruction", ""); v != "" {
			in.TaskInstruction = &v
		}
		if v := req.GetString("verification_instruction", ""); v != "" {
			in.VerificationInstruction = &v
		}
		if v := req.GetString("notes", ""); v != "" {
			in.Notes = &v
		}
		if v := req.GetString("priority", ""); v != "" {
			p := models.Priority(v)
			in.Priority = &p
		}
		if v := req.GetString("status", ""); v != "" {
			st := models.TaskStatus(v)
			in.TaskStatus = &st
		}
		in.EstimatedHours = optFloat(req, "estimated_hours")
		in.ActualHours = optFloat(req, "actual_hours")

		task, err := svc.UpdateTask(ctx, nil, id, in)
		if err != nil {
			return failure(err), nil
		}
		return success(task), nil
	}
}

func deleteTaskHandler(svc *service.Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := taskID(req)
		if err != nil {
			return argFailure(err), nil
		}
		if err := svc.DeleteTask(ctx, nil, id); err != nil {
			return failure(err), nil
		}
		return success(map[string]interface{}{"deleted": id}), nil
	}
}

func queryTasksHandler(svc *service.Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		filter := &store.TaskFilter{
			ProjectID: optInt64(req, "project_id"),
			OrderBy:   req.GetString("order_by", ""),
			Limit:     req.GetInt("limit", 0),
			Offset:    req.GetInt("offset", 0),
		}
		if v := req.GetString("status", ""); v != "" {
			st := models.TaskStatus(v)
			filter.Status = &st
		}
		if v := req.GetString("task_type", ""); v != "" {
			tt := models.TaskType(v)
			filter.TaskType = &tt
		}
		if v := req.GetString("priority", ""); v != "" {
			p := models.Priority(v)
			filter.Priority = &p
		}
		if v := req.GetString("assigned_agent", ""); v != "" {
			filter.AssignedAgent = &v
		}

		tasks, err := svc.QueryTasks(ctx, nil, filter)
		if err != nil {
			return failure(err), nil
		}
		return success(map[string]interface{}{"tasks": tasks, "count": len(tasks)}), nil
	}
}

func searchTasksHandler(svc *service.Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return argFailure(err), nil
		}
		tasks, err := svc.SearchTasks(ctx, nil, query, req.GetInt("limit", 0))
		if err != nil {
			return failure(err), nil
		}
		return success(map[string]interface{}{"tasks": tasks, "count": len(tasks)}), nil
	}
}

func listAvailableHandler(svc *service.Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agentType, err := req.RequireString("agent_type")
		if err != nil {
			return argFailure(err), nil
		}
		tasks, err := svc.ListAvailable(ctx, nil, models.AgentType(agentType), optInt64(req, "project_id"), req.GetInt("limit", 0))
		if err != nil {
			return failure(err), nil
		}
		return success(map[string]interface{}{"tasks": tasks, "count": len(tasks)}), nil
	}
}

func taskStatisticsHandler(svc *service.Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		stats, err := svc.Statistics(ctx, nil, optInt64(req, "project_id"))
		if err != nil {
			return failure(err), nil
		}
		return success(stats), nil
	}
}

func agentStatisticsHandler(svc *service.Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agentID, err := req.RequireString("agent_id")
		if err != nil {
			return argFailure(err), nil
		}
		stats, err := svc.AgentStatistics(ctx, nil, agentID)
		if err != nil {
			return failure(err), nil
		}
		return success(stats), nil
	}
}

func staleTasksHandler(svc *service.Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		tasks, err := svc.StaleTasks(ctx, nil, req.GetInt("limit", 0))
		if err != nil {
			return failure(err), nil
		}
		return success(map[string]interface{}{"tasks": tasks, "count": len(tasks)}), nil
	}
}

func reserveHandler(svc *service.Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := taskID(req)
		if err != nil {
			return argFailure(err), nil
		}
		agentID, err := req.RequireString("agent_id")
		if err != nil {
			return argFailure(err), nil
		}
		res, err := svc.Reserve(ctx, nil, id, agentID)
		if err != nil {
			return failure(err), nil
		}
		return success(res), nil
	}
}

func reserveNextHandler(svc *service.Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agentType, err := req.RequireString("agent_type")
		if err != nil {
			return argFailure(err), nil
		}
		agentID, err := req.RequireString("agent_id")
		if err != nil {
			return argFailure(err), nil
		}
		res, err := svc.ReserveNext(ctx, nil, models.AgentType(agentType), optInt64(req, "project_id"), agentID)
		if err != nil {
			return failure(err), nil
		}
		return success(res), nil
	}
}

func unlockHandler(svc *service.Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := taskID(req)
		if err != nil {
			return argFailure(err), nil
		}
		agentID, err := req.RequireString("agent_id")
		if err != nil {
			return argFailure(err), nil
		}
		task, err := svc.Unlock(ctx, nil, id, agentID)
		if err != nil {
			return failure(err), nil
		}
		return success(task), nil
	}
}

func completeHandler(svc *service.Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := taskID(req)
		if err != nil {
			return argFailure(err), nil
		}
		agentID, err := req.RequireString("agent_id")
		if err != nil {
			return argFailure(err), nil
		}
		out, err := svc.Complete(ctx, nil, id, &service.CompleteInput{
			AgentID:     agentID,
			Notes:       req.GetString("notes", ""),
			ActualHours: optFloat(req, "actual_hours"),
			Followup:    req.GetString("followup", ""),
		})
		if err != nil {
			return failure(err), nil
		}
		return success(out), nil
	}
}

func verifyHandler(svc *service.Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := taskID(req)
		if err != nil {
			return argFailure(err), nil
		}
		agentID, err := req.RequireString("agent_id")
		if err != nil {
			return argFailure(err), nil
		}
		task, err := svc.VerifyTask(ctx, nil, id, agentID, req.GetString("notes", ""))
		if err != nil {
			return failure(err), nil
		}
		return success(task), nil
	}
}

func bulkUnlockHandler(svc *service.Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agentID, err := req.RequireString("agent_id")
		if err != nil {
			return argFailure(err), nil
		}

		raw, ok := req.GetArguments()["task_ids"]
		if !ok {
			return failure(apperrors.ValidationError("task_ids", "is required")), nil
		}
		encoded, err := json.Marshal(raw)
		if err != nil {
			return failure(apperrors.ValidationError("task_ids", "must be an array of task IDs")), nil
		}
		var ids []int64
		if err := json.Unmarshal(encoded, &ids); err != nil {
			return failure(apperrors.ValidationError("task_ids", "must be an array of task IDs")), nil
		}

		unlocked, failed, err := svc.BulkUnlock(ctx, nil, agentID, ids, false)
		if err != nil {
			return failure(err), nil
		}
		return success(map[string]interface{}{"unlocked": unlocked, "count": len(unlocked), "failed": failed}), nil
	}
}

func addUpdateHandler(svc *service.Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := taskID(req)
		if err != nil {
			return argFailure(err), nil
		}
		agentID, err := req.RequireString("agent_id")
		if err != nil {
			return argFailure(err), nil
		}
		updateType, err := req.RequireString("update_type")
		if err != nil {
			return argFailure(err), nil
		}
		content, err := req.RequireString("content")
		if err != nil {
			return argFailure(err), nil
		}

		update, err := svc.AddUpdate(ctx, nil, id, agentID, models.UpdateType(updateType), content, nil)
		if err != nil {
			return failure(err), nil
		}
		return success(update), nil
	}
}

func listUpdatesHandler(svc *service.Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := taskID(req)
		if err != nil {
			return argFailure(err), nil
		}
		updates, err := svc.ListUpdates(ctx, nil, id, req.GetInt("limit", 0))
		if err != nil {
			return failure(err), nil
		}
		return success(map[string]interface{}{"updates": updates, "count": len(updates)}), nil
	}
}

func activityFeedHandler(svc *service.Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := taskID(req)
		if err != nil {
			return argFailure(err), nil
		}
		filter := &service.FeedFilter{
			AgentID: req.GetString("agent_id", ""),
			Limit:   req.GetInt("limit", 0),
		}
		if filter.Since, err = optTime(req, "since"); err != nil {
			return argFailure(err), nil
		}
		if filter.Until, err = optTime(req, "until"); err != nil {
			return argFailure(err), nil
		}
		feed, err := svc.ActivityFeed(ctx, nil, id, filter)
		if err != nil {
			return failure(err), nil
		}
		return success(map[string]interface{}{"feed": feed, "count": len(feed)}), nil
	}
}

func listVersionsHandler(svc *service.Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := taskID(req)
		if err != nil {
			return argFailure(err), nil
		}
		versions, err := svc.ListVersions(ctx, nil, id)
		if err != nil {
			return failure(err), nil
		}
		return success(map[string]interface{}{"versions": versions, "count": len(versions)}), nil
	}
}

func diffVersionsHandler(svc *service.Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := taskID(req)
		if err != nil {
			return argFailure(err), nil
		}
		from, err := req.RequireInt("from_version")
		if err != nil {
			return argFailure(err), nil
		}
		to, err := req.RequireInt("to_version")
		if err != nil {
			return argFailure(err), nil
		}
		diff, err := svc.DiffVersions(ctx, nil, id, from, to)
		if err != nil {
			return failure(err), nil
		}
		return success(diff), nil
	}
}

func addRelationshipHandler(svc *service.Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		parentID, err := req.RequireInt("parent_id")
		if err != nil {
			return argFailure(err), nil
		}
		childID, err := req.RequireInt("child_id")
		if err != nil {
			return argFailure(err), nil
		}
		relType, err := req.RequireString("relationship_type")
		if err != nil {
			return argFailure(err), nil
		}

		rel, err := svc.CreateRelationship(ctx, nil, int64(parentID), int64(childID),
			models.RelationshipType(relType), req.GetString("agent_id", ""))
		if err != nil {
			return failure(err), nil
		}
		return success(rel), nil
	}
}

func removeRelationshipHandler(svc *service.Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		parentID, err := req.RequireInt("parent_id")
		if err != nil {
			return argFailure(err), nil
		}
		childID, err := req.RequireInt("child_id")
		if err != nil {
			return argFailure(err), nil
		}
		relType, err := req.RequireString("relationship_type")
		if err != nil {
			return argFailure(err), nil
		}

		if err := svc.RemoveRelationship(ctx, nil, int64(parentID), int64(childID),
			models.RelationshipType(relType), req.GetString("agent_id", "")); err != nil {
			return failure(err), nil
		}
		return success(map[string]interface{}{"removed": true}), nil
	}
}

func listRelatedHandler(svc *service.Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := taskID(req)
		if err != nil {
			return argFailure(err), nil
		}
		related, err := svc.ListRelated(ctx, nil, id)
		if err != nil {
			return failure(err), nil
		}
		return success(related), nil
	}
}

func createRecurringHandler(svc *service.Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := taskID(req)
		if err != nil {
			return argFailure(err), nil
		}
		recType, err := req.RequireString("recurrence_type")
		if err != nil {
			return argFailure(err), nil
		}

		in := &service.CreateRecurringInput{
			TaskID: id,
			Type:   models.RecurrenceType(recType),
		}
		args := req.GetArguments()
		if _, ok := args["day_of_week"]; ok {
			day := req.GetInt("day_of_week", 0)
			in.Config.DayOfWeek = &day
		}
		if _, ok := args["day_of_month"]; ok {
			day := req.GetInt("day_of_month", 0)
			in.Config.DayOfMonth = &day
		}

		rec, err := svc.CreateRecurring(ctx, nil, in)
		if err != nil {
			return failure(err), nil
		}
		return success(rec), nil
	}
}

func listRecurringHandler(svc *service.Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		recs, err := svc.ListRecurring(ctx, req.GetBool("active_only", false))
		if err != nil {
			return failure(err), nil
		}
		return success(map[string]interface{}{"recurrences": recs, "count": len(recs)}), nil
	}
}
