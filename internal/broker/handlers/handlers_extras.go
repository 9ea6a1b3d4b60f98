package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dispatchd/dispatchd/internal/broker/dto"
	"github.com/dispatchd/dispatchd/internal/broker/models"
	"github.com/dispatchd/dispatchd/internal/broker/service"
	apperrors "github.com/dispatchd/dispatchd/internal/common/errors"
)

// Update and feed endpoints

// AddUpdate records a narrative update
// POST /api/v1/tasks/:taskId/updates
func (h *Handler) AddUpdate(c *gin.Context) {
	taskID, ok := pathID(c, "taskId")
	if !ok {
		return
	}
	var req dto.AddUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.BadRequest(err.Error()))
		return
	}

	update, err := h.service.AddUpdate(c.Request.Context(), scopeFrom(c), taskID, req.AgentID, models.UpdateType(req.UpdateType), req.Content, req.Metadata)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, update)
}

// ListUpdates returns a task's updates
// GET /api/v1/tasks/:taskId/updates
func (h *Handler) ListUpdates(c *gin.Context) {
	taskID, ok := pathID(c, "taskId")
	if !ok {
		return
	}
	updates, err := h.service.ListUpdates(c.Request.Context(), scopeFrom(c), taskID, queryInt(c, "limit", 0))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updates": updates, "count": len(updates)})
}

// ActivityFeed returns the merged history/update timeline, optionally
// narrowed to one agent or an RFC3339 date range
// GET /api/v1/tasks/:taskId/feed
func (h *Handler) ActivityFeed(c *gin.Context) {
	taskID, ok := pathID(c, "taskId")
	if !ok {
		return
	}
	since, ok := queryTime(c, "since")
	if !ok {
		return
	}
	until, ok := queryTime(c, "until")
	if !ok {
		return
	}
	filter := &service.FeedFilter{
		AgentID: c.Query("agent_id"),
		Since:   since,
		Until:   until,
		Limit:   queryInt(c, "limit", 0),
	}
	feed, err := h.service.ActivityFeed(c.Request.Context(), scopeFrom(c), taskID, filter)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"feed": feed, "count": len(feed)})
}

// Relationship endpoints

// CreateRelationship links two tasks
// POST /api/v1/relationships
func (h *Handler) CreateRelationship(c *gin.Context) {
	var req dto.CreateRelationshipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.BadRequest(err.Error()))
		return
	}

	rel, err := h.service.CreateRelationship(c.Request.Context(), scopeFrom(c), req.ParentTaskID, req.ChildTaskID, models.RelationshipType(req.RelationshipType), req.AgentID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rel)
}

// DeleteRelationship removes a typed link between two tasks
// DELETE /api/v1/relationships
func (h *Handler) DeleteRelationship(c *gin.Context) {
	var req dto.CreateRelationshipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.BadRequest(err.Error()))
		return
	}

	if err := h.service.RemoveRelationship(c.Request.Context(), scopeFrom(c), req.ParentTaskID, req.ChildTaskID, models.RelationshipType(req.RelationshipType), req.AgentID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": true})
}

// ListRelated returns a task's graph neighborhood
// GET /api/v1/tasks/:taskId/related
func (h *Handler) ListRelated(c *gin.Context) {
	taskID, ok := pathID(c, "taskId")
	if !ok {
		return
	}
	related, err := h.service.ListRelated(c.Request.Context(), scopeFrom(c), taskID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, related)
}

// Version endpoints

// ListVersions returns a task's version snapshots
// GET /api/v1/tasks/:taskId/versions
func (h *Handler) ListVersions(c *gin.Context) {
	taskID, ok := pathID(c, "taskId")
	if !ok {
		return
	}
	versions, err := h.service.ListVersions(c.Request.Context(), scopeFrom(c), taskID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"versions": versions, "count": len(versions)})
}

// LatestVersion returns the current version number of a task
// GET /api/v1/tasks/:taskId/versions/latest
func (h *Handler) LatestVersion(c *gin.Context) {
	taskID, ok := pathID(c, "taskId")
	if !ok {
		return
	}
	n, err := h.service.LatestVersion(c.Request.Context(), scopeFrom(c), taskID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_id": taskID, "latest_version": n})
}

// GetVersion returns one version snapshot
// GET /api/v1/tasks/:taskId/versions/:version
func (h *Handler) GetVersion(c *gin.Context) {
	taskID, ok := pathID(c, "taskId")
	if !ok {
		return
	}
	version, ok := pathID(c, "version")
	if !ok {
		return
	}
	snapshot, err := h.service.GetVersion(c.Request.Context(), scopeFrom(c), taskID, int(version))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

// DiffVersions compares two snapshots
// GET /api/v1/tasks/:taskId/versions/diff?from=1&to=2
func (h *Handler) DiffVersions(c *gin.Context) {
	taskID, ok := pathID(c, "taskId")
	if !ok {
		return
	}
	from := queryInt(c, "from", 0)
	to := queryInt(c, "to", 0)
	if from <= 0 || to <= 0 {
		respondError(c, apperrors.BadRequest("from and to version numbers are required"))
		return
	}

	diff, err := h.service.DiffVersions(c.Request.Context(), scopeFrom(c), taskID, from, to)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"from": from, "to": to, "changes": diff})
}

// Recurrence endpoints

// CreateRecurring attaches a schedule to a template task
// POST /api/v1/recurrences
func (h *Handler) CreateRecurring(c *gin.Context) {
	var req dto.CreateRecurringRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.BadRequest(err.Error()))
		return
	}

	in := &service.CreateRecurringInput{
		TaskID: req.TaskID,
		Type:   models.RecurrenceType(req.RecurrenceType),
		Config: req.Config,
	}
	if req.FirstOccurrence != nil {
		in.FirstOccurrence = *req.FirstOccurrence
	}
	rec, err := h.service.CreateRecurring(c.Request.Context(), scopeFrom(c), in)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

// ListRecurring lists schedules
// GET /api/v1/recurrences?active=true
func (h *Handler) ListRecurring(c *gin.Context) {
	recs, err := h.service.ListRecurring(c.Request.Context(), c.Query("active") == "true")
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"recurrences": recs, "count": len(recs)})
}

// UpdateRecurring pauses or resumes a schedule
// PUT /api/v1/recurrences/:recurrenceId
func (h *Handler) UpdateRecurring(c *gin.Context) {
	recurrenceID, ok := pathID(c, "recurrenceId")
	if !ok {
		return
	}
	var req dto.UpdateRecurringRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.BadRequest(err.Error()))
		return
	}
	if err := h.service.SetRecurringActive(c.Request.Context(), recurrenceID, req.IsActive); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// DeleteRecurring removes a schedule
// DELETE /api/v1/recurrences/:recurrenceId
func (h *Handler) DeleteRecurring(c *gin.Context) {
	recurrenceID, ok := pathID(c, "recurrenceId")
	if !ok {
		return
	}
	if err := h.service.DeleteRecurring(c.Request.Context(), recurrenceID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// CreateInstanceNow materializes a schedule on demand
// POST /api/v1/recurrences/:recurrenceId/materialize
func (h *Handler) CreateInstanceNow(c *gin.Context) {
	recurrenceID, ok := pathID(c, "recurrenceId")
	if !ok {
		return
	}
	task, err := h.service.CreateInstanceNow(c.Request.Context(), recurrenceID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, task)
}

// Tag endpoints

// AssignTag attaches a tag to a task
// POST /api/v1/tasks/:taskId/tags
func (h *Handler) AssignTag(c *gin.Context) {
	taskID, ok := pathID(c, "taskId")
	if !ok {
		return
	}
	var req dto.TagRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.BadRequest(err.Error()))
		return
	}
	tag, err := h.service.AssignTag(c.Request.Context(), scopeFrom(c), taskID, req.Name)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, tag)
}

// RemoveTag detaches a tag
// DELETE /api/v1/tasks/:taskId/tags/:tag
func (h *Handler) RemoveTag(c *gin.Context) {
	taskID, ok := pathID(c, "taskId")
	if !ok {
		return
	}
	if err := h.service.RemoveTag(c.Request.Context(), scopeFrom(c), taskID, c.Param("tag")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListTaskTags returns a task's tags
// GET /api/v1/tasks/:taskId/tags
func (h *Handler) ListTaskTags(c *gin.Context) {
	taskID, ok := pathID(c, "taskId")
	if !ok {
		return
	}
	tags, err := h.service.ListTaskTags(c.Request.Context(), scopeFrom(c), taskID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tags": tags, "count": len(tags)})
}

// TasksByTag returns the tasks carrying a tag
// GET /api/v1/tags/:tag/tasks
func (h *Handler) TasksByTag(c *gin.Context) {
	tasks, err := h.service.TasksByTag(c.Request.Context(), scopeFrom(c), c.Param("tag"), queryInt(c, "limit", 0))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "count": len(tasks)})
}

// ListTags returns all known tags
// GET /api/v1/tags
func (h *Handler) ListTags(c *gin.Context) {
	tags, err := h.service.ListTags(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tags": tags, "count": len(tags)})
}

// Template endpoints

// CreateTemplate stores a task blueprint
// POST /api/v1/templates
func (h *Handler) CreateTemplate(c *gin.Context) {
	var req dto.CreateTemplateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.BadRequest(err.Error()))
		return
	}

	tpl, err := h.service.CreateTemplate(c.Request.Context(), scopeFrom(c), &models.Template{
		Name:                    req.Name,
		Title:                   req.Title,
		TaskType:                models.TaskType(req.TaskType),
		TaskInstruction:         req.TaskInstruction,
		VerificationInstruction: req.VerificationInstruction,
		Priority:                models.Priority(req.Priority),
		EstimatedHours:          req.EstimatedHours,
		Notes:                   req.Notes,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, tpl)
}

// ListTemplates returns the scope's templates
// GET /api/v1/templates
func (h *Handler) ListTemplates(c *gin.Context) {
	templates, err := h.service.ListTemplates(c.Request.Context(), scopeFrom(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"templates": templates, "count": len(templates)})
}

// GetTemplate returns one template
// GET /api/v1/templates/:templateId
func (h *Handler) GetTemplate(c *gin.Context) {
	templateID, ok := pathID(c, "templateId")
	if !ok {
		return
	}
	tpl, err := h.service.GetTemplate(c.Request.Context(), scopeFrom(c), templateID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tpl)
}

// CreateFromTemplate instantiates a template as a new task
// POST /api/v1/templates/:templateId/tasks
func (h *Handler) CreateFromTemplate(c *gin.Context) {
	templateID, ok := pathID(c, "templateId")
	if !ok {
		return
	}
	var req dto.CreateFromTemplateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.BadRequest(err.Error()))
		return
	}

	task, err := h.service.CreateTaskFromTemplate(c.Request.Context(), scopeFrom(c), templateID, req.Title, req.ProjectID, req.CreatedBy)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, task)
}

// Comment endpoints

// CreateComment comments on a task
// POST /api/v1/tasks/:taskId/comments
func (h *Handler) CreateComment(c *gin.Context) {
	taskID, ok := pathID(c, "taskId")
	if !ok {
		return
	}
	var req dto.CreateCommentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.BadRequest(err.Error()))
		return
	}

	comment, err := h.service.AddComment(c.Request.Context(), scopeFrom(c), &models.Comment{
		TaskID:          taskID,
		AuthorID:        req.AuthorID,
		ParentCommentID: req.ParentCommentID,
		Content:         req.Content,
		Mentions:        req.Mentions,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, comment)
}

// ListComments returns a task's comments
// GET /api/v1/tasks/:taskId/comments
func (h *Handler) ListComments(c *gin.Context) {
	taskID, ok := pathID(c, "taskId")
	if !ok {
		return
	}
	comments, err := h.service.ListTaskComments(c.Request.Context(), scopeFrom(c), taskID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"comments": comments, "count": len(comments)})
}

// GetThread returns a comment and its replies
// GET /api/v1/comments/:commentId/thread
func (h *Handler) GetThread(c *gin.Context) {
	commentID, ok := pathID(c, "commentId")
	if !ok {
		return
	}
	thread, err := h.service.GetThread(c.Request.Context(), commentID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"comments": thread, "count": len(thread)})
}

// UpdateComment edits a comment
// PUT /api/v1/comments/:commentId
func (h *Handler) UpdateComment(c *gin.Context) {
	commentID, ok := pathID(c, "commentId")
	if !ok {
		return
	}
	var req dto.UpdateCommentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.BadRequest(err.Error()))
		return
	}
	comment, err := h.service.UpdateComment(c.Request.Context(), commentID, req.AuthorID, req.Content)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, comment)
}

// DeleteComment removes a comment and its replies
// DELETE /api/v1/comments/:commentId
func (h *Handler) DeleteComment(c *gin.Context) {
	commentID, ok := pathID(c, "commentId")
	if !ok {
		return
	}
	if err := h.service.DeleteComment(c.Request.Context(), commentID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Tenancy endpoints

// CreateProject creates a project
// POST /api/v1/projects
func (h *Handler) CreateProject(c *gin.Context) {
	var req dto.CreateProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.BadRequest(err.Error()))
		return
	}

	project, err := h.service.CreateProject(c.Request.Context(), scopeFrom(c), &models.Project{
		OrganizationID: req.OrganizationID,
		Name:           req.Name,
		LocalPath:      req.LocalPath,
		OriginURL:      req.OriginURL,
		Description:    req.Description,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, project)
}

// ListProjects returns the scope's projects
// GET /api/v1/projects
func (h *Handler) ListProjects(c *gin.Context) {
	projects, err := h.service.ListProjects(c.Request.Context(), scopeFrom(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"projects": projects, "count": len(projects)})
}

// CreateAPIKey issues a project credential; the token appears once in the
// response and is never retrievable again
// POST /api/v1/api-keys
func (h *Handler) CreateAPIKey(c *gin.Context) {
	var req dto.CreateAPIKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.BadRequest(err.Error()))
		return
	}

	created, err := h.service.CreateAPIKey(c.Request.Context(), scopeFrom(c), req.ProjectID, req.Name)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

// ListAPIKeys returns a project's keys
// GET /api/v1/projects/:projectId/api-keys
func (h *Handler) ListAPIKeys(c *gin.Context) {
	projectID, ok := pathID(c, "projectId")
	if !ok {
		return
	}
	keys, err := h.service.ListAPIKeys(c.Request.Context(), scopeFrom(c), projectID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys, "count": len(keys)})
}

// RevokeAPIKey disables a key
// DELETE /api/v1/api-keys/:keyId
func (h *Handler) RevokeAPIKey(c *gin.Context) {
	keyID, ok := pathID(c, "keyId")
	if !ok {
		return
	}
	if err := h.service.RevokeAPIKey(c.Request.Context(), scopeFrom(c), keyID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// RotateAPIKey issues a fresh token and disables the old key
// POST /api/v1/api-keys/:keyId/rotate
func (h *Handler) RotateAPIKey(c *gin.Context) {
	keyID, ok := pathID(c, "keyId")
	if !ok {
		return
	}
	created, err := h.service.RotateAPIKey(c.Request.Context(), scopeFrom(c), keyID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}
