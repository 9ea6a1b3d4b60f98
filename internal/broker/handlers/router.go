package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/dispatchd/dispatchd/internal/broker/service"
	"github.com/dispatchd/dispatchd/internal/common/logger"
)

// SetupRoutes configures the broker API routes.
func SetupRoutes(router *gin.RouterGroup, svc *service.Service, log *logger.Logger) {
	handler := NewHandler(svc, log)
	router.Use(AuthMiddleware(svc))

	// Task routes. Fixed paths are registered before the :taskId wildcard.
	tasks := router.Group("/tasks")
	{
		tasks.POST("", handler.CreateTask)
		tasks.GET("", handler.QueryTasks)
		tasks.GET("/search", handler.SearchTasks)
		tasks.GET("/summary", handler.TaskSummaries)
		tasks.GET("/statistics", handler.Statistics)
		tasks.GET("/recent-completions", handler.RecentCompletions)
		tasks.GET("/approaching-deadline", handler.ApproachingDeadline)
		tasks.GET("/overdue", handler.OverdueTasks)
		tasks.GET("/stale", handler.StaleTasks)
		tasks.GET("/available", handler.ListAvailable)
		tasks.POST("/reserve-next", handler.ReserveNext)
		tasks.POST("/bulk-unlock", handler.BulkUnlock)

		tasks.GET("/:taskId", handler.GetTask)
		tasks.PATCH("/:taskId", handler.UpdateTask)
		tasks.DELETE("/:taskId", handler.DeleteTask)
		tasks.GET("/:taskId/context", handler.GetTaskContext)
		tasks.POST("/:taskId/reserve", handler.Reserve)
		tasks.POST("/:taskId/unlock", handler.Unlock)
		tasks.POST("/:taskId/complete", handler.Complete)
		tasks.POST("/:taskId/verify", handler.Verify)
		tasks.POST("/:taskId/updates", handler.AddUpdate)
		tasks.GET("/:taskId/updates", handler.ListUpdates)
		tasks.GET("/:taskId/feed", handler.ActivityFeed)
		tasks.GET("/:taskId/history", handler.ListHistory)
		tasks.GET("/:taskId/related", handler.ListRelated)
		tasks.GET("/:taskId/versions", handler.ListVersions)
		tasks.GET("/:taskId/versions/latest", handler.LatestVersion)
		tasks.GET("/:taskId/versions/diff", handler.DiffVersions)
		tasks.GET("/:taskId/versions/:version", handler.GetVersion)
		tasks.POST("/:taskId/tags", handler.AssignTag)
		tasks.GET("/:taskId/tags", handler.ListTaskTags)
		tasks.DELETE("/:taskId/tags/:tag", handler.RemoveTag)
		tasks.POST("/:taskId/comments", handler.CreateComment)
		tasks.GET("/:taskId/comments", handler.ListComments)
	}

	relationships := router.Group("/relationships")
	{
		relationships.POST("", handler.CreateRelationship)
		relationships.DELETE("", handler.DeleteRelationship)
	}

	recurrences := router.Group("/recurrences")
	{
		recurrences.POST("", handler.CreateRecurring)
		recurrences.GET("", handler.ListRecurring)
		recurrences.PUT("/:recurrenceId", handler.UpdateRecurring)
		recurrences.DELETE("/:recurrenceId", handler.DeleteRecurring)
		recurrences.POST("/:recurrenceId/materialize", handler.CreateInstanceNow)
	}

	tags := router.Group("/tags")
	{
		tags.GET("", handler.ListTags)
		tags.GET("/:tag/tasks", handler.TasksByTag)
	}

	templates := router.Group("/templates")
	{
		templates.POST("", handler.CreateTemplate)
		templates.GET("", handler.ListTemplates)
		templates.GET("/:templateId", handler.GetTemplate)
		templates.POST("/:templateId/tasks", handler.CreateFromTemplate)
	}

	comments := router.Group("/comments")
	{
		comments.GET("/:commentId/thread", handler.GetThread)
		comments.PUT("/:commentId", handler.UpdateComment)
		comments.DELETE("/:commentId", handler.DeleteComment)
	}

	organizations := router.Group("/organizations")
	{
		organizations.POST("", handler.CreateOrganization)
		organizations.GET("", handler.ListOrganizations)
		organizations.GET("/:orgId", handler.GetOrganization)
	}

	projects := router.Group("/projects")
	{
		projects.POST("", handler.CreateProject)
		projects.GET("", handler.ListProjects)
		projects.GET("/:projectId", handler.GetProject)
		projects.GET("/:projectId/api-keys", handler.ListAPIKeys)
	}

	teams := router.Group("/teams")
	{
		teams.POST("", handler.CreateTeam)
		teams.GET("", handler.ListTeams)
	}

	roles := router.Group("/roles")
	{
		roles.POST("", handler.CreateRole)
		roles.GET("", handler.ListRoles)
	}

	memberships := router.Group("/memberships")
	{
		memberships.POST("", handler.CreateMembership)
		memberships.GET("", handler.ListMemberships)
	}

	router.GET("/permissions/check", handler.CheckPermission)

	keys := router.Group("/api-keys")
	{
		keys.POST("", handler.CreateAPIKey)
		keys.DELETE("/:keyId", handler.RevokeAPIKey)
		keys.POST("/:keyId/rotate", handler.RotateAPIKey)
	}

	agents := router.Group("/agents")
	{
		agents.GET("/:agentId/statistics", handler.AgentStatistics)
	}
}
