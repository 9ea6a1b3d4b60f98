// Package events provides event types and utilities for the dispatchd event system.
package events

import "strconv"

// Event types for task lifecycle
const (
	TaskCreated   = "task.created"
	TaskUpdated   = "task.updated"
	TaskReserved  = "task.reserved"
	TaskUnlocked  = "task.unlocked"
	TaskCompleted = "task.completed"
	TaskVerified  = "task.verified"
	TaskReclaimed = "task.reclaimed"
)

// Event types for task relationships
const (
	RelationshipAdded   = "task.relationship.added"
	RelationshipRemoved = "task.relationship.removed"
)

// Event types for task updates and comments
const (
	UpdateAdded  = "task.update.added"
	CommentAdded = "task.comment.added"
)

// Event types for recurrences
const (
	RecurrenceMaterialized = "recurrence.materialized"
)

// Event types for tenancy
const (
	ProjectCreated = "project.created"
	APIKeyCreated  = "apikey.created"
	APIKeyRevoked  = "apikey.revoked"
)

// BuildTaskSubject creates a task-scoped subject for a specific task id,
// e.g. "task.completed.42" for per-task subscriptions.
func BuildTaskSubject(eventType string, taskID int64) string {
	return eventType + "." + strconv.FormatInt(taskID, 10)
}

// BuildTaskWildcardSubject creates a wildcard subscription for all tasks
// under an event type.
func BuildTaskWildcardSubject(eventType string) string {
	return eventType + ".*"
}
