// Package models defines the broker's persisted entities and enumerations.
package models

import (
	"time"
)

// SystemAgent is the synthetic agent identity used for broker-initiated
// transitions (auto-complete, stale reclaim, recurrence materialization).
const SystemAgent = "system"

// AutoCompleteNotes is written to a parent task when all of its subtasks
// complete and the broker completes the parent on their behalf.
const AutoCompleteNotes = "Auto-completed: all subtasks complete"

// StaleFindingText is the marker substring recorded when a lease is reclaimed.
// Reserve scans recent updates for it to surface a stale warning.
const StaleFindingText = "unlocked due to timeout"

// TaskType classifies what kind of work a task describes.
type TaskType string

const (
	// TaskTypeConcrete is directly implementable work.
	TaskTypeConcrete TaskType = "concrete"
	// TaskTypeAbstract needs breakdown into concrete tasks.
	TaskTypeAbstract TaskType = "abstract"
	// TaskTypeEpic is a large container of abstract/concrete work.
	TaskTypeEpic TaskType = "epic"
)

// Valid reports whether the task type is a known value.
func (t TaskType) Valid() bool {
	switch t {
	case TaskTypeConcrete, TaskTypeAbstract, TaskTypeEpic:
		return true
	}
	return false
}

// TaskStatus is the task lifecycle state.
type TaskStatus string

const (
	TaskStatusAvailable  TaskStatus = "available"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusComplete   TaskStatus = "complete"
	TaskStatusBlocked    TaskStatus = "blocked"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// Valid reports whether the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusAvailable, TaskStatusInProgress, TaskStatusComplete, TaskStatusBlocked, TaskStatusCancelled:
		return true
	}
	return false
}

// VerificationStatus is the orthogonal verification axis, meaningful only
// after completion.
type VerificationStatus string

const (
	VerificationUnverified VerificationStatus = "unverified"
	VerificationVerified   VerificationStatus = "verified"
)

// Priority orders tasks within agent queues.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank returns the numeric ordering of a priority (low < medium < high < critical).
// Unknown priorities rank as medium.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityMedium:
		return 1
	case PriorityHigh:
		return 2
	case PriorityCritical:
		return 3
	}
	return 1
}

// Valid reports whether the priority is a known value.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// UpdateType classifies agent-authored narrative updates.
type UpdateType string

const (
	UpdateTypeProgress UpdateType = "progress"
	UpdateTypeNote     UpdateType = "note"
	UpdateTypeBlocker  UpdateType = "blocker"
	UpdateTypeQuestion UpdateType = "question"
	UpdateTypeFinding  UpdateType = "finding"
)

// Valid reports whether the update type is a known value.
func (u UpdateType) Valid() bool {
	switch u {
	case UpdateTypeProgress, UpdateTypeNote, UpdateTypeBlocker, UpdateTypeQuestion, UpdateTypeFinding:
		return true
	}
	return false
}

// RelationshipType classifies a directed edge (parent, child, type).
type RelationshipType string

const (
	RelationshipSubtask   RelationshipType = "subtask"
	RelationshipBlocking  RelationshipType = "blocking"
	RelationshipBlockedBy RelationshipType = "blocked_by"
	RelationshipFollowup  RelationshipType = "followup"
	RelationshipRelated   RelationshipType = "related"
)

// Valid reports whether the relationship type is a known value.
func (r RelationshipType) Valid() bool {
	switch r {
	case RelationshipSubtask, RelationshipBlocking, RelationshipBlockedBy, RelationshipFollowup, RelationshipRelated:
		return true
	}
	return false
}

// IsBlockingEdge reports whether the edge participates in the blocking graph,
// which must stay acyclic.
func (r RelationshipType) IsBlockingEdge() bool {
	return r == RelationshipBlocking || r == RelationshipBlockedBy
}

// Inverse returns the semantically inverted edge type for blocking edges
// (blocking(a,b) == blocked_by(b,a)). Other types return themselves.
func (r RelationshipType) Inverse() RelationshipType {
	switch r {
	case RelationshipBlocking:
		return RelationshipBlockedBy
	case RelationshipBlockedBy:
		return RelationshipBlocking
	}
	return r
}

// RecurrenceType is the recurrence schedule class.
type RecurrenceType string

const (
	RecurrenceDaily   RecurrenceType = "daily"
	RecurrenceWeekly  RecurrenceType = "weekly"
	RecurrenceMonthly RecurrenceType = "monthly"
)

// Valid reports whether the recurrence type is a known value.
func (r RecurrenceType) Valid() bool {
	switch r {
	case RecurrenceDaily, RecurrenceWeekly, RecurrenceMonthly:
		return true
	}
	return false
}

// AgentType is the caller role that determines which task types are offered
// in the "available" list.
type AgentType string

const (
	// AgentTypeBreakdown agents decompose abstract/epic tasks.
	AgentTypeBreakdown AgentType = "breakdown"
	// AgentTypeImplementation agents work concrete tasks.
	AgentTypeImplementation AgentType = "implementation"
)

// Change types recorded in the append-only change history.
const (
	ChangeCreated               = "created"
	ChangeLocked                = "locked"
	ChangeLockedForVerification = "locked_for_verification"
	ChangeUnlocked              = "unlocked"
	ChangeUnlockedStale         = "unlocked_stale"
	ChangeUpdated               = "updated"
	ChangeCompleted             = "completed"
	ChangeVerified              = "verified"
	ChangeStatusChanged         = "status_changed"
	ChangeRelationshipAdded     = "relationship_added"
	ChangeRelationshipRemoved   = "relationship_removed"
)

// Task is the central work item.
type Task struct {
	ID                      int64              `json:"id" db:"id"`
	ProjectID               *int64             `json:"project_id,omitempty" db:"project_id"`
	OrganizationID          *int64             `json:"organization_id,omitempty" db:"organization_id"`
	Title                   string             `json:"title" db:"title"`
	TaskType                TaskType           `json:"task_type" db:"task_type"`
	TaskInstruction         string             `json:"task_instruction" db:"task_instruction"`
	VerificationInstruction string             `json:"verification_instruction" db:"verification_instruction"`
	Notes                   string             `json:"notes,omitempty" db:"notes"`
	TaskStatus              TaskStatus         `json:"task_status" db:"task_status"`
	VerificationStatus      VerificationStatus `json:"verification_status" db:"verification_status"`
	AssignedAgent           *string            `json:"assigned_agent,omitempty" db:"assigned_agent"`
	Priority                Priority           `json:"priority" db:"priority"`
	DueDate                 *time.Time         `json:"due_date,omitempty" db:"due_date"`
	EstimatedHours          *float64           `json:"estimated_hours,omitempty" db:"estimated_hours"`
	ActualHours             *float64           `json:"actual_hours,omitempty" db:"actual_hours"`
	StartedAt               *time.Time         `json:"started_at,omitempty" db:"started_at"`
	CompletedAt             *time.Time         `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt               time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt               time.Time          `json:"updated_at" db:"updated_at"`
}

// NeedsVerification reports whether the task is complete but not yet verified.
// Such tasks surface to implementation agents as reservable work.
func (t *Task) NeedsVerification() bool {
	return t.TaskStatus == TaskStatusComplete && t.VerificationStatus == VerificationUnverified
}

// EffectiveStatus is the status as perceived by readers: complete+unverified
// tasks show as available (they can be re-leased for verification).
func (t *Task) EffectiveStatus() TaskStatus {
	if t.NeedsVerification() {
		return TaskStatusAvailable
	}
	return t.TaskStatus
}

// TimeDeltaHours returns actual minus estimated hours, or nil unless both
// are present.
func (t *Task) TimeDeltaHours() *float64 {
	if t.EstimatedHours == nil || t.ActualHours == nil {
		return nil
	}
	delta := *t.ActualHours - *t.EstimatedHours
	return &delta
}

// Project is the container tasks belong to and the unit API credentials
// authenticate against.
type Project struct {
	ID             int64     `json:"id" db:"id"`
	OrganizationID int64     `json:"organization_id" db:"organization_id"`
	Name           string    `json:"name" db:"name"`
	LocalPath      string    `json:"local_path" db:"local_path"`
	OriginURL      string    `json:"origin_url,omitempty" db:"origin_url"`
	Description    string    `json:"description,omitempty" db:"description"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// Organization is the tenancy root. It owns projects, API keys, teams, and roles.
type Organization struct {
	ID          int64     `json:"id" db:"id"`
	Name        string    `json:"name" db:"name"`
	Slug        string    `json:"slug" db:"slug"`
	Description string    `json:"description,omitempty" db:"description"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// Team groups members within an organization.
type Team struct {
	ID             int64     `json:"id" db:"id"`
	OrganizationID int64     `json:"organization_id" db:"organization_id"`
	Name           string    `json:"name" db:"name"`
	Description    string    `json:"description,omitempty" db:"description"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// Role carries a set of permission strings, possibly wildcarded (e.g. "read:*").
type Role struct {
	ID             int64     `json:"id" db:"id"`
	OrganizationID int64     `json:"organization_id" db:"organization_id"`
	Name           string    `json:"name" db:"name"`
	Permissions    []string  `json:"permissions"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// Membership links a user identity to an organization/team and roles.
type Membership struct {
	ID             int64     `json:"id" db:"id"`
	OrganizationID int64     `json:"organization_id" db:"organization_id"`
	TeamID         *int64    `json:"team_id,omitempty" db:"team_id"`
	UserID         string    `json:"user_id" db:"user_id"`
	RoleIDs        []int64   `json:"role_ids,omitempty"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// APIKey is a project-scoped credential. Only the one-way hash and a short
// display prefix are stored; the token is shown once at creation.
type APIKey struct {
	ID             int64      `json:"id" db:"id"`
	ProjectID      int64      `json:"project_id" db:"project_id"`
	OrganizationID int64      `json:"organization_id" db:"organization_id"`
	Name           string     `json:"name" db:"name"`
	KeyHash        string     `json:"-" db:"key_hash"`
	KeyPrefix      string     `json:"key_prefix" db:"key_prefix"`
	Enabled        bool       `json:"enabled" db:"enabled"`
	LastUsedAt     *time.Time `json:"last_used_at,omitempty" db:"last_used_at"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
}

// Relationship is a directed edge between two tasks. Unique per
// (parent, child, type).
type Relationship struct {
	ID           int64            `json:"id" db:"id"`
	ParentTaskID int64            `json:"parent_task_id" db:"parent_task_id"`
	ChildTaskID  int64            `json:"child_task_id" db:"child_task_id"`
	Type         RelationshipType `json:"relationship_type" db:"relationship_type"`
	CreatedAt    time.Time        `json:"created_at" db:"created_at"`
}

// TaskUpdate is an agent-authored narrative entry tied to a task.
type TaskUpdate struct {
	ID        int64                  `json:"id" db:"id"`
	TaskID    int64                  `json:"task_id" db:"task_id"`
	AgentID   string                 `json:"agent_id" db:"agent_id"`
	Type      UpdateType             `json:"update_type" db:"update_type"`
	Content   string                 `json:"content" db:"content"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at" db:"created_at"`
}

// ChangeRecord is one append-only change-history row.
type ChangeRecord struct {
	ID         int64     `json:"id" db:"id"`
	TaskID     int64     `json:"task_id" db:"task_id"`
	AgentID    string    `json:"agent_id" db:"agent_id"`
	ChangeType string    `json:"change_type" db:"change_type"`
	FieldName  string    `json:"field_name,omitempty" db:"field_name"`
	OldValue   string    `json:"old_value,omitempty" db:"old_value"`
	NewValue   string    `json:"new_value,omitempty" db:"new_value"`
	Notes      string    `json:"notes,omitempty" db:"notes"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// TaskVersion is a snapshot of a task's content/scheduling fields.
// Version numbers are per-task, strictly increasing from 1.
type TaskVersion struct {
	ID                      int64      `json:"id" db:"id"`
	TaskID                  int64      `json:"task_id" db:"task_id"`
	VersionNumber           int        `json:"version_number" db:"version_number"`
	Title                   string     `json:"title" db:"title"`
	TaskType                TaskType   `json:"task_type" db:"task_type"`
	TaskInstruction         string     `json:"task_instruction" db:"task_instruction"`
	VerificationInstruction string     `json:"verification_instruction" db:"verification_instruction"`
	Priority                Priority   `json:"priority" db:"priority"`
	EstimatedHours          *float64   `json:"estimated_hours,omitempty" db:"estimated_hours"`
	DueDate                 *time.Time `json:"due_date,omitempty" db:"due_date"`
	Notes                   string     `json:"notes,omitempty" db:"notes"`
	CreatedBy               string     `json:"created_by" db:"created_by"`
	CreatedAt               time.Time  `json:"created_at" db:"created_at"`
}

// RecurrenceConfig is the typed schedule configuration.
// DayOfWeek is 0 (Sunday) through 6; DayOfMonth is 1 through 31 and is
// clamped to the target month's length at materialization time.
type RecurrenceConfig struct {
	DayOfWeek  *int `json:"day_of_week,omitempty"`
	DayOfMonth *int `json:"day_of_month,omitempty"`
}

// Recurrence is a template pointer plus schedule that produces fresh task
// instances over time.
type Recurrence struct {
	ID                    int64            `json:"id" db:"id"`
	TaskID                int64            `json:"task_id" db:"task_id"`
	Type                  RecurrenceType   `json:"recurrence_type" db:"recurrence_type"`
	Config                RecurrenceConfig `json:"recurrence_config"`
	NextOccurrence        time.Time        `json:"next_occurrence" db:"next_occurrence"`
	LastOccurrenceCreated *time.Time       `json:"last_occurrence_created,omitempty" db:"last_occurrence_created"`
	IsActive              bool             `json:"is_active" db:"is_active"`
	CreatedAt             time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt             time.Time        `json:"updated_at" db:"updated_at"`
}

// Tag is a globally named keyword, many-to-many with tasks.
type Tag struct {
	ID        int64     `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Template is a named blueprint for creating pre-filled tasks.
type Template struct {
	ID                      int64     `json:"id" db:"id"`
	OrganizationID          int64     `json:"organization_id" db:"organization_id"`
	Name                    string    `json:"name" db:"name"`
	Title                   string    `json:"title" db:"title"`
	TaskType                TaskType  `json:"task_type" db:"task_type"`
	TaskInstruction         string    `json:"task_instruction" db:"task_instruction"`
	VerificationInstruction string    `json:"verification_instruction" db:"verification_instruction"`
	Priority                Priority  `json:"priority" db:"priority"`
	EstimatedHours          *float64  `json:"estimated_hours,omitempty" db:"estimated_hours"`
	Notes                   string    `json:"notes,omitempty" db:"notes"`
	CreatedAt               time.Time `json:"created_at" db:"created_at"`
	UpdatedAt               time.Time `json:"updated_at" db:"updated_at"`
}

// Comment is threaded commentary on a task. Deleting a parent cascades to
// its replies.
type Comment struct {
	ID              int64     `json:"id" db:"id"`
	TaskID          int64     `json:"task_id" db:"task_id"`
	AuthorID        string    `json:"author_id" db:"author_id"`
	ParentCommentID *int64    `json:"parent_comment_id,omitempty" db:"parent_comment_id"`
	Content         string    `json:"content" db:"content"`
	Mentions        []string  `json:"mentions,omitempty"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

// StaleWarning is advisory context returned alongside a successful
// reservation of a task that was previously reclaimed.
type StaleWarning struct {
	IsStale       bool       `json:"is_stale"`
	PreviousAgent string     `json:"previous_agent,omitempty"`
	UnlockedAt    *time.Time `json:"unlocked_at,omitempty"`
	StaleFinding  string     `json:"stale_finding,omitempty"`
	Warning       string     `json:"warning,omitempty"`
}

// TaskSummary is a trimmed task listing for cheap agent polling.
type TaskSummary struct {
	ID            int64      `json:"id" db:"id"`
	Title         string     `json:"title" db:"title"`
	TaskType      TaskType   `json:"task_type" db:"task_type"`
	TaskStatus    TaskStatus `json:"task_status" db:"task_status"`
	Priority      Priority   `json:"priority" db:"priority"`
	AssignedAgent *string    `json:"assigned_agent,omitempty" db:"assigned_agent"`
	UpdatedAt     time.Time  `json:"updated_at" db:"updated_at"`
}

// TaskStatistics aggregates scoped task counts.
type TaskStatistics struct {
	Total      int                `json:"total"`
	ByStatus   map[TaskStatus]int `json:"by_status"`
	ByType     map[TaskType]int   `json:"by_type"`
	ByPriority map[Priority]int   `json:"by_priority"`
}

// AgentStats summarizes one agent's workload.
type AgentStats struct {
	AgentID          string  `json:"agent_id"`
	AssignedCount    int     `json:"assigned_count"`
	CompletedCount   int     `json:"completed_count"`
	TotalActualHours float64 `json:"total_actual_hours"`
}

// FieldChange is one field's difference between two task versions.
type FieldChange struct {
	OldValue string `json:"old_value"`
	NewValue string `json:"new_value"`
}
