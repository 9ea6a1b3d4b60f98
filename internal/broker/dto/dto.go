// Package dto defines the REST request and response shapes shared by the
// HTTP handlers.
package dto

import (
	"time"

	"github.com/dispatchd/dispatchd/internal/broker/models"
)

// CreateTaskRequest for creating a task
type CreateTaskRequest struct {
	Title                   string     `json:"title" binding:"required"`
	TaskType                string     `json:"task_type"`
	TaskInstruction         string     `json:"task_instruction"`
	VerificationInstruction string     `json:"verification_instruction"`
	Notes                   string     `json:"notes"`
	Priority                string     `json:"priority"`
	ProjectID               *int64     `json:"project_id,omitempty"`
	DueDate                 *time.Time `json:"due_date,omitempty"`
	EstimatedHours          *float64   `json:"estimated_hours,omitempty"`
	CreatedBy               string     `json:"created_by"`
}

// UpdateTaskRequest for partially updating a task
type UpdateTaskRequest struct {
	Title                   *string    `json:"title,omitempty"`
	TaskType                *string    `json:"task_type,omitempty"`
	TaskInstruction         *string    `json:"task_instruction,omitempty"`
	VerificationInstruction *string    `json:"verification_instruction,omitempty"`
	Notes                   *string    `json:"notes,omitempty"`
	Priority                *string    `json:"priority,omitempty"`
	TaskStatus              *string    `json:"task_status,omitempty"`
	DueDate                 *time.Time `json:"due_date,omitempty"`
	EstimatedHours          *float64   `json:"estimated_hours,omitempty"`
	ActualHours             *float64   `json:"actual_hours,omitempty"`
	AgentID                 string     `json:"agent_id" binding:"required"`
}

// ReserveRequest for taking a lease
type ReserveRequest struct {
	AgentID string `json:"agent_id" binding:"required"`
}

// ReserveNextRequest for leasing the next available task
type ReserveNextRequest struct {
	AgentID   string `json:"agent_id" binding:"required"`
	AgentType string `json:"agent_type" binding:"required"`
	ProjectID *int64 `json:"project_id,omitempty"`
}

// CompleteRequest for submitting a completed task
type CompleteRequest struct {
	AgentID     string   `json:"agent_id" binding:"required"`
	Notes       string   `json:"notes"`
	ActualHours *float64 `json:"actual_hours,omitempty"`
	Followup    string   `json:"followup,omitempty"`
}

// VerifyRequest for verifying a completed task
type VerifyRequest struct {
	AgentID string `json:"agent_id" binding:"required"`
	Notes   string `json:"notes"`
}

// BulkUnlockRequest releases several (or all) of an agent's leases
type BulkUnlockRequest struct {
	AgentID string  `json:"agent_id" binding:"required"`
	TaskIDs []int64 `json:"task_ids,omitempty"`
	Strict  bool    `json:"strict"`
}

// AddUpdateRequest for recording a narrative update
type AddUpdateRequest struct {
	AgentID    string                 `json:"agent_id" binding:"required"`
	UpdateType string                 `json:"update_type" binding:"required"`
	Content    string                 `json:"content" binding:"required"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// CreateRelationshipRequest for linking two tasks
type CreateRelationshipRequest struct {
	ParentTaskID     int64  `json:"parent_task_id" binding:"required"`
	ChildTaskID      int64  `json:"child_task_id" binding:"required"`
	RelationshipType string `json:"relationship_type" binding:"required"`
	AgentID          string `json:"agent_id" binding:"required"`
}

// CreateRecurringRequest attaches a schedule to a template task
type CreateRecurringRequest struct {
	TaskID          int64                   `json:"task_id" binding:"required"`
	RecurrenceType  string                  `json:"recurrence_type" binding:"required"`
	Config          models.RecurrenceConfig `json:"recurrence_config"`
	FirstOccurrence *time.Time              `json:"first_occurrence,omitempty"`
}

// UpdateRecurringRequest pauses or resumes a schedule
type UpdateRecurringRequest struct {
	IsActive bool `json:"is_active"`
}

// TagRequest for attaching or detaching a tag
type TagRequest struct {
	Name string `json:"name" binding:"required"`
}

// CreateTemplateRequest for storing a task blueprint
type CreateTemplateRequest struct {
	Name                    string   `json:"name" binding:"required"`
	Title                   string   `json:"title" binding:"required"`
	TaskType                string   `json:"task_type"`
	TaskInstruction         string   `json:"task_instruction"`
	VerificationInstruction string   `json:"verification_instruction"`
	Priority                string   `json:"priority"`
	EstimatedHours          *float64 `json:"estimated_hours,omitempty"`
	Notes                   string   `json:"notes"`
}

// CreateFromTemplateRequest instantiates a template
type CreateFromTemplateRequest struct {
	Title     string `json:"title"`
	ProjectID *int64 `json:"project_id,omitempty"`
	CreatedBy string `json:"created_by"`
}

// CreateCommentRequest for commenting on a task
type CreateCommentRequest struct {
	AuthorID        string   `json:"author_id" binding:"required"`
	Content         string   `json:"content" binding:"required"`
	ParentCommentID *int64   `json:"parent_comment_id,omitempty"`
	Mentions        []string `json:"mentions,omitempty"`
}

// UpdateCommentRequest edits a comment
type UpdateCommentRequest struct {
	AuthorID string `json:"author_id" binding:"required"`
	Content  string `json:"content" binding:"required"`
}

// CreateProjectRequest for creating a project
type CreateProjectRequest struct {
	Name           string `json:"name" binding:"required"`
	OrganizationID int64  `json:"organization_id"`
	LocalPath      string `json:"local_path"`
	OriginURL      string `json:"origin_url"`
	Description    string `json:"description"`
}

// CreateAPIKeyRequest issues a credential for a project
type CreateAPIKeyRequest struct {
	ProjectID int64  `json:"project_id" binding:"required"`
	Name      string `json:"name" binding:"required"`
}

// CreateOrganizationRequest registers a tenant
type CreateOrganizationRequest struct {
	Name        string `json:"name" binding:"required"`
	Slug        string `json:"slug" binding:"required"`
	Description string `json:"description"`
}

// CreateTeamRequest groups members inside an organization
type CreateTeamRequest struct {
	OrganizationID int64  `json:"organization_id"`
	Name           string `json:"name" binding:"required"`
	Description    string `json:"description"`
}

// CreateRoleRequest defines a named permission set
type CreateRoleRequest struct {
	OrganizationID int64    `json:"organization_id"`
	Name           string   `json:"name" binding:"required"`
	Permissions    []string `json:"permissions"`
}

// CreateMembershipRequest links a user to an organization and roles
type CreateMembershipRequest struct {
	OrganizationID int64   `json:"organization_id"`
	TeamID         *int64  `json:"team_id"`
	UserID         string  `json:"user_id" binding:"required"`
	RoleIDs        []int64 `json:"role_ids"`
}

// ErrorResponse is the logical-failure envelope
type ErrorResponse struct {
	Success      bool   `json:"success"`
	Error        string `json:"error"`
	ErrorKind    string `json:"error_kind"`
	ErrorDetails string `json:"error_details,omitempty"`
}
