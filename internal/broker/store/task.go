package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/dispatchd/dispatchd/internal/broker/models"
	apperrors "github.com/dispatchd/dispatchd/internal/common/errors"
	"github.com/dispatchd/dispatchd/internal/db/dialect"
	"github.com/dispatchd/dispatchd/internal/tracing"
)

// priorityOrder sorts critical first, then high, medium, low. Unknown values
// sort as medium.
const priorityOrder = `CASE priority WHEN 'critical' THEN 0 WHEN 'high' THEN 1 WHEN 'medium' THEN 2 WHEN 'low' THEN 3 ELSE 2 END`

// notBlockedPredicate filters out tasks with at least one active blocker.
// A blocker of t is either the target of a blocked_by edge from t or the
// source of a blocking edge into t, and is active while not complete/cancelled.
const notBlockedPredicate = `NOT EXISTS (
	SELECT 1 FROM task_relationships r
	JOIN tasks b ON b.id = CASE WHEN r.relationship_type = 'blocked_by' THEN r.child_task_id ELSE r.parent_task_id END
	WHERE ((r.relationship_type = 'blocked_by' AND r.parent_task_id = tasks.id)
	    OR (r.relationship_type = 'blocking' AND r.child_task_id = tasks.id))
	  AND b.task_status NOT IN ('complete', 'cancelled')
)`

// blockedAncestorsCTE collects every task that has a blocked task somewhere
// below it in the subtask tree. Reads substitute 'blocked' for such tasks;
// the stored rows are never rewritten.
const blockedAncestorsCTE = `WITH RECURSIVE blocked_anc(id) AS (
	SELECT r.parent_task_id FROM task_relationships r
	JOIN tasks t ON t.id = r.child_task_id
	WHERE r.relationship_type = 'subtask' AND t.task_status = 'blocked'
	UNION
	SELECT r.parent_task_id FROM task_relationships r
	JOIN blocked_anc b ON r.child_task_id = b.id
	WHERE r.relationship_type = 'subtask'
)`

// hasBlockedDescendant reports whether taskID sits above a blocked task in
// the subtask tree.
func (s *Store) hasBlockedDescendant(ctx context.Context, taskID int64) (bool, error) {
	var n int
	query := blockedAncestorsCTE + ` SELECT COUNT(*) FROM blocked_anc WHERE id = ?`
	if err := s.ro.GetContext(ctx, &n, s.ro.Rebind(query), taskID); err != nil {
		return false, err
	}
	return n > 0, nil
}

// blockedAncestorIDs returns the full blocked-ancestor set for list reads.
func (s *Store) blockedAncestorIDs(ctx context.Context) (map[int64]struct{}, error) {
	var ids []int64
	if err := s.ro.SelectContext(ctx, &ids, blockedAncestorsCTE+` SELECT id FROM blocked_anc`); err != nil {
		return nil, err
	}
	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}

// applyDerivedBlocked rewrites the reported status of tasks whose subtask
// tree contains a blocked task. Terminal rows keep their status.
func applyDerivedBlocked(tasks []*models.Task, blocked map[int64]struct{}) {
	for _, t := range tasks {
		if t.TaskStatus == models.TaskStatusComplete || t.TaskStatus == models.TaskStatusCancelled {
			continue
		}
		if _, ok := blocked[t.ID]; ok {
			t.TaskStatus = models.TaskStatusBlocked
		}
	}
}

// TaskFilter narrows list queries. Nil fields are not filtered on. OrderBy
// is "" (recently touched first), "priority" (critical first), or
// "priority_asc" (low first); ties break on updated_at.
type TaskFilter struct {
	Status        *models.TaskStatus
	TaskType      *models.TaskType
	Priority      *models.Priority
	AssignedAgent *string
	ProjectID     *int64
	OrderBy       string
	Limit         int
	Offset        int
}

// TaskPatch describes a partial task update. Nil fields are left untouched.
type TaskPatch struct {
	Title                   *string
	TaskType                *models.TaskType
	TaskInstruction         *string
	VerificationInstruction *string
	Notes                   *string
	Priority                *models.Priority
	TaskStatus              *models.TaskStatus
	AssignedAgent           *string
	DueDate                 *time.Time
	EstimatedHours          *float64
	ActualHours             *float64
}

// versioned reports whether the patch touches a field captured in version
// snapshots (content and scheduling fields, not lifecycle state).
func (p *TaskPatch) versioned() bool {
	return p.Title != nil || p.TaskType != nil || p.TaskInstruction != nil ||
		p.VerificationInstruction != nil || p.Notes != nil || p.Priority != nil ||
		p.DueDate != nil || p.EstimatedHours != nil
}

// CreateTask inserts a task, its initial version snapshot, and a creation
// history entry in a single transaction.
func (s *Store) CreateTask(ctx context.Context, task *models.Task, createdBy string) error {
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	if task.TaskStatus == "" {
		task.TaskStatus = models.TaskStatusAvailable
	}
	if task.VerificationStatus == "" {
		task.VerificationStatus = models.VerificationUnverified
	}
	if task.Priority == "" {
		task.Priority = models.PriorityMedium
	}

	return s.WithTx(ctx, func(tx *sqlx.Tx) error {
		id, err := dialect.InsertReturningIDTx(ctx, tx, s.driver, `
			INSERT INTO tasks (project_id, organization_id, title, task_type, task_instruction, verification_instruction, notes, task_status, verification_status, assigned_agent, priority, due_date, estimated_hours, actual_hours, started_at, completed_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			task.ProjectID, task.OrganizationID, task.Title, task.TaskType, task.TaskInstruction, task.VerificationInstruction, task.Notes, task.TaskStatus, task.VerificationStatus, task.AssignedAgent, task.Priority, task.DueDate, task.EstimatedHours, task.ActualHours, task.StartedAt, task.CompletedAt, task.CreatedAt, task.UpdatedAt)
		if err != nil {
			return apperrors.DatabaseConstraint(err)
		}
		task.ID = id

		if err := s.insertVersionTx(ctx, tx, task, createdBy); err != nil {
			return err
		}
		return s.insertHistoryTx(ctx, tx, &models.ChangeRecord{
			TaskID:     task.ID,
			AgentID:    createdBy,
			ChangeType: models.ChangeCreated,
			NewValue:   task.Title,
		})
	})
}

// GetTask retrieves a task by ID within an organization scope. Tasks outside
// the scope are reported as not found. A task with a blocked subtask
// descendant reads as blocked unless its own row is terminal.
func (s *Store) GetTask(ctx context.Context, id, orgID int64) (*models.Task, error) {
	scope, scopeArgs := orgScope(orgID)
	task := &models.Task{}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = ?` + scope
	err := s.ro.GetContext(ctx, task, s.ro.Rebind(query), append([]any{id}, scopeArgs...)...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("task", id)
	}
	if err != nil {
		return nil, err
	}
	if task.TaskStatus != models.TaskStatusBlocked && task.TaskStatus != models.TaskStatusComplete && task.TaskStatus != models.TaskStatusCancelled {
		derived, err := s.hasBlockedDescendant(ctx, id)
		if err != nil {
			return nil, err
		}
		if derived {
			task.TaskStatus = models.TaskStatusBlocked
		}
	}
	return task, nil
}

func getTaskTx(ctx context.Context, tx *sqlx.Tx, id, orgID int64) (*models.Task, error) {
	scope, scopeArgs := orgScope(orgID)
	task := &models.Task{}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = ?` + scope
	err := tx.GetContext(ctx, task, tx.Rebind(query), append([]any{id}, scopeArgs...)...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("task", id)
	}
	if err != nil {
		return nil, err
	}
	return task, nil
}

// DeleteTask removes a task and, via cascading foreign keys, its
// relationships, updates, history, versions, and recurrences.
func (s *Store) DeleteTask(ctx context.Context, id, orgID int64) error {
	scope, scopeArgs := orgScope(orgID)
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM tasks WHERE id = ?`+scope), append([]any{id}, scopeArgs...)...)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("task", id)
	}
	return nil
}

// UpdateTask applies a partial update, recording one history entry per changed
// field and snapshotting a new version when content fields change. Returns the
// updated task.
func (s *Store) UpdateTask(ctx context.Context, id, orgID int64, agentID string, patch *TaskPatch) (*models.Task, error) {
	var updated *models.Task
	err := s.WithTx(ctx, func(tx *sqlx.Tx) error {
		current, err := getTaskTx(ctx, tx, id, orgID)
		if err != nil {
			return err
		}

		sets := []string{"updated_at = ?"}
		now := time.Now().UTC()
		args := []any{now}
		var changes []models.ChangeRecord

		apply := func(column string, oldVal, newVal any) {
			sets = append(sets, column+" = ?")
			args = append(args, newVal)
			changes = append(changes, models.ChangeRecord{
				TaskID:     id,
				AgentID:    agentID,
				ChangeType: models.ChangeUpdated,
				FieldName:  column,
				OldValue:   fieldString(oldVal),
				NewValue:   fieldString(newVal),
			})
		}

		if patch.Title != nil && *patch.Title != current.Title {
			apply("title", current.Title, *patch.Title)
		}
		if patch.TaskType != nil && *patch.TaskType != current.TaskType {
			apply("task_type", current.TaskType, *patch.TaskType)
		}
		if patch.TaskInstruction != nil && *patch.TaskInstruction != current.TaskInstruction {
			apply("task_instruction", current.TaskInstruction, *patch.TaskInstruction)
		}
		if patch.VerificationInstruction != nil && *patch.VerificationInstruction != current.VerificationInstruction {
			apply("verification_instruction", current.VerificationInstruction, *patch.VerificationInstruction)
		}
		if patch.Notes != nil && *patch.Notes != current.Notes {
			apply("notes", current.Notes, *patch.Notes)
		}
		if patch.Priority != nil && *patch.Priority != current.Priority {
			apply("priority", current.Priority, *patch.Priority)
		}
		if patch.TaskStatus != nil && *patch.TaskStatus != current.TaskStatus {
			sets = append(sets, "task_status = ?")
			args = append(args, *patch.TaskStatus)
			changes = append(changes, models.ChangeRecord{
				TaskID:     id,
				AgentID:    agentID,
				ChangeType: models.ChangeStatusChanged,
				FieldName:  "task_status",
				OldValue:   string(current.TaskStatus),
				NewValue:   string(*patch.TaskStatus),
			})
		}
		if patch.AssignedAgent != nil {
			apply("assigned_agent", current.AssignedAgent, *patch.AssignedAgent)
		}
		if patch.DueDate != nil {
			apply("due_date", current.DueDate, *patch.DueDate)
		}
		if patch.EstimatedHours != nil {
			apply("estimated_hours", current.EstimatedHours, *patch.EstimatedHours)
		}
		if patch.ActualHours != nil {
			apply("actual_hours", current.ActualHours, *patch.ActualHours)
		}

		if len(sets) == 1 {
			updated = current
			return nil
		}

		query := "UPDATE tasks SET " + strings.Join(sets, ", ") + " WHERE id = ?"
		args = append(args, id)
		if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
			return apperrors.DatabaseConstraint(err)
		}

		for i := range changes {
			if err := s.insertHistoryTx(ctx, tx, &changes[i]); err != nil {
				return err
			}
		}

		if patch.TaskStatus != nil && (*patch.TaskStatus == models.TaskStatusComplete || *patch.TaskStatus == models.TaskStatusCancelled) {
			if err := s.unblockDependentsTx(ctx, tx, id, agentID); err != nil {
				return err
			}
		}

		updated, err = getTaskTx(ctx, tx, id, orgID)
		if err != nil {
			return err
		}
		if patch.versioned() {
			if err := s.insertVersionTx(ctx, tx, updated, agentID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ListTasks returns tasks matching the filter within the organization scope,
// recently touched first unless the filter orders by priority.
func (s *Store) ListTasks(ctx context.Context, orgID int64, filter *TaskFilter) ([]*models.Task, error) {
	ctx, span := tracing.Tracer("dispatchd-db").Start(ctx, "db.ListTasks")
	defer span.End()

	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []any
	scope, scopeArgs := orgScope(orgID)
	query += scope
	args = append(args, scopeArgs...)

	if filter.Status != nil {
		query += " AND task_status = ?"
		args = append(args, *filter.Status)
	}
	if filter.TaskType != nil {
		query += " AND task_type = ?"
		args = append(args, *filter.TaskType)
	}
	if filter.Priority != nil {
		query += " AND priority = ?"
		args = append(args, *filter.Priority)
	}
	if filter.AssignedAgent != nil {
		query += " AND assigned_agent = ?"
		args = append(args, *filter.AssignedAgent)
	}
	if filter.ProjectID != nil {
		query += " AND project_id = ?"
		args = append(args, *filter.ProjectID)
	}
	switch filter.OrderBy {
	case "priority":
		query += " ORDER BY " + priorityOrder + ", updated_at DESC, id DESC"
	case "priority_asc":
		query += " ORDER BY " + priorityOrder + " DESC, updated_at DESC, id DESC"
	default:
		query += " ORDER BY updated_at DESC, id DESC"
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, filter.Limit, filter.Offset)

	var tasks []*models.Task
	if err := s.ro.SelectContext(ctx, &tasks, s.ro.Rebind(query), args...); err != nil {
		return nil, err
	}
	blocked, err := s.blockedAncestorIDs(ctx)
	if err != nil {
		return nil, err
	}
	applyDerivedBlocked(tasks, blocked)
	return tasks, nil
}

// SearchTasks splits the query into whitespace tokens and matches each,
// case-insensitively, against title, both instructions, and notes. A row
// matches when it contains at least one token; rows matching more distinct
// tokens rank first, ties break on updated_at.
func (s *Store) SearchTasks(ctx context.Context, orgID int64, text string, limit int) ([]*models.Task, error) {
	tokens := strings.Fields(strings.ToLower(text))
	if len(tokens) == 0 {
		return nil, nil
	}
	like := dialect.Like(s.driver)
	scope, scopeArgs := orgScope(orgID)

	hits := make([]string, len(tokens))
	var hitArgs []any
	for i, token := range tokens {
		hits[i] = fmt.Sprintf(`(CASE WHEN title %[1]s ? OR task_instruction %[1]s ? OR verification_instruction %[1]s ? OR notes %[1]s ? THEN 1 ELSE 0 END)`, like)
		pattern := "%" + token + "%"
		hitArgs = append(hitArgs, pattern, pattern, pattern, pattern)
	}
	rank := "(" + strings.Join(hits, " + ") + ")"

	query := `SELECT ` + taskColumns + ` FROM tasks WHERE ` + rank + ` > 0` + scope + `
		ORDER BY ` + rank + ` DESC, updated_at DESC LIMIT ?`
	args := append(append([]any{}, hitArgs...), scopeArgs...)
	args = append(args, hitArgs...)
	args = append(args, limit)

	var tasks []*models.Task
	if err := s.ro.SelectContext(ctx, &tasks, s.ro.Rebind(query), args...); err != nil {
		return nil, err
	}
	return tasks, nil
}

// ListSummaries returns trimmed task rows for cheap polling.
func (s *Store) ListSummaries(ctx context.Context, orgID int64, filter *TaskFilter) ([]*models.TaskSummary, error) {
	query := `SELECT id, title, task_type, task_status, priority, assigned_agent, updated_at FROM tasks WHERE 1=1`
	var args []any
	scope, scopeArgs := orgScope(orgID)
	query += scope
	args = append(args, scopeArgs...)

	if filter.Status != nil {
		query += " AND task_status = ?"
		args = append(args, *filter.Status)
	}
	if filter.AssignedAgent != nil {
		query += " AND assigned_agent = ?"
		args = append(args, *filter.AssignedAgent)
	}
	query += " ORDER BY updated_at DESC LIMIT ? OFFSET ?"
	args = append(args, filter.Limit, filter.Offset)

	var summaries []*models.TaskSummary
	if err := s.ro.SelectContext(ctx, &summaries, s.ro.Rebind(query), args...); err != nil {
		return nil, err
	}
	return summaries, nil
}

// NextAvailable returns the highest-priority reservable task for an agent
// type, or nil when none exists. Blocked tasks (derived or persisted) are
// skipped; complete-but-unverified tasks are offered to implementation agents
// for verification.
func (s *Store) NextAvailable(ctx context.Context, orgID int64, agentType models.AgentType, projectID *int64) (*models.Task, error) {
	ctx, span := tracing.Tracer("dispatchd-db").Start(ctx, "db.NextAvailable")
	defer span.End()

	tasks, err := s.listAvailable(ctx, orgID, agentType, projectID, 1)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, nil
	}
	return tasks[0], nil
}

// ListAvailable returns reservable tasks for an agent type in priority order.
func (s *Store) ListAvailable(ctx context.Context, orgID int64, agentType models.AgentType, projectID *int64, limit int) ([]*models.Task, error) {
	return s.listAvailable(ctx, orgID, agentType, projectID, limit)
}

func (s *Store) listAvailable(ctx context.Context, orgID int64, agentType models.AgentType, projectID *int64, limit int) ([]*models.Task, error) {
	var typePredicate string
	switch agentType {
	case models.AgentTypeBreakdown:
		typePredicate = `task_type IN ('abstract', 'epic') AND task_status = 'available'`
	default:
		typePredicate = `task_type = 'concrete' AND (task_status = 'available' OR (task_status = 'complete' AND verification_status = 'unverified'))`
	}

	query := blockedAncestorsCTE + ` SELECT ` + taskColumns + ` FROM tasks WHERE ` + typePredicate + ` AND ` + notBlockedPredicate + `
		AND tasks.id NOT IN (SELECT id FROM blocked_anc)`
	var args []any
	scope, scopeArgs := orgScope(orgID)
	query += scope
	args = append(args, scopeArgs...)
	if projectID != nil {
		query += " AND project_id = ?"
		args = append(args, *projectID)
	}
	// Tasks awaiting verification lead the list so completed work gets
	// checked before new work starts.
	query += ` ORDER BY CASE WHEN task_status = 'complete' AND verification_status = 'unverified' THEN 0 ELSE 1 END, ` +
		priorityOrder + `, updated_at DESC LIMIT ?`
	args = append(args, limit)

	var tasks []*models.Task
	if err := s.ro.SelectContext(ctx, &tasks, s.ro.Rebind(query), args...); err != nil {
		return nil, err
	}
	return tasks, nil
}

// ActiveBlockers returns the incomplete tasks currently blocking taskID.
func (s *Store) ActiveBlockers(ctx context.Context, taskID int64) ([]*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id IN (
		SELECT CASE WHEN r.relationship_type = 'blocked_by' THEN r.child_task_id ELSE r.parent_task_id END
		FROM task_relationships r
		WHERE (r.relationship_type = 'blocked_by' AND r.parent_task_id = ?)
		   OR (r.relationship_type = 'blocking' AND r.child_task_id = ?)
	) AND task_status NOT IN ('complete', 'cancelled')`

	var tasks []*models.Task
	if err := s.ro.SelectContext(ctx, &tasks, s.ro.Rebind(query), taskID, taskID); err != nil {
		return nil, err
	}
	return tasks, nil
}

// Statistics aggregates task counts by status, type, and priority.
func (s *Store) Statistics(ctx context.Context, orgID int64, projectID *int64) (*models.TaskStatistics, error) {
	stats := &models.TaskStatistics{
		ByStatus:   make(map[models.TaskStatus]int),
		ByType:     make(map[models.TaskType]int),
		ByPriority: make(map[models.Priority]int),
	}

	where := " WHERE 1=1"
	var args []any
	scope, scopeArgs := orgScope(orgID)
	where += scope
	args = append(args, scopeArgs...)
	if projectID != nil {
		where += " AND project_id = ?"
		args = append(args, *projectID)
	}

	count := func(column string, assign func(key string, n int)) error {
		rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`SELECT `+column+`, COUNT(*) FROM tasks`+where+` GROUP BY `+column), args...)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			var key string
			var n int
			if err := rows.Scan(&key, &n); err != nil {
				return err
			}
			assign(key, n)
		}
		return rows.Err()
	}

	if err := count("task_status", func(key string, n int) {
		stats.ByStatus[models.TaskStatus(key)] = n
		stats.Total += n
	}); err != nil {
		return nil, err
	}
	if err := count("task_type", func(key string, n int) {
		stats.ByType[models.TaskType(key)] = n
	}); err != nil {
		return nil, err
	}
	if err := count("priority", func(key string, n int) {
		stats.ByPriority[models.Priority(key)] = n
	}); err != nil {
		return nil, err
	}
	return stats, nil
}

// AgentStatistics summarizes one agent's current and completed workload.
func (s *Store) AgentStatistics(ctx context.Context, orgID int64, agentID string) (*models.AgentStats, error) {
	scope, scopeArgs := orgScope(orgID)
	stats := &models.AgentStats{AgentID: agentID}

	query := `SELECT COUNT(*) FROM tasks WHERE assigned_agent = ? AND task_status = 'in_progress'` + scope
	if err := s.ro.GetContext(ctx, &stats.AssignedCount, s.ro.Rebind(query), append([]any{agentID}, scopeArgs...)...); err != nil {
		return nil, err
	}

	row := struct {
		Count int     `db:"count"`
		Hours float64 `db:"hours"`
	}{}
	query = `SELECT COUNT(*) AS count, COALESCE(SUM(actual_hours), 0) AS hours FROM tasks WHERE assigned_agent = ? AND task_status = 'complete'` + scope
	if err := s.ro.GetContext(ctx, &row, s.ro.Rebind(query), append([]any{agentID}, scopeArgs...)...); err != nil {
		return nil, err
	}
	stats.CompletedCount = row.Count
	stats.TotalActualHours = row.Hours
	return stats, nil
}

// RecentCompletions returns tasks completed within the last N hours,
// most recent first.
func (s *Store) RecentCompletions(ctx context.Context, orgID int64, hours, limit int) ([]*models.Task, error) {
	scope, scopeArgs := orgScope(orgID)
	query := `SELECT ` + taskColumns + ` FROM tasks
		WHERE task_status = 'complete' AND completed_at >= ` + dialect.NowMinusHours(s.driver, "?") + scope + `
		ORDER BY completed_at DESC LIMIT ?`
	args := append([]any{hours}, scopeArgs...)
	args = append(args, limit)

	var tasks []*models.Task
	if err := s.ro.SelectContext(ctx, &tasks, s.ro.Rebind(query), args...); err != nil {
		return nil, err
	}
	return tasks, nil
}

// ApproachingDeadline returns open tasks whose due date falls within the next
// N days, soonest first.
func (s *Store) ApproachingDeadline(ctx context.Context, orgID int64, days, limit int) ([]*models.Task, error) {
	scope, scopeArgs := orgScope(orgID)
	deadline := time.Now().UTC().AddDate(0, 0, days)
	query := `SELECT ` + taskColumns + ` FROM tasks
		WHERE task_status NOT IN ('complete', 'cancelled')
		  AND due_date IS NOT NULL AND due_date >= ? AND due_date <= ?` + scope + `
		ORDER BY due_date ASC LIMIT ?`
	args := append([]any{time.Now().UTC(), deadline}, scopeArgs...)
	args = append(args, limit)

	var tasks []*models.Task
	if err := s.ro.SelectContext(ctx, &tasks, s.ro.Rebind(query), args...); err != nil {
		return nil, err
	}
	return tasks, nil
}

// OverdueTasks returns open tasks whose due date has passed.
func (s *Store) OverdueTasks(ctx context.Context, orgID int64, limit int) ([]*models.Task, error) {
	scope, scopeArgs := orgScope(orgID)
	query := `SELECT ` + taskColumns + ` FROM tasks
		WHERE task_status NOT IN ('complete', 'cancelled')
		  AND due_date IS NOT NULL AND due_date < ?` + scope + `
		ORDER BY due_date ASC LIMIT ?`
	args := append([]any{time.Now().UTC()}, scopeArgs...)
	args = append(args, limit)

	var tasks []*models.Task
	if err := s.ro.SelectContext(ctx, &tasks, s.ro.Rebind(query), args...); err != nil {
		return nil, err
	}
	return tasks, nil
}

// StaleTasks returns in-progress tasks not touched within the last N hours,
// oldest first. These leases are reclaim candidates.
func (s *Store) StaleTasks(ctx context.Context, orgID int64, hours, limit int) ([]*models.Task, error) {
	scope, scopeArgs := orgScope(orgID)
	cutoff := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
	query := `SELECT ` + taskColumns + ` FROM tasks
		WHERE task_status = 'in_progress' AND updated_at <= ?` + scope + `
		ORDER BY updated_at ASC LIMIT ?`
	args := append([]any{cutoff}, scopeArgs...)
	args = append(args, limit)

	var tasks []*models.Task
	if err := s.ro.SelectContext(ctx, &tasks, s.ro.Rebind(query), args...); err != nil {
		return nil, err
	}
	return tasks, nil
}

// fieldString renders a field value for change-history rows.
func fieldString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case *string:
		if val == nil {
			return ""
		}
		return *val
	case *time.Time:
		if val == nil {
			return ""
		}
		return val.UTC().Format(time.RFC3339)
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	case *float64:
		if val == nil {
			return ""
		}
		return fmt.Sprintf("%g", *val)
	default:
		return fmt.Sprintf("%v", val)
	}
}
