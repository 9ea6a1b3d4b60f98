// Package store provides the persistence layer for the task broker.
//
// All writes go through the writer connection; reads use the read-only pool.
// Lease transitions and auto-completion run inside single transactions so
// concurrent agents never observe half-applied state.
package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/dispatchd/dispatchd/internal/db"
	"github.com/dispatchd/dispatchd/internal/db/dialect"
)

const taskColumns = `id, project_id, organization_id, title, task_type, task_instruction, verification_instruction, notes, task_status, verification_status, assigned_agent, priority, due_date, estimated_hours, actual_hours, started_at, completed_at, created_at, updated_at`

// Store is the single gateway to broker state.
type Store struct {
	db     *sqlx.DB // writer
	ro     *sqlx.DB // reader (read-only pool)
	driver string
}

// New creates a Store over a connection pool and initializes the schema.
func New(pool *db.Pool) (*Store, error) {
	s := &Store{
		db:     pool.Writer(),
		ro:     pool.Reader(),
		driver: pool.Writer().DriverName(),
	}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Driver returns the underlying driver name (sqlite3 or pgx).
func (s *Store) Driver() string { return s.driver }

// WithTx runs fn inside a write transaction, committing on nil error.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rollbackErr, err)
		}
		return err
	}
	return tx.Commit()
}

func (s *Store) idColumn() string {
	if dialect.IsPostgres(s.driver) {
		return "BIGSERIAL PRIMARY KEY"
	}
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}

// initSchema creates the database tables if they don't exist
func (s *Store) initSchema() error {
	if err := s.initTenancySchema(); err != nil {
		return err
	}
	if err := s.initTaskSchema(); err != nil {
		return err
	}
	if err := s.initAuditSchema(); err != nil {
		return err
	}
	if err := s.initExtrasSchema(); err != nil {
		return err
	}
	return s.initIndexes()
}

func (s *Store) initTenancySchema() error {
	id := s.idColumn()
	_, err := s.db.Exec(fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS organizations (
		id %[1]s,
		name TEXT NOT NULL,
		slug TEXT NOT NULL UNIQUE,
		description TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS teams (
		id %[1]s,
		organization_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		description TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		FOREIGN KEY (organization_id) REFERENCES organizations(id) ON DELETE CASCADE,
		UNIQUE(organization_id, name)
	);

	CREATE TABLE IF NOT EXISTS roles (
		id %[1]s,
		organization_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		permissions TEXT DEFAULT '[]',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		FOREIGN KEY (organization_id) REFERENCES organizations(id) ON DELETE CASCADE,
		UNIQUE(organization_id, name)
	);

	CREATE TABLE IF NOT EXISTS memberships (
		id %[1]s,
		organization_id INTEGER NOT NULL,
		team_id INTEGER,
		user_id TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (organization_id) REFERENCES organizations(id) ON DELETE CASCADE,
		UNIQUE(organization_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS membership_roles (
		membership_id INTEGER NOT NULL,
		role_id INTEGER NOT NULL,
		PRIMARY KEY (membership_id, role_id),
		FOREIGN KEY (membership_id) REFERENCES memberships(id) ON DELETE CASCADE,
		FOREIGN KEY (role_id) REFERENCES roles(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS projects (
		id %[1]s,
		organization_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		local_path TEXT DEFAULT '',
		origin_url TEXT DEFAULT '',
		description TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		FOREIGN KEY (organization_id) REFERENCES organizations(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS api_keys (
		id %[1]s,
		project_id INTEGER NOT NULL,
		organization_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		key_hash TEXT NOT NULL UNIQUE,
		key_prefix TEXT NOT NULL,
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		last_used_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE,
		FOREIGN KEY (organization_id) REFERENCES organizations(id) ON DELETE CASCADE
	);
	`, id))
	return err
}

func (s *Store) initTaskSchema() error {
	id := s.idColumn()
	_, err := s.db.Exec(fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS tasks (
		id %[1]s,
		project_id INTEGER,
		organization_id INTEGER,
		title TEXT NOT NULL,
		task_type TEXT NOT NULL DEFAULT 'concrete',
		task_instruction TEXT NOT NULL DEFAULT '',
		verification_instruction TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		task_status TEXT NOT NULL DEFAULT 'available',
		verification_status TEXT NOT NULL DEFAULT 'unverified',
		assigned_agent TEXT,
		priority TEXT NOT NULL DEFAULT 'medium',
		due_date TIMESTAMP,
		estimated_hours REAL,
		actual_hours REAL,
		started_at TIMESTAMP,
		completed_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS task_relationships (
		id %[1]s,
		parent_task_id INTEGER NOT NULL,
		child_task_id INTEGER NOT NULL,
		relationship_type TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (parent_task_id) REFERENCES tasks(id) ON DELETE CASCADE,
		FOREIGN KEY (child_task_id) REFERENCES tasks(id) ON DELETE CASCADE,
		UNIQUE(parent_task_id, child_task_id, relationship_type)
	);

	CREATE TABLE IF NOT EXISTS task_updates (
		id %[1]s,
		task_id INTEGER NOT NULL,
		agent_id TEXT NOT NULL,
		update_type TEXT NOT NULL,
		content TEXT NOT NULL,
		metadata TEXT DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);
	`, id))
	return err
}

func (s *Store) initAuditSchema() error {
	id := s.idColumn()
	_, err := s.db.Exec(fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS change_history (
		id %[1]s,
		task_id INTEGER NOT NULL,
		agent_id TEXT NOT NULL,
		change_type TEXT NOT NULL,
		field_name TEXT DEFAULT '',
		old_value TEXT DEFAULT '',
		new_value TEXT DEFAULT '',
		notes TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS task_versions (
		id %[1]s,
		task_id INTEGER NOT NULL,
		version_number INTEGER NOT NULL,
		title TEXT NOT NULL,
		task_type TEXT NOT NULL,
		task_instruction TEXT NOT NULL DEFAULT '',
		verification_instruction TEXT NOT NULL DEFAULT '',
		priority TEXT NOT NULL DEFAULT 'medium',
		estimated_hours REAL,
		due_date TIMESTAMP,
		notes TEXT NOT NULL DEFAULT '',
		created_by TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE,
		UNIQUE(task_id, version_number)
	);
	`, id))
	return err
}

func (s *Store) initExtrasSchema() error {
	id := s.idColumn()
	_, err := s.db.Exec(fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS recurring_tasks (
		id %[1]s,
		task_id INTEGER NOT NULL,
		recurrence_type TEXT NOT NULL,
		recurrence_config TEXT DEFAULT '{}',
		next_occurrence TIMESTAMP NOT NULL,
		last_occurrence_created TIMESTAMP,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS tags (
		id %[1]s,
		name TEXT NOT NULL UNIQUE,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS task_tags (
		task_id INTEGER NOT NULL,
		tag_id INTEGER NOT NULL,
		PRIMARY KEY (task_id, tag_id),
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE,
		FOREIGN KEY (tag_id) REFERENCES tags(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS templates (
		id %[1]s,
		organization_id INTEGER NOT NULL DEFAULT 0,
		name TEXT NOT NULL,
		title TEXT NOT NULL,
		task_type TEXT NOT NULL DEFAULT 'concrete',
		task_instruction TEXT NOT NULL DEFAULT '',
		verification_instruction TEXT NOT NULL DEFAULT '',
		priority TEXT NOT NULL DEFAULT 'medium',
		estimated_hours REAL,
		notes TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE(organization_id, name)
	);

	CREATE TABLE IF NOT EXISTS comments (
		id %[1]s,
		task_id INTEGER NOT NULL,
		author_id TEXT NOT NULL,
		parent_comment_id INTEGER,
		content TEXT NOT NULL,
		mentions TEXT DEFAULT '[]',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE,
		FOREIGN KEY (parent_comment_id) REFERENCES comments(id) ON DELETE CASCADE
	);
	`, id))
	return err
}

func (s *Store) initIndexes() error {
	_, err := s.db.Exec(`
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(task_status);
	CREATE INDEX IF NOT EXISTS idx_tasks_status_type ON tasks(task_status, task_type);
	CREATE INDEX IF NOT EXISTS idx_tasks_status_updated ON tasks(task_status, updated_at);
	CREATE INDEX IF NOT EXISTS idx_tasks_assigned_agent ON tasks(assigned_agent);
	CREATE INDEX IF NOT EXISTS idx_tasks_project_id ON tasks(project_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_organization_id ON tasks(organization_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_due_date ON tasks(due_date);
	CREATE INDEX IF NOT EXISTS idx_relationships_parent ON task_relationships(parent_task_id);
	CREATE INDEX IF NOT EXISTS idx_relationships_child ON task_relationships(child_task_id);
	CREATE INDEX IF NOT EXISTS idx_updates_task ON task_updates(task_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_history_task ON change_history(task_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_versions_task ON task_versions(task_id);
	CREATE INDEX IF NOT EXISTS idx_recurring_due ON recurring_tasks(is_active, next_occurrence);
	CREATE INDEX IF NOT EXISTS idx_comments_task ON comments(task_id);
	CREATE INDEX IF NOT EXISTS idx_api_keys_org ON api_keys(organization_id);
	`)
	return err
}

// orgScope returns a SQL predicate restricting tasks to an organization.
// A zero orgID means unscoped access (single-tenant deployments).
func orgScope(orgID int64) (string, []any) {
	if orgID == 0 {
		return "", nil
	}
	return " AND organization_id = ?", []any{orgID}
}
