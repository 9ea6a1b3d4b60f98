package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/dispatchd/dispatchd/internal/broker/models"
	apperrors "github.com/dispatchd/dispatchd/internal/common/errors"
	"github.com/dispatchd/dispatchd/internal/db/dialect"
)

// CreateOrganization inserts a new tenancy root.
func (s *Store) CreateOrganization(ctx context.Context, org *models.Organization) error {
	now := time.Now().UTC()
	org.CreatedAt = now
	org.UpdatedAt = now

	id, err := dialect.InsertReturningID(ctx, s.db, `
		INSERT INTO organizations (name, slug, description, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		org.Name, org.Slug, org.Description, org.CreatedAt, org.UpdatedAt)
	if err != nil {
		return apperrors.DatabaseConstraint(err)
	}
	org.ID = id
	return nil
}

// GetOrganization retrieves an organization by ID.
func (s *Store) GetOrganization(ctx context.Context, id int64) (*models.Organization, error) {
	org := &models.Organization{}
	err := s.ro.GetContext(ctx, org, s.ro.Rebind(`
		SELECT id, name, slug, description, created_at, updated_at FROM organizations WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("organization", id)
	}
	if err != nil {
		return nil, err
	}
	return org, nil
}

// GetOrganizationBySlug retrieves an organization by its slug.
func (s *Store) GetOrganizationBySlug(ctx context.Context, slug string) (*models.Organization, error) {
	org := &models.Organization{}
	err := s.ro.GetContext(ctx, org, s.ro.Rebind(`
		SELECT id, name, slug, description, created_at, updated_at FROM organizations WHERE slug = ?`), slug)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFoundNamed("organization", slug)
	}
	if err != nil {
		return nil, err
	}
	return org, nil
}

// ListOrganizations returns all organizations.
func (s *Store) ListOrganizations(ctx context.Context) ([]*models.Organization, error) {
	var orgs []*models.Organization
	err := s.ro.SelectContext(ctx, &orgs, `SELECT id, name, slug, description, created_at, updated_at FROM organizations ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return orgs, nil
}

// CreateTeam inserts a team within an organization.
func (s *Store) CreateTeam(ctx context.Context, team *models.Team) error {
	now := time.Now().UTC()
	team.CreatedAt = now
	team.UpdatedAt = now

	id, err := dialect.InsertReturningID(ctx, s.db, `
		INSERT INTO teams (organization_id, name, description, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		team.OrganizationID, team.Name, team.Description, team.CreatedAt, team.UpdatedAt)
	if err != nil {
		return apperrors.DatabaseConstraint(err)
	}
	team.ID = id
	return nil
}

// ListTeams returns an organization's teams.
func (s *Store) ListTeams(ctx context.Context, orgID int64) ([]*models.Team, error) {
	var teams []*models.Team
	err := s.ro.SelectContext(ctx, &teams, s.ro.Rebind(`
		SELECT id, organization_id, name, description, created_at, updated_at
		FROM teams WHERE organization_id = ? ORDER BY id`), orgID)
	if err != nil {
		return nil, err
	}
	return teams, nil
}

// CreateRole inserts a role with its permission strings.
func (s *Store) CreateRole(ctx context.Context, role *models.Role) error {
	now := time.Now().UTC()
	role.CreatedAt = now
	role.UpdatedAt = now

	permissions, err := json.Marshal(role.Permissions)
	if err != nil {
		permissions = []byte("[]")
	}

	id, err := dialect.InsertReturningID(ctx, s.db, `
		INSERT INTO roles (organization_id, name, permissions, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		role.OrganizationID, role.Name, string(permissions), role.CreatedAt, role.UpdatedAt)
	if err != nil {
		return apperrors.DatabaseConstraint(err)
	}
	role.ID = id
	return nil
}

// ListRoles returns an organization's roles.
func (s *Store) ListRoles(ctx context.Context, orgID int64) ([]*models.Role, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT id, organization_id, name, permissions, created_at, updated_at
		FROM roles WHERE organization_id = ? ORDER BY id`), orgID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var roles []*models.Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// CreateMembership links a user to an organization, optionally a team, and a
// set of roles.
func (s *Store) CreateMembership(ctx context.Context, membership *models.Membership) error {
	membership.CreatedAt = time.Now().UTC()

	return s.WithTx(ctx, func(tx *sqlx.Tx) error {
		id, err := dialect.InsertReturningIDTx(ctx, tx, s.driver, `
			INSERT INTO memberships (organization_id, team_id, user_id, created_at)
			VALUES (?, ?, ?, ?)`,
			membership.OrganizationID, membership.TeamID, membership.UserID, membership.CreatedAt)
		if err != nil {
			return apperrors.DatabaseConstraint(err)
		}
		membership.ID = id

		for _, roleID := range membership.RoleIDs {
			if _, err := tx.ExecContext(ctx, tx.Rebind(`
				INSERT INTO membership_roles (membership_id, role_id) VALUES (?, ?)`),
				membership.ID, roleID); err != nil {
				return apperrors.DatabaseConstraint(err)
			}
		}
		return nil
	})
}

// ListMemberships returns an organization's memberships with role IDs loaded.
func (s *Store) ListMemberships(ctx context.Context, orgID int64) ([]*models.Membership, error) {
	var memberships []*models.Membership
	err := s.ro.SelectContext(ctx, &memberships, s.ro.Rebind(`
		SELECT id, organization_id, team_id, user_id, created_at
		FROM memberships WHERE organization_id = ? ORDER BY id`), orgID)
	if err != nil {
		return nil, err
	}

	for _, m := range memberships {
		if err := s.ro.SelectContext(ctx, &m.RoleIDs, s.ro.Rebind(`
			SELECT role_id FROM membership_roles WHERE membership_id = ? ORDER BY role_id`), m.ID); err != nil {
			return nil, err
		}
	}
	return memberships, nil
}

// MemberPermissions returns the union of permission strings granted to a user
// in an organization.
func (s *Store) MemberPermissions(ctx context.Context, orgID int64, userID string) ([]string, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT r.permissions FROM roles r
		JOIN membership_roles mr ON mr.role_id = r.id
		JOIN memberships m ON m.id = mr.membership_id
		WHERE m.organization_id = ? AND m.user_id = ?`), orgID, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var permissions []string
	seen := make(map[string]bool)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var perms []string
		_ = json.Unmarshal([]byte(raw), &perms)
		for _, p := range perms {
			if !seen[p] {
				seen[p] = true
				permissions = append(permissions, p)
			}
		}
	}
	return permissions, rows.Err()
}

// CreateProject inserts a project within an organization.
func (s *Store) CreateProject(ctx context.Context, project *models.Project) error {
	now := time.Now().UTC()
	project.CreatedAt = now
	project.UpdatedAt = now

	id, err := dialect.InsertReturningID(ctx, s.db, `
		INSERT INTO projects (organization_id, name, local_path, origin_url, description, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		project.OrganizationID, project.Name, project.LocalPath, project.OriginURL, project.Description, project.CreatedAt, project.UpdatedAt)
	if err != nil {
		return apperrors.DatabaseConstraint(err)
	}
	project.ID = id
	return nil
}

// GetProject retrieves a project within an organization scope.
func (s *Store) GetProject(ctx context.Context, id, orgID int64) (*models.Project, error) {
	scope, scopeArgs := orgScope(orgID)
	project := &models.Project{}
	query := `SELECT id, organization_id, name, local_path, origin_url, description, created_at, updated_at FROM projects WHERE id = ?` + scope
	err := s.ro.GetContext(ctx, project, s.ro.Rebind(query), append([]any{id}, scopeArgs...)...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("project", id)
	}
	if err != nil {
		return nil, err
	}
	return project, nil
}

// ListProjects returns an organization's projects.
func (s *Store) ListProjects(ctx context.Context, orgID int64) ([]*models.Project, error) {
	query := `SELECT id, organization_id, name, local_path, origin_url, description, created_at, updated_at FROM projects WHERE 1=1`
	var args []any
	scope, scopeArgs := orgScope(orgID)
	query += scope + ` ORDER BY id`
	args = append(args, scopeArgs...)

	var projects []*models.Project
	if err := s.ro.SelectContext(ctx, &projects, s.ro.Rebind(query), args...); err != nil {
		return nil, err
	}
	return projects, nil
}

// CreateAPIKey stores a key record. Only the hash is persisted; the caller is
// responsible for showing the token once.
func (s *Store) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	now := time.Now().UTC()
	key.CreatedAt = now
	key.UpdatedAt = now
	key.Enabled = true

	id, err := dialect.InsertReturningID(ctx, s.db, `
		INSERT INTO api_keys (project_id, organization_id, name, key_hash, key_prefix, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		key.ProjectID, key.OrganizationID, key.Name, key.KeyHash, key.KeyPrefix, key.Enabled, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		return apperrors.DatabaseConstraint(err)
	}
	key.ID = id
	return nil
}

// GetAPIKeyByHash looks up an enabled key by its hash. Used on every
// authenticated request.
func (s *Store) GetAPIKeyByHash(ctx context.Context, hash string) (*models.APIKey, error) {
	key := &models.APIKey{}
	err := s.ro.GetContext(ctx, key, s.ro.Rebind(`
		SELECT id, project_id, organization_id, name, key_hash, key_prefix, enabled, last_used_at, created_at, updated_at
		FROM api_keys WHERE key_hash = ? AND enabled = TRUE`), hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Unauthorized("invalid API key")
	}
	if err != nil {
		return nil, err
	}
	return key, nil
}

// GetAPIKey retrieves a key by ID within an organization scope.
func (s *Store) GetAPIKey(ctx context.Context, id, orgID int64) (*models.APIKey, error) {
	scope, scopeArgs := orgScope(orgID)
	key := &models.APIKey{}
	query := `SELECT id, project_id, organization_id, name, key_hash, key_prefix, enabled, last_used_at, created_at, updated_at
		FROM api_keys WHERE id = ?` + scope
	err := s.ro.GetContext(ctx, key, s.ro.Rebind(query), append([]any{id}, scopeArgs...)...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("api key", id)
	}
	if err != nil {
		return nil, err
	}
	return key, nil
}

// ListAPIKeys returns a project's keys, hashes included for internal use only.
func (s *Store) ListAPIKeys(ctx context.Context, projectID, orgID int64) ([]*models.APIKey, error) {
	scope, scopeArgs := orgScope(orgID)
	query := `SELECT id, project_id, organization_id, name, key_hash, key_prefix, enabled, last_used_at, created_at, updated_at
		FROM api_keys WHERE project_id = ?` + scope + ` ORDER BY id`

	var keys []*models.APIKey
	if err := s.ro.SelectContext(ctx, &keys, s.ro.Rebind(query), append([]any{projectID}, scopeArgs...)...); err != nil {
		return nil, err
	}
	return keys, nil
}

// RevokeAPIKey disables a key. Disabled keys fail authentication but remain
// listed for audit purposes.
func (s *Store) RevokeAPIKey(ctx context.Context, id, orgID int64) error {
	scope, scopeArgs := orgScope(orgID)
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE api_keys SET enabled = FALSE, updated_at = ? WHERE id = ?`+scope),
		append([]any{time.Now().UTC(), id}, scopeArgs...)...)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("api key", id)
	}
	return nil
}

// TouchAPIKey records key usage. Best effort; failures are ignored by callers.
func (s *Store) TouchAPIKey(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE api_keys SET last_used_at = ? WHERE id = ?`), time.Now().UTC(), id)
	return err
}

func scanRole(row rowScanner) (*models.Role, error) {
	role := &models.Role{}
	var permissions string
	err := row.Scan(&role.ID, &role.OrganizationID, &role.Name, &permissions, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(permissions), &role.Permissions)
	return role, nil
}
