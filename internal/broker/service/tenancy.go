package service

import (
	"context"

	"github.com/dispatchd/dispatchd/internal/broker/models"
	"github.com/dispatchd/dispatchd/internal/broker/tenant"
	apperrors "github.com/dispatchd/dispatchd/internal/common/errors"
	"github.com/dispatchd/dispatchd/internal/events"
)

// CreateProject creates a project within the caller's organization.
func (s *Service) CreateProject(ctx context.Context, scope *Scope, project *models.Project) (*models.Project, error) {
	if project.Name == "" {
		return nil, apperrors.ValidationError("name", "is required")
	}
	if scope != nil && scope.OrgID != 0 {
		project.OrganizationID = scope.OrgID
	}
	if err := s.store.CreateProject(ctx, project); err != nil {
		return nil, err
	}
	s.publish(ctx, events.ProjectCreated, events.ProjectCreated, map[string]interface{}{
		"project_id":      project.ID,
		"organization_id": project.OrganizationID,
		"name":            project.Name,
	})
	return project, nil
}

// GetProject returns a project within scope.
func (s *Service) GetProject(ctx context.Context, scope *Scope, projectID int64) (*models.Project, error) {
	return s.store.GetProject(ctx, projectID, orgOf(scope))
}

// ListProjects returns the scope's projects.
func (s *Service) ListProjects(ctx context.Context, scope *Scope) ([]*models.Project, error) {
	return s.store.ListProjects(ctx, orgOf(scope))
}

// CreatedAPIKey is the one-time response to key creation: the token is shown
// here and never again.
type CreatedAPIKey struct {
	Key   *models.APIKey `json:"key"`
	Token string         `json:"token"`
}

// CreateAPIKey issues a credential for a project. Only the hash is stored.
func (s *Service) CreateAPIKey(ctx context.Context, scope *Scope, projectID int64, name string) (*CreatedAPIKey, error) {
	if name == "" {
		return nil, apperrors.ValidationError("name", "is required")
	}
	project, err := s.store.GetProject(ctx, projectID, orgOf(scope))
	if err != nil {
		return nil, err
	}

	token, err := tenant.GenerateToken()
	if err != nil {
		return nil, apperrors.InternalError("failed to generate api key", err)
	}
	key := &models.APIKey{
		ProjectID:      project.ID,
		OrganizationID: project.OrganizationID,
		Name:           name,
		KeyHash:        tenant.HashToken(token),
		KeyPrefix:      tenant.DisplayPrefix(token),
	}
	if err := s.store.CreateAPIKey(ctx, key); err != nil {
		return nil, err
	}

	s.publish(ctx, events.APIKeyCreated, events.APIKeyCreated, map[string]interface{}{
		"key_id":     key.ID,
		"project_id": key.ProjectID,
		"name":       key.Name,
	})
	return &CreatedAPIKey{Key: key, Token: token}, nil
}

// ListAPIKeys returns a project's keys with hashes blanked.
func (s *Service) ListAPIKeys(ctx context.Context, scope *Scope, projectID int64) ([]*models.APIKey, error) {
	keys, err := s.store.ListAPIKeys(ctx, projectID, orgOf(scope))
	if err != nil {
		return nil, err
	}
	for _, key := range keys {
		key.KeyHash = ""
	}
	return keys, nil
}

// RevokeAPIKey disables a key. Revoking an already-disabled key succeeds.
func (s *Service) RevokeAPIKey(ctx context.Context, scope *Scope, keyID int64) error {
	if err := s.store.RevokeAPIKey(ctx, keyID, orgOf(scope)); err != nil {
		return err
	}
	s.publish(ctx, events.APIKeyRevoked, events.APIKeyRevoked, map[string]interface{}{
		"key_id": keyID,
	})
	return nil
}

// RotateAPIKey issues a fresh token for a key's project and disables the old
// key in one pass. The new token is shown once.
func (s *Service) RotateAPIKey(ctx context.Context, scope *Scope, keyID int64) (*CreatedAPIKey, error) {
	old, err := s.store.GetAPIKey(ctx, keyID, orgOf(scope))
	if err != nil {
		return nil, err
	}
	created, err := s.CreateAPIKey(ctx, scope, old.ProjectID, old.Name)
	if err != nil {
		return nil, err
	}
	if err := s.RevokeAPIKey(ctx, scope, old.ID); err != nil {
		return nil, err
	}
	return created, nil
}

// Organization and membership management passes through to the store.

func (s *Service) CreateOrganization(ctx context.Context, org *models.Organization) (*models.Organization, error) {
	if org.Name == "" {
		return nil, apperrors.ValidationError("name", "is required")
	}
	if org.Slug == "" {
		return nil, apperrors.ValidationError("slug", "is required")
	}
	if err := s.store.CreateOrganization(ctx, org); err != nil {
		return nil, err
	}
	return org, nil
}

func (s *Service) GetOrganization(ctx context.Context, orgID int64) (*models.Organization, error) {
	return s.store.GetOrganization(ctx, orgID)
}

func (s *Service) ListOrganizations(ctx context.Context) ([]*models.Organization, error) {
	return s.store.ListOrganizations(ctx)
}

func (s *Service) CreateTeam(ctx context.Context, scope *Scope, team *models.Team) (*models.Team, error) {
	if team.Name == "" {
		return nil, apperrors.ValidationError("name", "is required")
	}
	if scope != nil && scope.OrgID != 0 {
		team.OrganizationID = scope.OrgID
	}
	if err := s.store.CreateTeam(ctx, team); err != nil {
		return nil, err
	}
	return team, nil
}

func (s *Service) ListTeams(ctx context.Context, scope *Scope) ([]*models.Team, error) {
	return s.store.ListTeams(ctx, orgOf(scope))
}

func (s *Service) CreateRole(ctx context.Context, scope *Scope, role *models.Role) (*models.Role, error) {
	if role.Name == "" {
		return nil, apperrors.ValidationError("name", "is required")
	}
	if scope != nil && scope.OrgID != 0 {
		role.OrganizationID = scope.OrgID
	}
	if err := s.store.CreateRole(ctx, role); err != nil {
		return nil, err
	}
	return role, nil
}

func (s *Service) ListRoles(ctx context.Context, scope *Scope) ([]*models.Role, error) {
	return s.store.ListRoles(ctx, orgOf(scope))
}

func (s *Service) CreateMembership(ctx context.Context, scope *Scope, membership *models.Membership) (*models.Membership, error) {
	if membership.UserID == "" {
		return nil, apperrors.ValidationError("user_id", "is required")
	}
	if scope != nil && scope.OrgID != 0 {
		membership.OrganizationID = scope.OrgID
	}
	if err := s.store.CreateMembership(ctx, membership); err != nil {
		return nil, err
	}
	return membership, nil
}

func (s *Service) ListMemberships(ctx context.Context, scope *Scope) ([]*models.Membership, error) {
	return s.store.ListMemberships(ctx, orgOf(scope))
}

// HasPermission reports whether a user holds a permission in the scope's
// organization, honoring wildcard grants.
func (s *Service) HasPermission(ctx context.Context, scope *Scope, userID, required string) (bool, error) {
	permissions, err := s.store.MemberPermissions(ctx, orgOf(scope), userID)
	if err != nil {
		return false, err
	}
	return tenant.HasPermission(permissions, required), nil
}
