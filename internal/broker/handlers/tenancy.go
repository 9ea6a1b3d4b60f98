package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dispatchd/dispatchd/internal/broker/dto"
	"github.com/dispatchd/dispatchd/internal/broker/models"
	apperrors "github.com/dispatchd/dispatchd/internal/common/errors"
)

// Tenancy administration. These endpoints bootstrap organizations, teams,
// roles, and memberships; day-to-day agent traffic authenticates with
// project API keys and never touches them.

// CreateOrganization registers a tenant
// POST /api/v1/organizations
func (h *Handler) CreateOrganization(c *gin.Context) {
	var req dto.CreateOrganizationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.BadRequest(err.Error()))
		return
	}

	org, err := h.service.CreateOrganization(c.Request.Context(), &models.Organization{
		Name:        req.Name,
		Slug:        req.Slug,
		Description: req.Description,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, org)
}

// ListOrganizations returns all tenants
// GET /api/v1/organizations
func (h *Handler) ListOrganizations(c *gin.Context) {
	orgs, err := h.service.ListOrganizations(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"organizations": orgs, "count": len(orgs)})
}

// GetOrganization returns one tenant
// GET /api/v1/organizations/:orgId
func (h *Handler) GetOrganization(c *gin.Context) {
	orgID, ok := pathID(c, "orgId")
	if !ok {
		return
	}
	org, err := h.service.GetOrganization(c.Request.Context(), orgID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, org)
}

// GetProject returns one project in scope
// GET /api/v1/projects/:projectId
func (h *Handler) GetProject(c *gin.Context) {
	projectID, ok := pathID(c, "projectId")
	if !ok {
		return
	}
	project, err := h.service.GetProject(c.Request.Context(), scopeFrom(c), projectID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, project)
}

// CreateTeam groups members inside an organization
// POST /api/v1/teams
func (h *Handler) CreateTeam(c *gin.Context) {
	var req dto.CreateTeamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.BadRequest(err.Error()))
		return
	}

	team, err := h.service.CreateTeam(c.Request.Context(), scopeFrom(c), &models.Team{
		OrganizationID: req.OrganizationID,
		Name:           req.Name,
		Description:    req.Description,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, team)
}

// ListTeams returns the scope's teams
// GET /api/v1/teams
func (h *Handler) ListTeams(c *gin.Context) {
	teams, err := h.service.ListTeams(c.Request.Context(), scopeFrom(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"teams": teams, "count": len(teams)})
}

// CreateRole defines a named permission set
// POST /api/v1/roles
func (h *Handler) CreateRole(c *gin.Context) {
	var req dto.CreateRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.BadRequest(err.Error()))
		return
	}

	role, err := h.service.CreateRole(c.Request.Context(), scopeFrom(c), &models.Role{
		OrganizationID: req.OrganizationID,
		Name:           req.Name,
		Permissions:    req.Permissions,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, role)
}

// ListRoles returns the scope's roles
// GET /api/v1/roles
func (h *Handler) ListRoles(c *gin.Context) {
	roles, err := h.service.ListRoles(c.Request.Context(), scopeFrom(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"roles": roles, "count": len(roles)})
}

// CreateMembership links a user to an organization and roles
// POST /api/v1/memberships
func (h *Handler) CreateMembership(c *gin.Context) {
	var req dto.CreateMembershipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.BadRequest(err.Error()))
		return
	}

	membership, err := h.service.CreateMembership(c.Request.Context(), scopeFrom(c), &models.Membership{
		OrganizationID: req.OrganizationID,
		TeamID:         req.TeamID,
		UserID:         req.UserID,
		RoleIDs:        req.RoleIDs,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, membership)
}

// CheckPermission reports whether a user holds a permission in the scope's
// organization, honoring wildcard grants
// GET /api/v1/permissions/check
func (h *Handler) CheckPermission(c *gin.Context) {
	userID := c.Query("user_id")
	permission := c.Query("permission")
	if userID == "" || permission == "" {
		respondError(c, apperrors.BadRequest("user_id and permission are required"))
		return
	}

	allowed, err := h.service.HasPermission(c.Request.Context(), scopeFrom(c), userID, permission)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"allowed": allowed})
}

// ListMemberships returns the scope's memberships
// GET /api/v1/memberships
func (h *Handler) ListMemberships(c *gin.Context) {
	memberships, err := h.service.ListMemberships(c.Request.Context(), scopeFrom(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"memberships": memberships, "count": len(memberships)})
}
