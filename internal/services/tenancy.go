package services

import (
	"errors"

	"github.com/huangang/issuehub/backend/internal/metrics"
	"github.com/huangang/issuehub/backend/internal/models"
	"github.com/huangang/issuehub/backend/pkg/response"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrAccessDenied is the only error authorization checks return. It never
// says which check failed, so callers learn nothing about other tenants.
var ErrAccessDenied = response.NewForbidden("access denied")

func accessDenied() error {
	metrics.AccessDenied()
	return ErrAccessDenied
}

// RequireMembership fails unless user belongs to org. Every org-scoped read
// or write starts here.
func RequireMembership(org *models.Organization, user *models.User) error {
	if org == nil || !user.BelongsTo(org.ID) {
		return accessDenied()
	}
	return nil
}

// RequireAdmin allows the owner or an ADMIN of org. Roles are only
// meaningful inside the user's own organization, so membership is checked
// first.
func RequireAdmin(org *models.Organization, user *models.User) error {
	if err := RequireMembership(org, user); err != nil {
		return err
	}
	if user.ID == org.OwnerID || user.Role == models.RoleAdmin {
		return nil
	}
	return accessDenied()
}

// RequireOwner allows only org's owner.
func RequireOwner(org *models.Organization, user *models.User) error {
	if err := RequireMembership(org, user); err != nil {
		return err
	}
	if user.ID != org.OwnerID {
		return accessDenied()
	}
	return nil
}

// ScopeToOrganization returns the tenant every listing for user must be
// filtered by. Users without an organization see nothing.
func ScopeToOrganization(user *models.User) (uint, error) {
	if user == nil || user.OrganizationID == nil {
		return 0, accessDenied()
	}
	return *user.OrganizationID, nil
}

// CanActOnOwnResource governs self-service edits: the resource owner or any
// ADMIN. It does not consult organization ownership.
func CanActOnOwnResource(resourceOwnerID uint, user *models.User) bool {
	if user == nil {
		return false
	}
	return resourceOwnerID == user.ID || user.Role == models.RoleAdmin
}

// --- tenant-checked loaders ---
//
// Primary-key lookups do no tenant filtering, so each loader fetches first
// (unknown id is NotFound for every caller) and then checks membership
// (existing id in another tenant is AccessDenied).

func findOrganization(db *gorm.DB, id uint) (*models.Organization, error) {
	var org models.Organization
	if err := db.First(&org, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, response.NewNotFound("organization not found")
		}
		return nil, err
	}
	return &org, nil
}

func organizationFor(db *gorm.DB, id uint, caller *models.User) (*models.Organization, error) {
	org, err := findOrganization(db, id)
	if err != nil {
		return nil, err
	}
	if err := RequireMembership(org, caller); err != nil {
		return nil, err
	}
	return org, nil
}

// lockOrganizationFor is organizationFor for use inside tx: the row stays
// locked until tx ends, so ownership cannot move underneath the caller.
// sqlite has no row locks and serializes writers instead.
func lockOrganizationFor(tx *gorm.DB, id uint, caller *models.User) (*models.Organization, error) {
	return organizationFor(tx.Clauses(clause.Locking{Strength: "UPDATE"}), id, caller)
}

// callerOrganization loads the caller's own organization.
func callerOrganization(db *gorm.DB, caller *models.User) (*models.Organization, error) {
	orgID, err := ScopeToOrganization(caller)
	if err != nil {
		return nil, err
	}
	return organizationFor(db, orgID, caller)
}

func projectFor(db *gorm.DB, id uint, caller *models.User) (*models.Project, error) {
	var project models.Project
	if err := db.First(&project, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, response.NewNotFound("project not found")
		}
		return nil, err
	}
	if !caller.BelongsTo(project.OrganizationID) {
		return nil, accessDenied()
	}
	return &project, nil
}

func issueFor(db *gorm.DB, id uint, caller *models.User) (*models.Issue, *models.Project, error) {
	var issue models.Issue
	if err := db.First(&issue, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, response.NewNotFound("issue not found")
		}
		return nil, nil, err
	}
	project, err := projectFor(db, issue.ProjectID, caller)
	if err != nil {
		return nil, nil, err
	}
	return &issue, project, nil
}

// orgMemberFor loads a user who must belong to orgID.
func orgMemberFor(db *gorm.DB, userID, orgID uint) (*models.User, error) {
	var user models.User
	if err := db.First(&user, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, response.NewNotFound("user not found")
		}
		return nil, err
	}
	if !user.BelongsTo(orgID) {
		return nil, accessDenied()
	}
	return &user, nil
}

// requireActive rejects new content in suspended or archived organizations.
func requireActive(org *models.Organization) error {
	if !org.IsActive() {
		return response.NewInvalidState("organization is not active")
	}
	return nil
}
