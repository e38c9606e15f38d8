package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/huangang/issuehub/backend/internal/models"
	"github.com/huangang/issuehub/backend/internal/storage"
	"github.com/huangang/issuehub/backend/internal/utils"
	"github.com/huangang/issuehub/backend/pkg/logger"
	"github.com/huangang/issuehub/backend/pkg/response"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

type OrganizationService struct {
	db    *gorm.DB
	blobs storage.BlobStore
}

func NewOrganizationService(db *gorm.DB, blobs storage.BlobStore) *OrganizationService {
	return &OrganizationService{db: db, blobs: blobs}
}

type CreateOrganizationRequest struct {
	Name        string `json:"name" binding:"required,max=200"`
	Description string `json:"description"`
	LogoURL     string `json:"logo_url" binding:"omitempty,url"`
}

type UpdateOrganizationRequest struct {
	Name        *string `json:"name" binding:"omitempty,min=1,max=200"`
	Description *string `json:"description"`
	LogoURL     *string `json:"logo_url" binding:"omitempty,url"`
}

type OrganizationStats struct {
	MemberCount        int64 `json:"member_count"`
	ProjectCount       int64 `json:"project_count"`
	IssueCount         int64 `json:"issue_count"`
	OpenIssueCount     int64 `json:"open_issue_count"`
	PendingInvitations int64 `json:"pending_invitations"`
}

// uniqueSlug derives a slug from name, suffixing -2, -3... until free.
func uniqueSlug(tx *gorm.DB, name string) (string, error) {
	base := utils.Slugify(name)
	candidate := base
	for i := 2; ; i++ {
		var count int64
		if err := tx.Model(&models.Organization{}).Where("slug = ?", candidate).Count(&count).Error; err != nil {
			return "", err
		}
		if count == 0 {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s-%d", base, i)
	}
}

// createOrganizationFor creates an organization owned by user and links
// user to it as ADMIN. Callers provide the transaction.
func createOrganizationFor(tx *gorm.DB, user *models.User, name, description, logoURL string) (*models.Organization, error) {
	slug, err := uniqueSlug(tx, name)
	if err != nil {
		return nil, err
	}

	org := &models.Organization{
		Name:        name,
		Slug:        slug,
		Description: description,
		LogoURL:     logoURL,
		OwnerID:     user.ID,
		Status:      models.OrgStatusActive,
	}
	if err := tx.Create(org).Error; err != nil {
		if models.IsUniqueViolation(err) {
			return nil, response.NewConflict("organization slug already exists")
		}
		return nil, err
	}

	orgID := org.ID
	if err := tx.Model(user).Updates(map[string]interface{}{
		"organization_id": orgID,
		"role":            models.RoleAdmin,
	}).Error; err != nil {
		return nil, err
	}
	user.OrganizationID = &orgID
	user.Role = models.RoleAdmin
	return org, nil
}

// Create sets up an organization for a caller who has none.
func (s *OrganizationService) Create(caller *models.User, req *CreateOrganizationRequest) (*models.Organization, error) {
	if caller.OrganizationID != nil {
		return nil, response.NewConflict("user already belongs to an organization")
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, response.NewBadRequest("organization name is required")
	}

	var org *models.Organization
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var err error
		org, err = createOrganizationFor(tx, caller, name, req.Description, req.LogoURL)
		return err
	})
	if err != nil {
		return nil, err
	}

	LogInfo("organization", "create", fmt.Sprintf("organization %q created", org.Name), caller, map[string]interface{}{"organization_id": org.ID})
	return org, nil
}

func (s *OrganizationService) Current(caller *models.User) (*models.Organization, error) {
	return callerOrganization(s.db, caller)
}

func (s *OrganizationService) GetByID(caller *models.User, id uint) (*models.Organization, error) {
	return organizationFor(s.db, id, caller)
}

func (s *OrganizationService) GetBySlug(caller *models.User, slug string) (*models.Organization, error) {
	var org models.Organization
	if err := s.db.Where("slug = ?", slug).First(&org).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, response.NewNotFound("organization not found")
		}
		return nil, err
	}
	if err := RequireMembership(&org, caller); err != nil {
		return nil, err
	}
	return &org, nil
}

func (s *OrganizationService) Update(caller *models.User, id uint, req *UpdateOrganizationRequest) (*models.Organization, error) {
	org, err := organizationFor(s.db, id, caller)
	if err != nil {
		return nil, err
	}
	if err := RequireAdmin(org, caller); err != nil {
		return nil, err
	}

	updates := map[string]interface{}{}
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return nil, response.NewBadRequest("organization name is required")
		}
		updates["name"] = name
	}
	if req.Description != nil {
		updates["description"] = *req.Description
	}
	if req.LogoURL != nil {
		updates["logo_url"] = *req.LogoURL
	}
	if len(updates) == 0 {
		return org, nil
	}

	if err := s.db.Model(org).Updates(updates).Error; err != nil {
		return nil, err
	}
	LogInfo("organization", "update", "organization settings updated", caller, updates)
	return findOrganization(s.db, id)
}

func (s *OrganizationService) Archive(caller *models.User, id uint) (*models.Organization, error) {
	return s.setStatus(caller, id, models.OrgStatusArchived)
}

func (s *OrganizationService) Suspend(caller *models.User, id uint) (*models.Organization, error) {
	return s.setStatus(caller, id, models.OrgStatusSuspended)
}

func (s *OrganizationService) Reactivate(caller *models.User, id uint) (*models.Organization, error) {
	return s.setStatus(caller, id, models.OrgStatusActive)
}

func (s *OrganizationService) setStatus(caller *models.User, id uint, status string) (*models.Organization, error) {
	org, err := organizationFor(s.db, id, caller)
	if err != nil {
		return nil, err
	}
	if err := RequireOwner(org, caller); err != nil {
		return nil, err
	}
	if org.Status == status {
		return nil, response.NewInvalidState("organization is already " + strings.ToLower(status))
	}

	previous := org.Status
	if err := s.db.Model(org).Update("status", status).Error; err != nil {
		return nil, err
	}
	org.Status = status

	LogWarning("organization", "status", fmt.Sprintf("organization status %s -> %s", previous, status), caller, nil)
	return org, nil
}

// TransferOwnership hands org to another member, who becomes ADMIN. The
// previous owner stays a member with their current role.
func (s *OrganizationService) TransferOwnership(caller *models.User, id, newOwnerID uint) (*models.Organization, error) {
	var org *models.Organization
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var err error
		org, err = lockOrganizationFor(tx, id, caller)
		if err != nil {
			return err
		}
		if err := RequireOwner(org, caller); err != nil {
			return err
		}
		if newOwnerID == caller.ID {
			return response.NewBadRequest("user already owns this organization")
		}

		newOwner, err := orgMemberFor(tx, newOwnerID, org.ID)
		if err != nil {
			return err
		}
		if err := tx.Model(newOwner).Update("role", models.RoleAdmin).Error; err != nil {
			return err
		}
		if err := tx.Model(org).Update("owner_id", newOwner.ID).Error; err != nil {
			return err
		}
		org.OwnerID = newOwner.ID
		return nil
	})
	if err != nil {
		return nil, err
	}

	LogWarning("organization", "transfer_ownership", "ownership transferred", caller, map[string]interface{}{"new_owner_id": newOwnerID})
	return org, nil
}

// Stats runs the counts in parallel; they are independent reads.
func (s *OrganizationService) Stats(ctx context.Context, caller *models.User, id uint) (*OrganizationStats, error) {
	org, err := organizationFor(s.db, id, caller)
	if err != nil {
		return nil, err
	}

	var stats OrganizationStats
	db := s.db.WithContext(ctx)
	projectIDs := func() *gorm.DB {
		return db.Model(&models.Project{}).Select("id").Where("organization_id = ?", org.ID)
	}

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		return db.Model(&models.User{}).Where("organization_id = ?", org.ID).Count(&stats.MemberCount).Error
	})
	g.Go(func() error {
		return db.Model(&models.Project{}).Where("organization_id = ?", org.ID).Count(&stats.ProjectCount).Error
	})
	g.Go(func() error {
		return db.Model(&models.Issue{}).Where("project_id IN (?)", projectIDs()).Count(&stats.IssueCount).Error
	})
	g.Go(func() error {
		return db.Model(&models.Issue{}).
			Where("project_id IN (?) AND status <> ?", projectIDs(), models.IssueStatusDone).
			Count(&stats.OpenIssueCount).Error
	})
	g.Go(func() error {
		return db.Model(&models.Invitation{}).
			Where("organization_id = ? AND status = ?", org.ID, models.InvitationPending).
			Count(&stats.PendingInvitations).Error
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &stats, nil
}

func (s *OrganizationService) Members(caller *models.User, id uint, page, pageSize int) (*response.Page[models.User], error) {
	org, err := organizationFor(s.db, id, caller)
	if err != nil {
		return nil, err
	}
	page, pageSize = normalizePage(page, pageSize)

	query := s.db.Model(&models.User{}).Where("organization_id = ?", org.ID)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, err
	}
	var users []models.User
	if err := query.Order("id ASC").Offset((page - 1) * pageSize).Limit(pageSize).Find(&users).Error; err != nil {
		return nil, err
	}
	return &response.Page[models.User]{Total: total, Page: page, PageSize: pageSize, Items: users}, nil
}

// ChangeMemberRole never applies to the owner, whose authority does not
// come from the role.
func (s *OrganizationService) ChangeMemberRole(caller *models.User, orgID, userID uint, role string) (*models.User, error) {
	if !models.IsValidRole(role) {
		return nil, response.NewBadRequest("invalid role")
	}
	var target *models.User
	var previous string
	err := s.db.Transaction(func(tx *gorm.DB) error {
		org, err := lockOrganizationFor(tx, orgID, caller)
		if err != nil {
			return err
		}
		if err := RequireAdmin(org, caller); err != nil {
			return err
		}
		if userID == org.OwnerID {
			return accessDenied()
		}

		target, err = orgMemberFor(tx, userID, org.ID)
		if err != nil {
			return err
		}
		previous = target.Role
		if err := tx.Model(target).Update("role", role).Error; err != nil {
			return err
		}
		target.Role = role
		return nil
	})
	if err != nil {
		return nil, err
	}

	LogWarning("organization", "change_role", fmt.Sprintf("%s: %s -> %s", target.Username, previous, role), caller, nil)
	return target, nil
}

// RemoveMember detaches a user from org and drops their project
// memberships. The owner can never be removed.
func (s *OrganizationService) RemoveMember(caller *models.User, orgID, userID uint) error {
	var target *models.User
	err := s.db.Transaction(func(tx *gorm.DB) error {
		org, err := lockOrganizationFor(tx, orgID, caller)
		if err != nil {
			return err
		}
		if userID == org.OwnerID {
			return accessDenied()
		}
		if err := RequireAdmin(org, caller); err != nil {
			return err
		}
		target, err = orgMemberFor(tx, userID, org.ID)
		if err != nil {
			return err
		}
		return detachMember(tx, target, org.ID)
	})
	if err != nil {
		return err
	}

	LogWarning("organization", "remove_member", fmt.Sprintf("%s removed", target.Username), caller, nil)
	return nil
}

// detachMember clears user's organization and project memberships in org.
func detachMember(tx *gorm.DB, user *models.User, orgID uint) error {
	projectIDs := tx.Model(&models.Project{}).Select("id").Where("organization_id = ?", orgID)
	if err := tx.Where("user_id = ? AND project_id IN (?)", user.ID, projectIDs).Delete(&models.ProjectMember{}).Error; err != nil {
		return err
	}
	if err := tx.Model(user).Updates(map[string]interface{}{
		"organization_id": nil,
		"role":            models.RoleMember,
	}).Error; err != nil {
		return err
	}
	user.OrganizationID = nil
	user.Role = models.RoleMember
	return nil
}

// Delete removes org with its projects and invitations. Members are
// detached, not deleted.
func (s *OrganizationService) Delete(ctx context.Context, caller *models.User, id uint) error {
	org, err := organizationFor(s.db, id, caller)
	if err != nil {
		return err
	}
	if err := RequireOwner(org, caller); err != nil {
		return err
	}

	var blobKeys []string
	err = s.db.Transaction(func(tx *gorm.DB) error {
		var projectIDs []uint
		if err := tx.Model(&models.Project{}).Where("organization_id = ?", org.ID).Pluck("id", &projectIDs).Error; err != nil {
			return err
		}
		keys, err := deleteProjects(tx, projectIDs)
		if err != nil {
			return err
		}
		blobKeys = keys

		if err := tx.Where("organization_id = ?", org.ID).Delete(&models.Invitation{}).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.User{}).Where("organization_id = ?", org.ID).Updates(map[string]interface{}{
			"organization_id": nil,
			"role":            models.RoleMember,
		}).Error; err != nil {
			return err
		}
		return tx.Delete(org).Error
	})
	if err != nil {
		return err
	}

	caller.OrganizationID = nil
	caller.Role = models.RoleMember
	removeBlobs(ctx, s.blobs, blobKeys)
	LogWarning("organization", "delete", fmt.Sprintf("organization %q deleted", org.Name), caller, map[string]interface{}{"organization_id": org.ID})
	return nil
}

// removeBlobs deletes stored files after their rows are gone. Failures
// leave orphaned blobs and are only logged.
func removeBlobs(ctx context.Context, blobs storage.BlobStore, keys []string) {
	if blobs == nil {
		return
	}
	for _, key := range keys {
		if err := blobs.Delete(ctx, key); err != nil {
			logger.Warn().Err(err).Str("key", key).Msg("[Storage] failed to delete blob")
		}
	}
}
