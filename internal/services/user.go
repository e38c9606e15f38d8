package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/huangang/issuehub/backend/internal/models"
	"github.com/huangang/issuehub/backend/internal/storage"
	"github.com/huangang/issuehub/backend/pkg/response"
	"gorm.io/gorm"
)

const MaxAvatarSize = 2 << 20

var allowedAvatarTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
}

type UserService struct {
	db    *gorm.DB
	blobs storage.BlobStore
}

func NewUserService(db *gorm.DB, blobs storage.BlobStore) *UserService {
	return &UserService{db: db, blobs: blobs}
}

type UserListRequest struct {
	Page     int    `form:"page"`
	PageSize int    `form:"page_size"`
	Role     string `form:"role"`
	IsActive *bool  `form:"is_active"`
	Search   string `form:"q"`
}

type UpdateProfileRequest struct {
	FirstName *string `json:"first_name" binding:"omitempty,max=50"`
	LastName  *string `json:"last_name" binding:"omitempty,max=50"`
	Email     *string `json:"email" binding:"omitempty,email,max=255"`
}

// Me reloads the caller so the response reflects the latest role and
// organization.
func (s *UserService) Me(caller *models.User) (*models.User, error) {
	var user models.User
	if err := s.db.First(&user, caller.ID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, response.NewNotFound("user not found")
		}
		return nil, err
	}
	return &user, nil
}

func (s *UserService) GetByID(caller *models.User, id uint) (*models.User, error) {
	if id == caller.ID {
		return s.Me(caller)
	}
	orgID, err := ScopeToOrganization(caller)
	if err != nil {
		return nil, err
	}
	return orgMemberFor(s.db, id, orgID)
}

// List returns members of the caller's organization.
func (s *UserService) List(caller *models.User, req *UserListRequest) (*response.Page[models.User], error) {
	orgID, err := ScopeToOrganization(caller)
	if err != nil {
		return nil, err
	}
	page, pageSize := normalizePage(req.Page, req.PageSize)

	query := s.db.Model(&models.User{}).Where("organization_id = ?", orgID)
	if req.Role != "" {
		query = query.Where("role = ?", req.Role)
	}
	if req.IsActive != nil {
		query = query.Where("is_active = ?", *req.IsActive)
	}
	if term := strings.TrimSpace(req.Search); term != "" {
		like := likePattern(term)
		query = query.Where("username LIKE ? OR email LIKE ? OR first_name LIKE ? OR last_name LIKE ?", like, like, like, like)
	}
	return paginate[models.User](query.Order("id ASC"), page, pageSize)
}

func (s *UserService) Search(caller *models.User, term string, page, pageSize int) (*response.Page[models.User], error) {
	return s.List(caller, &UserListRequest{Page: page, PageSize: pageSize, Search: term})
}

// profileTarget loads the user the caller wants to edit: themselves, or as
// ADMIN a member of their own organization.
func (s *UserService) profileTarget(caller *models.User, id uint) (*models.User, error) {
	var target *models.User
	var err error
	if id == caller.ID {
		target, err = s.Me(caller)
	} else {
		target, err = s.GetByID(caller, id)
	}
	if err != nil {
		return nil, err
	}
	if !CanActOnOwnResource(target.ID, caller) {
		return nil, accessDenied()
	}
	return target, nil
}

func (s *UserService) UpdateProfile(caller *models.User, id uint, req *UpdateProfileRequest) (*models.User, error) {
	target, err := s.profileTarget(caller, id)
	if err != nil {
		return nil, err
	}

	updates := map[string]interface{}{}
	if req.FirstName != nil {
		updates["first_name"] = strings.TrimSpace(*req.FirstName)
	}
	if req.LastName != nil {
		updates["last_name"] = strings.TrimSpace(*req.LastName)
	}
	if req.Email != nil {
		email := normalizeEmail(*req.Email)
		if email != target.Email {
			var count int64
			if err := s.db.Model(&models.User{}).Where("LOWER(email) = ? AND id <> ?", email, target.ID).Count(&count).Error; err != nil {
				return nil, err
			}
			if count > 0 {
				return nil, response.NewConflict("email already taken")
			}
			updates["email"] = email
		}
	}
	if len(updates) == 0 {
		return target, nil
	}
	if err := s.db.Model(target).Updates(updates).Error; err != nil {
		if models.IsUniqueViolation(err) {
			return nil, response.NewConflict("email already taken")
		}
		return nil, err
	}
	if err := s.db.First(target, target.ID).Error; err != nil {
		return nil, err
	}
	return target, nil
}

// UploadAvatar stores a new profile image and points the user at it.
func (s *UserService) UploadAvatar(ctx context.Context, caller *models.User, id uint, up *Upload) (*models.User, error) {
	if up.Size <= 0 {
		return nil, response.NewBadRequest("file is empty")
	}
	if up.Size > MaxAvatarSize {
		return nil, response.NewBadRequest("avatar exceeds the 2MB limit")
	}
	if !allowedAvatarTypes[up.ContentType] {
		return nil, response.NewBadRequest("avatar must be an image")
	}
	target, err := s.profileTarget(caller, id)
	if err != nil {
		return nil, err
	}

	key := storage.NewKey(fmt.Sprintf("avatars/%d", target.ID), up.FileName)
	url, err := s.blobs.Save(ctx, key, io.LimitReader(up.Body, MaxAvatarSize), up.ContentType)
	if err != nil {
		return nil, fmt.Errorf("store avatar: %w", err)
	}
	if err := s.db.Model(target).Update("avatar", url).Error; err != nil {
		removeBlobs(ctx, s.blobs, []string{key})
		return nil, err
	}
	target.Avatar = url
	return target, nil
}

// Deactivate disables a member's account and revokes their sessions. Only
// organization admins may do it, and never to the owner.
func (s *UserService) Deactivate(caller *models.User, id uint) error {
	return s.setActive(caller, id, false)
}

func (s *UserService) Activate(caller *models.User, id uint) error {
	return s.setActive(caller, id, true)
}

func (s *UserService) setActive(caller *models.User, id uint, active bool) error {
	org, err := callerOrganization(s.db, caller)
	if err != nil {
		return err
	}
	target, err := orgMemberFor(s.db, id, org.ID)
	if err != nil {
		return err
	}
	if target.ID == org.OwnerID {
		return accessDenied()
	}
	if err := RequireAdmin(org, caller); err != nil {
		return err
	}
	if target.IsActive == active {
		return nil
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(target).Update("is_active", active).Error; err != nil {
			return err
		}
		if active {
			return nil
		}
		return tx.Model(&models.RefreshToken{}).
			Where("user_id = ? AND revoked_at IS NULL", target.ID).
			Update("revoked_at", now()).Error
	})
	if err != nil {
		return err
	}

	action := "activate"
	if !active {
		action = "deactivate"
	}
	LogInfo("User", action, fmt.Sprintf("User %s %sd", target.Username, action), caller,
		map[string]interface{}{"user_id": target.ID})
	return nil
}
