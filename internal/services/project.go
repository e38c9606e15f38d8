package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/huangang/issuehub/backend/internal/models"
	"github.com/huangang/issuehub/backend/internal/storage"
	"github.com/huangang/issuehub/backend/pkg/response"
	"gorm.io/gorm"
)

var projectKeyPattern = regexp.MustCompile(`^[A-Z]{2,10}$`)

type ProjectService struct {
	db       *gorm.DB
	blobs    storage.BlobStore
	notifier Notifier
	baseURL  string
}

func NewProjectService(db *gorm.DB, blobs storage.BlobStore, notifier Notifier, baseURL string) *ProjectService {
	return &ProjectService{db: db, blobs: blobs, notifier: notifier, baseURL: strings.TrimSuffix(baseURL, "/")}
}

type ProjectListRequest struct {
	Page     int    `form:"page" binding:"omitempty,min=1"`
	PageSize int    `form:"page_size" binding:"omitempty,min=1,max=100"`
	Name     string `form:"name"`
	Status   string `form:"status" binding:"omitempty,oneof=ACTIVE ON_HOLD ARCHIVED"`
	OwnerID  uint   `form:"owner_id"`
}

type CreateProjectRequest struct {
	Name        string `json:"name" binding:"required,max=100"`
	Key         string `json:"key" binding:"required,min=2,max=10"`
	Description string `json:"description"`
	Status      string `json:"status" binding:"omitempty,oneof=ACTIVE ON_HOLD ARCHIVED"`
}

// UpdateProjectRequest has no key: issue keys embed it.
type UpdateProjectRequest struct {
	Name        *string `json:"name" binding:"omitempty,min=1,max=100"`
	Description *string `json:"description"`
	Status      *string `json:"status" binding:"omitempty,oneof=ACTIVE ON_HOLD ARCHIVED"`
}

type AddProjectMemberRequest struct {
	UserID uint   `json:"user_id" binding:"required"`
	Role   string `json:"role" binding:"omitempty,oneof=LEAD MEMBER VIEWER"`
}

type ProjectDetail struct {
	models.Project
	OwnerName  string                 `json:"owner_name"`
	Members    []models.ProjectMember `json:"members"`
	IssueCount int64                  `json:"issue_count"`
}

// canManageProject allows the project owner and the organization's owner,
// admins and managers.
func canManageProject(tx *gorm.DB, project *models.Project, caller *models.User) error {
	if caller.ID == project.OwnerID && caller.BelongsTo(project.OrganizationID) {
		return nil
	}
	org, err := organizationFor(tx, project.OrganizationID, caller)
	if err != nil {
		return err
	}
	if caller.Role == models.RoleManager {
		return nil
	}
	return RequireAdmin(org, caller)
}

func (s *ProjectService) Create(caller *models.User, req *CreateProjectRequest) (*models.Project, error) {
	key := strings.ToUpper(strings.TrimSpace(req.Key))
	if !projectKeyPattern.MatchString(key) {
		return nil, response.NewBadRequest("project key must be 2 to 10 letters")
	}
	status := req.Status
	if status == "" {
		status = models.ProjectStatusActive
	}

	org, err := callerOrganization(s.db, caller)
	if err != nil {
		return nil, err
	}
	if err := requireActive(org); err != nil {
		return nil, err
	}

	project := &models.Project{
		OrganizationID: org.ID,
		Key:            key,
		Name:           strings.TrimSpace(req.Name),
		Description:    req.Description,
		Status:         status,
		OwnerID:        caller.ID,
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(project).Error; err != nil {
			if models.IsUniqueViolation(err) {
				return response.NewConflict("project key already exists")
			}
			return err
		}
		return tx.Create(&models.ProjectMember{
			ProjectID: project.ID,
			UserID:    caller.ID,
			Role:      models.ProjectRoleLead,
		}).Error
	})
	if err != nil {
		return nil, err
	}
	return project, nil
}

func (s *ProjectService) List(caller *models.User, req *ProjectListRequest) (*response.Page[models.Project], error) {
	orgID, err := ScopeToOrganization(caller)
	if err != nil {
		return nil, err
	}
	page, pageSize := normalizePage(req.Page, req.PageSize)

	query := s.db.Model(&models.Project{}).Where("organization_id = ?", orgID)
	if req.Name != "" {
		query = query.Where("name LIKE ?", likePattern(req.Name))
	}
	if req.Status != "" {
		query = query.Where("status = ?", req.Status)
	}
	if req.OwnerID != 0 {
		query = query.Where("owner_id = ?", req.OwnerID)
	}

	return paginate[models.Project](query.Order("created_at DESC"), page, pageSize)
}

// Search matches name, key or description.
func (s *ProjectService) Search(caller *models.User, term string, page, pageSize int) (*response.Page[models.Project], error) {
	orgID, err := ScopeToOrganization(caller)
	if err != nil {
		return nil, err
	}
	page, pageSize = normalizePage(page, pageSize)

	like := likePattern(term)
	query := s.db.Model(&models.Project{}).
		Where("organization_id = ?", orgID).
		Where("name LIKE ? OR project_key LIKE ? OR description LIKE ?", like, like, like)

	return paginate[models.Project](query.Order("name ASC"), page, pageSize)
}

func (s *ProjectService) GetByID(caller *models.User, id uint) (*ProjectDetail, error) {
	project, err := projectFor(s.db, id, caller)
	if err != nil {
		return nil, err
	}
	return s.detail(project)
}

func (s *ProjectService) GetByKey(caller *models.User, key string) (*ProjectDetail, error) {
	orgID, err := ScopeToOrganization(caller)
	if err != nil {
		return nil, err
	}
	var project models.Project
	err = s.db.Where("organization_id = ? AND project_key = ?", orgID, strings.ToUpper(key)).First(&project).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, response.NewNotFound("project not found")
		}
		return nil, err
	}
	return s.detail(&project)
}

func (s *ProjectService) detail(project *models.Project) (*ProjectDetail, error) {
	d := &ProjectDetail{Project: *project}

	var owner models.User
	if err := s.db.Select("id", "username", "first_name", "last_name").First(&owner, project.OwnerID).Error; err == nil {
		d.OwnerName = owner.FullName()
	}
	if err := s.db.Preload("User").Where("project_id = ?", project.ID).Order("id ASC").Find(&d.Members).Error; err != nil {
		return nil, err
	}
	if err := s.db.Model(&models.Issue{}).Where("project_id = ?", project.ID).Count(&d.IssueCount).Error; err != nil {
		return nil, err
	}
	return d, nil
}

func (s *ProjectService) Update(caller *models.User, id uint, req *UpdateProjectRequest) (*models.Project, error) {
	project, err := projectFor(s.db, id, caller)
	if err != nil {
		return nil, err
	}
	if err := canManageProject(s.db, project, caller); err != nil {
		return nil, err
	}

	updates := map[string]interface{}{}
	if req.Name != nil {
		updates["name"] = strings.TrimSpace(*req.Name)
	}
	if req.Description != nil {
		updates["description"] = *req.Description
	}
	if req.Status != nil {
		if !models.IsValidProjectStatus(*req.Status) {
			return nil, response.NewBadRequest("invalid project status")
		}
		updates["status"] = *req.Status
	}
	if len(updates) > 0 {
		if err := s.db.Model(project).Updates(updates).Error; err != nil {
			return nil, err
		}
	}
	if err := s.db.First(project, project.ID).Error; err != nil {
		return nil, err
	}
	return project, nil
}

// Delete removes the project with its issues and their files.
func (s *ProjectService) Delete(ctx context.Context, caller *models.User, id uint) error {
	project, err := projectFor(s.db, id, caller)
	if err != nil {
		return err
	}
	if err := canManageProject(s.db, project, caller); err != nil {
		return err
	}

	var blobKeys []string
	err = s.db.Transaction(func(tx *gorm.DB) error {
		blobKeys, err = deleteProjects(tx, []uint{project.ID})
		return err
	})
	if err != nil {
		return err
	}

	removeBlobs(ctx, s.blobs, blobKeys)
	LogWarning("project", "delete", fmt.Sprintf("project %s deleted", project.Key), caller, map[string]interface{}{"project_id": project.ID})
	return nil
}

// deleteProjects removes projects and everything under them. It returns
// the storage keys of deleted attachments for cleanup after commit.
func deleteProjects(tx *gorm.DB, projectIDs []uint) ([]string, error) {
	if len(projectIDs) == 0 {
		return nil, nil
	}

	var issueIDs []uint
	if err := tx.Model(&models.Issue{}).Where("project_id IN ?", projectIDs).Pluck("id", &issueIDs).Error; err != nil {
		return nil, err
	}

	var keys []string
	if len(issueIDs) > 0 {
		if err := tx.Model(&models.Attachment{}).Where("issue_id IN ?", issueIDs).Pluck("storage_key", &keys).Error; err != nil {
			return nil, err
		}
		for _, model := range []interface{}{&models.Attachment{}, &models.Comment{}, &models.ActivityLog{}} {
			if err := tx.Where("issue_id IN ?", issueIDs).Delete(model).Error; err != nil {
				return nil, err
			}
		}
		if err := tx.Where("id IN ?", issueIDs).Delete(&models.Issue{}).Error; err != nil {
			return nil, err
		}
	}

	if err := tx.Where("project_id IN ?", projectIDs).Delete(&models.ProjectMember{}).Error; err != nil {
		return nil, err
	}
	if err := tx.Where("id IN ?", projectIDs).Delete(&models.Project{}).Error; err != nil {
		return nil, err
	}
	return keys, nil
}

func (s *ProjectService) Members(caller *models.User, projectID uint) ([]models.ProjectMember, error) {
	project, err := projectFor(s.db, projectID, caller)
	if err != nil {
		return nil, err
	}
	var members []models.ProjectMember
	if err := s.db.Preload("User").Where("project_id = ?", project.ID).Order("id ASC").Find(&members).Error; err != nil {
		return nil, err
	}
	return members, nil
}

// AddMember adds an organization member to the project.
func (s *ProjectService) AddMember(ctx context.Context, caller *models.User, projectID uint, req *AddProjectMemberRequest) (*models.ProjectMember, error) {
	role := req.Role
	if role == "" {
		role = models.ProjectRoleMember
	}
	if !models.IsValidProjectRole(role) {
		return nil, response.NewBadRequest("invalid project role")
	}

	project, err := projectFor(s.db, projectID, caller)
	if err != nil {
		return nil, err
	}
	if err := canManageProject(s.db, project, caller); err != nil {
		return nil, err
	}
	user, err := orgMemberFor(s.db, req.UserID, project.OrganizationID)
	if err != nil {
		return nil, err
	}

	member := &models.ProjectMember{ProjectID: project.ID, UserID: user.ID, Role: role}
	if err := s.db.Create(member).Error; err != nil {
		if models.IsUniqueViolation(err) {
			return nil, response.NewConflict("user is already a project member")
		}
		return nil, err
	}
	member.User = user

	s.notifier.Notify(ctx, &Notification{
		Kind:   NotifyMemberAdded,
		Topics: []string{UserTopic(user.ID)},
		Emails: []string{user.Email},
		Data: map[string]string{
			"actor":   caller.FullName(),
			"project": project.Name,
			"role":    role,
			"link":    fmt.Sprintf("%s/projects/%d", s.baseURL, project.ID),
		},
		Payload: payloadOf(member),
	})
	return member, nil
}

func (s *ProjectService) UpdateMemberRole(caller *models.User, projectID, userID uint, role string) (*models.ProjectMember, error) {
	if !models.IsValidProjectRole(role) {
		return nil, response.NewBadRequest("invalid project role")
	}
	project, err := projectFor(s.db, projectID, caller)
	if err != nil {
		return nil, err
	}
	if err := canManageProject(s.db, project, caller); err != nil {
		return nil, err
	}

	member, err := findProjectMember(s.db, project.ID, userID)
	if err != nil {
		return nil, err
	}
	if err := s.db.Model(member).Update("role", role).Error; err != nil {
		return nil, err
	}
	return member, nil
}

// RemoveMember never removes the project owner.
func (s *ProjectService) RemoveMember(caller *models.User, projectID, userID uint) error {
	project, err := projectFor(s.db, projectID, caller)
	if err != nil {
		return err
	}
	if err := canManageProject(s.db, project, caller); err != nil {
		return err
	}
	if userID == project.OwnerID {
		return accessDenied()
	}

	member, err := findProjectMember(s.db, project.ID, userID)
	if err != nil {
		return err
	}
	return s.db.Delete(member).Error
}

func findProjectMember(db *gorm.DB, projectID, userID uint) (*models.ProjectMember, error) {
	var member models.ProjectMember
	if err := db.Where("project_id = ? AND user_id = ?", projectID, userID).First(&member).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, response.NewNotFound("project member not found")
		}
		return nil, err
	}
	return &member, nil
}

// paginate counts query and loads one page of it with the given
// associations preloaded.
func paginate[T any](query *gorm.DB, page, pageSize int, preloads ...string) (*response.Page[T], error) {
	var total int64
	if err := query.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, err
	}
	find := query.Offset((page - 1) * pageSize).Limit(pageSize)
	for _, p := range preloads {
		find = find.Preload(p)
	}
	items := make([]T, 0)
	if err := find.Find(&items).Error; err != nil {
		return nil, err
	}
	return &response.Page[T]{Total: total, Page: page, PageSize: pageSize, Items: items}, nil
}
