package services

import (
	"github.com/huangang/issuehub/backend/internal/models"
	"github.com/huangang/issuehub/backend/pkg/response"
	"gorm.io/gorm"
)

// Activity actions.
const (
	ActivityCreated           = "CREATED"
	ActivityUpdated           = "UPDATED"
	ActivityStatusChanged     = "STATUS_CHANGED"
	ActivityPriorityChanged   = "PRIORITY_CHANGED"
	ActivityAssigned          = "ASSIGNED"
	ActivityUnassigned        = "UNASSIGNED"
	ActivityCommented         = "COMMENTED"
	ActivityAttachmentAdded   = "ATTACHMENT_ADDED"
	ActivityAttachmentRemoved = "ATTACHMENT_REMOVED"
)

// recordActivity appends to an issue's history inside the caller's
// transaction so the change and its log commit together.
func recordActivity(tx *gorm.DB, issueID, userID uint, action, field, oldValue, newValue string) error {
	return tx.Create(&models.ActivityLog{
		IssueID:   issueID,
		UserID:    userID,
		Action:    action,
		FieldName: field,
		OldValue:  oldValue,
		NewValue:  newValue,
	}).Error
}

type ActivityService struct {
	db *gorm.DB
}

func NewActivityService(db *gorm.DB) *ActivityService {
	return &ActivityService{db: db}
}

// ListForIssue returns the issue's history, oldest first.
func (s *ActivityService) ListForIssue(caller *models.User, issueID uint) ([]models.ActivityLog, error) {
	issue, _, err := issueFor(s.db, issueID, caller)
	if err != nil {
		return nil, err
	}
	return activitiesOf(s.db, issue.ID)
}

func activitiesOf(db *gorm.DB, issueID uint) ([]models.ActivityLog, error) {
	activities := make([]models.ActivityLog, 0)
	err := db.Preload("User").Where("issue_id = ?", issueID).Order("created_at ASC, id ASC").Find(&activities).Error
	return activities, err
}

// ListForUser returns a member's recent activity in the caller's
// organization, newest first.
func (s *ActivityService) ListForUser(caller *models.User, userID uint, page, pageSize int) (*response.Page[models.ActivityLog], error) {
	orgID, err := ScopeToOrganization(caller)
	if err != nil {
		return nil, err
	}
	if _, err := orgMemberFor(s.db, userID, orgID); err != nil {
		return nil, err
	}
	page, pageSize = normalizePage(page, pageSize)

	issueIDs := s.db.Model(&models.Issue{}).Select("issues.id").
		Joins("JOIN projects ON projects.id = issues.project_id").
		Where("projects.organization_id = ?", orgID)
	query := s.db.Model(&models.ActivityLog{}).
		Where("user_id = ? AND issue_id IN (?)", userID, issueIDs).
		Order("created_at DESC, id DESC")

	return paginate[models.ActivityLog](query, page, pageSize, "User")
}
