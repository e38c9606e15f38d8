package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/huangang/issuehub/backend/internal/metrics"
	"github.com/huangang/issuehub/backend/internal/models"
	"github.com/huangang/issuehub/backend/internal/storage"
	"github.com/huangang/issuehub/backend/pkg/logger"
	"github.com/huangang/issuehub/backend/pkg/response"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// maxIssueNumberAttempts bounds retries when concurrent creates in one
// project pick the same number.
const maxIssueNumberAttempts = 5

type IssueService struct {
	db       *gorm.DB
	blobs    storage.BlobStore
	notifier Notifier
	baseURL  string
}

func NewIssueService(db *gorm.DB, blobs storage.BlobStore, notifier Notifier, baseURL string) *IssueService {
	return &IssueService{db: db, blobs: blobs, notifier: notifier, baseURL: strings.TrimSuffix(baseURL, "/")}
}

type CreateIssueRequest struct {
	Title       string     `json:"title" binding:"required,max=300"`
	Description string     `json:"description"`
	Type        string     `json:"type" binding:"omitempty,oneof=TASK BUG STORY EPIC"`
	Priority    string     `json:"priority" binding:"omitempty,oneof=LOW MEDIUM HIGH CRITICAL"`
	AssigneeID  *uint      `json:"assignee_id"`
	DueDate     *time.Time `json:"due_date"`
}

type UpdateIssueRequest struct {
	Title       *string    `json:"title" binding:"omitempty,min=1,max=300"`
	Description *string    `json:"description"`
	Type        *string    `json:"type" binding:"omitempty,oneof=TASK BUG STORY EPIC"`
	Status      *string    `json:"status" binding:"omitempty,oneof=TODO IN_PROGRESS IN_REVIEW DONE"`
	Priority    *string    `json:"priority" binding:"omitempty,oneof=LOW MEDIUM HIGH CRITICAL"`
	DueDate     *time.Time `json:"due_date"`
}

type IssueListRequest struct {
	Page       int    `form:"page" binding:"omitempty,min=1"`
	PageSize   int    `form:"page_size" binding:"omitempty,min=1,max=100"`
	ProjectID  uint   `form:"project_id"`
	Status     string `form:"status" binding:"omitempty,oneof=TODO IN_PROGRESS IN_REVIEW DONE"`
	Priority   string `form:"priority" binding:"omitempty,oneof=LOW MEDIUM HIGH CRITICAL"`
	Type       string `form:"type" binding:"omitempty,oneof=TASK BUG STORY EPIC"`
	AssigneeID uint   `form:"assignee_id"`
	ReporterID uint   `form:"reporter_id"`
	Search     string `form:"q"`
}

type IssueDetail struct {
	models.Issue
	ProjectKey  string               `json:"project_key"`
	ProjectName string               `json:"project_name"`
	Comments    []models.Comment     `json:"comments"`
	Attachments []models.Attachment  `json:"attachments"`
	Activities  []models.ActivityLog `json:"activities"`
}

func issueKey(projectKey string, number int) string {
	return fmt.Sprintf("%s-%d", projectKey, number)
}

// parseIssueKey splits "WEB-12" into its project key and number.
func parseIssueKey(key string) (string, int, bool) {
	idx := strings.LastIndex(key, "-")
	if idx <= 0 || idx == len(key)-1 {
		return "", 0, false
	}
	n, err := strconv.Atoi(key[idx+1:])
	if err != nil || n <= 0 {
		return "", 0, false
	}
	return strings.ToUpper(key[:idx]), n, true
}

// nextIssueNumber bumps the project's high-water counter inside tx and
// returns the new value. The UPDATE takes the project row's write lock, so
// concurrent creates in one project queue behind each other. Rows numbered
// before the counter existed are still respected.
func nextIssueNumber(tx *gorm.DB, projectID uint) (int, error) {
	res := tx.Model(&models.Project{}).
		Where("id = ?", projectID).
		UpdateColumn("last_issue_number", gorm.Expr("last_issue_number + 1"))
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		return 0, response.NewNotFound("project not found")
	}

	var number int
	if err := tx.Model(&models.Project{}).
		Where("id = ?", projectID).
		Select("last_issue_number").
		Scan(&number).Error; err != nil {
		return 0, err
	}

	var maxNumber int
	if err := tx.Model(&models.Issue{}).
		Where("project_id = ?", projectID).
		Select("COALESCE(MAX(issue_number), 0)").
		Scan(&maxNumber).Error; err != nil {
		return 0, err
	}
	if maxNumber < number {
		return number, nil
	}
	number = maxNumber + 1
	err := tx.Model(&models.Project{}).
		Where("id = ?", projectID).
		UpdateColumn("last_issue_number", number).Error
	return number, err
}

// Create takes the next number from the project's counter within the
// insert's transaction. The (project_id, issue_number) index rejects a
// racing duplicate, and a duplicate or a busy sqlite lock retries the
// whole transaction.
func (s *IssueService) Create(ctx context.Context, caller *models.User, projectID uint, req *CreateIssueRequest) (*models.Issue, error) {
	project, err := projectFor(s.db, projectID, caller)
	if err != nil {
		return nil, err
	}
	org, err := findOrganization(s.db, project.OrganizationID)
	if err != nil {
		return nil, err
	}
	if err := requireActive(org); err != nil {
		return nil, err
	}
	if project.Status == models.ProjectStatusArchived {
		return nil, response.NewInvalidState("project is archived")
	}

	var assignee *models.User
	if req.AssigneeID != nil {
		if assignee, err = orgMemberFor(s.db, *req.AssigneeID, org.ID); err != nil {
			return nil, err
		}
	}

	issueType := req.Type
	if issueType == "" {
		issueType = models.IssueTypeTask
	}
	priority := req.Priority
	if priority == "" {
		priority = models.PriorityMedium
	}

	var issue *models.Issue
	for attempt := 1; ; attempt++ {
		issue = &models.Issue{
			ProjectID:   project.ID,
			Title:       strings.TrimSpace(req.Title),
			Description: req.Description,
			Type:        issueType,
			Status:      models.IssueStatusTodo,
			Priority:    priority,
			ReporterID:  caller.ID,
			AssigneeID:  req.AssigneeID,
			DueDate:     req.DueDate,
		}

		err = s.db.Transaction(func(tx *gorm.DB) error {
			number, err := nextIssueNumber(tx, project.ID)
			if err != nil {
				return err
			}
			issue.IssueNumber = number
			issue.IssueKey = issueKey(project.Key, number)

			if err := tx.Create(issue).Error; err != nil {
				return err
			}
			return recordActivity(tx, issue.ID, caller.ID, ActivityCreated, "", "", issue.IssueKey)
		})
		if err == nil {
			break
		}
		if !models.IsUniqueViolation(err) && !models.IsBusy(err) {
			return nil, err
		}
		if attempt == maxIssueNumberAttempts {
			logger.Warn().Uint("project_id", project.ID).Msg("[Issue] gave up allocating issue number")
			return nil, response.NewConflict("could not allocate an issue number, please retry")
		}
		metrics.IssueNumberRetry()
	}

	metrics.IssueCreated()
	issue.Reporter = caller
	issue.Assignee = assignee

	s.notifier.Notify(ctx, &Notification{
		Kind:    NotifyIssueCreated,
		Topics:  []string{ProjectTopic(project.ID)},
		Payload: payloadOf(issue),
	})
	if assignee != nil && assignee.ID != caller.ID {
		s.notifyAssigned(ctx, caller, issue, assignee)
	}
	return issue, nil
}

func (s *IssueService) GetByID(caller *models.User, id uint) (*models.Issue, error) {
	issue, _, err := issueFor(s.db, id, caller)
	if err != nil {
		return nil, err
	}
	return issue, s.loadPeople(issue)
}

func (s *IssueService) GetByKey(caller *models.User, key string) (*models.Issue, error) {
	orgID, err := ScopeToOrganization(caller)
	if err != nil {
		return nil, err
	}
	projectKey, number, ok := parseIssueKey(key)
	if !ok {
		return nil, response.NewBadRequest("invalid issue key")
	}

	var issue models.Issue
	err = s.db.Model(&models.Issue{}).
		Joins("JOIN projects ON projects.id = issues.project_id").
		Where("projects.organization_id = ? AND projects.project_key = ? AND issues.issue_number = ?", orgID, projectKey, number).
		First(&issue).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, response.NewNotFound("issue not found")
		}
		return nil, err
	}
	return &issue, s.loadPeople(&issue)
}

func (s *IssueService) loadPeople(issue *models.Issue) error {
	var reporter models.User
	if err := s.db.First(&reporter, issue.ReporterID).Error; err == nil {
		issue.Reporter = &reporter
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	if issue.AssigneeID != nil {
		var assignee models.User
		if err := s.db.First(&assignee, *issue.AssigneeID).Error; err == nil {
			issue.Assignee = &assignee
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
	}
	return nil
}

// Detail loads the issue with its comments, attachments and history.
func (s *IssueService) Detail(ctx context.Context, caller *models.User, id uint) (*IssueDetail, error) {
	issue, project, err := issueFor(s.db, id, caller)
	if err != nil {
		return nil, err
	}
	if err := s.loadPeople(issue); err != nil {
		return nil, err
	}

	d := &IssueDetail{Issue: *issue, ProjectKey: project.Key, ProjectName: project.Name}
	db := s.db.WithContext(ctx)

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		d.Comments = make([]models.Comment, 0)
		return db.Preload("Author").Where("issue_id = ?", issue.ID).Order("created_at ASC, id ASC").Find(&d.Comments).Error
	})
	g.Go(func() error {
		d.Attachments = make([]models.Attachment, 0)
		return db.Where("issue_id = ?", issue.ID).Order("created_at ASC, id ASC").Find(&d.Attachments).Error
	})
	g.Go(func() error {
		var err error
		d.Activities, err = activitiesOf(db, issue.ID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return d, nil
}

// List is always confined to the caller's organization.
func (s *IssueService) List(caller *models.User, req *IssueListRequest) (*response.Page[models.Issue], error) {
	orgID, err := ScopeToOrganization(caller)
	if err != nil {
		return nil, err
	}
	if req.ProjectID != 0 {
		if _, err := projectFor(s.db, req.ProjectID, caller); err != nil {
			return nil, err
		}
	}
	page, pageSize := normalizePage(req.Page, req.PageSize)

	query := s.scoped(orgID)
	if req.ProjectID != 0 {
		query = query.Where("project_id = ?", req.ProjectID)
	}
	if req.Status != "" {
		query = query.Where("status = ?", req.Status)
	}
	if req.Priority != "" {
		query = query.Where("priority = ?", req.Priority)
	}
	if req.Type != "" {
		query = query.Where("type = ?", req.Type)
	}
	if req.AssigneeID != 0 {
		query = query.Where("assignee_id = ?", req.AssigneeID)
	}
	if req.ReporterID != 0 {
		query = query.Where("reporter_id = ?", req.ReporterID)
	}
	if req.Search != "" {
		like := likePattern(req.Search)
		query = query.Where("title LIKE ? OR description LIKE ? OR issue_key LIKE ?", like, like, like)
	}

	return paginate[models.Issue](query.Order("created_at DESC, id DESC"), page, pageSize, "Reporter", "Assignee")
}

// Search matches title, description or key across the caller's projects.
func (s *IssueService) Search(caller *models.User, term string, page, pageSize int) (*response.Page[models.Issue], error) {
	return s.List(caller, &IssueListRequest{Page: page, PageSize: pageSize, Search: term})
}

func (s *IssueService) scoped(orgID uint) *gorm.DB {
	projectIDs := s.db.Model(&models.Project{}).Select("id").Where("organization_id = ?", orgID)
	return s.db.Model(&models.Issue{}).Where("project_id IN (?)", projectIDs)
}

type fieldChange struct {
	field, oldValue, newValue string
}

// Update applies the given fields and writes one activity row per field
// that actually changed.
func (s *IssueService) Update(ctx context.Context, caller *models.User, id uint, req *UpdateIssueRequest) (*models.Issue, error) {
	issue, project, err := issueFor(s.db, id, caller)
	if err != nil {
		return nil, err
	}

	updates := map[string]interface{}{}
	var changes []fieldChange
	set := func(column, oldValue, newValue string) {
		if oldValue == newValue {
			return
		}
		updates[column] = newValue
		changes = append(changes, fieldChange{column, oldValue, newValue})
	}

	if req.Title != nil {
		set("title", issue.Title, strings.TrimSpace(*req.Title))
	}
	if req.Description != nil {
		set("description", issue.Description, *req.Description)
	}
	if req.Type != nil {
		set("type", issue.Type, *req.Type)
	}
	if req.Status != nil {
		set("status", issue.Status, *req.Status)
	}
	if req.Priority != nil {
		set("priority", issue.Priority, *req.Priority)
	}
	if req.DueDate != nil {
		oldDue := ""
		if issue.DueDate != nil {
			oldDue = issue.DueDate.Format(time.RFC3339)
		}
		if newDue := req.DueDate.Format(time.RFC3339); newDue != oldDue {
			updates["due_date"] = *req.DueDate
			changes = append(changes, fieldChange{"due_date", oldDue, newDue})
		}
	}
	if len(changes) == 0 {
		return issue, s.loadPeople(issue)
	}

	oldStatus := issue.Status
	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(issue).Updates(updates).Error; err != nil {
			return err
		}
		for _, c := range changes {
			action := ActivityUpdated
			switch c.field {
			case "status":
				action = ActivityStatusChanged
			case "priority":
				action = ActivityPriorityChanged
			}
			if err := recordActivity(tx, issue.ID, caller.ID, action, c.field, c.oldValue, c.newValue); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	issue, err = s.reload(issue.ID)
	if err != nil {
		return nil, err
	}
	s.notifier.Notify(ctx, &Notification{
		Kind:    NotifyIssueUpdated,
		Topics:  []string{ProjectTopic(project.ID)},
		Payload: payloadOf(issue),
	})
	if issue.Status != oldStatus {
		s.notifyStatusChanged(ctx, caller, issue, oldStatus)
	}
	return issue, nil
}

func (s *IssueService) UpdateStatus(ctx context.Context, caller *models.User, id uint, status string) (*models.Issue, error) {
	if !models.IsValidIssueStatus(status) {
		return nil, response.NewBadRequest("invalid issue status")
	}
	return s.Update(ctx, caller, id, &UpdateIssueRequest{Status: &status})
}

func (s *IssueService) UpdatePriority(ctx context.Context, caller *models.User, id uint, priority string) (*models.Issue, error) {
	if !models.IsValidPriority(priority) {
		return nil, response.NewBadRequest("invalid priority")
	}
	return s.Update(ctx, caller, id, &UpdateIssueRequest{Priority: &priority})
}

// Assign sets or, with a nil assigneeID, clears the assignee. The assignee
// must belong to the issue's organization.
func (s *IssueService) Assign(ctx context.Context, caller *models.User, id uint, assigneeID *uint) (*models.Issue, error) {
	issue, project, err := issueFor(s.db, id, caller)
	if err != nil {
		return nil, err
	}

	var assignee *models.User
	if assigneeID != nil {
		if assignee, err = orgMemberFor(s.db, *assigneeID, project.OrganizationID); err != nil {
			return nil, err
		}
	}

	oldValue, newValue := "", ""
	if issue.AssigneeID != nil {
		oldValue = strconv.FormatUint(uint64(*issue.AssigneeID), 10)
	}
	if assigneeID != nil {
		newValue = strconv.FormatUint(uint64(*assigneeID), 10)
	}
	if oldValue == newValue {
		return issue, s.loadPeople(issue)
	}

	action := ActivityAssigned
	if assigneeID == nil {
		action = ActivityUnassigned
	}
	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(issue).Update("assignee_id", assigneeID).Error; err != nil {
			return err
		}
		return recordActivity(tx, issue.ID, caller.ID, action, "assignee_id", oldValue, newValue)
	})
	if err != nil {
		return nil, err
	}

	issue, err = s.reload(issue.ID)
	if err != nil {
		return nil, err
	}
	s.notifier.Notify(ctx, &Notification{
		Kind:    NotifyIssueUpdated,
		Topics:  []string{ProjectTopic(project.ID)},
		Payload: payloadOf(issue),
	})
	if assignee != nil && assignee.ID != caller.ID {
		s.notifyAssigned(ctx, caller, issue, assignee)
	}
	return issue, nil
}

// Delete is allowed to the reporter and to whoever may manage the project.
func (s *IssueService) Delete(ctx context.Context, caller *models.User, id uint) error {
	issue, project, err := issueFor(s.db, id, caller)
	if err != nil {
		return err
	}
	if caller.ID != issue.ReporterID {
		if err := canManageProject(s.db, project, caller); err != nil {
			return err
		}
	}

	var keys []string
	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Attachment{}).Where("issue_id = ?", issue.ID).Pluck("storage_key", &keys).Error; err != nil {
			return err
		}
		for _, model := range []interface{}{&models.Attachment{}, &models.Comment{}, &models.ActivityLog{}} {
			if err := tx.Where("issue_id = ?", issue.ID).Delete(model).Error; err != nil {
				return err
			}
		}
		return tx.Delete(issue).Error
	})
	if err != nil {
		return err
	}

	removeBlobs(ctx, s.blobs, keys)
	return nil
}

// Count returns the number of issues per status in a project. Every
// status is present.
func (s *IssueService) Count(caller *models.User, projectID uint) (map[string]int64, error) {
	project, err := projectFor(s.db, projectID, caller)
	if err != nil {
		return nil, err
	}

	var rows []struct {
		Status string
		Total  int64
	}
	err = s.db.Model(&models.Issue{}).
		Select("status, COUNT(*) AS total").
		Where("project_id = ?", project.ID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := map[string]int64{
		models.IssueStatusTodo:       0,
		models.IssueStatusInProgress: 0,
		models.IssueStatusInReview:   0,
		models.IssueStatusDone:       0,
	}
	for _, r := range rows {
		counts[r.Status] = r.Total
	}
	return counts, nil
}

func (s *IssueService) reload(id uint) (*models.Issue, error) {
	var issue models.Issue
	if err := s.db.First(&issue, id).Error; err != nil {
		return nil, err
	}
	return &issue, s.loadPeople(&issue)
}

func (s *IssueService) issueLink(issue *models.Issue) string {
	return fmt.Sprintf("%s/issues/%s", s.baseURL, issue.IssueKey)
}

func (s *IssueService) notifyAssigned(ctx context.Context, actor *models.User, issue *models.Issue, assignee *models.User) {
	s.notifier.Notify(ctx, &Notification{
		Kind:   NotifyIssueAssigned,
		Topics: []string{UserTopic(assignee.ID)},
		Emails: []string{assignee.Email},
		Data: map[string]string{
			"actor":     actor.FullName(),
			"issue_key": issue.IssueKey,
			"title":     issue.Title,
			"priority":  issue.Priority,
			"status":    issue.Status,
			"link":      s.issueLink(issue),
		},
		Payload: payloadOf(issue),
	})
}

func (s *IssueService) notifyStatusChanged(ctx context.Context, actor *models.User, issue *models.Issue, oldStatus string) {
	emails, err := watcherEmails(s.db, issue, actor.ID)
	if err != nil {
		logger.Warn().Err(err).Uint("issue_id", issue.ID).Msg("[Issue] failed to load watchers")
	}
	s.notifier.Notify(ctx, &Notification{
		Kind:   NotifyStatusChanged,
		Topics: []string{ProjectTopic(issue.ProjectID)},
		Emails: emails,
		Data: map[string]string{
			"actor":      actor.FullName(),
			"issue_key":  issue.IssueKey,
			"title":      issue.Title,
			"old_status": oldStatus,
			"new_status": issue.Status,
			"link":       s.issueLink(issue),
		},
		Payload: payloadOf(issue),
	})
}

// watcherEmails returns the reporter's and assignee's addresses, leaving
// out the user who made the change.
func watcherEmails(db *gorm.DB, issue *models.Issue, actorID uint) ([]string, error) {
	ids := []uint{}
	if issue.ReporterID != actorID {
		ids = append(ids, issue.ReporterID)
	}
	if issue.AssigneeID != nil && *issue.AssigneeID != actorID && *issue.AssigneeID != issue.ReporterID {
		ids = append(ids, *issue.AssigneeID)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	var emails []string
	err := db.Model(&models.User{}).Where("id IN ? AND is_active = ?", ids, true).Pluck("email", &emails).Error
	return emails, err
}
