package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/huangang/issuehub/backend/internal/models"
	"github.com/huangang/issuehub/backend/pkg/logger"
	"github.com/huangang/issuehub/backend/pkg/response"
	"gorm.io/gorm"
)

type CommentService struct {
	db       *gorm.DB
	notifier Notifier
	baseURL  string
}

func NewCommentService(db *gorm.DB, notifier Notifier, baseURL string) *CommentService {
	return &CommentService{db: db, notifier: notifier, baseURL: strings.TrimSuffix(baseURL, "/")}
}

type CommentRequest struct {
	Content string `json:"content" binding:"required,max=10000"`
}

func (s *CommentService) Add(ctx context.Context, caller *models.User, issueID uint, req *CommentRequest) (*models.Comment, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, response.NewBadRequest("comment cannot be empty")
	}
	issue, project, err := issueFor(s.db, issueID, caller)
	if err != nil {
		return nil, err
	}

	comment := &models.Comment{IssueID: issue.ID, AuthorID: caller.ID, Content: content}
	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(comment).Error; err != nil {
			return err
		}
		return recordActivity(tx, issue.ID, caller.ID, ActivityCommented, "", "", "")
	})
	if err != nil {
		return nil, err
	}
	comment.Author = caller

	emails, err := watcherEmails(s.db, issue, caller.ID)
	if err != nil {
		logger.Warn().Err(err).Uint("issue_id", issue.ID).Msg("[Comment] failed to load watchers")
	}
	s.notifier.Notify(ctx, &Notification{
		Kind:   NotifyCommentAdded,
		Topics: []string{ProjectTopic(project.ID)},
		Emails: emails,
		Data: map[string]string{
			"actor":     caller.FullName(),
			"issue_key": issue.IssueKey,
			"title":     issue.Title,
			"comment":   content,
			"link":      fmt.Sprintf("%s/issues/%s", s.baseURL, issue.IssueKey),
		},
		Payload: payloadOf(comment),
	})
	return comment, nil
}

func (s *CommentService) List(caller *models.User, issueID uint) ([]models.Comment, error) {
	issue, _, err := issueFor(s.db, issueID, caller)
	if err != nil {
		return nil, err
	}
	comments := make([]models.Comment, 0)
	err = s.db.Preload("Author").Where("issue_id = ?", issue.ID).Order("created_at ASC, id ASC").Find(&comments).Error
	return comments, err
}

func (s *CommentService) GetByID(caller *models.User, id uint) (*models.Comment, error) {
	comment, err := s.commentFor(id, caller)
	if err != nil {
		return nil, err
	}
	var author models.User
	if err := s.db.First(&author, comment.AuthorID).Error; err == nil {
		comment.Author = &author
	}
	return comment, nil
}

// Update is limited to the author or an ADMIN.
func (s *CommentService) Update(caller *models.User, id uint, req *CommentRequest) (*models.Comment, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, response.NewBadRequest("comment cannot be empty")
	}
	comment, err := s.commentFor(id, caller)
	if err != nil {
		return nil, err
	}
	if !CanActOnOwnResource(comment.AuthorID, caller) {
		return nil, accessDenied()
	}
	if err := s.db.Model(comment).Update("content", content).Error; err != nil {
		return nil, err
	}
	comment.Content = content
	return comment, nil
}

func (s *CommentService) Delete(caller *models.User, id uint) error {
	comment, err := s.commentFor(id, caller)
	if err != nil {
		return err
	}
	if !CanActOnOwnResource(comment.AuthorID, caller) {
		return accessDenied()
	}
	return s.db.Delete(comment).Error
}

// commentFor loads a comment and checks the caller shares its tenant.
func (s *CommentService) commentFor(id uint, caller *models.User) (*models.Comment, error) {
	var comment models.Comment
	if err := s.db.First(&comment, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, response.NewNotFound("comment not found")
		}
		return nil, err
	}
	if _, _, err := issueFor(s.db, comment.IssueID, caller); err != nil {
		return nil, err
	}
	return &comment, nil
}
