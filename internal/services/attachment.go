package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/huangang/issuehub/backend/internal/models"
	"github.com/huangang/issuehub/backend/internal/storage"
	"github.com/huangang/issuehub/backend/pkg/logger"
	"github.com/huangang/issuehub/backend/pkg/response"
	"gorm.io/gorm"
)

const MaxAttachmentSize = 10 << 20

var allowedAttachmentTypes = map[string]bool{
	"image/jpeg":         true,
	"image/png":          true,
	"image/gif":          true,
	"image/webp":         true,
	"application/pdf":    true,
	"application/msword": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
	"text/plain":      true,
	"application/zip": true,
}

type AttachmentService struct {
	db    *gorm.DB
	blobs storage.BlobStore
}

func NewAttachmentService(db *gorm.DB, blobs storage.BlobStore) *AttachmentService {
	return &AttachmentService{db: db, blobs: blobs}
}

// Upload is the file as received: its name, declared type and size.
type Upload struct {
	FileName    string
	ContentType string
	Size        int64
	Body        io.Reader
}

func (s *AttachmentService) Upload(ctx context.Context, caller *models.User, issueID uint, up *Upload) (*models.Attachment, error) {
	if up.Size <= 0 {
		return nil, response.NewBadRequest("file is empty")
	}
	if up.Size > MaxAttachmentSize {
		return nil, response.NewBadRequest("file exceeds the 10MB limit")
	}
	if !allowedAttachmentTypes[up.ContentType] {
		return nil, response.NewBadRequest("file type is not allowed: " + up.ContentType)
	}

	issue, _, err := issueFor(s.db, issueID, caller)
	if err != nil {
		return nil, err
	}

	key := storage.NewKey(fmt.Sprintf("attachments/%d", issue.ID), up.FileName)
	url, err := s.blobs.Save(ctx, key, io.LimitReader(up.Body, MaxAttachmentSize), up.ContentType)
	if err != nil {
		return nil, fmt.Errorf("store attachment: %w", err)
	}

	attachment := &models.Attachment{
		IssueID:     issue.ID,
		UploaderID:  caller.ID,
		FileName:    path.Base(up.FileName),
		ContentType: up.ContentType,
		Size:        up.Size,
		StorageKey:  key,
		URL:         url,
	}
	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(attachment).Error; err != nil {
			return err
		}
		return recordActivity(tx, issue.ID, caller.ID, ActivityAttachmentAdded, "", "", attachment.FileName)
	})
	if err != nil {
		removeBlobs(ctx, s.blobs, []string{key})
		return nil, err
	}
	return attachment, nil
}

func (s *AttachmentService) List(caller *models.User, issueID uint) ([]models.Attachment, error) {
	issue, _, err := issueFor(s.db, issueID, caller)
	if err != nil {
		return nil, err
	}
	attachments := make([]models.Attachment, 0)
	err = s.db.Where("issue_id = ?", issue.ID).Order("created_at ASC, id ASC").Find(&attachments).Error
	return attachments, err
}

func (s *AttachmentService) GetByID(caller *models.User, id uint) (*models.Attachment, error) {
	return s.attachmentFor(id, caller)
}

// Download opens the stored file. The caller closes the reader.
func (s *AttachmentService) Download(ctx context.Context, caller *models.User, id uint) (*models.Attachment, io.ReadCloser, error) {
	attachment, err := s.attachmentFor(id, caller)
	if err != nil {
		return nil, nil, err
	}
	rc, err := s.blobs.Open(ctx, attachment.StorageKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			logger.Warn().Uint("attachment_id", attachment.ID).Msg("[Attachment] blob missing")
			return nil, nil, response.NewNotFound("attachment file not found")
		}
		return nil, nil, err
	}
	return attachment, rc, nil
}

// Delete is limited to the uploader or an ADMIN.
func (s *AttachmentService) Delete(ctx context.Context, caller *models.User, id uint) error {
	attachment, err := s.attachmentFor(id, caller)
	if err != nil {
		return err
	}
	if !CanActOnOwnResource(attachment.UploaderID, caller) {
		return accessDenied()
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(attachment).Error; err != nil {
			return err
		}
		return recordActivity(tx, attachment.IssueID, caller.ID, ActivityAttachmentRemoved, "", attachment.FileName, "")
	})
	if err != nil {
		return err
	}
	removeBlobs(ctx, s.blobs, []string{attachment.StorageKey})
	return nil
}

func (s *AttachmentService) attachmentFor(id uint, caller *models.User) (*models.Attachment, error) {
	var attachment models.Attachment
	if err := s.db.First(&attachment, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, response.NewNotFound("attachment not found")
		}
		return nil, err
	}
	if _, _, err := issueFor(s.db, attachment.IssueID, caller); err != nil {
		return nil, err
	}
	return &attachment, nil
}
