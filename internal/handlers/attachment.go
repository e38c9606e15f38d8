package handlers

import (
	"mime"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/huangang/issuehub/backend/internal/middleware"
	"github.com/huangang/issuehub/backend/internal/services"
	"github.com/huangang/issuehub/backend/pkg/logger"
	"github.com/huangang/issuehub/backend/pkg/response"
)

type AttachmentHandler struct {
	attachmentService *services.AttachmentService
}

func NewAttachmentHandler(attachmentService *services.AttachmentService) *AttachmentHandler {
	return &AttachmentHandler{attachmentService: attachmentService}
}

// formUpload opens the multipart "file" field. The caller must invoke the
// returned close func.
func formUpload(c *gin.Context) (*services.Upload, func(), bool) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, services.MaxAttachmentSize+1<<20)
	fh, err := c.FormFile("file")
	if err != nil {
		response.BadRequest(c, "file is required")
		return nil, nil, false
	}
	f, err := fh.Open()
	if err != nil {
		response.BadRequest(c, "cannot read uploaded file")
		return nil, nil, false
	}
	closeFn := func() {
		if err := f.Close(); err != nil {
			logger.Warn().Err(err).Msg("close uploaded file")
		}
	}
	contentType := fh.Header.Get("Content-Type")
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		contentType = mediaType
	}
	return &services.Upload{
		FileName:    fh.Filename,
		ContentType: contentType,
		Size:        fh.Size,
		Body:        f,
	}, closeFn, true
}

// Upload attaches a file to an issue
// POST /api/issues/:id/attachments
func (h *AttachmentHandler) Upload(c *gin.Context) {
	issueID, ok := paramID(c, "id")
	if !ok {
		return
	}
	upload, closeFn, ok := formUpload(c)
	if !ok {
		return
	}
	defer closeFn()

	attachment, err := h.attachmentService.Upload(c.Request.Context(), middleware.CurrentUser(c), issueID, upload)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, attachment)
}

// GET /api/issues/:id/attachments
func (h *AttachmentHandler) List(c *gin.Context) {
	issueID, ok := paramID(c, "id")
	if !ok {
		return
	}
	attachments, err := h.attachmentService.List(middleware.CurrentUser(c), issueID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, attachments)
}

// GET /api/attachments/:id
func (h *AttachmentHandler) GetByID(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	attachment, err := h.attachmentService.GetByID(middleware.CurrentUser(c), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, attachment)
}

// Download streams the stored blob
// GET /api/attachments/:id/download
func (h *AttachmentHandler) Download(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	attachment, body, err := h.attachmentService.Download(c.Request.Context(), middleware.CurrentUser(c), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	defer body.Close()

	contentType := attachment.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	disposition := mime.FormatMediaType("attachment", map[string]string{"filename": attachment.FileName})
	c.DataFromReader(http.StatusOK, attachment.Size, contentType, body, map[string]string{
		"Content-Disposition": disposition,
	})
}

// DELETE /api/attachments/:id
func (h *AttachmentHandler) Delete(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	if err := h.attachmentService.Delete(c.Request.Context(), middleware.CurrentUser(c), id); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"message": "attachment deleted"})
}
