package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/huangang/issuehub/backend/internal/middleware"
	"github.com/huangang/issuehub/backend/internal/models"
	"github.com/huangang/issuehub/backend/internal/services"
	"github.com/huangang/issuehub/backend/pkg/response"
)

type InvitationHandler struct {
	invitationService *services.InvitationService
}

func NewInvitationHandler(invitationService *services.InvitationService) *InvitationHandler {
	return &InvitationHandler{invitationService: invitationService}
}

// Create invites an email address into the caller's organization
// POST /api/invitations
func (h *InvitationHandler) Create(c *gin.Context) {
	var req services.CreateInvitationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	invitation, err := h.invitationService.Create(c.Request.Context(), middleware.CurrentUser(c), &req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, invitation)
}

// Validate is public: the invitee has no account yet
// GET /api/invitations/validate?token=
func (h *InvitationHandler) Validate(c *gin.Context) {
	response.Success(c, h.invitationService.Validate(c.Query("token")))
}

// Accept registers the invitee into the inviting organization
// POST /api/invitations/accept
func (h *InvitationHandler) Accept(c *gin.Context) {
	var req services.AcceptInvitationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	user, err := h.invitationService.Accept(&req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, user)
}

// POST /api/invitations/:id/resend
func (h *InvitationHandler) Resend(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	invitation, err := h.invitationService.Resend(c.Request.Context(), middleware.CurrentUser(c), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, invitation)
}

// DELETE /api/invitations/:id
func (h *InvitationHandler) Cancel(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	if err := h.invitationService.Cancel(middleware.CurrentUser(c), id); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"message": "invitation cancelled"})
}

// GET /api/invitations
func (h *InvitationHandler) ListAll(c *gin.Context) {
	h.list(c, h.invitationService.ListAll)
}

// GET /api/invitations/pending
func (h *InvitationHandler) ListPending(c *gin.Context) {
	h.list(c, h.invitationService.ListPending)
}

// GET /api/invitations/mine
func (h *InvitationHandler) ListMine(c *gin.Context) {
	h.list(c, h.invitationService.ListMine)
}

type invitationLister func(*models.User, *services.InvitationListRequest) (*response.Page[models.Invitation], error)

func (h *InvitationHandler) list(c *gin.Context, fetch invitationLister) {
	var req services.InvitationListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	result, err := fetch(middleware.CurrentUser(c), &req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, result)
}
