package services

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/huangang/issuehub/backend/internal/config"
	"github.com/huangang/issuehub/backend/internal/metrics"
	"github.com/huangang/issuehub/backend/internal/models"
	"github.com/huangang/issuehub/backend/internal/utils"
	"github.com/huangang/issuehub/backend/pkg/response"
	"gorm.io/gorm"
)

type InvitationService struct {
	db        *gorm.DB
	notifier  Notifier
	expiry    time.Duration
	acceptURL string
}

func NewInvitationService(db *gorm.DB, notifier Notifier, cfg config.InvitationConfig) *InvitationService {
	days := cfg.ExpireDays
	if days <= 0 {
		days = 7
	}
	return &InvitationService{
		db:        db,
		notifier:  notifier,
		expiry:    time.Duration(days) * 24 * time.Hour,
		acceptURL: cfg.AcceptURL,
	}
}

type CreateInvitationRequest struct {
	Email string `json:"email" binding:"required,email,max=255"`
	Role  string `json:"role" binding:"required,oneof=ADMIN MANAGER MEMBER"`
}

type AcceptInvitationRequest struct {
	Token     string `json:"token" binding:"required"`
	Username  string `json:"username" binding:"required,min=2,max=50"`
	Password  string `json:"password" binding:"required,min=6,max=100"`
	FirstName string `json:"first_name" binding:"required,min=2,max=50"`
	LastName  string `json:"last_name" binding:"required,min=2,max=50"`
}

// InvitationValidation is what an invitee sees before registering.
type InvitationValidation struct {
	Valid        bool   `json:"valid"`
	Email        string `json:"email,omitempty"`
	Role         string `json:"role,omitempty"`
	Organization string `json:"organization,omitempty"`
	Message      string `json:"message"`
}

type InvitationListRequest struct {
	Page     int `form:"page"`
	PageSize int `form:"page_size"`
}

func newInvitationToken() string {
	return strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// leavePending is the column set for moving out of PENDING; it frees the
// pending slot for a new invitation.
func leavePending(status string) map[string]interface{} {
	return map[string]interface{}{"status": status, "pending_key": nil}
}

// canInvite allows the owner, ADMINs and MANAGERs of org.
func canInvite(org *models.Organization, caller *models.User) error {
	if err := RequireMembership(org, caller); err != nil {
		return err
	}
	if caller.ID == org.OwnerID || caller.Role == models.RoleAdmin || caller.Role == models.RoleManager {
		return nil
	}
	return accessDenied()
}

func (s *InvitationService) Create(ctx context.Context, caller *models.User, req *CreateInvitationRequest) (*models.Invitation, error) {
	email := normalizeEmail(req.Email)
	if !models.IsValidRole(req.Role) {
		return nil, response.NewBadRequest("invalid role")
	}
	org, err := callerOrganization(s.db, caller)
	if err != nil {
		return nil, err
	}
	if err := canInvite(org, caller); err != nil {
		return nil, err
	}
	// Only admins may hand out ADMIN.
	if req.Role == models.RoleAdmin {
		if err := RequireAdmin(org, caller); err != nil {
			return nil, err
		}
	}
	if err := requireActive(org); err != nil {
		return nil, err
	}

	pendingKey := models.InvitationPendingKey(email, org.ID)
	invitation := &models.Invitation{
		PendingKey:     &pendingKey,
		Email:          email,
		Token:          newInvitationToken(),
		Role:           req.Role,
		Status:         models.InvitationPending,
		OrganizationID: org.ID,
		InvitedByID:    caller.ID,
		ExpiresAt:      now().Add(s.expiry),
	}
	err = s.db.Transaction(func(tx *gorm.DB) error {
		// A lapsed invitation that the sweep has not reached yet must not
		// block a fresh one.
		if err := tx.Model(&models.Invitation{}).
			Where("email = ? AND organization_id = ? AND status = ? AND expires_at < ?",
				email, org.ID, models.InvitationPending, now()).
			Updates(leavePending(models.InvitationExpired)).Error; err != nil {
			return err
		}

		var pending int64
		if err := tx.Model(&models.Invitation{}).
			Where("email = ? AND organization_id = ? AND status = ?", email, org.ID, models.InvitationPending).
			Count(&pending).Error; err != nil {
			return err
		}
		if pending > 0 {
			return response.NewConflict("an invitation is already pending for this email")
		}

		var members int64
		if err := tx.Model(&models.User{}).
			Where("LOWER(email) = ? AND organization_id = ?", email, org.ID).
			Count(&members).Error; err != nil {
			return err
		}
		if members > 0 {
			return response.NewConflict("user is already a member of this organization")
		}
		if err := tx.Create(invitation).Error; err != nil {
			if models.IsUniqueViolation(err) {
				return response.NewConflict("an invitation is already pending for this email")
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.Invitation(models.InvitationPending)
	LogInfo("Invitation", "create", fmt.Sprintf("Invited %s to %s as %s", email, org.Name, req.Role), caller,
		map[string]interface{}{"invitation_id": invitation.ID})
	s.notifyInvited(ctx, caller, org, invitation)
	return invitation, nil
}

// Validate never fails: unknown or unusable tokens come back with
// Valid=false and a reason.
func (s *InvitationService) Validate(token string) *InvitationValidation {
	var invitation models.Invitation
	if err := s.db.Where("token = ?", token).First(&invitation).Error; err != nil {
		return &InvitationValidation{Message: "invalid token"}
	}
	if !invitation.IsPending() {
		return &InvitationValidation{Message: "invitation already " + strings.ToLower(invitation.Status)}
	}
	if invitation.IsExpiredAt(now()) {
		return &InvitationValidation{Message: "invitation expired"}
	}
	result := &InvitationValidation{
		Valid:   true,
		Email:   invitation.Email,
		Role:    invitation.Role,
		Message: "valid invitation",
	}
	if org, err := findOrganization(s.db, invitation.OrganizationID); err == nil {
		result.Organization = org.Name
	}
	return result
}

// Accept registers a new user into the invitation's organization. The user
// insert and the PENDING to ACCEPTED flip commit together; a concurrent
// second accept loses the conditional update and rolls back.
func (s *InvitationService) Accept(req *AcceptInvitationRequest) (*models.User, error) {
	username := strings.TrimSpace(req.Username)
	hash, err := utils.HashPassword(req.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	var user *models.User
	var invitation models.Invitation
	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("token = ?", req.Token).First(&invitation).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return response.NewNotFound("invitation not found")
			}
			return err
		}
		if !invitation.IsPending() {
			return response.NewConflict("invitation already used")
		}
		if invitation.IsExpiredAt(now()) {
			return response.NewConflict("invitation expired")
		}
		var org models.Organization
		if err := tx.First(&org, invitation.OrganizationID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return response.NewNotFound("organization not found")
			}
			return err
		}
		if err := requireActive(&org); err != nil {
			return err
		}

		var count int64
		if err := tx.Model(&models.User{}).Where("username = ?", username).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return response.NewConflict("username already taken")
		}
		if err := tx.Model(&models.User{}).Where("LOWER(email) = ?", invitation.Email).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return response.NewConflict("email already taken")
		}

		orgID := invitation.OrganizationID
		user = &models.User{
			Username:       username,
			Email:          invitation.Email,
			Password:       hash,
			FirstName:      strings.TrimSpace(req.FirstName),
			LastName:       strings.TrimSpace(req.LastName),
			Role:           invitation.Role,
			AuthType:       models.AuthTypeLocal,
			IsActive:       true,
			OrganizationID: &orgID,
		}
		if err := tx.Create(user).Error; err != nil {
			if models.IsUniqueViolation(err) {
				return response.NewConflict("username or email already taken")
			}
			return err
		}

		accepted := leavePending(models.InvitationAccepted)
		accepted["accepted_by_user_id"] = user.ID
		accepted["accepted_at"] = now()
		res := tx.Model(&models.Invitation{}).
			Where("id = ? AND status = ?", invitation.ID, models.InvitationPending).
			Updates(accepted)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return response.NewConflict("invitation already used")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.Invitation(models.InvitationAccepted)
	LogInfo("Invitation", "accept", fmt.Sprintf("User %s joined via invitation", user.Username), user,
		map[string]interface{}{"invitation_id": invitation.ID})
	return user, nil
}

// Resend issues a new token and expiry for a pending invitation.
func (s *InvitationService) Resend(ctx context.Context, caller *models.User, id uint) (*models.Invitation, error) {
	invitation, org, err := s.manageableInvitation(caller, id)
	if err != nil {
		return nil, err
	}
	if !invitation.IsPending() {
		return nil, response.NewConflict("only pending invitations can be resent")
	}

	token := newInvitationToken()
	expiresAt := now().Add(s.expiry)
	res := s.db.Model(&models.Invitation{}).
		Where("id = ? AND status = ?", invitation.ID, models.InvitationPending).
		Updates(map[string]interface{}{"token": token, "expires_at": expiresAt})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, response.NewConflict("only pending invitations can be resent")
	}
	invitation.Token = token
	invitation.ExpiresAt = expiresAt

	LogInfo("Invitation", "resend", "Resent invitation to "+invitation.Email, caller,
		map[string]interface{}{"invitation_id": invitation.ID})
	s.notifyInvited(ctx, caller, org, invitation)
	return invitation, nil
}

func (s *InvitationService) Cancel(caller *models.User, id uint) error {
	invitation, _, err := s.manageableInvitation(caller, id)
	if err != nil {
		return err
	}
	if !invitation.IsPending() {
		return response.NewConflict("only pending invitations can be cancelled")
	}
	res := s.db.Model(&models.Invitation{}).
		Where("id = ? AND status = ?", invitation.ID, models.InvitationPending).
		Updates(leavePending(models.InvitationCancelled))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return response.NewConflict("only pending invitations can be cancelled")
	}

	metrics.Invitation(models.InvitationCancelled)
	LogInfo("Invitation", "cancel", "Cancelled invitation to "+invitation.Email, caller,
		map[string]interface{}{"invitation_id": invitation.ID})
	return nil
}

// ListPending and ListAll are for organization admins.
func (s *InvitationService) ListPending(caller *models.User, req *InvitationListRequest) (*response.Page[models.Invitation], error) {
	return s.listForAdmin(caller, req, models.InvitationPending)
}

func (s *InvitationService) ListAll(caller *models.User, req *InvitationListRequest) (*response.Page[models.Invitation], error) {
	return s.listForAdmin(caller, req, "")
}

// ListMine returns invitations the caller sent in their current organization.
func (s *InvitationService) ListMine(caller *models.User, req *InvitationListRequest) (*response.Page[models.Invitation], error) {
	orgID, err := ScopeToOrganization(caller)
	if err != nil {
		return nil, err
	}
	page, pageSize := normalizePage(req.Page, req.PageSize)
	query := s.db.Model(&models.Invitation{}).
		Where("organization_id = ? AND invited_by_id = ?", orgID, caller.ID).
		Order("created_at DESC, id DESC")
	return paginate[models.Invitation](query, page, pageSize)
}

func (s *InvitationService) listForAdmin(caller *models.User, req *InvitationListRequest, status string) (*response.Page[models.Invitation], error) {
	org, err := callerOrganization(s.db, caller)
	if err != nil {
		return nil, err
	}
	if err := RequireAdmin(org, caller); err != nil {
		return nil, err
	}
	page, pageSize := normalizePage(req.Page, req.PageSize)
	query := s.db.Model(&models.Invitation{}).Where("organization_id = ?", org.ID)
	if status != "" {
		query = query.Where("status = ?", status)
	}
	return paginate[models.Invitation](query.Order("created_at DESC, id DESC"), page, pageSize)
}

// ExpireDue moves every PENDING invitation whose expiry is before at to
// EXPIRED. Running it again, or concurrently, only finds nothing to do.
func (s *InvitationService) ExpireDue(at time.Time) (int64, error) {
	res := s.db.Model(&models.Invitation{}).
		Where("status = ? AND expires_at < ?", models.InvitationPending, at).
		Updates(leavePending(models.InvitationExpired))
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

// manageableInvitation loads an invitation the caller may resend or cancel:
// the inviter, an org admin or the owner, always within the same org.
func (s *InvitationService) manageableInvitation(caller *models.User, id uint) (*models.Invitation, *models.Organization, error) {
	var invitation models.Invitation
	if err := s.db.First(&invitation, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, response.NewNotFound("invitation not found")
		}
		return nil, nil, err
	}
	org, err := organizationFor(s.db, invitation.OrganizationID, caller)
	if err != nil {
		return nil, nil, err
	}
	if invitation.InvitedByID != caller.ID {
		if err := RequireAdmin(org, caller); err != nil {
			return nil, nil, err
		}
	}
	return &invitation, org, nil
}

func (s *InvitationService) acceptLink(token string) string {
	if s.acceptURL == "" {
		return ""
	}
	sep := "?"
	if strings.Contains(s.acceptURL, "?") {
		sep = "&"
	}
	return s.acceptURL + sep + "token=" + url.QueryEscape(token)
}

func (s *InvitationService) notifyInvited(ctx context.Context, inviter *models.User, org *models.Organization, invitation *models.Invitation) {
	s.notifier.Notify(ctx, &Notification{
		Kind:   NotifyInvitationSent,
		Emails: []string{invitation.Email},
		Data: map[string]string{
			"inviter":      inviter.FullName(),
			"organization": org.Name,
			"role":         invitation.Role,
			"expires_at":   invitation.ExpiresAt.Format("2006-01-02 15:04 MST"),
			"link":         s.acceptLink(invitation.Token),
		},
	})
}
