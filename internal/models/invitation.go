package models

import (
	"fmt"
	"time"
)

// Invitation is a single-use token granting enrollment into an organization.
type Invitation struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	Email          string    `gorm:"size:255;not null;index:idx_invitation_email_org" json:"email"`
	Token          string    `gorm:"uniqueIndex;size:64;not null" json:"-"`
	Role           string    `gorm:"size:20;not null" json:"role"`
	Status         string    `gorm:"size:20;not null;default:PENDING;index" json:"status"`
	OrganizationID uint      `gorm:"not null;index:idx_invitation_email_org" json:"organization_id"`
	InvitedByID    uint      `gorm:"index;not null" json:"invited_by_id"`
	ExpiresAt      time.Time `gorm:"index;not null" json:"expires_at"`
	// PendingKey is set only while the invitation is PENDING; its unique
	// index allows one pending invitation per email and organization.
	PendingKey       *string    `gorm:"size:320;uniqueIndex" json:"-"`
	AcceptedByUserID *uint      `json:"accepted_by_user_id,omitempty"`
	AcceptedAt       *time.Time `json:"accepted_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

func (Invitation) TableName() string { return "invitations" }

func (i *Invitation) IsPending() bool {
	return i.Status == InvitationPending
}

func (i *Invitation) IsExpiredAt(now time.Time) bool {
	return now.After(i.ExpiresAt)
}

// InvitationPendingKey identifies the pending slot of email in orgID.
func InvitationPendingKey(email string, orgID uint) string {
	return fmt.Sprintf("%d:%s", orgID, email)
}
