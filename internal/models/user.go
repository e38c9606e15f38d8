package models

import (
	"strings"
	"time"
)

// User is an account. It belongs to at most one organization at a time.
type User struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	Username       string     `gorm:"uniqueIndex;size:100;not null" json:"username"`
	Email          string     `gorm:"uniqueIndex;size:255;not null" json:"email"`
	Password       string     `gorm:"size:255" json:"-"` // bcrypt hash, empty for LDAP users
	FirstName      string     `gorm:"size:100" json:"first_name"`
	LastName       string     `gorm:"size:100" json:"last_name"`
	Avatar         string     `gorm:"size:500" json:"avatar"`
	Role           string     `gorm:"size:20;default:MEMBER" json:"role"`
	AuthType       string     `gorm:"size:20;default:local" json:"auth_type"`
	IsActive       bool       `gorm:"default:true" json:"is_active"`
	OrganizationID *uint      `gorm:"index" json:"organization_id"`
	LastLogin      *time.Time `json:"last_login"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func (User) TableName() string { return "users" }

// FullName falls back to the username when no name is set.
func (u *User) FullName() string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		return u.Username
	}
	return name
}

// BelongsTo reports whether u is a member of organization orgID.
func (u *User) BelongsTo(orgID uint) bool {
	return u != nil && u.OrganizationID != nil && *u.OrganizationID == orgID
}
