package models

import "time"

// Organization is the tenant. Members are the users whose OrganizationID
// points here; OwnerID names exactly one of them.
type Organization struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	Name        string    `gorm:"size:200;not null" json:"name"`
	Slug        string    `gorm:"uniqueIndex;size:200;not null" json:"slug"`
	Description string    `gorm:"type:text" json:"description"`
	LogoURL     string    `gorm:"size:500" json:"logo_url"`
	OwnerID     uint      `gorm:"index;not null" json:"owner_id"`
	Status      string    `gorm:"size:20;default:ACTIVE;index" json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (Organization) TableName() string { return "organizations" }

func (o *Organization) IsActive() bool {
	return o.Status == OrgStatusActive
}
