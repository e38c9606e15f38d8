package models

import "time"

// Project belongs to one organization; Key is unique inside it and prefixes
// every issue key.
type Project struct {
	ID             uint   `gorm:"primaryKey" json:"id"`
	OrganizationID uint   `gorm:"uniqueIndex:idx_org_project_key;not null" json:"organization_id"`
	Key            string `gorm:"column:project_key;uniqueIndex:idx_org_project_key;size:20;not null" json:"key"`
	Name           string `gorm:"size:200;not null" json:"name"`
	Description    string `gorm:"type:text" json:"description"`
	Status         string `gorm:"size:20;default:ACTIVE;index" json:"status"`
	OwnerID        uint   `gorm:"index;not null" json:"owner_id"`
	// LastIssueNumber is the highest number ever handed out in the project.
	// It only grows, so numbers of deleted issues stay retired.
	LastIssueNumber int       `gorm:"not null;default:0" json:"-"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (Project) TableName() string { return "projects" }
