package models

import "time"

// Issue numbers are assigned once per project and never reused; the
// composite unique index is the last line of defence against racing inserts.
type Issue struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	ProjectID   uint       `gorm:"uniqueIndex:idx_project_issue_number;not null" json:"project_id"`
	IssueNumber int        `gorm:"uniqueIndex:idx_project_issue_number;not null" json:"issue_number"`
	IssueKey    string     `gorm:"size:40;index" json:"issue_key"`
	Title       string     `gorm:"size:300;not null" json:"title"`
	Description string     `gorm:"type:text" json:"description"`
	Type        string     `gorm:"size:20;default:TASK;index" json:"type"`
	Status      string     `gorm:"size:20;default:TODO;index" json:"status"`
	Priority    string     `gorm:"size:20;default:MEDIUM;index" json:"priority"`
	ReporterID  uint       `gorm:"index;not null" json:"reporter_id"`
	Reporter    *User      `gorm:"foreignKey:ReporterID" json:"reporter,omitempty"`
	AssigneeID  *uint      `gorm:"index" json:"assignee_id"`
	Assignee    *User      `gorm:"foreignKey:AssigneeID" json:"assignee,omitempty"`
	DueDate     *time.Time `json:"due_date"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func (Issue) TableName() string { return "issues" }
