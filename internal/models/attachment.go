package models

import "time"

type Attachment struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	IssueID     uint      `gorm:"index;not null" json:"issue_id"`
	UploaderID  uint      `gorm:"index;not null" json:"uploader_id"`
	FileName    string    `gorm:"size:255;not null" json:"file_name"`
	ContentType string    `gorm:"size:100" json:"content_type"`
	Size        int64     `json:"size"`
	StorageKey  string    `gorm:"size:500;not null" json:"-"`
	URL         string    `gorm:"size:1000" json:"url"`
	CreatedAt   time.Time `json:"created_at"`
}

func (Attachment) TableName() string { return "attachments" }
