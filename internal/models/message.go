package models

import "time"

// Message is a direct message between two users; it is not tenant scoped.
type Message struct {
	ID         uint       `gorm:"primaryKey" json:"id"`
	SenderID   uint       `gorm:"index:idx_message_pair;not null" json:"sender_id"`
	ReceiverID uint       `gorm:"index:idx_message_pair;index;not null" json:"receiver_id"`
	Content    string     `gorm:"type:text;not null" json:"content"`
	IsRead     bool       `gorm:"default:false;index" json:"is_read"`
	ReadAt     *time.Time `json:"read_at,omitempty"`
	CreatedAt  time.Time  `gorm:"index" json:"created_at"`
}

func (Message) TableName() string { return "messages" }
