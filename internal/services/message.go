package services

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/huangang/issuehub/backend/internal/models"
	"github.com/huangang/issuehub/backend/pkg/response"
	"gorm.io/gorm"
)

type MessageService struct {
	db *gorm.DB
}

func NewMessageService(db *gorm.DB) *MessageService {
	return &MessageService{db: db}
}

type SendMessageRequest struct {
	ReceiverID uint   `json:"receiver_id" binding:"required"`
	Content    string `json:"content" binding:"required,max=5000"`
}

type MessageResponse struct {
	models.Message
	SenderName     string `json:"sender_name"`
	SenderAvatar   string `json:"sender_avatar"`
	ReceiverName   string `json:"receiver_name"`
	ReceiverAvatar string `json:"receiver_avatar"`
}

type Conversation struct {
	UserID          uint       `json:"user_id"`
	UserName        string     `json:"user_name"`
	UserAvatar      string     `json:"user_avatar"`
	LastMessage     string     `json:"last_message"`
	LastMessageTime *time.Time `json:"last_message_time"`
	UnreadCount     int64      `json:"unread_count"`
}

func (s *MessageService) Send(caller *models.User, req *SendMessageRequest) (*MessageResponse, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, response.NewBadRequest("message cannot be empty")
	}
	if req.ReceiverID == caller.ID {
		return nil, response.NewBadRequest("cannot message yourself")
	}
	var receiver models.User
	if err := s.db.First(&receiver, req.ReceiverID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, response.NewNotFound("user not found")
		}
		return nil, err
	}
	if !receiver.IsActive {
		return nil, response.NewBadRequest("user is not active")
	}

	msg := models.Message{SenderID: caller.ID, ReceiverID: receiver.ID, Content: content}
	if err := s.db.Create(&msg).Error; err != nil {
		return nil, err
	}
	return toMessageResponse(msg, caller, &receiver), nil
}

// Conversations lists everyone the caller has exchanged messages with,
// most recent conversation first.
func (s *MessageService) Conversations(caller *models.User, page, pageSize int) (*response.Page[Conversation], error) {
	page, pageSize = normalizePage(page, pageSize)

	var sent, received []uint
	if err := s.db.Model(&models.Message{}).Where("sender_id = ?", caller.ID).Distinct().Pluck("receiver_id", &sent).Error; err != nil {
		return nil, err
	}
	if err := s.db.Model(&models.Message{}).Where("receiver_id = ?", caller.ID).Distinct().Pluck("sender_id", &received).Error; err != nil {
		return nil, err
	}
	seen := make(map[uint]bool)
	partnerIDs := make([]uint, 0, len(sent)+len(received))
	for _, id := range append(sent, received...) {
		if id == caller.ID || seen[id] {
			continue
		}
		seen[id] = true
		partnerIDs = append(partnerIDs, id)
	}

	var partners []models.User
	if len(partnerIDs) > 0 {
		if err := s.db.Where("id IN ?", partnerIDs).Find(&partners).Error; err != nil {
			return nil, err
		}
	}

	conversations := make([]Conversation, 0, len(partners))
	for _, partner := range partners {
		var last models.Message
		err := s.db.Where("(sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)",
			caller.ID, partner.ID, partner.ID, caller.ID).
			Order("created_at DESC, id DESC").First(&last).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		var unread int64
		if err := s.db.Model(&models.Message{}).
			Where("sender_id = ? AND receiver_id = ? AND is_read = ?", partner.ID, caller.ID, false).
			Count(&unread).Error; err != nil {
			return nil, err
		}

		c := Conversation{
			UserID:      partner.ID,
			UserName:    partner.FullName(),
			UserAvatar:  partner.Avatar,
			UnreadCount: unread,
		}
		if last.ID != 0 {
			at := last.CreatedAt
			c.LastMessage = last.Content
			c.LastMessageTime = &at
		}
		conversations = append(conversations, c)
	}

	sort.SliceStable(conversations, func(i, j int) bool {
		a, b := conversations[i].LastMessageTime, conversations[j].LastMessageTime
		if a == nil {
			return false
		}
		if b == nil {
			return true
		}
		return a.After(*b)
	})

	total := len(conversations)
	start := (page - 1) * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return &response.Page[Conversation]{
		Items:    conversations[start:end],
		Total:    int64(total),
		Page:     page,
		PageSize: pageSize,
	}, nil
}

// Thread returns the messages between the caller and partner, oldest first,
// and marks the partner's messages to the caller as read.
func (s *MessageService) Thread(caller *models.User, partnerID uint) ([]MessageResponse, error) {
	var partner models.User
	if err := s.db.First(&partner, partnerID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, response.NewNotFound("user not found")
		}
		return nil, err
	}

	var messages []models.Message
	err := s.db.Where("(sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)",
		caller.ID, partner.ID, partner.ID, caller.ID).
		Order("created_at ASC, id ASC").Find(&messages).Error
	if err != nil {
		return nil, err
	}
	if err := s.markThreadRead(partner.ID, caller.ID); err != nil {
		return nil, err
	}

	result := make([]MessageResponse, 0, len(messages))
	for _, m := range messages {
		if m.SenderID == caller.ID {
			result = append(result, *toMessageResponse(m, caller, &partner))
		} else {
			result = append(result, *toMessageResponse(m, &partner, caller))
		}
	}
	return result, nil
}

func (s *MessageService) UnreadCount(caller *models.User) (int64, error) {
	var count int64
	err := s.db.Model(&models.Message{}).Where("receiver_id = ? AND is_read = ?", caller.ID, false).Count(&count).Error
	return count, err
}

// MarkAsRead marks one message read. Only its receiver may do so.
func (s *MessageService) MarkAsRead(caller *models.User, messageID uint) error {
	var msg models.Message
	if err := s.db.First(&msg, messageID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return response.NewNotFound("message not found")
		}
		return err
	}
	if msg.ReceiverID != caller.ID {
		return accessDenied()
	}
	if msg.IsRead {
		return nil
	}
	return s.db.Model(&msg).Updates(map[string]interface{}{"is_read": true, "read_at": now()}).Error
}

// MarkThreadAsRead marks everything partner sent the caller as read.
func (s *MessageService) MarkThreadAsRead(caller *models.User, partnerID uint) error {
	return s.markThreadRead(partnerID, caller.ID)
}

func (s *MessageService) markThreadRead(senderID, receiverID uint) error {
	return s.db.Model(&models.Message{}).
		Where("sender_id = ? AND receiver_id = ? AND is_read = ?", senderID, receiverID, false).
		Updates(map[string]interface{}{"is_read": true, "read_at": now()}).Error
}

func toMessageResponse(m models.Message, sender, receiver *models.User) *MessageResponse {
	return &MessageResponse{
		Message:        m,
		SenderName:     sender.FullName(),
		SenderAvatar:   sender.Avatar,
		ReceiverName:   receiver.FullName(),
		ReceiverAvatar: receiver.Avatar,
	}
}
