package services

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/huangang/issuehub/backend/internal/models"
	"github.com/huangang/issuehub/backend/pkg/logger"
	"github.com/huangang/issuehub/backend/pkg/response"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

var globalDB *gorm.DB

// InitSystemLogger enables the persistent audit trail.
func InitSystemLogger(db *gorm.DB) {
	globalDB = db
}

func LogInfo(module, action, message string, actor *models.User, extra interface{}) {
	writeLog("info", module, action, message, actor, extra)
}

func LogWarning(module, action, message string, actor *models.User, extra interface{}) {
	writeLog("warning", module, action, message, actor, extra)
}

func writeLog(level, module, action, message string, actor *models.User, extra interface{}) {
	event := logger.Info()
	if level == "warning" {
		event = logger.Warn()
	}
	event.Str("module", module).Str("action", action).Msg(message)

	if globalDB == nil {
		return
	}

	var extraStr string
	if extra != nil {
		if b, err := json.Marshal(extra); err == nil {
			extraStr = string(b)
		}
	}

	entry := &models.SystemLog{
		Level:     level,
		Module:    module,
		Action:    action,
		Message:   message,
		Extra:     extraStr,
		CreatedAt: time.Now(),
	}
	if actor != nil {
		userID := actor.ID
		entry.UserID = &userID
		entry.OrganizationID = actor.OrganizationID
	}
	if err := globalDB.Create(entry).Error; err != nil {
		logger.Warn().Err(err).Msg("[SystemLog] failed to persist audit entry")
	}
}

type SystemLogService struct {
	db *gorm.DB
}

func NewSystemLogService(db *gorm.DB) *SystemLogService {
	return &SystemLogService{db: db}
}

type SystemLogListRequest struct {
	Page      int    `form:"page" binding:"omitempty,min=1"`
	PageSize  int    `form:"page_size" binding:"omitempty,min=1,max=100"`
	Level     string `form:"level"`
	Module    string `form:"module"`
	Action    string `form:"action"`
	StartDate string `form:"start_date"`
	EndDate   string `form:"end_date"`
	Search    string `form:"search"`
}

// List returns the audit trail of the caller's organization. Org admins only.
func (s *SystemLogService) List(caller *models.User, req *SystemLogListRequest) (*response.Page[models.SystemLog], error) {
	org, err := callerOrganization(s.db, caller)
	if err != nil {
		return nil, err
	}
	if err := RequireAdmin(org, caller); err != nil {
		return nil, err
	}

	page, pageSize := normalizePage(req.Page, req.PageSize)

	query := s.db.Model(&models.SystemLog{}).Where("organization_id = ?", org.ID)

	if req.Level != "" {
		query = query.Where("level = ?", req.Level)
	}
	if req.Module != "" {
		query = query.Where("module = ?", req.Module)
	}
	if req.Action != "" {
		query = query.Where("action LIKE ?", "%"+req.Action+"%")
	}
	if req.StartDate != "" {
		query = query.Where("created_at >= ?", req.StartDate)
	}
	if req.EndDate != "" {
		query = query.Where("created_at <= ?", req.EndDate+" 23:59:59")
	}
	if req.Search != "" {
		query = query.Where("message LIKE ?", "%"+req.Search+"%")
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, err
	}

	var logs []models.SystemLog
	if err := query.Offset((page - 1) * pageSize).Limit(pageSize).Order("created_at DESC").Find(&logs).Error; err != nil {
		return nil, err
	}

	return &response.Page[models.SystemLog]{Total: total, Page: page, PageSize: pageSize, Items: logs}, nil
}

// CleanupOldLogs deletes audit rows older than retentionDays and returns
// how many were removed.
func (s *SystemLogService) CleanupOldLogs(retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}

	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	result := s.db.Where("created_at < ?", cutoff).Delete(&models.SystemLog{})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

// StartLogCleanupScheduler runs the retention cleanup every night at 03:00.
// The returned scheduler must be stopped on shutdown.
func StartLogCleanupScheduler(db *gorm.DB, retentionDays int) (*cron.Cron, error) {
	service := NewSystemLogService(db)
	c := cron.New()

	_, err := c.AddFunc("0 3 * * *", func() {
		deleted, err := service.CleanupOldLogs(retentionDays)
		if err != nil {
			logger.Errorf("[SystemLog] Failed to cleanup old logs: %v", err)
			return
		}
		if deleted > 0 {
			logger.Infof("[SystemLog] Cleaned up %d logs older than %d days", deleted, retentionDays)
		}
		if _, err := models.PurgeExpiredLocks(db, time.Now()); err != nil {
			logger.Warnf("[SystemLog] Failed to purge scheduler locks: %v", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("schedule log cleanup: %w", err)
	}

	c.Start()
	logger.Infof("[SystemLog] Cleanup scheduled daily, retention %d days", retentionDays)
	return c, nil
}
