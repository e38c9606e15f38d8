package services

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/huangang/issuehub/backend/internal/metrics"
	"github.com/huangang/issuehub/backend/internal/models"
	"github.com/huangang/issuehub/backend/pkg/logger"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

const invitationSweepLock = "invitation_sweep"

// InvitationSweeper expires lapsed invitations on a cron schedule. Each
// schedule slot is claimed through a SchedulerLock row so that only one
// instance sweeps it.
type InvitationSweeper struct {
	db       *gorm.DB
	service  *InvitationService
	spec     string
	instance string
	lockTTL  time.Duration

	mu   sync.Mutex
	cron *cron.Cron
}

// NewInvitationSweeper takes a six-field cron spec (seconds first).
func NewInvitationSweeper(db *gorm.DB, service *InvitationService, spec string) *InvitationSweeper {
	host, _ := os.Hostname()
	return &InvitationSweeper{
		db:       db,
		service:  service,
		spec:     spec,
		instance: fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
		lockTTL:  24 * time.Hour,
	}
}

func (s *InvitationSweeper) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}

	c := cron.New(cron.WithSeconds())
	if _, err := c.AddFunc(s.spec, func() {
		if _, err := s.RunOnce(time.Now()); err != nil {
			logger.Errorf("[Invitation] Sweep failed: %v", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule invitation sweep: %w", err)
	}
	c.Start()
	s.cron = c
	logger.Infof("[Invitation] Expiry sweep scheduled (cron: %s)", s.spec)
	return nil
}

// Stop waits for a running sweep to finish.
func (s *InvitationSweeper) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// RunOnce sweeps the slot containing at. It returns -1 when another
// instance already claimed the slot.
func (s *InvitationSweeper) RunOnce(at time.Time) (int64, error) {
	slot := at.UTC().Truncate(time.Minute).Format(time.RFC3339)
	acquired, err := models.TryAcquireLock(s.db, invitationSweepLock, slot, s.instance, s.lockTTL)
	if err != nil {
		return 0, fmt.Errorf("acquire sweep lock: %w", err)
	}
	if !acquired {
		logger.Debug().Str("slot", slot).Msg("[Invitation] Sweep slot held by another instance")
		return -1, nil
	}

	expired, err := s.service.ExpireDue(at)
	if err != nil {
		return 0, err
	}
	metrics.InvitationsSwept(expired)
	if expired > 0 {
		logger.Infof("[Invitation] Expired %d invitations", expired)
	}
	return expired, nil
}
