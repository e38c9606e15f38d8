package main

import (
	"context"
	"time"

	"github.com/huangang/issuehub/backend/internal/config"
	"github.com/huangang/issuehub/backend/internal/metrics"
	"github.com/huangang/issuehub/backend/internal/middleware"
	"github.com/huangang/issuehub/backend/internal/models"
	"github.com/huangang/issuehub/backend/internal/services"
	"github.com/huangang/issuehub/backend/internal/storage"
	"github.com/huangang/issuehub/backend/internal/utils"
	"github.com/huangang/issuehub/backend/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

// appServices holds all initialized services and background workers.
type appServices struct {
	db      *gorm.DB
	metrics *metrics.Metrics

	hub         *services.Hub
	redis       *redis.Client
	relayCancel context.CancelFunc
	relayDone   chan struct{}

	taskQueue  services.TaskQueue
	worker     *services.Worker
	sweeper    *services.InvitationSweeper
	logCleanup *cron.Cron
	limiters   []*middleware.RateLimiter

	auth          *services.AuthService
	users         *services.UserService
	organizations *services.OrganizationService
	invitations   *services.InvitationService
	projects      *services.ProjectService
	issues        *services.IssueService
	comments      *services.CommentService
	attachments   *services.AttachmentService
	activities    *services.ActivityService
	messages      *services.MessageService
	systemLogs    *services.SystemLogService
}

// bootstrap initializes all application dependencies: database, storage,
// notification pipeline, realtime fan-out and schedulers.
func bootstrap(cfg *config.Config) *appServices {
	utils.SetJWTSecret(cfg.JWT.Secret)

	if err := models.InitDB(&cfg.Database, cfg.Server.Mode == "debug"); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	if err := models.AutoMigrate(); err != nil {
		logger.Fatalf("Failed to migrate database: %v", err)
	}
	db := models.GetDB()

	m := metrics.Get()
	if cfg.Metrics.Enabled {
		m = metrics.Init(prometheus.NewRegistry())
		if sqlDB, err := db.DB(); err == nil {
			m.RegisterDB(sqlDB)
		}
	}

	services.InitSystemLogger(db)

	blobs, err := storage.New(context.Background(), &cfg.Storage)
	if err != nil {
		logger.Fatalf("Failed to initialize storage: %v", err)
	}

	svc := &appServices{db: db, metrics: m, hub: services.NewHub()}

	// Realtime: with Redis every instance relays through one channel so
	// subscribers on any node see every event.
	var broadcaster services.Broadcaster = svc.hub
	if cfg.Redis.Enabled {
		svc.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		relay := services.NewRedisRelay(svc.redis, svc.hub)
		ctx, cancel := context.WithCancel(context.Background())
		svc.relayCancel = cancel
		svc.relayDone = make(chan struct{})
		go func() {
			defer close(svc.relayDone)
			if err := relay.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("[Realtime] Relay stopped")
			}
		}()
		broadcaster = relay
	}

	// Notifications: services enqueue, the dispatcher delivers to mail and
	// realtime either inline or from the asynq worker.
	dispatcher := services.NewNotificationDispatcher(services.NewSMTPMailer(cfg.Mail), broadcaster)
	svc.taskQueue = services.NewTaskQueue(&cfg.Redis)
	if syncQueue, ok := svc.taskQueue.(*services.SyncQueue); ok {
		syncQueue.SetProcessor(dispatcher.Deliver)
	} else if worker := services.NewWorker(&cfg.Redis); worker != nil {
		worker.SetProcessor(dispatcher.Deliver)
		if err := worker.Start(); err != nil {
			logger.Error().Err(err).Msg("Failed to start notification worker")
		} else {
			svc.worker = worker
		}
	}
	notifier := services.NewQueueNotifier(svc.taskQueue)

	baseURL := cfg.Server.PublicURL
	svc.auth = services.NewAuthService(db, &cfg.JWT, services.NewLDAPService(&cfg.LDAP), notifier, baseURL)
	svc.users = services.NewUserService(db, blobs)
	svc.organizations = services.NewOrganizationService(db, blobs)
	svc.invitations = services.NewInvitationService(db, notifier, cfg.Invitation)
	svc.projects = services.NewProjectService(db, blobs, notifier, baseURL)
	svc.issues = services.NewIssueService(db, blobs, notifier, baseURL)
	svc.comments = services.NewCommentService(db, notifier, baseURL)
	svc.attachments = services.NewAttachmentService(db, blobs)
	svc.activities = services.NewActivityService(db)
	svc.messages = services.NewMessageService(db)
	svc.systemLogs = services.NewSystemLogService(db)

	svc.sweeper = services.NewInvitationSweeper(db, svc.invitations, cfg.Invitation.SweepCron)
	if err := svc.sweeper.Start(); err != nil {
		logger.Error().Err(err).Msg("Failed to schedule invitation sweep")
	}
	if svc.logCleanup, err = services.StartLogCleanupScheduler(db, cfg.Log.RetentionDays); err != nil {
		logger.Error().Err(err).Msg("Failed to schedule log cleanup")
	}

	if err := svc.auth.CreateAdminIfNotExists(); err != nil {
		logger.Warn().Err(err).Msg("Failed to create admin user")
	}

	return svc
}

// stopRealtime ends the Redis relay and disconnects every event stream.
func (s *appServices) stopRealtime() {
	s.hub.Close()
	if s.relayCancel == nil {
		return
	}
	s.relayCancel()
	select {
	case <-s.relayDone:
	case <-time.After(5 * time.Second):
		logger.Warn().Msg("[Realtime] Relay did not stop in time")
	}
}

// shutdown gracefully stops all services.
func (s *appServices) shutdown() {
	if s.sweeper != nil {
		s.sweeper.Stop()
	}
	if s.logCleanup != nil {
		<-s.logCleanup.Stop().Done()
	}
	logger.Info().Msg("All schedulers stopped")

	for _, l := range s.limiters {
		l.Stop()
	}
	if s.worker != nil {
		s.worker.Stop()
	}
	if s.taskQueue != nil {
		if err := s.taskQueue.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close task queue")
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close redis client")
		}
	}
	if sqlDB, err := s.db.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close database")
		}
	}
}
