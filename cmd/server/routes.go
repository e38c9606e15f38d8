package main

import (
	"path"
	"path/filepath"

	"github.com/gin-gonic/gin"
	"github.com/huangang/issuehub/backend/internal/config"
	"github.com/huangang/issuehub/backend/internal/handlers"
	"github.com/huangang/issuehub/backend/internal/middleware"
	"github.com/huangang/issuehub/backend/pkg/logger"
)

// registerRoutes sets up all HTTP routes on the given Gin engine.
func registerRoutes(r *gin.Engine, cfg *config.Config, svc *appServices) {
	// Middleware
	r.Use(logger.GinLogger(), logger.GinRecovery())
	r.RedirectTrailingSlash = false
	r.RedirectFixedPath = false
	r.Use(middleware.CORS(cfg.Server.AllowOrigins...))
	if cfg.Metrics.Enabled {
		r.Use(svc.metrics.Middleware())
		r.GET(cfg.Metrics.Path, svc.metrics.Handler())
	}

	// Credential endpoints are rate limited per client IP.
	authLimiter := middleware.NewRateLimiter(1, 10)
	svc.limiters = append(svc.limiters, authLimiter)

	healthHandler := handlers.NewHealthHandler(svc.db, svc.taskQueue, svc.hub)
	r.GET("/health", healthHandler.CheckHealth)

	// Avatars are public; attachments go through the authorized download route.
	if cfg.Storage.Driver == "" || cfg.Storage.Driver == "local" {
		r.Static(path.Join(cfg.Storage.BaseURL, "avatars"), filepath.Join(cfg.Storage.LocalDir, "avatars"))
	}

	authHandler := handlers.NewAuthHandler(svc.auth)
	invitationHandler := handlers.NewInvitationHandler(svc.invitations)
	userHandler := handlers.NewUserHandler(svc.users, svc.activities)
	orgHandler := handlers.NewOrganizationHandler(svc.organizations)
	projectHandler := handlers.NewProjectHandler(svc.projects, svc.issues)
	projectMemberHandler := handlers.NewProjectMemberHandler(svc.projects)
	issueHandler := handlers.NewIssueHandler(svc.issues, svc.activities)
	commentHandler := handlers.NewCommentHandler(svc.comments)
	attachmentHandler := handlers.NewAttachmentHandler(svc.attachments)
	messageHandler := handlers.NewMessageHandler(svc.messages)
	searchHandler := handlers.NewSearchHandler(svc.projects, svc.issues, svc.users)
	systemLogHandler := handlers.NewSystemLogHandler(svc.systemLogs)
	sseHandler := handlers.NewSSEHandler(svc.db, svc.hub)

	// API routes
	api := r.Group("/api")
	{
		// Public
		auth := api.Group("/auth")
		{
			auth.POST("/register", authLimiter.Middleware(), authHandler.Register)
			auth.POST("/login", authLimiter.Middleware(), authHandler.Login)
			auth.POST("/refresh", authLimiter.Middleware(), authHandler.Refresh)
			auth.POST("/logout", authHandler.Logout)
			auth.GET("/config", authHandler.GetAuthConfig)
		}
		api.GET("/invitations/validate", invitationHandler.Validate)
		api.POST("/invitations/accept", authLimiter.Middleware(), invitationHandler.Accept)

		// Protected routes
		protected := api.Group("")
		protected.Use(middleware.AuthRequired(), middleware.LoadCaller(svc.auth), middleware.AuditLog())
		{
			protected.GET("/auth/me", authHandler.GetCurrentUser)
			protected.PUT("/auth/password", authHandler.ChangePassword)

			// Realtime
			protected.GET("/events", sseHandler.StreamEvents)

			// Search
			protected.GET("/search", searchHandler.Search)

			// Users
			protected.GET("/users", userHandler.List)
			protected.GET("/users/me", userHandler.Me)
			protected.GET("/users/search", userHandler.Search)
			protected.GET("/users/:id", userHandler.GetByID)
			protected.PUT("/users/:id", userHandler.UpdateProfile)
			protected.POST("/users/:id/avatar", userHandler.UploadAvatar)
			protected.POST("/users/:id/deactivate", userHandler.Deactivate)
			protected.POST("/users/:id/activate", userHandler.Activate)
			protected.GET("/users/:id/activities", userHandler.Activities)

			// Organizations
			protected.POST("/organizations", orgHandler.Create)
			protected.GET("/organizations/current", orgHandler.Current)
			protected.GET("/organizations/slug/:slug", orgHandler.GetBySlug)
			protected.GET("/organizations/:id", orgHandler.GetByID)
			protected.PUT("/organizations/:id", orgHandler.Update)
			protected.DELETE("/organizations/:id", orgHandler.Delete)
			protected.POST("/organizations/:id/archive", orgHandler.Archive)
			protected.POST("/organizations/:id/suspend", orgHandler.Suspend)
			protected.POST("/organizations/:id/reactivate", orgHandler.Reactivate)
			protected.POST("/organizations/:id/transfer", orgHandler.TransferOwnership)
			protected.GET("/organizations/:id/stats", orgHandler.Stats)
			protected.GET("/organizations/:id/members", orgHandler.Members)
			protected.PUT("/organizations/:id/members/:userId", orgHandler.ChangeMemberRole)
			protected.DELETE("/organizations/:id/members/:userId", orgHandler.RemoveMember)

			// Invitations
			protected.GET("/invitations", invitationHandler.ListAll)
			protected.GET("/invitations/pending", invitationHandler.ListPending)
			protected.GET("/invitations/mine", invitationHandler.ListMine)
			protected.POST("/invitations", invitationHandler.Create)
			protected.POST("/invitations/:id/resend", invitationHandler.Resend)
			protected.DELETE("/invitations/:id", invitationHandler.Cancel)

			// Projects
			protected.GET("/projects", projectHandler.List)
			protected.GET("/projects/search", projectHandler.Search)
			protected.GET("/projects/key/:key", projectHandler.GetByKey)
			protected.GET("/projects/:id", projectHandler.GetByID)
			protected.POST("/projects", projectHandler.Create)
			protected.PUT("/projects/:id", projectHandler.Update)
			protected.DELETE("/projects/:id", projectHandler.Delete)
			protected.POST("/projects/:id/issues", projectHandler.CreateIssue)
			protected.GET("/projects/:id/issues/count", projectHandler.IssueCounts)

			// Project Members
			protected.GET("/projects/:id/members", projectMemberHandler.List)
			protected.POST("/projects/:id/members", projectMemberHandler.Add)
			protected.PUT("/projects/:id/members/:userId", projectMemberHandler.Update)
			protected.DELETE("/projects/:id/members/:userId", projectMemberHandler.Remove)

			// Issues
			protected.GET("/issues", issueHandler.List)
			protected.GET("/issues/search", issueHandler.Search)
			protected.GET("/issues/key/:key", issueHandler.GetByKey)
			protected.GET("/issues/:id", issueHandler.GetByID)
			protected.GET("/issues/:id/detail", issueHandler.Detail)
			protected.PUT("/issues/:id", issueHandler.Update)
			protected.PATCH("/issues/:id/status", issueHandler.UpdateStatus)
			protected.PATCH("/issues/:id/priority", issueHandler.UpdatePriority)
			protected.PATCH("/issues/:id/assignee", issueHandler.Assign)
			protected.DELETE("/issues/:id", issueHandler.Delete)
			protected.GET("/issues/:id/activities", issueHandler.Activities)

			// Comments
			protected.GET("/issues/:id/comments", commentHandler.List)
			protected.POST("/issues/:id/comments", commentHandler.Add)
			protected.GET("/comments/:id", commentHandler.GetByID)
			protected.PUT("/comments/:id", commentHandler.Update)
			protected.DELETE("/comments/:id", commentHandler.Delete)

			// Attachments
			protected.GET("/issues/:id/attachments", attachmentHandler.List)
			protected.POST("/issues/:id/attachments", attachmentHandler.Upload)
			protected.GET("/attachments/:id", attachmentHandler.GetByID)
			protected.GET("/attachments/:id/download", attachmentHandler.Download)
			protected.DELETE("/attachments/:id", attachmentHandler.Delete)

			// Messages
			protected.POST("/messages", messageHandler.Send)
			protected.GET("/messages/conversations", messageHandler.Conversations)
			protected.GET("/messages/unread-count", messageHandler.UnreadCount)
			protected.GET("/messages/thread/:userId", messageHandler.Thread)
			protected.PUT("/messages/thread/:userId/read", messageHandler.MarkThreadAsRead)
			protected.PUT("/messages/:id/read", messageHandler.MarkAsRead)

			// System Logs
			protected.GET("/system-logs", systemLogHandler.List)
		}
	}
}
