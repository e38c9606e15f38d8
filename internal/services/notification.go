package services

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/hibiken/asynq"
	"github.com/huangang/issuehub/backend/internal/metrics"
	"github.com/huangang/issuehub/backend/pkg/logger"
)

// Notification kinds.
const (
	NotifyIssueCreated   = "issue_created"
	NotifyIssueUpdated   = "issue_updated"
	NotifyIssueAssigned  = "issue_assigned"
	NotifyStatusChanged  = "status_changed"
	NotifyCommentAdded   = "comment_added"
	NotifyMemberAdded    = "member_added"
	NotifyInvitationSent = "invitation_sent"
	NotifyWelcome        = "welcome"
)

// Notification is a side effect of a committed change. It is queued as
// JSON, so everything the sinks need travels inside it.
type Notification struct {
	Kind    string            `json:"kind"`
	Topics  []string          `json:"topics,omitempty"`
	Emails  []string          `json:"emails,omitempty"`
	Data    map[string]string `json:"data,omitempty"`
	Payload json.RawMessage   `json:"payload,omitempty"`
}

// Notifier accepts notifications without blocking the request and never
// fails it.
type Notifier interface {
	Notify(ctx context.Context, n *Notification)
}

// QueueNotifier hands notifications to the task queue.
type QueueNotifier struct {
	queue TaskQueue
}

func NewQueueNotifier(queue TaskQueue) *QueueNotifier {
	return &QueueNotifier{queue: queue}
}

func (q *QueueNotifier) Notify(ctx context.Context, n *Notification) {
	if n == nil {
		return
	}
	if err := q.queue.Enqueue(n); err != nil {
		metrics.Notification(n.Kind, "queue", err)
		logger.Warn().Err(err).Str("kind", n.Kind).Msg("[Notification] enqueue failed")
	}
}

// NotificationDispatcher delivers a queued notification to the mail and
// realtime sinks.
type NotificationDispatcher struct {
	mailer      Mailer
	broadcaster Broadcaster
}

func NewNotificationDispatcher(mailer Mailer, broadcaster Broadcaster) *NotificationDispatcher {
	return &NotificationDispatcher{mailer: mailer, broadcaster: broadcaster}
}

// Deliver is the queue processor. Realtime events are only pushed on the
// first attempt; a retry exists to get the email out.
func (d *NotificationDispatcher) Deliver(ctx context.Context, n *Notification) error {
	var errs []error

	if d.mailer != nil && len(n.Emails) > 0 {
		subject, body := renderEmail(n)
		err := d.mailer.Send(ctx, n.Emails, subject, body)
		metrics.Notification(n.Kind, "email", err)
		if err != nil {
			errs = append(errs, err)
		}
	}

	if retried, _ := asynq.GetRetryCount(ctx); retried == 0 && d.broadcaster != nil {
		for _, topic := range n.Topics {
			err := d.broadcaster.Broadcast(ctx, Event{Type: n.Kind, Topic: topic, Payload: n.Payload, At: now()})
			metrics.Notification(n.Kind, "realtime", err)
			if err != nil {
				logger.Warn().Err(err).Str("topic", topic).Msg("[Notification] broadcast failed")
			}
		}
	}

	return errors.Join(errs...)
}

// payloadOf marshals v for Notification.Payload. Marshal failures only
// cost the realtime payload.
func payloadOf(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		logger.Warn().Err(err).Msg("[Notification] payload marshal failed")
		return nil
	}
	return data
}
