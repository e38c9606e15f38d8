package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/huangang/issuehub/backend/internal/metrics"
	"github.com/huangang/issuehub/backend/internal/models"
	"github.com/huangang/issuehub/backend/pkg/logger"
	"github.com/huangang/issuehub/backend/pkg/response"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Event is one realtime update pushed to subscribers of Topic.
type Event struct {
	Type    string          `json:"type"`
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload,omitempty"`
	At      time.Time       `json:"at"`
}

func ProjectTopic(projectID uint) string { return fmt.Sprintf("project:%d", projectID) }
func UserTopic(userID uint) string       { return fmt.Sprintf("user:%d", userID) }

// AuthorizeTopic checks that caller may follow topic: a project of their
// organization, or their own user topic.
func AuthorizeTopic(db *gorm.DB, caller *models.User, topic string) error {
	kind, rawID, ok := strings.Cut(topic, ":")
	id, err := strconv.ParseUint(rawID, 10, 32)
	if !ok || err != nil || id == 0 {
		return response.NewBadRequest("invalid topic " + topic)
	}
	switch kind {
	case "project":
		_, err := projectFor(db, uint(id), caller)
		return err
	case "user":
		if uint(id) != caller.ID {
			return accessDenied()
		}
		return nil
	default:
		return response.NewBadRequest("invalid topic " + topic)
	}
}

// Broadcaster delivers an event to every subscriber of its topic,
// wherever they are connected.
type Broadcaster interface {
	Broadcast(ctx context.Context, event Event) error
}

type subscriber struct {
	topics map[string]struct{}
	ch     chan Event
}

// Hub manages SSE client connections on this instance.
type Hub struct {
	clients map[string]*subscriber
	closed  bool
	mu      sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]*subscriber),
	}
}

// Subscribe registers a client for the given topics and returns its
// event channel. Subscribing an existing client id replaces it.
func (h *Hub) Subscribe(clientID string, topics ...string) <-chan Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	if old, ok := h.clients[clientID]; ok {
		close(old.ch)
	}

	sub := &subscriber{
		topics: make(map[string]struct{}, len(topics)),
		ch:     make(chan Event, 100),
	}
	if h.closed {
		close(sub.ch)
		return sub.ch
	}
	for _, t := range topics {
		sub.topics[t] = struct{}{}
	}
	h.clients[clientID] = sub
	metrics.SetRealtimeClients(len(h.clients))
	return sub.ch
}

func (h *Hub) Unsubscribe(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if sub, ok := h.clients[clientID]; ok {
		close(sub.ch)
		delete(h.clients, clientID)
		metrics.SetRealtimeClients(len(h.clients))
	}
}

// Publish hands event to local subscribers of its topic. Slow clients
// whose buffer is full miss the event.
func (h *Hub) Publish(event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.clients {
		if _, ok := sub.topics[event.Topic]; !ok {
			continue
		}
		select {
		case sub.ch <- event:
		default:
		}
	}
}

// Broadcast makes a lone Hub usable as the Broadcaster when Redis is off.
func (h *Hub) Broadcast(_ context.Context, event Event) error {
	h.Publish(event)
	return nil
}

// Close disconnects every subscriber; later subscriptions get a closed
// channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for id, sub := range h.clients {
		close(sub.ch)
		delete(h.clients, id)
	}
	metrics.SetRealtimeClients(0)
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

const defaultRelayChannel = "issuehub:events"

// RedisRelay fans events out across instances: Broadcast publishes on a
// Redis channel and Run feeds every message from that channel into the
// local hub, including this instance's own.
type RedisRelay struct {
	client  redis.UniversalClient
	hub     *Hub
	channel string
	ready   chan struct{}
	once    sync.Once
}

func NewRedisRelay(client redis.UniversalClient, hub *Hub) *RedisRelay {
	return &RedisRelay{
		client:  client,
		hub:     hub,
		channel: defaultRelayChannel,
		ready:   make(chan struct{}),
	}
}

// Ready is closed once Run holds an active subscription.
func (r *RedisRelay) Ready() <-chan struct{} { return r.ready }

func (r *RedisRelay) Broadcast(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		// Local subscribers still get the event.
		logger.Warn().Err(err).Str("topic", event.Topic).Msg("[Realtime] redis publish failed, delivering locally")
		r.hub.Publish(event)
		return err
	}
	return nil
}

// Run subscribes to the relay channel until ctx is cancelled.
func (r *RedisRelay) Run(ctx context.Context) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	r.once.Do(func() { close(r.ready) })
	logger.Infof("[Realtime] Relay subscribed to %s", r.channel)

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				logger.Warn().Err(err).Msg("[Realtime] dropping malformed relay message")
				continue
			}
			r.hub.Publish(event)
		}
	}
}
