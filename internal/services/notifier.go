package services

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
)

// Event types published to connected clients.
const (
	EventPostUnlocked     = "POST_UNLOCKED"
	EventCheckInCompleted = "CHECKIN_COMPLETED"
	EventPointsPurchased  = "POINTS_PURCHASED"
)

// Event is the payload pushed to a user's notification channel.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// Notifier publishes completion events to a per-user Redis channel. The
// WebSocket relay subscribes to these channels and fans out to connected
// clients; the core never reads them back. A nil Redis client disables
// publishing entirely.
type Notifier struct {
	redis *redis.Client
}

func NewNotifier(redisClient *redis.Client) *Notifier {
	return &Notifier{redis: redisClient}
}

// Publish sends an event to the user's channel. Failures are logged, never
// propagated: notifications are best-effort and must not fail the operation
// that triggered them.
func (n *Notifier) Publish(ctx context.Context, userID, eventType string, data any) {
	if n == nil || n.redis == nil {
		return
	}

	payload, err := json.Marshal(Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
	if err != nil {
		log.Printf("[NOTIFIER] Failed to encode %s event for user %s: %v", eventType, userID, err)
		return
	}

	if err := n.redis.Publish(ctx, ChannelForUser(userID), payload).Err(); err != nil {
		log.Printf("[NOTIFIER] Failed to publish %s event for user %s: %v", eventType, userID, err)
	}
}

// ChannelForUser returns the Redis pub/sub channel carrying a user's events.
func ChannelForUser(userID string) string {
	return "user_events:" + userID
}
