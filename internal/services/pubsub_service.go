package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"taskpilot/internal/models"
)

// MemoryUpdatesChannel carries domain events that become memory updates.
// Producers may also publish to "memory:updates:<org>".
const MemoryUpdatesChannel = "memory:updates"

// eventClaimTTL bounds how long an event id is remembered for de-duplication
const eventClaimTTL = 24 * time.Hour

// PubSubService manages Redis pub/sub for domain events
type PubSubService struct {
	redis      *RedisService
	pubsub     *redis.PubSub
	handlers   map[string][]MessageHandler
	mu         sync.RWMutex
	instanceID string
	ctx        context.Context
	cancel     context.CancelFunc
}

// MessageHandler is a callback for handling pub/sub messages
type MessageHandler func(channel string, message *PubSubMessage)

// PubSubMessage represents a message sent via pub/sub
type PubSubMessage struct {
	EventID    string          `json:"eventId"`
	Type       string          `json:"type"` // e.g. "memory_update"
	OrgID      string          `json:"orgId"`
	InstanceID string          `json:"instanceId,omitempty"` // source instance, empty for external producers
	Payload    json.RawMessage `json:"payload"`
}

// MemoryUpdateQueuer accepts memory updates from domain events
type MemoryUpdateQueuer interface {
	QueueMemoryUpdate(ctx context.Context, update models.MemoryUpdate) (*models.MemoryUpdate, error)
}

// NewPubSubService creates a new pub/sub service
func NewPubSubService(redisService *RedisService, instanceID string) *PubSubService {
	ctx, cancel := context.WithCancel(context.Background())
	return &PubSubService{
		redis:      redisService,
		handlers:   make(map[string][]MessageHandler),
		instanceID: instanceID,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Subscribe registers a handler for a channel pattern
func (s *PubSubService) Subscribe(pattern string, handler MessageHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.handlers[pattern] = append(s.handlers[pattern], handler)
	log.Printf("📡 [PUBSUB] Subscribed to pattern: %s", pattern)
}

// SubscribeMemoryUpdates queues every memory_update event exactly once across
// all instances. The first instance to claim the event id queues it.
func (s *PubSubService) SubscribeMemoryUpdates(queuer MemoryUpdateQueuer) {
	handler := func(channel string, msg *PubSubMessage) {
		if msg.Type != "memory_update" {
			return
		}
		var update models.MemoryUpdate
		if err := json.Unmarshal(msg.Payload, &update); err != nil {
			log.Printf("⚠️ [PUBSUB] Invalid memory update payload on %s: %v", channel, err)
			return
		}
		if update.OrgID == "" {
			update.OrgID = msg.OrgID
		}

		ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
		defer cancel()

		claimed, err := s.redis.ClaimEvent(ctx, eventID(msg), s.instanceID, eventClaimTTL)
		if err != nil {
			log.Printf("⚠️ [PUBSUB] Failed to claim event %s: %v", msg.EventID, err)
			return
		}
		if !claimed {
			return
		}

		if _, err := queuer.QueueMemoryUpdate(ctx, update); err != nil {
			log.Printf("❌ [PUBSUB] Failed to queue memory update from %s: %v", channel, err)
		}
	}
	s.Subscribe(MemoryUpdatesChannel, handler)
	s.Subscribe(MemoryUpdatesChannel+":*", handler)
}

// eventID returns the producer's id or a content hash for producers that omit it
func eventID(msg *PubSubMessage) string {
	if msg.EventID != "" {
		return msg.EventID
	}
	sum := sha256.Sum256(append([]byte(msg.OrgID+"|"+msg.Type+"|"), msg.Payload...))
	return hex.EncodeToString(sum[:])
}

// Start begins listening for pub/sub messages
func (s *PubSubService) Start() error {
	client := s.redis.Client()

	s.pubsub = client.PSubscribe(s.ctx,
		MemoryUpdatesChannel,
		MemoryUpdatesChannel+":*",
	)

	// Wait for subscription confirmation
	_, err := s.pubsub.Receive(s.ctx)
	if err != nil {
		return err
	}

	go s.processMessages()

	log.Printf("✅ [PUBSUB] Started listening for domain events (instance: %s)", s.instanceID)
	return nil
}

// processMessages handles incoming pub/sub messages
func (s *PubSubService) processMessages() {
	ch := s.pubsub.Channel()

	for {
		select {
		case <-s.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			s.handleMessage(msg.Channel, []byte(msg.Payload))
		}
	}
}

// handleMessage dispatches one message to every handler whose pattern matches
func (s *PubSubService) handleMessage(channel string, payload []byte) {
	var message PubSubMessage
	if err := json.Unmarshal(payload, &message); err != nil {
		log.Printf("⚠️ [PUBSUB] Failed to unmarshal message: %v", err)
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for pattern, handlers := range s.handlers {
		if matchPattern(pattern, channel) {
			for _, handler := range handlers {
				go handler(channel, &message)
			}
		}
	}
}

// PublishMemoryUpdate publishes a memory update event for any instance to queue
func (s *PubSubService) PublishMemoryUpdate(ctx context.Context, update models.MemoryUpdate) (string, error) {
	payload, err := json.Marshal(update)
	if err != nil {
		return "", err
	}
	message := &PubSubMessage{
		EventID:    uuid.New().String(),
		Type:       "memory_update",
		OrgID:      update.OrgID,
		InstanceID: s.instanceID,
		Payload:    payload,
	}

	data, err := json.Marshal(message)
	if err != nil {
		return "", err
	}
	channel := fmt.Sprintf("%s:%s", MemoryUpdatesChannel, update.OrgID)
	if err := s.redis.Publish(ctx, channel, data); err != nil {
		return "", err
	}
	return message.EventID, nil
}

// Stop stops the pub/sub service
func (s *PubSubService) Stop() error {
	s.cancel()
	if s.pubsub != nil {
		return s.pubsub.Close()
	}
	return nil
}

// matchPattern checks if a channel matches a pattern (simplified glob)
func matchPattern(pattern, channel string) bool {
	if pattern == channel {
		return true
	}

	// Handle patterns like "memory:updates:*"
	patternParts := splitChannel(pattern)
	channelParts := splitChannel(channel)

	if len(patternParts) != len(channelParts) {
		return false
	}

	for i, part := range patternParts {
		if part != "*" && part != channelParts[i] {
			return false
		}
	}

	return true
}

// splitChannel splits a channel name by ":"
func splitChannel(channel string) []string {
	var parts []string
	current := ""
	for _, c := range channel {
		if c == ':' {
			parts = append(parts, current)
			current = ""
		} else {
			current += string(c)
		}
	}
	parts = append(parts, current)
	return parts
}
