package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// roomChannelPrefix namespaces the redis pub/sub channel of each chat room.
const roomChannelPrefix = "chat.events."

// Hub owns the room membership registry (chat id -> connections) and the
// presence registry (connection id -> participant id). All broadcasts pass
// through redis, so every server instance delivers the same events in the
// same per-chat order. With no redis client the hub delivers locally, which
// keeps single-node deployments and tests honest.
type Hub struct {
	mu       sync.RWMutex
	rooms    map[string]map[*Client]bool
	presence map[string]string

	redis  *redis.Client
	logger *slog.Logger
}

func NewHub(redisClient *redis.Client, logger *slog.Logger) *Hub {
	return &Hub{
		rooms:    make(map[string]map[*Client]bool),
		presence: make(map[string]string),
		redis:    redisClient,
		logger:   logger,
	}
}

// Run subscribes to every room channel and pumps events to local rooms.
// Blocks until ctx is done; callers run it in its own goroutine.
func (h *Hub) Run(ctx context.Context) {
	if h.redis == nil {
		<-ctx.Done()
		return
	}
	pubsub := h.redis.PSubscribe(ctx, roomChannelPrefix+"*")
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			chatID := strings.TrimPrefix(msg.Channel, roomChannelPrefix)
			h.deliver(chatID, []byte(msg.Payload))
		case <-ctx.Done():
			return
		}
	}
}

// Register adds a connection to the presence registry.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.presence[c.ID] = c.UserID
}

// Unregister removes a connection from every room and from presence, and
// closes its send channel. Safe to call more than once.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for chatID := range c.rooms {
		h.removeFromRoom(c, chatID)
	}
	delete(h.presence, c.ID)
	close(c.send)
}

// Join subscribes a connection to a chat's room.
func (h *Hub) Join(c *Client, chatID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.closed {
		return
	}
	if h.rooms[chatID] == nil {
		h.rooms[chatID] = make(map[*Client]bool)
	}
	h.rooms[chatID][c] = true
	c.rooms[chatID] = true
}

// Leave unsubscribes a connection from a chat's room.
func (h *Hub) Leave(c *Client, chatID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeFromRoom(c, chatID)
}

// removeFromRoom requires h.mu held for writing.
func (h *Hub) removeFromRoom(c *Client, chatID string) {
	if clients, ok := h.rooms[chatID]; ok {
		delete(clients, c)
		if len(clients) == 0 {
			delete(h.rooms, chatID)
		}
	}
	delete(c.rooms, chatID)
}

// InRoom reports whether a connection has joined a chat's room.
func (h *Hub) InRoom(c *Client, chatID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return c.rooms[chatID]
}

// Participant returns the participant id registered for a connection id.
func (h *Hub) Participant(connID string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	id, ok := h.presence[connID]
	return id, ok
}

// Broadcast publishes an event to a chat's room. Fire-and-forget: a publish
// failure is logged and dropped — the persisted write already succeeded and
// clients recover the message on their next page load.
func (h *Hub) Broadcast(chatID string, evt *Event) {
	payload, err := json.Marshal(evt)
	if err != nil {
		h.logger.Error("failed to marshal event", "type", evt.Type, "chat_id", chatID, "error", err)
		return
	}
	if h.redis == nil {
		h.deliver(chatID, payload)
		return
	}
	if err := h.redis.Publish(context.Background(), roomChannelPrefix+chatID, payload).Err(); err != nil {
		h.logger.Warn("redis publish failed, event dropped", "type", evt.Type, "chat_id", chatID, "error", err)
	}
}

// deliver fans a payload out to the local members of a room. A connection
// with a full send buffer is evicted so it can never block the others.
//
// Sends happen while holding h.mu for reading: Unregister closes c.send
// under the write lock, after removing the client from every room, so a
// client still present in the room map here cannot have a closed channel.
func (h *Hub) deliver(chatID string, payload []byte) {
	var evicted []*Client
	h.mu.RLock()
	for c := range h.rooms[chatID] {
		select {
		case c.send <- payload:
		default:
			evicted = append(evicted, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range evicted {
		h.logger.Warn("dropping slow connection", "conn_id", c.ID, "user_id", c.UserID)
		h.Unregister(c)
	}
}
