package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second    // time allowed to write a frame to the peer
	pongWait       = 60 * time.Second    // time allowed to read the next pong
	pingPeriod     = (pongWait * 9) / 10 // must be less than pongWait
	maxMessageSize = 4096                // maximum frame size allowed from the peer
)

// Client is a middleman between one websocket connection and the hub. Frames
// it reads go through the same Service pipeline as HTTP requests, so the
// sender sees its own message come back through the room broadcast like
// everyone else.
type Client struct {
	ID       string
	UserID   string
	Username string

	hub  *Hub
	svc  *Service
	conn *websocket.Conn
	send chan []byte

	logger *slog.Logger

	// guarded by hub.mu
	rooms  map[string]bool
	closed bool
}

func NewClient(hub *Hub, svc *Service, conn *websocket.Conn, userID, username string, logger *slog.Logger) *Client {
	return &Client{
		ID:       uuid.NewString(),
		UserID:   userID,
		Username: username,
		hub:      hub,
		svc:      svc,
		conn:     conn,
		send:     make(chan []byte, 256),
		logger:   logger,
		rooms:    make(map[string]bool),
	}
}

// ReadPump pumps frames from the websocket connection into the service and
// the hub. On any read error the connection is unregistered and closed.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read error", "conn_id", c.ID, "error", err)
			}
			break
		}

		var frame ClientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.logger.Warn("invalid frame", "conn_id", c.ID, "error", err)
			continue
		}
		c.handleFrame(&frame)
	}
}

func (c *Client) handleFrame(frame *ClientFrame) {
	ctx := context.Background()

	switch frame.Type {
	case FrameJoinRoom:
		// membership check keeps a connection from joining someone
		// else's room
		if _, err := c.svc.Authorize(ctx, frame.ChatID, c.UserID); err != nil {
			c.logger.Warn("join refused", "conn_id", c.ID, "chat_id", frame.ChatID, "error", err)
			return
		}
		c.hub.Join(c, frame.ChatID)

	case FrameLeaveRoom:
		c.hub.Leave(c, frame.ChatID)

	case FrameTyping:
		// only rooms the connection has joined, which implies the
		// membership check already passed
		if !c.hub.InRoom(c, frame.ChatID) {
			c.logger.Warn("typing refused", "conn_id", c.ID, "chat_id", frame.ChatID)
			return
		}
		c.svc.Typing(frame.ChatID, c.UserID, frame.IsTyping)

	case FrameSendMessage:
		_, err := c.svc.Send(ctx, SendCommand{
			ChatID:     frame.ChatID,
			SenderID:   c.UserID,
			SenderName: c.Username,
			Text:       frame.Text,
		})
		if err != nil {
			c.logger.Warn("send failed", "conn_id", c.ID, "chat_id", frame.ChatID, "error", err)
		}

	default:
		c.logger.Warn("unknown frame type", "conn_id", c.ID, "type", frame.Type)
	}
}

// WritePump pumps broadcasts from the hub to the websocket connection and
// keeps the connection alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// the hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
