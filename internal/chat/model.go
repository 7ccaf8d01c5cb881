package chat

import "time"

// Chat is the persistent identity of an exclusive two-participant
// conversation. ParticipantA < ParticipantB always holds (canonical pair).
type Chat struct {
	ID            string    `json:"id"`
	ParticipantA  string    `json:"participant_a"`
	ParticipantB  string    `json:"participant_b"`
	LastMessageID *int64    `json:"last_message_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// HasParticipant reports whether id is one of the chat's two participants.
func (c *Chat) HasParticipant(id string) bool {
	return id == c.ParticipantA || id == c.ParticipantB
}

// Message is a single timeline entry. SenderName is denormalized from the
// users table for display (fetched via JOIN on reads, taken from the
// authenticated identity on writes).
type Message struct {
	ID         int64     `json:"id"`
	ChatID     string    `json:"chat_id"`
	SenderID   string    `json:"sender_id"`
	SenderName string    `json:"sender_name"`
	Text       string    `json:"text"`
	ImageKey   string    `json:"-"`
	ImageType  string    `json:"image_type,omitempty"`
	Edited     bool      `json:"edited"`
	CreatedAt  time.Time `json:"created_at"`
}

// MessageView is the denormalized shape broadcast to rooms and returned by
// the API. Image keys are translated into fetchable URLs.
type MessageView struct {
	ID         int64     `json:"id"`
	ChatID     string    `json:"chat_id"`
	SenderID   string    `json:"sender_id"`
	SenderName string    `json:"sender_name"`
	Text       string    `json:"text"`
	ImageURL   string    `json:"image_url,omitempty"`
	ThumbURL   string    `json:"thumb_url,omitempty"`
	ImageType  string    `json:"image_type,omitempty"`
	Edited     bool      `json:"edited"`
	CreatedAt  time.Time `json:"created_at"`
}

// Page is one chronological slice of a chat's timeline.
type Page struct {
	Messages   []*MessageView `json:"messages"`
	NextCursor string         `json:"next_cursor,omitempty"`
	HasMore    bool           `json:"has_more"`
}

// Event kinds published to a chat room.
const (
	EventMessageCreated = "message-created"
	EventMessageUpdated = "message-updated"
	EventMessageDeleted = "message-deleted"
	EventTyping         = "typing"
)

// Event is the single frame shape delivered to room subscribers.
type Event struct {
	Type          string       `json:"type"`
	ChatID        string       `json:"chat_id"`
	Message       *MessageView `json:"message,omitempty"`
	MessageID     int64        `json:"message_id,omitempty"`
	ParticipantID string       `json:"participant_id,omitempty"`
	IsTyping      bool         `json:"is_typing,omitempty"`
}

// Frame kinds a connected client may send over the websocket.
const (
	FrameJoinRoom    = "join-room"
	FrameLeaveRoom   = "leave-room"
	FrameTyping      = "typing"
	FrameSendMessage = "send-message"
)

// ClientFrame is the JSON a client sends over the websocket.
type ClientFrame struct {
	Type     string `json:"type"`
	ChatID   string `json:"chat_id"`
	Text     string `json:"text,omitempty"`
	IsTyping bool   `json:"is_typing,omitempty"`
}
