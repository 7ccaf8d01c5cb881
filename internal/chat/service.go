package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"

	"duochat/internal/media"
)

// Page size bounds. Requests outside the range are clamped, not rejected.
const (
	DefaultPageLimit = 30
	MaxPageLimit     = 100
)

// imagePlaceholder is stored as the text of an image-only message.
const imagePlaceholder = "📷 Photo"

// Store is the persistence boundary the service writes through.
type Store interface {
	ResolveChat(ctx context.Context, a, b string) (*Chat, error)
	GetChat(ctx context.Context, id string) (*Chat, error)
	ListChats(ctx context.Context, participantID string) ([]*Chat, error)
	InsertMessage(ctx context.Context, m *Message) (*Message, error)
	GetMessage(ctx context.Context, id int64) (*Message, error)
	PageMessages(ctx context.Context, chatID string, before *Cursor, limit int) ([]*Message, error)
	UpdateMessageText(ctx context.Context, id int64, text string) (*Message, error)
	DeleteMessage(ctx context.Context, m *Message) error
}

// Fanout multicasts an event to every connection in a chat's room. Delivery
// is best-effort and must never block or fail the write that triggered it.
type Fanout interface {
	Broadcast(chatID string, evt *Event)
}

// Service is the single authoritative pipeline for every chat mutation. Both
// the HTTP handlers and the websocket clients call into it, so each write is
// persisted once and broadcast once, in one shape, regardless of transport.
type Service struct {
	store   Store
	auth    *Authorizer
	fanout  Fanout
	blobs   media.BlobStore // nil when images are disabled
	logger  *slog.Logger
	timeout time.Duration

	// chatLocks serializes persist+broadcast per chat so room subscribers
	// observe message-created events in persisted order.
	chatLocks sync.Map // chat id -> *sync.Mutex
}

func NewService(store Store, auth *Authorizer, fanout Fanout, blobs media.BlobStore, logger *slog.Logger, timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Service{
		store:   store,
		auth:    auth,
		fanout:  fanout,
		blobs:   blobs,
		logger:  logger,
		timeout: timeout,
	}
}

func (s *Service) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Service) lockChat(chatID string) func() {
	v, _ := s.chatLocks.LoadOrStore(chatID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Resolve returns the chat for an unordered participant pair, creating it
// idempotently. (A,B) and (B,A) resolve to the same chat; self-chats are
// rejected.
func (s *Service) Resolve(ctx context.Context, a, b string) (*Chat, error) {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a == "" || b == "" {
		return nil, fmt.Errorf("%w: both participant ids are required", ErrInvalidArgument)
	}
	if a == b {
		return nil, fmt.Errorf("%w: cannot start a chat with yourself", ErrInvalidArgument)
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.store.ResolveChat(ctx, a, b)
}

// ListChats returns the participant's chats, newest activity first.
func (s *Service) ListChats(ctx context.Context, participantID string) ([]*Chat, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.store.ListChats(ctx, participantID)
}

// Authorize returns the chat when requesterID is one of its participants.
func (s *Service) Authorize(ctx context.Context, chatID, requesterID string) (*Chat, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	chat, err := s.store.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if !chat.HasParticipant(requesterID) {
		return nil, fmt.Errorf("%w: not a chat participant", ErrForbidden)
	}
	return chat, nil
}

// Page returns one chronological slice of the timeline. The first page (empty
// cursor) holds the newest messages; following the cursor walks strictly
// older ones. One extra row is fetched so HasMore is exact at page boundaries.
func (s *Service) Page(ctx context.Context, chatID, requesterID, cursorToken string, limit int) (*Chat, *Page, error) {
	chat, err := s.Authorize(ctx, chatID, requesterID)
	if err != nil {
		return nil, nil, err
	}

	if limit <= 0 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}

	var before *Cursor
	if cursorToken != "" {
		c, err := DecodeCursor(cursorToken)
		if err != nil {
			return nil, nil, err
		}
		before = &c
	}

	opCtx, cancel := s.opCtx(ctx)
	defer cancel()
	rows, err := s.store.PageMessages(opCtx, chatID, before, limit+1)
	if err != nil {
		return nil, nil, err
	}

	hasMore := len(rows) > limit
	if hasMore {
		rows = rows[:limit]
	}

	// rows are newest→oldest; the API speaks chronological order
	lo.Reverse(rows)
	page := &Page{
		Messages: lo.Map(rows, func(m *Message, _ int) *MessageView { return s.view(m) }),
		HasMore:  hasMore,
	}
	if len(rows) > 0 {
		oldest := rows[0]
		page.NextCursor = Cursor{CreatedAt: oldest.CreatedAt, ID: oldest.ID}.Encode()
	}
	return chat, page, nil
}

// SendCommand is a message append, regardless of which transport carried it.
type SendCommand struct {
	ChatID     string
	SenderID   string
	SenderName string
	Text       string
	Image      *media.Image // already validated and stored
}

// Send appends a message and broadcasts message-created to the chat room.
// Persistence is the durability boundary: once the insert commits, a failed
// broadcast is logged and dropped, never rolled back.
func (s *Service) Send(ctx context.Context, cmd SendCommand) (*MessageView, error) {
	text := strings.TrimSpace(cmd.Text)
	if text == "" && cmd.Image == nil {
		s.discardImage(cmd.Image)
		return nil, fmt.Errorf("%w: a message needs text or an image", ErrInvalidArgument)
	}
	if text == "" {
		text = imagePlaceholder
	}

	opCtx, cancel := s.opCtx(ctx)
	defer cancel()

	chat, err := s.store.GetChat(opCtx, cmd.ChatID)
	if err != nil {
		s.discardImage(cmd.Image)
		return nil, err
	}
	if !chat.HasParticipant(cmd.SenderID) {
		s.discardImage(cmd.Image)
		return nil, fmt.Errorf("%w: sender is not a chat participant", ErrForbidden)
	}

	msg := &Message{
		ChatID:     cmd.ChatID,
		SenderID:   cmd.SenderID,
		SenderName: cmd.SenderName,
		Text:       text,
	}
	if cmd.Image != nil {
		msg.ImageKey = cmd.Image.Key
		msg.ImageType = cmd.Image.ContentType
	}

	unlock := s.lockChat(cmd.ChatID)
	defer unlock()

	msg, err = s.store.InsertMessage(opCtx, msg)
	if err != nil {
		s.discardImage(cmd.Image)
		return nil, err
	}

	view := s.view(msg)
	s.fanout.Broadcast(cmd.ChatID, &Event{Type: EventMessageCreated, ChatID: cmd.ChatID, Message: view})
	return view, nil
}

// Edit overwrites a message's text and broadcasts message-updated. Only the
// sender may edit, and only within the edit window; the image part of a
// message is never editable.
func (s *Service) Edit(ctx context.Context, messageID int64, editorID, newText string) (*MessageView, error) {
	newText = strings.TrimSpace(newText)
	if newText == "" {
		return nil, fmt.Errorf("%w: edited text cannot be empty", ErrInvalidArgument)
	}

	opCtx, cancel := s.opCtx(ctx)
	defer cancel()

	msg, err := s.store.GetMessage(opCtx, messageID)
	if err != nil {
		return nil, err
	}
	if err := s.auth.CanEdit(msg, editorID); err != nil {
		return nil, err
	}

	unlock := s.lockChat(msg.ChatID)
	defer unlock()

	msg, err = s.store.UpdateMessageText(opCtx, messageID, newText)
	if err != nil {
		return nil, err
	}

	view := s.view(msg)
	s.fanout.Broadcast(msg.ChatID, &Event{Type: EventMessageUpdated, ChatID: msg.ChatID, Message: view})
	return view, nil
}

// Delete removes a message and broadcasts message-deleted. When the deleted
// message was the chat's last one, the store shifts the last-message pointer
// back. Image blobs are cleaned up best-effort.
func (s *Service) Delete(ctx context.Context, messageID int64, requesterID string) error {
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()

	msg, err := s.store.GetMessage(opCtx, messageID)
	if err != nil {
		return err
	}
	if err := s.auth.CanDelete(msg, requesterID); err != nil {
		return err
	}

	unlock := s.lockChat(msg.ChatID)
	defer unlock()

	if err := s.store.DeleteMessage(opCtx, msg); err != nil {
		return err
	}

	if msg.ImageKey != "" {
		s.discardImage(&media.Image{Key: msg.ImageKey, ThumbKey: media.ThumbKeyFor(msg.ImageKey), ContentType: msg.ImageType})
	}

	s.fanout.Broadcast(msg.ChatID, &Event{Type: EventMessageDeleted, ChatID: msg.ChatID, MessageID: messageID})
	return nil
}

// Typing relays a typing indicator to the room. Ephemeral: nothing is
// persisted and delivery is not guaranteed.
func (s *Service) Typing(chatID, participantID string, isTyping bool) {
	s.fanout.Broadcast(chatID, &Event{
		Type:          EventTyping,
		ChatID:        chatID,
		ParticipantID: participantID,
		IsTyping:      isTyping,
	})
}

func (s *Service) view(m *Message) *MessageView {
	v := &MessageView{
		ID:         m.ID,
		ChatID:     m.ChatID,
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		Text:       m.Text,
		ImageType:  m.ImageType,
		Edited:     m.Edited,
		CreatedAt:  m.CreatedAt,
	}
	if m.ImageKey != "" {
		v.ImageURL = "/api/images/" + m.ImageKey
		if m.ImageType != "image/webp" {
			v.ThumbURL = "/api/images/" + media.ThumbKeyFor(m.ImageKey)
		}
	}
	return v
}

// discardImage removes stored blobs for a message that did not make it into
// (or just left) the timeline. Best-effort: orphaned blobs are only wasted
// space, never inconsistency.
func (s *Service) discardImage(img *media.Image) {
	if img == nil || s.blobs == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.blobs.Remove(ctx, img.Key); err != nil {
		s.logger.Warn("failed to remove image blob", "key", img.Key, "error", err)
	}
	if img.ThumbKey != "" {
		if err := s.blobs.Remove(ctx, img.ThumbKey); err != nil {
			s.logger.Warn("failed to remove thumbnail blob", "key", img.ThumbKey, "error", err)
		}
	}
}
