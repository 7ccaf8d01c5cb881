package chat

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeClock makes the edit window deterministic.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// memStore is an in-memory Store with the same semantics as the Postgres
// repository: canonical pairs, transactional last-message pointer upkeep,
// (created_at, id) timeline order.
type memStore struct {
	mu        sync.Mutex
	chats     map[string]*Chat
	messages  map[int64]*Message
	nextChat  int
	nextMsg   int64
	clock     *fakeClock
	lastLimit int
}

func newMemStore(clock *fakeClock) *memStore {
	return &memStore{
		chats:    make(map[string]*Chat),
		messages: make(map[int64]*Message),
		clock:    clock,
	}
}

func (s *memStore) ResolveChat(_ context.Context, a, b string) (*Chat, error) {
	if a > b {
		a, b = b, a
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.chats {
		if c.ParticipantA == a && c.ParticipantB == b {
			cp := *c
			return &cp, nil
		}
	}
	s.nextChat++
	now := s.clock.Now()
	c := &Chat{
		ID:           fmt.Sprintf("chat-%d", s.nextChat),
		ParticipantA: a,
		ParticipantB: b,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.chats[c.ID] = c
	cp := *c
	return &cp, nil
}

func (s *memStore) GetChat(_ context.Context, id string) (*Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[id]
	if !ok {
		return nil, fmt.Errorf("%w: chat %s", ErrNotFound, id)
	}
	cp := *c
	return &cp, nil
}

func (s *memStore) ListChats(_ context.Context, participantID string) ([]*Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Chat
	for _, c := range s.chats {
		if c.HasParticipant(participantID) {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *memStore) InsertMessage(_ context.Context, m *Message) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chat, ok := s.chats[m.ChatID]
	if !ok {
		return nil, fmt.Errorf("%w: chat %s", ErrNotFound, m.ChatID)
	}
	s.nextMsg++
	m.ID = s.nextMsg
	m.CreatedAt = s.clock.Now()
	cp := *m
	s.messages[m.ID] = &cp
	id := m.ID
	chat.LastMessageID = &id
	chat.UpdatedAt = m.CreatedAt
	return m, nil
}

func (s *memStore) GetMessage(_ context.Context, id int64) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, fmt.Errorf("%w: message %d", ErrNotFound, id)
	}
	cp := *m
	return &cp, nil
}

func (s *memStore) PageMessages(_ context.Context, chatID string, before *Cursor, limit int) ([]*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastLimit = limit

	var rows []*Message
	for _, m := range s.messages {
		if m.ChatID != chatID {
			continue
		}
		if before != nil {
			older := m.CreatedAt.Before(before.CreatedAt) ||
				(m.CreatedAt.Equal(before.CreatedAt) && m.ID < before.ID)
			if !older {
				continue
			}
		}
		cp := *m
		rows = append(rows, &cp)
	}
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].CreatedAt.After(rows[j].CreatedAt)
		}
		return rows[i].ID > rows[j].ID
	})
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func (s *memStore) UpdateMessageText(_ context.Context, id int64, text string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, fmt.Errorf("%w: message %d", ErrNotFound, id)
	}
	m.Text = text
	m.Edited = true
	cp := *m
	return &cp, nil
}

func (s *memStore) DeleteMessage(_ context.Context, m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.messages[m.ID]
	if !ok {
		return fmt.Errorf("%w: message %d", ErrNotFound, m.ID)
	}
	delete(s.messages, m.ID)

	chat := s.chats[stored.ChatID]
	if chat.LastMessageID != nil && *chat.LastMessageID == m.ID {
		chat.LastMessageID = nil
		var newest *Message
		for _, other := range s.messages {
			if other.ChatID != stored.ChatID {
				continue
			}
			if newest == nil || other.CreatedAt.After(newest.CreatedAt) ||
				(other.CreatedAt.Equal(newest.CreatedAt) && other.ID > newest.ID) {
				newest = other
			}
		}
		if newest != nil {
			id := newest.ID
			chat.LastMessageID = &id
		}
		chat.UpdatedAt = s.clock.Now()
	}
	return nil
}

// captureFanout records broadcasts instead of delivering them.
type captureFanout struct {
	mu     sync.Mutex
	events []*Event
}

func (f *captureFanout) Broadcast(_ string, evt *Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, evt)
}

func (f *captureFanout) all() []*Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Event(nil), f.events...)
}

func (f *captureFanout) ofType(kind string) []*Event {
	var out []*Event
	for _, e := range f.all() {
		if e.Type == kind {
			out = append(out, e)
		}
	}
	return out
}

func newTestService(t *testing.T) (*Service, *memStore, *captureFanout, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	store := newMemStore(clock)
	fanout := &captureFanout{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewService(store, NewAuthorizer(clock.Now), fanout, nil, logger, time.Second)
	return svc, store, fanout, clock
}

func TestResolveIsOrderIndependentAndIdempotent(t *testing.T) {
	req := require.New(t)
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	ab, err := svc.Resolve(ctx, "alice", "bob")
	req.NoError(err)
	ba, err := svc.Resolve(ctx, "bob", "alice")
	req.NoError(err)
	again, err := svc.Resolve(ctx, "alice", "bob")
	req.NoError(err)

	req.Equal(ab.ID, ba.ID)
	req.Equal(ab.ID, again.ID)
	req.Equal("alice", ab.ParticipantA)
	req.Equal("bob", ab.ParticipantB)
}

func TestResolveRejectsSelfChatAndMissingIDs(t *testing.T) {
	req := require.New(t)
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Resolve(ctx, "alice", "alice")
	req.ErrorIs(err, ErrInvalidArgument)

	_, err = svc.Resolve(ctx, "", "bob")
	req.ErrorIs(err, ErrInvalidArgument)

	_, err = svc.Resolve(ctx, "alice", "  ")
	req.ErrorIs(err, ErrInvalidArgument)
}

func TestSendValidations(t *testing.T) {
	req := require.New(t)
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	chat, err := svc.Resolve(ctx, "alice", "bob")
	req.NoError(err)

	_, err = svc.Send(ctx, SendCommand{ChatID: "missing", SenderID: "alice", Text: "hi"})
	req.ErrorIs(err, ErrNotFound)

	_, err = svc.Send(ctx, SendCommand{ChatID: chat.ID, SenderID: "mallory", Text: "hi"})
	req.ErrorIs(err, ErrForbidden)

	_, err = svc.Send(ctx, SendCommand{ChatID: chat.ID, SenderID: "alice", Text: "   "})
	req.ErrorIs(err, ErrInvalidArgument)
}

func TestSendBroadcastsAndAdvancesPointer(t *testing.T) {
	req := require.New(t)
	svc, store, fanout, clock := newTestService(t)
	ctx := context.Background()

	chat, err := svc.Resolve(ctx, "alice", "bob")
	req.NoError(err)

	first, err := svc.Send(ctx, SendCommand{ChatID: chat.ID, SenderID: "alice", SenderName: "alice", Text: "hi"})
	req.NoError(err)
	clock.Advance(time.Second)
	second, err := svc.Send(ctx, SendCommand{ChatID: chat.ID, SenderID: "bob", SenderName: "bob", Text: "hello"})
	req.NoError(err)

	created := fanout.ofType(EventMessageCreated)
	req.Len(created, 2)
	req.Equal(first.ID, created[0].Message.ID)
	req.Equal(second.ID, created[1].Message.ID)

	stored, err := store.GetChat(ctx, chat.ID)
	req.NoError(err)
	req.NotNil(stored.LastMessageID)
	req.Equal(second.ID, *stored.LastMessageID)
	req.Equal(second.CreatedAt, stored.UpdatedAt)
}

func TestPageWalkCoversTimelineInOrder(t *testing.T) {
	req := require.New(t)
	svc, _, _, clock := newTestService(t)
	ctx := context.Background()

	chat, err := svc.Resolve(ctx, "alice", "bob")
	req.NoError(err)

	const n = 7
	for i := 0; i < n; i++ {
		clock.Advance(time.Second)
		_, err := svc.Send(ctx, SendCommand{ChatID: chat.ID, SenderID: "alice", Text: fmt.Sprintf("msg %d", i)})
		req.NoError(err)
	}

	var collected []string
	cursor := ""
	pages := 0
	for {
		_, page, err := svc.Page(ctx, chat.ID, "bob", cursor, 3)
		req.NoError(err)
		pages++
		req.LessOrEqual(len(page.Messages), 3)

		// each page is chronological; prepend to keep global order
		var texts []string
		for _, m := range page.Messages {
			texts = append(texts, m.Text)
		}
		collected = append(texts, collected...)

		if !page.HasMore {
			break
		}
		cursor = page.NextCursor
	}

	req.Equal(3, pages)
	req.Len(collected, n)
	for i := 0; i < n; i++ {
		req.Equal(fmt.Sprintf("msg %d", i), collected[i])
	}
}

func TestPageHasMoreExactAtBoundary(t *testing.T) {
	req := require.New(t)
	svc, _, _, clock := newTestService(t)
	ctx := context.Background()

	chat, err := svc.Resolve(ctx, "alice", "bob")
	req.NoError(err)
	for i := 0; i < 4; i++ {
		clock.Advance(time.Second)
		_, err := svc.Send(ctx, SendCommand{ChatID: chat.ID, SenderID: "alice", Text: fmt.Sprintf("msg %d", i)})
		req.NoError(err)
	}

	_, first, err := svc.Page(ctx, chat.ID, "alice", "", 2)
	req.NoError(err)
	req.Len(first.Messages, 2)
	req.True(first.HasMore)

	_, second, err := svc.Page(ctx, chat.ID, "alice", first.NextCursor, 2)
	req.NoError(err)
	req.Len(second.Messages, 2)
	req.False(second.HasMore, "an exact multiple of the page size must not report more")

	// a full walk of an exact multiple ends cleanly with an empty page never served
	_, third, err := svc.Page(ctx, chat.ID, "alice", second.NextCursor, 2)
	req.NoError(err)
	req.Empty(third.Messages)
	req.False(third.HasMore)
}

func TestPageClampsLimit(t *testing.T) {
	req := require.New(t)
	svc, store, _, _ := newTestService(t)
	ctx := context.Background()

	chat, err := svc.Resolve(ctx, "alice", "bob")
	req.NoError(err)

	_, _, err = svc.Page(ctx, chat.ID, "alice", "", 0)
	req.NoError(err)
	req.Equal(DefaultPageLimit+1, store.lastLimit, "default limit plus lookahead")

	_, _, err = svc.Page(ctx, chat.ID, "alice", "", 100000)
	req.NoError(err)
	req.Equal(MaxPageLimit+1, store.lastLimit)
}

func TestPageRejectsOutsiders(t *testing.T) {
	req := require.New(t)
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	chat, err := svc.Resolve(ctx, "alice", "bob")
	req.NoError(err)

	_, _, err = svc.Page(ctx, chat.ID, "mallory", "", 10)
	req.ErrorIs(err, ErrForbidden)

	_, _, err = svc.Page(ctx, "missing", "alice", "", 10)
	req.ErrorIs(err, ErrNotFound)
}

func TestEditWithinWindowBySender(t *testing.T) {
	req := require.New(t)
	svc, _, fanout, clock := newTestService(t)
	ctx := context.Background()

	chat, err := svc.Resolve(ctx, "alice", "bob")
	req.NoError(err)
	sent, err := svc.Send(ctx, SendCommand{ChatID: chat.ID, SenderID: "alice", Text: "typo"})
	req.NoError(err)

	clock.Advance(5 * time.Minute)
	edited, err := svc.Edit(ctx, sent.ID, "alice", "typo fixed")
	req.NoError(err)
	req.True(edited.Edited)
	req.Equal("typo fixed", edited.Text)

	updated := fanout.ofType(EventMessageUpdated)
	req.Len(updated, 1)
	req.Equal(sent.ID, updated[0].Message.ID)
	req.True(updated[0].Message.Edited)
}

func TestEditAfterWindowIsForbidden(t *testing.T) {
	req := require.New(t)
	svc, _, _, clock := newTestService(t)
	ctx := context.Background()

	chat, err := svc.Resolve(ctx, "alice", "bob")
	req.NoError(err)
	sent, err := svc.Send(ctx, SendCommand{ChatID: chat.ID, SenderID: "alice", Text: "typo"})
	req.NoError(err)

	clock.Advance(20 * time.Minute)
	_, err = svc.Edit(ctx, sent.ID, "alice", "too late")
	req.ErrorIs(err, ErrForbidden)
}

func TestEditByNonSenderIsForbidden(t *testing.T) {
	req := require.New(t)
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	chat, err := svc.Resolve(ctx, "alice", "bob")
	req.NoError(err)
	sent, err := svc.Send(ctx, SendCommand{ChatID: chat.ID, SenderID: "alice", Text: "mine"})
	req.NoError(err)

	_, err = svc.Edit(ctx, sent.ID, "bob", "hijacked")
	req.ErrorIs(err, ErrForbidden)
}

func TestEditValidation(t *testing.T) {
	req := require.New(t)
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	chat, err := svc.Resolve(ctx, "alice", "bob")
	req.NoError(err)
	sent, err := svc.Send(ctx, SendCommand{ChatID: chat.ID, SenderID: "alice", Text: "hello"})
	req.NoError(err)

	_, err = svc.Edit(ctx, sent.ID, "alice", "   ")
	req.ErrorIs(err, ErrInvalidArgument)

	_, err = svc.Edit(ctx, 9999, "alice", "hello")
	req.ErrorIs(err, ErrNotFound)
}

func TestDeleteShiftsLastMessagePointer(t *testing.T) {
	req := require.New(t)
	svc, store, fanout, clock := newTestService(t)
	ctx := context.Background()

	chat, err := svc.Resolve(ctx, "alice", "bob")
	req.NoError(err)
	first, err := svc.Send(ctx, SendCommand{ChatID: chat.ID, SenderID: "alice", Text: "first"})
	req.NoError(err)
	clock.Advance(time.Second)
	second, err := svc.Send(ctx, SendCommand{ChatID: chat.ID, SenderID: "bob", Text: "second"})
	req.NoError(err)

	req.NoError(svc.Delete(ctx, second.ID, "bob"))

	stored, err := store.GetChat(ctx, chat.ID)
	req.NoError(err)
	req.NotNil(stored.LastMessageID)
	req.Equal(first.ID, *stored.LastMessageID)

	deleted := fanout.ofType(EventMessageDeleted)
	req.Len(deleted, 1)
	req.Equal(second.ID, deleted[0].MessageID)
	req.Equal(chat.ID, deleted[0].ChatID)
}

func TestDeleteOnlyMessageClearsPointer(t *testing.T) {
	req := require.New(t)
	svc, store, _, _ := newTestService(t)
	ctx := context.Background()

	chat, err := svc.Resolve(ctx, "alice", "bob")
	req.NoError(err)
	only, err := svc.Send(ctx, SendCommand{ChatID: chat.ID, SenderID: "bob", Text: "lonely"})
	req.NoError(err)

	req.NoError(svc.Delete(ctx, only.ID, "bob"))

	stored, err := store.GetChat(ctx, chat.ID)
	req.NoError(err)
	req.Nil(stored.LastMessageID)

	_, page, err := svc.Page(ctx, chat.ID, "alice", "", 10)
	req.NoError(err)
	req.Empty(page.Messages)
	req.False(page.HasMore)
}

func TestDeleteByNonSenderIsForbidden(t *testing.T) {
	req := require.New(t)
	svc, _, _, clock := newTestService(t)
	ctx := context.Background()

	chat, err := svc.Resolve(ctx, "alice", "bob")
	req.NoError(err)
	sent, err := svc.Send(ctx, SendCommand{ChatID: chat.ID, SenderID: "alice", Text: "mine"})
	req.NoError(err)

	// no time window applies to delete, but ownership always does
	clock.Advance(48 * time.Hour)
	err = svc.Delete(ctx, sent.ID, "bob")
	req.ErrorIs(err, ErrForbidden)
	req.NoError(svc.Delete(ctx, sent.ID, "alice"))
}

func TestTypingBroadcastsWithoutPersisting(t *testing.T) {
	req := require.New(t)
	svc, store, fanout, _ := newTestService(t)
	ctx := context.Background()

	chat, err := svc.Resolve(ctx, "alice", "bob")
	req.NoError(err)

	svc.Typing(chat.ID, "alice", true)
	svc.Typing(chat.ID, "alice", false)

	typing := fanout.ofType(EventTyping)
	req.Len(typing, 2)
	req.Equal("alice", typing[0].ParticipantID)
	req.True(typing[0].IsTyping)
	req.False(typing[1].IsTyping)

	_, page, err := svc.Page(ctx, chat.ID, "alice", "", 10)
	req.NoError(err)
	req.Empty(page.Messages)
	req.Equal(0, len(store.messages))
}
