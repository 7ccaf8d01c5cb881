package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestHub() *Hub {
	return NewHub(nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func newTestClient(hub *Hub, userID string) *Client {
	return NewClient(hub, nil, nil, userID, userID, hub.logger)
}

func recvEvent(t *testing.T, c *Client) *Event {
	t.Helper()
	select {
	case payload := <-c.send:
		var evt Event
		require.NoError(t, json.Unmarshal(payload, &evt))
		return &evt
	default:
		t.Fatal("expected an event, send buffer is empty")
		return nil
	}
}

func TestBroadcastReachesRoomMembersOnly(t *testing.T) {
	req := require.New(t)
	hub := newTestHub()

	alice := newTestClient(hub, "alice")
	bob := newTestClient(hub, "bob")
	outsider := newTestClient(hub, "carol")
	for _, c := range []*Client{alice, bob, outsider} {
		hub.Register(c)
	}
	hub.Join(alice, "chat-1")
	hub.Join(bob, "chat-1")
	hub.Join(outsider, "chat-2")

	hub.Broadcast("chat-1", &Event{Type: EventMessageCreated, ChatID: "chat-1", Message: &MessageView{ID: 7, Text: "hi"}})

	for _, c := range []*Client{alice, bob} {
		evt := recvEvent(t, c)
		req.Equal(EventMessageCreated, evt.Type)
		req.Equal(int64(7), evt.Message.ID)
	}
	req.Empty(outsider.send)
}

func TestLeftAndDisconnectedClientsReceiveNothing(t *testing.T) {
	req := require.New(t)
	hub := newTestHub()

	staying := newTestClient(hub, "alice")
	leaving := newTestClient(hub, "bob")
	dropping := newTestClient(hub, "carol")
	for _, c := range []*Client{staying, leaving, dropping} {
		hub.Register(c)
		hub.Join(c, "chat-1")
	}

	hub.Leave(leaving, "chat-1")
	hub.Unregister(dropping)

	hub.Broadcast("chat-1", &Event{Type: EventMessageCreated, ChatID: "chat-1", Message: &MessageView{ID: 1}})

	req.Len(staying.send, 1)
	req.Empty(leaving.send)
	_, open := <-dropping.send
	req.False(open, "disconnected client's send channel must be closed")
}

func TestUnregisterIsIdempotentAndClearsPresence(t *testing.T) {
	req := require.New(t)
	hub := newTestHub()

	c := newTestClient(hub, "alice")
	hub.Register(c)
	hub.Join(c, "chat-1")

	id, ok := hub.Participant(c.ID)
	req.True(ok)
	req.Equal("alice", id)

	hub.Unregister(c)
	hub.Unregister(c) // second call must not panic on a closed channel

	_, ok = hub.Participant(c.ID)
	req.False(ok)
	req.Empty(hub.rooms, "empty rooms are pruned")
}

func TestSlowClientIsEvictedWithoutBlockingOthers(t *testing.T) {
	req := require.New(t)
	hub := newTestHub()

	healthy := newTestClient(hub, "alice")
	slow := newTestClient(hub, "bob")
	hub.Register(healthy)
	hub.Register(slow)
	hub.Join(healthy, "chat-1")
	hub.Join(slow, "chat-1")

	// jam the slow client's buffer
	for i := 0; i < cap(slow.send); i++ {
		slow.send <- []byte("{}")
	}

	hub.Broadcast("chat-1", &Event{Type: EventMessageCreated, ChatID: "chat-1", Message: &MessageView{ID: 1}})

	req.Len(healthy.send, 1)
	_, ok := hub.Participant(slow.ID)
	req.False(ok, "slow client must be evicted")

	// subsequent broadcasts still flow to the healthy client
	hub.Broadcast("chat-1", &Event{Type: EventMessageCreated, ChatID: "chat-1", Message: &MessageView{ID: 2}})
	req.Len(healthy.send, 2)
}

func TestBroadcastSurvivesConcurrentUnregister(t *testing.T) {
	hub := newTestHub()

	const members = 1000
	clients := make([]*Client, members)
	for i := range clients {
		c := newTestClient(hub, fmt.Sprintf("user-%d", i))
		hub.Register(c)
		hub.Join(c, "chat-1")
		clients[i] = c
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			hub.Broadcast("chat-1", &Event{Type: EventMessageCreated, ChatID: "chat-1", Message: &MessageView{ID: int64(i)}})
		}
	}()
	go func() {
		defer wg.Done()
		for _, c := range clients {
			hub.Unregister(c)
		}
	}()
	wg.Wait()

	require.Empty(t, hub.rooms, "every member was unregistered, the room must be pruned")
}

func TestTypingFrameRequiresJoinedRoom(t *testing.T) {
	req := require.New(t)
	hub := newTestHub()
	svc, _, fanout, _ := newTestService(t)

	ab, err := svc.Resolve(context.Background(), "alice", "bob")
	req.NoError(err)

	c := NewClient(hub, svc, nil, "alice", "alice", hub.logger)
	hub.Register(c)

	c.handleFrame(&ClientFrame{Type: FrameTyping, ChatID: ab.ID, IsTyping: true})
	req.Empty(fanout.ofType(EventTyping), "typing before joining the room must be dropped")

	c.handleFrame(&ClientFrame{Type: FrameJoinRoom, ChatID: ab.ID})
	c.handleFrame(&ClientFrame{Type: FrameTyping, ChatID: ab.ID, IsTyping: true})

	events := fanout.ofType(EventTyping)
	req.Len(events, 1)
	req.Equal("alice", events[0].ParticipantID)
	req.True(events[0].IsTyping)
}

func TestRejoinAfterLeave(t *testing.T) {
	req := require.New(t)
	hub := newTestHub()

	c := newTestClient(hub, "alice")
	hub.Register(c)
	hub.Join(c, "chat-1")
	hub.Leave(c, "chat-1")
	hub.Join(c, "chat-1")

	hub.Broadcast("chat-1", &Event{Type: EventTyping, ChatID: "chat-1", ParticipantID: "bob", IsTyping: true})
	evt := recvEvent(t, c)
	req.Equal(EventTyping, evt.Type)
	req.True(evt.IsTyping)
}
