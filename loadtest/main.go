package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

var (
	baseURL   = flag.String("base", "http://localhost:8080", "http base url")
	wsURL     = flag.String("ws", "ws://localhost:8080/ws", "websocket url")
	pairCount = flag.Int("pairs", 50, "number of chat pairs")
	msgCount  = flag.Int("msgs", 20, "messages per participant")
)

type authResponse struct {
	Token    string `json:"access_token"`
	ID       string `json:"id"`
	Username string `json:"username"`
}

type resolveResponse struct {
	Chat struct {
		ID string `json:"id"`
	} `json:"chat"`
}

var received atomic.Int64

func main() {
	flag.Parse()
	log.Printf("🔥 starting load test: %d pairs, %d messages each", *pairCount, *msgCount)

	var wg sync.WaitGroup
	for i := 0; i < *pairCount; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			runPair(pairID)
		}(i)
	}
	wg.Wait()

	log.Printf("✅ load test complete, %d events received", received.Load())
}

func runPair(pairID int) {
	nameA := fmt.Sprintf("u_%d_a", pairID)
	nameB := fmt.Sprintf("u_%d_b", pairID)
	pass := "password123"

	authA := authenticate(nameA, pass)
	authB := authenticate(nameB, pass)
	if authA == nil || authB == nil {
		return
	}

	chatID := resolveChat(authA.Token, authA.ID, authB.ID)
	if chatID == "" {
		return
	}

	var wsWg sync.WaitGroup
	wsWg.Add(2)
	go chatOver(&wsWg, authA, chatID)
	go chatOver(&wsWg, authB, chatID)
	wsWg.Wait()
}

// authenticate registers (ignoring "already exists") and logs in.
func authenticate(username, password string) *authResponse {
	postJSON("/register", map[string]string{"username": username, "password": password})

	resp, err := postJSON("/login", map[string]string{"username": username, "password": password})
	if err != nil {
		log.Printf("❌ login failed [%s]: %v", username, err)
		return nil
	}
	defer resp.Body.Close()

	var auth authResponse
	if err := json.NewDecoder(resp.Body).Decode(&auth); err != nil || auth.Token == "" {
		log.Printf("❌ login failed [%s]", username)
		return nil
	}
	return &auth
}

func resolveChat(token, idA, idB string) string {
	body, _ := json.Marshal(map[string]string{"participant_a": idA, "participant_b": idB})
	req, _ := http.NewRequest("POST", *baseURL+"/api/chats", bytes.NewBuffer(body))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil || resp.StatusCode != http.StatusOK {
		log.Printf("❌ resolve chat failed: %v", err)
		return ""
	}
	defer resp.Body.Close()

	var out resolveResponse
	json.NewDecoder(resp.Body).Decode(&out)
	return out.Chat.ID
}

func chatOver(wg *sync.WaitGroup, auth *authResponse, chatID string) {
	defer wg.Done()

	conn, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("%s?token=%s", *wsURL, auth.Token), nil)
	if err != nil {
		log.Printf("❌ ws connect failed [%s]: %v", auth.Username, err)
		return
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]string{"type": "join-room", "chat_id": chatID}); err != nil {
		return
	}

	// count broadcasts while sending
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var evt map[string]any
			if err := conn.ReadJSON(&evt); err != nil {
				return
			}
			if evt["type"] == "message-created" {
				received.Add(1)
			}
		}
	}()

	for i := 0; i < *msgCount; i++ {
		frame := map[string]string{
			"type":    "send-message",
			"chat_id": chatID,
			"text":    fmt.Sprintf("load test msg %d from %s", i, auth.Username),
		}
		if err := conn.WriteJSON(frame); err != nil {
			log.Printf("❌ send failed [%s]: %v", auth.Username, err)
			break
		}
		// small sleep to simulate a real network
		time.Sleep(10 * time.Millisecond)
	}

	// drain a moment longer so late broadcasts are counted
	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}
}

func postJSON(endpoint string, data interface{}) (*http.Response, error) {
	jsonData, _ := json.Marshal(data)
	return http.Post(*baseURL+endpoint, "application/json", bytes.NewBuffer(jsonData))
}
