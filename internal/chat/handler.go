package chat

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"duochat/internal/media"
	myMiddleware "duochat/internal/middleware"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // TODO: restrict origins once the frontend host is fixed
	},
}

// Handler exposes the chat pipeline over HTTP and upgrades websocket
// connections.
type Handler struct {
	svc    *Service
	hub    *Hub
	blobs  media.BlobStore
	logger *slog.Logger
}

func NewHandler(svc *Service, hub *Hub, blobs media.BlobStore, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, hub: hub, blobs: blobs, logger: logger}
}

func identity(r *http.Request) (userID, username string, ok bool) {
	userID, ok1 := r.Context().Value(myMiddleware.UserKey).(string)
	username, ok2 := r.Context().Value(myMiddleware.UsernameKey).(string)
	return userID, username, ok1 && ok2
}

// ResolveChat handles POST /api/chats: get-or-create the chat for an
// unordered participant pair.
func (h *Handler) ResolveChat(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := identity(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		ParticipantA string `json:"participant_a"`
		ParticipantB string `json:"participant_b"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, errors.Join(ErrInvalidArgument, err))
		return
	}

	chat, err := h.svc.Resolve(r.Context(), req.ParticipantA, req.ParticipantB)
	if err != nil {
		h.respondError(w, err)
		return
	}
	if !chat.HasParticipant(userID) {
		h.respondError(w, ErrForbidden)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"chat": chat})
}

// ListChats handles GET /api/chats: the caller's chats, newest activity first.
func (h *Handler) ListChats(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := identity(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	chats, err := h.svc.ListChats(r.Context(), userID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	if chats == nil {
		chats = []*Chat{}
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"chats": chats})
}

// PageMessages handles GET /api/chats/{chatID}/messages?cursor=&limit=.
func (h *Handler) PageMessages(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := identity(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	chatID := chi.URLParam(r, "chatID")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	chat, page, err := h.svc.Page(r.Context(), chatID, userID, r.URL.Query().Get("cursor"), limit)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{
		"chat":     chat,
		"messages": page.Messages,
		"pagination": map[string]any{
			"next_cursor": page.NextCursor,
			"has_more":    page.HasMore,
		},
	})
}

// SendMessage handles POST /api/messages (multipart): text and/or an image.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	userID, username, ok := identity(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	// bound the whole request body before any byte is parsed
	r.Body = http.MaxBytesReader(w, r.Body, media.MaxImageBytes+64<<10)
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			h.respondError(w, media.ErrTooLarge)
			return
		}
		h.respondError(w, errors.Join(ErrInvalidArgument, err))
		return
	}

	cmd := SendCommand{
		ChatID:     r.FormValue("chat_id"),
		SenderID:   userID,
		SenderName: username,
		Text:       r.FormValue("text"),
	}

	file, _, err := r.FormFile("image")
	switch {
	case err == nil:
		data, readErr := io.ReadAll(file)
		file.Close()
		if readErr != nil {
			h.respondError(w, media.ErrTooLarge)
			return
		}
		img, saveErr := media.SaveUpload(r.Context(), h.blobs, data)
		if saveErr != nil {
			h.respondError(w, saveErr)
			return
		}
		cmd.Image = img
	case errors.Is(err, http.ErrMissingFile):
		// text-only message
	default:
		h.respondError(w, errors.Join(ErrInvalidArgument, err))
		return
	}

	view, err := h.svc.Send(r.Context(), cmd)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, map[string]any{"message": view})
}

// EditMessage handles PATCH /api/messages/{id}.
func (h *Handler) EditMessage(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := identity(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		h.respondError(w, errors.Join(ErrInvalidArgument, err))
		return
	}

	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, errors.Join(ErrInvalidArgument, err))
		return
	}

	view, err := h.svc.Edit(r.Context(), id, userID, req.Text)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"message": view})
}

// DeleteMessage handles DELETE /api/messages/{id}.
func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := identity(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		h.respondError(w, errors.Join(ErrInvalidArgument, err))
		return
	}

	if err := h.svc.Delete(r.Context(), id, userID); err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"deleted_id": id})
}

// ServeImage handles GET /api/images/{key}: streams a stored blob.
func (h *Handler) ServeImage(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	data, contentType, err := h.blobs.Get(r.Context(), key)
	if err != nil {
		h.respondError(w, ErrNotFound)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "private, max-age=86400")
	w.Write(data)
}

// ServeWs handles GET /ws: upgrades the connection and starts the pumps.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	userID, username, ok := identity(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(h.hub, h.svc, conn, userID, username, h.logger)
	h.hub.Register(client)

	go client.WritePump()
	go client.ReadPump()
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	msg := "internal error"
	switch {
	case errors.Is(err, ErrInvalidArgument):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, ErrForbidden):
		status, msg = http.StatusForbidden, err.Error()
	case errors.Is(err, ErrNotFound):
		status, msg = http.StatusNotFound, err.Error()
	case errors.Is(err, media.ErrTooLarge):
		status, msg = http.StatusRequestEntityTooLarge, err.Error()
	case errors.Is(err, media.ErrUnsupportedType):
		status, msg = http.StatusUnsupportedMediaType, err.Error()
	case errors.Is(err, ErrUnavailable):
		status, msg = http.StatusServiceUnavailable, "temporarily unavailable, retry the request"
		h.logger.Error("persistence failure", "error", err)
	default:
		h.logger.Error("unhandled error", "error", err)
	}
	h.respondJSON(w, status, map[string]string{"error": msg})
}
