package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"glyph-sync-server/internal/crdt"
	"glyph-sync-server/internal/domain"
	"glyph-sync-server/internal/service"
	"glyph-sync-server/internal/websocket"

	"github.com/google/uuid"
	ws "github.com/gorilla/websocket"
	"github.com/gorilla/mux"
)

type WebSocketHandler struct {
	manager  *websocket.Manager
	upgrader ws.Upgrader
	logger   *slog.Logger
}

func NewWebSocketHandler(manager *websocket.Manager, readBufferSize, writeBufferSize int, logger *slog.Logger) *WebSocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketHandler{
		manager: manager,
		upgrader: ws.Upgrader{
			ReadBufferSize:  readBufferSize,
			WriteBufferSize: writeBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger: logger.With("component", "ws_handler"),
	}
}

// HandleConnection upgrades /ws/{room}. The client may pick its own id with
// ?client_id=; otherwise one is generated.
func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	room := mux.Vars(r)["room"]
	if _, ok := domain.TaskFromRoom(room); !ok {
		http.Error(w, "invalid room", http.StatusBadRequest)
		return
	}

	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		clientID = uuid.New().String()
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade connection", "room", room, "error", err)
		return
	}

	client := websocket.NewClient(clientID, room, conn, h.manager)
	if !h.manager.Join(client) {
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}

type WebSocketMessageHandler struct {
	rooms   *service.RoomService
	timeout time.Duration
}

func NewWebSocketMessageHandler(rooms *service.RoomService) *WebSocketMessageHandler {
	return &WebSocketMessageHandler{
		rooms:   rooms,
		timeout: 10 * time.Second,
	}
}

func (h *WebSocketMessageHandler) HandleWebSocketMessage(client *websocket.Client, msg *websocket.Message) error {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	switch msg.Type {
	case websocket.TypeSync:
		return h.handleSync(ctx, client, msg)

	case websocket.TypeUpdate:
		return h.handleUpdate(ctx, client, msg)

	case websocket.TypeAwareness:
		return h.handleAwareness(ctx, client, msg)

	case websocket.TypePing:
		return h.handlePing(client)

	default:
		return sendError(client, "unknown_type", "unknown message type: "+string(msg.Type))
	}
}

func (h *WebSocketMessageHandler) handleSync(ctx context.Context, client *websocket.Client, msg *websocket.Message) error {
	var payload websocket.SyncPayload
	if err := msg.UnmarshalPayload(&payload); err != nil {
		return sendError(client, "bad_payload", err.Error())
	}

	state, err := h.rooms.Sync(ctx, client.Room, payload.State)
	if err != nil {
		if errors.Is(err, crdt.ErrMalformedUpdate) {
			return sendError(client, "malformed_update", err.Error())
		}
		return err
	}

	reply, err := websocket.NewMessage(websocket.TypeSyncReply, client.Room, &websocket.SyncPayload{
		ClientID: client.ID,
		State:    state,
	})
	if err != nil {
		return err
	}
	client.SendMessage(reply)
	return nil
}

func (h *WebSocketMessageHandler) handleUpdate(ctx context.Context, client *websocket.Client, msg *websocket.Message) error {
	var payload websocket.UpdatePayload
	if err := msg.UnmarshalPayload(&payload); err != nil {
		return sendError(client, "bad_payload", err.Error())
	}

	if err := h.rooms.ApplyUpdate(ctx, client.Room, client.ID, payload.Update); err != nil {
		if errors.Is(err, crdt.ErrMalformedUpdate) {
			return nil
		}
		return err
	}
	return nil
}

func (h *WebSocketMessageHandler) handleAwareness(ctx context.Context, client *websocket.Client, msg *websocket.Message) error {
	var payload websocket.AwarenessPayload
	if err := msg.UnmarshalPayload(&payload); err != nil {
		return sendError(client, "bad_payload", err.Error())
	}

	// a client may only speak for itself
	payload.ClientID = client.ID
	if payload.State != nil {
		payload.State.ClientID = client.ID
	}
	return h.rooms.ApplyAwareness(ctx, client.Room, &payload)
}

func (h *WebSocketMessageHandler) handlePing(client *websocket.Client) error {
	pongMsg, err := websocket.NewMessage(websocket.TypePong, client.Room, nil)
	if err != nil {
		return err
	}
	client.SendMessage(pongMsg)
	return nil
}

func sendError(client *websocket.Client, code, message string) error {
	msg, err := websocket.NewMessage(websocket.TypeError, client.Room, &websocket.ErrorPayload{Code: code, Message: message})
	if err != nil {
		return err
	}
	client.SendMessage(msg)
	return nil
}
