package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"
)

type ClientMessage struct {
	Client  *Client
	Message []byte
}

type Config struct {
	WriteWait         time.Duration
	PongWait          time.Duration
	PingPeriod        time.Duration
	MaxMessageSize    int64
	SendBuffer        int
	MaxClientsPerRoom int
	// MessagesPerSecond of zero disables per-client rate limiting.
	MessagesPerSecond float64
	Burst             int
	// RoomBacklog caps the inbound messages waiting per room; extra messages
	// are dropped.
	RoomBacklog int
}

func DefaultConfig() Config {
	return Config{
		WriteWait:         10 * time.Second,
		PongWait:          60 * time.Second,
		PingPeriod:        54 * time.Second,
		MaxMessageSize:    10 << 20,
		SendBuffer:        256,
		MaxClientsPerRoom: 64,
		MessagesPerSecond: 50,
		Burst:             100,
		RoomBacklog:       1024,
	}
}

type MessageHandler interface {
	HandleWebSocketMessage(client *Client, msg *Message) error
}

// RoomListener is told when a client leaves a room. remaining is the number of
// local clients still connected to it.
type RoomListener interface {
	ClientLeft(room, clientID string, remaining int)
}

type Metrics interface {
	ClientConnected()
	ClientDisconnected()
	MessageDropped(reason string)
}

type nopMetrics struct{}

func (nopMetrics) ClientConnected()      {}
func (nopMetrics) ClientDisconnected()   {}
func (nopMetrics) MessageDropped(string) {}

type Manager struct {
	clients      map[string]*Client
	rooms        map[string]map[string]*Client
	presence     map[string]map[string]json.RawMessage
	clientsMutex sync.RWMutex

	Register      chan *Client
	Unregister    chan *Client
	HandleMessage chan *ClientMessage
	done          chan struct{}

	// handler and listener calls run here, serialized per room
	dispatcher *roomDispatcher

	cfg            Config
	messageHandler MessageHandler
	roomListener   RoomListener
	metrics        Metrics
	logger         *slog.Logger
}

func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &Manager{
		clients:       make(map[string]*Client),
		rooms:         make(map[string]map[string]*Client),
		presence:      make(map[string]map[string]json.RawMessage),
		Register:      make(chan *Client),
		Unregister:    make(chan *Client),
		HandleMessage: make(chan *ClientMessage),
		done:          make(chan struct{}),
		dispatcher:    newRoomDispatcher(cfg.RoomBacklog),
		cfg:           cfg,
		metrics:       nopMetrics{},
		logger:        logger.With("component", "ws_manager"),
	}
}

func (m *Manager) SetMessageHandler(handler MessageHandler) {
	m.messageHandler = handler
}

func (m *Manager) SetRoomListener(listener RoomListener) {
	m.roomListener = listener
}

func (m *Manager) SetMetrics(metrics Metrics) {
	if metrics != nil {
		m.metrics = metrics
	}
}

// Run processes registrations and inbound messages until ctx is done, then
// disconnects every client.
func (m *Manager) Run(ctx context.Context) error {
	defer m.shutdown()

	for {
		select {
		case <-ctx.Done():
			return nil

		case client := <-m.Register:
			m.registerClient(client)

		case client := <-m.Unregister:
			m.unregisterClient(client)

		case clientMsg := <-m.HandleMessage:
			m.processMessage(clientMsg)
		}
	}
}

func (m *Manager) registerClient(client *Client) {
	m.clientsMutex.Lock()

	if _, exists := m.clients[client.ID]; exists {
		m.clientsMutex.Unlock()
		m.logger.Warn("duplicate client id", "room", client.Room, "client_id", client.ID)
		close(client.Send)
		return
	}

	room := m.rooms[client.Room]
	if m.cfg.MaxClientsPerRoom > 0 && len(room) >= m.cfg.MaxClientsPerRoom {
		m.clientsMutex.Unlock()
		m.logger.Warn("room is full", "room", client.Room, "client_id", client.ID)
		close(client.Send)
		return
	}
	if room == nil {
		room = make(map[string]*Client)
		m.rooms[client.Room] = room
	}
	room[client.ID] = client
	m.clients[client.ID] = client

	// replay current presence so late joiners see everyone
	for clientID, payload := range m.presence[client.Room] {
		if clientID == client.ID {
			continue
		}
		msg := &Message{Type: TypeAwareness, Room: client.Room, Timestamp: time.Now(), Payload: payload}
		if data, err := msg.Encode(); err == nil {
			select {
			case client.Send <- data:
			default:
			}
		}
	}
	m.clientsMutex.Unlock()

	m.metrics.ClientConnected()
	m.logger.Info("client registered", "client_id", client.ID, "room", client.Room)
}

func (m *Manager) unregisterClient(client *Client) {
	m.clientsMutex.Lock()
	if current, ok := m.clients[client.ID]; !ok || current != client {
		m.clientsMutex.Unlock()
		return
	}

	delete(m.clients, client.ID)
	room := m.rooms[client.Room]
	delete(room, client.ID)
	remaining := len(room)
	if remaining == 0 {
		delete(m.rooms, client.Room)
	}
	if p := m.presence[client.Room]; p != nil {
		delete(p, client.ID)
		if len(p) == 0 {
			delete(m.presence, client.Room)
		}
	}
	close(client.Send)
	m.clientsMutex.Unlock()

	m.metrics.ClientDisconnected()
	m.logger.Info("client unregistered", "client_id", client.ID, "room", client.Room, "remaining", remaining)

	// clear the departed client's presence for everyone still in the room
	if remaining > 0 {
		if msg, err := NewMessage(TypeAwareness, client.Room, &AwarenessPayload{ClientID: client.ID}); err == nil {
			m.BroadcastToRoom(client.Room, msg, client.ID)
		}
	}
	if listener := m.roomListener; listener != nil {
		m.dispatcher.dispatch(client.Room, func() {
			listener.ClientLeft(client.Room, client.ID, remaining)
		}, false)
	}
}

func (m *Manager) processMessage(clientMsg *ClientMessage) {
	msg, err := DecodeMessage(clientMsg.Message)
	if err != nil {
		m.logger.Warn("error unmarshaling message", "client_id", clientMsg.Client.ID, "error", err)
		m.metrics.MessageDropped("malformed")
		return
	}

	handler := m.messageHandler
	if handler == nil {
		return
	}
	client := clientMsg.Client
	queued := m.dispatcher.dispatch(client.Room, func() {
		if err := handler.HandleWebSocketMessage(client, msg); err != nil {
			m.logger.Warn("error handling message", "client_id", client.ID, "type", msg.Type, "error", err)
		}
	}, true)
	if !queued {
		m.logger.Warn("room backlog full, dropping message", "client_id", client.ID, "room", client.Room, "type", msg.Type)
		m.metrics.MessageDropped("room_backlog")
	}
}

func (m *Manager) shutdown() {
	m.clientsMutex.Lock()
	for id, client := range m.clients {
		close(client.Send)
		delete(m.clients, id)
	}
	m.rooms = make(map[string]map[string]*Client)
	m.presence = make(map[string]map[string]json.RawMessage)
	m.clientsMutex.Unlock()

	close(m.done)
	m.dispatcher.wait()
}

// Join hands a new client to the run loop. It reports false once the manager
// has stopped.
func (m *Manager) Join(client *Client) bool {
	select {
	case m.Register <- client:
		return true
	case <-m.done:
		return false
	}
}

func (m *Manager) unregister(client *Client) {
	select {
	case m.Unregister <- client:
	case <-m.done:
	}
}

func (m *Manager) enqueue(client *Client, data []byte) bool {
	m.clientsMutex.RLock()
	defer m.clientsMutex.RUnlock()

	if m.clients[client.ID] != client {
		return false
	}
	select {
	case client.Send <- data:
		return true
	default:
		return false
	}
}

// BroadcastToRoom sends msg to every local client in room except
// excludeClientID. Clients whose buffers are full are disconnected.
func (m *Manager) BroadcastToRoom(room string, message *Message, excludeClientID string) error {
	messageBytes, err := message.Encode()
	if err != nil {
		return err
	}

	var slow []*Client
	m.clientsMutex.RLock()
	for clientID, client := range m.rooms[room] {
		if clientID == excludeClientID {
			continue
		}
		select {
		case client.Send <- messageBytes:
		default:
			slow = append(slow, client)
		}
	}
	m.clientsMutex.RUnlock()

	for _, client := range slow {
		m.logger.Warn("client send buffer full, closing connection", "client_id", client.ID, "room", room)
		m.metrics.MessageDropped("buffer_full")
		go m.unregister(client)
	}
	return nil
}

// Kick disconnects a client. It reports false if the client is unknown.
func (m *Manager) Kick(clientID string) bool {
	m.clientsMutex.RLock()
	client, ok := m.clients[clientID]
	m.clientsMutex.RUnlock()
	if !ok {
		return false
	}
	go m.unregister(client)
	return true
}

func (m *Manager) SendToClient(clientID string, message *Message) error {
	m.clientsMutex.RLock()
	client, exists := m.clients[clientID]
	m.clientsMutex.RUnlock()
	if !exists {
		return nil
	}

	if !client.SendMessage(message) {
		m.logger.Warn("client send buffer full", "client_id", clientID)
		m.metrics.MessageDropped("buffer_full")
	}
	return nil
}

// SetPresence remembers the last awareness payload for a client so it can be
// replayed to late joiners. A nil payload forgets the client.
func (m *Manager) SetPresence(room, clientID string, payload []byte) {
	m.clientsMutex.Lock()
	defer m.clientsMutex.Unlock()

	if payload == nil {
		if p := m.presence[room]; p != nil {
			delete(p, clientID)
			if len(p) == 0 {
				delete(m.presence, room)
			}
		}
		return
	}
	if m.presence[room] == nil {
		m.presence[room] = make(map[string]json.RawMessage)
	}
	m.presence[room][clientID] = json.RawMessage(payload)
}

func (m *Manager) RoomClients(room string) int {
	m.clientsMutex.RLock()
	defer m.clientsMutex.RUnlock()
	return len(m.rooms[room])
}

func (m *Manager) Rooms() []string {
	m.clientsMutex.RLock()
	defer m.clientsMutex.RUnlock()

	rooms := make([]string, 0, len(m.rooms))
	for room := range m.rooms {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	return rooms
}
