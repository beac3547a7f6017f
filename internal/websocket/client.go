package websocket

import (
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

type Client struct {
	ID      string
	Room    string
	Conn    *websocket.Conn
	Manager *Manager
	Send    chan []byte

	limiter *rate.Limiter
}

func NewClient(id, room string, conn *websocket.Conn, manager *Manager) *Client {
	c := &Client{
		ID:      id,
		Room:    room,
		Conn:    conn,
		Manager: manager,
		Send:    make(chan []byte, manager.cfg.SendBuffer),
	}
	if manager.cfg.MessagesPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(manager.cfg.MessagesPerSecond), manager.cfg.Burst)
	}
	return c
}

func (c *Client) ReadPump() {
	defer func() {
		c.Manager.unregister(c)
		c.Conn.Close()
	}()

	if c.Manager.cfg.MaxMessageSize > 0 {
		c.Conn.SetReadLimit(c.Manager.cfg.MaxMessageSize)
	}
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.cfg.PongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.cfg.PongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.Manager.logger.Warn("websocket read failed", "client_id", c.ID, "room", c.Room, "error", err)
			}
			break
		}

		if c.limiter != nil && !c.limiter.Allow() {
			c.Manager.logger.Warn("rate limit exceeded, dropping message", "client_id", c.ID, "room", c.Room)
			c.Manager.metrics.MessageDropped("rate_limited")
			continue
		}

		select {
		case c.Manager.HandleMessage <- &ClientMessage{Client: c, Message: message}:
		case <-c.Manager.done:
			return
		}
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(c.Manager.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.cfg.WriteWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.cfg.WriteWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// SendMessage queues msg without blocking. It reports false when the
// client's buffer is full.
func (c *Client) SendMessage(msg *Message) bool {
	data, err := msg.Encode()
	if err != nil {
		return false
	}
	return c.Manager.enqueue(c, data)
}
