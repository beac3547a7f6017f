// Package channel binds a replicated document and a presence tracker to one
// task room on the relay server.
//
// A Channel sends the full local state when it connects, forwards every local
// change while connected and queues changes while offline. Queued updates are
// sent as ordinary updates after the next connect; receivers merge them like
// any other update. The document is persisted to the local store after every
// change, coalesced by a background goroutine.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	ws "github.com/gorilla/websocket"

	"glyph-sync-server/internal/crdt"
	"glyph-sync-server/internal/domain"
	"glyph-sync-server/internal/presence"
	"glyph-sync-server/internal/storage"
	"glyph-sync-server/internal/websocket"
)

var (
	ErrDestroyed     = errors.New("channel destroyed")
	ErrDisconnected  = errors.New("channel disconnected")
	ErrMissingTaskID = errors.New("task id is required")
	ErrMissingURL    = errors.New("server url is required")
	// ErrRejected is returned when the relay refuses the room outright.
	ErrRejected = errors.New("room rejected by server")
)

type Status struct {
	Connected bool `json:"connected"`
	Synced    bool `json:"synced"`
}

type Config struct {
	// ServerURL is the websocket endpoint prefix, e.g. ws://host:8080/ws.
	ServerURL string
	TaskID    string
	Namespace string

	AutoReconnect       bool
	InitialBackoff      time.Duration
	MaxBackoff          time.Duration
	MaxReconnectElapsed time.Duration
	DialTimeout         time.Duration
	PresenceHeartbeat   time.Duration
	SendBuffer          int
}

func DefaultConfig() Config {
	return Config{
		Namespace:         "glyph",
		AutoReconnect:     true,
		InitialBackoff:    250 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		DialTimeout:       5 * time.Second,
		PresenceHeartbeat: 15 * time.Second,
		SendBuffer:        256,
	}
}

type Option func(*Channel)

// WithStore persists the document locally. The channel closes the store when
// it is destroyed.
func WithStore(store storage.Store) Option {
	return func(c *Channel) {
		c.store = store
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Channel) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithDialer(dialer *ws.Dialer) Option {
	return func(c *Channel) {
		if dialer != nil {
			c.dialer = dialer
		}
	}
}

type connection struct {
	conn   *ws.Conn
	send   chan []byte
	cancel context.CancelFunc
}

type Channel struct {
	cfg        Config
	doc        *crdt.Document
	tracker    *presence.Tracker
	store      storage.Store
	dialer     *ws.Dialer
	logger     *slog.Logger
	room       string
	storageKey string

	mu               sync.Mutex
	current          *connection
	status           Status
	queue            [][]byte
	loaded           bool
	reconnecting     bool
	userDisconnected bool
	destroyed        bool
	statusSubs       map[uint64]func(Status)
	nextSub          uint64

	unsubscribeDoc func()
	persistSignal  chan struct{}
	lifeCtx        context.Context
	lifeCancel     context.CancelFunc
	wg             sync.WaitGroup
}

func New(doc *crdt.Document, tracker *presence.Tracker, cfg Config, opts ...Option) (*Channel, error) {
	if cfg.TaskID == "" {
		return nil, ErrMissingTaskID
	}
	if cfg.ServerURL == "" {
		return nil, ErrMissingURL
	}
	def := DefaultConfig()
	if cfg.Namespace == "" {
		cfg.Namespace = def.Namespace
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.PresenceHeartbeat <= 0 {
		cfg.PresenceHeartbeat = def.PresenceHeartbeat
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}

	lifeCtx, lifeCancel := context.WithCancel(context.Background())
	c := &Channel{
		cfg:           cfg,
		doc:           doc,
		tracker:       tracker,
		dialer:        &ws.Dialer{HandshakeTimeout: cfg.DialTimeout},
		logger:        slog.Default(),
		room:          domain.RoomForTask(cfg.TaskID),
		storageKey:    domain.StorageKey(cfg.Namespace, cfg.TaskID),
		statusSubs:    make(map[uint64]func(Status)),
		persistSignal: make(chan struct{}, 1),
		lifeCtx:       lifeCtx,
		lifeCancel:    lifeCancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "channel", "room", c.room)

	c.unsubscribeDoc = doc.Subscribe(c.onChange)
	tracker.SetOutbound(c.publishPresence)

	if c.store != nil {
		c.wg.Add(1)
		go c.persistLoop()
	}
	return c, nil
}

func (c *Channel) Room() string {
	return c.room
}

func (c *Channel) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Channel) SubscribeStatus(fn func(Status)) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.statusSubs[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.statusSubs, id)
			c.mu.Unlock()
		})
	}
}

// Connect loads the local snapshot on first use and dials the room, retrying
// with exponential backoff until ctx ends. When the dial fails and
// AutoReconnect is set, dialing continues in the background and the error is
// still returned.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return ErrDestroyed
	}
	if c.current != nil {
		c.mu.Unlock()
		return nil
	}
	c.userDisconnected = false
	loaded := c.loaded
	c.mu.Unlock()

	ctx, stop := context.WithCancel(ctx)
	defer stop()
	defer context.AfterFunc(c.lifeCtx, stop)()

	if !loaded && c.loadSnapshot() {
		c.mu.Lock()
		c.loaded = true
		c.mu.Unlock()
	}

	conn, err := c.dialWithRetry(ctx)
	if err != nil {
		if !isStopped(err) && !errors.Is(err, ErrRejected) {
			c.mu.Lock()
			started := c.startReconnectLocked()
			c.mu.Unlock()
			if started {
				c.logger.Warn("initial dial failed, reconnecting in background", "error", err)
			}
		}
		return err
	}
	return c.attach(conn)
}

// loadSnapshot merges the persisted document, if any. It reports false only
// when the store failed, so the next Connect tries again.
func (c *Channel) loadSnapshot() bool {
	if c.store == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout)
	defer cancel()

	data, err := c.store.Load(ctx, c.storageKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return true
		}
		c.logger.Warn("failed to load local snapshot", "key", c.storageKey, "error", err)
		return false
	}
	if err := c.doc.MergeRemote(data); err != nil {
		c.logger.Warn("local snapshot rejected", "key", c.storageKey, "error", err)
	}
	return true
}

func (c *Channel) endpoint() (string, error) {
	u, err := url.Parse(strings.TrimRight(c.cfg.ServerURL, "/") + "/" + c.room)
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	q := u.Query()
	q.Set("client_id", c.tracker.ClientID())
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Channel) dialWithRetry(ctx context.Context) (*ws.Conn, error) {
	endpoint, err := c.endpoint()
	if err != nil {
		return nil, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	b.MaxInterval = c.cfg.MaxBackoff

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Warn("dial failed, retrying", "error", err, "next", next)
		}),
	}
	if c.cfg.MaxReconnectElapsed > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(c.cfg.MaxReconnectElapsed))
	}

	return backoff.Retry(ctx, func() (*ws.Conn, error) {
		c.mu.Lock()
		stopped := c.stoppedLocked()
		c.mu.Unlock()
		if stopped != nil {
			return nil, backoff.Permanent(stopped)
		}

		conn, resp, err := c.dialer.DialContext(ctx, endpoint, nil)
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusBadRequest {
				return nil, backoff.Permanent(fmt.Errorf("dial %s: %w: %v", endpoint, ErrRejected, err))
			}
			return nil, err
		}
		return conn, nil
	}, opts...)
}

func (c *Channel) attach(conn *ws.Conn) error {
	state := c.doc.EncodeState()

	c.mu.Lock()
	if c.current != nil {
		c.mu.Unlock()
		conn.Close()
		return nil
	}
	if err := c.stoppedLocked(); err != nil {
		c.mu.Unlock()
		conn.Close()
		return err
	}

	connCtx, cancel := context.WithCancel(c.lifeCtx)
	cur := &connection{conn: conn, send: make(chan []byte, c.cfg.SendBuffer), cancel: cancel}
	c.current = cur
	c.status = Status{Connected: true}

	c.enqueueLocked(cur, websocket.TypeSync, &websocket.SyncPayload{ClientID: c.tracker.ClientID(), State: state})
	for _, update := range c.queue {
		c.enqueueLocked(cur, websocket.TypeUpdate, &websocket.UpdatePayload{ClientID: c.tracker.ClientID(), Update: update})
	}
	flushed := len(c.queue)
	c.queue = nil
	status, subs := c.status, c.statusSubscribersLocked()
	c.wg.Add(3)
	c.mu.Unlock()

	c.logger.Info("connected", "flushed", flushed)

	go c.writePump(cur)
	go c.readPump(cur)
	go c.heartbeat(connCtx)

	emitStatus(subs, status)
	c.tracker.Announce()
	return nil
}

func (c *Channel) stoppedLocked() error {
	switch {
	case c.destroyed:
		return ErrDestroyed
	case c.userDisconnected:
		return ErrDisconnected
	}
	return nil
}

func (c *Channel) enqueueLocked(cur *connection, msgType websocket.MessageType, payload interface{}) bool {
	msg, err := websocket.NewMessage(msgType, c.room, payload)
	if err != nil {
		return false
	}
	data, err := msg.Encode()
	if err != nil {
		return false
	}
	select {
	case cur.send <- data:
		return true
	default:
		return false
	}
}

func (c *Channel) onChange(change crdt.Change) {
	c.signalPersist()
	if change.Origin == domain.OriginRemoteSync {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return
	}

	cur := c.current
	if cur != nil && c.enqueueLocked(cur, websocket.TypeUpdate, &websocket.UpdatePayload{ClientID: c.tracker.ClientID(), Update: change.Update}) {
		return
	}
	c.queue = append(c.queue, change.Update)
	if cur != nil {
		// the peer will catch up through the sync step of the next connection
		c.logger.Warn("send buffer full, dropping connection")
		cur.conn.Close()
	}
}

func (c *Channel) publishPresence(state domain.PresenceState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return
	}
	c.enqueueLocked(c.current, websocket.TypeAwareness, &websocket.AwarenessPayload{ClientID: state.ClientID, State: &state})
}

func (c *Channel) writePump(cur *connection) {
	defer c.wg.Done()

	failed := false
	for data := range cur.send {
		if failed {
			continue
		}
		cur.conn.SetWriteDeadline(time.Now().Add(c.cfg.DialTimeout))
		if err := cur.conn.WriteMessage(ws.TextMessage, data); err != nil {
			failed = true
			cur.conn.Close()
		}
	}
	if !failed {
		cur.conn.SetWriteDeadline(time.Now().Add(time.Second))
		cur.conn.WriteMessage(ws.CloseMessage, ws.FormatCloseMessage(ws.CloseNormalClosure, ""))
	}
	cur.conn.Close()
}

func (c *Channel) readPump(cur *connection) {
	defer c.wg.Done()

	for {
		_, data, err := cur.conn.ReadMessage()
		if err != nil {
			c.connectionLost(cur, err)
			return
		}
		msg, err := websocket.DecodeMessage(data)
		if err != nil {
			c.logger.Warn("dropping undecodable message", "error", err)
			continue
		}
		c.handleMessage(msg)
	}
}

func (c *Channel) handleMessage(msg *websocket.Message) {
	switch msg.Type {
	case websocket.TypeSyncReply:
		var payload websocket.SyncPayload
		if err := msg.UnmarshalPayload(&payload); err != nil {
			c.logger.Warn("bad sync reply", "error", err)
			return
		}
		if err := c.doc.MergeRemote(payload.State); err != nil {
			return
		}
		c.setSynced()

	case websocket.TypeUpdate:
		var payload websocket.UpdatePayload
		if err := msg.UnmarshalPayload(&payload); err != nil {
			c.logger.Warn("bad update", "error", err)
			return
		}
		c.doc.MergeRemote(payload.Update)

	case websocket.TypeAwareness:
		var payload websocket.AwarenessPayload
		if err := msg.UnmarshalPayload(&payload); err != nil {
			c.logger.Warn("bad awareness", "error", err)
			return
		}
		c.tracker.ApplyRemote(payload.ClientID, payload.State, time.Now())

	case websocket.TypeError:
		var payload websocket.ErrorPayload
		msg.UnmarshalPayload(&payload)
		c.logger.Warn("server reported error", "code", payload.Code, "message", payload.Message)
	}
}

func (c *Channel) setSynced() {
	c.mu.Lock()
	if c.current == nil || c.status.Synced {
		c.mu.Unlock()
		return
	}
	c.status.Synced = true
	status, subs := c.status, c.statusSubscribersLocked()
	c.mu.Unlock()

	emitStatus(subs, status)
}

func (c *Channel) heartbeat(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.PresenceHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.tracker.Announce()
			c.tracker.Expire(now)
		}
	}
}

// connectionLost tears down cur after an unexpected read failure and starts
// reconnecting when that is enabled.
func (c *Channel) connectionLost(cur *connection, err error) {
	c.mu.Lock()
	if c.current != cur {
		c.mu.Unlock()
		return
	}
	c.detachLocked()
	reconnect := c.startReconnectLocked()
	status, subs := c.status, c.statusSubscribersLocked()
	c.mu.Unlock()

	c.logger.Warn("connection lost", "error", err, "reconnect", reconnect)
	c.tracker.Clear()
	emitStatus(subs, status)
}

// startReconnectLocked spawns the background dial loop unless the channel is
// stopped, connected or already reconnecting.
func (c *Channel) startReconnectLocked() bool {
	if !c.cfg.AutoReconnect || c.stoppedLocked() != nil || c.reconnecting || c.current != nil {
		return false
	}
	c.reconnecting = true
	c.wg.Add(1)
	go c.reconnectLoop()
	return true
}

func (c *Channel) reconnectLoop() {
	defer c.wg.Done()

	conn, err := c.dialWithRetry(c.lifeCtx)
	c.mu.Lock()
	c.reconnecting = false
	c.mu.Unlock()
	if err != nil {
		if !isStopped(err) && !errors.Is(err, context.Canceled) {
			c.logger.Error("giving up reconnecting", "error", err)
		}
		return
	}
	if err := c.attach(conn); err != nil && !isStopped(err) {
		c.logger.Error("reconnect failed", "error", err)
	}
}

func (c *Channel) detachLocked() {
	cur := c.current
	if cur == nil {
		return
	}
	c.current = nil
	cur.cancel()
	close(cur.send)
	c.status = Status{}
}

// Disconnect announces a null presence for the local client and closes the
// connection. It does not trigger a reconnect and is safe to call repeatedly.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.userDisconnected = true
	cur := c.current
	if cur == nil {
		c.mu.Unlock()
		c.tracker.Clear()
		return
	}
	c.enqueueLocked(cur, websocket.TypeAwareness, &websocket.AwarenessPayload{ClientID: c.tracker.ClientID()})
	c.detachLocked()
	status, subs := c.status, c.statusSubscribersLocked()
	c.mu.Unlock()

	c.logger.Info("disconnected")
	c.tracker.Clear()
	emitStatus(subs, status)
}

// Destroy disconnects, releases the document subscription, writes a final
// snapshot and closes the store. Only the first call has any effect.
func (c *Channel) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	c.mu.Unlock()

	c.Disconnect()
	c.unsubscribeDoc()
	c.tracker.SetOutbound(nil)
	c.tracker.Clear()
	c.lifeCancel()
	c.wg.Wait()

	if c.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		c.persist(ctx)
		cancel()
		if err := c.store.Close(); err != nil {
			c.logger.Warn("failed to close store", "error", err)
		}
	}

	c.mu.Lock()
	c.statusSubs = make(map[uint64]func(Status))
	c.queue = nil
	c.mu.Unlock()
}

// Pending returns the number of updates waiting for a connection.
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

func (c *Channel) signalPersist() {
	if c.store == nil {
		return
	}
	select {
	case c.persistSignal <- struct{}{}:
	default:
	}
}

func (c *Channel) persistLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.lifeCtx.Done():
			return
		case <-c.persistSignal:
			c.persist(c.lifeCtx)
		}
	}
}

func (c *Channel) persist(ctx context.Context) {
	if c.doc.Destroyed() {
		return
	}
	if err := c.store.Save(ctx, c.storageKey, c.doc.EncodeState()); err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Warn("failed to persist snapshot", "key", c.storageKey, "error", err)
	}
}

func (c *Channel) statusSubscribersLocked() []func(Status) {
	ids := make([]uint64, 0, len(c.statusSubs))
	for id := range c.statusSubs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	subs := make([]func(Status), 0, len(ids))
	for _, id := range ids {
		subs = append(subs, c.statusSubs[id])
	}
	return subs
}

func emitStatus(subs []func(Status), s Status) {
	for _, fn := range subs {
		fn(s)
	}
}

func isStopped(err error) bool {
	return errors.Is(err, ErrDestroyed) || errors.Is(err, ErrDisconnected)
}
