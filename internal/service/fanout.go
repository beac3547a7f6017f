package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"glyph-sync-server/internal/websocket"
)

const roomChannelPrefix = "glyph:room:"

// Fanout relays room messages between server instances.
type Fanout interface {
	Publish(ctx context.Context, room string, msg *websocket.Message) error
	Start(ctx context.Context, deliver func(room string, msg *websocket.Message)) error
	Close() error
}

type envelope struct {
	Instance string             `json:"instance"`
	Message  *websocket.Message `json:"message"`
}

type nopFanout struct{}

// NewNopFanout is used when the server runs as a single instance.
func NewNopFanout() Fanout { return nopFanout{} }

func (nopFanout) Publish(context.Context, string, *websocket.Message) error { return nil }
func (nopFanout) Start(context.Context, func(string, *websocket.Message)) error {
	return nil
}
func (nopFanout) Close() error { return nil }

type RedisFanout struct {
	client   *redis.Client
	instance string
	logger   *slog.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	wg     sync.WaitGroup
}

func NewRedisFanout(client *redis.Client, instance string, logger *slog.Logger) *RedisFanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisFanout{
		client:   client,
		instance: instance,
		logger:   logger.With("component", "fanout", "instance", instance),
	}
}

func (f *RedisFanout) Publish(ctx context.Context, room string, msg *websocket.Message) error {
	data, err := json.Marshal(envelope{Instance: f.instance, Message: msg})
	if err != nil {
		return err
	}
	if err := f.client.Publish(ctx, roomChannelPrefix+room, data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", room, err)
	}
	return nil
}

// Start subscribes to every room channel and returns once the subscription is
// confirmed. Messages published by this instance are skipped.
func (f *RedisFanout) Start(ctx context.Context, deliver func(room string, msg *websocket.Message)) error {
	pubsub := f.client.PSubscribe(ctx, roomChannelPrefix+"*")
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("subscribe to room channels: %w", err)
	}

	f.mu.Lock()
	f.pubsub = pubsub
	f.mu.Unlock()

	ch := pubsub.Channel()
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				var env envelope
				if err := json.Unmarshal([]byte(m.Payload), &env); err != nil || env.Message == nil {
					f.logger.Warn("dropping malformed fan-out message", "channel", m.Channel, "error", err)
					continue
				}
				if env.Instance == f.instance {
					continue
				}
				deliver(strings.TrimPrefix(m.Channel, roomChannelPrefix), env.Message)
			}
		}
	}()
	return nil
}

func (f *RedisFanout) Close() error {
	f.mu.Lock()
	pubsub := f.pubsub
	f.pubsub = nil
	f.mu.Unlock()

	var err error
	if pubsub != nil {
		err = pubsub.Close()
	}
	f.wg.Wait()
	return err
}
