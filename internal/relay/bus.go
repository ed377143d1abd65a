package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/user/chatsync/internal/types"
)

// InsertHandler receives every message published on a bus.
type InsertHandler func(channel string, msg types.Message)

// Bus fans persisted inserts out to every relay instance.
type Bus interface {
	Publish(ctx context.Context, channel string, msg types.Message) error
	Subscribe(ctx context.Context, h InsertHandler) error
	Close() error
}

// LocalBus delivers in process, synchronously with Publish.
type LocalBus struct {
	mu       sync.RWMutex
	handlers []InsertHandler
}

var _ Bus = (*LocalBus)(nil)

func NewLocalBus() *LocalBus {
	return &LocalBus{}
}

func (b *LocalBus) Publish(_ context.Context, channel string, msg types.Message) error {
	b.mu.RLock()
	handlers := b.handlers
	b.mu.RUnlock()
	for _, h := range handlers {
		h(channel, msg)
	}
	return nil
}

func (b *LocalBus) Subscribe(_ context.Context, h InsertHandler) error {
	b.mu.Lock()
	b.handlers = append(b.handlers, h)
	b.mu.Unlock()
	return nil
}

func (b *LocalBus) Close() error { return nil }

const redisPrefix = "chatsync:insert:"

func redisChannel(channel string) string {
	return redisPrefix + channel
}

func channelFromRedis(name string) (string, bool) {
	return strings.CutPrefix(name, redisPrefix)
}

// RedisBus publishes inserts on redis pub/sub so relays sharing a redis see
// each other's writes. A relay's own publishes come back through redis too.
type RedisBus struct {
	client *redis.Client

	mu     sync.Mutex
	subs   []*redis.PubSub
	wg     sync.WaitGroup
	closed bool
}

var _ Bus = (*RedisBus)(nil)

// NewRedisBus connects to the redis at url and checks it answers.
func NewRedisBus(ctx context.Context, url string) (*RedisBus, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	c := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := c.Ping(pingCtx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return &RedisBus{client: c}, nil
}

func (b *RedisBus) Publish(ctx context.Context, channel string, msg types.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("redis: encode insert: %w", err)
	}
	if err := b.client.Publish(ctx, redisChannel(channel), data).Err(); err != nil {
		return fmt.Errorf("redis: publish: %w", err)
	}
	return nil
}

// Subscribe waits until the pattern subscription is confirmed, then
// delivers in the background until Close.
func (b *RedisBus) Subscribe(ctx context.Context, h InsertHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New("redis: bus closed")
	}

	ps := b.client.PSubscribe(ctx, redisPrefix+"*")
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("redis: subscribe: %w", err)
	}
	b.subs = append(b.subs, ps)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for m := range ps.Channel() {
			channel, ok := channelFromRedis(m.Channel)
			if !ok {
				continue
			}
			var msg types.Message
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				slog.Warn("redis insert dropped", "channel", channel, "error", err)
				continue
			}
			h(channel, msg)
		}
	}()
	return nil
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, ps := range subs {
		_ = ps.Close()
	}
	b.wg.Wait()
	return b.client.Close()
}
