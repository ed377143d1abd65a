// Package realtime implements types.Realtime over a single shared websocket.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/user/chatsync/internal/scheduler"
	"github.com/user/chatsync/internal/types"
	"github.com/user/chatsync/internal/wire"
)

const (
	writeWait = 10 * time.Second

	heartbeatJob = "realtime-heartbeat"
)

var (
	ErrClientClosed = errors.New("realtime client closed")
	ErrLinkClosed   = errors.New("realtime link closed")
)

type Config struct {
	// URL is the websocket endpoint, e.g. ws://127.0.0.1:8080/v1/realtime.
	URL    string
	APIKey string
	// Heartbeat is a cron spec for keepalive frames. Empty disables them.
	Heartbeat string
	Dialer    *websocket.Dialer
}

// Client multiplexes topic subscriptions over one websocket that is dialed on
// the first Subscribe and redialed on the first Subscribe after it drops.
type Client struct {
	cfg   Config
	sched *scheduler.Scheduler
	refs  atomic.Uint64

	mu     sync.Mutex
	link   *link
	closed bool
}

var _ types.Realtime = (*Client)(nil)

func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("realtime url is required")
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	c := &Client{cfg: cfg, sched: scheduler.New()}
	if cfg.Heartbeat != "" {
		if err := c.sched.Add(heartbeatJob, cfg.Heartbeat, c.heartbeat); err != nil {
			return nil, fmt.Errorf("heartbeat: %w", err)
		}
	}
	c.sched.Start()
	return c, nil
}

func (c *Client) nextRef() string {
	return strconv.FormatUint(c.refs.Add(1), 10)
}

// current returns the live link, dialing a new one if needed.
func (c *Client) current(ctx context.Context) (*link, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClientClosed
	}
	if c.link != nil && !c.link.isDone() {
		return c.link, nil
	}

	header := http.Header{}
	if c.cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	ws, resp, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", c.cfg.URL, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	l := newLink(c, ws)
	c.link = l
	go l.readLoop()
	slog.Info("realtime connected", "conn_id", string(l.id), "url", c.cfg.URL)
	return l, nil
}

func (c *Client) forget(l *link) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.link == l {
		c.link = nil
	}
}

func (c *Client) heartbeat() {
	c.mu.Lock()
	l := c.link
	c.mu.Unlock()
	if l == nil || l.isDone() {
		return
	}
	f, _ := wire.NewFrame(wire.SystemTopic, wire.EventHeartbeat, c.nextRef(), nil)
	if err := l.write(f); err != nil {
		l.fail(fmt.Errorf("heartbeat: %w", err), false)
	}
}

// Subscribe joins the requested topic and waits for the server to accept.
func (c *Client) Subscribe(ctx context.Context, req types.SubscribeRequest, h types.Handlers) (types.Subscription, error) {
	l, err := c.current(ctx)
	if err != nil {
		return nil, err
	}
	sub := &subscription{link: l, topic: req.Topic, handlers: h}
	l.attach(sub)

	join, err := wire.NewFrame(req.Topic, wire.EventJoin, c.nextRef(), wire.JoinPayload{PresenceKey: req.PresenceKey})
	if err != nil {
		l.detach(sub)
		return nil, err
	}
	if err := l.request(ctx, join); err != nil {
		l.detach(sub)
		return nil, fmt.Errorf("join %s: %w", req.Topic, err)
	}
	slog.Debug("realtime joined", "conn_id", string(l.id), "topic", string(req.Topic))
	return sub, nil
}

// Connected reports whether a socket is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link != nil && !c.link.isDone()
}

// Close shuts the socket without reporting drops to subscribers.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	l := c.link
	c.link = nil
	c.mu.Unlock()

	c.sched.Stop()
	if l != nil {
		l.fail(ErrClientClosed, true)
	}
	return nil
}
