// Package chat is the synchronization facade handed to UI code. It owns the
// local identity and at most one channel session at a time.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/user/chatsync/internal/gateway"
	"github.com/user/chatsync/internal/metrics"
	"github.com/user/chatsync/internal/session"
	"github.com/user/chatsync/internal/types"
)

var (
	ErrNoIdentity       = errors.New("no identity set")
	ErrEmptyIdentity    = errors.New("identity must not be empty")
	ErrIdentityLocked   = errors.New("identity cannot change while connected")
	ErrNotConnected     = errors.New("not connected")
	ErrAlreadyConnected = errors.New("already connected")
	ErrClientClosed     = errors.New("client closed")
)

// Status is the connection status shown to the user.
type Status = types.ConnectionStatus

type Config struct {
	Channel       string
	BackfillLimit int
	// Reconnect drives session restarts after failed activations. Nil means
	// gateway.ReconnectPolicy.
	Reconnect *gateway.RetryPolicy
}

type Option func(*Client)

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithSessionOptions passes extra options to every session the client starts.
func WithSessionOptions(opts ...session.Option) Option {
	return func(c *Client) { c.sessionOpts = append(c.sessionOpts, opts...) }
}

type Client struct {
	cfg         Config
	identities  types.IdentityStore
	store       types.MessageStore
	realtime    types.Realtime
	writer      session.Writer
	metrics     *metrics.Metrics
	sessionOpts []session.Option

	mu        sync.Mutex
	identity  string
	sess      *session.Session
	connected bool
	closed    bool
	epoch     int
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	changes chan struct{}
}

// New creates a disconnected client and loads the persisted identity.
func New(cfg Config, identities types.IdentityStore, store types.MessageStore, rt types.Realtime, w session.Writer, opts ...Option) (*Client, error) {
	if cfg.Channel == "" {
		return nil, session.ErrNoChannel
	}
	if cfg.Reconnect == nil {
		cfg.Reconnect = gateway.ReconnectPolicy()
	}
	identity, err := identities.Identity()
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}

	c := &Client{
		cfg:        cfg,
		identities: identities,
		store:      store,
		realtime:   rt,
		writer:     w,
		identity:   identity,
		changes:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// CurrentIdentity returns the local identity, or "" if none has been set.
func (c *Client) CurrentIdentity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// SetIdentity persists a new local identity. The identity is fixed for the
// lifetime of a session, so changing it while connected is rejected.
func (c *Client) SetIdentity(identity string) error {
	if identity == "" {
		return ErrEmptyIdentity
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	if identity == c.identity {
		return nil
	}
	if c.connected {
		return ErrIdentityLocked
	}
	if err := c.identities.SetIdentity(identity); err != nil {
		return fmt.Errorf("persist identity: %w", err)
	}
	c.identity = identity
	c.notify()
	return nil
}

func (c *Client) DarkMode() (bool, error) {
	return c.identities.DarkMode()
}

func (c *Client) SetDarkMode(enabled bool) error {
	if err := c.identities.SetDarkMode(enabled); err != nil {
		return fmt.Errorf("persist dark mode: %w", err)
	}
	c.notify()
	return nil
}

// Connect starts a channel session under the current identity. The first
// activation runs synchronously; if it fails the error is logged and fresh
// sessions are retried in the background while the status stays
// disconnected. A session that ends on its own is restarted the same way.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrClientClosed
	case c.identity == "":
		c.mu.Unlock()
		return ErrNoIdentity
	case c.connected:
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.connected = true
	c.epoch++
	epoch := c.epoch
	supCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)
	c.mu.Unlock()
	c.notify()

	first, stop := mergeContext(ctx, supCtx)
	sess, err := c.activate(first, epoch)
	stop()
	if err != nil {
		slog.Warn("channel activation failed, retrying in background", "channel", c.cfg.Channel, "error", err)
	}

	go c.supervise(supCtx, epoch, sess)
	return nil
}

// activate starts a session and installs it if the client is still on the
// same connect epoch.
func (c *Client) activate(ctx context.Context, epoch int) (*session.Session, error) {
	c.mu.Lock()
	identity := c.identity
	c.mu.Unlock()

	opts := append([]session.Option{
		session.WithMetrics(c.metrics),
		session.WithOnChange(c.notify),
	}, c.sessionOpts...)
	sess, err := session.New(session.Config{
		Channel:       c.cfg.Channel,
		Identity:      identity,
		BackfillLimit: c.cfg.BackfillLimit,
		Reconnect:     c.cfg.Reconnect,
	}, c.store, c.realtime, c.writer, opts...)
	if err != nil {
		return nil, err
	}
	if err := sess.Activate(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.epoch != epoch || !c.connected {
		c.mu.Unlock()
		sess.Close()
		return nil, ErrNotConnected
	}
	old := c.sess
	c.sess = sess
	c.mu.Unlock()

	if old != nil {
		old.Close()
	}
	c.notify()
	return sess, nil
}

// supervise restarts the session whenever it is missing or has closed,
// backing off between attempts, until the client disconnects.
func (c *Client) supervise(ctx context.Context, epoch int, sess *session.Session) {
	defer c.wg.Done()
	policy := c.cfg.Reconnect
	attempt := 0
	for {
		if sess != nil {
			select {
			case <-ctx.Done():
				return
			case <-sess.Done():
			}
			if ctx.Err() != nil {
				return
			}
			slog.Warn("channel session ended, restarting", "channel", c.cfg.Channel, "session_id", string(sess.ID()))
			c.notify()
			attempt = 0
		}

		attempt++
		if err := policy.Wait(ctx, attempt); err != nil {
			return
		}
		next, err := c.activate(ctx, epoch)
		if err == nil {
			sess = next
			continue
		}
		if ctx.Err() != nil {
			return
		}
		slog.Warn("channel activation failed", "channel", c.cfg.Channel, "attempt", attempt, "error", err)
		sess = nil
		if !policy.ShouldRetry(err, attempt+1) {
			slog.Error("giving up on channel", "channel", c.cfg.Channel, "attempts", attempt, "error", err)
			return
		}
	}
}

// Disconnect tears the current session down. The identity may be changed
// afterwards. Disconnecting a disconnected client is a no-op.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	c.connected = false
	c.epoch++
	cancel := c.cancel
	c.cancel = nil
	sess := c.sess
	c.sess = nil
	c.mu.Unlock()

	cancel()
	c.wg.Wait()

	var err error
	if sess != nil {
		err = sess.Close()
	}
	c.notify()
	return err
}

// Send posts content as the local identity. The message is visible at once
// and removed again if the durable write fails.
func (c *Client) Send(ctx context.Context, content string) (types.Message, error) {
	c.mu.Lock()
	closed, connected, sess := c.closed, c.connected, c.sess
	c.mu.Unlock()
	if closed {
		return types.Message{}, ErrClientClosed
	}
	if !connected || sess == nil {
		return types.Message{}, ErrNotConnected
	}
	return sess.Send(ctx, content)
}

// Messages returns the message log of the current session in display order.
func (c *Client) Messages() []types.Message {
	if sess := c.current(); sess != nil {
		return sess.Messages()
	}
	return []types.Message{}
}

// OnlineParticipants returns the identities currently shown as online.
func (c *Client) OnlineParticipants() []string {
	if sess := c.current(); sess != nil {
		return sess.Online()
	}
	return []string{}
}

// ConnectionStatus reports connected only while the session is Live.
func (c *Client) ConnectionStatus() Status {
	if sess := c.current(); sess != nil && sess.State() == session.Live {
		return types.StatusConnected
	}
	return types.StatusDisconnected
}

// Changes delivers a coalesced notification after any visible change.
func (c *Client) Changes() <-chan struct{} {
	return c.changes
}

// Close disconnects and rejects further use.
func (c *Client) Close() error {
	err := c.Disconnect()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return err
}

func (c *Client) current() *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

func (c *Client) notify() {
	select {
	case c.changes <- struct{}{}:
	default:
	}
}

// mergeContext returns a context cancelled when either parent is.
func mergeContext(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
