// Package session runs one channel session: backfill, live subscriptions,
// reconnection and teardown, feeding a message log and a presence tracker.
//
// Every mutation of session state happens on a single event-loop goroutine.
// Transport callbacks, user sends and queries are posted to that loop as
// closures and applied in arrival order.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/user/chatsync/internal/gateway"
	"github.com/user/chatsync/internal/metrics"
	"github.com/user/chatsync/internal/msglog"
	"github.com/user/chatsync/internal/presence"
	"github.com/user/chatsync/internal/types"
)

const (
	defaultBackfillLimit = 100
	commandBuffer        = 256
)

// Writer performs durable writes of locally sent messages.
type Writer interface {
	Submit(ctx context.Context, channel string, msg types.Message, onDone func(error)) error
}

type Config struct {
	Channel       string
	Identity      string
	BackfillLimit int
	Reconnect     *gateway.RetryPolicy
}

// Option configures a Session.
type Option func(*Session)

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithOnChange registers fn to be called from the event loop after every
// visible change. fn must not block or call back into the session.
func WithOnChange(fn func()) Option {
	return func(s *Session) { s.onChange = fn }
}

// WithIDGenerator replaces the generator for optimistic message ids.
func WithIDGenerator(fn func(time.Time) types.MessageID) Option {
	return func(s *Session) { s.logOpts = append(s.logOpts, msglog.WithIDGenerator(fn)) }
}

type Session struct {
	id       types.SessionID
	cfg      Config
	store    types.MessageStore
	realtime types.Realtime
	writer   Writer
	metrics  *metrics.Metrics
	onChange func()
	logOpts  []msglog.Option

	// Owned by the event loop.
	log      *msglog.Log
	presence *presence.Tracker
	state    State
	subs     *subscriptions
	gen      int

	cmds   chan func()
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an Unstarted session and starts its event loop. The caller
// must eventually Close it.
func New(cfg Config, store types.MessageStore, rt types.Realtime, w Writer, opts ...Option) (*Session, error) {
	if cfg.Identity == "" {
		return nil, ErrNoIdentity
	}
	if cfg.Channel == "" {
		return nil, ErrNoChannel
	}
	if cfg.BackfillLimit <= 0 {
		cfg.BackfillLimit = defaultBackfillLimit
	}
	if cfg.Reconnect == nil {
		cfg.Reconnect = gateway.ReconnectPolicy()
	}

	s := &Session{
		id:       types.NewSessionID(),
		cfg:      cfg,
		store:    store,
		realtime: rt,
		writer:   w,
		presence: presence.New(),
		state:    Unstarted,
		cmds:     make(chan func(), commandBuffer),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = msglog.New(s.logOpts...)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.metrics.SessionState("", Unstarted.String())

	go s.loop()
	return s, nil
}

func (s *Session) loop() {
	defer close(s.done)
	for fn := range s.cmds {
		fn()
		if s.state == Closed {
			return
		}
	}
}

// post queues fn on the event loop without waiting. It is dropped once the
// session is closed.
func (s *Session) post(fn func()) {
	select {
	case s.cmds <- fn:
	case <-s.done:
	}
}

// do runs fn on the event loop and waits for it. Returns false if the session
// closed before fn ran.
func (s *Session) do(fn func()) bool {
	ran := make(chan struct{})
	select {
	case s.cmds <- func() { fn(); close(ran) }:
	case <-s.done:
		return false
	}
	select {
	case <-ran:
		return true
	case <-s.done:
		select {
		case <-ran:
			return true
		default:
			return false
		}
	}
}

// query runs a read on the event loop, or directly once the loop has exited
// and the state is frozen.
func (s *Session) query(fn func()) {
	if !s.do(fn) {
		fn()
	}
}

// scope derives a context that also ends when the session closes.
func (s *Session) scope(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (s *Session) setState(next State) {
	prev := s.state
	if prev == next {
		return
	}
	s.state = next
	s.metrics.SessionState(prev.String(), next.String())
	slog.Debug("session state", "session_id", string(s.id), "channel", s.cfg.Channel, "from", prev.String(), "to", next.String())
	s.changed()
}

func (s *Session) changed() {
	if s.onChange != nil {
		s.onChange()
	}
}

// Activate moves the session from Unstarted through Backfilling to Live. On
// failure the session is closed, any subscriptions acquired so far are
// released, and the error is returned.
func (s *Session) Activate(ctx context.Context) error {
	var err error
	if !s.do(func() {
		if s.state != Unstarted {
			err = ErrAlreadyActivated
			return
		}
		s.setState(Backfilling)
	}) {
		return ErrClosed
	}
	if err != nil {
		return err
	}

	ctx, cancel := s.scope(ctx)
	defer cancel()

	history, err := s.backfill(ctx)
	if err != nil {
		return s.abort(fmt.Errorf("backfill: %w", err))
	}

	loaded := false
	gen := 0
	s.do(func() {
		if s.state != Backfilling {
			return
		}
		if added := s.log.Load(history); added > 0 {
			s.changed()
		}
		gen = s.gen
		loaded = true
	})
	if !loaded {
		return ErrClosed
	}

	subs, err := s.subscribe(ctx, gen)
	if err != nil {
		return s.abort(fmt.Errorf("subscribe: %w", err))
	}
	return s.goLive(ctx, gen, subs)
}

// abort closes the session after a failed activation step. A step cut short
// by Close reports ErrClosed.
func (s *Session) abort(err error) error {
	if s.ctx.Err() != nil {
		return ErrClosed
	}
	if cerr := s.Close(); cerr != nil {
		slog.Warn("release after failed activation", "session_id", string(s.id), "error", cerr)
	}
	return err
}

// backfill fetches history. An unprovisioned store is initialized once and
// the session continues with an empty log.
func (s *Session) backfill(ctx context.Context) ([]types.Message, error) {
	msgs, err := s.store.Backfill(ctx, s.cfg.Channel, s.cfg.BackfillLimit)
	if err == nil {
		return msgs, nil
	}
	if !errors.Is(err, types.ErrNotProvisioned) {
		return nil, err
	}
	slog.Warn("message store not provisioned, initializing", "session_id", string(s.id), "channel", s.cfg.Channel)
	if ierr := s.store.Initialize(ctx); ierr != nil {
		slog.Error("initialize message store failed", "session_id", string(s.id), "error", ierr)
	}
	return nil, nil
}

// subscribe acquires the message and presence subscriptions for gen. If the
// second one fails the first is released before returning.
func (s *Session) subscribe(ctx context.Context, gen int) (*subscriptions, error) {
	h := s.handlers(gen)
	msgs, err := s.realtime.Subscribe(ctx, types.SubscribeRequest{
		Topic: types.MessagesTopic(s.cfg.Channel),
	}, h)
	if err != nil {
		return nil, fmt.Errorf("messages: %w", err)
	}
	pres, err := s.realtime.Subscribe(ctx, types.SubscribeRequest{
		Topic:       types.PresenceTopic(s.cfg.Channel),
		PresenceKey: s.cfg.Identity,
	}, h)
	if err != nil {
		if cerr := msgs.Close(); cerr != nil {
			slog.Warn("release message subscription", "session_id", string(s.id), "error", cerr)
		}
		return nil, fmt.Errorf("presence: %w", err)
	}
	return &subscriptions{messages: msgs, presence: pres}, nil
}

// goLive adopts subs for gen, enters Live and announces local presence.
func (s *Session) goLive(ctx context.Context, gen int, subs *subscriptions) error {
	adopted := false
	s.do(func() {
		if s.state == Closed || gen != s.gen {
			return
		}
		s.subs = subs
		s.setState(Live)
		adopted = true
	})
	if !adopted {
		if err := subs.close(); err != nil {
			slog.Debug("release unadopted subscriptions", "session_id", string(s.id), "error", err)
		}
		return ErrClosed
	}

	if err := subs.presence.Track(ctx); err != nil {
		s.post(func() { s.handleDrop(gen, fmt.Errorf("track: %w", err)) })
		return nil
	}
	s.do(func() {
		if s.state != Live || gen != s.gen {
			return
		}
		if s.presence.ApplyJoin(s.cfg.Identity) {
			s.metrics.Online(len(s.presence.CurrentOnline()))
			s.changed()
		}
	})
	slog.Info("channel live", "session_id", string(s.id), "channel", s.cfg.Channel, "identity", s.cfg.Identity)
	return nil
}

func (s *Session) handlers(gen int) types.Handlers {
	return types.Handlers{
		OnInsert: func(m types.Message) {
			s.post(func() { s.applyInsert(m) })
		},
		OnPresence: func(ev types.PresenceEvent) {
			s.post(func() { s.applyPresence(gen, ev) })
		},
		OnDrop: func(err error) {
			s.post(func() { s.handleDrop(gen, err) })
		},
	}
}

func (s *Session) applyInsert(m types.Message) {
	if s.state == Closed {
		return
	}
	switch s.log.Append(m) {
	case msglog.Added:
		s.metrics.InsertApplied()
		s.changed()
	case msglog.Duplicate:
		s.metrics.DuplicateAbsorbed()
		slog.Debug("duplicate insert absorbed", "session_id", string(s.id), "message_id", string(m.ID))
	}
}

func (s *Session) applyPresence(gen int, ev types.PresenceEvent) {
	if s.state == Closed || gen != s.gen {
		return
	}
	switch ev.Kind {
	case types.PresenceSync:
		s.presence.ApplySnapshot(ev.Identities)
	case types.PresenceJoin:
		for _, id := range ev.Identities {
			s.presence.ApplyJoin(id)
		}
	case types.PresenceLeave:
		for _, id := range ev.Identities {
			s.presence.ApplyLeave(id)
		}
	default:
		slog.Warn("unknown presence event", "session_id", string(s.id), "kind", string(ev.Kind))
		return
	}
	s.metrics.Online(len(s.presence.CurrentOnline()))
	s.changed()
}

// handleDrop moves a Live session to Reconnecting. Drops reported by
// subscriptions of an older generation are ignored.
func (s *Session) handleDrop(gen int, err error) {
	if s.state != Live || gen != s.gen {
		return
	}
	slog.Warn("channel transport dropped", "session_id", string(s.id), "channel", s.cfg.Channel, "error", err)
	old := s.subs
	s.subs = nil
	s.gen++
	s.metrics.Reconnect()
	s.setState(Reconnecting)

	s.wg.Add(1)
	go s.reconnect(s.gen, old)
}

// reconnect releases the dropped subscriptions and resubscribes with backoff
// until it succeeds, the policy gives up, or the session closes. Messages are
// not backfilled again.
func (s *Session) reconnect(gen int, old *subscriptions) {
	defer s.wg.Done()
	if old != nil {
		if err := old.close(); err != nil {
			slog.Debug("release dropped subscriptions", "session_id", string(s.id), "error", err)
		}
	}

	policy := s.cfg.Reconnect
	for attempt := 1; ; attempt++ {
		if err := policy.Wait(s.ctx, attempt); err != nil {
			return
		}
		subs, err := s.subscribe(s.ctx, gen)
		if err == nil {
			if err := s.goLive(s.ctx, gen, subs); err != nil {
				return
			}
			slog.Info("channel resubscribed", "session_id", string(s.id), "attempt", attempt)
			return
		}
		if s.ctx.Err() != nil {
			return
		}
		slog.Warn("resubscribe failed", "session_id", string(s.id), "attempt", attempt, "error", err)
		if !policy.ShouldRetry(err, attempt+1) {
			slog.Error("giving up on channel", "session_id", string(s.id), "attempts", attempt, "error", err)
			go s.Close()
			return
		}
	}
}

// Send appends an optimistic message and writes it durably. On failure the
// optimistic entry is rolled back and an error wrapping ErrSendFailed is
// returned together with the message that was attempted.
func (s *Session) Send(ctx context.Context, content string) (types.Message, error) {
	var msg types.Message
	var err error
	if !s.do(func() {
		switch s.state {
		case Live, Reconnecting:
		case Closed:
			err = ErrClosed
			return
		default:
			err = ErrNotActive
			return
		}
		msg = s.log.InsertOptimistic(types.Draft{Author: s.cfg.Identity, Content: content})
		s.changed()
	}) {
		return types.Message{}, ErrClosed
	}
	if err != nil {
		return types.Message{}, err
	}

	ctx, cancel := s.scope(ctx)
	defer cancel()

	result := make(chan error, 1)
	if err := s.writer.Submit(ctx, s.cfg.Channel, msg, func(err error) { result <- err }); err != nil {
		return msg, s.rollback(msg, err)
	}
	select {
	case err := <-result:
		if err != nil {
			return msg, s.rollback(msg, err)
		}
	case <-ctx.Done():
		return msg, s.rollback(msg, ctx.Err())
	}

	s.do(func() { s.log.Confirm(msg.ID) })
	s.metrics.SendResult("ok")
	return msg, nil
}

func (s *Session) rollback(msg types.Message, cause error) error {
	s.do(func() {
		if s.state == Closed {
			return
		}
		if s.log.Rollback(msg.ID) {
			s.metrics.Rollback()
			s.changed()
		}
	})
	s.metrics.SendResult("failed")
	slog.Warn("send failed, message rolled back", "session_id", string(s.id), "message_id", string(msg.ID), "error", cause)
	return fmt.Errorf("%w: %w", ErrSendFailed, cause)
}

// Close tears the session down from any state and releases its
// subscriptions. Callbacks arriving afterwards are ignored. Close is
// idempotent.
func (s *Session) Close() error {
	var subs *subscriptions
	s.do(func() {
		subs = s.subs
		s.subs = nil
		s.setState(Closed)
	})
	s.cancel()
	<-s.done

	var err error
	if subs != nil {
		err = subs.close()
	}
	s.wg.Wait()
	return err
}

// Done is closed once the session reaches Closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) ID() types.SessionID {
	return s.id
}

func (s *Session) Identity() string {
	return s.cfg.Identity
}

func (s *Session) Channel() string {
	return s.cfg.Channel
}

func (s *Session) State() State {
	var st State
	s.query(func() { st = s.state })
	return st
}

// Messages returns the current log contents in display order.
func (s *Session) Messages() []types.Message {
	var out []types.Message
	s.query(func() { out = s.log.Snapshot() })
	return out
}

// Online returns the participants currently shown as online.
func (s *Session) Online() []string {
	var out []string
	s.query(func() { out = s.presence.CurrentOnline() })
	return out
}

type subscriptions struct {
	messages types.Subscription
	presence types.Subscription
}

func (s *subscriptions) close() error {
	var errs []error
	if s.messages != nil {
		if err := s.messages.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close message subscription: %w", err))
		}
	}
	if s.presence != nil {
		if err := s.presence.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close presence subscription: %w", err))
		}
	}
	return errors.Join(errs...)
}
