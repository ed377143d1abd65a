package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/user/chatsync/internal/types"
	"github.com/user/chatsync/internal/wire"
)

type serverConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *serverConn) send(f wire.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(f)
}

// fakeServer accepts joins and tracks, answers presence joins with a fixed
// snapshot and records every frame it receives.
type fakeServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader
	frames   chan wire.Frame
	snapshot []string
	reject   types.Topic

	mu    sync.Mutex
	conns []*serverConn
	auth  []string
}

func newFakeServer(t *testing.T, snapshot ...string) *fakeServer {
	t.Helper()
	s := &fakeServer{frames: make(chan wire.Frame, 64), snapshot: snapshot}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/v1/realtime"
}

func (s *fakeServer) handle(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := &serverConn{ws: ws}
	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.auth = append(s.auth, r.Header.Get("Authorization"))
	s.mu.Unlock()

	for {
		var f wire.Frame
		if err := ws.ReadJSON(&f); err != nil {
			return
		}
		select {
		case s.frames <- f:
		default:
		}
		switch f.Event {
		case wire.EventJoin:
			if f.Topic == s.reject {
				conn.send(wire.Reply(f, errRejected))
				continue
			}
			conn.send(wire.Reply(f, nil))
			if f.Topic.Kind() == "presence" {
				state, _ := wire.NewFrame(f.Topic, wire.EventPresenceState, "", wire.PresenceState{Identities: s.snapshot})
				conn.send(state)
			}
		case wire.EventTrack, wire.EventLeave:
			conn.send(wire.Reply(f, nil))
		}
	}
}

type rejectErr string

func (e rejectErr) Error() string { return string(e) }

const errRejected = rejectErr("topic not allowed")

func (s *fakeServer) conn(i int) *serverConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i >= len(s.conns) {
		return nil
	}
	return s.conns[i]
}

func (s *fakeServer) authHeader(i int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.auth[i]
}

func (s *fakeServer) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *fakeServer) waitFrame(t *testing.T, event wire.Event) wire.Frame {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case f := <-s.frames:
			if f.Event == event {
				return f
			}
		case <-deadline:
			t.Fatalf("no %s frame received", event)
		}
	}
}

type recorder struct {
	inserts  chan types.Message
	presence chan types.PresenceEvent
	drops    chan error
}

func newRecorder() *recorder {
	return &recorder{
		inserts:  make(chan types.Message, 16),
		presence: make(chan types.PresenceEvent, 16),
		drops:    make(chan error, 16),
	}
}

func (r *recorder) handlers() types.Handlers {
	return types.Handlers{
		OnInsert:   func(m types.Message) { r.inserts <- m },
		OnPresence: func(ev types.PresenceEvent) { r.presence <- ev },
		OnDrop:     func(err error) { r.drops <- err },
	}
}

func newTestClient(t *testing.T, cfg Config) *Client {
	t.Helper()
	c, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestSubscribeReceivesPresenceAndInserts(t *testing.T) {
	srv := newFakeServer(t, "🐶")
	c := newTestClient(t, Config{URL: srv.url(), APIKey: "secret"})
	rec := newRecorder()
	ctx := context.Background()

	msgs, err := c.Subscribe(ctx, types.SubscribeRequest{Topic: types.MessagesTopic("general")}, rec.handlers())
	if err != nil {
		t.Fatal(err)
	}
	pres, err := c.Subscribe(ctx, types.SubscribeRequest{Topic: types.PresenceTopic("general"), PresenceKey: "🐱"}, rec.handlers())
	if err != nil {
		t.Fatal(err)
	}
	defer msgs.Close()
	defer pres.Close()

	if srv.connCount() != 1 {
		t.Errorf("expected subscriptions to share one socket, got %d", srv.connCount())
	}
	if got := srv.authHeader(0); got != "Bearer secret" {
		t.Errorf("expected bearer auth header, got %q", got)
	}

	select {
	case ev := <-rec.presence:
		if ev.Kind != types.PresenceSync || len(ev.Identities) != 1 || ev.Identities[0] != "🐶" {
			t.Errorf("unexpected presence event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no presence sync")
	}

	if err := pres.Track(ctx); err != nil {
		t.Fatalf("track failed: %v", err)
	}
	track := srv.waitFrame(t, wire.EventTrack)
	if track.Topic != types.PresenceTopic("general") {
		t.Errorf("track sent on %s", track.Topic)
	}

	insert, _ := wire.NewFrame(types.MessagesTopic("general"), wire.EventInsert, "", types.Message{ID: "1", Author: "🐶", Content: "👋"})
	srv.conn(0).send(insert)
	select {
	case m := <-rec.inserts:
		if m.ID != "1" || m.Content != "👋" {
			t.Errorf("unexpected insert %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no insert delivered")
	}

	diff, _ := wire.NewFrame(types.PresenceTopic("general"), wire.EventPresenceDiff, "", wire.PresenceDiff{Joins: []string{"🦊"}, Leaves: []string{"🐶"}})
	srv.conn(0).send(diff)
	for _, want := range []types.PresenceKind{types.PresenceJoin, types.PresenceLeave} {
		select {
		case ev := <-rec.presence:
			if ev.Kind != want {
				t.Errorf("expected %s, got %s", want, ev.Kind)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("no %s event", want)
		}
	}
}

func TestSubscribeRejected(t *testing.T) {
	srv := newFakeServer(t)
	srv.reject = types.PresenceTopic("secret")
	c := newTestClient(t, Config{URL: srv.url()})

	_, err := c.Subscribe(context.Background(), types.SubscribeRequest{Topic: types.PresenceTopic("secret")}, types.Handlers{})
	if err == nil || !strings.Contains(err.Error(), "topic not allowed") {
		t.Fatalf("expected rejection, got %v", err)
	}
	if c.Connected() {
		t.Error("a link without subscriptions should be closed")
	}
}

func TestDropNotifiesAndRedials(t *testing.T) {
	srv := newFakeServer(t)
	c := newTestClient(t, Config{URL: srv.url()})
	rec := newRecorder()
	ctx := context.Background()

	sub, err := c.Subscribe(ctx, types.SubscribeRequest{Topic: types.MessagesTopic("general")}, rec.handlers())
	if err != nil {
		t.Fatal(err)
	}
	srv.conn(0).ws.Close()

	select {
	case err := <-rec.drops:
		if err == nil {
			t.Error("expected a drop error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no drop reported")
	}
	sub.Close()

	again, err := c.Subscribe(ctx, types.SubscribeRequest{Topic: types.MessagesTopic("general")}, rec.handlers())
	if err != nil {
		t.Fatalf("resubscribe failed: %v", err)
	}
	defer again.Close()
	if srv.connCount() != 2 {
		t.Errorf("expected a second socket, got %d", srv.connCount())
	}
}

func TestClosedSubscriptionGetsNoCallbacks(t *testing.T) {
	srv := newFakeServer(t)
	c := newTestClient(t, Config{URL: srv.url()})
	rec := newRecorder()
	ctx := context.Background()

	keep, err := c.Subscribe(ctx, types.SubscribeRequest{Topic: types.MessagesTopic("other")}, types.Handlers{})
	if err != nil {
		t.Fatal(err)
	}
	defer keep.Close()
	sub, err := c.Subscribe(ctx, types.SubscribeRequest{Topic: types.MessagesTopic("general")}, rec.handlers())
	if err != nil {
		t.Fatal(err)
	}
	if err := sub.Close(); err != nil {
		t.Fatal(err)
	}
	srv.waitFrame(t, wire.EventLeave)

	insert, _ := wire.NewFrame(types.MessagesTopic("general"), wire.EventInsert, "", types.Message{ID: "late"})
	srv.conn(0).send(insert)
	srv.conn(0).ws.Close()

	select {
	case m := <-rec.inserts:
		t.Errorf("closed subscription received insert %+v", m)
	case err := <-rec.drops:
		t.Errorf("closed subscription received drop %v", err)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestClientCloseIsSilent(t *testing.T) {
	srv := newFakeServer(t)
	c := newTestClient(t, Config{URL: srv.url()})
	rec := newRecorder()

	if _, err := c.Subscribe(context.Background(), types.SubscribeRequest{Topic: types.MessagesTopic("general")}, rec.handlers()); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-rec.drops:
		t.Errorf("intentional close reported a drop: %v", err)
	case <-time.After(300 * time.Millisecond):
	}
	if _, err := c.Subscribe(context.Background(), types.SubscribeRequest{Topic: types.MessagesTopic("general")}, rec.handlers()); err != ErrClientClosed {
		t.Errorf("expected ErrClientClosed, got %v", err)
	}
}

func TestHeartbeat(t *testing.T) {
	srv := newFakeServer(t)
	c := newTestClient(t, Config{URL: srv.url(), Heartbeat: "@every 1s"})

	sub, err := c.Subscribe(context.Background(), types.SubscribeRequest{Topic: types.MessagesTopic("general")}, types.Handlers{})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	f := srv.waitFrame(t, wire.EventHeartbeat)
	if f.Topic != wire.SystemTopic {
		t.Errorf("heartbeat on %s", f.Topic)
	}
}

func TestNewRequiresURL(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("expected error without url")
	}
	if _, err := New(Config{URL: "ws://x", Heartbeat: "bogus"}); err == nil {
		t.Error("expected error for invalid heartbeat schedule")
	}
}
