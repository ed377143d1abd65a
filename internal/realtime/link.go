package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/user/chatsync/internal/delivery"
	"github.com/user/chatsync/internal/types"
	"github.com/user/chatsync/internal/wire"
)

// link is one websocket connection. Inbound frames are routed by topic
// through the delivery registry; replies are matched to requests by ref.
type link struct {
	id       types.ConnID
	client   *Client
	ws       *websocket.Conn
	registry *delivery.Registry

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan wire.ReplyPayload
	subs    map[types.Topic]*subscription
	done    chan struct{}
	err     error
	once    sync.Once
}

func newLink(c *Client, ws *websocket.Conn) *link {
	return &link{
		id:       types.NewConnID(),
		client:   c,
		ws:       ws,
		registry: delivery.NewRegistry(),
		pending:  make(map[string]chan wire.ReplyPayload),
		subs:     make(map[types.Topic]*subscription),
		done:     make(chan struct{}),
	}
}

func (l *link) isDone() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

func (l *link) readLoop() {
	for {
		var f wire.Frame
		if err := l.ws.ReadJSON(&f); err != nil {
			l.fail(fmt.Errorf("read: %w", err), false)
			return
		}
		if f.Event == wire.EventReply {
			l.resolve(f)
			continue
		}
		if err := l.registry.Deliver(f); err != nil {
			slog.Debug("realtime frame dropped", "conn_id", string(l.id), "event", string(f.Event), "error", err)
		}
	}
}

func (l *link) resolve(f wire.Frame) {
	var reply wire.ReplyPayload
	if err := f.Decode(&reply); err != nil {
		slog.Warn("bad reply frame", "conn_id", string(l.id), "error", err)
		return
	}
	l.mu.Lock()
	ch, ok := l.pending[f.Ref]
	delete(l.pending, f.Ref)
	l.mu.Unlock()
	if ok {
		ch <- reply
	}
}

func (l *link) write(f wire.Frame) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if err := l.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return l.ws.WriteJSON(f)
}

// request writes f and waits for the reply with the same ref.
func (l *link) request(ctx context.Context, f wire.Frame) error {
	ch := make(chan wire.ReplyPayload, 1)
	l.mu.Lock()
	if l.isDone() {
		l.mu.Unlock()
		return ErrLinkClosed
	}
	l.pending[f.Ref] = ch
	l.mu.Unlock()

	if err := l.write(f); err != nil {
		l.mu.Lock()
		delete(l.pending, f.Ref)
		l.mu.Unlock()
		l.fail(fmt.Errorf("write: %w", err), false)
		return fmt.Errorf("write %s: %w", f.Event, err)
	}

	select {
	case reply := <-ch:
		return reply.Err()
	case <-l.done:
		return fmt.Errorf("%w: %w", ErrLinkClosed, l.err)
	case <-ctx.Done():
		l.mu.Lock()
		delete(l.pending, f.Ref)
		l.mu.Unlock()
		return ctx.Err()
	}
}

func (l *link) attach(sub *subscription) {
	l.mu.Lock()
	l.subs[sub.topic] = sub
	l.mu.Unlock()
	l.registry.Register(sub.topic, sub.deliver)
}

// detach removes sub if it still owns its topic. When the last subscription
// leaves, the link is closed.
func (l *link) detach(sub *subscription) {
	l.mu.Lock()
	owned := l.subs[sub.topic] == sub
	if owned {
		delete(l.subs, sub.topic)
	}
	empty := len(l.subs) == 0
	l.mu.Unlock()

	if owned {
		l.registry.Unregister(sub.topic)
	}
	if empty {
		l.fail(errors.New("no subscriptions left"), true)
	}
}

// fail closes the link once. Unless the close was intentional, every
// attached subscription is told about the drop.
func (l *link) fail(err error, intentional bool) {
	l.once.Do(func() {
		l.mu.Lock()
		l.err = err
		close(l.done)
		subs := make([]*subscription, 0, len(l.subs))
		for _, sub := range l.subs {
			subs = append(subs, sub)
		}
		l.subs = make(map[types.Topic]*subscription)
		l.mu.Unlock()

		l.writeMu.Lock()
		_ = l.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		l.writeMu.Unlock()
		_ = l.ws.Close()
		l.client.forget(l)

		if intentional {
			slog.Debug("realtime link closed", "conn_id", string(l.id))
			return
		}
		slog.Warn("realtime link dropped", "conn_id", string(l.id), "topics", l.registry.Topics(), "error", err)
		for _, sub := range subs {
			sub.drop(err)
		}
	})
}
