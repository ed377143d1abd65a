package relay

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/user/chatsync/internal/types"
	"github.com/user/chatsync/internal/wire"
)

const (
	writeWait   = 10 * time.Second
	pingPeriod  = 30 * time.Second
	readTimeout = 60 * time.Second
	sendBuffer  = 128
)

var (
	errConnClosed = errors.New("connection closed")
	errBufferFull = errors.New("connection buffer exceeded")
)

// Conn wraps one realtime websocket. Outbound frames go through a buffered
// channel drained by a single write loop; a client too slow to keep up is
// disconnected.
type Conn struct {
	ID types.ConnID

	ws    *websocket.Conn
	send  chan []byte
	once  sync.Once
	close chan struct{}
}

func newConn(ws *websocket.Conn) *Conn {
	return &Conn{
		ID:    types.NewConnID(),
		ws:    ws,
		send:  make(chan []byte, sendBuffer),
		close: make(chan struct{}),
	}
}

// Start launches the write loop. It must be called exactly once.
func (c *Conn) Start() {
	go c.writeLoop()
}

// SendFrame encodes f and enqueues it.
func (c *Conn) SendFrame(f wire.Frame) error {
	payload, err := encodeFrame(f)
	if err != nil {
		return err
	}
	return c.Send(payload)
}

func encodeFrame(f wire.Frame) ([]byte, error) {
	return json.Marshal(f)
}

// Send enqueues payload without blocking.
func (c *Conn) Send(payload []byte) error {
	select {
	case <-c.close:
		return errConnClosed
	default:
	}
	select {
	case c.send <- payload:
		return nil
	default:
		c.Close(websocket.CloseGoingAway, "send buffer full")
		return errBufferFull
	}
}

// Close sends a close frame and tears the socket down. Safe to call more
// than once.
func (c *Conn) Close(code int, reason string) {
	c.once.Do(func() {
		close(c.close)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		_ = c.ws.Close()
	})
}

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.close
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.close:
			return
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		}
	}
}

func (c *Conn) write(kind int, payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(kind, payload)
}
