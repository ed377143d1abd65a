package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/user/chatsync/internal/metrics"
	"github.com/user/chatsync/internal/types"
	"github.com/user/chatsync/internal/wire"
)

var (
	errNotJoined      = errors.New("topic not joined")
	errNoPresenceKey  = errors.New("join carried no presence key")
	errNotPresence    = errors.New("track is only valid on presence topics")
	errUnknownEvent   = errors.New("unsupported event")
	errTopicForbidden = errors.New("unknown topic")
)

const (
	topicMessages = "messages"
	topicPresence = "presence"
)

type membership struct {
	key     string
	tracked bool
}

// Stats is a point-in-time view of the hub.
type Stats struct {
	Connections int
	Topics      int
	Tracked     int
}

// Hub keeps topic rooms and presence. Presence is reference counted per key
// so an identity with several connections is online once. All fan-out is
// queued while the hub lock is held, which keeps per-topic frame order
// identical for every member.
type Hub struct {
	metrics *metrics.Metrics

	mu       sync.RWMutex
	conns    map[types.ConnID]*Conn
	rooms    map[types.Topic]map[types.ConnID]*Conn
	members  map[types.ConnID]map[types.Topic]*membership
	presence map[types.Topic]map[string]int
}

func NewHub(m *metrics.Metrics) *Hub {
	return &Hub{
		metrics:  m,
		conns:    make(map[types.ConnID]*Conn),
		rooms:    make(map[types.Topic]map[types.ConnID]*Conn),
		members:  make(map[types.ConnID]map[types.Topic]*membership),
		presence: make(map[types.Topic]map[string]int),
	}
}

// Attach registers c and starts its write loop.
func (h *Hub) Attach(c *Conn) {
	h.mu.Lock()
	h.conns[c.ID] = c
	h.members[c.ID] = make(map[types.Topic]*membership)
	n := len(h.conns)
	h.mu.Unlock()

	h.metrics.RelayConnections(n)
	c.Start()
}

// Detach drops c from every room. Keys it was the last tracker of are
// announced as leaves.
func (h *Hub) Detach(c *Conn) {
	h.mu.Lock()
	if _, ok := h.conns[c.ID]; !ok {
		h.mu.Unlock()
		return
	}
	for topic := range h.members[c.ID] {
		h.leaveLocked(c, topic)
	}
	delete(h.members, c.ID)
	delete(h.conns, c.ID)
	n := len(h.conns)
	h.mu.Unlock()

	h.metrics.RelayConnections(n)
}

// Handle processes one inbound frame from c.
func (h *Hub) Handle(c *Conn, f wire.Frame) {
	switch f.Event {
	case wire.EventJoin:
		var p wire.JoinPayload
		if len(f.Payload) > 0 {
			if err := f.Decode(&p); err != nil {
				h.reply(c, f, err)
				return
			}
		}
		h.Join(c, f, p.PresenceKey)
	case wire.EventLeave:
		h.Leave(c, f.Topic)
		h.reply(c, f, nil)
	case wire.EventTrack:
		h.Track(c, f)
	case wire.EventHeartbeat:
		h.reply(c, f, nil)
	default:
		h.reply(c, f, fmt.Errorf("%w: %s", errUnknownEvent, f.Event))
	}
}

func validTopic(t types.Topic) bool {
	switch t.Kind() {
	case topicMessages, topicPresence:
		return types.ValidateChannel(t.Channel()) == nil
	}
	return false
}

// Join adds c to the topic named by req and answers it. Presence topics
// also get the current online set right after the reply.
func (h *Hub) Join(c *Conn, req wire.Frame, key string) {
	if !validTopic(req.Topic) {
		h.reply(c, req, fmt.Errorf("%w: %s", errTopicForbidden, req.Topic))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	memberships, ok := h.members[c.ID]
	if !ok {
		return
	}
	room := h.rooms[req.Topic]
	if room == nil {
		room = make(map[types.ConnID]*Conn)
		h.rooms[req.Topic] = room
	}
	room[c.ID] = c
	if m, ok := memberships[req.Topic]; !ok || !m.tracked {
		memberships[req.Topic] = &membership{key: key}
	}

	h.reply(c, req, nil)
	if req.Topic.Kind() == topicPresence {
		state, err := wire.NewFrame(req.Topic, wire.EventPresenceState, "", wire.PresenceState{Identities: h.onlineLocked(req.Topic)})
		if err == nil {
			h.deliver(c, state)
		}
	}
}

// Leave removes c from topic.
func (h *Hub) Leave(c *Conn, topic types.Topic) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(c, topic)
}

func (h *Hub) leaveLocked(c *Conn, topic types.Topic) {
	m, ok := h.members[c.ID][topic]
	if !ok {
		return
	}
	delete(h.members[c.ID], topic)
	if room := h.rooms[topic]; room != nil {
		delete(room, c.ID)
		if len(room) == 0 {
			delete(h.rooms, topic)
		}
	}
	if !m.tracked {
		return
	}
	counts := h.presence[topic]
	counts[m.key]--
	if counts[m.key] > 0 {
		return
	}
	delete(counts, m.key)
	if len(counts) == 0 {
		delete(h.presence, topic)
	}
	h.broadcastLocked(topic, wire.EventPresenceDiff, wire.PresenceDiff{Leaves: []string{m.key}})
}

// Track marks c's presence key on the topic of req as online and answers it.
// Tracking twice is a no-op.
func (h *Hub) Track(c *Conn, req wire.Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()

	m, ok := h.members[c.ID][req.Topic]
	switch {
	case !ok:
		h.reply(c, req, errNotJoined)
		return
	case req.Topic.Kind() != topicPresence:
		h.reply(c, req, errNotPresence)
		return
	case m.key == "":
		h.reply(c, req, errNoPresenceKey)
		return
	}

	h.reply(c, req, nil)
	if m.tracked {
		return
	}
	m.tracked = true
	counts := h.presence[req.Topic]
	if counts == nil {
		counts = make(map[string]int)
		h.presence[req.Topic] = counts
	}
	counts[m.key]++
	if counts[m.key] == 1 {
		h.broadcastLocked(req.Topic, wire.EventPresenceDiff, wire.PresenceDiff{Joins: []string{m.key}})
	}
}

// Broadcast sends an event to every member of topic and returns how many
// connections accepted it.
func (h *Hub) Broadcast(topic types.Topic, event wire.Event, payload any) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.broadcastLocked(topic, event, payload)
}

func (h *Hub) broadcastLocked(topic types.Topic, event wire.Event, payload any) int {
	room := h.rooms[topic]
	if len(room) == 0 {
		return 0
	}
	f, err := wire.NewFrame(topic, event, "", payload)
	if err != nil {
		slog.Error("broadcast encode failed", "topic", string(topic), "event", string(event), "error", err)
		return 0
	}
	data, err := encodeFrame(f)
	if err != nil {
		slog.Error("broadcast encode failed", "topic", string(topic), "event", string(event), "error", err)
		return 0
	}
	delivered := 0
	for _, c := range room {
		if err := c.Send(data); err == nil {
			delivered++
			h.metrics.RelayBroadcast(string(event))
		}
	}
	return delivered
}

// Online returns the sorted keys tracked on topic.
func (h *Hub) Online(topic types.Topic) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.onlineLocked(topic)
}

func (h *Hub) onlineLocked(topic types.Topic) []string {
	keys := make([]string, 0, len(h.presence[topic]))
	for k := range h.presence[topic] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	st := Stats{Connections: len(h.conns), Topics: len(h.rooms)}
	for _, counts := range h.presence {
		st.Tracked += len(counts)
	}
	return st
}

// Close disconnects every connection and clears all state.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.conns = make(map[types.ConnID]*Conn)
	h.rooms = make(map[types.Topic]map[types.ConnID]*Conn)
	h.members = make(map[types.ConnID]map[types.Topic]*membership)
	h.presence = make(map[types.Topic]map[string]int)
	h.mu.Unlock()

	h.metrics.RelayConnections(0)
	for _, c := range conns {
		c.Close(websocket.CloseGoingAway, "relay shutdown")
	}
}

func (h *Hub) reply(c *Conn, req wire.Frame, err error) {
	h.deliver(c, wire.Reply(req, err))
}

func (h *Hub) deliver(c *Conn, f wire.Frame) {
	if err := c.SendFrame(f); err != nil {
		slog.Debug("frame not delivered", "conn_id", string(c.ID), "event", string(f.Event), "error", err)
	}
}
