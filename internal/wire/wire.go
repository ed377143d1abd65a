// Package wire defines the JSON frames exchanged over the realtime socket.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/user/chatsync/internal/types"
)

type Event string

// Client events.
const (
	EventJoin      Event = "join"
	EventLeave     Event = "leave"
	EventTrack     Event = "track"
	EventHeartbeat Event = "heartbeat"
)

// Server events.
const (
	EventReply         Event = "reply"
	EventInsert        Event = "insert"
	EventPresenceState Event = "presence_state"
	EventPresenceDiff  Event = "presence_diff"
)

// SystemTopic carries heartbeats.
const SystemTopic types.Topic = "system"

const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Frame is one message on the socket. Ref correlates a request with its reply.
type Frame struct {
	Topic   types.Topic     `json:"topic"`
	Event   Event           `json:"event"`
	Ref     string          `json:"ref,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type JoinPayload struct {
	PresenceKey string `json:"presence_key,omitempty"`
}

type TrackPayload struct {
	OnlineAt int64 `json:"online_at"`
}

type ReplyPayload struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// Err returns nil for an ok reply and an error carrying the reason otherwise.
func (r ReplyPayload) Err() error {
	if r.Status == StatusOK {
		return nil
	}
	if r.Reason == "" {
		return errors.New("request rejected")
	}
	return errors.New(r.Reason)
}

type PresenceState struct {
	Identities []string `json:"identities"`
}

type PresenceDiff struct {
	Joins  []string `json:"joins,omitempty"`
	Leaves []string `json:"leaves,omitempty"`
}

// NewFrame builds a frame with payload marshalled to JSON. A nil payload
// leaves the payload empty.
func NewFrame(topic types.Topic, event Event, ref string, payload any) (Frame, error) {
	f := Frame{Topic: topic, Event: event, Ref: ref}
	if payload == nil {
		return f, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	f.Payload = data
	return f, nil
}

// Decode unmarshals the payload into v.
func (f Frame) Decode(v any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("decode %s: empty payload", f.Event)
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("decode %s: %w", f.Event, err)
	}
	return nil
}

// Reply answers req on the same topic and ref. A nil err is an ok reply.
func Reply(req Frame, err error) Frame {
	p := ReplyPayload{Status: StatusOK}
	if err != nil {
		p = ReplyPayload{Status: StatusError, Reason: err.Error()}
	}
	data, _ := json.Marshal(p)
	return Frame{Topic: req.Topic, Event: EventReply, Ref: req.Ref, Payload: data}
}
