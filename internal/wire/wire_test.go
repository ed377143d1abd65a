package wire

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/user/chatsync/internal/types"
)

func TestNewFrameAndDecode(t *testing.T) {
	f, err := NewFrame(types.PresenceTopic("general"), EventJoin, "7", JoinPayload{PresenceKey: "🐱"})
	if err != nil {
		t.Fatal(err)
	}

	data, err := json.Marshal(f)
	if err != nil {
		t.Fatal(err)
	}
	var got Frame
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got.Topic != "presence:general" || got.Event != EventJoin || got.Ref != "7" {
		t.Errorf("unexpected frame header %+v", got)
	}
	var join JoinPayload
	if err := got.Decode(&join); err != nil {
		t.Fatal(err)
	}
	if join.PresenceKey != "🐱" {
		t.Errorf("expected presence key 🐱, got %q", join.PresenceKey)
	}
}

func TestFrameWithoutPayload(t *testing.T) {
	f, err := NewFrame(SystemTopic, EventHeartbeat, "1", nil)
	if err != nil {
		t.Fatal(err)
	}
	data, _ := json.Marshal(f)
	if string(data) != `{"topic":"system","event":"heartbeat","ref":"1"}` {
		t.Errorf("unexpected encoding %s", data)
	}
	if err := f.Decode(&struct{}{}); err == nil {
		t.Error("expected error decoding an empty payload")
	}
}

func TestReply(t *testing.T) {
	req := Frame{Topic: types.MessagesTopic("general"), Event: EventJoin, Ref: "3"}

	ok := Reply(req, nil)
	var p ReplyPayload
	if err := ok.Decode(&p); err != nil {
		t.Fatal(err)
	}
	if ok.Ref != "3" || ok.Topic != req.Topic || ok.Event != EventReply {
		t.Errorf("reply should echo topic and ref, got %+v", ok)
	}
	if p.Err() != nil {
		t.Errorf("expected ok reply, got %v", p.Err())
	}

	failed := Reply(req, errors.New("unauthorized"))
	if err := failed.Decode(&p); err != nil {
		t.Fatal(err)
	}
	if err := p.Err(); err == nil || err.Error() != "unauthorized" {
		t.Errorf("expected unauthorized, got %v", err)
	}
}
