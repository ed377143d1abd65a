package realtime

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/user/chatsync/internal/types"
	"github.com/user/chatsync/internal/wire"
)

type subscription struct {
	link     *link
	topic    types.Topic
	handlers types.Handlers
	closed   atomic.Bool
}

func (s *subscription) deliver(f wire.Frame) error {
	if s.closed.Load() {
		return nil
	}
	switch f.Event {
	case wire.EventInsert:
		var msg types.Message
		if err := f.Decode(&msg); err != nil {
			return err
		}
		if s.handlers.OnInsert != nil {
			s.handlers.OnInsert(msg)
		}
	case wire.EventPresenceState:
		var state wire.PresenceState
		if err := f.Decode(&state); err != nil {
			return err
		}
		s.presence(types.PresenceSync, state.Identities, true)
	case wire.EventPresenceDiff:
		var diff wire.PresenceDiff
		if err := f.Decode(&diff); err != nil {
			return err
		}
		s.presence(types.PresenceJoin, diff.Joins, false)
		s.presence(types.PresenceLeave, diff.Leaves, false)
	default:
		slog.Debug("unhandled realtime event", "topic", string(f.Topic), "event", string(f.Event))
	}
	return nil
}

func (s *subscription) presence(kind types.PresenceKind, ids []string, always bool) {
	if s.handlers.OnPresence == nil || (!always && len(ids) == 0) {
		return
	}
	if ids == nil {
		ids = []string{}
	}
	s.handlers.OnPresence(types.PresenceEvent{Kind: kind, Identities: ids})
}

func (s *subscription) drop(err error) {
	if s.closed.Load() || s.handlers.OnDrop == nil {
		return
	}
	s.handlers.OnDrop(err)
}

// Track announces the subscription's presence key as online.
func (s *subscription) Track(ctx context.Context) error {
	if s.closed.Load() {
		return ErrLinkClosed
	}
	f, err := wire.NewFrame(s.topic, wire.EventTrack, s.link.client.nextRef(), wire.TrackPayload{OnlineAt: time.Now().UnixMilli()})
	if err != nil {
		return err
	}
	return s.link.request(ctx, f)
}

// Close leaves the topic. No callbacks are delivered afterwards.
func (s *subscription) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if !s.link.isDone() {
		f, _ := wire.NewFrame(s.topic, wire.EventLeave, s.link.client.nextRef(), nil)
		if err := s.link.write(f); err != nil {
			slog.Debug("leave not sent", "topic", string(s.topic), "error", err)
		}
	}
	s.link.detach(s)
	return nil
}
