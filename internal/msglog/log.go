// Package msglog holds the ordered, de-duplicated message sequence of one
// channel session, including optimistic entries awaiting confirmation.
//
// A Log is not safe for concurrent use. It is owned by the session event loop.
package msglog

import (
	"time"

	"github.com/user/chatsync/internal/types"
)

// AppendResult reports whether Append changed the log.
type AppendResult int

const (
	Added AppendResult = iota
	Duplicate
)

func (r AppendResult) String() string {
	if r == Duplicate {
		return "duplicate"
	}
	return "added"
}

type entry struct {
	msg     types.Message
	pending bool
}

// Log is an arrival-ordered message sequence in which every id appears once.
type Log struct {
	entries []entry
	// pending by id; presence in the map means the id is in entries.
	ids   map[types.MessageID]bool
	newID func(time.Time) types.MessageID
	now   func() time.Time
}

// Option configures a Log.
type Option func(*Log)

// WithIDGenerator replaces the generator used for optimistic ids.
func WithIDGenerator(fn func(time.Time) types.MessageID) Option {
	return func(l *Log) { l.newID = fn }
}

// WithClock replaces the clock used to stamp optimistic messages.
func WithClock(fn func() time.Time) Option {
	return func(l *Log) { l.now = fn }
}

// New creates an empty Log.
func New(opts ...Option) *Log {
	l := &Log{
		ids:   make(map[types.MessageID]bool),
		newID: types.NewMessageIDAt,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append adds msg unless its id is already present. A duplicate of a pending
// optimistic entry confirms it.
func (l *Log) Append(msg types.Message) AppendResult {
	if pending, ok := l.ids[msg.ID]; ok {
		if pending {
			l.setPending(msg.ID, false)
		}
		return Duplicate
	}
	l.entries = append(l.entries, entry{msg: msg})
	l.ids[msg.ID] = false
	return Added
}

// InsertOptimistic stamps draft with a fresh id and the current time, appends
// it as pending and returns the resulting message.
func (l *Log) InsertOptimistic(draft types.Draft) types.Message {
	now := l.now()
	id := l.newID(now)
	for l.Contains(id) {
		id = l.newID(now)
	}
	msg := types.Message{
		ID:        id,
		Author:    draft.Author,
		Content:   draft.Content,
		CreatedAt: now.UnixMilli(),
	}
	l.entries = append(l.entries, entry{msg: msg, pending: true})
	l.ids[id] = true
	return msg
}

// Confirm marks a pending entry as durably written. It returns false when id
// is absent or already confirmed.
func (l *Log) Confirm(id types.MessageID) bool {
	pending, ok := l.ids[id]
	if !ok || !pending {
		return false
	}
	l.setPending(id, false)
	return true
}

// Rollback removes the pending entry with this id and nothing else. Confirmed
// entries are durable and are never removed.
func (l *Log) Rollback(id types.MessageID) bool {
	pending, ok := l.ids[id]
	if !ok || !pending {
		return false
	}
	for i := range l.entries {
		if l.entries[i].msg.ID == id {
			l.entries = append(l.entries[:i], l.entries[i+1:]...)
			break
		}
	}
	delete(l.ids, id)
	return true
}

// Load merges a backfill result. The backfill, de-duplicated, becomes the
// prefix in its own order; entries already in the log that the backfill did
// not contain follow in their previous relative order. Returns the number of
// ids that were not in the log before.
func (l *Log) Load(backfill []types.Message) int {
	merged := make([]entry, 0, len(backfill)+len(l.entries))
	seen := make(map[types.MessageID]bool, len(backfill))
	added := 0
	for _, msg := range backfill {
		if seen[msg.ID] {
			continue
		}
		seen[msg.ID] = true
		if _, ok := l.ids[msg.ID]; !ok {
			added++
		}
		merged = append(merged, entry{msg: msg})
	}
	for _, e := range l.entries {
		if seen[e.msg.ID] {
			continue
		}
		merged = append(merged, e)
	}

	l.entries = merged
	l.ids = make(map[types.MessageID]bool, len(merged))
	for _, e := range merged {
		l.ids[e.msg.ID] = e.pending
	}
	return added
}

// Contains reports whether id is in the log.
func (l *Log) Contains(id types.MessageID) bool {
	_, ok := l.ids[id]
	return ok
}

// Pending reports whether id is an unconfirmed optimistic entry.
func (l *Log) Pending(id types.MessageID) bool {
	return l.ids[id]
}

// Len returns the number of entries.
func (l *Log) Len() int {
	return len(l.entries)
}

// Snapshot returns a copy of the messages in log order.
func (l *Log) Snapshot() []types.Message {
	out := make([]types.Message, len(l.entries))
	for i, e := range l.entries {
		out[i] = e.msg
	}
	return out
}

func (l *Log) setPending(id types.MessageID, pending bool) {
	for i := range l.entries {
		if l.entries[i].msg.ID == id {
			l.entries[i].pending = pending
			break
		}
	}
	l.ids[id] = pending
}
