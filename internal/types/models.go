// internal/types/models.go
package types

import (
	"cmp"
	"slices"
)

// Message is an immutable chat message. CreatedAt is milliseconds since the
// Unix epoch as stamped by the originating client.
type Message struct {
	ID        MessageID `json:"id"`
	Author    string    `json:"author"`
	Content   string    `json:"content"`
	CreatedAt int64     `json:"created_at"`
}

// Recent returns the newest limit messages ordered by CreatedAt ascending.
// Messages with equal timestamps keep their relative order. A limit <= 0
// returns all of them. msgs is not modified.
func Recent(msgs []Message, limit int) []Message {
	out := slices.Clone(msgs)
	slices.SortStableFunc(out, func(a, b Message) int {
		return cmp.Compare(a.CreatedAt, b.CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Draft is the caller-supplied part of an outgoing message.
type Draft struct {
	Author  string
	Content string
}

type PresenceKind string

const (
	PresenceSync  PresenceKind = "sync"
	PresenceJoin  PresenceKind = "join"
	PresenceLeave PresenceKind = "leave"
)

// PresenceEvent carries a full snapshot (sync) or a delta (join/leave).
type PresenceEvent struct {
	Kind       PresenceKind `json:"kind"`
	Identities []string     `json:"identities"`
}

type ConnectionStatus string

const (
	StatusConnected    ConnectionStatus = "connected"
	StatusDisconnected ConnectionStatus = "disconnected"
)

// Profile is the locally persisted participant profile.
type Profile struct {
	Identity string `json:"identity"`
	DarkMode bool   `json:"dark_mode"`
}
