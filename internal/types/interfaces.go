// internal/types/interfaces.go
package types

import (
	"context"
	"errors"
)

var (
	// ErrNotProvisioned reports that the message storage has not been
	// initialized yet.
	ErrNotProvisioned = errors.New("message store not provisioned")
	// ErrDuplicate reports a write of a message id that already exists.
	ErrDuplicate = errors.New("duplicate message id")
	// ErrInvalidChannel reports a channel name outside [A-Za-z0-9_-]{1,64}.
	ErrInvalidChannel = errors.New("invalid channel name")
)

// MessageStore is the durable side of the backend.
type MessageStore interface {
	// Backfill returns up to limit of the most recent messages of a channel,
	// oldest first.
	Backfill(ctx context.Context, channel string, limit int) ([]Message, error)
	Insert(ctx context.Context, channel string, msg Message) error
	Initialize(ctx context.Context) error
}

// SubscribeRequest names the topic to join. PresenceKey is the identity the
// subscription is tracked under on presence topics.
type SubscribeRequest struct {
	Topic       Topic
	PresenceKey string
}

// Handlers receive inbound events for one subscription. Any of them may be nil.
type Handlers struct {
	OnInsert   func(Message)
	OnPresence func(PresenceEvent)
	OnDrop     func(error)
}

// Realtime is the live side of the backend.
type Realtime interface {
	Subscribe(ctx context.Context, req SubscribeRequest, h Handlers) (Subscription, error)
}

type Subscription interface {
	// Track announces the subscription's presence key as online.
	Track(ctx context.Context) error
	Close() error
}

// IdentityStore persists the local identity and the single boolean preference.
type IdentityStore interface {
	Identity() (string, error)
	SetIdentity(identity string) error
	DarkMode() (bool, error)
	SetDarkMode(enabled bool) error
}
