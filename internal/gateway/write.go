package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/user/chatsync/internal/types"
)

// WriteStatus represents the lifecycle state of a Write.
type WriteStatus string

const (
	WriteStatusQueued  WriteStatus = "queued"
	WriteStatusRunning WriteStatus = "running"
	WriteStatusDone    WriteStatus = "done"
	WriteStatusFailed  WriteStatus = "failed"
)

// Write is one durable write of a message to a channel.
type Write struct {
	Channel   string
	Message   types.Message
	Ctx       context.Context
	Status    WriteStatus
	CreatedAt time.Time
	StartedAt *time.Time
	EndedAt   *time.Time
	Error     error
	OnDone    func(error)

	once sync.Once
}

// NewWrite creates a Write in the Queued state.
func NewWrite(ctx context.Context, channel string, msg types.Message, onDone func(error)) *Write {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Write{
		Channel:   channel,
		Message:   msg,
		Ctx:       ctx,
		Status:    WriteStatusQueued,
		CreatedAt: time.Now(),
		OnDone:    onDone,
	}
}

// finish records the outcome and calls OnDone at most once.
func (w *Write) finish(err error) {
	w.once.Do(func() {
		now := time.Now()
		w.EndedAt = &now
		w.Error = err
		if err != nil {
			w.Status = WriteStatusFailed
		} else {
			w.Status = WriteStatusDone
		}
		if w.OnDone != nil {
			w.OnDone(err)
		}
	})
}
