package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/user/chatsync/internal/types"
)

// Memory keeps messages in process. It starts unprovisioned like the
// durable stores.
type Memory struct {
	mu          sync.RWMutex
	provisioned bool
	channels    map[string][]types.Message
	ids         map[string]map[types.MessageID]bool
}

func NewMemory() *Memory {
	return &Memory{
		channels: make(map[string][]types.Message),
		ids:      make(map[string]map[types.MessageID]bool),
	}
}

func (m *Memory) Initialize(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.provisioned = true
	return nil
}

func (m *Memory) Backfill(_ context.Context, channel string, limit int) ([]types.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.provisioned {
		return nil, types.ErrNotProvisioned
	}
	return types.Recent(m.channels[channel], limit), nil
}

func (m *Memory) Insert(_ context.Context, channel string, msg types.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.provisioned {
		return types.ErrNotProvisioned
	}
	ids, ok := m.ids[channel]
	if !ok {
		ids = make(map[types.MessageID]bool)
		m.ids[channel] = ids
	}
	if ids[msg.ID] {
		return fmt.Errorf("insert %s: %w", msg.ID, types.ErrDuplicate)
	}
	ids[msg.ID] = true
	m.channels[channel] = append(m.channels[channel], msg)
	return nil
}

func (m *Memory) Close() error { return nil }
