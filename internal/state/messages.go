// internal/state/messages.go
package state

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/user/chatsync/internal/types"
)

// MessageStore is a JSONL-backed append-only message store.
// Messages are stored per-channel in channels/<channel>/messages.jsonl.
// The store counts as provisioned once the channels directory exists.
type MessageStore struct {
	root  string
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewMessageStore creates a new file-backed MessageStore rooted at the given directory.
func NewMessageStore(root string) *MessageStore {
	return &MessageStore{
		root:  root,
		locks: make(map[string]*sync.Mutex),
	}
}

// getLock returns the per-channel mutex, creating one if it doesn't exist.
func (m *MessageStore) getLock(channel string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	if lock, ok := m.locks[channel]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	m.locks[channel] = lock
	return lock
}

func (m *MessageStore) channelsDir() string {
	return filepath.Join(m.root, "channels")
}

// messagesPath maps a channel onto its file. Names that could leave the
// channels directory are rejected.
func (m *MessageStore) messagesPath(channel string) (string, error) {
	if err := types.ValidateChannel(channel); err != nil {
		return "", err
	}
	return filepath.Join(m.channelsDir(), channel, "messages.jsonl"), nil
}

func (m *MessageStore) provisioned() (bool, error) {
	info, err := os.Stat(m.channelsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat channels dir: %w", err)
	}
	return info.IsDir(), nil
}

// Initialize provisions the store. It is safe to call more than once.
func (m *MessageStore) Initialize(_ context.Context) error {
	if err := os.MkdirAll(m.channelsDir(), 0o755); err != nil {
		return fmt.Errorf("create channels dir: %w", err)
	}
	return nil
}

// readAll reads the channel file in append order. Caller must hold the
// channel lock.
func (m *MessageStore) readAll(channel string) ([]types.Message, error) {
	path, err := m.messagesPath(channel)
	if err != nil {
		return nil, err
	}
	ok, err := m.provisioned()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, types.ErrNotProvisioned
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open messages file: %w", err)
	}
	defer f.Close()

	var msgs []types.Message
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var msg types.Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			return nil, fmt.Errorf("unmarshal message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan messages file: %w", err)
	}
	return msgs, nil
}

// Insert appends a message to the channel log. Writing an id that is already
// present returns types.ErrDuplicate.
func (m *MessageStore) Insert(_ context.Context, channel string, msg types.Message) error {
	lock := m.getLock(channel)
	lock.Lock()
	defer lock.Unlock()

	existing, err := m.readAll(channel)
	if err != nil {
		return err
	}
	for _, e := range existing {
		if e.ID == msg.ID {
			return fmt.Errorf("insert %s: %w", msg.ID, types.ErrDuplicate)
		}
	}

	path, err := m.messagesPath(channel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create channel dir: %w", err)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open messages file: %w", err)
	}
	defer f.Close()

	data = append(data, '\n')
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// Backfill returns the newest limit messages of the channel by creation
// time, oldest first.
func (m *MessageStore) Backfill(_ context.Context, channel string, limit int) ([]types.Message, error) {
	lock := m.getLock(channel)
	lock.Lock()
	defer lock.Unlock()

	msgs, err := m.readAll(channel)
	if err != nil {
		return nil, err
	}
	return types.Recent(msgs, limit), nil
}

// Count returns the number of messages stored for the channel.
func (m *MessageStore) Count(_ context.Context, channel string) (int, error) {
	lock := m.getLock(channel)
	lock.Lock()
	defer lock.Unlock()

	msgs, err := m.readAll(channel)
	return len(msgs), err
}
