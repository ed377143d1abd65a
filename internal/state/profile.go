// internal/state/profile.go
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/user/chatsync/internal/types"
)

// ProfileStore is a JSON-file-backed store for the local identity and the
// dark mode preference, kept in profile.json under the data directory.
type ProfileStore struct {
	root string
	mu   sync.RWMutex
}

// NewProfileStore creates a ProfileStore rooted at the given directory.
func NewProfileStore(root string) *ProfileStore {
	return &ProfileStore{root: root}
}

func (p *ProfileStore) path() string {
	return filepath.Join(p.root, "profile.json")
}

// load reads profile.json. A missing file yields the zero profile.
func (p *ProfileStore) load() (types.Profile, error) {
	var profile types.Profile
	data, err := os.ReadFile(p.path())
	if err != nil {
		if os.IsNotExist(err) {
			return profile, nil
		}
		return profile, fmt.Errorf("read profile: %w", err)
	}
	if err := json.Unmarshal(data, &profile); err != nil {
		return profile, fmt.Errorf("unmarshal profile: %w", err)
	}
	return profile, nil
}

// save marshals with indentation and writes atomically.
func (p *ProfileStore) save(profile types.Profile) error {
	data, err := json.MarshalIndent(profile, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}
	if err := os.MkdirAll(p.root, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	// Atomic write: write to temp file then rename
	tmp := p.path() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp profile: %w", err)
	}
	if err := os.Rename(tmp, p.path()); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp profile: %w", err)
	}
	return nil
}

func (p *ProfileStore) update(fn func(*types.Profile)) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	profile, err := p.load()
	if err != nil {
		return err
	}
	fn(&profile)
	return p.save(profile)
}

// Profile returns the whole stored profile.
func (p *ProfileStore) Profile() (types.Profile, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.load()
}

// Identity returns the stored identity, or "" if none was set.
func (p *ProfileStore) Identity() (string, error) {
	profile, err := p.Profile()
	return profile.Identity, err
}

func (p *ProfileStore) SetIdentity(identity string) error {
	return p.update(func(profile *types.Profile) { profile.Identity = identity })
}

func (p *ProfileStore) DarkMode() (bool, error) {
	profile, err := p.Profile()
	return profile.DarkMode, err
}

func (p *ProfileStore) SetDarkMode(enabled bool) error {
	return p.update(func(profile *types.Profile) { profile.DarkMode = enabled })
}
