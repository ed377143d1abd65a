// Package state provides filesystem-backed storage implementations.
package state

import "github.com/user/chatsync/internal/types"

// Compile-time interface compliance checks.
var _ types.IdentityStore = (*ProfileStore)(nil)
var _ types.MessageStore = (*MessageStore)(nil)
