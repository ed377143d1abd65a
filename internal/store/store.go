// Package store holds the relay-side message stores.
package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/user/chatsync/internal/state"
	"github.com/user/chatsync/internal/types"
)

// Store is a message store owned by the relay.
type Store interface {
	types.MessageStore
	Close() error
}

// Open selects a store by DSN scheme: sqlite://path, postgres://...,
// jsonl://dir or memory://.
func Open(ctx context.Context, dsn string) (Store, error) {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return nil, fmt.Errorf("store dsn %q has no scheme", dsn)
	}
	switch scheme {
	case "sqlite", "sqlite3":
		return OpenSQLite(rest)
	case "postgres", "postgresql", "postgres+pgx", "postgresql+pgx":
		return OpenPostgres(ctx, dsn)
	case "jsonl":
		if rest == "" {
			return nil, fmt.Errorf("jsonl dsn needs a directory")
		}
		return &fileStore{MessageStore: state.NewMessageStore(rest)}, nil
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unsupported store scheme %q", scheme)
	}
}

type fileStore struct {
	*state.MessageStore
}

func (f *fileStore) Close() error { return nil }
