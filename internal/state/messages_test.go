package state

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/user/chatsync/internal/types"
)

func TestMessageStoreNotProvisioned(t *testing.T) {
	store := NewMessageStore(t.TempDir())
	ctx := context.Background()

	if _, err := store.Backfill(ctx, "general", 10); !errors.Is(err, types.ErrNotProvisioned) {
		t.Fatalf("expected ErrNotProvisioned, got %v", err)
	}
	if err := store.Insert(ctx, "general", types.Message{ID: "1"}); !errors.Is(err, types.ErrNotProvisioned) {
		t.Fatalf("expected ErrNotProvisioned on insert, got %v", err)
	}

	if err := store.Initialize(ctx); err != nil {
		t.Fatal(err)
	}
	if err := store.Initialize(ctx); err != nil {
		t.Fatalf("second initialize should succeed, got %v", err)
	}
	msgs, err := store.Backfill(ctx, "general", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Errorf("expected empty channel, got %d messages", len(msgs))
	}
}

func TestMessageStoreInsertAndBackfill(t *testing.T) {
	store := NewMessageStore(t.TempDir())
	ctx := context.Background()
	if err := store.Initialize(ctx); err != nil {
		t.Fatal(err)
	}

	for i := 1; i <= 5; i++ {
		msg := types.Message{ID: types.MessageID(fmt.Sprint(i)), Author: "🐶", Content: "x", CreatedAt: int64(i)}
		if err := store.Insert(ctx, "general", msg); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.Insert(ctx, "random", types.Message{ID: "1"}); err != nil {
		t.Fatalf("ids are scoped per channel, got %v", err)
	}

	msgs, err := store.Backfill(ctx, "general", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[0].ID != "3" || msgs[2].ID != "5" {
		t.Errorf("expected most recent oldest first [3..5], got %s..%s", msgs[0].ID, msgs[2].ID)
	}

	count, err := store.Count(ctx, "general")
	if err != nil {
		t.Fatal(err)
	}
	if count != 5 {
		t.Errorf("expected count 5, got %d", count)
	}
}

func TestMessageStoreDuplicate(t *testing.T) {
	store := NewMessageStore(t.TempDir())
	ctx := context.Background()
	if err := store.Initialize(ctx); err != nil {
		t.Fatal(err)
	}
	msg := types.Message{ID: "1", Author: "🐶", Content: "👋"}
	if err := store.Insert(ctx, "general", msg); err != nil {
		t.Fatal(err)
	}
	if err := store.Insert(ctx, "general", msg); !errors.Is(err, types.ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}
}

func TestMessageStoreRejectsUnsafeChannel(t *testing.T) {
	root := t.TempDir()
	store := NewMessageStore(filepath.Join(root, "data"))
	ctx := context.Background()
	if err := store.Initialize(ctx); err != nil {
		t.Fatal(err)
	}

	for _, channel := range []string{"../escaped", "../../escaped", "a/b", "..", ""} {
		if err := store.Insert(ctx, channel, types.Message{ID: "1"}); !errors.Is(err, types.ErrInvalidChannel) {
			t.Errorf("Insert(%q) = %v, want ErrInvalidChannel", channel, err)
		}
		if _, err := store.Backfill(ctx, channel, 10); !errors.Is(err, types.ErrInvalidChannel) {
			t.Errorf("Backfill(%q) = %v, want ErrInvalidChannel", channel, err)
		}
	}
	if _, err := os.Stat(filepath.Join(root, "escaped")); !os.IsNotExist(err) {
		t.Errorf("directory created outside the store root (stat err %v)", err)
	}
}

func TestMessageStoreBackfillByCreationTime(t *testing.T) {
	store := NewMessageStore(t.TempDir())
	ctx := context.Background()
	if err := store.Initialize(ctx); err != nil {
		t.Fatal(err)
	}
	for _, m := range []types.Message{
		{ID: "late", CreatedAt: 2000},
		{ID: "early", CreatedAt: 1000},
		{ID: "newest", CreatedAt: 3000},
	} {
		if err := store.Insert(ctx, "general", m); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := store.Backfill(ctx, "general", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].ID != "late" || msgs[1].ID != "newest" {
		t.Errorf("Backfill(2) = %v, want [late newest]", msgs)
	}
	msgs, err = store.Backfill(ctx, "general", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 || msgs[0].ID != "early" || msgs[1].ID != "late" || msgs[2].ID != "newest" {
		t.Errorf("Backfill(10) = %v, want [early late newest]", msgs)
	}
}
