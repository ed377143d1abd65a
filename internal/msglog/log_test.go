package msglog

import (
	"fmt"
	"testing"
	"time"

	"github.com/user/chatsync/internal/types"
)

func msg(id string) types.Message {
	return types.Message{ID: types.MessageID(id), Author: "🐱", Content: "hi " + id, CreatedAt: 1}
}

func ids(l *Log) []string {
	var out []string
	for _, m := range l.Snapshot() {
		out = append(out, string(m.ID))
	}
	return out
}

func assertIDs(t *testing.T, l *Log, want ...string) {
	t.Helper()
	got := ids(l)
	if len(got) != len(want) {
		t.Fatalf("expected ids %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected ids %v, got %v", want, got)
		}
	}
}

// sequentialIDs returns an id generator yielding "1", "2", ... so tests can
// predict optimistic ids.
func sequentialIDs(start int) func(time.Time) types.MessageID {
	n := start
	return func(time.Time) types.MessageID {
		id := types.MessageID(fmt.Sprint(n))
		n++
		return id
	}
}

func TestAppendDeduplicates(t *testing.T) {
	l := New()

	if res := l.Append(msg("1")); res != Added {
		t.Errorf("expected Added, got %s", res)
	}
	if res := l.Append(msg("2")); res != Added {
		t.Errorf("expected Added, got %s", res)
	}
	if res := l.Append(msg("1")); res != Duplicate {
		t.Errorf("expected Duplicate, got %s", res)
	}

	assertIDs(t, l, "1", "2")
}

func TestAppendDuplicateKeepsOriginalContent(t *testing.T) {
	l := New()
	l.Append(types.Message{ID: "1", Content: "first"})
	l.Append(types.Message{ID: "1", Content: "second"})

	snap := l.Snapshot()
	if snap[0].Content != "first" {
		t.Errorf("expected original content to win, got %q", snap[0].Content)
	}
}

func TestDuplicateNeverChangesOrder(t *testing.T) {
	l := New()
	l.Load([]types.Message{msg("a"), msg("b")})
	l.Append(msg("c"))
	before := ids(l)

	for _, id := range []string{"a", "b", "c", "b", "a"} {
		if res := l.Append(msg(id)); res != Duplicate {
			t.Errorf("expected Duplicate for %s, got %s", id, res)
		}
	}

	assertIDs(t, l, before...)
}

func TestInsertOptimisticThenRollback(t *testing.T) {
	l := New(WithIDGenerator(sequentialIDs(10)))
	l.Append(msg("1"))
	l.Append(msg("2"))

	sent := l.InsertOptimistic(types.Draft{Author: "🐱", Content: "😊"})
	if l.Len() != 3 {
		t.Fatalf("expected 3 entries after optimistic insert, got %d", l.Len())
	}
	if !l.Pending(sent.ID) {
		t.Error("expected optimistic entry to be pending")
	}
	l.Append(msg("3"))

	if !l.Rollback(sent.ID) {
		t.Fatal("expected rollback to remove the optimistic entry")
	}
	assertIDs(t, l, "1", "2", "3")
}

func TestRollbackOnlyTouchesExactID(t *testing.T) {
	l := New(WithIDGenerator(sequentialIDs(1)))
	a := l.InsertOptimistic(types.Draft{Author: "🐱", Content: "same"})
	b := l.InsertOptimistic(types.Draft{Author: "🐱", Content: "same"})

	if !l.Rollback(b.ID) {
		t.Fatal("expected rollback of second entry")
	}
	assertIDs(t, l, string(a.ID))

	if l.Rollback(b.ID) {
		t.Error("second rollback of the same id should report false")
	}
	if l.Len() != 1 {
		t.Errorf("expected 1 entry, got %d", l.Len())
	}
}

func TestRollbackIgnoresConfirmedEntries(t *testing.T) {
	l := New()
	sent := l.InsertOptimistic(types.Draft{Author: "🐱", Content: "😊"})
	if !l.Confirm(sent.ID) {
		t.Fatal("expected confirm to succeed")
	}
	if l.Rollback(sent.ID) {
		t.Error("rollback of a confirmed entry should be refused")
	}
	l.Append(msg("remote"))
	if l.Rollback("remote") {
		t.Error("rollback of a remote entry should be refused")
	}
	if l.Len() != 2 {
		t.Errorf("expected 2 entries, got %d", l.Len())
	}
}

func TestEchoConfirmsPendingEntry(t *testing.T) {
	l := New()
	sent := l.InsertOptimistic(types.Draft{Author: "🐱", Content: "😊"})

	if res := l.Append(sent); res != Duplicate {
		t.Errorf("expected echo to be a duplicate, got %s", res)
	}
	if l.Pending(sent.ID) {
		t.Error("expected echo to confirm the pending entry")
	}
}

func TestInsertOptimisticRegeneratesCollidingID(t *testing.T) {
	calls := 0
	gen := func(time.Time) types.MessageID {
		calls++
		if calls == 1 {
			return "taken"
		}
		return "fresh"
	}
	l := New(WithIDGenerator(gen))
	l.Append(msg("taken"))

	sent := l.InsertOptimistic(types.Draft{Content: "x"})
	if sent.ID != "fresh" {
		t.Errorf("expected regenerated id, got %s", sent.ID)
	}
	assertIDs(t, l, "taken", "fresh")
}

func TestInsertOptimisticStampsClock(t *testing.T) {
	at := time.UnixMilli(1700000000123)
	l := New(WithClock(func() time.Time { return at }))

	sent := l.InsertOptimistic(types.Draft{Author: "🐶", Content: "🎉"})
	if sent.CreatedAt != at.UnixMilli() {
		t.Errorf("expected created_at %d, got %d", at.UnixMilli(), sent.CreatedAt)
	}
	if sent.Author != "🐶" || sent.Content != "🎉" {
		t.Errorf("unexpected message %+v", sent)
	}
}

func TestLoadPutsBackfillFirst(t *testing.T) {
	l := New(WithIDGenerator(sequentialIDs(100)))
	l.Append(msg("live-2"))
	pending := l.InsertOptimistic(types.Draft{Content: "local"})
	l.Append(msg("1"))

	added := l.Load([]types.Message{msg("1"), msg("2"), msg("2"), msg("3")})

	if added != 2 {
		t.Errorf("expected 2 new ids from backfill, got %d", added)
	}
	assertIDs(t, l, "1", "2", "3", "live-2", string(pending.ID))
	if !l.Pending(pending.ID) {
		t.Error("local pending entry should stay pending after load")
	}
}

func TestLoadConfirmsBackfilledPendingEntry(t *testing.T) {
	l := New()
	sent := l.InsertOptimistic(types.Draft{Content: "local"})

	l.Load([]types.Message{sent})

	if l.Pending(sent.ID) {
		t.Error("expected backfilled entry to be confirmed")
	}
	if l.Len() != 1 {
		t.Errorf("expected 1 entry, got %d", l.Len())
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	l := New()
	l.Append(msg("1"))

	snap := l.Snapshot()
	snap[0].Content = "mutated"

	if l.Snapshot()[0].Content == "mutated" {
		t.Error("snapshot should not alias log storage")
	}
}
