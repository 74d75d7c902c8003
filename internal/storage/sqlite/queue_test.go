package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/patchburner/patchburner/internal/storage"
	"github.com/patchburner/patchburner/internal/types"
)

func setupTestStore(t *testing.T) *SQLiteStorage {
	t.Helper()
	path := filepath.Join(t.TempDir(), "burnd.db")
	store, err := New(context.Background(), path)
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func patchOrder(t *testing.T, q storage.Queue) []int64 {
	t.Helper()
	items, err := q.Items(context.Background())
	if err != nil {
		t.Fatalf("Items failed: %v", err)
	}
	order := make([]int64, len(items))
	for i, item := range items {
		order[i] = item.PatchID
	}
	return order
}

func assertOrder(t *testing.T, q storage.Queue, want ...int64) {
	t.Helper()
	got := patchOrder(t, q)
	if len(got) != len(want) {
		t.Fatalf("queue order = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("queue order = %v, want %v", got, want)
		}
	}
}

func mustInsert(t *testing.T, q storage.Queue, patchID int64, messageID string) *types.QueueItem {
	t.Helper()
	item, err := q.Insert(context.Background(), patchID, messageID)
	if err != nil {
		t.Fatalf("Insert(%d, %q) failed: %v", patchID, messageID, err)
	}
	return item
}

func mustAdvance(t *testing.T, q storage.Queue) (*types.QueueItem, *types.QueueItem) {
	t.Helper()
	returned, newCurrent, err := q.GetAndAdvance(context.Background())
	if err != nil {
		t.Fatalf("GetAndAdvance failed: %v", err)
	}
	return returned, newCurrent
}

func TestInsertIntoEmptyQueue(t *testing.T) {
	store := setupTestStore(t)
	q := store.Queue()

	item := mustInsert(t, q, 100, "msg-1")
	if item.LLPrev != nil || item.LLNext != nil {
		t.Errorf("sole item should be head and tail, got prev=%v next=%v", item.LLPrev, item.LLNext)
	}

	current, err := q.Peek(context.Background())
	if err != nil {
		t.Fatalf("Peek failed: %v", err)
	}
	if current == nil || current.ID != item.ID {
		t.Errorf("cursor should point at the sole item, got %+v", current)
	}
}

func TestInsertAppendsBehindCursor(t *testing.T) {
	store := setupTestStore(t)
	q := store.Queue()

	mustInsert(t, q, 1, "m1")
	mustInsert(t, q, 2, "m2")
	mustInsert(t, q, 3, "m3")
	assertOrder(t, q, 1, 2, 3)

	current, _ := q.Peek(context.Background())
	if current.PatchID != 1 {
		t.Errorf("cursor should stay on the first item, got patch %d", current.PatchID)
	}
}

func TestInsertSameMessageIsNoOp(t *testing.T) {
	store := setupTestStore(t)
	q := store.Queue()

	first := mustInsert(t, q, 7, "m1")
	second := mustInsert(t, q, 7, "m1")
	if second.ID != first.ID {
		t.Errorf("re-insert with same message should return the existing item, got %d want %d", second.ID, first.ID)
	}
	assertOrder(t, q, 7)
}

func TestInsertNewMessageReplaces(t *testing.T) {
	store := setupTestStore(t)
	q := store.Queue()

	old := mustInsert(t, q, 7, "m1")
	replaced := mustInsert(t, q, 7, "m2")
	if replaced.ID == old.ID {
		t.Errorf("replacement should create a new item row")
	}
	if replaced.MessageID != "m2" {
		t.Errorf("replacement message = %q, want m2", replaced.MessageID)
	}
	if replaced.ProcessedDate != nil {
		t.Errorf("replacement should be unprocessed")
	}
	assertOrder(t, q, 7)
}

func TestFairInsertAfterUnprocessedRun(t *testing.T) {
	store := setupTestStore(t)
	q := store.Queue()

	mustInsert(t, q, 1, "m1")
	mustInsert(t, q, 2, "m2")
	mustInsert(t, q, 3, "m3")

	// Process patch 1; cursor moves to patch 2.
	returned, newCurrent := mustAdvance(t, q)
	if returned.PatchID != 1 || newCurrent.PatchID != 2 {
		t.Fatalf("advance = (%d, %d), want (1, 2)", returned.PatchID, newCurrent.PatchID)
	}

	// The new patch enters after the unprocessed run (2, 3), ahead of the
	// already-processed 1 on the next lap.
	mustInsert(t, q, 4, "m4")
	assertOrder(t, q, 1, 2, 3, 4)

	for _, want := range []int64{2, 3, 4, 1} {
		returned, _ := mustAdvance(t, q)
		if returned.PatchID != want {
			t.Fatalf("processing order: got patch %d, want %d", returned.PatchID, want)
		}
	}
}

func TestFairInsertAllProcessed(t *testing.T) {
	store := setupTestStore(t)
	q := store.Queue()

	mustInsert(t, q, 1, "m1")
	mustInsert(t, q, 2, "m2")
	mustAdvance(t, q)
	mustAdvance(t, q)

	// Whole ring processed, cursor back at patch 1: with no unprocessed run
	// to respect, the new item lands right behind the cursor.
	mustInsert(t, q, 3, "m3")
	assertOrder(t, q, 1, 3, 2)

	for _, want := range []int64{1, 3, 2} {
		returned, _ := mustAdvance(t, q)
		if returned.PatchID != want {
			t.Fatalf("processing order: got patch %d, want %d", returned.PatchID, want)
		}
	}
}

func TestReplaceItemUnderCursor(t *testing.T) {
	store := setupTestStore(t)
	q := store.Queue()

	mustInsert(t, q, 1, "m1")
	mustInsert(t, q, 2, "m2")
	mustInsert(t, q, 3, "m3")
	mustAdvance(t, q) // cursor now at 2

	// Replacing the cursor item pushes the cursor forward and re-enters the
	// patch behind the remaining unprocessed work.
	mustInsert(t, q, 2, "m2-v2")
	assertOrder(t, q, 1, 3, 2)

	current, _ := q.Peek(context.Background())
	if current.PatchID != 3 {
		t.Errorf("cursor should have advanced to patch 3, got %d", current.PatchID)
	}
}

func TestGetAndAdvanceWrapsToHead(t *testing.T) {
	store := setupTestStore(t)
	q := store.Queue()

	item := mustInsert(t, q, 5, "m1")
	returned, newCurrent := mustAdvance(t, q)
	if returned.ID != item.ID {
		t.Fatalf("returned item %d, want %d", returned.ID, item.ID)
	}
	if newCurrent.ID != item.ID {
		t.Errorf("single-item queue should wrap the cursor onto itself")
	}
	if returned.ProcessedDate == nil {
		t.Errorf("returned item should be marked processed")
	}
}

func TestGetAndAdvanceEmptyQueue(t *testing.T) {
	store := setupTestStore(t)
	returned, newCurrent := mustAdvance(t, store.Queue())
	if returned != nil || newCurrent != nil {
		t.Errorf("empty queue should yield (nil, nil), got (%v, %v)", returned, newCurrent)
	}
}

func TestGetAndAdvanceSkipsIgnored(t *testing.T) {
	store := setupTestStore(t)
	q := store.Queue()
	ctx := context.Background()

	mustInsert(t, q, 1, "m1")
	mustInsert(t, q, 2, "m2")
	mustInsert(t, q, 3, "m3")
	if err := q.SetIgnoreDate(ctx, 2, true); err != nil {
		t.Fatalf("SetIgnoreDate failed: %v", err)
	}

	returned, _ := mustAdvance(t, q)
	if returned.PatchID != 1 {
		t.Fatalf("got patch %d, want 1", returned.PatchID)
	}
	returned, _ = mustAdvance(t, q)
	if returned.PatchID != 3 {
		t.Fatalf("ignored patch should be skipped, got %d", returned.PatchID)
	}

	// The skipped item was still stamped processed.
	skipped, err := q.ItemByPatchID(ctx, 2)
	if err != nil {
		t.Fatalf("ItemByPatchID failed: %v", err)
	}
	if skipped.ProcessedDate == nil {
		t.Errorf("skipped item should be marked processed")
	}
}

func TestGetAndAdvanceAllIgnored(t *testing.T) {
	store := setupTestStore(t)
	q := store.Queue()
	ctx := context.Background()

	mustInsert(t, q, 1, "m1")
	mustInsert(t, q, 2, "m2")
	for _, id := range []int64{1, 2} {
		if err := q.SetIgnoreDate(ctx, id, true); err != nil {
			t.Fatalf("SetIgnoreDate failed: %v", err)
		}
	}

	returned, newCurrent := mustAdvance(t, q)
	if returned != nil || newCurrent != nil {
		t.Errorf("all-ignored queue should yield (nil, nil), got (%v, %v)", returned, newCurrent)
	}
}

func TestRemoveCursorItemAdvancesCursor(t *testing.T) {
	store := setupTestStore(t)
	q := store.Queue()
	ctx := context.Background()

	a := mustInsert(t, q, 1, "m1")
	mustInsert(t, q, 2, "m2")
	mustInsert(t, q, 3, "m3")

	if err := q.Remove(ctx, a.ID); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	assertOrder(t, q, 2, 3)

	current, _ := q.Peek(ctx)
	if current.PatchID != 2 {
		t.Errorf("cursor should advance off the removed item, got patch %d", current.PatchID)
	}
}

func TestRemoveTailWrapsCursor(t *testing.T) {
	store := setupTestStore(t)
	q := store.Queue()
	ctx := context.Background()

	mustInsert(t, q, 1, "m1")
	mustInsert(t, q, 2, "m2")
	c := mustInsert(t, q, 3, "m3")
	mustAdvance(t, q)
	mustAdvance(t, q) // cursor now at 3, the tail

	if err := q.Remove(ctx, c.ID); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	current, _ := q.Peek(ctx)
	if current.PatchID != 1 {
		t.Errorf("cursor should wrap to the head, got patch %d", current.PatchID)
	}
}

func TestRemoveSoleItemEmptiesQueue(t *testing.T) {
	store := setupTestStore(t)
	q := store.Queue()
	ctx := context.Background()

	item := mustInsert(t, q, 1, "m1")
	if err := q.Remove(ctx, item.ID); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	current, err := q.Peek(ctx)
	if err != nil {
		t.Fatalf("Peek failed: %v", err)
	}
	if current != nil {
		t.Errorf("cursor should be nil after removing the sole item, got %+v", current)
	}
	assertOrder(t, q)
}

func TestRemoveUnknownItem(t *testing.T) {
	store := setupTestStore(t)
	err := store.Queue().Remove(context.Background(), 9999)
	if err != storage.ErrItemNotFound {
		t.Errorf("Remove of unknown item = %v, want ErrItemNotFound", err)
	}
}

func TestLinkIntegrity(t *testing.T) {
	store := setupTestStore(t)
	q := store.Queue()
	ctx := context.Background()

	mustInsert(t, q, 1, "m1")
	b := mustInsert(t, q, 2, "m2")
	mustInsert(t, q, 3, "m3")
	mustAdvance(t, q)
	mustInsert(t, q, 4, "m4")
	if err := q.Remove(ctx, b.ID); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	mustInsert(t, q, 2, "m2-v2")

	// Exactly one head and one tail at every committed state.
	db := store.UnderlyingDB()
	var heads, tails int
	if err := db.QueryRow(`SELECT COUNT(*) FROM queue_items WHERE ll_prev IS NULL`).Scan(&heads); err != nil {
		t.Fatalf("head count failed: %v", err)
	}
	if err := db.QueryRow(`SELECT COUNT(*) FROM queue_items WHERE ll_next IS NULL`).Scan(&tails); err != nil {
		t.Fatalf("tail count failed: %v", err)
	}
	if heads != 1 || tails != 1 {
		t.Errorf("heads=%d tails=%d, want exactly one of each", heads, tails)
	}

	// The forward walk visits every item exactly once.
	items, err := q.Items(ctx)
	if err != nil {
		t.Fatalf("Items failed: %v", err)
	}
	if len(items) != 4 {
		t.Errorf("walk visited %d items, want 4", len(items))
	}
	seen := map[int64]bool{}
	for _, item := range items {
		if seen[item.ID] {
			t.Errorf("item %d visited twice", item.ID)
		}
		seen[item.ID] = true
	}
}

func TestSetIgnoreDateMissingPatch(t *testing.T) {
	store := setupTestStore(t)
	if err := store.Queue().SetIgnoreDate(context.Background(), 12345, true); err != nil {
		t.Errorf("SetIgnoreDate on a missing patch should not error, got %v", err)
	}
}

func TestSetLastBaseCommit(t *testing.T) {
	store := setupTestStore(t)
	q := store.Queue()
	ctx := context.Background()

	mustInsert(t, q, 9, "m1")
	if err := q.SetLastBaseCommit(ctx, 9, "deadbeef"); err != nil {
		t.Fatalf("SetLastBaseCommit failed: %v", err)
	}
	item, err := q.ItemByPatchID(ctx, 9)
	if err != nil {
		t.Fatalf("ItemByPatchID failed: %v", err)
	}
	if item.LastBaseCommitSHA != "deadbeef" {
		t.Errorf("last base commit = %q, want deadbeef", item.LastBaseCommitSHA)
	}
}
