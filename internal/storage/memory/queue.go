package memory

import (
	"context"
	"time"

	"github.com/patchburner/patchburner/internal/storage"
	"github.com/patchburner/patchburner/internal/types"
)

// memQueue mirrors the sqlite ring queue: items doubly linked through
// LLPrev/LLNext by id, one head (nil prev) and one tail (nil next), cursor
// wrapping from tail to head.
type memQueue struct {
	store  *MemoryStorage
	items  map[int64]*types.QueueItem
	cursor *int64
	nextID int64
}

var _ storage.Queue = (*memQueue)(nil)

func (q *memQueue) copyItem(item *types.QueueItem) *types.QueueItem {
	if item == nil {
		return nil
	}
	c := *item
	c.IgnoreDate = copyTime(item.IgnoreDate)
	c.ProcessedDate = copyTime(item.ProcessedDate)
	if item.LLPrev != nil {
		v := *item.LLPrev
		c.LLPrev = &v
	}
	if item.LLNext != nil {
		v := *item.LLNext
		c.LLNext = &v
	}
	return &c
}

func (q *memQueue) firstLocked() *types.QueueItem {
	for _, item := range q.items {
		if item.LLPrev == nil {
			return item
		}
	}
	return nil
}

func (q *memQueue) byPatchLocked(patchID int64) *types.QueueItem {
	for _, item := range q.items {
		if item.PatchID == patchID {
			return item
		}
	}
	return nil
}

// Insert adds a patch set at its fair position. See storage.Queue.
func (q *memQueue) Insert(ctx context.Context, patchID int64, messageID string) (*types.QueueItem, error) {
	q.store.mu.Lock()
	defer q.store.mu.Unlock()

	if existing := q.byPatchLocked(patchID); existing != nil {
		if existing.MessageID == messageID {
			return q.copyItem(existing), nil
		}
		q.removeLocked(existing)
	}

	q.nextID++
	item := &types.QueueItem{ID: q.nextID, PatchID: patchID, MessageID: messageID}

	if q.cursor == nil {
		q.items[item.ID] = item
		id := item.ID
		q.cursor = &id
		return q.copyItem(item), nil
	}

	target := q.fairTargetLocked()
	if target == nil {
		target = q.firstLocked()
	}

	newID := item.ID
	prevID := target.ID
	item.LLPrev = &prevID
	if target.LLNext != nil {
		nextID := *target.LLNext
		item.LLNext = &nextID
		link := newID
		q.items[nextID].LLPrev = &link
	}
	link := newID
	target.LLNext = &link
	q.items[item.ID] = item
	return q.copyItem(item), nil
}

// fairTargetLocked walks the ring from the head, wrapping once, to find the
// item to insert after. Same tie-breaks as the sqlite backend.
func (q *memQueue) fairTargetLocked() *types.QueueItem {
	first := q.firstLocked()
	loopItem := first
	passedCursor := false
	var previous *types.QueueItem

	for loopItem != nil {
		if q.cursor == nil {
			break
		}
		if loopItem.LLNext == nil && loopItem.LLPrev == nil {
			return loopItem
		}
		if passedCursor && loopItem.ID == *q.cursor {
			return previous
		}
		if passedCursor && loopItem.ProcessedDate != nil {
			return previous
		}
		if !passedCursor && loopItem.ID == *q.cursor {
			passedCursor = true
		}

		previous = loopItem
		if loopItem.LLNext == nil {
			loopItem = first
		} else {
			loopItem = q.items[*loopItem.LLNext]
		}
	}
	return nil
}

func (q *memQueue) removeLocked(item *types.QueueItem) {
	first := q.firstLocked()
	delete(q.items, item.ID)

	if item.LLPrev != nil {
		q.items[*item.LLPrev].LLNext = item.LLNext
	}
	if item.LLNext != nil {
		q.items[*item.LLNext].LLPrev = item.LLPrev
	}

	if q.cursor != nil && *q.cursor == item.ID {
		switch {
		case item.LLNext != nil:
			id := *item.LLNext
			q.cursor = &id
		case first != nil && first.ID == item.ID:
			q.cursor = nil
		case first != nil:
			id := first.ID
			q.cursor = &id
		default:
			q.cursor = nil
		}
	}
}

// Remove splices the item with the given id out of the ring.
func (q *memQueue) Remove(ctx context.Context, itemID int64) error {
	q.store.mu.Lock()
	defer q.store.mu.Unlock()

	item, ok := q.items[itemID]
	if !ok {
		return storage.ErrItemNotFound
	}
	q.removeLocked(item)
	return nil
}

// GetAndAdvance returns the cursor item and moves the cursor forward,
// skipping ignored items. A queue of only ignored items yields (nil, nil).
func (q *memQueue) GetAndAdvance(ctx context.Context) (*types.QueueItem, *types.QueueItem, error) {
	q.store.mu.Lock()
	defer q.store.mu.Unlock()

	if q.cursor == nil {
		return nil, nil, nil
	}

	count := len(q.items)
	for i := 0; i < count; i++ {
		cur := q.items[*q.cursor]

		if cur.LLNext != nil {
			id := *cur.LLNext
			q.cursor = &id
		} else {
			id := q.firstLocked().ID
			q.cursor = &id
		}

		now := time.Now()
		cur.ProcessedDate = &now

		if cur.IgnoreDate != nil {
			continue
		}
		return q.copyItem(cur), q.copyItem(q.items[*q.cursor]), nil
	}
	return nil, nil, nil
}

// Peek returns the cursor item without moving the cursor.
func (q *memQueue) Peek(ctx context.Context) (*types.QueueItem, error) {
	q.store.mu.RLock()
	defer q.store.mu.RUnlock()

	if q.cursor == nil {
		return nil, nil
	}
	return q.copyItem(q.items[*q.cursor]), nil
}

// GetFirst returns the head of the list.
func (q *memQueue) GetFirst(ctx context.Context) (*types.QueueItem, error) {
	q.store.mu.RLock()
	defer q.store.mu.RUnlock()
	return q.copyItem(q.firstLocked()), nil
}

// Items returns the ring in list order, head first.
func (q *memQueue) Items(ctx context.Context) ([]*types.QueueItem, error) {
	q.store.mu.RLock()
	defer q.store.mu.RUnlock()

	var out []*types.QueueItem
	item := q.firstLocked()
	for item != nil && len(out) < len(q.items) {
		out = append(out, q.copyItem(item))
		if item.LLNext == nil {
			break
		}
		item = q.items[*item.LLNext]
	}
	return out, nil
}

// ItemByPatchID returns the item for a patch id, or ErrItemNotFound.
func (q *memQueue) ItemByPatchID(ctx context.Context, patchID int64) (*types.QueueItem, error) {
	q.store.mu.RLock()
	defer q.store.mu.RUnlock()

	item := q.byPatchLocked(patchID)
	if item == nil {
		return nil, storage.ErrItemNotFound
	}
	return q.copyItem(item), nil
}

// SetIgnoreDate stamps or clears the ignore date on a patch's item.
func (q *memQueue) SetIgnoreDate(ctx context.Context, patchID int64, ignore bool) error {
	q.store.mu.Lock()
	defer q.store.mu.Unlock()

	item := q.byPatchLocked(patchID)
	if item == nil {
		return nil
	}
	if ignore {
		now := time.Now()
		item.IgnoreDate = &now
	} else {
		item.IgnoreDate = nil
	}
	return nil
}

// SetLastBaseCommit records the base commit a patch last built against.
func (q *memQueue) SetLastBaseCommit(ctx context.Context, patchID int64, sha string) error {
	q.store.mu.Lock()
	defer q.store.mu.Unlock()

	if item := q.byPatchLocked(patchID); item != nil {
		item.LastBaseCommitSHA = sha
	}
	return nil
}
