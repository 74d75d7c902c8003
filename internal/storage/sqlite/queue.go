package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/patchburner/patchburner/internal/storage"
	"github.com/patchburner/patchburner/internal/types"
)

// ringQueue implements storage.Queue on the queues/queue_items tables.
//
// The list is doubly linked through ll_prev/ll_next. Partial unique indexes
// allow exactly one head and one tail, and SQLite checks them per statement,
// so every link edit here is ordered to keep intermediate states legal:
// deletes happen before neighbor rewrites, and inserts use a non-null
// sentinel (0) for ll_next that is cleared at the end of the transaction.
type ringQueue struct {
	store *SQLiteStorage
}

var _ storage.Queue = (*ringQueue)(nil)

const itemColumns = `id, patch_id, message_id, ignore_date, processed_date, ll_prev, ll_next, last_base_commit_sha`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanItem(row rowScanner) (*types.QueueItem, error) {
	var item types.QueueItem
	var ignore, processed sql.NullTime
	var prev, next sql.NullInt64
	var lastBase sql.NullString

	err := row.Scan(
		&item.ID, &item.PatchID, &item.MessageID,
		&ignore, &processed, &prev, &next, &lastBase,
	)
	if err != nil {
		return nil, err
	}

	if ignore.Valid {
		item.IgnoreDate = &ignore.Time
	}
	if processed.Valid {
		item.ProcessedDate = &processed.Time
	}
	if prev.Valid {
		item.LLPrev = &prev.Int64
	}
	if next.Valid {
		item.LLNext = &next.Int64
	}
	if lastBase.Valid {
		item.LastBaseCommitSHA = lastBase.String
	}
	return &item, nil
}

// queueState is the singleton queue row inside a transaction.
type queueState struct {
	id      int64
	current *int64
}

func loadQueue(ctx context.Context, tx *sql.Tx) (*queueState, error) {
	var q queueState
	var current sql.NullInt64
	err := tx.QueryRowContext(ctx, `
		SELECT id, current_queue_item FROM queues WHERE name = ?
	`, queueName).Scan(&q.id, &current)
	if err == sql.ErrNoRows {
		return nil, storage.ErrQueueNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load queue: %w", err)
	}
	if current.Valid {
		q.current = &current.Int64
	}
	return &q, nil
}

func saveCursor(ctx context.Context, tx *sql.Tx, q *queueState) error {
	var current interface{}
	if q.current != nil {
		current = *q.current
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE queues SET current_queue_item = ? WHERE id = ?
	`, current, q.id); err != nil {
		return fmt.Errorf("failed to save queue cursor: %w", err)
	}
	return nil
}

func getItem(ctx context.Context, tx *sql.Tx, id int64) (*types.QueueItem, error) {
	item, err := scanItem(tx.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM queue_items WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storage.ErrItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get queue item: %w", err)
	}
	return item, nil
}

func getItemByPatch(ctx context.Context, tx *sql.Tx, patchID int64) (*types.QueueItem, error) {
	item, err := scanItem(tx.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM queue_items WHERE patch_id = ?`, patchID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get queue item by patch: %w", err)
	}
	return item, nil
}

func getFirst(ctx context.Context, tx *sql.Tx) (*types.QueueItem, error) {
	item, err := scanItem(tx.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM queue_items WHERE ll_prev IS NULL`))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get first queue item: %w", err)
	}
	return item, nil
}

func countItems(ctx context.Context, tx *sql.Tx) (int, error) {
	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_items`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count queue items: %w", err)
	}
	return n, nil
}

// Insert adds a patch set at its fair position. See storage.Queue.
func (q *ringQueue) Insert(ctx context.Context, patchID int64, messageID string) (*types.QueueItem, error) {
	var out *types.QueueItem
	err := q.store.withTx(ctx, func(tx *sql.Tx) error {
		queue, err := loadQueue(ctx, tx)
		if err != nil {
			return err
		}

		existing, err := getItemByPatch(ctx, tx, patchID)
		if err != nil {
			return err
		}
		if existing != nil {
			if existing.MessageID == messageID {
				out = existing
				return nil
			}
			// Replacement: the new patch set gets a new start in the queue.
			if err := removeItem(ctx, tx, queue, existing); err != nil {
				return err
			}
		}

		// Empty queue: a sole item is both head and tail, and the cursor
		// points at it.
		if queue.current == nil {
			res, err := tx.ExecContext(ctx, `
				INSERT INTO queue_items (queue_id, patch_id, message_id, ll_prev, ll_next)
				VALUES (?, ?, ?, NULL, NULL)
			`, queue.id, patchID, messageID)
			if err != nil {
				return fmt.Errorf("failed to insert queue item: %w", err)
			}
			id, err := res.LastInsertId()
			if err != nil {
				return fmt.Errorf("failed to get insert id: %w", err)
			}
			queue.current = &id
			if err := saveCursor(ctx, tx, queue); err != nil {
				return err
			}
			out, err = getItem(ctx, tx, id)
			return err
		}

		target, err := findFairTarget(ctx, tx, queue)
		if err != nil {
			return err
		}
		if target == nil {
			return fmt.Errorf("queue cursor set but no insert target found")
		}

		// Use the 0 sentinel instead of NULL so the one-tail index holds
		// until the links are rewritten; cleared below.
		next := int64(0)
		hasNext := target.LLNext != nil
		if hasNext {
			next = *target.LLNext
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO queue_items (queue_id, patch_id, message_id, ll_prev, ll_next)
			VALUES (?, ?, ?, ?, ?)
		`, queue.id, patchID, messageID, target.ID, next)
		if err != nil {
			return fmt.Errorf("failed to insert queue item: %w", err)
		}
		newID, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get insert id: %w", err)
		}

		if hasNext {
			if _, err := tx.ExecContext(ctx,
				`UPDATE queue_items SET ll_prev = ? WHERE id = ?`, newID, next); err != nil {
				return fmt.Errorf("failed to relink next item: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE queue_items SET ll_next = ? WHERE id = ?`, newID, target.ID); err != nil {
			return fmt.Errorf("failed to relink target item: %w", err)
		}
		if !hasNext {
			// New item is the tail; replace the sentinel.
			if _, err := tx.ExecContext(ctx,
				`UPDATE queue_items SET ll_next = NULL WHERE id = ?`, newID); err != nil {
				return fmt.Errorf("failed to clear sentinel: %w", err)
			}
		}

		out, err = getItem(ctx, tx, newID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// findFairTarget walks the ring from the head, wrapping once, to find the
// item the new entry should be inserted after: the boundary between the
// processed block and the yet-unprocessed items relative to the cursor.
//
// Tie-breaks, preserving ring order: reaching the cursor a second time means
// the whole ring was walked without finding unprocessed work, so the target
// is the previous item; likewise encountering a processed item after having
// passed the cursor marks the end of the unprocessed run.
func findFairTarget(ctx context.Context, tx *sql.Tx, queue *queueState) (*types.QueueItem, error) {
	first, err := getFirst(ctx, tx)
	if err != nil {
		return nil, err
	}

	loopItem := first
	passedCursor := false
	var previous *types.QueueItem

	for loopItem != nil {
		if queue.current == nil {
			break
		}

		// Sole element: nowhere else to go.
		if loopItem.LLNext == nil && loopItem.LLPrev == nil {
			return loopItem, nil
		}

		// Wrapped all the way back to the cursor: no unprocessed items
		// anywhere, so the end of the walk is the target.
		if passedCursor && loopItem.ID == *queue.current {
			return previous, nil
		}

		// First processed item after the cursor: the unprocessed run ended
		// on the previous item.
		if passedCursor && loopItem.ProcessedDate != nil {
			return previous, nil
		}

		// Scanning for unprocessed items starts after the cursor; the
		// cursor itself cannot lose its position.
		if !passedCursor && loopItem.ID == *queue.current {
			passedCursor = true
		}

		previous = loopItem
		if loopItem.LLNext == nil {
			// Physical end of the list; the ring wraps to the head.
			loopItem = first
		} else {
			loopItem, err = getItem(ctx, tx, *loopItem.LLNext)
			if err != nil {
				return nil, err
			}
		}
	}
	return nil, nil
}

// removeItem splices item out of the ring inside tx. The row is deleted
// before the neighbor links are rewritten so the one-head/one-tail indexes
// never see a duplicate NULL.
func removeItem(ctx context.Context, tx *sql.Tx, queue *queueState, item *types.QueueItem) error {
	first, err := getFirst(ctx, tx)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM queue_items WHERE id = ?`, item.ID); err != nil {
		return fmt.Errorf("failed to delete queue item: %w", err)
	}

	if item.LLPrev != nil {
		var next interface{}
		if item.LLNext != nil {
			next = *item.LLNext
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE queue_items SET ll_next = ? WHERE id = ?`, next, *item.LLPrev); err != nil {
			return fmt.Errorf("failed to relink previous item: %w", err)
		}
	}
	if item.LLNext != nil {
		var prev interface{}
		if item.LLPrev != nil {
			prev = *item.LLPrev
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE queue_items SET ll_prev = ? WHERE id = ?`, prev, *item.LLNext); err != nil {
			return fmt.Errorf("failed to relink next item: %w", err)
		}
	}

	// Usage is unidirectional: the cursor always points at the next item to
	// process, so it moves forward off a removed item.
	if queue.current != nil && *queue.current == item.ID {
		switch {
		case item.LLNext != nil:
			queue.current = item.LLNext
		case first != nil && first.ID == item.ID:
			// Removed item was both head and tail: queue is now empty.
			queue.current = nil
		case first != nil:
			id := first.ID
			queue.current = &id
		default:
			queue.current = nil
		}
		if err := saveCursor(ctx, tx, queue); err != nil {
			return err
		}
	}
	return nil
}

// Remove splices the item with the given id out of the ring.
func (q *ringQueue) Remove(ctx context.Context, itemID int64) error {
	return q.store.withTx(ctx, func(tx *sql.Tx) error {
		queue, err := loadQueue(ctx, tx)
		if err != nil {
			return err
		}
		item, err := getItem(ctx, tx, itemID)
		if err != nil {
			return err
		}
		return removeItem(ctx, tx, queue, item)
	})
}

// GetAndAdvance returns the cursor item and moves the cursor forward,
// marking the returned item processed and skipping ignored items. A queue
// holding only ignored items yields (nil, nil).
func (q *ringQueue) GetAndAdvance(ctx context.Context) (*types.QueueItem, *types.QueueItem, error) {
	var returned, newCurrent *types.QueueItem
	err := q.store.withTx(ctx, func(tx *sql.Tx) error {
		queue, err := loadQueue(ctx, tx)
		if err != nil {
			return err
		}
		if queue.current == nil {
			return nil
		}

		// Every skipped item still gets its processed date stamped; bound
		// the skip loop by the ring size so an all-ignored queue terminates.
		count, err := countItems(ctx, tx)
		if err != nil {
			return err
		}

		for i := 0; i < count; i++ {
			cur, err := getItem(ctx, tx, *queue.current)
			if err != nil {
				return err
			}

			if cur.LLNext != nil {
				queue.current = cur.LLNext
			} else {
				first, err := getFirst(ctx, tx)
				if err != nil {
					return err
				}
				if first == nil {
					return fmt.Errorf("non-empty queue has no head")
				}
				id := first.ID
				queue.current = &id
			}
			if err := saveCursor(ctx, tx, queue); err != nil {
				return err
			}

			now := time.Now()
			if _, err := tx.ExecContext(ctx,
				`UPDATE queue_items SET processed_date = ? WHERE id = ?`, now, cur.ID); err != nil {
				return fmt.Errorf("failed to mark item processed: %w", err)
			}
			cur.ProcessedDate = &now

			if cur.IgnoreDate != nil {
				continue
			}

			returned = cur
			newCurrent, err = getItem(ctx, tx, *queue.current)
			return err
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return returned, newCurrent, nil
}

// Peek returns the cursor item without moving the cursor.
func (q *ringQueue) Peek(ctx context.Context) (*types.QueueItem, error) {
	var out *types.QueueItem
	err := q.store.withTx(ctx, func(tx *sql.Tx) error {
		queue, err := loadQueue(ctx, tx)
		if err != nil {
			return err
		}
		if queue.current == nil {
			return nil
		}
		out, err = getItem(ctx, tx, *queue.current)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetFirst returns the head of the list.
func (q *ringQueue) GetFirst(ctx context.Context) (*types.QueueItem, error) {
	var out *types.QueueItem
	err := q.store.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		out, err = getFirst(ctx, tx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Items returns the ring in list order, head first.
func (q *ringQueue) Items(ctx context.Context) ([]*types.QueueItem, error) {
	var out []*types.QueueItem
	err := q.store.withTx(ctx, func(tx *sql.Tx) error {
		count, err := countItems(ctx, tx)
		if err != nil {
			return err
		}
		item, err := getFirst(ctx, tx)
		if err != nil {
			return err
		}
		for item != nil && len(out) < count {
			out = append(out, item)
			if item.LLNext == nil {
				break
			}
			item, err = getItem(ctx, tx, *item.LLNext)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ItemByPatchID returns the item for a patch id.
func (q *ringQueue) ItemByPatchID(ctx context.Context, patchID int64) (*types.QueueItem, error) {
	var out *types.QueueItem
	err := q.store.withTx(ctx, func(tx *sql.Tx) error {
		item, err := getItemByPatch(ctx, tx, patchID)
		if err != nil {
			return err
		}
		if item == nil {
			return storage.ErrItemNotFound
		}
		out = item
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SetIgnoreDate stamps or clears the ignore date on a patch's item. Missing
// items are not an error: the branch may outlive its queue entry.
func (q *ringQueue) SetIgnoreDate(ctx context.Context, patchID int64, ignore bool) error {
	var stamp interface{}
	if ignore {
		stamp = time.Now()
	}
	_, err := q.store.db.ExecContext(ctx,
		`UPDATE queue_items SET ignore_date = ? WHERE patch_id = ?`, stamp, patchID)
	if err != nil {
		return fmt.Errorf("failed to set ignore date: %w", err)
	}
	return nil
}

// SetLastBaseCommit records the base commit a patch last built against.
func (q *ringQueue) SetLastBaseCommit(ctx context.Context, patchID int64, sha string) error {
	_, err := q.store.db.ExecContext(ctx,
		`UPDATE queue_items SET last_base_commit_sha = ? WHERE patch_id = ?`, sha, patchID)
	if err != nil {
		return fmt.Errorf("failed to set last base commit: %w", err)
	}
	return nil
}
