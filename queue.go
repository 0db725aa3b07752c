package pokeshell

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pokechat/pokeshell/codec"
	"github.com/pokechat/pokeshell/storage"
)

// ============================================================================
// Durable Queue
// ============================================================================

// Queue is the ordered list of mutations waiting for a drain. It keeps an
// in-memory mirror and persists the full list on every write, so a store
// failure never loses a mutation: the mirror keeps it and the next write
// (or Flush) rewrites everything.
type Queue struct {
	store storage.QueueStore
	codec codec.Codec[QueuedMutation]
	log   Logger
	now   func() time.Time

	mu    sync.Mutex
	items []QueuedMutation
	dirty bool
}

func NewQueue(store storage.QueueStore, c codec.Codec[QueuedMutation], log Logger) *Queue {
	if c == nil {
		c = codec.Msgpack[QueuedMutation]{}
	}
	if log == nil {
		log = NopLogger{}
	}
	return &Queue{store: store, codec: c, log: log, now: time.Now}
}

// Load replaces the mirror with the persisted list. Items that no longer
// decode are dropped with a warning.
func (q *Queue) Load(ctx context.Context) error {
	raw, err := q.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load queue: %w", err)
	}
	items := make([]QueuedMutation, 0, len(raw))
	for i, b := range raw {
		m, err := q.codec.Decode(b)
		if err != nil {
			q.log.Warn("dropping undecodable queued mutation", Fields{"position": i, "err": err})
			continue
		}
		items = append(items, m)
	}
	q.mu.Lock()
	q.items = items
	q.dirty = false
	q.mu.Unlock()
	return nil
}

// Enqueue appends m and persists the queue. Missing ID and timestamp are
// filled in. A *QueuePersistenceError means m is queued in memory only.
func (q *Queue) Enqueue(ctx context.Context, m QueuedMutation) (QueuedMutation, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.EnqueuedAt.IsZero() {
		m.EnqueuedAt = q.now().UTC()
	}
	if m.Tag == "" {
		m.Tag = TagBackground
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, m)
	return m, q.persistLocked(ctx)
}

// All returns a copy of the queue in order.
func (q *Queue) All() []QueuedMutation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]QueuedMutation(nil), q.items...)
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Replace swaps in list as the whole queue and persists it.
func (q *Queue) Replace(ctx context.Context, list []QueuedMutation) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append([]QueuedMutation(nil), list...)
	return q.persistLocked(ctx)
}

// Reconcile commits a drain pass: every item of snapshot leaves the queue,
// items enqueued while the drain ran keep their place, and failed (a subset
// of snapshot) goes back at the tail in its original order.
func (q *Queue) Reconcile(ctx context.Context, snapshot, failed []QueuedMutation) error {
	drained := make(map[string]struct{}, len(snapshot))
	for _, m := range snapshot {
		drained[m.ID] = struct{}{}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	next := make([]QueuedMutation, 0, len(q.items)+len(failed))
	for _, m := range q.items {
		if _, ok := drained[m.ID]; !ok {
			next = append(next, m)
		}
	}
	next = append(next, failed...)
	q.items = next
	return q.persistLocked(ctx)
}

// Flush retries persistence after an earlier failure. It is a no-op when
// the store is up to date.
func (q *Queue) Flush(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.dirty {
		return nil
	}
	return q.persistLocked(ctx)
}

// Dirty reports whether the store is behind the in-memory queue.
func (q *Queue) Dirty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dirty
}

// Close flushes pending writes and closes the store.
func (q *Queue) Close(ctx context.Context) error {
	if err := q.Flush(ctx); err != nil {
		q.log.Error("queue not persisted on close", Fields{"err": err})
	}
	return q.store.Close(ctx)
}

func (q *Queue) persistLocked(ctx context.Context) error {
	raw := make([][]byte, len(q.items))
	for i, m := range q.items {
		b, err := q.codec.Encode(m)
		if err != nil {
			q.dirty = true
			return &QueuePersistenceError{Pending: len(q.items), Err: fmt.Errorf("encode %s: %w", m.ID, err)}
		}
		raw[i] = b
	}
	if err := q.store.Save(ctx, raw); err != nil {
		q.dirty = true
		q.log.Error("queue persistence failed", Fields{"pending": len(q.items), "err": err})
		return &QueuePersistenceError{Pending: len(q.items), Err: err}
	}
	q.dirty = false
	return nil
}
