// Package queue holds the set of records awaiting push. Entries are keyed by
// collection and record key, so re-enqueueing a key replaces its entry.
package queue

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/homezloco/Loco-Coder-sub003/internal/models"
)

// SyncQueue is a keyed set of pending pushes.
type SyncQueue struct {
	mu      sync.Mutex
	items   map[string]models.SyncQueueEntry
	maxSize int
	now     func() time.Time
}

// NewSyncQueue creates a queue holding at most maxSize entries; 0 means unbounded.
func NewSyncQueue(maxSize int) *SyncQueue {
	return &SyncQueue{
		items:   make(map[string]models.SyncQueueEntry),
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Enqueue adds or replaces the entry for its key. A zero EnqueuedAt is stamped.
func (q *SyncQueue) Enqueue(entry models.SyncQueueEntry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.putLocked(entry)
}

// EnqueueIfAbsent adds entry only when its key is not already queued, so a
// retry never overwrites a newer enqueue. It reports whether entry was added.
func (q *SyncQueue) EnqueueIfAbsent(entry models.SyncQueueEntry) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.items[entry.QueueKey()]; ok {
		return false, nil
	}
	if err := q.putLocked(entry); err != nil {
		return false, err
	}
	return true, nil
}

func (q *SyncQueue) putLocked(entry models.SyncQueueEntry) error {
	id := entry.QueueKey()
	if _, exists := q.items[id]; !exists && q.maxSize > 0 && len(q.items) >= q.maxSize {
		return fmt.Errorf("queue is full (max size: %d)", q.maxSize)
	}
	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = q.now()
	}
	q.items[id] = entry
	return nil
}

// Swap removes and returns every entry, oldest first. Enqueues that arrive
// afterwards land in the now-empty queue.
func (q *SyncQueue) Swap() []models.SyncQueueEntry {
	q.mu.Lock()
	items := q.items
	q.items = make(map[string]models.SyncQueueEntry)
	q.mu.Unlock()

	return sorted(items)
}

// Remove deletes the entry for collection/key and reports whether it existed.
func (q *SyncQueue) Remove(collection, key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	id := models.SyncQueueEntry{Collection: collection, Key: key}.QueueKey()
	if _, ok := q.items[id]; !ok {
		return false
	}
	delete(q.items, id)
	return true
}

// Get returns a copy of the entry for collection/key.
func (q *SyncQueue) Get(collection, key string) (models.SyncQueueEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.items[models.SyncQueueEntry{Collection: collection, Key: key}.QueueKey()]
	return e, ok
}

// List returns every entry, oldest first, without removing them.
func (q *SyncQueue) List() []models.SyncQueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return sorted(q.items)
}

// NextAttemptAt returns the earliest time any entry becomes ready.
func (q *SyncQueue) NextAttemptAt() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var next time.Time
	for _, e := range q.items {
		if next.IsZero() || e.NextAttemptAt.Before(next) {
			next = e.NextAttemptAt
		}
	}
	return next, len(q.items) > 0
}

// Size returns the number of queued entries.
func (q *SyncQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func sorted(items map[string]models.SyncQueueEntry) []models.SyncQueueEntry {
	out := make([]models.SyncQueueEntry, 0, len(items))
	for _, e := range items {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EnqueuedAt.Equal(out[j].EnqueuedAt) {
			return out[i].QueueKey() < out[j].QueueKey()
		}
		return out[i].EnqueuedAt.Before(out[j].EnqueuedAt)
	})
	return out
}

// Backoff returns base*2^(attempts-1) capped at max. Zero attempts means no delay.
func Backoff(attempts uint32, base, max time.Duration) time.Duration {
	if attempts == 0 {
		return 0
	}
	delay := base
	for i := uint32(1); i < attempts && delay < max; i++ {
		delay *= 2
	}
	if delay > max {
		delay = max
	}
	return delay
}
