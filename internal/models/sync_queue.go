package models

import "time"

// SyncQueueEntry references a Record awaiting push.
type SyncQueueEntry struct {
	Collection    string    `json:"collection"`
	Key           string    `json:"key"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
	Attempts      uint32    `json:"attempts"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
}

// QueueKey returns the identity of the entry within the queue set.
func (e SyncQueueEntry) QueueKey() string {
	return e.Collection + "/" + e.Key
}

// Ready reports whether the entry's backoff has elapsed at now.
func (e SyncQueueEntry) Ready(now time.Time) bool {
	return !now.Before(e.NextAttemptAt)
}
