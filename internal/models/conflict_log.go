package models

import "time"

// ConflictLog records a detected divergence and how it was handled.
type ConflictLog struct {
	Key             string    `json:"key"`
	Collection      string    `json:"collection"`
	LocalTimestamp  time.Time `json:"local_timestamp"`
	RemoteTimestamp time.Time `json:"remote_timestamp"`
	Resolution      string    `json:"resolution"` // local_wins, remote_wins, manual
	DetectedAt      time.Time `json:"detected_at"`
}
