// Package sync drives pending local records to the remote authority and
// handles divergence between the two copies.
package sync

import (
	"context"
	"time"

	"github.com/homezloco/Loco-Coder-sub003/internal/models"
)

// RemoteDoc is the remote's copy of a record.
type RemoteDoc struct {
	Key       string    `json:"key"`
	Content   []byte    `json:"content"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Remote is the authority records are pushed to. Its UpdatedAt timestamps are
// trusted as monotonic per key; local clocks are never compared against them.
type Remote interface {
	// Fetch returns the remote copy, or nil when the remote has none.
	Fetch(ctx context.Context, collection, key string) (*RemoteDoc, error)
	// Push stores rec and returns the remote's update time for it.
	Push(ctx context.Context, collection string, rec *models.Record) (time.Time, error)
}
