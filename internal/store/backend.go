// Package store provides durable record storage across three tiers of
// decreasing capability: SQLite, a content-addressed file store and an
// in-process map.
package store

import (
	"context"

	apperrors "github.com/homezloco/Loco-Coder-sub003/internal/errors"
	"github.com/homezloco/Loco-Coder-sub003/internal/models"
)

// Tier names, also used as metric labels.
const (
	TierSQLite = "sqlite"
	TierFile   = "file"
	TierMemory = "memory"
)

// ErrNotFound is returned by Get when no tier holds the key.
var ErrNotFound = apperrors.New(apperrors.ErrNotFound, "record not found")

// Backend is one storage tier. Implementations return ErrNotFound from Get for
// missing keys and an ErrStorageQuotaExceeded AppError when they are full.
type Backend interface {
	Name() string
	// Probe checks that the tier can be used at all.
	Probe(ctx context.Context) error
	Put(ctx context.Context, collection string, rec *models.Record) error
	Get(ctx context.Context, collection, key string) (*models.Record, error)
	Delete(ctx context.Context, collection, key string) error
	List(ctx context.Context, collection string) ([]*models.Record, error)
	// EvictOldest removes up to n non-pending records from the whole tier,
	// oldest LastUpdated first regardless of collection, and returns how
	// many were removed.
	EvictOldest(ctx context.Context, n int) (int, error)
	// Count returns the number of records held by the tier.
	Count(ctx context.Context) (int, error)
	Close() error
}

func quotaExceeded(tier string, err error) error {
	return apperrors.Wrap(apperrors.ErrStorageQuotaExceeded, tier+" tier is full", err)
}

func isQuotaExceeded(err error) bool {
	return apperrors.Is(err, apperrors.ErrStorageQuotaExceeded)
}

func isNotFound(err error) bool {
	return apperrors.Is(err, apperrors.ErrNotFound)
}
