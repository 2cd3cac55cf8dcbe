package main

import (
	"context"
	"time"

	"github.com/homezloco/Loco-Coder-sub003/internal/logging"
	"github.com/homezloco/Loco-Coder-sub003/internal/store"
)

// pruneInterval is how often expired cache and conflict-log records are removed.
const pruneInterval = time.Hour

// pruneExpired removes non-pending records past their collection's TTL every
// interval until ctx ends. Collections with a TTL <= 0 are kept forever.
func pruneExpired(ctx context.Context, st *store.TieredStore, ttls map[string]time.Duration, interval time.Duration) {
	active := make(map[string]time.Duration, len(ttls))
	for collection, ttl := range ttls {
		if ttl > 0 {
			active[collection] = ttl
		}
	}
	if len(active) == 0 {
		return
	}

	logger := logging.Component("prune")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := st.Prune(ctx, active)
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn("Prune failed", map[string]interface{}{"error": err.Error()})
				}
				continue
			}
			if n > 0 {
				logger.Debug("Pruned expired records", map[string]interface{}{"count": n})
			}
		}
	}
}
