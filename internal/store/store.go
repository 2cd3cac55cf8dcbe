package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"sync"
	"time"

	apperrors "github.com/homezloco/Loco-Coder-sub003/internal/errors"
	"github.com/homezloco/Loco-Coder-sub003/internal/logging"
	"github.com/homezloco/Loco-Coder-sub003/internal/metrics"
	"github.com/homezloco/Loco-Coder-sub003/internal/models"
)

const (
	// evictFraction is the share of a tier dropped on a quota error.
	evictFraction = 0.2
	// maxConsecutiveFailures triggers a re-probe after this many operational
	// errors in a row; the tier is disabled only if the probe fails too.
	maxConsecutiveFailures = 3
	probeTimeout           = 5 * time.Second
)

// Config locates the persistent tiers.
type Config struct {
	// DataDir holds sync.db (Tier A) and kv/ (Tier B). Empty means memory only.
	DataDir string
	// TierAMaxPageCount caps the SQLite file; 0 leaves it unbounded.
	TierAMaxPageCount int
	// TierBMaxBytes caps the file tier; 0 leaves it unbounded.
	TierBMaxBytes int64
}

// Capabilities reports which persistent tiers passed the startup probe.
type Capabilities struct {
	TierA bool `json:"tier_a"`
	TierB bool `json:"tier_b"`
}

// Predicate filters records in Query. A nil Predicate matches everything.
type Predicate func(*models.Record) bool

// Option configures a TieredStore.
type Option func(*TieredStore)

// WithLogger overrides the component logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *TieredStore) { s.log = l }
}

// WithMetrics reports writes, evictions and tier health.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *TieredStore) { s.metrics = m }
}

// WithClock overrides time.Now for LastUpdated stamping and pruning.
func WithClock(now func() time.Time) Option {
	return func(s *TieredStore) { s.now = now }
}

// WithBackends replaces the persistent tiers. A nil backend marks the tier as absent.
func WithBackends(tierA, tierB Backend) Option {
	return func(s *TieredStore) {
		s.customBackends = true
		s.tierA, s.tierB = tierA, tierB
	}
}

type tier struct {
	backend Backend

	// evictMu serializes eviction across all collections of the tier.
	evictMu sync.Mutex

	mu        sync.Mutex
	available bool
	failures  int
}

func (t *tier) isAvailable() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.available
}

// TieredStore writes each record to the most capable available tier and
// reads back from the first tier that holds it.
type TieredStore struct {
	tiers []*tier
	caps  Capabilities

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	log     *logging.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	customBackends bool
	tierA, tierB   Backend
}

// New opens the tiers described by cfg and probes them once. Tiers that fail
// to open or probe are skipped for the life of the store; the memory tier is
// always present, so New never fails.
func New(ctx context.Context, cfg Config, opts ...Option) *TieredStore {
	s := &TieredStore{
		locks: make(map[string]*sync.Mutex),
		log:   logging.Component("store"),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if !s.customBackends && cfg.DataDir != "" {
		if a, err := OpenSQLite(filepath.Join(cfg.DataDir, "sync.db"), cfg.TierAMaxPageCount); err != nil {
			s.log.Warn("sqlite tier unavailable", map[string]interface{}{"error": err.Error()})
		} else {
			s.tierA = a
		}
		if b, err := OpenFile(filepath.Join(cfg.DataDir, "kv"), cfg.TierBMaxBytes); err != nil {
			s.log.Warn("file tier unavailable", map[string]interface{}{"error": err.Error()})
		} else {
			s.tierB = b
		}
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	s.caps.TierA = s.addTier(probeCtx, s.tierA)
	s.caps.TierB = s.addTier(probeCtx, s.tierB)
	s.addTier(probeCtx, newMemoryBackend())

	s.log.Info("storage tiers probed", map[string]interface{}{
		"tier_a": s.caps.TierA,
		"tier_b": s.caps.TierB,
	})
	return s
}

func (s *TieredStore) addTier(ctx context.Context, b Backend) bool {
	if b == nil {
		return false
	}
	if err := b.Probe(ctx); err != nil {
		s.log.Warn("storage tier failed probe", map[string]interface{}{"tier": b.Name(), "error": err.Error()})
		s.metrics.SetTierAvailable(b.Name(), false)
		b.Close()
		return false
	}
	s.tiers = append(s.tiers, &tier{backend: b, available: true})
	s.metrics.SetTierAvailable(b.Name(), true)
	return true
}

// Capabilities returns the startup probe result.
func (s *TieredStore) Capabilities() Capabilities {
	return s.caps
}

// ActiveTiers lists the names of tiers currently accepting operations, most capable first.
func (s *TieredStore) ActiveTiers() []string {
	var names []string
	for _, t := range s.tiers {
		if t.isAvailable() {
			names = append(names, t.backend.Name())
		}
	}
	return names
}

// lockCollection serializes writes within a collection. Eviction is
// additionally serialized per tier by tier.evictMu.
func (s *TieredStore) lockCollection(collection string) func() {
	s.locksMu.Lock()
	mu, ok := s.locks[collection]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[collection] = mu
	}
	s.locksMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

// callerAborted reports whether err comes from the caller's context rather
// than from the tier. Drivers may surface a cancelled statement as their own
// interrupt error, so a done ctx counts as well.
func callerAborted(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// observe tracks consecutive operational failures. Quota and not-found
// results reset the count; cancelled or expired calls leave it unchanged.
// Reaching the threshold re-probes the tier with a fresh context, and only a
// failed probe disables it.
func (s *TieredStore) observe(ctx context.Context, t *tier, err error) {
	if err != nil && callerAborted(ctx, err) {
		return
	}

	t.mu.Lock()
	if err == nil || isNotFound(err) || isQuotaExceeded(err) {
		t.failures = 0
		t.mu.Unlock()
		return
	}
	t.failures++
	failures := t.failures
	suspect := failures >= maxConsecutiveFailures && t.available
	t.mu.Unlock()
	if !suspect {
		return
	}

	probeCtx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	probeErr := t.backend.Probe(probeCtx)
	cancel()

	t.mu.Lock()
	defer t.mu.Unlock()
	if probeErr == nil {
		t.failures = 0
		s.log.Warn("storage tier passed re-probe after repeated failures", map[string]interface{}{
			"tier":       t.backend.Name(),
			"failures":   failures,
			"last_error": err.Error(),
		})
		return
	}
	if !t.available {
		return
	}
	t.available = false
	s.metrics.SetTierAvailable(t.backend.Name(), false)
	s.log.Error("storage tier disabled after repeated failures", err, map[string]interface{}{
		"tier":        t.backend.Name(),
		"failures":    failures,
		"probe_error": probeErr.Error(),
	})
}

// Put stamps LastUpdated if unset and writes rec to the highest available
// tier, evicting and cascading on quota errors. The memory tier always
// accepts the write, so storage failures are never returned; only invalid
// records are rejected.
func (s *TieredStore) Put(ctx context.Context, collection string, rec *models.Record) (*models.Record, error) {
	if rec == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "nil record")
	}
	if err := rec.Validate(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "invalid record", err)
	}

	r := rec.Clone()
	if r.LastUpdated.IsZero() {
		r.LastUpdated = s.now()
	}

	unlock := s.lockCollection(collection)
	defer unlock()

	for i, t := range s.tiers {
		if !t.isAvailable() {
			continue
		}
		if err := s.writeTier(ctx, t, collection, r); err != nil {
			s.log.Warn("tier write failed, cascading", map[string]interface{}{
				"tier":       t.backend.Name(),
				"collection": collection,
				"key":        r.Key,
				"error":      err.Error(),
			})
			continue
		}
		s.metrics.IncStoreWrite(t.backend.Name())
		s.invalidateOthers(ctx, i, collection, r.Key)
		return r.Clone(), nil
	}

	// Unreachable while the memory tier is registered.
	return nil, apperrors.New(apperrors.ErrStorage, "no storage tier accepted the write")
}

// writeTier writes once and, on a quota error, evicts and retries once.
func (s *TieredStore) writeTier(ctx context.Context, t *tier, collection string, r *models.Record) error {
	err := t.backend.Put(ctx, collection, r)
	s.observe(ctx, t, err)
	if err == nil || !isQuotaExceeded(err) {
		return err
	}

	evicted, evictErr := s.evict(ctx, t)
	if evictErr != nil || evicted == 0 {
		return err
	}

	err = t.backend.Put(ctx, collection, r)
	s.observe(ctx, t, err)
	return err
}

// evict drops the oldest ~20% of non-pending records of the whole tier, so a
// full tier makes room from any collection.
func (s *TieredStore) evict(ctx context.Context, t *tier) (int, error) {
	t.evictMu.Lock()
	defer t.evictMu.Unlock()

	count, err := t.backend.Count(ctx)
	if err != nil {
		s.observe(ctx, t, err)
		return 0, err
	}
	n := int(math.Ceil(float64(count) * evictFraction))
	if n < 1 {
		n = 1
	}

	evicted, err := t.backend.EvictOldest(ctx, n)
	s.observe(ctx, t, err)
	if err != nil {
		return evicted, err
	}
	s.metrics.AddEvictions(t.backend.Name(), evicted)
	s.log.Info("evicted records after quota error", map[string]interface{}{
		"tier":    t.backend.Name(),
		"evicted": evicted,
	})
	return evicted, nil
}

// invalidateOthers removes stale copies of key from every tier except keep.
func (s *TieredStore) invalidateOthers(ctx context.Context, keep int, collection, key string) {
	for i, t := range s.tiers {
		if i == keep || !t.isAvailable() {
			continue
		}
		err := t.backend.Delete(ctx, collection, key)
		s.observe(ctx, t, err)
		if err != nil {
			s.log.Debug("failed to invalidate stale copy", map[string]interface{}{
				"tier":  t.backend.Name(),
				"key":   key,
				"error": err.Error(),
			})
		}
	}
}

// Get returns the record from the first tier that holds it, or ErrNotFound.
func (s *TieredStore) Get(ctx context.Context, collection, key string) (*models.Record, error) {
	for _, t := range s.tiers {
		if !t.isAvailable() {
			continue
		}
		rec, err := t.backend.Get(ctx, collection, key)
		s.observe(ctx, t, err)
		if err == nil {
			return rec, nil
		}
		if !isNotFound(err) {
			s.log.Warn("tier read failed", map[string]interface{}{
				"tier":  t.backend.Name(),
				"key":   key,
				"error": err.Error(),
			})
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, ErrNotFound
}

// Query unions matching records across all tiers. A key held by a more
// capable tier shadows the same key in a lower tier. Results are ordered by key.
func (s *TieredStore) Query(ctx context.Context, collection string, pred Predicate) ([]*models.Record, error) {
	seen := make(map[string]bool)
	var out []*models.Record
	for _, t := range s.tiers {
		if !t.isAvailable() {
			continue
		}
		records, err := t.backend.List(ctx, collection)
		s.observe(ctx, t, err)
		if err != nil {
			s.log.Warn("tier list failed", map[string]interface{}{
				"tier":       t.backend.Name(),
				"collection": collection,
				"error":      err.Error(),
			})
			continue
		}
		for _, rec := range records {
			if seen[rec.Key] {
				continue
			}
			seen[rec.Key] = true
			if pred == nil || pred(rec) {
				out = append(out, rec)
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Delete removes key from every tier. Deleting a missing key is not an error.
func (s *TieredStore) Delete(ctx context.Context, collection, key string) error {
	unlock := s.lockCollection(collection)
	defer unlock()

	for _, t := range s.tiers {
		if !t.isAvailable() {
			continue
		}
		err := t.backend.Delete(ctx, collection, key)
		s.observe(ctx, t, err)
		if err != nil {
			s.log.Warn("tier delete failed", map[string]interface{}{
				"tier":  t.backend.Name(),
				"key":   key,
				"error": err.Error(),
			})
		}
	}
	return ctx.Err()
}

// Prune deletes non-pending records whose LastUpdated is older than the
// collection's TTL. It returns the number of records removed.
func (s *TieredStore) Prune(ctx context.Context, ttlByCollection map[string]time.Duration) (int, error) {
	now := s.now()
	removed := 0
	for collection, ttl := range ttlByCollection {
		if ttl <= 0 {
			continue
		}
		cutoff := now.Add(-ttl)
		n, err := s.pruneCollection(ctx, collection, cutoff)
		removed += n
		if err != nil {
			return removed, fmt.Errorf("prune %s: %w", collection, err)
		}
	}
	if removed > 0 {
		s.log.Info("pruned expired records", map[string]interface{}{"removed": removed})
	}
	return removed, nil
}

func (s *TieredStore) pruneCollection(ctx context.Context, collection string, cutoff time.Time) (int, error) {
	unlock := s.lockCollection(collection)
	defer unlock()

	removed := 0
	for _, t := range s.tiers {
		if !t.isAvailable() {
			continue
		}
		records, err := t.backend.List(ctx, collection)
		s.observe(ctx, t, err)
		if err != nil {
			continue
		}
		for _, rec := range records {
			if rec.PendingSync || !rec.LastUpdated.Before(cutoff) {
				continue
			}
			err := t.backend.Delete(ctx, collection, rec.Key)
			s.observe(ctx, t, err)
			if err == nil {
				removed++
			}
		}
	}
	return removed, ctx.Err()
}

// Close releases the persistent tiers.
func (s *TieredStore) Close() error {
	var firstErr error
	for _, t := range s.tiers {
		if err := t.backend.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
