package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/homezloco/Loco-Coder-sub003/internal/connectivity"
	apperrors "github.com/homezloco/Loco-Coder-sub003/internal/errors"
	"github.com/homezloco/Loco-Coder-sub003/internal/events"
	"github.com/homezloco/Loco-Coder-sub003/internal/logging"
	"github.com/homezloco/Loco-Coder-sub003/internal/metrics"
	"github.com/homezloco/Loco-Coder-sub003/internal/models"
	"github.com/homezloco/Loco-Coder-sub003/internal/store"
	"github.com/homezloco/Loco-Coder-sub003/internal/sync/conflict"
	"github.com/homezloco/Loco-Coder-sub003/internal/sync/queue"
	"github.com/homezloco/Loco-Coder-sub003/internal/sync/scheduler"
)

// Store is the durable record store.
type Store interface {
	Put(ctx context.Context, collection string, rec *models.Record) (*models.Record, error)
	Get(ctx context.Context, collection, key string) (*models.Record, error)
	Query(ctx context.Context, collection string, pred store.Predicate) ([]*models.Record, error)
	Delete(ctx context.Context, collection, key string) error
}

// Connectivity reports reachability and transitions.
type Connectivity interface {
	IsOnline() bool
	Subscribe(fn func(connectivity.State)) (unsubscribe func())
}

// SyncStatus is the outcome reported by Save.
type SyncStatus string

const (
	StatusSynced   SyncStatus = "synced"
	StatusPending  SyncStatus = "pending"
	StatusConflict SyncStatus = "conflict"
)

// SaveResult is returned by Save once the record is durable.
type SaveResult struct {
	Record *models.Record `json:"record"`
	Status SyncStatus     `json:"sync_status"`
	// Err is the push failure when an immediate push was requested and failed.
	Err error `json:"-"`
}

// DrainResult summarizes one drain cycle.
type DrainResult struct {
	Skipped   bool `json:"skipped"`
	Attempted int  `json:"attempted"`
	Succeeded int  `json:"succeeded"`
	Failed    int  `json:"failed"`
	Conflicts int  `json:"conflicts"`
	Deferred  int  `json:"deferred"`
	Remaining int  `json:"remaining"`
}

// Config tunes retries and drains.
type Config struct {
	// Collections are the record collections pushed to the remote (default: files, settings).
	Collections []string
	// MaxRetries is the number of failed pushes before an entry leaves the queue (default 3).
	MaxRetries uint32
	// RetryBaseDelay and RetryMaxDelay bound the re-enqueue backoff (default 5s, 5m).
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	DrainInterval  time.Duration
	// Concurrency bounds parallel pushes within a drain (default 4).
	Concurrency int
	Policy      conflict.Policy
	// MaxQueueSize caps the queue; 0 is unbounded.
	MaxQueueSize int
}

// Option configures a Manager.
type Option func(*Manager)

// WithPublisher sets the event sink.
func WithPublisher(p events.Publisher) Option {
	return func(m *Manager) { m.events = p }
}

// WithMetrics reports queue length, pending count and push outcomes.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithLogger overrides the component logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithClock overrides time.Now for local timestamps and backoff.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithRequester enables replay of queued gateway requests.
func WithRequester(r Requester) Option {
	return func(m *Manager) { m.requester = r }
}

type pushOutcome int

const (
	outcomeSkipped pushOutcome = iota
	outcomeSynced
	outcomeConflict
	outcomeFailed
	outcomeDeferred
)

// flight marks a key with a push outstanding.
type flight struct {
	dirty bool
}

// Manager owns the pending queue and pushes records to the remote.
type Manager struct {
	cfg       Config
	store     Store
	remote    Remote
	conn      Connectivity
	requester Requester
	resolver  *conflict.Resolver
	queue     *queue.SyncQueue
	scheduler *scheduler.Scheduler
	events    events.Publisher
	metrics   *metrics.Metrics
	log       *logging.Logger
	now       func() time.Time

	// writeMu serializes read-modify-write of record sync metadata.
	writeMu sync.Mutex

	flightMu sync.Mutex
	inFlight map[string]*flight

	wakeMu sync.Mutex
	wake   *time.Timer

	mu          sync.Mutex
	running     bool
	wasOnline   bool
	unsubscribe func()
	runCtx      context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewManager creates a stopped Manager.
func NewManager(cfg Config, st Store, remote Remote, conn Connectivity, opts ...Option) *Manager {
	if len(cfg.Collections) == 0 {
		cfg.Collections = []string{models.CollectionFiles, models.CollectionSettings}
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 5 * time.Second
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 5 * time.Minute
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}

	m := &Manager{
		cfg:      cfg,
		store:    st,
		remote:   remote,
		conn:     conn,
		resolver: conflict.NewResolver(cfg.Policy),
		queue:    queue.NewSyncQueue(cfg.MaxQueueSize),
		events:   events.Discard,
		log:      logging.Component("sync"),
		now:      time.Now,
		inFlight: make(map[string]*flight),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.scheduler = scheduler.NewScheduler(func(ctx context.Context) { m.DrainQueue(ctx) },
		&scheduler.SchedulerConfig{DrainInterval: cfg.DrainInterval})
	return m
}

// Start reloads every pending record into the queue, follows connectivity
// transitions and starts the drain scheduler.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.runCtx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	n, err := m.reload(ctx)
	if err != nil {
		m.mu.Lock()
		m.running = false
		m.cancel()
		m.mu.Unlock()
		return fmt.Errorf("reload pending records: %w", err)
	}

	m.scheduler.Start(m.runCtx)
	unsubscribe := m.conn.Subscribe(m.onConnectivity)

	m.mu.Lock()
	m.unsubscribe = unsubscribe
	m.mu.Unlock()

	m.log.Info("Sync manager started", map[string]interface{}{"requeued": n})
	return nil
}

// onConnectivity runs synchronously inside the monitor's notification.
func (m *Manager) onConnectivity(state connectivity.State) {
	m.metrics.SetOnline(state.IsOnline)

	m.mu.Lock()
	reconnected := state.IsOnline && !m.wasOnline && m.running
	m.wasOnline = state.IsOnline
	ctx := m.runCtx
	if reconnected {
		m.wg.Add(1)
	}
	m.mu.Unlock()

	if reconnected {
		// Full re-enqueue so records dropped after max retries get another pass.
		go func() {
			defer m.wg.Done()
			if _, err := m.reload(ctx); err != nil {
				m.log.Error("Failed to re-enqueue pending records", err)
			}
			m.scheduler.TriggerDrain()
		}()
	}
	m.scheduler.SetOnlineStatus(state.IsOnline)
}

// reload enqueues every pending, non-conflicted record with a fresh retry budget.
func (m *Manager) reload(ctx context.Context) (int, error) {
	n := 0
	for _, collection := range m.pushCollections() {
		records, err := m.store.Query(ctx, collection, func(r *models.Record) bool {
			return r.PendingSync && !r.Conflict
		})
		if err != nil {
			return n, err
		}
		for _, rec := range records {
			added, err := m.queue.EnqueueIfAbsent(models.SyncQueueEntry{
				Collection:    collection,
				Key:           rec.Key,
				EnqueuedAt:    rec.LastUpdated,
				NextAttemptAt: m.now(),
			})
			if err != nil {
				m.log.Warn("Queue full, record left pending", map[string]interface{}{"key": rec.Key})
				continue
			}
			if added {
				n++
			}
		}
	}
	m.queueChanged()
	m.refreshPending(ctx)
	return n, nil
}

func (m *Manager) pushCollections() []string {
	return append(append([]string(nil), m.cfg.Collections...), models.CollectionRequests)
}

// Shutdown stops the scheduler, then the connectivity monitor when it can be
// stopped, waits for in-flight work and finally closes the store when it can
// be closed.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	unsubscribe := m.unsubscribe
	m.unsubscribe = nil
	cancel := m.cancel
	m.mu.Unlock()

	m.wakeMu.Lock()
	if m.wake != nil {
		m.wake.Stop()
		m.wake = nil
	}
	m.wakeMu.Unlock()
	m.scheduler.Stop()

	if unsubscribe != nil {
		unsubscribe()
	}
	if stopper, ok := m.conn.(interface{ Stop() }); ok {
		stopper.Stop()
	}

	cancel()
	m.wg.Wait()

	m.log.Info("Sync manager stopped", nil)

	if closer, ok := m.store.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// track registers in-flight work that Shutdown waits for.
func (m *Manager) track() (done func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return func() {}
	}
	m.wg.Add(1)
	return m.wg.Done
}

// Save stores rec in the default collection. See SaveTo.
func (m *Manager) Save(ctx context.Context, rec *models.Record, forceSyncNow bool) (*SaveResult, error) {
	return m.SaveTo(ctx, models.CollectionFiles, rec, forceSyncNow)
}

// SaveTo writes rec durably as pending, then either pushes it immediately
// (online and forceSyncNow) or queues it for the next drain. Only invalid
// records produce an error; push failures are reported in SaveResult.Err.
func (m *Manager) SaveTo(ctx context.Context, collection string, rec *models.Record, forceSyncNow bool) (*SaveResult, error) {
	if rec == nil || rec.Key == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "record key must not be empty")
	}
	online := m.conn.IsOnline()

	m.writeMu.Lock()
	r := &models.Record{
		Key:         rec.Key,
		Payload:     append([]byte(nil), rec.Payload...),
		LastUpdated: m.now(),
		PendingSync: true,
	}
	existing, err := m.store.Get(ctx, collection, rec.Key)
	switch {
	case err == nil:
		r.LastKnownRemoteUpdate = existing.Clone().LastKnownRemoteUpdate
		r.CreatedOffline = existing.CreatedOffline
		r.Conflict = existing.Conflict
		r.RemoteSnapshot = existing.RemoteSnapshot
	case apperrors.Is(err, apperrors.ErrNotFound):
		r.CreatedOffline = !online
	default:
		m.writeMu.Unlock()
		return nil, err
	}
	stored, err := m.store.Put(ctx, collection, r)
	m.writeMu.Unlock()
	if err != nil {
		return nil, err
	}
	m.refreshPending(ctx)

	if stored.Conflict {
		return &SaveResult{Record: stored, Status: StatusConflict}, nil
	}

	entry := models.SyncQueueEntry{Collection: collection, Key: stored.Key, NextAttemptAt: m.now()}
	if online && forceSyncNow {
		defer m.track()()

		outcome, pushErr := m.pushEntry(ctx, entry)
		m.publishSyncComplete(outcome)
		cur, err := m.store.Get(ctx, collection, stored.Key)
		if err != nil {
			cur = stored
		}
		return &SaveResult{Record: cur, Status: statusOf(cur), Err: pushErr}, nil
	}

	m.enqueue(entry)
	if online {
		m.scheduler.TriggerDrain()
	}
	return &SaveResult{Record: stored, Status: StatusPending}, nil
}

func statusOf(rec *models.Record) SyncStatus {
	switch {
	case rec.Conflict:
		return StatusConflict
	case rec.PendingSync:
		return StatusPending
	default:
		return StatusSynced
	}
}

// Get returns the stored record.
func (m *Manager) Get(ctx context.Context, collection, key string) (*models.Record, error) {
	return m.store.Get(ctx, collection, key)
}

// Delete removes a record locally and drops any queued push for it.
func (m *Manager) Delete(ctx context.Context, collection, key string) error {
	if m.queue.Remove(collection, key) {
		m.queueChanged()
	}
	m.writeMu.Lock()
	err := m.store.Delete(ctx, collection, key)
	m.writeMu.Unlock()
	m.refreshPending(ctx)
	return err
}

func (m *Manager) enqueue(entry models.SyncQueueEntry) {
	if err := m.queue.Enqueue(entry); err != nil {
		m.log.Warn("Queue full, record left pending", map[string]interface{}{
			"key":   entry.Key,
			"error": err.Error(),
		})
		return
	}
	m.queueChanged()
}

func (m *Manager) queueChanged() {
	n := m.queue.Size()
	m.metrics.SetQueueLength(n)
	m.events.Publish(events.QueueUpdated(n))
}

// refreshPending recomputes the pending gauge.
func (m *Manager) refreshPending(ctx context.Context) {
	if m.metrics == nil {
		return
	}
	if n, err := m.PendingCount(ctx); err == nil {
		m.metrics.SetPending(n)
	}
}

// DrainQueue pushes every ready queue entry. It does nothing while offline.
// The queue is swapped out first, so entries enqueued during the drain wait
// for the next cycle; failures are put back without replacing newer entries.
func (m *Manager) DrainQueue(ctx context.Context) DrainResult {
	if !m.conn.IsOnline() {
		return DrainResult{Skipped: true, Remaining: m.queue.Size()}
	}

	now := m.now()
	var ready []models.SyncQueueEntry
	for _, e := range m.queue.Swap() {
		if e.Ready(now) {
			ready = append(ready, e)
			continue
		}
		m.queue.EnqueueIfAbsent(e)
	}
	if len(ready) == 0 {
		m.scheduleWake()
		return DrainResult{Remaining: m.queue.Size()}
	}

	m.log.Info("Draining sync queue", map[string]interface{}{"count": len(ready)})

	var (
		resMu  sync.Mutex
		result DrainResult
		wg     sync.WaitGroup
	)
	sem := make(chan struct{}, m.cfg.Concurrency)
	for i, entry := range ready {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			for _, rest := range ready[i:] {
				m.queue.EnqueueIfAbsent(rest)
			}
			wg.Wait()
			result.Remaining = m.queue.Size()
			m.queueChanged()
			return result
		}

		wg.Add(1)
		go func(entry models.SyncQueueEntry) {
			defer wg.Done()
			defer func() { <-sem }()

			outcome, _ := m.pushEntry(ctx, entry)

			resMu.Lock()
			defer resMu.Unlock()
			if outcome != outcomeSkipped {
				result.Attempted++
			}
			switch outcome {
			case outcomeSynced:
				result.Succeeded++
			case outcomeConflict:
				result.Conflicts++
			case outcomeFailed:
				result.Failed++
			case outcomeDeferred:
				result.Deferred++
			}
		}(entry)
	}
	wg.Wait()

	result.Remaining = m.queue.Size()
	m.queueChanged()
	m.refreshPending(ctx)
	m.scheduleWake()
	if result.Attempted > 0 {
		m.events.Publish(events.SyncComplete(result.Succeeded, result.Failed+result.Deferred))
	}

	m.log.Info("Drain completed", map[string]interface{}{
		"succeeded": result.Succeeded,
		"failed":    result.Failed,
		"conflicts": result.Conflicts,
		"deferred":  result.Deferred,
		"remaining": result.Remaining,
	})
	return result
}

// scheduleWake arms a one-shot drain for when the earliest backed-off entry
// becomes ready, if that comes before the next scheduler tick. Entries that
// are already ready wait for the tick or an explicit trigger.
func (m *Manager) scheduleWake() {
	m.mu.Lock()
	running := m.running
	m.mu.Unlock()
	if !running {
		return
	}

	next, ok := m.queue.NextAttemptAt()
	if !ok {
		return
	}
	delay := next.Sub(m.now())
	if delay <= 0 || (m.cfg.DrainInterval > 0 && delay >= m.cfg.DrainInterval) {
		return
	}

	m.wakeMu.Lock()
	defer m.wakeMu.Unlock()
	if m.wake != nil {
		m.wake.Stop()
	}
	m.wake = time.AfterFunc(delay, func() { m.scheduler.TriggerDrain() })
}

func (m *Manager) publishSyncComplete(outcome pushOutcome) {
	switch outcome {
	case outcomeSynced:
		m.events.Publish(events.SyncComplete(1, 0))
	case outcomeFailed, outcomeDeferred:
		m.events.Publish(events.SyncComplete(0, 1))
	}
}

// acquire claims the per-key push slot. A second claimant marks the key dirty
// so it is re-queued when the outstanding push finishes.
func (m *Manager) acquire(id string) bool {
	m.flightMu.Lock()
	defer m.flightMu.Unlock()
	if f, ok := m.inFlight[id]; ok {
		f.dirty = true
		return false
	}
	m.inFlight[id] = &flight{}
	return true
}

func (m *Manager) release(entry models.SyncQueueEntry) {
	m.flightMu.Lock()
	f := m.inFlight[entry.QueueKey()]
	delete(m.inFlight, entry.QueueKey())
	m.flightMu.Unlock()

	if f != nil && f.dirty {
		m.enqueue(models.SyncQueueEntry{Collection: entry.Collection, Key: entry.Key, NextAttemptAt: m.now()})
		m.scheduler.TriggerDrain()
	}
}

// pushEntry runs one push attempt for entry, serialized per key.
func (m *Manager) pushEntry(ctx context.Context, entry models.SyncQueueEntry) (pushOutcome, error) {
	if !m.acquire(entry.QueueKey()) {
		return outcomeSkipped, nil
	}
	defer m.release(entry)

	rec, err := m.store.Get(ctx, entry.Collection, entry.Key)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			return outcomeSkipped, nil
		}
		return m.recordFailure(ctx, entry, err)
	}
	if !rec.PendingSync || rec.Conflict {
		return outcomeSkipped, nil
	}

	if entry.Collection == models.CollectionRequests {
		return m.replayRequest(ctx, entry, rec)
	}
	return m.pushRecord(ctx, entry, rec)
}

func (m *Manager) pushRecord(ctx context.Context, entry models.SyncQueueEntry, rec *models.Record) (pushOutcome, error) {
	if !rec.CreatedOffline {
		doc, err := m.remote.Fetch(ctx, entry.Collection, rec.Key)
		if err != nil {
			return m.recordFailure(ctx, entry, err)
		}
		if doc != nil && conflict.Diverged(rec, doc.UpdatedAt) {
			next, outcome, err := m.handleConflict(ctx, entry, rec, doc)
			if next == nil {
				return outcome, err
			}
			rec = next
		}
	}

	remoteTime, err := m.remote.Push(ctx, entry.Collection, rec)
	if err != nil && apperrors.Is(err, apperrors.ErrRemoteConflict) && m.resolver.Policy() != conflict.LocalWins {
		doc, fetchErr := m.remote.Fetch(ctx, entry.Collection, rec.Key)
		if fetchErr == nil && doc != nil {
			if next, outcome, err := m.handleConflict(ctx, entry, rec, doc); next == nil {
				return outcome, err
			}
		}
	}
	if err != nil {
		return m.recordFailure(ctx, entry, err)
	}

	m.commit(ctx, entry.Collection, rec, func(cur *models.Record, unchanged bool) {
		if unchanged {
			cur.MarkSynced(remoteTime)
			return
		}
		// Edited during the push: keep it pending against the new remote version.
		t := remoteTime
		cur.LastKnownRemoteUpdate = &t
	})
	m.metrics.IncPush("success")
	m.log.Debug("Record pushed", map[string]interface{}{
		"collection": entry.Collection,
		"key":        rec.Key,
	})
	return outcomeSynced, nil
}

// handleConflict applies the policy. It returns the record to push when the
// policy keeps the local side, or nil when the push is finished.
func (m *Manager) handleConflict(ctx context.Context, entry models.SyncQueueEntry, rec *models.Record, doc *RemoteDoc) (*models.Record, pushOutcome, error) {
	res, err := m.resolver.Resolve(entry.Collection, rec, conflict.RemoteVersion{Payload: doc.Content, UpdatedAt: doc.UpdatedAt})
	if err != nil {
		outcome, err := m.recordFailure(ctx, entry, err)
		return nil, outcome, err
	}
	m.logConflict(ctx, res.ConflictLog)

	switch res.Action {
	case conflict.ActionHold:
		m.commit(ctx, entry.Collection, rec, func(cur *models.Record, unchanged bool) {
			cur.Conflict = true
			cur.PendingSync = true
			cur.RemoteSnapshot = res.Record.RemoteSnapshot
		})
		m.metrics.IncPush("conflict")
		m.events.Publish(events.Conflict(rec.Key))
		return nil, outcomeConflict, nil

	case conflict.ActionAdopt:
		adopted := false
		m.commit(ctx, entry.Collection, rec, func(cur *models.Record, unchanged bool) {
			if unchanged {
				*cur = *res.Record
				adopted = true
				return
			}
			// A newer local edit supersedes the remote copy.
			t := doc.UpdatedAt
			cur.LastKnownRemoteUpdate = &t
		})
		m.metrics.IncPush("adopted")
		if !adopted {
			return nil, outcomeSkipped, nil
		}
		return nil, outcomeSynced, nil

	default:
		m.commit(ctx, entry.Collection, rec, func(cur *models.Record, unchanged bool) {
			t := doc.UpdatedAt
			cur.LastKnownRemoteUpdate = &t
		})
		return res.Record, outcomeSynced, nil
	}
}

// commit applies mutate to the stored record under writeMu. unchanged reports
// whether the record is still the version the push started from.
func (m *Manager) commit(ctx context.Context, collection string, base *models.Record, mutate func(cur *models.Record, unchanged bool)) {
	// Store updates outlive a cancelled drain.
	ctx = context.WithoutCancel(ctx)

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	cur, err := m.store.Get(ctx, collection, base.Key)
	if err != nil {
		// Deleted while the push was in flight.
		return
	}
	mutate(cur, cur.LastUpdated.Equal(base.LastUpdated))
	if _, err := m.store.Put(ctx, collection, cur); err != nil {
		m.log.Error("Failed to store sync state", err, map[string]interface{}{"key": base.Key})
	}
}

// recordFailure stores the error on the record and re-queues it with
// backoff. Offline, open-circuit and cancelled pushes do not use up an
// attempt. After MaxRetries the entry leaves the queue and the record stays
// pending until a manual retry or reconnection.
func (m *Manager) recordFailure(ctx context.Context, entry models.SyncQueueEntry, cause error) (pushOutcome, error) {
	deferred := ctx.Err() != nil ||
		apperrors.Is(cause, apperrors.ErrCircuitOpen) ||
		apperrors.Is(cause, apperrors.ErrOffline)

	attempts := entry.Attempts
	if !deferred {
		attempts++
	}
	return m.fail(ctx, entry, cause, attempts, deferred, false)
}

func (m *Manager) fail(ctx context.Context, entry models.SyncQueueEntry, cause error, attempts uint32, deferred, terminal bool) (pushOutcome, error) {
	m.commit(ctx, entry.Collection, &models.Record{Key: entry.Key}, func(cur *models.Record, _ bool) {
		cur.MarkFailed(cause, false)
		cur.SyncAttempts = attempts
	})

	if deferred {
		m.metrics.IncPush("deferred")
		entry.NextAttemptAt = m.now()
		m.queue.EnqueueIfAbsent(entry)
		return outcomeDeferred, cause
	}

	if terminal || attempts >= m.cfg.MaxRetries {
		m.metrics.IncPush("dropped")
		m.log.ErrorWithCode("Sync failed permanently, awaiting manual retry", string(apperrors.CodeOf(cause)), cause,
			map[string]interface{}{
				"collection": entry.Collection,
				"key":        entry.Key,
				"attempts":   attempts,
			})
		m.events.Publish(events.Error(entry.Key, cause.Error()))
		return outcomeFailed, cause
	}

	delay := queue.Backoff(attempts, m.cfg.RetryBaseDelay, m.cfg.RetryMaxDelay)
	if retryAfter, ok := apperrors.RetryAfterOf(cause); ok && retryAfter > delay {
		delay = retryAfter
	}
	entry.Attempts = attempts
	entry.NextAttemptAt = m.now().Add(delay)
	m.queue.EnqueueIfAbsent(entry)

	m.metrics.IncPush("failure")
	m.log.Warn("Sync failed, will retry", map[string]interface{}{
		"collection": entry.Collection,
		"key":        entry.Key,
		"attempt":    attempts,
		"max":        m.cfg.MaxRetries,
		"retry_in":   delay.String(),
		"error":      cause.Error(),
	})
	return outcomeFailed, cause
}

func (m *Manager) logConflict(ctx context.Context, entry *models.ConflictLog) {
	if entry == nil {
		return
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return
	}
	rec := &models.Record{
		Key:         fmt.Sprintf("%s/%s/%d", entry.Collection, entry.Key, entry.DetectedAt.UnixNano()),
		Payload:     payload,
		LastUpdated: entry.DetectedAt,
	}
	if _, err := m.store.Put(ctx, models.CollectionConflicts, rec); err != nil {
		m.log.Warn("Failed to store conflict log", map[string]interface{}{"key": entry.Key, "error": err.Error()})
	}
}

// ResolveConflict settles a record held by the Manual policy. LocalWins and
// explicit content queue the record for push; RemoteWins adopts the remote copy.
func (m *Manager) ResolveConflict(ctx context.Context, collection, key string, policy conflict.Policy, content []byte) (*models.Record, error) {
	m.writeMu.Lock()
	rec, err := m.store.Get(ctx, collection, key)
	if err != nil {
		m.writeMu.Unlock()
		return nil, err
	}
	res, err := m.resolver.ResolveManual(collection, rec, policy, content)
	if err != nil {
		m.writeMu.Unlock()
		if conflict.IsConflictError(err) {
			return nil, apperrors.Wrap(apperrors.ErrInvalid, "cannot resolve conflict", err)
		}
		return nil, apperrors.Wrap(apperrors.ErrInternal, "conflict resolution failed", err)
	}
	stored, err := m.store.Put(ctx, collection, res.Record)
	m.writeMu.Unlock()
	if err != nil {
		return nil, err
	}
	m.logConflict(ctx, res.ConflictLog)

	if res.Action == conflict.ActionPush {
		m.enqueue(models.SyncQueueEntry{Collection: collection, Key: key, NextAttemptAt: m.now()})
		m.scheduler.TriggerDrain()
	}
	m.refreshPending(ctx)
	return stored, nil
}

// Retry resets a pending record's retry budget and queues it.
func (m *Manager) Retry(ctx context.Context, collection, key string) error {
	m.writeMu.Lock()
	rec, err := m.store.Get(ctx, collection, key)
	if err != nil {
		m.writeMu.Unlock()
		return err
	}
	if rec.Conflict {
		m.writeMu.Unlock()
		return apperrors.New(apperrors.ErrInvalid, "record is in conflict; resolve it first")
	}
	if !rec.PendingSync {
		m.writeMu.Unlock()
		return apperrors.New(apperrors.ErrInvalid, "record has no pending changes")
	}
	rec.SyncAttempts = 0
	rec.SyncError = ""
	_, err = m.store.Put(ctx, collection, rec)
	m.writeMu.Unlock()
	if err != nil {
		return err
	}

	m.enqueue(models.SyncQueueEntry{Collection: collection, Key: key, NextAttemptAt: m.now()})
	m.scheduler.TriggerDrain()
	return nil
}

// RetryAll queues every pending, non-conflicted record and returns how many.
func (m *Manager) RetryAll(ctx context.Context) (int, error) {
	n := 0
	for _, collection := range m.pushCollections() {
		records, err := m.store.Query(ctx, collection, func(r *models.Record) bool {
			return r.PendingSync && !r.Conflict
		})
		if err != nil {
			return n, err
		}
		for _, rec := range records {
			if err := m.Retry(ctx, collection, rec.Key); err != nil {
				return n, err
			}
			n++
		}
	}
	return n, nil
}

// PendingCount returns the number of records with unsynced changes.
func (m *Manager) PendingCount(ctx context.Context) (int, error) {
	n := 0
	for _, collection := range m.pushCollections() {
		records, err := m.store.Query(ctx, collection, func(r *models.Record) bool { return r.PendingSync })
		if err != nil {
			return n, err
		}
		n += len(records)
	}
	return n, nil
}

// QueueLength returns the number of queued pushes.
func (m *Manager) QueueLength() int {
	return m.queue.Size()
}

// QueueEntries lists the queued pushes, oldest first.
func (m *Manager) QueueEntries() []models.SyncQueueEntry {
	return m.queue.List()
}

// QueueEntry returns the queued push for collection/key, if any.
func (m *Manager) QueueEntry(collection, key string) (models.SyncQueueEntry, bool) {
	return m.queue.Get(collection, key)
}

// Conflicts returns the records held for manual resolution.
func (m *Manager) Conflicts(ctx context.Context) ([]*models.Record, error) {
	var out []*models.Record
	for _, collection := range m.cfg.Collections {
		records, err := m.store.Query(ctx, collection, func(r *models.Record) bool { return r.Conflict })
		if err != nil {
			return nil, err
		}
		out = append(out, records...)
	}
	return out, nil
}

// TriggerDrain asks the scheduler for a drain; it reports false while offline.
func (m *Manager) TriggerDrain() bool {
	return m.scheduler.TriggerDrain()
}

// SchedulerStatus exposes the drain scheduler state.
func (m *Manager) SchedulerStatus() scheduler.SchedulerStatus {
	return m.scheduler.GetStatus()
}
