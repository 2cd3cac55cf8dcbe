// Package scheduler runs the periodic queue drain. Drains fire on a ticker
// and on demand, but only while the remote is reported reachable.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/homezloco/Loco-Coder-sub003/internal/logging"
)

// DrainFunc processes the pending queue once.
type DrainFunc func(ctx context.Context)

// Scheduler manages background drain cycles.
type Scheduler struct {
	drain         DrainFunc
	drainInterval time.Duration
	log           *logging.Logger

	triggerCh chan struct{}
	stopCh    chan struct{}
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	mu              sync.RWMutex
	isRunning       bool
	isOnline        bool
	lastDrainTime   time.Time
	drainInProgress bool
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	DrainInterval time.Duration // How often to drain while online (default: 30 seconds)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		DrainInterval: 30 * time.Second,
	}
}

// NewScheduler creates a stopped Scheduler. It starts offline.
func NewScheduler(drain DrainFunc, config *SchedulerConfig) *Scheduler {
	if config == nil || config.DrainInterval <= 0 {
		config = DefaultSchedulerConfig()
	}

	return &Scheduler{
		drain:         drain,
		drainInterval: config.DrainInterval,
		log:           logging.Component("scheduler"),
		triggerCh:     make(chan struct{}, 1),
	}
}

// Start starts the drain loop. It is a no-op if already running.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopCh = make(chan struct{})
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(loopCtx)

	s.log.Info("Background drain scheduler started", map[string]interface{}{
		"interval_seconds": s.drainInterval.Seconds(),
	})
}

// Stop cancels any drain in progress and waits for the loop to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopCh)
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()

	s.log.Info("Background drain scheduler stopped", nil)
}

// SetOnlineStatus gates drains. Going online triggers an immediate drain.
func (s *Scheduler) SetOnlineStatus(isOnline bool) {
	s.mu.Lock()
	wasOnline := s.isOnline
	s.isOnline = isOnline
	s.mu.Unlock()

	if wasOnline != isOnline {
		s.log.Info("Online status changed", map[string]interface{}{
			"was_online": wasOnline,
			"is_online":  isOnline,
		})
	}
	if isOnline && !wasOnline {
		s.TriggerDrain()
	}
}

// TriggerDrain asks for a drain as soon as possible. Requests made while a
// drain is pending or running coalesce into one follow-up drain. It reports
// false when offline.
func (s *Scheduler) TriggerDrain() bool {
	if !s.IsOnline() {
		return false
	}
	select {
	case s.triggerCh <- struct{}{}:
	default:
	}
	return true
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.drainInterval)
	defer ticker.Stop()

	s.mu.RLock()
	stopCh := s.stopCh
	s.mu.RUnlock()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			s.runDrain(ctx)
		case <-s.triggerCh:
			s.runDrain(ctx)
		}
	}
}

// runDrain executes one drain if online. Drains never overlap since only the
// loop goroutine calls it.
func (s *Scheduler) runDrain(ctx context.Context) {
	if !s.IsOnline() {
		s.log.Debug("Skipping drain - scheduler is offline", nil)
		return
	}

	s.mu.Lock()
	s.drainInProgress = true
	s.mu.Unlock()

	s.drain(ctx)

	s.mu.Lock()
	s.drainInProgress = false
	s.lastDrainTime = time.Now()
	s.mu.Unlock()
}

// SchedulerStatus is a snapshot of the scheduler.
type SchedulerStatus struct {
	IsRunning       bool       `json:"is_running"`
	IsOnline        bool       `json:"is_online"`
	LastDrainTime   *time.Time `json:"last_drain_time,omitempty"`
	DrainInProgress bool       `json:"drain_in_progress"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() SchedulerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := SchedulerStatus{
		IsRunning:       s.isRunning,
		IsOnline:        s.isOnline,
		DrainInProgress: s.drainInProgress,
	}
	if !s.lastDrainTime.IsZero() {
		t := s.lastDrainTime
		status.LastDrainTime = &t
	}
	return status
}

// IsOnline returns whether drains are currently allowed.
func (s *Scheduler) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOnline
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
