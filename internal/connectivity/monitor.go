// Package connectivity determines whether the remote is actually reachable
// by probing its health endpoints, debouncing the results so a single lost
// probe does not flip the application offline.
package connectivity

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/homezloco/Loco-Coder-sub003/internal/events"
	"github.com/homezloco/Loco-Coder-sub003/internal/logging"
	"github.com/homezloco/Loco-Coder-sub003/internal/metrics"
)

// Source records what last decided the state.
type Source string

const (
	SourceInitial        Source = "initial"
	SourceLinkEvent      Source = "link_event"
	SourceActiveProbe    Source = "active_probe"
	SourceForcedOverride Source = "forced_override"
)

// State is a snapshot of the monitor.
type State struct {
	IsOnline             bool      `json:"is_online"`
	ConsecutiveSuccesses uint32    `json:"consecutive_successes"`
	ConsecutiveFailures  uint32    `json:"consecutive_failures"`
	LastChecked          time.Time `json:"last_checked"`
	Source               Source    `json:"source"`
}

// Config holds probe settings.
type Config struct {
	BaseURL           string
	Endpoints         []string      // default: /health, /api/health
	Interval          time.Duration // default: 30s
	Timeout           time.Duration // per endpoint, default: 5s
	RequiredSuccesses uint32        // default: 1
	RequiredFailures  uint32        // default: 2
}

// DefaultEndpoints are probed in order when Config.Endpoints is empty.
var DefaultEndpoints = []string{"/health", "/api/health"}

// Option configures a Monitor.
type Option func(*Monitor)

func WithPublisher(p events.Publisher) Option {
	return func(m *Monitor) { m.publisher = p }
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Monitor) { m.metrics = mt }
}

func WithLogger(l *logging.Logger) Option {
	return func(m *Monitor) { m.log = l }
}

// WithHTTPClient overrides the probe client.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Monitor) { m.client = c }
}

// Monitor tracks reachability of the remote. It starts offline until the
// first probe succeeds.
type Monitor struct {
	cfg       Config
	client    *http.Client
	publisher events.Publisher
	metrics   *metrics.Metrics
	log       *logging.Logger

	// notifyMu orders state changes with listener delivery.
	notifyMu  sync.Mutex
	mu        sync.Mutex
	state     State
	listeners map[uint64]func(State)
	nextID    uint64

	// probeMu serializes probe cycles.
	probeMu sync.Mutex

	runMu     sync.Mutex
	isRunning bool
	baseCtx   context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New creates a Monitor. Call Start to begin the probe loop.
func New(cfg Config, opts ...Option) *Monitor {
	if len(cfg.Endpoints) == 0 {
		cfg.Endpoints = DefaultEndpoints
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.RequiredSuccesses == 0 {
		cfg.RequiredSuccesses = 1
	}
	if cfg.RequiredFailures == 0 {
		cfg.RequiredFailures = 2
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	m := &Monitor{
		cfg:       cfg,
		publisher: events.Discard,
		log:       logging.Component("connectivity"),
		state:     State{Source: SourceInitial},
		listeners: make(map[uint64]func(State)),
		baseCtx:   context.Background(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.client == nil {
		m.client = &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	m.metrics.SetOnline(false)
	return m
}

// State returns the current state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsOnline reports whether the remote is currently considered reachable.
func (m *Monitor) IsOnline() bool {
	return m.State().IsOnline
}

// Subscribe calls fn with the current state right away and again on every
// online/offline transition. Listeners run synchronously in transition order
// and must not call CheckNow, HandleLinkEvent or ForceOnlineOverride.
func (m *Monitor) Subscribe(fn func(State)) (unsubscribe func()) {
	m.notifyMu.Lock()
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	current := m.state
	m.mu.Unlock()
	fn(current)
	m.notifyMu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// apply mutates the state and notifies listeners if IsOnline changed.
func (m *Monitor) apply(update func(s *State)) State {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	wasOnline := m.state.IsOnline
	update(&m.state)
	current := m.state
	var listeners []func(State)
	if current.IsOnline != wasOnline {
		for _, fn := range m.listeners {
			listeners = append(listeners, fn)
		}
	}
	m.mu.Unlock()

	if current.IsOnline == wasOnline {
		return current
	}

	m.log.Info("connectivity changed", map[string]interface{}{
		"is_online": current.IsOnline,
		"source":    string(current.Source),
	})
	m.metrics.SetOnline(current.IsOnline)
	m.publisher.Publish(events.ConnectivityChanged(current.IsOnline))
	for _, fn := range listeners {
		fn(current)
	}
	return current
}

// CheckNow runs one probe cycle and returns the resulting online state. A
// cycle interrupted by ctx is not counted.
func (m *Monitor) CheckNow(ctx context.Context) bool {
	m.probeMu.Lock()
	defer m.probeMu.Unlock()

	ok := m.probe(ctx)
	if ctx.Err() != nil {
		return m.IsOnline()
	}
	return m.recordProbe(ok).IsOnline
}

func (m *Monitor) recordProbe(ok bool) State {
	return m.apply(func(s *State) {
		s.LastChecked = time.Now()
		s.Source = SourceActiveProbe
		if ok {
			s.ConsecutiveSuccesses++
			s.ConsecutiveFailures = 0
			if !s.IsOnline && s.ConsecutiveSuccesses >= m.cfg.RequiredSuccesses {
				s.IsOnline = true
			}
			return
		}
		s.ConsecutiveFailures++
		s.ConsecutiveSuccesses = 0
		if s.IsOnline && s.ConsecutiveFailures >= m.cfg.RequiredFailures {
			s.IsOnline = false
		}
	})
}

// probe tries each endpoint in order. Any HTTP response, including error
// statuses, proves reachability.
func (m *Monitor) probe(ctx context.Context) bool {
	for _, endpoint := range m.cfg.Endpoints {
		if m.probeEndpoint(ctx, m.cfg.BaseURL+endpoint) {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
	}
	return false
}

func (m *Monitor) probeEndpoint(ctx context.Context, url string) bool {
	reqCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodHead, url, nil)
	if err != nil {
		return false
	}
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := m.client.Do(req)
	if err != nil {
		m.log.Debug("health probe failed", map[string]interface{}{"url": url, "error": err.Error()})
		return false
	}
	resp.Body.Close()
	return true
}

// ForceOnlineOverride marks the remote reachable and clears the counters.
// The next probe cycle may override it.
func (m *Monitor) ForceOnlineOverride() {
	m.apply(func(s *State) {
		s.IsOnline = true
		s.ConsecutiveSuccesses = 0
		s.ConsecutiveFailures = 0
		s.Source = SourceForcedOverride
	})
}

// HandleLinkEvent reacts to link-layer changes. Losing the link flips the
// state offline at once; regaining it clears the failure count and probes
// immediately, leaving the probe to decide.
func (m *Monitor) HandleLinkEvent(online bool) {
	if !online {
		m.apply(func(s *State) {
			s.IsOnline = false
			s.ConsecutiveSuccesses = 0
			s.ConsecutiveFailures = 0
			s.Source = SourceLinkEvent
		})
		return
	}

	m.apply(func(s *State) {
		s.ConsecutiveFailures = 0
	})

	m.runMu.Lock()
	ctx := m.baseCtx
	m.wg.Add(1)
	m.runMu.Unlock()
	go func() {
		defer m.wg.Done()
		m.CheckNow(ctx)
	}()
}

// Start begins probing immediately and then on every interval.
func (m *Monitor) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.isRunning {
		return
	}
	m.isRunning = true
	m.baseCtx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(1)
	go m.loop(m.baseCtx)

	m.log.Info("connectivity monitor started", map[string]interface{}{
		"endpoints": m.cfg.Endpoints,
		"interval":  m.cfg.Interval.String(),
	})
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()

	m.CheckNow(ctx)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckNow(ctx)
		}
	}
}

// Stop cancels the probe loop and waits for in-flight probes.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	if !m.isRunning {
		m.runMu.Unlock()
		m.wg.Wait()
		return
	}
	m.isRunning = false
	m.cancel()
	m.runMu.Unlock()

	m.wg.Wait()
	m.log.Info("connectivity monitor stopped", nil)
}
