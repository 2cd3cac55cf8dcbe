package connectivity

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/homezloco/Loco-Coder-sub003/internal/events"
	"github.com/homezloco/Loco-Coder-sub003/internal/logging"
)

var quiet = WithLogger(logging.New(io.Discard, logging.LevelError))

// flakyServer answers probes while up is set and hijacks-and-closes otherwise.
type flakyServer struct {
	*httptest.Server
	up    atomic.Bool
	hits  atomic.Int32
	paths sync.Map
}

func newFlakyServer(t *testing.T, status int) *flakyServer {
	t.Helper()
	fs := &flakyServer{}
	fs.up.Store(true)
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.hits.Add(1)
		fs.paths.Store(r.Method+" "+r.URL.Path, true)
		if !fs.up.Load() {
			conn, _, err := w.(http.Hijacker).Hijack()
			if err == nil {
				conn.Close()
			}
			return
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(fs.Close)
	return fs
}

type stateLog struct {
	mu     sync.Mutex
	states []State
}

func (l *stateLog) add(s State) {
	l.mu.Lock()
	l.states = append(l.states, s)
	l.mu.Unlock()
}

func (l *stateLog) onlineSeq() []bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []bool
	for _, s := range l.states {
		out = append(out, s.IsOnline)
	}
	return out
}

// TestMonitor_initialState verifies the monitor starts offline.
func TestMonitor_initialState(t *testing.T) {
	m := New(Config{BaseURL: "http://127.0.0.1:1"}, quiet)
	s := m.State()
	if s.IsOnline || s.Source != SourceInitial {
		t.Errorf("State() = %+v, want offline/initial", s)
	}
}

// TestMonitor_anyResponseIsSuccess verifies HTTP error statuses still prove reachability.
func TestMonitor_anyResponseIsSuccess(t *testing.T) {
	srv := newFlakyServer(t, http.StatusServiceUnavailable)
	m := New(Config{BaseURL: srv.URL}, quiet)

	if !m.CheckNow(context.Background()) {
		t.Fatal("CheckNow() = false, want true on a 503 response")
	}
	if _, ok := srv.paths.Load("HEAD /health"); !ok {
		t.Error("expected a HEAD probe to /health")
	}
	if s := m.State(); s.Source != SourceActiveProbe || s.ConsecutiveSuccesses != 1 {
		t.Errorf("State() = %+v", s)
	}
}

// TestMonitor_debounce verifies one success goes online and two failures go offline.
func TestMonitor_debounce(t *testing.T) {
	srv := newFlakyServer(t, http.StatusOK)
	m := New(Config{BaseURL: srv.URL, Timeout: time.Second}, quiet)
	ctx := context.Background()

	if !m.CheckNow(ctx) {
		t.Fatal("first success should go online")
	}

	srv.up.Store(false)
	if !m.CheckNow(ctx) {
		t.Error("a single failure must not go offline")
	}
	if m.CheckNow(ctx) {
		t.Error("second consecutive failure should go offline")
	}
	if s := m.State(); s.ConsecutiveFailures != 2 {
		t.Errorf("ConsecutiveFailures = %d, want 2", s.ConsecutiveFailures)
	}
	// Both endpoints were tried on each failing cycle.
	if _, ok := srv.paths.Load("HEAD /api/health"); !ok {
		t.Error("fallback endpoint was not probed")
	}
}

// TestMonitor_subscribe verifies an immediate call and then one call per transition.
func TestMonitor_subscribe(t *testing.T) {
	srv := newFlakyServer(t, http.StatusOK)
	bus := events.NewBus()
	var published []events.Event
	var pubMu sync.Mutex
	bus.Subscribe(func(e events.Event) {
		pubMu.Lock()
		published = append(published, e)
		pubMu.Unlock()
	})

	m := New(Config{BaseURL: srv.URL, Timeout: time.Second}, quiet, WithPublisher(bus))
	var log stateLog
	unsubscribe := m.Subscribe(log.add)
	ctx := context.Background()

	m.CheckNow(ctx) // online
	m.CheckNow(ctx) // still online, no call
	srv.up.Store(false)
	m.CheckNow(ctx) // one failure, no call
	m.CheckNow(ctx) // offline

	unsubscribe()
	srv.up.Store(true)
	m.CheckNow(ctx) // online, not delivered

	got := log.onlineSeq()
	want := []bool{false, true, false}
	if len(got) != len(want) {
		t.Fatalf("listener calls = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("listener calls = %v, want %v", got, want)
		}
	}

	bus.Close()
	if len(published) != 3 {
		t.Errorf("published %d connectivity events, want 3", len(published))
	}
}

// TestMonitor_forceOnlineOverride verifies the override and its reversal by probes.
func TestMonitor_forceOnlineOverride(t *testing.T) {
	srv := newFlakyServer(t, http.StatusOK)
	srv.up.Store(false)
	m := New(Config{BaseURL: srv.URL, Timeout: time.Second}, quiet)

	m.ForceOnlineOverride()
	if s := m.State(); !s.IsOnline || s.Source != SourceForcedOverride {
		t.Fatalf("State() = %+v", s)
	}

	ctx := context.Background()
	if !m.CheckNow(ctx) {
		t.Error("one failed probe should not undo the override")
	}
	if m.CheckNow(ctx) {
		t.Error("probes should override the forced state")
	}
}

// TestMonitor_linkEvents verifies offline flips immediately and online only probes.
func TestMonitor_linkEvents(t *testing.T) {
	srv := newFlakyServer(t, http.StatusOK)
	m := New(Config{BaseURL: srv.URL, Timeout: time.Second}, quiet)
	ctx := context.Background()
	m.CheckNow(ctx)

	m.HandleLinkEvent(false)
	if s := m.State(); s.IsOnline || s.Source != SourceLinkEvent {
		t.Fatalf("State() after link down = %+v", s)
	}

	before := srv.hits.Load()
	m.HandleLinkEvent(true)
	m.Stop() // waits for the triggered probe

	if srv.hits.Load() == before {
		t.Error("link up should trigger a probe")
	}
	if !m.IsOnline() {
		t.Error("successful probe after link up should go online")
	}
}

// TestMonitor_linkUpWithoutReachability verifies link up alone does not go online.
func TestMonitor_linkUpWithoutReachability(t *testing.T) {
	srv := newFlakyServer(t, http.StatusOK)
	srv.up.Store(false)
	m := New(Config{BaseURL: srv.URL, Timeout: time.Second}, quiet)

	m.HandleLinkEvent(true)
	m.Stop()
	if m.IsOnline() {
		t.Error("link up with an unreachable remote must stay offline")
	}
}

// TestMonitor_StartStop verifies Start probes immediately and Stop ends the loop.
func TestMonitor_StartStop(t *testing.T) {
	srv := newFlakyServer(t, http.StatusOK)
	m := New(Config{BaseURL: srv.URL, Interval: 10 * time.Millisecond, Timeout: time.Second}, quiet)

	online := make(chan struct{})
	var once sync.Once
	m.Subscribe(func(s State) {
		if s.IsOnline {
			once.Do(func() { close(online) })
		}
	})

	m.Start(context.Background())
	m.Start(context.Background())
	select {
	case <-online:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not go online after Start")
	}
	m.Stop()
	m.Stop()

	hits := srv.hits.Load()
	time.Sleep(50 * time.Millisecond)
	if srv.hits.Load() != hits {
		t.Error("probes continued after Stop")
	}
}

// TestMonitor_cancelledProbeNotCounted verifies a cancelled cycle leaves counters alone.
func TestMonitor_cancelledProbeNotCounted(t *testing.T) {
	m := New(Config{BaseURL: "http://127.0.0.1:1"}, quiet)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m.CheckNow(ctx)
	if s := m.State(); s.ConsecutiveFailures != 0 || s.Source != SourceInitial {
		t.Errorf("State() = %+v, want untouched", s)
	}
}
