package gateway

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/homezloco/Loco-Coder-sub003/internal/circuit"
	"github.com/homezloco/Loco-Coder-sub003/internal/credentials"
	apperrors "github.com/homezloco/Loco-Coder-sub003/internal/errors"
	"github.com/homezloco/Loco-Coder-sub003/internal/logging"
	"github.com/homezloco/Loco-Coder-sub003/internal/store"
)

var quietLog = logging.New(io.Discard, logging.LevelError)

type fakeConn struct{ online atomic.Bool }

func (c *fakeConn) IsOnline() bool { return c.online.Load() }

func newTestGateway(t *testing.T, url string, opts ...Option) *Gateway {
	t.Helper()
	cfg := Config{
		BaseURL:          url,
		Timeout:          2 * time.Second,
		MaxRetries:       2,
		BaseDelay:        time.Millisecond,
		MaxDelay:         5 * time.Millisecond,
		CircuitThreshold: 5,
		CircuitReset:     time.Minute,
	}
	opts = append([]Option{WithLogger(quietLog), WithJitter(0)}, opts...)
	return New(cfg, opts...)
}

func newMemoryStore(t *testing.T) *store.TieredStore {
	t.Helper()
	s := store.New(context.Background(), store.Config{}, store.WithLogger(quietLog))
	t.Cleanup(func() { s.Close() })
	return s
}

// statusSequence replies with each status in turn, then repeats the last one.
func statusSequence(hits *int32, statuses ...int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n := int(atomic.AddInt32(hits, 1))
		status := statuses[len(statuses)-1]
		if n <= len(statuses) {
			status = statuses[n-1]
		}
		w.WriteHeader(status)
		w.Write([]byte(`{}`))
	}
}

// TestGateway_Request_success verifies headers and body on a plain call.
func TestGateway_Request_success(t *testing.T) {
	headers := make(chan http.Header, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers <- r.Header.Clone()
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	g := newTestGateway(t, srv.URL, WithCredentials(credentials.Static("tok")))
	resp, err := g.Request(context.Background(), http.MethodPost, "/api/v1/x", []byte(`{}`))
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}

	var body struct{ OK bool }
	if err := resp.JSON(&body); err != nil || !body.OK {
		t.Errorf("JSON() = %+v, %v", body, err)
	}
	h := <-headers
	if got := h.Get("Authorization"); got != "Bearer tok" {
		t.Errorf("Authorization = %q", got)
	}
	if h.Get("X-Correlation-Id") == "" {
		t.Error("X-Correlation-Id not set")
	}
	if got := h.Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q", got)
	}
	if resp.Stale || resp.Queued {
		t.Errorf("unexpected flags %+v", resp)
	}
}

// TestGateway_Request_retriesServerErrors verifies 5xx responses are retried.
func TestGateway_Request_retriesServerErrors(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(statusSequence(&hits, 503, 500, 200))
	defer srv.Close()

	g := newTestGateway(t, srv.URL)
	resp, err := g.Request(context.Background(), http.MethodGet, "/r", nil)
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if resp.Status != 200 {
		t.Errorf("Status = %d, want 200", resp.Status)
	}
	if atomic.LoadInt32(&hits) != 3 {
		t.Errorf("hits = %d, want 3", hits)
	}
	if st := g.Stats().Circuit; st.FailureCount != 0 {
		t.Errorf("FailureCount = %d, want 0 after success", st.FailureCount)
	}
}

// TestGateway_Request_maxRetriesExceeded verifies the final error after exhausting retries.
func TestGateway_Request_maxRetriesExceeded(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(statusSequence(&hits, 502))
	defer srv.Close()

	g := newTestGateway(t, srv.URL)
	_, err := g.Request(context.Background(), http.MethodPut, "/r", []byte(`{}`))
	if apperrors.CodeOf(err) != apperrors.ErrMaxRetriesExceeded {
		t.Fatalf("error = %v, want MAX_RETRIES_EXCEEDED", err)
	}
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != 502 {
		t.Errorf("underlying error = %v, want HTTP 502", err)
	}
	if atomic.LoadInt32(&hits) != 3 {
		t.Errorf("hits = %d, want 3", hits)
	}
	if st := g.Stats().Circuit; st.FailureCount != 1 {
		t.Errorf("FailureCount = %d, want 1 per failed request", st.FailureCount)
	}
}

// TestGateway_Request_circuitFailsFast verifies an open circuit makes no network call.
func TestGateway_Request_circuitFailsFast(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(statusSequence(&hits, 500))
	defer srv.Close()

	now := time.Unix(1000, 0)
	var mu sync.Mutex
	clock := func() time.Time { mu.Lock(); defer mu.Unlock(); return now }
	breaker := circuit.New(circuit.Config{Threshold: 2, ResetTimeout: time.Minute, Now: clock})
	g := newTestGateway(t, srv.URL, WithBreaker(breaker))

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := g.Request(ctx, http.MethodPost, "/push", []byte(`{}`), WithMaxRetries(0)); err == nil {
			t.Fatal("expected failure")
		}
	}
	if !g.Stats().Circuit.IsOpen {
		t.Fatal("circuit should be open after threshold failures")
	}

	before := atomic.LoadInt32(&hits)
	_, err := g.Request(ctx, http.MethodPost, "/push", []byte(`{}`))
	if !apperrors.Is(err, apperrors.ErrCircuitOpen) {
		t.Fatalf("error = %v, want CIRCUIT_OPEN", err)
	}
	if atomic.LoadInt32(&hits) != before {
		t.Error("open circuit should not reach the network")
	}

	// After the reset timeout one probe goes through and re-opens on failure.
	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()
	if _, err := g.Request(ctx, http.MethodPost, "/push", []byte(`{}`), WithMaxRetries(0)); apperrors.Is(err, apperrors.ErrCircuitOpen) {
		t.Fatalf("probe should reach the remote, got %v", err)
	}
	if atomic.LoadInt32(&hits) != before+1 {
		t.Errorf("hits = %d, want one probe", hits)
	}
	if !g.Stats().Circuit.IsOpen {
		t.Error("failed probe should re-open the circuit")
	}
}

// TestGateway_Request_rateLimited verifies Retry-After is honoured and not counted as a failure.
func TestGateway_Request_rateLimited(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	g := newTestGateway(t, srv.URL)
	if _, err := g.Request(context.Background(), http.MethodGet, "/r", nil); err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if atomic.LoadInt32(&hits) != 2 {
		t.Errorf("hits = %d, want 2", hits)
	}
}

// TestGateway_Request_rateLimitExhausted verifies RATE_LIMITED surfaces with the hint.
func TestGateway_Request_rateLimitExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	g := newTestGateway(t, srv.URL)
	_, err := g.Request(context.Background(), http.MethodPost, "/r", []byte(`{}`))
	if apperrors.CodeOf(err) != apperrors.ErrRateLimited {
		t.Fatalf("error = %v, want RATE_LIMITED", err)
	}
	if _, ok := apperrors.RetryAfterOf(err); !ok {
		t.Error("RetryAfterOf() should find the hint")
	}
	if st := g.Stats().Circuit; st.FailureCount != 0 || st.IsOpen {
		t.Errorf("rate limiting should not trip the breaker: %+v", st)
	}
}

// TestGateway_Request_longRetryAfter verifies a Retry-After window longer than
// the retry budget ends the call with RATE_LIMITED instead of sleeping, so
// cached reads degrade to stale and later calls fail fast.
func TestGateway_Request_longRetryAfter(t *testing.T) {
	var hits int32
	var limited atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if limited.Load() {
			w.Header().Set("Retry-After", "60")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"v":1}`))
	}))
	defer srv.Close()

	g := newTestGateway(t, srv.URL, WithStore(newMemoryStore(t)))
	if _, err := g.Request(context.Background(), http.MethodGet, "/doc", nil); err != nil {
		t.Fatalf("first Request() error = %v", err)
	}
	limited.Store(true)

	for i := 0; i < 2; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		start := time.Now()
		resp, err := g.Request(ctx, http.MethodGet, "/doc", nil)
		cancel()
		if err != nil {
			t.Fatalf("Request() #%d error = %v, want stale response", i, err)
		}
		if !resp.Stale || string(resp.Body) != `{"v":1}` {
			t.Errorf("Request() #%d = %+v, want stale cached body", i, resp)
		}
		if elapsed := time.Since(start); elapsed > time.Second {
			t.Errorf("Request() #%d took %v, want no wait for Retry-After", i, elapsed)
		}
	}
	if got := atomic.LoadInt32(&hits); got != 2 {
		t.Errorf("hits = %d, want 2: calls inside the window must not reach the remote", got)
	}

	_, err := g.Request(context.Background(), http.MethodPost, "/r", []byte(`{}`))
	if apperrors.CodeOf(err) != apperrors.ErrRateLimited {
		t.Fatalf("write error = %v, want RATE_LIMITED", err)
	}
	if after, ok := apperrors.RetryAfterOf(err); !ok || after <= 50*time.Second {
		t.Errorf("RetryAfterOf() = %v, %v, want the remaining window", after, ok)
	}
	if st := g.Stats(); st.NextAllowedAt == nil || st.Circuit.FailureCount != 0 {
		t.Errorf("Stats() = %+v, want a rate-limit window and no breaker failures", st)
	}
}

// TestGateway_Request_clientErrors verifies non-retriable statuses.
func TestGateway_Request_clientErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		code   apperrors.ErrorCode
	}{
		{"unauthorized", http.StatusUnauthorized, apperrors.ErrAuthRequired},
		{"forbidden", http.StatusForbidden, apperrors.ErrAuthRequired},
		{"conflict", http.StatusConflict, apperrors.ErrRemoteConflict},
		{"not found", http.StatusNotFound, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hits int32
			srv := httptest.NewServer(statusSequence(&hits, tt.status))
			defer srv.Close()

			g := newTestGateway(t, srv.URL)
			_, err := g.Request(context.Background(), http.MethodPut, "/r", []byte(`{}`))
			if err == nil {
				t.Fatal("expected error")
			}
			if got := apperrors.CodeOf(err); got != tt.code {
				t.Errorf("CodeOf() = %q, want %q", got, tt.code)
			}
			var httpErr *HTTPError
			if !errors.As(err, &httpErr) || httpErr.StatusCode != tt.status {
				t.Errorf("error = %v, want HTTPError %d", err, tt.status)
			}
			if atomic.LoadInt32(&hits) != 1 {
				t.Errorf("hits = %d, want no retries", hits)
			}
			if st := g.Stats().Circuit; st.FailureCount != 0 {
				t.Errorf("FailureCount = %d, want 0", st.FailureCount)
			}
		})
	}
}

// TestGateway_Request_staleCache verifies failed reads fall back to the last good body.
func TestGateway_Request_staleCache(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"v":1}`))
	}))
	defer srv.Close()

	g := newTestGateway(t, srv.URL, WithStore(newMemoryStore(t)))
	ctx := context.Background()

	if _, err := g.Request(ctx, http.MethodGet, "/doc", nil); err != nil {
		t.Fatalf("first Request() error = %v", err)
	}

	fail.Store(true)
	resp, err := g.Request(ctx, http.MethodGet, "/doc", nil)
	if err != nil {
		t.Fatalf("Request() error = %v, want stale response", err)
	}
	if !resp.Stale || string(resp.Body) != `{"v":1}` {
		t.Errorf("resp = %+v, want stale cached body", resp)
	}

	if _, err := g.Request(ctx, http.MethodGet, "/doc", nil, WithoutCache()); err == nil {
		t.Error("WithoutCache() should not serve stale data")
	}
	if _, err := g.Request(ctx, http.MethodGet, "/other", nil); err == nil {
		t.Error("uncached path should fail")
	}
}

// TestGateway_Request_staleCacheExpired verifies entries past CacheTTL are ignored.
func TestGateway_Request_staleCacheExpired(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	now := time.Now()
	g := newTestGateway(t, srv.URL, WithStore(newMemoryStore(t)), WithClock(func() time.Time { return now }))
	g.cfg.CacheTTL = time.Hour
	ctx := context.Background()

	if _, err := g.Request(ctx, http.MethodGet, "/doc", nil); err != nil {
		t.Fatal(err)
	}
	fail.Store(true)
	now = now.Add(2 * time.Hour)
	if _, err := g.Request(ctx, http.MethodGet, "/doc", nil, WithMaxRetries(0)); err == nil {
		t.Error("expired cache entry should not be served")
	}
}

// TestGateway_Request_offline verifies no network call is made while offline.
func TestGateway_Request_offline(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(statusSequence(&hits, 200))
	defer srv.Close()

	conn := &fakeConn{}
	g := newTestGateway(t, srv.URL, WithConnectivity(conn))

	var queued []QueuedRequest
	g.SetQueueHandler(func(ctx context.Context, req QueuedRequest) error {
		queued = append(queued, req)
		return nil
	})

	ctx := context.Background()
	if _, err := g.Request(ctx, http.MethodGet, "/r", nil); !apperrors.Is(err, apperrors.ErrOffline) {
		t.Errorf("GET error = %v, want OFFLINE", err)
	}
	if _, err := g.Request(ctx, http.MethodPost, "/r", []byte(`{}`)); !apperrors.Is(err, apperrors.ErrOffline) {
		t.Errorf("POST error = %v, want OFFLINE", err)
	}

	resp, err := g.Request(ctx, http.MethodPost, "/r", []byte(`{"a":1}`), WithQueueOnFailure(), WithHeader("X-Test", "1"))
	if err != nil {
		t.Fatalf("queued Request() error = %v", err)
	}
	if !resp.Queued || resp.Status != http.StatusAccepted {
		t.Errorf("resp = %+v, want queued", resp)
	}
	if len(queued) != 1 || queued[0].Path != "/r" || queued[0].Headers["X-Test"] != "1" || queued[0].ID == "" {
		t.Errorf("queued = %+v", queued)
	}
	if atomic.LoadInt32(&hits) != 0 {
		t.Errorf("hits = %d, want none while offline", hits)
	}

	conn.online.Store(true)
	if _, err := g.Request(ctx, http.MethodGet, "/r", nil); err != nil {
		t.Errorf("online Request() error = %v", err)
	}
}

// TestGateway_Request_queueAfterFailure verifies failed writes are handed off.
func TestGateway_Request_queueAfterFailure(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(statusSequence(&hits, 500))
	defer srv.Close()

	g := newTestGateway(t, srv.URL)
	var queued int
	g.SetQueueHandler(func(ctx context.Context, req QueuedRequest) error {
		queued++
		return nil
	})

	resp, err := g.Request(context.Background(), http.MethodDelete, "/r", nil, WithQueueOnFailure())
	if err != nil || !resp.Queued {
		t.Fatalf("Request() = %+v, %v, want queued", resp, err)
	}
	if queued != 1 || atomic.LoadInt32(&hits) != 3 {
		t.Errorf("queued = %d, hits = %d", queued, hits)
	}
}

// TestGateway_Request_timeout verifies a slow remote produces TIMEOUT.
func TestGateway_Request_timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	g := newTestGateway(t, srv.URL)
	_, err := g.Request(context.Background(), http.MethodGet, "/slow", nil,
		WithTimeout(20*time.Millisecond), WithMaxRetries(0))
	if apperrors.CodeOf(err) != apperrors.ErrTimeout {
		t.Errorf("error = %v, want TIMEOUT", err)
	}
}

// TestGateway_Request_cancelled verifies caller cancellation leaves the breaker alone.
func TestGateway_Request_cancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	g := newTestGateway(t, srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := g.Request(ctx, http.MethodGet, "/slow", nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want context deadline", err)
	}
	if st := g.Stats().Circuit; st.FailureCount != 0 {
		t.Errorf("FailureCount = %d, want 0", st.FailureCount)
	}
}

// TestGateway_Request_brotli verifies br-encoded bodies are decoded.
func TestGateway_Request_brotli(t *testing.T) {
	var encoded bytes.Buffer
	bw := brotli.NewWriter(&encoded)
	bw.Write([]byte(`{"compressed":true}`))
	bw.Close()

	acceptEncoding := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		acceptEncoding <- r.Header.Get("Accept-Encoding")
		w.Header().Set("Content-Encoding", "br")
		w.Write(encoded.Bytes())
	}))
	defer srv.Close()

	g := newTestGateway(t, srv.URL)
	resp, err := g.Request(context.Background(), http.MethodGet, "/r", nil)
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if string(resp.Body) != `{"compressed":true}` {
		t.Errorf("Body = %q", resp.Body)
	}
	if got := <-acceptEncoding; got != "br, gzip" {
		t.Errorf("Accept-Encoding = %q", got)
	}
}

// TestParseRetryAfter verifies both header forms.
func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", time.Second},
		{"7", 7 * time.Second},
		{"-3", 0},
		{now.Add(90 * time.Second).Format(http.TimeFormat), 90 * time.Second},
		{now.Add(-time.Minute).Format(http.TimeFormat), 0},
		{"soon", time.Second},
	}
	for _, tt := range tests {
		if got := parseRetryAfter(tt.in, now); got != tt.want {
			t.Errorf("parseRetryAfter(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

// TestGateway_backoff verifies exponential growth and the cap.
func TestGateway_backoff(t *testing.T) {
	g := New(Config{BaseDelay: time.Second, MaxDelay: 5 * time.Second}, WithLogger(quietLog), WithJitter(0))

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		if got := g.backoff(i + 1); got != w {
			t.Errorf("backoff(%d) = %v, want %v", i+1, got, w)
		}
	}

	g.jitter = time.Second
	for i := 0; i < 20; i++ {
		if d := g.backoff(1); d < time.Second || d >= 2*time.Second {
			t.Fatalf("backoff(1) with jitter = %v, want [1s,2s)", d)
		}
	}
}
