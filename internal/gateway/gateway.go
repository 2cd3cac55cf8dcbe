// Package gateway is the single path for outbound calls to the remote. It
// layers timeouts, retry with backoff, Retry-After cooperation, a circuit
// breaker, a stale-read cache and queue hand-off over net/http.
package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/homezloco/Loco-Coder-sub003/internal/circuit"
	"github.com/homezloco/Loco-Coder-sub003/internal/credentials"
	apperrors "github.com/homezloco/Loco-Coder-sub003/internal/errors"
	"github.com/homezloco/Loco-Coder-sub003/internal/logging"
	"github.com/homezloco/Loco-Coder-sub003/internal/metrics"
	"github.com/homezloco/Loco-Coder-sub003/internal/models"
	"github.com/homezloco/Loco-Coder-sub003/internal/uuid"
)

// Store is the subset of the tiered store used for the response cache.
type Store interface {
	Put(ctx context.Context, collection string, rec *models.Record) (*models.Record, error)
	Get(ctx context.Context, collection, key string) (*models.Record, error)
}

// Connectivity reports whether the remote is reachable.
type Connectivity interface {
	IsOnline() bool
}

// QueuedRequest is a mutating call handed off after it could not be delivered.
type QueuedRequest struct {
	ID       string            `json:"id"`
	Method   string            `json:"method"`
	Path     string            `json:"path"`
	Body     []byte            `json:"body,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
	QueuedAt time.Time         `json:"queued_at"`
}

// QueueHandler persists a request for later replay.
type QueueHandler func(ctx context.Context, req QueuedRequest) error

// Config tunes retries and caching.
type Config struct {
	BaseURL    string
	Timeout    time.Duration // per attempt, default 30s
	MaxRetries int           // retries after the first attempt, default 3
	BaseDelay  time.Duration // default 1s
	MaxDelay   time.Duration // default 30s
	CacheTTL   time.Duration // default 24h

	CircuitThreshold uint32
	CircuitReset     time.Duration
}

// Response is a completed call.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
	// Stale marks a cached body served because the remote could not be reached.
	Stale bool
	// Queued marks a mutating call accepted for later delivery.
	Queued bool
}

// Stats is the gateway state exposed to status views.
type Stats struct {
	Circuit       circuit.State `json:"circuit"`
	NextAllowedAt *time.Time    `json:"next_allowed_at,omitempty"`
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(c *http.Client) Option {
	return func(g *Gateway) { g.client = c }
}

// WithCredentials sets the bearer token source.
func WithCredentials(p credentials.Provider) Option {
	return func(g *Gateway) { g.creds = p }
}

// WithStore enables the GET response cache.
func WithStore(s Store) Option {
	return func(g *Gateway) { g.store = s }
}

// WithConnectivity skips network attempts while the monitor reports offline.
func WithConnectivity(c Connectivity) Option {
	return func(g *Gateway) { g.conn = c }
}

// WithBreaker shares an existing breaker.
func WithBreaker(b *circuit.Breaker) Option {
	return func(g *Gateway) { g.breaker = b }
}

// WithMetrics reports request outcomes and circuit state.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithLogger overrides the component logger.
func WithLogger(l *logging.Logger) Option {
	return func(g *Gateway) { g.log = l }
}

// WithJitter sets the upper bound of the random delay added to each backoff.
func WithJitter(d time.Duration) Option {
	return func(g *Gateway) { g.jitter = d }
}

// WithClock overrides time.Now for cache ages and rate-limit windows.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// Gateway issues requests to the remote.
type Gateway struct {
	cfg     Config
	client  *http.Client
	creds   credentials.Provider
	store   Store
	conn    Connectivity
	breaker *circuit.Breaker
	metrics *metrics.Metrics
	log     *logging.Logger
	jitter  time.Duration
	now     func() time.Time

	mu            sync.Mutex
	nextAllowedAt time.Time
	queueHandler  QueueHandler
}

// New creates a Gateway for cfg.BaseURL.
func New(cfg Config, opts ...Option) *Gateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 24 * time.Hour
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	g := &Gateway{
		cfg:    cfg,
		client: &http.Client{},
		creds:  credentials.None,
		log:    logging.Component("gateway"),
		jitter: time.Second,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.breaker == nil {
		g.breaker = circuit.New(circuit.Config{
			Threshold:     cfg.CircuitThreshold,
			ResetTimeout:  cfg.CircuitReset,
			OnStateChange: g.onCircuitChange,
		})
	}
	return g
}

func (g *Gateway) onCircuitChange(open bool) {
	g.metrics.SetCircuitOpen(open)
	if open {
		g.log.Warn("circuit breaker opened", nil)
	} else {
		g.log.Info("circuit breaker closed", nil)
	}
}

// SetQueueHandler registers where undeliverable mutating calls go.
func (g *Gateway) SetQueueHandler(h QueueHandler) {
	g.mu.Lock()
	g.queueHandler = h
	g.mu.Unlock()
}

// Breaker exposes the circuit breaker for status views and debug resets.
func (g *Gateway) Breaker() *circuit.Breaker {
	return g.breaker
}

// Stats returns the circuit and rate-limit state.
func (g *Gateway) Stats() Stats {
	s := Stats{Circuit: g.breaker.State()}
	g.mu.Lock()
	if g.nextAllowedAt.After(g.now()) {
		t := g.nextAllowedAt
		s.NextAllowedAt = &t
	}
	g.mu.Unlock()
	return s
}

type requestOptions struct {
	timeout        time.Duration
	maxRetries     int
	queueOnFailure bool
	useCache       bool
	headers        map[string]string
}

// RequestOption adjusts a single call.
type RequestOption func(*requestOptions)

// WithTimeout overrides the per-attempt timeout.
func WithTimeout(d time.Duration) RequestOption {
	return func(o *requestOptions) { o.timeout = d }
}

// WithMaxRetries overrides the retry count.
func WithMaxRetries(n int) RequestOption {
	return func(o *requestOptions) { o.maxRetries = n }
}

// WithQueueOnFailure hands an undeliverable mutating call to the queue handler
// instead of returning an error.
func WithQueueOnFailure() RequestOption {
	return func(o *requestOptions) { o.queueOnFailure = true }
}

// WithoutCache bypasses the response cache for a read.
func WithoutCache() RequestOption {
	return func(o *requestOptions) { o.useCache = false }
}

// WithHeader sets an extra request header.
func WithHeader(key, value string) RequestOption {
	return func(o *requestOptions) { o.headers[key] = value }
}

func isRead(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

// Request performs method on path. Reads that cannot reach the remote are
// served from cache with Stale set; mutating calls made WithQueueOnFailure are
// queued with Queued set. Everything else surfaces an AppError.
func (g *Gateway) Request(ctx context.Context, method, path string, body []byte, opts ...RequestOption) (*Response, error) {
	ro := requestOptions{
		timeout:    g.cfg.Timeout,
		maxRetries: g.cfg.MaxRetries,
		useCache:   g.store != nil,
		headers:    make(map[string]string),
	}
	for _, opt := range opts {
		opt(&ro)
	}
	if g.store == nil {
		ro.useCache = false
	}

	if g.conn != nil && !g.conn.IsOnline() {
		return g.fallback(ctx, method, path, body, ro, apperrors.New(apperrors.ErrOffline, "remote is unreachable"), "offline")
	}

	if wait := g.untilAllowed(); wait > 0 {
		if !g.canWait(ctx, wait) {
			return g.fallback(ctx, method, path, body, ro, apperrors.RateLimited(wait, nil), "rate_limited")
		}
		if err := waitWithContext(ctx, wait); err != nil {
			g.metrics.IncGatewayRequest("cancelled")
			return nil, err
		}
	}

	if err := g.breaker.Allow(); err != nil {
		g.metrics.IncGatewayRequest("circuit_open")
		return nil, err
	}

	resp, err := g.attempt(ctx, method, path, body, ro)
	if err == nil {
		g.breaker.RecordSuccess()
		if isRead(method) && ro.useCache {
			g.cacheResponse(ctx, path, resp)
		}
		g.metrics.IncGatewayRequest("success")
		return resp, nil
	}

	var final *finalError
	if !errors.As(err, &final) {
		// Cancelled by the caller: no verdict on the remote.
		g.breaker.Release()
		g.metrics.IncGatewayRequest("cancelled")
		return nil, err
	}

	if final.reachable {
		g.breaker.RecordSuccess()
		g.metrics.IncGatewayRequest(final.outcome)
		return nil, final.err
	}

	if apperrors.Is(final.err, apperrors.ErrRateLimited) {
		g.breaker.Release()
	} else {
		g.breaker.RecordFailure()
	}
	g.log.Warn("request failed after retries", map[string]interface{}{
		"method": method,
		"path":   path,
		"error":  final.err.Error(),
	})
	return g.fallback(ctx, method, path, body, ro, final.err, final.outcome)
}

// finalError is the verdict after all attempts.
type finalError struct {
	err     error
	outcome string
	// reachable means the remote answered with a non-retriable status.
	reachable bool
}

func (e *finalError) Error() string { return e.err.Error() }

// attempt runs the retry loop. It returns a *finalError unless the caller's
// context ended first.
func (g *Gateway) attempt(ctx context.Context, method, path string, body []byte, ro requestOptions) (*Response, error) {
	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= ro.maxRetries; attempt++ {
		if attempt > 0 {
			delay := g.backoff(attempt)
			if wait := g.untilAllowed(); wait > delay {
				if !g.canWait(ctx, wait) {
					if !apperrors.Is(lastErr, apperrors.ErrRateLimited) {
						lastErr = apperrors.RateLimited(wait, lastErr)
					}
					return nil, &finalError{err: lastErr, outcome: "rate_limited"}
				}
				delay = wait
			}
			if err := waitWithContext(ctx, delay); err != nil {
				return nil, err
			}
		}
		attempts++

		resp, err := g.do(ctx, method, path, body, ro)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = classifyTransportError(err)
			continue
		}

		switch status := resp.Status; {
		case status >= 200 && status <= 299:
			return resp, nil

		case status == http.StatusTooManyRequests:
			retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"), g.now())
			g.setNextAllowed(g.now().Add(retryAfter))
			lastErr = apperrors.RateLimited(retryAfter, newHTTPError(resp))

		case status == http.StatusRequestTimeout || status >= 500:
			lastErr = newHTTPError(resp)

		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			return nil, &finalError{
				err:       apperrors.Wrap(apperrors.ErrAuthRequired, "remote rejected credentials", newHTTPError(resp)),
				outcome:   "auth_required",
				reachable: true,
			}

		case status == http.StatusConflict:
			return nil, &finalError{
				err:       apperrors.Wrap(apperrors.ErrRemoteConflict, "remote reported a conflict", newHTTPError(resp)),
				outcome:   "conflict",
				reachable: true,
			}

		default:
			return nil, &finalError{err: newHTTPError(resp), outcome: "http_error", reachable: true}
		}
	}

	if apperrors.Is(lastErr, apperrors.ErrRateLimited) {
		return nil, &finalError{err: lastErr, outcome: "rate_limited"}
	}
	if attempts == 1 {
		return nil, &finalError{err: lastErr, outcome: "failed"}
	}
	return nil, &finalError{
		err:     apperrors.Wrap(apperrors.ErrMaxRetriesExceeded, fmt.Sprintf("gave up after %d attempts", attempts), lastErr),
		outcome: "failed",
	}
}

// do performs one HTTP exchange under the per-attempt timeout.
func (g *Gateway) do(ctx context.Context, method, path string, body []byte, ro requestOptions) (*Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, ro.timeout)
	defer cancel()

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(attemptCtx, method, g.cfg.BaseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "br, gzip")
	req.Header.Set("X-Correlation-Id", uuid.New())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := g.creds.Token(ctx); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for key, value := range ro.headers {
		req.Header.Set(key, value)
	}

	httpResp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	payload, err := readBody(httpResp)
	if err != nil {
		return nil, err
	}
	return &Response{Status: httpResp.StatusCode, Header: httpResp.Header, Body: payload}, nil
}

func classifyTransportError(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return apperrors.Wrap(apperrors.ErrTimeout, "request timed out", err)
	}
	return err
}

// backoff returns base*2^(attempt-1) plus jitter, capped at MaxDelay.
func (g *Gateway) backoff(attempt int) time.Duration {
	delay := g.cfg.BaseDelay
	for i := 1; i < attempt && delay < g.cfg.MaxDelay; i++ {
		delay *= 2
	}
	if g.jitter > 0 {
		delay += time.Duration(rand.Int63n(int64(g.jitter)))
	}
	if delay > g.cfg.MaxDelay {
		delay = g.cfg.MaxDelay
	}
	return delay
}

func (g *Gateway) setNextAllowed(t time.Time) {
	g.mu.Lock()
	if t.After(g.nextAllowedAt) {
		g.nextAllowedAt = t
	}
	g.mu.Unlock()
}

func (g *Gateway) untilAllowed() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.nextAllowedAt.Sub(g.now())
}

// canWait reports whether a Retry-After window is short enough to sit out
// inside one call: no longer than MaxDelay and within the caller's deadline.
// Longer windows surface as RATE_LIMITED so reads can go stale and writes can
// queue.
func (g *Gateway) canWait(ctx context.Context, wait time.Duration) bool {
	if wait > g.cfg.MaxDelay {
		return false
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= wait {
		return false
	}
	return true
}

// fallback serves a stale read or queues a write, else returns cause.
func (g *Gateway) fallback(ctx context.Context, method, path string, body []byte, ro requestOptions, cause error, outcome string) (*Response, error) {
	if isRead(method) {
		if ro.useCache {
			if resp := g.staleResponse(ctx, path); resp != nil {
				g.metrics.IncGatewayRequest("stale")
				return resp, nil
			}
		}
		g.metrics.IncGatewayRequest(outcome)
		return nil, cause
	}

	g.mu.Lock()
	handler := g.queueHandler
	g.mu.Unlock()
	if !ro.queueOnFailure || handler == nil {
		g.metrics.IncGatewayRequest(outcome)
		return nil, cause
	}

	queued := QueuedRequest{
		ID:       uuid.New(),
		Method:   method,
		Path:     path,
		Body:     body,
		Headers:  ro.headers,
		QueuedAt: g.now(),
	}
	if err := handler(ctx, queued); err != nil {
		g.log.Error("failed to queue request", err, map[string]interface{}{"method": method, "path": path})
		g.metrics.IncGatewayRequest(outcome)
		return nil, cause
	}
	g.log.Info("request queued for later delivery", map[string]interface{}{
		"id":     queued.ID,
		"method": method,
		"path":   path,
		"reason": string(apperrors.CodeOf(cause)),
	})
	g.metrics.IncGatewayRequest("queued")
	return &Response{Status: http.StatusAccepted, Queued: true}, nil
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
