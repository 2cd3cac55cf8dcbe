// Integration tests for offline operation: records written without network
// survive restarts and reach the remote once it becomes reachable.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/homezloco/Loco-Coder-sub003/internal/connectivity"
	"github.com/homezloco/Loco-Coder-sub003/internal/gateway"
	"github.com/homezloco/Loco-Coder-sub003/internal/logging"
	"github.com/homezloco/Loco-Coder-sub003/internal/models"
	"github.com/homezloco/Loco-Coder-sub003/internal/store"
	"github.com/homezloco/Loco-Coder-sub003/internal/sync"
)

var quietLog = logging.New(io.Discard, logging.LevelError)

// remoteServer is an in-memory sync authority that can be taken offline.
// While down it drops every connection without answering.
type remoteServer struct {
	*httptest.Server

	up    atomic.Bool
	mu    gosync.Mutex
	docs  map[string]sync.RemoteDoc
	clock int64
	posts int
}

func newRemoteServer(t *testing.T) *remoteServer {
	t.Helper()
	rs := &remoteServer{docs: make(map[string]sync.RemoteDoc), clock: 1000}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /api/v1/sync/{collection}/{key}", func(w http.ResponseWriter, r *http.Request) {
		rs.mu.Lock()
		doc, ok := rs.docs[r.PathValue("collection")+"/"+r.PathValue("key")]
		rs.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(doc)
	})
	mux.HandleFunc("PUT /api/v1/sync/{collection}/{key}", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Key     string `json:"key"`
			Content []byte `json:"content"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		rs.mu.Lock()
		rs.clock++
		doc := sync.RemoteDoc{Key: body.Key, Content: body.Content, UpdatedAt: time.Unix(rs.clock, 0).UTC()}
		rs.docs[r.PathValue("collection")+"/"+r.PathValue("key")] = doc
		rs.mu.Unlock()
		json.NewEncoder(w).Encode(doc)
	})
	mux.HandleFunc("POST /api/v1/notes", func(w http.ResponseWriter, r *http.Request) {
		rs.mu.Lock()
		rs.posts++
		rs.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	})

	rs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rs.up.Load() {
			if hj, ok := w.(http.Hijacker); ok {
				if conn, _, err := hj.Hijack(); err == nil {
					conn.Close()
					return
				}
			}
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(rs.Close)
	return rs
}

func (rs *remoteServer) docCount() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.docs)
}

func (rs *remoteServer) doc(collection, key string) (sync.RemoteDoc, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	doc, ok := rs.docs[collection+"/"+key]
	return doc, ok
}

func (rs *remoteServer) postCount() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.posts
}

// node is one device: a durable store plus the sync stack on top of it.
type node struct {
	store   *store.TieredStore
	monitor *connectivity.Monitor
	gateway *gateway.Gateway
	manager *sync.Manager
}

func startNode(t *testing.T, dataDir string, rs *remoteServer) *node {
	t.Helper()
	ctx := context.Background()

	st := store.New(ctx, store.Config{DataDir: dataDir}, store.WithLogger(quietLog))
	if !st.Capabilities().TierA {
		t.Fatalf("sqlite tier unavailable, active tiers: %v", st.ActiveTiers())
	}

	monitor := connectivity.New(connectivity.Config{
		BaseURL:           rs.URL,
		Endpoints:         []string{"/health"},
		Interval:          time.Hour,
		Timeout:           time.Second,
		RequiredSuccesses: 1,
		RequiredFailures:  1,
	}, connectivity.WithLogger(quietLog))

	gw := gateway.New(gateway.Config{
		BaseURL:    rs.URL,
		Timeout:    2 * time.Second,
		MaxRetries: 1,
		BaseDelay:  10 * time.Millisecond,
		MaxDelay:   20 * time.Millisecond,
	},
		gateway.WithStore(st),
		gateway.WithConnectivity(monitor),
		gateway.WithLogger(quietLog),
		gateway.WithJitter(0),
	)

	mgr := sync.NewManager(sync.Config{DrainInterval: time.Hour}, st, sync.NewHTTPRemote(gw), monitor,
		sync.WithLogger(quietLog),
		sync.WithRequester(gw),
	)
	gw.SetQueueHandler(mgr.EnqueueRequest)

	monitor.CheckNow(ctx)
	if err := mgr.Start(ctx); err != nil {
		t.Fatalf("Failed to start manager: %v", err)
	}
	return &node{store: st, monitor: monitor, gateway: gw, manager: mgr}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// TestOfflineWritesSurviveRestart tests records saved offline are reloaded
// after a restart and pushed once the remote is reachable.
func TestOfflineWritesSurviveRestart(t *testing.T) {
	rs := newRemoteServer(t)
	dataDir := t.TempDir()
	ctx := context.Background()

	// Phase 1: write while the remote is down
	n1 := startNode(t, dataDir, rs)
	if n1.monitor.IsOnline() {
		t.Fatal("Expected to start offline")
	}
	for i := 0; i < 3; i++ {
		res, err := n1.manager.Save(ctx, &models.Record{
			Key:     fmt.Sprintf("notes/%d.md", i),
			Payload: []byte(fmt.Sprintf("offline note %d", i)),
		}, true)
		if err != nil {
			t.Fatalf("Save() error = %v", err)
		}
		if res.Status != sync.StatusPending {
			t.Errorf("Save() status = %s, want pending", res.Status)
		}
	}
	if err := n1.manager.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	// Phase 2: restart, still offline
	n2 := startNode(t, dataDir, rs)
	t.Cleanup(func() { n2.manager.Shutdown() })

	if got := n2.manager.QueueLength(); got != 3 {
		t.Errorf("QueueLength() after restart = %d, want 3", got)
	}
	rec, err := n2.manager.Get(ctx, models.CollectionFiles, "notes/1.md")
	if err != nil {
		t.Fatalf("Get() after restart error = %v", err)
	}
	if string(rec.Payload) != "offline note 1" || !rec.PendingSync || !rec.CreatedOffline {
		t.Errorf("Record after restart = %+v", rec)
	}

	// Phase 3: the remote comes back
	rs.up.Store(true)
	if !n2.monitor.CheckNow(ctx) {
		t.Fatal("Expected the probe to succeed")
	}

	waitFor(t, "records to reach the remote", func() bool {
		n, _ := n2.manager.PendingCount(ctx)
		return rs.docCount() == 3 && n == 0
	})

	doc, ok := rs.doc(models.CollectionFiles, "notes/2.md")
	if !ok || string(doc.Content) != "offline note 2" {
		t.Errorf("Remote doc = %+v, %v", doc, ok)
	}
	rec, _ = n2.manager.Get(ctx, models.CollectionFiles, "notes/2.md")
	if rec.LastKnownRemoteUpdate == nil || !rec.LastKnownRemoteUpdate.Equal(doc.UpdatedAt) {
		t.Errorf("LastKnownRemoteUpdate = %v, want %v", rec.LastKnownRemoteUpdate, doc.UpdatedAt)
	}
}

// TestOfflineRequestReplay tests a mutating call made offline is queued
// durably and delivered after reconnecting.
func TestOfflineRequestReplay(t *testing.T) {
	rs := newRemoteServer(t)
	n := startNode(t, t.TempDir(), rs)
	t.Cleanup(func() { n.manager.Shutdown() })
	ctx := context.Background()

	resp, err := n.gateway.Request(ctx, http.MethodPost, "/api/v1/notes", []byte(`{"title":"draft"}`),
		gateway.WithQueueOnFailure())
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if !resp.Queued || resp.Status != http.StatusAccepted {
		t.Errorf("Response = %+v, want queued 202", resp)
	}
	if pending, _ := n.manager.PendingCount(ctx); pending != 1 {
		t.Errorf("PendingCount() = %d, want 1", pending)
	}

	rs.up.Store(true)
	n.monitor.CheckNow(ctx)

	waitFor(t, "queued request to be replayed", func() bool {
		pending, _ := n.manager.PendingCount(ctx)
		return rs.postCount() == 1 && pending == 0
	})
}

// TestOfflineStaleReads tests cached reads are served while offline.
func TestOfflineStaleReads(t *testing.T) {
	rs := newRemoteServer(t)
	rs.up.Store(true)
	n := startNode(t, t.TempDir(), rs)
	t.Cleanup(func() { n.manager.Shutdown() })
	ctx := context.Background()

	if _, err := n.manager.Save(ctx, &models.Record{Key: "readme.md", Payload: []byte("v1")}, true); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	path := "/api/v1/sync/files/readme.md"
	if _, err := n.gateway.Request(ctx, http.MethodGet, path, nil); err != nil {
		t.Fatalf("Request() online error = %v", err)
	}

	rs.up.Store(false)
	n.monitor.CheckNow(ctx)
	if n.monitor.IsOnline() {
		t.Fatal("Expected offline after the failed probe")
	}

	resp, err := n.gateway.Request(ctx, http.MethodGet, path, nil)
	if err != nil {
		t.Fatalf("Request() offline error = %v", err)
	}
	if !resp.Stale || !strings.Contains(string(resp.Body), "readme.md") {
		t.Errorf("Response = %+v, want stale cached document", resp)
	}
}
