package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/homezloco/Loco-Coder-sub003/internal/models"
)

// TestFileBackend_layout verifies records are content-addressed by key hash.
func TestFileBackend_layout(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	b, err := OpenFile(base, 0)
	if err != nil {
		t.Fatal(err)
	}

	if err := b.Put(ctx, models.CollectionFiles, &models.Record{Key: "dir/a.txt", Payload: []byte("v1")}); err != nil {
		t.Fatalf("Put() = %v", err)
	}

	hash := keyHash("dir/a.txt")
	want := filepath.Join(base, models.CollectionFiles, hash[0:2], hash[2:4], hash+".json")
	if _, err := os.Stat(want); err != nil {
		t.Errorf("expected record at %s: %v", want, err)
	}

	if err := b.Delete(ctx, models.CollectionFiles, "dir/a.txt"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Dir(want)); !os.IsNotExist(err) {
		t.Error("empty hash directories should be removed")
	}
}

// TestFileBackend_usageSurvivesReopen verifies the byte ceiling accounts for existing files.
func TestFileBackend_usageSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	b, err := OpenFile(base, 0)
	if err != nil {
		t.Fatal(err)
	}
	b.Put(ctx, models.CollectionFiles, &models.Record{Key: "a", Payload: make([]byte, 100)})
	used := b.(*fileBackend).used

	reopened, err := OpenFile(base, used)
	if err != nil {
		t.Fatal(err)
	}
	if got := reopened.(*fileBackend).used; got != used {
		t.Errorf("used = %d, want %d", got, used)
	}
	err = reopened.Put(ctx, models.CollectionFiles, &models.Record{Key: "b", Payload: make([]byte, 10)})
	if !isQuotaExceeded(err) {
		t.Errorf("Put() beyond ceiling = %v, want quota exceeded", err)
	}
	// Rewriting an existing key with the same size fits.
	if err := reopened.Put(ctx, models.CollectionFiles, &models.Record{Key: "a", Payload: make([]byte, 100)}); err != nil {
		t.Errorf("same-size rewrite = %v", err)
	}
}

// TestBackends_evictOldest verifies every backend evicts across collections
// and exempts pending records.
func TestBackends_evictOldest(t *testing.T) {
	ctx := context.Background()
	sqlite, err := OpenSQLite(filepath.Join(t.TempDir(), "sync.db"), 0)
	if err != nil {
		t.Fatal(err)
	}
	defer sqlite.Close()
	file, err := OpenFile(t.TempDir(), 0)
	if err != nil {
		t.Fatal(err)
	}

	for _, b := range []Backend{sqlite, file, newMemoryBackend()} {
		t.Run(b.Name(), func(t *testing.T) {
			base := time.Unix(100, 0)
			b.Put(ctx, "c", &models.Record{Key: "oldest-pending", LastUpdated: base, PendingSync: true})
			b.Put(ctx, "d", &models.Record{Key: "old", LastUpdated: base.Add(time.Second)})
			b.Put(ctx, "c", &models.Record{Key: "new", LastUpdated: base.Add(2 * time.Second)})

			n, err := b.EvictOldest(ctx, 1)
			if err != nil || n != 1 {
				t.Fatalf("EvictOldest() = %d, %v, want 1", n, err)
			}
			if _, err := b.Get(ctx, "d", "old"); !isNotFound(err) {
				t.Error("old should be evicted")
			}
			for _, key := range []string{"oldest-pending", "new"} {
				if _, err := b.Get(ctx, "c", key); err != nil {
					t.Errorf("%s should survive: %v", key, err)
				}
			}
			if count, _ := b.Count(ctx); count != 2 {
				t.Errorf("Count() = %d, want 2", count)
			}
		})
	}
}

// TestSQLiteBackend_roundTrip verifies every record field survives storage.
func TestSQLiteBackend_roundTrip(t *testing.T) {
	ctx := context.Background()
	b, err := OpenSQLite(filepath.Join(t.TempDir(), "sync.db"), 0)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	remote := time.Unix(20, 0).UTC()
	in := &models.Record{
		Key:                   "c.txt",
		Payload:               []byte("local"),
		LastUpdated:           time.Unix(10, 0).UTC(),
		LastKnownRemoteUpdate: &remote,
		PendingSync:           true,
		SyncAttempts:          2,
		SyncError:             "timeout",
		Conflict:              true,
		RemoteSnapshot:        &models.Record{Key: "c.txt", Payload: []byte("remote")},
	}
	if err := b.Put(ctx, models.CollectionFiles, in); err != nil {
		t.Fatal(err)
	}
	out, err := b.Get(ctx, models.CollectionFiles, "c.txt")
	if err != nil {
		t.Fatal(err)
	}
	if string(out.Payload) != "local" || !out.RemoteUpdateOrZero().Equal(remote) ||
		out.SyncAttempts != 2 || !out.Conflict || string(out.RemoteSnapshot.Payload) != "remote" {
		t.Errorf("round trip mismatch: %+v", out)
	}
}
