package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/homezloco/Loco-Coder-sub003/internal/models"
)

// fileBackend is Tier B: one JSON document per record, addressed by the
// SHA-256 of its key at <base>/<collection>/<h[0:2]>/<h[2:4]>/<h>.json.
// Total bytes on disk are capped at maxBytes.
type fileBackend struct {
	baseDir  string
	maxBytes int64

	mu   sync.Mutex
	used int64
}

// OpenFile opens Tier B rooted at baseDir. maxBytes <= 0 means unbounded.
func OpenFile(baseDir string, maxBytes int64) (Backend, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create kv directory: %w", err)
	}
	f := &fileBackend{baseDir: baseDir, maxBytes: maxBytes}
	used, err := f.diskUsage()
	if err != nil {
		return nil, err
	}
	f.used = used
	return f, nil
}

// keyHash returns the SHA-256 of a record key.
func keyHash(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

func (f *fileBackend) collectionDir(collection string) string {
	return filepath.Join(f.baseDir, url.PathEscape(collection))
}

func (f *fileBackend) path(collection, key string) string {
	hash := keyHash(key)
	return filepath.Join(f.collectionDir(collection), hash[0:2], hash[2:4], hash+".json")
}

func (f *fileBackend) diskUsage() (int64, error) {
	var total int64
	err := filepath.WalkDir(f.baseDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(p, ".json") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}

func (f *fileBackend) Name() string { return TierFile }

// Probe performs a write/read/delete round-trip.
func (f *fileBackend) Probe(ctx context.Context) error {
	probe := &models.Record{Key: "__probe__", Payload: []byte("probe")}
	if err := f.Put(ctx, "__probe__", probe); err != nil {
		return err
	}
	got, err := f.Get(ctx, "__probe__", probe.Key)
	if err != nil {
		return err
	}
	if string(got.Payload) != "probe" {
		return fmt.Errorf("file tier round-trip mismatch")
	}
	if err := f.Delete(ctx, "__probe__", probe.Key); err != nil {
		return err
	}
	os.Remove(f.collectionDir("__probe__"))
	return nil
}

func (f *fileBackend) Put(ctx context.Context, collection string, rec *models.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	target := f.path(collection, rec.Key)
	var oldSize int64
	if info, err := os.Stat(target); err == nil {
		oldSize = info.Size()
	}
	newUsed := f.used - oldSize + int64(len(data))
	if f.maxBytes > 0 && newUsed > f.maxBytes {
		return quotaExceeded(TierFile, fmt.Errorf("%d bytes would exceed limit of %d", newUsed, f.maxBytes))
	}

	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close file: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to rename file: %w", err)
	}

	f.used = newUsed
	return nil
}

func (f *fileBackend) Get(ctx context.Context, collection, key string) (*models.Record, error) {
	data, err := os.ReadFile(f.path(collection, key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	rec, err := decodeRecord(data)
	if err != nil {
		return nil, err
	}
	if rec.Key != key {
		return nil, fmt.Errorf("key mismatch: expected %s, got %s", key, rec.Key)
	}
	return rec, nil
}

func (f *fileBackend) Delete(ctx context.Context, collection, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.removeLocked(f.path(collection, key))
}

func (f *fileBackend) removeLocked(target string) error {
	info, err := os.Stat(target)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}
	if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	f.used -= info.Size()

	// Try to remove empty directories
	dir := filepath.Dir(target)
	os.Remove(dir)
	os.Remove(filepath.Dir(dir))
	return nil
}

func (f *fileBackend) List(ctx context.Context, collection string) ([]*models.Record, error) {
	var out []*models.Record
	err := f.walk(f.collectionDir(collection), func(p string, rec *models.Record) {
		out = append(out, rec)
	})
	if err != nil {
		return nil, fmt.Errorf("file list %s: %w", collection, err)
	}
	return out, nil
}

// walk decodes every record file under root. Files removed mid-walk are skipped.
func (f *fileBackend) walk(root string, fn func(p string, rec *models.Record)) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(p, ".json") {
			return nil
		}
		rec, err := readRecordFile(p)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		fn(p, rec)
		return nil
	})
}

func readRecordFile(p string) (*models.Record, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}
	return decodeRecord(data)
}

// EvictOldest walks every collection. Each victim is re-read under the lock
// so a record rewritten as pending since the walk is kept.
func (f *fileBackend) EvictOldest(ctx context.Context, n int) (int, error) {
	var all []stored
	err := f.walk(f.baseDir, func(p string, rec *models.Record) {
		all = append(all, stored{ref: p, rec: rec})
	})
	if err != nil {
		return 0, fmt.Errorf("file evict: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	removed := 0
	for _, v := range oldestEvictable(all, n) {
		current, err := readRecordFile(v.ref)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return removed, err
		}
		if current.PendingSync {
			continue
		}
		if err := f.removeLocked(v.ref); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (f *fileBackend) Count(ctx context.Context) (int, error) {
	n := 0
	err := f.walk(f.baseDir, func(string, *models.Record) { n++ })
	return n, err
}

func (f *fileBackend) Close() error { return nil }
