package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Sternrassler/httpcache-client/pkg/logging"
	"github.com/rs/zerolog"
)

const fileStoreExt = ".json"

// FileStore persists one JSON file per entry under a root directory. File names are
// the sha256 hex digest of the key. Writes are synchronous and atomic (temp file and
// rename). There is no capacity ceiling; expired files go away through Prune.
//
// Unreadable or corrupt files are treated as misses.
type FileStore struct {
	rootDir string
	clock   Clock
	logger  zerolog.Logger
}

// NewFileStore creates a file store rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("cache directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	return &FileStore{
		rootDir: dir,
		logger:  logging.NewLogger("file-store"),
	}, nil
}

// Name implements Store.
func (f *FileStore) Name() string { return "file" }

// Dir returns the root directory.
func (f *FileStore) Dir() string { return f.rootDir }

// Path returns the file that holds key.
func (f *FileStore) Path(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(f.rootDir, hex.EncodeToString(sum[:])+fileStoreExt)
}

func (f *FileStore) read(path string) (*CacheEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return UnmarshalEntry(data)
}

// Get implements Store.
func (f *FileStore) Get(ctx context.Context, key string) (*CacheEntry, bool) {
	path := f.Path(key)
	entry, err := f.read(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			CacheErrors.WithLabelValues("get").Inc()
			f.logger.Debug().Err(err).Str("path", path).Msg("Unreadable cache file treated as miss")
		}
		return nil, false
	}
	if entry.IsDead(f.clock.now()) {
		_ = os.Remove(path)
		return nil, false
	}
	return entry, true
}

// Set implements Store.
func (f *FileStore) Set(ctx context.Context, key string, entry *CacheEntry, ttlOverride time.Duration) error {
	if entry == nil {
		return ErrNilEntry
	}
	data, err := MarshalEntry(entry.withRetention(ttlOverride, f.clock.now()))
	if err != nil {
		return err
	}

	path := f.Path(key)
	tmp, err := os.CreateTemp(f.rootDir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close cache file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename cache file: %w", err)
	}
	return nil
}

// Has implements Store.
func (f *FileStore) Has(ctx context.Context, key string) bool {
	_, ok := f.Get(ctx, key)
	return ok
}

// Delete implements Store.
func (f *FileStore) Delete(ctx context.Context, key string) bool {
	return os.Remove(f.Path(key)) == nil
}

// Clear implements Store.
func (f *FileStore) Clear(ctx context.Context) error {
	return f.walk(ctx, func(path string) error {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove cache file: %w", err)
		}
		return nil
	})
}

// Prune implements Store. Corrupt files are removed as well.
func (f *FileStore) Prune(ctx context.Context) (int, error) {
	now := f.clock.now()
	removed := 0
	err := f.walk(ctx, func(path string) error {
		entry, err := f.read(path)
		if err == nil && !prunable(entry, now) {
			return nil
		}
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if rmErr := os.Remove(path); rmErr == nil {
			removed++
		}
		return nil
	})
	return removed, err
}

// Count implements Store.
func (f *FileStore) Count(ctx context.Context) (int, error) {
	n := 0
	err := f.walk(ctx, func(string) error {
		n++
		return nil
	})
	return n, err
}

// walk calls fn for every entry file in the root directory.
func (f *FileStore) walk(ctx context.Context, fn func(path string) error) error {
	dirEntries, err := os.ReadDir(f.rootDir)
	if err != nil {
		return fmt.Errorf("read cache directory: %w", err)
	}
	for _, de := range dirEntries {
		if err := ctx.Err(); err != nil {
			return err
		}
		name := de.Name()
		if de.IsDir() || !isEntryFile(name) {
			continue
		}
		if err := fn(filepath.Join(f.rootDir, name)); err != nil {
			return err
		}
	}
	return nil
}

func isEntryFile(name string) bool {
	if !strings.HasSuffix(name, fileStoreExt) {
		return false
	}
	digest := strings.TrimSuffix(name, fileStoreExt)
	if len(digest) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(digest)
	return err == nil
}
