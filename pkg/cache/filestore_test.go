package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestNewFileStore_EmptyDir(t *testing.T) {
	if _, err := NewFileStore(""); err == nil {
		t.Error("expected error for empty directory")
	}
}

func TestNewFileStore_CreatesDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "cache")
	if _, err := NewFileStore(dir); err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Errorf("directory %s not created", dir)
	}
}

func TestFileStore_Path(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}

	key := "auto:abc"
	sum := sha256.Sum256([]byte(key))
	want := filepath.Join(dir, hex.EncodeToString(sum[:])+".json")

	if got := store.Path(key); got != want {
		t.Errorf("Path() = %q, want %q", got, want)
	}
}

func TestFileStore_WritesOneFilePerKey(t *testing.T) {
	dir := t.TempDir()
	store, _ := NewFileStore(dir)
	ctx := context.Background()

	if err := store.Set(ctx, "k", NewEntry(response(200), time.Minute, time.Now()), 0); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if _, err := os.Stat(store.Path("k")); err != nil {
		t.Errorf("entry file missing: %v", err)
	}

	files, _ := os.ReadDir(dir)
	for _, f := range files {
		if strings.HasSuffix(f.Name(), ".tmp") {
			t.Errorf("temporary file %s left behind", f.Name())
		}
	}
}

func TestFileStore_CorruptFile(t *testing.T) {
	store, _ := NewFileStore(t.TempDir())
	ctx := context.Background()

	if err := os.WriteFile(store.Path("bad"), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("seed corrupt file: %v", err)
	}

	if _, ok := store.Get(ctx, "bad"); ok {
		t.Error("corrupt file should be a miss")
	}

	removed, err := store.Prune(ctx)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("Prune() removed %d, want 1", removed)
	}
	if _, err := os.Stat(store.Path("bad")); !os.IsNotExist(err) {
		t.Error("corrupt file should be removed by Prune")
	}
}

func TestFileStore_IgnoresForeignFiles(t *testing.T) {
	dir := t.TempDir()
	store, _ := NewFileStore(dir)
	ctx := context.Background()

	os.WriteFile(filepath.Join(dir, "README.txt"), []byte("keep me"), 0o644)
	os.WriteFile(filepath.Join(dir, "short.json"), []byte("{}"), 0o644)
	store.Set(ctx, "k", NewEntry(response(200), time.Minute, time.Now()), 0)

	n, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Count() = %d, want 1", n)
	}

	if err := store.Clear(ctx); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "README.txt")); err != nil {
		t.Error("Clear must leave foreign files alone")
	}
}

func TestFileStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first, _ := NewFileStore(dir)
	entry := NewEntry(response(200, "ETag", `"v1"`), time.Hour, time.Now())
	entry.Body = []byte("persisted")
	if err := first.Set(ctx, "k", entry, 0); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	second, _ := NewFileStore(dir)
	got, ok := second.Get(ctx, "k")
	if !ok {
		t.Fatal("entry should survive reopening the store")
	}
	if !got.Equal(entry) {
		t.Errorf("reopened entry differs: %+v", got)
	}
}
