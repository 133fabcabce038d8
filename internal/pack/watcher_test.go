package pack_test

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/holdcue/internal/pack"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %q: %v", path, err)
	}
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "pack.json")
	writeFile(t, path, barePackJSON)

	w, err := pack.NewWatcher(path, nil)
	if err != nil {
		t.Fatalf("NewWatcher() error: %v", err)
	}
	defer w.Stop()

	if got := w.Current().ID; got != "ward-7" {
		t.Errorf("Current().ID = %q, want ward-7", got)
	}
}

func TestWatcher_InitialLoadInvalid(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "pack.json")
	writeFile(t, path, `{"nope": true}`)

	if _, err := pack.NewWatcher(path, nil); err == nil {
		t.Fatal("NewWatcher() error = nil, want error")
	}
}

func TestWatcher_DetectsChangeAndSkipsInvalid(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "pack.json")
	writeFile(t, path, barePackJSON)

	var (
		mu      sync.Mutex
		changes []string
	)
	w, err := pack.NewWatcher(path, func(old, new *pack.Pack) {
		mu.Lock()
		defer mu.Unlock()
		changes = append(changes, old.ID+"->"+new.ID)
	}, pack.WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher() error: %v", err)
	}
	go w.Run(nil)
	defer w.Stop()

	// Invalid revision: ignored.
	time.Sleep(20 * time.Millisecond)
	writeFile(t, path, `{"packId": 1`)
	time.Sleep(60 * time.Millisecond)

	updated := strings.Replace(barePackJSON, "ward-7", "ward-8", 1)
	writeFile(t, path, updated)
	// Bump mtime explicitly; coarse filesystem clocks may not advance.
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if w.Current().ID == "ward-8" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if got := w.Current().ID; got != "ward-8" {
		t.Fatalf("Current().ID = %q, want ward-8", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(changes) != 1 || changes[0] != "ward-7->ward-8" {
		t.Errorf("changes = %q, want [ward-7->ward-8]", changes)
	}
}
