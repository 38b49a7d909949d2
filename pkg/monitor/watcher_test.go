package monitor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestRelevantChange(t *testing.T) {
	relevant := []string{"suite.cue", "policy.rego", "assert.star", "run.py", "main.go", "fixture.json", "config.yaml", "config.YML"}
	for _, name := range relevant {
		if !relevantChange(name) {
			t.Errorf("Expected %s to be relevant", name)
		}
	}

	irrelevant := []string{"notes.txt", "report.md", "binary", ".DS_Store"}
	for _, name := range irrelevant {
		if relevantChange(name) {
			t.Errorf("Expected %s to be irrelevant", name)
		}
	}
}

func TestSkipDir(t *testing.T) {
	for _, name := range []string{".git", "node_modules", "vendor", "__pycache__"} {
		if !skipDir(name) {
			t.Errorf("Expected %s to be skipped", name)
		}
	}
	if skipDir("suites") {
		t.Error("Expected suites to be watched")
	}
}

func TestWatcher_DebouncedChange(t *testing.T) {
	dir := t.TempDir()

	w, err := NewWatcher(50*time.Millisecond, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	defer w.Close()

	changes := make(chan []string, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Watch(ctx, []string{dir}, func(paths []string) {
		changes <- paths
	}); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	suitePath := filepath.Join(dir, "smoke.cue")
	if err := os.WriteFile(suitePath, []byte("suite: name: \"smoke\"\n"), 0o644); err != nil {
		t.Fatalf("Failed to write suite file: %v", err)
	}

	select {
	case paths := <-changes:
		found := false
		for _, p := range paths {
			if p == suitePath {
				found = true
			}
		}
		if !found {
			t.Errorf("Expected change for %s, got %v", suitePath, paths)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Timed out waiting for change notification")
	}
}

func TestWatcher_IgnoresIrrelevantFiles(t *testing.T) {
	dir := t.TempDir()

	w, err := NewWatcher(50*time.Millisecond, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	defer w.Close()

	changes := make(chan []string, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Watch(ctx, []string{dir}, func(paths []string) {
		changes <- paths
	}); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("scratch\n"), 0o644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	select {
	case paths := <-changes:
		t.Errorf("Expected no notification for irrelevant file, got %v", paths)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcher_CoalescesBurst(t *testing.T) {
	dir := t.TempDir()

	w, err := NewWatcher(100*time.Millisecond, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	defer w.Close()

	changes := make(chan []string, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Watch(ctx, []string{dir}, func(paths []string) {
		changes <- paths
	}); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	// A burst of writes within the debounce window yields one callback.
	for _, name := range []string{"a.cue", "b.rego", "c.star"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x\n"), 0o644); err != nil {
			t.Fatalf("Failed to write file: %v", err)
		}
	}

	select {
	case paths := <-changes:
		if len(paths) < 2 {
			t.Errorf("Expected coalesced batch, got %v", paths)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Timed out waiting for coalesced notification")
	}

	select {
	case paths := <-changes:
		t.Errorf("Expected a single coalesced callback, got extra %v", paths)
	case <-time.After(300 * time.Millisecond):
	}
}
