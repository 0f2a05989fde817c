package config

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestWatcher_DebouncedChanges(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "zookeeper/zookeeper.yml", "client_port: 2181\n")

	w, err := NewWatcher([]string{dir}, 50*time.Millisecond, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	batches := make(chan []string, 4)
	done := make(chan error, 1)
	go func() {
		done <- w.Run(ctx, func(_ context.Context, files []string) {
			batches <- files
		})
	}()

	writeFile(t, dir, "zookeeper/zookeeper.yml", "client_port: 2182\n")
	writeFile(t, dir, "zookeeper/zookeeper.yml", "client_port: 2183\n")
	writeFile(t, dir, "notes.txt", "ignored")

	select {
	case files := <-batches:
		want := filepath.Join(dir, "zookeeper", "zookeeper.yml")
		if len(files) != 1 || files[0] != want {
			t.Errorf("expected one batch with %s, got %v", want, files)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for change notification")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestWatcher_MissingPath(t *testing.T) {
	if _, err := NewWatcher([]string{filepath.Join(t.TempDir(), "missing")}, 0, zerolog.Nop()); err == nil {
		t.Error("expected error for missing path")
	}
}
