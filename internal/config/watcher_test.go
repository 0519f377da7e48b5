package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestWatcherReloadsOnWrite(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "server.yaml")
	if err := os.WriteFile(path, []byte("listen_addr: \":8420\"\n"), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	loader := func(context.Context) (ServerConfig, Metadata, error) {
		return Load(
			WithEnv(emptyEnv),
			WithConfigPath(path),
			WithHomeDir(fixedHome(dir)),
		)
	}
	cache, err := NewCache(loader)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}

	watcher, err := NewWatcher(path, cache, WithWatchDebounce(20*time.Millisecond))
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := watcher.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	defer watcher.Stop()

	if _, _, err := watcher.Resolve(ctx); err != nil {
		t.Fatalf("initial resolve: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if err := os.WriteFile(path, []byte("listen_addr: \":9300\"\n"), 0o644); err != nil {
		t.Fatalf("update config file: %v", err)
	}

	select {
	case <-watcher.Updates():
	case <-time.After(5 * time.Second):
		t.Fatalf("expected reload signal after file write")
	}

	cfg, _, err := watcher.Resolve(ctx)
	if err != nil {
		t.Fatalf("resolve after reload: %v", err)
	}
	if cfg.ListenAddr != ":9300" {
		t.Fatalf("ListenAddr = %q, want reloaded value :9300", cfg.ListenAddr)
	}
}

func TestWatcherStopConcurrent(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "server.yaml")
	if err := os.WriteFile(path, []byte("listen_addr: \":8420\"\n"), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	cache, err := NewCache(func(context.Context) (ServerConfig, Metadata, error) {
		return ServerConfig{}, Metadata{}, nil
	})
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	watcher, err := NewWatcher(path, cache)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := watcher.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if err := os.WriteFile(path, []byte("listen_addr: \":9999\"\n"), 0o644); err != nil {
		t.Fatalf("update config file: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			watcher.Stop()
		}()
	}
	cancel()
	wg.Wait()
	watcher.Stop()
}
