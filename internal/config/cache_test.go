package config

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestCacheReloadUpdatesSnapshot(t *testing.T) {
	addr := atomic.Value{}
	addr.Store(":8420")
	loader := func(context.Context) (ServerConfig, Metadata, error) {
		cfg := ServerConfig{ListenAddr: addr.Load().(string)}
		meta := Metadata{loadedAt: time.Now()}
		return cfg, meta, nil
	}

	cache, err := NewCache(loader)
	if err != nil {
		t.Fatalf("NewCache failed: %v", err)
	}

	cfg, meta, err := cache.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if cfg.ListenAddr != ":8420" {
		t.Fatalf("expected initial addr, got %q", cfg.ListenAddr)
	}
	initialLoadedAt := meta.LoadedAt()

	addr.Store(":9000")
	if err := cache.Reload(context.Background()); err != nil {
		t.Fatalf("Reload returned error: %v", err)
	}

	cfg, meta, err = cache.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve returned error after reload: %v", err)
	}
	if cfg.ListenAddr != ":9000" {
		t.Fatalf("expected updated addr, got %q", cfg.ListenAddr)
	}
	if !meta.LoadedAt().After(initialLoadedAt) {
		t.Fatalf("expected LoadedAt to advance after reload")
	}
}

func TestCacheReloadKeepsLastOnError(t *testing.T) {
	var calls atomic.Int64
	loader := func(context.Context) (ServerConfig, Metadata, error) {
		if calls.Add(1) == 1 {
			return ServerConfig{ListenAddr: ":8420"}, Metadata{loadedAt: time.Now()}, nil
		}
		return ServerConfig{}, Metadata{}, errors.New("boom")
	}

	cache, err := NewCache(loader)
	if err != nil {
		t.Fatalf("NewCache failed: %v", err)
	}

	if _, _, err := cache.Resolve(context.Background()); err != nil {
		t.Fatalf("initial Resolve failed: %v", err)
	}
	if err := cache.Reload(context.Background()); err == nil {
		t.Fatalf("expected reload error")
	}

	cfg, _, err := cache.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve after failed reload returned error: %v", err)
	}
	if cfg.ListenAddr != ":8420" {
		t.Fatalf("expected last good snapshot, got %q", cfg.ListenAddr)
	}
}

func TestCacheSignalsUpdates(t *testing.T) {
	loader := func(context.Context) (ServerConfig, Metadata, error) {
		return ServerConfig{}, Metadata{loadedAt: time.Now()}, nil
	}
	cache, err := NewCache(loader)
	if err != nil {
		t.Fatalf("NewCache failed: %v", err)
	}

	if err := cache.Reload(context.Background()); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	select {
	case <-cache.Updates():
	case <-time.After(time.Second):
		t.Fatalf("expected update signal after reload")
	}
}
