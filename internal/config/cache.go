package config

import (
	"context"
	"fmt"
	"sync"
)

// Loader produces a configuration snapshot; Load wrapped with fixed options
// is the usual implementation.
type Loader func(ctx context.Context) (ServerConfig, Metadata, error)

// Cache memoizes the latest good configuration snapshot. Reload swaps the
// snapshot atomically and keeps the previous one when loading fails, so
// consumers never observe a half-applied config.
type Cache struct {
	loader Loader

	mu     sync.RWMutex
	loaded bool
	cfg    ServerConfig
	meta   Metadata

	updates chan struct{}
}

// NewCache constructs a cache around the loader.
func NewCache(loader Loader) (*Cache, error) {
	if loader == nil {
		return nil, fmt.Errorf("config loader required")
	}
	return &Cache{
		loader:  loader,
		updates: make(chan struct{}, 1),
	}, nil
}

// Resolve returns the cached snapshot, loading it on first use.
func (c *Cache) Resolve(ctx context.Context) (ServerConfig, Metadata, error) {
	c.mu.RLock()
	if c.loaded {
		cfg, meta := c.cfg, c.meta
		c.mu.RUnlock()
		return cfg, meta, nil
	}
	c.mu.RUnlock()
	return c.load(ctx, false)
}

// Reload refreshes the snapshot from the loader. On failure the previous
// snapshot stays in place and the error is returned.
func (c *Cache) Reload(ctx context.Context) error {
	_, _, err := c.load(ctx, true)
	return err
}

// Updates signals after each successful reload. The channel is buffered and
// coalescing; slow consumers see at least one signal per burst of reloads.
func (c *Cache) Updates() <-chan struct{} {
	return c.updates
}

func (c *Cache) load(ctx context.Context, notify bool) (ServerConfig, Metadata, error) {
	cfg, meta, err := c.loader(ctx)
	if err != nil {
		c.mu.RLock()
		loaded, prevCfg, prevMeta := c.loaded, c.cfg, c.meta
		c.mu.RUnlock()
		if loaded {
			return prevCfg, prevMeta, err
		}
		return ServerConfig{}, Metadata{}, err
	}

	c.mu.Lock()
	c.cfg = cfg
	c.meta = meta
	c.loaded = true
	c.mu.Unlock()

	if notify {
		select {
		case c.updates <- struct{}{}:
		default:
		}
	}
	return cfg, meta, nil
}
