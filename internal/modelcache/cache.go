// Package modelcache keeps loaded model instances alive between requests and
// unloads them after an idle TTL.
package modelcache

import (
	"context"
	"sync"
	"time"

	"github.com/bromic007/llamafarm-sub004/internal/logging"
)

// Model is the minimal contract a cached instance must satisfy.
type Model interface {
	Unload(ctx context.Context) error
}

// Config controls cache TTL and reaper behavior.
type Config struct {
	TTL           time.Duration // idle time before unload (default: 300s)
	CheckInterval time.Duration // reaper tick (default: 60s)
	Logger        logging.Logger

	// Optional instrumentation hooks.
	OnLoad  func(key string)
	OnEvict func(key string)
}

type entry struct {
	model      Model
	lastAccess time.Time
}

// Cache is a TTL cache for loaded models. Concurrent GetOrLoad calls for the
// same key run the loader exactly once; calls for different keys load in
// parallel.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*entry

	loadMu sync.Mutex
	loads  map[string]*sync.Mutex

	ttl           time.Duration
	checkInterval time.Duration
	logger        logging.Logger
	onLoad        func(string)
	onEvict       func(string)

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// New creates a cache and starts its background reaper.
func New(cfg Config) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = 300 * time.Second
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 60 * time.Second
	}
	c := &Cache{
		entries:       make(map[string]*entry),
		loads:         make(map[string]*sync.Mutex),
		ttl:           cfg.TTL,
		checkInterval: cfg.CheckInterval,
		logger:        logging.OrNop(cfg.Logger),
		onLoad:        cfg.OnLoad,
		onEvict:       cfg.OnEvict,
		stopCh:        make(chan struct{}),
		done:          make(chan struct{}),
	}
	go c.reapLoop()
	return c
}

// GetOrLoad returns the cached model for key, loading it when absent. The
// loader must not call back into the cache for the same key. Loaders for
// distinct keys run concurrently; a second caller for the same key blocks
// until the first load finishes and then shares its result.
func (c *Cache) GetOrLoad(ctx context.Context, key string, loader func(ctx context.Context) (Model, error)) (Model, error) {
	if model, ok := c.lookupAndTouch(key); ok {
		return model, nil
	}

	lock := c.loadLock(key)
	lock.Lock()
	defer lock.Unlock()

	// Double-check: another caller may have completed the load while we
	// waited on the key lock.
	if model, ok := c.lookupAndTouch(key); ok {
		return model, nil
	}

	model, err := loader(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[key] = &entry{model: model, lastAccess: time.Now()}
	c.mu.Unlock()

	c.logger.Info("loaded model %s", key)
	if c.onLoad != nil {
		c.onLoad(key)
	}
	return model, nil
}

// Get returns the cached model without loading, refreshing its TTL.
func (c *Cache) Get(key string) (Model, bool) {
	return c.lookupAndTouch(key)
}

// Touch refreshes a key's TTL. Returns false when the key is not cached.
func (c *Cache) Touch(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return false
	}
	e.lastAccess = time.Now()
	return true
}

func (c *Cache) lookupAndTouch(key string) (Model, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	e.lastAccess = time.Now()
	return e.model, true
}

func (c *Cache) loadLock(key string) *sync.Mutex {
	c.loadMu.Lock()
	defer c.loadMu.Unlock()
	lock, ok := c.loads[key]
	if !ok {
		lock = &sync.Mutex{}
		c.loads[key] = lock
	}
	return lock
}

// Drop removes a key and unloads its model. Unload failures are logged; the
// entry is removed regardless so a wedged model cannot pin cache state.
// Dropping an absent key is a no-op.
func (c *Cache) Drop(ctx context.Context, key string) error {
	c.mu.Lock()
	e, ok := c.entries[key]
	if ok {
		delete(c.entries, key)
	}
	c.mu.Unlock()
	if !ok {
		return nil
	}

	if c.onEvict != nil {
		c.onEvict(key)
	}
	if err := c.unload(ctx, key, e.model); err != nil {
		return err
	}
	return nil
}

func (c *Cache) unload(ctx context.Context, key string, model Model) error {
	if err := model.Unload(ctx); err != nil {
		c.logger.Warn("unload %s failed: %v", key, err)
		return err
	}
	c.logger.Info("unloaded model %s", key)
	return nil
}

// Keys returns the cached keys in no particular order.
func (c *Cache) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.entries))
	for key := range c.entries {
		keys = append(keys, key)
	}
	return keys
}

// Len returns the number of cached models.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) reapLoop() {
	defer close(c.done)
	ticker := time.NewTicker(c.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.reap()
		case <-c.stopCh:
			return
		}
	}
}

// reap drops every entry idle longer than the TTL. Failures are isolated per
// key so one wedged unload cannot block the sweep.
func (c *Cache) reap() {
	cutoff := time.Now().Add(-c.ttl)

	c.mu.RLock()
	var expired []string
	for key, e := range c.entries {
		if e.lastAccess.Before(cutoff) {
			expired = append(expired, key)
		}
	}
	c.mu.RUnlock()

	for _, key := range expired {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := c.Drop(ctx, key); err != nil {
			c.logger.Warn("reaper: dropping %s: %v", key, err)
		}
		cancel()
	}
	if len(expired) > 0 {
		c.logger.Debug("reaper evicted %d idle models", len(expired))
	}
}

// Close stops the reaper and unloads everything still cached.
func (c *Cache) Close(ctx context.Context) error {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	<-c.done

	var firstErr error
	for _, key := range c.Keys() {
		if err := c.Drop(ctx, key); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
