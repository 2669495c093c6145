package transcribe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// ErrModelLoadFailed wraps every load failure. Failures are never cached.
var ErrModelLoadFailed = errors.New("model load failed")

// LoadResult is delivered once per GetOrLoad call.
type LoadResult struct {
	Model Model
	Err   error
}

// ModelCache loads each model at most once at a time and shares loaded
// models by reference. A failed load leaves no trace; the next caller retries.
type ModelCache struct {
	loader  Loader
	timeout time.Duration
	log     zerolog.Logger

	group  singleflight.Group
	mu     sync.RWMutex
	models map[string]Model
	gens   map[string]uint64 // bumped by Reload

	loads    atomic.Int64
	failures atomic.Int64
}

// NewModelCache creates a cache around loader. timeout bounds a single load;
// 0 means no limit.
func NewModelCache(loader Loader, timeout time.Duration, log zerolog.Logger) *ModelCache {
	return &ModelCache{
		loader:  loader,
		timeout: timeout,
		log:     log,
		models:  make(map[string]Model),
		gens:    make(map[string]uint64),
	}
}

// GetOrLoad returns immediately. The channel receives exactly one result:
// the cached model, or the outcome of the in-flight (or a new) load.
func (c *ModelCache) GetOrLoad(name string) <-chan LoadResult {
	out := make(chan LoadResult, 1)

	if m, ok := c.cached(name); ok {
		out <- LoadResult{Model: m}
		return out
	}

	ch := c.group.DoChan(name, func() (any, error) {
		return c.load(name)
	})
	go func() {
		r := <-ch
		if r.Err != nil {
			out <- LoadResult{Err: r.Err}
			return
		}
		out <- LoadResult{Model: r.Val.(Model)}
	}()
	return out
}

// Get blocks until the model is available or ctx is done.
func (c *ModelCache) Get(ctx context.Context, name string) (Model, error) {
	select {
	case r := <-c.GetOrLoad(name):
		return r.Model, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Warm starts a background load so the first recording does not wait for it.
func (c *ModelCache) Warm(name string) {
	go func() {
		if r := <-c.GetOrLoad(name); r.Err != nil {
			c.log.Warn().Err(r.Err).Str("model", name).Msg("model preload failed, will retry on first use")
		}
	}()
}

// Loaded reports whether name is cached.
func (c *ModelCache) Loaded(name string) bool {
	_, ok := c.cached(name)
	return ok
}

// Reload drops name so the next GetOrLoad loads it again. An in-flight load
// is not interrupted; its callers still get its result but it is not cached.
func (c *ModelCache) Reload(name string) {
	c.mu.Lock()
	delete(c.models, name)
	c.gens[name]++
	c.mu.Unlock()
	c.group.Forget(name)
	c.log.Info().Str("model", name).Msg("model reload requested")
}

// Stats returns load attempt and failure counts.
func (c *ModelCache) Stats() (loads, failures int64) {
	return c.loads.Load(), c.failures.Load()
}

func (c *ModelCache) cached(name string) (Model, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.models[name]
	return m, ok
}

func (c *ModelCache) load(name string) (Model, error) {
	c.mu.RLock()
	m, ok := c.models[name]
	gen := c.gens[name]
	c.mu.RUnlock()
	if ok {
		return m, nil
	}

	ctx := context.Background()
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	c.loads.Add(1)
	start := time.Now()
	c.log.Info().Str("model", name).Msg("loading model")

	m, err := c.loader.Load(ctx, name)
	if err == nil && m == nil {
		err = errors.New("loader returned no model")
	}
	if err != nil {
		c.failures.Add(1)
		c.log.Error().Err(err).Str("model", name).Dur("elapsed", time.Since(start)).Msg("model load failed")
		return nil, fmt.Errorf("%w: %s: %v", ErrModelLoadFailed, name, err)
	}

	c.mu.Lock()
	stale := c.gens[name] != gen
	if !stale {
		c.models[name] = m
	}
	c.mu.Unlock()

	if stale {
		c.log.Info().Str("model", name).Dur("elapsed", time.Since(start)).Msg("model reloaded during load, not caching")
		return m, nil
	}
	c.log.Info().Str("model", name).Dur("elapsed", time.Since(start)).Msg("model loaded")
	return m, nil
}
