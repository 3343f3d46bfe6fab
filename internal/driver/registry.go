package driver

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/filegate/filegate/internal/model"
	"github.com/filegate/filegate/internal/secret"
	"github.com/filegate/filegate/pkg/fgerr"
)

// Env carries the dependencies driver constructors need. Credentials are
// decrypted through Secrets inside the constructor and never stored back.
type Env struct {
	Secrets *secret.Box
	Logger  *slog.Logger
}

// Factory builds a driver from a stored storage configuration.
type Factory func(ctx context.Context, cfg *model.StorageConfig, env Env) (Driver, error)

// Registry maps storage-config types to factories. It has an explicit
// lifecycle: the wiring layer registers factories at startup; nothing
// registers from package init.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under its type name. Registering a duplicate
// name replaces the previous factory.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Types lists the registered type names.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Build constructs a driver for the configuration.
func (r *Registry) Build(ctx context.Context, cfg *model.StorageConfig, env Env) (Driver, error) {
	r.mu.RLock()
	factory, ok := r.factories[cfg.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fgerr.Newf(fgerr.KindValidation, "unknown storage type %q", cfg.Type)
	}
	return factory(ctx, cfg, env)
}

// Cache keeps one driver instance per storage configuration; mounts that
// share a configuration share its instance. Instances are reusable and
// internally safe for concurrent operations, so the cache only guards the
// construction race.
type Cache struct {
	registry *Registry
	env      Env

	mu      sync.Mutex
	drivers map[string]Driver // storage config id -> driver
}

// NewCache wraps a registry with per-config instance reuse.
func NewCache(registry *Registry, env Env) *Cache {
	return &Cache{registry: registry, env: env, drivers: make(map[string]Driver)}
}

// Get returns the cached driver for the configuration, building it on
// first use.
func (c *Cache) Get(ctx context.Context, cfg *model.StorageConfig) (Driver, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.drivers[cfg.ID]; ok {
		return d, nil
	}
	d, err := c.registry.Build(ctx, cfg, c.env)
	if err != nil {
		return nil, err
	}
	c.drivers[cfg.ID] = d
	return d, nil
}

// Invalidate drops the cached instance for a configuration, forcing a
// rebuild on next use (e.g. after credential rotation).
func (c *Cache) Invalidate(configID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.drivers, configID)
}
