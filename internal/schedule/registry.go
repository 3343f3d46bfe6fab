// Package schedule runs recurring maintenance and business tasks: a
// handler registry, an interval/cron dispatcher with leased execution, and
// per-run auditing.
package schedule

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/filegate/filegate/internal/job"
	"github.com/filegate/filegate/internal/repo"
	"github.com/filegate/filegate/pkg/fgerr"
)

// Handler categories.
const (
	CategoryMaintenance = "maintenance"
	CategoryBusiness    = "business"
)

// HandlerContext is what a handler receives per run.
type HandlerContext struct {
	Store  *repo.Store
	Jobs   *job.Engine
	Now    time.Time
	Config json.RawMessage
	Logger *slog.Logger
	Env    map[string]string
}

// RunResult is a handler's successful outcome.
type RunResult struct {
	Summary string
	Details json.RawMessage
}

// Handler is a registered scheduled-task implementation.
type Handler interface {
	ID() string
	Name() string
	Category() string

	// ValidateConfig rejects malformed task configuration before a job
	// binding is created or updated.
	ValidateConfig(config json.RawMessage) error

	Run(ctx context.Context, hc *HandlerContext) (*RunResult, error)
}

// HandlerInfo is the admin-API view of a handler type.
type HandlerInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Category string `json:"category"`
}

// Registry holds the handler types a dispatcher can run. It has an
// explicit lifecycle: the wiring layer registers handlers at startup.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler; its id must be unique.
func (r *Registry) Register(h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[h.ID()]; exists {
		return fgerr.Newf(fgerr.KindConflict, "handler %s already registered", h.ID())
	}
	r.handlers[h.ID()] = h
	return nil
}

// Get resolves a handler by id.
func (r *Registry) Get(id string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[id]
	return h, ok
}

// List returns handler infos sorted by id.
func (r *Registry) List() []HandlerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]HandlerInfo, 0, len(r.handlers))
	for _, h := range r.handlers {
		out = append(out, HandlerInfo{ID: h.ID(), Name: h.Name(), Category: h.Category()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
