package shop

import (
	"context"
	"fmt"
	"sort"

	"github.com/mohammad-safakhou/karzina/config"
	"github.com/mohammad-safakhou/karzina/internal/session"
)

// SearchBackend is the per-store capability the engine consumes. One backend
// instance wraps one browser automation context, so calls on a single backend
// must not overlap.
type SearchBackend interface {
	Search(ctx context.Context, query string, limit int) ([]session.Candidate, error)
	AddToCart(ctx context.Context, productID string, quantity float64) error
	ClearCart(ctx context.Context) error
	GetCartURL(ctx context.Context) (string, error)
	CheckAuth(ctx context.Context) (bool, error)
}

// Store pairs a store's runtime configuration with its backend.
type Store struct {
	Config  config.StoreConfig
	Backend SearchBackend
}

// Registry maps configured store ids to their runtime parameters and
// capabilities. It is populated once at startup and read-only afterwards.
type Registry struct {
	stores map[string]Store
}

func NewRegistry() *Registry {
	return &Registry{stores: make(map[string]Store)}
}

// Register adds one store. Registering the same id twice is a wiring bug.
func (r *Registry) Register(cfg config.StoreConfig, backend SearchBackend) error {
	if _, ok := r.stores[cfg.ID]; ok {
		return fmt.Errorf("store %q already registered", cfg.ID)
	}
	r.stores[cfg.ID] = Store{Config: cfg, Backend: backend}
	return nil
}

// Get returns the store for id.
func (r *Registry) Get(id string) (Store, error) {
	st, ok := r.stores[id]
	if !ok {
		return Store{}, fmt.Errorf("unknown store: %s", id)
	}
	return st, nil
}

// ByPriority returns all stores ordered by ascending priority; ties break on
// id so the processing order is deterministic.
func (r *Registry) ByPriority() []Store {
	out := make([]Store, 0, len(r.stores))
	for _, st := range r.stores {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Config.Priority == out[j].Config.Priority {
			return out[i].Config.ID < out[j].Config.ID
		}
		return out[i].Config.Priority < out[j].Config.Priority
	})
	return out
}
