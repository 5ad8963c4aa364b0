package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/diaz3618/memory-bank-mcp-sub001/internal/types"
)

// Opener opens the backing store for a tenant.
type Opener func(ctx context.Context, tenant types.Tenant) (GraphStore, error)

// Registry maps tenants to open graph stores. Stores are opened lazily on
// first use and kept open until CloseAll. There is no global registry; the
// daemon constructs one and injects it into the request handlers.
type Registry struct {
	mu     sync.RWMutex
	opener Opener
	stores map[types.Tenant]GraphStore
	closed bool
}

// NewRegistry returns a registry that opens stores with opener.
func NewRegistry(opener Opener) *Registry {
	return &Registry{
		opener: opener,
		stores: make(map[types.Tenant]GraphStore),
	}
}

// Get returns the open store for tenant, opening it on first use.
func (r *Registry) Get(ctx context.Context, tenant types.Tenant) (GraphStore, error) {
	if err := tenant.Validate(); err != nil {
		return nil, WrapError(KindInvalidInput, err, "invalid tenant")
	}

	r.mu.RLock()
	store, ok := r.stores[tenant]
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, NewError(KindIoError, "store registry is closed")
	}
	if ok {
		return store, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, NewError(KindIoError, "store registry is closed")
	}
	// Another request may have opened it while we waited for the lock.
	if store, ok := r.stores[tenant]; ok {
		return store, nil
	}

	store, err := r.opener(ctx, tenant)
	if err != nil {
		return nil, fmt.Errorf("failed to open store for %s: %w", tenant, err)
	}
	if err := store.Initialize(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize store for %s: %w", tenant, err)
	}
	r.stores[tenant] = store
	return store, nil
}

// Len reports how many stores are currently open.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.stores)
}

// Stores returns a point-in-time copy of the open stores. Callers may use
// the stores concurrently with request traffic; the map itself is theirs.
func (r *Registry) Stores() map[types.Tenant]GraphStore {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[types.Tenant]GraphStore, len(r.stores))
	for tenant, store := range r.stores {
		out[tenant] = store
	}
	return out
}

// CloseAll closes every open store and rejects further Gets. The first
// close error is returned; all stores are closed regardless.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for tenant, store := range r.stores {
		if err := store.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close store for %s: %w", tenant, err)
		}
		delete(r.stores, tenant)
	}
	r.closed = true
	return firstErr
}
