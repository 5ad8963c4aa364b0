// Package auth resolves presented API credentials to tenant identities.
//
// The gate never sees plaintext at rest: credentials are hashed on arrival
// and every lookup, cache entry, and audit record is keyed by the hash. A
// small TTL cache in front of the key store keeps the hot path off the
// database; revocation therefore propagates within the cache TTL.
package auth

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/diaz3618/memory-bank-mcp-sub001/internal/storage"
	"github.com/diaz3618/memory-bank-mcp-sub001/internal/tenant"
	"github.com/diaz3618/memory-bank-mcp-sub001/internal/types"
)

const (
	// DefaultCacheTTL bounds how stale a cached key may get, which is also
	// the worst-case revocation delay.
	DefaultCacheTTL = 5 * time.Minute

	// touchInterval throttles last-seen writes per key.
	touchInterval = time.Minute

	touchTimeout    = 5 * time.Second
	maxCacheEntries = 4096
)

// KeyStore is the persistent side of the gate. The postgres and file key
// stores both satisfy it.
type KeyStore interface {
	Lookup(ctx context.Context, keyHash string) (*types.APIKey, error)
	TouchLastUsed(ctx context.Context, keyHash string, at time.Time) error
}

type cacheEntry struct {
	key       *types.APIKey
	expiresAt time.Time
	touchedAt time.Time
}

// Gate authenticates requests against stored key hashes.
type Gate struct {
	store  KeyStore
	ttl    time.Duration
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry

	now func() time.Time
}

// NewGate builds a gate over the given key store. A ttl of zero uses
// DefaultCacheTTL; larger values are clamped to it so revocation delay
// stays bounded.
func NewGate(store KeyStore, ttl time.Duration, logger *slog.Logger) *Gate {
	if ttl <= 0 || ttl > DefaultCacheTTL {
		ttl = DefaultCacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		store:  store,
		ttl:    ttl,
		logger: logger.With("component", "auth"),
		cache:  make(map[string]cacheEntry),
		now:    time.Now,
	}
}

// Authenticate resolves a presented credential to the tenant identity and
// key record it belongs to. Client-side failures (missing, malformed,
// unknown, revoked, expired) come back as tenant-denied errors; a key store
// outage surfaces as an IO error so the boundary can answer 5xx instead of
// 401.
func (g *Gate) Authenticate(ctx context.Context, credential string) (tenant.Identity, *types.APIKey, error) {
	if credential == "" {
		return tenant.Identity{}, nil, storage.NewError(storage.KindTenantDenied, "missing credential")
	}
	if !ValidCredential(credential) {
		return tenant.Identity{}, nil, storage.NewError(storage.KindTenantDenied, "malformed credential")
	}

	hash := HashCredential(credential)
	now := g.now()

	key, cached := g.cachedKey(hash, now)
	if !cached {
		fetched, err := g.store.Lookup(ctx, hash)
		if err != nil {
			if storage.IsEntityNotFound(err) {
				// Unknown and malformed look identical to the client.
				return tenant.Identity{}, nil, storage.NewError(storage.KindTenantDenied, "unknown credential")
			}
			return tenant.Identity{}, nil, err
		}
		key = fetched
	}

	if key.Revoked() {
		g.invalidate(hash)
		return tenant.Identity{}, nil, storage.NewError(storage.KindTenantDenied, "credential revoked")
	}
	if key.Expired(now) {
		g.invalidate(hash)
		return tenant.Identity{}, nil, storage.NewError(storage.KindTenantDenied, "credential expired")
	}

	if !cached {
		g.storeCached(hash, key, now)
	}
	if g.shouldTouch(hash, now) {
		go g.touchLastUsed(hash, now)
	}

	return tenant.Identity{UserID: key.UserID, ProjectID: key.ProjectID}, key, nil
}

// Invalidate drops a hash from the cache, used when a key is revoked by the
// same process that serves requests.
func (g *Gate) Invalidate(keyHash string) {
	g.invalidate(keyHash)
}

func (g *Gate) cachedKey(hash string, now time.Time) (*types.APIKey, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	entry, ok := g.cache[hash]
	if !ok {
		return nil, false
	}
	if now.After(entry.expiresAt) {
		delete(g.cache, hash)
		return nil, false
	}
	return entry.key, true
}

func (g *Gate) storeCached(hash string, key *types.APIKey, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.cache) >= maxCacheEntries {
		for h, entry := range g.cache {
			if now.After(entry.expiresAt) {
				delete(g.cache, h)
			}
		}
	}
	g.cache[hash] = cacheEntry{key: key, expiresAt: now.Add(g.ttl)}
}

func (g *Gate) invalidate(hash string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.cache, hash)
}

// shouldTouch claims the next last-seen write for this key, so concurrent
// requests do not pile identical updates onto the store.
func (g *Gate) shouldTouch(hash string, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	entry, ok := g.cache[hash]
	if !ok {
		return true
	}
	if !entry.touchedAt.IsZero() && now.Sub(entry.touchedAt) < touchInterval {
		return false
	}
	entry.touchedAt = now
	g.cache[hash] = entry
	return true
}

// touchLastUsed runs detached from the request; a failure here must never
// fail the request it came from.
func (g *Gate) touchLastUsed(hash string, at time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), touchTimeout)
	defer cancel()
	if err := g.store.TouchLastUsed(ctx, hash, at); err != nil {
		g.logger.Warn("failed to record key last-seen", "error", err)
	}
}

type keyContextKey struct{}

// WithAPIKey stashes the authenticated key record on the context so later
// middleware (the rate limiter reads scopes and per-key limits) can reach
// it without a second lookup.
func WithAPIKey(ctx context.Context, key *types.APIKey) context.Context {
	return context.WithValue(ctx, keyContextKey{}, key)
}

// APIKeyFromContext returns the key attached by WithAPIKey, if any.
func APIKeyFromContext(ctx context.Context) (*types.APIKey, bool) {
	key, ok := ctx.Value(keyContextKey{}).(*types.APIKey)
	return key, ok && key != nil
}
