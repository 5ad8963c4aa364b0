// Package storage defines the abstract contract satisfied by every graph
// store backend.
//
// The concrete implementations live in the file and postgres sub-packages.
// This package holds the interface, the error taxonomy and the store
// registry that are referenced by both the backends and their consumers
// (rpc handlers, retrieval engine, compactor, cmd/membankd).
package storage

import (
	"context"
	"time"

	"github.com/diaz3618/memory-bank-mcp-sub001/internal/types"
)

// SearchOptions bounds a graph search.
type SearchOptions struct {
	// Limit caps returned entities. Zero means DefaultSearchLimit.
	Limit int
	// MaxObservations caps fulltext observation hits. Zero means
	// DefaultObservationLimit.
	MaxObservations int
}

// Search limits. Observation hits are hard-capped so a broad query cannot
// return an unbounded payload.
const (
	DefaultSearchLimit      = 10
	DefaultObservationLimit = 50
	MaxScanEntities         = 10000
)

// EntityRef addresses an entity either by id or by name. Resolution tries
// the id form first (ent_ prefix), then the normalized name.
type EntityRef string

// GraphStore is the abstract contract both backends satisfy. All mutating
// operations append to the store's event log; reads are served from the
// materialized snapshot (file backend) or the live tables (postgres).
//
// Errors carry a Kind from this package's taxonomy; callers branch with the
// Is* predicates rather than string matching.
type GraphStore interface {
	// Initialize creates or validates the marker and builds the initial
	// snapshot. It must be called once before any other operation.
	Initialize(ctx context.Context) error

	// UpsertEntity inserts or replaces an entity addressed by its
	// normalized name. CreatedAt survives re-upserts; UpdatedAt is bumped.
	UpsertEntity(ctx context.Context, name, entityType string, attrs map[string]any) (*types.Entity, error)

	// AddObservation attaches free text to an existing entity. A zero
	// timestamp means now; an explicit one (imports, replays) is part of
	// the observation's identity.
	AddObservation(ctx context.Context, ref EntityRef, text string, source *types.Source, at time.Time) (*types.Observation, error)

	// LinkEntities creates a directed typed edge. Idempotent: linking an
	// existing (from, type, to) returns the existing relation.
	LinkEntities(ctx context.Context, from EntityRef, relationType string, to EntityRef) (*types.Relation, error)

	// UnlinkEntities removes an edge. Removing an absent edge is a no-op.
	UnlinkEntities(ctx context.Context, from EntityRef, relationType string, to EntityRef) error

	// DeleteEntity removes an entity and, via the reducer, all its
	// observations and incident relations.
	DeleteEntity(ctx context.Context, ref EntityRef) error

	// DeleteObservation removes one observation by id.
	DeleteObservation(ctx context.Context, id string) error

	// Search runs the scored entity/observation/relation lookup.
	Search(ctx context.Context, query string, opts SearchOptions) (*types.SearchResult, error)

	// Expand returns the 1-2 hop neighborhood of the seed entities.
	Expand(ctx context.Context, seeds []string, depth int) (*types.Neighborhood, error)

	// EntityObservations returns up to limit observations attached to one
	// entity, newest first.
	EntityObservations(ctx context.Context, ref EntityRef, limit int) ([]types.Observation, error)

	// Snapshot returns the current materialized state, rebuilding first
	// iff the underlying log generation differs from the cached one.
	Snapshot(ctx context.Context) (*types.Snapshot, error)

	// Rebuild folds the log unconditionally and rewrites derived files.
	Rebuild(ctx context.Context) (*types.Snapshot, error)

	// Compact rewrites the log as the minimal event sequence equivalent
	// to the live state. The original log survives any failure.
	Compact(ctx context.Context) (*types.CompactResult, error)

	// Close releases the store's resources.
	Close() error
}

// DocumentStore is the narrow contract the retrieval engine reads documents
// through. Implementations validate every path before touching storage.
type DocumentStore interface {
	Read(ctx context.Context, path string) (string, error)
	Write(ctx context.Context, path, content string) error
	List(ctx context.Context, prefix string) ([]string, error)
	IsDir(ctx context.Context, path string) (bool, error)
	Delete(ctx context.Context, path string) error
}
