// Package membank provides a minimal public API for embedding the memory
// bank's storage layer in other Go programs.
//
// Most integrations should talk to a running membankd over its HTTP
// session endpoint. This package exports only the core types and the
// file-backed store constructor, for tools that want direct in-process
// access to a store: importers, analyzers, migration scripts.
package membank

import (
	"context"

	"github.com/diaz3618/memory-bank-mcp-sub001/internal/storage"
	"github.com/diaz3618/memory-bank-mcp-sub001/internal/storage/file"
	"github.com/diaz3618/memory-bank-mcp-sub001/internal/types"
)

// Core graph types.
type (
	Entity      = types.Entity
	Observation = types.Observation
	Relation    = types.Relation
	Source      = types.Source
	Snapshot    = types.Snapshot
	Tenant      = types.Tenant
)

// Retrieval results.
type (
	SearchResult = types.SearchResult
	Neighborhood = types.Neighborhood
)

// GraphStore is the storage contract both backends satisfy.
type GraphStore = storage.GraphStore

// SearchOptions bounds a Search call.
type SearchOptions = storage.SearchOptions

// EntityRef addresses an entity by id (ent_ prefix) or by name.
type EntityRef = storage.EntityRef

// OpenFileStore opens, creating if needed, a JSONL-backed store rooted at
// dir. The returned store is safe for concurrent use within one process;
// writes from other processes are noticed and refolded on the next read.
func OpenFileStore(ctx context.Context, dir, storeID string) (GraphStore, error) {
	s := file.New(dir, storeID, nil)
	if err := s.Initialize(ctx); err != nil {
		return nil, err
	}
	return s, nil
}
