// Package file implements the JSONL-backed graph store.
//
// Each store is a directory holding graph.jsonl (the source of truth) plus
// derived files: snapshot.json, index.json and a human-readable graph.md.
// State is materialized by folding the log in memory; a generation tag
// derived from the log's size and mtime detects writes by other processes
// and triggers a re-fold on the next operation. Cross-process writers are
// serialized through a lock file in the store directory.
package file

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/diaz3618/memory-bank-mcp-sub001/internal/eventlog"
	"github.com/diaz3618/memory-bank-mcp-sub001/internal/graph"
	"github.com/diaz3618/memory-bank-mcp-sub001/internal/idgen"
	"github.com/diaz3618/memory-bank-mcp-sub001/internal/storage"
	"github.com/diaz3618/memory-bank-mcp-sub001/internal/types"
)

// Store directory layout.
const (
	LogFileName      = "graph.jsonl"
	SnapshotFileName = "graph.snapshot.json"
	IndexFileName    = "graph.index.json"
	MarkdownFileName = "graph.md"
	lockFileName     = ".graph.lock"
)

// Store is a file-backed graph store rooted at a single directory.
type Store struct {
	dir     string
	storeID string
	log     *eventlog.FileLog
	logger  *slog.Logger
	flk     *flock.Flock

	mu         sync.RWMutex
	graph      *graph.Graph
	generation eventlog.Generation
	lineCount  int
}

var _ storage.GraphStore = (*Store)(nil)

// New creates a store rooted at dir. Nothing touches the filesystem until
// Initialize runs.
func New(dir, storeID string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("store", storeID)
	return &Store{
		dir:     dir,
		storeID: storeID,
		log:     eventlog.NewFileLog(filepath.Join(dir, LogFileName), logger),
		logger:  logger,
		flk:     flock.New(filepath.Join(dir, lockFileName)),
	}
}

// Dir returns the store's directory.
func (s *Store) Dir() string { return s.dir }

// StoreID returns the store's identifier.
func (s *Store) StoreID() string { return s.storeID }

// Initialize creates the store directory and log (with its marker record)
// when absent, validates an existing log's marker, and folds the log into
// memory. Safe to call repeatedly.
func (s *Store) Initialize(ctx context.Context) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return storage.WrapError(storage.KindIoError, err, "failed to create store directory %s", s.dir)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.withFileLock(ctx, func() error {
		if err := s.log.Init(ctx); err != nil {
			return err
		}
		return s.reloadLocked(ctx)
	})
}

// UpsertEntity inserts or updates the entity addressed by the normalized
// name. An existing entity keeps its id (even across a type change) and its
// createdAt; attrs merge key-wise with the incoming values winning.
func (s *Store) UpsertEntity(ctx context.Context, name, entityType string, attrs map[string]any) (*types.Entity, error) {
	now := time.Now().UTC()

	var out types.Entity
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.withFileLock(ctx, func() error {
		if err := s.refreshLocked(ctx); err != nil {
			return err
		}

		var ent types.Entity
		if existing, ok := s.graph.ResolveName(name); ok {
			ent = types.Entity{
				ID:         existing.ID,
				Name:       name,
				EntityType: entityType,
				Attrs:      mergeAttrs(existing.Attrs, attrs),
				CreatedAt:  existing.CreatedAt,
				UpdatedAt:  now,
			}
		} else {
			ent = types.Entity{
				ID:         idgen.EntityID(name, entityType),
				Name:       name,
				EntityType: entityType,
				Attrs:      mergeAttrs(nil, attrs),
				CreatedAt:  now,
				UpdatedAt:  now,
			}
		}
		if err := ent.Validate(); err != nil {
			return storage.WrapError(storage.KindInvalidInput, err, "invalid entity")
		}

		if err := s.appendLocked(ctx, types.GraphEvent{Type: types.EventEntityUpsert, TS: now, Entity: &ent}); err != nil {
			return err
		}
		out = ent
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.writeDerived(ctx, "")
	return &out, nil
}

// AddObservation attaches text to an existing entity. A zero timestamp
// means now; the timestamp is part of the observation's identity, so
// replaying an import with explicit times produces the same ids.
func (s *Store) AddObservation(ctx context.Context, ref storage.EntityRef, text string, source *types.Source, at time.Time) (*types.Observation, error) {
	ts := at
	if ts.IsZero() {
		ts = time.Now()
	}
	ts = ts.UTC()

	var out types.Observation
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.withFileLock(ctx, func() error {
		if err := s.refreshLocked(ctx); err != nil {
			return err
		}

		ent, ok := s.graph.Resolve(string(ref))
		if !ok {
			return storage.NewError(storage.KindEntityNotFound, "entity %q not found", ref)
		}

		obs := types.Observation{
			ID:        idgen.ObservationID(ent.ID, text, ts),
			EntityID:  ent.ID,
			Text:      text,
			Source:    source,
			Timestamp: ts,
		}
		if err := obs.Validate(); err != nil {
			return storage.WrapError(storage.KindInvalidInput, err, "invalid observation")
		}

		if err := s.appendLocked(ctx, types.GraphEvent{Type: types.EventObservationAdd, TS: ts, Observation: &obs}); err != nil {
			return err
		}
		out = obs
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.writeDerived(ctx, "")
	return &out, nil
}

// LinkEntities creates a directed typed edge between two existing entities.
// Linking an already-linked (from, type, to) triple appends nothing and
// returns the existing relation.
func (s *Store) LinkEntities(ctx context.Context, from storage.EntityRef, relationType string, to storage.EntityRef) (*types.Relation, error) {
	now := time.Now().UTC()

	var out types.Relation
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.withFileLock(ctx, func() error {
		if err := s.refreshLocked(ctx); err != nil {
			return err
		}

		fromEnt, ok := s.graph.Resolve(string(from))
		if !ok {
			return storage.NewError(storage.KindEntityNotFound, "entity %q not found", from)
		}
		toEnt, ok := s.graph.Resolve(string(to))
		if !ok {
			return storage.NewError(storage.KindEntityNotFound, "entity %q not found", to)
		}

		id := idgen.RelationID(fromEnt.ID, toEnt.ID, relationType)
		if existing, ok := s.graph.Relations[id]; ok {
			out = existing
			return nil
		}

		rel := types.Relation{
			ID:           id,
			FromID:       fromEnt.ID,
			ToID:         toEnt.ID,
			RelationType: relationType,
			CreatedAt:    now,
		}
		if err := rel.Validate(); err != nil {
			return storage.WrapError(storage.KindInvalidInput, err, "invalid relation")
		}

		if err := s.appendLocked(ctx, types.GraphEvent{Type: types.EventRelationAdd, TS: now, Relation: &rel}); err != nil {
			return err
		}
		out = rel
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.writeDerived(ctx, "")
	return &out, nil
}

// UnlinkEntities removes an edge. Removing an edge that does not exist,
// including one whose endpoints are gone, is a no-op.
func (s *Store) UnlinkEntities(ctx context.Context, from storage.EntityRef, relationType string, to storage.EntityRef) error {
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	removed := false
	err := s.withFileLock(ctx, func() error {
		if err := s.refreshLocked(ctx); err != nil {
			return err
		}

		fromEnt, okFrom := s.graph.Resolve(string(from))
		toEnt, okTo := s.graph.Resolve(string(to))
		if !okFrom || !okTo {
			return nil
		}
		id := idgen.RelationID(fromEnt.ID, toEnt.ID, relationType)
		if _, ok := s.graph.Relations[id]; !ok {
			return nil
		}

		removed = true
		return s.appendLocked(ctx, types.GraphEvent{
			Type:         types.EventRelationRemove,
			TS:           now,
			FromID:       fromEnt.ID,
			ToID:         toEnt.ID,
			RelationType: relationType,
		})
	})
	if err != nil {
		return err
	}
	if removed {
		s.writeDerived(ctx, "")
	}
	return nil
}

// DeleteEntity removes an entity; the fold cascades to its observations and
// incident relations.
func (s *Store) DeleteEntity(ctx context.Context, ref storage.EntityRef) error {
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.withFileLock(ctx, func() error {
		if err := s.refreshLocked(ctx); err != nil {
			return err
		}
		ent, ok := s.graph.Resolve(string(ref))
		if !ok {
			return storage.NewError(storage.KindEntityNotFound, "entity %q not found", ref)
		}
		return s.appendLocked(ctx, types.GraphEvent{Type: types.EventEntityDelete, TS: now, EntityID: ent.ID})
	})
	if err != nil {
		return err
	}
	s.writeDerived(ctx, "")
	return nil
}

// DeleteObservation removes one observation by id.
func (s *Store) DeleteObservation(ctx context.Context, id string) error {
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.withFileLock(ctx, func() error {
		if err := s.refreshLocked(ctx); err != nil {
			return err
		}
		if _, ok := s.graph.Observations[id]; !ok {
			return storage.NewError(storage.KindEntityNotFound, "observation %q not found", id)
		}
		return s.appendLocked(ctx, types.GraphEvent{Type: types.EventObservationDelete, TS: now, ObservationID: id})
	})
	if err != nil {
		return err
	}
	s.writeDerived(ctx, "")
	return nil
}

// Search runs the scored lookup against the current fold.
func (s *Store) Search(ctx context.Context, query string, opts storage.SearchOptions) (*types.SearchResult, error) {
	var result *types.SearchResult
	err := s.withGraph(ctx, func(g *graph.Graph) error {
		result = g.Search(query, opts)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Expand returns the bounded neighborhood of the seed entities.
func (s *Store) Expand(ctx context.Context, seeds []string, depth int) (*types.Neighborhood, error) {
	var nb *types.Neighborhood
	err := s.withGraph(ctx, func(g *graph.Graph) error {
		nb = g.Expand(seeds, depth)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return nb, nil
}

// EntityObservations lists one entity's observations, newest first.
func (s *Store) EntityObservations(ctx context.Context, ref storage.EntityRef, limit int) ([]types.Observation, error) {
	var out []types.Observation
	err := s.withGraph(ctx, func(g *graph.Graph) error {
		ent, ok := g.Resolve(string(ref))
		if !ok {
			return storage.NewError(storage.KindEntityNotFound, "entity %q not found", ref)
		}
		out = g.ObservationsOf(ent.ID, limit)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Snapshot returns the materialized state, re-folding first iff the log
// changed underneath us.
func (s *Store) Snapshot(ctx context.Context) (*types.Snapshot, error) {
	var snap *types.Snapshot
	err := s.withGraph(ctx, func(g *graph.Graph) error {
		snap = g.Snapshot(s.snapshotMeta(""))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// Rebuild folds the log unconditionally and rewrites every derived file.
// Unlike the best-effort refresh after writes, a failure here is returned.
func (s *Store) Rebuild(ctx context.Context) (*types.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.reloadLocked(ctx); err != nil {
		return nil, err
	}
	if err := s.writeDerivedLocked(ctx, "rebuild"); err != nil {
		return nil, err
	}
	return s.graph.Snapshot(s.snapshotMeta("rebuild")), nil
}

// Compact replaces the log with the minimal event sequence reproducing the
// current state: the marker, one upsert per live entity, and the live
// observations and relations. The original log survives any failure.
func (s *Store) Compact(ctx context.Context) (*types.CompactResult, error) {
	var result types.CompactResult
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.withFileLock(ctx, func() error {
		if err := s.refreshLocked(ctx); err != nil {
			return err
		}

		before := s.log.SizeBytes()
		minimal := graph.MinimalEvents(s.graph.Snapshot(s.snapshotMeta("compact")))
		if err := s.log.TruncateAndReplace(ctx, minimal); err != nil {
			return err
		}
		if err := s.reloadLocked(ctx); err != nil {
			return err
		}

		result = types.CompactResult{
			BeforeBytes: before,
			AfterBytes:  s.log.SizeBytes(),
			EventCount:  len(minimal),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := s.writeDerivedLocked(ctx, "compact"); err != nil {
		return nil, err
	}
	s.logger.Info("compacted store",
		"beforeBytes", result.BeforeBytes,
		"afterBytes", result.AfterBytes,
		"events", result.EventCount)
	return &result, nil
}

// Close releases the store. The fold is dropped; the files stay.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.graph = nil
	s.generation = eventlog.GenerationMissing
	return nil
}

// Invalidate drops the cached fold so the next operation re-reads the log.
// The directory watcher calls this when another process touches the log.
func (s *Store) Invalidate() {
	s.mu.Lock()
	s.graph = nil
	s.generation = eventlog.GenerationMissing
	s.mu.Unlock()
}

// withGraph runs fn with a fresh fold, under the read lock on the fast path
// and the write lock when a re-fold is needed.
func (s *Store) withGraph(ctx context.Context, fn func(g *graph.Graph) error) error {
	s.mu.RLock()
	if s.graph != nil && s.generation == s.log.Generation() {
		defer s.mu.RUnlock()
		return fn(s.graph)
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.refreshLocked(ctx); err != nil {
		return err
	}
	return fn(s.graph)
}

// refreshLocked re-folds the log iff the cached fold is missing or stale.
// Callers hold s.mu.
func (s *Store) refreshLocked(ctx context.Context) error {
	if s.graph != nil && s.generation == s.log.Generation() {
		return nil
	}
	return s.reloadLocked(ctx)
}

// reloadLocked folds the whole log. The generation is read before the log,
// so a concurrent writer can only make the cache look stale, never fresh.
func (s *Store) reloadLocked(ctx context.Context) error {
	gen := s.log.Generation()
	records, err := s.log.ReadAll(ctx)
	if err != nil {
		return err
	}
	events := make([]types.GraphEvent, len(records))
	for i, rec := range records {
		events[i] = rec.Event
	}
	s.graph = graph.Reduce(events, s.logger)
	s.generation = gen
	s.lineCount = records[len(records)-1].Line
	return nil
}

// appendLocked writes one event and folds it into the cached graph.
// Callers hold s.mu and the file lock.
func (s *Store) appendLocked(ctx context.Context, ev types.GraphEvent) error {
	if err := s.log.Append(ctx, ev); err != nil {
		return err
	}
	s.generation = s.log.Generation()
	s.lineCount++
	s.graph.Apply(ev, s.logger)
	return nil
}

func (s *Store) snapshotMeta(source string) types.SnapshotMeta {
	return types.SnapshotMeta{
		Type:      types.SnapshotType,
		Version:   types.MarkerVersion,
		StoreID:   s.storeID,
		CreatedAt: time.Now().UTC(),
		Source:    source,
	}
}

// mergeAttrs unions base and incoming with incoming keys winning. The result
// is always a fresh map, so folds never alias caller-owned memory.
func mergeAttrs(base, incoming map[string]any) map[string]any {
	if len(base) == 0 && len(incoming) == 0 {
		return nil
	}
	merged := make(map[string]any, len(base)+len(incoming))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range incoming {
		merged[k] = v
	}
	return merged
}

// withFileLock serializes cross-process writers through the store's lock
// file, polling until acquired or the deadline passes.
func (s *Store) withFileLock(ctx context.Context, fn func() error) error {
	lockCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()

	for {
		locked, err := s.flk.TryLock()
		if err != nil {
			return storage.WrapError(storage.KindIoError, err, "failed to acquire store lock")
		}
		if locked {
			break
		}
		select {
		case <-lockCtx.Done():
			return storage.WrapError(storage.KindIoError, lockCtx.Err(),
				"timeout waiting for store lock %s", s.flk.Path())
		case <-time.After(lockPollInterval):
		}
	}
	defer func() { _ = s.flk.Unlock() }()

	return fn()
}

// Lock acquisition bounds. Contention is rare; the poll keeps latency low
// when it happens.
const (
	lockTimeout      = 10 * time.Second
	lockPollInterval = 25 * time.Millisecond
)
