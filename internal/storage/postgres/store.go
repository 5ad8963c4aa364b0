// Package postgres is the relational GraphStore backend. State lives in
// live tables rather than an event log; every statement runs inside a
// tenant-scoped transaction (internal/tenant) and row-level security
// keeps projects apart even when a query forgets its WHERE clause.
package postgres

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/diaz3618/memory-bank-mcp-sub001/internal/storage"
	"github.com/diaz3618/memory-bank-mcp-sub001/internal/tenant"
	"github.com/diaz3618/memory-bank-mcp-sub001/internal/types"
)

// Store implements storage.GraphStore over the relational schema. One
// instance serves every project; the caller's identity travels in the
// context and becomes the project scope of each transaction.
type Store struct {
	pool   *pgxpool.Pool
	runner *tenant.Runner
	logger *slog.Logger
}

var _ storage.GraphStore = (*Store)(nil)

// New returns a store over the pool. The pool is shared and not closed by
// the store.
func New(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("backend", "postgres")
	return &Store{
		pool:   pool,
		runner: tenant.NewRunner(pool, logger),
		logger: logger,
	}
}

// Initialize applies the schema and security policies.
func (s *Store) Initialize(ctx context.Context) error {
	return Migrate(ctx, s.pool, s.logger)
}

// Close releases nothing: the pool is owned by the caller and may be
// shared with the key and event stores.
func (s *Store) Close() error { return nil }

// Snapshot materializes the tenant's graph from the live tables, ordered
// by id like the file backend's snapshots.
func (s *Store) Snapshot(ctx context.Context) (*types.Snapshot, error) {
	id, ok := tenant.FromContext(ctx)
	if !ok {
		return nil, storage.NewError(storage.KindTenantDenied, "request has no tenant identity")
	}

	snap := &types.Snapshot{
		Meta: types.SnapshotMeta{
			Type:      types.SnapshotType,
			Version:   types.MarkerVersion,
			StoreID:   id.ProjectID,
			CreatedAt: time.Now().UTC(),
			Source:    "postgres",
		},
		Entities:     []types.Entity{},
		Observations: []types.Observation{},
		Relations:    []types.Relation{},
	}

	err := s.runner.Run(ctx, id, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
SELECT id, name, entity_type, attrs_json, created_at, updated_at
FROM graph_entities WHERE project_id = $1 ORDER BY id`, id.ProjectID)
		if err != nil {
			return storage.WrapError(storage.KindIoError, err, "failed to query entities")
		}
		snap.Entities, err = scanEntities(rows)
		if err != nil {
			return err
		}

		rows, err = tx.Query(ctx, `
SELECT id, entity_id, content, source_json, created_at
FROM graph_observations WHERE project_id = $1 ORDER BY id`, id.ProjectID)
		if err != nil {
			return storage.WrapError(storage.KindIoError, err, "failed to query observations")
		}
		snap.Observations, err = scanObservations(rows)
		if err != nil {
			return err
		}

		rows, err = tx.Query(ctx, `
SELECT id, from_entity_id, to_entity_id, relation_type, created_at
FROM graph_relations WHERE project_id = $1 ORDER BY id`, id.ProjectID)
		if err != nil {
			return storage.WrapError(storage.KindIoError, err, "failed to query relations")
		}
		snap.Relations, err = scanRelations(rows)
		return err
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// Rebuild is a no-op for the relational backend: the tables are the
// authoritative state, there is no derived cache to refresh.
func (s *Store) Rebuild(ctx context.Context) (*types.Snapshot, error) {
	return s.Snapshot(ctx)
}

// Compact reports current row counts. The relational backend stores state,
// not a log, so there is nothing to rewrite.
func (s *Store) Compact(ctx context.Context) (*types.CompactResult, error) {
	id, ok := tenant.FromContext(ctx)
	if !ok {
		return nil, storage.NewError(storage.KindTenantDenied, "request has no tenant identity")
	}

	var result types.CompactResult
	err := s.runner.Run(ctx, id, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
SELECT (SELECT count(*) FROM graph_entities WHERE project_id = $1)
     + (SELECT count(*) FROM graph_observations WHERE project_id = $1)
     + (SELECT count(*) FROM graph_relations WHERE project_id = $1)`, id.ProjectID)
		return row.Scan(&result.EventCount)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug("compact is a no-op on the relational backend", "rows", result.EventCount)
	return &result, nil
}

// attrsToJSON encodes attrs for the jsonb column. Empty attrs become the
// empty object, never jsonb null, so the merge operator stays usable.
func attrsToJSON(attrs map[string]any) ([]byte, error) {
	if len(attrs) == 0 {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(attrs)
	if err != nil {
		return nil, storage.WrapError(storage.KindInvalidInput, err, "failed to encode attrs")
	}
	return data, nil
}

func attrsFromJSON(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var attrs map[string]any
	if err := json.Unmarshal(data, &attrs); err != nil {
		return nil, storage.WrapError(storage.KindValidationError, err, "failed to decode attrs")
	}
	if len(attrs) == 0 {
		return nil, nil
	}
	return attrs, nil
}

func sourceToJSON(source *types.Source) ([]byte, error) {
	if source == nil {
		return nil, nil
	}
	data, err := json.Marshal(source)
	if err != nil {
		return nil, storage.WrapError(storage.KindInvalidInput, err, "failed to encode source")
	}
	return data, nil
}

func sourceFromJSON(data []byte) (*types.Source, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var source types.Source
	if err := json.Unmarshal(data, &source); err != nil {
		return nil, storage.WrapError(storage.KindValidationError, err, "failed to decode source")
	}
	return &source, nil
}

// scanEntity reads one entity row in column order
// (id, name, entity_type, attrs_json, created_at, updated_at).
func scanEntity(row pgx.Row, ent *types.Entity) error {
	var attrsJSON []byte
	if err := row.Scan(&ent.ID, &ent.Name, &ent.EntityType, &attrsJSON, &ent.CreatedAt, &ent.UpdatedAt); err != nil {
		return err
	}
	attrs, err := attrsFromJSON(attrsJSON)
	if err != nil {
		return err
	}
	ent.Attrs = attrs
	ent.CreatedAt = ent.CreatedAt.UTC()
	ent.UpdatedAt = ent.UpdatedAt.UTC()
	return nil
}

func scanEntities(rows pgx.Rows) ([]types.Entity, error) {
	defer rows.Close()
	out := []types.Entity{}
	for rows.Next() {
		var ent types.Entity
		if err := scanEntity(rows, &ent); err != nil {
			return nil, storage.WrapError(storage.KindIoError, err, "failed to scan entity")
		}
		out = append(out, ent)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.WrapError(storage.KindIoError, err, "failed to read entities")
	}
	return out, nil
}

// scanObservation reads one observation row in column order
// (id, entity_id, content, source_json, created_at).
func scanObservation(row pgx.Row, obs *types.Observation) error {
	var sourceJSON []byte
	if err := row.Scan(&obs.ID, &obs.EntityID, &obs.Text, &sourceJSON, &obs.Timestamp); err != nil {
		return err
	}
	source, err := sourceFromJSON(sourceJSON)
	if err != nil {
		return err
	}
	obs.Source = source
	obs.Timestamp = obs.Timestamp.UTC()
	return nil
}

func scanObservations(rows pgx.Rows) ([]types.Observation, error) {
	defer rows.Close()
	out := []types.Observation{}
	for rows.Next() {
		var obs types.Observation
		if err := scanObservation(rows, &obs); err != nil {
			return nil, storage.WrapError(storage.KindIoError, err, "failed to scan observation")
		}
		out = append(out, obs)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.WrapError(storage.KindIoError, err, "failed to read observations")
	}
	return out, nil
}

// scanRelation reads one relation row in column order
// (id, from_entity_id, to_entity_id, relation_type, created_at).
func scanRelation(row pgx.Row, rel *types.Relation) error {
	if err := row.Scan(&rel.ID, &rel.FromID, &rel.ToID, &rel.RelationType, &rel.CreatedAt); err != nil {
		return err
	}
	rel.CreatedAt = rel.CreatedAt.UTC()
	return nil
}

func scanRelations(rows pgx.Rows) ([]types.Relation, error) {
	defer rows.Close()
	out := []types.Relation{}
	for rows.Next() {
		var rel types.Relation
		if err := scanRelation(rows, &rel); err != nil {
			return nil, storage.WrapError(storage.KindIoError, err, "failed to scan relation")
		}
		out = append(out, rel)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.WrapError(storage.KindIoError, err, "failed to read relations")
	}
	return out, nil
}
