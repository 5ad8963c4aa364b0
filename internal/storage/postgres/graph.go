package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/diaz3618/memory-bank-mcp-sub001/internal/idgen"
	"github.com/diaz3618/memory-bank-mcp-sub001/internal/storage"
	"github.com/diaz3618/memory-bank-mcp-sub001/internal/tenant"
	"github.com/diaz3618/memory-bank-mcp-sub001/internal/types"
)

// upsertEntitySQL keeps the existing row's id and created_at on conflict,
// merges attrs by shallow union (incoming keys win, jsonb || semantics)
// and replaces the name and type.
const upsertEntitySQL = `
INSERT INTO graph_entities (project_id, id, name, entity_type, attrs_json, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $6)
ON CONFLICT (project_id, mb_normalize_name(name)) DO UPDATE SET
    name        = EXCLUDED.name,
    entity_type = EXCLUDED.entity_type,
    attrs_json  = graph_entities.attrs_json || EXCLUDED.attrs_json,
    updated_at  = EXCLUDED.updated_at
RETURNING id, name, entity_type, attrs_json, created_at, updated_at`

// UpsertEntity inserts or merges by normalized name within the project.
func (s *Store) UpsertEntity(ctx context.Context, name, entityType string, attrs map[string]any) (*types.Entity, error) {
	id, ok := tenant.FromContext(ctx)
	if !ok {
		return nil, storage.NewError(storage.KindTenantDenied, "request has no tenant identity")
	}

	now := time.Now().UTC()
	candidate := types.Entity{
		ID:         idgen.EntityID(name, entityType),
		Name:       name,
		EntityType: entityType,
		Attrs:      attrs,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := candidate.Validate(); err != nil {
		return nil, storage.WrapError(storage.KindInvalidInput, err, "invalid entity")
	}
	attrsJSON, err := attrsToJSON(attrs)
	if err != nil {
		return nil, err
	}

	var ent types.Entity
	err = s.runner.Run(ctx, id, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, upsertEntitySQL,
			id.ProjectID, candidate.ID, name, entityType, attrsJSON, now)
		if err := scanEntity(row, &ent); err != nil {
			return storage.WrapError(storage.KindIoError, err, "failed to upsert entity %q", name)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &ent, nil
}

// resolveEntityID finds an entity by id or normalized name within the
// transaction. Missing entities surface as EntityNotFound.
func resolveEntityID(ctx context.Context, tx pgx.Tx, projectID string, ref storage.EntityRef) (string, error) {
	var entityID string
	err := tx.QueryRow(ctx, `
SELECT id FROM graph_entities
WHERE project_id = $1 AND (id = $2 OR mb_normalize_name(name) = mb_normalize_name($2))
LIMIT 1`, projectID, string(ref)).Scan(&entityID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", storage.NewError(storage.KindEntityNotFound, "entity %q not found", string(ref))
	}
	if err != nil {
		return "", storage.WrapError(storage.KindIoError, err, "failed to resolve entity %q", string(ref))
	}
	return entityID, nil
}

// addObservationSQL: re-adding the same (entity, text, timestamp) triple
// hits the same content-derived id; the self-assigning conflict clause
// turns that into an idempotent return of the existing row.
const addObservationSQL = `
INSERT INTO graph_observations (project_id, id, entity_id, content, source_json, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (project_id, id) DO UPDATE SET content = EXCLUDED.content
RETURNING id, entity_id, content, source_json, created_at`

// AddObservation attaches text to an existing entity. A zero timestamp
// means now; explicit timestamps are part of the observation's identity.
func (s *Store) AddObservation(ctx context.Context, ref storage.EntityRef, text string, source *types.Source, at time.Time) (*types.Observation, error) {
	id, ok := tenant.FromContext(ctx)
	if !ok {
		return nil, storage.NewError(storage.KindTenantDenied, "request has no tenant identity")
	}

	ts := at
	if ts.IsZero() {
		ts = time.Now()
	}
	ts = ts.UTC()
	sourceJSON, err := sourceToJSON(source)
	if err != nil {
		return nil, err
	}

	var obs types.Observation
	err = s.runner.Run(ctx, id, func(tx pgx.Tx) error {
		entityID, err := resolveEntityID(ctx, tx, id.ProjectID, ref)
		if err != nil {
			return err
		}

		candidate := types.Observation{
			ID:        idgen.ObservationID(entityID, text, ts),
			EntityID:  entityID,
			Text:      text,
			Source:    source,
			Timestamp: ts,
		}
		if err := candidate.Validate(); err != nil {
			return storage.WrapError(storage.KindInvalidInput, err, "invalid observation")
		}

		row := tx.QueryRow(ctx, addObservationSQL,
			id.ProjectID, candidate.ID, entityID, text, sourceJSON, ts)
		if err := scanObservation(row, &obs); err != nil {
			return storage.WrapError(storage.KindIoError, err, "failed to add observation")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &obs, nil
}

// linkEntitiesSQL: relation ids derive from (from, to, type), so the
// conflict clause returns the existing row with its original created_at.
const linkEntitiesSQL = `
INSERT INTO graph_relations (project_id, id, from_entity_id, to_entity_id, relation_type, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (project_id, from_entity_id, to_entity_id, relation_type)
DO UPDATE SET relation_type = EXCLUDED.relation_type
RETURNING id, from_entity_id, to_entity_id, relation_type, created_at`

// LinkEntities creates a directed typed edge; linking an existing edge
// returns it unchanged.
func (s *Store) LinkEntities(ctx context.Context, from storage.EntityRef, relationType string, to storage.EntityRef) (*types.Relation, error) {
	id, ok := tenant.FromContext(ctx)
	if !ok {
		return nil, storage.NewError(storage.KindTenantDenied, "request has no tenant identity")
	}

	var rel types.Relation
	err := s.runner.Run(ctx, id, func(tx pgx.Tx) error {
		fromID, err := resolveEntityID(ctx, tx, id.ProjectID, from)
		if err != nil {
			return err
		}
		toID, err := resolveEntityID(ctx, tx, id.ProjectID, to)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		candidate := types.Relation{
			ID:           idgen.RelationID(fromID, toID, relationType),
			FromID:       fromID,
			ToID:         toID,
			RelationType: relationType,
			CreatedAt:    now,
		}
		if err := candidate.Validate(); err != nil {
			return storage.WrapError(storage.KindInvalidInput, err, "invalid relation")
		}

		row := tx.QueryRow(ctx, linkEntitiesSQL,
			id.ProjectID, candidate.ID, fromID, toID, relationType, now)
		if err := scanRelation(row, &rel); err != nil {
			return storage.WrapError(storage.KindIoError, err, "failed to link entities")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &rel, nil
}

// UnlinkEntities removes an edge. A missing endpoint or an absent edge is
// a no-op.
func (s *Store) UnlinkEntities(ctx context.Context, from storage.EntityRef, relationType string, to storage.EntityRef) error {
	id, ok := tenant.FromContext(ctx)
	if !ok {
		return storage.NewError(storage.KindTenantDenied, "request has no tenant identity")
	}

	return s.runner.Run(ctx, id, func(tx pgx.Tx) error {
		fromID, err := resolveEntityID(ctx, tx, id.ProjectID, from)
		if storage.IsEntityNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		toID, err := resolveEntityID(ctx, tx, id.ProjectID, to)
		if storage.IsEntityNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
DELETE FROM graph_relations
WHERE project_id = $1 AND from_entity_id = $2 AND to_entity_id = $3 AND relation_type = $4`,
			id.ProjectID, fromID, toID, relationType)
		if err != nil {
			return storage.WrapError(storage.KindIoError, err, "failed to unlink entities")
		}
		return nil
	})
}

// DeleteEntity removes an entity; observations and incident relations go
// with it via the cascade constraints.
func (s *Store) DeleteEntity(ctx context.Context, ref storage.EntityRef) error {
	id, ok := tenant.FromContext(ctx)
	if !ok {
		return storage.NewError(storage.KindTenantDenied, "request has no tenant identity")
	}

	return s.runner.Run(ctx, id, func(tx pgx.Tx) error {
		entityID, err := resolveEntityID(ctx, tx, id.ProjectID, ref)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
DELETE FROM graph_entities WHERE project_id = $1 AND id = $2`, id.ProjectID, entityID)
		if err != nil {
			return storage.WrapError(storage.KindIoError, err, "failed to delete entity %q", entityID)
		}
		return nil
	})
}

// DeleteObservation removes one observation by id.
func (s *Store) DeleteObservation(ctx context.Context, obsID string) error {
	id, ok := tenant.FromContext(ctx)
	if !ok {
		return storage.NewError(storage.KindTenantDenied, "request has no tenant identity")
	}

	return s.runner.Run(ctx, id, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
DELETE FROM graph_observations WHERE project_id = $1 AND id = $2`, id.ProjectID, obsID)
		if err != nil {
			return storage.WrapError(storage.KindIoError, err, "failed to delete observation %q", obsID)
		}
		if tag.RowsAffected() == 0 {
			return storage.NewError(storage.KindEntityNotFound, "observation %q not found", obsID)
		}
		return nil
	})
}
