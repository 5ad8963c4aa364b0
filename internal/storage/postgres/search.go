package postgres

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/diaz3618/memory-bank-mcp-sub001/internal/storage"
	"github.com/diaz3618/memory-bank-mcp-sub001/internal/tenant"
	"github.com/diaz3618/memory-bank-mcp-sub001/internal/types"
)

// searchEntitiesSQL scores with the same tiers as the in-memory backend
// (exact name, name substring, type substring, attr substring, fulltext)
// and uses ts_rank as the backend-native refinement within a tier.
// strpos avoids LIKE-pattern escaping for user input.
const searchEntitiesSQL = `
SELECT id, name, entity_type, attrs_json, created_at, updated_at, score FROM (
    SELECT e.id, e.name, e.entity_type, e.attrs_json, e.created_at, e.updated_at,
           GREATEST(
               CASE WHEN mb_normalize_name(e.name) = mb_normalize_name($2) THEN 1.0
                    WHEN strpos(mb_normalize_name(e.name), mb_normalize_name($2)) > 0 THEN 0.8
                    WHEN strpos(lower(e.entity_type), lower($2)) > 0 THEN 0.5
                    WHEN strpos(lower(e.attrs_json::text), lower($2)) > 0 THEN 0.3
                    ELSE 0 END,
               CASE WHEN to_tsvector('english', e.name || ' ' || e.entity_type)
                         @@ websearch_to_tsquery('english', $2) THEN 0.6 ELSE 0 END
           ) AS score,
           ts_rank(to_tsvector('english', e.name || ' ' || e.entity_type),
                   websearch_to_tsquery('english', $2)) AS rank
    FROM graph_entities e
    WHERE e.project_id = $1
) hits
WHERE score > 0
ORDER BY score DESC, rank DESC, mb_normalize_name(name) ASC
LIMIT $3`

const searchObservationsSQL = `
SELECT id, entity_id, content, source_json, created_at
FROM graph_observations
WHERE project_id = $1
  AND (fts_vector @@ websearch_to_tsquery('english', $2)
       OR strpos(lower(content), lower($2)) > 0)
ORDER BY ts_rank(fts_vector, websearch_to_tsquery('english', $2)) DESC, id ASC
LIMIT $3`

// searchRelationsSQL: relation hits need a type substring match and at
// least one endpoint among the entity hits, same contract as the
// in-memory backend.
const searchRelationsSQL = `
SELECT id, from_entity_id, to_entity_id, relation_type, created_at
FROM graph_relations
WHERE project_id = $1
  AND strpos(lower(relation_type), lower($2)) > 0
  AND (from_entity_id = ANY($3) OR to_entity_id = ANY($3))
ORDER BY id`

// Search runs the scored lookup against the live tables.
func (s *Store) Search(ctx context.Context, query string, opts storage.SearchOptions) (*types.SearchResult, error) {
	id, ok := tenant.FromContext(ctx)
	if !ok {
		return nil, storage.NewError(storage.KindTenantDenied, "request has no tenant identity")
	}

	result := &types.SearchResult{
		Entities:     []types.ScoredEntity{},
		Observations: []types.Observation{},
		Relations:    []types.Relation{},
	}
	if strings.TrimSpace(query) == "" {
		return result, nil
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = storage.DefaultSearchLimit
	}
	maxObs := opts.MaxObservations
	if maxObs <= 0 {
		maxObs = storage.DefaultObservationLimit
	}

	err := s.runner.Run(ctx, id, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, searchEntitiesSQL, id.ProjectID, query, limit)
		if err != nil {
			return storage.WrapError(storage.KindIoError, err, "failed to search entities")
		}
		result.Entities, err = scanScoredEntities(rows)
		if err != nil {
			return err
		}

		rows, err = tx.Query(ctx, searchObservationsSQL, id.ProjectID, query, maxObs)
		if err != nil {
			return storage.WrapError(storage.KindIoError, err, "failed to search observations")
		}
		result.Observations, err = scanObservations(rows)
		if err != nil {
			return err
		}

		hitIDs := make([]string, len(result.Entities))
		for i, hit := range result.Entities {
			hitIDs[i] = hit.ID
		}
		rows, err = tx.Query(ctx, searchRelationsSQL, id.ProjectID, query, hitIDs)
		if err != nil {
			return storage.WrapError(storage.KindIoError, err, "failed to search relations")
		}
		result.Relations, err = scanRelations(rows)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func scanScoredEntities(rows pgx.Rows) ([]types.ScoredEntity, error) {
	defer rows.Close()
	out := []types.ScoredEntity{}
	for rows.Next() {
		var hit types.ScoredEntity
		var attrsJSON []byte
		err := rows.Scan(&hit.ID, &hit.Name, &hit.EntityType, &attrsJSON,
			&hit.CreatedAt, &hit.UpdatedAt, &hit.Score)
		if err != nil {
			return nil, storage.WrapError(storage.KindIoError, err, "failed to scan search hit")
		}
		attrs, err := attrsFromJSON(attrsJSON)
		if err != nil {
			return nil, err
		}
		hit.Attrs = attrs
		hit.CreatedAt = hit.CreatedAt.UTC()
		hit.UpdatedAt = hit.UpdatedAt.UTC()
		out = append(out, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.WrapError(storage.KindIoError, err, "failed to read search hits")
	}
	return out, nil
}

// expandSQL walks relations breadth-first both ways from the seeds. The
// recursive term stops at the depth bound; grouping by minimum depth gives
// each entity its discovery level, and ordering by (depth, id) matches the
// in-memory backend's level-by-level output.
const expandSQL = `
WITH RECURSIVE walk(id, depth) AS (
    SELECT e.id, 0
    FROM graph_entities e
    WHERE e.project_id = $1 AND e.id = ANY($2)
  UNION
    SELECT CASE WHEN r.from_entity_id = w.id THEN r.to_entity_id
                ELSE r.from_entity_id END,
           w.depth + 1
    FROM walk w
    JOIN graph_relations r
      ON r.project_id = $1
     AND (r.from_entity_id = w.id OR r.to_entity_id = w.id)
    WHERE w.depth < $3
),
closure AS (
    SELECT id, min(depth) AS depth FROM walk GROUP BY id
)
SELECT e.id, e.name, e.entity_type, e.attrs_json, e.created_at, e.updated_at
FROM closure c
JOIN graph_entities e ON e.project_id = $1 AND e.id = c.id
ORDER BY c.depth, e.id`

const expandRelationsSQL = `
SELECT r.id, r.from_entity_id, r.to_entity_id, r.relation_type, r.created_at
FROM graph_relations r
WHERE r.project_id = $1
  AND r.from_entity_id = ANY($2)
  AND r.to_entity_id = ANY($2)
ORDER BY r.id`

// Expand returns the bounded neighborhood of the seed entities, depth
// clamped to [1, 2]. Unknown seeds are skipped.
func (s *Store) Expand(ctx context.Context, seeds []string, depth int) (*types.Neighborhood, error) {
	id, ok := tenant.FromContext(ctx)
	if !ok {
		return nil, storage.NewError(storage.KindTenantDenied, "request has no tenant identity")
	}

	if depth < 1 {
		depth = 1
	}
	if depth > 2 {
		depth = 2
	}

	nb := &types.Neighborhood{
		Entities:  []types.Entity{},
		Relations: []types.Relation{},
	}
	if len(seeds) == 0 {
		return nb, nil
	}

	err := s.runner.Run(ctx, id, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, expandSQL, id.ProjectID, seeds, depth)
		if err != nil {
			return storage.WrapError(storage.KindIoError, err, "failed to expand neighborhood")
		}
		nb.Entities, err = scanEntities(rows)
		if err != nil {
			return err
		}
		if len(nb.Entities) == 0 {
			return nil
		}

		closure := make([]string, len(nb.Entities))
		for i, ent := range nb.Entities {
			closure[i] = ent.ID
		}
		rows, err = tx.Query(ctx, expandRelationsSQL, id.ProjectID, closure)
		if err != nil {
			return storage.WrapError(storage.KindIoError, err, "failed to load neighborhood relations")
		}
		nb.Relations, err = scanRelations(rows)
		return err
	})
	if err != nil {
		return nil, err
	}
	return nb, nil
}

// EntityObservations returns up to limit observations for one entity,
// newest first. A non-positive limit returns all of them.
func (s *Store) EntityObservations(ctx context.Context, ref storage.EntityRef, limit int) ([]types.Observation, error) {
	id, ok := tenant.FromContext(ctx)
	if !ok {
		return nil, storage.NewError(storage.KindTenantDenied, "request has no tenant identity")
	}
	if limit < 0 {
		limit = 0
	}

	var out []types.Observation
	err := s.runner.Run(ctx, id, func(tx pgx.Tx) error {
		entityID, err := resolveEntityID(ctx, tx, id.ProjectID, ref)
		if err != nil {
			return err
		}
		rows, err := tx.Query(ctx, `
SELECT id, entity_id, content, source_json, created_at
FROM graph_observations
WHERE project_id = $1 AND entity_id = $2
ORDER BY created_at DESC, id ASC
LIMIT NULLIF($3::int, 0)`, id.ProjectID, entityID, limit)
		if err != nil {
			return storage.WrapError(storage.KindIoError, err, "failed to load observations")
		}
		out, err = scanObservations(rows)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
