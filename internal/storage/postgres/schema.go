package postgres

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/diaz3618/memory-bank-mcp-sub001/internal/storage"
)

// normalizeFn mirrors types.NormalizeName on the database side: trim,
// collapse inner whitespace, lowercase. It must stay IMMUTABLE so the
// unique expression index can use it.
const normalizeFn = `
CREATE OR REPLACE FUNCTION mb_normalize_name(text) RETURNS text
LANGUAGE sql IMMUTABLE AS $$
    SELECT lower(regexp_replace(btrim($1), '\s+', ' ', 'g'))
$$`

// Entity, observation and relation ids are content hashes, so the same
// name in two projects yields the same id. Primary keys are therefore
// composite on (project_id, id).
var schemaStatements = []string{
	normalizeFn,

	`CREATE TABLE IF NOT EXISTS graph_entities (
    project_id  TEXT NOT NULL,
    id          TEXT NOT NULL,
    name        TEXT NOT NULL,
    entity_type TEXT NOT NULL,
    attrs_json  JSONB NOT NULL DEFAULT '{}',
    created_at  TIMESTAMPTZ NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (project_id, id)
)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_graph_entities_name
    ON graph_entities (project_id, mb_normalize_name(name))`,

	`CREATE TABLE IF NOT EXISTS graph_observations (
    project_id  TEXT NOT NULL,
    id          TEXT NOT NULL,
    entity_id   TEXT NOT NULL,
    content     TEXT NOT NULL,
    source_json JSONB,
    created_at  TIMESTAMPTZ NOT NULL,
    fts_vector  TSVECTOR GENERATED ALWAYS AS (to_tsvector('english', content)) STORED,
    PRIMARY KEY (project_id, id),
    FOREIGN KEY (project_id, entity_id)
        REFERENCES graph_entities (project_id, id) ON DELETE CASCADE
)`,
	`CREATE INDEX IF NOT EXISTS idx_graph_observations_entity
    ON graph_observations (project_id, entity_id)`,
	`CREATE INDEX IF NOT EXISTS idx_graph_observations_fts
    ON graph_observations USING GIN (fts_vector)`,

	`CREATE TABLE IF NOT EXISTS graph_relations (
    project_id     TEXT NOT NULL,
    id             TEXT NOT NULL,
    from_entity_id TEXT NOT NULL,
    to_entity_id   TEXT NOT NULL,
    relation_type  TEXT NOT NULL,
    created_at     TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (project_id, id),
    UNIQUE (project_id, from_entity_id, to_entity_id, relation_type),
    FOREIGN KEY (project_id, from_entity_id)
        REFERENCES graph_entities (project_id, id) ON DELETE CASCADE,
    FOREIGN KEY (project_id, to_entity_id)
        REFERENCES graph_entities (project_id, id) ON DELETE CASCADE
)`,

	`CREATE TABLE IF NOT EXISTS documents (
    project_id TEXT NOT NULL,
    path       TEXT NOT NULL,
    content    TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (project_id, path)
)`,

	// api_keys is read before any tenant identity exists, so it carries no
	// row-level security. Lookups go through the primary key only.
	`CREATE TABLE IF NOT EXISTS api_keys (
    key_hash     TEXT PRIMARY KEY,
    user_id      TEXT NOT NULL,
    project_id   TEXT NOT NULL,
    scopes       TEXT[] NOT NULL DEFAULT '{}',
    rate_limit   INTEGER NOT NULL DEFAULT 0,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    revoked_at   TIMESTAMPTZ,
    expires_at   TIMESTAMPTZ,
    last_used_at TIMESTAMPTZ
)`,

	`CREATE TABLE IF NOT EXISTS rpc_events (
    id           BIGSERIAL PRIMARY KEY,
    stream_id    TEXT NOT NULL,
    payload_json JSONB NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	`CREATE INDEX IF NOT EXISTS idx_rpc_events_stream
    ON rpc_events (stream_id, id)`,
	`CREATE INDEX IF NOT EXISTS idx_rpc_events_created
    ON rpc_events (created_at)`,
}

// tenantTables are the tables whose rows are scoped to one project.
var tenantTables = []string{
	"graph_entities",
	"graph_observations",
	"graph_relations",
	"documents",
}

// Migrate creates the schema and (re)applies row-level security. FORCE
// keeps the table owner subject to the policies too, so integration
// environments that run as one role still exercise isolation. The policy
// reads the transaction-scoped setting; with no setting the comparison is
// NULL and no row is visible.
func Migrate(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return storage.WrapError(storage.KindIoError, err, "failed to apply schema")
		}
	}

	for _, table := range tenantTables {
		stmts := []string{
			`ALTER TABLE ` + table + ` ENABLE ROW LEVEL SECURITY`,
			`ALTER TABLE ` + table + ` FORCE ROW LEVEL SECURITY`,
			`DROP POLICY IF EXISTS tenant_isolation ON ` + table,
			`CREATE POLICY tenant_isolation ON ` + table + `
    USING (project_id = current_setting('app.current_project_id', true))
    WITH CHECK (project_id = current_setting('app.current_project_id', true))`,
		}
		for _, stmt := range stmts {
			if _, err := pool.Exec(ctx, stmt); err != nil {
				return storage.WrapError(storage.KindIoError, err, "failed to secure table %s", table)
			}
		}
	}

	logger.Debug("schema ready", "tables", len(schemaStatements))
	return nil
}
