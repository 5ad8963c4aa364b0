package postgres

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/diaz3618/memory-bank-mcp-sub001/internal/storage"
	"github.com/diaz3618/memory-bank-mcp-sub001/internal/types"
)

// KeyStore persists API keys. It runs outside the tenant runner: key
// lookup is what establishes the tenant identity in the first place, so
// there is no identity to scope by yet. Access is by key hash only.
type KeyStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewKeyStore returns a key store over the pool.
func NewKeyStore(pool *pgxpool.Pool, logger *slog.Logger) *KeyStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &KeyStore{pool: pool, logger: logger}
}

const selectKeySQL = `
SELECT key_hash, user_id, project_id, scopes, rate_limit,
       created_at, revoked_at, expires_at, last_used_at
FROM api_keys WHERE key_hash = $1`

// Lookup returns the key record for a hash.
func (s *KeyStore) Lookup(ctx context.Context, keyHash string) (*types.APIKey, error) {
	var key types.APIKey
	err := s.pool.QueryRow(ctx, selectKeySQL, keyHash).Scan(
		&key.KeyHash, &key.UserID, &key.ProjectID, &key.Scopes, &key.RateLimit,
		&key.CreatedAt, &key.RevokedAt, &key.ExpiresAt, &key.LastUsedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.NewError(storage.KindEntityNotFound, "api key not found")
	}
	if err != nil {
		return nil, storage.WrapError(storage.KindIoError, err, "failed to look up api key")
	}
	return &key, nil
}

// Insert stores a new key record.
func (s *KeyStore) Insert(ctx context.Context, key *types.APIKey) error {
	if key.KeyHash == "" || key.UserID == "" || key.ProjectID == "" {
		return storage.NewError(storage.KindInvalidInput, "api key needs a hash, user and project")
	}
	createdAt := key.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx, `
INSERT INTO api_keys (key_hash, user_id, project_id, scopes, rate_limit, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.KeyHash, key.UserID, key.ProjectID, key.Scopes, key.RateLimit, createdAt, key.ExpiresAt)
	if err != nil {
		return storage.WrapError(storage.KindIoError, err, "failed to insert api key")
	}
	return nil
}

// Revoke marks the key revoked. Revoking an already revoked key keeps the
// earlier timestamp.
func (s *KeyStore) Revoke(ctx context.Context, keyHash string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE api_keys SET revoked_at = COALESCE(revoked_at, $2) WHERE key_hash = $1`,
		keyHash, at.UTC())
	if err != nil {
		return storage.WrapError(storage.KindIoError, err, "failed to revoke api key")
	}
	if tag.RowsAffected() == 0 {
		return storage.NewError(storage.KindEntityNotFound, "api key not found")
	}
	return nil
}

// TouchLastUsed records when the key last authenticated a request. Best
// effort: callers run it asynchronously and only log failures.
func (s *KeyStore) TouchLastUsed(ctx context.Context, keyHash string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
UPDATE api_keys SET last_used_at = $2 WHERE key_hash = $1`, keyHash, at.UTC())
	if err != nil {
		return storage.WrapError(storage.KindIoError, err, "failed to update key last_used_at")
	}
	return nil
}

// ListByProject returns the project's keys, newest first. For operator
// tooling; runs with direct database access.
func (s *KeyStore) ListByProject(ctx context.Context, projectID string) ([]types.APIKey, error) {
	rows, err := s.pool.Query(ctx, `
SELECT key_hash, user_id, project_id, scopes, rate_limit,
       created_at, revoked_at, expires_at, last_used_at
FROM api_keys WHERE project_id = $1 ORDER BY created_at DESC`, projectID)
	if err != nil {
		return nil, storage.WrapError(storage.KindIoError, err, "failed to list api keys")
	}
	defer rows.Close()

	out := []types.APIKey{}
	for rows.Next() {
		var key types.APIKey
		err := rows.Scan(&key.KeyHash, &key.UserID, &key.ProjectID, &key.Scopes, &key.RateLimit,
			&key.CreatedAt, &key.RevokedAt, &key.ExpiresAt, &key.LastUsedAt)
		if err != nil {
			return nil, storage.WrapError(storage.KindIoError, err, "failed to scan api key")
		}
		out = append(out, key)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.WrapError(storage.KindIoError, err, "failed to read api keys")
	}
	return out, nil
}
