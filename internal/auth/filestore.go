package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/diaz3618/memory-bank-mcp-sub001/internal/storage"
	"github.com/diaz3618/memory-bank-mcp-sub001/internal/types"
	"github.com/diaz3618/memory-bank-mcp-sub001/internal/utils"
)

// KeysFileName is the conventional key file name under the store root.
const KeysFileName = "apikeys.json"

// FileKeyStore keeps credentials in one JSON file, keyed by hash. It backs
// single-node file deployments; relational deployments use the postgres
// key store. Every mutation rewrites the whole file atomically, which is
// fine at operator scale.
type FileKeyStore struct {
	path   string
	logger *slog.Logger

	mu   sync.Mutex
	keys map[string]*types.APIKey
}

var _ KeyStore = (*FileKeyStore)(nil)

// NewFileKeyStore loads the key file at path, creating an empty store when
// the file does not exist yet.
func NewFileKeyStore(path string, logger *slog.Logger) (*FileKeyStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &FileKeyStore{
		path:   path,
		logger: logger.With("component", "keystore"),
		keys:   make(map[string]*types.APIKey),
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, storage.WrapError(storage.KindIoError, err, "failed to read key file %s", path)
	}
	if err := json.Unmarshal(data, &s.keys); err != nil {
		return nil, storage.WrapError(storage.KindIoError, err, "failed to parse key file %s", path)
	}
	for hash, key := range s.keys {
		if key == nil {
			delete(s.keys, hash)
			continue
		}
		key.KeyHash = hash
	}
	return s, nil
}

// Lookup returns the key record for a hash.
func (s *FileKeyStore) Lookup(ctx context.Context, keyHash string) (*types.APIKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, storage.WrapError(storage.KindIoError, err, "lookup canceled")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[keyHash]
	if !ok {
		return nil, storage.NewError(storage.KindEntityNotFound, "api key not found")
	}
	return copyKey(key), nil
}

// Insert stores a new key record.
func (s *FileKeyStore) Insert(ctx context.Context, key *types.APIKey) error {
	if key == nil || key.KeyHash == "" || key.UserID == "" || key.ProjectID == "" {
		return storage.NewError(storage.KindInvalidInput, "api key needs a hash, user and project")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.keys[key.KeyHash]; exists {
		return storage.NewError(storage.KindInvalidInput, "api key already exists")
	}

	stored := copyKey(key)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	s.keys[key.KeyHash] = stored
	return s.saveLocked(ctx)
}

// Revoke marks the key revoked. Revoking an already revoked key keeps the
// earlier timestamp.
func (s *FileKeyStore) Revoke(ctx context.Context, keyHash string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[keyHash]
	if !ok {
		return storage.NewError(storage.KindEntityNotFound, "api key not found")
	}
	if key.RevokedAt == nil {
		revoked := at.UTC()
		key.RevokedAt = &revoked
	}
	return s.saveLocked(ctx)
}

// TouchLastUsed records when the key last authenticated a request. Like
// the relational store, touching an unknown hash is a quiet no-op.
func (s *FileKeyStore) TouchLastUsed(ctx context.Context, keyHash string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[keyHash]
	if !ok {
		return nil
	}
	used := at.UTC()
	key.LastUsedAt = &used
	return s.saveLocked(ctx)
}

// ListByProject returns the project's keys, newest first.
func (s *FileKeyStore) ListByProject(ctx context.Context, projectID string) ([]types.APIKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, storage.WrapError(storage.KindIoError, err, "list canceled")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []types.APIKey
	for _, key := range s.keys {
		if key.ProjectID == projectID {
			out = append(out, *copyKey(key))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].KeyHash < out[j].KeyHash
	})
	return out, nil
}

func (s *FileKeyStore) saveLocked(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return storage.WrapError(storage.KindIoError, err, "save canceled")
	}
	data, err := json.MarshalIndent(s.keys, "", "  ")
	if err != nil {
		return storage.WrapError(storage.KindIoError, err, "failed to encode key file")
	}
	if err := utils.WriteFileAtomic(s.path, data, 0o600); err != nil {
		return storage.WrapError(storage.KindIoError, err, "failed to write key file %s", s.path)
	}
	return nil
}

func copyKey(key *types.APIKey) *types.APIKey {
	out := *key
	if key.Scopes != nil {
		out.Scopes = append([]string(nil), key.Scopes...)
	}
	if key.RevokedAt != nil {
		revoked := *key.RevokedAt
		out.RevokedAt = &revoked
	}
	if key.ExpiresAt != nil {
		expires := *key.ExpiresAt
		out.ExpiresAt = &expires
	}
	if key.LastUsedAt != nil {
		used := *key.LastUsedAt
		out.LastUsedAt = &used
	}
	return &out
}
