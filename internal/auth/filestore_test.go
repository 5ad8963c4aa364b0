package auth

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/diaz3618/memory-bank-mcp-sub001/internal/storage"
	"github.com/diaz3618/memory-bank-mcp-sub001/internal/types"
)

func newTestFileStore(t *testing.T) (*FileKeyStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), KeysFileName)
	store, err := NewFileKeyStore(path, nil)
	if err != nil {
		t.Fatalf("NewFileKeyStore: %v", err)
	}
	return store, path
}

func testKey(hash string) *types.APIKey {
	return &types.APIKey{
		KeyHash:   hash,
		UserID:    "usr_a",
		ProjectID: "prj_a",
		Scopes:    []string{"read", "write"},
		CreatedAt: time.Now().UTC(),
	}
}

func TestFileKeyStorePersistsAcrossReload(t *testing.T) {
	ctx := context.Background()
	store, path := newTestFileStore(t)

	if err := store.Insert(ctx, testKey("hash-1")); err != nil {
		t.Fatalf("insert: %v", err)
	}

	reloaded, err := NewFileKeyStore(path, nil)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	key, err := reloaded.Lookup(ctx, "hash-1")
	if err != nil {
		t.Fatalf("lookup after reload: %v", err)
	}
	if key.UserID != "usr_a" || key.ProjectID != "prj_a" {
		t.Errorf("reloaded key = %+v", key)
	}
	if len(key.Scopes) != 2 {
		t.Errorf("scopes = %v, want 2 entries", key.Scopes)
	}
}

func TestFileKeyStoreLookupUnknown(t *testing.T) {
	store, _ := newTestFileStore(t)
	_, err := store.Lookup(context.Background(), "no-such-hash")
	if !storage.IsEntityNotFound(err) {
		t.Fatalf("Lookup() error = %v, want entity-not-found", err)
	}
}

func TestFileKeyStoreInsertValidation(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestFileStore(t)

	if err := store.Insert(ctx, &types.APIKey{KeyHash: "h", UserID: "u"}); !storage.IsInvalidInput(err) {
		t.Errorf("insert without project = %v, want invalid-input", err)
	}

	if err := store.Insert(ctx, testKey("dup")); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := store.Insert(ctx, testKey("dup")); !storage.IsInvalidInput(err) {
		t.Errorf("duplicate insert = %v, want invalid-input", err)
	}
}

func TestFileKeyStoreRevokeKeepsEarliestTimestamp(t *testing.T) {
	ctx := context.Background()
	store, path := newTestFileStore(t)
	if err := store.Insert(ctx, testKey("hash-r")); err != nil {
		t.Fatalf("insert: %v", err)
	}

	first := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	if err := store.Revoke(ctx, "hash-r", first); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := store.Revoke(ctx, "hash-r", first.Add(time.Hour)); err != nil {
		t.Fatalf("second revoke: %v", err)
	}

	reloaded, err := NewFileKeyStore(path, nil)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	key, err := reloaded.Lookup(ctx, "hash-r")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if key.RevokedAt == nil || !key.RevokedAt.Equal(first) {
		t.Errorf("RevokedAt = %v, want %v", key.RevokedAt, first)
	}

	if err := store.Revoke(ctx, "missing", first); !storage.IsEntityNotFound(err) {
		t.Errorf("revoke unknown = %v, want entity-not-found", err)
	}
}

func TestFileKeyStoreTouchLastUsed(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestFileStore(t)
	if err := store.Insert(ctx, testKey("hash-t")); err != nil {
		t.Fatalf("insert: %v", err)
	}

	at := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	if err := store.TouchLastUsed(ctx, "hash-t", at); err != nil {
		t.Fatalf("touch: %v", err)
	}
	key, err := store.Lookup(ctx, "hash-t")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if key.LastUsedAt == nil || !key.LastUsedAt.Equal(at) {
		t.Errorf("LastUsedAt = %v, want %v", key.LastUsedAt, at)
	}

	// Unknown hashes are a quiet no-op, matching the relational store.
	if err := store.TouchLastUsed(ctx, "missing", at); err != nil {
		t.Errorf("touch unknown = %v, want nil", err)
	}
}

func TestFileKeyStoreListByProject(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestFileStore(t)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, hash := range []string{"old", "mid", "new"} {
		key := testKey(hash)
		key.CreatedAt = base.Add(time.Duration(i) * time.Hour)
		if err := store.Insert(ctx, key); err != nil {
			t.Fatalf("insert %s: %v", hash, err)
		}
	}
	other := testKey("other-project")
	other.ProjectID = "prj_z"
	if err := store.Insert(ctx, other); err != nil {
		t.Fatalf("insert other: %v", err)
	}

	keys, err := store.ListByProject(ctx, "prj_a")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 3 {
		t.Fatalf("got %d keys, want 3", len(keys))
	}
	for i, want := range []string{"new", "mid", "old"} {
		if keys[i].KeyHash != want {
			t.Errorf("keys[%d] = %s, want %s", i, keys[i].KeyHash, want)
		}
	}
}

func TestFileKeyStoreLookupReturnsCopy(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestFileStore(t)
	if err := store.Insert(ctx, testKey("hash-c")); err != nil {
		t.Fatalf("insert: %v", err)
	}

	first, err := store.Lookup(ctx, "hash-c")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	first.UserID = "usr_mutated"
	first.Scopes[0] = "admin"

	second, err := store.Lookup(ctx, "hash-c")
	if err != nil {
		t.Fatalf("second lookup: %v", err)
	}
	if second.UserID != "usr_a" || second.Scopes[0] != "read" {
		t.Errorf("stored key was mutated through a lookup result: %+v", second)
	}
}

func TestFileKeyStoreBehindGate(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestFileStore(t)

	credential, err := NewCredential(true)
	if err != nil {
		t.Fatalf("new credential: %v", err)
	}
	key := testKey(HashCredential(credential))
	if err := store.Insert(ctx, key); err != nil {
		t.Fatalf("insert: %v", err)
	}

	gate := NewGate(store, time.Minute, nil)
	id, authed, err := gate.Authenticate(ctx, credential)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if id.UserID != "usr_a" || id.ProjectID != "prj_a" {
		t.Errorf("identity = %+v", id)
	}
	if authed.KeyHash != key.KeyHash {
		t.Errorf("key hash = %s, want %s", authed.KeyHash, key.KeyHash)
	}

	if err := store.Revoke(ctx, key.KeyHash, time.Now()); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	gate.Invalidate(key.KeyHash)
	if _, _, err := gate.Authenticate(ctx, credential); !storage.IsTenantDenied(err) {
		t.Errorf("authenticate after revoke = %v, want tenant-denied", err)
	}
}
