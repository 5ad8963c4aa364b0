package membank_test

import (
	"context"
	"testing"
	"time"

	membank "github.com/diaz3618/memory-bank-mcp-sub001"
)

func TestOpenFileStore(t *testing.T) {
	ctx := context.Background()
	store, err := membank.OpenFileStore(ctx, t.TempDir(), "prj_demo")
	if err != nil {
		t.Fatalf("OpenFileStore failed: %v", err)
	}
	defer store.Close()

	if _, err := store.UpsertEntity(ctx, "Payments API", "service", nil); err != nil {
		t.Fatalf("UpsertEntity failed: %v", err)
	}
	if _, err := store.AddObservation(ctx, "Payments API", "rate limited at the edge", nil, time.Time{}); err != nil {
		t.Fatalf("AddObservation failed: %v", err)
	}

	snap, err := store.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if len(snap.Entities) != 1 || len(snap.Observations) != 1 {
		t.Errorf("snapshot has %d entities and %d observations, want 1 and 1",
			len(snap.Entities), len(snap.Observations))
	}
}

func TestOpenFileStoreReopens(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := membank.OpenFileStore(ctx, dir, "prj_demo")
	if err != nil {
		t.Fatalf("OpenFileStore failed: %v", err)
	}
	if _, err := store.UpsertEntity(ctx, "Billing", "service", nil); err != nil {
		t.Fatalf("UpsertEntity failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := membank.OpenFileStore(ctx, dir, "prj_demo")
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	result, err := reopened.Search(ctx, "Billing", membank.SearchOptions{})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(result.Entities) != 1 {
		t.Fatalf("expected the entity to survive reopen, got %d hits", len(result.Entities))
	}
}
