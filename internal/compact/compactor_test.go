package compact

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/diaz3618/memory-bank-mcp-sub001/internal/eventstore"
	"github.com/diaz3618/memory-bank-mcp-sub001/internal/storage"
	"github.com/diaz3618/memory-bank-mcp-sub001/internal/storage/file"
	"github.com/diaz3618/memory-bank-mcp-sub001/internal/types"
)

var (
	tenantA = types.Tenant{UserID: "usr_a", ProjectID: "prj_a"}
	tenantB = types.Tenant{UserID: "usr_b", ProjectID: "prj_b"}
)

func newTestRegistry(t *testing.T) *storage.Registry {
	t.Helper()
	root := t.TempDir()
	registry := storage.NewRegistry(func(_ context.Context, id types.Tenant) (storage.GraphStore, error) {
		return file.New(filepath.Join(root, id.UserID, id.ProjectID), id.ProjectID, nil), nil
	})
	t.Cleanup(func() { _ = registry.CloseAll() })
	return registry
}

// churn writes enough dead records that compaction has something to drop:
// three upserts, one observation, and one entity delete.
func churn(t *testing.T, store storage.GraphStore) {
	t.Helper()
	ctx := context.Background()
	for _, name := range []string{"API Gateway", "Billing", "Scratch"} {
		if _, err := store.UpsertEntity(ctx, name, "service", nil); err != nil {
			t.Fatalf("upsert %s: %v", name, err)
		}
	}
	if _, err := store.AddObservation(ctx, "Billing", "handles invoices", nil, time.Time{}); err != nil {
		t.Fatalf("observation: %v", err)
	}
	if err := store.DeleteEntity(ctx, "Scratch"); err != nil {
		t.Fatalf("delete: %v", err)
	}
}

func TestCompactAllShrinksEveryStore(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(t)
	for _, tenant := range []types.Tenant{tenantA, tenantB} {
		store, err := registry.Get(ctx, tenant)
		if err != nil {
			t.Fatalf("open store for %s: %v", tenant, err)
		}
		churn(t, store)
	}

	c := New(registry, nil, Config{}, nil)
	results := c.CompactAll(ctx)
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	for _, res := range results {
		if res.Err != nil {
			t.Fatalf("compaction of %s failed: %v", res.Tenant, res.Err)
		}
		if res.AfterBytes >= res.BeforeBytes {
			t.Errorf("%s: log grew under compaction (%d -> %d bytes)", res.Tenant, res.BeforeBytes, res.AfterBytes)
		}
		// Two live entities and one observation survive the churn.
		if res.EventCount != 3 {
			t.Errorf("%s: EventCount = %d, want 3", res.Tenant, res.EventCount)
		}
		if res.SavedBytes() <= 0 {
			t.Errorf("%s: SavedBytes() = %d, want positive", res.Tenant, res.SavedBytes())
		}
	}
}

func TestCompactAllPreservesState(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(t)
	store, err := registry.Get(ctx, tenantA)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	churn(t, store)

	New(registry, nil, Config{}, nil).CompactAll(ctx)

	snap, err := store.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot after compaction: %v", err)
	}
	if len(snap.Entities) != 2 {
		t.Errorf("got %d entities after compaction, want 2", len(snap.Entities))
	}
	if len(snap.Observations) != 1 {
		t.Errorf("got %d observations after compaction, want 1", len(snap.Observations))
	}
}

type mapSource map[types.Tenant]storage.GraphStore

func (m mapSource) Stores() map[types.Tenant]storage.GraphStore { return m }

// failingStore errors on Compact; no other method is reached.
type failingStore struct {
	storage.GraphStore
}

func (failingStore) Compact(context.Context) (*types.CompactResult, error) {
	return nil, errors.New("disk full")
}

func TestCompactAllIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(t)
	healthy, err := registry.Get(ctx, tenantA)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	churn(t, healthy)

	source := mapSource{
		tenantA: healthy,
		tenantB: failingStore{},
	}
	results := New(source, nil, Config{}, nil).CompactAll(ctx)

	var okCount, failCount int
	for _, res := range results {
		if res.Err != nil {
			failCount++
			if res.Tenant != tenantB {
				t.Errorf("unexpected failure for %s: %v", res.Tenant, res.Err)
			}
			continue
		}
		okCount++
		if res.Tenant != tenantA {
			t.Errorf("unexpected success for %s", res.Tenant)
		}
	}
	if okCount != 1 || failCount != 1 {
		t.Errorf("got %d successes and %d failures, want 1 and 1", okCount, failCount)
	}
}

func TestPurgeEventsHonorsRetention(t *testing.T) {
	ctx := context.Background()
	events := eventstore.NewMemoryStore(16)
	for i := 0; i < 3; i++ {
		if _, err := events.Append(ctx, "stream-1", []byte(`{}`)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	c := New(mapSource{}, events, Config{Retention: time.Hour}, nil)

	// Within the horizon nothing is old enough to drop.
	purged, err := c.PurgeEvents(ctx)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 0 {
		t.Fatalf("purged %d events inside the horizon, want 0", purged)
	}

	// Two hours later every event is past the one-hour horizon.
	c.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	purged, err = c.PurgeEvents(ctx)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 3 {
		t.Fatalf("purged %d events, want 3", purged)
	}

	purged, err = c.PurgeEvents(ctx)
	if err != nil {
		t.Fatalf("second purge: %v", err)
	}
	if purged != 0 {
		t.Fatalf("second purge dropped %d events, want 0", purged)
	}
}

func TestPurgeEventsWithoutStore(t *testing.T) {
	c := New(mapSource{}, nil, Config{}, nil)
	purged, err := c.PurgeEvents(context.Background())
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 0 {
		t.Fatalf("purged = %d, want 0", purged)
	}
}

type countingSource struct {
	calls atomic.Int32
}

func (c *countingSource) Stores() map[types.Tenant]storage.GraphStore {
	c.calls.Add(1)
	return nil
}

func TestRunPassesOnInterval(t *testing.T) {
	source := &countingSource{}
	c := New(source, nil, Config{Interval: 10 * time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for source.calls.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for a second compaction pass")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() = %v, want context.Canceled", err)
	}
}

func TestRunDisabledWithoutInterval(t *testing.T) {
	source := &countingSource{}
	c := New(source, nil, Config{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() = %v, want context.Canceled", err)
	}
	if source.calls.Load() != 0 {
		t.Errorf("Run without an interval made %d passes, want 0", source.calls.Load())
	}
}
