package eventlog

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/diaz3618/memory-bank-mcp-sub001/internal/storage"
	"github.com/diaz3618/memory-bank-mcp-sub001/internal/types"
)

func testLog(t *testing.T) *FileLog {
	t.Helper()
	return NewFileLog(filepath.Join(t.TempDir(), "graph.jsonl"), nil)
}

func entityEvent(id, name string) types.GraphEvent {
	return types.GraphEvent{
		Type: types.EventEntityUpsert,
		TS:   time.Now().UTC(),
		Entity: &types.Entity{
			ID:         id,
			Name:       name,
			EntityType: "person",
		},
	}
}

func TestInitCreatesMarker(t *testing.T) {
	ctx := context.Background()
	log := testLog(t)

	if err := log.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	records, err := log.ReadAll(ctx)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	if !records[0].Event.IsMarker() {
		t.Error("record 0 is not a marker")
	}

	// Re-init on an existing log is a no-op.
	if err := log.Init(ctx); err != nil {
		t.Fatalf("second Init: %v", err)
	}
}

func TestAppendReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	log := testLog(t)
	if err := log.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}

	if err := log.Append(ctx, entityEvent("ent_a", "Alice")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := log.Append(ctx, entityEvent("ent_b", "Bob")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	records, err := log.ReadAll(ctx)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("got %d records, want 3", len(records))
	}
	if records[1].Event.Entity.Name != "Alice" || records[2].Event.Entity.Name != "Bob" {
		t.Error("records out of insertion order")
	}
	if records[2].Line != 3 {
		t.Errorf("line number = %d, want 3", records[2].Line)
	}
}

func TestAppendWithoutMarkerFails(t *testing.T) {
	ctx := context.Background()
	log := testLog(t)

	err := log.Append(ctx, entityEvent("ent_a", "Alice"))
	if !storage.IsMarkerMismatch(err) {
		t.Errorf("append to missing log: want MarkerMismatch, got %v", err)
	}

	// A log whose first record is not a marker must also refuse appends.
	if err := os.WriteFile(log.Path(), []byte(`{"type":"entity_delete","entityId":"x"}`+"\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	err = log.Append(ctx, entityEvent("ent_a", "Alice"))
	if !storage.IsMarkerMismatch(err) {
		t.Errorf("append past bad header: want MarkerMismatch, got %v", err)
	}
}

func TestReadAllSkipsMalformedRecords(t *testing.T) {
	ctx := context.Background()
	log := testLog(t)
	if err := log.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := log.Append(ctx, entityEvent("ent_a", "Alice")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	// Simulate a torn write: raw garbage appended straight to the file.
	f, err := os.OpenFile(log.Path(), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.WriteString("{not valid json\n"); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	_ = f.Close()

	if err := log.Append(ctx, entityEvent("ent_b", "Bob")); err != nil {
		t.Fatalf("Append after garbage: %v", err)
	}

	records, err := log.ReadAll(ctx)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	// marker + Alice + Bob; the garbage line is skipped.
	if len(records) != 3 {
		t.Fatalf("got %d records, want 3", len(records))
	}
	if records[2].Event.Entity.Name != "Bob" {
		t.Errorf("last record = %+v", records[2].Event)
	}
	if records[2].Line != 4 {
		t.Errorf("Bob's line = %d, want 4 (garbage occupies line 3)", records[2].Line)
	}
}

func TestCorruptHeaderFailsRead(t *testing.T) {
	ctx := context.Background()
	log := testLog(t)
	if err := os.MkdirAll(filepath.Dir(log.Path()), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(log.Path(), []byte("{corrupt\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := log.ReadAll(ctx)
	if !storage.IsMarkerMismatch(err) {
		t.Errorf("want MarkerMismatch, got %v", err)
	}
}

func TestTruncateAndReplace(t *testing.T) {
	ctx := context.Background()
	log := testLog(t)
	if err := log.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := log.Append(ctx, entityEvent("ent_a", "Alice")); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	replacement := []types.GraphEvent{types.NewMarker(), entityEvent("ent_a", "Alice")}
	if err := log.TruncateAndReplace(ctx, replacement); err != nil {
		t.Fatalf("TruncateAndReplace: %v", err)
	}
	records, err := log.ReadAll(ctx)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(records) != 2 {
		t.Errorf("got %d records, want 2", len(records))
	}

	// Replacement without a marker is rejected and leaves the log intact.
	err = log.TruncateAndReplace(ctx, []types.GraphEvent{entityEvent("ent_b", "Bob")})
	if !storage.IsMarkerMismatch(err) {
		t.Errorf("want MarkerMismatch, got %v", err)
	}
	records, err = log.ReadAll(ctx)
	if err != nil || len(records) != 2 {
		t.Errorf("log changed by failed replace: %d records, err %v", len(records), err)
	}
}

func TestGenerationChangesOnAppend(t *testing.T) {
	ctx := context.Background()
	log := testLog(t)

	if gen := log.Generation(); gen != GenerationMissing {
		t.Errorf("missing log generation = %q", gen)
	}

	if err := log.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	g1 := log.Generation()
	if g1 == GenerationMissing {
		t.Fatal("generation still missing after init")
	}

	if err := log.Append(ctx, entityEvent("ent_a", "Alice")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	g2 := log.Generation()
	if g2 == g1 {
		t.Error("generation unchanged after append")
	}
	if g3 := log.Generation(); g3 != g2 {
		t.Error("generation changed without a write")
	}
}

func TestLineCount(t *testing.T) {
	ctx := context.Background()
	log := testLog(t)
	if n, err := log.LineCount(ctx); err != nil || n != 0 {
		t.Errorf("missing log LineCount = %d, %v", n, err)
	}
	if err := log.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := log.Append(ctx, entityEvent("ent_a", "Alice")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	n, err := log.LineCount(ctx)
	if err != nil {
		t.Fatalf("LineCount: %v", err)
	}
	if n != 2 {
		t.Errorf("LineCount = %d, want 2", n)
	}
}
