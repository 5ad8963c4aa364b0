package types

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestNormalizeName(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Alice", "alice"},
		{"  Alice  ", "alice"},
		{"Project   X", "project x"},
		{"MiXeD\tCase\nName", "mixed case name"},
		{"", ""},
	}
	for _, c := range cases {
		if got := NormalizeName(c.in); got != c.want {
			t.Errorf("NormalizeName(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestEntityValidate(t *testing.T) {
	e := Entity{ID: "ent_x", Name: "Alice", EntityType: "person"}
	if err := e.Validate(); err != nil {
		t.Fatalf("valid entity rejected: %v", err)
	}

	e2 := Entity{ID: "ent_x", Name: "   ", EntityType: "person"}
	if err := e2.Validate(); err == nil {
		t.Error("expected error for blank name")
	}

	e3 := Entity{ID: "ent_x", Name: "Alice", EntityType: ""}
	if err := e3.Validate(); err == nil {
		t.Error("expected error for empty entity type")
	}

	e4 := Entity{ID: "ent_x", Name: strings.Repeat("a", MaxNameLength+1), EntityType: "person"}
	if err := e4.Validate(); err == nil {
		t.Error("expected error for oversized name")
	}
}

func TestValidateAttrs(t *testing.T) {
	ok := map[string]any{"role": "dev", "count": float64(3), "active": true, "note": nil}
	if err := ValidateAttrs(ok); err != nil {
		t.Fatalf("scalar attrs rejected: %v", err)
	}

	nested := map[string]any{"inner": map[string]any{"a": 1}}
	if err := ValidateAttrs(nested); err == nil {
		t.Error("expected error for nested attr value")
	}

	list := map[string]any{"tags": []any{"a", "b"}}
	if err := ValidateAttrs(list); err == nil {
		t.Error("expected error for array attr value")
	}

	if err := ValidateAttrs(map[string]any{"": "x"}); err == nil {
		t.Error("expected error for empty attr key")
	}
}

func TestObservationValidate(t *testing.T) {
	o := Observation{ID: "obs_1", EntityID: "ent_x", Text: "is a great dev", Timestamp: time.Now()}
	if err := o.Validate(); err != nil {
		t.Fatalf("valid observation rejected: %v", err)
	}

	o.Text = ""
	if err := o.Validate(); err == nil {
		t.Error("expected error for empty text")
	}

	o.Text = "ok"
	o.Source = &Source{Kind: "telepathy"}
	if err := o.Validate(); err == nil {
		t.Error("expected error for unknown source kind")
	}
	o.Source = &Source{Kind: SourceTool, Ref: "grep"}
	if err := o.Validate(); err != nil {
		t.Errorf("tool source rejected: %v", err)
	}
}

func TestRelationValidate(t *testing.T) {
	r := Relation{ID: "rel_1", FromID: "ent_a", ToID: "ent_b", RelationType: "works_on"}
	if err := r.Validate(); err != nil {
		t.Fatalf("valid relation rejected: %v", err)
	}
	r.RelationType = " "
	if err := r.Validate(); err == nil {
		t.Error("expected error for blank relation type")
	}
}

func TestMarkerRoundTrip(t *testing.T) {
	m := NewMarker()
	if !m.IsMarker() {
		t.Fatal("NewMarker did not produce a valid marker")
	}

	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal marker: %v", err)
	}
	// The on-disk marker is the fixed header every reader checks for.
	for _, want := range []string{`"type":"memory_bank_graph"`, `"source":"memory-bank-mcp"`, `"version":"1"`} {
		if !strings.Contains(string(data), want) {
			t.Errorf("marker JSON missing %s: %s", want, data)
		}
	}

	var back GraphEvent
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal marker: %v", err)
	}
	if !back.IsMarker() {
		t.Error("round-tripped marker no longer valid")
	}
}

func TestGraphEventValidate(t *testing.T) {
	ts := time.Now()

	ev := GraphEvent{Type: EventEntityUpsert, TS: ts}
	if err := ev.Validate(); err == nil {
		t.Error("entity_upsert without payload should fail")
	}
	ev.Entity = &Entity{ID: "ent_a", Name: "Alice", EntityType: "person"}
	if err := ev.Validate(); err != nil {
		t.Errorf("valid entity_upsert rejected: %v", err)
	}

	rm := GraphEvent{Type: EventRelationRemove, TS: ts, FromID: "ent_a", ToID: "ent_b"}
	if err := rm.Validate(); err == nil {
		t.Error("relation_remove without relationType should fail")
	}
	rm.RelationType = "works_on"
	if err := rm.Validate(); err != nil {
		t.Errorf("valid relation_remove rejected: %v", err)
	}

	del := GraphEvent{Type: EventEntityDelete, TS: ts, EntityID: "ent_a"}
	if err := del.Validate(); err != nil {
		t.Errorf("valid entity_delete rejected: %v", err)
	}

	unknown := GraphEvent{Type: "entity_merge", TS: ts}
	if unknown.Known() {
		t.Error("entity_merge should not be a known type")
	}
	if err := unknown.Validate(); err == nil {
		t.Error("unknown event type should fail validation")
	}
}

func TestEventUnknownFieldsIgnored(t *testing.T) {
	raw := `{"type":"entity_delete","ts":"2025-01-02T03:04:05Z","entityId":"ent_a","futureField":42}`
	var ev GraphEvent
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		t.Fatalf("unmarshal with unknown field: %v", err)
	}
	if ev.EntityID != "ent_a" {
		t.Errorf("entityId = %q, want ent_a", ev.EntityID)
	}
	if err := ev.Validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func TestTenantValidate(t *testing.T) {
	if err := (Tenant{UserID: "u1", ProjectID: "p1"}).Validate(); err != nil {
		t.Fatalf("valid tenant rejected: %v", err)
	}
	if err := (Tenant{UserID: "u1"}).Validate(); err == nil {
		t.Error("expected error for missing projectId")
	}
}
