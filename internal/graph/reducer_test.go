package graph

import (
	"reflect"
	"testing"
	"time"

	"github.com/diaz3618/memory-bank-mcp-sub001/internal/idgen"
	"github.com/diaz3618/memory-bank-mcp-sub001/internal/types"
)

var (
	t0 = time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	t1 = t0.Add(1 * time.Minute)
	t2 = t0.Add(2 * time.Minute)
	t3 = t0.Add(3 * time.Minute)
)

func upsertEvent(name, entityType string, attrs map[string]any, ts time.Time) types.GraphEvent {
	return types.GraphEvent{
		Type: types.EventEntityUpsert,
		TS:   ts,
		Entity: &types.Entity{
			ID:         idgen.EntityID(name, entityType),
			Name:       name,
			EntityType: entityType,
			Attrs:      attrs,
		},
	}
}

func observationEvent(entityID, text string, ts time.Time) types.GraphEvent {
	return types.GraphEvent{
		Type: types.EventObservationAdd,
		TS:   ts,
		Observation: &types.Observation{
			ID:        idgen.ObservationID(entityID, text, ts),
			EntityID:  entityID,
			Text:      text,
			Timestamp: ts,
		},
	}
}

func relationEvent(fromID, toID, relationType string, ts time.Time) types.GraphEvent {
	return types.GraphEvent{
		Type: types.EventRelationAdd,
		TS:   ts,
		Relation: &types.Relation{
			ID:           idgen.RelationID(fromID, toID, relationType),
			FromID:       fromID,
			ToID:         toID,
			RelationType: relationType,
			CreatedAt:    ts,
		},
	}
}

func TestReduceBuildsGraph(t *testing.T) {
	authID := idgen.EntityID("auth service", "service")
	dbID := idgen.EntityID("users db", "database")

	events := []types.GraphEvent{
		types.NewMarker(),
		upsertEvent("Auth Service", "service", map[string]any{"lang": "go"}, t0),
		upsertEvent("Users DB", "database", nil, t0),
		observationEvent(authID, "handles login and token refresh", t1),
		relationEvent(authID, dbID, "depends_on", t2),
	}

	g := Reduce(events, nil)

	if len(g.Entities) != 2 {
		t.Fatalf("expected 2 entities, got %d", len(g.Entities))
	}
	if len(g.Observations) != 1 {
		t.Fatalf("expected 1 observation, got %d", len(g.Observations))
	}
	if len(g.Relations) != 1 {
		t.Fatalf("expected 1 relation, got %d", len(g.Relations))
	}

	auth, ok := g.Entities[authID]
	if !ok {
		t.Fatalf("auth entity not found by id")
	}
	if auth.Name != "Auth Service" || auth.EntityType != "service" {
		t.Errorf("unexpected entity: %+v", auth)
	}
	if !auth.CreatedAt.Equal(t0) || !auth.UpdatedAt.Equal(t0) {
		t.Errorf("expected createdAt=updatedAt=%v, got %v / %v", t0, auth.CreatedAt, auth.UpdatedAt)
	}

	if _, ok := g.ResolveName("  AUTH   service "); !ok {
		t.Errorf("normalized name lookup failed")
	}
	if _, ok := g.Resolve(authID); !ok {
		t.Errorf("id lookup failed")
	}
	if _, ok := g.Resolve("auth service"); !ok {
		t.Errorf("name fallback lookup failed")
	}
}

func TestUpsertPreservesCreatedAt(t *testing.T) {
	events := []types.GraphEvent{
		types.NewMarker(),
		upsertEvent("Auth Service", "service", map[string]any{"lang": "go"}, t0),
		upsertEvent("Auth Service", "service", map[string]any{"owner": "core"}, t2),
	}

	g := Reduce(events, nil)
	e, ok := g.ResolveName("auth service")
	if !ok {
		t.Fatalf("entity not found")
	}
	if !e.CreatedAt.Equal(t0) {
		t.Errorf("createdAt changed on upsert: got %v want %v", e.CreatedAt, t0)
	}
	if !e.UpdatedAt.Equal(t2) {
		t.Errorf("updatedAt not advanced: got %v want %v", e.UpdatedAt, t2)
	}
	// The reducer replaces the payload wholesale; merging happens upstream.
	if _, ok := e.Attrs["lang"]; ok {
		t.Errorf("expected attrs replaced by latest payload, got %v", e.Attrs)
	}
	if e.Attrs["owner"] != "core" {
		t.Errorf("expected owner attr, got %v", e.Attrs)
	}
}

func TestUpsertRenameMovesNameIndex(t *testing.T) {
	id := idgen.EntityID("auth service", "service")
	renamed := types.GraphEvent{
		Type: types.EventEntityUpsert,
		TS:   t1,
		Entity: &types.Entity{
			ID:         id,
			Name:       "Identity Service",
			EntityType: "service",
		},
	}

	g := Reduce([]types.GraphEvent{
		types.NewMarker(),
		upsertEvent("Auth Service", "service", nil, t0),
		renamed,
	}, nil)

	if _, ok := g.ResolveName("auth service"); ok {
		t.Errorf("old name still resolves after rename")
	}
	e, ok := g.ResolveName("identity service")
	if !ok {
		t.Fatalf("new name does not resolve")
	}
	if e.ID != id {
		t.Errorf("rename changed id: got %s want %s", e.ID, id)
	}
}

func TestRelationAddIsIdempotent(t *testing.T) {
	aID := idgen.EntityID("a", "service")
	bID := idgen.EntityID("b", "service")

	first := relationEvent(aID, bID, "depends_on", t1)
	second := relationEvent(aID, bID, "depends_on", t3)

	g := Reduce([]types.GraphEvent{
		types.NewMarker(),
		upsertEvent("a", "service", nil, t0),
		upsertEvent("b", "service", nil, t0),
		first,
		second,
	}, nil)

	if len(g.Relations) != 1 {
		t.Fatalf("expected 1 relation, got %d", len(g.Relations))
	}
	rel := g.Relations[first.Relation.ID]
	if !rel.CreatedAt.Equal(t1) {
		t.Errorf("duplicate link overwrote createdAt: got %v want %v", rel.CreatedAt, t1)
	}
}

func TestRelationRemove(t *testing.T) {
	aID := idgen.EntityID("a", "service")
	bID := idgen.EntityID("b", "service")

	g := Reduce([]types.GraphEvent{
		types.NewMarker(),
		upsertEvent("a", "service", nil, t0),
		upsertEvent("b", "service", nil, t0),
		relationEvent(aID, bID, "depends_on", t1),
		{
			Type:         types.EventRelationRemove,
			TS:           t2,
			FromID:       aID,
			ToID:         bID,
			RelationType: "depends_on",
		},
	}, nil)

	if len(g.Relations) != 0 {
		t.Errorf("expected relation removed, still have %d", len(g.Relations))
	}
}

func TestEntityDeleteCascades(t *testing.T) {
	authID := idgen.EntityID("auth service", "service")
	dbID := idgen.EntityID("users db", "database")

	g := Reduce([]types.GraphEvent{
		types.NewMarker(),
		upsertEvent("Auth Service", "service", nil, t0),
		upsertEvent("Users DB", "database", nil, t0),
		observationEvent(authID, "rotates tokens hourly", t1),
		observationEvent(dbID, "runs postgres 16", t1),
		relationEvent(authID, dbID, "depends_on", t2),
		{Type: types.EventEntityDelete, TS: t3, EntityID: authID},
	}, nil)

	if _, ok := g.Entities[authID]; ok {
		t.Fatalf("deleted entity still present")
	}
	if _, ok := g.ResolveName("auth service"); ok {
		t.Errorf("deleted entity still resolvable by name")
	}
	if _, ok := g.Entities[dbID]; !ok {
		t.Errorf("unrelated entity vanished")
	}
	for _, o := range g.Observations {
		if o.EntityID == authID {
			t.Errorf("orphan observation survived cascade: %+v", o)
		}
	}
	if len(g.Observations) != 1 {
		t.Errorf("expected 1 surviving observation, got %d", len(g.Observations))
	}
	if len(g.Relations) != 0 {
		t.Errorf("incident relation survived cascade")
	}
}

func TestObservationDelete(t *testing.T) {
	authID := idgen.EntityID("auth service", "service")
	obs := observationEvent(authID, "rotates tokens hourly", t1)

	g := Reduce([]types.GraphEvent{
		types.NewMarker(),
		upsertEvent("Auth Service", "service", nil, t0),
		obs,
		{Type: types.EventObservationDelete, TS: t2, ObservationID: obs.Observation.ID},
	}, nil)

	if len(g.Observations) != 0 {
		t.Errorf("expected observation deleted, got %d", len(g.Observations))
	}
}

func TestReduceSkipsUnknownAndInvalidEvents(t *testing.T) {
	g := Reduce([]types.GraphEvent{
		types.NewMarker(),
		upsertEvent("Auth Service", "service", nil, t0),
		{Type: "entity_merge", TS: t1},                 // unknown type
		{Type: types.EventEntityUpsert, TS: t1},        // missing payload
		{Type: types.EventObservationAdd, TS: t1},      // missing payload
		{Type: types.EventEntityDelete, TS: t1},        // missing id
		upsertEvent("Users DB", "database", nil, t2),
	}, nil)

	if len(g.Entities) != 2 {
		t.Errorf("expected surrounding events applied, got %d entities", len(g.Entities))
	}
}

func TestObservationTimestampFallsBackToEventTime(t *testing.T) {
	authID := idgen.EntityID("auth service", "service")
	ev := types.GraphEvent{
		Type: types.EventObservationAdd,
		TS:   t1,
		Observation: &types.Observation{
			ID:       idgen.ObservationID(authID, "no explicit time", t1),
			EntityID: authID,
			Text:     "no explicit time",
		},
	}

	g := Reduce([]types.GraphEvent{
		types.NewMarker(),
		upsertEvent("Auth Service", "service", nil, t0),
		ev,
	}, nil)

	o := g.Observations[ev.Observation.ID]
	if !o.Timestamp.Equal(t1) {
		t.Errorf("expected timestamp %v, got %v", t1, o.Timestamp)
	}
}

func TestMinimalEventsRoundTrip(t *testing.T) {
	authID := idgen.EntityID("auth service", "service")
	dbID := idgen.EntityID("users db", "database")
	cacheID := idgen.EntityID("cache", "service")

	// History with churn: re-upserts, a removed link, a deleted entity.
	history := []types.GraphEvent{
		types.NewMarker(),
		upsertEvent("Auth Service", "service", map[string]any{"lang": "go"}, t0),
		upsertEvent("Users DB", "database", nil, t0),
		upsertEvent("Cache", "service", nil, t0),
		observationEvent(authID, "handles login", t1),
		observationEvent(dbID, "runs postgres 16", t1),
		relationEvent(authID, dbID, "depends_on", t1),
		relationEvent(authID, cacheID, "depends_on", t1),
		upsertEvent("Auth Service", "service", map[string]any{"lang": "go", "owner": "core"}, t2),
		{Type: types.EventRelationRemove, TS: t2, FromID: authID, ToID: cacheID, RelationType: "depends_on"},
		{Type: types.EventEntityDelete, TS: t3, EntityID: cacheID},
	}

	before := Reduce(history, nil)
	snap := before.Snapshot(types.SnapshotMeta{StoreID: "test", CreatedAt: t3})

	minimal := MinimalEvents(snap)
	if !minimal[0].IsMarker() {
		t.Fatalf("compacted stream must start with the marker record")
	}
	wantLen := 1 + len(snap.Entities) + len(snap.Observations) + len(snap.Relations)
	if len(minimal) != wantLen {
		t.Fatalf("expected %d minimal events, got %d", wantLen, len(minimal))
	}

	after := Reduce(minimal, nil)
	if !reflect.DeepEqual(before.Entities, after.Entities) {
		t.Errorf("entities differ after replay:\nbefore=%+v\nafter=%+v", before.Entities, after.Entities)
	}
	if !reflect.DeepEqual(before.Observations, after.Observations) {
		t.Errorf("observations differ after replay")
	}
	if !reflect.DeepEqual(before.Relations, after.Relations) {
		t.Errorf("relations differ after replay")
	}
}

func TestSnapshotIsSorted(t *testing.T) {
	g := Reduce([]types.GraphEvent{
		types.NewMarker(),
		upsertEvent("zeta", "service", nil, t0),
		upsertEvent("alpha", "service", nil, t0),
		upsertEvent("mid", "service", nil, t0),
	}, nil)

	snap := g.Snapshot(types.SnapshotMeta{StoreID: "test", CreatedAt: t1})
	for i := 1; i < len(snap.Entities); i++ {
		if snap.Entities[i-1].ID >= snap.Entities[i].ID {
			t.Fatalf("entities not sorted by id at %d", i)
		}
	}
}

func TestBuildIndex(t *testing.T) {
	g := Reduce([]types.GraphEvent{
		types.NewMarker(),
		upsertEvent("Auth Service", "service", nil, t0),
		upsertEvent("Users DB", "database", nil, t0),
	}, nil)

	idx := BuildIndex(g, 3, t1, t2)
	if idx.LastEventLineCount != 3 {
		t.Errorf("line count: got %d want 3", idx.LastEventLineCount)
	}
	if idx.Stats.EntityCount != 2 {
		t.Errorf("stats entities: got %d want 2", idx.Stats.EntityCount)
	}
	if got := idx.NameToEntityID["auth service"]; got == "" {
		t.Errorf("name index missing normalized entry")
	}
}
