// Package graph implements the deterministic fold from event sequences to
// materialized graph state, plus the in-memory search and neighborhood
// traversal that the file backend serves reads from.
package graph

import (
	"log/slog"
	"sort"
	"time"

	"github.com/diaz3618/memory-bank-mcp-sub001/internal/idgen"
	"github.com/diaz3618/memory-bank-mcp-sub001/internal/types"
)

// Graph is the materialized state produced by folding an event log. All
// cross-references are by stable id resolved through these maps; runtime
// structures hold no pointers into each other.
type Graph struct {
	Entities     map[string]types.Entity
	Observations map[string]types.Observation
	Relations    map[string]types.Relation

	// nameToID maps normalized entity names to ids. Maintained by Apply;
	// last writer wins if a log maps two ids to one name.
	nameToID map[string]string
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{
		Entities:     make(map[string]types.Entity),
		Observations: make(map[string]types.Observation),
		Relations:    make(map[string]types.Relation),
		nameToID:     make(map[string]string),
	}
}

// Reduce folds an event sequence into a graph. The fold is pure and total:
// the same sequence yields an equal graph on any host, and no record can
// abort it. Markers and snapshot_written records are ignored wherever they
// appear; unknown or structurally invalid records are skipped with a
// warning. Records[0]'s marker requirement is enforced by the log reader,
// not here.
func Reduce(events []types.GraphEvent, logger *slog.Logger) *Graph {
	if logger == nil {
		logger = slog.Default()
	}
	g := NewGraph()
	for i := range events {
		g.Apply(events[i], logger)
	}
	return g
}

// Apply folds a single event into the graph, following the reducer rules.
func (g *Graph) Apply(ev types.GraphEvent, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}

	if !ev.Known() {
		logger.Warn("skipping unknown event type", "type", ev.Type)
		return
	}
	if err := ev.Validate(); err != nil {
		logger.Warn("skipping invalid event", "type", ev.Type, "error", err)
		return
	}

	switch ev.Type {
	case types.EventMarker, types.EventSnapshotWritten:
		// Metadata records carry no state.

	case types.EventEntityUpsert:
		g.applyEntityUpsert(ev)

	case types.EventObservationAdd:
		obs := *ev.Observation
		if obs.Timestamp.IsZero() {
			obs.Timestamp = ev.TS
		}
		g.Observations[obs.ID] = obs

	case types.EventRelationAdd:
		rel := *ev.Relation
		if _, exists := g.Relations[rel.ID]; exists {
			return // idempotent: first insert wins
		}
		if rel.CreatedAt.IsZero() {
			rel.CreatedAt = ev.TS
		}
		g.Relations[rel.ID] = rel

	case types.EventRelationRemove:
		id := idgen.RelationID(ev.FromID, ev.ToID, ev.RelationType)
		delete(g.Relations, id) // absent target is a no-op

	case types.EventEntityDelete:
		g.applyEntityDelete(ev.EntityID)

	case types.EventObservationDelete:
		delete(g.Observations, ev.ObservationID)
	}
}

func (g *Graph) applyEntityUpsert(ev types.GraphEvent) {
	incoming := *ev.Entity

	if existing, ok := g.Entities[incoming.ID]; ok {
		// Replace by id, preserving the original creation time. The name
		// index entry for a changed name moves with the entity.
		if old := types.NormalizeName(existing.Name); old != types.NormalizeName(incoming.Name) {
			if g.nameToID[old] == incoming.ID {
				delete(g.nameToID, old)
			}
		}
		incoming.CreatedAt = existing.CreatedAt
	} else if incoming.CreatedAt.IsZero() {
		incoming.CreatedAt = ev.TS
	}
	incoming.UpdatedAt = ev.TS
	if incoming.UpdatedAt.IsZero() {
		incoming.UpdatedAt = incoming.CreatedAt
	}

	g.Entities[incoming.ID] = incoming
	g.nameToID[types.NormalizeName(incoming.Name)] = incoming.ID
}

// applyEntityDelete removes the entity, all its observations and all
// incident relations in one reducer step.
func (g *Graph) applyEntityDelete(entityID string) {
	entity, ok := g.Entities[entityID]
	if !ok {
		return
	}
	delete(g.Entities, entityID)
	if g.nameToID[types.NormalizeName(entity.Name)] == entityID {
		delete(g.nameToID, types.NormalizeName(entity.Name))
	}
	for id, obs := range g.Observations {
		if obs.EntityID == entityID {
			delete(g.Observations, id)
		}
	}
	for id, rel := range g.Relations {
		if rel.FromID == entityID || rel.ToID == entityID {
			delete(g.Relations, id)
		}
	}
}

// ResolveName returns the entity with the given (normalized) name.
func (g *Graph) ResolveName(name string) (types.Entity, bool) {
	id, ok := g.nameToID[types.NormalizeName(name)]
	if !ok {
		return types.Entity{}, false
	}
	e, ok := g.Entities[id]
	return e, ok
}

// Resolve returns the entity addressed by ref, trying id first, then name.
func (g *Graph) Resolve(ref string) (types.Entity, bool) {
	if e, ok := g.Entities[ref]; ok {
		return e, true
	}
	return g.ResolveName(ref)
}

// Snapshot materializes the graph, sorted by id for determinism.
func (g *Graph) Snapshot(meta types.SnapshotMeta) *types.Snapshot {
	snap := &types.Snapshot{
		Meta:         meta,
		Entities:     make([]types.Entity, 0, len(g.Entities)),
		Observations: make([]types.Observation, 0, len(g.Observations)),
		Relations:    make([]types.Relation, 0, len(g.Relations)),
	}
	for _, e := range g.Entities {
		snap.Entities = append(snap.Entities, e)
	}
	for _, o := range g.Observations {
		snap.Observations = append(snap.Observations, o)
	}
	for _, r := range g.Relations {
		snap.Relations = append(snap.Relations, r)
	}
	sort.Slice(snap.Entities, func(i, j int) bool { return snap.Entities[i].ID < snap.Entities[j].ID })
	sort.Slice(snap.Observations, func(i, j int) bool { return snap.Observations[i].ID < snap.Observations[j].ID })
	sort.Slice(snap.Relations, func(i, j int) bool { return snap.Relations[i].ID < snap.Relations[j].ID })
	return snap
}

// MinimalEvents emits the shortest event sequence that reduces back to
// exactly the state in snap: the marker, then one entity_upsert per live
// entity, one observation_add per live observation and one relation_add per
// live relation, each stamped so the reduced timestamps round-trip.
func MinimalEvents(snap *types.Snapshot) []types.GraphEvent {
	events := make([]types.GraphEvent, 0, 1+len(snap.Entities)+len(snap.Observations)+len(snap.Relations))
	events = append(events, types.NewMarker())

	for i := range snap.Entities {
		e := snap.Entities[i]
		events = append(events, types.GraphEvent{
			Type:   types.EventEntityUpsert,
			TS:     e.UpdatedAt,
			Entity: &e,
		})
	}
	for i := range snap.Observations {
		o := snap.Observations[i]
		events = append(events, types.GraphEvent{
			Type:        types.EventObservationAdd,
			TS:          o.Timestamp,
			Observation: &o,
		})
	}
	for i := range snap.Relations {
		r := snap.Relations[i]
		events = append(events, types.GraphEvent{
			Type:     types.EventRelationAdd,
			TS:       r.CreatedAt,
			Relation: &r,
		})
	}
	return events
}

// BuildIndex derives the secondary index structure persisted beside a
// snapshot.
func BuildIndex(g *Graph, lineCount int, logModifiedAt, builtAt time.Time) *types.Index {
	nameToID := make(map[string]string, len(g.nameToID))
	for name, id := range g.nameToID {
		nameToID[name] = id
	}
	stats := types.Stats{
		EntityCount:      len(g.Entities),
		ObservationCount: len(g.Observations),
		RelationCount:    len(g.Relations),
	}
	return &types.Index{
		NameToEntityID:     nameToID,
		LastEventLineCount: lineCount,
		SnapshotBuiltAt:    builtAt,
		JSONLModifiedAt:    logModifiedAt,
		Stats:              stats,
	}
}
