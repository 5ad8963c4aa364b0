package types

import (
	"fmt"
	"time"
)

// EventType discriminates graph event records.
type EventType string

// Graph event types. EventMarker must be record 0 of every log; the reducer
// ignores markers and snapshot_written records found later in the stream.
const (
	EventMarker            EventType = "memory_bank_graph"
	EventEntityUpsert      EventType = "entity_upsert"
	EventObservationAdd    EventType = "observation_add"
	EventRelationAdd       EventType = "relation_add"
	EventRelationRemove    EventType = "relation_remove"
	EventEntityDelete      EventType = "entity_delete"
	EventObservationDelete EventType = "observation_delete"
	EventSnapshotWritten   EventType = "snapshot_written"
)

// Marker identity fields. A log whose first record does not carry these
// values fails with MarkerMismatch.
const (
	MarkerSource  = "memory-bank-mcp"
	MarkerVersion = "1"
)

// GraphEvent is one record of the append-only graph log. It is a tagged
// union: Type selects which payload fields are meaningful. Unknown fields in
// serialized records are ignored; records with unknown types are skipped by
// the reducer.
type GraphEvent struct {
	Type EventType `json:"type"`
	TS   time.Time `json:"ts,omitempty"` // event time; required on all non-marker events

	// Marker fields (Type == EventMarker)
	Source  string `json:"source,omitempty"`
	Version string `json:"version,omitempty"`

	// Payloads by type
	Entity      *Entity      `json:"entity,omitempty"`      // entity_upsert
	Observation *Observation `json:"observation,omitempty"` // observation_add
	Relation    *Relation    `json:"relation,omitempty"`    // relation_add

	EntityID      string `json:"entityId,omitempty"`      // entity_delete
	ObservationID string `json:"observationId,omitempty"` // observation_delete

	// relation_remove identifies the edge by its three parts; the reducer
	// recomputes the relation id from them.
	FromID       string `json:"fromId,omitempty"`
	ToID         string `json:"toId,omitempty"`
	RelationType string `json:"relationType,omitempty"`

	// snapshot_written metadata
	StoreID string `json:"storeId,omitempty"`
}

// NewMarker returns the mandatory first record of a graph log.
func NewMarker() GraphEvent {
	return GraphEvent{
		Type:    EventMarker,
		Source:  MarkerSource,
		Version: MarkerVersion,
	}
}

// IsMarker reports whether e is a structurally valid marker record.
func (e *GraphEvent) IsMarker() bool {
	return e.Type == EventMarker && e.Version == MarkerVersion
}

// Known reports whether the event type is one this version understands.
// Unknown types are reserved for forward compatibility and skipped.
func (e *GraphEvent) Known() bool {
	switch e.Type {
	case EventMarker, EventEntityUpsert, EventObservationAdd, EventRelationAdd,
		EventRelationRemove, EventEntityDelete, EventObservationDelete,
		EventSnapshotWritten:
		return true
	}
	return false
}

// Validate checks the structural invariants of the event for its type.
// The reducer skips (with a warning) any record that fails validation; it
// never aborts a fold because of one bad record.
func (e *GraphEvent) Validate() error {
	switch e.Type {
	case EventMarker:
		if e.Version != MarkerVersion {
			return fmt.Errorf("marker version %q is not supported (want %q)", e.Version, MarkerVersion)
		}
		return nil
	case EventEntityUpsert:
		if e.Entity == nil {
			return fmt.Errorf("entity_upsert requires an entity payload")
		}
		if e.Entity.ID == "" {
			return fmt.Errorf("entity_upsert requires entity.id")
		}
		return e.Entity.Validate()
	case EventObservationAdd:
		if e.Observation == nil {
			return fmt.Errorf("observation_add requires an observation payload")
		}
		if e.Observation.ID == "" {
			return fmt.Errorf("observation_add requires observation.id")
		}
		return e.Observation.Validate()
	case EventRelationAdd:
		if e.Relation == nil {
			return fmt.Errorf("relation_add requires a relation payload")
		}
		if e.Relation.ID == "" {
			return fmt.Errorf("relation_add requires relation.id")
		}
		return e.Relation.Validate()
	case EventRelationRemove:
		if e.FromID == "" || e.ToID == "" || e.RelationType == "" {
			return fmt.Errorf("relation_remove requires fromId, toId and relationType")
		}
		return nil
	case EventEntityDelete:
		if e.EntityID == "" {
			return fmt.Errorf("entity_delete requires entityId")
		}
		return nil
	case EventObservationDelete:
		if e.ObservationID == "" {
			return fmt.Errorf("observation_delete requires observationId")
		}
		return nil
	case EventSnapshotWritten:
		return nil
	default:
		return fmt.Errorf("unknown event type: %s", e.Type)
	}
}
