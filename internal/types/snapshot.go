package types

import "time"

// SnapshotType identifies snapshot files on disk.
const SnapshotType = "memory_bank_snapshot"

// SnapshotMeta describes where a snapshot came from.
type SnapshotMeta struct {
	Type      string    `json:"type"`
	Version   string    `json:"version"`
	StoreID   string    `json:"storeId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	Source    string    `json:"source,omitempty"` // "rebuild", "compact", "import"
}

// Snapshot is the materialized graph state produced by folding the event
// log. It is derived, never authoritative: deleting every snapshot file
// loses nothing.
type Snapshot struct {
	Meta         SnapshotMeta  `json:"meta"`
	Entities     []Entity      `json:"entities"`
	Observations []Observation `json:"observations"`
	Relations    []Relation    `json:"relations"`
}

// Stats summarizes a snapshot for the index file and status output.
type Stats struct {
	EntityCount      int `json:"entityCount"`
	ObservationCount int `json:"observationCount"`
	RelationCount    int `json:"relationCount"`
}

// Stats computes the snapshot's summary counts.
func (s *Snapshot) Stats() Stats {
	return Stats{
		EntityCount:      len(s.Entities),
		ObservationCount: len(s.Observations),
		RelationCount:    len(s.Relations),
	}
}

// Index is the secondary structure persisted beside a snapshot. It is an
// optimization only; a missing or stale index triggers a rebuild.
type Index struct {
	NameToEntityID     map[string]string `json:"nameToEntityId"`
	LastEventLineCount int               `json:"lastEventLineCount"`
	SnapshotBuiltAt    time.Time         `json:"snapshotBuiltAt"`
	JSONLModifiedAt    time.Time         `json:"jsonlModifiedAt"`
	Stats              Stats             `json:"stats"`
}

// SearchResult bundles the three result classes of a graph search.
type SearchResult struct {
	Entities     []ScoredEntity `json:"entities"`
	Observations []Observation  `json:"observations"`
	Relations    []Relation     `json:"relations"`
}

// ScoredEntity is an entity with its search relevance score.
type ScoredEntity struct {
	Entity
	Score float64 `json:"score"`
}

// Neighborhood is the result of expanding seed entities over relations.
type Neighborhood struct {
	Entities  []Entity   `json:"entities"`
	Relations []Relation `json:"relations"`
}

// CompactResult reports the effect of a log compaction.
type CompactResult struct {
	BeforeBytes int64 `json:"beforeBytes"`
	AfterBytes  int64 `json:"afterBytes"`
	EventCount  int   `json:"eventCount"`
}
