// Package types defines core data structures for the membank knowledge graph.
package types

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxNameLength bounds entity names on the wire.
const MaxNameLength = 500

// MaxObservationLength bounds observation text.
const MaxObservationLength = 10000

// MaxAttrs bounds the number of attributes per entity.
const MaxAttrs = 64

// Entity is an identity-bearing node in the knowledge graph.
// Its ID is derived from (normalized name, entityType), so the same logical
// entity hashes to the same ID on every host.
type Entity struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	EntityType string         `json:"entityType"`
	Attrs      map[string]any `json:"attrs,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// Validate checks the entity's field values.
func (e *Entity) Validate() error {
	if strings.TrimSpace(e.Name) == "" {
		return fmt.Errorf("entity name is required")
	}
	if len(e.Name) > MaxNameLength {
		return fmt.Errorf("entity name must be %d characters or less (got %d)", MaxNameLength, len(e.Name))
	}
	if !utf8.ValidString(e.Name) {
		return fmt.Errorf("entity name must be valid UTF-8")
	}
	if strings.TrimSpace(e.EntityType) == "" {
		return fmt.Errorf("entity type is required")
	}
	if err := ValidateAttrs(e.Attrs); err != nil {
		return err
	}
	return nil
}

// ValidateAttrs checks that attrs is a flat mapping of string keys to JSON
// scalars. Nested objects and arrays are rejected; the graph stores facts as
// observations, not as structured attribute trees.
func ValidateAttrs(attrs map[string]any) error {
	if len(attrs) > MaxAttrs {
		return fmt.Errorf("too many attributes: %d (max %d)", len(attrs), MaxAttrs)
	}
	for k, v := range attrs {
		if k == "" {
			return fmt.Errorf("attribute key must be non-empty")
		}
		switch v.(type) {
		case nil, string, bool, float64, int, int64:
		default:
			return fmt.Errorf("attribute %q must be a JSON scalar (got %T)", k, v)
		}
	}
	return nil
}

// NormalizeName canonicalizes an entity name for identity and lookup:
// lowercase, leading/trailing space trimmed, internal runs of whitespace
// collapsed to a single space.
func NormalizeName(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

// Observation is a free-text fact attached to exactly one entity.
type Observation struct {
	ID        string    `json:"id"`
	EntityID  string    `json:"entityId"`
	Text      string    `json:"text"`
	Source    *Source   `json:"source,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Validate checks the observation's field values.
func (o *Observation) Validate() error {
	if o.EntityID == "" {
		return fmt.Errorf("observation entityId is required")
	}
	if strings.TrimSpace(o.Text) == "" {
		return fmt.Errorf("observation text is required")
	}
	if len(o.Text) > MaxObservationLength {
		return fmt.Errorf("observation text must be %d characters or less (got %d)", MaxObservationLength, len(o.Text))
	}
	if o.Source != nil {
		if !o.Source.Kind.IsValid() {
			return fmt.Errorf("invalid observation source kind: %s", o.Source.Kind)
		}
	}
	return nil
}

// Source records where an observation came from.
type Source struct {
	Kind SourceKind `json:"kind"`
	Ref  string     `json:"ref,omitempty"` // e.g. tool name, import file, agent session
}

// SourceKind enumerates observation provenance.
type SourceKind string

// Observation source kinds
const (
	SourceManual SourceKind = "manual"
	SourceTool   SourceKind = "tool"
	SourceImport SourceKind = "import"
	SourceAgent  SourceKind = "agent"
)

// IsValid reports whether k is a known source kind.
func (k SourceKind) IsValid() bool {
	switch k {
	case SourceManual, SourceTool, SourceImport, SourceAgent:
		return true
	}
	return false
}

// Relation is a directed typed edge between two entities. Relations are
// idempotent: reinserting the same (from, to, type) is a no-op.
type Relation struct {
	ID           string    `json:"id"`
	FromID       string    `json:"fromId"`
	ToID         string    `json:"toId"`
	RelationType string    `json:"relationType"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Validate checks the relation's field values.
func (r *Relation) Validate() error {
	if r.FromID == "" {
		return fmt.Errorf("relation fromId is required")
	}
	if r.ToID == "" {
		return fmt.Errorf("relation toId is required")
	}
	if strings.TrimSpace(r.RelationType) == "" {
		return fmt.Errorf("relation type is required")
	}
	return nil
}

// Tenant is the (userId, projectId) pair carried on every request. It is
// bound to a single storage transaction and never cached across requests.
type Tenant struct {
	UserID    string `json:"userId"`
	ProjectID string `json:"projectId"`
}

// Validate checks that both tenant ids are present.
func (t Tenant) Validate() error {
	if t.UserID == "" {
		return fmt.Errorf("tenant userId is required")
	}
	if t.ProjectID == "" {
		return fmt.Errorf("tenant projectId is required")
	}
	return nil
}

// String renders the tenant for log attributes. Never used in SQL.
func (t Tenant) String() string {
	return t.UserID + "/" + t.ProjectID
}
