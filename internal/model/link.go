package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Relation is the type of a directed edge between two items.
type Relation string

const (
	RelationCauses      Relation = "causes"
	RelationDependsOn   Relation = "depends_on"
	RelationContradicts Relation = "contradicts"
	RelationSupersedes  Relation = "supersedes"
	RelationRelatedTo   Relation = "related_to"
)

// ValidRelations is the closed set of edge types.
var ValidRelations = map[Relation]bool{
	RelationCauses:      true,
	RelationDependsOn:   true,
	RelationContradicts: true,
	RelationSupersedes:  true,
	RelationRelatedTo:   true,
}

// MemoryLink is a typed directed edge in the knowledge graph.
// Unique on (from, to, relation).
type MemoryLink struct {
	ID        uuid.UUID `db:"id" json:"id"`
	FromID    uuid.UUID `db:"from_id" json:"from_id"`
	ToID      uuid.UUID `db:"to_id" json:"to_id"`
	Relation  Relation  `db:"relation" json:"relation"`
	Weight    float64   `db:"weight" json:"weight"`
	Metadata  JSONMap   `db:"metadata" json:"metadata,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// JSONMap is a free-form object column stored as JSON text.
type JSONMap map[string]any

// Value encodes the map as JSON text for storage.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(map[string]any(m))
	if err != nil {
		return nil, fmt.Errorf("model: marshal metadata: %w", err)
	}
	return string(b), nil
}

// Scan decodes the map from stored JSON text.
func (m *JSONMap) Scan(src any) error {
	return scanJSON(src, (*map[string]any)(m), "metadata")
}

// GraphNode is one record produced by a breadth-first graph traversal.
type GraphNode struct {
	ID       uuid.UUID   `json:"id"`
	Hop      int         `json:"hop"`
	Path     []uuid.UUID `json:"path"`
	Relation Relation    `json:"relation"`
	Weight   float64     `json:"weight"`
	Title    string      `json:"title,omitempty"`
	Kind     Kind        `json:"kind,omitempty"`
}

// RelationSuggestion proposes an edge between two items.
type RelationSuggestion struct {
	FromID     uuid.UUID `json:"from_id"`
	ToID       uuid.UUID `json:"to_id"`
	Relation   Relation  `json:"relation"`
	Confidence float64   `json:"confidence"`
	Title      string    `json:"title"`
}
