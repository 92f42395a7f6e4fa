// Package model defines the domain types shared by the storage layer and
// services: memory items, links, guardrails, mistakes, conflicts, audit
// records, and the governance policy.
//
// Dynamic JSON payloads (tags, provenance, suppress_ids) are stored on disk
// as encoded text and decoded at the storage boundary via Value/Scan.
package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind classifies a memory item.
type Kind string

const (
	KindFact     Kind = "fact"
	KindState    Kind = "state"
	KindDecision Kind = "decision"
	KindRunbook  Kind = "runbook"
	KindEpisode  Kind = "episode"
)

// ValidKinds is the closed set of item kinds.
var ValidKinds = map[Kind]bool{
	KindFact:     true,
	KindState:    true,
	KindDecision: true,
	KindRunbook:  true,
	KindEpisode:  true,
}

// Status is the lifecycle state of a memory item.
type Status string

const (
	StatusActive      Status = "active"
	StatusQuarantined Status = "quarantined"
	StatusDeprecated  Status = "deprecated"
	StatusDeleted     Status = "deleted"
)

// ValidStatuses is the closed set of item statuses.
var ValidStatuses = map[Status]bool{
	StatusActive:      true,
	StatusQuarantined: true,
	StatusDeprecated:  true,
	StatusDeleted:     true,
}

// MemoryItem is the unit of knowledge.
type MemoryItem struct {
	ID              uuid.UUID        `db:"id" json:"id"`
	Tenant          string           `db:"tenant" json:"tenant"`
	Project         string           `db:"project" json:"project"`
	Kind            Kind             `db:"kind" json:"kind"`
	Title           string           `db:"title" json:"title"`
	Content         string           `db:"content" json:"content"`
	Tags            Tags             `db:"tags" json:"tags"`
	Provenance      Provenance       `db:"provenance" json:"provenance"`
	Verified        bool             `db:"verified" json:"verified"`
	Confidence      float64          `db:"confidence" json:"confidence"`
	UsefulnessScore float64          `db:"usefulness_score" json:"usefulness_score"`
	ErrorCount      int              `db:"error_count" json:"error_count"`
	Version         int              `db:"version" json:"version"`
	Status          Status           `db:"status" json:"status"`
	StatusReason    string           `db:"status_reason" json:"status_reason,omitempty"`
	ContentHash     string     `db:"content_hash" json:"content_hash"`
	Embedding       NullVector `db:"embedding" json:"-"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
	LastUsedAt      time.Time  `db:"last_used_at" json:"last_used_at"`
}

// HasEmbedding reports whether the item carries a stored vector.
func (m *MemoryItem) HasEmbedding() bool {
	return m.Embedding.Valid && len(m.Embedding.Slice()) > 0
}

// HistorySnapshot is a prior version of an item, written before every
// content-changing update.
type HistorySnapshot struct {
	ID              int64     `db:"id" json:"id"`
	ItemID          uuid.UUID `db:"item_id" json:"item_id"`
	Version         int       `db:"version" json:"version"`
	Title           string    `db:"title" json:"title"`
	Content         string    `db:"content" json:"content"`
	Tags            Tags      `db:"tags" json:"tags"`
	ContentHash     string    `db:"content_hash" json:"content_hash"`
	UsefulnessScore float64   `db:"usefulness_score" json:"usefulness_score"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
	Reason          string    `db:"reason" json:"reason"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}

// Tags is a normalized set of lower-cased tag strings, stored as a JSON array.
type Tags []string

// Value encodes tags as JSON text for storage.
func (t Tags) Value() (driver.Value, error) {
	if t == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(t))
	if err != nil {
		return nil, fmt.Errorf("model: marshal tags: %w", err)
	}
	return string(b), nil
}

// Scan decodes tags from stored JSON text.
func (t *Tags) Scan(src any) error {
	return scanJSON(src, (*[]string)(t), "tags")
}

// Contains reports whether the tag set includes tag (exact match).
func (t Tags) Contains(tag string) bool {
	for _, v := range t {
		if v == tag {
			return true
		}
	}
	return false
}

// Provenance records where an item came from. Known fields are typed;
// anything else the writer sent is preserved in Extra.
type Provenance struct {
	ModelID    string         `json:"model_id,omitempty"`
	Persona    string         `json:"persona,omitempty"`
	Confidence float64        `json:"confidence,omitempty"`
	SessionID  string         `json:"session_id,omitempty"`
	Timestamp  string         `json:"timestamp,omitempty"`
	Extra      map[string]any `json:"-"`
}

var provenanceKnownKeys = map[string]bool{
	"model_id": true, "persona": true, "confidence": true,
	"session_id": true, "timestamp": true,
}

// MarshalJSON folds Extra back into the top-level object.
func (p Provenance) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(p.Extra)+5)
	for k, v := range p.Extra {
		if !provenanceKnownKeys[k] {
			out[k] = v
		}
	}
	if p.ModelID != "" {
		out["model_id"] = p.ModelID
	}
	if p.Persona != "" {
		out["persona"] = p.Persona
	}
	if p.Confidence != 0 {
		out["confidence"] = p.Confidence
	}
	if p.SessionID != "" {
		out["session_id"] = p.SessionID
	}
	if p.Timestamp != "" {
		out["timestamp"] = p.Timestamp
	}
	return json.Marshal(out)
}

// UnmarshalJSON pulls known fields and keeps the remainder in Extra.
func (p *Provenance) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*p = Provenance{}
	for k, v := range raw {
		switch k {
		case "model_id":
			p.ModelID, _ = v.(string)
		case "persona":
			p.Persona, _ = v.(string)
		case "confidence":
			p.Confidence, _ = v.(float64)
		case "session_id":
			p.SessionID, _ = v.(string)
		case "timestamp":
			p.Timestamp, _ = v.(string)
		default:
			if p.Extra == nil {
				p.Extra = make(map[string]any)
			}
			p.Extra[k] = v
		}
	}
	return nil
}

// Value encodes provenance as JSON text for storage.
func (p Provenance) Value() (driver.Value, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("model: marshal provenance: %w", err)
	}
	return string(b), nil
}

// Scan decodes provenance from stored JSON text.
func (p *Provenance) Scan(src any) error {
	return scanJSON(src, p, "provenance")
}

// scanJSON decodes a TEXT/BLOB column holding JSON into dest.
// An empty or NULL column leaves dest at its zero value.
func scanJSON(src, dest any, what string) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("model: scan %s: unsupported type %T", what, src)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("model: scan %s: %w", what, err)
	}
	return nil
}
