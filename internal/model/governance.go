package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RuleType classifies a guardrail.
type RuleType string

const (
	RuleBlock    RuleType = "block"
	RuleWarn     RuleType = "warn"
	RuleSuppress RuleType = "suppress"
)

// ValidRuleTypes is the closed set of guardrail rule types.
var ValidRuleTypes = map[RuleType]bool{
	RuleBlock:    true,
	RuleWarn:     true,
	RuleSuppress: true,
}

// Guardrail is a declarative rule that suppresses or warns on a set of item
// identifiers. Idempotent on (tenant, project, pattern_signature).
type Guardrail struct {
	ID               uuid.UUID  `db:"id" json:"id"`
	Tenant           string     `db:"tenant" json:"tenant"`
	Project          string     `db:"project" json:"project"`
	RuleType         RuleType   `db:"rule_type" json:"rule_type"`
	PatternSignature string     `db:"pattern_signature" json:"pattern_signature"`
	Description      string     `db:"description" json:"description"`
	SuppressIDs      IDList     `db:"suppress_ids" json:"suppress_ids"`
	Active           bool       `db:"active" json:"active"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	ExpiresAt        *time.Time `db:"expires_at" json:"expires_at,omitempty"`
}

// Expired reports whether the guardrail's expiry has passed.
func (g *Guardrail) Expired(now time.Time) bool {
	return g.ExpiresAt != nil && now.After(*g.ExpiresAt)
}

// IDList is a set of item identifiers stored as a JSON array of strings.
type IDList []uuid.UUID

// Value encodes the list as JSON text for storage.
func (l IDList) Value() (driver.Value, error) {
	ss := make([]string, len(l))
	for i, id := range l {
		ss[i] = id.String()
	}
	b, err := json.Marshal(ss)
	if err != nil {
		return nil, fmt.Errorf("model: marshal id list: %w", err)
	}
	return string(b), nil
}

// Scan decodes the list from stored JSON text. Malformed entries are skipped
// rather than failing the whole row.
func (l *IDList) Scan(src any) error {
	var ss []string
	if err := scanJSON(src, &ss, "id list"); err != nil {
		return err
	}
	out := make(IDList, 0, len(ss))
	for _, s := range ss {
		if id, err := uuid.Parse(s); err == nil {
			out = append(out, id)
		}
	}
	*l = out
	return nil
}

// Contains reports whether id is in the list.
func (l IDList) Contains(id uuid.UUID) bool {
	for _, v := range l {
		if v == id {
			return true
		}
	}
	return false
}

// Mistake is a deduplicated failure pattern counted by the loop-breaker.
type Mistake struct {
	ID            uuid.UUID `db:"id" json:"id"`
	Tenant        string    `db:"tenant" json:"tenant"`
	Project       string    `db:"project" json:"project"`
	SignatureHash string    `db:"signature_hash" json:"signature_hash"`
	Count         int       `db:"count" json:"count"`
	Severity      string    `db:"severity" json:"severity"`
	Notes         Notes     `db:"notes" json:"notes"`
	LastSeen      time.Time `db:"last_seen" json:"last_seen"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// Notes is an append-only list of free-form strings stored as a JSON array.
type Notes []string

// Value encodes notes as JSON text for storage.
func (n Notes) Value() (driver.Value, error) {
	if n == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(n))
	if err != nil {
		return nil, fmt.Errorf("model: marshal notes: %w", err)
	}
	return string(b), nil
}

// Scan decodes notes from stored JSON text.
func (n *Notes) Scan(src any) error {
	return scanJSON(src, (*[]string)(n), "notes")
}

// ConflictType classifies a cross-model conflict.
type ConflictType string

const (
	ConflictInterpretation ConflictType = "interpretation"
	ConflictContradiction  ConflictType = "contradiction"
	ConflictVersion        ConflictType = "version"
)

// ModelConflict records a disagreement between two items, with (item_a,
// item_b) stored in canonical order so the pair is unique regardless of
// detection direction.
type ModelConflict struct {
	ID               uuid.UUID    `db:"id" json:"id"`
	Tenant           string       `db:"tenant" json:"tenant"`
	Project          string       `db:"project" json:"project"`
	ItemA            uuid.UUID    `db:"item_a" json:"item_a"`
	ItemB            uuid.UUID    `db:"item_b" json:"item_b"`
	ConflictType     ConflictType `db:"conflict_type" json:"conflict_type"`
	ResolutionStatus string       `db:"resolution_status" json:"resolution_status"`
	CreatedAt        time.Time    `db:"created_at" json:"created_at"`
}

// CanonicalPair orders two item ids so the smaller UUID string is first.
func CanonicalPair(a, b uuid.UUID) (uuid.UUID, uuid.UUID) {
	if a.String() > b.String() {
		return b, a
	}
	return a, b
}

// AuditRecord is one row of the append-only tool invocation log.
type AuditRecord struct {
	ID              int64     `db:"id" json:"id"`
	TraceID         string    `db:"trace_id" json:"trace_id"`
	Tool            string    `db:"tool" json:"tool"`
	RequestJSON     string    `db:"request_json" json:"request_json"`
	ResponseSummary string    `db:"response_summary" json:"response_summary"`
	Project         string    `db:"project" json:"project"`
	Tenant          string    `db:"tenant" json:"tenant"`
	IsError         bool      `db:"is_error" json:"is_error"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}
