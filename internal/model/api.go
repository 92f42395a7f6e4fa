package model

import (
	"fmt"

	"github.com/google/uuid"
)

// EmbeddingMode selects how search blends keyword and vector scores.
type EmbeddingMode string

const (
	ModeKeywordOnly EmbeddingMode = "keyword_only"
	ModeHybrid      EmbeddingMode = "hybrid"
	ModeVectorOnly  EmbeddingMode = "vector_only"
)

// ProposedItem is one entry of a memory_upsert batch.
type ProposedItem struct {
	Kind       Kind       `json:"kind"`
	Project    string     `json:"project"`
	Title      string     `json:"title"`
	Content    string     `json:"content"`
	Tags       []string   `json:"tags,omitempty"`
	Verified   *bool      `json:"verified,omitempty"`
	Confidence *float64   `json:"confidence,omitempty"`
	Provenance Provenance `json:"provenance,omitempty"`
	Success    *bool      `json:"success,omitempty"`
}

// Validate checks the statically verifiable fields of a proposed item.
func (p ProposedItem) Validate() error {
	if !ValidKinds[p.Kind] {
		return fmt.Errorf("model: invalid kind %q", p.Kind)
	}
	if p.Project == "" {
		return fmt.Errorf("model: project is required")
	}
	if p.Title == "" {
		return fmt.Errorf("model: title is required")
	}
	if p.Content == "" {
		return fmt.Errorf("model: content is required")
	}
	if p.Confidence != nil && (*p.Confidence < 0 || *p.Confidence > 1) {
		return fmt.Errorf("model: confidence must be in [0,1]")
	}
	return nil
}

// UpsertAction names the path a proposed item took through the pipeline.
type UpsertAction string

const (
	ActionCreated        UpsertAction = "created"
	ActionUpdated        UpsertAction = "updated"
	ActionContentUpdated UpsertAction = "content_updated"
	ActionFuzzyUpdated   UpsertAction = "fuzzy_updated"
)

// UpsertOutcome is the per-item result of an upsert batch.
type UpsertOutcome struct {
	ID      uuid.UUID    `json:"id"`
	Title   string       `json:"title"`
	Action  UpsertAction `json:"action"`
	Version int          `json:"version"`
}

// SearchOptions carries the knobs of a memory_search call.
type SearchOptions struct {
	Tenant             string
	Project            string
	Query              string
	Kinds              []Kind
	Tags               []string
	Limit              int
	Mode               EmbeddingMode
	OverrideQuarantine bool
	Diversify          bool
	MaxHops            int
}

// SearchResult is one ranked item with its score breakdown.
type SearchResult struct {
	Item         MemoryItem `json:"item"`
	Score        float64    `json:"score"`
	KeywordScore float64    `json:"keyword_score"`
	VectorScore  float64    `json:"vector_score"`
	Recency      float64    `json:"recency"`
}

// ExcludedItem is a search hit hidden by governance, returned in the
// excluded[] sidecar so callers can see what was withheld and why.
type ExcludedItem struct {
	ID     uuid.UUID `json:"id"`
	Title  string    `json:"title"`
	Reason string    `json:"reason"`
}

// Forensic is the machine-readable block attached to every tool response.
type Forensic struct {
	DBBackend              string         `json:"db_backend"`
	EmbeddingMode          string         `json:"embedding_mode"`
	EmbeddingBackendUsed   string         `json:"embedding_backend_used,omitempty"`
	EmbeddingFallbackCause string         `json:"embedding_fallback_reason,omitempty"`
	Governance             GovernanceMeta `json:"governance"`
	CrossModel             CrossModelMeta `json:"cross_model"`

	// Verbose-only fields.
	ScoreWeights   map[string]float64 `json:"score_weights,omitempty"`
	TemporalConfig map[string]float64 `json:"temporal_config,omitempty"`
	GuardrailIDs   []uuid.UUID        `json:"guardrail_ids,omitempty"`
	SuppressedIDs  []uuid.UUID        `json:"suppressed_ids,omitempty"`
}

// GovernanceMeta summarizes lifecycle state for forensic output.
type GovernanceMeta struct {
	Quarantined      int `json:"quarantined"`
	Deleted          int `json:"deleted"`
	GuardrailsActive int `json:"guardrails_active"`
}

// CrossModelMeta summarizes model diversity for forensic output.
type CrossModelMeta struct {
	Models    []string `json:"models"`
	Conflicts int      `json:"conflicts"`
}

// Meta wraps the forensic block with the request trace id.
type Meta struct {
	TraceID  string   `json:"trace_id"`
	Forensic Forensic `json:"forensic"`
}
