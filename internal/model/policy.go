package model

// FeedbackLabel is an agent's verdict on a retrieved item.
type FeedbackLabel string

const (
	FeedbackUseful      FeedbackLabel = "useful"
	FeedbackNotRelevant FeedbackLabel = "not_relevant"
	FeedbackWrong       FeedbackLabel = "wrong"
)

// ValidFeedbackLabels is the closed set of feedback labels.
var ValidFeedbackLabels = map[FeedbackLabel]bool{
	FeedbackUseful:      true,
	FeedbackNotRelevant: true,
	FeedbackWrong:       true,
}

// Policy holds the governance thresholds. Every field is overridable per
// maintenance call; zero values mean "use the default".
type Policy struct {
	MaxAgeDays                 int     `json:"max_age_days"`
	MinUsefulness              float64 `json:"min_usefulness"`
	MaxErrorCount              int     `json:"max_error_count"`
	KeepLastNEpisodes          int     `json:"keep_last_n_episodes"`
	QuarantineOnWrongThreshold int     `json:"quarantine_on_wrong_threshold"`
	DeleteOnWrongThreshold     int     `json:"delete_on_wrong_threshold"`
	AuditKeep                  int     `json:"audit_keep"`
}

// DefaultPolicy returns the reference governance thresholds.
func DefaultPolicy() Policy {
	return Policy{
		MaxAgeDays:                 180,
		MinUsefulness:              -5.0,
		MaxErrorCount:              5,
		KeepLastNEpisodes:          500,
		QuarantineOnWrongThreshold: 3,
		DeleteOnWrongThreshold:     5,
		AuditKeep:                  5000,
	}
}

// Merge returns p with zero-valued fields replaced by defaults.
func (p Policy) Merge(defaults Policy) Policy {
	out := p
	if out.MaxAgeDays == 0 {
		out.MaxAgeDays = defaults.MaxAgeDays
	}
	if out.MinUsefulness == 0 {
		out.MinUsefulness = defaults.MinUsefulness
	}
	if out.MaxErrorCount == 0 {
		out.MaxErrorCount = defaults.MaxErrorCount
	}
	if out.KeepLastNEpisodes == 0 {
		out.KeepLastNEpisodes = defaults.KeepLastNEpisodes
	}
	if out.QuarantineOnWrongThreshold == 0 {
		out.QuarantineOnWrongThreshold = defaults.QuarantineOnWrongThreshold
	}
	if out.DeleteOnWrongThreshold == 0 {
		out.DeleteOnWrongThreshold = defaults.DeleteOnWrongThreshold
	}
	if out.AuditKeep == 0 {
		out.AuditKeep = defaults.AuditKeep
	}
	return out
}

// ProtectedTags are tags that make an item immune to automated quarantine,
// prune and loop-breaker actions. Explicit forget still applies.
var ProtectedTags = map[string]bool{
	"critical":     true,
	"operational":  true,
	"persistence":  true,
	"credential":   true,
	"verified":     true,
	"guardrail":    true,
	"ssh":          true,
	"webshell":     true,
	"exploit":      true,
	"root":         true,
	"flag":         true,
	"key_material": true,
}

// Protected reports whether the item is immune to automated governance
// actions: protected tag, verified flag, high confidence, or demonstrated
// usefulness.
func (m *MemoryItem) Protected() bool {
	for _, tag := range m.Tags {
		if ProtectedTags[tag] {
			return true
		}
	}
	return m.Verified || m.Confidence >= 0.8 || m.UsefulnessScore >= 1.0
}
