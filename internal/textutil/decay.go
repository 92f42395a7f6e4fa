package textutil

import "time"

// TemporalClass controls how fast an item's recency score decays.
type TemporalClass string

const (
	ClassEvent      TemporalClass = "event"
	ClassState      TemporalClass = "state"
	ClassRule       TemporalClass = "rule"
	ClassPreference TemporalClass = "preference"
)

// DecayConstants per temporal class. Events go stale in days; preferences
// stay relevant for months.
var DecayConstants = map[TemporalClass]float64{
	ClassEvent:      0.15,
	ClassState:      0.10,
	ClassRule:       0.03,
	ClassPreference: 0.02,
}

const (
	recencyFloor = 0.05
	recencyCeil  = 1.0
)

// ClassifyTemporal maps an item's kind and tags to its temporal class.
func ClassifyTemporal(kind string, tags []string) TemporalClass {
	has := func(names ...string) bool {
		for _, t := range tags {
			for _, n := range names {
				if t == n {
					return true
				}
			}
		}
		return false
	}
	switch {
	case kind == "episode" || has("event", "log"):
		return ClassEvent
	case kind == "decision" || kind == "runbook" || has("rule", "policy", "guardrail"):
		return ClassRule
	case has("user_preference", "preference"):
		return ClassPreference
	default:
		return ClassState
	}
}

// Recency maps an item age to [0.05, 1.0] using the class decay constant:
// 1/(1 + age_days*k). Zero age is exactly 1.0; very old items bottom out at
// the floor so they stay findable.
func Recency(updatedAt, now time.Time, class TemporalClass) float64 {
	k, ok := DecayConstants[class]
	if !ok {
		k = DecayConstants[ClassState]
	}
	ageDays := now.Sub(updatedAt).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	r := 1.0 / (1.0 + ageDays*k)
	if r < recencyFloor {
		return recencyFloor
	}
	if r > recencyCeil {
		return recencyCeil
	}
	return r
}
