package textutil

import "strings"

// stopWords is a language-agnostic list: short function words from the
// major European languages agents tend to write in. Applied after
// normalization, so accents are already gone.
var stopWords = map[string]bool{
	// English
	"the": true, "and": true, "for": true, "with": true, "this": true,
	"that": true, "from": true, "are": true, "was": true, "were": true,
	"has": true, "have": true, "had": true, "not": true, "you": true,
	"your": true, "its": true, "can": true, "will": true, "all": true,
	"any": true, "but": true, "his": true, "her": true, "they": true,
	"them": true, "then": true, "than": true, "into": true, "out": true,
	"use": true, "using": true, "used": true, "when": true, "where": true,
	"what": true, "which": true, "how": true, "why": true, "about": true,
	// German
	"der": true, "die": true, "das": true, "und": true, "ist": true,
	"nicht": true, "ein": true, "eine": true, "mit": true, "auf": true,
	// French
	"les": true, "des": true, "une": true, "est": true, "pour": true,
	"dans": true, "sur": true, "par": true, "pas": true, "aux": true,
	// Spanish
	"los": true, "las": true, "por": true, "con": true, "para": true,
	"del": true, "una": true, "como": true, "mas": true, "pero": true,
}

// CommonTechniqueWords never count toward the target-tag boost in reranking;
// they match far too many items to be a useful targeting signal.
var CommonTechniqueWords = map[string]bool{
	"scan": true, "exploit": true, "attack": true, "enumerate": true,
	"password": true, "service": true, "server": true, "network": true,
	"system": true, "command": true, "access": true,
}

// Keywords normalizes text and returns tokens of at least minLen characters
// with stop words removed, deduplicated in order of first appearance.
func Keywords(text string, minLen int) []string {
	if minLen <= 0 {
		minLen = 3
	}
	seen := make(map[string]bool)
	var out []string
	for _, tok := range strings.Fields(Normalize(text)) {
		if len(tok) < minLen || stopWords[tok] || seen[tok] {
			continue
		}
		seen[tok] = true
		out = append(out, tok)
	}
	return out
}

// TitleKeywords extracts keywords for fuzzy title matching (≥2 chars so
// short identifiers like "cve" fragments and host letters survive).
func TitleKeywords(title string) []string {
	return Keywords(title, 2)
}

// Jaccard computes set similarity of two keyword lists.
// Two empty sets are identical by convention.
func Jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}
	setA := make(map[string]bool, len(a))
	for _, k := range a {
		setA[k] = true
	}
	inter := 0
	setB := make(map[string]bool, len(b))
	for _, k := range b {
		if setB[k] {
			continue
		}
		setB[k] = true
		if setA[k] {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	if union == 0 {
		return 0.0
	}
	return float64(inter) / float64(union)
}

// outcomeMarkers are title annotations that record how an attempt ended.
// Items whose titles carry different markers are never fuzzy-merged: a
// failed attempt must not overwrite a successful one.
var outcomeMarkers = []string{"[success]", "[failed]", "[partial]"}

// OutcomeMarker returns the outcome annotation of a title, or "".
func OutcomeMarker(title string) string {
	lower := strings.ToLower(title)
	for _, m := range outcomeMarkers {
		if strings.Contains(lower, m) {
			return m
		}
	}
	return ""
}

// MatchRatio returns the fraction of query keywords present in text keywords.
func MatchRatio(queryKeywords, textKeywords []string) float64 {
	if len(queryKeywords) == 0 {
		return 0
	}
	set := make(map[string]bool, len(textKeywords))
	for _, k := range textKeywords {
		set[k] = true
	}
	hits := 0
	for _, k := range queryKeywords {
		if set[k] {
			hits++
		}
	}
	return float64(hits) / float64(len(queryKeywords))
}
