// Package textutil provides the text primitives shared by the indices, the
// ranker, and the upsert pipeline: normalization, keyword extraction,
// content hashing, similarity, temporal decay, and the front-loaded
// embedding input.
package textutil

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// stripDiacritics decomposes then drops combining marks (é → e, ü → u).
var stripDiacritics = transform.Chain(
	norm.NFD,
	runes.Remove(runes.In(unicode.Mn)),
	norm.NFC,
)

// Normalize lowercases, strips diacritics, maps punctuation to spaces, and
// collapses whitespace. The result is the canonical form used by the keyword
// index and by keyword extraction.
func Normalize(s string) string {
	s = strings.ToLower(s)
	if out, _, err := transform.String(stripDiacritics, s); err == nil {
		s = out
	}
	var b strings.Builder
	b.Grow(len(s))
	lastSpace := true
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			lastSpace = false
			continue
		}
		if !lastSpace {
			b.WriteByte(' ')
			lastSpace = true
		}
	}
	return strings.TrimSpace(b.String())
}

// NormalizeTags lowercases, trims, and deduplicates a tag list, preserving
// first-seen order.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// MergeTags unions new tags into old ones, keeping any tag from old that is
// in the protected set even if the new list drops it.
func MergeTags(old, newer []string, protected map[string]bool) []string {
	merged := NormalizeTags(newer)
	have := make(map[string]bool, len(merged))
	for _, t := range merged {
		have[t] = true
	}
	for _, t := range NormalizeTags(old) {
		if protected[t] && !have[t] {
			merged = append(merged, t)
			have[t] = true
		}
	}
	return merged
}
