// Package index implements the two retrieval legs behind hybrid search:
// a keyword leg on the database's full-text machinery and a vector leg
// doing an exact cosine scan over stored embeddings.
package index

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/kioku-ai/kioku/internal/model"
	"github.com/kioku-ai/kioku/internal/storage"
	"github.com/kioku-ai/kioku/internal/textutil"
)

// Hit is one scored candidate from a retrieval leg. Raw carries the
// backend-native score; Score is normalized to [0, 1].
type Hit struct {
	ID    uuid.UUID
	Raw   float64
	Score float64
}

// Searcher runs retrieval legs against the store.
type Searcher struct {
	store  *storage.Store
	logger *slog.Logger
}

// NewSearcher creates a Searcher.
func NewSearcher(store *storage.Store, logger *slog.Logger) *Searcher {
	return &Searcher{store: store, logger: logger}
}

// keywordSaturation is the raw score at which the normalized keyword score
// reaches 1.0.
const keywordSaturation = 20.0

// queryKeywordMinLen is the minimum token length for search-query keyword
// extraction. Title keywords in the fuzzy upsert gate use a shorter floor.
const queryKeywordMinLen = 3

// Keyword runs the full-text leg. Deleted items never surface; quarantined
// and deprecated rows are retrieved so the caller can route them into the
// excluded sidecar or score them down. When the full-text engine matches
// nothing (or the query has no indexable keywords), a substring scan scored
// by query-term coverage takes over so short or punctuation-heavy queries
// still retrieve.
func (s *Searcher) Keyword(ctx context.Context, tenant, project, query string, kinds []model.Kind, limit int) ([]Hit, error) {
	if limit <= 0 {
		limit = 50
	}
	keywords := textutil.Keywords(query, queryKeywordMinLen)

	if len(keywords) > 0 {
		var (
			hits []Hit
			err  error
		)
		if s.store.Backend() == storage.BackendSQLite {
			hits, err = s.keywordFTS(ctx, tenant, project, keywords, kinds, limit)
		} else {
			hits, err = s.keywordTSQuery(ctx, tenant, project, keywords, kinds, limit)
		}
		if err != nil {
			return nil, err
		}
		if len(hits) > 0 {
			return hits, nil
		}
	}
	return s.keywordLike(ctx, tenant, project, query, kinds, limit)
}

type rawHit struct {
	ID  uuid.UUID `db:"id"`
	Raw float64   `db:"raw"`
}

func statusClause() (string, []any) {
	return "i.status IN (?, ?, ?)",
		[]any{model.StatusActive, model.StatusQuarantined, model.StatusDeprecated}
}

func kindClause(kinds []model.Kind) (string, []any) {
	if len(kinds) == 0 {
		return "", nil
	}
	ph := strings.TrimSuffix(strings.Repeat("?,", len(kinds)), ",")
	args := make([]any, len(kinds))
	for i, k := range kinds {
		args[i] = k
	}
	return " AND i.kind IN (" + ph + ")", args
}

func (s *Searcher) keywordFTS(ctx context.Context, tenant, project string, keywords []string, kinds []model.Kind, limit int) ([]Hit, error) {
	// FTS5 query: OR of quoted terms. Quoting keeps operators like NOT
	// from being interpreted.
	terms := make([]string, len(keywords))
	for i, kw := range keywords {
		terms[i] = `"` + strings.ReplaceAll(kw, `"`, ``) + `"`
	}
	match := strings.Join(terms, " OR ")

	stClause, args := statusClause()
	args = append([]any{match}, args...)
	kClause, kArgs := kindClause(kinds)
	args = append(args, kArgs...)
	args = append(args, tenant, project, limit)

	var rows []rawHit
	err := s.store.Query(ctx, &rows, `
		SELECT i.id AS id, -bm25(items_fts) AS raw
		FROM items_fts
		JOIN items i ON i.id = items_fts.item_id
		WHERE items_fts MATCH ? AND `+stClause+kClause+`
			AND i.tenant = ? AND i.project = ?
		ORDER BY raw DESC
		LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("index: fts query: %w", err)
	}
	return normalize(rows), nil
}

func (s *Searcher) keywordTSQuery(ctx context.Context, tenant, project string, keywords []string, kinds []model.Kind, limit int) ([]Hit, error) {
	// websearch-style OR query; ts_rank is rescaled onto the same raw
	// range the bm25 leg produces.
	tsquery := strings.Join(keywords, " | ")

	stClause, args := statusClause()
	args = append([]any{tsquery, tsquery}, args...)
	kClause, kArgs := kindClause(kinds)
	args = append(args, kArgs...)
	args = append(args, tenant, project, limit)

	var rows []rawHit
	err := s.store.Query(ctx, &rows, `
		SELECT i.id AS id,
			ts_rank(to_tsvector('simple', i.title || ' ' || i.content), to_tsquery('simple', ?)) * 20 AS raw
		FROM items i
		WHERE to_tsvector('simple', i.title || ' ' || i.content) @@ to_tsquery('simple', ?)
			AND `+stClause+kClause+`
			AND i.tenant = ? AND i.project = ?
		ORDER BY raw DESC
		LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("index: tsquery: %w", err)
	}
	return normalize(rows), nil
}

// keywordLike is the degraded leg: case-insensitive substring filter on any
// query keyword, scored by the fraction of query terms the item covers.
func (s *Searcher) keywordLike(ctx context.Context, tenant, project, query string, kinds []model.Kind, limit int) ([]Hit, error) {
	keywords := textutil.Keywords(query, queryKeywordMinLen)
	if len(keywords) == 0 {
		keywords = []string{strings.ToLower(strings.TrimSpace(query))}
		if keywords[0] == "" {
			return nil, nil
		}
	}

	stClause, stArgs := statusClause()
	likeClauses := make([]string, len(keywords))
	var args []any
	for i, kw := range keywords {
		likeClauses[i] = "lower(i.title || ' ' || i.content) LIKE ?"
		args = append(args, "%"+kw+"%")
	}
	args = append(args, stArgs...)
	kClause, kArgs := kindClause(kinds)
	args = append(args, kArgs...)
	args = append(args, tenant, project)

	var items []model.MemoryItem
	err := s.store.Query(ctx, &items, `
		SELECT i.id, i.title, i.content, i.tenant, i.project, i.kind, i.status,
			i.tags, i.provenance, i.verified, i.confidence, i.usefulness_score,
			i.error_count, i.version, i.status_reason, i.content_hash, i.embedding,
			i.created_at, i.updated_at, i.last_used_at
		FROM items i
		WHERE (`+strings.Join(likeClauses, " OR ")+`) AND `+stClause+kClause+`
			AND i.tenant = ? AND i.project = ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("index: like scan: %w", err)
	}

	hits := make([]Hit, 0, len(items))
	for i := range items {
		ratio := textutil.MatchRatio(keywords, textutil.Keywords(items[i].Title+" "+items[i].Content, 2))
		if ratio <= 0 {
			continue
		}
		hits = append(hits, Hit{
			ID:    items[i].ID,
			Raw:   ratio * keywordSaturation,
			Score: ratio,
		})
	}
	sortHits(hits)
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func normalize(rows []rawHit) []Hit {
	hits := make([]Hit, len(rows))
	for i, r := range rows {
		score := r.Raw / keywordSaturation
		if score > 1 {
			score = 1
		}
		if score < 0 {
			score = 0
		}
		hits[i] = Hit{ID: r.ID, Raw: r.Raw, Score: score}
	}
	return hits
}

func sortHits(hits []Hit) {
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
}
