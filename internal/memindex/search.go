package memindex

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/openbotx/openbotx/internal/observe"
)

// snippetMaxLength bounds the excerpt attached to each search result.
const snippetMaxLength = 200

// SearchOptions tunes one hybrid search.
type SearchOptions struct {
	// MaxResults caps the returned slice. Default 5.
	MaxResults int

	// MinScore drops candidates whose combined score is below it.
	MinScore float64

	// Sources restricts the search to the given source labels. Empty means
	// all sources.
	Sources []string

	// VectorWeight and TextWeight blend the two scores. Defaults 0.7 / 0.3.
	VectorWeight float64
	TextWeight   float64
}

// SearchResult is one hybrid search hit.
type SearchResult struct {
	ChunkID   int64
	Path      string
	Source    string
	StartLine int
	EndLine   int
	Score     float64
	Snippet   string
}

// candidate accumulates the partial scores of one chunk id.
type candidate struct {
	chunkID   int64
	path      string
	source    string
	startLine int
	endLine   int
	text      string
	vecScore  float64
	textScore float64
}

// Search runs the hybrid query: up to 2·MaxResults vector hits and
// 2·MaxResults full-text hits are merged per chunk id with
// combined = vec·VectorWeight + text·TextWeight (a missing score counts
// as 0), filtered by MinScore, and the top MaxResults are returned.
func (ix *Index) Search(ctx context.Context, query string, opts SearchOptions) ([]SearchResult, error) {
	if opts.MaxResults <= 0 {
		opts.MaxResults = 5
	}
	if opts.VectorWeight == 0 && opts.TextWeight == 0 {
		opts.VectorWeight, opts.TextWeight = 0.7, 0.3
	}
	candidateLimit := 2 * opts.MaxResults

	merged := make(map[int64]*candidate)

	if ix.embedder != nil {
		queryVec, err := ix.embedder.Embed(ctx, query)
		if err != nil {
			// Degrade to text-only search rather than failing retrieval.
			observe.Logger(ctx).Warn("query embedding failed, text-only search", "error", err)
		} else {
			vecHits, err := ix.vectorCandidates(ctx, queryVec, candidateLimit, opts.Sources)
			if err != nil {
				return nil, err
			}
			for _, c := range vecHits {
				merged[c.chunkID] = c
			}
		}
	}

	textHits, err := ix.textCandidates(ctx, query, candidateLimit, opts.Sources)
	if err != nil {
		return nil, err
	}
	for _, c := range textHits {
		if existing, ok := merged[c.chunkID]; ok {
			existing.textScore = c.textScore
		} else {
			merged[c.chunkID] = c
		}
	}

	return rankCandidates(merged, query, opts), nil
}

// rankCandidates combines the partial scores, applies the minimum-score
// filter, and returns the top MaxResults by combined score.
func rankCandidates(merged map[int64]*candidate, query string, opts SearchOptions) []SearchResult {
	results := make([]SearchResult, 0, len(merged))
	for _, c := range merged {
		combined := c.vecScore*opts.VectorWeight + c.textScore*opts.TextWeight
		if combined < opts.MinScore {
			continue
		}
		results = append(results, SearchResult{
			ChunkID:   c.chunkID,
			Path:      c.path,
			Source:    c.source,
			StartLine: c.startLine,
			EndLine:   c.endLine,
			Score:     combined,
			Snippet:   makeSnippet(c.text, query, snippetMaxLength),
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ChunkID < results[j].ChunkID
	})
	if len(results) > opts.MaxResults {
		results = results[:opts.MaxResults]
	}
	return results
}

// vectorCandidates returns the most similar chunks to queryVec, via the ANN
// index when present, else exact in-process cosine over stored blobs.
func (ix *Index) vectorCandidates(ctx context.Context, queryVec []float32, limit int, sources []string) ([]*candidate, error) {
	if ix.hasVec {
		return ix.annCandidates(ctx, queryVec, limit, sources)
	}
	return ix.exactCandidates(ctx, queryVec, limit, sources)
}

func (ix *Index) annCandidates(ctx context.Context, queryVec []float32, limit int, sources []string) ([]*candidate, error) {
	args := []any{pgvector.NewVector(queryVec)}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	where := ""
	if len(sources) > 0 {
		where = "WHERE c.source = ANY(" + next(sources) + ")"
	}
	limitArg := next(limit)

	q := fmt.Sprintf(`
		SELECT c.id, c.path, c.source, c.start_line, c.end_line, c.text,
		       v.embedding <=> $1 AS distance
		FROM   chunks_vec v
		JOIN   chunks c ON c.id = v.chunk_id
		%s
		ORDER  BY distance
		LIMIT  %s`, where, limitArg)

	rows, err := ix.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("memindex: vector search: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*candidate, error) {
		var c candidate
		var distance float64
		if err := row.Scan(&c.chunkID, &c.path, &c.source, &c.startLine, &c.endLine, &c.text, &distance); err != nil {
			return nil, err
		}
		// Cosine distance is in [0, 2]; map to a similarity in [0, 1].
		c.vecScore = min(max(1-distance, 0), 1)
		return &c, nil
	})
}

// exactCandidates scans stored embedding blobs and ranks by cosine
// similarity in-process. Used when pgvector is not installed.
func (ix *Index) exactCandidates(ctx context.Context, queryVec []float32, limit int, sources []string) ([]*candidate, error) {
	args := []any{}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	where := "WHERE embedding IS NOT NULL"
	if len(sources) > 0 {
		where += " AND source = ANY(" + next(sources) + ")"
	}

	q := fmt.Sprintf(`
		SELECT id, path, source, start_line, end_line, text, embedding
		FROM   chunks
		%s`, where)

	rows, err := ix.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("memindex: exact vector search: %w", err)
	}
	all, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*candidate, error) {
		var c candidate
		var blob []byte
		if err := row.Scan(&c.chunkID, &c.path, &c.source, &c.startLine, &c.endLine, &c.text, &blob); err != nil {
			return nil, err
		}
		vec, err := decodeVector(blob, ix.dim)
		if err != nil {
			return nil, fmt.Errorf("chunk %d: %w", c.chunkID, err)
		}
		c.vecScore = cosineSimilarity(queryVec, vec)
		return &c, nil
	})
	if err != nil {
		return nil, fmt.Errorf("memindex: exact vector search: %w", err)
	}

	sort.Slice(all, func(i, j int) bool { return all[i].vecScore > all[j].vecScore })
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// textCandidates runs the full-text leg. ts_rank_cd with normalization 32
// maps the rank to [0, 1).
func (ix *Index) textCandidates(ctx context.Context, query string, limit int, sources []string) ([]*candidate, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}

	args := []any{query}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	where := "WHERE tsv @@ plainto_tsquery('english', $1)"
	if len(sources) > 0 {
		where += " AND source = ANY(" + next(sources) + ")"
	}
	limitArg := next(limit)

	q := fmt.Sprintf(`
		SELECT id, path, source, start_line, end_line, text,
		       ts_rank_cd(tsv, plainto_tsquery('english', $1), 32) AS rank
		FROM   chunks
		%s
		ORDER  BY rank DESC
		LIMIT  %s`, where, limitArg)

	rows, err := ix.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("memindex: text search: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*candidate, error) {
		var c candidate
		if err := row.Scan(&c.chunkID, &c.path, &c.source, &c.startLine, &c.endLine, &c.text, &c.textScore); err != nil {
			return nil, err
		}
		return &c, nil
	})
}
