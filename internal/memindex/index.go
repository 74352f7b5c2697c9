// Package memindex implements the hybrid long-term memory index: files are
// chunked line-wise, embedded, and stored in PostgreSQL with a full-text
// index and (when pgvector is available) an ANN index. Search blends vector
// similarity and BM25-style text rank into one combined score.
package memindex

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/openbotx/openbotx/internal/config"
	"github.com/openbotx/openbotx/internal/observe"
	"github.com/openbotx/openbotx/pkg/provider/embeddings"
)

// indexableExtensions is the recognised set for directory sync.
var indexableExtensions = map[string]bool{
	".md": true, ".txt": true, ".go": true, ".py": true, ".js": true,
	".ts": true, ".rs": true, ".java": true, ".c": true, ".h": true,
	".sh": true, ".yaml": true, ".yml": true, ".json": true, ".toml": true,
	".html": true, ".css": true, ".sql": true,
}

// Index is the durable hybrid memory index. All methods are safe for
// concurrent use; writes to one path are serialized by the database
// transaction.
type Index struct {
	pool     *pgxpool.Pool
	embedder embeddings.Provider
	dim      int
	hasVec   bool

	chunkSize    int
	chunkOverlap int
}

// Stats summarises index contents.
type Stats struct {
	FileCount  int64
	ChunkCount int64
	BySource   map[string]int64
	LastSync   time.Time
	IndexBytes int64
}

// New connects to the database at cfg.PostgresDSN, ensures the schema, and
// returns the index. embedder provides query and chunk embeddings; its
// dimensionality overrides cfg.EmbeddingDimensions when both are set.
func New(ctx context.Context, cfg config.MemoryConfig, embedder embeddings.Provider) (*Index, error) {
	dim := cfg.EmbeddingDimensions
	if embedder != nil {
		dim = embedder.Dimensions()
	}
	if dim <= 0 {
		return nil, errors.New("memindex: embedding dimension must be positive")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("memindex: parse dsn: %w", err)
	}
	// Vector types may be missing when pgvector is not installed; ignore
	// registration failures and rely on the BYTEA fallback.
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		_ = pgxvec.RegisterTypes(ctx, conn)
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("memindex: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("memindex: ping: %w", err)
	}

	hasVec, err := migrate(ctx, pool, dim)
	if err != nil {
		pool.Close()
		return nil, err
	}

	idx := &Index{
		pool:         pool,
		embedder:     embedder,
		dim:          dim,
		hasVec:       hasVec,
		chunkSize:    cfg.ChunkSizeTokens,
		chunkOverlap: cfg.ChunkOverlapTokens,
	}
	return idx, nil
}

// Close releases the connection pool.
func (ix *Index) Close() {
	ix.pool.Close()
}

// IndexFile reads the file at path and indexes its content under the given
// source label. Returns the number of chunks written, or 0 when the stored
// content hash already matches.
func (ix *Index) IndexFile(ctx context.Context, path, source string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("memindex: read %q: %w", path, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("memindex: stat %q: %w", path, err)
	}
	return ix.indexContent(ctx, path, source, string(data), info.ModTime().UTC(), info.Size())
}

// IndexText indexes in-memory text under a synthetic path. The size recorded
// for the file record is the text's byte length.
func (ix *Index) IndexText(ctx context.Context, text, path, source string) (int, error) {
	return ix.indexContent(ctx, path, source, text, time.Now().UTC(), int64(len(text)))
}

func (ix *Index) indexContent(ctx context.Context, path, source, text string, mtime time.Time, size int64) (int, error) {
	hash := contentHash(text)

	var storedHash string
	err := ix.pool.QueryRow(ctx, `SELECT hash FROM files WHERE path = $1`, path).Scan(&storedHash)
	if err == nil && storedHash == hash {
		return 0, nil
	}
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("memindex: lookup %q: %w", path, err)
	}

	chunks := chunkLines(text, ix.chunkSize, ix.chunkOverlap)

	var vectors [][]float32
	if ix.embedder != nil && len(chunks) > 0 {
		texts := make([]string, len(chunks))
		for i, c := range chunks {
			texts[i] = c.Text
		}
		vectors, err = ix.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return 0, fmt.Errorf("memindex: embed %q: %w", path, err)
		}
	}

	tx, err := ix.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("memindex: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	// Replace everything for this path; chunks_vec rows follow via cascade.
	if _, err := tx.Exec(ctx, `DELETE FROM chunks WHERE path = $1`, path); err != nil {
		return 0, fmt.Errorf("memindex: clear chunks for %q: %w", path, err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO files (path, hash, mtime, size, source, indexed_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (path) DO UPDATE SET
		    hash = EXCLUDED.hash, mtime = EXCLUDED.mtime, size = EXCLUDED.size,
		    source = EXCLUDED.source, indexed_at = EXCLUDED.indexed_at`,
		path, hash, mtime, size, source); err != nil {
		return 0, fmt.Errorf("memindex: upsert file %q: %w", path, err)
	}

	for i, c := range chunks {
		var blob []byte
		if vectors != nil {
			blob = encodeVector(vectors[i])
		}
		var chunkID int64
		if err := tx.QueryRow(ctx, `
			INSERT INTO chunks (path, source, start_line, end_line, hash, text, embedding, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, now())
			RETURNING id`,
			path, source, c.StartLine, c.EndLine, contentHash(c.Text), c.Text, blob).Scan(&chunkID); err != nil {
			return 0, fmt.Errorf("memindex: insert chunk %d of %q: %w", i, path, err)
		}
		if ix.hasVec && vectors != nil {
			if _, err := tx.Exec(ctx, `
				INSERT INTO chunks_vec (chunk_id, embedding) VALUES ($1, $2)`,
				chunkID, pgvector.NewVector(vectors[i])); err != nil {
				return 0, fmt.Errorf("memindex: insert vector for chunk %d of %q: %w", i, path, err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("memindex: commit %q: %w", path, err)
	}
	return len(chunks), nil
}

// Get returns the indexed document at path. The original file is preferred
// when it still exists; otherwise the text is reconstructed from stored
// chunks in start_line order. Returns "" and false when path is unknown.
func (ix *Index) Get(ctx context.Context, path string) (string, bool, error) {
	if data, err := os.ReadFile(path); err == nil {
		return string(data), true, nil
	}

	rows, err := ix.pool.Query(ctx,
		`SELECT text FROM chunks WHERE path = $1 ORDER BY start_line`, path)
	if err != nil {
		return "", false, fmt.Errorf("memindex: get %q: %w", path, err)
	}
	texts, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return "", false, fmt.Errorf("memindex: get %q: %w", path, err)
	}
	if len(texts) == 0 {
		return "", false, nil
	}
	return strings.Join(texts, "\n"), true, nil
}

// Sync indexes every given path: plain files directly, directories
// recursively for files with a recognised extension. Returns the number of
// files indexed or refreshed. Unreadable entries are logged and skipped.
func (ix *Index) Sync(ctx context.Context, paths []string, source string) (int, error) {
	synced := 0
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			observe.Logger(ctx).Warn("sync: skipping unreadable path", "path", p, "error", err)
			continue
		}
		if !info.IsDir() {
			if _, err := ix.IndexFile(ctx, p, source); err != nil {
				observe.Logger(ctx).Warn("sync: indexing failed", "path", p, "error", err)
				continue
			}
			synced++
			continue
		}

		err = filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return err
			}
			if !indexableExtensions[strings.ToLower(filepath.Ext(path))] {
				return nil
			}
			if _, ierr := ix.IndexFile(ctx, path, source); ierr != nil {
				observe.Logger(ctx).Warn("sync: indexing failed", "path", path, "error", ierr)
				return nil
			}
			synced++
			return nil
		})
		if err != nil {
			return synced, fmt.Errorf("memindex: walk %q: %w", p, err)
		}
	}

	if _, err := ix.pool.Exec(ctx, `
		INSERT INTO memindex_meta (key, value) VALUES ('last_sync', $1)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		time.Now().UTC().Format(time.RFC3339)); err != nil {
		return synced, fmt.Errorf("memindex: record sync time: %w", err)
	}
	return synced, nil
}

// Stats returns index-wide counters and the per-source chunk breakdown.
func (ix *Index) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{BySource: make(map[string]int64)}

	err := ix.pool.QueryRow(ctx, `
		SELECT
		    (SELECT count(*) FROM files),
		    (SELECT count(*) FROM chunks),
		    (SELECT coalesce(sum(length(text)), 0) FROM chunks)`,
	).Scan(&st.FileCount, &st.ChunkCount, &st.IndexBytes)
	if err != nil {
		return nil, fmt.Errorf("memindex: stats: %w", err)
	}

	rows, err := ix.pool.Query(ctx, `SELECT source, count(*) FROM chunks GROUP BY source`)
	if err != nil {
		return nil, fmt.Errorf("memindex: stats by source: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var source string
		var count int64
		if err := rows.Scan(&source, &count); err != nil {
			return nil, fmt.Errorf("memindex: stats by source: %w", err)
		}
		st.BySource[source] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("memindex: stats by source: %w", err)
	}

	var lastSync string
	err = ix.pool.QueryRow(ctx,
		`SELECT value FROM memindex_meta WHERE key = 'last_sync'`).Scan(&lastSync)
	if err == nil {
		if ts, perr := time.Parse(time.RFC3339, lastSync); perr == nil {
			st.LastSync = ts
		}
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("memindex: stats last sync: %w", err)
	}
	return st, nil
}

// contentHash returns a short hex content hash used for change detection.
func contentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:8])
}

