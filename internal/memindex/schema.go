package memindex

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openbotx/openbotx/internal/observe"
)

// metaDimensionKey is the meta row recording the embedding dimension the
// schema was created with.
const metaDimensionKey = "embedding_dimensions"

const ddlMeta = `
CREATE TABLE IF NOT EXISTS memindex_meta (
    key    TEXT  PRIMARY KEY,
    value  TEXT  NOT NULL
);
`

const ddlFiles = `
CREATE TABLE IF NOT EXISTS files (
    path        TEXT         PRIMARY KEY,
    hash        TEXT         NOT NULL,
    mtime       TIMESTAMPTZ,
    size        BIGINT       NOT NULL DEFAULT 0,
    source      TEXT         NOT NULL DEFAULT '',
    indexed_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

const ddlChunks = `
CREATE TABLE IF NOT EXISTS chunks (
    id          BIGSERIAL    PRIMARY KEY,
    path        TEXT         NOT NULL REFERENCES files (path) ON DELETE CASCADE,
    source      TEXT         NOT NULL DEFAULT '',
    start_line  INTEGER      NOT NULL,
    end_line    INTEGER      NOT NULL,
    hash        TEXT         NOT NULL,
    text        TEXT         NOT NULL,
    embedding   BYTEA,
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    tsv         TSVECTOR     GENERATED ALWAYS AS (to_tsvector('english', text)) STORED
);

CREATE INDEX IF NOT EXISTS idx_chunks_path   ON chunks (path);
CREATE INDEX IF NOT EXISTS idx_chunks_source ON chunks (source);
CREATE INDEX IF NOT EXISTS idx_chunks_fts    ON chunks USING GIN (tsv);
`

// ddlChunksVec returns the ANN table DDL with the embedding dimension baked
// into the column type. Requires the pgvector extension.
func ddlChunksVec(dim int) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS chunks_vec (
    chunk_id   BIGINT     PRIMARY KEY REFERENCES chunks (id) ON DELETE CASCADE,
    embedding  vector(%d) NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_chunks_vec_embedding
    ON chunks_vec USING hnsw (embedding vector_cosine_ops);
`, dim)
}

// migrate creates or ensures the schema. It is idempotent and safe to call
// on every application start.
//
// pgvector is optional: when CREATE EXTENSION fails the chunks_vec table is
// skipped and similarity search falls back to in-process cosine over the
// BYTEA embedding column. Returns whether the ANN path is available.
//
// When the recorded embedding dimension differs from dim, all chunk data is
// dropped and re-created: vectors from a different model are not comparable.
func migrate(ctx context.Context, pool *pgxpool.Pool, dim int) (hasVec bool, err error) {
	for _, stmt := range []string{ddlMeta, ddlFiles, ddlChunks} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return false, fmt.Errorf("memindex migrate: %w", err)
		}
	}

	if err := checkDimension(ctx, pool, dim); err != nil {
		return false, err
	}

	if _, err := pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		observe.Logger(ctx).Warn("pgvector unavailable, using in-process similarity", "error", err)
		return false, nil
	}
	if _, err := pool.Exec(ctx, ddlChunksVec(dim)); err != nil {
		return false, fmt.Errorf("memindex migrate: chunks_vec: %w", err)
	}
	return true, nil
}

// checkDimension compares the stored embedding dimension with dim and drops
// all chunk data on mismatch before recording the new value.
func checkDimension(ctx context.Context, pool *pgxpool.Pool, dim int) error {
	var stored string
	err := pool.QueryRow(ctx,
		`SELECT value FROM memindex_meta WHERE key = $1`, metaDimensionKey).Scan(&stored)
	if err == nil && stored == strconv.Itoa(dim) {
		return nil
	}

	if err == nil {
		observe.Logger(ctx).Warn("embedding dimension changed, rebuilding memory index",
			"stored", stored, "configured", dim)
		for _, stmt := range []string{
			`DROP TABLE IF EXISTS chunks_vec`,
			`DELETE FROM chunks`,
			`DELETE FROM files`,
		} {
			if _, derr := pool.Exec(ctx, stmt); derr != nil {
				return fmt.Errorf("memindex migrate: rebuild: %w", derr)
			}
		}
	}

	_, err = pool.Exec(ctx, `
		INSERT INTO memindex_meta (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		metaDimensionKey, strconv.Itoa(dim))
	if err != nil {
		return fmt.Errorf("memindex migrate: record dimension: %w", err)
	}
	return nil
}
