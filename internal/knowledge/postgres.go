package knowledge

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/research-engine/internal/db"
)

// PostgresRetriever ranks kb_chunks with Postgres full-text search.
type PostgresRetriever struct {
	pool db.Pool
}

// NewPostgresRetriever creates a retriever over pool.
func NewPostgresRetriever(pool db.Pool) *PostgresRetriever {
	return &PostgresRetriever{pool: pool}
}

const kbMigration = `
CREATE TABLE IF NOT EXISTS kb_chunks (
	id           TEXT PRIMARY KEY,
	text         TEXT NOT NULL,
	source_url   TEXT NOT NULL DEFAULT '',
	title        TEXT NOT NULL DEFAULT '',
	tags         TEXT[] NOT NULL DEFAULT '{}',
	published_at TIMESTAMPTZ,
	tsv          TSVECTOR GENERATED ALWAYS AS (to_tsvector('english', title || ' ' || text)) STORED
);

CREATE INDEX IF NOT EXISTS idx_kb_chunks_tsv ON kb_chunks USING GIN (tsv);
CREATE INDEX IF NOT EXISTS idx_kb_chunks_tags ON kb_chunks USING GIN (tags);
`

// Migrate creates the kb_chunks table.
func (r *PostgresRetriever) Migrate(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, kbMigration)
	return eris.Wrap(err, "knowledge: migrate")
}

const searchSQL = `
SELECT id, text, source_url, title, tags, published_at, score
FROM (
	SELECT id, text, source_url, title, tags, published_at,
	       ts_rank(tsv, plainto_tsquery('english', $1))::float8 AS score
	FROM kb_chunks
	WHERE tsv @@ plainto_tsquery('english', $1)
) ranked
WHERE score >= $2
ORDER BY score DESC, id
LIMIT $3`

// Search implements Retriever.
func (r *PostgresRetriever) Search(ctx context.Context, query string, limit int, scoreThreshold float64) ([]Chunk, error) {
	rows, err := r.pool.Query(ctx, searchSQL, query, scoreThreshold, limit)
	if err != nil {
		return nil, eris.Wrap(err, "knowledge: search")
	}
	defer rows.Close()

	var out []Chunk
	for rows.Next() {
		var c Chunk
		var published *time.Time
		if err := rows.Scan(&c.ID, &c.Text, &c.SourceURL, &c.Title, &c.Tags, &published, &c.Score); err != nil {
			return nil, eris.Wrap(err, "knowledge: scan chunk")
		}
		c.PublishedAt = published
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "knowledge: iterate chunks")
}

// Ingest upserts chunks into kb_chunks.
func (r *PostgresRetriever) Ingest(ctx context.Context, chunks []Chunk) (int64, error) {
	rows := make([][]any, len(chunks))
	for i, c := range chunks {
		tags := c.Tags
		if tags == nil {
			tags = []string{}
		}
		rows[i] = []any{c.ID, c.Text, c.SourceURL, c.Title, tags, c.PublishedAt}
	}
	n, err := db.BulkUpsert(ctx, r.pool, db.Upsert{
		Table:   "kb_chunks",
		Columns: []string{"id", "text", "source_url", "title", "tags", "published_at"},
		Keys:    []string{"id"},
	}, rows)
	return n, eris.Wrap(err, "knowledge: ingest")
}
