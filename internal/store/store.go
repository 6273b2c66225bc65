package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	"github.com/seanblong/kagsearch/pkg/models"
)

// Store provides methods to interact with the database.
type Store struct {
	pool *pgxpool.Pool
}

// ChunkStore defines the write side used by the indexer.
type ChunkStore interface {
	Migrate(ctx context.Context, dim int) error
	UpsertDocument(ctx context.Context, d models.Document) error
	UpsertChunk(ctx context.Context, c models.Chunk, embedding []float32, contentHash string) error
	GetChunkMeta(ctx context.Context, docID string, position int) (ChunkMeta, bool, error)
	DeleteChunksFrom(ctx context.Context, docID string, position int) (int64, error)
	UpsertEntity(ctx context.Context, e models.Entity) error
	UpsertRelationship(ctx context.Context, r models.Relationship) error
}

// New creates a new Store instance connected to the given database URL.
func New(ctx context.Context, url string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}
	p, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Store{pool: p}, nil
}

func (s *Store) Close() { s.pool.Close() }

// Ping checks the database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}

// Migrate applies necessary database migrations and schema setup. dim is the
// embedding dimension of the configured provider.
func (s *Store) Migrate(ctx context.Context, dim int) error {
	if dim <= 0 {
		return fmt.Errorf("invalid embedding dimension %d", dim)
	}
	q := `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS documents (
  doc_id          TEXT PRIMARY KEY,
  title           TEXT NOT NULL DEFAULT '',
  author          TEXT NOT NULL DEFAULT '',
  publish_date    DATE,
  source_metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
  created_at      TIMESTAMP WITH TIME ZONE DEFAULT now()
);

CREATE TABLE IF NOT EXISTS chunks (
  id            TEXT PRIMARY KEY,
  doc_id        TEXT NOT NULL,
  content       TEXT NOT NULL,
  position      INT NOT NULL,
  section_path  TEXT NOT NULL DEFAULT '',
  embedding     vector(%d),
  content_hash  TEXT,
  created_at    TIMESTAMP WITH TIME ZONE DEFAULT now(),
  tsv           tsvector GENERATED ALWAYS AS (
	setweight(to_tsvector('english', coalesce(section_path,'')), 'B') ||
	setweight(to_tsvector('english', coalesce(content,'')), 'A')
  ) STORED
);

CREATE UNIQUE INDEX IF NOT EXISTS chunks_doc_position_uidx
  ON chunks (doc_id, position);

CREATE INDEX IF NOT EXISTS chunks_tsv_gin
  ON chunks USING GIN (tsv);

CREATE INDEX IF NOT EXISTS chunks_embedding_idx
  ON chunks USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100);

CREATE TABLE IF NOT EXISTS entities (
  entity_id   TEXT NOT NULL,
  name        TEXT NOT NULL,
  description TEXT NOT NULL DEFAULT '',
  category    TEXT NOT NULL,
  aliases     TEXT[] NOT NULL DEFAULT '{}',
  PRIMARY KEY (entity_id, name)
);

CREATE TABLE IF NOT EXISTS relationships (
  relationship_id  TEXT PRIMARY KEY,
  source_entity_id TEXT NOT NULL,
  target_entity_id TEXT NOT NULL,
  relation_type    TEXT NOT NULL,
  doc_id           TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS relationships_source_idx ON relationships (source_entity_id);
CREATE INDEX IF NOT EXISTS relationships_target_idx ON relationships (target_entity_id);
CREATE INDEX IF NOT EXISTS relationships_doc_idx ON relationships (doc_id);
`
	_, err := s.pool.Exec(ctx, fmt.Sprintf(q, dim))
	return err
}

// UpsertDocument inserts or updates a document row.
func (s *Store) UpsertDocument(ctx context.Context, d models.Document) error {
	meta := d.SourceMetadata
	if meta == nil {
		meta = map[string]string{}
	}
	const q = `
		INSERT INTO documents (doc_id, title, author, publish_date, source_metadata)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (doc_id) DO UPDATE SET
			title           = EXCLUDED.title,
			author          = EXCLUDED.author,
			publish_date    = EXCLUDED.publish_date,
			source_metadata = EXCLUDED.source_metadata;`
	_, err := s.pool.Exec(ctx, q, d.ID, d.Title, d.Author, d.PublishDate, meta)
	return err
}

// UpsertChunk inserts or updates a chunk. A nil embedding keeps the stored one.
func (s *Store) UpsertChunk(ctx context.Context, c models.Chunk, embedding []float32, contentHash string) error {
	var ev any
	if embedding != nil {
		ev = pgvector.NewVector(embedding)
	} else {
		ev = (*pgvector.Vector)(nil)
	}

	const q = `
		INSERT INTO chunks (id, doc_id, content, position, section_path, embedding, content_hash, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7, now())
		ON CONFLICT (doc_id, position) DO UPDATE SET
			content      = EXCLUDED.content,
			section_path = EXCLUDED.section_path,
			content_hash = EXCLUDED.content_hash,
			embedding    = COALESCE(EXCLUDED.embedding, chunks.embedding),
			created_at   = chunks.created_at;`

	_, err := s.pool.Exec(ctx, q, c.ID, c.DocID, c.Content, c.Position, c.SectionPath, ev, contentHash)
	return err
}

// ChunkMeta holds what the indexer needs to decide whether to re-embed.
type ChunkMeta struct {
	ContentHash  string
	HasEmbedding bool
}

// GetChunkMeta retrieves metadata for the chunk at position within docID.
func (s *Store) GetChunkMeta(ctx context.Context, docID string, position int) (ChunkMeta, bool, error) {
	const q = `
      SELECT COALESCE(content_hash, ''), embedding IS NOT NULL
      FROM chunks
      WHERE doc_id = $1 AND position = $2`
	var m ChunkMeta
	err := s.pool.QueryRow(ctx, q, docID, position).Scan(&m.ContentHash, &m.HasEmbedding)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ChunkMeta{}, false, nil
		}
		return ChunkMeta{}, false, err
	}
	return m, true, nil
}

// DeleteChunksFrom removes chunks of docID at or after position, left over
// when a document shrinks.
func (s *Store) DeleteChunksFrom(ctx context.Context, docID string, position int) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM chunks WHERE doc_id = $1 AND position >= $2`, docID, position)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// GetChunks loads chunks by id. Missing ids are skipped.
func (s *Store) GetChunks(ctx context.Context, ids []string) ([]models.Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, doc_id, content, position, section_path, created_at
		FROM chunks WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	return collectChunks(rows)
}

// AdjacentChunks returns up to window chunks on each side of position within
// the same document, ordered by position.
func (s *Store) AdjacentChunks(ctx context.Context, docID string, position, window int) ([]models.Chunk, error) {
	if window <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, doc_id, content, position, section_path, created_at
		FROM chunks
		WHERE doc_id = $1
		  AND position BETWEEN $2::int - $3::int AND $2::int + $3::int
		  AND position <> $2::int
		ORDER BY position`, docID, position, window)
	if err != nil {
		return nil, err
	}
	return collectChunks(rows)
}

func collectChunks(rows pgx.Rows) ([]models.Chunk, error) {
	defer rows.Close()
	var out []models.Chunk
	for rows.Next() {
		var c models.Chunk
		if err := rows.Scan(&c.ID, &c.DocID, &c.Content, &c.Position, &c.SectionPath, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
