package store

import (
	"context"

	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"
	"github.com/seanblong/kagsearch/pkg/models"
)

// VectorSearch returns up to k chunks by cosine similarity (1 - cosine
// distance) to embedding, dropping those below minSimilarity.
func (s *Store) VectorSearch(ctx context.Context, embedding []float32, k int, minSimilarity float64) ([]models.ScoredChunk, error) {
	const q = `
SELECT id, sim FROM (
  SELECT id, 1 - (embedding <=> $1) AS sim
  FROM chunks
  WHERE embedding IS NOT NULL
  ORDER BY embedding <=> $1
  LIMIT $2
) s
WHERE sim >= $3
ORDER BY sim DESC, id;`

	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(embedding), k, minSimilarity)
	if err != nil {
		return nil, err
	}
	return collectScored(rows)
}

// TextSearch runs a weighted full-text query and returns up to limit chunks
// by summed ts_rank_cd.
func (s *Store) TextSearch(ctx context.Context, q TextQuery, limit int) ([]models.ScoredChunk, error) {
	if q.Empty() {
		return nil, nil
	}
	sql, args := buildTextSearchSQL(q, limit)
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return collectScored(rows)
}

func collectScored(rows pgx.Rows) ([]models.ScoredChunk, error) {
	defer rows.Close()
	var out []models.ScoredChunk
	for rows.Next() {
		var sc models.ScoredChunk
		if err := rows.Scan(&sc.ChunkID, &sc.Score); err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}
