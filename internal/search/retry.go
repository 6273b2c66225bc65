package search

import (
	"context"
	"time"

	"github.com/seanblong/kagsearch/internal/store"
	"github.com/seanblong/kagsearch/pkg/models"
	"github.com/seanblong/kagsearch/pkg/retry"
)

// storeRetryInterval is the first backoff step between store attempts.
var storeRetryInterval = 50 * time.Millisecond

// retryingSearcher retries each chunk store call up to tries times.
type retryingSearcher struct {
	next  ChunkSearcher
	tries int
}

func (r retryingSearcher) policy() retry.Policy {
	return retry.Policy{Tries: r.tries, Interval: storeRetryInterval, MaxInterval: time.Second}
}

func (r retryingSearcher) VectorSearch(ctx context.Context, embedding []float32, k int, minSimilarity float64) ([]models.ScoredChunk, error) {
	return retry.Do(ctx, "store.vector_search", r.policy(), func() ([]models.ScoredChunk, error) {
		return r.next.VectorSearch(ctx, embedding, k, minSimilarity)
	})
}

func (r retryingSearcher) TextSearch(ctx context.Context, q store.TextQuery, limit int) ([]models.ScoredChunk, error) {
	return retry.Do(ctx, "store.text_search", r.policy(), func() ([]models.ScoredChunk, error) {
		return r.next.TextSearch(ctx, q, limit)
	})
}

func (r retryingSearcher) GetChunks(ctx context.Context, ids []string) ([]models.Chunk, error) {
	return retry.Do(ctx, "store.get_chunks", r.policy(), func() ([]models.Chunk, error) {
		return r.next.GetChunks(ctx, ids)
	})
}

// retryingGraph is retryingSearcher for the enrichment lookups.
type retryingGraph struct {
	next  GraphReader
	tries int
}

func (r retryingGraph) policy() retry.Policy {
	return retry.Policy{Tries: r.tries, Interval: storeRetryInterval, MaxInterval: time.Second}
}

func (r retryingGraph) EntitiesForDocument(ctx context.Context, docID string) ([]models.Entity, error) {
	return retry.Do(ctx, "store.entities_for_document", r.policy(), func() ([]models.Entity, error) {
		return r.next.EntitiesForDocument(ctx, docID)
	})
}

func (r retryingGraph) RelationshipsForEntities(ctx context.Context, ids []string, limit int) ([]models.Relationship, error) {
	return retry.Do(ctx, "store.relationships_for_entities", r.policy(), func() ([]models.Relationship, error) {
		return r.next.RelationshipsForEntities(ctx, ids, limit)
	})
}

func (r retryingGraph) EntitiesByIDs(ctx context.Context, ids []string) (map[string]models.Entity, error) {
	return retry.Do(ctx, "store.entities_by_ids", r.policy(), func() (map[string]models.Entity, error) {
		return r.next.EntitiesByIDs(ctx, ids)
	})
}

func (r retryingGraph) AdjacentChunks(ctx context.Context, docID string, position, window int) ([]models.Chunk, error) {
	return retry.Do(ctx, "store.adjacent_chunks", r.policy(), func() ([]models.Chunk, error) {
		return r.next.AdjacentChunks(ctx, docID, position, window)
	})
}
