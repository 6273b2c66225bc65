package search

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/seanblong/kagsearch/internal/ai"
	"github.com/seanblong/kagsearch/internal/config"
	"github.com/seanblong/kagsearch/internal/store"
	"github.com/seanblong/kagsearch/pkg/models"
)

func init() {
	zerolog.SetGlobalLevel(zerolog.Disabled)
	storeRetryInterval = time.Millisecond
}

// MockEmbedder implements ai.Embedder for testing
type MockEmbedder struct {
	EmbedFunc func(ctx context.Context, text string) ([]float32, error)
}

func (m *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if m.EmbedFunc != nil {
		return m.EmbedFunc(ctx, text)
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

func (m *MockEmbedder) Dim() int { return 3 }

// MockGenerator implements ai.Generator for testing
type MockGenerator struct {
	CompleteFunc func(ctx context.Context, req ai.CompletionRequest) (string, error)
}

func (m *MockGenerator) Complete(ctx context.Context, req ai.CompletionRequest) (string, error) {
	if m.CompleteFunc != nil {
		return m.CompleteFunc(ctx, req)
	}
	return "mock answer [1]", nil
}

// MockExpander implements ai.QueryExpander for testing
type MockExpander struct {
	ExpandFunc func(ctx context.Context, query string) ([]string, error)
}

func (m *MockExpander) Expand(ctx context.Context, query string) ([]string, error) {
	if m.ExpandFunc != nil {
		return m.ExpandFunc(ctx, query)
	}
	return nil, nil
}

// MockSearcher implements ChunkSearcher for testing. Chunks are served from
// the Chunks map unless GetChunksFunc is set.
type MockSearcher struct {
	VectorSearchFunc func(ctx context.Context, embedding []float32, k int, minSimilarity float64) ([]models.ScoredChunk, error)
	TextSearchFunc   func(ctx context.Context, q store.TextQuery, limit int) ([]models.ScoredChunk, error)
	GetChunksFunc    func(ctx context.Context, ids []string) ([]models.Chunk, error)
	Chunks           map[string]models.Chunk

	mu        sync.Mutex
	textCalls []store.TextQuery
}

func (m *MockSearcher) VectorSearch(ctx context.Context, embedding []float32, k int, minSimilarity float64) ([]models.ScoredChunk, error) {
	if m.VectorSearchFunc != nil {
		return m.VectorSearchFunc(ctx, embedding, k, minSimilarity)
	}
	return nil, nil
}

func (m *MockSearcher) TextSearch(ctx context.Context, q store.TextQuery, limit int) ([]models.ScoredChunk, error) {
	m.mu.Lock()
	m.textCalls = append(m.textCalls, q)
	m.mu.Unlock()
	if m.TextSearchFunc != nil {
		return m.TextSearchFunc(ctx, q, limit)
	}
	return nil, nil
}

func (m *MockSearcher) GetChunks(ctx context.Context, ids []string) ([]models.Chunk, error) {
	if m.GetChunksFunc != nil {
		return m.GetChunksFunc(ctx, ids)
	}
	var out []models.Chunk
	for _, id := range ids {
		if c, ok := m.Chunks[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *MockSearcher) TextCalls() []store.TextQuery {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.TextQuery(nil), m.textCalls...)
}

// MockGraph implements GraphReader for testing
type MockGraph struct {
	EntitiesForDocumentFunc      func(ctx context.Context, docID string) ([]models.Entity, error)
	RelationshipsForEntitiesFunc func(ctx context.Context, ids []string, limit int) ([]models.Relationship, error)
	EntitiesByIDsFunc            func(ctx context.Context, ids []string) (map[string]models.Entity, error)
	AdjacentChunksFunc           func(ctx context.Context, docID string, position, window int) ([]models.Chunk, error)
}

func (m *MockGraph) EntitiesForDocument(ctx context.Context, docID string) ([]models.Entity, error) {
	if m.EntitiesForDocumentFunc != nil {
		return m.EntitiesForDocumentFunc(ctx, docID)
	}
	return nil, nil
}

func (m *MockGraph) RelationshipsForEntities(ctx context.Context, ids []string, limit int) ([]models.Relationship, error) {
	if m.RelationshipsForEntitiesFunc != nil {
		return m.RelationshipsForEntitiesFunc(ctx, ids, limit)
	}
	return nil, nil
}

func (m *MockGraph) EntitiesByIDs(ctx context.Context, ids []string) (map[string]models.Entity, error) {
	if m.EntitiesByIDsFunc != nil {
		return m.EntitiesByIDsFunc(ctx, ids)
	}
	return map[string]models.Entity{}, nil
}

func (m *MockGraph) AdjacentChunks(ctx context.Context, docID string, position, window int) ([]models.Chunk, error) {
	if m.AdjacentChunksFunc != nil {
		return m.AdjacentChunksFunc(ctx, docID, position, window)
	}
	return nil, nil
}

func chunksByID(chunks ...models.Chunk) map[string]models.Chunk {
	out := make(map[string]models.Chunk, len(chunks))
	for _, c := range chunks {
		out[c.ID] = c
	}
	return out
}

func testHolder(mutate func(*config.Retrieval)) *config.Holder {
	r := config.DefaultRetrieval()
	if mutate != nil {
		mutate(&r)
	}
	return config.NewHolder(r)
}
