package indexer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/karrick/godirwalk"
	"github.com/rs/zerolog"
	"github.com/seanblong/kagsearch/internal/store"
	"github.com/seanblong/kagsearch/pkg/models"
)

func init() {
	// Suppress logs during testing
	zerolog.SetGlobalLevel(zerolog.Disabled)
}

type storedChunk struct {
	chunk models.Chunk
	emb   []float32
	hash  string
}

// MockChunkStore implements store.ChunkStore for testing. Without Func
// overrides it behaves like an in-memory store.
type MockChunkStore struct {
	GetChunkMetaFunc     func(ctx context.Context, docID string, position int) (store.ChunkMeta, bool, error)
	UpsertChunkFunc      func(ctx context.Context, c models.Chunk, embedding []float32, contentHash string) error
	UpsertDocumentFunc   func(ctx context.Context, d models.Document) error
	DeleteChunksFromFunc func(ctx context.Context, docID string, position int) (int64, error)

	mu            sync.Mutex
	Documents     map[string]models.Document
	Chunks        map[string]storedChunk
	Entities      []models.Entity
	Relationships []models.Relationship
}

func newMockStore() *MockChunkStore {
	return &MockChunkStore{Documents: map[string]models.Document{}, Chunks: map[string]storedChunk{}}
}

func (m *MockChunkStore) Migrate(ctx context.Context, dim int) error { return nil }

func (m *MockChunkStore) UpsertDocument(ctx context.Context, d models.Document) error {
	if m.UpsertDocumentFunc != nil {
		return m.UpsertDocumentFunc(ctx, d)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Documents[d.ID] = d
	return nil
}

func (m *MockChunkStore) UpsertChunk(ctx context.Context, c models.Chunk, embedding []float32, contentHash string) error {
	if m.UpsertChunkFunc != nil {
		return m.UpsertChunkFunc(ctx, c, embedding, contentHash)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Chunks[c.ID] = storedChunk{chunk: c, emb: embedding, hash: contentHash}
	return nil
}

func (m *MockChunkStore) GetChunkMeta(ctx context.Context, docID string, position int) (store.ChunkMeta, bool, error) {
	if m.GetChunkMetaFunc != nil {
		return m.GetChunkMetaFunc(ctx, docID, position)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	sc, ok := m.Chunks[chunkID(docID, position)]
	if !ok {
		return store.ChunkMeta{}, false, nil
	}
	return store.ChunkMeta{ContentHash: sc.hash, HasEmbedding: sc.emb != nil}, true, nil
}

func (m *MockChunkStore) DeleteChunksFrom(ctx context.Context, docID string, position int) (int64, error) {
	if m.DeleteChunksFromFunc != nil {
		return m.DeleteChunksFromFunc(ctx, docID, position)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, sc := range m.Chunks {
		if sc.chunk.DocID == docID && sc.chunk.Position >= position {
			delete(m.Chunks, id)
			n++
		}
	}
	return n, nil
}

func (m *MockChunkStore) UpsertEntity(ctx context.Context, e models.Entity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Entities = append(m.Entities, e)
	return nil
}

func (m *MockChunkStore) UpsertRelationship(ctx context.Context, r models.Relationship) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Relationships = append(m.Relationships, r)
	return nil
}

func (m *MockChunkStore) chunksOf(docID string) []models.Chunk {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Chunk, 0)
	for _, sc := range m.Chunks {
		if sc.chunk.DocID == docID {
			out = append(out, sc.chunk)
		}
	}
	return out
}

// MockEmbedder implements ai.Embedder for testing
type MockEmbedder struct {
	EmbedFunc func(ctx context.Context, text string) ([]float32, error)

	mu    sync.Mutex
	calls int
}

func (m *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.EmbedFunc != nil {
		return m.EmbedFunc(ctx, text)
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

func (m *MockEmbedder) Dim() int { return 3 }

func (m *MockEmbedder) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// MockFileSystemWalker implements FileSystemWalker for testing. It drives
// the callback with a nil Dirent for each listed file.
type MockFileSystemWalker struct {
	FilesToProcess []string
	WalkError      error
}

func (m *MockFileSystemWalker) Walk(root string, options *godirwalk.Options) error {
	if m.WalkError != nil {
		return m.WalkError
	}
	for _, filePath := range m.FilesToProcess {
		if err := options.Callback(filePath, nil); err != nil {
			return err
		}
	}
	return nil
}

// MockFileReader implements FileReader for testing
type MockFileReader struct {
	ReadFileFunc func(filename string) ([]byte, error)
	Files        map[string]string // path -> content
}

func (m *MockFileReader) ReadFile(filename string) ([]byte, error) {
	if m.ReadFileFunc != nil {
		return m.ReadFileFunc(filename)
	}
	if content, exists := m.Files[filename]; exists {
		return []byte(content), nil
	}
	return nil, errors.New("file not found")
}

func newTestIndexer(st *MockChunkStore, emb *MockEmbedder, files map[string]string) *Indexer {
	var paths []string
	for p := range files {
		paths = append(paths, p)
	}
	ix := NewWithDependencies(st, "/kb", emb, &MockFileSystemWalker{FilesToProcess: paths}, &MockFileReader{Files: files})
	ix.Workers = 2
	return ix
}

const guide = `---
title: Retrieval Guide
author: Ada Lovelace
date: 2024-03-01
team: search
---
# Ignored Because Front Matter Wins

Intro paragraph.

## Vector Search

pgvector stores embeddings.

### Indexes

ivfflat partitions vectors.
`

func TestIndexer_Run(t *testing.T) {
	st := newMockStore()
	emb := &MockEmbedder{}
	ix := newTestIndexer(st, emb, map[string]string{
		"/kb/guides/retrieval.md": guide,
		"/kb/notes.txt":           "plain text note",
		"/kb/image.png":           "binary",
		"/kb/node_modules/x.md":   "# dependency readme",
	})

	sum, err := ix.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if sum.Files != 2 {
		t.Errorf("Expected 2 files indexed, got %d", sum.Files)
	}
	if sum.Indexed != 4 {
		t.Errorf("Expected 4 chunks indexed, got %d", sum.Indexed)
	}

	doc, ok := st.Documents["guides/retrieval.md"]
	if !ok {
		t.Fatalf("Expected document guides/retrieval.md, got %v", st.Documents)
	}
	if doc.Title != "Retrieval Guide" || doc.Author != "Ada Lovelace" {
		t.Errorf("Unexpected document %+v", doc)
	}
	if doc.PublishDate == nil || doc.PublishDate.Format("2006-01-02") != "2024-03-01" {
		t.Errorf("Expected publish date 2024-03-01, got %v", doc.PublishDate)
	}
	if doc.SourceMetadata["team"] != "search" {
		t.Errorf("Expected extra front matter kept, got %v", doc.SourceMetadata)
	}

	byPos := map[int]models.Chunk{}
	for _, c := range st.chunksOf("guides/retrieval.md") {
		byPos[c.Position] = c
	}
	expected := map[int]string{
		0: "Ignored Because Front Matter Wins",
		1: "Ignored Because Front Matter Wins > Vector Search",
		2: "Ignored Because Front Matter Wins > Vector Search > Indexes",
	}
	for pos, path := range expected {
		if byPos[pos].SectionPath != path {
			t.Errorf("position %d: expected section %q, got %q", pos, path, byPos[pos].SectionPath)
		}
		if byPos[pos].ID != chunkID("guides/retrieval.md", pos) {
			t.Errorf("position %d: unexpected id %s", pos, byPos[pos].ID)
		}
	}

	if d := st.Documents["notes.txt"]; d.Title != "notes" {
		t.Errorf("Expected title from file name, got %q", d.Title)
	}
	if _, ok := st.Documents["node_modules/x.md"]; ok {
		t.Error("Expected node_modules skipped")
	}
}

func TestIndexer_SecondRunSkipsUnchanged(t *testing.T) {
	st := newMockStore()
	emb := &MockEmbedder{}
	files := map[string]string{"/kb/a.md": "# A\n\none\n\n## B\n\ntwo"}

	if _, err := newTestIndexer(st, emb, files).Run(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	first := emb.Calls()

	sum, err := newTestIndexer(st, emb, files).Run(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if emb.Calls() != first {
		t.Errorf("Expected no new embeddings, got %d more", emb.Calls()-first)
	}
	if sum.Unchanged != 2 || sum.Indexed != 0 {
		t.Errorf("Expected 2 unchanged chunks, got %+v", sum)
	}
}

func TestIndexer_ShrinkingDocumentPrunesTail(t *testing.T) {
	st := newMockStore()
	files := map[string]string{"/kb/a.md": "# A\n\none\n\n# B\n\ntwo\n\n# C\n\nthree"}
	if _, err := newTestIndexer(st, &MockEmbedder{}, files).Run(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}

	files["/kb/a.md"] = "# A\n\none changed"
	sum, err := newTestIndexer(st, &MockEmbedder{}, files).Run(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if sum.Deleted != 2 {
		t.Errorf("Expected 2 stale chunks removed, got %d", sum.Deleted)
	}
	chunks := st.chunksOf("a.md")
	if len(chunks) != 1 || chunks[0].Content != "one changed" {
		t.Errorf("Expected one updated chunk, got %+v", chunks)
	}
}

func TestIndexer_EmbeddingFailureStoresChunk(t *testing.T) {
	st := newMockStore()
	emb := &MockEmbedder{EmbedFunc: func(context.Context, string) ([]float32, error) {
		return nil, errors.New("provider unavailable")
	}}
	sum, err := newTestIndexer(st, emb, map[string]string{"/kb/a.md": "text"}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if sum.EmbedFailed != 1 || sum.Indexed != 1 {
		t.Errorf("Expected chunk stored without vector, got %+v", sum)
	}
	for _, sc := range st.Chunks {
		if sc.emb != nil {
			t.Errorf("Expected nil embedding, got %v", sc.emb)
		}
	}
}

func TestIndexer_Errors(t *testing.T) {
	boom := errors.New("db down")
	tests := []struct {
		name    string
		store   *MockChunkStore
		walker  *MockFileSystemWalker
		reader  *MockFileReader
		wantErr string
	}{
		{
			name:    "walk error",
			store:   newMockStore(),
			walker:  &MockFileSystemWalker{WalkError: errors.New("permission denied")},
			reader:  &MockFileReader{},
			wantErr: "permission denied",
		},
		{
			name: "upsert chunk error",
			store: func() *MockChunkStore {
				s := newMockStore()
				s.UpsertChunkFunc = func(context.Context, models.Chunk, []float32, string) error { return boom }
				return s
			}(),
			walker:  &MockFileSystemWalker{FilesToProcess: []string{"/kb/a.md"}},
			reader:  &MockFileReader{Files: map[string]string{"/kb/a.md": "text"}},
			wantErr: "upsert chunk a.md#0",
		},
		{
			name: "upsert document error",
			store: func() *MockChunkStore {
				s := newMockStore()
				s.UpsertDocumentFunc = func(context.Context, models.Document) error { return boom }
				return s
			}(),
			walker:  &MockFileSystemWalker{FilesToProcess: []string{"/kb/a.md"}},
			reader:  &MockFileReader{Files: map[string]string{"/kb/a.md": "text"}},
			wantErr: "upsert document a.md",
		},
		{
			name:   "unreadable file is skipped",
			store:  newMockStore(),
			walker: &MockFileSystemWalker{FilesToProcess: []string{"/kb/missing.md"}},
			reader: &MockFileReader{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ix := NewWithDependencies(tt.store, "/kb", &MockEmbedder{}, tt.walker, tt.reader)
			_, err := ix.Run(context.Background())
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Expected no error, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestIndexer_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	files := map[string]string{}
	var paths []string
	for i := 0; i < 50; i++ {
		p := "/kb/" + strings.Repeat("x", i+1) + ".md"
		files[p] = "text"
		paths = append(paths, p)
	}
	ix := NewWithDependencies(newMockStore(), "/kb", &MockEmbedder{}, &MockFileSystemWalker{FilesToProcess: paths}, &MockFileReader{Files: files})
	ix.Workers = 1
	if _, err := ix.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestSupportedAndSkipDir(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"a.md", true},
		{"b.MARKDOWN", true},
		{"c.txt", true},
		{"d.go", false},
		{"e", false},
	}
	for _, tt := range tests {
		if got := supported(tt.path); got != tt.want {
			t.Errorf("supported(%q): expected %v, got %v", tt.path, tt.want, got)
		}
	}
	if !skipDir("docs/.git/objects") || skipDir("docs/guides") || skipDir(".") {
		t.Error("Unexpected skipDir result")
	}
}
