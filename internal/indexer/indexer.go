package indexer

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/karrick/godirwalk"
	"github.com/rs/zerolog/log"
	"github.com/seanblong/kagsearch/internal/ai"
	"github.com/seanblong/kagsearch/internal/store"
	"github.com/seanblong/kagsearch/pkg/metrics"
	"github.com/seanblong/kagsearch/pkg/models"
)

// FileSystemWalker defines the interface for walking directories
type FileSystemWalker interface {
	Walk(root string, options *godirwalk.Options) error
}

// FileReader defines the interface for reading files
type FileReader interface {
	ReadFile(filename string) ([]byte, error)
}

// DefaultFileSystemWalker implements FileSystemWalker using godirwalk
type DefaultFileSystemWalker struct{}

func (d *DefaultFileSystemWalker) Walk(root string, options *godirwalk.Options) error {
	return godirwalk.Walk(root, options)
}

// DefaultFileReader implements FileReader using os
type DefaultFileReader struct{}

func (d *DefaultFileReader) ReadFile(filename string) ([]byte, error) {
	return os.ReadFile(filename)
}

const maxWorkers = 8

// Summary counts what a run did.
type Summary struct {
	Files       int64
	Indexed     int64
	Unchanged   int64
	Deleted     int64
	EmbedFailed int64
}

// Indexer loads a directory of documents into the chunk store.
type Indexer struct {
	Store         store.ChunkStore
	Root          string
	Embedder      ai.Embedder
	Walker        FileSystemWalker
	FileReader    FileReader
	MaxChunkChars int
	Workers       int

	files, indexed, unchanged, deleted, embedFailed atomic.Int64
}

// New creates an Indexer reading from the local filesystem.
func New(s store.ChunkStore, root string, emb ai.Embedder) *Indexer {
	return NewWithDependencies(s, root, emb, &DefaultFileSystemWalker{}, &DefaultFileReader{})
}

// NewWithDependencies creates a new Indexer instance with custom dependencies for testing
func NewWithDependencies(s store.ChunkStore, root string, emb ai.Embedder, walker FileSystemWalker, fileReader FileReader) *Indexer {
	return &Indexer{
		Store:         s,
		Root:          root,
		Embedder:      emb,
		Walker:        walker,
		FileReader:    fileReader,
		MaxChunkChars: defaultMaxChunkChars,
	}
}

// hashContent returns the SHA-1 hash of the given content as a hex string.
func hashContent(s string) string {
	h := sha1.Sum([]byte(s))
	return hex.EncodeToString(h[:])
}

// chunkID is stable for a (document, position) pair so re-indexing
// overwrites rather than duplicates.
func chunkID(docID string, position int) string {
	return hashContent(docID + "#" + strconv.Itoa(position))
}

type workItem struct {
	path    string
	content string
}

// processWorkItem indexes one file: the document row, every changed chunk,
// and removal of chunks past the new end of the document.
func (ix *Indexer) processWorkItem(ctx context.Context, item workItem) error {
	docID := filepath.ToSlash(rel(ix.Root, item.path))
	doc, body, err := parseDocument(docID, item.content)
	if err != nil {
		log.Warn().Err(err).Str("path", item.path).Msg("ignoring malformed front matter")
	}
	if err := ix.Store.UpsertDocument(ctx, doc); err != nil {
		return fmt.Errorf("upsert document %s: %w", docID, err)
	}

	chunks := chunkDocument(body, ix.MaxChunkChars)
	for _, ch := range chunks {
		if err := ix.indexChunk(ctx, docID, ch); err != nil {
			return err
		}
	}

	n, err := ix.Store.DeleteChunksFrom(ctx, docID, len(chunks))
	if err != nil {
		return fmt.Errorf("prune chunks of %s: %w", docID, err)
	}
	if n > 0 {
		ix.deleted.Add(n)
		metrics.IndexedChunksTotal.WithLabelValues("deleted").Add(float64(n))
	}
	ix.files.Add(1)
	log.Info().Str("doc_id", docID).Str("title", doc.Title).Int("chunks", len(chunks)).Msg("indexed document")
	return nil
}

func (ix *Indexer) indexChunk(ctx context.Context, docID string, ch chunk) error {
	hash := hashContent(ch.SectionPath + "\x00" + ch.Content)

	meta, found, err := ix.Store.GetChunkMeta(ctx, docID, ch.Position)
	if err != nil {
		log.Warn().Err(err).Str("doc_id", docID).Int("position", ch.Position).Msg("chunk meta lookup failed, reindexing")
	} else if found && meta.ContentHash == hash && meta.HasEmbedding {
		ix.unchanged.Add(1)
		metrics.IndexedChunksTotal.WithLabelValues("unchanged").Inc()
		return nil
	}

	var emb []float32
	if ix.Embedder != nil {
		emb, err = ix.Embedder.Embed(ctx, ch.Content)
		if err != nil {
			// Stored without a vector; the next run retries since HasEmbedding is false.
			log.Warn().Err(err).Str("doc_id", docID).Int("position", ch.Position).Msg("embedding failed")
			emb = nil
			ix.embedFailed.Add(1)
			metrics.IndexedChunksTotal.WithLabelValues("embed_failed").Inc()
		}
	}

	c := models.Chunk{
		ID:          chunkID(docID, ch.Position),
		DocID:       docID,
		Content:     ch.Content,
		Position:    ch.Position,
		SectionPath: ch.SectionPath,
	}
	log.Debug().Str("doc_id", docID).Int("position", ch.Position).Str("section", ch.SectionPath).Bool("embedded", emb != nil).Msg("indexing chunk")
	if err := ix.Store.UpsertChunk(ctx, c, emb, hash); err != nil {
		return fmt.Errorf("upsert chunk %s#%d: %w", docID, ch.Position, err)
	}
	ix.indexed.Add(1)
	metrics.IndexedChunksTotal.WithLabelValues("indexed").Inc()
	return nil
}

// Run walks Root and indexes every supported file with a bounded worker
// pool. The first processing error is returned after the walk completes.
func (ix *Indexer) Run(ctx context.Context) (Summary, error) {
	numWorkers := ix.Workers
	if numWorkers <= 0 {
		numWorkers = min(runtime.NumCPU(), maxWorkers)
	}
	log.Info().Int("workers", numWorkers).Str("root", ix.Root).Msg("starting concurrent indexing")

	workChan := make(chan workItem, numWorkers*2)
	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for item := range workChan {
				if err := ix.processWorkItem(ctx, item); err != nil {
					log.Error().Err(err).Int("worker", workerID).Str("path", item.path).Msg("worker processing error")
					errOnce.Do(func() { firstErr = err })
				}
			}
		}(i)
	}

	walkErr := ix.Walker.Walk(ix.Root, &godirwalk.Options{
		Unsorted: true,
		Callback: func(path string, de *godirwalk.Dirent) error {
			// de is nil when driven by a test walker
			if de != nil && de.IsDir() {
				if skipDir(rel(ix.Root, path)) {
					return godirwalk.SkipThis
				}
				return nil
			}
			if !supported(path) || skipDir(filepath.Dir(rel(ix.Root, path))) {
				return nil
			}

			b, err := ix.FileReader.ReadFile(path)
			if err != nil {
				log.Warn().Err(err).Str("path", path).Msg("failed to read file")
				return nil
			}
			select {
			case workChan <- workItem{path: path, content: string(b)}:
			case <-ctx.Done():
				return ctx.Err()
			}
			return nil
		},
	})
	close(workChan)
	wg.Wait()

	sum := Summary{
		Files:       ix.files.Load(),
		Indexed:     ix.indexed.Load(),
		Unchanged:   ix.unchanged.Load(),
		Deleted:     ix.deleted.Load(),
		EmbedFailed: ix.embedFailed.Load(),
	}
	if firstErr != nil {
		return sum, firstErr
	}
	return sum, walkErr
}

// supported reports whether path is a document the indexer reads.
func supported(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown", ".txt":
		return true
	}
	return false
}

var skippedDirs = map[string]bool{
	".git": true, "node_modules": true, "vendor": true, ".venv": true, "venv": true,
	"__pycache__": true, ".cache": true, ".idea": true, "dist": true, "build": true,
}

// skipDir reports whether any element of dir is a directory never indexed.
func skipDir(dir string) bool {
	for _, part := range strings.Split(filepath.ToSlash(dir), "/") {
		if skippedDirs[strings.ToLower(part)] {
			return true
		}
	}
	return false
}

func rel(root, p string) string {
	r, err := filepath.Rel(root, p)
	if err != nil {
		return p
	}
	return r
}
