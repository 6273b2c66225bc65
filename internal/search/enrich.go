package search

import (
	"context"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/seanblong/kagsearch/pkg/models"
	"golang.org/x/sync/errgroup"
)

const (
	maxEntitiesPerChunk      = 10
	maxRelationshipsPerChunk = 20
	enrichConcurrency        = 4
)

// GraphReader is the knowledge-graph side of the store.
type GraphReader interface {
	EntitiesForDocument(ctx context.Context, docID string) ([]models.Entity, error)
	RelationshipsForEntities(ctx context.Context, ids []string, limit int) ([]models.Relationship, error)
	EntitiesByIDs(ctx context.Context, ids []string) (map[string]models.Entity, error)
	AdjacentChunks(ctx context.Context, docID string, position, window int) ([]models.Chunk, error)
}

// Enricher attaches entities, relationships and neighbouring chunks to
// search results. Lookup failures are logged and never fail the query.
type Enricher struct {
	Graph GraphReader
	Log   zerolog.Logger
}

// Enrich returns a copy of results with graph context filled in.
func (e *Enricher) Enrich(ctx context.Context, results []models.SearchResult, contextWindow int) []models.SearchResult {
	out := make([]models.SearchResult, len(results))
	copy(out, results)
	if e == nil || e.Graph == nil {
		return out
	}

	g := new(errgroup.Group)
	g.SetLimit(enrichConcurrency)
	for i := range out {
		g.Go(func() error {
			e.enrichOne(ctx, &out[i], contextWindow)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (e *Enricher) enrichOne(ctx context.Context, r *models.SearchResult, window int) {
	log := e.Log.With().Str("chunk_id", r.ChunkID).Str("doc_id", r.DocID).Logger()

	if window > 0 {
		neighbours, err := e.Graph.AdjacentChunks(ctx, r.DocID, r.Position, window)
		if err != nil {
			log.Warn().Err(err).Msg("context chunk lookup failed")
		} else {
			r.Context = neighbours
		}
	}

	candidates, err := e.Graph.EntitiesForDocument(ctx, r.DocID)
	if err != nil {
		log.Warn().Err(err).Msg("entity lookup failed")
		return
	}
	matched := MatchEntities(r.Content, candidates, maxEntitiesPerChunk)
	if len(matched) == 0 {
		return
	}
	r.Entities = matched

	ids := make([]string, len(matched))
	names := make(map[string]string, len(matched))
	for i, ent := range matched {
		ids[i] = ent.ID
		names[ent.ID] = ent.Name
	}

	rels, err := e.Graph.RelationshipsForEntities(ctx, ids, maxRelationshipsPerChunk)
	if err != nil {
		log.Warn().Err(err).Msg("relationship lookup failed")
		return
	}
	if len(rels) == 0 {
		return
	}

	var unknown []string
	for _, rel := range rels {
		for _, id := range []string{rel.SourceEntityID, rel.TargetEntityID} {
			if _, ok := names[id]; !ok && id != "" {
				names[id] = ""
				unknown = append(unknown, id)
			}
		}
	}
	if len(unknown) > 0 {
		resolved, err := e.Graph.EntitiesByIDs(ctx, unknown)
		if err != nil {
			log.Warn().Err(err).Msg("relationship endpoint lookup failed")
		}
		for id, ent := range resolved {
			names[id] = ent.Name
		}
	}

	inChunk := make(map[string]bool, len(ids))
	for _, id := range ids {
		inChunk[id] = true
	}
	refs := make([]models.RelationshipRef, 0, len(rels))
	for _, rel := range rels {
		dir := models.Outgoing
		if !inChunk[rel.SourceEntityID] {
			dir = models.Incoming
		}
		refs = append(refs, models.RelationshipRef{
			ID:           rel.ID,
			RelationType: rel.RelationType,
			Direction:    dir,
			SourceID:     rel.SourceEntityID,
			TargetID:     rel.TargetEntityID,
			Source:       names[rel.SourceEntityID],
			Target:       names[rel.TargetEntityID],
		})
	}
	r.Relationships = refs
}

// MatchEntities returns, in input order and at most max of them, the
// entities whose name or any alias occurs in content as a whole word,
// ignoring case. Word boundaries are any rune that is not a letter or digit.
func MatchEntities(content string, candidates []models.Entity, max int) []models.Entity {
	lc := strings.ToLower(content)
	seen := make(map[string]bool)
	var out []models.Entity
	for _, ent := range candidates {
		if max > 0 && len(out) == max {
			break
		}
		if seen[ent.ID] {
			continue
		}
		for _, name := range append([]string{ent.Name}, ent.Aliases...) {
			if containsWord(lc, strings.ToLower(strings.TrimSpace(name))) {
				seen[ent.ID] = true
				out = append(out, ent)
				break
			}
		}
	}
	return out
}

// containsWord reports whether word occurs in s delimited by non-word runes
// or the ends of s. Both must already be lowercase.
func containsWord(s, word string) bool {
	if word == "" {
		return false
	}
	for start := 0; start <= len(s)-len(word); {
		i := strings.Index(s[start:], word)
		if i < 0 {
			return false
		}
		i += start
		end := i + len(word)
		before, _ := utf8.DecodeLastRuneInString(s[:i])
		after, _ := utf8.DecodeRuneInString(s[end:])
		if (i == 0 || !isWordRune(before)) && (end == len(s) || !isWordRune(after)) {
			return true
		}
		_, size := utf8.DecodeRuneInString(s[i:])
		start = i + size
	}
	return false
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}
