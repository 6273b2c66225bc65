package search

import (
	"context"

	"github.com/seanblong/kagsearch/internal/config"
	"github.com/seanblong/kagsearch/internal/store"
	"github.com/seanblong/kagsearch/pkg/models"
)

// BuildTextQuery turns a prepared query into a weighted full-text query.
// Original terms come before expanded ones so they lead the proximity clause.
func BuildTextQuery(pq PreparedQuery, s config.SearchSpecification) store.TextQuery {
	terms := make([]string, 0, len(pq.Terms)+len(pq.Expanded))
	terms = append(terms, pq.Terms...)
	terms = append(terms, pq.Expanded...)
	return store.TextQuery{
		Phrases:           pq.Phrases,
		Terms:             terms,
		PhraseWeight:      s.ExactPhraseWeight,
		TermWeight:        s.SingleTermWeight,
		ProximityDistance: s.ProximityDistance,
	}
}

// textStage runs the full-text search. Negative ranks are treated as zero.
func textStage(ctx context.Context, cs ChunkSearcher, q store.TextQuery, k int) ([]models.ScoredChunk, error) {
	if q.Empty() {
		return nil, nil
	}
	raw, err := cs.TextSearch(ctx, q, k)
	if err != nil {
		return nil, err
	}
	out := make([]models.ScoredChunk, 0, len(raw))
	for _, sc := range raw {
		if sc.Score < 0 {
			sc.Score = 0
		}
		out = append(out, sc)
	}
	sortScored(out)
	return out, nil
}
