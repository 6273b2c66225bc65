package search

import (
	"context"
	"sort"

	"github.com/seanblong/kagsearch/internal/config"
	"github.com/seanblong/kagsearch/pkg/models"
)

// vectorStage runs the similarity search and normalises its output: scores
// clamped to [0,1], anything under minSimilarity dropped, best first with
// ties on chunk id, at most k entries.
func vectorStage(ctx context.Context, cs ChunkSearcher, embedding []float32, k int, minSimilarity float64) ([]models.ScoredChunk, error) {
	raw, err := cs.VectorSearch(ctx, embedding, k, minSimilarity)
	if err != nil {
		return nil, err
	}
	out := make([]models.ScoredChunk, 0, len(raw))
	for _, sc := range raw {
		sc.Score = clamp01(sc.Score)
		if sc.Score < minSimilarity {
			continue
		}
		out = append(out, sc)
	}
	sortScored(out)
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// earlyExit reports whether the best vector hit is good enough to skip text
// search.
func earlyExit(vector []models.ScoredChunk, s config.SearchSpecification) bool {
	return s.EarlyExitEnabled && len(vector) > 0 && vector[0].Score > s.EarlyExitThreshold
}

func sortScored(s []models.ScoredChunk) {
	sort.SliceStable(s, func(i, j int) bool {
		if s[i].Score != s[j].Score {
			return s[i].Score > s[j].Score
		}
		return s[i].ChunkID < s[j].ChunkID
	})
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
