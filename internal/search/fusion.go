package search

import (
	"sort"

	"github.com/seanblong/kagsearch/pkg/models"
)

// Weights are the per-stage multipliers of the combined score. They are
// independent and need not sum to one.
type Weights struct {
	Vector float64
	Text   float64
}

// Merge fuses the two stage rankings. Each stage is min-max normalised on
// its own (a stage whose scores are all equal normalises to 1.0), a chunk
// missing from a stage scores 0 there, and
//
//	combined = min(1, Vector*v + Text*t)
//
// The cap only binds when Vector+Text > 1; there a chunk strong in both
// stages ties with one that merely saturates the bound.
//
// Results under minScore are dropped; the rest are ordered by combined score
// then chunk id and cut to limit (limit <= 0 keeps everything).
func Merge(vector, text []models.ScoredChunk, w Weights, minScore float64, limit int) []models.SearchResult {
	vn := normalize(dedupe(vector))
	tn := normalize(dedupe(text))

	ids := make([]string, 0, len(vn)+len(tn))
	for id := range vn {
		ids = append(ids, id)
	}
	for id := range tn {
		if _, ok := vn[id]; !ok {
			ids = append(ids, id)
		}
	}

	out := make([]models.SearchResult, 0, len(ids))
	for _, id := range ids {
		v, t := vn[id], tn[id]
		combined := clamp01(w.Vector*v + w.Text*t)
		if combined < minScore {
			continue
		}
		out = append(out, models.SearchResult{
			ChunkID:       id,
			VectorScore:   v,
			TextScore:     t,
			CombinedScore: combined,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CombinedScore != out[j].CombinedScore {
			return out[i].CombinedScore > out[j].CombinedScore
		}
		return out[i].ChunkID < out[j].ChunkID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// dedupe keeps the highest raw score per chunk.
func dedupe(in []models.ScoredChunk) map[string]float64 {
	out := make(map[string]float64, len(in))
	for _, sc := range in {
		if cur, ok := out[sc.ChunkID]; !ok || sc.Score > cur {
			out[sc.ChunkID] = sc.Score
		}
	}
	return out
}

func normalize(scores map[string]float64) map[string]float64 {
	if len(scores) == 0 {
		return scores
	}
	first := true
	var lo, hi float64
	for _, s := range scores {
		if first {
			lo, hi = s, s
			first = false
			continue
		}
		if s < lo {
			lo = s
		}
		if s > hi {
			hi = s
		}
	}
	out := make(map[string]float64, len(scores))
	for id, s := range scores {
		if hi == lo {
			out[id] = 1.0
			continue
		}
		out[id] = clamp01((s - lo) / (hi - lo))
	}
	return out
}
