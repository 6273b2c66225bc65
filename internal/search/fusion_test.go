package search

import (
	"fmt"
	"math"
	"reflect"
	"testing"

	"github.com/seanblong/kagsearch/pkg/models"
)

const eps = 1e-9

func approx(a, b float64) bool { return math.Abs(a-b) < eps }

func ids(results []models.SearchResult) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.ChunkID
	}
	return out
}

var defaultWeights = Weights{Vector: 0.7, Text: 0.3}

func TestMerge_MinMaxFusion(t *testing.T) {
	vector := []models.ScoredChunk{{ChunkID: "A", Score: 0.8}, {ChunkID: "B", Score: 0.6}}
	text := []models.ScoredChunk{{ChunkID: "B", Score: 0.9}, {ChunkID: "C", Score: 0.5}}

	got := Merge(vector, text, defaultWeights, 0.15, 0)

	if want := []string{"A", "B"}; !reflect.DeepEqual(ids(got), want) {
		t.Fatalf("Expected order %v, got %v", want, ids(got))
	}
	expected := []struct{ v, t, c float64 }{
		{1.0, 0.0, 0.7},
		{0.0, 1.0, 0.3},
	}
	for i, e := range expected {
		r := got[i]
		if !approx(r.VectorScore, e.v) || !approx(r.TextScore, e.t) || !approx(r.CombinedScore, e.c) {
			t.Errorf("%s: expected v=%v t=%v c=%v, got v=%v t=%v c=%v",
				r.ChunkID, e.v, e.t, e.c, r.VectorScore, r.TextScore, r.CombinedScore)
		}
	}
}

func TestMerge_VectorOnlySingleResult(t *testing.T) {
	got := Merge([]models.ScoredChunk{{ChunkID: "chunk7", Score: 0.95}}, nil, defaultWeights, 0.15, 5)
	if len(got) != 1 || got[0].ChunkID != "chunk7" {
		t.Fatalf("Expected only chunk7, got %v", ids(got))
	}
	if !approx(got[0].CombinedScore, 0.7) {
		t.Errorf("Expected combined 0.7, got %v", got[0].CombinedScore)
	}
	if got[0].VectorScore != 1.0 || got[0].TextScore != 0 {
		t.Errorf("Expected v=1 t=0, got v=%v t=%v", got[0].VectorScore, got[0].TextScore)
	}
}

func TestMerge_BothEmpty(t *testing.T) {
	got := Merge(nil, nil, defaultWeights, 0.15, 5)
	if got == nil || len(got) != 0 {
		t.Errorf("Expected empty non-nil slice, got %#v", got)
	}
}

func TestMerge_AllEqualScoresNormaliseToOne(t *testing.T) {
	text := []models.ScoredChunk{{ChunkID: "x", Score: 0.2}, {ChunkID: "y", Score: 0.2}}
	got := Merge(nil, text, defaultWeights, 0, 0)
	for _, r := range got {
		if r.TextScore != 1.0 {
			t.Errorf("Expected text score 1.0 for %s, got %v", r.ChunkID, r.TextScore)
		}
		if !approx(r.CombinedScore, 0.3) {
			t.Errorf("Expected combined 0.3 for %s, got %v", r.ChunkID, r.CombinedScore)
		}
	}
	if want := []string{"x", "y"}; !reflect.DeepEqual(ids(got), want) {
		t.Errorf("Expected tie broken by id %v, got %v", want, ids(got))
	}
}

func TestMerge_DedupeKeepsMaxRawScore(t *testing.T) {
	vector := []models.ScoredChunk{
		{ChunkID: "a", Score: 0.5},
		{ChunkID: "b", Score: 0.9},
		{ChunkID: "a", Score: 0.95},
		{ChunkID: "c", Score: 0.4},
	}
	got := Merge(vector, nil, Weights{Vector: 1}, 0, 0)
	if len(got) != 3 {
		t.Fatalf("Expected 3 unique results, got %v", ids(got))
	}
	if got[0].ChunkID != "a" || got[0].VectorScore != 1.0 {
		t.Errorf("Expected a first with max raw score kept, got %s %v", got[0].ChunkID, got[0].VectorScore)
	}
	seen := map[string]bool{}
	for _, r := range got {
		if seen[r.ChunkID] {
			t.Errorf("Duplicate chunk id %s", r.ChunkID)
		}
		seen[r.ChunkID] = true
	}
}

func TestMerge_ThresholdLaw(t *testing.T) {
	vector := []models.ScoredChunk{{ChunkID: "a", Score: 0.9}, {ChunkID: "b", Score: 0.5}, {ChunkID: "c", Score: 0.45}}
	text := []models.ScoredChunk{{ChunkID: "c", Score: 3}, {ChunkID: "d", Score: 1}}

	for _, threshold := range []float64{0, 0.1, 0.15, 0.3, 0.5, 0.9} {
		for _, r := range Merge(vector, text, defaultWeights, threshold, 0) {
			if r.CombinedScore < threshold {
				t.Errorf("threshold %v: %s has combined %v", threshold, r.ChunkID, r.CombinedScore)
			}
		}
	}
}

func TestMerge_WeightedFusionLaw(t *testing.T) {
	vector := []models.ScoredChunk{{ChunkID: "a", Score: 0.9}, {ChunkID: "b", Score: 0.6}, {ChunkID: "c", Score: 0.45}}
	text := []models.ScoredChunk{{ChunkID: "c", Score: 12}, {ChunkID: "d", Score: 3}, {ChunkID: "a", Score: 5}}

	for _, w := range []Weights{{0.7, 0.3}, {0.7, 0.5}, {0.5, 0.2}, {0, 1}} {
		for _, r := range Merge(vector, text, w, 0, 0) {
			want := math.Min(1, w.Vector*r.VectorScore+w.Text*r.TextScore)
			if !approx(r.CombinedScore, want) {
				t.Errorf("weights %+v: %s expected %v, got %v", w, r.ChunkID, want, r.CombinedScore)
			}
		}
	}
}

func TestMerge_CombinedScoreClampedAboveOne(t *testing.T) {
	vector := []models.ScoredChunk{{ChunkID: "a", Score: 0.9}, {ChunkID: "b", Score: 0.5}}
	text := []models.ScoredChunk{{ChunkID: "a", Score: 8}, {ChunkID: "b", Score: 2}}

	got := Merge(vector, text, Weights{Vector: 0.7, Text: 0.5}, 0, 0)
	if len(got) != 2 || got[0].ChunkID != "a" {
		t.Fatalf("Expected a first, got %v", ids(got))
	}
	if got[0].VectorScore != 1 || got[0].TextScore != 1 {
		t.Fatalf("Expected a to normalise to 1 in both stages, got %v/%v", got[0].VectorScore, got[0].TextScore)
	}
	// 0.7*1 + 0.5*1 = 1.2 is capped.
	if got[0].CombinedScore != 1 {
		t.Errorf("Expected combined score clamped to 1, got %v", got[0].CombinedScore)
	}
	if got[1].CombinedScore != 0 {
		t.Errorf("Expected b combined 0, got %v", got[1].CombinedScore)
	}
}

func TestMerge_ScoreBounds(t *testing.T) {
	vector := []models.ScoredChunk{{ChunkID: "a", Score: 1.7}, {ChunkID: "b", Score: -0.2}}
	text := []models.ScoredChunk{{ChunkID: "a", Score: 40}, {ChunkID: "c", Score: 0}}
	for _, r := range Merge(vector, text, Weights{Vector: 0.9, Text: 0.9}, 0, 0) {
		for name, v := range map[string]float64{"vector": r.VectorScore, "text": r.TextScore, "combined": r.CombinedScore} {
			if v < 0 || v > 1 {
				t.Errorf("%s: %s score %v out of [0,1]", r.ChunkID, name, v)
			}
		}
	}
}

func TestMerge_MonotonicTruncation(t *testing.T) {
	var vector []models.ScoredChunk
	for i := 0; i < 30; i++ {
		vector = append(vector, models.ScoredChunk{ChunkID: fmt.Sprintf("c%02d", i), Score: float64(i) / 30})
	}
	all := Merge(vector, nil, defaultWeights, 0, 0)
	for _, limit := range []int{1, 5, 20} {
		got := Merge(vector, nil, defaultWeights, 0, limit)
		if len(got) > limit {
			t.Errorf("limit %d: got %d results", limit, len(got))
		}
		if !reflect.DeepEqual(got, all[:len(got)]) {
			t.Errorf("limit %d: expected a prefix of the untruncated ranking", limit)
		}
	}
}

func TestMerge_Deterministic(t *testing.T) {
	vector := []models.ScoredChunk{{ChunkID: "b", Score: 0.7}, {ChunkID: "a", Score: 0.7}, {ChunkID: "c", Score: 0.5}}
	text := []models.ScoredChunk{{ChunkID: "d", Score: 2}, {ChunkID: "a", Score: 1}, {ChunkID: "e", Score: 2}}
	first := Merge(vector, text, defaultWeights, 0.15, 0)
	for i := 0; i < 50; i++ {
		if got := Merge(vector, text, defaultWeights, 0.15, 0); !reflect.DeepEqual(got, first) {
			t.Fatalf("run %d differs: %v vs %v", i, ids(got), ids(first))
		}
	}
	for i := 1; i < len(first); i++ {
		prev, cur := first[i-1], first[i]
		if prev.CombinedScore < cur.CombinedScore ||
			(prev.CombinedScore == cur.CombinedScore && prev.ChunkID > cur.ChunkID) {
			t.Errorf("ordering violated between %s and %s", prev.ChunkID, cur.ChunkID)
		}
	}
}

func BenchmarkMerge(b *testing.B) {
	var vector, text []models.ScoredChunk
	for i := 0; i < 200; i++ {
		vector = append(vector, models.ScoredChunk{ChunkID: fmt.Sprintf("v%d", i), Score: float64(i%50) / 50})
		text = append(text, models.ScoredChunk{ChunkID: fmt.Sprintf("v%d", i*2), Score: float64(i % 7)})
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Merge(vector, text, defaultWeights, 0.15, 20)
	}
}
