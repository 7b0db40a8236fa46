package retrieval

import (
	"sort"

	"github.com/MaxWANGCAI/kbchat/internal/store"
)

// WeightedFusion merges vector and keyword result lists by weighted
// additive scoring:
//
//	score(d) = vector_score(d)*vector_weight + keyword_score(d)*keyword_weight
//
// A document strong in both signals outranks one strong in only one;
// this is additive fusion, not max or average.
type WeightedFusion struct {
	Weights FusionWeights
}

// NewWeightedFusion creates a fusion engine with the given weights.
// Non-positive weight pairs fall back to the defaults.
func NewWeightedFusion(weights FusionWeights) *WeightedFusion {
	if weights.Vector <= 0 && weights.Keyword <= 0 {
		weights = DefaultFusionWeights()
	}
	return &WeightedFusion{Weights: weights}
}

// Fuse merges the two ranked lists into one deduplicated ranking.
//
// The vector list is processed first, so on score ties vector-discovered
// documents rank ahead of keyword-only ones: the sort is stable over
// first-seen insertion order. That tie-break is a documented policy.
//
// Documents whose fused score falls below minScore are dropped. Both
// inputs empty yields an empty (non-nil) slice, not an error.
func (f *WeightedFusion) Fuse(vectorHits, keywordHits []store.SearchHit, minScore float64) []*ScoredDocument {
	merged := make([]*ScoredDocument, 0, len(vectorHits)+len(keywordHits))
	byID := make(map[string]*ScoredDocument, len(vectorHits)+len(keywordHits))

	for _, hit := range vectorHits {
		if _, seen := byID[hit.Document.ID]; seen {
			continue
		}
		vs := hit.Score
		doc := &ScoredDocument{
			Document:    hit.Document,
			Score:       vs * f.Weights.Vector,
			VectorScore: &vs,
		}
		merged = append(merged, doc)
		byID[hit.Document.ID] = doc
	}

	for _, hit := range keywordHits {
		ks := hit.Score
		if existing, seen := byID[hit.Document.ID]; seen {
			// Update in place: add the keyword contribution to the
			// vector contribution already recorded.
			existing.KeywordScore = &ks
			var vs float64
			if existing.VectorScore != nil {
				vs = *existing.VectorScore
			}
			existing.Score = vs*f.Weights.Vector + ks*f.Weights.Keyword
			continue
		}
		doc := &ScoredDocument{
			Document:     hit.Document,
			Score:        ks * f.Weights.Keyword,
			KeywordScore: &ks,
		}
		merged = append(merged, doc)
		byID[hit.Document.ID] = doc
	}

	// Stable sort preserves first-seen order on equal scores.
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Score > merged[j].Score
	})

	if minScore > 0 {
		filtered := merged[:0]
		for _, doc := range merged {
			if doc.Score >= minScore {
				filtered = append(filtered, doc)
			}
		}
		merged = filtered
	}

	return merged
}
