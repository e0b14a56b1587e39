package store

import (
	"fmt"
	"math"
	"sort"

	"github.com/xhad/embedfill/internal/models"
)

// Score compares two vectors and normalises the result to [0, 1] the same way
// Atlas Vector Search reports vectorSearchScore.
func Score(similarity string, a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vector length mismatch: %d != %d", len(a), len(b))
	}
	switch similarity {
	case models.SimilarityCosine, "":
		return (1 + cosine(a, b)) / 2, nil
	case models.SimilarityDotProduct:
		return (1 + dot(a, b)) / 2, nil
	case models.SimilarityEuclidean:
		return 1 / (1 + euclidean(a, b)), nil
	}
	return 0, fmt.Errorf("unknown similarity %q", similarity)
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

func cosine(a, b []float32) float64 {
	var na, nb float64
	for i := range a {
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot(a, b) / (math.Sqrt(na) * math.Sqrt(nb))
}

func euclidean(a, b []float32) float64 {
	var s float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		s += d * d
	}
	return math.Sqrt(s)
}

// topK sorts by descending score and keeps the first k.
func topK(results []models.ScoredDocument, k int) []models.ScoredDocument {
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if k > 0 && len(results) > k {
		results = results[:k]
	}
	return results
}
