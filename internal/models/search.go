package models

// Similarity metrics accepted by vector indexes.
const (
	SimilarityCosine     = "cosine"
	SimilarityEuclidean  = "euclidean"
	SimilarityDotProduct = "dotProduct"
)

// IndexDefinition declares a vector index over the embedding field.
type IndexDefinition struct {
	Name         string
	Path         string
	Dimensions   int
	Similarity   string
	FilterFields []string
}
