package search

import (
	"context"
	"fmt"

	"github.com/xhad/embedfill/internal/models"
	"github.com/xhad/embedfill/internal/types"
)

var similarities = map[string]bool{
	models.SimilarityCosine:     true,
	models.SimilarityEuclidean:  true,
	models.SimilarityDotProduct: true,
}

// DefaultIndexDefinition is the index the search command expects: cosine
// similarity over 1536-dimension plot embeddings, filterable by year.
func DefaultIndexDefinition() models.IndexDefinition {
	return models.IndexDefinition{
		Name:         DefaultIndex,
		Path:         "plot_embedding",
		Dimensions:   1536,
		Similarity:   models.SimilarityCosine,
		FilterFields: []string{"year"},
	}
}

func ValidateIndexDefinition(def models.IndexDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("index name is required")
	}
	if def.Path == "" {
		return fmt.Errorf("index %s: vector path is required", def.Name)
	}
	if def.Dimensions < 1 || def.Dimensions > 8192 {
		return fmt.Errorf("index %s: dimensions must be between 1 and 8192, got %d", def.Name, def.Dimensions)
	}
	if !similarities[def.Similarity] {
		return fmt.Errorf("index %s: unknown similarity %q", def.Name, def.Similarity)
	}
	return nil
}

// CreateIndex validates def and asks the backend to build it.
func CreateIndex(ctx context.Context, index types.VectorIndex, def models.IndexDefinition) error {
	if err := ValidateIndexDefinition(def); err != nil {
		return err
	}
	if err := index.CreateIndex(ctx, def); err != nil {
		return fmt.Errorf("failed to create index %s: %w", def.Name, err)
	}
	return nil
}
