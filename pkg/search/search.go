package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/xhad/embedfill/internal/models"
	"github.com/xhad/embedfill/internal/types"
)

const (
	DefaultIndex         = "vectorPlotIndex"
	DefaultNumCandidates = 100
	DefaultLimit         = 10
)

var ErrEmptyQuery = errors.New("query text is empty")

type Config struct {
	Index         string
	NumCandidates int
	Limit         int
	Similarity    string
}

func (c Config) withDefaults() Config {
	if c.Index == "" {
		c.Index = DefaultIndex
	}
	if c.NumCandidates == 0 {
		c.NumCandidates = DefaultNumCandidates
	}
	if c.Limit == 0 {
		c.Limit = DefaultLimit
	}
	if c.Similarity == "" {
		c.Similarity = models.SimilarityCosine
	}
	return c
}

// Searcher answers free-text queries against a vector index.
type Searcher struct {
	embedder types.Embedder
	index    types.VectorIndex
	config   Config
	logger   *slog.Logger
}

func NewSearcher(embedder types.Embedder, index types.VectorIndex, config Config) (*Searcher, error) {
	config = config.withDefaults()
	if config.Limit < 1 {
		return nil, fmt.Errorf("limit must be at least 1, got %d", config.Limit)
	}
	if config.NumCandidates < config.Limit {
		return nil, fmt.Errorf("num_candidates (%d) must not be smaller than limit (%d)", config.NumCandidates, config.Limit)
	}
	return &Searcher{
		embedder: embedder,
		index:    index,
		config:   config,
		logger:   slog.Default().With("component", "search", "index", config.Index),
	}, nil
}

// Search embeds query and returns the closest documents, best first.
func (s *Searcher) Search(ctx context.Context, query string, filter types.Filter) ([]models.ScoredDocument, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}

	s.logger.Debug("getting embedding for query", "query", query)
	vector, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	s.logger.Debug("performing vector search", "filter", filter.String())
	results, err := s.index.Search(ctx, types.VectorQuery{
		Index:         s.config.Index,
		Vector:        vector,
		NumCandidates: s.config.NumCandidates,
		Limit:         s.config.Limit,
		Similarity:    s.config.Similarity,
		Filter:        filter,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}
	return results, nil
}
