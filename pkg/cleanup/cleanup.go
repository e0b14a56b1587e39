package cleanup

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/samber/lo"
	"github.com/xhad/embedfill/internal/types"
)

const (
	DefaultLimit     = 10000
	DefaultBatchSize = 1000
)

type Config struct {
	// Limit is how many documents, in ascending id order, are removed.
	Limit     int
	BatchSize int
	Filter    types.Filter
}

type Result struct {
	Found   int
	Deleted int64
	Batches int
}

// Cleaner deletes the first documents of a collection in fixed-size chunks.
type Cleaner struct {
	store    types.DocumentStore
	config   Config
	logger   *slog.Logger
	progress func(batch int, deleted int64)
}

type Option func(*Cleaner)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Cleaner) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithProgress is called after every deleted chunk.
func WithProgress(fn func(batch int, deleted int64)) Option {
	return func(c *Cleaner) { c.progress = fn }
}

func NewCleaner(st types.DocumentStore, config Config, opts ...Option) *Cleaner {
	if config.Limit <= 0 {
		config.Limit = DefaultLimit
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	c := &Cleaner{
		store:  st,
		config: config,
		logger: slog.Default().With("component", "cleanup"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// IDs collects the ids that Run would delete.
func (c *Cleaner) IDs(ctx context.Context) ([]string, error) {
	cur, err := c.store.Find(ctx, c.config.Filter, types.FindOptions{Limit: int64(c.config.Limit)})
	if err != nil {
		return nil, fmt.Errorf("failed to find documents: %w", err)
	}
	defer cur.Close(ctx)

	ids := make([]string, 0, c.config.BatchSize)
	for cur.Next(ctx) {
		ids = append(ids, cur.Document().ID)
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("failed to read documents: %w", err)
	}
	return ids, nil
}

func (c *Cleaner) Run(ctx context.Context) (Result, error) {
	var res Result

	ids, err := c.IDs(ctx)
	if err != nil {
		return res, err
	}
	res.Found = len(ids)
	c.logger.Info("found documents to delete", "count", len(ids))

	for i, chunk := range lo.Chunk(ids, c.config.BatchSize) {
		n, err := c.store.BulkDelete(ctx, chunk)
		if err != nil {
			return res, fmt.Errorf("failed to delete batch %d: %w", i+1, err)
		}
		res.Deleted += n
		res.Batches++
		c.logger.Info("deleted batch", "batch", i+1, "size", len(chunk), "deleted", n)
		if c.progress != nil {
			c.progress(i+1, n)
		}
	}

	c.logger.Info("finished bulk deletion", "deleted", res.Deleted, "batches", res.Batches)
	return res, nil
}
