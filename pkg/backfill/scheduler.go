package backfill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/xhad/embedfill/internal/models"
	"github.com/xhad/embedfill/internal/types"
)

const (
	DefaultBatchSize = 10
	DefaultDelay     = time.Second
)

var (
	ErrInvalidBatchSize = errors.New("batch size must be at least 1")
	ErrInvalidDelay     = errors.New("delay must not be negative")
)

type Config struct {
	// BatchSize is both the number of documents per batch and the number
	// of embedding calls in flight.
	BatchSize int
	// Delay separates the end of one batch from the start of the next.
	Delay time.Duration
}

func DefaultConfig() Config {
	return Config{BatchSize: DefaultBatchSize, Delay: DefaultDelay}
}

// BatchReport is handed to the progress callback after every batch.
type BatchReport struct {
	Index int // 1-based
	Size  int
	Stats RunStats
}

// Scheduler drives a run: it pulls batches from the selector, embeds every
// document of a batch concurrently, waits for all of them and pauses before
// the next batch.
type Scheduler struct {
	selector *Selector
	embedder types.Embedder
	writer   *ResultWriter
	config   Config
	pool     *ants.Pool
	prepare  func(string) string
	progress func(BatchReport)
	logger   *slog.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithProgress registers a callback invoked after each batch completes.
func WithProgress(fn func(BatchReport)) Option {
	return func(s *Scheduler) { s.progress = fn }
}

// WithPreparer transforms document text right before it is embedded.
func WithPreparer(fn func(string) string) Option {
	return func(s *Scheduler) { s.prepare = fn }
}

func NewScheduler(selector *Selector, embedder types.Embedder, writer *ResultWriter, config Config, opts ...Option) (*Scheduler, error) {
	if config.BatchSize < 1 {
		return nil, ErrInvalidBatchSize
	}
	if config.Delay < 0 {
		return nil, ErrInvalidDelay
	}

	pool, err := ants.NewPool(config.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}

	s := &Scheduler{
		selector: selector,
		embedder: embedder,
		writer:   writer,
		config:   config,
		pool:     pool,
		prepare:  func(text string) string { return text },
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Run processes every selected document once. Per-document failures only
// show up in the returned stats; an error means the run itself stopped early
// because the cursor failed or ctx was cancelled.
func (s *Scheduler) Run(ctx context.Context) (RunStats, error) {
	start := time.Now()
	stats := s.writer.Stats()
	run := RunStats{}
	snapshot := func() RunStats {
		run.Processed = stats.Processed()
		run.Errors = stats.Errors()
		run.Elapsed = time.Since(start)
		return run
	}

	total, err := s.selector.Count(ctx)
	if err != nil {
		return snapshot(), err
	}
	run.Total = total
	s.logger.Info("found documents to process", "total", total, "filter", s.selector.Filter().String(),
		"batch_size", s.config.BatchSize, "delay", s.config.Delay)
	if total == 0 {
		return snapshot(), nil
	}

	cur, err := s.selector.Open(ctx)
	if err != nil {
		return snapshot(), err
	}
	defer cur.Close(context.WithoutCancel(ctx))

	for {
		batch, err := s.selector.NextBatch(ctx, cur, s.config.BatchSize)
		if err != nil {
			return snapshot(), err
		}
		if len(batch) == 0 {
			break
		}

		if run.Batches > 0 && s.config.Delay > 0 {
			if err := sleep(ctx, s.config.Delay); err != nil {
				return snapshot(), err
			}
		}

		s.runBatch(ctx, batch)
		run.Batches++

		current := snapshot()
		s.logger.Info("batch complete", "batch", run.Batches, "size", len(batch),
			"processed", current.Processed, "errors", current.Errors, "total", current.Total)
		if s.progress != nil {
			s.progress(BatchReport{Index: run.Batches, Size: len(batch), Stats: current})
		}

		if err := ctx.Err(); err != nil {
			return snapshot(), err
		}
	}

	final := snapshot()
	s.logger.Info("backfill complete", "processed", final.Processed, "errors", final.Errors,
		"batches", final.Batches, "elapsed", final.Elapsed)
	return final, nil
}

// runBatch returns once every document of the batch has been written or
// counted as failed.
func (s *Scheduler) runBatch(ctx context.Context, batch []models.Document) {
	var wg sync.WaitGroup
	for _, doc := range batch {
		doc := doc
		wg.Add(1)
		err := s.pool.Submit(func() {
			defer wg.Done()
			s.process(ctx, doc)
		})
		if err != nil {
			wg.Done()
			s.writer.Apply(ctx, models.EmbeddingResult{
				DocumentID: doc.ID,
				Title:      doc.Label(),
				Err:        fmt.Errorf("failed to schedule document: %w", err),
			})
		}
	}
	wg.Wait()
}

func (s *Scheduler) process(ctx context.Context, doc models.Document) {
	s.logger.Debug("processing document", "document_id", doc.ID, "title", doc.Label())
	result := models.EmbeddingResult{DocumentID: doc.ID, Title: doc.Label()}
	result.Vector, result.Err = s.embed(ctx, doc.Text)
	s.writer.Apply(ctx, result)
}

func (s *Scheduler) embed(ctx context.Context, text string) (vector []float32, err error) {
	defer func() {
		if r := recover(); r != nil {
			vector, err = nil, fmt.Errorf("panic while embedding: %v", r)
		}
	}()
	return s.embedder.Embed(ctx, s.prepare(text))
}

// Close releases the worker pool.
func (s *Scheduler) Close() {
	s.pool.Release()
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
