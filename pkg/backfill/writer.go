package backfill

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xhad/embedfill/internal/models"
	"github.com/xhad/embedfill/internal/types"
	"github.com/xhad/embedfill/pkg/llm"
)

// ResultWriter persists embedding results and keeps the run counters.
type ResultWriter struct {
	store      types.DocumentStore
	stats      *Stats
	dimensions int
	now        func() time.Time
	logger     *slog.Logger
}

type WriterOption func(*ResultWriter)

// WithDimensions rejects vectors whose length differs from n before they are
// written.
func WithDimensions(n int) WriterOption {
	return func(w *ResultWriter) { w.dimensions = n }
}

// WithClock replaces time.Now as the source of embedded_at.
func WithClock(now func() time.Time) WriterOption {
	return func(w *ResultWriter) { w.now = now }
}

func WithWriterLogger(logger *slog.Logger) WriterOption {
	return func(w *ResultWriter) {
		if logger != nil {
			w.logger = logger
		}
	}
}

func NewResultWriter(st types.DocumentStore, stats *Stats, opts ...WriterOption) *ResultWriter {
	if stats == nil {
		stats = &Stats{}
	}
	w := &ResultWriter{
		store:  st,
		stats:  stats,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *ResultWriter) Stats() *Stats {
	return w.stats
}

// Apply records one result. Successful results become a point update of the
// embedding fields; anything that goes wrong is counted and logged, never
// returned, so one document cannot fail its batch.
func (w *ResultWriter) Apply(ctx context.Context, result models.EmbeddingResult) {
	log := w.logger.With("document_id", result.DocumentID, "title", result.Title)

	if !result.OK() {
		w.stats.failure()
		log.Error("failed to embed document", "err", result.Err)
		return
	}
	if w.dimensions > 0 && len(result.Vector) != w.dimensions {
		w.stats.failure()
		err := fmt.Errorf("%w: got %d, want %d", llm.ErrDimensionMismatch, len(result.Vector), w.dimensions)
		log.Error("rejected embedding", "err", err)
		return
	}

	err := w.store.UpdateOne(ctx, result.DocumentID, models.Fields{
		models.FieldEmbedding:  result.Vector,
		models.FieldEmbeddedAt: w.now().UTC(),
	})
	if err != nil {
		w.stats.failure()
		log.Error("failed to write embedding", "err", err)
		return
	}

	w.stats.success()
	log.Debug("updated document")
}
