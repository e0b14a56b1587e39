package backfill

import (
	"context"
	"fmt"

	"github.com/xhad/embedfill/internal/models"
	"github.com/xhad/embedfill/internal/types"
)

// Selector yields the documents a run should embed.
type Selector struct {
	store  types.DocumentStore
	filter types.Filter
}

// NewSelector returns a selector over documents matching filter. A nil filter
// selects pending documents.
func NewSelector(st types.DocumentStore, filter types.Filter) *Selector {
	if filter == nil {
		filter = types.PendingFilter()
	}
	return &Selector{store: st, filter: filter}
}

// Filter returns the predicate the selector matches documents against.
func (s *Selector) Filter() types.Filter {
	return s.filter
}

// Count reports how many documents currently match the filter.
func (s *Selector) Count(ctx context.Context) (int64, error) {
	n, err := s.store.Count(ctx, s.filter)
	if err != nil {
		return 0, fmt.Errorf("failed to count documents: %w", err)
	}
	return n, nil
}

// Open starts a forward-only scan in ascending id order.
func (s *Selector) Open(ctx context.Context) (types.Cursor, error) {
	cur, err := s.store.Find(ctx, s.filter, types.FindOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to open cursor: %w", err)
	}
	return cur, nil
}

// NextBatch pulls up to n documents from cur. An empty batch with a nil
// error means the cursor is exhausted.
func (s *Selector) NextBatch(ctx context.Context, cur types.Cursor, n int) ([]models.Document, error) {
	batch := make([]models.Document, 0, n)
	for len(batch) < n && cur.Next(ctx) {
		batch = append(batch, cur.Document())
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("failed to read documents: %w", err)
	}
	return batch, nil
}
