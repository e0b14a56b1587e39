package search_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xhad/embedfill/internal/models"
	"github.com/xhad/embedfill/internal/types"
	"github.com/xhad/embedfill/pkg/search"
	"github.com/xhad/embedfill/pkg/store"
)

type staticEmbedder struct {
	vectors map[string][]float32
	err     error
}

func (e staticEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	return e.vectors[text], nil
}

func seeded(t *testing.T) *store.MemoryStore {
	t.Helper()
	return store.NewMemory(store.Config{VectorDim: 2},
		models.Document{ID: "1", Title: "Gravity", Text: "Stranded in orbit.", Embedding: []float32{1, 0}, Attributes: map[string]interface{}{"year": int32(2013)}},
		models.Document{ID: "2", Title: "Apollo 13", Text: "A mission goes wrong.", Embedding: []float32{0.8, 0.6}, Attributes: map[string]interface{}{"year": int32(1995)}},
		models.Document{ID: "3", Title: "Heat", Text: "Cops and robbers.", Embedding: []float32{0, 1}, Attributes: map[string]interface{}{"year": int32(1995)}},
		models.Document{ID: "4", Title: "Pending", Text: "Not embedded yet."},
	)
}

func TestSearch(t *testing.T) {
	emb := staticEmbedder{vectors: map[string][]float32{"space": {1, 0}}}
	s, err := search.NewSearcher(emb, seeded(t), search.Config{Limit: 2})
	require.NoError(t, err)

	results, err := s.Search(context.Background(), "space", nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "Gravity", results[0].Title)
	assert.Equal(t, "Apollo 13", results[1].Title)
	assert.Greater(t, results[0].Score, results[1].Score)

	results, err = s.Search(context.Background(), "space", types.Filter{types.Lt("year", 2000)})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "Apollo 13", results[0].Title)
	assert.Equal(t, "Heat", results[1].Title)
}

func TestSearchErrors(t *testing.T) {
	s, err := search.NewSearcher(staticEmbedder{err: errors.New("no key")}, seeded(t), search.Config{})
	require.NoError(t, err)

	_, err = s.Search(context.Background(), "  ", nil)
	assert.ErrorIs(t, err, search.ErrEmptyQuery)

	_, err = s.Search(context.Background(), "space", nil)
	assert.ErrorContains(t, err, "failed to embed query")

	_, err = search.NewSearcher(staticEmbedder{}, seeded(t), search.Config{NumCandidates: 5, Limit: 10})
	assert.Error(t, err)
}

func TestCreateIndex(t *testing.T) {
	st := store.NewMemory(store.Config{})
	def := search.DefaultIndexDefinition()
	require.NoError(t, search.CreateIndex(context.Background(), st, def))

	got, ok := st.Index(search.DefaultIndex)
	require.True(t, ok)
	assert.Equal(t, 1536, got.Dimensions)
	assert.Equal(t, []string{"year"}, got.FilterFields)

	bad := def
	bad.Similarity = "manhattan"
	assert.Error(t, search.CreateIndex(context.Background(), st, bad))

	bad = def
	bad.Dimensions = 0
	assert.Error(t, search.ValidateIndexDefinition(bad))
}
