package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xhad/embedfill/internal/models"
	"github.com/xhad/embedfill/internal/types"
)

func testConfig(backend string) Config {
	return Config{
		Backend:    backend,
		Collection: "movies_test",
		VectorDim:  3,
		PageSize:   2,
		Fields: FieldMap{
			ID:         "_id",
			Title:      "title",
			Text:       "plot",
			Embedding:  "plot_embedding",
			EmbeddedAt: "embedding_generated_at",
			Filters:    []string{"year"},
		},
	}
}

func fixtures() []models.Document {
	embedded := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return []models.Document{
		{ID: "m1", Title: "Gravity", Text: "Two astronauts are stranded in space.", Attributes: map[string]interface{}{"year": int32(2013)}},
		{ID: "m2", Title: "Heat", Text: "A detective hunts a crew of thieves.", Attributes: map[string]interface{}{"year": int32(1995)}},
		{ID: "m3", Title: "Up", Text: "An old man flies his house to South America.", Attributes: map[string]interface{}{"year": int32(2009)}},
		{ID: "m4", Title: "Untitled", Text: "", Attributes: map[string]interface{}{"year": int32(2020)}},
		{ID: "m5", Title: "Alien", Text: "A crew meets a creature.", Embedding: []float32{0, 1, 0}, EmbeddedAt: embedded, Attributes: map[string]interface{}{"year": int32(1979)}},
	}
}

func collectIDs(t *testing.T, ctx context.Context, cur types.Cursor) []string {
	t.Helper()
	defer cur.Close(ctx)
	var ids []string
	for cur.Next(ctx) {
		ids = append(ids, cur.Document().ID)
	}
	require.NoError(t, cur.Err())
	return ids
}

// runStoreContract exercises the behaviour every backend must share. The
// store must be empty and configured with testConfig.
func runStoreContract(t *testing.T, st types.Store) {
	ctx := context.Background()
	require.NoError(t, st.Upsert(ctx, fixtures()...))

	t.Run("pending", func(t *testing.T) {
		n, err := st.Count(ctx, types.PendingFilter())
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)

		cur, err := st.Find(ctx, types.PendingFilter(), types.FindOptions{})
		require.NoError(t, err)
		assert.Equal(t, []string{"m1", "m2", "m3"}, collectIDs(t, ctx, cur))
	})

	t.Run("limit", func(t *testing.T) {
		cur, err := st.Find(ctx, nil, types.FindOptions{Limit: 3})
		require.NoError(t, err)
		assert.Equal(t, []string{"m1", "m2", "m3"}, collectIDs(t, ctx, cur))
	})

	t.Run("filter on attribute", func(t *testing.T) {
		n, err := st.Count(ctx, types.Filter{types.Gte("year", 2009)})
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)
	})

	t.Run("update one", func(t *testing.T) {
		now := time.Now().UTC().Truncate(time.Millisecond)
		err := st.UpdateOne(ctx, "m1", models.Fields{
			models.FieldEmbedding:  []float32{1, 0, 0},
			models.FieldEmbeddedAt: now,
		})
		require.NoError(t, err)

		n, err := st.Count(ctx, types.PendingFilter())
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		cur, err := st.Find(ctx, types.Filter{types.Eq(models.FieldID, "m1")}, types.FindOptions{})
		require.NoError(t, err)
		defer cur.Close(ctx)
		require.True(t, cur.Next(ctx))
		doc := cur.Document()
		assert.Equal(t, "Gravity", doc.Title)
		assert.Equal(t, "Two astronauts are stranded in space.", doc.Text)
		assert.WithinDuration(t, now, doc.EmbeddedAt, time.Millisecond)
		year, ok := types.ToFloat(doc.Attributes["year"])
		assert.True(t, ok)
		assert.Equal(t, 2013.0, year)
	})

	t.Run("update missing", func(t *testing.T) {
		err := st.UpdateOne(ctx, "nope", models.Fields{models.FieldEmbedding: []float32{1, 0, 0}})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("search", func(t *testing.T) {
		results, err := st.Search(ctx, types.VectorQuery{
			Index:         "vector_index",
			Vector:        []float32{1, 0, 0},
			NumCandidates: 10,
			Limit:         5,
			Similarity:    models.SimilarityCosine,
		})
		require.NoError(t, err)
		require.Len(t, results, 2)
		assert.Equal(t, "m1", results[0].ID)
		assert.InDelta(t, 1.0, results[0].Score, 1e-6)
		assert.Equal(t, "m5", results[1].ID)
		assert.InDelta(t, 0.5, results[1].Score, 1e-6)

		results, err = st.Search(ctx, types.VectorQuery{
			Index:         "vector_index",
			Vector:        []float32{1, 0, 0},
			NumCandidates: 10,
			Limit:         5,
			Similarity:    models.SimilarityCosine,
			Filter:        types.Filter{types.Lt("year", 2000)},
		})
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, "Alien", results[0].Title)
	})

	t.Run("upsert keeps embedding", func(t *testing.T) {
		require.NoError(t, st.Upsert(ctx, models.Document{ID: "m5", Title: "Alien (1979)", Text: "A crew meets a creature."}))
		n, err := st.Count(ctx, types.Filter{types.Exists(models.FieldEmbedding), types.Eq(models.FieldTitle, "Alien (1979)")})
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("bulk delete", func(t *testing.T) {
		n, err := st.BulkDelete(ctx, []string{"m2", "m4", "missing"})
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		n, err = st.BulkDelete(ctx, nil)
		require.NoError(t, err)
		assert.Zero(t, n)

		total, err := st.Count(ctx, nil)
		require.NoError(t, err)
		assert.Equal(t, int64(3), total)
	})
}
