package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xhad/embedfill/internal/models"
	"github.com/xhad/embedfill/internal/types"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	config := testConfig(BackendSQLite)
	config.URI = filepath.Join(t.TempDir(), "embedfill.db")
	st, err := NewSQLite(context.Background(), config)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close(context.Background()) })
	return st
}

func TestSQLiteStore(t *testing.T) {
	runStoreContract(t, newTestSQLite(t))
}

func TestSQLiteCursorSkipsFinishedDocuments(t *testing.T) {
	ctx := context.Background()
	st := newTestSQLite(t)
	require.NoError(t, st.Upsert(ctx, fixtures()...))

	cur, err := st.Find(ctx, types.PendingFilter(), types.FindOptions{})
	require.NoError(t, err)
	defer cur.Close(ctx)

	require.True(t, cur.Next(ctx))
	require.NoError(t, st.UpdateOne(ctx, "m3", models.Fields{models.FieldEmbedding: []float32{1, 1, 1}}))
	require.True(t, cur.Next(ctx))
	assert.Equal(t, "m2", cur.Document().ID)
	assert.False(t, cur.Next(ctx))
}

func TestSQLiteCreateIndex(t *testing.T) {
	ctx := context.Background()
	st := newTestSQLite(t)

	err := st.CreateIndex(ctx, models.IndexDefinition{Name: "idx", Dimensions: 1536})
	assert.Error(t, err)

	err = st.CreateIndex(ctx, models.IndexDefinition{
		Name:         "vectorPlotIndex",
		Path:         "plot_embedding",
		Dimensions:   3,
		Similarity:   models.SimilarityCosine,
		FilterFields: []string{"year"},
	})
	require.NoError(t, err)

	var n int
	require.NoError(t, st.db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = 'vectorPlotIndex_year'`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestSQLiteRejectsIDUpdate(t *testing.T) {
	st := newTestSQLite(t)
	err := st.UpdateOne(context.Background(), "m1", models.Fields{models.FieldID: "m9"})
	assert.Error(t, err)
}
