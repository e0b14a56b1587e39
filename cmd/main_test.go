package main

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
	"github.com/xhad/embedfill/internal/models"
	cfgPkg "github.com/xhad/embedfill/pkg/config"
	"github.com/xhad/embedfill/pkg/store"
)

func TestSetupLogger(t *testing.T) {
	defer slog.SetDefault(slog.Default())

	tests := []struct {
		level   string
		enabled slog.Level
		wantErr bool
	}{
		{level: "debug", enabled: slog.LevelDebug},
		{level: "INFO", enabled: slog.LevelInfo},
		{level: "", enabled: slog.LevelInfo},
		{level: "warn", enabled: slog.LevelWarn},
		{level: "error", enabled: slog.LevelError},
		{level: "verbose", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			err := setupLogger(tt.level)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "invalid log level")
				return
			}
			require.NoError(t, err)
			assert.True(t, slog.Default().Enabled(context.Background(), tt.enabled))
			assert.False(t, slog.Default().Enabled(context.Background(), tt.enabled-1))
		})
	}
}

func findCommand(t *testing.T, app *cli.App, name string) *cli.Command {
	t.Helper()
	for _, cmd := range app.Commands {
		if cmd.Name == name {
			return cmd
		}
	}
	t.Fatalf("command %s not registered", name)
	return nil
}

func TestCommands(t *testing.T) {
	app := newApp()
	for _, name := range []string{"backfill", "search", "create-index", "delete", "status", "import"} {
		cmd := findCommand(t, app, name)
		assert.NotNil(t, cmd.Action, name)
	}

	t.Run("backfill flags have no defaults", func(t *testing.T) {
		cmd := findCommand(t, app, "backfill")
		for _, flag := range cmd.Flags {
			if f, ok := flag.(*cli.IntFlag); ok && f.Name == "batch-size" {
				assert.Zero(t, f.Value, "the config file decides unless the flag is set")
				return
			}
		}
		t.Fatal("batch-size flag missing")
	})
}

func TestValidateSections(t *testing.T) {
	config := &cfgPkg.Config{}
	config.Store.Backend = "memory"
	config.Store.Collection = "movies"
	config.Store.VectorDim = 3
	config.Store.PageSize = 10
	config.Store.Fields = cfgPkg.Fields{Text: "plot", Embedding: "plot_embedding", EmbeddedAt: "embedded_at"}
	config.Embedding.Provider = "openai"
	config.Embedding.Dimensions = 3
	config.Embedding.MaxAttempts = 1
	config.Log.Level = "info"

	assert.NoError(t, validate(config, "store"))

	err := validate(config, "store", "embedding")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "embedding.api_key")
	assert.NotContains(t, err.Error(), "search.")
}

func TestParseDocument(t *testing.T) {
	doc, err := parseDocument([]byte(`{"_id": "573a1390f29313caabcd4135", "title": "Blacksmith Scene", "text": "Three men hammer on an anvil.", "year": 1893, "genres": ["Short"]}`))
	require.NoError(t, err)
	assert.Equal(t, "573a1390f29313caabcd4135", doc.ID)
	assert.Equal(t, "Blacksmith Scene", doc.Title)
	assert.Equal(t, "Three men hammer on an anvil.", doc.Text)
	assert.Equal(t, 1893.0, doc.Attributes["year"])
	assert.Nil(t, doc.Embedding)
	assert.True(t, doc.EmbeddedAt.IsZero())

	doc, err = parseDocument([]byte(`{"id": 7, "text": "x", "embedding": [0.5, 1]}`))
	require.NoError(t, err)
	assert.Equal(t, "7", doc.ID)
	assert.Equal(t, []float32{0.5, 1}, doc.Embedding)
	assert.False(t, doc.EmbeddedAt.IsZero())

	_, err = parseDocument([]byte(`{"title": "no id"}`))
	assert.ErrorContains(t, err, "no id")

	_, err = parseDocument([]byte(`{"id": "1", "embedding": ["a"]}`))
	assert.ErrorContains(t, err, "embedding[0]")

	_, err = parseDocument([]byte(`not json`))
	assert.ErrorContains(t, err, "invalid JSON")
}

func TestImportDocuments(t *testing.T) {
	st := store.NewMemory(store.Config{})
	input := strings.Join([]string{
		`{"id": "a", "title": "Alien", "text": "In space no one can hear you scream.", "year": 1979}`,
		``,
		`{"id": "b", "title": "Heat", "text": "Cops and robbers."}`,
		`{"id": "c", "title": "Gravity", "text": "Stranded in orbit."}`,
	}, "\n")

	n, err := importDocuments(context.Background(), st, strings.NewReader(input), 2)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	doc, ok := st.Get("a")
	require.True(t, ok)
	assert.Equal(t, "Alien", doc.Title)
	assert.Equal(t, 1979.0, doc.Attributes["year"])

	_, err = importDocuments(context.Background(), st, strings.NewReader("{\"id\": \"d\"}\n{broken"), 10)
	assert.ErrorContains(t, err, "line 2")
}

func TestPrintResults(t *testing.T) {
	var buf bytes.Buffer
	printResults(&buf, []models.ScoredDocument{
		{Document: models.Document{ID: "1", Title: "Alien", Text: "In space.", Attributes: map[string]interface{}{"year": int32(1979)}}, Score: 0.91234},
		{Document: models.Document{ID: "2", Title: "Untitled"}, Score: 0.5},
	})

	out := buf.String()
	assert.Contains(t, out, "1. Alien (1979)")
	assert.Contains(t, out, "Score: 0.9123")
	assert.Contains(t, out, "In space.")
	assert.Contains(t, out, "2. Untitled (N/A)")
}

// fakeEmbeddings answers every OpenAI embeddings request with the same vector.
func fakeEmbeddings(t *testing.T) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object": "list", "data": [{"object": "embedding", "index": 0, "embedding": [0.1, 0.2, 0.3]}], "model": "text-embedding-3-small", "usage": {"prompt_tokens": 3, "total_tokens": 3}}`))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"EMBEDFILL_STORE_BACKEND", "MONGODB_URI", "DATABASE_URL",
		"OPENAI_API_KEY", "OPENAI_BASE_URL", "OLLAMA_BASE_URL",
	} {
		t.Setenv(key, "")
	}
}

func run(t *testing.T, configPath string, args ...string) (string, error) {
	t.Helper()
	color.NoColor = true

	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = &out
	app.Reader = strings.NewReader("y\n")
	err := app.Run(append([]string{"embedfill", "--config", configPath}, args...))
	return out.String(), err
}

func TestEndToEndSQLite(t *testing.T) {
	clearEnv(t)
	defer slog.SetDefault(slog.Default())

	srv, calls := fakeEmbeddings(t)
	dir := t.TempDir()

	configPath := filepath.Join(dir, "embedfill.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(fmt.Sprintf(`
store:
  backend: sqlite
  uri: %q
  vector_dim: 3
  page_size: 2
embedding:
  provider: openai
  api_key: test-key
  base_url: %q
  retry_delay: 1ms
backfill:
  batch_size: 2
  delay: 1ms
log:
  level: error
`, filepath.Join(dir, "movies.db"), srv.URL)), 0644))

	dataPath := filepath.Join(dir, "movies.jsonl")
	require.NoError(t, os.WriteFile(dataPath, []byte(strings.Join([]string{
		`{"id": "m1", "title": "Alien", "text": "A crew in deep space meets a deadly creature.", "year": 1979}`,
		`{"id": "m2", "title": "Apollo 13", "text": "Astronauts fight to get home.", "year": 1995}`,
		`{"id": "m3", "title": "Heat", "text": "A detective hunts a thief.", "year": 1995}`,
		`{"id": "m4", "title": "Lost Reel", "text": ""}`,
	}, "\n")), 0644))

	out, err := run(t, configPath, "import", dataPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Imported 4 documents")

	out, err = run(t, configPath, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Total:    4")
	assert.Contains(t, out, "Pending:  3")
	assert.Contains(t, out, "No text:  1")

	out, err = run(t, configPath, "backfill", "--no-progress")
	require.NoError(t, err)
	assert.Contains(t, out, "Embedded 3 of 3 documents in 2 batches")
	assert.Equal(t, int32(3), atomic.LoadInt32(calls))

	out, err = run(t, configPath, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Embedded: 3")
	assert.Contains(t, out, "Pending:  0")

	out, err = run(t, configPath, "backfill", "--no-progress")
	require.NoError(t, err)
	assert.Contains(t, out, "Embedded 0 of 0 documents")
	assert.Equal(t, int32(3), atomic.LoadInt32(calls), "a second run finds nothing to do")

	out, err = run(t, configPath, "create-index")
	require.NoError(t, err)
	assert.Contains(t, out, "Created index vectorPlotIndex")

	out, err = run(t, configPath, "search", "--before-year", "1990", "space", "horror")
	require.NoError(t, err)
	assert.Contains(t, out, "1. Alien (1979)")
	assert.Contains(t, out, "Score: 1.0000")
	assert.NotContains(t, out, "Apollo 13")

	out, err = run(t, configPath, "delete", "--limit", "3", "--batch-size", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted 3 of 3 documents in 2 batches")

	out, err = run(t, configPath, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Total:    1")
}

func TestSearchRequiresQuery(t *testing.T) {
	clearEnv(t)
	defer slog.SetDefault(slog.Default())

	configPath := filepath.Join(t.TempDir(), "embedfill.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("store:\n  backend: memory\nlog:\n  level: error\n"), 0644))

	_, err := run(t, configPath, "search")
	assert.ErrorContains(t, err, "search query is required")

	_, err = run(t, configPath, "search", "space")
	assert.ErrorContains(t, err, "embedding.api_key")
}
