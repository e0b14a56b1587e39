package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v2"
	"github.com/xhad/embedfill/internal/models"
	"github.com/xhad/embedfill/internal/types"
	"github.com/xhad/embedfill/pkg/backfill"
	"github.com/xhad/embedfill/pkg/cleanup"
	cfgPkg "github.com/xhad/embedfill/pkg/config"
	"github.com/xhad/embedfill/pkg/llm"
	"github.com/xhad/embedfill/pkg/processor"
	"github.com/xhad/embedfill/pkg/search"
	"github.com/xhad/embedfill/pkg/store"
)

func appConfig(c *cli.Context) *cfgPkg.Config {
	return c.App.Metadata[configKey].(*cfgPkg.Config)
}

// validate reports the problems found in the named config sections only, so
// that e.g. status works without an API key.
func validate(config *cfgPkg.Config, sections ...string) error {
	var problems []string
	for _, e := range config.Validate() {
		for _, section := range sections {
			if e.Field == section || strings.HasPrefix(e.Field, section+".") {
				problems = append(problems, e.Error())
				break
			}
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration:\n  %s", strings.Join(problems, "\n  "))
	}
	return nil
}

func storeConfig(config *cfgPkg.Config) store.Config {
	return store.Config{
		Backend:    config.Store.Backend,
		URI:        config.Store.URI,
		Database:   config.Store.Database,
		Collection: config.Store.Collection,
		VectorDim:  config.Store.VectorDim,
		PageSize:   config.Store.PageSize,
		Fields: store.FieldMap{
			ID:         config.Store.Fields.ID,
			Title:      config.Store.Fields.Title,
			Text:       config.Store.Fields.Text,
			Embedding:  config.Store.Fields.Embedding,
			EmbeddedAt: config.Store.Fields.EmbeddedAt,
			Filters:    config.Store.Fields.Filters,
		},
	}
}

func embedderConfig(config *cfgPkg.Config) llm.EmbedderConfig {
	return llm.EmbedderConfig{
		Provider:          config.Embedding.Provider,
		Model:             config.Embedding.Model,
		BaseURL:           config.Embedding.BaseURL,
		APIKey:            config.Embedding.APIKey,
		Dimensions:        config.Embedding.Dimensions,
		RequestsPerSecond: config.Embedding.RequestsPerSecond,
		Timeout:           config.Embedding.Timeout,
		Retry: llm.RetryPolicy{
			MaxAttempts: config.Embedding.MaxAttempts,
			BaseDelay:   config.Embedding.RetryDelay,
			MaxDelay:    config.Embedding.MaxRetryDelay,
		},
	}
}

func indexDefinition(config *cfgPkg.Config) models.IndexDefinition {
	return models.IndexDefinition{
		Name:         config.Search.Index,
		Path:         config.Store.Fields.Embedding,
		Dimensions:   config.Store.VectorDim,
		Similarity:   config.Search.Similarity,
		FilterFields: config.Store.Fields.Filters,
	}
}

func openStore(ctx context.Context, config *cfgPkg.Config) (types.Store, error) {
	st, err := store.NewWithConfig(ctx, storeConfig(config))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", config.Store.Backend, err)
	}
	return st, nil
}

func signalContext(c *cli.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
}

func backfillCommand(c *cli.Context) error {
	config := appConfig(c)
	if c.IsSet("batch-size") {
		config.Backfill.BatchSize = c.Int("batch-size")
	}
	if c.IsSet("delay") {
		config.Backfill.Delay = c.Duration("delay")
	}
	if c.IsSet("requests-per-second") {
		config.Embedding.RequestsPerSecond = c.Float64("requests-per-second")
	}
	if err := validate(config, "store", "embedding", "backfill"); err != nil {
		return err
	}

	ctx, stop := signalContext(c)
	defer stop()

	runID := uuid.NewString()
	logger := slog.Default().With("run_id", runID)

	st, err := openStore(ctx, config)
	if err != nil {
		return err
	}
	defer st.Close(context.Background())

	embedder, err := llm.NewEmbedderWithConfig(embedderConfig(config))
	if err != nil {
		return fmt.Errorf("failed to initialize embedder: %w", err)
	}

	prep := processor.NewWithConfig(processor.ProcessorConfig{MaxChars: config.Embedding.MaxChars})
	writer := backfill.NewResultWriter(st, nil,
		backfill.WithDimensions(config.Embedding.Dimensions),
		backfill.WithWriterLogger(logger.With("component", "writer")),
	)

	var bar *progressbar.ProgressBar
	progress := func(r backfill.BatchReport) {
		if c.Bool("no-progress") {
			return
		}
		if bar == nil {
			bar = getProgressBar(r.Stats.Total, "Embedding documents...")
		}
		_ = bar.Set64(r.Stats.Processed + r.Stats.Errors)
	}

	scheduler, err := backfill.NewScheduler(
		backfill.NewSelector(st, nil),
		embedder,
		writer,
		backfill.Config{BatchSize: config.Backfill.BatchSize, Delay: config.Backfill.Delay},
		backfill.WithLogger(logger.With("component", "scheduler")),
		backfill.WithPreparer(prep.Prepare),
		backfill.WithProgress(progress),
	)
	if err != nil {
		return fmt.Errorf("failed to initialize scheduler: %w", err)
	}
	defer scheduler.Close()

	fmt.Fprintln(c.App.Writer, color.BlueString("Backfilling %s with %s (batch size %d, delay %s, run %s)",
		config.Store.Collection, config.Embedding.Model, config.Backfill.BatchSize, config.Backfill.Delay, runID))

	stats, err := scheduler.Run(ctx)
	if bar != nil {
		_ = bar.Finish()
		fmt.Fprintln(os.Stderr)
	}
	printSummary(c.App.Writer, stats)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled):
		return cli.Exit(color.YellowString("interrupted, run backfill again to continue"), 130)
	default:
		return fmt.Errorf("backfill stopped: %w", err)
	}
}

func printSummary(w io.Writer, s backfill.RunStats) {
	fmt.Fprintln(w, color.GreenString("✓ Embedded %d of %d documents in %d batches (%s)",
		s.Processed, s.Total, s.Batches, s.Elapsed.Round(time.Millisecond)))
	if s.Errors > 0 {
		fmt.Fprintln(w, color.RedString("✗ %d documents failed, run backfill again to retry them", s.Errors))
	}
	if r := s.Remaining(); r > 0 {
		fmt.Fprintln(w, color.YellowString("%d documents were not reached", r))
	}
}

func searchCommand(c *cli.Context) error {
	query := strings.TrimSpace(strings.Join(c.Args().Slice(), " "))
	if query == "" {
		return fmt.Errorf("a search query is required")
	}

	config := appConfig(c)
	if c.IsSet("limit") {
		config.Search.Limit = c.Int("limit")
	}
	if c.IsSet("num-candidates") {
		config.Search.NumCandidates = c.Int("num-candidates")
	}
	if err := validate(config, "store", "embedding", "search"); err != nil {
		return err
	}

	var filter types.Filter
	if c.IsSet("after-year") {
		filter = append(filter, types.Gt("year", c.Int("after-year")))
	}
	if c.IsSet("before-year") {
		filter = append(filter, types.Lt("year", c.Int("before-year")))
	}

	ctx, stop := signalContext(c)
	defer stop()

	st, err := openStore(ctx, config)
	if err != nil {
		return err
	}
	defer st.Close(context.Background())

	embedder, err := llm.NewEmbedderWithConfig(embedderConfig(config))
	if err != nil {
		return fmt.Errorf("failed to initialize embedder: %w", err)
	}

	searcher, err := search.NewSearcher(embedder, st, search.Config{
		Index:         config.Search.Index,
		NumCandidates: config.Search.NumCandidates,
		Limit:         config.Search.Limit,
		Similarity:    config.Search.Similarity,
	})
	if err != nil {
		return err
	}

	spinner := getSpinner("Searching...")
	results, err := searcher.Search(ctx, query, filter)
	_ = spinner.Finish()
	fmt.Fprint(os.Stderr, "\r")
	if err != nil {
		return err
	}

	if len(results) == 0 {
		fmt.Fprintln(c.App.Writer, color.YellowString("No results for %q", query))
		return nil
	}
	fmt.Fprintln(c.App.Writer, color.BlueString("Results for %q:", query))
	printResults(c.App.Writer, results)
	return nil
}

func printResults(w io.Writer, results []models.ScoredDocument) {
	for i, r := range results {
		year := "N/A"
		if y, ok := r.Attributes["year"]; ok && y != nil {
			year = fmt.Sprint(y)
		}
		fmt.Fprintln(w, color.CyanString("%d. %s (%s)", i+1, r.Label(), year))
		fmt.Fprintf(w, "   Score: %.4f\n", r.Score)
		if r.Text != "" {
			fmt.Fprintf(w, "   %s\n", r.Text)
		}
		fmt.Fprintln(w)
	}
}

func createIndexCommand(c *cli.Context) error {
	config := appConfig(c)
	if err := validate(config, "store", "search"); err != nil {
		return err
	}

	ctx, stop := signalContext(c)
	defer stop()

	st, err := openStore(ctx, config)
	if err != nil {
		return err
	}
	defer st.Close(context.Background())

	def := indexDefinition(config)
	if err := search.CreateIndex(ctx, st, def); err != nil {
		return err
	}

	fmt.Fprintln(c.App.Writer, color.GreenString("✓ Created index %s on %s (%d dimensions, %s similarity)",
		def.Name, def.Path, def.Dimensions, def.Similarity))
	if config.Store.Backend == store.BackendMongo {
		fmt.Fprintln(c.App.Writer, "  Atlas builds the index in the background, it becomes queryable once it is READY.")
	}
	return nil
}

func deleteCommand(c *cli.Context) error {
	config := appConfig(c)
	if c.IsSet("limit") {
		config.Cleanup.Limit = c.Int("limit")
	}
	if c.IsSet("batch-size") {
		config.Cleanup.BatchSize = c.Int("batch-size")
	}
	if err := validate(config, "store", "cleanup"); err != nil {
		return err
	}

	if !c.Bool("yes") {
		fmt.Fprintf(c.App.Writer, "Delete up to %d documents from %s? [y/N] ", config.Cleanup.Limit, config.Store.Collection)
		answer, _ := bufio.NewReader(c.App.Reader).ReadString('\n')
		if a := strings.ToLower(strings.TrimSpace(answer)); a != "y" && a != "yes" {
			fmt.Fprintln(c.App.Writer, "Aborted.")
			return nil
		}
	}

	ctx, stop := signalContext(c)
	defer stop()

	st, err := openStore(ctx, config)
	if err != nil {
		return err
	}
	defer st.Close(context.Background())

	cleaner := cleanup.NewCleaner(st,
		cleanup.Config{Limit: config.Cleanup.Limit, BatchSize: config.Cleanup.BatchSize},
		cleanup.WithLogger(slog.Default().With("component", "cleanup")),
		cleanup.WithProgress(func(batch int, deleted int64) {
			fmt.Fprintf(c.App.Writer, "  batch %d: deleted %d\n", batch, deleted)
		}),
	)

	res, err := cleaner.Run(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, color.GreenString("✓ Deleted %d of %d documents in %d batches", res.Deleted, res.Found, res.Batches))
	return nil
}

func statusCommand(c *cli.Context) error {
	config := appConfig(c)
	if err := validate(config, "store"); err != nil {
		return err
	}

	ctx, stop := signalContext(c)
	defer stop()

	st, err := openStore(ctx, config)
	if err != nil {
		return err
	}
	defer st.Close(context.Background())

	total, err := st.Count(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to count documents: %w", err)
	}
	embedded, err := st.Count(ctx, types.EmbeddedFilter())
	if err != nil {
		return fmt.Errorf("failed to count embedded documents: %w", err)
	}
	pending, err := st.Count(ctx, types.PendingFilter())
	if err != nil {
		return fmt.Errorf("failed to count pending documents: %w", err)
	}

	w := c.App.Writer
	fmt.Fprintln(w, color.BlueString("%s (%s)", config.Store.Collection, config.Store.Backend))
	fmt.Fprintf(w, "Total:    %d\n", total)
	fmt.Fprintf(w, "Embedded: %s\n", color.GreenString("%d", embedded))
	fmt.Fprintf(w, "Pending:  %s\n", color.YellowString("%d", pending))
	if skipped := total - embedded - pending; skipped > 0 {
		fmt.Fprintf(w, "No text:  %d\n", skipped)
	}
	return nil
}

func importCommand(c *cli.Context) error {
	path := c.Args().First()
	if path == "" {
		return fmt.Errorf("a JSON lines file is required")
	}
	batchSize := c.Int("batch-size")
	if batchSize < 1 {
		return fmt.Errorf("batch-size must be greater than 0")
	}

	config := appConfig(c)
	if err := validate(config, "store"); err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	ctx, stop := signalContext(c)
	defer stop()

	st, err := openStore(ctx, config)
	if err != nil {
		return err
	}
	defer st.Close(context.Background())

	n, err := importDocuments(ctx, st, f, batchSize)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, color.GreenString("✓ Imported %d documents into %s", n, config.Store.Collection))
	return nil
}

// importDocuments upserts one document per non-empty line of r.
func importDocuments(ctx context.Context, st types.DocumentStore, r io.Reader, batchSize int) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var docs []models.Document
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		doc, err := parseDocument(raw)
		if err != nil {
			return 0, fmt.Errorf("line %d: %w", line, err)
		}
		docs = append(docs, doc)
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("failed to read documents: %w", err)
	}

	imported := 0
	for _, chunk := range lo.Chunk(docs, batchSize) {
		if err := st.Upsert(ctx, chunk...); err != nil {
			return imported, fmt.Errorf("failed to upsert documents: %w", err)
		}
		imported += len(chunk)
	}
	return imported, nil
}

// parseDocument maps a JSON object onto a document. "id" (or "_id"),
// "title", "text" and "embedding" are logical fields, every other key
// becomes an attribute.
func parseDocument(raw []byte) (models.Document, error) {
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return models.Document{}, fmt.Errorf("invalid JSON: %w", err)
	}

	doc := models.Document{Attributes: map[string]interface{}{}}
	for key, value := range fields {
		switch key {
		case "id", "_id":
			if value != nil {
				doc.ID = fmt.Sprint(value)
			}
		case "title":
			doc.Title, _ = value.(string)
		case "text":
			doc.Text, _ = value.(string)
		case "embedding":
			vector, err := toVector(value)
			if err != nil {
				return models.Document{}, err
			}
			doc.Embedding = vector
		default:
			doc.Attributes[key] = value
		}
	}
	if doc.ID == "" {
		return models.Document{}, fmt.Errorf("document has no id")
	}
	if doc.Embedding != nil {
		doc.EmbeddedAt = time.Now().UTC()
	}
	return doc, nil
}

func toVector(value interface{}) ([]float32, error) {
	if value == nil {
		return nil, nil
	}
	items, ok := value.([]interface{})
	if !ok {
		return nil, fmt.Errorf("embedding must be an array of numbers")
	}
	vector := make([]float32, len(items))
	for i, item := range items {
		f, ok := item.(float64)
		if !ok {
			return nil, fmt.Errorf("embedding[%d] is not a number", i)
		}
		vector[i] = float32(f)
	}
	return vector, nil
}
