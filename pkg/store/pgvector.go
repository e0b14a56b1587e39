package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"github.com/xhad/embedfill/internal/models"
	"github.com/xhad/embedfill/internal/types"
)

var postgresDialect = sqlDialect{
	quote:       func(ident string) string { return pgx.Identifier{ident}.Sanitize() },
	placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
}

// PostgresStore keeps documents in a table with a pgvector column. Filter
// attributes are stored as DOUBLE PRECISION columns.
type PostgresStore struct {
	config Config
	pool   *pgxpool.Pool
	table  string
	cols   []string
	logger *slog.Logger
}

func NewPostgres(ctx context.Context, config Config) (*PostgresStore, error) {
	config = config.withDefaults()

	pool, err := pgxpool.New(ctx, config.URI)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}

	s := &PostgresStore{
		config: config,
		pool:   pool,
		table:  postgresDialect.quote(config.Collection),
		cols:   attributeColumns(config.Fields),
		logger: slog.Default().With("component", "store", "backend", BackendPostgres),
	}
	if err := s.initialize(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) q(ident string) string { return postgresDialect.quote(ident) }

func (s *PostgresStore) initialize(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}

	f := s.config.Fields
	defs := []string{
		s.q(f.ID) + " TEXT PRIMARY KEY",
		s.q(f.Title) + " TEXT",
		s.q(f.Text) + " TEXT",
		fmt.Sprintf("%s vector(%d)", s.q(f.Embedding), s.config.VectorDim),
		s.q(f.EmbeddedAt) + " TIMESTAMPTZ",
	}
	for _, c := range s.cols {
		defs = append(defs, s.q(c)+" DOUBLE PRECISION")
	}
	createTable := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", s.table, strings.Join(defs, ", "))
	if _, err := s.pool.Exec(ctx, createTable); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}
	return nil
}

func (s *PostgresStore) selectList() string {
	f := s.config.Fields
	cols := []string{
		s.q(f.ID),
		"COALESCE(" + s.q(f.Title) + ", '')",
		"COALESCE(" + s.q(f.Text) + ", '')",
		s.q(f.Embedding) + "::real[]",
		s.q(f.EmbeddedAt),
	}
	for _, c := range s.cols {
		cols = append(cols, s.q(c))
	}
	return strings.Join(cols, ", ")
}

func (s *PostgresStore) where(filter types.Filter, args []interface{}) (string, []interface{}, error) {
	normalized := make(types.Filter, len(filter))
	for i, p := range filter {
		if f, ok := types.ToFloat(p.Value); ok {
			p.Value = f
		}
		normalized[i] = p
	}
	return whereClause(normalized, s.config.Fields, postgresDialect, args)
}

func (s *PostgresStore) scan(row pgx.Row, extra ...interface{}) (models.Document, error) {
	var (
		d          models.Document
		embeddedAt *time.Time
	)
	attrs := make([]*float64, len(s.cols))
	dest := []interface{}{&d.ID, &d.Title, &d.Text, &d.Embedding, &embeddedAt}
	for i := range attrs {
		dest = append(dest, &attrs[i])
	}
	dest = append(dest, extra...)
	if err := row.Scan(dest...); err != nil {
		return d, fmt.Errorf("failed to scan row: %w", err)
	}
	if embeddedAt != nil {
		d.EmbeddedAt = *embeddedAt
	}
	for i, c := range s.cols {
		if attrs[i] == nil {
			continue
		}
		if d.Attributes == nil {
			d.Attributes = make(map[string]interface{}, len(s.cols))
		}
		d.Attributes[c] = *attrs[i]
	}
	return d, nil
}

func (s *PostgresStore) Find(_ context.Context, filter types.Filter, opts types.FindOptions) (types.Cursor, error) {
	where, args, err := s.where(filter, nil)
	if err != nil {
		return nil, err
	}
	id := s.q(s.config.Fields.ID)
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s AND %s > $%d ORDER BY %s LIMIT $%d",
		s.selectList(), s.table, where, id, len(args)+1, id, len(args)+2)

	fetch := func(ctx context.Context, after string, limit int) ([]models.Document, error) {
		pageArgs := append(append([]interface{}{}, args...), after, limit)
		rows, err := s.pool.Query(ctx, query, pageArgs...)
		if err != nil {
			return nil, fmt.Errorf("failed to query documents: %w", err)
		}
		defer rows.Close()

		var docs []models.Document
		for rows.Next() {
			d, err := s.scan(rows)
			if err != nil {
				return nil, err
			}
			docs = append(docs, d)
		}
		return docs, rows.Err()
	}
	return newPageCursor(fetch, s.config.PageSize, opts.Limit), nil
}

func (s *PostgresStore) Count(ctx context.Context, filter types.Filter) (int64, error) {
	where, args, err := s.where(filter, nil)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := s.pool.QueryRow(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", s.table, where), args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count documents: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) UpdateOne(ctx context.Context, id string, fields models.Fields) error {
	if len(fields) == 0 {
		return nil
	}
	sets := make([]string, 0, len(fields))
	args := make([]interface{}, 0, len(fields)+1)
	for field, v := range fields {
		switch field {
		case models.FieldID:
			return fmt.Errorf("cannot update %s", models.FieldID)
		case models.FieldEmbedding:
			if vec, ok := v.([]float32); ok && vec != nil {
				v = pgvector.NewVector(vec)
			} else {
				v = nil
			}
		case models.FieldTitle, models.FieldText, models.FieldEmbeddedAt:
		default:
			if f, ok := types.ToFloat(v); ok {
				v = f
			}
		}
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", s.q(s.config.Fields.Resolve(field)), len(args)))
	}
	args = append(args, id)

	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE %s = $%d",
		s.table, strings.Join(sets, ", "), s.q(s.config.Fields.ID), len(args))
	tag, err := s.pool.Exec(ctx, stmt, args...)
	if err != nil {
		return writeError(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func writeError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return fmt.Errorf("%w: %v", ErrWriteConflict, err)
		}
	}
	return fmt.Errorf("failed to write document: %w", err)
}

func (s *PostgresStore) BulkDelete(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	stmt := fmt.Sprintf("DELETE FROM %s WHERE %s = ANY($1)", s.table, s.q(s.config.Fields.ID))
	tag, err := s.pool.Exec(ctx, stmt, ids)
	if err != nil {
		return 0, fmt.Errorf("failed to delete documents: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) Upsert(ctx context.Context, docs ...models.Document) error {
	if len(docs) == 0 {
		return nil
	}
	f := s.config.Fields
	cols := append([]string{f.ID, f.Title, f.Text, f.Embedding, f.EmbeddedAt}, s.cols...)
	quoted := make([]string, len(cols))
	placeholders := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = s.q(c)
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	updates := []string{
		fmt.Sprintf("%s = EXCLUDED.%s", s.q(f.Title), s.q(f.Title)),
		fmt.Sprintf("%s = EXCLUDED.%s", s.q(f.Text), s.q(f.Text)),
		fmt.Sprintf("%s = COALESCE(EXCLUDED.%s, t.%s)", s.q(f.Embedding), s.q(f.Embedding), s.q(f.Embedding)),
		fmt.Sprintf("%s = COALESCE(EXCLUDED.%s, t.%s)", s.q(f.EmbeddedAt), s.q(f.EmbeddedAt), s.q(f.EmbeddedAt)),
	}
	for _, c := range s.cols {
		updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", s.q(c), s.q(c)))
	}
	stmt := fmt.Sprintf("INSERT INTO %s AS t (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		s.table, strings.Join(quoted, ", "), strings.Join(placeholders, ", "),
		s.q(f.ID), strings.Join(updates, ", "))

	batch := &pgx.Batch{}
	for _, d := range docs {
		if d.ID == "" {
			return errors.New("document id must be set")
		}
		var embedding interface{}
		if d.Embedding != nil {
			embedding = pgvector.NewVector(d.Embedding)
		}
		var embeddedAt interface{}
		if !d.EmbeddedAt.IsZero() {
			embeddedAt = d.EmbeddedAt
		}
		args := []interface{}{d.ID, sanitizeUTF8(d.Title), sanitizeUTF8(d.Text), embedding, embeddedAt}
		for _, c := range s.cols {
			if v, ok := types.ToFloat(d.Attributes[c]); ok {
				args = append(args, v)
			} else {
				args = append(args, nil)
			}
		}
		batch.Queue(stmt, args...)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return writeError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// distance returns the pgvector operator, operator class and the SQL that
// turns the operator's distance d into a score in [0, 1].
func distance(similarity string) (op, opclass, score string, err error) {
	switch similarity {
	case models.SimilarityCosine, "":
		return "<=>", "vector_cosine_ops", "(2 - d) / 2", nil
	case models.SimilarityEuclidean:
		return "<->", "vector_l2_ops", "1 / (1 + d)", nil
	case models.SimilarityDotProduct:
		// <#> is the negative inner product.
		return "<#>", "vector_ip_ops", "(1 - d) / 2", nil
	}
	return "", "", "", fmt.Errorf("unknown similarity %q", similarity)
}

func (s *PostgresStore) Search(ctx context.Context, q types.VectorQuery) ([]models.ScoredDocument, error) {
	op, _, score, err := distance(q.Similarity)
	if err != nil {
		return nil, err
	}
	args := []interface{}{pgvector.NewVector(q.Vector)}
	filter := append(types.Filter{types.Exists(models.FieldEmbedding)}, q.Filter...)
	where, args, err := s.where(filter, args)
	if err != nil {
		return nil, err
	}
	args = append(args, q.Limit)

	query := fmt.Sprintf(`
		SELECT %s, %s AS score FROM (
			SELECT *, %s %s $1 AS d FROM %s WHERE %s
			ORDER BY d LIMIT $%d
		) ranked
		ORDER BY d`,
		s.selectList(), score, s.q(s.config.Fields.Embedding), op, s.table, where, len(args))

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// ef_search plays the role of numCandidates for HNSW indexes.
	if q.NumCandidates > 0 {
		ef := q.NumCandidates
		if ef > 1000 {
			ef = 1000
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL hnsw.ef_search = %d", ef)); err != nil {
			return nil, fmt.Errorf("failed to set ef_search: %w", err)
		}
	}

	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer rows.Close()

	var results []models.ScoredDocument
	for rows.Next() {
		var sd models.ScoredDocument
		d, err := s.scan(rows, &sd.Score)
		if err != nil {
			return nil, err
		}
		d.Embedding = nil
		sd.Document = d
		results = append(results, sd)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (s *PostgresStore) CreateIndex(ctx context.Context, def models.IndexDefinition) error {
	if def.Dimensions != s.config.VectorDim {
		return fmt.Errorf("index %s: dimensions %d do not match column dimensions %d", def.Name, def.Dimensions, s.config.VectorDim)
	}
	_, opclass, _, err := distance(def.Similarity)
	if err != nil {
		return err
	}

	createIndex := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s USING hnsw (%s %s)",
		s.q(def.Name), s.table, s.q(s.config.Fields.Resolve(def.Path)), opclass)
	if _, err := s.pool.Exec(ctx, createIndex); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	for _, field := range def.FilterFields {
		col := s.config.Fields.Resolve(field)
		stmt := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)", s.q(def.Name+"_"+col), s.table, s.q(col))
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create index on %s: %w", col, err)
		}
	}
	s.logger.Info("vector index ready", "index", def.Name, "similarity", def.Similarity)
	return nil
}

func (s *PostgresStore) Close(context.Context) error {
	s.pool.Close()
	return nil
}

// sanitizeUTF8 drops invalid bytes, which PostgreSQL rejects in TEXT columns.
func sanitizeUTF8(s string) string {
	if !utf8.ValidString(s) {
		v := make([]rune, 0, len(s))
		for i, r := range s {
			if r == utf8.RuneError {
				_, size := utf8.DecodeRuneInString(s[i:])
				if size == 1 {
					continue
				}
			}
			v = append(v, r)
		}
		return string(v)
	}
	return s
}
