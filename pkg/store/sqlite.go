package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/xhad/embedfill/internal/models"
	"github.com/xhad/embedfill/internal/types"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLiteStore keeps documents in a single table. Vectors are stored as BLOBs
// and searched by brute force, which is fine for local collections.
type SQLiteStore struct {
	config Config
	db     *sql.DB
	table  string
	cols   []string // attribute columns
	logger *slog.Logger
}

func NewSQLite(ctx context.Context, config Config) (*SQLiteStore, error) {
	config = config.withDefaults()
	if config.URI == "" {
		config.URI = ":memory:"
	}

	db, err := sql.Open("sqlite", config.URI)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	// One connection keeps :memory: databases shared and avoids SQLITE_BUSY
	// between our own goroutines.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}

	s := &SQLiteStore{
		config: config,
		db:     db,
		table:  sqliteDialect.quote(config.Collection),
		cols:   attributeColumns(config.Fields),
		logger: slog.Default().With("component", "store", "backend", BackendSQLite),
	}
	if err := s.initialize(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) q(ident string) string { return sqliteDialect.quote(ident) }

func (s *SQLiteStore) initialize(ctx context.Context) error {
	f := s.config.Fields
	defs := []string{
		s.q(f.ID) + " TEXT PRIMARY KEY",
		s.q(f.Title) + " TEXT",
		s.q(f.Text) + " TEXT",
		s.q(f.Embedding) + " BLOB",
		s.q(f.EmbeddedAt) + " TEXT",
	}
	for _, c := range s.cols {
		defs = append(defs, s.q(c))
	}
	stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", s.table, strings.Join(defs, ", "))
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}
	return nil
}

func (s *SQLiteStore) selectList() string {
	f := s.config.Fields
	cols := []string{
		s.q(f.ID),
		"COALESCE(" + s.q(f.Title) + ", '')",
		"COALESCE(" + s.q(f.Text) + ", '')",
		s.q(f.Embedding),
		"COALESCE(" + s.q(f.EmbeddedAt) + ", '')",
	}
	for _, c := range s.cols {
		cols = append(cols, s.q(c))
	}
	return strings.Join(cols, ", ")
}

func (s *SQLiteStore) where(filter types.Filter, args []interface{}) (string, []interface{}, error) {
	for i := range filter {
		if t, ok := filter[i].Value.(time.Time); ok {
			filter[i].Value = encodeTime(t)
		}
	}
	return whereClause(filter, s.config.Fields, sqliteDialect, args)
}

func (s *SQLiteStore) scan(rows *sql.Rows) (models.Document, error) {
	var (
		d          models.Document
		blob       []byte
		embeddedAt string
	)
	attrs := make([]interface{}, len(s.cols))
	dest := []interface{}{&d.ID, &d.Title, &d.Text, &blob, &embeddedAt}
	for i := range attrs {
		dest = append(dest, &attrs[i])
	}
	if err := rows.Scan(dest...); err != nil {
		return d, fmt.Errorf("failed to scan row: %w", err)
	}

	var err error
	if d.Embedding, err = decodeVector(blob); err != nil {
		return d, err
	}
	if d.EmbeddedAt, err = decodeTime(embeddedAt); err != nil {
		return d, err
	}
	for i, c := range s.cols {
		if attrs[i] == nil {
			continue
		}
		if d.Attributes == nil {
			d.Attributes = make(map[string]interface{}, len(s.cols))
		}
		d.Attributes[c] = attrs[i]
	}
	return d, nil
}

func (s *SQLiteStore) query(ctx context.Context, query string, args ...interface{}) ([]models.Document, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
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

func (s *SQLiteStore) Find(_ context.Context, filter types.Filter, opts types.FindOptions) (types.Cursor, error) {
	where, args, err := s.where(append(types.Filter{}, filter...), nil)
	if err != nil {
		return nil, err
	}
	id := s.q(s.config.Fields.ID)
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s AND %s > ? ORDER BY %s LIMIT ?",
		s.selectList(), s.table, where, id, id)

	fetch := func(ctx context.Context, after string, limit int) ([]models.Document, error) {
		pageArgs := append(append([]interface{}{}, args...), after, limit)
		return s.query(ctx, query, pageArgs...)
	}
	return newPageCursor(fetch, s.config.PageSize, opts.Limit), nil
}

func (s *SQLiteStore) Count(ctx context.Context, filter types.Filter) (int64, error) {
	where, args, err := s.where(append(types.Filter{}, filter...), nil)
	if err != nil {
		return 0, err
	}
	var n int64
	err = s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", s.table, where), args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count documents: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) UpdateOne(ctx context.Context, id string, fields models.Fields) error {
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
			vec, _ := v.([]float32)
			v = encodeVector(vec)
		case models.FieldEmbeddedAt:
			t, _ := v.(time.Time)
			v = encodeTime(t)
		}
		sets = append(sets, s.q(s.config.Fields.Resolve(field))+" = ?")
		args = append(args, v)
	}
	args = append(args, id)

	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?", s.table, strings.Join(sets, ", "), s.q(s.config.Fields.ID))
	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return s.writeError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (s *SQLiteStore) writeError(err error) error {
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		switch serr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return fmt.Errorf("%w: %v", ErrWriteConflict, err)
		}
	}
	return fmt.Errorf("failed to write document: %w", err)
}

func (s *SQLiteStore) BulkDelete(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	stmt := fmt.Sprintf("DELETE FROM %s WHERE %s IN (%s)", s.table, s.q(s.config.Fields.ID), placeholders)
	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete documents: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Upsert(ctx context.Context, docs ...models.Document) error {
	if len(docs) == 0 {
		return nil
	}
	f := s.config.Fields
	cols := append([]string{f.ID, f.Title, f.Text, f.Embedding, f.EmbeddedAt}, s.cols...)
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = s.q(c)
	}
	updates := []string{
		fmt.Sprintf("%s = excluded.%s", s.q(f.Title), s.q(f.Title)),
		fmt.Sprintf("%s = excluded.%s", s.q(f.Text), s.q(f.Text)),
		fmt.Sprintf("%s = COALESCE(excluded.%s, %s.%s)", s.q(f.Embedding), s.q(f.Embedding), s.table, s.q(f.Embedding)),
		fmt.Sprintf("%s = COALESCE(excluded.%s, %s.%s)", s.q(f.EmbeddedAt), s.q(f.EmbeddedAt), s.table, s.q(f.EmbeddedAt)),
	}
	for _, c := range s.cols {
		updates = append(updates, fmt.Sprintf("%s = excluded.%s", s.q(c), s.q(c)))
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		s.table, strings.Join(quoted, ", "),
		strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", "),
		s.q(f.ID), strings.Join(updates, ", "))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	prepared, err := tx.PrepareContext(ctx, stmt)
	if err != nil {
		return err
	}
	defer prepared.Close()

	for _, d := range docs {
		if d.ID == "" {
			return errors.New("document id must be set")
		}
		args := []interface{}{d.ID, d.Title, d.Text, encodeVector(d.Embedding), encodeTime(d.EmbeddedAt)}
		for _, c := range s.cols {
			args = append(args, d.Attributes[c])
		}
		if _, err := prepared.ExecContext(ctx, args...); err != nil {
			return s.writeError(err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Search(ctx context.Context, q types.VectorQuery) ([]models.ScoredDocument, error) {
	filter := append(types.Filter{types.Exists(models.FieldEmbedding)}, q.Filter...)
	where, args, err := s.where(filter, nil)
	if err != nil {
		return nil, err
	}
	docs, err := s.query(ctx, fmt.Sprintf("SELECT %s FROM %s WHERE %s", s.selectList(), s.table, where), args...)
	if err != nil {
		return nil, err
	}

	results := make([]models.ScoredDocument, 0, len(docs))
	for _, d := range docs {
		if len(d.Embedding) != len(q.Vector) {
			continue
		}
		score, err := Score(q.Similarity, q.Vector, d.Embedding)
		if err != nil {
			return nil, err
		}
		d.Embedding = nil
		results = append(results, models.ScoredDocument{Document: d, Score: score})
	}
	return topK(results, q.Limit), nil
}

// CreateIndex only indexes the filter columns; vectors are always scanned.
func (s *SQLiteStore) CreateIndex(ctx context.Context, def models.IndexDefinition) error {
	if def.Dimensions != s.config.VectorDim {
		return fmt.Errorf("index %s: dimensions %d do not match store dimensions %d", def.Name, def.Dimensions, s.config.VectorDim)
	}
	for _, field := range def.FilterFields {
		col := s.config.Fields.Resolve(field)
		stmt := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
			s.q(def.Name+"_"+col), s.table, s.q(col))
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create index on %s: %w", col, err)
		}
	}
	s.logger.Info("vector index ready", "index", def.Name, "filters", def.FilterFields)
	return nil
}

func (s *SQLiteStore) Close(context.Context) error {
	return s.db.Close()
}
