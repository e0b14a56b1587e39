package types

import (
	"context"

	"github.com/xhad/embedfill/internal/models"
)

// Core interfaces

type Cursor interface {
	// Next advances to the next document. It returns false when the cursor is
	// exhausted or failed; Err distinguishes the two.
	Next(ctx context.Context) bool
	Document() models.Document
	Err() error
	Close(ctx context.Context) error
}

type FindOptions struct {
	// Limit caps the number of documents the cursor yields. Zero means no cap.
	Limit int64
}

type DocumentStore interface {
	Find(ctx context.Context, filter Filter, opts FindOptions) (Cursor, error)
	Count(ctx context.Context, filter Filter) (int64, error)
	// UpdateOne sets fields on the document with the given id and nothing else.
	UpdateOne(ctx context.Context, id string, fields models.Fields) error
	BulkDelete(ctx context.Context, ids []string) (int64, error)
	Upsert(ctx context.Context, docs ...models.Document) error
	Close(ctx context.Context) error
}

type VectorQuery struct {
	Index         string
	Vector        []float32
	NumCandidates int
	Limit         int
	Similarity    string
	Filter        Filter
}

type VectorIndex interface {
	Search(ctx context.Context, query VectorQuery) ([]models.ScoredDocument, error)
	CreateIndex(ctx context.Context, def models.IndexDefinition) error
}

type Store interface {
	DocumentStore
	VectorIndex
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
