package models

import "time"

// Logical field names understood by every store backend. Anything else names
// an entry in Document.Attributes.
const (
	FieldID         = "id"
	FieldTitle      = "title"
	FieldText       = "text"
	FieldEmbedding  = "embedding"
	FieldEmbeddedAt = "embedded_at"
)

type Document struct {
	ID         string
	Title      string
	Text       string
	Embedding  []float32
	EmbeddedAt time.Time
	Attributes map[string]interface{}
}

// Field returns the value stored under a logical field name and whether the
// field is present on the document.
func (d Document) Field(name string) (interface{}, bool) {
	switch name {
	case FieldID:
		return d.ID, true
	case FieldTitle:
		return d.Title, true
	case FieldText:
		return d.Text, true
	case FieldEmbedding:
		return d.Embedding, d.Embedding != nil
	case FieldEmbeddedAt:
		return d.EmbeddedAt, !d.EmbeddedAt.IsZero()
	}
	v, ok := d.Attributes[name]
	return v, ok
}

// Label is what log lines and progress output use to name a document.
func (d Document) Label() string {
	if d.Title != "" {
		return d.Title
	}
	return d.ID
}

// Fields is a partial update keyed by logical field name.
type Fields map[string]interface{}

// EmbeddingResult is the outcome of embedding one document. It carries either
// a vector or the error that prevented one.
type EmbeddingResult struct {
	DocumentID string
	Title      string
	Vector     []float32
	Err        error
}

func (r EmbeddingResult) OK() bool {
	return r.Err == nil
}

type ScoredDocument struct {
	Document
	Score float64
}
