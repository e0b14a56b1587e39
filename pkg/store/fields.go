package store

import "github.com/xhad/embedfill/internal/models"

// FieldMap maps logical document fields to the names a backend stores them
// under (document keys for MongoDB, column names for SQL).
type FieldMap struct {
	ID         string   `yaml:"id"`
	Title      string   `yaml:"title"`
	Text       string   `yaml:"text"`
	Embedding  string   `yaml:"embedding"`
	EmbeddedAt string   `yaml:"embedded_at"`
	Filters    []string `yaml:"filters"`
}

// DefaultFieldMap matches the sample_mflix movies collection.
func DefaultFieldMap() FieldMap {
	return FieldMap{
		ID:         "_id",
		Title:      "title",
		Text:       "plot",
		Embedding:  "plot_embedding",
		EmbeddedAt: "embedding_generated_at",
		Filters:    []string{"year"},
	}
}

func (f FieldMap) withDefaults() FieldMap {
	d := DefaultFieldMap()
	if f.ID == "" {
		f.ID = d.ID
	}
	if f.Title == "" {
		f.Title = d.Title
	}
	if f.Text == "" {
		f.Text = d.Text
	}
	if f.Embedding == "" {
		f.Embedding = d.Embedding
	}
	if f.EmbeddedAt == "" {
		f.EmbeddedAt = d.EmbeddedAt
	}
	if f.Filters == nil {
		f.Filters = d.Filters
	}
	return f
}

// Resolve returns the stored name for a logical field. Attribute names map to
// themselves.
func (f FieldMap) Resolve(field string) string {
	switch field {
	case models.FieldID:
		return f.ID
	case models.FieldTitle:
		return f.Title
	case models.FieldText:
		return f.Text
	case models.FieldEmbedding:
		return f.Embedding
	case models.FieldEmbeddedAt:
		return f.EmbeddedAt
	}
	return field
}
