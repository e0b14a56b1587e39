package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xhad/embedfill/internal/models"
	"github.com/xhad/embedfill/internal/types"
)

// MemoryStore keeps documents in a map. It backs tests and dry runs and
// follows the same cursor semantics as the SQL backends.
type MemoryStore struct {
	config Config

	mu      sync.RWMutex
	docs    map[string]models.Document
	ids     []string // sorted
	indexes map[string]models.IndexDefinition

	// FailUpdate, when set, is called before every UpdateOne; a non-nil
	// return aborts the update with that error.
	FailUpdate func(id string) error
}

func NewMemory(config Config, docs ...models.Document) *MemoryStore {
	s := &MemoryStore{
		config:  config.withDefaults(),
		docs:    make(map[string]models.Document),
		indexes: make(map[string]models.IndexDefinition),
	}
	for _, d := range docs {
		s.put(d)
	}
	return s
}

func (s *MemoryStore) put(d models.Document) {
	if _, ok := s.docs[d.ID]; !ok {
		i := sort.SearchStrings(s.ids, d.ID)
		s.ids = append(s.ids, "")
		copy(s.ids[i+1:], s.ids[i:])
		s.ids[i] = d.ID
	}
	s.docs[d.ID] = cloneDocument(d)
}

func cloneDocument(d models.Document) models.Document {
	if d.Embedding != nil {
		d.Embedding = append([]float32{}, d.Embedding...)
	}
	if d.Attributes != nil {
		attrs := make(map[string]interface{}, len(d.Attributes))
		for k, v := range d.Attributes {
			attrs[k] = v
		}
		d.Attributes = attrs
	}
	return d
}

// Get returns a copy of the stored document.
func (s *MemoryStore) Get(id string) (models.Document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.docs[id]
	if !ok {
		return models.Document{}, false
	}
	return cloneDocument(d), true
}

func (s *MemoryStore) Find(_ context.Context, filter types.Filter, opts types.FindOptions) (types.Cursor, error) {
	fetch := func(_ context.Context, after string, limit int) ([]models.Document, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()

		start := 0
		if after != "" {
			start = sort.Search(len(s.ids), func(i int) bool { return s.ids[i] > after })
		}
		var page []models.Document
		for _, id := range s.ids[start:] {
			d := s.docs[id]
			if !filter.Matches(d) {
				continue
			}
			page = append(page, cloneDocument(d))
			if len(page) == limit {
				break
			}
		}
		return page, nil
	}
	return newPageCursor(fetch, s.config.PageSize, opts.Limit), nil
}

func (s *MemoryStore) Count(_ context.Context, filter types.Filter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, d := range s.docs {
		if filter.Matches(d) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) UpdateOne(_ context.Context, id string, fields models.Fields) error {
	if s.FailUpdate != nil {
		if err := s.FailUpdate(id); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.docs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	d = cloneDocument(d)
	for field, v := range fields {
		switch field {
		case models.FieldTitle:
			d.Title, _ = v.(string)
		case models.FieldText:
			d.Text, _ = v.(string)
		case models.FieldEmbedding:
			vec, _ := v.([]float32)
			d.Embedding = append([]float32{}, vec...)
		case models.FieldEmbeddedAt:
			d.EmbeddedAt, _ = v.(time.Time)
		case models.FieldID:
			return fmt.Errorf("cannot update %s", models.FieldID)
		default:
			if d.Attributes == nil {
				d.Attributes = make(map[string]interface{})
			}
			d.Attributes[field] = v
		}
	}
	s.docs[id] = d
	return nil
}

func (s *MemoryStore) BulkDelete(_ context.Context, ids []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	remove := make(map[string]bool, len(ids))
	for _, id := range ids {
		if _, ok := s.docs[id]; ok {
			remove[id] = true
			delete(s.docs, id)
		}
	}
	kept := s.ids[:0]
	for _, id := range s.ids {
		if !remove[id] {
			kept = append(kept, id)
		}
	}
	s.ids = kept
	return int64(len(remove)), nil
}

func (s *MemoryStore) Upsert(_ context.Context, docs ...models.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, d := range docs {
		if existing, ok := s.docs[d.ID]; ok && d.Embedding == nil {
			d.Embedding = existing.Embedding
			d.EmbeddedAt = existing.EmbeddedAt
		}
		s.put(d)
	}
	return nil
}

func (s *MemoryStore) Search(_ context.Context, q types.VectorQuery) ([]models.ScoredDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []models.ScoredDocument
	for _, id := range s.ids {
		d := s.docs[id]
		if len(d.Embedding) != len(q.Vector) || !q.Filter.Matches(d) {
			continue
		}
		score, err := Score(q.Similarity, q.Vector, d.Embedding)
		if err != nil {
			return nil, err
		}
		results = append(results, models.ScoredDocument{Document: cloneDocument(d), Score: score})
	}
	return topK(results, q.Limit), nil
}

func (s *MemoryStore) CreateIndex(_ context.Context, def models.IndexDefinition) error {
	if def.Dimensions <= 0 {
		return fmt.Errorf("index %s: dimensions must be positive", def.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.indexes[def.Name] = def
	return nil
}

// Index returns a previously created index definition.
func (s *MemoryStore) Index(name string) (models.IndexDefinition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.indexes[name]
	return def, ok
}

func (s *MemoryStore) Close(context.Context) error { return nil }
