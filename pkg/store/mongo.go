package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/xhad/embedfill/internal/models"
	"github.com/xhad/embedfill/internal/types"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const writeConflictCode = 112

// MongoStore reads and writes a MongoDB collection and queries it through
// Atlas Vector Search.
type MongoStore struct {
	config Config
	client *mongo.Client
	coll   *mongo.Collection
	logger *slog.Logger
}

func NewMongo(ctx context.Context, config Config) (*MongoStore, error) {
	config = config.withDefaults()
	if config.URI == "" {
		return nil, fmt.Errorf("%w: missing MongoDB URI", ErrConnection)
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(config.URI))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}

	return &MongoStore{
		config: config,
		client: client,
		coll:   client.Database(config.Database).Collection(config.Collection),
		logger: slog.Default().With("component", "store", "backend", BackendMongo,
			"database", config.Database, "collection", config.Collection),
	}, nil
}

// encodeID renders a stored _id as a document id. ObjectIDs become their hex
// form and strings pass through; any other type is written as canonical
// extended JSON so documentKey can restore the exact BSON type.
func encodeID(v interface{}) (string, error) {
	switch id := v.(type) {
	case nil:
		return "", errors.New("document has no id")
	case primitive.ObjectID:
		return id.Hex(), nil
	case string:
		return id, nil
	}
	data, err := bson.MarshalExtJSON(bson.D{{Key: "v", Value: v}}, true, false)
	if err != nil {
		return "", fmt.Errorf("cannot encode id %v: %w", v, err)
	}
	var wrapped map[string]json.RawMessage
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return "", fmt.Errorf("cannot encode id %v: %w", v, err)
	}
	return string(wrapped["v"]), nil
}

// documentKey turns a document id back into the value stored in _id.
// Hex strings of ObjectID length are assumed to be ObjectIDs.
func documentKey(id string) interface{} {
	if strings.HasPrefix(id, "{") {
		var wrapped bson.D
		if err := bson.UnmarshalExtJSON([]byte(`{"v":`+id+`}`), true, &wrapped); err == nil && len(wrapped) == 1 {
			return wrapped[0].Value
		}
	}
	if oid, err := primitive.ObjectIDFromHex(id); err == nil {
		return oid
	}
	return id
}

var mongoOps = map[types.Op]string{
	types.OpEq:  "$eq",
	types.OpNe:  "$ne",
	types.OpGt:  "$gt",
	types.OpGte: "$gte",
	types.OpLt:  "$lt",
	types.OpLte: "$lte",
}

// filterToBSON groups predicates by field so that several conditions on one
// field end up in a single operator document.
func filterToBSON(filter types.Filter, fields FieldMap) (bson.D, error) {
	out := bson.D{}
	index := map[string]int{}
	for _, p := range filter {
		name := fields.Resolve(p.Field)

		var op bson.E
		switch p.Op {
		case types.OpExists:
			op = bson.E{Key: "$exists", Value: true}
		case types.OpNotExists:
			op = bson.E{Key: "$exists", Value: false}
		default:
			key, ok := mongoOps[p.Op]
			if !ok {
				return nil, fmt.Errorf("unsupported operator %s", p.Op)
			}
			value := p.Value
			if s, isString := value.(string); isString && p.Field == models.FieldID {
				value = documentKey(s)
			}
			op = bson.E{Key: key, Value: value}
		}

		if i, ok := index[name]; ok {
			ops := out[i].Value.(bson.D)
			out[i].Value = append(ops, op)
			continue
		}
		index[name] = len(out)
		out = append(out, bson.E{Key: name, Value: bson.D{op}})
	}
	return out, nil
}

// projection leaves out the embedding, which is by far the largest field.
func (s *MongoStore) projection() bson.D {
	f := s.config.Fields
	p := bson.D{{Key: f.Title, Value: 1}, {Key: f.Text, Value: 1}, {Key: f.EmbeddedAt, Value: 1}}
	for _, c := range attributeColumns(f) {
		p = append(p, bson.E{Key: c, Value: 1})
	}
	return p
}

// decodeDocument maps a raw MongoDB document onto a Document.
func decodeDocument(raw bson.M, fields FieldMap) (models.Document, error) {
	var d models.Document
	id, err := encodeID(raw[fields.ID])
	if err != nil {
		return d, err
	}
	d.ID = id
	d.Title, _ = raw[fields.Title].(string)
	d.Text, _ = raw[fields.Text].(string)

	if arr, ok := raw[fields.Embedding].(primitive.A); ok {
		d.Embedding = make([]float32, 0, len(arr))
		for i, v := range arr {
			f, ok := types.ToFloat(v)
			if !ok {
				return d, fmt.Errorf("document %s: embedding element %d is %T", d.ID, i, v)
			}
			d.Embedding = append(d.Embedding, float32(f))
		}
	}
	if dt, ok := raw[fields.EmbeddedAt].(primitive.DateTime); ok {
		d.EmbeddedAt = dt.Time().UTC()
	}
	for _, c := range attributeColumns(fields) {
		if v, ok := raw[c]; ok {
			if d.Attributes == nil {
				d.Attributes = map[string]interface{}{}
			}
			d.Attributes[c] = v
		}
	}
	return d, nil
}

// Find pages through matching documents by ascending _id rather than holding
// one server cursor open, so long runs are not cut off by cursor timeouts.
func (s *MongoStore) Find(_ context.Context, filter types.Filter, opts types.FindOptions) (types.Cursor, error) {
	base, err := filterToBSON(filter, s.config.Fields)
	if err != nil {
		return nil, err
	}
	idField := s.config.Fields.ID

	fetch := func(ctx context.Context, after string, limit int) ([]models.Document, error) {
		query := base
		if after != "" {
			query = bson.D{{Key: "$and", Value: bson.A{base, bson.D{{Key: idField, Value: bson.D{{Key: "$gt", Value: documentKey(after)}}}}}}}
		}
		findOpts := options.Find().
			SetSort(bson.D{{Key: idField, Value: 1}}).
			SetProjection(s.projection()).
			SetLimit(int64(limit))

		cur, err := s.coll.Find(ctx, query, findOpts)
		if err != nil {
			return nil, s.readError(err)
		}
		defer cur.Close(ctx)

		var docs []models.Document
		for cur.Next(ctx) {
			var raw bson.M
			if err := cur.Decode(&raw); err != nil {
				return nil, fmt.Errorf("failed to decode document: %w", err)
			}
			d, err := decodeDocument(raw, s.config.Fields)
			if err != nil {
				return nil, err
			}
			docs = append(docs, d)
		}
		if err := cur.Err(); err != nil {
			return nil, s.readError(err)
		}
		return docs, nil
	}
	return newPageCursor(fetch, s.config.PageSize, opts.Limit), nil
}

func (s *MongoStore) readError(err error) error {
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
	return fmt.Errorf("failed to query documents: %w", err)
}

func (s *MongoStore) Count(ctx context.Context, filter types.Filter) (int64, error) {
	query, err := filterToBSON(filter, s.config.Fields)
	if err != nil {
		return 0, err
	}
	n, err := s.coll.CountDocuments(ctx, query)
	if err != nil {
		return 0, s.readError(err)
	}
	return n, nil
}

func (s *MongoStore) setDocument(fields models.Fields) (bson.D, error) {
	set := bson.D{}
	for field, v := range fields {
		if field == models.FieldID {
			return nil, fmt.Errorf("cannot update %s", models.FieldID)
		}
		set = append(set, bson.E{Key: s.config.Fields.Resolve(field), Value: v})
	}
	return set, nil
}

func (s *MongoStore) UpdateOne(ctx context.Context, id string, fields models.Fields) error {
	set, err := s.setDocument(fields)
	if err != nil {
		return err
	}
	res, err := s.coll.UpdateOne(ctx,
		bson.D{{Key: s.config.Fields.ID, Value: documentKey(id)}},
		bson.D{{Key: "$set", Value: set}})
	if err != nil {
		var se mongo.ServerError
		if errors.As(err, &se) && se.HasErrorCode(writeConflictCode) {
			return fmt.Errorf("%w: %v", ErrWriteConflict, err)
		}
		if mongo.IsNetworkError(err) {
			return fmt.Errorf("%w: %v", ErrConnection, err)
		}
		return fmt.Errorf("failed to update document: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (s *MongoStore) BulkDelete(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	writes := make([]mongo.WriteModel, 0, len(ids))
	for _, id := range ids {
		writes = append(writes, mongo.NewDeleteOneModel().
			SetFilter(bson.D{{Key: s.config.Fields.ID, Value: documentKey(id)}}))
	}
	res, err := s.coll.BulkWrite(ctx, writes, options.BulkWrite().SetOrdered(false))
	if err != nil {
		return 0, fmt.Errorf("failed to delete documents: %w", err)
	}
	return res.DeletedCount, nil
}

func (s *MongoStore) Upsert(ctx context.Context, docs ...models.Document) error {
	if len(docs) == 0 {
		return nil
	}
	writes := make([]mongo.WriteModel, 0, len(docs))
	for _, d := range docs {
		if d.ID == "" {
			return errors.New("document id must be set")
		}
		fields := models.Fields{models.FieldTitle: d.Title, models.FieldText: d.Text}
		if d.Embedding != nil {
			fields[models.FieldEmbedding] = d.Embedding
		}
		if !d.EmbeddedAt.IsZero() {
			fields[models.FieldEmbeddedAt] = d.EmbeddedAt
		}
		for k, v := range d.Attributes {
			fields[k] = v
		}
		set, err := s.setDocument(fields)
		if err != nil {
			return err
		}
		writes = append(writes, mongo.NewUpdateOneModel().
			SetFilter(bson.D{{Key: s.config.Fields.ID, Value: documentKey(d.ID)}}).
			SetUpdate(bson.D{{Key: "$set", Value: set}}).
			SetUpsert(true))
	}
	if _, err := s.coll.BulkWrite(ctx, writes, options.BulkWrite().SetOrdered(false)); err != nil {
		return fmt.Errorf("failed to upsert documents: %w", err)
	}
	return nil
}

// searchPipeline builds the $vectorSearch aggregation for q.
func (s *MongoStore) searchPipeline(q types.VectorQuery) (mongo.Pipeline, error) {
	stage := bson.D{
		{Key: "index", Value: q.Index},
		{Key: "path", Value: s.config.Fields.Embedding},
		{Key: "queryVector", Value: q.Vector},
		{Key: "numCandidates", Value: q.NumCandidates},
		{Key: "limit", Value: q.Limit},
	}
	if len(q.Filter) > 0 {
		filter, err := filterToBSON(q.Filter, s.config.Fields)
		if err != nil {
			return nil, err
		}
		stage = append(stage, bson.E{Key: "filter", Value: filter})
	}
	project := append(s.projection(), bson.E{Key: "score", Value: bson.D{{Key: "$meta", Value: "vectorSearchScore"}}})
	return mongo.Pipeline{
		{{Key: "$vectorSearch", Value: stage}},
		{{Key: "$project", Value: project}},
	}, nil
}

func (s *MongoStore) Search(ctx context.Context, q types.VectorQuery) ([]models.ScoredDocument, error) {
	pipeline, err := s.searchPipeline(q)
	if err != nil {
		return nil, err
	}
	cur, err := s.coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}
	defer cur.Close(ctx)

	var results []models.ScoredDocument
	for cur.Next(ctx) {
		var raw bson.M
		if err := cur.Decode(&raw); err != nil {
			return nil, fmt.Errorf("failed to decode result: %w", err)
		}
		d, err := decodeDocument(raw, s.config.Fields)
		if err != nil {
			return nil, err
		}
		score, _ := types.ToFloat(raw["score"])
		results = append(results, models.ScoredDocument{Document: d, Score: score})
	}
	return results, cur.Err()
}

// indexDefinition renders def as an Atlas vectorSearch index definition.
func (s *MongoStore) indexDefinition(def models.IndexDefinition) bson.D {
	fields := bson.A{bson.D{
		{Key: "type", Value: "vector"},
		{Key: "path", Value: s.config.Fields.Resolve(def.Path)},
		{Key: "numDimensions", Value: def.Dimensions},
		{Key: "similarity", Value: def.Similarity},
	}}
	for _, f := range def.FilterFields {
		fields = append(fields, bson.D{
			{Key: "type", Value: "filter"},
			{Key: "path", Value: s.config.Fields.Resolve(f)},
		})
	}
	return bson.D{{Key: "fields", Value: fields}}
}

func (s *MongoStore) CreateIndex(ctx context.Context, def models.IndexDefinition) error {
	model := mongo.SearchIndexModel{
		Definition: s.indexDefinition(def),
		Options:    options.SearchIndexes().SetName(def.Name).SetType("vectorSearch"),
	}
	name, err := s.coll.SearchIndexes().CreateOne(ctx, model)
	if err != nil {
		return fmt.Errorf("failed to create search index %s: %w", def.Name, err)
	}
	s.logger.Info("search index requested", "index", name,
		"dimensions", def.Dimensions, "similarity", def.Similarity)
	return nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
