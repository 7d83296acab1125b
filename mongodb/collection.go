package mongodb

import (
	"context"
	"errors"
	"maps"
	"slices"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/jacentio/doctable/store"
)

// Collection wraps *mongo.Collection.
type Collection struct {
	coll *mongo.Collection
}

// Mongo returns the underlying driver collection.
func (c *Collection) Mongo() *mongo.Collection { return c.coll }

// Name implements store.Collection.
func (c *Collection) Name() string { return c.coll.Name() }

// CountDocuments implements store.Collection.
func (c *Collection) CountDocuments(ctx context.Context, filter store.Filter) (int64, error) {
	return c.coll.CountDocuments(ctx, filterDoc(filter))
}

// FindOne implements store.Collection.
func (c *Collection) FindOne(ctx context.Context, filter store.Filter) (store.Document, error) {
	var doc bson.M
	if err := c.coll.FindOne(ctx, filterDoc(filter)).Decode(&doc); err != nil {
		return nil, mapError(err)
	}
	return store.Document(doc), nil
}

// Find implements store.Collection.
func (c *Collection) Find(ctx context.Context, filter store.Filter, opts store.FindOptions) (store.Cursor, error) {
	cur, err := c.coll.Find(ctx, filterDoc(filter), findOptions(opts))
	if err != nil {
		return nil, err
	}
	return &cursor{cur: cur}, nil
}

func findOptions(opts store.FindOptions) *options.FindOptions {
	fo := options.Find()
	if len(opts.Sort) > 0 {
		fo.SetSort(sortDoc(opts.Sort))
	}
	if opts.Skip > 0 {
		fo.SetSkip(opts.Skip)
	}
	if opts.Limit > 0 {
		fo.SetLimit(opts.Limit)
	}
	return fo
}

func sortDoc(s store.Sort) bson.D {
	d := make(bson.D, 0, len(s))
	for _, f := range s {
		dir := 1
		if f.Descending {
			dir = -1
		}
		d = append(d, bson.E{Key: f.Field, Value: dir})
	}
	return d
}

// ReplaceOne implements store.Collection.
func (c *Collection) ReplaceOne(ctx context.Context, filter store.Filter, doc store.Document, upsert bool) (store.UpdateResult, error) {
	res, err := c.coll.ReplaceOne(ctx, filterDoc(filter), sortedDoc(doc), options.Replace().SetUpsert(upsert))
	if err != nil {
		return store.UpdateResult{}, mapError(err)
	}
	return store.UpdateResult{
		MatchedCount:  res.MatchedCount,
		ModifiedCount: res.ModifiedCount,
		UpsertedCount: res.UpsertedCount,
		UpsertedID:    res.UpsertedID,
	}, nil
}

// DeleteOne implements store.Collection.
func (c *Collection) DeleteOne(ctx context.Context, filter store.Filter) (int64, error) {
	res, err := c.coll.DeleteOne(ctx, filterDoc(filter))
	if err != nil {
		return 0, mapError(err)
	}
	return res.DeletedCount, nil
}

// BulkWrite implements store.Collection as an ordered bulk write.
func (c *Collection) BulkWrite(ctx context.Context, models []store.WriteModel) (store.BulkResult, error) {
	res, err := c.coll.BulkWrite(ctx, writeModels(models), options.BulkWrite().SetOrdered(true))
	out := bulkResult(res)
	if err != nil {
		err = mapError(err)
		var bwe *store.BulkWriteError
		if errors.As(err, &bwe) {
			bwe.Result = out
		}
		return out, err
	}
	return out, nil
}

// writeModels translates store requests into driver models. An insert-if-absent
// request is an upsert that only sets fields on insert, so a matching document
// is left untouched.
func writeModels(models []store.WriteModel) []mongo.WriteModel {
	out := make([]mongo.WriteModel, 0, len(models))
	for _, m := range models {
		switch m.Kind {
		case store.InsertIfAbsent:
			out = append(out, mongo.NewUpdateOneModel().
				SetFilter(filterDoc(m.Filter)).
				SetUpdate(bson.D{{Key: "$setOnInsert", Value: sortedDoc(insertFields(m.Filter, m.Document))}}).
				SetUpsert(true))
		default:
			out = append(out, mongo.NewReplaceOneModel().
				SetFilter(filterDoc(m.Filter)).
				SetReplacement(sortedDoc(m.Document)).
				SetUpsert(true))
		}
	}
	return out
}

// insertFields returns the fields of doc not already set by the filter's
// equality, which the server copies into an upserted document itself.
func insertFields(filter store.Filter, doc store.Document) store.Document {
	fields := maps.Clone(doc)
	for k := range filter {
		delete(fields, k)
	}
	if len(fields) == 0 {
		// $setOnInsert must not be empty.
		return store.Document(maps.Clone(filter))
	}
	return fields
}

func bulkResult(res *mongo.BulkWriteResult) store.BulkResult {
	if res == nil {
		return store.BulkResult{}
	}
	return store.BulkResult{
		InsertedCount: res.InsertedCount,
		MatchedCount:  res.MatchedCount,
		ModifiedCount: res.ModifiedCount,
		DeletedCount:  res.DeletedCount,
		UpsertedCount: res.UpsertedCount,
		UpsertedIDs:   res.UpsertedIDs,
	}
}

// IndexNames implements store.Collection.
func (c *Collection) IndexNames(ctx context.Context) ([]string, error) {
	specs, err := c.coll.Indexes().ListSpecifications(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(specs))
	for _, s := range specs {
		names = append(names, s.Name)
	}
	return names, nil
}

// CreateIndex implements store.Collection.
func (c *Collection) CreateIndex(ctx context.Context, model store.IndexModel) (string, error) {
	return c.coll.Indexes().CreateOne(ctx, indexModel(model))
}

func indexModel(model store.IndexModel) mongo.IndexModel {
	opts := options.Index().SetUnique(model.Unique)
	if model.Name != "" {
		opts.SetName(model.Name)
	}
	if model.Background {
		opts.SetBackground(true)
	}
	return mongo.IndexModel{
		Keys:    bson.D{{Key: model.Field, Value: 1}},
		Options: opts,
	}
}

// DropIndex implements store.Collection.
func (c *Collection) DropIndex(ctx context.Context, name string) error {
	_, err := c.coll.Indexes().DropOne(ctx, name)
	return err
}

// Drop implements store.Collection.
func (c *Collection) Drop(ctx context.Context) error {
	return c.coll.Drop(ctx)
}

// filterDoc returns an empty filter for nil; the driver rejects a nil filter.
func filterDoc(filter store.Filter) bson.D {
	if filter == nil {
		return bson.D{}
	}
	return sortedDoc(filter)
}

// sortedDoc converts m into a bson.D ordered by key, recursively. The driver
// encodes Go maps in iteration order while the server compares embedded
// documents field by field, so a map-valued _id must always encode the same way.
func sortedDoc(m map[string]any) bson.D {
	d := make(bson.D, 0, len(m))
	for _, k := range slices.Sorted(maps.Keys(m)) {
		d = append(d, bson.E{Key: k, Value: canonical(m[k])})
	}
	return d
}

func canonical(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return sortedDoc(x)
	case store.Document:
		return sortedDoc(x)
	case store.Filter:
		return sortedDoc(x)
	case bson.M:
		return sortedDoc(x)
	case []any:
		out := make(bson.A, len(x))
		for i, item := range x {
			out[i] = canonical(item)
		}
		return out
	case []store.Filter:
		out := make(bson.A, len(x))
		for i, item := range x {
			out[i] = sortedDoc(item)
		}
		return out
	case []store.Document:
		out := make(bson.A, len(x))
		for i, item := range x {
			out[i] = sortedDoc(item)
		}
		return out
	}
	return v
}

type cursor struct {
	cur *mongo.Cursor
}

func (c *cursor) Next(ctx context.Context) bool { return c.cur.Next(ctx) }

func (c *cursor) Document() (store.Document, error) {
	var doc bson.M
	if err := c.cur.Decode(&doc); err != nil {
		return nil, err
	}
	return store.Document(doc), nil
}

func (c *cursor) Err() error { return c.cur.Err() }

func (c *cursor) Close(ctx context.Context) error { return c.cur.Close(ctx) }
