package dynamo

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"reflect"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/jacentio/doctable/internal/naming"
	"github.com/jacentio/doctable/store"
)

// primaryIndex is the name reported for the table's partition key.
const primaryIndex = "_id_"

// Collection is a handle to one DynamoDB table.
type Collection struct {
	db    *Database
	name  string
	table string
}

// Name implements store.Collection. It is the unqualified table name.
func (c *Collection) Name() string { return c.name }

func (c *Collection) api() API { return c.db.client.api }

// scanInput builds a Scan of the table restricted by filter.
func (c *Collection) scanInput(filter store.Filter) (*dynamodb.ScanInput, error) {
	expr, names, values, err := filterExpression(filter)
	if err != nil {
		return nil, err
	}
	in := &dynamodb.ScanInput{TableName: aws.String(c.table)}
	if expr != "" {
		in.FilterExpression = aws.String(expr)
		in.ExpressionAttributeNames = names
		in.ExpressionAttributeValues = values
	}
	return in, nil
}

// CountDocuments implements store.Collection. A missing table counts zero.
func (c *Collection) CountDocuments(ctx context.Context, filter store.Filter) (int64, error) {
	in, err := c.scanInput(filter)
	if err != nil {
		return 0, err
	}
	in.Select = types.SelectCount

	var total int64
	paginator := dynamodb.NewScanPaginator(c.api(), in)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if isNotFound(err) {
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
		total += int64(page.Count)
	}
	return total, nil
}

// FindOne implements store.Collection. Filters on _id alone are served by GetItem.
func (c *Collection) FindOne(ctx context.Context, filter store.Filter) (store.Document, error) {
	item, err := c.first(ctx, filter)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, store.ErrNotFound
	}
	return decode(item)
}

// first returns the raw item of the first document matching filter, nil when none.
func (c *Collection) first(ctx context.Context, filter store.Filter) (map[string]types.AttributeValue, error) {
	if id, ok := keyLookup(filter); ok {
		key, err := c.key(id)
		if err != nil {
			return nil, err
		}
		out, err := c.api().GetItem(ctx, &dynamodb.GetItemInput{
			TableName:      aws.String(c.table),
			Key:            key,
			ConsistentRead: aws.Bool(true),
		})
		if isNotFound(err) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return out.Item, nil
	}

	in, err := c.scanInput(filter)
	if err != nil {
		return nil, err
	}
	paginator := dynamodb.NewScanPaginator(c.api(), in)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if isNotFound(err) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if len(page.Items) > 0 {
			return page.Items[0], nil
		}
	}
	return nil, nil
}

// Find implements store.Collection. Skip and Limit are applied while
// scanning; a sort returns store.ErrUnsupported.
func (c *Collection) Find(ctx context.Context, filter store.Filter, opts store.FindOptions) (store.Cursor, error) {
	if len(opts.Sort) > 0 {
		return nil, fmt.Errorf("%w: sorted scans", store.ErrUnsupported)
	}
	in, err := c.scanInput(filter)
	if err != nil {
		return nil, err
	}
	return &cursor{
		paginator: dynamodb.NewScanPaginator(c.api(), in),
		skip:      opts.Skip,
		limit:     opts.Limit,
	}, nil
}

// ReplaceOne implements store.Collection.
func (c *Collection) ReplaceOne(ctx context.Context, filter store.Filter, doc store.Document, upsert bool) (store.UpdateResult, error) {
	return c.write(ctx, store.WriteModel{Kind: store.ReplaceOrInsert, Filter: filter, Document: doc}, upsert)
}

// DeleteOne implements store.Collection.
func (c *Collection) DeleteOne(ctx context.Context, filter store.Filter) (int64, error) {
	item, err := c.first(ctx, filter)
	if err != nil || item == nil {
		return 0, err
	}

	out, err := c.api().DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:    aws.String(c.table),
		Key:          map[string]types.AttributeValue{store.IdentityField: item[store.IdentityField]},
		ReturnValues: types.ReturnValueAllOld,
	})
	if isNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(out.Attributes) == 0 {
		return 0, nil
	}
	return 1, nil
}

// BulkWrite implements store.Collection with one PutItem per model, in order.
// The first rejected model stops the batch with a *store.BulkWriteError.
func (c *Collection) BulkWrite(ctx context.Context, models []store.WriteModel) (store.BulkResult, error) {
	res := store.BulkResult{UpsertedIDs: make(map[int64]any)}
	for i, m := range models {
		ur, err := c.write(ctx, m, true)
		if err != nil {
			var we *store.WriteError
			if errors.As(err, &we) {
				failed := *we
				failed.Index = i
				return res, &store.BulkWriteError{WriteErrors: []store.WriteError{failed}, Result: res}
			}
			return res, err
		}
		res.MatchedCount += ur.MatchedCount
		res.ModifiedCount += ur.ModifiedCount
		res.UpsertedCount += ur.UpsertedCount
		if ur.UpsertedCount > 0 {
			res.UpsertedIDs[int64(i)] = ur.UpsertedID
		}
	}
	return res, nil
}

// write applies one model. The document keeps the _id of the document it
// replaces; a new document without _id gets a generated one.
func (c *Collection) write(ctx context.Context, m store.WriteModel, upsert bool) (store.UpdateResult, error) {
	existing, err := c.first(ctx, m.Filter)
	if err != nil {
		if we := writeRejection(err); we != nil {
			return store.UpdateResult{}, we
		}
		return store.UpdateResult{}, err
	}
	if existing != nil && m.Kind == store.InsertIfAbsent {
		return store.UpdateResult{MatchedCount: 1}, nil
	}
	if existing == nil && !upsert {
		return store.UpdateResult{}, nil
	}

	doc := maps.Clone(m.Document)
	if doc == nil {
		doc = store.Document{}
	}
	if existing != nil {
		current, err := decodeValue(existing[store.IdentityField])
		if err != nil {
			return store.UpdateResult{}, err
		}
		if id, ok := doc[store.IdentityField]; ok && !sameID(id, current) {
			return store.UpdateResult{}, &store.WriteError{Message: ErrImmutableID.Error()}
		}
		doc[store.IdentityField] = current
	} else if _, ok := doc[store.IdentityField]; !ok {
		if id, ok := keyLookup(m.Filter); ok {
			doc[store.IdentityField] = id
		} else {
			doc[store.IdentityField] = uuid.NewString()
		}
	}

	item, err := attributevalue.MarshalMap(doc)
	if err != nil {
		return store.UpdateResult{}, &store.WriteError{Message: err.Error()}
	}

	in := &dynamodb.PutItemInput{
		TableName:    aws.String(c.table),
		Item:         item,
		ReturnValues: types.ReturnValueAllOld,
	}
	if existing == nil {
		// Another writer may have inserted the document since the lookup.
		cond, err := notExists(store.IdentityField)
		if err != nil {
			return store.UpdateResult{}, err
		}
		in.ConditionExpression = cond.Condition()
		in.ExpressionAttributeNames = cond.Names()
	}

	out, err := c.put(ctx, in)
	switch {
	case isConditionFailed(err):
		return store.UpdateResult{MatchedCount: 1}, nil
	case err != nil:
		if we := writeRejection(err); we != nil {
			return store.UpdateResult{}, we
		}
		return store.UpdateResult{}, err
	}

	if len(out.Attributes) == 0 {
		return store.UpdateResult{UpsertedCount: 1, UpsertedID: doc[store.IdentityField]}, nil
	}
	res := store.UpdateResult{MatchedCount: 1}
	if !reflect.DeepEqual(out.Attributes, item) {
		res.ModifiedCount = 1
	}
	return res, nil
}

// put runs PutItem, creating the table first when it is missing and the
// connection allows it.
func (c *Collection) put(ctx context.Context, in *dynamodb.PutItemInput) (*dynamodb.PutItemOutput, error) {
	out, err := c.api().PutItem(ctx, in)
	if !isNotFound(err) || !c.db.client.settings.autoCreate {
		return out, err
	}
	if cerr := c.db.CreateCollection(ctx, c.name); cerr != nil && !errors.Is(cerr, ErrTableExists) {
		return nil, cerr
	}
	return c.api().PutItem(ctx, in)
}

// IndexNames implements store.Collection. The partition key is reported as "_id_".
func (c *Collection) IndexNames(ctx context.Context) ([]string, error) {
	out, err := c.api().DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(c.table),
	})
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	names := []string{primaryIndex}
	for _, gsi := range out.Table.GlobalSecondaryIndexes {
		names = append(names, aws.ToString(gsi.IndexName))
	}
	return names, nil
}

// CreateIndex implements store.Collection by adding a global secondary index
// partitioned on the field. Index creation continues in the background.
func (c *Collection) CreateIndex(ctx context.Context, model store.IndexModel) (string, error) {
	if model.Unique {
		return "", fmt.Errorf("%w: unique index on %q", store.ErrUnsupported, model.Field)
	}
	name := model.Name
	if name == "" {
		name = naming.IndexName(model.Field)
	}

	_, err := c.api().UpdateTable(ctx, &dynamodb.UpdateTableInput{
		TableName: aws.String(c.table),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(model.Field), AttributeType: c.db.client.settings.indexType},
		},
		GlobalSecondaryIndexUpdates: []types.GlobalSecondaryIndexUpdate{
			{
				Create: &types.CreateGlobalSecondaryIndexAction{
					IndexName: aws.String(name),
					KeySchema: []types.KeySchemaElement{
						{AttributeName: aws.String(model.Field), KeyType: types.KeyTypeHash},
					},
					Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
				},
			},
		},
	})
	if err != nil {
		return "", err
	}
	return name, nil
}

// DropIndex implements store.Collection.
func (c *Collection) DropIndex(ctx context.Context, name string) error {
	if name == primaryIndex {
		return fmt.Errorf("%w: dropping the partition key", store.ErrUnsupported)
	}
	_, err := c.api().UpdateTable(ctx, &dynamodb.UpdateTableInput{
		TableName: aws.String(c.table),
		GlobalSecondaryIndexUpdates: []types.GlobalSecondaryIndexUpdate{
			{Delete: &types.DeleteGlobalSecondaryIndexAction{IndexName: aws.String(name)}},
		},
	})
	return err
}

// Drop implements store.Collection. It waits until the table is gone.
// Dropping a missing table is a no-op.
func (c *Collection) Drop(ctx context.Context) error {
	_, err := c.api().DeleteTable(ctx, &dynamodb.DeleteTableInput{
		TableName: aws.String(c.table),
	})
	if isNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}

	waiter := dynamodb.NewTableNotExistsWaiter(c.api())
	return waiter.Wait(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(c.table),
	}, c.db.client.settings.waitTimeout)
}

// key builds the primary key of a document identity.
func (c *Collection) key(id any) (map[string]types.AttributeValue, error) {
	av, err := attributevalue.Marshal(id)
	if err != nil {
		return nil, fmt.Errorf("marshal key: %w", err)
	}
	return map[string]types.AttributeValue{store.IdentityField: av}, nil
}

func decode(item map[string]types.AttributeValue) (store.Document, error) {
	var doc map[string]any
	if err := attributevalue.UnmarshalMap(item, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal item: %w", err)
	}
	return store.Document(doc), nil
}

func decodeValue(av types.AttributeValue) (any, error) {
	var v any
	if err := attributevalue.Unmarshal(av, &v); err != nil {
		return nil, fmt.Errorf("unmarshal key: %w", err)
	}
	return v, nil
}

// sameID compares identities by their attribute encoding, so 1 and 1.0 match.
func sameID(a, b any) bool {
	av, err := attributevalue.Marshal(a)
	if err != nil {
		return false
	}
	bv, err := attributevalue.Marshal(b)
	if err != nil {
		return false
	}
	return reflect.DeepEqual(av, bv)
}

// cursor streams scan pages, applying skip and limit on the client.
type cursor struct {
	paginator *dynamodb.ScanPaginator
	page      []map[string]types.AttributeValue
	current   map[string]types.AttributeValue

	skip, limit, seen int64
	err               error
}

func (c *cursor) Next(ctx context.Context) bool {
	if c.err != nil || (c.limit > 0 && c.seen >= c.limit) {
		return false
	}
	for {
		if len(c.page) == 0 {
			if !c.paginator.HasMorePages() {
				return false
			}
			out, err := c.paginator.NextPage(ctx)
			if isNotFound(err) {
				return false
			}
			if err != nil {
				c.err = err
				return false
			}
			c.page = out.Items
			continue
		}
		c.current, c.page = c.page[0], c.page[1:]
		if c.skip > 0 {
			c.skip--
			continue
		}
		c.seen++
		return true
	}
}

func (c *cursor) Document() (store.Document, error) {
	return decode(c.current)
}

func (c *cursor) Err() error { return c.err }

func (c *cursor) Close(ctx context.Context) error {
	c.page = nil
	c.current = nil
	return nil
}
