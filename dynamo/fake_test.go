package dynamo

import (
	"context"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
)

// fakeAPI is an in-memory DynamoDB with string partition keys "_id".
// Scan filters support a single equality comparison.
type fakeAPI struct {
	mu       sync.Mutex
	tables   map[string]*fakeTable
	pageSize int

	scans int
}

type fakeTable struct {
	order []string
	items map[string]map[string]types.AttributeValue
	gsis  []string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{tables: make(map[string]*fakeTable), pageSize: 2}
}

func notFound(table string) error {
	return &types.ResourceNotFoundException{Message: aws.String("Requested resource not found: Table: " + table)}
}

func (f *fakeAPI) DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tables[aws.ToString(in.TableName)]
	if !ok {
		return nil, notFound(aws.ToString(in.TableName))
	}
	desc := &types.TableDescription{TableName: in.TableName, TableStatus: types.TableStatusActive}
	for _, name := range t.gsis {
		desc.GlobalSecondaryIndexes = append(desc.GlobalSecondaryIndexes, types.GlobalSecondaryIndexDescription{IndexName: aws.String(name)})
	}
	return &dynamodb.DescribeTableOutput{Table: desc}, nil
}

func (f *fakeAPI) CreateTable(ctx context.Context, in *dynamodb.CreateTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := aws.ToString(in.TableName)
	if _, ok := f.tables[name]; ok {
		return nil, &types.ResourceInUseException{Message: aws.String("Table already exists: " + name)}
	}
	f.tables[name] = &fakeTable{items: make(map[string]map[string]types.AttributeValue)}
	return &dynamodb.CreateTableOutput{}, nil
}

func (f *fakeAPI) DeleteTable(ctx context.Context, in *dynamodb.DeleteTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := aws.ToString(in.TableName)
	if _, ok := f.tables[name]; !ok {
		return nil, notFound(name)
	}
	delete(f.tables, name)
	return &dynamodb.DeleteTableOutput{}, nil
}

func (f *fakeAPI) UpdateTable(ctx context.Context, in *dynamodb.UpdateTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tables[aws.ToString(in.TableName)]
	if !ok {
		return nil, notFound(aws.ToString(in.TableName))
	}
	for _, u := range in.GlobalSecondaryIndexUpdates {
		if u.Create != nil {
			t.gsis = append(t.gsis, aws.ToString(u.Create.IndexName))
		}
		if u.Delete != nil {
			name := aws.ToString(u.Delete.IndexName)
			i := slices.Index(t.gsis, name)
			if i < 0 {
				return nil, &smithy.GenericAPIError{Code: "ValidationException", Message: "index not found: " + name}
			}
			t.gsis = slices.Delete(t.gsis, i, i+1)
		}
	}
	return &dynamodb.UpdateTableOutput{}, nil
}

func keyOf(item map[string]types.AttributeValue) (string, error) {
	s, ok := item["_id"].(*types.AttributeValueMemberS)
	if !ok {
		return "", &smithy.GenericAPIError{
			Code:    "ValidationException",
			Message: "One or more parameter values were invalid: Type mismatch for key _id expected: S",
		}
	}
	return s.Value, nil
}

func (f *fakeAPI) GetItem(ctx context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tables[aws.ToString(in.TableName)]
	if !ok {
		return nil, notFound(aws.ToString(in.TableName))
	}
	k, err := keyOf(in.Key)
	if err != nil {
		return nil, err
	}
	return &dynamodb.GetItemOutput{Item: t.items[k]}, nil
}

func (f *fakeAPI) PutItem(ctx context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tables[aws.ToString(in.TableName)]
	if !ok {
		return nil, notFound(aws.ToString(in.TableName))
	}
	k, err := keyOf(in.Item)
	if err != nil {
		return nil, err
	}
	old, exists := t.items[k]
	if isNotExistsCondition(in.ConditionExpression, in.ExpressionAttributeNames) && exists {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
	}
	if !exists {
		t.order = append(t.order, k)
	}
	t.items[k] = in.Item

	out := &dynamodb.PutItemOutput{}
	if in.ReturnValues == types.ReturnValueAllOld {
		out.Attributes = old
	}
	return out, nil
}

func (f *fakeAPI) DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tables[aws.ToString(in.TableName)]
	if !ok {
		return nil, notFound(aws.ToString(in.TableName))
	}
	k, err := keyOf(in.Key)
	if err != nil {
		return nil, err
	}
	old, exists := t.items[k]
	if exists {
		delete(t.items, k)
		i := slices.Index(t.order, k)
		t.order = slices.Delete(t.order, i, i+1)
	}
	out := &dynamodb.DeleteItemOutput{}
	if in.ReturnValues == types.ReturnValueAllOld {
		out.Attributes = old
	}
	return out, nil
}

func (f *fakeAPI) Scan(ctx context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scans++
	t, ok := f.tables[aws.ToString(in.TableName)]
	if !ok {
		return nil, notFound(aws.ToString(in.TableName))
	}

	start := 0
	if in.ExclusiveStartKey != nil {
		k, _ := keyOf(in.ExclusiveStartKey)
		start = slices.Index(t.order, k) + 1
	}
	end := min(start+f.pageSize, len(t.order))

	out := &dynamodb.ScanOutput{}
	for _, k := range t.order[start:end] {
		item := t.items[k]
		match, err := evalFilter(in, item)
		if err != nil {
			return nil, err
		}
		if !match {
			continue
		}
		out.Count++
		if in.Select != types.SelectCount {
			out.Items = append(out.Items, item)
		}
	}
	if end < len(t.order) {
		out.LastEvaluatedKey = map[string]types.AttributeValue{"_id": t.items[t.order[end-1]]["_id"]}
	}
	return out, nil
}

func evalFilter(in *dynamodb.ScanInput, item map[string]types.AttributeValue) (bool, error) {
	if in.FilterExpression == nil {
		return true, nil
	}
	parts := strings.Fields(*in.FilterExpression)
	if len(parts) != 3 || parts[1] != "=" {
		return false, fmt.Errorf("fake: unsupported filter %q", *in.FilterExpression)
	}
	field := in.ExpressionAttributeNames[parts[0]]
	return reflect.DeepEqual(item[field], in.ExpressionAttributeValues[parts[2]]), nil
}

// isNotExistsCondition reports whether cond is attribute_not_exists on _id.
func isNotExistsCondition(cond *string, names map[string]string) bool {
	c := strings.ReplaceAll(aws.ToString(cond), " ", "")
	field, ok := strings.CutPrefix(c, "attribute_not_exists(")
	if !ok {
		return false
	}
	return names[strings.TrimSuffix(field, ")")] == "_id"
}
