package dynamo

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/doctable/store"
)

// maxInValues is the service limit on operands of an IN comparison.
const maxInValues = 100

type comparator func(expression.NameBuilder, expression.OperandBuilder) expression.ConditionBuilder

var comparators = map[string]comparator{
	"$eq":  expression.NameBuilder.Equal,
	"$ne":  expression.NameBuilder.NotEqual,
	"$gt":  expression.NameBuilder.GreaterThan,
	"$gte": expression.NameBuilder.GreaterThanEqual,
	"$lt":  expression.NameBuilder.LessThan,
	"$lte": expression.NameBuilder.LessThanEqual,
}

// filterExpression translates a store filter into a filter expression with
// its placeholder maps. It returns an empty expression for an empty filter.
func filterExpression(filter store.Filter) (string, map[string]string, map[string]types.AttributeValue, error) {
	cond, ok, err := conjunction(filter)
	if err != nil || !ok {
		return "", nil, nil, err
	}
	expr, err := expression.NewBuilder().WithFilter(cond).Build()
	if err != nil {
		return "", nil, nil, fmt.Errorf("build filter expression: %w", err)
	}
	return aws.ToString(expr.Filter()), expr.Names(), expr.Values(), nil
}

// notExists builds the condition that the item has no attribute named field.
func notExists(field string) (expression.Expression, error) {
	return expression.NewBuilder().
		WithCondition(expression.Name(field).AttributeNotExists()).
		Build()
}

// conjunction ANDs the conditions of every key of filter, in key order.
// ok is false when filter has no keys.
func conjunction(filter map[string]any) (expression.ConditionBuilder, bool, error) {
	var conds []expression.ConditionBuilder
	for _, k := range slices.Sorted(maps.Keys(filter)) {
		cond, err := clause(k, filter[k])
		if err != nil {
			return expression.ConditionBuilder{}, false, err
		}
		conds = append(conds, cond)
	}
	return and(conds)
}

func and(conds []expression.ConditionBuilder) (expression.ConditionBuilder, bool, error) {
	switch len(conds) {
	case 0:
		return expression.ConditionBuilder{}, false, nil
	case 1:
		return conds[0], true, nil
	}
	return expression.And(conds[0], conds[1], conds[2:]...), true, nil
}

func clause(key string, v any) (expression.ConditionBuilder, error) {
	switch key {
	case "$and", "$or", "$nor":
		return logical(key, v)
	}
	if strings.HasPrefix(key, "$") {
		return expression.ConditionBuilder{}, fmt.Errorf("%w: operator %s", store.ErrUnsupported, key)
	}

	name := expression.Name(key)
	ops, ok := asFilter(v)
	if !ok || !isOperatorMap(ops) {
		return name.Equal(expression.Value(v)), nil
	}

	var conds []expression.ConditionBuilder
	for _, op := range slices.Sorted(maps.Keys(ops)) {
		cond, err := operator(name, op, ops[op])
		if err != nil {
			return expression.ConditionBuilder{}, err
		}
		conds = append(conds, cond)
	}
	cond, _, err := and(conds)
	return cond, err
}

// logical translates $and, $or and $nor over a list of sub-filters.
func logical(key string, v any) (expression.ConditionBuilder, error) {
	subs, ok := v.([]any)
	if !ok {
		docs, ok := v.([]store.Filter)
		if !ok {
			return expression.ConditionBuilder{}, fmt.Errorf("%w: %s needs a list of filters", store.ErrUnsupported, key)
		}
		for _, d := range docs {
			subs = append(subs, map[string]any(d))
		}
	}
	if len(subs) == 0 {
		return expression.ConditionBuilder{}, fmt.Errorf("%w: empty %s", store.ErrUnsupported, key)
	}

	conds := make([]expression.ConditionBuilder, 0, len(subs))
	for _, sub := range subs {
		m, ok := asFilter(sub)
		if !ok {
			return expression.ConditionBuilder{}, fmt.Errorf("%w: %s operand %T", store.ErrUnsupported, key, sub)
		}
		cond, set, err := conjunction(m)
		if err != nil {
			return expression.ConditionBuilder{}, err
		}
		if !set {
			return expression.ConditionBuilder{}, fmt.Errorf("%w: empty filter in %s", store.ErrUnsupported, key)
		}
		conds = append(conds, cond)
	}

	if key == "$and" {
		cond, _, err := and(conds)
		return cond, err
	}
	cond := conds[0]
	if len(conds) > 1 {
		cond = expression.Or(conds[0], conds[1], conds[2:]...)
	}
	if key == "$nor" {
		return expression.Not(cond), nil
	}
	return cond, nil
}

func operator(name expression.NameBuilder, op string, operand any) (expression.ConditionBuilder, error) {
	if cmp, ok := comparators[op]; ok {
		return cmp(name, expression.Value(operand)), nil
	}
	switch op {
	case "$in", "$nin":
		list, ok := operand.([]any)
		if !ok {
			return expression.ConditionBuilder{}, fmt.Errorf("%w: %s needs a list", store.ErrUnsupported, op)
		}
		if len(list) == 0 || len(list) > maxInValues {
			return expression.ConditionBuilder{}, fmt.Errorf("%w: %s with %d values", store.ErrUnsupported, op, len(list))
		}
		rest := make([]expression.OperandBuilder, 0, len(list)-1)
		for _, item := range list[1:] {
			rest = append(rest, expression.Value(item))
		}
		in := name.In(expression.Value(list[0]), rest...)
		if op == "$nin" {
			return expression.Not(in), nil
		}
		return in, nil
	case "$exists":
		exists, ok := operand.(bool)
		if !ok {
			return expression.ConditionBuilder{}, fmt.Errorf("%w: $exists needs a bool", store.ErrUnsupported)
		}
		if exists {
			return name.AttributeExists(), nil
		}
		return name.AttributeNotExists(), nil
	}
	return expression.ConditionBuilder{}, fmt.Errorf("%w: operator %s", store.ErrUnsupported, op)
}

func asFilter(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case store.Filter:
		return m, true
	case store.Document:
		return m, true
	}
	return nil, false
}

func isOperatorMap(m map[string]any) bool {
	if len(m) == 0 {
		return false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return false
		}
	}
	return true
}

// keyLookup reports the identity value when filter selects exactly one
// document by plain equality on _id.
func keyLookup(filter store.Filter) (any, bool) {
	if len(filter) != 1 {
		return nil, false
	}
	v, ok := filter[store.IdentityField]
	if !ok {
		return nil, false
	}
	if m, isMap := asFilter(v); isMap && isOperatorMap(m) {
		return nil, false
	}
	return v, true
}
