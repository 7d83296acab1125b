package memstore

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/jacentio/doctable/store"
)

// lookup resolves a dotted field path inside doc.
func lookup(doc map[string]any, path string) (any, bool) {
	var cur any = doc
	for _, part := range strings.Split(path, ".") {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// asMap accepts both plain maps and the store's named map types.
func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case store.Document:
		return m, true
	case store.Filter:
		return m, true
	}
	return nil, false
}

// asList accepts any slice value.
func asList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// matches reports whether doc satisfies filter.
func matches(doc map[string]any, filter map[string]any) (bool, error) {
	for key, cond := range filter {
		switch key {
		case "$and", "$or", "$nor":
			clauses, ok := asList(cond)
			if !ok {
				return false, fmt.Errorf("memstore: %s needs an array", key)
			}
			ok, err := matchLogical(doc, key, clauses)
			if err != nil || !ok {
				return false, err
			}
			continue
		}
		if strings.HasPrefix(key, "$") {
			return false, fmt.Errorf("memstore: unsupported top-level operator %s", key)
		}

		value, present := lookup(doc, key)
		ok, err := matchField(value, present, cond)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func matchLogical(doc map[string]any, op string, clauses []any) (bool, error) {
	for _, c := range clauses {
		m, ok := asMap(c)
		if !ok {
			return false, fmt.Errorf("memstore: %s clause must be a document", op)
		}
		hit, err := matches(doc, m)
		if err != nil {
			return false, err
		}
		switch {
		case op == "$and" && !hit:
			return false, nil
		case op == "$or" && hit:
			return true, nil
		case op == "$nor" && hit:
			return false, nil
		}
	}
	return op != "$or", nil
}

// matchField evaluates one field condition: either an operator document or a literal.
func matchField(value any, present bool, cond any) (bool, error) {
	ops, ok := asMap(cond)
	if !ok || !isOperatorDoc(ops) {
		return present && equal(value, cond) || !present && cond == nil, nil
	}

	for op, arg := range ops {
		var hit bool
		switch op {
		case "$eq":
			hit = present && equal(value, arg) || !present && arg == nil
		case "$ne":
			hit = !(present && equal(value, arg) || !present && arg == nil)
		case "$gt", "$gte", "$lt", "$lte":
			if !present {
				break
			}
			c, comparable := compare(value, arg)
			if !comparable {
				break
			}
			hit = op == "$gt" && c > 0 || op == "$gte" && c >= 0 ||
				op == "$lt" && c < 0 || op == "$lte" && c <= 0
		case "$in", "$nin":
			list, ok := asList(arg)
			if !ok {
				return false, fmt.Errorf("memstore: %s needs an array", op)
			}
			for _, candidate := range list {
				if present && equal(value, candidate) || !present && candidate == nil {
					hit = true
					break
				}
			}
			if op == "$nin" {
				hit = !hit
			}
		case "$exists":
			want, _ := arg.(bool)
			hit = present == want
		default:
			return false, fmt.Errorf("memstore: unsupported operator %s", op)
		}
		if !hit {
			return false, nil
		}
	}
	return true, nil
}

func isOperatorDoc(m map[string]any) bool {
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

// equal compares values with numeric types unified.
func equal(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	if ma, ok := asMap(a); ok {
		mb, ok := asMap(b)
		if !ok || len(ma) != len(mb) {
			return false
		}
		for k, va := range ma {
			vb, ok := mb[k]
			if !ok || !equal(va, vb) {
				return false
			}
		}
		return true
	}
	if _, isStr := a.(string); !isStr {
		if la, ok := asList(a); ok {
			lb, ok := asList(b)
			if !ok || len(la) != len(lb) {
				return false
			}
			for i := range la {
				if !equal(la[i], lb[i]) {
					return false
				}
			}
			return true
		}
	}
	return reflect.DeepEqual(a, b)
}

// typeRank orders values of different kinds the way document stores do.
func typeRank(v any) int {
	if v == nil {
		return 0
	}
	if _, ok := toFloat(v); ok {
		return 1
	}
	switch v.(type) {
	case string:
		return 2
	case bool:
		return 5
	case time.Time:
		return 6
	}
	if _, ok := asMap(v); ok {
		return 3
	}
	if _, ok := asList(v); ok {
		return 4
	}
	return 7
}

// compare orders a and b. The bool result is false when they have different kinds.
func compare(a, b any) (int, bool) {
	if typeRank(a) != typeRank(b) {
		return 0, false
	}
	switch x := a.(type) {
	case string:
		return strings.Compare(x, b.(string)), true
	case bool:
		y := b.(bool)
		switch {
		case x == y:
			return 0, true
		case !x:
			return -1, true
		default:
			return 1, true
		}
	case time.Time:
		return x.Compare(b.(time.Time)), true
	}
	if fa, ok := toFloat(a); ok {
		fb, _ := toFloat(b)
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		default:
			return 0, true
		}
	}
	if a == nil {
		return 0, true
	}
	return 0, false
}

// sortCompare totally orders values for sorting, ranking mismatched kinds.
func sortCompare(a, b any) int {
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		return ra - rb
	}
	c, _ := compare(a, b)
	return c
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// deepCopy copies maps and slices so stored documents never alias caller values.
func deepCopy(v any) any {
	if m, ok := asMap(v); ok {
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[k] = deepCopy(val)
		}
		return out
	}
	if l, ok := v.([]any); ok {
		out := make([]any, len(l))
		for i, val := range l {
			out[i] = deepCopy(val)
		}
		return out
	}
	return v
}

func copyDoc(doc map[string]any) map[string]any {
	if doc == nil {
		return nil
	}
	return deepCopy(doc).(map[string]any)
}
