package memstore

import (
	"fmt"
	"strings"
	"time"
)

// validate checks doc against a table validator. A validator holding
// "$jsonSchema" is checked as a schema; any other validator is a filter.
func validate(validator map[string]any, doc map[string]any) error {
	if validator == nil {
		return nil
	}
	if raw, ok := validator["$jsonSchema"]; ok {
		schema, ok := asMap(raw)
		if !ok {
			return fmt.Errorf("$jsonSchema must be a document")
		}
		return validateValue(schema, doc, "$")
	}
	ok, err := matches(doc, validator)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("$: document does not match validator expression")
	}
	return nil
}

func validateValue(schema map[string]any, value any, path string) error {
	if t, ok := schema["bsonType"]; ok {
		if err := checkType(t, value, path, bsonType); err != nil {
			return err
		}
	}
	if t, ok := schema["type"]; ok {
		if err := checkType(t, value, path, jsonType); err != nil {
			return err
		}
	}

	if enumRaw, ok := schema["enum"]; ok {
		if allowed, ok := asList(enumRaw); ok {
			if err := checkEnum(allowed, value, path); err != nil {
				return err
			}
		}
	}

	if obj, ok := asMap(value); ok {
		return validateObject(schema, obj, path)
	}
	switch v := value.(type) {
	case string:
		return validateString(schema, v, path)
	case []any:
		return validateArray(schema, v, path)
	}
	if n, ok := toFloat(value); ok {
		return validateNumber(schema, n, path)
	}
	return nil
}

// checkType accepts a single type name or a list of alternatives.
func checkType(expected any, value any, path string, typeOf func(any) string) error {
	var names []string
	switch t := expected.(type) {
	case string:
		names = []string{t}
	default:
		list, ok := asList(t)
		if !ok {
			return nil
		}
		for _, n := range list {
			if s, ok := n.(string); ok {
				names = append(names, s)
			}
		}
	}

	actual := typeOf(value)
	for _, name := range names {
		if name == actual {
			return nil
		}
		if name == "number" {
			if _, ok := toFloat(value); ok {
				return nil
			}
		}
	}
	return fmt.Errorf("%s: expected type %s, got %q", path, strings.Join(quoteAll(names), " or "), actual)
}

func quoteAll(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = fmt.Sprintf("%q", n)
	}
	return out
}

// bsonType names a value the way $jsonSchema bsonType does.
func bsonType(v any) string {
	if v == nil {
		return "null"
	}
	switch v.(type) {
	case string:
		return "string"
	case bool:
		return "bool"
	case int, int8, int16, int32, uint8, uint16:
		return "int"
	case int64, uint, uint32, uint64:
		return "long"
	case float32, float64:
		return "double"
	case time.Time:
		return "date"
	}
	if _, ok := asMap(v); ok {
		return "object"
	}
	if _, ok := asList(v); ok {
		return "array"
	}
	return fmt.Sprintf("%T", v)
}

// jsonType names a value the way JSON Schema type does.
func jsonType(v any) string {
	switch t := bsonType(v); t {
	case "bool":
		return "boolean"
	case "int", "long":
		return "integer"
	case "double":
		if f, _ := toFloat(v); f == float64(int64(f)) {
			return "integer"
		}
		return "number"
	default:
		return t
	}
}

func checkEnum(allowed []any, value any, path string) error {
	for _, a := range allowed {
		if equal(a, value) {
			return nil
		}
	}
	return fmt.Errorf("%s: value not in enum %v", path, allowed)
}

func validateObject(schema map[string]any, obj map[string]any, path string) error {
	if req, ok := schema["required"]; ok {
		if reqList, ok := asList(req); ok {
			for _, r := range reqList {
				if field, ok := r.(string); ok {
					if _, exists := obj[field]; !exists {
						return fmt.Errorf("%s: missing required field %q", path, field)
					}
				}
			}
		}
	}

	propsMap, _ := asMap(schema["properties"])
	for field, propSchema := range propsMap {
		val, exists := obj[field]
		if !exists {
			continue
		}
		ps, ok := asMap(propSchema)
		if !ok {
			continue
		}
		if err := validateValue(ps, val, path+"."+field); err != nil {
			return err
		}
	}

	if ap, ok := schema["additionalProperties"].(bool); ok && !ap {
		var extra []string
		for field := range obj {
			if _, defined := propsMap[field]; !defined {
				extra = append(extra, field)
			}
		}
		if len(extra) > 0 {
			return fmt.Errorf("%s: additional properties not allowed: %s", path, strings.Join(extra, ", "))
		}
	}
	return nil
}

func validateArray(schema map[string]any, arr []any, path string) error {
	if v, ok := toFloat(schema["minItems"]); ok && float64(len(arr)) < v {
		return fmt.Errorf("%s: array length %d is less than minItems %v", path, len(arr), v)
	}
	if v, ok := toFloat(schema["maxItems"]); ok && float64(len(arr)) > v {
		return fmt.Errorf("%s: array length %d is greater than maxItems %v", path, len(arr), v)
	}
	if itemSchema, ok := asMap(schema["items"]); ok {
		for i, elem := range arr {
			if err := validateValue(itemSchema, elem, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateString(schema map[string]any, s string, path string) error {
	if v, ok := toFloat(schema["minLength"]); ok && float64(len(s)) < v {
		return fmt.Errorf("%s: string length %d is less than minLength %v", path, len(s), v)
	}
	if v, ok := toFloat(schema["maxLength"]); ok && float64(len(s)) > v {
		return fmt.Errorf("%s: string length %d is greater than maxLength %v", path, len(s), v)
	}
	return nil
}

func validateNumber(schema map[string]any, n float64, path string) error {
	if v, ok := toFloat(schema["minimum"]); ok && n < v {
		return fmt.Errorf("%s: %v is less than minimum %v", path, n, v)
	}
	if v, ok := toFloat(schema["maximum"]); ok && n > v {
		return fmt.Errorf("%s: %v is greater than maximum %v", path, n, v)
	}
	return nil
}
