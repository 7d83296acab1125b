package memstore

import (
	"strings"
	"testing"
	"time"
)

func jsonSchema(schema map[string]any) map[string]any {
	return map[string]any{"$jsonSchema": schema}
}

func TestValidate_NilValidator(t *testing.T) {
	if err := validate(nil, map[string]any{"any": "thing"}); err != nil {
		t.Errorf("expected nil error, got %v", err)
	}
}

func TestValidate_RequiredAndBsonType(t *testing.T) {
	v := jsonSchema(map[string]any{
		"bsonType": "object",
		"required": []string{"_id", "name"},
		"properties": map[string]any{
			"name": map[string]any{"bsonType": "string"},
		},
	})

	tests := []struct {
		name    string
		doc     map[string]any
		wantErr string
	}{
		{"valid", map[string]any{"_id": 1, "name": "Alice"}, ""},
		{"wrong type", map[string]any{"_id": 1, "name": 123}, `expected type "string"`},
		{"missing required", map[string]any{"_id": 1}, `missing required field "name"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validate(v, tt.doc)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("expected no error, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestBsonType(t *testing.T) {
	tests := []struct {
		value    any
		expected string
	}{
		{nil, "null"},
		{"s", "string"},
		{true, "bool"},
		{1, "int"},
		{int32(1), "int"},
		{int64(1), "long"},
		{1.5, "double"},
		{time.Now(), "date"},
		{map[string]any{}, "object"},
		{[]any{}, "array"},
		{[]string{"a"}, "array"},
	}

	for _, tt := range tests {
		if got := bsonType(tt.value); got != tt.expected {
			t.Errorf("bsonType(%#v) = %q, want %q", tt.value, got, tt.expected)
		}
	}
}

func TestValidate_TypeAlternativesAndNumber(t *testing.T) {
	v := jsonSchema(map[string]any{
		"properties": map[string]any{
			"id":    map[string]any{"bsonType": []any{"int", "string"}},
			"price": map[string]any{"bsonType": "number", "minimum": 0},
			"kind":  map[string]any{"enum": []any{"a", "b"}},
			"code":  map[string]any{"type": "string", "minLength": 2, "maxLength": 3},
		},
	})

	valid := map[string]any{"id": "x", "price": 2.5, "kind": "a", "code": "ab"}
	if err := validate(v, valid); err != nil {
		t.Errorf("expected valid document, got %v", err)
	}

	invalid := []map[string]any{
		{"id": 1.5},
		{"price": -1},
		{"price": "free"},
		{"kind": "c"},
		{"code": "a"},
		{"code": "abcd"},
	}
	for _, doc := range invalid {
		if err := validate(v, doc); err == nil {
			t.Errorf("expected %v to fail validation", doc)
		}
	}
}

func TestValidate_Nested(t *testing.T) {
	v := jsonSchema(map[string]any{
		"properties": map[string]any{
			"addr": map[string]any{
				"bsonType": "object",
				"required": []any{"city"},
			},
			"tags": map[string]any{
				"bsonType": "array",
				"maxItems": 2,
				"items":    map[string]any{"bsonType": "string"},
			},
		},
		"additionalProperties": false,
	})

	if err := validate(v, map[string]any{"addr": map[string]any{"city": "Oslo"}, "tags": []any{"x"}}); err != nil {
		t.Errorf("expected valid, got %v", err)
	}
	if err := validate(v, map[string]any{"addr": map[string]any{}}); err == nil {
		t.Error("expected missing nested required field to fail")
	}
	if err := validate(v, map[string]any{"tags": []any{"x", 1}}); err == nil {
		t.Error("expected wrong item type to fail")
	}
	if err := validate(v, map[string]any{"tags": []any{"x", "y", "z"}}); err == nil {
		t.Error("expected maxItems to fail")
	}
	err := validate(v, map[string]any{"extra": 1})
	if err == nil || !strings.Contains(err.Error(), "additional properties") {
		t.Errorf("expected additional properties error, got %v", err)
	}
}

func TestValidate_QueryExpressionValidator(t *testing.T) {
	v := map[string]any{"status": map[string]any{"$in": []any{"new", "done"}}}

	if err := validate(v, map[string]any{"status": "new"}); err != nil {
		t.Errorf("expected match, got %v", err)
	}
	if err := validate(v, map[string]any{"status": "lost"}); err == nil {
		t.Error("expected non-matching document to fail")
	}
}
