package internal

import (
	"encoding/json"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Record is a struct that contains a set of fields and their corresponding values.
// Field order is critical for display code and some serializers, so we keep
// names and values in separate slices instead of a map.
type Record struct {
	fields []string
	values []any
}

func NewRecord(fields []string, values []any) *Record {
	return &Record{
		fields: fields,
		values: values,
	}
}

// RecordFromOrderedMap copies the pairs of m into a new Record, keeping m's order.
func RecordFromOrderedMap[V any](m *orderedmap.OrderedMap[string, V]) *Record {
	r := &Record{
		fields: make([]string, 0, m.Len()),
		values: make([]any, 0, m.Len()),
	}
	for pair := m.Oldest(); pair != nil; pair = pair.Next() {
		r.fields = append(r.fields, pair.Key)
		r.values = append(r.values, pair.Value)
	}
	return r
}

func (r *Record) Len() int {
	return len(r.fields)
}

func (r *Record) Fields() []string {
	fields := make([]string, len(r.fields))
	copy(fields, r.fields)
	return fields
}

// Values returns the record's values in field order. The returned slice is a
// copy; the values themselves are shared.
func (r *Record) Values() []any {
	values := make([]any, len(r.values))
	copy(values, r.values)
	return values
}

func (r *Record) Get(field string) (any, bool) {
	for i, f := range r.fields {
		if f == field {
			return r.values[i], true
		}
	}
	return nil, false
}

func (r *Record) Map() map[string]any {
	m := make(map[string]any)
	for i, field := range r.fields {
		m[field] = r.values[i]
	}
	return m
}

func (r *Record) OrderedMap() *orderedmap.OrderedMap[string, any] {
	m := orderedmap.New[string, any](len(r.fields))
	for i, field := range r.fields {
		m.Set(field, r.values[i])
	}
	return m
}

// MarshalJSON encodes the record as a JSON object with keys in field order.
func (r *Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.OrderedMap())
}
