// Package projection reshapes serialized records for display code.
//
// Project keeps a whitelist of fields from each record and Flatten drops the
// keys, leaving rows of values. Both allocate fresh output and never mutate
// their inputs, so they are safe to call from concurrent handlers.
package projection

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/samber/lo"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/turbolytics/mapfiles/internal"
)

var ErrInvalidInput = errors.New("invalid input")

// SerializedRecord is a model instance as produced by the serialization
// endpoints: metadata plus a nested, ordered mapping of field values.
type SerializedRecord struct {
	Model  string                              `json:"model,omitempty"`
	PK     any                                 `json:"pk,omitempty"`
	Fields *orderedmap.OrderedMap[string, any] `json:"fields"`
}

// Decode reads a JSON array of serialized records. The key order of every
// "fields" object is preserved.
func Decode(r io.Reader) ([]SerializedRecord, error) {
	var records []SerializedRecord
	if err := json.NewDecoder(r).Decode(&records); err != nil {
		return nil, fmt.Errorf("decoding serialized records: %w", err)
	}
	if records == nil {
		records = []SerializedRecord{}
	}
	return records, nil
}

// Project returns one record per input record holding only the fields named
// in desiredFields. Fields keep the order of the source mapping. Desired
// fields that a record does not have are left out of its projection.
func Project(records []SerializedRecord, desiredFields []string) ([]*internal.Record, error) {
	desired := make(map[string]struct{}, len(desiredFields))
	for _, f := range desiredFields {
		desired[f] = struct{}{}
	}

	projected := make([]*internal.Record, len(records))
	for i, rec := range records {
		if rec.Fields == nil {
			return nil, fmt.Errorf("record %d has no fields: %w", i, ErrInvalidInput)
		}

		fields := make([]string, 0, len(desired))
		values := make([]any, 0, len(desired))
		for pair := rec.Fields.Oldest(); pair != nil; pair = pair.Next() {
			if _, ok := desired[pair.Key]; !ok {
				continue
			}
			fields = append(fields, pair.Key)
			values = append(values, pair.Value)
		}
		projected[i] = internal.NewRecord(fields, values)
	}
	return projected, nil
}

// Flatten discards the keys of each record, keeping its values in field order.
func Flatten(records []*internal.Record) [][]any {
	return lo.Map(records, func(r *internal.Record, _ int) []any {
		return r.Values()
	})
}

// FlattenMaps is Flatten for any ordered mapping.
func FlattenMaps[K comparable, V any](mappings []*orderedmap.OrderedMap[K, V]) [][]V {
	return lo.Map(mappings, func(m *orderedmap.OrderedMap[K, V], _ int) []V {
		values := make([]V, 0, m.Len())
		for pair := m.Oldest(); pair != nil; pair = pair.Next() {
			values = append(values, pair.Value)
		}
		return values
	})
}
