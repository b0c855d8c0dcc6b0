// Package serializer renders model objects as serialized records:
// {"model": ..., "pk": ..., "fields": {...}}.
package serializer

import (
	"encoding/json"
	"io"

	"github.com/turbolytics/mapfiles/internal"
	"github.com/turbolytics/mapfiles/internal/projection"
)

type Serializable interface {
	Model() string
	PK() int64
	Record() *internal.Record
}

// Serialize converts objs into serialized records. When fields are given,
// each record only carries those fields.
func Serialize[T Serializable](objs []T, fields ...string) ([]projection.SerializedRecord, error) {
	records := make([]projection.SerializedRecord, len(objs))
	for i, obj := range objs {
		records[i] = projection.SerializedRecord{
			Model:  obj.Model(),
			PK:     obj.PK(),
			Fields: obj.Record().OrderedMap(),
		}
	}

	if len(fields) == 0 {
		return records, nil
	}

	projected, err := projection.Project(records, fields)
	if err != nil {
		return nil, err
	}
	for i, p := range projected {
		records[i].Fields = p.OrderedMap()
	}
	return records, nil
}

func Encode(w io.Writer, records []projection.SerializedRecord) error {
	if records == nil {
		records = []projection.SerializedRecord{}
	}
	return json.NewEncoder(w).Encode(records)
}
