package parquet

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/samber/lo"

	"github.com/turbolytics/mapfiles/internal"
)

var ErrColumnCollision = errors.New("parquet column names collide")

type Field struct {
	Name           string
	Type           string
	ConvertedType  string
	RepetitionType string
}

type Schema []Field

// metadata values are comma separated key=value pairs
var nameReplacer = strings.NewReplacer(",", "_", "=", "_")

// StringSchema builds one optional UTF8 column per field. Attribute values
// are stored as text so every column is a string.
func StringSchema(fields []string) Schema {
	fields = lo.Uniq(fields)
	s := make(Schema, len(fields))
	for i, name := range fields {
		s[i] = Field{
			Name:           name,
			Type:           "BYTE_ARRAY",
			ConvertedType:  "UTF8",
			RepetitionType: "OPTIONAL",
		}
	}
	return s
}

// Validate rejects schemas whose names collide once written. The writer
// upper cases the first letter of every column, so "id" and "Id" share one
// column and produce an unreadable file.
func (s Schema) Validate() error {
	seen := make(map[string]string, len(s))
	for _, field := range s {
		key := columnKey(field.Name)
		if prev, ok := seen[key]; ok {
			return fmt.Errorf("%w: %q and %q", ErrColumnCollision, prev, field.Name)
		}
		seen[key] = field.Name
	}
	return nil
}

func columnKey(name string) string {
	name = nameReplacer.Replace(name)
	r, size := utf8.DecodeRuneInString(name)
	if r == utf8.RuneError {
		return name
	}
	return string(unicode.ToUpper(r)) + name[size:]
}

func (s Schema) Names() []string {
	return lo.Map(s, func(f Field, _ int) string { return f.Name })
}

func (s Schema) ToGoParquetSchema() []string {
	schema := make([]string, len(s))
	for i, field := range s {
		parts := []string{
			fmt.Sprintf("name=%s", nameReplacer.Replace(field.Name)),
			fmt.Sprintf("type=%s", field.Type),
		}
		if field.ConvertedType != "" {
			parts = append(parts, fmt.Sprintf("convertedtype=%s", field.ConvertedType))
		}
		if field.RepetitionType != "" {
			parts = append(parts, fmt.Sprintf("repetitiontype=%s", field.RepetitionType))
		}
		schema[i] = strings.Join(parts, ", ")
	}

	return schema
}

// RecordToParquetRow lines a record up with the schema by field name.
// Fields the record lacks, or holds as nil, become null cells.
func (s Schema) RecordToParquetRow(r *internal.Record) []*string {
	row := make([]*string, len(s))
	for i, field := range s {
		v, ok := r.Get(field.Name)
		if !ok || v == nil {
			continue
		}
		var str string
		switch t := v.(type) {
		case string:
			str = t
		default:
			str = fmt.Sprint(t)
		}
		row[i] = &str
	}
	return row
}
