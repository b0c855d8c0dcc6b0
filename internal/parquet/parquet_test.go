package parquet

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turbolytics/mapfiles/internal"
	"github.com/turbolytics/mapfiles/internal/local"
)

func strPtr(s string) *string { return &s }

func TestSchema_ToGoParquetSchema(t *testing.T) {
	s := Schema{
		{Name: "id", Type: "INT64"},
		{Name: "Estimate, total", Type: "BYTE_ARRAY", ConvertedType: "UTF8", RepetitionType: "OPTIONAL"},
	}
	assert.Equal(t, []string{
		"name=id, type=INT64",
		"name=Estimate_ total, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL",
	}, s.ToGoParquetSchema())
}

func TestStringSchema(t *testing.T) {
	s := StringSchema([]string{"Id2", "Geography", "Id2"})
	assert.Equal(t, []string{"Id2", "Geography"}, s.Names())
	for _, f := range s {
		assert.Equal(t, "BYTE_ARRAY", f.Type)
		assert.Equal(t, "UTF8", f.ConvertedType)
		assert.Equal(t, "OPTIONAL", f.RepetitionType)
	}
}

func TestSchema_RecordToParquetRow(t *testing.T) {
	s := StringSchema([]string{"Id2", "Geography", "Estimate"})

	testCases := []struct {
		name     string
		record   *internal.Record
		expected []*string
	}{
		{
			name:     "aligned by name",
			record:   internal.NewRecord([]string{"Geography", "Id2", "Estimate"}, []any{"San Diego", "06073", "63996"}),
			expected: []*string{strPtr("06073"), strPtr("San Diego"), strPtr("63996")},
		},
		{
			name:     "missing fields are null",
			record:   internal.NewRecord([]string{"Id2"}, []any{"06073"}),
			expected: []*string{strPtr("06073"), nil, nil},
		},
		{
			name:     "non string values",
			record:   internal.NewRecord([]string{"Id2", "Geography", "Estimate"}, []any{float64(3), nil, true}),
			expected: []*string{strPtr("3"), nil, strPtr("true")},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, s.RecordToParquetRow(tc.record))
		})
	}
}

func TestExporter_Export(t *testing.T) {
	repo := local.New(t.TempDir())
	e := New(repo, WithParallelism(1))
	ctx := context.Background()

	records := []*internal.Record{
		internal.NewRecord([]string{"Id2", "Geography"}, []any{"06073", "San Diego County, California"}),
		internal.NewRecord([]string{"Id2"}, []any{"06075"}),
	}

	n, err := e.Export(ctx, "exports/1.parquet", StringSchema([]string{"Id2", "Geography"}), records)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rc, err := repo.Read(ctx, "exports/1.parquet")
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)

	require.Greater(t, len(b), 8)
	assert.True(t, bytes.HasPrefix(b, []byte("PAR1")))
	assert.True(t, bytes.HasSuffix(b, []byte("PAR1")))
}

func TestExporter_EmptySchema(t *testing.T) {
	e := New(local.New(t.TempDir()))
	_, err := e.Export(context.Background(), "x.parquet", nil, nil)
	assert.ErrorIs(t, err, ErrEmptySchema)
}

func TestSchema_Validate(t *testing.T) {
	testCases := []struct {
		name   string
		fields []string
		err    string
	}{
		{name: "distinct", fields: []string{"Id2", "Geography", "Estimate"}},
		{name: "case of first letter", fields: []string{"id", "Id", "x"}, err: `"id" and "Id"`},
		{name: "separators", fields: []string{"a,b", "a=b"}, err: `"a,b" and "a=b"`},
		{name: "case past first letter", fields: []string{"geoid", "geoID"}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := StringSchema(tc.fields).Validate()
			if tc.err == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrColumnCollision)
			assert.ErrorContains(t, err, tc.err)
		})
	}
}

func TestExporter_ColumnCollision(t *testing.T) {
	repo := local.New(t.TempDir())
	e := New(repo)
	ctx := context.Background()

	records := []*internal.Record{
		internal.NewRecord([]string{"id", "Id"}, []any{"1", "2"}),
	}
	_, err := e.Export(ctx, "exports/collide.parquet", StringSchema([]string{"id", "Id"}), records)
	assert.ErrorIs(t, err, ErrColumnCollision)

	_, err = repo.Read(ctx, "exports/collide.parquet")
	assert.ErrorIs(t, err, internal.ErrNotFound)
}
