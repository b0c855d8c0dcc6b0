// Package parquet exports projected attribute tables as parquet files.
package parquet

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/xitongsys/parquet-go/writer"
	"go.uber.org/zap"

	"github.com/turbolytics/mapfiles/internal"
)

var ErrEmptySchema = errors.New("parquet schema has no fields")

type Option func(*Exporter)

func WithLogger(l *zap.Logger) Option {
	return func(e *Exporter) {
		e.logger = l
	}
}

// WithParallelism sets the number of goroutines the parquet writer uses.
func WithParallelism(n int64) Option {
	return func(e *Exporter) {
		e.parallelism = n
	}
}

type Exporter struct {
	repository  internal.Repository
	parallelism int64
	logger      *zap.Logger
}

func New(repository internal.Repository, opts ...Option) *Exporter {
	e := &Exporter{
		repository:  repository,
		parallelism: 4,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Export writes records as a parquet file under key and returns the number
// of rows written.
func (e *Exporter) Export(ctx context.Context, key string, schema Schema, records []*internal.Record) (int, error) {
	if len(schema) == 0 {
		return 0, ErrEmptySchema
	}
	if err := schema.Validate(); err != nil {
		return 0, err
	}

	var buf bytes.Buffer
	pw, err := writer.NewCSVWriterFromWriter(schema.ToGoParquetSchema(), &buf, e.parallelism)
	if err != nil {
		return 0, fmt.Errorf("creating parquet writer: %w", err)
	}

	for i, r := range records {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if err := pw.WriteString(schema.RecordToParquetRow(r)); err != nil {
			return 0, fmt.Errorf("writing row %d: %w", i, err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		return 0, fmt.Errorf("finishing parquet file: %w", err)
	}

	e.logger.Info("parquet export",
		zap.String("key", key),
		zap.Int("rows", len(records)),
		zap.Int("columns", len(schema)),
		zap.Int("bytes", buf.Len()),
	)

	if err := e.repository.Write(ctx, key, &buf); err != nil {
		return 0, err
	}
	return len(records), nil
}
