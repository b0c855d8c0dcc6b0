// Package store persists data files, features and attributes in a SQL
// database. SQLite (modernc.org/sqlite) and Postgres (pgx) are supported.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/turbolytics/mapfiles/internal"
	"github.com/turbolytics/mapfiles/internal/mapfile"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

// ErrNotFound is shared with the repositories so callers check one sentinel.
var ErrNotFound = internal.ErrNotFound

type Option func(*Store)

func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

type Store struct {
	db     *sql.DB
	driver string
	logger *zap.Logger
	now    func() time.Time
}

// Open connects to the database and applies migrations.
func Open(ctx context.Context, driver, dsn string, opts ...Option) (*Store, error) {
	switch driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver: %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}

	if driver == DriverSQLite {
		// one writer; also keeps a single in-memory database alive
		db.SetMaxOpenConns(1)
	}

	s, err := New(db, driver, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// New wraps an already opened database. Migrations are not applied.
func New(db *sql.DB, driver string, opts ...Option) (*Store, error) {
	s := &Store{
		db:     db,
		driver: driver,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate(ctx context.Context) error {
	pk := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.driver == DriverPostgres {
		pk = "BIGSERIAL PRIMARY KEY"
	}

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS datafiles (
			id ` + pk + `,
			name TEXT NOT NULL,
			file_type TEXT NOT NULL,
			stored_file TEXT NOT NULL,
			encoding TEXT NOT NULL DEFAULT '',
			file_source TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			srs_wkt TEXT NOT NULL DEFAULT '',
			geom_type TEXT NOT NULL DEFAULT '',
			default_zoom INTEGER,
			center_lon DOUBLE PRECISION,
			center_lat DOUBLE PRECISION,
			processed BOOLEAN NOT NULL DEFAULT FALSE,
			process_note TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL DEFAULT 'created',
			first_uploaded BIGINT NOT NULL,
			updated BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS features (
			id ` + pk + `,
			datafile_id BIGINT NOT NULL REFERENCES datafiles(id),
			reference TEXT NOT NULL DEFAULT '',
			federal_geo_id TEXT NOT NULL DEFAULT '',
			geometry TEXT NOT NULL DEFAULT '',
			centroid_lon DOUBLE PRECISION,
			centroid_lat DOUBLE PRECISION
		)`,
		`CREATE INDEX IF NOT EXISTS idx_features_datafile ON features(datafile_id)`,
		`CREATE INDEX IF NOT EXISTS idx_features_reference ON features(reference, federal_geo_id)`,
		`CREATE TABLE IF NOT EXISTS attributes (
			id ` + pk + `,
			feature_id BIGINT NOT NULL REFERENCES features(id),
			field_name TEXT NOT NULL,
			attr_type TEXT NOT NULL DEFAULT '',
			field_width INTEGER,
			field_precision INTEGER,
			field_value TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_attributes_feature ON attributes(feature_id)`,
	}

	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return err
		}
	}
	s.logger.Debug("migrations applied", zap.Int("count", len(migrations)))
	return nil
}

// rebind rewrites ? placeholders into the $n form postgres expects.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

func notFound(err error, what string, id any) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %v: %w", what, id, ErrNotFound)
	}
	return err
}

func pointArgs(p *mapfile.Point) (sql.NullFloat64, sql.NullFloat64) {
	if p == nil {
		return sql.NullFloat64{}, sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: p.Lon, Valid: true}, sql.NullFloat64{Float64: p.Lat, Valid: true}
}

func scanPoint(lon, lat sql.NullFloat64) *mapfile.Point {
	if !lon.Valid || !lat.Valid {
		return nil
	}
	return &mapfile.Point{Lon: lon.Float64, Lat: lat.Float64}
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}
