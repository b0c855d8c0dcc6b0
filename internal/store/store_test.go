package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/turbolytics/mapfiles/internal/mapfile"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func newSQLiteStore(t *testing.T) *Store {
	t.Helper()
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	s, err := Open(context.Background(), DriverSQLite, ":memory:", WithClock(clock.now))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open(context.Background(), "mysql", "")
	assert.ErrorContains(t, err, `unsupported database driver: "mysql"`)
}

func TestRebind(t *testing.T) {
	s := &Store{driver: DriverPostgres}
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = $2", s.rebind("SELECT * FROM t WHERE a = ? AND b = ?"))

	s.driver = DriverSQLite
	assert.Equal(t, "a = ?", s.rebind("a = ?"))
}

func TestStore_SQLite(t *testing.T) {
	runStoreSuite(t, newSQLiteStore(t))
}

func TestIntegrationStore_Postgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16",
		postgres.WithDatabase("test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("failed to terminate pgContainer: %s", err)
		}
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	s, err := Open(ctx, DriverPostgres, connStr, WithClock(clock.now))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	runStoreSuite(t, s)
}

func runStoreSuite(t *testing.T, s *Store) {
	ctx := context.Background()

	zoom := 8
	first := &mapfile.DataFile{
		Name:          "Median income",
		FileType:      mapfile.FileTypeCounties,
		StoredFile:    "uploads/mapfiles/datafiles/2024/01/01/a.csv",
		DefaultZoom:   &zoom,
		DefaultCenter: &mapfile.Point{Lon: -117.1, Lat: 32.7},
	}
	require.NoError(t, s.CreateDataFile(ctx, first))
	require.NotZero(t, first.ID)
	assert.Equal(t, mapfile.StateCreated, first.State)

	second := &mapfile.DataFile{
		Name:       "Tracts",
		FileType:   mapfile.FileTypeTracts,
		StoredFile: "uploads/mapfiles/datafiles/2024/01/01/b.csv",
	}
	require.NoError(t, s.CreateDataFile(ctx, second))

	t.Run("get datafile", func(t *testing.T) {
		got, err := s.GetDataFile(ctx, first.ID)
		require.NoError(t, err)
		assert.Equal(t, first.Name, got.Name)
		assert.Equal(t, mapfile.FileTypeCounties, got.FileType)
		require.NotNil(t, got.DefaultZoom)
		assert.Equal(t, 8, *got.DefaultZoom)
		assert.Equal(t, &mapfile.Point{Lon: -117.1, Lat: 32.7}, got.DefaultCenter)
		assert.False(t, got.Processed)
		assert.Equal(t, first.FirstUploaded, got.FirstUploaded)

		got, err = s.GetDataFile(ctx, second.ID)
		require.NoError(t, err)
		assert.Nil(t, got.DefaultZoom)
		assert.Nil(t, got.DefaultCenter)
	})

	t.Run("get missing datafile", func(t *testing.T) {
		_, err := s.GetDataFile(ctx, 9999)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("list most recently updated first", func(t *testing.T) {
		files, err := s.ListDataFiles(ctx)
		require.NoError(t, err)
		require.Len(t, files, 2)
		assert.Equal(t, second.ID, files[0].ID)
		assert.Equal(t, first.ID, files[1].ID)
	})

	t.Run("update datafile", func(t *testing.T) {
		first.Description = "County level median household income"
		first.Processed = true
		first.DefaultCenter = nil
		require.NoError(t, s.UpdateDataFile(ctx, first))

		got, err := s.GetDataFile(ctx, first.ID)
		require.NoError(t, err)
		assert.Equal(t, "County level median household income", got.Description)
		assert.True(t, got.Processed)
		assert.Nil(t, got.DefaultCenter)
		assert.True(t, got.Updated.After(got.FirstUploaded))

		missing := &mapfile.DataFile{ID: 9999}
		assert.ErrorIs(t, s.UpdateDataFile(ctx, missing), ErrNotFound)
	})

	t.Run("process note and state", func(t *testing.T) {
		require.NoError(t, s.SetProcessNote(ctx, first.ID, "1 features in file processed."))
		require.NoError(t, s.SetState(ctx, first.ID, mapfile.StateProcessing))

		got, err := s.GetDataFile(ctx, first.ID)
		require.NoError(t, err)
		assert.Equal(t, "1 features in file processed.", got.ProcessNote)
		assert.Equal(t, mapfile.StateProcessing, got.State)

		assert.ErrorIs(t, s.SetProcessNote(ctx, 9999, "x"), ErrNotFound)
		assert.ErrorIs(t, s.SetState(ctx, 9999, mapfile.StateFailed), ErrNotFound)
	})

	county := &mapfile.Feature{
		DataFileID:   first.ID,
		Reference:    "Census county",
		FederalGeoID: "06073",
		Geometry:     `{"type":"MultiPolygon","coordinates":[]}`,
		Centroid:     &mapfile.Point{Lon: -116.7, Lat: 33.0},
	}
	empty := &mapfile.Feature{DataFileID: first.ID, Reference: "Census county", FederalGeoID: "06075"}

	t.Run("features", func(t *testing.T) {
		require.NoError(t, s.CreateFeature(ctx, county))
		require.NoError(t, s.CreateFeature(ctx, empty))
		require.NotZero(t, county.ID)

		got, err := s.GetFeature(ctx, county.ID)
		require.NoError(t, err)
		assert.Equal(t, county, got)

		_, err = s.GetFeature(ctx, 9999)
		assert.ErrorIs(t, err, ErrNotFound)

		features, err := s.FeaturesByDataFile(ctx, first.ID)
		require.NoError(t, err)
		require.Len(t, features, 2)
		assert.Equal(t, county.ID, features[0].ID)

		features, err = s.FeaturesByDataFile(ctx, second.ID)
		require.NoError(t, err)
		assert.Empty(t, features)
	})

	t.Run("find feature", func(t *testing.T) {
		got, err := s.FindFeature(ctx, "Census county", "06073")
		require.NoError(t, err)
		assert.Equal(t, county.ID, got.ID)

		_, err = s.FindFeature(ctx, "Census tract", "06073")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("attributes", func(t *testing.T) {
		width := 10
		for _, a := range []*mapfile.Attribute{
			{FeatureID: county.ID, FieldName: "Id2", FieldValue: "06073"},
			{FeatureID: county.ID, FieldName: "Geography", FieldValue: "San Diego County, California", Width: &width},
			{FeatureID: county.ID, FieldName: "Estimate", FieldValue: "63996"},
		} {
			require.NoError(t, s.CreateAttribute(ctx, a))
			require.NotZero(t, a.ID)
		}

		attrs, err := s.AttributesByFeature(ctx, county.ID)
		require.NoError(t, err)
		require.Len(t, attrs, 3)
		assert.Equal(t, "Geography", attrs[1].FieldName)
		require.NotNil(t, attrs[1].Width)
		assert.Equal(t, 10, *attrs[1].Width)
		assert.Nil(t, attrs[1].Precision)

		names, err := s.FieldNames(ctx, first.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{"Id2", "Geography", "Estimate"}, names)

		names, err = s.FieldNames(ctx, second.ID)
		require.NoError(t, err)
		assert.Empty(t, names)
	})

	t.Run("attribute records", func(t *testing.T) {
		records, err := s.AttributeRecords(ctx, first.ID)
		require.NoError(t, err)
		require.Len(t, records, 2)

		assert.Equal(t, "mapfiles.feature", records[0].Model)
		assert.Equal(t, county.ID, records[0].PK)
		keys := []string{}
		for pair := records[0].Fields.Oldest(); pair != nil; pair = pair.Next() {
			keys = append(keys, pair.Key)
		}
		assert.Equal(t, []string{"Id2", "Geography", "Estimate"}, keys)

		assert.Equal(t, empty.ID, records[1].PK)
		assert.Equal(t, 0, records[1].Fields.Len())

		records, err = s.AttributeRecords(ctx, second.ID)
		require.NoError(t, err)
		assert.NotNil(t, records)
		assert.Empty(t, records)
	})

	t.Run("delete features", func(t *testing.T) {
		require.NoError(t, s.DeleteFeatures(ctx, first.ID))
		features, err := s.FeaturesByDataFile(ctx, first.ID)
		require.NoError(t, err)
		assert.Empty(t, features)

		attrs, err := s.AttributesByFeature(ctx, county.ID)
		require.NoError(t, err)
		assert.Empty(t, attrs)
	})

	t.Run("delete datafile", func(t *testing.T) {
		f := &mapfile.Feature{DataFileID: second.ID, Reference: "Census tract", FederalGeoID: "06073000100"}
		require.NoError(t, s.CreateFeature(ctx, f))
		require.NoError(t, s.CreateAttribute(ctx, &mapfile.Attribute{FeatureID: f.ID, FieldName: "Id2", FieldValue: "06073000100"}))

		require.NoError(t, s.DeleteDataFile(ctx, second.ID))
		_, err := s.GetDataFile(ctx, second.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetFeature(ctx, f.ID)
		assert.ErrorIs(t, err, ErrNotFound)

		assert.ErrorIs(t, s.DeleteDataFile(ctx, second.ID), ErrNotFound)
	})
}
