package processor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turbolytics/mapfiles/internal/acs"
	"github.com/turbolytics/mapfiles/internal/catalog"
	"github.com/turbolytics/mapfiles/internal/local"
	"github.com/turbolytics/mapfiles/internal/mapfile"
	"github.com/turbolytics/mapfiles/internal/notify"
	"github.com/turbolytics/mapfiles/internal/store"
)

type fakeImporter struct {
	store     *store.Store
	centroids []*mapfile.Point
	err       error
	calls     int
}

func (f *fakeImporter) Process(ctx context.Context, df *mapfile.DataFile) (mapfile.ImportResult, error) {
	f.calls++
	if f.err != nil {
		return mapfile.ImportResult{Rows: 1}, f.err
	}
	for i, c := range f.centroids {
		feat := &mapfile.Feature{DataFileID: df.ID, Reference: acs.Reference(df.FileType), FederalGeoID: string(rune('a' + i)), Centroid: c}
		if err := f.store.CreateFeature(ctx, feat); err != nil {
			return mapfile.ImportResult{}, err
		}
	}
	return mapfile.ImportResult{Rows: len(f.centroids), Features: len(f.centroids)}, nil
}

// brokenStore fails the calls that finish a successful run.
type brokenStore struct {
	*store.Store
	updateErr   error
	featuresErr error
}

func (b *brokenStore) UpdateDataFile(ctx context.Context, d *mapfile.DataFile) error {
	if b.updateErr != nil {
		return b.updateErr
	}
	return b.Store.UpdateDataFile(ctx, d)
}

func (b *brokenStore) FeaturesByDataFile(ctx context.Context, dataFileID int64) ([]*mapfile.Feature, error) {
	if b.featuresErr != nil {
		return nil, b.featuresErr
	}
	return b.Store.FeaturesByDataFile(ctx, dataFileID)
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (r *recordingNotifier) Notify(ctx context.Context, n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

func (r *recordingNotifier) Close(ctx context.Context) error { return nil }

func (r *recordingNotifier) Sent() []notify.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Notification(nil), r.sent...)
}

type fixture struct {
	store     *store.Store
	repo      *local.Repository
	acs       *fakeImporter
	shapefile *fakeImporter
	notifier  *recordingNotifier
	proc      *Processor
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	s, err := store.Open(context.Background(), store.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	f := &fixture{
		store:     s,
		repo:      local.New(t.TempDir()),
		acs:       &fakeImporter{store: s},
		shapefile: &fakeImporter{store: s},
		notifier:  &recordingNotifier{},
	}
	opts = append([]Option{WithNotifier(f.notifier)}, opts...)
	f.proc = New(s, f.acs, f.shapefile, f.repo, opts...)
	return f
}

func (f *fixture) dataFile(t *testing.T, ft mapfile.FileType) *mapfile.DataFile {
	t.Helper()
	df := &mapfile.DataFile{Name: "Income", FileType: ft, StoredFile: "uploads/" + string(ft) + ".csv"}
	require.NoError(t, f.store.CreateDataFile(context.Background(), df))
	return df
}

func TestProcessor_Process(t *testing.T) {
	ctx := context.Background()

	t.Run("acs file sets the center", func(t *testing.T) {
		f := newFixture(t)
		f.acs.centroids = []*mapfile.Point{{Lon: -118, Lat: 30}, {Lon: -116, Lat: 34}, nil}
		df := f.dataFile(t, mapfile.FileTypeCounties)

		require.NoError(t, f.proc.Process(ctx, df.ID))

		got, err := f.store.GetDataFile(ctx, df.ID)
		require.NoError(t, err)
		assert.True(t, got.Processed)
		assert.Equal(t, mapfile.StateProcessed, got.State)
		assert.Equal(t, NoteCenterSaved, got.ProcessNote)
		require.NotNil(t, got.DefaultCenter)
		assert.InDelta(t, -117, got.DefaultCenter.Lon, 1e-9)
		assert.InDelta(t, 32, got.DefaultCenter.Lat, 1e-9)

		cat, err := catalog.Read(ctx, f.repo, df.StoredFile)
		require.NoError(t, err)
		assert.True(t, cat.Completed)
		assert.Equal(t, 3, cat.NumSourceRecords)
		assert.Equal(t, 3, cat.NumRecordsProcessed)
		assert.Empty(t, cat.Error)

		sent := f.notifier.Sent()
		require.Len(t, sent, 1)
		assert.Equal(t, df.ID, sent[0].DataFileID)
		assert.Equal(t, mapfile.StateProcessed, sent[0].State)
		assert.Equal(t, 3, sent[0].Features)
		assert.NotEmpty(t, sent[0].ID)

		assert.Equal(t, int64(1), f.proc.Stats().Processed)
	})

	t.Run("no features", func(t *testing.T) {
		f := newFixture(t)
		df := f.dataFile(t, mapfile.FileTypeKML)

		require.NoError(t, f.proc.Process(ctx, df.ID))
		assert.Equal(t, 0, f.acs.calls)

		got, err := f.store.GetDataFile(ctx, df.ID)
		require.NoError(t, err)
		assert.True(t, got.Processed)
		assert.Equal(t, NoteNoCenter, got.ProcessNote)
		assert.Nil(t, got.DefaultCenter)
	})

	t.Run("processor error fails the datafile", func(t *testing.T) {
		f := newFixture(t)
		f.acs.err = acs.ErrMissingGeoID
		df := f.dataFile(t, mapfile.FileTypeTracts)

		err := f.proc.Process(ctx, df.ID)
		assert.ErrorIs(t, err, acs.ErrMissingGeoID)

		got, err := f.store.GetDataFile(ctx, df.ID)
		require.NoError(t, err)
		assert.False(t, got.Processed)
		assert.Equal(t, mapfile.StateFailed, got.State)
		assert.Equal(t, acs.ErrMissingGeoID.Error(), got.ProcessNote)

		cat, err := catalog.Read(ctx, f.repo, df.StoredFile)
		require.NoError(t, err)
		assert.False(t, cat.Completed)
		assert.Equal(t, acs.ErrMissingGeoID.Error(), cat.Error)

		assert.Equal(t, int64(1), f.proc.Stats().Failed)

		// failed files can be processed again
		f.acs.err = nil
		require.NoError(t, f.proc.Process(ctx, df.ID))
		got, err = f.store.GetDataFile(ctx, df.ID)
		require.NoError(t, err)
		assert.Equal(t, mapfile.StateProcessed, got.State)
	})

	t.Run("shapefiles go to the shapefile importer", func(t *testing.T) {
		f := newFixture(t)
		f.shapefile.centroids = []*mapfile.Point{{Lon: 10, Lat: 20}}
		df := f.dataFile(t, mapfile.FileTypeShapefileZip)

		require.NoError(t, f.proc.Process(ctx, df.ID))
		assert.Equal(t, 1, f.shapefile.calls)
		assert.Equal(t, 0, f.acs.calls)

		got, err := f.store.GetDataFile(ctx, df.ID)
		require.NoError(t, err)
		assert.Equal(t, mapfile.StateProcessed, got.State)
		assert.Equal(t, &mapfile.Point{Lon: 10, Lat: 20}, got.DefaultCenter)
	})

	t.Run("failed save after import fails the datafile", func(t *testing.T) {
		testCases := []struct {
			name   string
			broken func(*brokenStore)
		}{
			{"update", func(b *brokenStore) { b.updateErr = errors.New("db went away") }},
			{"features", func(b *brokenStore) { b.featuresErr = errors.New("db went away") }},
		}
		for _, tc := range testCases {
			t.Run(tc.name, func(t *testing.T) {
				f := newFixture(t)
				f.acs.centroids = []*mapfile.Point{{Lon: 1, Lat: 1}}
				broken := &brokenStore{Store: f.store}
				tc.broken(broken)
				f.proc = New(broken, f.acs, f.shapefile, f.repo, WithNotifier(f.notifier))
				df := f.dataFile(t, mapfile.FileTypeCounties)

				err := f.proc.Process(ctx, df.ID)
				assert.ErrorContains(t, err, "db went away")

				got, err := f.store.GetDataFile(ctx, df.ID)
				require.NoError(t, err)
				assert.Equal(t, mapfile.StateFailed, got.State)
				assert.Contains(t, got.ProcessNote, "db went away")
				assert.False(t, got.Processed)

				cat, err := catalog.Read(ctx, f.repo, df.StoredFile)
				require.NoError(t, err)
				assert.False(t, cat.Completed)
				assert.Contains(t, cat.Error, "db went away")

				sent := f.notifier.Sent()
				require.Len(t, sent, 1)
				assert.Equal(t, mapfile.StateFailed, sent[0].State)

				stats := f.proc.Stats()
				assert.Equal(t, int64(1), stats.Failed)
				assert.Equal(t, int64(0), stats.Processed)
			})
		}
	})

	t.Run("reprocessing replaces features", func(t *testing.T) {
		f := newFixture(t)
		f.acs.centroids = []*mapfile.Point{{Lon: 1, Lat: 1}, {Lon: 2, Lat: 2}}
		df := f.dataFile(t, mapfile.FileTypeStates)

		require.NoError(t, f.proc.Process(ctx, df.ID))
		require.NoError(t, f.proc.Process(ctx, df.ID))

		features, err := f.store.FeaturesByDataFile(ctx, df.ID)
		require.NoError(t, err)
		assert.Len(t, features, 2)
	})

	t.Run("interrupted run is resumed", func(t *testing.T) {
		f := newFixture(t)
		df := f.dataFile(t, mapfile.FileTypePlaces)
		require.NoError(t, f.store.SetState(ctx, df.ID, mapfile.StateProcessing))

		require.NoError(t, f.proc.Process(ctx, df.ID))
		got, err := f.store.GetDataFile(ctx, df.ID)
		require.NoError(t, err)
		assert.Equal(t, mapfile.StateProcessed, got.State)
	})

	t.Run("already running", func(t *testing.T) {
		f := newFixture(t)
		df := f.dataFile(t, mapfile.FileTypeCounties)
		require.True(t, f.proc.claim(df.ID))
		defer f.proc.release(df.ID)

		assert.ErrorIs(t, f.proc.Process(ctx, df.ID), ErrAlreadyRunning)
		assert.Equal(t, 1, f.proc.Stats().InFlight)
	})

	t.Run("missing datafile", func(t *testing.T) {
		f := newFixture(t)
		assert.ErrorIs(t, f.proc.Process(ctx, 42), store.ErrNotFound)
	})
}

func TestProcessor_Enqueue(t *testing.T) {
	f := newFixture(t, WithQueueSize(1))

	assert.True(t, f.proc.Enqueue(1))
	assert.False(t, f.proc.Enqueue(2))

	stats := f.proc.Stats()
	assert.Equal(t, int64(1), stats.Queued)
	assert.Equal(t, int64(1), stats.Dropped)
}

func TestProcessor_Run(t *testing.T) {
	f := newFixture(t, WithWorkers(2))
	a := f.dataFile(t, mapfile.FileTypeKML)
	b := f.dataFile(t, mapfile.FileTypeKMZ)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.proc.Run(ctx) }()

	require.True(t, f.proc.Enqueue(a.ID))
	require.True(t, f.proc.Enqueue(b.ID))

	require.Eventually(t, func() bool {
		return f.proc.Stats().Processed == 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.False(t, f.proc.Stats().StartedAt.IsZero())

	cancel()
	select {
	case err := <-done:
		assert.False(t, err != nil && !errors.Is(err, context.Canceled), "unexpected error: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("processor did not stop")
	}
	assert.Len(t, f.notifier.Sent(), 2)
}
