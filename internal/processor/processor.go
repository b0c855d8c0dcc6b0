// Package processor turns uploaded data files into features. Work is queued
// by data file id and drained by a bounded pool of workers.
package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/turbolytics/mapfiles/internal"
	"github.com/turbolytics/mapfiles/internal/catalog"
	"github.com/turbolytics/mapfiles/internal/geo"
	"github.com/turbolytics/mapfiles/internal/mapfile"
	"github.com/turbolytics/mapfiles/internal/notify"
)

const (
	NoteCenterSaved = "Center point saved. Processing complete."
	NoteNoCenter    = "No Features saved. Center could not be processed."
)

var (
	ErrAlreadyRunning = errors.New("datafile is already being processed")

	processedTotal = metrics.NewCounter(`mapfiles_datafiles_processed_total`)
	failedTotal    = metrics.NewCounter(`mapfiles_datafiles_failed_total`)
	droppedTotal   = metrics.NewCounter(`mapfiles_datafiles_dropped_total`)
	processSeconds = metrics.NewHistogram(`mapfiles_datafile_process_duration_seconds`)
)

type Store interface {
	GetDataFile(ctx context.Context, id int64) (*mapfile.DataFile, error)
	UpdateDataFile(ctx context.Context, d *mapfile.DataFile) error
	SetState(ctx context.Context, id int64, state mapfile.State) error
	SetProcessNote(ctx context.Context, id int64, note string) error
	DeleteFeatures(ctx context.Context, dataFileID int64) error
	FeaturesByDataFile(ctx context.Context, dataFileID int64) ([]*mapfile.Feature, error)
}

// Importer saves the features of one kind of data file.
type Importer interface {
	Process(ctx context.Context, df *mapfile.DataFile) (mapfile.ImportResult, error)
}

type Stats struct {
	Queued    int64     `json:"queued"`
	Processed int64     `json:"processed"`
	Failed    int64     `json:"failed"`
	Dropped   int64     `json:"dropped"`
	InFlight  int       `json:"in_flight"`
	StartedAt time.Time `json:"started_at,omitempty"`
}

type Option func(*Processor)

func WithLogger(l *zap.Logger) Option {
	return func(p *Processor) {
		p.logger = l
	}
}

func WithNotifier(n notify.Notifier) Option {
	return func(p *Processor) {
		p.notifier = n
	}
}

func WithWorkers(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.workers = n
		}
	}
}

func WithQueueSize(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.queueSize = n
		}
	}
}

type Processor struct {
	store      Store
	acs        Importer
	shapefile  Importer
	repository internal.Repository
	notifier   notify.Notifier
	logger     *zap.Logger

	workers   int
	queueSize int
	queue     chan int64

	mu       sync.Mutex
	inFlight map[int64]struct{}

	queued    atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
	startedAt atomic.Pointer[time.Time]
}

func New(store Store, acs, shapefile Importer, repository internal.Repository, opts ...Option) *Processor {
	p := &Processor{
		store:      store,
		acs:        acs,
		shapefile:  shapefile,
		repository: repository,
		notifier:   notify.Nop{},
		logger:     zap.NewNop(),
		workers:    2,
		queueSize:  100,
		inFlight:   make(map[int64]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.queue = make(chan int64, p.queueSize)
	return p
}

// Enqueue schedules a data file for processing without blocking. It reports
// false when the queue is full and the id was dropped.
func (p *Processor) Enqueue(id int64) bool {
	select {
	case p.queue <- id:
		p.queued.Add(1)
		p.logger.Info("datafile queued", zap.Int64("datafile_id", id))
		return true
	default:
		p.dropped.Add(1)
		droppedTotal.Inc()
		p.logger.Warn("processing queue full, datafile dropped", zap.Int64("datafile_id", id))
		return false
	}
}

// Run drains the queue until ctx is cancelled, then waits for in flight work.
func (p *Processor) Run(ctx context.Context) error {
	now := time.Now()
	p.startedAt.Store(&now)
	p.logger.Info("processor started", zap.Int("workers", p.workers), zap.Int("queue_size", p.queueSize))

	wp := pool.New().WithMaxGoroutines(p.workers).WithContext(ctx)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("context cancelled, stopping processor")
			return wp.Wait()
		case id := <-p.queue:
			wp.Go(func(ctx context.Context) error {
				if err := p.Process(ctx, id); err != nil {
					p.logger.Error("processing failed", zap.Int64("datafile_id", id), zap.Error(err))
				}
				return nil
			})
		}
	}
}

// Process runs a data file through its processor, saves the default center
// and records the outcome. The returned error is the processing failure, if any.
func (p *Processor) Process(ctx context.Context, id int64) error {
	if !p.claim(id) {
		return fmt.Errorf("datafile %d: %w", id, ErrAlreadyRunning)
	}
	defer p.release(id)

	df, err := p.store.GetDataFile(ctx, id)
	if err != nil {
		return err
	}

	if df.State == mapfile.StateProcessing {
		// claimed above, so a processing state is left over from an interrupted run
		p.logger.Warn("resuming interrupted processing", zap.Int64("datafile_id", id))
		df.State = mapfile.StateFailed
	}

	fsm := mapfile.NewFSM(
		mapfile.FSMWithInitialState(df.State),
		mapfile.FSMWithLogger(p.logger.Named("fsm")),
	)
	if err := fsm.Transition(mapfile.StateProcessing); err != nil {
		return fmt.Errorf("datafile %d in state %q: %w", id, df.State, err)
	}
	if err := p.store.SetState(ctx, id, mapfile.StateProcessing); err != nil {
		return err
	}
	df.State = mapfile.StateProcessing

	start := time.Now()
	cat := catalog.Catalog{
		DataFileID: df.ID,
		FileType:   string(df.FileType),
		StartTime:  start.UTC(),
		Source:     df.StoredFile,
	}

	res, err := p.run(ctx, df)
	cat.NumSourceRecords = res.Rows
	cat.NumRecordsProcessed = res.Features
	processSeconds.UpdateDuration(start)

	// the outcome is recorded even when ctx was cancelled mid-run
	finishCtx := context.WithoutCancel(ctx)
	if err == nil {
		err = p.complete(finishCtx, fsm, df)
	}
	if err != nil {
		p.failed.Add(1)
		failedTotal.Inc()
		cat.Error = err.Error()
		if ferr := p.fail(finishCtx, fsm, df, err); ferr != nil {
			p.logger.Error("recording failure", zap.Int64("datafile_id", id), zap.Error(ferr))
		}
	} else {
		p.processed.Add(1)
		processedTotal.Inc()
		cat.Completed = true
	}

	cat.EndTime = time.Now().UTC()
	if cerr := cat.Write(finishCtx, p.repository); cerr != nil {
		p.logger.Error("writing catalog", zap.Int64("datafile_id", id), zap.Error(cerr))
	}

	n := notify.Notification{
		ID:         uuid.NewString(),
		DataFileID: df.ID,
		Name:       df.Name,
		FileType:   string(df.FileType),
		State:      df.State,
		Note:       df.ProcessNote,
		Features:   res.Features,
		Timestamp:  cat.EndTime,
	}
	if nerr := p.notifier.Notify(finishCtx, n); nerr != nil {
		p.logger.Error("notifying", zap.Int64("datafile_id", id), zap.Error(nerr))
	}

	p.logger.Info("datafile processed",
		zap.Int64("datafile_id", id),
		zap.String("state", string(df.State)),
		zap.Int("features", res.Features),
		zap.Duration("duration", time.Since(start)),
	)
	return err
}

func (p *Processor) run(ctx context.Context, df *mapfile.DataFile) (mapfile.ImportResult, error) {
	// reprocessing replaces the features of the previous run
	if err := p.store.DeleteFeatures(ctx, df.ID); err != nil {
		return mapfile.ImportResult{}, err
	}

	switch {
	case df.FileType.IsACS():
		return p.acs.Process(ctx, df)
	case df.FileType == mapfile.FileTypeShapefileZip:
		return p.shapefile.Process(ctx, df)
	case df.FileType == mapfile.FileTypeKML, df.FileType == mapfile.FileTypeKMZ:
		p.logger.Info("no processor for file type", zap.String("file_type", string(df.FileType)))
		return mapfile.ImportResult{}, nil
	}
	return mapfile.ImportResult{}, fmt.Errorf("%w: %q", mapfile.ErrUnknownFileType, df.FileType)
}

// complete saves the default center and marks df processed. df and the fsm
// are only advanced once the store accepted the update.
func (p *Processor) complete(ctx context.Context, fsm *mapfile.FSM, df *mapfile.DataFile) error {
	features, err := p.store.FeaturesByDataFile(ctx, df.ID)
	if err != nil {
		return err
	}

	done := *df
	center, err := geo.Center(geo.Centroids(features))
	switch {
	case err == nil:
		done.DefaultCenter = &center
		done.ProcessNote = NoteCenterSaved
	case errors.Is(err, geo.ErrNoPoints):
		done.ProcessNote = NoteNoCenter
	default:
		return err
	}
	done.State = mapfile.StateProcessed
	done.Processed = true

	if err := p.store.UpdateDataFile(ctx, &done); err != nil {
		return fmt.Errorf("saving datafile %d: %w", df.ID, err)
	}
	if err := fsm.Transition(mapfile.StateProcessed); err != nil {
		return err
	}
	*df = done
	return nil
}

// fail records cause as the process note and moves df to failed. It only
// touches the state and note columns so it works when a full update does not.
func (p *Processor) fail(ctx context.Context, fsm *mapfile.FSM, df *mapfile.DataFile, cause error) error {
	if err := fsm.Transition(mapfile.StateFailed); err != nil {
		return err
	}
	df.State = fsm.Current()
	df.ProcessNote = cause.Error()
	return errors.Join(
		p.store.SetState(ctx, df.ID, df.State),
		p.store.SetProcessNote(ctx, df.ID, df.ProcessNote),
	)
}

func (p *Processor) claim(id int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inFlight[id]; ok {
		return false
	}
	p.inFlight[id] = struct{}{}
	return true
}

func (p *Processor) release(id int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inFlight, id)
}

func (p *Processor) Stats() Stats {
	p.mu.Lock()
	inFlight := len(p.inFlight)
	p.mu.Unlock()

	s := Stats{
		Queued:    p.queued.Load(),
		Processed: p.processed.Load(),
		Failed:    p.failed.Load(),
		Dropped:   p.dropped.Load(),
		InFlight:  inFlight,
	}
	if t := p.startedAt.Load(); t != nil {
		s.StartedAt = *t
	}
	return s
}
