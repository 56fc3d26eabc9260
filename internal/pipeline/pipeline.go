// Package pipeline orchestrates one import run: it streams raw records from
// a connector session in bounded batches, converts and validates each batch
// on a worker pool, and loads it through an importer as a single store call.
//
// # Overview
//
// A run is an explicit state machine:
//
//	IDLE -> EXTRACTING <-> IMPORTING -> COMPLETED | FAILED | CANCELLED
//
// Memory use is bounded by the batch size, not the catalog size. A batch
// is loaded as one unit; a load rejected by the store is rolled back and
// retried up to LoadRetries times before the run fails. Cancellation is
// cooperative and observed only between batches, so a load in progress
// always runs to completion.
//
// # Basic Usage
//
//	p, err := pipeline.New(conn, mapper.Default(), st, cfg.Pipeline, pipeline.Options{
//	    EntityType: models.EntityAll,
//	}, logger)
//	if err != nil {
//	    return err
//	}
//	report, err := p.Run(ctx)
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/catalogsync/pkg/config"
	"github.com/ajitpratap0/catalogsync/pkg/connector/base"
	"github.com/ajitpratap0/catalogsync/pkg/connector/core"
	"github.com/ajitpratap0/catalogsync/pkg/importer"
	"github.com/ajitpratap0/catalogsync/pkg/logger"
	"github.com/ajitpratap0/catalogsync/pkg/mapper"
	"github.com/ajitpratap0/catalogsync/pkg/metrics"
	"github.com/ajitpratap0/catalogsync/pkg/models"
	"github.com/ajitpratap0/catalogsync/pkg/observability"
	"github.com/ajitpratap0/catalogsync/pkg/store"
	"github.com/ajitpratap0/catalogsync/pkg/syncerrors"
)

// Options select what one run imports.
type Options struct {
	// EntityType is a concrete type or ALL.
	EntityType models.EntityType
	// Sequence overrides the order ALL expands to.
	Sequence []models.EntityType
	// Filters narrow every generated query.
	Filters mapper.Filters
	// CustomQuery replaces the generated query. Requires a concrete
	// EntityType.
	CustomQuery string

	DryRun bool
	Limit  int
	Fields []string

	// RunID defaults to a new UUID.
	RunID string
}

// Pipeline runs one import. It is not reusable: a second Run fails.
type Pipeline struct {
	connector core.Connector
	mapper    *mapper.Mapper
	store     store.Store
	cfg       config.PipelineConfig
	opts      Options
	sequence  []models.EntityType
	logger    *zap.Logger

	mu        sync.Mutex
	state     State
	history   []Transition
	cancelled atomic.Bool
}

// New validates opts and returns an IDLE pipeline.
func New(conn core.Connector, m *mapper.Mapper, st store.Store, cfg config.PipelineConfig, opts Options, log *zap.Logger) (*Pipeline, error) {
	if conn == nil || st == nil {
		return nil, syncerrors.New(syncerrors.ErrorTypeConfig, "pipeline requires a connector and a store")
	}
	if m == nil {
		m = mapper.Default()
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if cfg.LoadRetries < 0 {
		cfg.LoadRetries = 0
	}
	if opts.Limit < 0 {
		return nil, syncerrors.New(syncerrors.ErrorTypeConfig, "limit cannot be negative")
	}

	sequence := opts.EntityType.Expand()
	if opts.EntityType == models.EntityAll && len(opts.Sequence) > 0 {
		sequence = append([]models.EntityType(nil), opts.Sequence...)
	}
	for _, et := range sequence {
		if _, err := models.ParseEntityType(string(et)); err != nil || et == models.EntityAll {
			return nil, syncerrors.Newf(syncerrors.ErrorTypeConfig, "invalid entity type %q", et)
		}
		if len(opts.Fields) > 0 {
			if err := mapper.ValidateFields(et, opts.Fields); err != nil {
				return nil, err
			}
		}
	}
	if opts.CustomQuery != "" && len(sequence) != 1 {
		return nil, syncerrors.New(syncerrors.ErrorTypeConfig, "a custom query needs exactly one entity type")
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}

	return &Pipeline{
		connector: conn,
		mapper:    m,
		store:     st,
		cfg:       cfg,
		opts:      opts,
		sequence:  sequence,
		logger:    log.With(zap.String("component", "pipeline")),
		state:     StateIdle,
	}, nil
}

// RunID returns the run's identifier.
func (p *Pipeline) RunID() string { return p.opts.RunID }

// State returns the current state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// History returns the transitions taken so far.
func (p *Pipeline) History() []Transition {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Transition(nil), p.history...)
}

// Cancel asks the run to stop at the next batch boundary.
func (p *Pipeline) Cancel() {
	p.cancelled.Store(true)
}

func (p *Pipeline) transition(log *zap.Logger, to State) error {
	p.mu.Lock()
	from := p.state
	if from == to {
		p.mu.Unlock()
		return nil
	}
	if !CanTransition(from, to) {
		p.mu.Unlock()
		return syncerrors.Newf(syncerrors.ErrorTypeInternal, "invalid pipeline transition %s -> %s", from, to)
	}
	p.state = to
	p.history = append(p.history, Transition{From: from, To: to, At: time.Now()})
	p.mu.Unlock()

	if to.Terminal() {
		log.Info("pipeline state changed", zap.String("from", string(from)), zap.String("to", string(to)))
	} else {
		log.Debug("pipeline state changed", zap.String("from", string(from)), zap.String("to", string(to)))
	}
	return nil
}

// checkCancelled is the batch-boundary cancellation check.
func (p *Pipeline) checkCancelled(ctx context.Context) error {
	if p.cancelled.Load() {
		return syncerrors.New(syncerrors.ErrorTypeCancelled, "run cancelled")
	}
	switch err := ctx.Err(); {
	case errors.Is(err, context.Canceled):
		return syncerrors.Wrap(err, syncerrors.ErrorTypeCancelled, "run cancelled")
	case errors.Is(err, context.DeadlineExceeded):
		return syncerrors.Wrap(err, syncerrors.ErrorTypeTimeout, "run deadline exceeded")
	}
	return nil
}

// Run executes the import. The report is returned in every terminal state;
// the error is non-nil for FAILED and CANCELLED runs.
func (p *Pipeline) Run(ctx context.Context) (*Report, error) {
	sourceType := p.connector.SourceType()
	ctx = logger.WithRun(ctx, p.opts.RunID)
	ctx = logger.WithSource(ctx, string(sourceType))
	log := logger.FromContext(ctx, p.logger)

	if err := p.transition(log, StateExtracting); err != nil {
		return nil, err
	}

	report := &Report{
		RunID:      p.opts.RunID,
		SourceType: sourceType,
		EntityType: p.opts.EntityType,
		DryRun:     p.opts.DryRun,
		StartedAt:  time.Now().UTC(),
	}
	ctx, span := observability.StartSpan(ctx, "pipeline.run", map[string]any{
		"run_id":      p.opts.RunID,
		"source_type": string(sourceType),
		"entity_type": string(p.opts.EntityType),
		"dry_run":     p.opts.DryRun,
	})

	log.Info("starting pipeline",
		zap.String("entity_type", string(p.opts.EntityType)),
		zap.Int("batch_size", p.fetchSize()),
		zap.Int("workers", p.cfg.GetWorkers()),
		zap.Bool("dry_run", p.opts.DryRun),
		zap.Int("limit", p.opts.Limit))

	results := make(map[models.EntityType]*models.ImportResult, len(p.sequence))
	run := importer.NewRun(p.store, importer.Options{
		DryRun:      p.opts.DryRun,
		Limit:       p.opts.Limit,
		Fields:      p.opts.Fields,
		MaxDeferred: p.cfg.MaxDeferred,
	}, log)

	err := base.WithSession(ctx, p.connector, func(sess core.Session) error {
		for _, et := range p.sequence {
			if err := p.checkCancelled(ctx); err != nil {
				return err
			}
			if run.Exhausted() {
				log.Info("record limit reached", zap.Int("limit", p.opts.Limit))
				return nil
			}
			er := &EntityReport{EntityType: et, Result: &models.ImportResult{}}
			report.Entities = append(report.Entities, er)
			results[et] = er.Result
			if err := p.runEntity(ctx, log, sess, run, er); err != nil {
				return err
			}
		}
		return nil
	})
	if err == nil && run.Parked() > 0 {
		err = p.finish(ctx, log, run, results)
	}

	final := StateCompleted
	if err != nil {
		final = StateFailed
		if syncerrors.HasType(err, syncerrors.ErrorTypeCancelled) || errors.Is(err, context.Canceled) {
			final = StateCancelled
		}
		run.Abandon(results, fmt.Sprintf("run %s before dependencies resolved", final))
		report.Error = err.Error()
	}
	if terr := p.transition(log, final); terr != nil && err == nil {
		err = terr
	}

	report.State = final
	report.FinishedAt = time.Now().UTC()
	report.finalize()
	p.recordMetrics(report)
	observability.EndSpan(span, err)

	fields := []zap.Field{
		zap.String("state", string(final)),
		zap.Int("created", report.Total.Created),
		zap.Int("updated", report.Total.Updated),
		zap.Int("skipped", report.Total.Skipped),
		zap.Int("failed", report.Total.Failed),
		zap.String("duration", report.Duration),
	}
	if err != nil {
		log.Error("pipeline stopped", append(fields, zap.Error(err))...)
	} else {
		log.Info("pipeline completed", fields...)
	}
	return report, err
}

func (p *Pipeline) query(et models.EntityType, run *importer.Run) (core.Query, error) {
	sourceType := p.connector.SourceType()
	if p.opts.CustomQuery != "" {
		return p.mapper.CustomQuery(sourceType, et, p.opts.CustomQuery)
	}
	f := p.opts.Filters
	if p.opts.Limit > 0 {
		f.Limit = p.opts.Limit - run.Consumed()
	}
	return p.mapper.GenerateQuery(sourceType, et, &f)
}

func (p *Pipeline) runEntity(ctx context.Context, log *zap.Logger, sess core.Session, run *importer.Run, er *EntityReport) (err error) {
	et := er.EntityType
	ctx = logger.WithEntity(ctx, string(et))
	log = log.With(zap.String("entity_type", string(et)))
	ctx, span := observability.StartSpan(ctx, "pipeline.entity", map[string]any{"entity_type": string(et)})
	defer func() { observability.EndSpan(span, err) }()

	if err := p.transition(log, StateExtracting); err != nil {
		return err
	}
	q, err := p.query(et, run)
	if err != nil {
		return err
	}
	er.Query = q.String()
	imp, err := run.Importer(et)
	if err != nil {
		return err
	}

	log.Info("extracting", zap.String("query", er.Query))
	stream, err := sess.Fetch(ctx, q, p.fetchSize())
	if err != nil {
		return err
	}
	defer stream.Close()

	tracker := metrics.NewThroughputTracker(string(p.connector.SourceType()), et.Lower())
	defer tracker.GetAndReset()

	for {
		if err := p.checkCancelled(ctx); err != nil {
			return err
		}
		if run.Exhausted() {
			return nil
		}

		timer := metrics.NewTimer()
		batch, err := stream.Next(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if cerr := p.checkCancelled(ctx); cerr != nil {
				return cerr
			}
			return err
		}
		metrics.BatchDuration.WithLabelValues("extract", et.Lower()).Observe(timer.Stop().Seconds())

		admitted, offset := run.Admit(batch)
		if len(admitted) == 0 {
			continue
		}
		if err := p.transition(log, StateImporting); err != nil {
			return err
		}
		res, err := p.importBatch(ctx, log, imp, admitted, offset, er.Batches+1)
		if err != nil {
			return err
		}
		er.Result.Merge(res)
		er.Batches++
		tracker.Increment(int64(len(admitted)))

		log.Debug("batch loaded",
			zap.Int("batch", er.Batches),
			zap.Int("records", len(admitted)),
			zap.Int("created", res.Created),
			zap.Int("updated", res.Updated),
			zap.Int("skipped", res.Skipped),
			zap.Int("failed", res.Failed),
			zap.Int("pending", res.Pending))

		if err := p.transition(log, StateExtracting); err != nil {
			return err
		}
	}
}

// fetchSize is the connector's own batch size when it sets one.
func (p *Pipeline) fetchSize() int {
	if bs, ok := p.connector.(core.BatchSizer); ok {
		if n := bs.BatchSize(); n > 0 {
			return n
		}
	}
	return p.cfg.BatchSize
}

// prepare runs transform and validate on up to Workers goroutines. Chunks
// are merged back in extraction order.
func (p *Pipeline) prepare(imp *importer.Importer, records []*models.RawRecord, offset int) *importer.Prepared {
	workers := p.cfg.GetWorkers()
	if workers > len(records) {
		workers = len(records)
	}
	if workers <= 1 {
		return imp.Prepare(records, offset)
	}

	size := (len(records) + workers - 1) / workers
	parts := make([]*importer.Prepared, workers)
	var g errgroup.Group
	g.SetLimit(workers)
	for i := 0; i < workers; i++ {
		lo := i * size
		if lo >= len(records) {
			break
		}
		hi := min(lo+size, len(records))
		g.Go(func() error {
			parts[i] = imp.Prepare(records[lo:hi], offset+lo)
			return nil
		})
	}
	_ = g.Wait()
	return importer.Merge(parts...)
}

// importBatch transforms and loads one batch. The load runs on a context
// that ignores cancellation so a started batch is never cut short.
func (p *Pipeline) importBatch(ctx context.Context, log *zap.Logger, imp *importer.Importer, records []*models.RawRecord, offset, batchNo int) (*models.ImportResult, error) {
	et := imp.EntityType()
	timer := metrics.NewTimer()
	prepared := p.prepare(imp, records, offset)
	metrics.BatchDuration.WithLabelValues("transform", et.Lower()).Observe(timer.Stop().Seconds())

	timer = metrics.NewTimer()
	var res *models.ImportResult
	err := p.withLoadRetry(context.WithoutCancel(ctx), log, et, batchNo, func(lctx context.Context) error {
		r, err := imp.Load(lctx, prepared)
		if err == nil {
			res = r
		}
		return err
	})
	metrics.BatchDuration.WithLabelValues("load", et.Lower()).Observe(timer.Stop().Seconds())
	if err != nil {
		return nil, err
	}
	return res, nil
}

// finish gives parked records their final retry.
func (p *Pipeline) finish(ctx context.Context, log *zap.Logger, run *importer.Run, results map[models.EntityType]*models.ImportResult) error {
	if err := p.checkCancelled(ctx); err != nil {
		return err
	}
	if err := p.transition(log, StateImporting); err != nil {
		return err
	}
	log.Info("retrying deferred records", zap.Int("parked", run.Parked()))
	return p.withLoadRetry(context.WithoutCancel(ctx), log, p.opts.EntityType, 0, func(lctx context.Context) error {
		return run.Finish(lctx, results)
	})
}

func (p *Pipeline) withLoadRetry(ctx context.Context, log *zap.Logger, et models.EntityType, batchNo int, load func(context.Context) error) error {
	policy := base.NewRetryPolicy(p.cfg.LoadRetries+1, p.cfg.RetryDelay)
	if p.cfg.RetryDelay > 0 {
		policy = policy.WithDelay(p.cfg.RetryDelay, 30*p.cfg.RetryDelay)
	}
	err := policy.ExecuteNotify(ctx,
		func() error { return load(ctx) },
		func(err error) bool { return syncerrors.IsType(err, syncerrors.ErrorTypePersistence) },
		func(attempt int, delay time.Duration, err error) {
			metrics.LoadRetries.WithLabelValues(et.Lower()).Inc()
			log.Warn("batch rolled back, retrying",
				zap.Int("batch", batchNo),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err))
		})
	if err == nil {
		return nil
	}
	if syncerrors.IsType(err, syncerrors.ErrorTypePersistence) {
		return syncerrors.Wrap(err, syncerrors.ErrorTypePersistence, "batch load failed").
			WithDetail("batch", batchNo).
			WithDetail("attempts", p.cfg.LoadRetries+1)
	}
	return err
}

func (p *Pipeline) recordMetrics(r *Report) {
	source := string(r.SourceType)
	for _, e := range r.Entities {
		et := e.EntityType.Lower()
		metrics.RecordsProcessed.WithLabelValues(source, et, "created").Add(float64(e.Result.Created))
		metrics.RecordsProcessed.WithLabelValues(source, et, "updated").Add(float64(e.Result.Updated))
		metrics.RecordsProcessed.WithLabelValues(source, et, "skipped").Add(float64(e.Result.Skipped))
		metrics.RecordsProcessed.WithLabelValues(source, et, "failed").Add(float64(e.Result.Failed))
	}
	metrics.RunsTotal.WithLabelValues(source, r.EntityType.Lower(), string(r.State)).Inc()
}
