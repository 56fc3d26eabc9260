// Package syncservice runs incremental pipeline executions against the
// midrange source and owns the per-entity SyncHistory records.
//
// Every entity type is synced under a lease taken on its SyncHistory row:
// the row is marked RUNNING before the pipeline starts and written back
// with SUCCESS or FAILED afterwards. A RUNNING row blocks concurrent syncs
// of the same entity type until it ages past the staleness threshold.
//
// The watermark only moves forward and only after a COMPLETED run. It is
// the largest modified timestamp loaded by that run, never the wall clock,
// so a failed run leaves the window it was working on to be re-fetched.
package syncservice

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ajitpratap0/catalogsync/internal/pipeline"
	"github.com/ajitpratap0/catalogsync/pkg/config"
	"github.com/ajitpratap0/catalogsync/pkg/connector/core"
	"github.com/ajitpratap0/catalogsync/pkg/logger"
	"github.com/ajitpratap0/catalogsync/pkg/mapper"
	"github.com/ajitpratap0/catalogsync/pkg/metrics"
	"github.com/ajitpratap0/catalogsync/pkg/models"
	"github.com/ajitpratap0/catalogsync/pkg/observability"
	"github.com/ajitpratap0/catalogsync/pkg/store"
	"github.com/ajitpratap0/catalogsync/pkg/syncerrors"
)

// Result describes one entity sync.
type Result struct {
	EntityType models.EntityType `json:"entity_type"`
	RunID      string            `json:"run_id"`
	// Previous is the status before the run; empty on a first sync.
	Previous  models.SyncStatus  `json:"previous_status,omitempty"`
	Reclaimed bool               `json:"reclaimed,omitempty"`
	History   models.SyncHistory `json:"history"`
	Report    *pipeline.Report   `json:"report,omitempty"`
}

// Advanced reports whether the run moved the watermark.
func (r *Result) Advanced(before time.Time) bool {
	return r.History.LastSyncAt.After(before)
}

// Service is the continuous sync service.
type Service struct {
	connector core.Connector
	mapper    *mapper.Mapper
	store     store.Store
	history   store.HistoryStore
	trigger   Trigger
	pipeCfg   config.PipelineConfig
	syncCfg   config.SyncConfig
	entities  []models.EntityType
	logger    *zap.Logger

	now func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	active  map[models.EntityType]*pipeline.Pipeline
	wg      sync.WaitGroup
}

// Option customizes a Service.
type Option func(*Service)

// WithClock replaces time.Now for lease and staleness decisions.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithMapper replaces the default schema table.
func WithMapper(m *mapper.Mapper) Option {
	return func(s *Service) { s.mapper = m }
}

// New creates a stopped service. The connector must be a midrange source.
// A nil trigger leaves scheduling to callers of SyncNow.
func New(conn core.Connector, st store.Store, history store.HistoryStore, cfg *config.Config, trigger Trigger, log *zap.Logger, opts ...Option) (*Service, error) {
	if conn == nil || st == nil || history == nil || cfg == nil {
		return nil, syncerrors.New(syncerrors.ErrorTypeConfig, "sync service requires a connector, stores and config")
	}
	if conn.SourceType() != models.SourceMidrange {
		return nil, syncerrors.Newf(syncerrors.ErrorTypeConfig,
			"sync service only runs against the midrange source, got %s", conn.SourceType())
	}
	if cfg.Sync.StalenessThreshold <= 0 {
		return nil, syncerrors.New(syncerrors.ErrorTypeConfig, "sync.staleness_threshold must be positive")
	}
	entities, err := parseEntities(cfg.Sync.Entities)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}

	s := &Service{
		connector: conn,
		mapper:    mapper.Default(),
		store:     st,
		history:   history,
		trigger:   trigger,
		pipeCfg:   cfg.Pipeline,
		syncCfg:   cfg.Sync,
		entities:  entities,
		logger:    log.With(zap.String("component", "sync_service")),
		now:       time.Now,
		active:    make(map[models.EntityType]*pipeline.Pipeline),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// parseEntities returns the configured entity types in dependency order.
// An empty list means every type.
func parseEntities(names []string) ([]models.EntityType, error) {
	if len(names) == 0 {
		return models.EntityAll.Expand(), nil
	}
	seen := make(map[models.EntityType]bool)
	for _, n := range names {
		et, err := models.ParseEntityType(n)
		if err != nil {
			return nil, syncerrors.Wrap(err, syncerrors.ErrorTypeConfig, "invalid sync.entities")
		}
		for _, e := range et.Expand() {
			seen[e] = true
		}
	}
	rank := make(map[models.EntityType]int, len(models.DependencyOrder))
	for i, et := range models.DependencyOrder {
		rank[et] = i
	}
	out := make([]models.EntityType, 0, len(seen))
	for et := range seen {
		out = append(out, et)
	}
	sort.Slice(out, func(i, j int) bool { return rank[out[i]] < rank[out[j]] })
	return out, nil
}

// Entities returns the entity types a scheduled sync covers.
func (s *Service) Entities() []models.EntityType {
	return append([]models.EntityType(nil), s.entities...)
}

// Initialize loads the persisted sync state and, when a trigger is
// configured, starts the scheduling loop. It must be paired with Shutdown.
func (s *Service) Initialize(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return syncerrors.New(syncerrors.ErrorTypeInternal, "sync service already initialized")
	}
	s.running = true
	s.mu.Unlock()

	records, err := s.history.List(ctx)
	if err != nil {
		s.setStopped()
		return syncerrors.Wrap(err, syncerrors.ErrorTypePersistence, "failed to load sync history")
	}
	now := s.now()
	for _, h := range records {
		if !h.LastSyncAt.IsZero() {
			metrics.SyncWatermark.WithLabelValues(h.EntityType.Lower()).Set(float64(h.LastSyncAt.Unix()))
		}
		fields := []zap.Field{
			zap.String("entity_type", string(h.EntityType)),
			zap.String("status", string(h.Status)),
			zap.Time("watermark", h.LastSyncAt),
		}
		if h.IsStale(now, s.syncCfg.StalenessThreshold) {
			s.logger.Warn("stale running sync found, will be reclaimed on next run",
				append(fields, zap.String("stale_run_id", h.RunID))...)
			continue
		}
		s.logger.Info("loaded sync state", fields...)
	}

	if s.trigger == nil {
		s.logger.Info("sync service initialized without schedule")
		return nil
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ticks, err := s.trigger.Start(loopCtx)
	if err != nil {
		cancel()
		s.setStopped()
		return syncerrors.Wrap(err, syncerrors.ErrorTypeConfig, "failed to start sync trigger")
	}
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(loopCtx, ticks)

	s.logger.Info("sync service initialized",
		zap.Int("entities", len(s.entities)),
		zap.Duration("staleness_threshold", s.syncCfg.StalenessThreshold))
	return nil
}

func (s *Service) loop(ctx context.Context, ticks <-chan struct{}) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ticks:
			if !ok {
				return
			}
			if _, err := s.SyncAll(ctx); err != nil {
				s.logger.Error("scheduled sync finished with errors", zap.Error(err))
			}
		}
	}
}

// Shutdown stops the trigger, asks running pipelines to stop at their next
// batch boundary and waits for the loop to exit or ctx to end.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	for _, p := range s.active {
		p.Cancel()
	}
	s.mu.Unlock()

	if s.trigger != nil {
		s.trigger.Stop()
	}
	if cancel != nil {
		cancel()
	}

	// the service stays running until the loop has actually exited, so a
	// timed-out Shutdown cannot be followed by a second loop
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		s.setStopped()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("sync service stopped")
		return nil
	case <-ctx.Done():
		s.logger.Warn("sync service shutdown timed out, loop still draining")
		return syncerrors.Wrap(ctx.Err(), syncerrors.ErrorTypeTimeout, "sync service shutdown timed out")
	}
}

// Running reports whether the service is initialized and its loop has not
// yet exited.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Service) setStopped() {
	s.mu.Lock()
	s.running = false
	s.cancel = nil
	s.mu.Unlock()
}

// SyncNow syncs one entity type, or every configured type for ALL,
// outside the schedule.
func (s *Service) SyncNow(ctx context.Context, et models.EntityType) ([]*Result, error) {
	if et == models.EntityAll {
		return s.SyncAll(ctx)
	}
	res, err := s.SyncEntity(ctx, et)
	if res == nil {
		return nil, err
	}
	return []*Result{res}, err
}

// SyncAll syncs every configured entity type in dependency order. A
// failure of one type does not stop the others; the errors are joined.
func (s *Service) SyncAll(ctx context.Context) ([]*Result, error) {
	var (
		results []*Result
		errs    []error
	)
	for _, et := range s.entities {
		if err := ctx.Err(); err != nil {
			errs = append(errs, syncerrors.Wrap(err, syncerrors.ErrorTypeCancelled, "sync stopped"))
			break
		}
		res, err := s.SyncEntity(ctx, et)
		if res != nil {
			results = append(results, res)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", et, err))
		}
	}
	return results, errors.Join(errs...)
}

// SyncEntity runs one incremental sync of et. The returned Result is nil
// only when the lease could not be taken.
func (s *Service) SyncEntity(ctx context.Context, et models.EntityType) (*Result, error) {
	if et == models.EntityAll {
		return nil, syncerrors.New(syncerrors.ErrorTypeConfig, "SyncEntity needs a concrete entity type")
	}
	if _, err := models.ParseEntityType(string(et)); err != nil {
		return nil, syncerrors.Wrap(err, syncerrors.ErrorTypeConfig, "invalid entity type")
	}

	runID := uuid.NewString()
	ctx = logger.WithRun(ctx, runID)
	ctx = logger.WithEntity(ctx, string(et))
	log := logger.FromContext(ctx, s.logger)

	lease, err := s.history.Acquire(ctx, et, runID, s.now().UTC(), s.syncCfg.StalenessThreshold)
	if err != nil {
		status := "error"
		if syncerrors.HasType(err, syncerrors.ErrorTypeSyncConflict) {
			status = "conflict"
			log.Warn("sync already running, not starting", zap.Error(err))
		} else {
			log.Error("failed to acquire sync lock", zap.Error(err))
		}
		metrics.SyncRuns.WithLabelValues(et.Lower(), status).Inc()
		return nil, err
	}
	if lease.Reclaimed {
		log.Warn("reclaimed stale running sync", zap.String("stale_run_id", lease.StaleRunID))
	}
	start := lease.History
	logTransition(log, lease.PreviousStatus, models.SyncRunning, start.LastSyncAt, "")

	ctx, span := observability.StartSpan(ctx, "sync.entity", map[string]any{
		"run_id":      runID,
		"entity_type": string(et),
		"watermark":   start.LastSyncAt.Format(time.RFC3339Nano),
	})

	res := &Result{
		EntityType: et,
		RunID:      runID,
		Previous:   lease.PreviousStatus,
		Reclaimed:  lease.Reclaimed,
	}
	report, runErr := s.run(ctx, log, start)
	res.Report = report

	final := start
	if runErr == nil {
		final = advance(start, report)
		final.Status = models.SyncSuccess
		final.ErrorMessage = ""
	} else {
		final.Status = models.SyncFailed
		final.ErrorMessage = runErr.Error()
	}
	final.UpdatedAt = s.now().UTC()
	res.History = final

	// The lease must be released even when the caller has gone away.
	if err := s.history.Release(context.WithoutCancel(ctx), final); err != nil {
		log.Error("failed to record sync result", zap.Error(err))
		runErr = errors.Join(runErr, err)
	}
	logTransition(log, models.SyncRunning, final.Status, final.LastSyncAt, final.ErrorMessage)

	metrics.SyncRuns.WithLabelValues(et.Lower(), string(final.Status)).Inc()
	if !final.LastSyncAt.IsZero() {
		metrics.SyncWatermark.WithLabelValues(et.Lower()).Set(float64(final.LastSyncAt.Unix()))
	}
	observability.EndSpan(span, runErr)
	return res, runErr
}

// run executes the pipeline for the window after start's watermark.
func (s *Service) run(ctx context.Context, log *zap.Logger, start models.SyncHistory) (*pipeline.Report, error) {
	filters := mapper.Filters{Since: start.LastSyncAt}
	if ts, key, err := models.DecodeCursor(start.Cursor); err != nil {
		log.Warn("ignoring malformed sync cursor", zap.String("cursor", start.Cursor), zap.Error(err))
	} else if ts.Equal(start.LastSyncAt) {
		filters.AfterKey = key
	}

	p, err := pipeline.New(s.connector, s.mapper, s.store, s.pipeCfg, pipeline.Options{
		EntityType: start.EntityType,
		Filters:    filters,
		RunID:      start.RunID,
	}, s.logger)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.active[start.EntityType] = p
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.active, start.EntityType)
		s.mu.Unlock()
	}()

	if s.syncCfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.syncCfg.RunTimeout)
		defer cancel()
	}
	report, err := p.Run(ctx)
	if err == nil && report.State != pipeline.StateCompleted {
		err = syncerrors.Newf(syncerrors.ErrorTypeInternal, "pipeline ended in %s", report.State)
	}
	if err == nil && report.Total.Failed > 0 {
		log.Warn("sync completed with rejected records",
			zap.Int("failed", report.Total.Failed))
	}
	return report, err
}

// advance moves the watermark and cursor to the newest record the run
// loaded. It never moves backwards.
func advance(h models.SyncHistory, report *pipeline.Report) models.SyncHistory {
	if report == nil || report.Total.MaxModified.IsZero() {
		return h
	}
	maxTS, maxKey := report.Total.MaxModified.UTC(), report.Total.MaxKey
	switch {
	case maxTS.After(h.LastSyncAt):
		h.LastSyncAt = maxTS
		h.Cursor = models.EncodeCursor(maxTS, maxKey)
	case maxTS.Equal(h.LastSyncAt):
		_, key, err := models.DecodeCursor(h.Cursor)
		if err != nil || maxKey > key {
			h.Cursor = models.EncodeCursor(maxTS, maxKey)
		}
	}
	return h
}

func logTransition(log *zap.Logger, from, to models.SyncStatus, watermark time.Time, errMsg string) {
	if from == "" {
		from = "NONE"
	}
	fields := []zap.Field{
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.Time("watermark", watermark),
	}
	if errMsg != "" {
		log.Error("sync status changed", append(fields, zap.String("error", errMsg))...)
		return
	}
	log.Info("sync status changed", fields...)
}

// Status returns the persisted sync state of every entity type.
func (s *Service) Status(ctx context.Context) ([]models.SyncHistory, error) {
	return s.history.List(ctx)
}
