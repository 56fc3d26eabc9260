// Package importer converts raw source records into validated catalog
// entities and loads them through a store.
//
// A Run is scoped to one pipeline execution and is shared by the
// importers of every entity type processed in it. It carries the index
// of keys loaded so far, the record limit and the deferral buffer:
//
//	run := importer.NewRun(st, importer.Options{MaxDeferred: 1000}, logger)
//	imp, _ := run.Importer(models.EntityFitments)
//	res, err := imp.ImportRecords(ctx, records)
//	...
//	err = run.Finish(ctx, results)
//
// Each batch is processed in two passes. Records whose references resolve
// are loaded in the primary pass; the rest are retried once at the end of
// the batch. Records still unresolved are parked in the run and get a
// final retry in Finish, after every batch of every entity type has been
// loaded.
package importer

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/ajitpratap0/catalogsync/pkg/mapper"
	"github.com/ajitpratap0/catalogsync/pkg/metrics"
	"github.com/ajitpratap0/catalogsync/pkg/models"
	"github.com/ajitpratap0/catalogsync/pkg/store"
	"github.com/ajitpratap0/catalogsync/pkg/syncerrors"
)

// Options control one run.
type Options struct {
	// DryRun computes outcomes without calling Store.Upsert.
	DryRun bool
	// Limit caps the records consumed by the run. Zero means no cap.
	Limit int
	// Fields restricts which canonical fields are mapped. The natural key
	// is always mapped.
	Fields []string
	// MaxDeferred bounds the records parked across batches. Overflow
	// records fail.
	MaxDeferred int
}

// Run holds the state shared by the importers of one pipeline execution.
// Admit, Load, Finish and Abandon must not be called concurrently.
type Run struct {
	store  store.Store
	opts   Options
	logger *zap.Logger

	// known holds keys loaded in this run or confirmed present in the store
	known     map[models.EntityType]map[string]bool
	consumed  int
	parked    int
	importers map[models.EntityType]*Importer
}

// NewRun creates the run-scoped state.
func NewRun(st store.Store, opts Options, logger *zap.Logger) *Run {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Run{
		store:     st,
		opts:      opts,
		logger:    logger.With(zap.String("component", "importer")),
		known:     make(map[models.EntityType]map[string]bool),
		importers: make(map[models.EntityType]*Importer),
	}
}

// Importer returns the run's importer for entityType, creating it on
// first use.
func (r *Run) Importer(entityType models.EntityType) (*Importer, error) {
	if imp, ok := r.importers[entityType]; ok {
		return imp, nil
	}
	convert, ok := converters[entityType]
	if !ok {
		return nil, syncerrors.Newf(syncerrors.ErrorTypeConfig, "no importer for entity type %s", entityType)
	}
	imp := &Importer{
		run:        r,
		entityType: entityType,
		convert:    convert,
		logger:     r.logger.With(zap.String("entity_type", string(entityType))),
	}
	if len(r.opts.Fields) > 0 {
		if err := mapper.ValidateFields(entityType, r.opts.Fields); err != nil {
			return nil, err
		}
		imp.mask = make(map[string]bool, len(r.opts.Fields))
		for _, f := range r.opts.Fields {
			if !imp.mask[f] {
				imp.mask[f] = true
				imp.fields = append(imp.fields, f)
			}
		}
		sort.Strings(imp.fields)
	}
	r.importers[entityType] = imp
	return imp, nil
}

// Admit applies the record limit to the next extracted batch. It returns
// the records to process and the run ordinal of the first one.
func (r *Run) Admit(records []*models.RawRecord) ([]*models.RawRecord, int) {
	offset := r.consumed
	if r.opts.Limit > 0 {
		remaining := r.opts.Limit - r.consumed
		if remaining <= 0 {
			return nil, offset
		}
		if len(records) > remaining {
			records = records[:remaining]
		}
	}
	r.consumed += len(records)
	return records, offset
}

// Exhausted reports whether the record limit has been reached.
func (r *Run) Exhausted() bool {
	return r.opts.Limit > 0 && r.consumed >= r.opts.Limit
}

// Consumed returns the number of records admitted so far.
func (r *Run) Consumed() int { return r.consumed }

// Parked returns the number of records waiting for Finish.
func (r *Run) Parked() int { return r.parked }

func (r *Run) markKnown(et models.EntityType, key string) {
	set := r.known[et]
	if set == nil {
		set = make(map[string]bool)
		r.known[et] = set
	}
	set[key] = true
}

// unresolved returns, for each candidate with a missing reference, the
// first reference that could not be found. Keys not seen in this run are
// looked up in the store once and cached.
func (r *Run) unresolved(ctx context.Context, cands []candidate) (map[int]models.Reference, error) {
	lookups := make(map[models.EntityType][]string)
	queued := make(map[models.Reference]bool)
	for _, c := range cands {
		for _, ref := range c.entity.References() {
			if ref.Key == "" || r.known[ref.Type][ref.Key] || queued[ref] {
				continue
			}
			queued[ref] = true
			lookups[ref.Type] = append(lookups[ref.Type], ref.Key)
		}
	}
	for et, keys := range lookups {
		found, err := r.store.Existing(ctx, et, keys)
		if err != nil {
			return nil, syncerrors.Wrap(err, syncerrors.ErrorTypePersistence, "reference lookup failed").
				WithDetail("entity_type", string(et))
		}
		for k := range found {
			r.markKnown(et, k)
		}
	}

	missing := make(map[int]models.Reference)
	for i, c := range cands {
		for _, ref := range c.entity.References() {
			if ref.Key != "" && !r.known[ref.Type][ref.Key] {
				missing[i] = ref
				break
			}
		}
	}
	return missing, nil
}

// Finish gives every parked record its final retry and settles the
// outcome into results, which must hold the per-entity results the
// records were reported Pending in. Importers are drained in dependency
// order. On error the importers not yet drained keep their parked records
// and Finish may be called again.
func (r *Run) Finish(ctx context.Context, results map[models.EntityType]*models.ImportResult) error {
	for _, et := range models.DependencyOrder {
		imp, ok := r.importers[et]
		if !ok || len(imp.parked) == 0 {
			continue
		}
		res := results[et]
		if res == nil {
			res = &models.ImportResult{}
			results[et] = res
		}
		if err := imp.drain(ctx, res); err != nil {
			return err
		}
	}
	return nil
}

// Abandon fails every parked record with reason. It is used when a run
// stops before Finish.
func (r *Run) Abandon(results map[models.EntityType]*models.ImportResult, reason string) {
	for _, et := range models.DependencyOrder {
		imp, ok := r.importers[et]
		if !ok || len(imp.parked) == 0 {
			continue
		}
		res := results[et]
		if res == nil {
			res = &models.ImportResult{}
			results[et] = res
		}
		for _, c := range imp.parked {
			res.Pending--
			res.Fail(imp.recordError(c.index, c.entity.NaturalKey(), "", reason))
		}
		r.parked -= len(imp.parked)
		imp.parked = nil
		metrics.DeferredRecords.WithLabelValues(et.Lower()).Set(0)
	}
}

// candidate is a validated entity and its run ordinal.
type candidate struct {
	index    int
	entity   models.Entity
	deferred bool
}

// Prepared is the output of the transform and validate stages for one
// batch.
type Prepared struct {
	candidates []candidate
	failures   []models.RecordError
	consumed   int

	// set once the primary pass has committed
	primary *primaryPass
}

// primaryPass is what a committed primary pass loaded, kept so a retried
// Load does not write it again.
type primaryPass struct {
	loaded   []candidate
	outcomes []models.Outcome
	waiting  []candidate
}

// Len returns the number of records the batch consumed.
func (p *Prepared) Len() int { return p.consumed }

// Merge appends the chunks in order into one Prepared.
func Merge(chunks ...*Prepared) *Prepared {
	out := &Prepared{}
	for _, c := range chunks {
		if c == nil {
			continue
		}
		out.candidates = append(out.candidates, c.candidates...)
		out.failures = append(out.failures, c.failures...)
		out.consumed += c.consumed
	}
	return out
}

// Importer converts and loads one entity family.
type Importer struct {
	run        *Run
	entityType models.EntityType
	convert    convertFunc
	mask       map[string]bool
	fields     []string
	parked     []candidate
	logger     *zap.Logger
}

// EntityType returns the family this importer handles.
func (im *Importer) EntityType() models.EntityType { return im.entityType }

// Prepare converts and validates records whose run ordinals start at
// offset. It does not touch run state and is safe to call from several
// goroutines on disjoint chunks.
func (im *Importer) Prepare(records []*models.RawRecord, offset int) *Prepared {
	p := &Prepared{consumed: len(records)}
	for i, rec := range records {
		idx := offset + i
		entity, ferr := im.Convert(rec)
		if ferr != nil {
			key := ""
			if v, ok := rec.Get(models.FieldExternalID); ok && v != nil {
				key = strings.TrimSpace(toString(v))
			}
			verr := syncerrors.New(syncerrors.ErrorTypeValidation, ferr.Reason).
				WithDetail("field", ferr.Field).
				WithDetail("record_index", idx)
			im.logger.Debug("record failed validation",
				zap.Int("record_index", idx),
				zap.String("key", key),
				zap.Error(verr))
			p.failures = append(p.failures, im.recordError(idx, key, ferr.Field, ferr.Reason))
			continue
		}
		p.candidates = append(p.candidates, candidate{index: idx, entity: entity})
	}
	return p
}

// Convert maps a single record to an entity.
func (im *Importer) Convert(rec *models.RawRecord) (models.Entity, *FieldError) {
	if rec == nil {
		return nil, &FieldError{Reason: "empty record"}
	}
	r := &reader{rec: rec, mask: im.mask, fields: im.fields}
	entity := im.convert(r)
	if r.err != nil {
		return nil, r.err
	}
	return entity, nil
}

// Load resolves references and persists one prepared batch in two
// passes. The primary pass loads every record whose references resolve;
// the rest are looked up again once it has committed and loaded in a
// second store call. If Load returns an error no outcome of the batch has
// been counted and the batch may be loaded again; a committed primary pass
// is not repeated.
func (im *Importer) Load(ctx context.Context, p *Prepared) (*models.ImportResult, error) {
	if p.primary == nil {
		pass, err := im.primaryPass(ctx, p.candidates)
		if err != nil {
			return nil, err
		}
		p.primary = pass
	}

	res := &models.ImportResult{}
	for _, f := range p.failures {
		res.Fail(f)
	}
	for i, c := range p.primary.loaded {
		im.record(res, c, p.primary.outcomes[i])
	}

	waiting := p.primary.waiting
	if len(waiting) == 0 {
		return res, nil
	}

	// end-of-batch retry, after the primary pass has committed
	stillMissing, err := im.run.unresolved(ctx, waiting)
	if err != nil {
		return nil, err
	}
	var retried []candidate
	for i, c := range waiting {
		if _, ok := stillMissing[i]; !ok {
			c.deferred = true
			retried = append(retried, c)
		}
	}
	outcomes, err := im.persist(ctx, retried)
	if err != nil {
		return nil, err
	}
	for i, c := range retried {
		im.record(res, c, outcomes[i])
	}

	for i, c := range waiting {
		ref, ok := stillMissing[i]
		if !ok {
			continue
		}
		if im.run.parked >= im.run.opts.MaxDeferred {
			res.Fail(im.recordError(c.index, c.entity.NaturalKey(), "",
				fmt.Sprintf("unresolved reference %s %q and deferral buffer is full", ref.Type, ref.Key)))
			continue
		}
		im.parked = append(im.parked, c)
		im.run.parked++
		res.Pending++
	}
	metrics.DeferredRecords.WithLabelValues(im.entityType.Lower()).Set(float64(len(im.parked)))
	im.logger.Debug("deferred records",
		zap.Int("waiting", len(waiting)),
		zap.Int("retried", len(retried)),
		zap.Int("parked", len(im.parked)))
	return res, nil
}

// primaryPass loads the candidates whose references resolve and returns
// the rest as waiting.
func (im *Importer) primaryPass(ctx context.Context, cands []candidate) (*primaryPass, error) {
	missing, err := im.run.unresolved(ctx, cands)
	if err != nil {
		return nil, err
	}
	pass := &primaryPass{loaded: make([]candidate, 0, len(cands))}
	for i, c := range cands {
		if _, ok := missing[i]; ok {
			pass.waiting = append(pass.waiting, c)
			continue
		}
		pass.loaded = append(pass.loaded, c)
	}
	if pass.outcomes, err = im.persist(ctx, pass.loaded); err != nil {
		return nil, err
	}
	return pass, nil
}

// ImportRecords admits, prepares and loads one batch.
func (im *Importer) ImportRecords(ctx context.Context, records []*models.RawRecord) (*models.ImportResult, error) {
	admitted, offset := im.run.Admit(records)
	return im.Load(ctx, im.Prepare(admitted, offset))
}

// drain is the final retry for parked records.
func (im *Importer) drain(ctx context.Context, res *models.ImportResult) error {
	missing, err := im.run.unresolved(ctx, im.parked)
	if err != nil {
		return err
	}
	var ready []candidate
	for i, c := range im.parked {
		if _, ok := missing[i]; !ok {
			c.deferred = true
			ready = append(ready, c)
		}
	}
	outcomes, err := im.persist(ctx, ready)
	if err != nil {
		return err
	}

	for i, c := range ready {
		res.Pending--
		im.record(res, c, outcomes[i])
	}
	for i, c := range im.parked {
		if ref, ok := missing[i]; ok {
			res.Pending--
			res.Fail(im.recordError(c.index, c.entity.NaturalKey(), "",
				fmt.Sprintf("unresolved reference %s %q", ref.Type, ref.Key)))
		}
	}
	im.logger.Info("resolved deferred records",
		zap.Int("resolved", len(ready)),
		zap.Int("failed", len(missing)))

	im.run.parked -= len(im.parked)
	im.parked = nil
	metrics.DeferredRecords.WithLabelValues(im.entityType.Lower()).Set(0)
	return nil
}

// persist writes cands in one store call. Dry runs derive outcomes from
// key existence instead.
func (im *Importer) persist(ctx context.Context, cands []candidate) ([]models.Outcome, error) {
	if len(cands) == 0 {
		return nil, nil
	}
	entities := make([]models.Entity, len(cands))
	keys := make([]string, len(cands))
	for i, c := range cands {
		entities[i] = c.entity
		keys[i] = c.entity.NaturalKey()
	}

	if im.run.opts.DryRun {
		existing, err := im.run.store.Existing(ctx, im.entityType, keys)
		if err != nil {
			return nil, syncerrors.Wrap(err, syncerrors.ErrorTypePersistence, "existence check failed")
		}
		outcomes := make([]models.Outcome, len(cands))
		seen := make(map[string]bool, len(keys))
		for i, k := range keys {
			if existing[k] || seen[k] {
				outcomes[i] = models.OutcomeUpdated
			} else {
				outcomes[i] = models.OutcomeCreated
			}
			seen[k] = true
		}
		return outcomes, nil
	}

	outcomes, err := im.run.store.Upsert(ctx, im.entityType, entities)
	if err != nil {
		if syncerrors.TypeOf(err) == syncerrors.ErrorTypeInternal {
			err = syncerrors.Wrap(err, syncerrors.ErrorTypePersistence, "upsert failed")
		}
		return nil, err
	}
	if len(outcomes) != len(entities) {
		return nil, syncerrors.Newf(syncerrors.ErrorTypePersistence,
			"store returned %d outcomes for %d entities", len(outcomes), len(entities))
	}
	return outcomes, nil
}

// record counts one loaded candidate. Records that went through deferral
// count as updated: they were completed by a later pass.
func (im *Importer) record(res *models.ImportResult, c candidate, o models.Outcome) {
	if c.deferred {
		o = models.OutcomeUpdated
	}
	res.Record(c.entity, o)
	im.run.markKnown(im.entityType, c.entity.NaturalKey())
}

func (im *Importer) recordError(index int, key, field, reason string) models.RecordError {
	return models.RecordError{
		Index:      index,
		EntityType: im.entityType,
		Key:        key,
		Field:      field,
		Reason:     reason,
	}
}
