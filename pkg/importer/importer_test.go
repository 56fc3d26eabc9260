package importer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/catalogsync/pkg/models"
	"github.com/ajitpratap0/catalogsync/pkg/store/memory"
	"github.com/ajitpratap0/catalogsync/pkg/syncerrors"
)

func vehicleRec(id, year, make, model string) *models.RawRecord {
	return models.RawRecordFrom(
		[]string{"external_id", "year", "make", "model", "modified_at"},
		[]any{id, year, make, model, "2024-01-02 03:04:05"},
	)
}

func fitmentRec(id, vehicleID, partID string) *models.RawRecord {
	return models.RawRecordFrom(
		[]string{"external_id", "vehicle_id", "part_id", "quantity"},
		[]any{id, vehicleID, partID, "2"},
	)
}

func partRec(id string) *models.RawRecord {
	return models.RawRecordFrom(
		[]string{"external_id", "part_number", "brand", "name"},
		[]any{id, "PN-" + id, "ACME", "Brake Pad"},
	)
}

func sum(r *models.ImportResult) int {
	return r.Created + r.Updated + r.Skipped + r.Failed + r.Pending
}

func TestImportRecordsIsolatesInvalidRecords(t *testing.T) {
	ctx := context.Background()
	st := memory.NewStore()
	run := NewRun(st, Options{}, zaptest.NewLogger(t))
	imp, err := run.Importer(models.EntityVehicles)
	require.NoError(t, err)

	records := []*models.RawRecord{
		vehicleRec("V1", "2020", "Ford", "F-150"),
		vehicleRec("", "2020", "Ford", "Ranger"),
		vehicleRec("V3", "nineteen", "Ford", "Bronco"),
		vehicleRec("V4", "1700", "Ford", "Model T"),
		vehicleRec("V5", "2021", "Ford", ""),
		vehicleRec("V6", "2021.0", "Ford", "Escape"),
	}
	res, err := imp.ImportRecords(ctx, records)
	require.NoError(t, err)

	assert.Equal(t, len(records), sum(res))
	assert.Equal(t, 2, res.Created)
	assert.Equal(t, 4, res.Failed)
	require.Len(t, res.Errors, 4)
	assert.Equal(t, 1, res.Errors[0].Index)
	assert.Equal(t, "external_id", res.Errors[0].Field)
	assert.Equal(t, "year", res.Errors[1].Field)
	assert.Equal(t, "V3", res.Errors[1].Key)
	assert.Equal(t, "year", res.Errors[2].Field)
	assert.Equal(t, "model", res.Errors[3].Field)
	assert.Equal(t, 2, st.Count(models.EntityVehicles))

	row, ok := st.Row(models.EntityVehicles, "V6")
	require.True(t, ok)
	assert.Equal(t, 2021, row["year"])
}

func TestImportRecordsOutcomes(t *testing.T) {
	ctx := context.Background()
	st := memory.NewStore()
	run := NewRun(st, Options{}, zaptest.NewLogger(t))
	imp, err := run.Importer(models.EntityVehicles)
	require.NoError(t, err)

	_, err = imp.ImportRecords(ctx, []*models.RawRecord{
		vehicleRec("V1", "2020", "Ford", "F-150"),
		vehicleRec("V2", "2020", "Ford", "Ranger"),
	})
	require.NoError(t, err)

	res, err := imp.ImportRecords(ctx, []*models.RawRecord{
		vehicleRec("V1", "2020", "Ford", "F-150"),
		vehicleRec("V2", "2020", "Ford", "Ranger XL"),
		vehicleRec("V3", "2022", "Ford", "Maverick"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, 1, res.Created)
	assert.Equal(t, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), res.MaxModified)
	assert.Equal(t, "V3", res.MaxKey)
}

func TestDryRunNeverUpserts(t *testing.T) {
	ctx := context.Background()
	st := memory.NewStore()
	_, err := st.Upsert(ctx, models.EntityVehicles, []models.Entity{
		&models.Vehicle{Meta: models.Meta{ExternalID: "V1"}, Year: 2020, Make: "Ford", Model: "F-150"},
	})
	require.NoError(t, err)
	calls := st.UpsertCalls()

	run := NewRun(st, Options{DryRun: true}, zaptest.NewLogger(t))
	vehicles, err := run.Importer(models.EntityVehicles)
	require.NoError(t, err)
	res, err := vehicles.ImportRecords(ctx, []*models.RawRecord{
		vehicleRec("V1", "2020", "Ford", "F-150"),
		vehicleRec("V2", "2021", "Ford", "Ranger"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, 1, res.Created)

	// dependents resolve against records the dry run would have loaded
	parts, err := run.Importer(models.EntityParts)
	require.NoError(t, err)
	_, err = parts.ImportRecords(ctx, []*models.RawRecord{partRec("P1")})
	require.NoError(t, err)
	fitments, err := run.Importer(models.EntityFitments)
	require.NoError(t, err)
	res, err = fitments.ImportRecords(ctx, []*models.RawRecord{fitmentRec("F1", "V2", "P1")})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)
	assert.Zero(t, res.Pending)

	assert.Equal(t, calls, st.UpsertCalls())
	assert.Equal(t, 1, st.Count(models.EntityVehicles))
}

func TestLimitCapsConsumedRecords(t *testing.T) {
	ctx := context.Background()
	st := memory.NewStore()
	run := NewRun(st, Options{Limit: 3}, zaptest.NewLogger(t))
	imp, err := run.Importer(models.EntityVehicles)
	require.NoError(t, err)

	batch := []*models.RawRecord{
		vehicleRec("V1", "2020", "Ford", "A"),
		vehicleRec("V2", "2020", "Ford", "B"),
	}
	res1, err := imp.ImportRecords(ctx, batch)
	require.NoError(t, err)
	assert.False(t, run.Exhausted())

	res2, err := imp.ImportRecords(ctx, []*models.RawRecord{
		vehicleRec("V3", "2020", "Ford", "C"),
		vehicleRec("V4", "2020", "Ford", "D"),
	})
	require.NoError(t, err)
	assert.True(t, run.Exhausted())

	res3, err := imp.ImportRecords(ctx, []*models.RawRecord{vehicleRec("V5", "2020", "Ford", "E")})
	require.NoError(t, err)

	assert.Equal(t, 3, res1.Processed()+res2.Processed()+res3.Processed())
	assert.Equal(t, 3, st.Count(models.EntityVehicles))
	assert.Equal(t, 3, run.Consumed())
}

func TestFieldsMask(t *testing.T) {
	ctx := context.Background()
	st := memory.NewStore()
	run := NewRun(st, Options{Fields: []string{"model"}}, zaptest.NewLogger(t))
	imp, err := run.Importer(models.EntityVehicles)
	require.NoError(t, err)

	// year and make are unmapped so their absence is not a failure
	rec := models.RawRecordFrom([]string{"external_id", "model"}, []any{"V1", "Bronco"})
	res, err := imp.ImportRecords(ctx, []*models.RawRecord{rec})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)

	row, ok := st.Row(models.EntityVehicles, "V1")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"external_id": "V1", "model": "Bronco"}, row)

	_, err = NewRun(st, Options{Fields: []string{"colour"}}, nil).Importer(models.EntityVehicles)
	require.Error(t, err)
	assert.True(t, syncerrors.IsType(err, syncerrors.ErrorTypeConfig))
}

func TestDeferredFitmentResolvedLaterInRun(t *testing.T) {
	ctx := context.Background()
	st := memory.NewStore()
	_, err := st.Upsert(ctx, models.EntityParts, []models.Entity{
		&models.Part{Meta: models.Meta{ExternalID: "P1"}, PartNumber: "PN-1", Brand: "ACME"},
	})
	require.NoError(t, err)

	run := NewRun(st, Options{MaxDeferred: 10}, zaptest.NewLogger(t))
	results := map[models.EntityType]*models.ImportResult{}

	fitments, err := run.Importer(models.EntityFitments)
	require.NoError(t, err)
	res, err := fitments.ImportRecords(ctx, []*models.RawRecord{
		fitmentRec("F1", "V1", "P1"),
		fitmentRec("F2", "V9", "P1"),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Pending)
	assert.Equal(t, 2, sum(res))
	assert.Equal(t, 0, st.Count(models.EntityFitments))
	results[models.EntityFitments] = res

	vehicles, err := run.Importer(models.EntityVehicles)
	require.NoError(t, err)
	vres, err := vehicles.ImportRecords(ctx, []*models.RawRecord{vehicleRec("V1", "2020", "Ford", "F-150")})
	require.NoError(t, err)
	results[models.EntityVehicles] = vres

	require.NoError(t, run.Finish(ctx, results))
	assert.Equal(t, 0, run.Parked())

	res = results[models.EntityFitments]
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, 1, res.Failed)
	assert.Zero(t, res.Pending)
	assert.Zero(t, res.Created)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "F2", res.Errors[0].Key)
	assert.Contains(t, res.Errors[0].Reason, "VEHICLES")
	assert.Equal(t, 1, st.Count(models.EntityFitments))
}

func TestDeferralBufferBound(t *testing.T) {
	ctx := context.Background()
	st := memory.NewStore()
	run := NewRun(st, Options{MaxDeferred: 1}, zaptest.NewLogger(t))
	imp, err := run.Importer(models.EntityFitments)
	require.NoError(t, err)

	res, err := imp.ImportRecords(ctx, []*models.RawRecord{
		fitmentRec("F1", "V1", "P1"),
		fitmentRec("F2", "V1", "P1"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pending)
	assert.Equal(t, 1, res.Failed)
	assert.Contains(t, res.Errors[0].Reason, "buffer is full")

	results := map[models.EntityType]*models.ImportResult{models.EntityFitments: res}
	run.Abandon(results, "run cancelled")
	assert.Zero(t, res.Pending)
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, 0, run.Parked())
}

func TestLoadFailureLeavesBatchRetryable(t *testing.T) {
	ctx := context.Background()
	st := memory.NewStore()
	st.FailUpsert = func(call int, _ models.EntityType, _ []models.Entity) error {
		if call == 1 {
			return errors.New("serialization failure")
		}
		return nil
	}
	run := NewRun(st, Options{}, zaptest.NewLogger(t))
	imp, err := run.Importer(models.EntityParts)
	require.NoError(t, err)

	admitted, offset := run.Admit([]*models.RawRecord{partRec("P1"), partRec("P2")})
	prepared := imp.Prepare(admitted, offset)
	assert.Equal(t, 2, prepared.Len())

	_, err = imp.Load(ctx, prepared)
	require.Error(t, err)
	assert.True(t, syncerrors.IsType(err, syncerrors.ErrorTypePersistence))
	assert.True(t, syncerrors.IsRetryable(err))
	assert.Equal(t, 0, st.Count(models.EntityParts))

	res, err := imp.Load(ctx, prepared)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Created)
}

// hookStore runs afterUpsert once each Upsert call has committed.
type hookStore struct {
	*memory.Store
	calls       [][]string
	afterUpsert func(call int, et models.EntityType)
}

func (h *hookStore) Upsert(ctx context.Context, et models.EntityType, entities []models.Entity) ([]models.Outcome, error) {
	out, err := h.Store.Upsert(ctx, et, entities)
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(entities))
	for i, e := range entities {
		keys[i] = e.NaturalKey()
	}
	h.calls = append(h.calls, keys)
	if h.afterUpsert != nil {
		h.afterUpsert(len(h.calls), et)
	}
	return out, nil
}

func TestBatchRetryRunsAfterPrimaryPass(t *testing.T) {
	ctx := context.Background()
	st := &hookStore{Store: memory.NewStore()}
	_, err := st.Store.Upsert(ctx, models.EntityParts, []models.Entity{
		&models.Part{Meta: models.Meta{ExternalID: "P1"}, PartNumber: "PN-1", Brand: "ACME"},
	})
	require.NoError(t, err)
	_, err = st.Store.Upsert(ctx, models.EntityVehicles, []models.Entity{
		&models.Vehicle{Meta: models.Meta{ExternalID: "V0"}, Year: 2018, Make: "Ford", Model: "Focus"},
	})
	require.NoError(t, err)
	// V1 becomes visible only once the primary pass has committed
	st.afterUpsert = func(call int, et models.EntityType) {
		if call == 1 {
			_, err := st.Store.Upsert(ctx, models.EntityVehicles, []models.Entity{
				&models.Vehicle{Meta: models.Meta{ExternalID: "V1"}, Year: 2020, Make: "Ford", Model: "F-150"},
			})
			require.NoError(t, err)
		}
	}

	run := NewRun(st, Options{MaxDeferred: 10}, zaptest.NewLogger(t))
	imp, err := run.Importer(models.EntityFitments)
	require.NoError(t, err)
	res, err := imp.ImportRecords(ctx, []*models.RawRecord{
		fitmentRec("F2", "V1", "P1"),
		fitmentRec("F1", "V0", "P1"),
	})
	require.NoError(t, err)

	assert.Equal(t, [][]string{{"F1"}, {"F2"}}, st.calls)
	assert.Equal(t, 1, res.Created)
	assert.Equal(t, 1, res.Updated)
	assert.Zero(t, res.Pending)
	assert.Equal(t, 0, run.Parked())
	assert.Equal(t, 2, st.Count(models.EntityFitments))
}

func TestFailedRetryPassKeepsPrimaryOutcomes(t *testing.T) {
	ctx := context.Background()
	st := &hookStore{Store: memory.NewStore()}
	_, err := st.Store.Upsert(ctx, models.EntityParts, []models.Entity{
		&models.Part{Meta: models.Meta{ExternalID: "P1"}, PartNumber: "PN-1", Brand: "ACME"},
	})
	require.NoError(t, err)
	_, err = st.Store.Upsert(ctx, models.EntityVehicles, []models.Entity{
		&models.Vehicle{Meta: models.Meta{ExternalID: "V0"}, Year: 2018, Make: "Ford", Model: "Focus"},
	})
	require.NoError(t, err)
	st.afterUpsert = func(call int, _ models.EntityType) {
		if call == 1 {
			_, err := st.Store.Upsert(ctx, models.EntityVehicles, []models.Entity{
				&models.Vehicle{Meta: models.Meta{ExternalID: "V1"}, Year: 2020, Make: "Ford", Model: "F-150"},
			})
			require.NoError(t, err)
		}
	}
	failed := false
	st.FailUpsert = func(_ int, et models.EntityType, entities []models.Entity) error {
		if et == models.EntityFitments && entities[0].NaturalKey() == "F2" && !failed {
			failed = true
			return errors.New("deadlock detected")
		}
		return nil
	}

	run := NewRun(st, Options{MaxDeferred: 10}, zaptest.NewLogger(t))
	imp, err := run.Importer(models.EntityFitments)
	require.NoError(t, err)
	admitted, offset := run.Admit([]*models.RawRecord{
		fitmentRec("F1", "V0", "P1"),
		fitmentRec("F2", "V1", "P1"),
	})
	prepared := imp.Prepare(admitted, offset)

	_, err = imp.Load(ctx, prepared)
	require.Error(t, err)
	assert.True(t, syncerrors.IsType(err, syncerrors.ErrorTypePersistence))

	res, err := imp.Load(ctx, prepared)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created, "primary outcome survives the retry")
	assert.Equal(t, 1, res.Updated)
	assert.Zero(t, res.Skipped)
	assert.Equal(t, [][]string{{"F1"}, {"F2"}}, st.calls)
}

func TestMergePreparedKeepsOrder(t *testing.T) {
	run := NewRun(memory.NewStore(), Options{}, nil)
	imp, err := run.Importer(models.EntityParts)
	require.NoError(t, err)

	a := imp.Prepare([]*models.RawRecord{partRec("P1"), partRec("")}, 0)
	b := imp.Prepare([]*models.RawRecord{partRec("P3")}, 2)
	m := Merge(a, nil, b)

	assert.Equal(t, 3, m.Len())
	require.Len(t, m.candidates, 2)
	assert.Equal(t, "P1", m.candidates[0].entity.NaturalKey())
	assert.Equal(t, 2, m.candidates[1].index)
	require.Len(t, m.failures, 1)
	assert.Equal(t, 1, m.failures[0].Index)
}

func TestConverters(t *testing.T) {
	run := NewRun(memory.NewStore(), Options{}, nil)

	tests := []struct {
		name      string
		et        models.EntityType
		rec       *models.RawRecord
		wantField string
		check     func(t *testing.T, e models.Entity)
	}{
		{
			name: "product defaults currency",
			et:   models.EntityProducts,
			rec:  models.RawRecordFrom([]string{"external_id", "part_id", "sku", "price"}, []any{"S1", "P1", "SKU-1", "1,299.50"}),
			check: func(t *testing.T, e models.Entity) {
				p := e.(*models.Product)
				assert.Equal(t, "USD", p.Currency)
				assert.Equal(t, 1299.5, p.Price)
			},
		},
		{
			name:      "product negative price",
			et:        models.EntityProducts,
			rec:       models.RawRecordFrom([]string{"external_id", "part_id", "sku", "price"}, []any{"S1", "P1", "SKU-1", "-1"}),
			wantField: "price",
		},
		{
			name:      "product bad currency",
			et:        models.EntityProducts,
			rec:       models.RawRecordFrom([]string{"external_id", "part_id", "sku", "currency"}, []any{"S1", "P1", "SKU-1", "dollars"}),
			wantField: "currency",
		},
		{
			name: "fitment default quantity and int64 values",
			et:   models.EntityFitments,
			rec:  models.RawRecordFrom([]string{"external_id", "vehicle_id", "part_id"}, []any{int64(7), int64(12), "P1"}),
			check: func(t *testing.T, e models.Entity) {
				f := e.(*models.Fitment)
				assert.Equal(t, 1, f.Quantity)
				assert.Equal(t, "7", f.ExternalID)
				assert.Equal(t, "12", f.VehicleID)
				assert.Len(t, f.References(), 2)
			},
		},
		{
			name:      "fitment zero quantity",
			et:        models.EntityFitments,
			rec:       models.RawRecordFrom([]string{"external_id", "vehicle_id", "part_id", "quantity"}, []any{"F1", "V1", "P1", "0"}),
			wantField: "quantity",
		},
		{
			name:      "bad timestamp",
			et:        models.EntityQualifiers,
			rec:       models.RawRecordFrom([]string{"external_id", "code", "text", "modified_at"}, []any{"Q1", "lh", "Left Hand", "yesterday"}),
			wantField: "modified_at",
		},
		{
			name: "qualifier code uppercased",
			et:   models.EntityQualifiers,
			rec:  models.RawRecordFrom([]string{"external_id", "code", "text", "modified_at"}, []any{"Q1", "lh", "Left Hand", "2024-01-15-10.30.00.000000"}),
			check: func(t *testing.T, e models.Entity) {
				q := e.(*models.Qualifier)
				assert.Equal(t, "LH", q.Code)
				assert.Equal(t, time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC), q.Modified)
			},
		},
		{
			name:      "attribute requires value",
			et:        models.EntityAttributes,
			rec:       models.RawRecordFrom([]string{"external_id", "part_id", "name", "value"}, []any{"A1", "P1", "Thread", nil}),
			wantField: "value",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			imp, err := run.Importer(tt.et)
			require.NoError(t, err)
			e, ferr := imp.Convert(tt.rec)
			if tt.wantField != "" {
				require.NotNil(t, ferr)
				assert.Equal(t, tt.wantField, ferr.Field)
				return
			}
			require.Nil(t, ferr)
			tt.check(t, e)
		})
	}
}

func TestUnknownEntityType(t *testing.T) {
	_, err := NewRun(memory.NewStore(), Options{}, nil).Importer(models.EntityAll)
	require.Error(t, err)
}
