package syncservice

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/catalogsync/internal/pipeline"
	"github.com/ajitpratap0/catalogsync/pkg/config"
	"github.com/ajitpratap0/catalogsync/pkg/connector/core"
	"github.com/ajitpratap0/catalogsync/pkg/models"
	"github.com/ajitpratap0/catalogsync/pkg/store/memory"
	"github.com/ajitpratap0/catalogsync/pkg/syncerrors"
	"github.com/ajitpratap0/catalogsync/pkg/testutil"
)

var (
	t0  = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	now = time.Date(2024, 5, 2, 8, 0, 0, 0, time.UTC)
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Pipeline.BatchSize = 2
	cfg.Pipeline.Workers = 2
	cfg.Pipeline.LoadRetries = 1
	cfg.Pipeline.RetryDelay = time.Millisecond
	cfg.Sync.Entities = []string{"vehicles"}
	cfg.Sync.StalenessThreshold = 2 * time.Hour
	cfg.Sync.RunTimeout = time.Minute
	return cfg
}

type fixture struct {
	conn    *testutil.FakeConnector
	store   *memory.Store
	history *memory.HistoryStore
	svc     *Service
}

func newFixture(t *testing.T, trigger Trigger) *fixture {
	t.Helper()
	f := &fixture{
		conn:    testutil.NewFakeConnector(),
		store:   memory.NewStore(),
		history: memory.NewHistoryStore(),
	}
	svc, err := New(f.conn, f.store, f.history, testConfig(), trigger, testutil.TestLogger(t),
		WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	f.svc = svc
	return f
}

func (f *fixture) get(t *testing.T, et models.EntityType) *models.SyncHistory {
	t.Helper()
	h, err := f.history.Get(context.Background(), et)
	require.NoError(t, err)
	require.NotNil(t, h)
	return h
}

func TestSyncAdvancesWatermark(t *testing.T) {
	ctx, cancel := testutil.TestContext(t)
	defer cancel()

	f := newFixture(t, nil)
	f.history.Put(models.SyncHistory{EntityType: models.EntityVehicles, LastSyncAt: t0, Status: models.SyncSuccess})
	f.conn.Add(models.EntityVehicles,
		testutil.Vehicle("OLD", t0.Add(-time.Hour)),
		testutil.Vehicle("V1", t0.Add(time.Minute)),
		testutil.Vehicle("V2", t0.Add(2*time.Minute)),
		testutil.Vehicle("V3", t0.Add(3*time.Minute)),
	)

	res, err := f.svc.SyncEntity(ctx, models.EntityVehicles)
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.Equal(t, models.SyncSuccess, res.Previous)
	assert.Equal(t, pipeline.StateCompleted, res.Report.State)
	assert.Equal(t, 3, res.Report.Total.Created+res.Report.Total.Updated)
	assert.True(t, res.Advanced(t0))

	h := f.get(t, models.EntityVehicles)
	assert.Equal(t, models.SyncSuccess, h.Status)
	assert.Equal(t, t0.Add(3*time.Minute), h.LastSyncAt)
	assert.Equal(t, models.EncodeCursor(t0.Add(3*time.Minute), "V3"), h.Cursor)
	assert.Empty(t, h.ErrorMessage)
	assert.Equal(t, res.RunID, h.RunID)
	assert.Equal(t, now, h.UpdatedAt)

	_, found := f.store.Row(models.EntityVehicles, "OLD")
	assert.False(t, found, "records at or before the watermark are not fetched")

	queries := f.conn.Queries()
	require.Len(t, queries, 1)
	require.NotEmpty(t, queries[0].Args)
	assert.Equal(t, t0, queries[0].Args[0])
}

func TestFirstSyncFetchesEverything(t *testing.T) {
	ctx, cancel := testutil.TestContext(t)
	defer cancel()

	f := newFixture(t, nil)
	f.conn.Add(models.EntityVehicles,
		testutil.Vehicle("V1", t0),
		testutil.Vehicle("V2", t0.Add(time.Minute)),
	)

	res, err := f.svc.SyncEntity(ctx, models.EntityVehicles)
	require.NoError(t, err)
	assert.Empty(t, res.Previous)
	assert.Equal(t, 2, res.Report.Total.Created)
	assert.Empty(t, f.conn.Queries()[0].Args)

	h := f.get(t, models.EntityVehicles)
	assert.Equal(t, t0.Add(time.Minute), h.LastSyncAt)
}

func TestLoadFailureKeepsWatermark(t *testing.T) {
	ctx, cancel := testutil.TestContext(t)
	defer cancel()

	f := newFixture(t, nil)
	f.history.Put(models.SyncHistory{EntityType: models.EntityVehicles, LastSyncAt: t0, Status: models.SyncSuccess})
	f.conn.Add(models.EntityVehicles,
		testutil.Vehicle("V1", t0.Add(time.Minute)),
		testutil.Vehicle("V2", t0.Add(2*time.Minute)),
		testutil.Vehicle("V3", t0.Add(3*time.Minute)),
		testutil.Vehicle("V4", t0.Add(4*time.Minute)),
	)
	f.store.FailUpsert = func(call int, _ models.EntityType, _ []models.Entity) error {
		if call >= 2 {
			return errors.New("deadlock detected")
		}
		return nil
	}

	res, err := f.svc.SyncEntity(ctx, models.EntityVehicles)
	require.Error(t, err)
	require.NotNil(t, res)
	assert.True(t, syncerrors.HasType(err, syncerrors.ErrorTypePersistence))
	assert.Equal(t, pipeline.StateFailed, res.Report.State)

	assert.Equal(t, 2, f.store.Count(models.EntityVehicles), "first batch stays loaded")

	h := f.get(t, models.EntityVehicles)
	assert.Equal(t, models.SyncFailed, h.Status)
	assert.Equal(t, t0, h.LastSyncAt)
	assert.Empty(t, h.Cursor)
	assert.Contains(t, h.ErrorMessage, "deadlock detected")
}

func TestFetchFailureRetryIsIdempotent(t *testing.T) {
	ctx, cancel := testutil.TestContext(t)
	defer cancel()

	f := newFixture(t, nil)
	f.history.Put(models.SyncHistory{EntityType: models.EntityVehicles, LastSyncAt: t0, Status: models.SyncSuccess})
	f.conn.Add(models.EntityVehicles,
		testutil.Vehicle("V1", t0.Add(time.Minute)),
		testutil.Vehicle("V2", t0.Add(2*time.Minute)),
		testutil.Vehicle("V3", t0.Add(3*time.Minute)),
	)
	f.conn.FailFetch = func(_ core.Query, batch int) error {
		if batch == 2 {
			return syncerrors.New(syncerrors.ErrorTypeConnection, "connection reset by peer")
		}
		return nil
	}

	_, err := f.svc.SyncEntity(ctx, models.EntityVehicles)
	require.Error(t, err)
	h := f.get(t, models.EntityVehicles)
	assert.Equal(t, models.SyncFailed, h.Status)
	assert.Equal(t, t0, h.LastSyncAt)

	f.conn.FailFetch = nil
	res, err := f.svc.SyncEntity(ctx, models.EntityVehicles)
	require.NoError(t, err)

	// The second run re-fetches the whole window; the first batch is unchanged.
	assert.Equal(t, models.SyncFailed, res.Previous)
	assert.Equal(t, 2, res.Report.Total.Skipped)
	assert.Equal(t, 1, res.Report.Total.Created)
	assert.Equal(t, 3, f.store.Count(models.EntityVehicles))

	h = f.get(t, models.EntityVehicles)
	assert.Equal(t, models.SyncSuccess, h.Status)
	assert.Equal(t, t0.Add(3*time.Minute), h.LastSyncAt)
	assert.Empty(t, h.ErrorMessage)
}

func TestCursorBreaksTies(t *testing.T) {
	ctx, cancel := testutil.TestContext(t)
	defer cancel()

	f := newFixture(t, nil)
	f.history.Put(models.SyncHistory{
		EntityType: models.EntityVehicles,
		LastSyncAt: t0,
		Cursor:     models.EncodeCursor(t0, "B"),
		Status:     models.SyncSuccess,
	})
	f.conn.Add(models.EntityVehicles,
		testutil.Vehicle("A", t0),
		testutil.Vehicle("B", t0),
		testutil.Vehicle("C", t0),
	)

	res, err := f.svc.SyncEntity(ctx, models.EntityVehicles)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Report.Total.Created)
	_, found := f.store.Row(models.EntityVehicles, "C")
	assert.True(t, found)
	_, found = f.store.Row(models.EntityVehicles, "A")
	assert.False(t, found)

	h := f.get(t, models.EntityVehicles)
	assert.Equal(t, t0, h.LastSyncAt)
	assert.Equal(t, models.EncodeCursor(t0, "C"), h.Cursor)

	res, err = f.svc.SyncEntity(ctx, models.EntityVehicles)
	require.NoError(t, err)
	assert.Zero(t, res.Report.Total.Processed())
	assert.Equal(t, models.EncodeCursor(t0, "C"), f.get(t, models.EntityVehicles).Cursor)
}

func TestStaleRunningIsReclaimed(t *testing.T) {
	ctx, cancel := testutil.TestContext(t)
	defer cancel()

	f := newFixture(t, nil)
	f.history.Put(models.SyncHistory{
		EntityType: models.EntityVehicles,
		LastSyncAt: t0,
		Status:     models.SyncRunning,
		RunID:      "crashed-run",
		UpdatedAt:  now.Add(-3 * time.Hour),
	})
	f.conn.Add(models.EntityVehicles, testutil.Vehicle("V1", t0.Add(time.Minute)))

	res, err := f.svc.SyncEntity(ctx, models.EntityVehicles)
	require.NoError(t, err)
	assert.True(t, res.Reclaimed)
	assert.Equal(t, models.SyncRunning, res.Previous)

	h := f.get(t, models.EntityVehicles)
	assert.Equal(t, models.SyncSuccess, h.Status)
	assert.NotEqual(t, "crashed-run", h.RunID)
	assert.Equal(t, t0.Add(time.Minute), h.LastSyncAt)
}

func TestFreshRunningRefusesToStart(t *testing.T) {
	ctx, cancel := testutil.TestContext(t)
	defer cancel()

	f := newFixture(t, nil)
	held := models.SyncHistory{
		EntityType: models.EntityVehicles,
		LastSyncAt: t0,
		Status:     models.SyncRunning,
		RunID:      "other-run",
		UpdatedAt:  now.Add(-10 * time.Minute),
	}
	f.history.Put(held)
	f.conn.Add(models.EntityVehicles, testutil.Vehicle("V1", t0.Add(time.Minute)))

	res, err := f.svc.SyncEntity(ctx, models.EntityVehicles)
	require.Error(t, err)
	assert.Nil(t, res)
	assert.True(t, syncerrors.IsType(err, syncerrors.ErrorTypeSyncConflict))
	assert.False(t, syncerrors.IsRetryable(err))

	assert.Equal(t, held, *f.get(t, models.EntityVehicles))
	assert.Zero(t, f.conn.Connects())
	assert.Zero(t, f.store.UpsertCalls())
}

func TestSyncAllRunsDependencyOrder(t *testing.T) {
	ctx, cancel := testutil.TestContext(t)
	defer cancel()

	f := newFixture(t, nil)
	cfg := testConfig()
	cfg.Sync.Entities = []string{"fitments", "vehicles", "parts"}
	svc, err := New(f.conn, f.store, f.history, cfg, nil, testutil.TestLogger(t),
		WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	assert.Equal(t, []models.EntityType{models.EntityVehicles, models.EntityParts, models.EntityFitments}, svc.Entities())

	f.conn.Add(models.EntityVehicles, testutil.Vehicle("V1", t0))
	f.conn.Add(models.EntityParts, testutil.Part("P1", t0))
	f.conn.Add(models.EntityFitments, testutil.Fitment("F1", "V1", "P1", t0))

	results, err := svc.SyncNow(ctx, models.EntityAll)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, res := range results {
		assert.Equal(t, models.SyncSuccess, res.History.Status, res.EntityType)
	}
	assert.Equal(t, 1, f.store.Count(models.EntityFitments))

	status, err := svc.Status(ctx)
	require.NoError(t, err)
	assert.Len(t, status, 3)
}

func TestSyncAllContinuesAfterFailure(t *testing.T) {
	ctx, cancel := testutil.TestContext(t)
	defer cancel()

	f := newFixture(t, nil)
	cfg := testConfig()
	cfg.Sync.Entities = []string{"vehicles", "parts"}
	svc, err := New(f.conn, f.store, f.history, cfg, nil, testutil.TestLogger(t),
		WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	f.history.Put(models.SyncHistory{
		EntityType: models.EntityVehicles,
		Status:     models.SyncRunning,
		RunID:      "other-run",
		UpdatedAt:  now,
	})
	f.conn.Add(models.EntityParts, testutil.Part("P1", t0))

	results, err := svc.SyncAll(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "VEHICLES")
	require.Len(t, results, 1)
	assert.Equal(t, models.EntityParts, results[0].EntityType)
	assert.Equal(t, models.SyncSuccess, f.get(t, models.EntityParts).Status)
}

func TestNewRequiresMidrange(t *testing.T) {
	conn := testutil.NewFakeConnector()
	conn.Source = models.SourceFile
	_, err := New(conn, memory.NewStore(), memory.NewHistoryStore(), testConfig(), nil, nil)
	require.Error(t, err)
	assert.True(t, syncerrors.IsType(err, syncerrors.ErrorTypeConfig))

	cfg := testConfig()
	cfg.Sync.Entities = []string{"wheels"}
	_, err = New(testutil.NewFakeConnector(), memory.NewStore(), memory.NewHistoryStore(), cfg, nil, nil)
	require.Error(t, err)
}

func TestTriggerDrivesSync(t *testing.T) {
	ctx, cancel := testutil.TestContext(t)
	defer cancel()

	trigger := NewManualTrigger()
	f := newFixture(t, trigger)
	f.conn.Add(models.EntityVehicles, testutil.Vehicle("V1", t0))

	require.NoError(t, f.svc.Initialize(ctx))
	require.Error(t, f.svc.Initialize(ctx))

	assert.True(t, trigger.Fire())
	testutil.AssertEventually(t, func() bool {
		h, _ := f.history.Get(ctx, models.EntityVehicles)
		return h != nil && h.Status == models.SyncSuccess
	}, 5*time.Second, "scheduled sync did not run")

	shutdownCtx, cancelShutdown := context.WithTimeout(ctx, 5*time.Second)
	defer cancelShutdown()
	require.NoError(t, f.svc.Shutdown(shutdownCtx))
	require.NoError(t, f.svc.Shutdown(shutdownCtx))
}

func TestShutdownCancelsRunningSync(t *testing.T) {
	ctx, cancel := testutil.TestContext(t)
	defer cancel()

	trigger := NewManualTrigger()
	f := newFixture(t, trigger)
	f.conn.Add(models.EntityVehicles,
		testutil.Vehicle("V1", t0.Add(time.Minute)),
		testutil.Vehicle("V2", t0.Add(2*time.Minute)),
		testutil.Vehicle("V3", t0.Add(3*time.Minute)),
	)
	started := make(chan struct{})
	release := make(chan struct{})
	f.conn.BeforeBatch = func(_ core.Query, batch int) {
		if batch != 2 {
			return
		}
		for f.store.Count(models.EntityVehicles) < 2 {
			time.Sleep(time.Millisecond)
		}
		close(started)
		<-release
	}
	defer close(release)

	require.NoError(t, f.svc.Initialize(ctx))
	trigger.Fire()
	<-started

	shutdownCtx, cancelShutdown := context.WithTimeout(ctx, 5*time.Second)
	defer cancelShutdown()
	require.NoError(t, f.svc.Shutdown(shutdownCtx))

	h := f.get(t, models.EntityVehicles)
	assert.Equal(t, models.SyncFailed, h.Status)
	assert.True(t, h.LastSyncAt.IsZero(), "cancelled run does not advance the watermark")
	assert.Equal(t, 2, f.store.Count(models.EntityVehicles))
}

func TestShutdownTimeoutKeepsServiceRunning(t *testing.T) {
	ctx, cancel := testutil.TestContext(t)
	defer cancel()

	trigger := NewManualTrigger()
	f := newFixture(t, trigger)
	f.conn.Add(models.EntityVehicles, testutil.Vehicle("V1", t0.Add(time.Minute)))

	loading := make(chan struct{})
	unblock := make(chan struct{})
	var once sync.Once
	release := func() { once.Do(func() { close(unblock) }) }
	defer release()
	f.store.FailUpsert = func(call int, _ models.EntityType, _ []models.Entity) error {
		if call == 1 {
			close(loading)
			<-unblock
		}
		return nil
	}

	require.NoError(t, f.svc.Initialize(ctx))
	trigger.Fire()
	<-loading

	shortCtx, cancelShort := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancelShort()
	err := f.svc.Shutdown(shortCtx)
	require.Error(t, err)
	assert.True(t, syncerrors.IsType(err, syncerrors.ErrorTypeTimeout))
	assert.True(t, f.svc.Running())
	assert.Error(t, f.svc.Initialize(ctx), "a second loop must not start while the first drains")

	release()
	require.Eventually(t, func() bool { return !f.svc.Running() }, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, f.svc.Initialize(ctx))
	require.NoError(t, f.svc.Shutdown(ctx))
}

func TestIntervalTrigger(t *testing.T) {
	ctx, cancel := testutil.TestContext(t)
	defer cancel()

	_, err := NewIntervalTrigger(0, false).Start(ctx)
	require.Error(t, err)

	trig := NewIntervalTrigger(10*time.Millisecond, true)
	ticks, err := trig.Start(ctx)
	require.NoError(t, err)
	_, err = trig.Start(ctx)
	require.Error(t, err)

	for i := 0; i < 2; i++ {
		select {
		case <-ticks:
		case <-time.After(time.Second):
			t.Fatal("no tick")
		}
	}
	trig.Stop()
	trig.Stop()

	testutil.AssertEventually(t, func() bool {
		select {
		case _, ok := <-ticks:
			return !ok
		default:
			return false
		}
	}, time.Second, "tick channel not closed after Stop")
}

func TestManualTriggerCoalesces(t *testing.T) {
	trig := NewManualTrigger()
	assert.True(t, trig.Fire())
	assert.False(t, trig.Fire())
}

func TestAdvanceNeverMovesBack(t *testing.T) {
	h := models.SyncHistory{LastSyncAt: t0, Cursor: models.EncodeCursor(t0, "M")}

	older := &pipeline.Report{Total: models.ImportResult{MaxModified: t0.Add(-time.Hour), MaxKey: "Z"}}
	assert.Equal(t, h, advance(h, older))

	sameLowerKey := &pipeline.Report{Total: models.ImportResult{MaxModified: t0, MaxKey: "A"}}
	assert.Equal(t, h, advance(h, sameLowerKey))

	assert.Equal(t, h, advance(h, &pipeline.Report{}))
	assert.Equal(t, h, advance(h, nil))
}
