// Package memory provides mutex-guarded in-memory implementations of the
// store contracts. Entities are kept as their column maps so repeated
// upserts of identical content report OutcomeUnchanged.
package memory

import (
	"context"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/ajitpratap0/catalogsync/pkg/models"
	"github.com/ajitpratap0/catalogsync/pkg/store"
	"github.com/ajitpratap0/catalogsync/pkg/syncerrors"
)

// Store is an in-memory store.Store.
type Store struct {
	mu   sync.RWMutex
	rows map[models.EntityType]map[string]map[string]any

	upsertCalls int
	// FailUpsert, when set, is consulted before each Upsert call with the
	// 1-based call number; a non-nil return aborts the call.
	FailUpsert func(call int, entityType models.EntityType, entities []models.Entity) error
}

var _ store.Store = (*Store)(nil)

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{rows: make(map[models.EntityType]map[string]map[string]any)}
}

// Upsert applies all entities or none.
func (s *Store) Upsert(ctx context.Context, entityType models.EntityType, entities []models.Entity) ([]models.Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.upsertCalls++
	if s.FailUpsert != nil {
		if err := s.FailUpsert(s.upsertCalls, entityType, entities); err != nil {
			return nil, syncerrors.Wrap(err, syncerrors.ErrorTypePersistence, "upsert rejected")
		}
	}

	table := s.rows[entityType]
	if table == nil {
		table = make(map[string]map[string]any)
		s.rows[entityType] = table
	}

	outcomes := make([]models.Outcome, len(entities))
	for i, e := range entities {
		key := e.NaturalKey()
		cols := e.Columns()
		existing, ok := table[key]
		switch {
		case !ok:
			table[key] = cols
			outcomes[i] = models.OutcomeCreated
		case containsAll(existing, cols):
			outcomes[i] = models.OutcomeUnchanged
		default:
			merged := make(map[string]any, len(existing)+len(cols))
			for k, v := range existing {
				merged[k] = v
			}
			for k, v := range cols {
				merged[k] = v
			}
			table[key] = merged
			outcomes[i] = models.OutcomeUpdated
		}
	}
	return outcomes, nil
}

func containsAll(existing, cols map[string]any) bool {
	for k, v := range cols {
		ev, ok := existing[k]
		if !ok || !reflect.DeepEqual(ev, v) {
			return false
		}
	}
	return true
}

// Existing reports which keys are stored.
func (s *Store) Existing(ctx context.Context, entityType models.EntityType, keys []string) (map[string]bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]bool, len(keys))
	for _, k := range keys {
		if _, ok := s.rows[entityType][k]; ok {
			out[k] = true
		}
	}
	return out, nil
}

// UpsertCalls returns the number of Upsert invocations.
func (s *Store) UpsertCalls() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.upsertCalls
}

// Count returns the number of stored entities of entityType.
func (s *Store) Count(entityType models.EntityType) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows[entityType])
}

// Row returns a copy of the stored columns for key.
func (s *Store) Row(entityType models.EntityType, key string) (map[string]any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[entityType][key]
	if !ok {
		return nil, false
	}
	out := make(map[string]any, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out, true
}

// HistoryStore is an in-memory store.HistoryStore.
type HistoryStore struct {
	mu   sync.Mutex
	rows map[models.EntityType]models.SyncHistory
}

var _ store.HistoryStore = (*HistoryStore)(nil)

// NewHistoryStore creates an empty history store.
func NewHistoryStore() *HistoryStore {
	return &HistoryStore{rows: make(map[models.EntityType]models.SyncHistory)}
}

// Put seeds a record, replacing any existing one.
func (h *HistoryStore) Put(rec models.SyncHistory) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rows[rec.EntityType] = rec
}

// Get returns a copy of the record, or nil if none exists.
func (h *HistoryStore) Get(ctx context.Context, entityType models.EntityType) (*models.SyncHistory, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec, ok := h.rows[entityType]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

// List returns every record ordered by entity type.
func (h *HistoryStore) List(ctx context.Context) ([]models.SyncHistory, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]models.SyncHistory, 0, len(h.rows))
	for _, rec := range h.rows {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityType < out[j].EntityType })
	return out, nil
}

// Acquire marks entityType RUNNING unless a fresh RUNNING record exists.
func (h *HistoryStore) Acquire(ctx context.Context, entityType models.EntityType, runID string, now time.Time, staleAfter time.Duration) (*store.Lease, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	prev, exists := h.rows[entityType]
	lease := &store.Lease{}
	if exists {
		if prev.Status == models.SyncRunning && !prev.IsStale(now, staleAfter) {
			return nil, store.ConflictError(prev, now)
		}
		lease.PreviousStatus = prev.Status
		if prev.Status == models.SyncRunning {
			lease.Reclaimed = true
			lease.StaleRunID = prev.RunID
		}
	}

	next := models.SyncHistory{
		EntityType: entityType,
		LastSyncAt: prev.LastSyncAt,
		Cursor:     prev.Cursor,
		Status:     models.SyncRunning,
		RunID:      runID,
		UpdatedAt:  now,
	}
	h.rows[entityType] = next
	lease.History = next
	return lease, nil
}

// Release stores the final state if rec.RunID still holds the record.
func (h *HistoryStore) Release(ctx context.Context, rec models.SyncHistory) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	cur, ok := h.rows[rec.EntityType]
	if !ok || cur.Status != models.SyncRunning || cur.RunID != rec.RunID {
		return store.LostLeaseError(rec.EntityType, rec.RunID)
	}
	h.rows[rec.EntityType] = rec
	return nil
}
