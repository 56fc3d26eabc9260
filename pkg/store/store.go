// Package store defines the persistence contracts the pipeline and sync
// service depend on. Implementations live in subpackages: memory for tests
// and dry runs, postgres for the central catalog database.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/ajitpratap0/catalogsync/pkg/models"
	"github.com/ajitpratap0/catalogsync/pkg/syncerrors"
)

// Store persists catalog entities.
type Store interface {
	// Upsert writes entities of one type as a single transaction and
	// returns one outcome per entity, in order. On error nothing from
	// the call is persisted.
	Upsert(ctx context.Context, entityType models.EntityType, entities []models.Entity) ([]models.Outcome, error)
	// Existing reports which of keys are already stored for entityType.
	Existing(ctx context.Context, entityType models.EntityType, keys []string) (map[string]bool, error)
}

// Lease is the result of acquiring the sync lock for one entity type.
type Lease struct {
	// History is the RUNNING record as stored. Its watermark and cursor
	// are those of the last successful run.
	History models.SyncHistory
	// PreviousStatus is the status before acquisition; empty for an
	// entity type that has never been synced.
	PreviousStatus models.SyncStatus
	// Reclaimed is set when a stale RUNNING record was taken over.
	Reclaimed bool
	// StaleRunID is the run whose stale lock was reclaimed.
	StaleRunID string
}

// HistoryStore persists SyncHistory. Acquire and Release form a
// compare-and-set lock on the RUNNING status.
type HistoryStore interface {
	Get(ctx context.Context, entityType models.EntityType) (*models.SyncHistory, error)
	List(ctx context.Context) ([]models.SyncHistory, error)
	// Acquire atomically marks entityType RUNNING for runID. It fails with
	// a sync_conflict error when another run holds a RUNNING record that
	// is not older than staleAfter.
	Acquire(ctx context.Context, entityType models.EntityType, runID string, now time.Time, staleAfter time.Duration) (*Lease, error)
	// Release writes the final state of a run. It fails with a
	// sync_conflict error if runID no longer holds the record.
	Release(ctx context.Context, h models.SyncHistory) error
}

// ConflictError builds the sync_conflict error for a held record.
func ConflictError(h models.SyncHistory, now time.Time) error {
	return syncerrors.New(syncerrors.ErrorTypeSyncConflict,
		fmt.Sprintf("sync for %s already running", h.EntityType)).
		WithDetail("entity_type", string(h.EntityType)).
		WithDetail("run_id", h.RunID).
		WithDetail("running_for", now.Sub(h.UpdatedAt).String())
}

// LostLeaseError is returned by Release when runID no longer holds the
// record.
func LostLeaseError(entityType models.EntityType, runID string) error {
	return syncerrors.New(syncerrors.ErrorTypeSyncConflict,
		fmt.Sprintf("run %s no longer holds the %s sync lock", runID, entityType)).
		WithDetail("entity_type", string(entityType)).
		WithDetail("run_id", runID)
}
