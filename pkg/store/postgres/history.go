package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ajitpratap0/catalogsync/pkg/models"
	"github.com/ajitpratap0/catalogsync/pkg/store"
)

const historyColumns = "entity_type, last_sync_at, cursor, status, error_message, run_id, updated_at"

func scanHistory(row pgx.Row) (models.SyncHistory, error) {
	var (
		h        models.SyncHistory
		et, st   string
		lastSync *time.Time
	)
	if err := row.Scan(&et, &lastSync, &h.Cursor, &st, &h.ErrorMessage, &h.RunID, &h.UpdatedAt); err != nil {
		return h, err
	}
	h.EntityType = models.EntityType(et)
	h.Status = models.SyncStatus(st)
	if lastSync != nil {
		h.LastSyncAt = lastSync.UTC()
	}
	h.UpdatedAt = h.UpdatedAt.UTC()
	return h, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// Get returns the record for entityType, or nil if none exists.
func (c *Client) Get(ctx context.Context, entityType models.EntityType) (*models.SyncHistory, error) {
	h, err := scanHistory(c.pool.QueryRow(ctx,
		"SELECT "+historyColumns+" FROM sync_history WHERE entity_type = $1", string(entityType)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, persistenceError(err, "failed to read sync history")
	}
	return &h, nil
}

// List returns every record ordered by entity type.
func (c *Client) List(ctx context.Context) ([]models.SyncHistory, error) {
	rows, err := c.pool.Query(ctx, "SELECT "+historyColumns+" FROM sync_history ORDER BY entity_type")
	if err != nil {
		return nil, persistenceError(err, "failed to list sync history")
	}
	defer rows.Close()

	var out []models.SyncHistory
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, persistenceError(err, "failed to scan sync history")
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, persistenceError(err, "failed to list sync history")
	}
	return out, nil
}

// Acquire locks the record with SELECT ... FOR UPDATE so the staleness
// decision and the transition to RUNNING happen atomically.
func (c *Client) Acquire(ctx context.Context, entityType models.EntityType, runID string, now time.Time, staleAfter time.Duration) (*store.Lease, error) {
	var (
		lease    *store.Lease
		conflict error
	)
	err := pgx.BeginFunc(ctx, c.pool, func(tx pgx.Tx) error {
		prev, err := scanHistory(tx.QueryRow(ctx,
			"SELECT "+historyColumns+" FROM sync_history WHERE entity_type = $1 FOR UPDATE", string(entityType)))

		if errors.Is(err, pgx.ErrNoRows) {
			tag, err := tx.Exec(ctx,
				`INSERT INTO sync_history (entity_type, status, run_id, updated_at)
				 VALUES ($1, 'RUNNING', $2, $3) ON CONFLICT (entity_type) DO NOTHING`,
				string(entityType), runID, now)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				// another run inserted the first record concurrently
				conflict = store.ConflictError(models.SyncHistory{EntityType: entityType, UpdatedAt: now}, now)
				return nil
			}
			lease = &store.Lease{History: models.SyncHistory{
				EntityType: entityType, Status: models.SyncRunning, RunID: runID, UpdatedAt: now,
			}}
			return nil
		}
		if err != nil {
			return err
		}

		if prev.Status == models.SyncRunning && !prev.IsStale(now, staleAfter) {
			conflict = store.ConflictError(prev, now)
			return nil
		}
		if _, err := tx.Exec(ctx,
			`UPDATE sync_history SET status = 'RUNNING', run_id = $2, updated_at = $3, error_message = ''
			 WHERE entity_type = $1`,
			string(entityType), runID, now); err != nil {
			return err
		}

		lease = &store.Lease{
			PreviousStatus: prev.Status,
			History: models.SyncHistory{
				EntityType: entityType,
				LastSyncAt: prev.LastSyncAt,
				Cursor:     prev.Cursor,
				Status:     models.SyncRunning,
				RunID:      runID,
				UpdatedAt:  now,
			},
		}
		if prev.Status == models.SyncRunning {
			lease.Reclaimed = true
			lease.StaleRunID = prev.RunID
		}
		return nil
	})
	if err != nil {
		return nil, persistenceError(err, "failed to acquire sync lock")
	}
	if conflict != nil {
		return nil, conflict
	}
	return lease, nil
}

// Release writes the final state guarded by run_id so a reclaimed run
// cannot overwrite its successor.
func (c *Client) Release(ctx context.Context, h models.SyncHistory) error {
	tag, err := c.pool.Exec(ctx,
		`UPDATE sync_history
		 SET last_sync_at = $2, cursor = $3, status = $4, error_message = $5, updated_at = $6
		 WHERE entity_type = $1 AND run_id = $7 AND status = 'RUNNING'`,
		string(h.EntityType), nullableTime(h.LastSyncAt), h.Cursor, string(h.Status), h.ErrorMessage, h.UpdatedAt, h.RunID)
	if err != nil {
		return persistenceError(err, "failed to release sync lock")
	}
	if tag.RowsAffected() == 0 {
		return store.LostLeaseError(h.EntityType, h.RunID)
	}
	return nil
}
