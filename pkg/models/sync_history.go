package models

import (
	"fmt"
	"strings"
	"time"
)

// SyncStatus is the lifecycle state of a SyncHistory row.
type SyncStatus string

const (
	SyncSuccess SyncStatus = "SUCCESS"
	SyncFailed  SyncStatus = "FAILED"
	SyncRunning SyncStatus = "RUNNING"
)

// SyncHistory is the persisted incremental-sync state of one entity type.
// Only the sync service writes it.
type SyncHistory struct {
	EntityType EntityType `json:"entity_type"`
	// LastSyncAt is the watermark: the largest modified timestamp loaded
	// by a successful run. Zero means never synced.
	LastSyncAt   time.Time  `json:"last_sync_at"`
	Cursor       string     `json:"cursor,omitempty"`
	Status       SyncStatus `json:"status"`
	ErrorMessage string     `json:"error_message,omitempty"`
	RunID        string     `json:"run_id,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// IsStale reports whether a RUNNING row has not been touched within
// threshold and may be reclaimed.
func (h *SyncHistory) IsStale(now time.Time, threshold time.Duration) bool {
	return h.Status == SyncRunning && now.Sub(h.UpdatedAt) > threshold
}

const cursorSep = "|"

// EncodeCursor renders a watermark and the last key loaded at that
// watermark as an opaque cursor.
func EncodeCursor(watermark time.Time, key string) string {
	if watermark.IsZero() {
		return ""
	}
	return watermark.UTC().Format(time.RFC3339Nano) + cursorSep + key
}

// DecodeCursor is the inverse of EncodeCursor. An empty cursor decodes to
// a zero time and empty key.
func DecodeCursor(cursor string) (time.Time, string, error) {
	if cursor == "" {
		return time.Time{}, "", nil
	}
	ts, key, _ := strings.Cut(cursor, cursorSep)
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("malformed cursor %q: %w", cursor, err)
	}
	return t, key, nil
}
