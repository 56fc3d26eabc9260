// Package testutil provides testing utilities for catalogsync
package testutil

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/catalogsync/pkg/models"
)

// TestLogger creates a test logger that writes to the test output.
// The logger is automatically cleaned up when the test completes.
func TestLogger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t)
}

// TestContext creates a test context with a 30-second timeout.
// The caller must call the returned cancel function to avoid leaks.
func TestContext(_ *testing.T) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

// AssertEventually asserts that a condition becomes true within the specified timeout.
// It checks the condition every 10ms until it succeeds or the timeout expires.
func AssertEventually(t *testing.T, condition func() bool, timeout time.Duration, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Fatalf("condition not met within %v: %s", timeout, msg)
}

// Record builds a RawRecord from alternating field names and values.
func Record(kv ...any) *models.RawRecord {
	r := models.NewRawRecord(len(kv) / 2)
	for i := 0; i+1 < len(kv); i += 2 {
		r.Set(kv[i].(string), kv[i+1])
	}
	return r
}

// Vehicle builds a canonical vehicle record.
func Vehicle(id string, modified time.Time) *models.RawRecord {
	return Record(
		models.FieldExternalID, id,
		"year", "2020",
		"make", "Ford",
		"model", "Model "+id,
		models.FieldModifiedAt, modified,
	)
}

// Part builds a canonical part record.
func Part(id string, modified time.Time) *models.RawRecord {
	return Record(
		models.FieldExternalID, id,
		"part_number", "PN-"+id,
		"brand", "ACME",
		"name", "Part "+id,
		models.FieldModifiedAt, modified,
	)
}

// Fitment builds a canonical fitment record.
func Fitment(id, vehicleID, partID string, modified time.Time) *models.RawRecord {
	return Record(
		models.FieldExternalID, id,
		"vehicle_id", vehicleID,
		"part_id", partID,
		"quantity", "1",
		models.FieldModifiedAt, modified,
	)
}
