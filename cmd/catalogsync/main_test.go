package main

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/catalogsync/internal/pipeline"
	"github.com/ajitpratap0/catalogsync/pkg/compression"
	"github.com/ajitpratap0/catalogsync/pkg/models"
	"github.com/ajitpratap0/catalogsync/pkg/syncerrors"
	"github.com/ajitpratap0/catalogsync/pkg/testutil"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(append([]string{"--log-level=error"}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestVersionAndList(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "catalogsync v"+version)

	out, err = execute(t, "list")
	require.NoError(t, err)
	for _, st := range models.SourceTypes {
		assert.Contains(t, out, string(st))
	}
	assert.Less(t, strings.Index(out, "VEHICLES"), strings.Index(out, "FITMENTS"))
}

func TestValidateSchema(t *testing.T) {
	out, err := execute(t, "validate-schema")
	require.NoError(t, err)
	assert.Contains(t, out, "schema table complete")
}

func TestImportRejectsBadFlags(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"unknown source", []string{"import", "--source-type", "mainframe"}},
		{"unknown entity", []string{"import", "-s", "file", "-e", "wheels"}},
		{"custom query for all", []string{"import", "-s", "desktop", "--custom-query", "SELECT 1"}},
		{"negative limit", []string{"import", "-s", "file", "--limit", "-1"}},
		{"file path on midrange", []string{"import", "-s", "midrange", "--file-path", "x.csv"}},
		{"unknown field", []string{"import", "-s", "file", "-e", "vehicles", "--file-path", "x.csv", "--fields", "colour"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, tt.args...)
			require.Error(t, err)
			assert.Equal(t, exitUsage, exitCodeOf(err))
		})
	}
}

func TestImportDryRunFromFiles(t *testing.T) {
	dir := t.TempDir()
	testutil.CreateVehicleFiles(t, dir, 2, 3, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	reportPath := filepath.Join(dir, "report.json.gz")

	out, err := execute(t, "import",
		"--source-type", "file",
		"--entity-type", "vehicles",
		"--file-path", filepath.Join(dir, "vehicles_*.csv"),
		"--dry-run",
		"--output-file", reportPath,
	)
	require.NoError(t, err)
	assert.Contains(t, out, "COMPLETED (dry run)")
	assert.Contains(t, out, "TOTAL")

	f, err := os.Open(reportPath)
	require.NoError(t, err)
	defer f.Close()
	r, err := compression.NewReader(compression.Auto, reportPath, f)
	require.NoError(t, err)
	defer r.Close()

	var report pipeline.Report
	require.NoError(t, json.NewDecoder(r).Decode(&report))
	assert.Equal(t, pipeline.StateCompleted, report.State)
	assert.True(t, report.DryRun)
	assert.Equal(t, 6, report.Total.Created)
}

func TestImportExitsNonZeroOnRecordErrors(t *testing.T) {
	dir := t.TempDir()
	path := testutil.WriteFile(t, dir, "vehicles.csv", []byte(
		"VEHICLE_ID,YEAR,MAKE,MODEL,SUBMODEL,ENGINE,REGION,LAST_MODIFIED\n"+
			"V1,2019,Ford,Focus,,,US,2024-01-01T00:00:00Z\n"+
			"V2,abc,Ford,Fiesta,,,US,2024-01-01T00:00:00Z\n"))

	out, err := execute(t, "import", "-s", "file", "-e", "vehicles", "--file-path", path, "--dry-run")
	require.Error(t, err)
	assert.Equal(t, exitRecordErrors, exitCodeOf(err))
	assert.Contains(t, out, "record errors")
	assert.Contains(t, out, "#1 VEHICLES")
}

func TestImportExit(t *testing.T) {
	completed := &pipeline.Report{State: pipeline.StateCompleted}
	withFailures := &pipeline.Report{State: pipeline.StateCompleted, Total: models.ImportResult{Failed: 2}}
	failed := &pipeline.Report{State: pipeline.StateFailed}
	cancelled := &pipeline.Report{State: pipeline.StateCancelled}
	runErr := errors.New("boom")

	assert.Equal(t, exitOK, exitCodeOf(importExit(completed, nil)))
	assert.Equal(t, exitRecordErrors, exitCodeOf(importExit(withFailures, nil)))
	assert.Equal(t, exitFailed, exitCodeOf(importExit(failed, runErr)))
	assert.Equal(t, exitFailed, exitCodeOf(importExit(nil, runErr)))
	assert.Equal(t, exitCancelled, exitCodeOf(importExit(cancelled, runErr)))
	assert.Equal(t, exitUsage, exitCodeOf(importExit(failed,
		syncerrors.New(syncerrors.ErrorTypeQuery, "syntax error"))))
}

func TestSyncExit(t *testing.T) {
	assert.Equal(t, exitOK, exitCodeOf(syncExit(nil)))
	conflict := syncerrors.New(syncerrors.ErrorTypeSyncConflict, "already running")
	assert.Equal(t, exitConflict, exitCodeOf(syncExit(errors.Join(errors.New("x"), conflict))))
	assert.Equal(t, exitFailed, exitCodeOf(syncExit(errors.New("boom"))))
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := testutil.WriteFile(t, dir, "catalogsync.yaml", []byte(`
pipeline:
  batch_size: 250
midrange:
  host: ${TEST_MIDRANGE_HOST}
`))
	t.Setenv("TEST_MIDRANGE_HOST", "as400.example.com")
	t.Setenv("CATALOGSYNC_STORE_DSN", "postgres://catalog@localhost/catalog")
	t.Setenv("CATALOGSYNC_PIPELINE_WORKERS", "3")

	v := viper.New()
	v.SetEnvPrefix("CATALOGSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	v.Set("config", path)

	cfg, err := loadConfig(v)
	require.NoError(t, err)
	assert.Equal(t, 250, cfg.Pipeline.BatchSize)
	assert.Equal(t, 3, cfg.Pipeline.Workers)
	assert.Equal(t, "as400.example.com", cfg.Midrange.Host)
	assert.Equal(t, "postgres://catalog@localhost/catalog", cfg.Store.DSN)
}

func TestPrintSummaryCapsErrors(t *testing.T) {
	r := &pipeline.Report{RunID: "run-1", State: pipeline.StateCompleted}
	for i := 0; i < 5; i++ {
		r.Total.Fail(models.RecordError{Index: i, EntityType: models.EntityParts, Key: "P", Field: "brand", Reason: "required"})
	}

	var out bytes.Buffer
	printSummary(&out, r, 2)
	assert.Contains(t, out.String(), "First 2 of 5 record errors")
	assert.Contains(t, out.String(), "#1 PARTS P [brand]: required")
	assert.NotContains(t, out.String(), "#2 PARTS")
}
