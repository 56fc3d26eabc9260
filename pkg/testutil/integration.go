package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// IntegrationTest marks a test as an integration test
func IntegrationTest(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
}

// RequireEnv returns the value of the named environment variable or skips
// the test when it is unset.
func RequireEnv(t *testing.T, name string) string {
	t.Helper()
	IntegrationTest(t)
	v := os.Getenv(name)
	if v == "" {
		t.Skipf("%s not set", name)
	}
	return v
}

// WriteFile writes content under dir and returns the path.
func WriteFile(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return path
}

// CreateVehicleFiles writes numFiles vehicle extracts in the flat-file
// layout, recordsPerFile rows each, and returns their paths.
func CreateVehicleFiles(t *testing.T, dir string, numFiles, recordsPerFile int, modified time.Time) []string {
	t.Helper()

	var files []string
	for i := 0; i < numFiles; i++ {
		var b strings.Builder
		b.WriteString("VEHICLE_ID,YEAR,MAKE,MODEL,SUBMODEL,ENGINE,REGION,LAST_MODIFIED\n")
		for j := 0; j < recordsPerFile; j++ {
			fmt.Fprintf(&b, "V%03d%04d,%d,Ford,Model %d,,2.0L,US,%s\n",
				i, j, 2000+j%25, j, modified.Add(time.Duration(j)*time.Second).UTC().Format(time.RFC3339))
		}
		files = append(files, WriteFile(t, dir, fmt.Sprintf("vehicles_%d.csv", i), []byte(b.String())))
	}
	return files
}
