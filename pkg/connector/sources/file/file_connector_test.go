package file

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/charmap"

	"github.com/ajitpratap0/catalogsync/pkg/compression"
	"github.com/ajitpratap0/catalogsync/pkg/config"
	"github.com/ajitpratap0/catalogsync/pkg/connector/core"
	"github.com/ajitpratap0/catalogsync/pkg/models"
	"github.com/ajitpratap0/catalogsync/pkg/syncerrors"
)

const partsCSV = `PART_NO,BRAND,DESCRIPTION,LAST_MODIFIED
A-100,ACME,Brake pad,2024-01-01T00:00:00Z
A-101,ACME,Rotor,2024-01-02T00:00:00Z
B-200,ZENITH,Filter,2024-01-03T00:00:00Z
`

var partColumns = []core.Column{
	{Source: "PART_NO", Alias: "part_number"},
	{Source: "BRAND", Alias: "brand"},
	{Source: "DESCRIPTION", Alias: "description"},
	{Source: "LAST_MODIFIED", Alias: "modified_at"},
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, data, 0o600))
	return p
}

func fileConfig(path string) config.FileConfig {
	cfg := config.Default().File
	cfg.Path = path
	return cfg
}

func collect(t *testing.T, c *Connector, q core.Query, batchSize int) ([][]*models.RawRecord, error) {
	t.Helper()
	ctx := context.Background()
	s, err := c.Connect(ctx)
	require.NoError(t, err)
	defer s.Close()

	stream, err := s.Fetch(ctx, q, batchSize)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	var batches [][]*models.RawRecord
	for {
		b, err := stream.Next(ctx)
		if err == io.EOF {
			return batches, nil
		}
		if err != nil {
			return batches, err
		}
		batches = append(batches, b)
	}
}

func TestFetchCSVBatches(t *testing.T) {
	path := writeFile(t, t.TempDir(), "parts.csv", []byte(partsCSV))
	c, err := NewConnector(fileConfig(path), config.RetryConfig{Attempts: 1})
	require.NoError(t, err)

	batches, err := collect(t, c, core.Query{Entity: models.EntityParts, Columns: partColumns}, 2)
	require.NoError(t, err)
	require.Len(t, batches, 2)
	assert.Len(t, batches[0], 2)
	assert.Len(t, batches[1], 1)

	first := batches[0][0]
	assert.Equal(t, []string{"part_number", "brand", "description", "modified_at"}, first.Fields())
	v, _ := first.Get("part_number")
	assert.Equal(t, "A-100", v)
}

func TestFetchRowFilter(t *testing.T) {
	path := writeFile(t, t.TempDir(), "parts.csv", []byte(partsCSV))
	c, err := NewConnector(fileConfig(path), config.RetryConfig{Attempts: 1})
	require.NoError(t, err)

	q := core.Query{
		Entity:  models.EntityParts,
		Columns: partColumns,
		Filter: &core.RowFilter{
			Equals:        map[string]string{"brand": "acme"},
			ModifiedField: "modified_at",
			After:         time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		},
	}
	batches, err := collect(t, c, q, 10)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 1)
	v, _ := batches[0][0].Get("part_number")
	assert.Equal(t, "A-101", v)
}

func TestFetchCompressedNDJSON(t *testing.T) {
	var buf bytes.Buffer
	w, err := compression.NewWriter(compression.Zstd, &buf)
	require.NoError(t, err)
	_, err = io.WriteString(w, `{"PART_NO": "A-100", "BRAND": "ACME", "QTY": 12345678901234567890}`+"\n\n"+
		`{"PART_NO": "A-101", "BRAND": "ACME"}`+"\n")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	path := writeFile(t, t.TempDir(), "parts.ndjson.zst", buf.Bytes())
	c, err := NewConnector(fileConfig(path), config.RetryConfig{Attempts: 1})
	require.NoError(t, err)

	batches, err := collect(t, c, core.Query{Entity: models.EntityParts}, 100)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 2)
	qty, ok := batches[0][0].Get("QTY")
	require.True(t, ok)
	assert.Equal(t, "12345678901234567890", qty)
}

func TestFetchJSONArrayGzip(t *testing.T) {
	var buf bytes.Buffer
	w, err := compression.NewWriter(compression.Gzip, &buf)
	require.NoError(t, err)
	_, err = io.WriteString(w, `[{"PART_NO":"A-100","BRAND":"ACME"},{"PART_NO":"B-200","BRAND":"ZENITH"}]`)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	path := writeFile(t, t.TempDir(), "parts.json.gz", buf.Bytes())
	c, err := NewConnector(fileConfig(path), config.RetryConfig{Attempts: 1})
	require.NoError(t, err)

	batches, err := collect(t, c, core.Query{Entity: models.EntityParts, Columns: partColumns}, 100)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 2)
	v, _ := batches[0][1].Get("brand")
	assert.Equal(t, "ZENITH", v)
}

func TestFetchLatin1Pipe(t *testing.T) {
	encoded, err := charmap.ISO8859_1.NewEncoder().String("CODE|TEXT\nQ1|Côté conducteur\n")
	require.NoError(t, err)
	path := writeFile(t, t.TempDir(), "qualifiers.psv", []byte(encoded))

	cfg := fileConfig(path)
	cfg.Encoding = "latin1"
	c, err := NewConnector(cfg, config.RetryConfig{Attempts: 1})
	require.NoError(t, err)

	batches, err := collect(t, c, core.Query{Entity: models.EntityQualifiers}, 10)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	v, _ := batches[0][0].Get("TEXT")
	assert.Equal(t, "Côté conducteur", v)
}

func TestFetchHeaderlessUsesColumnOrder(t *testing.T) {
	path := writeFile(t, t.TempDir(), "parts.csv", []byte("A-100,ACME\n"))
	cfg := fileConfig(path)
	cfg.HasHeader = false
	c, err := NewConnector(cfg, config.RetryConfig{Attempts: 1})
	require.NoError(t, err)

	batches, err := collect(t, c, core.Query{Entity: models.EntityParts, Columns: partColumns[:2]}, 10)
	require.NoError(t, err)
	v, _ := batches[0][0].Get("brand")
	assert.Equal(t, "ACME", v)
}

func TestFetchGlobReadsFilesInOrder(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "b.csv", []byte("PART_NO\nB-1\n"))
	writeFile(t, dir, "a.csv", []byte("PART_NO\nA-1\n"))

	c, err := NewConnector(fileConfig(""), config.RetryConfig{Attempts: 1})
	require.NoError(t, err)

	batches, err := collect(t, c, core.Query{File: filepath.Join(dir, "*.csv")}, 10)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	first, _ := batches[0][0].Get("PART_NO")
	second, _ := batches[0][1].Get("PART_NO")
	assert.Equal(t, "A-1", first)
	assert.Equal(t, "B-1", second)
}

func TestFetchLimitCapsRowsAcrossFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.csv", []byte("PART_NO,BRAND\nA-1,ACME\nA-2,ZENITH\nA-3,ACME\n"))
	writeFile(t, dir, "b.csv", []byte("PART_NO,BRAND\nB-1,ACME\nB-2,ACME\n"))

	c, err := NewConnector(fileConfig(""), config.RetryConfig{Attempts: 1})
	require.NoError(t, err)

	batches, err := collect(t, c, core.Query{
		File:    filepath.Join(dir, "*.csv"),
		Columns: []core.Column{{Source: "PART_NO", Alias: "part_number"}, {Source: "BRAND", Alias: "brand"}},
		Filter:  &core.RowFilter{Equals: map[string]string{"brand": "ACME"}},
		Limit:   3,
	}, 2)
	require.NoError(t, err)

	var got []any
	for _, b := range batches {
		for _, r := range b {
			v, _ := r.Get("part_number")
			got = append(got, v)
		}
	}
	assert.Equal(t, []any{"A-1", "A-3", "B-1"}, got)
}

func TestConnectMissingFile(t *testing.T) {
	c, err := NewConnector(fileConfig(filepath.Join(t.TempDir(), "missing.csv")), config.RetryConfig{Attempts: 3})
	require.NoError(t, err)

	_, err = c.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, syncerrors.IsType(err, syncerrors.ErrorTypeNotFound))
}

func TestMalformedRowDiscardsPartialBatch(t *testing.T) {
	bad := writeFile(t, t.TempDir(), "parts.ndjson", []byte("{\"PART_NO\":\"A-1\"}\n{not json}\n"))
	c, err := NewConnector(fileConfig(bad), config.RetryConfig{Attempts: 1})
	require.NoError(t, err)

	batches, err := collect(t, c, core.Query{}, 10)
	require.Error(t, err)
	assert.Empty(t, batches)
	assert.True(t, syncerrors.HasType(err, syncerrors.ErrorTypeData))
}

func TestSessionCloseIdempotent(t *testing.T) {
	path := writeFile(t, t.TempDir(), "parts.csv", []byte(partsCSV))
	c, err := NewConnector(fileConfig(path), config.RetryConfig{Attempts: 1})
	require.NoError(t, err)

	s, err := c.Connect(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.Fetch(context.Background(), core.Query{}, 10)
	assert.Error(t, err)
}

func TestNewConnectorRejectsBadConfig(t *testing.T) {
	_, err := NewConnector(config.FileConfig{Format: "xlsx"}, config.RetryConfig{})
	assert.Error(t, err)
	_, err = NewConnector(config.FileConfig{Encoding: "ebcdic"}, config.RetryConfig{})
	assert.Error(t, err)
	_, err = NewConnector(config.FileConfig{Compression: "snappy"}, config.RetryConfig{})
	assert.Error(t, err)
}

func TestParseLocation(t *testing.T) {
	loc, err := parseLocation("s3://catalog-drops/2024/parts-*.csv.gz")
	require.NoError(t, err)
	assert.Equal(t, "s3", loc.Scheme)
	assert.Equal(t, "catalog-drops", loc.Bucket)
	assert.True(t, loc.hasMeta())
	assert.Equal(t, "2024/parts-", loc.listPrefix())
	assert.True(t, loc.matches("2024/parts-01.csv.gz"))
	assert.False(t, loc.matches("2024/vehicles-01.csv.gz"))

	loc, err = parseLocation("gs://bucket/exports/")
	require.NoError(t, err)
	assert.True(t, loc.matches("exports/a.csv"))

	_, err = parseLocation("ftp://host/x")
	assert.Error(t, err)
}
