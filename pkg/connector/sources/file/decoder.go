package file

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/goccy/go-json"
	"golang.org/x/text/encoding/charmap"

	"github.com/ajitpratap0/catalogsync/pkg/compression"
	"github.com/ajitpratap0/catalogsync/pkg/syncerrors"
)

// Format identifies a file layout.
type Format string

const (
	FormatCSV    Format = "csv"
	FormatTSV    Format = "tsv"
	FormatPipe   Format = "pipe"
	FormatJSON   Format = "json"
	FormatNDJSON Format = "ndjson"
)

// ParseFormat accepts a configured format name. Empty means infer from
// the file name.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return "", nil
	case "csv", "txt":
		return FormatCSV, nil
	case "tsv", "tab":
		return FormatTSV, nil
	case "pipe", "psv":
		return FormatPipe, nil
	case "json":
		return FormatJSON, nil
	case "ndjson", "jsonl":
		return FormatNDJSON, nil
	}
	return "", syncerrors.Newf(syncerrors.ErrorTypeConfig, "unsupported file format %q", s)
}

// formatFromName infers the format from the extension under any
// compression suffix. Unknown extensions read as CSV.
func formatFromName(name string) Format {
	switch strings.ToLower(path.Ext(compression.TrimExt(name))) {
	case ".tsv", ".tab":
		return FormatTSV
	case ".psv", ".pipe":
		return FormatPipe
	case ".json":
		return FormatJSON
	case ".ndjson", ".jsonl":
		return FormatNDJSON
	}
	return FormatCSV
}

func (f Format) delimiter() rune {
	switch f {
	case FormatTSV:
		return '\t'
	case FormatPipe:
		return '|'
	}
	return ','
}

// row is one decoded record before projection: field name to value.
type row struct {
	names  []string
	values []any
	line   int
}

// rowReader yields rows until io.EOF.
type rowReader interface {
	Next() (*row, error)
}

// decodeCharset wraps r to transcode legacy single-byte encodings to UTF-8.
func decodeCharset(r io.Reader, encoding string) (io.Reader, error) {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(encoding), "_", "-")) {
	case "", "utf-8", "utf8":
		return r, nil
	case "latin1", "latin-1", "iso-8859-1":
		return charmap.ISO8859_1.NewDecoder().Reader(r), nil
	case "windows-1252", "cp1252":
		return charmap.Windows1252.NewDecoder().Reader(r), nil
	}
	return nil, syncerrors.Newf(syncerrors.ErrorTypeConfig, "unsupported encoding %q", encoding)
}

type readerOptions struct {
	format    Format
	delimiter rune
	hasHeader bool
	// positional names the columns of a headerless delimited file
	positional []string
}

func newRowReader(r io.Reader, opts readerOptions) (rowReader, error) {
	switch opts.format {
	case FormatJSON:
		return newJSONArrayReader(r)
	case FormatNDJSON:
		return &ndjsonReader{scanner: newLineScanner(r)}, nil
	default:
		return newDelimitedReader(r, opts)
	}
}

type delimitedReader struct {
	reader *csv.Reader
	header []string
	line   int
}

func newDelimitedReader(r io.Reader, opts readerOptions) (*delimitedReader, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true
	cr.Comma = opts.format.delimiter()
	if opts.delimiter != 0 {
		cr.Comma = opts.delimiter
	}

	d := &delimitedReader{reader: cr}
	if opts.hasHeader {
		header, err := cr.Read()
		if err == io.EOF {
			return d, nil
		}
		if err != nil {
			return nil, syncerrors.Wrap(err, syncerrors.ErrorTypeData, "failed to read header row")
		}
		d.line = 1
		for i, h := range header {
			h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
			header[i] = h
		}
		d.header = header
	} else {
		d.header = opts.positional
	}
	return d, nil
}

func (d *delimitedReader) Next() (*row, error) {
	for {
		rec, err := d.reader.Read()
		if err == io.EOF {
			return nil, io.EOF
		}
		d.line++
		if err != nil {
			return nil, syncerrors.Wrap(err, syncerrors.ErrorTypeData, fmt.Sprintf("malformed row at line %d", d.line))
		}
		if len(rec) == 1 && strings.TrimSpace(rec[0]) == "" {
			continue
		}
		r := &row{names: make([]string, len(rec)), values: make([]any, len(rec)), line: d.line}
		for i, v := range rec {
			if i < len(d.header) {
				r.names[i] = d.header[i]
			} else {
				r.names[i] = fmt.Sprintf("field_%d", i+1)
			}
			r.values[i] = strings.TrimSpace(v)
		}
		return r, nil
	}
}

func newLineScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64*1024), 16*1024*1024)
	return s
}

type ndjsonReader struct {
	scanner *bufio.Scanner
	line    int
}

func (n *ndjsonReader) Next() (*row, error) {
	for n.scanner.Scan() {
		n.line++
		line := strings.TrimSpace(n.scanner.Text())
		if line == "" {
			continue
		}
		var obj map[string]any
		dec := json.NewDecoder(strings.NewReader(line))
		dec.UseNumber()
		if err := dec.Decode(&obj); err != nil {
			return nil, syncerrors.Wrap(err, syncerrors.ErrorTypeData, fmt.Sprintf("invalid JSON at line %d", n.line))
		}
		return objectRow(obj, n.line), nil
	}
	if err := n.scanner.Err(); err != nil {
		return nil, syncerrors.Wrap(err, syncerrors.ErrorTypeData, "failed to read NDJSON")
	}
	return nil, io.EOF
}

type jsonArrayReader struct {
	dec   *json.Decoder
	index int
	done  bool
}

func newJSONArrayReader(r io.Reader) (*jsonArrayReader, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	tok, err := dec.Token()
	if err == io.EOF {
		return &jsonArrayReader{dec: dec, done: true}, nil
	}
	if err != nil {
		return nil, syncerrors.Wrap(err, syncerrors.ErrorTypeData, "invalid JSON document")
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		return nil, syncerrors.New(syncerrors.ErrorTypeData, "JSON document must be an array of objects")
	}
	return &jsonArrayReader{dec: dec}, nil
}

func (j *jsonArrayReader) Next() (*row, error) {
	if j.done || !j.dec.More() {
		j.done = true
		return nil, io.EOF
	}
	j.index++
	var obj map[string]any
	if err := j.dec.Decode(&obj); err != nil {
		return nil, syncerrors.Wrap(err, syncerrors.ErrorTypeData, fmt.Sprintf("invalid JSON element %d", j.index))
	}
	return objectRow(obj, j.index), nil
}

func objectRow(obj map[string]any, line int) *row {
	names := make([]string, 0, len(obj))
	for k := range obj {
		names = append(names, k)
	}
	sort.Strings(names)
	r := &row{names: names, values: make([]any, len(names)), line: line}
	for i, k := range names {
		r.values[i] = normalizeJSON(obj[k])
	}
	return r
}

// normalizeJSON keeps numbers as their literal text so long identifiers
// survive without float rounding.
func normalizeJSON(v any) any {
	switch t := v.(type) {
	case json.Number:
		return t.String()
	case string:
		return strings.TrimSpace(t)
	}
	return v
}

// openDecoded layers decompression and charset decoding over src.
func openDecoded(src io.Reader, name string, alg compression.Algorithm, encoding string) (io.Reader, io.Closer, error) {
	dr, err := compression.NewReader(alg, name, src)
	if err != nil {
		return nil, nil, syncerrors.Wrap(err, syncerrors.ErrorTypeData, "failed to decompress "+name)
	}
	r, err := decodeCharset(dr, encoding)
	if err != nil {
		dr.Close()
		return nil, nil, err
	}
	return r, dr, nil
}
