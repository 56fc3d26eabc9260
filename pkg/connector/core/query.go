package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/ajitpratap0/catalogsync/pkg/models"
)

// Query is a source-specific fetch request.
type Query struct {
	Source models.SourceType
	Entity models.EntityType

	// Statement is the SQL text for database sources.
	Statement string
	Args      []any

	// File selects the input for file sources: a path, glob or URL.
	File string
	// Columns projects source columns onto canonical field names. Used by
	// file sources; database sources alias in the statement.
	Columns []Column
	// Filter is applied row by row by file sources.
	Filter *RowFilter
	// Limit caps the rows a file source produces after filtering. Zero
	// means no cap; database sources carry it in Statement.
	Limit int

	// Custom marks a caller-supplied statement that bypassed the mapper.
	Custom bool
}

// Column maps one source column to a canonical field name.
type Column struct {
	Source string
	Alias  string
}

// String renders the query for logs and error details.
func (q Query) String() string {
	if q.Statement != "" {
		return q.Statement
	}
	return fmt.Sprintf("file=%s", q.File)
}

// RowFilter selects records by canonical field values.
type RowFilter struct {
	Equals map[string]string

	// ModifiedField and After select records changed after a watermark.
	// When AfterKey is set, records exactly at After are kept only if
	// their KeyField value sorts after AfterKey.
	ModifiedField string
	After         time.Time
	KeyField      string
	AfterKey      string
}

// Match reports whether r passes the filter. Records whose modified field
// cannot be parsed are kept so validation can report them.
func (f *RowFilter) Match(r *models.RawRecord) bool {
	if f == nil {
		return true
	}
	for field, want := range f.Equals {
		v, ok := r.Get(field)
		if !ok || !strings.EqualFold(strings.TrimSpace(fmt.Sprint(v)), want) {
			return false
		}
	}
	if f.ModifiedField == "" || f.After.IsZero() {
		return true
	}
	v, ok := r.Get(f.ModifiedField)
	if !ok {
		return true
	}
	ts, err := ParseTimestamp(v)
	if err != nil {
		return true
	}
	switch {
	case ts.After(f.After):
		return true
	case ts.Equal(f.After) && f.AfterKey != "":
		k, _ := r.Get(f.KeyField)
		return fmt.Sprint(k) > f.AfterKey
	}
	return false
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02-15.04.05.999999", // DB2 timestamp literal
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"01/02/2006 15:04:05",
	"01/02/2006",
}

// ParseTimestamp converts the timestamp representations legacy sources
// produce into a UTC time.
func ParseTimestamp(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case *time.Time:
		if t == nil {
			return time.Time{}, fmt.Errorf("nil timestamp")
		}
		return t.UTC(), nil
	case int64:
		return time.Unix(t, 0).UTC(), nil
	case float64:
		return time.Unix(int64(t), 0).UTC(), nil
	case []byte:
		return ParseTimestamp(string(t))
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return time.Time{}, fmt.Errorf("empty timestamp")
		}
		for _, layout := range timestampLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
	case nil:
		return time.Time{}, fmt.Errorf("missing timestamp")
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
}
