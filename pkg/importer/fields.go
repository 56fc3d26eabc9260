package importer

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ajitpratap0/catalogsync/pkg/connector/core"
	"github.com/ajitpratap0/catalogsync/pkg/models"
)

// FieldError is a validation failure on one field of one record.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return e.Field + ": " + e.Reason
}

// reader extracts typed values from a RawRecord. The first failure is
// kept and later reads become no-ops, so converters read straight through
// and check err once.
type reader struct {
	rec    *models.RawRecord
	mask   map[string]bool
	fields []string
	err    *FieldError
}

// mapped reports whether field participates under the field mask.
func (r *reader) mapped(field string) bool {
	return r.mask == nil || field == models.FieldExternalID || r.mask[field]
}

func (r *reader) fail(field, format string, args ...any) {
	if r.err == nil {
		r.err = &FieldError{Field: field, Reason: fmt.Sprintf(format, args...)}
	}
}

func (r *reader) raw(field string) (any, bool) {
	if r.err != nil || !r.mapped(field) {
		return nil, false
	}
	v, ok := r.rec.Get(field)
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

func (r *reader) str(field string, required bool) string {
	v, ok := r.raw(field)
	s := ""
	if ok {
		s = strings.TrimSpace(toString(v))
	}
	if s == "" && required && r.mapped(field) {
		r.fail(field, "is required")
	}
	return s
}

func (r *reader) integer(field string, required bool, def int) int {
	s := r.str(field, required)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		// decimals such as "2.0" from spreadsheets
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil || f != float64(int(f)) {
			r.fail(field, "%q is not an integer", s)
			return def
		}
		n = int(f)
	}
	return n
}

func (r *reader) decimal(field string, required bool) float64 {
	s := r.str(field, required)
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
	if err != nil {
		r.fail(field, "%q is not a number", s)
	}
	return f
}

func (r *reader) timestamp(field string) time.Time {
	v, ok := r.raw(field)
	if !ok {
		return time.Time{}
	}
	if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
		return time.Time{}
	}
	t, err := core.ParseTimestamp(v)
	if err != nil {
		r.fail(field, "%q is not a timestamp", toString(v))
		return time.Time{}
	}
	return t.UTC()
}

func (r *reader) meta() models.Meta {
	m := models.Meta{
		ExternalID: r.str(models.FieldExternalID, true),
		Modified:   r.timestamp(models.FieldModifiedAt),
	}
	if len(m.ExternalID) > 64 {
		r.fail(models.FieldExternalID, "longer than 64 characters")
	}
	m.Mask = r.fields
	return m
}

func toString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(v)
	}
}
