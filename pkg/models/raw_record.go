package models

import (
	"bytes"

	gojson "github.com/goccy/go-json"
)

// RawRecord is an ordered mapping of source field name to untyped value.
// Field order is insertion order. A RawRecord is not safe for concurrent
// mutation.
type RawRecord struct {
	fields []string
	values map[string]any
}

// NewRawRecord creates an empty record with room for n fields.
func NewRawRecord(n int) *RawRecord {
	return &RawRecord{
		fields: make([]string, 0, n),
		values: make(map[string]any, n),
	}
}

// RawRecordFrom builds a record from parallel name/value slices.
func RawRecordFrom(fields []string, values []any) *RawRecord {
	r := NewRawRecord(len(fields))
	for i, f := range fields {
		if i < len(values) {
			r.Set(f, values[i])
		} else {
			r.Set(f, nil)
		}
	}
	return r
}

// Set assigns value to field, appending the field if it is new.
func (r *RawRecord) Set(field string, value any) {
	if _, ok := r.values[field]; !ok {
		r.fields = append(r.fields, field)
	}
	r.values[field] = value
}

// Get returns the value for field and whether it was present.
func (r *RawRecord) Get(field string) (any, bool) {
	v, ok := r.values[field]
	return v, ok
}

// Fields returns the field names in order. The slice must not be modified.
func (r *RawRecord) Fields() []string { return r.fields }

// Len returns the number of fields.
func (r *RawRecord) Len() int { return len(r.fields) }

// MarshalJSON encodes the record as a JSON object preserving field order.
func (r *RawRecord) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range r.fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := gojson.Marshal(f)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		v, err := gojson.Marshal(r.values[f])
		if err != nil {
			return nil, err
		}
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
