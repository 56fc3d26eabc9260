package models

import (
	"strings"
	"time"
)

// Outcome is the store's verdict for one upserted entity.
type Outcome int

const (
	OutcomeCreated Outcome = iota
	OutcomeUpdated
	// OutcomeUnchanged means the stored row already matched.
	OutcomeUnchanged
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCreated:
		return "created"
	case OutcomeUpdated:
		return "updated"
	case OutcomeUnchanged:
		return "unchanged"
	}
	return "unknown"
}

// RecordError describes why one record was not loaded.
type RecordError struct {
	// Index is the record's ordinal within the run, starting at 0.
	Index      int        `json:"index"`
	EntityType EntityType `json:"entity_type"`
	Key        string     `json:"key,omitempty"`
	Field      string     `json:"field,omitempty"`
	Reason     string     `json:"reason"`
}

// ImportResult accumulates per-record outcomes.
//
// For every finished run Created+Updated+Skipped+Failed equals the number
// of records consumed. A single importer call may leave records Pending
// (deferred to a later retry); those are counted once they resolve.
type ImportResult struct {
	Created int           `json:"created"`
	Updated int           `json:"updated"`
	Skipped int           `json:"skipped"`
	Failed  int           `json:"failed"`
	Pending int           `json:"pending,omitempty"`
	Errors  []RecordError `json:"errors,omitempty"`

	// MaxModified is the largest modified timestamp among loaded records
	// and MaxKey the largest natural key carrying that timestamp.
	MaxModified time.Time `json:"max_modified_at,omitempty"`
	MaxKey      string    `json:"max_key,omitempty"`
}

// Processed returns the number of records with a final outcome.
func (r *ImportResult) Processed() int {
	return r.Created + r.Updated + r.Skipped + r.Failed
}

// Record counts one loaded entity with the given outcome.
func (r *ImportResult) Record(e Entity, o Outcome) {
	switch o {
	case OutcomeCreated:
		r.Created++
	case OutcomeUpdated:
		r.Updated++
	default:
		r.Skipped++
	}
	r.observe(e.ModifiedAt(), e.NaturalKey())
}

// Fail counts one failed record.
func (r *ImportResult) Fail(e RecordError) {
	r.Failed++
	r.Errors = append(r.Errors, e)
}

func (r *ImportResult) observe(ts time.Time, key string) {
	if ts.IsZero() {
		return
	}
	switch {
	case ts.After(r.MaxModified):
		r.MaxModified = ts
		r.MaxKey = key
	case ts.Equal(r.MaxModified) && strings.Compare(key, r.MaxKey) > 0:
		r.MaxKey = key
	}
}

// Merge folds o into r. Errors keep their order: r's first, then o's.
func (r *ImportResult) Merge(o *ImportResult) {
	if o == nil {
		return
	}
	r.Created += o.Created
	r.Updated += o.Updated
	r.Skipped += o.Skipped
	r.Failed += o.Failed
	r.Pending += o.Pending
	r.Errors = append(r.Errors, o.Errors...)
	r.observe(o.MaxModified, o.MaxKey)
}

// HasFailures reports whether any record failed.
func (r *ImportResult) HasFailures() bool { return r.Failed > 0 }
