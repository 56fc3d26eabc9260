package pipeline

import (
	"time"

	"github.com/ajitpratap0/catalogsync/pkg/models"
)

// EntityReport is the result for one entity type of a run.
type EntityReport struct {
	EntityType models.EntityType    `json:"entity_type"`
	Query      string               `json:"query,omitempty"`
	Batches    int                  `json:"batches"`
	Result     *models.ImportResult `json:"result"`
}

// Report describes a finished run. On FAILED and CANCELLED runs it holds
// what was accumulated before the run stopped.
type Report struct {
	RunID      string            `json:"run_id"`
	SourceType models.SourceType `json:"source_type"`
	EntityType models.EntityType `json:"entity_type"`
	State      State             `json:"state"`
	DryRun     bool              `json:"dry_run,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	Duration   string            `json:"duration"`
	Error      string            `json:"error,omitempty"`

	Entities []*EntityReport     `json:"entities"`
	Total    models.ImportResult `json:"total"`
}

// Entity returns the report for et, or nil.
func (r *Report) Entity(et models.EntityType) *EntityReport {
	for _, e := range r.Entities {
		if e.EntityType == et {
			return e
		}
	}
	return nil
}

// Succeeded reports a COMPLETED run without failed records.
func (r *Report) Succeeded() bool {
	return r.State == StateCompleted && r.Total.Failed == 0
}

func (r *Report) finalize() {
	r.Total = models.ImportResult{}
	for _, e := range r.Entities {
		r.Total.Merge(e.Result)
	}
	r.Duration = r.FinishedAt.Sub(r.StartedAt).String()
}
