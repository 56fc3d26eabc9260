package testutil

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ajitpratap0/catalogsync/pkg/connector/core"
	"github.com/ajitpratap0/catalogsync/pkg/models"
)

// FakeConnector is a scripted core.Connector serving in-memory records per
// entity type.
//
// Database-style queries generated by the mapper carry the incremental
// predicate in Args (since, since, after-key); the fake applies the same
// predicate so incremental sync can be exercised without a database.
type FakeConnector struct {
	Source  models.SourceType
	Records map[models.EntityType][]*models.RawRecord

	// ConnectErr is returned by Connect.
	ConnectErr error
	// FailFetch is consulted before each batch is emitted with the 1-based
	// batch number; a non-nil error ends the stream with that error.
	FailFetch func(q core.Query, batch int) error
	// BeforeBatch runs before each batch is emitted.
	BeforeBatch func(q core.Query, batch int)
	// FetchSize, when positive, is reported by BatchSize the way a
	// midrange connector reports its configured fetch size.
	FetchSize int

	mu         sync.Mutex
	queries    []core.Query
	fetchSizes []int
	connects   int
	closes     int
}

// NewFakeConnector creates a midrange fake with no records.
func NewFakeConnector() *FakeConnector {
	return &FakeConnector{
		Source:  models.SourceMidrange,
		Records: make(map[models.EntityType][]*models.RawRecord),
	}
}

// Add appends records for et.
func (f *FakeConnector) Add(et models.EntityType, recs ...*models.RawRecord) *FakeConnector {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Records[et] = append(f.Records[et], recs...)
	return f
}

func (f *FakeConnector) Name() string { return "fake-" + string(f.Source) }

func (f *FakeConnector) SourceType() models.SourceType { return f.Source }

func (f *FakeConnector) BatchSize() int { return f.FetchSize }

func (f *FakeConnector) Connect(ctx context.Context) (core.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.ConnectErr != nil {
		return nil, f.ConnectErr
	}
	return &fakeSession{conn: f}, nil
}

// Queries returns every query fetched so far.
func (f *FakeConnector) Queries() []core.Query {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]core.Query(nil), f.queries...)
}

// FetchSizes returns the batch size passed to each Fetch call.
func (f *FakeConnector) FetchSizes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.fetchSizes...)
}

// Connects returns the number of Connect calls.
func (f *FakeConnector) Connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

// Closes returns the number of sessions closed.
func (f *FakeConnector) Closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

type fakeSession struct {
	conn *FakeConnector
	once sync.Once
}

func (s *fakeSession) Fetch(ctx context.Context, q core.Query, batchSize int) (*core.BatchStream, error) {
	f := s.conn
	f.mu.Lock()
	f.queries = append(f.queries, q)
	f.fetchSizes = append(f.fetchSizes, batchSize)
	var selected []*models.RawRecord
	filter := queryFilter(q)
	for _, r := range f.Records[q.Entity] {
		if filter.Match(r) {
			selected = append(selected, r)
		}
	}
	failFetch, before := f.FailFetch, f.BeforeBatch
	f.mu.Unlock()

	if batchSize <= 0 {
		batchSize = 1000
	}
	return core.NewBatchStream(ctx, func(ctx context.Context, emit func([]*models.RawRecord) error) error {
		batch := 0
		for lo := 0; lo < len(selected); lo += batchSize {
			batch++
			if before != nil {
				before(q, batch)
			}
			if failFetch != nil {
				if err := failFetch(q, batch); err != nil {
					return err
				}
			}
			hi := min(lo+batchSize, len(selected))
			if err := emit(selected[lo:hi]); err != nil {
				return err
			}
		}
		return nil
	}), nil
}

func (s *fakeSession) Close() error {
	s.once.Do(func() {
		s.conn.mu.Lock()
		s.conn.closes++
		s.conn.mu.Unlock()
	})
	return nil
}

// queryFilter returns the row filter a real source would apply for q.
func queryFilter(q core.Query) *core.RowFilter {
	if q.Filter != nil {
		return q.Filter
	}
	if len(q.Args) == 0 {
		return nil
	}
	since, ok := q.Args[0].(time.Time)
	if !ok {
		return nil
	}
	f := &core.RowFilter{
		ModifiedField: models.FieldModifiedAt,
		After:         since,
		KeyField:      models.FieldExternalID,
	}
	if len(q.Args) >= 3 && strings.Contains(q.Statement, " OR (") {
		if key, ok := q.Args[2].(string); ok {
			f.AfterKey = key
		}
	}
	return f
}
