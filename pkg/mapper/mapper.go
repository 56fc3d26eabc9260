// Package mapper translates an abstract entity type into a source-specific
// fetch query. Source schema knowledge lives only in the schema Table, so
// adding a source means adding a Table entry and a connector; importers
// see the same canonical field names regardless of origin.
package mapper

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ajitpratap0/catalogsync/pkg/connector/core"
	"github.com/ajitpratap0/catalogsync/pkg/models"
	"github.com/ajitpratap0/catalogsync/pkg/syncerrors"
)

// Filters narrow a generated query.
type Filters struct {
	// Since selects records modified after this instant. Zero means no
	// lower bound.
	Since time.Time
	// AfterKey breaks ties at exactly Since: records modified at Since are
	// included only when their natural key sorts after AfterKey.
	AfterKey string
	// Equals restricts canonical fields to exact values.
	Equals map[string]string
	// File overrides the configured path for file sources.
	File string
	// Limit pushes a row cap down to the source when positive.
	Limit int
}

// Mapper generates queries from a schema table.
type Mapper struct {
	table Table
}

// New checks table for completeness and returns a Mapper over it.
func New(table Table) (*Mapper, error) {
	if err := CheckCompleteness(table); err != nil {
		return nil, err
	}
	return &Mapper{table: table}, nil
}

// Default returns a Mapper over DefaultTable.
func Default() *Mapper {
	m, err := New(DefaultTable)
	if err != nil {
		panic(err)
	}
	return m
}

// Schema returns the entry for (sourceType, entityType).
func (m *Mapper) Schema(sourceType models.SourceType, entityType models.EntityType) (Schema, error) {
	if entityType == models.EntityAll {
		return Schema{}, syncerrors.New(syncerrors.ErrorTypeConfig, "ALL must be expanded before mapping")
	}
	s, ok := m.table[sourceType][entityType]
	if !ok {
		return Schema{}, syncerrors.Newf(syncerrors.ErrorTypeConfig, "no schema for %s from %s source", entityType, sourceType)
	}
	return s, nil
}

// GenerateQuery builds the fetch query for one entity family. Database
// queries are ordered by (modified, key) so a cursor taken from the last
// loaded record resumes exactly after it.
func (m *Mapper) GenerateQuery(sourceType models.SourceType, entityType models.EntityType, filters *Filters) (core.Query, error) {
	s, err := m.Schema(sourceType, entityType)
	if err != nil {
		return core.Query{}, err
	}
	if filters == nil {
		filters = &Filters{}
	}
	for field := range filters.Equals {
		if !IsCanonical(entityType, field) {
			return core.Query{}, syncerrors.Newf(syncerrors.ErrorTypeQuery, "unknown filter field %q for %s", field, entityType)
		}
	}

	q := core.Query{Source: sourceType, Entity: entityType}
	if sourceType == models.SourceFile {
		q.File = filters.File
		q.Limit = filters.Limit
		q.Columns = append([]core.Column(nil), s.Columns...)
		q.Filter = &core.RowFilter{
			Equals:        filters.Equals,
			ModifiedField: models.FieldModifiedAt,
			After:         filters.Since,
			KeyField:      models.FieldExternalID,
			AfterKey:      filters.AfterKey,
		}
		return q, nil
	}

	q.Statement, q.Args = m.selectStatement(sourceType, s, filters)
	return q, nil
}

func (m *Mapper) selectStatement(sourceType models.SourceType, s Schema, f *Filters) (string, []any) {
	keyCol, _ := s.column(models.FieldExternalID)
	modCol, _ := s.column(models.FieldModifiedAt)

	var b strings.Builder
	b.WriteString("SELECT ")
	for i, c := range s.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(c.Source)
		b.WriteString(" AS ")
		b.WriteString(strings.ToUpper(c.Alias))
	}
	b.WriteString(" FROM ")
	b.WriteString(s.From)

	var (
		where []string
		args  []any
	)
	if !f.Since.IsZero() {
		if f.AfterKey != "" {
			where = append(where, fmt.Sprintf("(%s > ? OR (%s = ? AND %s > ?))", modCol, modCol, keyCol))
			args = append(args, f.Since, f.Since, f.AfterKey)
		} else {
			where = append(where, modCol+" > ?")
			args = append(args, f.Since)
		}
	}
	fields := make([]string, 0, len(f.Equals))
	for field := range f.Equals {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	for _, field := range fields {
		col, _ := s.column(field)
		where = append(where, col+" = ?")
		args = append(args, f.Equals[field])
	}
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}

	b.WriteString(" ORDER BY ")
	b.WriteString(modCol)
	b.WriteString(", ")
	b.WriteString(keyCol)

	if f.Limit > 0 {
		switch sourceType {
		case models.SourceMidrange:
			b.WriteString(" FETCH FIRST " + strconv.Itoa(f.Limit) + " ROWS ONLY")
		default:
			b.WriteString(" LIMIT " + strconv.Itoa(f.Limit))
		}
	}
	return b.String(), args
}

// CustomQuery wraps caller-supplied query text. For database sources it
// is the statement; for file sources it is the file selector, and the
// schema projection still applies.
func (m *Mapper) CustomQuery(sourceType models.SourceType, entityType models.EntityType, text string) (core.Query, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return core.Query{}, syncerrors.New(syncerrors.ErrorTypeQuery, "custom query is empty")
	}
	q := core.Query{Source: sourceType, Entity: entityType, Custom: true}
	if sourceType == models.SourceFile {
		s, err := m.Schema(sourceType, entityType)
		if err != nil {
			return core.Query{}, err
		}
		q.File = text
		q.Columns = append([]core.Column(nil), s.Columns...)
		return q, nil
	}
	q.Statement = text
	return q, nil
}

// ValidateFields checks a field mask against the canonical field list.
func ValidateFields(entityType models.EntityType, fields []string) error {
	var unknown []string
	for _, f := range fields {
		if !IsCanonical(entityType, f) {
			unknown = append(unknown, f)
		}
	}
	if len(unknown) > 0 {
		return syncerrors.Newf(syncerrors.ErrorTypeConfig, "unknown fields for %s: %s", entityType, strings.Join(unknown, ", "))
	}
	return nil
}

// CheckCompleteness verifies that every source type has a schema for
// every concrete entity type, that each schema maps exactly the canonical
// fields, and that database sources name a FROM clause.
func CheckCompleteness(table Table) error {
	var problems []string
	for _, st := range models.SourceTypes {
		entities, ok := table[st]
		if !ok {
			problems = append(problems, fmt.Sprintf("%s: no schemas", st))
			continue
		}
		for _, et := range models.DependencyOrder {
			s, ok := entities[et]
			if !ok {
				problems = append(problems, fmt.Sprintf("%s/%s: missing", st, et))
				continue
			}
			if st != models.SourceFile && strings.TrimSpace(s.From) == "" {
				problems = append(problems, fmt.Sprintf("%s/%s: empty FROM clause", st, et))
			}
			mapped := make(map[string]bool, len(s.Columns))
			for _, c := range s.Columns {
				if !IsCanonical(et, c.Alias) {
					problems = append(problems, fmt.Sprintf("%s/%s: %q is not a canonical field", st, et, c.Alias))
				}
				if mapped[c.Alias] {
					problems = append(problems, fmt.Sprintf("%s/%s: %q mapped twice", st, et, c.Alias))
				}
				mapped[c.Alias] = true
			}
			for _, f := range CanonicalFields[et] {
				if !mapped[f] {
					problems = append(problems, fmt.Sprintf("%s/%s: %q not mapped", st, et, f))
				}
			}
		}
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return syncerrors.New(syncerrors.ErrorTypeConfig, "schema table incomplete").
			WithDetail("problems", problems)
	}
	return nil
}
