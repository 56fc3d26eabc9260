// Package file implements the flat-file connector. The "query" for a file
// source is a file selector (local path, glob, s3:// or gs:// location)
// plus a column projection and an optional row filter.
package file

import (
	"context"
	"io"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ajitpratap0/catalogsync/pkg/compression"
	"github.com/ajitpratap0/catalogsync/pkg/config"
	"github.com/ajitpratap0/catalogsync/pkg/connector/base"
	"github.com/ajitpratap0/catalogsync/pkg/connector/core"
	"github.com/ajitpratap0/catalogsync/pkg/connector/registry"
	"github.com/ajitpratap0/catalogsync/pkg/models"
	"github.com/ajitpratap0/catalogsync/pkg/syncerrors"
)

func init() {
	registry.Register(models.SourceFile, func(cfg *config.Config) (core.Connector, error) {
		return NewConnector(cfg.File, cfg.ConnectRetry)
	})
}

// Connector reads catalog extracts from delimited or JSON files.
type Connector struct {
	*base.BaseConnector
	cfg         config.FileConfig
	format      Format
	compression compression.Algorithm
}

// NewConnector validates cfg and returns a file connector.
func NewConnector(cfg config.FileConfig, retry config.RetryConfig) (*Connector, error) {
	format, err := ParseFormat(cfg.Format)
	if err != nil {
		return nil, err
	}
	alg, err := compression.ParseAlgorithm(cfg.Compression)
	if err != nil {
		return nil, syncerrors.Wrap(err, syncerrors.ErrorTypeConfig, "invalid file.compression")
	}
	if _, err := decodeCharset(strings.NewReader(""), cfg.Encoding); err != nil {
		return nil, err
	}
	if cfg.Delimiter != "" && len([]rune(cfg.Delimiter)) != 1 && cfg.Delimiter != `\t` {
		return nil, syncerrors.Newf(syncerrors.ErrorTypeConfig, "file.delimiter must be a single character, got %q", cfg.Delimiter)
	}

	c := &Connector{
		BaseConnector: base.NewBaseConnector("file", models.SourceFile),
		cfg:           cfg,
		format:        format,
		compression:   alg,
	}
	c.SetRetryPolicy(base.RetryPolicyFromConfig(retry))
	return c, nil
}

// Connect opens a session. For remote locations the object-store client is
// created here; a configured local path must exist.
func (c *Connector) Connect(ctx context.Context) (core.Session, error) {
	return c.Dial(ctx, func(ctx context.Context) (core.Session, error) {
		s := &session{
			connector: c,
			stores:    map[string]objectStore{"": localStore{}},
			logger:    c.Logger(),
		}
		if c.cfg.Path == "" {
			return s, nil
		}
		loc, err := parseLocation(c.cfg.Path)
		if err != nil {
			return nil, err
		}
		if _, err := s.store(ctx, loc); err != nil {
			return nil, err
		}
		if loc.Scheme == "" {
			if _, err := (localStore{}).List(ctx, loc); err != nil {
				return nil, err
			}
		}
		return s, nil
	})
}

func (c *Connector) delimiter() rune {
	switch c.cfg.Delimiter {
	case "":
		return 0
	case `\t`:
		return '\t'
	}
	return []rune(c.cfg.Delimiter)[0]
}

type session struct {
	connector *Connector
	logger    *zap.Logger

	mu     sync.Mutex
	stores map[string]objectStore
	closed bool
}

func (s *session) store(ctx context.Context, loc location) (objectStore, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, syncerrors.New(syncerrors.ErrorTypeConnection, "session is closed")
	}
	if st, ok := s.stores[loc.Scheme]; ok {
		return st, nil
	}
	var (
		st  objectStore
		err error
	)
	switch loc.Scheme {
	case "s3":
		st, err = newS3Store(ctx, s.connector.cfg.Region)
	case "gs":
		st, err = newGCSStore(ctx, s.connector.cfg.CredentialsFile)
	}
	if err != nil {
		return nil, err
	}
	s.stores[loc.Scheme] = st
	return st, nil
}

// Fetch resolves the selector synchronously so a missing file surfaces as
// an error from Fetch itself, then streams rows from each matching file in
// name order.
func (s *session) Fetch(ctx context.Context, q core.Query, batchSize int) (*core.BatchStream, error) {
	selector := q.File
	if selector == "" {
		selector = s.connector.cfg.Path
	}
	loc, err := parseLocation(selector)
	if err != nil {
		return nil, err
	}
	st, err := s.store(ctx, loc)
	if err != nil {
		return nil, err
	}
	files, err := st.List(ctx, loc)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("fetching files",
		zap.String("entity_type", string(q.Entity)),
		zap.Int("files", len(files)),
		zap.String("selector", loc.String()))

	return core.NewBatchStream(ctx, func(ctx context.Context, emit func([]*models.RawRecord) error) error {
		batcher := core.NewBatcher(batchSize, emit)
		kept := 0
		for _, f := range files {
			room := 0
			if q.Limit > 0 {
				if kept >= q.Limit {
					break
				}
				room = q.Limit - kept
			}
			n, err := s.readFile(ctx, st, f, q, batcher, room)
			if err != nil {
				return err
			}
			kept += n
		}
		return batcher.Flush()
	}), nil
}

// readFile adds the matching rows of one file to batcher, stopping after
// room rows when room is positive. It returns the number of rows added.
func (s *session) readFile(ctx context.Context, st objectStore, loc location, q core.Query, batcher *core.Batcher, room int) (int, error) {
	src, err := st.Open(ctx, loc)
	if err != nil {
		return 0, err
	}
	defer src.Close()

	r, dec, err := openDecoded(src, loc.Key, s.connector.compression, s.connector.cfg.Encoding)
	if err != nil {
		return 0, err
	}
	defer dec.Close()

	format := s.connector.format
	if format == "" {
		format = formatFromName(loc.Key)
	}
	positional := make([]string, len(q.Columns))
	for i, c := range q.Columns {
		positional[i] = c.Source
	}
	rows, err := newRowReader(r, readerOptions{
		format:     format,
		delimiter:  s.connector.delimiter(),
		hasHeader:  s.connector.cfg.HasHeader,
		positional: positional,
	})
	if err != nil {
		return 0, syncerrors.Wrap(err, syncerrors.TypeOf(err), loc.String())
	}

	added := 0
	for room <= 0 || added < room {
		if err := ctx.Err(); err != nil {
			return added, base.ClassifyQueryError(err, "read interrupted", loc.String())
		}
		rw, err := rows.Next()
		if err == io.EOF {
			return added, nil
		}
		if err != nil {
			return added, syncerrors.Wrap(err, syncerrors.TypeOf(err), loc.String()).
				WithDetail("file", loc.String())
		}
		rec := project(rw, q.Columns)
		if !q.Filter.Match(rec) {
			continue
		}
		if err := batcher.Add(rec); err != nil {
			return added, err
		}
		added++
	}
	return added, nil
}

// project maps a decoded row onto canonical field names. Source columns
// are matched case-insensitively; columns missing from the file are left
// unset so validation can report them per record.
func project(rw *row, columns []core.Column) *models.RawRecord {
	if len(columns) == 0 {
		return models.RawRecordFrom(rw.names, rw.values)
	}
	index := make(map[string]int, len(rw.names))
	for i, n := range rw.names {
		index[strings.ToLower(n)] = i
	}
	rec := models.NewRawRecord(len(columns))
	for _, c := range columns {
		if i, ok := index[strings.ToLower(c.Source)]; ok {
			rec.Set(c.Alias, rw.values[i])
		}
	}
	return rec
}

// Close releases remote clients. Safe to call more than once.
func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var firstErr error
	for _, st := range s.stores {
		if err := st.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
