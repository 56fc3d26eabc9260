package base

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/catalogsync/pkg/connector/core"
	"github.com/ajitpratap0/catalogsync/pkg/models"
	"github.com/ajitpratap0/catalogsync/pkg/syncerrors"
)

// Placeholder styles understood by Rebind.
const (
	PlaceholderQuestion = iota // ?
	PlaceholderDollar          // $1, $2
)

// SQLSession is a core.Session over a database/sql handle. It is shared by
// the desktop and midrange connectors, which differ only in how the handle
// is opened and which placeholder style the driver expects.
type SQLSession struct {
	db           *sql.DB
	placeholders int
	queryTimeout time.Duration
	limiter      *QueryLimiter
	logger       *zap.Logger

	closeOnce sync.Once
	closeErr  error
}

// SQLSessionOptions configure a SQLSession.
type SQLSessionOptions struct {
	Placeholders int
	QueryTimeout time.Duration
	Limiter      *QueryLimiter
	Logger       *zap.Logger
}

// NewSQLSession wraps an opened, pinged handle.
func NewSQLSession(db *sql.DB, opts SQLSessionOptions) *SQLSession {
	l := opts.Logger
	if l == nil {
		l = zap.NewNop()
	}
	return &SQLSession{
		db:           db,
		placeholders: opts.Placeholders,
		queryTimeout: opts.QueryTimeout,
		limiter:      opts.Limiter,
		logger:       l,
	}
}

// DB exposes the underlying handle for fixtures and health checks.
func (s *SQLSession) DB() *sql.DB { return s.db }

// Ping verifies the session is still alive.
func (s *SQLSession) Ping(ctx context.Context) error {
	return ClassifyConnectError(s.db.PingContext(ctx), "ping")
}

// Fetch runs q.Statement. The statement executes before Fetch returns so
// malformed SQL surfaces as a query error carrying the statement text;
// rows are then streamed in batches. Column names are lower-cased.
func (s *SQLSession) Fetch(ctx context.Context, q core.Query, batchSize int) (*core.BatchStream, error) {
	if strings.TrimSpace(q.Statement) == "" {
		return nil, syncerrors.New(syncerrors.ErrorTypeQuery, "empty query statement")
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	stmt := q.Statement
	if s.placeholders == PlaceholderDollar {
		stmt = Rebind(stmt)
	}

	var (
		qctx   context.Context
		cancel context.CancelFunc
	)
	if s.queryTimeout > 0 {
		qctx, cancel = context.WithTimeout(ctx, s.queryTimeout)
	} else {
		qctx, cancel = context.WithCancel(ctx)
	}

	start := time.Now()
	rows, err := s.db.QueryContext(qctx, stmt, q.Args...)
	if err != nil {
		cancel()
		return nil, ClassifyQueryError(err, "query failed", q.Statement)
	}
	s.logger.Debug("query started",
		zap.String("entity_type", string(q.Entity)),
		zap.Duration("latency", time.Since(start)))

	return core.NewBatchStream(qctx, func(ctx context.Context, emit func([]*models.RawRecord) error) error {
		defer cancel()
		defer rows.Close()

		cols, err := rows.Columns()
		if err != nil {
			return s.fetchError(ctx, err, "failed to read columns", q.Statement)
		}
		names := make([]string, len(cols))
		for i, c := range cols {
			names[i] = strings.ToLower(c)
		}

		batcher := core.NewBatcher(batchSize, emit)
		for rows.Next() {
			values := make([]any, len(cols))
			ptrs := make([]any, len(cols))
			for i := range values {
				ptrs[i] = &values[i]
			}
			if err := rows.Scan(ptrs...); err != nil {
				return syncerrors.Wrap(err, syncerrors.ErrorTypeData, "failed to scan row")
			}
			for i, v := range values {
				if b, ok := v.([]byte); ok {
					values[i] = strings.TrimRight(string(b), " ")
				} else if str, ok := v.(string); ok {
					// fixed-width CHAR columns come back blank padded
					values[i] = strings.TrimRight(str, " ")
				}
			}
			if err := batcher.Add(models.RawRecordFrom(names, values)); err != nil {
				return s.fetchError(ctx, err, "fetch interrupted", q.Statement)
			}
		}
		err = rows.Err()
		if err == nil {
			// some drivers end iteration quietly when the context expires
			err = ctx.Err()
		}
		if err != nil {
			return s.fetchError(ctx, err, "row iteration failed", q.Statement)
		}
		return batcher.Flush()
	}), nil
}

// fetchError classifies a failure while streaming rows. Whatever the
// driver reports, a query that ran past its timeout is a timeout.
func (s *SQLSession) fetchError(ctx context.Context, err error, message, query string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && !syncerrors.IsType(err, syncerrors.ErrorTypeTimeout) {
		e := syncerrors.Wrap(err, syncerrors.ErrorTypeTimeout, "query exceeded its timeout").
			WithDetail("query", query)
		if s.queryTimeout > 0 {
			e = e.WithDetail("timeout", s.queryTimeout.String())
		}
		return e
	}
	return ClassifyQueryError(err, message, query)
}

// Close closes the handle once; later calls return the first result.
func (s *SQLSession) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}

// Rebind rewrites ? placeholders as $1..$n, leaving quoted literals and
// identifiers untouched.
func Rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	var quote byte
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == '?':
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}
