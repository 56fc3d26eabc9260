// Package base provides the pieces every catalogsync connector shares:
// connect retry with error classification, scoped session acquisition and
// query rate limiting.
//
// Connectors embed BaseConnector and hand it a dial function:
//
//	type MidrangeConnector struct {
//	    *base.BaseConnector
//	    cfg config.MidrangeConfig
//	}
//
//	func (c *MidrangeConnector) Connect(ctx context.Context) (core.Session, error) {
//	    return c.Dial(ctx, c.open)
//	}
package base

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/catalogsync/pkg/connector/core"
	"github.com/ajitpratap0/catalogsync/pkg/logger"
	"github.com/ajitpratap0/catalogsync/pkg/metrics"
	"github.com/ajitpratap0/catalogsync/pkg/models"
	"github.com/ajitpratap0/catalogsync/pkg/syncerrors"
)

// DialFunc opens one session attempt.
type DialFunc func(ctx context.Context) (core.Session, error)

// BaseConnector holds the identity and retry behavior of a connector.
type BaseConnector struct {
	name        string
	sourceType  models.SourceType
	retryPolicy *RetryPolicy
	logger      *zap.Logger
}

// NewBaseConnector creates a base connector with the default retry policy.
func NewBaseConnector(name string, sourceType models.SourceType) *BaseConnector {
	return &BaseConnector{
		name:        name,
		sourceType:  sourceType,
		retryPolicy: DefaultRetryPolicy(),
		logger: logger.Get().With(
			zap.String("connector", name),
			zap.String("source_type", string(sourceType)),
		),
	}
}

// Name returns the connector name.
func (bc *BaseConnector) Name() string { return bc.name }

// SourceType returns the source technology.
func (bc *BaseConnector) SourceType() models.SourceType { return bc.sourceType }

// Logger returns the connector's logger.
func (bc *BaseConnector) Logger() *zap.Logger { return bc.logger }

// SetRetryPolicy replaces the connect retry policy.
func (bc *BaseConnector) SetRetryPolicy(p *RetryPolicy) {
	if p != nil {
		bc.retryPolicy = p
	}
}

// SetLogger replaces the connector's logger.
func (bc *BaseConnector) SetLogger(l *zap.Logger) {
	if l != nil {
		bc.logger = l.With(zap.String("connector", bc.name), zap.String("source_type", string(bc.sourceType)))
	}
}

// Dial runs dial under the retry policy. Transient connection failures are
// retried with backoff; authentication failures surface immediately.
func (bc *BaseConnector) Dial(ctx context.Context, dial DialFunc) (core.Session, error) {
	var session core.Session
	start := time.Now()

	err := bc.retryPolicy.ExecuteNotify(ctx,
		func() error {
			s, err := dial(ctx)
			if err != nil {
				return ClassifyConnectError(err, "connect to "+bc.name)
			}
			session = s
			return nil
		},
		ShouldRetryConnect,
		func(attempt int, delay time.Duration, err error) {
			metrics.ConnectRetries.WithLabelValues(string(bc.sourceType)).Inc()
			bc.logger.Warn("connect attempt failed, retrying",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", delay),
				zap.Error(err))
		},
	)
	if err != nil {
		errType := syncerrors.TypeOf(err)
		bc.logger.Error("connect failed",
			zap.String("error_type", string(errType)),
			zap.Error(err))
		if _, ok := err.(*syncerrors.Error); !ok {
			err = syncerrors.Wrap(err, errType, "connect to "+bc.name+" exhausted retries")
		}
		return nil, err
	}

	bc.logger.Debug("connected", zap.Duration("elapsed", time.Since(start)))
	return session, nil
}

// WithSession opens a session, runs fn, and closes the session on every
// exit path.
func WithSession(ctx context.Context, c core.Connector, fn func(core.Session) error) (err error) {
	session, err := c.Connect(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := session.Close(); cerr != nil && err == nil {
			err = syncerrors.Wrap(cerr, syncerrors.ErrorTypeConnection, "close session")
		}
	}()
	return fn(session)
}
