// Package core defines the contracts every connector variant implements:
// Connector opens a Session; a Session answers Fetch calls with a finite,
// non-restartable BatchStream of raw records.
package core

import (
	"context"

	"github.com/ajitpratap0/catalogsync/pkg/models"
)

// Connector gives uniform access to one external source technology.
type Connector interface {
	Name() string
	SourceType() models.SourceType
	// Connect opens a live session. Authentication failures are returned
	// as syncerrors.ErrorTypeAuthentication, transient network failures as
	// syncerrors.ErrorTypeConnection.
	Connect(ctx context.Context) (Session, error)
}

// Session is one live source session. It is not safe for concurrent
// Fetch calls.
type Session interface {
	// Fetch streams the records selected by q in batches of at most
	// batchSize. The stream is finite and cannot be restarted; fetching
	// again requires a new call with an adjusted query.
	Fetch(ctx context.Context, q Query, batchSize int) (*BatchStream, error)
	// Close releases the session. It is idempotent.
	Close() error
}

// Pinger is implemented by sessions that can cheaply verify liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BatchSizer is implemented by connectors configured with their own fetch
// size. A positive BatchSize overrides the pipeline batch size.
type BatchSizer interface {
	BatchSize() int
}
