package core

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/ajitpratap0/catalogsync/pkg/models"
)

// BatchStream represents a stream of record batches. Batches is closed
// after the producer finishes; a producer failure is delivered on Errors
// and any partially accumulated batch is discarded, never emitted. Only a
// stream stopped by its own Close ends without an error; a producer cut
// short by a deadline or a cancelled parent context reports why.
type BatchStream struct {
	Batches <-chan []*models.RawRecord
	Errors  <-chan error

	cancel context.CancelFunc
	once   sync.Once
	closed atomic.Bool
}

// ProduceFunc emits batches until the source is exhausted.
type ProduceFunc func(ctx context.Context, emit func([]*models.RawRecord) error) error

// NewBatchStream runs produce on its own goroutine and exposes its output
// as a BatchStream. Close (or cancelling ctx) stops the producer.
func NewBatchStream(ctx context.Context, produce ProduceFunc) *BatchStream {
	ctx, cancel := context.WithCancel(ctx)
	batchChan := make(chan []*models.RawRecord, 1)
	errorChan := make(chan error, 1)
	s := &BatchStream{Batches: batchChan, Errors: errorChan, cancel: cancel}

	go func() {
		defer close(batchChan)
		defer close(errorChan)

		emit := func(batch []*models.RawRecord) error {
			select {
			case batchChan <- batch:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err := produce(ctx, emit); err != nil && !s.closed.Load() {
			errorChan <- err
		}
	}()

	return s
}

// Next returns the next batch, io.EOF once the stream is exhausted, or the
// producer's error.
func (s *BatchStream) Next(ctx context.Context) ([]*models.RawRecord, error) {
	select {
	case batch, ok := <-s.Batches:
		if ok {
			return batch, nil
		}
		if err, ok := <-s.Errors; ok && err != nil {
			return nil, err
		}
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the producer. It is safe to call more than once.
func (s *BatchStream) Close() {
	s.once.Do(func() {
		s.closed.Store(true)
		if s.cancel != nil {
			s.cancel()
		}
	})
}

// Batcher accumulates records into fixed-size batches.
type Batcher struct {
	size int
	emit func([]*models.RawRecord) error
	buf  []*models.RawRecord
}

// NewBatcher returns a Batcher that hands full batches to emit.
func NewBatcher(size int, emit func([]*models.RawRecord) error) *Batcher {
	if size <= 0 {
		size = 1000
	}
	return &Batcher{size: size, emit: emit, buf: make([]*models.RawRecord, 0, size)}
}

// Add appends r, emitting the batch once it is full.
func (b *Batcher) Add(r *models.RawRecord) error {
	b.buf = append(b.buf, r)
	if len(b.buf) >= b.size {
		return b.Flush()
	}
	return nil
}

// Flush emits any buffered records. Producers call it only on clean
// end-of-input so a failed read never yields a partial batch.
func (b *Batcher) Flush() error {
	if len(b.buf) == 0 {
		return nil
	}
	batch := b.buf
	b.buf = make([]*models.RawRecord, 0, b.size)
	return b.emit(batch)
}
