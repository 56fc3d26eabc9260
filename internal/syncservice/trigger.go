package syncservice

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Trigger decides when scheduled syncs run. The service consumes ticks
// from the channel returned by Start until Stop is called or the context
// ends. A tick that arrives while a sync is still running is coalesced.
type Trigger interface {
	Start(ctx context.Context) (<-chan struct{}, error)
	Stop()
}

// IntervalTrigger ticks on a fixed interval.
type IntervalTrigger struct {
	interval  time.Duration
	immediate bool

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
}

// NewIntervalTrigger ticks every interval; with immediate set, the first
// tick fires on Start.
func NewIntervalTrigger(interval time.Duration, immediate bool) *IntervalTrigger {
	return &IntervalTrigger{interval: interval, immediate: immediate}
}

func (t *IntervalTrigger) Start(ctx context.Context) (<-chan struct{}, error) {
	if t.interval <= 0 {
		return nil, errors.New("sync interval must be positive")
	}
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return nil, errors.New("trigger already started")
	}
	t.running = true
	t.stopCh = make(chan struct{})
	stopCh := t.stopCh
	t.mu.Unlock()

	ticks := make(chan struct{}, 1)
	go func() {
		defer close(ticks)
		if t.immediate {
			ticks <- struct{}{}
		}
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-ticker.C:
				select {
				case ticks <- struct{}{}:
				default:
				}
			}
		}
	}()
	return ticks, nil
}

func (t *IntervalTrigger) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return
	}
	t.running = false
	close(t.stopCh)
}

// ManualTrigger ticks only when Fire is called. It backs on-demand
// deployments where an external scheduler calls SyncNow, and tests.
type ManualTrigger struct {
	ticks chan struct{}
}

// NewManualTrigger creates a trigger with a one-tick buffer.
func NewManualTrigger() *ManualTrigger {
	return &ManualTrigger{ticks: make(chan struct{}, 1)}
}

func (m *ManualTrigger) Start(context.Context) (<-chan struct{}, error) {
	return m.ticks, nil
}

// Fire requests a sync. It reports false if a tick is already pending.
func (m *ManualTrigger) Fire() bool {
	select {
	case m.ticks <- struct{}{}:
		return true
	default:
		return false
	}
}

func (m *ManualTrigger) Stop() {}
