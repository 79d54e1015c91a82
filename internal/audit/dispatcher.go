package audit

import (
	"context"
	"sync"
	"sync/atomic"
)

// Config controls dispatcher buffering.
type Config struct {
	Enabled    bool
	BufferSize int
	// DropIfFull drops non-critical events when the buffer is full instead
	// of waiting for room. Lockout and deletion events always wait.
	DropIfFull bool
}

// Dispatcher relays events to a sink from a single goroutine so the
// engine never waits on sink I/O.
type Dispatcher struct {
	cfg  Config
	sink Sink
	ch   chan Event

	// mu guards closed and the send side of ch. Emit holds it shared so
	// Close cannot close ch under a pending send.
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	dropped [numCategories]atomic.Uint64
}

// NewDispatcher starts a dispatcher. It returns nil when cfg is disabled;
// every method is nil-safe.
func NewDispatcher(cfg Config, sink Sink) *Dispatcher {
	if !cfg.Enabled {
		return nil
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1
	}
	if sink == nil {
		sink = NoOpSink{}
	}

	d := &Dispatcher{
		cfg:  cfg,
		sink: sink,
		ch:   make(chan Event, cfg.BufferSize),
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for event := range d.ch {
			d.sink.Emit(context.Background(), event)
		}
	}()
	return d
}

// Emit queues event. A non-critical event is dropped when the buffer is
// full and DropIfFull is set; otherwise Emit waits until there is room or
// ctx is done, in which case the event counts as dropped.
func (d *Dispatcher) Emit(ctx context.Context, event Event) {
	if d == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}

	if d.cfg.DropIfFull && !event.Category.Critical() {
		select {
		case d.ch <- event:
		default:
			d.drop(event.Category)
		}
		return
	}

	select {
	case d.ch <- event:
	case <-ctx.Done():
		d.drop(event.Category)
	}
}

func (d *Dispatcher) drop(c Category) {
	if c >= numCategories {
		c = CategoryAccount
	}
	d.dropped[c].Add(1)
}

// Close stops accepting events, delivers everything already queued and
// waits for the sink goroutine to finish.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.ch)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

// Dropped returns the total number of dropped events.
func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	var total uint64
	for i := range d.dropped {
		total += d.dropped[i].Load()
	}
	return total
}

// DroppedByCategory returns drop counts keyed by category name. Every
// category is present.
func (d *Dispatcher) DroppedByCategory() map[string]uint64 {
	out := make(map[string]uint64, numCategories)
	for i := Category(0); i < numCategories; i++ {
		if d == nil {
			out[i.String()] = 0
			continue
		}
		out[i.String()] = d.dropped[i].Load()
	}
	return out
}
