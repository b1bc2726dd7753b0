// Package provider implements the named FIFO value buffers that thread data
// between file readers, endpoint responses and request templates.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/torosent/pewpew/internal/config"
)

// Value is an opaque JSON-like datum: nil, bool, int64, float64, string,
// []Value or map[string]Value.
type Value = any

// ErrClosed is returned by Take once a closed provider has drained, and by
// Put after Close.
var ErrClosed = errors.New("provider closed")

// PutResult reports what happened to a value handed to Put.
type PutResult int

const (
	Stored PutResult = iota
	Dropped
)

const (
	// autoStep is how much an auto-sized limit grows when a taker finds the
	// buffer empty while the provider is still open.
	autoStep = 5
	// autoCap bounds auto-sized growth.
	autoCap = 5000
)

// Buffer is a bounded FIFO of values with suspending take/put, soft-limit
// autosizing and close-then-drain semantics. Safe for concurrent use.
type Buffer struct {
	name       string
	autoReturn config.SendMode // "" means no auto-return

	mu            sync.Mutex
	queue         []Value
	limit         int
	auto          bool
	closed        bool
	takeSignal    chan struct{} // closed and replaced on put/close
	putSignal     chan struct{} // closed and replaced on take/close
	waitingTakers int
	waitingPutter int
}

// NewBuffer creates a buffer with the given soft limit. An auto limit starts
// at startSize (or autoStep when zero) and grows on starved takes. An unset
// limit means auto.
func NewBuffer(name string, limit config.Limit, startSize int, autoReturn config.SendMode) *Buffer {
	if !limit.Auto && limit.Fixed <= 0 {
		limit.Auto = true
	}
	size := limit.Fixed
	if limit.Auto {
		size = startSize
		if size <= 0 {
			size = autoStep
		}
	}
	return &Buffer{
		name:       name,
		autoReturn: autoReturn,
		limit:      size,
		auto:       limit.Auto,
		takeSignal: make(chan struct{}),
		putSignal:  make(chan struct{}),
	}
}

// Name returns the provider name the buffer was created under.
func (b *Buffer) Name() string { return b.name }

// AutoReturn reports the configured auto-return mode ("" when none).
func (b *Buffer) AutoReturn() config.SendMode { return b.autoReturn }

// Take removes and returns the head value. It suspends while the buffer is
// empty and open, and fails with ErrClosed once closed-and-drained.
func (b *Buffer) Take(ctx context.Context) (Value, error) {
	for {
		b.mu.Lock()
		if len(b.queue) > 0 {
			v := b.queue[0]
			b.queue = b.queue[1:]
			b.wakePutters()
			b.mu.Unlock()
			return v, nil
		}
		if b.closed {
			b.mu.Unlock()
			return nil, fmt.Errorf("take from %q: %w", b.name, ErrClosed)
		}
		if b.auto && b.limit < autoCap {
			// A starved taker means the producer is the bottleneck; give it
			// more room to smooth jitter.
			b.limit += autoStep
			if b.limit > autoCap {
				b.limit = autoCap
			}
			b.wakePutters()
		}
		signal := b.takeSignal
		b.waitingTakers++
		b.mu.Unlock()

		select {
		case <-signal:
		case <-ctx.Done():
			b.mu.Lock()
			b.waitingTakers--
			b.mu.Unlock()
			return nil, ctx.Err()
		}
		b.mu.Lock()
		b.waitingTakers--
		b.mu.Unlock()
	}
}

// TryTake removes the head value without suspending. The bool reports
// whether a value was available.
func (b *Buffer) TryTake() (Value, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) > 0 {
		v := b.queue[0]
		b.queue = b.queue[1:]
		b.wakePutters()
		return v, true, nil
	}
	if b.closed {
		return nil, false, fmt.Errorf("take from %q: %w", b.name, ErrClosed)
	}
	return nil, false, nil
}

// Put appends a value under the given send discipline: block suspends until
// the queue is under its limit, force appends unconditionally, if_not_full
// drops when at or over the limit.
func (b *Buffer) Put(ctx context.Context, v Value, mode config.SendMode) (PutResult, error) {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return Dropped, fmt.Errorf("put to %q: %w", b.name, ErrClosed)
		}
		switch mode {
		case config.SendForce:
			b.append(v)
			b.mu.Unlock()
			return Stored, nil
		case config.SendIfNotFull:
			if len(b.queue) >= b.limit {
				b.mu.Unlock()
				return Dropped, nil
			}
			b.append(v)
			b.mu.Unlock()
			return Stored, nil
		default: // block
			if len(b.queue) < b.limit {
				b.append(v)
				b.mu.Unlock()
				return Stored, nil
			}
		}
		signal := b.putSignal
		b.waitingPutter++
		b.mu.Unlock()

		select {
		case <-signal:
		case <-ctx.Done():
			b.mu.Lock()
			b.waitingPutter--
			b.mu.Unlock()
			return Dropped, ctx.Err()
		}
		b.mu.Lock()
		b.waitingPutter--
		b.mu.Unlock()
	}
}

func (b *Buffer) append(v Value) {
	b.queue = append(b.queue, v)
	b.wakeTakers()
}

func (b *Buffer) wakeTakers() {
	close(b.takeSignal)
	b.takeSignal = make(chan struct{})
}

func (b *Buffer) wakePutters() {
	close(b.putSignal)
	b.putSignal = make(chan struct{})
}

// Close stops accepting puts. Queued values remain takeable; once drained,
// takers fail with ErrClosed. Suspended putters and takers are woken.
func (b *Buffer) Close() {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		b.wakeTakers()
		b.wakePutters()
	}
	b.mu.Unlock()
}

// Closed reports whether Close has been called.
func (b *Buffer) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Len returns the current queue length.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Limit returns the current soft limit (which grows under auto sizing).
func (b *Buffer) Limit() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.limit
}

// Waiting reports how many takers and putters are currently suspended; the
// orchestrator's deadlock watchdog samples this.
func (b *Buffer) Waiting() (takers, putters int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.waitingTakers, b.waitingPutter
}
