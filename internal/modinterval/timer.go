// Package modinterval schedules request-trigger instants so that the number
// of ticks emitted by elapsed time T tracks the integral of the endpoint's
// load curve over [0, T].
package modinterval

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/torosent/pewpew/internal/loadpattern"
)

// Clock abstracts wall time so tests can drive the timer deterministically.
type Clock interface {
	Now() time.Time
	// SleepUntil blocks until the instant passes or ctx is done.
	SleepUntil(ctx context.Context, t time.Time) error
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

func (wallClock) SleepUntil(ctx context.Context, t time.Time) error {
	d := time.Until(t)
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Options configure a Timer.
type Options struct {
	// Buffer is how many ticks may sit unconsumed before the timer starts
	// coalescing instead of accumulating a burst. Default 1.
	Buffer int
	// Block makes a full tick buffer back-pressure the timer instead of
	// dropping the tick. Used when the endpoint drains a finite supply.
	Block bool
	Clock Clock
}

// Timer converts a compiled load pattern into a stream of tick instants.
// The emitted count through any elapsed time stays within one tick of the
// curve's integral, minus ticks intentionally coalesced while the consumer
// was behind (reported by Missed).
type Timer struct {
	pattern *loadpattern.Pattern
	out     chan time.Time
	clock   Clock
	block   bool
	missed  atomic.Int64
}

func New(pattern *loadpattern.Pattern, opts Options) *Timer {
	if opts.Buffer <= 0 {
		opts.Buffer = 1
	}
	if opts.Clock == nil {
		opts.Clock = wallClock{}
	}
	return &Timer{
		pattern: pattern,
		out:     make(chan time.Time, opts.Buffer),
		clock:   opts.Clock,
		block:   opts.Block,
	}
}

// Ticks is the tick stream. It closes when the load pattern is exhausted or
// the timer's Run context ends.
func (t *Timer) Ticks() <-chan time.Time { return t.out }

// Missed reports ticks skipped because their scheduled instant had fallen
// too far behind wall time, plus ticks dropped on a full buffer.
func (t *Timer) Missed() int64 { return t.missed.Load() }

// Run drives the tick loop until the pattern is exhausted or ctx is done.
// It always closes the tick channel before returning.
func (t *Timer) Run(ctx context.Context) error {
	defer close(t.out)
	if t.pattern.Empty() {
		return nil
	}

	start := t.clock.Now()
	var cursor time.Duration // elapsed time already accounted into credit
	credit := 0.0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if credit < 1 {
			target, ok := t.pattern.NextInstant(cursor, 1-credit)
			if !ok {
				return nil
			}
			if err := t.clock.SleepUntil(ctx, start.Add(target)); err != nil {
				return err
			}
			now := t.clock.Now()
			elapsed := now.Sub(start)
			credit += t.pattern.Integral(cursor, elapsed)
			cursor = elapsed
		}
		credit--

		now := start.Add(cursor)
		if t.block {
			select {
			case t.out <- now:
			case <-ctx.Done():
				return ctx.Err()
			}
		} else {
			select {
			case t.out <- now:
			default:
				t.missed.Add(1)
			}
		}

		// Coalesce any backlog beyond one pending tick; a stalled consumer
		// gets missed-tick accounting rather than a later burst. A blocking
		// timer keeps the backlog instead: its endpoint drains a finite
		// supply and every scheduled tick must eventually be delivered.
		if !t.block && credit > 1 {
			t.missed.Add(int64(credit - 1))
			credit -= float64(int64(credit - 1))
		}
	}
}
