// Package logger implements the test plan's logger sinks: JSON record
// streams routed to stdout, stderr or a file.
package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"

	"github.com/torosent/pewpew/internal/config"
	"github.com/torosent/pewpew/internal/template"
)

// Sink is one configured logger. Records are serialized by a single writer
// goroutine; Emit never does I/O on the caller.
type Sink struct {
	name   string
	def    config.Logger
	clause *template.Clause

	ch     chan any
	quit   chan struct{}
	done   chan struct{}
	out    io.Writer
	closer io.Closer
	lock   *flock.Flock

	quitOnce sync.Once

	diag zerolog.Logger
	kill func(name string)
}

// New compiles and opens a logger sink. kill is invoked (once) when a
// limit+kill logger fills up; it should stop the whole test.
func New(name string, def config.Logger, diag zerolog.Logger, kill func(string)) (*Sink, error) {
	var clause *template.Clause
	if def.Select != "" {
		var err error
		clause, err = template.CompileClause(def.Select, def.ForEach, def.Where)
		if err != nil {
			return nil, fmt.Errorf("logger %q: %w", name, err)
		}
	}
	s := &Sink{
		name:   name,
		def:    def,
		clause: clause,
		ch:     make(chan any, 64),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		diag:   diag,
		kill:   kill,
	}
	switch def.To {
	case "stdout":
		s.out = os.Stdout
	case "stderr":
		s.out = os.Stderr
	default:
		// Guard the file against a concurrent run before truncating it.
		s.lock = flock.New(def.To + ".lock")
		locked, err := s.lock.TryLock()
		if err == nil && !locked {
			return nil, fmt.Errorf("logger %q: %s is in use by another run", name, def.To)
		}
		file, err := os.Create(def.To)
		if err != nil {
			if s.lock != nil {
				_ = s.lock.Unlock()
			}
			return nil, fmt.Errorf("logger %q: %w", name, err)
		}
		s.out = file
		s.closer = file
	}
	go s.write()
	return s, nil
}

// Name returns the logger's config name.
func (s *Sink) Name() string { return s.name }

// Global reports whether the sink subscribes to every endpoint's events.
func (s *Sink) Global() bool { return s.clause != nil }

// Offer runs a global logger's own select/for_each/where over a completed
// request's scope and emits the resulting records.
func (s *Sink) Offer(env template.Env) {
	if s.clause == nil {
		return
	}
	records, err := s.clause.Eval(env)
	if err != nil {
		// A missing field in one event is that event's problem, not the
		// logger's; drop it quietly at debug level.
		s.diag.Debug().Err(err).Str("logger", s.name).Msg("logger clause failed")
		return
	}
	for _, r := range records {
		s.Emit(r)
	}
}

// Emit enqueues a record for writing. Records offered after the sink closed
// (limit reached, write error, shutdown) are dropped.
func (s *Sink) Emit(record any) {
	select {
	case s.ch <- record:
	case <-s.quit:
	}
}

func (s *Sink) write() {
	defer close(s.done)
	count := 0
	for {
		select {
		case record := <-s.ch:
			if !s.writeRecord(record, &count) {
				return
			}
		case <-s.quit:
			// Flush what is already queued, then stop.
			for {
				select {
				case record := <-s.ch:
					if !s.writeRecord(record, &count) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// writeRecord serializes and writes one record. It returns false once the
// sink should stop (limit reached or output broken).
func (s *Sink) writeRecord(record any, count *int) bool {
	var data []byte
	var err error
	if s.def.Pretty {
		data, err = json.MarshalIndent(record, "", "  ")
	} else {
		data, err = json.Marshal(record)
	}
	if err != nil {
		s.diag.Warn().Err(err).Str("logger", s.name).Msg("record not serializable")
		return true
	}
	if _, err := s.out.Write(append(data, '\n')); err != nil {
		// Report once, then close the sink; the test keeps running.
		s.diag.Error().Err(err).Str("logger", s.name).Msg("logger write failed")
		s.stop()
		return false
	}
	*count++
	if s.def.Limit > 0 && *count >= s.def.Limit {
		s.stop()
		if s.def.Kill && s.kill != nil {
			s.kill(s.name)
		}
		return false
	}
	return true
}

// stop tells the writer to finish. When Close calls it, the writer first
// flushes what is already queued; when the writer stops itself (limit
// reached or write error), records still queued are dropped.
func (s *Sink) stop() {
	s.quitOnce.Do(func() { close(s.quit) })
}

// Close flushes queued records, closes the output and releases the file
// lock.
func (s *Sink) Close() {
	s.stop()
	<-s.done
	if s.closer != nil {
		_ = s.closer.Close()
	}
	if s.lock != nil {
		_ = s.lock.Unlock()
	}
}
