package provider

import (
	"context"
	"errors"
	"math/rand"

	"github.com/torosent/pewpew/internal/config"
)

// Kind identifies how a provider is fed.
type Kind string

const (
	KindFile       Kind = "file"
	KindResponse   Kind = "response"
	KindStatic     Kind = "static"
	KindStaticList Kind = "static_list"
	KindRange      Kind = "range"
)

// Provider is a named buffer plus the feeder task that fills it. Response
// providers have no feeder; they are filled by endpoint provides clauses.
type Provider struct {
	*Buffer
	kind Kind
	feed func(ctx context.Context) error
}

// Kind reports how the provider is fed.
func (p *Provider) Kind() Kind { return p.kind }

// Start runs the feeder until its source is exhausted or ctx ends, then
// closes the buffer so consumers drain and terminate. Response providers
// return immediately; the orchestrator closes them during shutdown.
func (p *Provider) Start(ctx context.Context) error {
	if p.feed == nil {
		return nil
	}
	err := p.feed(ctx)
	p.Close()
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrClosed) {
		return err
	}
	return nil
}

// NewResponse creates an initially-empty provider filled at runtime.
func NewResponse(name string, def config.ResponseProvider, startSize int) *Provider {
	var ar config.SendMode
	if def.AutoReturn != nil {
		ar = *def.AutoReturn
	}
	return &Provider{
		Buffer: NewBuffer(name, def.Buffer, startSize, ar),
		kind:   KindResponse,
	}
}

// NewStatic creates a provider that repeats copies of one value forever.
func NewStatic(name string, value Value, startSize int) *Provider {
	p := &Provider{
		Buffer: NewBuffer(name, config.Limit{Auto: true}, startSize, ""),
		kind:   KindStatic,
	}
	p.feed = func(ctx context.Context) error {
		for {
			if _, err := p.Put(ctx, DeepCopy(value), config.SendBlock); err != nil {
				return err
			}
		}
	}
	return p
}

// NewStaticList creates a provider cycling through a fixed list; the read
// pointer wraps forever.
func NewStaticList(name string, values []Value, startSize int) *Provider {
	p := &Provider{
		Buffer: NewBuffer(name, config.Limit{Auto: true}, startSize, ""),
		kind:   KindStaticList,
	}
	p.feed = func(ctx context.Context) error {
		for i := 0; ; i = (i + 1) % len(values) {
			if _, err := p.Put(ctx, DeepCopy(values[i]), config.SendBlock); err != nil {
				return err
			}
		}
	}
	return p
}

// NewRange creates a provider counting from start to end by step. Without
// repeat it closes after the last value.
func NewRange(name string, def config.RangeProvider, startSize int) *Provider {
	p := &Provider{
		Buffer: NewBuffer(name, config.Limit{Auto: true}, startSize, ""),
		kind:   KindRange,
	}
	step := def.Step
	p.feed = func(ctx context.Context) error {
		for {
			for v := def.Start; def.End == nil || v <= *def.End; v += step {
				if _, err := p.Put(ctx, v, config.SendBlock); err != nil {
					return err
				}
			}
			if !def.Repeat {
				return nil
			}
		}
	}
	return p
}

// shuffle is used by file providers configured with random reads.
func shuffle(values []Value, rnd *rand.Rand) {
	rnd.Shuffle(len(values), func(i, j int) {
		values[i], values[j] = values[j], values[i]
	})
}
