package provider

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

// taken tags a consumed value with the buffer it came from.
type taken struct {
	value  Value
	origin *Buffer
}

// Returner holds the values one endpoint iteration consumed so they can be
// re-inserted into their origin providers when the iteration completes.
// Under auto-return "block" the iteration is not complete until every
// re-insertion lands, which is the engine's back-pressure channel.
type Returner struct {
	held []taken
}

// Hold records a consumed value for later return. Values from providers
// without auto-return are not tracked.
func (r *Returner) Hold(origin *Buffer, v Value) {
	if origin.AutoReturn() == "" {
		return
	}
	r.held = append(r.held, taken{value: v, origin: origin})
}

// Held reports how many values await return.
func (r *Returner) Held() int { return len(r.held) }

// ReturnAll re-inserts every held value per its provider's auto-return mode,
// in consumption order. A blocked re-insertion into a full provider that is
// cut short by ctx during shutdown is dropped with a warning rather than
// wedging the iteration forever; a value for a closed provider is dropped
// silently.
func (r *Returner) ReturnAll(ctx context.Context, log zerolog.Logger) {
	for _, t := range r.held {
		result, err := t.origin.Put(ctx, t.value, t.origin.AutoReturn())
		switch {
		case err != nil:
			if !errors.Is(err, ErrClosed) {
				log.Warn().Err(err).Str("provider", t.origin.Name()).
					Msg("auto-return dropped during shutdown")
			}
		case result == Dropped:
			// if_not_full overflow; intentional, no diagnostic
		}
	}
	r.held = nil
}

// Discard drops every held value without re-inserting; used when a test is
// aborting and providers are already closed.
func (r *Returner) Discard() { r.held = nil }
