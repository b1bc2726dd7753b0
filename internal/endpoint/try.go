package endpoint

import (
	"context"
	"fmt"

	"github.com/torosent/pewpew/internal/config"
	"github.com/torosent/pewpew/internal/template"
)

// TryResult captures one debug iteration for display.
type TryResult struct {
	Request  map[string]any `json:"request"`
	Response map[string]any `json:"response"`
	Error    string         `json:"error,omitempty"`
}

// tryIterate is the try-mode variant of iterate: providers are read without
// suspending (a missing value is an error, not a wait), nothing is
// auto-returned, and the exchange is returned instead of routed to stats.
// Provides clauses still run so downstream endpoints can be tried in order.
func (e *Executor) tryIterate(ctx context.Context) (*TryResult, error) {
	values := make(map[string]any, len(e.directRefs)+len(e.declares))
	take := func(name string) (any, error) {
		p, ok := e.opt.Providers[name]
		if !ok {
			return nil, fmt.Errorf("%q %w", name, template.ErrMissing)
		}
		v, ok, err := p.TryTake()
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("provider %q has no value ready", name)
		}
		return v, nil
	}
	for _, name := range e.directRefs {
		v, err := take(name)
		if err != nil {
			return nil, err
		}
		values[name] = v
	}
	env := template.Env{Values: values, Helpers: e.opt.Helpers, Take: take}
	for _, d := range e.declares {
		v, err := d.Resolve(env)
		if err != nil {
			return nil, err
		}
		values[d.Alias] = v
	}

	req, body, err := e.render(ctx, values)
	if err != nil {
		return nil, err
	}
	requestScope := map[string]any{
		"method":  e.opt.Def.Method,
		"url":     req.URL.String(),
		"headers": headerMap(req.Header),
		"body":    body,
	}

	resp, err := e.opt.Client.Do(req)
	if err != nil {
		return &TryResult{Request: requestScope, Error: err.Error()}, nil
	}
	responseScope, _ := readResponse(resp)

	scope := make(map[string]any, len(values)+2)
	for k, v := range values {
		scope[k] = v
	}
	scope["request"] = requestScope
	scope["response"] = responseScope
	scope["stats"] = map[string]any{"rtt": int64(0), "status": int64(resp.StatusCode)}
	clauseEnv := template.Env{Values: scope, Helpers: e.opt.Helpers}
	for _, pc := range e.provides {
		records, err := pc.clause.Eval(clauseEnv)
		if err != nil {
			continue
		}
		for _, r := range records {
			// Never suspend in try mode; a full buffer just drops.
			_, _ = pc.target.Put(ctx, r, forceNonBlocking(pc.send))
		}
	}
	return &TryResult{Request: requestScope, Response: responseScope}, nil
}

func forceNonBlocking(mode config.SendMode) config.SendMode {
	if mode == config.SendBlock {
		return config.SendForce
	}
	return mode
}
