// Package endpoint assembles, issues and observes the HTTP requests of one
// templated endpoint, routing results into providers, loggers and stats.
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/torosent/pewpew/internal/config"
	"github.com/torosent/pewpew/internal/logger"
	"github.com/torosent/pewpew/internal/provider"
	"github.com/torosent/pewpew/internal/stats"
	"github.com/torosent/pewpew/internal/template"
	"github.com/torosent/pewpew/internal/tracing"
)

// Client is the dispatch boundary: an async HTTP request in, a response or
// transport error out.
type Client interface {
	Do(req *http.Request) (*http.Response, error)
}

// Options wire one executor into the engine.
type Options struct {
	Def       config.Endpoint
	Providers map[string]*provider.Provider
	Loggers   map[string]*logger.Sink
	Helpers   template.Helpers
	Stats     *stats.Feeder
	RunID     string
	Client    Client
	Tracer    trace.Tracer
	Log       zerolog.Logger
	// MaxInFlight caps concurrent iterations; 0 derives it from peak load.
	MaxInFlight int64
}

type providesClause struct {
	target *provider.Provider
	clause *template.Clause
	send   config.SendMode
}

type logsClause struct {
	sink   *logger.Sink
	clause *template.Clause
}

// Executor runs one endpoint's iterations off a tick stream.
type Executor struct {
	opt     Options
	urlTmpl *template.Template
	headers map[string]*template.Template
	body    *template.Template

	declares   []*template.Declare
	directRefs []string
	provides   []providesClause
	logs       []logsClause
	global     []*logger.Sink

	statsID  map[string]string
	statsKey string

	sem *semaphore.Weighted
	wg  sync.WaitGroup

	mu         sync.Mutex
	terminated bool
}

// Compile parses the endpoint's templates and resolves its provider and
// logger references. Unknown names fail here, before the test starts.
func Compile(opt Options) (*Executor, error) {
	e := &Executor{
		opt:     opt,
		headers: map[string]*template.Template{},
	}
	var err error
	if e.urlTmpl, err = template.Parse(opt.Def.URL); err != nil {
		return nil, err
	}
	for name, src := range opt.Def.Headers {
		if e.headers[name], err = template.Parse(src); err != nil {
			return nil, fmt.Errorf("header %s: %w", name, err)
		}
	}
	if opt.Def.Body != "" {
		if e.body, err = template.Parse(opt.Def.Body); err != nil {
			return nil, fmt.Errorf("body: %w", err)
		}
	}

	aliases := map[string]bool{}
	for _, alias := range sortedAliases(opt.Def.Declare) {
		d, err := template.ParseDeclare(alias, opt.Def.Declare[alias])
		if err != nil {
			return nil, err
		}
		e.declares = append(e.declares, d)
		aliases[alias] = true
	}

	for target, def := range opt.Def.Provides {
		p, ok := opt.Providers[target]
		if !ok {
			return nil, fmt.Errorf("provides: unknown provider %q", target)
		}
		clause, err := template.CompileClause(def.Select, def.ForEach, def.Where)
		if err != nil {
			return nil, fmt.Errorf("provides %s: %w", target, err)
		}
		e.provides = append(e.provides, providesClause{target: p, clause: clause, send: def.Send})
	}
	sort.Slice(e.provides, func(i, j int) bool {
		return e.provides[i].target.Name() < e.provides[j].target.Name()
	})

	for target, def := range opt.Def.Logs {
		sink, ok := opt.Loggers[target]
		if !ok {
			return nil, fmt.Errorf("logs: unknown logger %q", target)
		}
		clause, err := template.CompileClause(def.Select, def.ForEach, def.Where)
		if err != nil {
			return nil, fmt.Errorf("logs %s: %w", target, err)
		}
		e.logs = append(e.logs, logsClause{sink: sink, clause: clause})
	}
	sort.Slice(e.logs, func(i, j int) bool {
		return e.logs[i].sink.Name() < e.logs[j].sink.Name()
	})
	for _, sink := range opt.Loggers {
		if sink.Global() {
			e.global = append(e.global, sink)
		}
	}
	sort.Slice(e.global, func(i, j int) bool {
		return e.global[i].Name() < e.global[j].Name()
	})

	e.directRefs, err = e.resolveRefs(aliases)
	if err != nil {
		return nil, err
	}

	e.statsID = map[string]string{"url": e.maskedURL()}
	for k, v := range opt.Def.StatsID {
		e.statsID[k] = v
	}
	e.statsKey = stats.Record{ID: e.statsID, Method: opt.Def.Method}.Key()

	inFlight := opt.MaxInFlight
	if inFlight <= 0 {
		inFlight = 8
		if opt.Def.PeakLoad != nil {
			if derived := int64(float64(*opt.Def.PeakLoad) * 2); derived > inFlight {
				inFlight = derived
			}
		}
	}
	e.sem = semaphore.NewWeighted(inFlight)
	return e, nil
}

// resolveRefs computes the providers taken exactly once per iteration:
// everything the templates and clauses reference that is neither a declare
// alias nor a scope root.
func (e *Executor) resolveRefs(aliases map[string]bool) ([]string, error) {
	seen := map[string]bool{}
	var refs []string
	add := func(names []string) {
		for _, n := range names {
			if !aliases[n] && !seen[n] {
				seen[n] = true
				refs = append(refs, n)
			}
		}
	}
	add(e.urlTmpl.References())
	for _, t := range e.headers {
		add(t.References())
	}
	if e.body != nil {
		add(e.body.References())
	}
	for _, pc := range e.provides {
		add(pc.clause.References())
	}
	for _, lc := range e.logs {
		add(lc.clause.References())
	}
	sort.Strings(refs)
	for _, name := range refs {
		if _, ok := e.opt.Providers[name]; !ok {
			return nil, fmt.Errorf("template references unknown provider %q", name)
		}
	}
	for _, d := range e.declares {
		for _, name := range d.References() {
			if aliases[name] {
				continue
			}
			if _, ok := e.opt.Providers[name]; !ok {
				return nil, fmt.Errorf("declare %s references unknown provider %q", d.Alias, name)
			}
		}
	}
	return refs, nil
}

// Consumes lists the providers this endpoint takes from, declares included.
func (e *Executor) Consumes() []string {
	seen := map[string]bool{}
	var out []string
	for _, name := range e.directRefs {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	for _, d := range e.declares {
		for _, name := range d.References() {
			if _, isProvider := e.opt.Providers[name]; isProvider && !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
		}
	}
	return out
}

// ProvidesTo lists the (provider, send mode) pairs this endpoint feeds.
func (e *Executor) ProvidesTo() map[string]config.SendMode {
	out := make(map[string]config.SendMode, len(e.provides))
	for _, pc := range e.provides {
		out[pc.target.Name()] = pc.send
	}
	return out
}

// StatsKey returns the stats identifier key for this endpoint.
func (e *Executor) StatsKey() string { return e.statsKey }

// maskedURL replaces interpolated URL segments with * so the stats
// identifier stays stable across iterations.
func (e *Executor) maskedURL() string {
	masked, _ := e.urlTmpl.Render(template.Env{
		Values:  nil,
		Helpers: nil,
		Take:    func(string) (any, error) { return "*", nil },
	})
	if masked == "" {
		return e.urlTmpl.String()
	}
	return masked
}

// Run consumes ticks until the stream closes, a referenced provider closes,
// or ctx ends, then waits for in-flight iterations. drainCtx governs
// already-started iterations and outlives ctx by the shutdown grace period.
func (e *Executor) Run(ctx context.Context, drainCtx context.Context, ticks <-chan time.Time) error {
	defer e.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-ticks:
			if !ok {
				return nil
			}
			if e.isTerminated() {
				return nil
			}
			// The in-flight cap back-pressures tick consumption; the timer
			// coalesces what we fail to drain.
			if err := e.sem.Acquire(ctx, 1); err != nil {
				return err
			}
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				defer e.sem.Release(1)
				e.iterate(drainCtx)
			}()
		}
	}
}

// TryOnce runs a single iteration immediately and returns the rendered
// request and raw response for plan debugging.
func (e *Executor) TryOnce(ctx context.Context) (*TryResult, error) {
	return e.tryIterate(ctx)
}

func (e *Executor) isTerminated() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.terminated
}

func (e *Executor) terminate() {
	e.mu.Lock()
	e.terminated = true
	e.mu.Unlock()
}

// acquire takes one value per direct reference and resolves declares, all
// before the request is built. A closed provider terminates the endpoint; a
// template failure aborts just this iteration.
func (e *Executor) acquire(ctx context.Context, ret *provider.Returner) (map[string]any, error) {
	values := make(map[string]any, len(e.directRefs)+len(e.declares))
	take := func(name string) (any, error) {
		p, ok := e.opt.Providers[name]
		if !ok {
			return nil, fmt.Errorf("%q %w", name, template.ErrMissing)
		}
		v, err := p.Take(ctx)
		if err != nil {
			return nil, err
		}
		if !e.opt.Def.NoAutoReturns {
			ret.Hold(p.Buffer, v)
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
	return values, nil
}

// iterate runs under drainCtx: a tick already consumed is in-flight work,
// entitled to finish its takes and request within the shutdown grace.
func (e *Executor) iterate(drainCtx context.Context) {
	ret := &provider.Returner{}
	values, err := e.acquire(drainCtx, ret)
	if err != nil {
		e.finishFailed(drainCtx, ret, err)
		return
	}

	req, body, err := e.render(drainCtx, values)
	if err != nil {
		e.finishFailed(drainCtx, ret, err)
		return
	}

	e.dispatch(drainCtx, req, body, values, ret)
}

// finishFailed executes auto-return and records the failure. Provider
// closure is clean termination, not an error.
func (e *Executor) finishFailed(drainCtx context.Context, ret *provider.Returner, err error) {
	defer ret.ReturnAll(drainCtx, e.opt.Log)
	if errors.Is(err, provider.ErrClosed) {
		e.terminate()
		return
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		ret.Discard()
		return
	}
	e.opt.Log.Warn().Err(err).Str("endpoint", e.statsKey).Msg("iteration aborted")
	e.opt.Stats.Record(stats.Record{
		RunID:     e.opt.RunID,
		ID:        e.statsID,
		Method:    e.opt.Def.Method,
		URL:       e.maskedURL(),
		Timestamp: time.Now(),
		Outcome:   stats.Outcome{ErrorKind: "template"},
	})
}

func (e *Executor) render(ctx context.Context, values map[string]any) (*http.Request, string, error) {
	env := template.Env{Values: values, Helpers: e.opt.Helpers}
	rawURL, err := e.urlTmpl.Render(env)
	if err != nil {
		return nil, "", err
	}
	if _, err := url.Parse(rawURL); err != nil {
		return nil, "", fmt.Errorf("rendered url: %w", err)
	}
	var body string
	var reader *strings.Reader
	if e.body != nil {
		if body, err = e.body.Render(env); err != nil {
			return nil, "", err
		}
		reader = strings.NewReader(body)
	}
	var req *http.Request
	if reader != nil {
		req, err = http.NewRequestWithContext(ctx, e.opt.Def.Method, rawURL, reader)
	} else {
		req, err = http.NewRequestWithContext(ctx, e.opt.Def.Method, rawURL, nil)
	}
	if err != nil {
		return nil, "", err
	}
	for name, tmpl := range e.headers {
		rendered, err := tmpl.Render(env)
		if err != nil {
			return nil, "", fmt.Errorf("header %s: %w", name, err)
		}
		req.Header.Set(name, rendered)
	}
	return req, body, nil
}

func (e *Executor) dispatch(drainCtx context.Context, req *http.Request, body string, values map[string]any, ret *provider.Returner) {
	requestScope := map[string]any{
		"method":  e.opt.Def.Method,
		"url":     req.URL.String(),
		"headers": headerMap(req.Header),
		"body":    body,
	}

	var span trace.Span
	if e.opt.Tracer != nil {
		var spanCtx context.Context
		spanCtx, span = e.opt.Tracer.Start(req.Context(), "request",
			trace.WithAttributes(
				attribute.String("http.method", e.opt.Def.Method),
				attribute.String("http.url", e.statsID["url"]),
			))
		req = req.WithContext(spanCtx)
		tracing.InjectHeaders(spanCtx, req.Header)
	}

	start := time.Now()
	resp, err := e.opt.Client.Do(req)
	rtt := time.Since(start)

	record := stats.Record{
		RunID:     e.opt.RunID,
		ID:        e.statsID,
		Method:    e.opt.Def.Method,
		URL:       req.URL.String(),
		Timestamp: start,
		RTT:       rtt,
		BytesOut:  int64(len(body)),
	}

	if err != nil {
		record.Outcome = stats.Outcome{ErrorKind: classifyError(err)}
		if span != nil {
			span.RecordError(err)
			span.End()
		}
		e.opt.Stats.Record(record)
		ret.ReturnAll(drainCtx, e.opt.Log)
		return
	}

	responseScope, bytesIn := readResponse(resp)
	record.BytesIn = bytesIn
	record.Outcome = stats.Outcome{Status: resp.StatusCode}
	if span != nil {
		span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
		span.End()
	}
	e.opt.Stats.Record(record)

	statsScope := map[string]any{
		"rtt":    rtt.Milliseconds(),
		"status": int64(resp.StatusCode),
	}
	scope := make(map[string]any, len(values)+3)
	for k, v := range values {
		scope[k] = v
	}
	scope["request"] = requestScope
	scope["response"] = responseScope
	scope["stats"] = statsScope
	env := template.Env{Values: scope, Helpers: e.opt.Helpers}

	// Provides for a completed response always run, even mid-shutdown, so
	// downstream providers see consistent state.
	for _, pc := range e.provides {
		records, err := pc.clause.Eval(env)
		if err != nil {
			e.opt.Log.Debug().Err(err).Str("endpoint", e.statsKey).
				Str("provider", pc.target.Name()).Msg("provides clause failed")
			continue
		}
		for _, r := range records {
			if _, err := pc.target.Put(drainCtx, r, pc.send); err != nil {
				if !errors.Is(err, provider.ErrClosed) {
					e.opt.Log.Warn().Err(err).Str("provider", pc.target.Name()).
						Msg("provides value dropped during shutdown")
				}
			}
		}
	}

	for _, lc := range e.logs {
		records, err := lc.clause.Eval(env)
		if err != nil {
			e.opt.Log.Debug().Err(err).Str("endpoint", e.statsKey).
				Str("logger", lc.sink.Name()).Msg("logs clause failed")
			continue
		}
		for _, r := range records {
			lc.sink.Emit(r)
		}
	}
	for _, sink := range e.global {
		sink.Offer(env)
	}

	ret.ReturnAll(drainCtx, e.opt.Log)
}

func headerMap(h http.Header) map[string]any {
	out := make(map[string]any, len(h))
	for name, vals := range h {
		if len(vals) == 1 {
			out[name] = vals[0]
		} else {
			arr := make([]any, len(vals))
			for i, v := range vals {
				arr[i] = v
			}
			out[name] = arr
		}
	}
	return out
}
