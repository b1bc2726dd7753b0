// Package orchestrator wires providers, endpoints and loggers into a
// running test and coordinates its lifecycle and shutdown.
package orchestrator

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/torosent/pewpew/internal/config"
	"github.com/torosent/pewpew/internal/endpoint"
	"github.com/torosent/pewpew/internal/loadpattern"
	"github.com/torosent/pewpew/internal/logger"
	"github.com/torosent/pewpew/internal/modinterval"
	"github.com/torosent/pewpew/internal/provider"
	"github.com/torosent/pewpew/internal/stats"
	"github.com/torosent/pewpew/internal/template"
	"github.com/torosent/pewpew/internal/tracing"
)

// ShutdownGrace bounds how long in-flight requests may run after the load
// curves end or a stop signal arrives.
const ShutdownGrace = 30 * time.Second

// watchdogInterval paces the all-tasks-suspended deadlock sweep.
const watchdogInterval = time.Second

// Options configure a test run.
type Options struct {
	Config *config.Config
	Log    zerolog.Logger
	Client endpoint.Client // nil builds the shared pooled client
}

// Orchestrator owns every task of one test run.
type Orchestrator struct {
	cfg   *config.Config
	log   zerolog.Logger
	runID string

	providers map[string]*provider.Provider
	finite    map[string]bool
	loggers   map[string]*logger.Sink
	executors []*endpoint.Executor
	timers    []*modinterval.Timer
	feeder    *stats.Feeder
	client    endpoint.Client
	tracer    *tracing.Provider

	killed chan string
}

// New builds the full task graph from a validated config. Construction
// fails on unknown references and on provider cycles with no relief valve.
func New(ctx context.Context, opt Options) (*Orchestrator, error) {
	cfg := opt.Config
	o := &Orchestrator{
		cfg:       cfg,
		log:       opt.Log,
		runID:     ulid.MustNew(ulid.Timestamp(time.Now()), ulid.DefaultEntropy()).String(),
		providers: map[string]*provider.Provider{},
		finite:    map[string]bool{},
		loggers:   map[string]*logger.Sink{},
		feeder:    stats.NewFeeder(0),
		client:    opt.Client,
		killed:    make(chan string, 1),
	}

	tracer, err := tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		return nil, err
	}
	o.tracer = tracer

	if o.client == nil {
		o.client = endpoint.WithDefaultHeaders(endpoint.NewClient(cfg.Client), cfg.Client.Headers)
	}

	if err := o.buildProviders(); err != nil {
		return nil, err
	}
	if err := o.buildLoggers(); err != nil {
		return nil, err
	}
	if err := o.buildEndpoints(); err != nil {
		o.closeLoggers()
		return nil, err
	}
	if err := o.checkGraph(); err != nil {
		o.closeLoggers()
		return nil, err
	}
	return o, nil
}

// RunID is the ULID stamped on every stats record of this run.
func (o *Orchestrator) RunID() string { return o.runID }

// Feeder exposes the stats aggregate for reporting.
func (o *Orchestrator) Feeder() *stats.Feeder { return o.feeder }

func (o *Orchestrator) buildProviders() error {
	start := o.cfg.General.AutoBufferStartSize
	for name, def := range o.cfg.Providers {
		switch {
		case def.File != nil:
			o.providers[name] = provider.NewFile(name, *def.File, start)
			o.finite[name] = !def.File.Repeat
		case def.Response != nil:
			o.providers[name] = provider.NewResponse(name, *def.Response, start)
		case def.Static != nil:
			value, err := config.NodeValue(def.Static)
			if err != nil {
				return fmt.Errorf("provider %q: %w", name, err)
			}
			o.providers[name] = provider.NewStatic(name, value, start)
		case def.StaticList != nil:
			values := make([]provider.Value, len(def.StaticList))
			for i := range def.StaticList {
				v, err := config.NodeValue(&def.StaticList[i])
				if err != nil {
					return fmt.Errorf("provider %q: %w", name, err)
				}
				values[i] = v
			}
			o.providers[name] = provider.NewStaticList(name, values, start)
		case def.Range != nil:
			o.providers[name] = provider.NewRange(name, *def.Range, start)
			o.finite[name] = !def.Range.Repeat
		}
	}
	return nil
}

func (o *Orchestrator) buildLoggers() error {
	for name, def := range o.cfg.Loggers {
		sink, err := logger.New(name, def, o.log, o.kill)
		if err != nil {
			o.closeLoggers()
			return err
		}
		o.loggers[name] = sink
	}
	return nil
}

// kill stops the whole test; loggers configured with kill: true call it
// when their limit fills.
func (o *Orchestrator) kill(name string) {
	select {
	case o.killed <- name:
	default:
	}
}

func (o *Orchestrator) buildEndpoints() error {
	helpers := template.DefaultHelpers()
	for i, def := range o.cfg.Endpoints {
		pattern := def.LoadPattern
		if pattern == nil {
			pattern = o.cfg.LoadPattern
		}
		var peak config.Rate
		if def.PeakLoad != nil {
			peak = *def.PeakLoad
		}
		compiled := loadpattern.Compile(pattern, peak)

		exec, err := endpoint.Compile(endpoint.Options{
			Def:       def,
			Providers: o.providers,
			Loggers:   o.loggers,
			Helpers:   helpers,
			Stats:     o.feeder,
			RunID:     o.runID,
			Client:    o.client,
			Tracer:    o.tracer.Tracer(),
			Log:       o.log,
		})
		if err != nil {
			return fmt.Errorf("endpoint %d (%s): %w", i, def.URL, err)
		}
		o.executors = append(o.executors, exec)

		// An endpoint draining any finite supply must not lose ticks, so its
		// timer back-pressures instead of coalescing on a full buffer.
		block := false
		for _, name := range exec.Consumes() {
			if o.finite[name] {
				block = true
			}
		}
		o.timers = append(o.timers, modinterval.New(compiled, modinterval.Options{Block: block}))
	}
	return nil
}

func (o *Orchestrator) checkGraph() error {
	graph := &providerGraph{seeded: map[string]bool{}}
	for name, def := range o.cfg.Providers {
		graph.nodes = append(graph.nodes, name)
		if def.Response == nil {
			graph.seeded[name] = true
		}
	}
	sort.Strings(graph.nodes)
	for _, exec := range o.executors {
		consumes := exec.Consumes()
		for to, send := range exec.ProvidesTo() {
			for _, from := range consumes {
				graph.edges = append(graph.edges, edge{from: from, to: to, send: send})
			}
		}
	}
	warnings, err := graph.checkCycles()
	for _, w := range warnings {
		o.log.Warn().Msg(w)
	}
	if err != nil {
		return fmt.Errorf("provider graph: %w", err)
	}
	return nil
}

// Run executes the test: feeders, timers and executors run until every load
// curve is exhausted, a signal arrives, or a kill logger trips. It returns
// once stats and loggers are flushed.
func (o *Orchestrator) Run(ctx context.Context) error {
	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	// Track how many endpoints feed each provider. Response providers close
	// as soon as their last producer finishes so downstream takers drain and
	// terminate instead of waiting forever.
	producers := map[string]int{}
	for _, exec := range o.executors {
		for name := range exec.ProvidesTo() {
			producers[name]++
		}
	}
	var pmu sync.Mutex
	releaseProducer := func(exec *endpoint.Executor) {
		pmu.Lock()
		defer pmu.Unlock()
		for name := range exec.ProvidesTo() {
			producers[name]--
			if producers[name] == 0 && o.providers[name].Kind() == provider.KindResponse {
				o.providers[name].Close()
			}
		}
	}
	for name, p := range o.providers {
		if p.Kind() == provider.KindResponse && producers[name] == 0 {
			o.log.Warn().Str("provider", name).Msg("response provider has no producer; consumers will terminate immediately")
			p.Close()
		}
	}

	// drainCtx governs in-flight iterations: it survives the load curves (or
	// a stop signal) by the shutdown grace so pending requests, provides
	// clauses and auto-returns can finish.
	drainCtx, drainCancel := context.WithCancel(context.Background())
	var timersWg sync.WaitGroup
	timersWg.Add(len(o.timers))
	curvesDone := make(chan struct{})
	go func() {
		timersWg.Wait()
		close(curvesDone)
	}()
	go func() {
		select {
		case <-runCtx.Done():
		case <-curvesDone:
		}
		timer := time.NewTimer(ShutdownGrace)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-drainCtx.Done():
		}
		drainCancel()
	}()
	defer drainCancel()

	go func() {
		select {
		case name := <-o.killed:
			o.log.Warn().Str("logger", name).Msg("kill logger limit reached; stopping test")
			stop()
		case <-runCtx.Done():
		}
	}()

	var feeders errgroup.Group
	for _, p := range o.providers {
		p := p
		feeders.Go(func() error {
			if err := p.Start(runCtx); err != nil {
				o.log.Error().Err(err).Str("provider", p.Name()).Msg("provider failed")
				return err
			}
			return nil
		})
	}

	watchdogDone := make(chan struct{})
	go o.watchdog(runCtx, watchdogDone)

	var execs errgroup.Group
	for i, exec := range o.executors {
		exec, timer := exec, o.timers[i]
		execs.Go(func() error {
			go func() {
				defer timersWg.Done()
				_ = timer.Run(runCtx)
			}()
			err := exec.Run(runCtx, drainCtx, timer.Ticks())
			releaseProducer(exec)
			o.feeder.RecordMissed(exec.StatsKey(), timer.Missed())
			if err != nil && runCtx.Err() != nil {
				err = nil // orderly shutdown, not a failure
			}
			return err
		})
	}

	execErr := execs.Wait()

	// Stop the remaining feeders and close whatever providers survive; every
	// consumer is gone by now.
	for _, p := range o.providers {
		p.Close()
	}
	stop()
	_ = feeders.Wait()
	<-watchdogDone

	drainCancel()
	o.feeder.Close()
	o.closeLoggers()
	if err := o.tracer.Shutdown(context.Background()); err != nil {
		o.log.Warn().Err(err).Msg("tracer shutdown")
	}

	if execErr != nil && ctx.Err() == nil {
		return execErr
	}
	return nil
}

// watchdog surfaces the all-tasks-suspended condition: no stats progress
// across consecutive sweeps while at least one task waits on a provider.
func (o *Orchestrator) watchdog(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()

	var lastMerged int64
	stalled := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		merged := o.feeder.Merged()
		blocked := o.blockedProviders()
		if o.cfg.General.LogProviderStats {
			for name, p := range o.providers {
				takers, putters := p.Waiting()
				o.log.Info().Str("provider", name).
					Int("len", p.Len()).Int("limit", p.Limit()).
					Int("waiting_takers", takers).Int("waiting_putters", putters).
					Msg("provider stats")
			}
		}
		if merged == lastMerged && len(blocked) > 0 {
			stalled++
			if stalled >= 5 {
				o.log.Error().Strs("providers", blocked).
					Msg("no progress while tasks wait on providers; possible deadlock (consider send: if_not_full or matching peak_loads)")
				stalled = 0
			}
		} else {
			stalled = 0
		}
		lastMerged = merged
	}
}

func (o *Orchestrator) blockedProviders() []string {
	var blocked []string
	for name, p := range o.providers {
		takers, putters := p.Waiting()
		if takers > 0 || putters > 0 {
			blocked = append(blocked, name)
		}
	}
	sort.Strings(blocked)
	return blocked
}

func (o *Orchestrator) closeLoggers() {
	for _, sink := range o.loggers {
		sink.Close()
	}
	o.loggers = map[string]*logger.Sink{}
}

// Try runs each selected endpoint once, in config order, with immediate
// ticks and non-blocking provider reads. File and static providers are
// primed first so their initial values are available.
func (o *Orchestrator) Try(ctx context.Context, include []string) ([]*endpoint.TryResult, error) {
	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	for _, p := range o.providers {
		p := p
		go func() { _ = p.Start(runCtx) }()
	}
	// Give feeders a moment to prime their buffers.
	waitForPrime(runCtx, o.providers)

	selected := map[string]bool{}
	for _, name := range include {
		selected[name] = true
	}
	var results []*endpoint.TryResult
	for i, exec := range o.executors {
		if len(selected) > 0 {
			id := o.cfg.Endpoints[i].StatsID["name"]
			if !selected[id] {
				continue
			}
		}
		res, err := exec.TryOnce(ctx)
		if err != nil {
			return results, fmt.Errorf("endpoint %d: %w", i, err)
		}
		results = append(results, res)
	}
	o.feeder.Close()
	o.closeLoggers()
	return results, nil
}

func waitForPrime(ctx context.Context, providers map[string]*provider.Provider) {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ready := true
		for _, p := range providers {
			if p.Kind() != provider.KindResponse && p.Len() == 0 && !p.Closed() {
				ready = false
			}
		}
		if ready || ctx.Err() != nil {
			return
		}
		time.Sleep(10*time.Millisecond + time.Duration(rand.Intn(5))*time.Millisecond)
	}
}
