// Package stats collects per-request telemetry keyed by stats identifier
// and aggregates it for reporting.
package stats

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Outcome is either an HTTP status or an error kind for a failed request.
type Outcome struct {
	Status    int    `json:"status,omitempty"`
	ErrorKind string `json:"error,omitempty"`
}

// OK reports whether the request produced any HTTP response at all.
func (o Outcome) OK() bool { return o.ErrorKind == "" }

// Record is one request's telemetry as fed to the aggregator.
type Record struct {
	RunID     string            `json:"run_id"`
	ID        map[string]string `json:"stats_id"`
	Method    string            `json:"method"`
	URL       string            `json:"url"`
	Timestamp time.Time         `json:"timestamp"`
	RTT       time.Duration     `json:"rtt_ns"`
	Outcome   Outcome           `json:"outcome"`
	BytesIn   int64             `json:"bytes_in"`
	BytesOut  int64             `json:"bytes_out"`
}

// Key renders the stats identifier as a stable string for bucketing.
func (r Record) Key() string {
	keys := make([]string, 0, len(r.ID))
	for k := range r.ID {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	sb.WriteString(r.Method)
	for _, k := range keys {
		fmt.Fprintf(&sb, " %s=%s", k, r.ID[k])
	}
	return sb.String()
}

// bucket aggregates one stats identifier's records.
type bucket struct {
	hist     *hdrhistogram.Histogram
	statuses map[int]int64
	errors   map[string]int64
	bytesIn  int64
	bytesOut int64
	rttSum   time.Duration
	statsID  map[string]string
	method   string
}

func newBucket(r Record) *bucket {
	return &bucket{
		// 1µs to 60s at 3 significant figures.
		hist:     hdrhistogram.New(1, 60_000_000, 3),
		statuses: map[int]int64{},
		errors:   map[string]int64{},
		statsID:  r.ID,
		method:   r.Method,
	}
}

// Feeder receives records over a buffered channel and merges them into
// per-identifier shards. One goroutine drains the channel, so shard maps
// need no per-record locking beyond the snapshot mutex.
type Feeder struct {
	in   chan Record
	done chan struct{}

	mu      sync.Mutex
	buckets map[string]*bucket
	missed  map[string]int64

	merged atomic.Int64
}

// NewFeeder creates a feeder with the given channel depth.
func NewFeeder(depth int) *Feeder {
	if depth <= 0 {
		depth = 1024
	}
	f := &Feeder{
		in:      make(chan Record, depth),
		done:    make(chan struct{}),
		buckets: map[string]*bucket{},
		missed:  map[string]int64{},
	}
	go f.drain()
	return f
}

// Record submits one request's telemetry. It never blocks the executor for
// long: the channel is deep and the drain loop is cheap.
func (f *Feeder) Record(r Record) {
	f.in <- r
}

// RecordMissed counts ticks an endpoint coalesced away.
func (f *Feeder) RecordMissed(key string, n int64) {
	if n == 0 {
		return
	}
	f.mu.Lock()
	f.missed[key] += n
	f.mu.Unlock()
}

// Merged returns how many records have been folded in; the orchestrator's
// deadlock watchdog uses it as a progress signal.
func (f *Feeder) Merged() int64 { return f.merged.Load() }

// Close stops intake and waits for buffered records to be merged.
func (f *Feeder) Close() {
	close(f.in)
	<-f.done
}

func (f *Feeder) drain() {
	defer close(f.done)
	for r := range f.in {
		f.merge(r)
		f.merged.Add(1)
	}
}

func (f *Feeder) merge(r Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := r.Key()
	b, ok := f.buckets[key]
	if !ok {
		b = newBucket(r)
		f.buckets[key] = b
	}
	b.bytesIn += r.BytesIn
	b.bytesOut += r.BytesOut
	if r.Outcome.OK() {
		b.statuses[r.Outcome.Status]++
		us := r.RTT.Microseconds()
		if us < b.hist.LowestTrackableValue() {
			us = b.hist.LowestTrackableValue()
		}
		if us > b.hist.HighestTrackableValue() {
			us = b.hist.HighestTrackableValue()
		}
		_ = b.hist.RecordValue(us)
		b.rttSum += r.RTT
	} else {
		b.errors[r.Outcome.ErrorKind]++
	}
}

// Summary is the aggregated view of one stats identifier.
type Summary struct {
	Key         string            `json:"key"`
	Method      string            `json:"method"`
	StatsID     map[string]string `json:"stats_id,omitempty"`
	Total       int64             `json:"total"`
	Statuses    map[int]int64     `json:"statuses,omitempty"`
	Errors      map[string]int64  `json:"errors,omitempty"`
	MissedTicks int64             `json:"missed_ticks,omitempty"`
	BytesIn     int64             `json:"bytes_in"`
	BytesOut    int64             `json:"bytes_out"`
	MeanRTT     time.Duration     `json:"mean_rtt_ns"`
	P50RTT      time.Duration     `json:"p50_rtt_ns"`
	P90RTT      time.Duration     `json:"p90_rtt_ns"`
	P95RTT      time.Duration     `json:"p95_rtt_ns"`
	P99RTT      time.Duration     `json:"p99_rtt_ns"`
	MinRTT      time.Duration     `json:"min_rtt_ns"`
	MaxRTT      time.Duration     `json:"max_rtt_ns"`
}

// Summaries returns one summary per stats identifier, sorted by key.
func (f *Feeder) Summaries() []Summary {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]Summary, 0, len(f.buckets))
	for key, b := range f.buckets {
		var total int64
		statuses := make(map[int]int64, len(b.statuses))
		for code, n := range b.statuses {
			statuses[code] = n
			total += n
		}
		errors := make(map[string]int64, len(b.errors))
		for kind, n := range b.errors {
			errors[kind] = n
			total += n
		}
		s := Summary{
			Key:         key,
			Method:      b.method,
			StatsID:     b.statsID,
			Total:       total,
			Statuses:    statuses,
			Errors:      errors,
			MissedTicks: f.missed[key],
			BytesIn:     b.bytesIn,
			BytesOut:    b.bytesOut,
		}
		if n := b.hist.TotalCount(); n > 0 {
			s.MeanRTT = time.Duration(b.rttSum.Nanoseconds() / n)
			s.P50RTT = time.Duration(b.hist.ValueAtQuantile(50)) * time.Microsecond
			s.P90RTT = time.Duration(b.hist.ValueAtQuantile(90)) * time.Microsecond
			s.P95RTT = time.Duration(b.hist.ValueAtQuantile(95)) * time.Microsecond
			s.P99RTT = time.Duration(b.hist.ValueAtQuantile(99)) * time.Microsecond
			s.MinRTT = time.Duration(b.hist.Min()) * time.Microsecond
			s.MaxRTT = time.Duration(b.hist.Max()) * time.Microsecond
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// FailedHard reports whether any identifier saw no response with a status
// below 500 while recording at least one attempt. The CLI maps this to exit code 3.
func (f *Feeder) FailedHard() bool {
	for _, s := range f.Summaries() {
		var ok int64
		for code, n := range s.Statuses {
			if code < 500 {
				ok += n
			}
		}
		if s.Total > 0 && ok == 0 {
			return true
		}
	}
	return false
}
