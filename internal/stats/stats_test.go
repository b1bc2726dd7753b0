package stats

import (
	"testing"
	"time"
)

func record(status int, rtt time.Duration) Record {
	return Record{
		RunID:     "run",
		ID:        map[string]string{"url": "http://x/a", "name": "a"},
		Method:    "GET",
		Timestamp: time.Now(),
		RTT:       rtt,
		Outcome:   Outcome{Status: status},
		BytesIn:   100,
		BytesOut:  10,
	}
}

func TestKeyIsStableAndSorted(t *testing.T) {
	a := Record{Method: "GET", ID: map[string]string{"b": "2", "a": "1"}}
	b := Record{Method: "GET", ID: map[string]string{"a": "1", "b": "2"}}
	if a.Key() != b.Key() {
		t.Fatalf("keys differ: %q vs %q", a.Key(), b.Key())
	}
	if a.Key() != "GET a=1 b=2" {
		t.Fatalf("key = %q", a.Key())
	}
}

func TestFeederAggregates(t *testing.T) {
	f := NewFeeder(16)
	for i := 0; i < 10; i++ {
		f.Record(record(200, 10*time.Millisecond))
	}
	f.Record(record(500, 20*time.Millisecond))
	f.Record(Record{
		ID:      map[string]string{"url": "http://x/a", "name": "a"},
		Method:  "GET",
		Outcome: Outcome{ErrorKind: "timeout"},
	})
	f.Close()

	sums := f.Summaries()
	if len(sums) != 1 {
		t.Fatalf("got %d summaries, want 1", len(sums))
	}
	s := sums[0]
	if s.Total != 12 {
		t.Errorf("total = %d, want 12", s.Total)
	}
	if s.Statuses[200] != 10 || s.Statuses[500] != 1 {
		t.Errorf("statuses = %v", s.Statuses)
	}
	if s.Errors["timeout"] != 1 {
		t.Errorf("errors = %v", s.Errors)
	}
	if s.BytesIn != 1100 || s.BytesOut != 110 {
		t.Errorf("bytes = %d/%d", s.BytesIn, s.BytesOut)
	}
	if s.P50RTT < 5*time.Millisecond || s.P50RTT > 15*time.Millisecond {
		t.Errorf("p50 = %s", s.P50RTT)
	}
	if s.MaxRTT < 19*time.Millisecond {
		t.Errorf("max = %s", s.MaxRTT)
	}
	if f.Merged() != 12 {
		t.Errorf("merged = %d", f.Merged())
	}
}

func TestSeparateIdentifiersSeparateBuckets(t *testing.T) {
	f := NewFeeder(16)
	r1 := record(200, time.Millisecond)
	r2 := record(200, time.Millisecond)
	r2.ID = map[string]string{"url": "http://x/b", "name": "b"}
	f.Record(r1)
	f.Record(r2)
	f.Close()
	if got := len(f.Summaries()); got != 2 {
		t.Fatalf("got %d summaries, want 2", got)
	}
}

func TestMissedTicksReported(t *testing.T) {
	f := NewFeeder(16)
	r := record(200, time.Millisecond)
	f.Record(r)
	f.Close()
	f.RecordMissed(r.Key(), 7)
	if got := f.Summaries()[0].MissedTicks; got != 7 {
		t.Fatalf("missed = %d, want 7", got)
	}
}

func TestFailedHard(t *testing.T) {
	f := NewFeeder(16)
	f.Record(record(200, time.Millisecond))
	f.Close()
	if f.FailedHard() {
		t.Fatal("healthy endpoint reported as failed")
	}

	g := NewFeeder(16)
	g.Record(record(503, time.Millisecond))
	g.Record(Record{
		ID:      map[string]string{"url": "http://x/a", "name": "a"},
		Method:  "GET",
		Outcome: Outcome{ErrorKind: "connection"},
	})
	g.Close()
	if !g.FailedHard() {
		t.Fatal("endpoint with zero non-5xx responses should fail hard")
	}
}
