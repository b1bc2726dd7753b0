package endpoint

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/torosent/pewpew/internal/config"
	"github.com/torosent/pewpew/internal/provider"
	"github.com/torosent/pewpew/internal/stats"
	"github.com/torosent/pewpew/internal/template"
)

// captureServer records request URLs and bodies in arrival order.
type captureServer struct {
	*httptest.Server
	mu      sync.Mutex
	urls    []string
	bodies  []string
	respond func(w http.ResponseWriter, r *http.Request)
}

func newCaptureServer(respond func(w http.ResponseWriter, r *http.Request)) *captureServer {
	cs := &captureServer{respond: respond}
	cs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		cs.mu.Lock()
		cs.urls = append(cs.urls, r.URL.String())
		cs.bodies = append(cs.bodies, string(body))
		cs.mu.Unlock()
		if cs.respond != nil {
			cs.respond(w, r)
		}
	}))
	return cs
}

func (cs *captureServer) snapshot() ([]string, []string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return append([]string(nil), cs.urls...), append([]string(nil), cs.bodies...)
}

func ticksOf(n int) <-chan time.Time {
	ch := make(chan time.Time, n)
	now := time.Now()
	for i := 0; i < n; i++ {
		ch <- now
	}
	close(ch)
	return ch
}

func compile(t *testing.T, def config.Endpoint, providers map[string]*provider.Provider, feeder *stats.Feeder) *Executor {
	t.Helper()
	if def.Method == "" {
		def.Method = http.MethodGet
	}
	exec, err := Compile(Options{
		Def:         def,
		Providers:   providers,
		Helpers:     template.DefaultHelpers(),
		Stats:       feeder,
		RunID:       "test",
		Client:      http.DefaultClient,
		Log:         zerolog.Nop(),
		MaxInFlight: 1, // serialize iterations so order is observable
	})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return exec
}

func startProvider(t *testing.T, ctx context.Context, p *provider.Provider) {
	t.Helper()
	go func() { _ = p.Start(ctx) }()
}

func TestExecutorIssuesRequestPerTick(t *testing.T) {
	server := newCaptureServer(nil)
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ships := provider.NewStaticList("ships", []provider.Value{int64(1), int64(2), int64(3)}, 5)
	startProvider(t, ctx, ships)
	feeder := stats.NewFeeder(64)

	exec := compile(t, config.Endpoint{
		URL: server.URL + "/ship?id={{ships}}",
	}, map[string]*provider.Provider{"ships": ships}, feeder)

	if err := exec.Run(ctx, ctx, ticksOf(3)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	feeder.Close()

	urls, _ := server.snapshot()
	want := []string{"/ship?id=1", "/ship?id=2", "/ship?id=3"}
	if len(urls) != len(want) {
		t.Fatalf("got %d requests, want %d", len(urls), len(want))
	}
	for i, u := range urls {
		if u != want[i] {
			t.Errorf("request %d = %q, want %q", i, u, want[i])
		}
	}

	sums := feeder.Summaries()
	if len(sums) != 1 || sums[0].Statuses[200] != 3 {
		t.Fatalf("unexpected stats %+v", sums)
	}
	// The stats identifier masks the interpolated query value.
	if sums[0].StatsID["url"] != server.URL+"/ship?id=*" {
		t.Errorf("stats url = %q", sums[0].StatsID["url"])
	}
}

func TestExecutorStopsWhenProviderDrains(t *testing.T) {
	// E2: three values, endpoint referencing the provider issues exactly
	// three requests in the provider's order, then terminates.
	server := newCaptureServer(nil)
	defer server.Close()

	ctx := context.Background()
	end := int64(3)
	users := provider.NewRange("users", config.RangeProvider{Start: 1, End: &end, Step: 1}, 5)
	startProvider(t, ctx, users)
	feeder := stats.NewFeeder(64)

	exec := compile(t, config.Endpoint{
		URL: server.URL + "/u/{{users}}",
	}, map[string]*provider.Provider{"users": users}, feeder)

	if err := exec.Run(ctx, ctx, ticksOf(10)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	feeder.Close()

	urls, _ := server.snapshot()
	want := []string{"/u/1", "/u/2", "/u/3"}
	if len(urls) != 3 {
		t.Fatalf("got %d requests, want 3: %v", len(urls), urls)
	}
	for i, u := range urls {
		if u != want[i] {
			t.Errorf("request %d = %q, want %q", i, u, want[i])
		}
	}
}

func TestProvidesRoutesResponseField(t *testing.T) {
	server := newCaptureServer(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"token":"tok-1"}`))
	})
	defer server.Close()

	ctx := context.Background()
	tokens := provider.NewResponse("tokens", config.ResponseProvider{}, 5)
	feeder := stats.NewFeeder(64)

	exec := compile(t, config.Endpoint{
		URL: server.URL + "/login",
		Provides: map[string]config.Provides{
			"tokens": {Select: "response.body.token", Send: config.SendBlock},
		},
	}, map[string]*provider.Provider{"tokens": tokens}, feeder)

	if err := exec.Run(ctx, ctx, ticksOf(1)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	feeder.Close()

	v, err := tokens.Take(ctx)
	if err != nil {
		t.Fatalf("take: %v", err)
	}
	if v != "tok-1" {
		t.Fatalf("routed value = %v, want tok-1", v)
	}
}

func TestProvidesWhereGate(t *testing.T) {
	status := http.StatusInternalServerError
	server := newCaptureServer(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	})
	defer server.Close()

	ctx := context.Background()
	sink := provider.NewResponse("sink", config.ResponseProvider{}, 5)
	feeder := stats.NewFeeder(64)

	exec := compile(t, config.Endpoint{
		URL: server.URL + "/a",
		Provides: map[string]config.Provides{
			"sink": {
				Select: "response.status",
				Send:   config.SendIfNotFull,
				Where:  "response.status < 400",
			},
		},
	}, map[string]*provider.Provider{"sink": sink}, feeder)

	if err := exec.Run(ctx, ctx, ticksOf(2)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	feeder.Close()
	if sink.Len() != 0 {
		t.Fatalf("where should have gated all records, got %d", sink.Len())
	}
}

func TestAutoReturnRestoresValue(t *testing.T) {
	server := newCaptureServer(nil)
	defer server.Close()

	ctx := context.Background()
	mode := config.SendBlock
	session := provider.NewResponse("session", config.ResponseProvider{AutoReturn: &mode}, 5)
	if _, err := session.Put(ctx, "s-1", config.SendForce); err != nil {
		t.Fatal(err)
	}
	feeder := stats.NewFeeder(64)

	exec := compile(t, config.Endpoint{
		URL: server.URL + "/me",
		Headers: map[string]string{
			"Authorization": "Bearer {{session}}",
		},
	}, map[string]*provider.Provider{"session": session}, feeder)

	// Several iterations all reuse the same circulating session value.
	if err := exec.Run(ctx, ctx, ticksOf(5)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	feeder.Close()

	if session.Len() != 1 {
		t.Fatalf("session length = %d, want the value returned", session.Len())
	}
	urls, _ := server.snapshot()
	if len(urls) != 5 {
		t.Fatalf("got %d requests, want 5", len(urls))
	}
}

func TestTemplateErrorAbortsIterationOnly(t *testing.T) {
	server := newCaptureServer(nil)
	defer server.Close()

	ctx := context.Background()
	// Values are objects without the field the body wants.
	items := provider.NewStaticList("items", []provider.Value{
		map[string]provider.Value{"other": int64(1)},
	}, 5)
	startProvider(t, ctx, items)
	feeder := stats.NewFeeder(64)

	exec := compile(t, config.Endpoint{
		Method: http.MethodPost,
		URL:    server.URL + "/items",
		Body:   `{"id": {{items.missing}}}`,
	}, map[string]*provider.Provider{"items": items}, feeder)

	if err := exec.Run(ctx, ctx, ticksOf(3)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	feeder.Close()

	urls, _ := server.snapshot()
	if len(urls) != 0 {
		t.Fatalf("no request should have been dispatched, got %d", len(urls))
	}
	sums := feeder.Summaries()
	if len(sums) != 1 || sums[0].Errors["template"] != 3 {
		t.Fatalf("expected 3 template errors, got %+v", sums)
	}
}

func TestSingleTakePerIteration(t *testing.T) {
	// Within one iteration two references to the same provider see the
	// same value.
	server := newCaptureServer(nil)
	defer server.Close()

	ctx := context.Background()
	end := int64(10)
	ids := provider.NewRange("ids", config.RangeProvider{Start: 1, End: &end, Step: 1}, 5)
	startProvider(t, ctx, ids)
	feeder := stats.NewFeeder(64)

	exec := compile(t, config.Endpoint{
		Method: http.MethodPost,
		URL:    server.URL + "/echo/{{ids}}",
		Body:   `{"id": {{ids}}}`,
	}, map[string]*provider.Provider{"ids": ids}, feeder)

	if err := exec.Run(ctx, ctx, ticksOf(2)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	feeder.Close()

	urls, bodies := server.snapshot()
	if len(urls) != 2 {
		t.Fatalf("got %d requests", len(urls))
	}
	if urls[0] != "/echo/1" || bodies[0] != `{"id": 1}` {
		t.Errorf("iteration 1 split its take: %q %q", urls[0], bodies[0])
	}
	if urls[1] != "/echo/2" || bodies[1] != `{"id": 2}` {
		t.Errorf("iteration 2 split its take: %q %q", urls[1], bodies[1])
	}
}

func TestTransportErrorRecorded(t *testing.T) {
	ctx := context.Background()
	feeder := stats.NewFeeder(64)
	exec := compile(t, config.Endpoint{
		// Nothing listens here; connection is refused immediately.
		URL: "http://127.0.0.1:1/unreachable",
	}, map[string]*provider.Provider{}, feeder)

	if err := exec.Run(ctx, ctx, ticksOf(1)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	feeder.Close()

	sums := feeder.Summaries()
	if len(sums) != 1 {
		t.Fatalf("expected a summary, got %+v", sums)
	}
	var total int64
	for _, n := range sums[0].Errors {
		total += n
	}
	if total != 1 {
		t.Fatalf("expected one transport error, got %+v", sums[0].Errors)
	}
}

func TestTryOnceReportsExchange(t *testing.T) {
	server := newCaptureServer(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	defer server.Close()

	ctx := context.Background()
	feeder := stats.NewFeeder(64)
	exec := compile(t, config.Endpoint{URL: server.URL + "/ping"}, map[string]*provider.Provider{}, feeder)

	res, err := exec.TryOnce(ctx)
	if err != nil {
		t.Fatalf("TryOnce: %v", err)
	}
	if res.Request["url"] != server.URL+"/ping" {
		t.Errorf("request url = %v", res.Request["url"])
	}
	body, ok := res.Response["body"].(map[string]any)
	if !ok || body["ok"] != true {
		t.Errorf("response body = %#v", res.Response["body"])
	}
	feeder.Close()
}
