package config

import (
	"strings"
	"testing"
	"time"
)

const samplePlan = `
load_pattern:
  - linear:
      to: 100%
      over: 1m
providers:
  users:
    file:
      path: users.csv
      format: csv
      csv_headers: true
  session:
    response:
      auto_return: block
      buffer: auto
  ships:
    static_list: [1, 2, 3]
  payload:
    static:
      a: 1
      b: two
loggers:
  errs:
    to: stderr
    select: response
    where: response.status >= 400
    limit: 3
endpoints:
  - url: http://localhost:8080/login
    method: post
    peak_load: 50hps
    body: '{"user": "{{users}}"}'
    provides:
      session:
        select: response.body.token
  - url: http://localhost:8080/ship?id={{ships}}
    peak_load: 30hpm
    headers:
      Authorization: Bearer {{session}}
    logs:
      errs:
        select: response.status
`

func TestParseFullPlan(t *testing.T) {
	cfg, err := Parse([]byte(samplePlan))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if len(cfg.LoadPattern) != 1 {
		t.Fatalf("expected 1 load segment, got %d", len(cfg.LoadPattern))
	}
	seg := cfg.LoadPattern[0]
	if float64(seg.To) != 1.0 || seg.Over.Duration() != time.Minute {
		t.Errorf("unexpected segment %+v", seg)
	}

	users := cfg.Providers["users"]
	if users.File == nil || users.File.Format != "csv" || !users.File.CSVHeaders {
		t.Errorf("unexpected file provider %+v", users.File)
	}
	session := cfg.Providers["session"]
	if session.Response == nil || session.Response.AutoReturn == nil || *session.Response.AutoReturn != SendBlock {
		t.Errorf("unexpected response provider %+v", session.Response)
	}
	if !session.Response.Buffer.Auto {
		t.Errorf("expected auto buffer")
	}
	if len(cfg.Providers["ships"].StaticList) != 3 {
		t.Errorf("unexpected static_list")
	}

	static, err := NodeValue(cfg.Providers["payload"].Static)
	if err != nil {
		t.Fatalf("NodeValue: %v", err)
	}
	obj, ok := static.(map[string]any)
	if !ok || obj["a"] != int64(1) || obj["b"] != "two" {
		t.Errorf("unexpected static value %#v", static)
	}

	if got := cfg.Endpoints[0].Method; got != "POST" {
		t.Errorf("method not normalized: %q", got)
	}
	if got := cfg.Endpoints[1].Method; got != "GET" {
		t.Errorf("default method = %q, want GET", got)
	}
	if got := cfg.Endpoints[0].Provides["session"].Send; got != SendBlock {
		t.Errorf("default send = %q, want block", got)
	}
	if float64(*cfg.Endpoints[1].PeakLoad) != 0.5 {
		t.Errorf("30hpm = %v hps, want 0.5", float64(*cfg.Endpoints[1].PeakLoad))
	}

	logger := cfg.Loggers["errs"]
	if logger.To != "stderr" || logger.Limit != 3 || logger.Select == "" {
		t.Errorf("unexpected logger %+v", logger)
	}
}

func TestParseRejects(t *testing.T) {
	cases := []struct {
		name string
		plan string
		want string
	}{
		{
			name: "unknown field",
			plan: "endpoints:\n  - url: http://x\n    wat: 1\n",
			want: "wat",
		},
		{
			name: "no endpoints",
			plan: "providers:\n  a:\n    static: 1\n",
			want: "endpoint",
		},
		{
			name: "reserved provider name",
			plan: "providers:\n  response:\n    static: 1\nendpoints:\n  - url: http://x\n",
			want: "reserved",
		},
		{
			name: "provider without kind",
			plan: "providers:\n  a: {}\nendpoints:\n  - url: http://x\n",
			want: "no kind",
		},
		{
			name: "peak load required",
			plan: "load_pattern:\n  - linear: {to: 100%, over: 1s}\nendpoints:\n  - url: http://x\n",
			want: "peak_load",
		},
		{
			name: "unknown provides target",
			plan: "endpoints:\n  - url: http://x\n    provides:\n      nope:\n        select: response.status\n",
			want: "unknown provider",
		},
		{
			name: "empty static list",
			plan: "providers:\n  a:\n    static_list: []\nendpoints:\n  - url: http://x\n",
			want: "static_list",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.plan))
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}
