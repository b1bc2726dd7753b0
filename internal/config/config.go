package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// SendMode controls how a value is pushed into a provider buffer.
type SendMode string

const (
	SendBlock     SendMode = "block"
	SendForce     SendMode = "force"
	SendIfNotFull SendMode = "if_not_full"
)

func (m *SendMode) UnmarshalYAML(node *yaml.Node) error {
	switch SendMode(node.Value) {
	case SendBlock, SendForce, SendIfNotFull:
		*m = SendMode(node.Value)
		return nil
	default:
		return fmt.Errorf("invalid send mode %q", node.Value)
	}
}

// LoadSegment is one piece of a load pattern. From defaults to the previous
// segment's To (or 0% for the first segment).
type LoadSegment struct {
	From *Percentage `yaml:"from"`
	To   Percentage  `yaml:"to"`
	Over Duration    `yaml:"over"`
}

// UnmarshalYAML accepts both the bare segment mapping and the
// "linear: {...}" wrapper used in test plans.
func (s *LoadSegment) UnmarshalYAML(node *yaml.Node) error {
	type plain LoadSegment
	var wrapper struct {
		Linear *plain `yaml:"linear"`
	}
	if err := node.Decode(&wrapper); err == nil && wrapper.Linear != nil {
		*s = LoadSegment(*wrapper.Linear)
		return nil
	}
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*s = LoadSegment(p)
	return nil
}

// FileProvider reads values out of a file on disk.
type FileProvider struct {
	Path       string    `yaml:"path"`
	Repeat     bool      `yaml:"repeat"`
	Format     string    `yaml:"format"` // line (default), csv or json
	Random     bool      `yaml:"random"`
	CSVHeaders bool      `yaml:"csv_headers"`
	Buffer     Limit     `yaml:"buffer"`
	AutoReturn *SendMode `yaml:"auto_return"`
}

// ResponseProvider is filled at runtime by endpoint provides clauses.
type ResponseProvider struct {
	Buffer     Limit     `yaml:"buffer"`
	AutoReturn *SendMode `yaml:"auto_return"`
}

// RangeProvider yields the integers start, start+step, ... up to end.
type RangeProvider struct {
	Start  int64  `yaml:"start"`
	End    *int64 `yaml:"end"`
	Step   int64  `yaml:"step"`
	Repeat bool   `yaml:"repeat"`
}

// Provider is the tagged union of provider kinds; exactly one field is set.
type Provider struct {
	File       *FileProvider     `yaml:"file"`
	Response   *ResponseProvider `yaml:"response"`
	Static     *yaml.Node        `yaml:"static"`
	StaticList []yaml.Node       `yaml:"static_list"`
	Range      *RangeProvider    `yaml:"range"`
}

func (p Provider) kindCount() int {
	n := 0
	if p.File != nil {
		n++
	}
	if p.Response != nil {
		n++
	}
	if p.Static != nil {
		n++
	}
	if p.StaticList != nil {
		n++
	}
	if p.Range != nil {
		n++
	}
	return n
}

// Logger routes selected request/response events to an output sink.
// A logger with a Select expression is global: it sees every endpoint's
// events. Without one it only receives what endpoint logs clauses send it.
type Logger struct {
	To      string   `yaml:"to"` // stdout, stderr or a file path
	Select  string   `yaml:"select"`
	ForEach []string `yaml:"for_each"`
	Where   string   `yaml:"where"`
	Pretty  bool     `yaml:"pretty"`
	Limit   int      `yaml:"limit"`
	Kill    bool     `yaml:"kill"`
}

// Provides routes a value selected from a completed request into a provider.
type Provides struct {
	Select  string   `yaml:"select"`
	Send    SendMode `yaml:"send"`
	ForEach []string `yaml:"for_each"`
	Where   string   `yaml:"where"`
}

// Logs routes a value selected from a completed request to a targeted logger.
type Logs struct {
	Select  string   `yaml:"select"`
	ForEach []string `yaml:"for_each"`
	Where   string   `yaml:"where"`
}

// Endpoint describes one templated HTTP request under load.
type Endpoint struct {
	Method        string              `yaml:"method"`
	URL           string              `yaml:"url"`
	Headers       map[string]string   `yaml:"headers"`
	Body          string              `yaml:"body"`
	Declare       map[string]string   `yaml:"declare"`
	LoadPattern   []LoadSegment       `yaml:"load_pattern"`
	PeakLoad      *Rate               `yaml:"peak_load"`
	StatsID       map[string]string   `yaml:"stats_id"`
	Provides      map[string]Provides `yaml:"provides"`
	Logs          map[string]Logs     `yaml:"logs"`
	NoAutoReturns bool                `yaml:"no_auto_returns"`
}

// ClientConfig tunes the shared HTTP client.
type ClientConfig struct {
	RequestTimeout Duration          `yaml:"request_timeout"`
	Headers        map[string]string `yaml:"headers"`
	KeepAlive      Duration          `yaml:"keepalive"`
}

// GeneralConfig holds engine-wide knobs.
type GeneralConfig struct {
	AutoBufferStartSize int      `yaml:"auto_buffer_start_size"`
	BucketSize          Duration `yaml:"bucket_size"`
	LogProviderStats    bool     `yaml:"log_provider_stats"`
}

// TracingConfig enables OpenTelemetry export for per-request spans.
type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	Protocol    string  `yaml:"protocol"` // "http" (default) or "grpc"
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
	Insecure    bool    `yaml:"insecure"`
}

func (t TracingConfig) Enabled() bool { return t.Endpoint != "" }

// Config is the root of a parsed test plan.
type Config struct {
	LoadPattern []LoadSegment       `yaml:"load_pattern"`
	Providers   map[string]Provider `yaml:"providers"`
	Loggers     map[string]Logger   `yaml:"loggers"`
	Endpoints   []Endpoint          `yaml:"endpoints"`
	Client      ClientConfig        `yaml:"client"`
	General     GeneralConfig       `yaml:"general"`
	Tracing     TracingConfig       `yaml:"tracing"`
}

// DefaultRequestTimeout applies when client.request_timeout is unset.
const DefaultRequestTimeout = 60 * time.Second

// reservedNames may not be used as provider names; they are scope roots in
// template expressions.
var reservedNames = map[string]bool{
	"request":  true,
	"response": true,
	"stats":    true,
	"for_each": true,
}

// ValidationError aggregates every problem found in a config.
type ValidationError struct {
	issues []string
}

func (e ValidationError) Error() string {
	if len(e.issues) == 0 {
		return "validation failed"
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(e.issues, "; "))
}

func (e ValidationError) Issues() []string {
	return append([]string(nil), e.issues...)
}

// Validate performs structural checks. Cross-endpoint provider graph checks
// happen later, at orchestration time, once templates are parsed.
func (c Config) Validate() error {
	var issues []string

	for name, p := range c.Providers {
		if reservedNames[name] {
			issues = append(issues, fmt.Sprintf("provider name %q is reserved", name))
		}
		switch n := p.kindCount(); {
		case n == 0:
			issues = append(issues, fmt.Sprintf("provider %q: no kind specified", name))
		case n > 1:
			issues = append(issues, fmt.Sprintf("provider %q: multiple kinds specified", name))
		}
		if p.File != nil {
			if strings.TrimSpace(p.File.Path) == "" {
				issues = append(issues, fmt.Sprintf("provider %q: file path is required", name))
			}
			switch p.File.Format {
			case "", "line", "csv", "json":
			default:
				issues = append(issues, fmt.Sprintf("provider %q: unknown file format %q", name, p.File.Format))
			}
		}
		if p.StaticList != nil && len(p.StaticList) == 0 {
			issues = append(issues, fmt.Sprintf("provider %q: static_list must not be empty", name))
		}
		if p.Range != nil && p.Range.Step < 0 {
			issues = append(issues, fmt.Sprintf("provider %q: range step must not be negative", name))
		}
	}

	for name, l := range c.Loggers {
		if strings.TrimSpace(l.To) == "" {
			issues = append(issues, fmt.Sprintf("logger %q: to is required", name))
		}
		if l.Limit < 0 {
			issues = append(issues, fmt.Sprintf("logger %q: limit must not be negative", name))
		}
	}

	if len(c.Endpoints) == 0 {
		issues = append(issues, "at least one endpoint is required")
	}
	for i, ep := range c.Endpoints {
		if strings.TrimSpace(ep.URL) == "" {
			issues = append(issues, fmt.Sprintf("endpoint %d: url is required", i))
		}
		pattern := ep.LoadPattern
		if pattern == nil {
			pattern = c.LoadPattern
		}
		if len(pattern) > 0 && ep.PeakLoad == nil {
			issues = append(issues, fmt.Sprintf("endpoint %d: peak_load is required with a load_pattern", i))
		}
		for target := range ep.Provides {
			if _, ok := c.Providers[target]; !ok {
				issues = append(issues, fmt.Sprintf("endpoint %d: provides references unknown provider %q", i, target))
			}
		}
		for target := range ep.Logs {
			if _, ok := c.Loggers[target]; !ok {
				issues = append(issues, fmt.Sprintf("endpoint %d: logs references unknown logger %q", i, target))
			}
		}
		for alias := range ep.Declare {
			if reservedNames[alias] {
				issues = append(issues, fmt.Sprintf("endpoint %d: declare alias %q is reserved", i, alias))
			}
		}
	}

	if len(issues) > 0 {
		return ValidationError{issues: issues}
	}
	return nil
}
