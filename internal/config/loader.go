package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Loader handles reading a test plan from disk.
type Loader struct{}

// NewLoader creates a new configuration Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load reads, decodes and normalizes the YAML test plan at path.
func (Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML test plan. Unknown fields are rejected so typos
// surface before a test starts; keys inside a load_pattern segment are
// decoded leniently, and unknown ones there are ignored.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty config")
		}
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	for i := range cfg.Endpoints {
		ep := &cfg.Endpoints[i]
		if ep.Method == "" {
			ep.Method = http.MethodGet
		}
		ep.Method = strings.ToUpper(ep.Method)
		for target, clause := range ep.Provides {
			if clause.Send == "" {
				// Blocking on a full downstream buffer is the default send
				// mode for every endpoint, with or without a load pattern.
				clause.Send = SendBlock
				ep.Provides[target] = clause
			}
		}
	}
	for name, p := range cfg.Providers {
		if p.File != nil && p.File.Format == "" {
			p.File.Format = "line"
			cfg.Providers[name] = p
		}
		if p.Range != nil && p.Range.Step == 0 {
			p.Range.Step = 1
			cfg.Providers[name] = p
		}
	}
	if cfg.General.AutoBufferStartSize == 0 {
		cfg.General.AutoBufferStartSize = 5
	}
	if cfg.Client.RequestTimeout == 0 {
		cfg.Client.RequestTimeout = Duration(DefaultRequestTimeout)
	}
}

// NodeValue converts a decoded YAML node into a plain JSON-like Go value
// (nil, bool, int64, float64, string, []any or map[string]any).
func NodeValue(node *yaml.Node) (any, error) {
	if node == nil {
		return nil, nil
	}
	switch node.Kind {
	case yaml.DocumentNode:
		if len(node.Content) == 0 {
			return nil, nil
		}
		return NodeValue(node.Content[0])
	case yaml.ScalarNode:
		return scalarValue(node)
	case yaml.SequenceNode:
		out := make([]any, 0, len(node.Content))
		for _, item := range node.Content {
			v, err := NodeValue(item)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case yaml.MappingNode:
		out := make(map[string]any, len(node.Content)/2)
		for i := 0; i+1 < len(node.Content); i += 2 {
			key := node.Content[i].Value
			v, err := NodeValue(node.Content[i+1])
			if err != nil {
				return nil, err
			}
			out[key] = v
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported YAML node kind %d", node.Kind)
	}
}

func scalarValue(node *yaml.Node) (any, error) {
	switch node.Tag {
	case "!!null":
		return nil, nil
	case "!!bool":
		return strconv.ParseBool(node.Value)
	case "!!int":
		return strconv.ParseInt(node.Value, 10, 64)
	case "!!float":
		return strconv.ParseFloat(node.Value, 64)
	default:
		return node.Value, nil
	}
}
