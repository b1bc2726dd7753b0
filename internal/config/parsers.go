// Package config provides configuration loading and parsing for pewpew.
package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a nonnegative span of time parsed from chained
// "{N}{unit}" segments, e.g. "90s", "1m30s" or "2 hrs 15 mins".
type Duration time.Duration

// Alternatives are ordered longest-first: the regexp engine takes the first
// alternative that matches, so "h" before "hours" would strand "ours".
var durationSegment = regexp.MustCompile(`^\s*(\d+)\s*(hours?|hrs?|h|minutes?|mins?|m|seconds?|secs?|s)`)

// ParseDuration parses a duration expression. Segments are additive and a
// bare number without a unit is an error.
func ParseDuration(s string) (Duration, error) {
	rest := strings.TrimSpace(s)
	if rest == "" {
		return 0, fmt.Errorf("empty duration")
	}
	var total time.Duration
	for rest != "" {
		m := durationSegment.FindStringSubmatch(rest)
		if m == nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		n, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", s, err)
		}
		switch m[2][0] {
		case 'h':
			total += time.Duration(n) * time.Hour
		case 'm':
			total += time.Duration(n) * time.Minute
		case 's':
			total += time.Duration(n) * time.Second
		}
		rest = strings.TrimSpace(rest[len(m[0]):])
	}
	return Duration(total), nil
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := ParseDuration(node.Value)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Percentage is a nonnegative multiplier; "100%" parses to 1.0 and values
// above 100% are allowed.
type Percentage float64

func ParsePercentage(s string) (Percentage, error) {
	trimmed := strings.TrimSpace(s)
	if !strings.HasSuffix(trimmed, "%") {
		return 0, fmt.Errorf("invalid percentage %q: missing %% suffix", s)
	}
	v, err := strconv.ParseFloat(strings.TrimSuffix(trimmed, "%"), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid percentage %q: %w", s, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("invalid percentage %q: must be nonnegative", s)
	}
	return Percentage(v / 100), nil
}

func (p Percentage) String() string {
	return strconv.FormatFloat(float64(p)*100, 'f', -1, 64) + "%"
}

func (p *Percentage) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := ParsePercentage(node.Value)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Rate is a request rate in hits per second, parsed from "Nhps" or "Nhpm".
type Rate float64

func ParseRate(s string) (Rate, error) {
	trimmed := strings.TrimSpace(strings.ToLower(s))
	var divisor float64
	switch {
	case strings.HasSuffix(trimmed, "hps"):
		divisor = 1
	case strings.HasSuffix(trimmed, "hpm"):
		divisor = 60
	default:
		return 0, fmt.Errorf("invalid rate %q: expected hps or hpm suffix", s)
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(trimmed[:len(trimmed)-3]), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid rate %q: %w", s, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("invalid rate %q: must be nonnegative", s)
	}
	return Rate(v / divisor), nil
}

func (r Rate) String() string {
	return strconv.FormatFloat(float64(r), 'f', -1, 64) + "hps"
}

func (r *Rate) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := ParseRate(node.Value)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Limit is a provider buffer soft-limit: a fixed positive size or "auto".
type Limit struct {
	Auto  bool
	Fixed int
}

func ParseLimit(s string) (Limit, error) {
	trimmed := strings.TrimSpace(strings.ToLower(s))
	if trimmed == "" || trimmed == "auto" {
		return Limit{Auto: true}, nil
	}
	n, err := strconv.Atoi(trimmed)
	if err != nil {
		return Limit{}, fmt.Errorf("invalid buffer %q: %w", s, err)
	}
	if n <= 0 {
		return Limit{}, fmt.Errorf("invalid buffer %q: must be positive", s)
	}
	return Limit{Fixed: n}, nil
}

func (l Limit) String() string {
	if l.Auto {
		return "auto"
	}
	return strconv.Itoa(l.Fixed)
}

func (l *Limit) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := ParseLimit(node.Value)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}
