package provider

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/torosent/pewpew/internal/config"
)

// NewFile creates a provider fed from a file on disk. Formats:
//
//	line  one value per line, as a string
//	csv   one value per record; with csv_headers the first row names the
//	      fields and each record becomes an object, otherwise a record is an
//	      array (or a bare string for single-column files)
//	json  newline-delimited JSON, one value per line
//
// With repeat the reader rewinds at EOF; otherwise the provider closes once
// the file is drained. With random the whole file is buffered and reshuffled
// each cycle.
func NewFile(name string, def config.FileProvider, startSize int) *Provider {
	var ar config.SendMode
	if def.AutoReturn != nil {
		ar = *def.AutoReturn
	}
	p := &Provider{
		Buffer: NewBuffer(name, def.Buffer, startSize, ar),
		kind:   KindFile,
	}
	if def.Random {
		p.feed = randomFileFeeder(p, def)
	} else {
		p.feed = streamingFileFeeder(p, def)
	}
	return p
}

// streamingFileFeeder reads values one at a time; block-mode puts into the
// bounded buffer pace the reader to consumer demand.
func streamingFileFeeder(p *Provider, def config.FileProvider) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		for {
			if err := readFileOnce(ctx, p, def); err != nil {
				return err
			}
			if !def.Repeat {
				return nil
			}
		}
	}
}

func readFileOnce(ctx context.Context, p *Provider, def config.FileProvider) error {
	file, err := os.Open(def.Path)
	if err != nil {
		return fmt.Errorf("provider %q: open %s: %w", p.Name(), def.Path, err)
	}
	defer file.Close()

	next, err := fileValues(file, def)
	if err != nil {
		return fmt.Errorf("provider %q: %w", p.Name(), err)
	}
	for {
		v, err := next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("provider %q: read %s: %w", p.Name(), def.Path, err)
		}
		if _, err := p.Put(ctx, v, config.SendBlock); err != nil {
			return err
		}
	}
}

// randomFileFeeder buffers the whole file and reshuffles before each cycle.
func randomFileFeeder(p *Provider, def config.FileProvider) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		values, err := readAll(p.Name(), def)
		if err != nil {
			return err
		}
		rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
		for {
			shuffle(values, rnd)
			for _, v := range values {
				if _, err := p.Put(ctx, DeepCopy(v), config.SendBlock); err != nil {
					return err
				}
			}
			if !def.Repeat {
				return nil
			}
		}
	}
}

func readAll(name string, def config.FileProvider) ([]Value, error) {
	file, err := os.Open(def.Path)
	if err != nil {
		return nil, fmt.Errorf("provider %q: open %s: %w", name, def.Path, err)
	}
	defer file.Close()

	next, err := fileValues(file, def)
	if err != nil {
		return nil, fmt.Errorf("provider %q: %w", name, err)
	}
	var values []Value
	for {
		v, err := next()
		if err == io.EOF {
			return values, nil
		}
		if err != nil {
			return nil, fmt.Errorf("provider %q: read %s: %w", name, def.Path, err)
		}
		values = append(values, v)
	}
}

// fileValues returns an iterator over the file's values in its configured
// format. The iterator returns io.EOF when drained.
func fileValues(r io.Reader, def config.FileProvider) (func() (Value, error), error) {
	switch def.Format {
	case "", "line":
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		return func() (Value, error) {
			for scanner.Scan() {
				line := strings.TrimRight(scanner.Text(), "\r")
				if line == "" {
					continue
				}
				return line, nil
			}
			if err := scanner.Err(); err != nil {
				return nil, err
			}
			return nil, io.EOF
		}, nil
	case "csv":
		reader := csv.NewReader(r)
		reader.TrimLeadingSpace = true
		var headers []string
		if def.CSVHeaders {
			row, err := reader.Read()
			if err == io.EOF {
				return nil, fmt.Errorf("csv file has no header row")
			}
			if err != nil {
				return nil, err
			}
			headers = row
		}
		return func() (Value, error) {
			row, err := reader.Read()
			if err != nil {
				return nil, err
			}
			if headers != nil {
				record := make(map[string]Value, len(headers))
				for i, h := range headers {
					if i < len(row) {
						record[h] = row[i]
					}
				}
				return record, nil
			}
			if len(row) == 1 {
				return row[0], nil
			}
			record := make([]Value, len(row))
			for i, field := range row {
				record[i] = field
			}
			return record, nil
		}, nil
	case "json":
		dec := json.NewDecoder(r)
		dec.UseNumber()
		return func() (Value, error) {
			var raw any
			if err := dec.Decode(&raw); err != nil {
				return nil, err
			}
			return NormalizeJSON(raw), nil
		}, nil
	default:
		return nil, fmt.Errorf("unknown file format %q", def.Format)
	}
}

// NormalizeJSON converts json.Number values into int64 where exact, float64
// otherwise, so numeric provider values render without exponent noise.
func NormalizeJSON(v any) Value {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		f, _ := val.Float64()
		return f
	case []any:
		for i := range val {
			val[i] = NormalizeJSON(val[i])
		}
		return val
	case map[string]any:
		for k := range val {
			val[k] = NormalizeJSON(val[k])
		}
		return val
	default:
		return v
	}
}
