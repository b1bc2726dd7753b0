package template

import (
	"fmt"
	"math/rand"
	"regexp"
	"strconv"
)

// Declare is one parsed endpoint declare entry. Either Collect is set (the
// alias gathers several consecutive takes into an array) or Expr is.
type Declare struct {
	Alias   string
	Collect *Collect
	Expr    *Expr
}

// Collect describes a collect(n, name) or collect(min, max, name) alias.
type Collect struct {
	Min      int
	Max      int
	Provider string
}

var collectPattern = regexp.MustCompile(`^\s*collect\(\s*(\d+)\s*,\s*(?:(\d+)\s*,\s*)?([A-Za-z_][A-Za-z0-9_]*)\s*\)\s*$`)

// ParseDeclare parses a declare entry. collect(...) is declare-only syntax,
// not a helper, because it performs provider takes rather than computing
// over already-taken values.
func ParseDeclare(alias, src string) (*Declare, error) {
	if m := collectPattern.FindStringSubmatch(src); m != nil {
		lo, err := strconv.Atoi(m[1])
		if err != nil {
			return nil, fmt.Errorf("declare %q: %w", alias, err)
		}
		hi := lo
		if m[2] != "" {
			hi, err = strconv.Atoi(m[2])
			if err != nil {
				return nil, fmt.Errorf("declare %q: %w", alias, err)
			}
		}
		if lo < 1 || hi < lo {
			return nil, fmt.Errorf("declare %q: invalid collect bounds", alias)
		}
		return &Declare{
			Alias:   alias,
			Collect: &Collect{Min: lo, Max: hi, Provider: m[3]},
		}, nil
	}
	expr, err := ParseExpr(src)
	if err != nil {
		return nil, fmt.Errorf("declare %q: %w", alias, err)
	}
	return &Declare{Alias: alias, Expr: expr}, nil
}

// References returns the providers the declare draws from.
func (d *Declare) References() []string {
	if d.Collect != nil {
		return []string{d.Collect.Provider}
	}
	return d.Expr.References()
}

// Resolve evaluates the declare exactly once for an iteration. Provider
// references resolve through env.Take so each alias gets independent values,
// even when several aliases name the same provider.
func (d *Declare) Resolve(env Env) (any, error) {
	if d.Collect == nil {
		return d.Expr.Eval(env)
	}
	if env.Take == nil {
		return nil, fmt.Errorf("declare %q: no provider source in scope", d.Alias)
	}
	n := d.Collect.Min
	if d.Collect.Max > n {
		n += rand.Intn(d.Collect.Max - d.Collect.Min + 1)
	}
	out := make([]any, 0, n)
	for i := 0; i < n; i++ {
		v, err := env.Take(d.Collect.Provider)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
