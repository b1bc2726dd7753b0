package template

import (
	"fmt"
)

// Clause is a compiled select / for_each / where triple, the shape shared by
// provides clauses, logs clauses and global loggers.
type Clause struct {
	Select  *Expr
	ForEach []*Expr
	Where   *Expr
}

// CompileClause parses the three expression slots. An empty select yields a
// clause whose Eval returns the whole scope as the record.
func CompileClause(sel string, forEach []string, where string) (*Clause, error) {
	c := &Clause{}
	var err error
	if sel != "" {
		if c.Select, err = ParseExpr(sel); err != nil {
			return nil, fmt.Errorf("select: %w", err)
		}
	}
	for _, fe := range forEach {
		expr, err := ParseExpr(fe)
		if err != nil {
			return nil, fmt.Errorf("for_each: %w", err)
		}
		c.ForEach = append(c.ForEach, expr)
	}
	if where != "" {
		if c.Where, err = ParseExpr(where); err != nil {
			return nil, fmt.Errorf("where: %w", err)
		}
	}
	return c, nil
}

// References returns the non-scope providers the clause reads.
func (c *Clause) References() []string {
	seen := map[string]bool{}
	var out []string
	if c.Select != nil {
		c.Select.collectRefs(seen, &out)
	}
	for _, fe := range c.ForEach {
		fe.collectRefs(seen, &out)
	}
	if c.Where != nil {
		c.Where.collectRefs(seen, &out)
	}
	return out
}

// Eval produces the clause's records for one completed request. With
// for_each the clause runs once per element of the Cartesian product of the
// listed arrays, with the current combination bound to "for_each" in scope.
// Elements failing the where gate produce no record.
func (c *Clause) Eval(env Env) ([]any, error) {
	combos, err := c.combinations(env)
	if err != nil {
		return nil, err
	}
	var out []any
	for _, combo := range combos {
		scoped := env
		if combo != nil {
			values := make(map[string]any, len(env.Values)+1)
			for k, v := range env.Values {
				values[k] = v
			}
			values["for_each"] = combo
			scoped.Values = values
		}
		if c.Where != nil {
			gate, err := c.Where.Eval(scoped)
			if err != nil {
				return nil, fmt.Errorf("where: %w", err)
			}
			if !Truthy(gate) {
				continue
			}
		}
		record := any(scoped.Values)
		if c.Select != nil {
			record, err = c.Select.Eval(scoped)
			if err != nil {
				return nil, fmt.Errorf("select: %w", err)
			}
		}
		out = append(out, record)
	}
	return out, nil
}

// combinations materializes the Cartesian product of the for_each arrays.
// Without for_each it returns a single nil combination.
func (c *Clause) combinations(env Env) ([][]any, error) {
	if len(c.ForEach) == 0 {
		return [][]any{nil}, nil
	}
	lists := make([][]any, len(c.ForEach))
	for i, fe := range c.ForEach {
		v, err := fe.Eval(env)
		if err != nil {
			return nil, fmt.Errorf("for_each: %w", err)
		}
		if arr, ok := v.([]any); ok {
			lists[i] = arr
		} else {
			lists[i] = []any{v}
		}
	}
	combos := [][]any{{}}
	for _, list := range lists {
		var next [][]any
		for _, combo := range combos {
			for _, item := range list {
				widened := append(append([]any{}, combo...), item)
				next = append(next, widened)
			}
		}
		combos = next
	}
	return combos, nil
}
