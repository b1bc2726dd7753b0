package template

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
)

func mustParse(t *testing.T, src string) *Template {
	t.Helper()
	tmpl, err := Parse(src)
	if err != nil {
		t.Fatalf("Parse(%q): %v", src, err)
	}
	return tmpl
}

func TestRenderSubstitution(t *testing.T) {
	cases := []struct {
		src    string
		values map[string]any
		want   string
	}{
		{src: "no holes", values: nil, want: "no holes"},
		{src: "{{name}}", values: map[string]any{"name": "zed"}, want: "zed"},
		{src: "/users/{{id}}/posts", values: map[string]any{"id": int64(7)}, want: "/users/7/posts"},
		{src: "{{a}}-{{b}}", values: map[string]any{"a": "x", "b": "y"}, want: "x-y"},
		{src: "{{pi}}", values: map[string]any{"pi": 3.5}, want: "3.5"},
		{src: "{{ok}}", values: map[string]any{"ok": true}, want: "true"},
		{src: "{{gone}}", values: map[string]any{"gone": nil}, want: "null"},
		{
			src:    "{{user.name}} is {{user.tags[1]}}",
			values: map[string]any{"user": map[string]any{"name": "ana", "tags": []any{"a", "b"}}},
			want:   "ana is b",
		},
	}
	for _, tc := range cases {
		got, err := mustParse(t, tc.src).Render(Env{Values: tc.values})
		if err != nil {
			t.Errorf("Render(%q): %v", tc.src, err)
			continue
		}
		if got != tc.want {
			t.Errorf("Render(%q) = %q, want %q", tc.src, got, tc.want)
		}
	}
}

func TestObjectRenderIsByteStable(t *testing.T) {
	// E3: an object value interpolates identically on every iteration, with
	// keys in sorted order.
	tmpl := mustParse(t, `{"v":{{foo}}}`)
	value := map[string]any{"b": int64(2), "a": int64(1)}
	const want = `{"v":{"a":1,"b":2}}`
	for i := 0; i < 100; i++ {
		got, err := tmpl.Render(Env{Values: map[string]any{"foo": value}})
		if err != nil {
			t.Fatalf("iteration %d: %v", i, err)
		}
		if got != want {
			t.Fatalf("iteration %d = %q, want %q", i, got, want)
		}
	}
}

func TestMissingReferenceFailsIteration(t *testing.T) {
	_, err := mustParse(t, "{{nope}}").Render(Env{Values: map[string]any{}})
	if !errors.Is(err, ErrMissing) {
		t.Fatalf("err = %v, want ErrMissing", err)
	}
	_, err = mustParse(t, "{{obj.gone}}").Render(Env{Values: map[string]any{"obj": map[string]any{}}})
	if !errors.Is(err, ErrMissing) {
		t.Fatalf("missing field err = %v, want ErrMissing", err)
	}
}

func TestReferencesExcludeScopes(t *testing.T) {
	tmpl := mustParse(t, "{{a}} {{b.c}} {{response.body}} {{a}} {{json_path(d, 'x')}}")
	got := tmpl.References()
	want := []string{"a", "b", "d"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("References() = %v, want %v", got, want)
	}
}

func TestParseErrors(t *testing.T) {
	for _, src := range []string{"{{", "{{a b}}", "{{a &&}}", "{{fn(}}", "{{a[}}"} {
		if _, err := Parse(src); err == nil {
			t.Errorf("Parse(%q): expected error", src)
		}
	}
}

func TestExprComparisons(t *testing.T) {
	values := map[string]any{
		"status": int64(500),
		"name":   "alice",
		"ratio":  0.5,
	}
	cases := []struct {
		src  string
		want bool
	}{
		{src: "status >= 400", want: true},
		{src: "status < 400", want: false},
		{src: "status == 500", want: true},
		{src: "status != 500", want: false},
		{src: "name == 'alice'", want: true},
		{src: "name < 'bob'", want: true},
		{src: "ratio > 0.25 && status >= 500", want: true},
		{src: "status < 100 || name == 'alice'", want: true},
		{src: "status < 100 && name == 'alice'", want: false},
		{src: "ratio == 0.5", want: true},
	}
	for _, tc := range cases {
		expr, err := ParseExpr(tc.src)
		if err != nil {
			t.Errorf("ParseExpr(%q): %v", tc.src, err)
			continue
		}
		got, err := expr.Eval(Env{Values: values})
		if err != nil {
			t.Errorf("Eval(%q): %v", tc.src, err)
			continue
		}
		if got != tc.want {
			t.Errorf("Eval(%q) = %v, want %v", tc.src, got, tc.want)
		}
	}
}

func TestTruthy(t *testing.T) {
	truthy := []any{true, int64(1), "x", []any{1}, map[string]any{"a": 1}, 0.1}
	falsy := []any{nil, false, int64(0), 0.0, "", []any{}, map[string]any{}}
	for _, v := range truthy {
		if !Truthy(v) {
			t.Errorf("Truthy(%#v) = false", v)
		}
	}
	for _, v := range falsy {
		if Truthy(v) {
			t.Errorf("Truthy(%#v) = true", v)
		}
	}
}

// takeCounter hands out sequential values and counts takes per provider.
type takeCounter struct {
	counts map[string]int
}

func (tc *takeCounter) take(name string) (any, error) {
	if tc.counts == nil {
		tc.counts = map[string]int{}
	}
	tc.counts[name]++
	return fmt.Sprintf("%s-%d", name, tc.counts[name]), nil
}

func TestDeclareAliasesTakeIndependently(t *testing.T) {
	// Two aliases over the same provider draw distinct values; the count of
	// takes equals the number of aliases.
	d1, err := ParseDeclare("x", "ids")
	if err != nil {
		t.Fatal(err)
	}
	d2, err := ParseDeclare("y", "ids")
	if err != nil {
		t.Fatal(err)
	}
	counter := &takeCounter{}
	env := Env{Values: map[string]any{}, Take: counter.take}

	v1, err := d1.Resolve(env)
	if err != nil {
		t.Fatal(err)
	}
	v2, err := d2.Resolve(env)
	if err != nil {
		t.Fatal(err)
	}
	if v1 == v2 {
		t.Fatalf("aliases shared a value: %v", v1)
	}
	if counter.counts["ids"] != 2 {
		t.Fatalf("takes = %d, want 2", counter.counts["ids"])
	}
}

func TestCollectWindows(t *testing.T) {
	// E4: collect(3,3,shipId) over a wrapping list yields consecutive
	// windows across iterations.
	d, err := ParseDeclare("s", "collect(3, 3, shipId)")
	if err != nil {
		t.Fatal(err)
	}
	list := []any{int64(1), int64(2), int64(3), int64(4), int64(5)}
	cursor := 0
	env := Env{Values: map[string]any{}, Take: func(name string) (any, error) {
		if name != "shipId" {
			return nil, fmt.Errorf("unexpected take from %q", name)
		}
		v := list[cursor%len(list)]
		cursor++
		return v, nil
	}}

	want := [][]any{
		{int64(1), int64(2), int64(3)},
		{int64(4), int64(5), int64(1)},
		{int64(2), int64(3), int64(4)},
	}
	for i, w := range want {
		got, err := d.Resolve(env)
		if err != nil {
			t.Fatalf("iteration %d: %v", i, err)
		}
		if !reflect.DeepEqual(got, w) {
			t.Fatalf("iteration %d = %v, want %v", i, got, w)
		}
	}
}

func TestCollectRange(t *testing.T) {
	d, err := ParseDeclare("s", "collect(2, 4, ids)")
	if err != nil {
		t.Fatal(err)
	}
	counter := &takeCounter{}
	for i := 0; i < 20; i++ {
		before := counter.counts["ids"]
		v, err := d.Resolve(Env{Take: counter.take})
		if err != nil {
			t.Fatal(err)
		}
		n := counter.counts["ids"] - before
		if n < 2 || n > 4 {
			t.Fatalf("collect drew %d values, want 2..4", n)
		}
		if len(v.([]any)) != n {
			t.Fatalf("array length %d != takes %d", len(v.([]any)), n)
		}
	}
}

func TestDeclareRejectsBadCollect(t *testing.T) {
	for _, src := range []string{"collect(0, 3, x)", "collect(5, 2, x)"} {
		if _, err := ParseDeclare("s", src); err == nil {
			t.Errorf("ParseDeclare(%q): expected error", src)
		}
	}
}

func TestHelpers(t *testing.T) {
	helpers := DefaultHelpers()
	env := Env{
		Values: map[string]any{
			"resp": map[string]any{"body": `{"user":{"id":42},"tags":["a","b"]}`},
			"arr":  []any{int64(1), int64(2), int64(3)},
		},
		Helpers: helpers,
	}
	cases := []struct {
		src  string
		want any
	}{
		{src: "json_path(resp.body, 'user.id')", want: int64(42)},
		{src: "json_path(resp.body, 'tags.1')", want: "b"},
		{src: "join(arr, '-')", want: "1-2-3"},
		{src: "encode('a b', 'percent-query')", want: "a+b"},
		{src: "encode('hi', 'base64')", want: "aGk="},
	}
	for _, tc := range cases {
		expr, err := ParseExpr(tc.src)
		if err != nil {
			t.Errorf("ParseExpr(%q): %v", tc.src, err)
			continue
		}
		got, err := expr.Eval(env)
		if err != nil {
			t.Errorf("Eval(%q): %v", tc.src, err)
			continue
		}
		if !reflect.DeepEqual(got, tc.want) {
			t.Errorf("Eval(%q) = %#v, want %#v", tc.src, got, tc.want)
		}
	}
}

func TestClauseWhereGates(t *testing.T) {
	clause, err := CompileClause("response.status", nil, "response.status >= 400")
	if err != nil {
		t.Fatal(err)
	}
	for _, tc := range []struct {
		status int64
		want   int
	}{
		{status: 200, want: 0},
		{status: 500, want: 1},
	} {
		records, err := clause.Eval(Env{Values: map[string]any{
			"response": map[string]any{"status": tc.status},
		}})
		if err != nil {
			t.Fatal(err)
		}
		if len(records) != tc.want {
			t.Fatalf("status %d produced %d records, want %d", tc.status, len(records), tc.want)
		}
	}
}

func TestClauseForEachCartesianProduct(t *testing.T) {
	clause, err := CompileClause("join(for_each, ':')", []string{"xs", "ys"}, "")
	if err != nil {
		t.Fatal(err)
	}
	records, err := clause.Eval(Env{
		Values: map[string]any{
			"xs": []any{"a", "b"},
			"ys": []any{int64(1), int64(2)},
		},
		Helpers: DefaultHelpers(),
	})
	if err != nil {
		t.Fatal(err)
	}
	want := []any{"a:1", "a:2", "b:1", "b:2"}
	if !reflect.DeepEqual(records, want) {
		t.Fatalf("records = %v, want %v", records, want)
	}
}

func TestClauseSelectError(t *testing.T) {
	clause, err := CompileClause("response.body.token", nil, "")
	if err != nil {
		t.Fatal(err)
	}
	_, err = clause.Eval(Env{Values: map[string]any{
		"response": map[string]any{"body": map[string]any{}},
	}})
	if err == nil || !strings.Contains(err.Error(), "select") {
		t.Fatalf("err = %v, want select error", err)
	}
}
