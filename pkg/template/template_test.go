package template

import (
	"encoding/json"
	"errors"
	"reflect"
	"slices"
	"testing"
)

func testContext() Context {
	return Context{
		"firstname": "Jean",
		"lastname":  "Dupont",
		"uid":       1001,
		"ratio":     1.5,
		"active":    true,
		"empty":     "",
		"groups":    []string{"staff"},
		"nothing":   nil,
		"employee":  json.Number("42"),
	}
}

func TestExecute(t *testing.T) {
	tests := []struct {
		name string
		text string
		ctx  Context
		want string
	}{
		{name: "literal", text: "inetOrgPerson", want: "inetOrgPerson"},
		{name: "login", text: "{{firstname|lower}}.{{lastname|lower}}", want: "jean.dupont"},
		{name: "spaces inside placeholder", text: "{{ firstname }} {{ lastname }}", want: "Jean Dupont"},
		{name: "index and concat", text: "{{ firstname[0]|lower ~ lastname|lower }}", want: "jdupont"},
		{name: "filter chain", text: "{{ lastname|upper|truncate(3) }}", want: "DUP"},
		{name: "ascii fold", text: "{{ name|ascii|lower }}", ctx: Context{"name": "Élodie Müller"}, want: "elodie muller"},
		{name: "title", text: "{{ name|title }}", ctx: Context{"name": "jean-pierre DUPONT"}, want: "Jean-Pierre Dupont"},
		{name: "capitalize", text: "{{ name|capitalize }}", ctx: Context{"name": "jEAN"}, want: "Jean"},
		{name: "trim", text: "[{{ name|trim }}]", ctx: Context{"name": "  x  "}, want: "[x]"},
		{name: "replace", text: "{{ cn|replace(' ', '.') }}", ctx: Context{"cn": "Jean Dupont"}, want: "Jean.Dupont"},
		{name: "default on undefined", text: "{{ nickname|default('n/a') }}", want: "n/a"},
		{name: "default on empty", text: "{{ empty|default(\"x\") }}", want: "x"},
		{name: "default keeps value", text: "{{ firstname|default('x') }}", want: "Jean"},
		{name: "length", text: "{{ lastname|length }}", want: "6"},
		{name: "first", text: "{{ lastname|first }}", want: "D"},
		{name: "slice", text: "{{ lastname[0:3] }}", want: "Dup"},
		{name: "negative slice", text: "{{ lastname[-2:] }}", want: "nt"},
		{name: "negative index", text: "{{ lastname[-1] }}", want: "t"},
		{name: "clamped slice", text: "{{ lastname[2:100] }}", want: "pont"},
		{name: "empty slice", text: "{{ lastname[4:2] }}", want: ""},
		{name: "int value", text: "{{ uid }}", want: "1001"},
		{name: "float value", text: "{{ ratio }}", want: "1.5"},
		{name: "bool value", text: "{{ active }}", want: "true"},
		{name: "json number", text: "E{{ employee }}", want: "E42"},
		{name: "literal concat", text: "{{ 'x' ~ 42 }}", want: "x42"},
		{name: "parenthesised", text: "{{ (firstname ~ lastname)|lower }}", want: "jeandupont"},
		{name: "string with braces", text: "{{ '}}' ~ firstname }}", want: "}}Jean"},
		{name: "closing braces in text", text: "a }} b", want: "a }} b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := tt.ctx
			if ctx == nil {
				ctx = testContext()
			}
			got, err := Resolve(tt.text, ctx)
			if err != nil {
				t.Fatalf("Resolve(%q) error: %v", tt.text, err)
			}
			if got != tt.want {
				t.Errorf("Resolve(%q) = %q, want %q", tt.text, got, tt.want)
			}
		})
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		text string
		kind ErrorKind
	}{
		{name: "single closing brace", text: "{{ lastname }", kind: ErrorKindSyntax},
		{name: "empty placeholder", text: "{{ }}", kind: ErrorKindSyntax},
		{name: "unclosed placeholder", text: "{{ firstname", kind: ErrorKindSyntax},
		{name: "dangling pipe", text: "{{ firstname| }}", kind: ErrorKindSyntax},
		{name: "dangling tilde", text: "{{ firstname ~ }}", kind: ErrorKindSyntax},
		{name: "unterminated string", text: "{{ 'abc }}", kind: ErrorKindSyntax},
		{name: "bad character", text: "{{ first$name }}", kind: ErrorKindSyntax},
		{name: "empty index", text: "{{ firstname[] }}", kind: ErrorKindSyntax},
		{name: "unknown filter", text: "{{ firstname|bogus }}", kind: ErrorKindFilter},
		{name: "missing filter argument", text: "{{ firstname|truncate }}", kind: ErrorKindFilter},
		{name: "wrong argument type", text: "{{ firstname|truncate('a') }}", kind: ErrorKindFilter},
		{name: "negative truncate", text: "{{ firstname|truncate(-1) }}", kind: ErrorKindFilter},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.text)
			if err == nil {
				t.Fatalf("Parse(%q) succeeded, want %s error", tt.text, tt.kind)
			}
			var te *Error
			if !errors.As(err, &te) {
				t.Fatalf("Parse(%q) error %T is not *Error", tt.text, err)
			}
			if te.Kind != tt.kind {
				t.Errorf("Parse(%q) kind = %s, want %s (%v)", tt.text, te.Kind, tt.kind, err)
			}
		})
	}
}

func TestExecuteErrors(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		kind     ErrorKind
		wantName string
	}{
		{name: "undefined", text: "{{ firstname }} {{ missing }}", kind: ErrorKindUndefined, wantName: "missing"},
		{name: "nil is undefined", text: "{{ nothing }}", kind: ErrorKindUndefined, wantName: "nothing"},
		{name: "undefined through filter", text: "{{ missing|lower }}", kind: ErrorKindUndefined, wantName: "missing"},
		{name: "index out of range", text: "{{ firstname[10] }}", kind: ErrorKindIndex, wantName: "firstname"},
		{name: "first of empty", text: "{{ empty|first }}", kind: ErrorKindIndex},
		{name: "composite value", text: "{{ groups }}", kind: ErrorKindType, wantName: "groups"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpl, err := Parse(tt.text)
			if err != nil {
				t.Fatalf("Parse(%q) error: %v", tt.text, err)
			}
			_, err = tmpl.Execute(testContext())
			if err == nil {
				t.Fatalf("Execute(%q) succeeded, want %s error", tt.text, tt.kind)
			}
			var te *Error
			if !errors.As(err, &te) {
				t.Fatalf("error %T is not *Error", err)
			}
			if te.Kind != tt.kind {
				t.Errorf("kind = %s, want %s", te.Kind, tt.kind)
			}
			if tt.wantName != "" && te.Name != tt.wantName {
				t.Errorf("name = %q, want %q", te.Name, tt.wantName)
			}
		})
	}
}

func TestErrorPositionAndMatching(t *testing.T) {
	_, err := Resolve("abc {{ missing }}", Context{})
	var te *Error
	if !errors.As(err, &te) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if te.Pos != 7 {
		t.Errorf("Pos = %d, want 7", te.Pos)
	}
	if !errors.Is(err, &Error{Kind: ErrorKindUndefined}) {
		t.Error("errors.Is should match on kind")
	}
	if !errors.Is(err, &Error{Kind: ErrorKindUndefined, Name: "missing"}) {
		t.Error("errors.Is should match on kind and name")
	}
	if errors.Is(err, &Error{Kind: ErrorKindSyntax}) {
		t.Error("errors.Is should not match a different kind")
	}
	if !IsUndefined(err) || IsSyntax(err) {
		t.Error("predicate helpers disagree with error kind")
	}
}

func mustParse(t *testing.T, text string) *Template {
	t.Helper()
	tmpl, err := Parse(text)
	if err != nil {
		t.Fatalf("Parse(%q): %v", text, err)
	}
	return tmpl
}

func TestFilters(t *testing.T) {
	names := Filters()
	if !slices.IsSorted(names) {
		t.Errorf("Filters() = %v, want sorted", names)
	}
	for _, want := range []string{"ascii", "default", "lower", "replace", "truncate", "upper"} {
		if !slices.Contains(names, want) {
			t.Errorf("Filters() = %v, missing %q", names, want)
		}
	}
	if _, err := Resolve("{{ x|nosuchfilter }}", Context{"x": "v"}); err == nil {
		t.Error("an unlisted filter should fail to parse")
	}
}

func TestReferences(t *testing.T) {
	tmpl := mustParse(t, "{{ login }}@{{ domain }} {{ login|upper ~ (suffix|lower) }}")
	want := []string{"login", "domain", "suffix"}
	if got := tmpl.References(); !reflect.DeepEqual(got, want) {
		t.Errorf("References() = %v, want %v", got, want)
	}
	if tmpl.IsLiteral() {
		t.Error("template with placeholders reported as literal")
	}
	if !mustParse(t, "top").IsLiteral() {
		t.Error("plain text should be literal")
	}
}

func TestExecuteIsPure(t *testing.T) {
	ctx := testContext()
	before := len(ctx)
	tmpl := mustParse(t, "{{ firstname|lower }}.{{ lastname|lower }}")

	first, err := tmpl.Execute(ctx)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	second, err := tmpl.Execute(ctx)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if first != second {
		t.Errorf("non-deterministic result: %q vs %q", first, second)
	}
	if len(ctx) != before || ctx["firstname"] != "Jean" {
		t.Error("Execute modified the context")
	}
}
