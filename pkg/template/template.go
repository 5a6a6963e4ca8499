package template

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

var errEmptyFirst = errors.New("first of empty value")

// Context is the set of named values an expression can reference.
type Context map[string]any

// Template is a compiled attribute-derivation expression. It is immutable
// and safe for concurrent use.
type Template struct {
	src      string
	segments []segment
	refs     []string
}

type segment struct {
	text string
	expr node
}

// Parse compiles text. Literal text is copied verbatim and every
// "{{ expression }}" placeholder is replaced by its value on execution.
func Parse(text string) (*Template, error) {
	t := &Template{src: text}

	pos := 0
	for pos < len(text) {
		open := strings.Index(text[pos:], "{{")
		if open < 0 {
			t.segments = append(t.segments, segment{text: text[pos:]})
			break
		}
		if open > 0 {
			t.segments = append(t.segments, segment{text: text[pos : pos+open]})
		}

		p, err := newParser(text, pos+open+2)
		if err != nil {
			return nil, err
		}
		expr, end, err := p.parsePlaceholder()
		if err != nil {
			return nil, err
		}
		t.segments = append(t.segments, segment{expr: expr})
		pos = end
	}

	seen := make(map[string]bool)
	for _, seg := range t.segments {
		if seg.expr == nil {
			continue
		}
		seg.expr.walk(func(id *identNode) {
			if !seen[id.name] {
				seen[id.name] = true
				t.refs = append(t.refs, id.name)
			}
		})
	}

	return t, nil
}

// Resolve parses text and executes it against ctx in one step.
func Resolve(text string, ctx Context) (string, error) {
	t, err := Parse(text)
	if err != nil {
		return "", err
	}
	return t.Execute(ctx)
}

// String returns the source text.
func (t *Template) String() string {
	return t.src
}

// References returns the identifiers the template reads, in order of first use.
func (t *Template) References() []string {
	out := make([]string, len(t.refs))
	copy(out, t.refs)
	return out
}

// IsLiteral reports whether the template contains no placeholder.
func (t *Template) IsLiteral() bool {
	for _, seg := range t.segments {
		if seg.expr != nil {
			return false
		}
	}
	return true
}

// Execute evaluates the template against ctx. The context is never modified.
func (t *Template) Execute(ctx Context) (string, error) {
	s := &evalState{src: t.src, ctx: ctx}

	var b strings.Builder
	for _, seg := range t.segments {
		if seg.expr == nil {
			b.WriteString(seg.text)
			continue
		}
		v, err := seg.expr.eval(s)
		if err != nil {
			return "", err
		}
		b.WriteString(v)
	}
	return b.String(), nil
}

type evalState struct {
	src string
	ctx Context
}

func (n *literalNode) eval(*evalState) (string, error) {
	return n.value, nil
}

func (n *identNode) eval(s *evalState) (string, error) {
	raw, ok := s.ctx[n.name]
	if !ok || raw == nil {
		e := newError(ErrorKindUndefined, s.src, n.pos, "%q is undefined", n.name)
		e.Name = n.name
		return "", e
	}

	v, err := Stringify(raw)
	if err != nil {
		e := newError(ErrorKindType, s.src, n.pos, "cannot substitute %q", n.name)
		e.Name = n.name
		e.Err = err
		return "", e
	}

	if n.index == nil {
		return v, nil
	}
	return n.index.apply(s, n.name, v)
}

func (ix *indexSpec) apply(s *evalState, name, v string) (string, error) {
	rs := []rune(v)
	size := len(rs)

	if !ix.slice {
		i := *ix.start
		if i < 0 {
			i += size
		}
		if i < 0 || i >= size {
			e := newError(ErrorKindIndex, s.src, ix.pos, "index %d out of range for %q (length %d)", *ix.start, name, size)
			e.Name = name
			return "", e
		}
		return string(rs[i]), nil
	}

	lo, hi := 0, size
	if ix.start != nil {
		lo = clampIndex(*ix.start, size)
	}
	if ix.end != nil {
		hi = clampIndex(*ix.end, size)
	}
	if lo >= hi {
		return "", nil
	}
	return string(rs[lo:hi]), nil
}

func clampIndex(i, size int) int {
	if i < 0 {
		i += size
	}
	if i < 0 {
		return 0
	}
	if i > size {
		return size
	}
	return i
}

func (n *concatNode) eval(s *evalState) (string, error) {
	var b strings.Builder
	for _, p := range n.parts {
		v, err := p.eval(s)
		if err != nil {
			return "", err
		}
		b.WriteString(v)
	}
	return b.String(), nil
}

func (n *filterNode) eval(s *evalState) (string, error) {
	in, err := n.input.eval(s)
	if err != nil {
		if !n.call.spec.undefinedOK || !IsUndefined(err) {
			return "", err
		}
		in = ""
	}

	out, err := n.call.spec.apply(in, n.call.args)
	if err != nil {
		kind := ErrorKindFilter
		if errors.Is(err, errEmptyFirst) {
			kind = ErrorKindIndex
		}
		e := newError(kind, s.src, n.call.pos, "filter %q failed", n.call.name)
		e.Err = err
		return "", e
	}
	return out, nil
}

// Stringify converts a context value to its substitution text. Composite
// values have no text form and are reported as errors.
func Stringify(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case json.Number:
		return x.String(), nil
	case bool:
		return strconv.FormatBool(x), nil
	case int:
		return strconv.Itoa(x), nil
	case int8, int16, int32, int64:
		return fmt.Sprintf("%d", x), nil
	case uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", x), nil
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32), nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case []byte:
		if utf8.Valid(x) {
			return string(x), nil
		}
		return "", fmt.Errorf("byte value is not valid UTF-8")
	case fmt.Stringer:
		return x.String(), nil
	case nil:
		return "", fmt.Errorf("value is nil")
	}
	return "", fmt.Errorf("unsupported value type %T", v)
}
