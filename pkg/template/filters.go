package template

import (
	"slices"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// filterSpec describes one built-in filter.
type filterSpec struct {
	minArgs int
	maxArgs int
	// intArgs marks argument positions that must be integers.
	intArgs map[int]bool
	// undefinedOK lets the filter receive an undefined input.
	undefinedOK bool
	apply       func(in string, args []argument) (string, error)
}

var filters = map[string]*filterSpec{
	"lower":      {apply: unary(strings.ToLower)},
	"upper":      {apply: unary(strings.ToUpper)},
	"trim":       {apply: unary(strings.TrimSpace)},
	"title":      {apply: unary(titleCase)},
	"capitalize": {apply: unary(capitalize)},
	"ascii":      {apply: foldASCII},
	"first":      {apply: firstRune},
	"length":     {apply: unary(func(s string) string { return strconv.Itoa(utf8.RuneCountInString(s)) })},
	"truncate": {
		minArgs: 1, maxArgs: 1,
		intArgs: map[int]bool{0: true},
		apply:   truncate,
	},
	"replace": {
		minArgs: 2, maxArgs: 2,
		apply: func(in string, args []argument) (string, error) {
			return strings.ReplaceAll(in, args[0].String(), args[1].String()), nil
		},
	},
	"default": {
		minArgs: 1, maxArgs: 1,
		undefinedOK: true,
		apply: func(in string, args []argument) (string, error) {
			if in == "" {
				return args[0].String(), nil
			}
			return in, nil
		},
	},
}

// Filters returns the names of the available filters, sorted.
func Filters() []string {
	names := make([]string, 0, len(filters))
	for name := range filters {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (f *filterSpec) check(call *filterCall) *Error {
	n := len(call.args)
	if n < f.minArgs || n > f.maxArgs {
		if f.minArgs == f.maxArgs {
			return newError(ErrorKindFilter, "", call.pos, "filter %q takes %d argument(s), got %d", call.name, f.minArgs, n)
		}
		return newError(ErrorKindFilter, "", call.pos, "filter %q takes %d to %d arguments, got %d", call.name, f.minArgs, f.maxArgs, n)
	}
	for i, arg := range call.args {
		if f.intArgs[i] && !arg.isInt {
			return newError(ErrorKindFilter, "", call.pos, "filter %q argument %d must be an integer", call.name, i+1)
		}
		if f.intArgs[i] && arg.num < 0 {
			return newError(ErrorKindFilter, "", call.pos, "filter %q argument %d must not be negative", call.name, i+1)
		}
	}
	return nil
}

func unary(fn func(string) string) func(string, []argument) (string, error) {
	return func(in string, _ []argument) (string, error) {
		return fn(in), nil
	}
}

// titleCase upper-cases the first letter of every word and lower-cases the
// rest. Any non-letter starts a new word, so "jean-pierre" becomes "Jean-Pierre".
func titleCase(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	boundary := true
	for _, r := range s {
		if unicode.IsLetter(r) {
			if boundary {
				b.WriteRune(unicode.ToUpper(r))
			} else {
				b.WriteRune(unicode.ToLower(r))
			}
			boundary = false
			continue
		}
		boundary = true
		b.WriteRune(r)
	}
	return b.String()
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	r, size := utf8.DecodeRuneInString(s)
	return string(unicode.ToUpper(r)) + strings.ToLower(s[size:])
}

func foldASCII(in string, _ []argument) (string, error) {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, in)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range folded {
		if r < utf8.RuneSelf {
			b.WriteRune(r)
		}
	}
	return b.String(), nil
}

func firstRune(in string, _ []argument) (string, error) {
	if in == "" {
		return "", errEmptyFirst
	}
	r, _ := utf8.DecodeRuneInString(in)
	return string(r), nil
}

func truncate(in string, args []argument) (string, error) {
	n := args[0].num
	if utf8.RuneCountInString(in) <= n {
		return in, nil
	}
	rs := []rune(in)
	return string(rs[:n]), nil
}
