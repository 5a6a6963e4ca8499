package template

import (
	"strings"
	"unicode/utf8"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokInt
	tokPipe
	tokTilde
	tokLParen
	tokRParen
	tokLBrack
	tokRBrack
	tokColon
	tokComma
	tokClose
)

var tokenNames = map[tokenKind]string{
	tokEOF:    "end of template",
	tokIdent:  "identifier",
	tokString: "string",
	tokInt:    "integer",
	tokPipe:   "'|'",
	tokTilde:  "'~'",
	tokLParen: "'('",
	tokRParen: "')'",
	tokLBrack: "'['",
	tokRBrack: "']'",
	tokColon:  "':'",
	tokComma:  "','",
	tokClose:  "'}}'",
}

func (k tokenKind) String() string {
	if name, ok := tokenNames[k]; ok {
		return name
	}
	return "token"
}

type token struct {
	kind tokenKind
	text string
	pos  int
}

// lexer tokenizes the inside of one {{ ... }} placeholder. It stops after
// emitting tokClose so the caller can resume scanning literal text.
type lexer struct {
	src string
	pos int
}

func (l *lexer) next() (token, error) {
	l.skipSpace()
	if l.pos >= len(l.src) {
		return token{kind: tokEOF, pos: l.pos}, nil
	}

	start := l.pos
	c := l.src[l.pos]

	switch {
	case strings.HasPrefix(l.src[l.pos:], "}}"):
		l.pos += 2
		return token{kind: tokClose, text: "}}", pos: start}, nil
	case c == '|':
		l.pos++
		return token{kind: tokPipe, text: "|", pos: start}, nil
	case c == '~':
		l.pos++
		return token{kind: tokTilde, text: "~", pos: start}, nil
	case c == '(':
		l.pos++
		return token{kind: tokLParen, text: "(", pos: start}, nil
	case c == ')':
		l.pos++
		return token{kind: tokRParen, text: ")", pos: start}, nil
	case c == '[':
		l.pos++
		return token{kind: tokLBrack, text: "[", pos: start}, nil
	case c == ']':
		l.pos++
		return token{kind: tokRBrack, text: "]", pos: start}, nil
	case c == ':':
		l.pos++
		return token{kind: tokColon, text: ":", pos: start}, nil
	case c == ',':
		l.pos++
		return token{kind: tokComma, text: ",", pos: start}, nil
	case c == '\'' || c == '"':
		return l.lexString(c)
	case c == '-' || isDigit(c):
		return l.lexInt()
	case isIdentStart(c):
		for l.pos < len(l.src) && isIdentPart(l.src[l.pos]) {
			l.pos++
		}
		return token{kind: tokIdent, text: l.src[start:l.pos], pos: start}, nil
	}

	r, _ := utf8.DecodeRuneInString(l.src[l.pos:])
	return token{}, newError(ErrorKindSyntax, l.src, start, "unexpected character %q", r)
}

func (l *lexer) lexString(quote byte) (token, error) {
	start := l.pos
	l.pos++

	var b strings.Builder
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch {
		case c == quote:
			l.pos++
			return token{kind: tokString, text: b.String(), pos: start}, nil
		case c == '\\' && l.pos+1 < len(l.src):
			esc := l.src[l.pos+1]
			switch esc {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			default:
				b.WriteByte(esc)
			}
			l.pos += 2
		default:
			b.WriteByte(c)
			l.pos++
		}
	}

	return token{}, newError(ErrorKindSyntax, l.src, start, "unterminated string literal")
}

func (l *lexer) lexInt() (token, error) {
	start := l.pos
	if l.src[l.pos] == '-' {
		l.pos++
	}
	digits := l.pos
	for l.pos < len(l.src) && isDigit(l.src[l.pos]) {
		l.pos++
	}
	if l.pos == digits {
		return token{}, newError(ErrorKindSyntax, l.src, start, "expected digits after '-'")
	}
	return token{kind: tokInt, text: l.src[start:l.pos], pos: start}, nil
}

func (l *lexer) skipSpace() {
	for l.pos < len(l.src) {
		switch l.src[l.pos] {
		case ' ', '\t', '\n', '\r':
			l.pos++
		default:
			return
		}
	}
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || isDigit(c)
}
