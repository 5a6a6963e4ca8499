package template

import (
	"strconv"
)

// node is one compiled expression element.
type node interface {
	eval(s *evalState) (string, error)
	walk(fn func(ident *identNode))
}

type literalNode struct {
	value string
}

type identNode struct {
	name  string
	pos   int
	index *indexSpec
}

type indexSpec struct {
	slice      bool
	start, end *int
	pos        int
}

type concatNode struct {
	parts []node
}

type filterNode struct {
	input node
	call  *filterCall
}

type filterCall struct {
	name string
	pos  int
	args []argument
	spec *filterSpec
}

type argument struct {
	str   string
	num   int
	isInt bool
}

func (a argument) String() string {
	if a.isInt {
		return strconv.Itoa(a.num)
	}
	return a.str
}

func (n *literalNode) walk(func(*identNode)) {}

func (n *identNode) walk(fn func(*identNode)) { fn(n) }

func (n *concatNode) walk(fn func(*identNode)) {
	for _, p := range n.parts {
		p.walk(fn)
	}
}

func (n *filterNode) walk(fn func(*identNode)) { n.input.walk(fn) }

// parser is a recursive-descent parser over one placeholder.
type parser struct {
	lex *lexer
	tok token
}

func newParser(src string, pos int) (*parser, error) {
	p := &parser{lex: &lexer{src: src, pos: pos}}
	if err := p.advance(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *parser) advance() error {
	tok, err := p.lex.next()
	if err != nil {
		return err
	}
	p.tok = tok
	return nil
}

func (p *parser) expect(kind tokenKind) (token, error) {
	tok := p.tok
	if tok.kind != kind {
		return tok, p.unexpected("expected " + kind.String())
	}
	return tok, p.advance()
}

func (p *parser) unexpected(want string) error {
	got := p.tok.kind.String()
	if p.tok.text != "" && p.tok.kind != tokClose {
		got = strconv.Quote(p.tok.text)
	}
	return newError(ErrorKindSyntax, p.lex.src, p.tok.pos, "%s, found %s", want, got)
}

// parsePlaceholder parses "expr }}" and returns the node and the offset
// immediately after the closing braces.
func (p *parser) parsePlaceholder() (node, int, error) {
	if p.tok.kind == tokClose {
		return nil, 0, newError(ErrorKindSyntax, p.lex.src, p.tok.pos, "empty expression")
	}
	if p.tok.kind == tokEOF {
		return nil, 0, newError(ErrorKindSyntax, p.lex.src, p.tok.pos, "unclosed placeholder")
	}

	n, err := p.parseExpr()
	if err != nil {
		return nil, 0, err
	}
	if p.tok.kind != tokClose {
		if p.tok.kind == tokEOF {
			return nil, 0, newError(ErrorKindSyntax, p.lex.src, p.tok.pos, "unclosed placeholder")
		}
		return nil, 0, p.unexpected("expected '}}'")
	}
	return n, p.lex.pos, nil
}

func (p *parser) parseExpr() (node, error) {
	first, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	if p.tok.kind != tokTilde {
		return first, nil
	}

	concat := &concatNode{parts: []node{first}}
	for p.tok.kind == tokTilde {
		if err := p.advance(); err != nil {
			return nil, err
		}
		next, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		concat.parts = append(concat.parts, next)
	}
	return concat, nil
}

func (p *parser) parseTerm() (node, error) {
	n, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokPipe {
		if err := p.advance(); err != nil {
			return nil, err
		}
		call, err := p.parseFilter()
		if err != nil {
			return nil, err
		}
		n = &filterNode{input: n, call: call}
	}
	return n, nil
}

func (p *parser) parsePrimary() (node, error) {
	tok := p.tok
	switch tok.kind {
	case tokIdent:
		if err := p.advance(); err != nil {
			return nil, err
		}
		ident := &identNode{name: tok.text, pos: tok.pos}
		if p.tok.kind == tokLBrack {
			idx, err := p.parseIndex()
			if err != nil {
				return nil, err
			}
			ident.index = idx
		}
		return ident, nil
	case tokString:
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &literalNode{value: tok.text}, nil
	case tokInt:
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &literalNode{value: tok.text}, nil
	case tokLParen:
		if err := p.advance(); err != nil {
			return nil, err
		}
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen); err != nil {
			return nil, err
		}
		return inner, nil
	}
	return nil, p.unexpected("expected identifier, literal or '('")
}

func (p *parser) parseIndex() (*indexSpec, error) {
	spec := &indexSpec{pos: p.tok.pos}
	if err := p.advance(); err != nil {
		return nil, err
	}

	if p.tok.kind == tokInt {
		v, err := p.parseInt()
		if err != nil {
			return nil, err
		}
		spec.start = &v
	}

	if p.tok.kind == tokColon {
		spec.slice = true
		if err := p.advance(); err != nil {
			return nil, err
		}
		if p.tok.kind == tokInt {
			v, err := p.parseInt()
			if err != nil {
				return nil, err
			}
			spec.end = &v
		}
	} else if spec.start == nil {
		return nil, p.unexpected("expected index")
	}

	if _, err := p.expect(tokRBrack); err != nil {
		return nil, err
	}
	return spec, nil
}

func (p *parser) parseInt() (int, error) {
	tok := p.tok
	v, err := strconv.Atoi(tok.text)
	if err != nil {
		return 0, newError(ErrorKindSyntax, p.lex.src, tok.pos, "invalid integer %q", tok.text)
	}
	return v, p.advance()
}

func (p *parser) parseFilter() (*filterCall, error) {
	tok, err := p.expect(tokIdent)
	if err != nil {
		return nil, err
	}
	call := &filterCall{name: tok.text, pos: tok.pos}

	if p.tok.kind == tokLParen {
		if err := p.advance(); err != nil {
			return nil, err
		}
		for {
			arg, err := p.parseArgument()
			if err != nil {
				return nil, err
			}
			call.args = append(call.args, arg)
			if p.tok.kind != tokComma {
				break
			}
			if err := p.advance(); err != nil {
				return nil, err
			}
		}
		if _, err := p.expect(tokRParen); err != nil {
			return nil, err
		}
	}

	spec, ok := filters[call.name]
	if !ok {
		return nil, newError(ErrorKindFilter, p.lex.src, call.pos, "unknown filter %q", call.name)
	}
	if err := spec.check(call); err != nil {
		err.Template = p.lex.src
		return nil, err
	}
	call.spec = spec
	return call, nil
}

func (p *parser) parseArgument() (argument, error) {
	tok := p.tok
	switch tok.kind {
	case tokString:
		return argument{str: tok.text}, p.advance()
	case tokInt:
		v, err := p.parseInt()
		if err != nil {
			return argument{}, err
		}
		return argument{num: v, isInt: true}, nil
	}
	return argument{}, p.unexpected("expected string or integer argument")
}
