package config

import (
	"fmt"
)

type parser struct {
	lex     *lexer
	peeked  token
	hasPeek bool
}

func newParser(src string) *parser {
	return &parser{lex: newLexer(src)}
}

func (p *parser) parse() (*Config, error) {
	cfg := &Config{}

	var sawStmt bool
	for {
		tok, err := p.peek()
		if err != nil {
			return nil, err
		}
		if tok.kind == tokEOF {
			break
		}
		if tok.kind == tokComment {
			_, _ = p.next()
			if !sawStmt {
				cfg.Preamble = append(cfg.Preamble, tok.text)
			}
			continue
		}
		if tok.kind == tokSemicolon {
			_, _ = p.next()
			continue
		}

		sawStmt = true
		d, err := p.parseDirective()
		if err != nil {
			return nil, err
		}
		cfg.Directives = append(cfg.Directives, d)
	}

	if !sawStmt {
		return nil, nil
	}
	return cfg, nil
}

// parseDirective reads a name, the arguments on the same line and an
// optional block. A directive ends at a newline, ';', '}' or after its block.
func (p *parser) parseDirective() (*Directive, error) {
	nameTok, err := p.next()
	if err != nil {
		return nil, err
	}
	if nameTok.kind != tokIdent {
		return nil, p.errAt(nameTok.pos, "unexpected token %q", nameTok.text)
	}
	d := &Directive{Name: nameTok.text, Line: nameTok.pos.line, Col: nameTok.pos.col}

	for {
		tok, err := p.peek()
		if err != nil {
			return nil, err
		}
		switch tok.kind {
		case tokEOF, tokRBrace:
			return d, nil
		case tokSemicolon:
			_, _ = p.next()
			return d, nil
		case tokComment:
			_, _ = p.next()
			return d, nil
		case tokLBrace:
			if tok.pos.line != nameTok.pos.line {
				return nil, p.errAt(tok.pos, "block for %q must open on the directive's line", d.Name)
			}
			_, _ = p.next()
			block, err := p.parseBlock(d.Name)
			if err != nil {
				return nil, err
			}
			d.Block = block
			d.HasBlock = true
			return d, nil
		case tokIdent, tokString:
			if tok.pos.line != nameTok.pos.line {
				return d, nil
			}
			_, _ = p.next()
			d.Args = append(d.Args, Arg{Value: tok.text, Quoted: tok.kind == tokString})
		default:
			return nil, p.errAt(tok.pos, "unexpected token %q", tok.text)
		}
	}
}

func (p *parser) parseBlock(owner string) ([]*Directive, error) {
	var out []*Directive
	for {
		tok, err := p.peek()
		if err != nil {
			return nil, err
		}
		switch tok.kind {
		case tokEOF:
			return nil, p.errAt(tok.pos, "unterminated %s block", owner)
		case tokRBrace:
			_, _ = p.next()
			return out, nil
		case tokComment, tokSemicolon:
			_, _ = p.next()
			continue
		}
		d, err := p.parseDirective()
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
}

func (p *parser) peek() (token, error) {
	if p.hasPeek {
		return p.peeked, nil
	}
	tok, err := p.lex.nextToken()
	if err != nil {
		return token{}, err
	}
	p.peeked = tok
	p.hasPeek = true
	return tok, nil
}

func (p *parser) next() (token, error) {
	if p.hasPeek {
		p.hasPeek = false
		return p.peeked, nil
	}
	return p.lex.nextToken()
}

func (p *parser) errAt(pos position, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	return fmt.Errorf("config parse error at %s: %s", pos.String(), msg)
}
