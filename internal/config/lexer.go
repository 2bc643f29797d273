package config

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokLBrace
	tokRBrace
	tokSemicolon
	tokComment
)

type token struct {
	kind tokenKind
	text string
	pos  position
}

type position struct {
	line int
	col  int
}

func (p position) String() string {
	return fmt.Sprintf("%d:%d", p.line, p.col)
}

type lexer struct {
	src  string
	i    int
	line int
	col  int
}

func newLexer(src string) *lexer {
	return &lexer{src: src, line: 1, col: 1}
}

var placeholderPrefixes = []string{"{$", "{env.", "{file."}

func (l *lexer) nextToken() (token, error) {
	for {
		if l.i >= len(l.src) {
			return token{kind: tokEOF, pos: l.pos()}, nil
		}
		r, size := utf8.DecodeRuneInString(l.src[l.i:])
		if r == utf8.RuneError && size == 1 {
			return token{}, fmt.Errorf("invalid utf-8 at %s", l.pos())
		}
		if isSpace(r) {
			l.consume(r, size)
			continue
		}

		pos := l.pos()
		switch r {
		case '{':
			if text, ok := l.readPlaceholder(); ok {
				return token{kind: tokIdent, text: text, pos: pos}, nil
			}
			l.consume(r, size)
			return token{kind: tokLBrace, text: "{", pos: pos}, nil
		case '}':
			l.consume(r, size)
			return token{kind: tokRBrace, text: "}", pos: pos}, nil
		case ';':
			l.consume(r, size)
			return token{kind: tokSemicolon, text: ";", pos: pos}, nil
		case '#':
			start := l.i
			for l.i < len(l.src) && l.src[l.i] != '\n' {
				r2, size2 := utf8.DecodeRuneInString(l.src[l.i:])
				l.consume(r2, size2)
			}
			return token{kind: tokComment, text: l.src[start:l.i], pos: pos}, nil
		case '"':
			s, err := l.readString()
			if err != nil {
				return token{}, err
			}
			return token{kind: tokString, text: s, pos: pos}, nil
		default:
			return token{kind: tokIdent, text: l.readIdent(), pos: pos}, nil
		}
	}
}

func (l *lexer) pos() position { return position{line: l.line, col: l.col} }

// readPlaceholder consumes a {$VAR}, {env.VAR} or {file.path} placeholder
// so it lexes as part of a bare word rather than as a block.
func (l *lexer) readPlaceholder() (string, bool) {
	rest := l.src[l.i:]
	matched := false
	for _, prefix := range placeholderPrefixes {
		if strings.HasPrefix(rest, prefix) {
			matched = true
			break
		}
	}
	if !matched {
		return "", false
	}
	end := strings.IndexAny(rest[1:], "{} \t\r\n")
	if end == -1 || rest[1+end] != '}' {
		return "", false
	}
	text := rest[:end+2]
	for _, r := range text {
		l.consume(r, utf8.RuneLen(r))
	}
	// A placeholder may continue into the rest of a bare word.
	return text + l.readIdent(), true
}

func (l *lexer) readIdent() string {
	var b strings.Builder
	for l.i < len(l.src) {
		r, size := utf8.DecodeRuneInString(l.src[l.i:])
		if r == '{' {
			text, ok := l.readPlaceholder()
			if !ok {
				break
			}
			b.WriteString(text)
			continue
		}
		if isSpace(r) || r == '}' || r == '"' || r == '#' || r == ';' {
			break
		}
		l.consume(r, size)
		b.WriteRune(r)
	}
	return b.String()
}

func (l *lexer) readString() (string, error) {
	start := l.pos()
	l.consume('"', 1)

	var out strings.Builder
	for {
		if l.i >= len(l.src) {
			return "", fmt.Errorf("unterminated string at %s", start)
		}
		r, size := utf8.DecodeRuneInString(l.src[l.i:])
		if r == utf8.RuneError && size == 1 {
			return "", fmt.Errorf("invalid utf-8 at %s", l.pos())
		}
		switch r {
		case '\n':
			return "", fmt.Errorf("unterminated string at %s", start)
		case '"':
			l.consume(r, size)
			return out.String(), nil
		case '\\':
			l.consume(r, size)
			if l.i >= len(l.src) {
				return "", fmt.Errorf("unterminated escape at %s", l.pos())
			}
			er, esize := utf8.DecodeRuneInString(l.src[l.i:])
			l.consume(er, esize)
			switch er {
			case 'n':
				out.WriteByte('\n')
			case 't':
				out.WriteByte('\t')
			case 'r':
				out.WriteByte('\r')
			default:
				out.WriteRune(er)
			}
			continue
		}
		l.consume(r, size)
		out.WriteRune(r)
	}
}

func (l *lexer) consume(r rune, size int) {
	l.i += size
	if r == '\n' {
		l.line++
		l.col = 1
		return
	}
	l.col++
}

func isSpace(r rune) bool {
	switch r {
	case ' ', '\t', '\n', '\r':
		return true
	}
	return false
}
