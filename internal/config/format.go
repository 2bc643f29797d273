package config

import (
	"bytes"
	"strings"
)

func format(cfg *Config) ([]byte, error) {
	var b bytes.Buffer

	for _, c := range cfg.Preamble {
		line := strings.TrimRight(c, "\r\n")
		if line == "" {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	if len(cfg.Preamble) > 0 && len(cfg.Directives) > 0 {
		b.WriteByte('\n')
	}

	for i, d := range cfg.Directives {
		// Blank line between top-level blocks.
		if i > 0 && (d.HasBlock || cfg.Directives[i-1].HasBlock) {
			b.WriteByte('\n')
		}
		writeDirective(&b, d, 0)
	}
	return b.Bytes(), nil
}

func writeDirective(b *bytes.Buffer, d *Directive, depth int) {
	indent := strings.Repeat("  ", depth)
	b.WriteString(indent)
	b.WriteString(d.Name)
	for _, a := range d.Args {
		b.WriteByte(' ')
		b.WriteString(formatArg(a))
	}
	if !d.HasBlock {
		b.WriteByte('\n')
		return
	}
	b.WriteString(" {\n")
	for _, child := range d.Block {
		writeDirective(b, child, depth+1)
	}
	b.WriteString(indent)
	b.WriteString("}\n")
}

func formatArg(a Arg) string {
	// Bare words come straight from the lexer and re-lex unchanged.
	if !a.Quoted && a.Value != "" {
		return a.Value
	}
	return quote(a.Value)
}

func quote(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\t':
			b.WriteString(`\t`)
		case '\r':
			b.WriteString(`\r`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}
