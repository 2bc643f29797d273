package config

import (
	"fmt"
	"os"
	"strings"
)

type placeholderKind int

const (
	phDollar placeholderKind = iota
	phEnv
	phFile
)

var placeholderForms = []struct {
	prefix string
	kind   placeholderKind
	label  string
}{
	{"{$", phDollar, "{$...}"},
	{"{env.", phEnv, "{env.*}"},
	{"{file.", phFile, "{file.*}"},
}

// resolvePlaceholders expands {$VAR}, {$VAR:default}, {env.VAR} and
// {file.path}. Unset variables without a default become empty strings and
// produce a warning.
func resolvePlaceholders(in string) (string, []string, []string) {
	var errs []string
	var warns []string

	var out strings.Builder
	out.Grow(len(in))

scan:
	for i := 0; i < len(in); {
		for _, form := range placeholderForms {
			if !strings.HasPrefix(in[i:], form.prefix) {
				continue
			}
			start := i + len(form.prefix)
			end := strings.IndexByte(in[start:], '}')
			if end == -1 {
				errs = append(errs, fmt.Sprintf("unterminated %s placeholder", form.label))
				out.WriteString(in[i:])
				return out.String(), errs, warns
			}
			body := in[start : start+end]
			i = start + end + 1

			switch form.kind {
			case phDollar, phEnv:
				name, def, hasDef := body, "", false
				if form.kind == phDollar {
					name, def, hasDef = strings.Cut(body, ":")
				}
				if name == "" {
					errs = append(errs, fmt.Sprintf("empty env var in %s placeholder", form.label))
					continue scan
				}
				val, ok := os.LookupEnv(name)
				if !ok {
					val = def
					if !hasDef {
						warns = append(warns, fmt.Sprintf("env var %q not set; replaced with empty string", name))
					}
				}
				out.WriteString(val)
			case phFile:
				if body == "" {
					errs = append(errs, "empty path in {file.*} placeholder")
					continue scan
				}
				b, err := os.ReadFile(body)
				if err != nil {
					errs = append(errs, fmt.Sprintf("file placeholder %q: %v", body, err))
					continue scan
				}
				out.WriteString(strings.TrimRight(string(b), "\r\n"))
			}
			continue scan
		}
		out.WriteByte(in[i])
		i++
	}

	return out.String(), errs, warns
}

func resolveValue(in, field string, res *ValidationResult) string {
	val, errs, warns := resolvePlaceholders(in)
	for _, err := range errs {
		res.errorf("%s: %s", field, err)
	}
	for _, warn := range warns {
		res.warnf("%s: %s", field, warn)
	}
	return val
}
