package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Config is the parsed, uncompiled Queuestashfile: a tree of directives.
type Config struct {
	// Preamble keeps the comment lines before the first directive.
	Preamble   []string
	Directives []*Directive
}

// Directive is one `name arg... [{ ... }]` statement.
type Directive struct {
	Name     string
	Args     []Arg
	Block    []*Directive
	HasBlock bool

	Line int
	Col  int
}

type Arg struct {
	Value  string
	Quoted bool
}

// Values returns the raw argument values.
func (d *Directive) Values() []string {
	out := make([]string, 0, len(d.Args))
	for _, a := range d.Args {
		out = append(out, a.Value)
	}
	return out
}

func (d *Directive) where() string {
	return fmt.Sprintf("%s (line %d)", d.Name, d.Line)
}

func Parse(input []byte) (*Config, error) {
	norm := normalizeInput(input)
	p := newParser(string(norm))
	cfg, err := p.parse()
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, errors.New("empty config")
	}
	return cfg, nil
}

// ParseFile reads and parses the config at path.
func ParseFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

// Load parses and compiles the config at path. Any validation error is
// returned; warnings are carried on the result.
func Load(path string) (*Compiled, ValidationResult, error) {
	cfg, err := ParseFile(path)
	if err != nil {
		return nil, ValidationResult{Errors: []string{err.Error()}}, err
	}
	compiled, res := Compile(cfg)
	if !res.OK {
		return nil, res, errors.New(FormatValidationText(res))
	}
	return compiled, res, nil
}

// Format returns a deterministic representation of the parsed config.
//
// The formatter does not expand defaults or placeholders; it formats only
// what is present in the input file.
func Format(cfg *Config) ([]byte, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	out, err := format(cfg)
	if err != nil {
		return nil, err
	}
	return canonicalize(out), nil
}

// Validate checks whether the config can be compiled for runtime.
func Validate(cfg *Config) error {
	_, res := Compile(cfg)
	if res.OK {
		return nil
	}
	if len(res.Errors) == 0 {
		return errors.New("invalid config")
	}
	return errors.New(res.Errors[0])
}

type ValidationResult struct {
	OK       bool     `json:"ok"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

func (r *ValidationResult) errorf(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *ValidationResult) warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

func ValidateWithResult(cfg *Config) ValidationResult {
	_, res := Compile(cfg)
	return res
}

func FormatValidationJSON(res ValidationResult) (string, error) {
	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func FormatValidationText(res ValidationResult) string {
	if res.OK {
		if len(res.Warnings) == 0 {
			return "config ok"
		}
		return fmt.Sprintf("config ok (warnings: %d)", len(res.Warnings))
	}
	if len(res.Errors) == 0 {
		return "config invalid"
	}
	if len(res.Errors) == 1 {
		return fmt.Sprintf("config invalid: %s", res.Errors[0])
	}
	return fmt.Sprintf("config invalid: %s (and %d more)", res.Errors[0], len(res.Errors)-1)
}

func isOnOff(v string) (bool, bool) {
	switch strings.ToLower(v) {
	case "on", "true", "yes":
		return true, true
	case "off", "false", "no":
		return false, true
	}
	return false, false
}
