package datastore

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/nuetzliches/queuestash/internal/message"
)

const (
	// HeaderType carries the message type tag.
	HeaderType = "message_type"
	// HeaderCorrelation is the broker-native correlation header.
	HeaderCorrelation = "correlation-id"
	HeaderPersistent  = "persistent"

	// selectorCorrelation is how brokers expose HeaderCorrelation to selectors.
	selectorCorrelation = "JMSCorrelationID"
	// numericComparePrefix makes older ActiveMQ brokers compare string
	// headers numerically.
	numericComparePrefix = "convert_string_expressions:"
)

var (
	clausePattern  = regexp.MustCompile(`^\s*([A-Za-z_][A-Za-z0-9_.]*)\s*(<>|<=|>=|=|<|>)\s*(.*?)\s*$`)
	numericPattern = regexp.MustCompile(`^-?[0-9]+(\.[0-9]+)?$`)
)

// Clause is one validated key<op>value selector term.
type Clause struct {
	Key   string
	Op    string
	Value string
}

// ParseClause validates a selector clause. Values may be single-quoted;
// quotes are removed.
func ParseClause(s string) (Clause, error) {
	m := clausePattern.FindStringSubmatch(s)
	if m == nil {
		return Clause{}, fmt.Errorf("%w: %q", ErrInvalidSelector, s)
	}
	val := m[3]
	if len(val) >= 2 && val[0] == '\'' && val[len(val)-1] == '\'' {
		val = strings.ReplaceAll(val[1:len(val)-1], "''", "'")
	} else if strings.ContainsAny(val, "' ") || val == "" {
		return Clause{}, fmt.Errorf("%w: %q", ErrInvalidSelector, s)
	}
	c := Clause{Key: m[1], Op: m[2], Value: val}
	if c.Op != "=" && c.Op != "<>" && !c.Numeric() {
		return Clause{}, fmt.Errorf("%w: %q: ordering needs a numeric value", ErrInvalidSelector, s)
	}
	return c, nil
}

func (c Clause) Numeric() bool {
	return numericPattern.MatchString(c.Value)
}

// Render formats the clause in broker selector syntax.
func (c Clause) Render(numericCompat bool) string {
	key := c.Key
	if key == message.CorrelationKey {
		key = selectorCorrelation
	}
	if c.Numeric() {
		if numericCompat && key != selectorCorrelation {
			key = numericComparePrefix + key
		}
		return key + " " + c.Op + " " + c.Value
	}
	return key + " " + c.Op + " " + quoteSelector(c.Value)
}

// Match evaluates the clause against message keys, the way the broker
// would against headers.
func (c Clause) Match(keys map[string]string) bool {
	got, ok := keys[c.Key]
	if !ok {
		return false
	}
	if c.Numeric() {
		a, err1 := strconv.ParseFloat(got, 64)
		b, err2 := strconv.ParseFloat(c.Value, 64)
		if err1 == nil && err2 == nil {
			switch c.Op {
			case "=":
				return a == b
			case "<>":
				return a != b
			case "<":
				return a < b
			case ">":
				return a > b
			case "<=":
				return a <= b
			case ">=":
				return a >= b
			}
			return false
		}
	}
	switch c.Op {
	case "=":
		return got == c.Value
	case "<>":
		return got != c.Value
	}
	return false
}

func quoteSelector(v string) string {
	return "'" + strings.ReplaceAll(v, "'", "''") + "'"
}

// filter is a parsed ConsumeRequest.
type filter struct {
	typ         string
	correlation string
	clauses     []Clause
}

func newFilter(req ConsumeRequest) (filter, error) {
	f := filter{typ: req.Type, correlation: req.CorrelationID}
	for _, s := range req.Selectors {
		c, err := ParseClause(s)
		if err != nil {
			return filter{}, err
		}
		f.clauses = append(f.clauses, c)
	}
	return f, nil
}

// selector renders the filter as a broker selector; "" selects everything.
func (f filter) selector(numericCompat bool) string {
	parts := make([]string, 0, len(f.clauses)+2)
	if f.typ != "" {
		parts = append(parts, HeaderType+" = "+quoteSelector(f.typ))
	}
	if f.correlation != "" {
		parts = append(parts, selectorCorrelation+" = "+quoteSelector(f.correlation))
	}
	rendered := make([]string, 0, len(f.clauses))
	for _, c := range f.clauses {
		rendered = append(rendered, c.Render(numericCompat))
	}
	// Stable text keeps the cached subscription when only clause order differs.
	sort.Strings(rendered)
	parts = append(parts, rendered...)
	return strings.Join(parts, " AND ")
}

func (f filter) match(tag string, keys map[string]string) bool {
	if f.typ != "" && tag != f.typ {
		return false
	}
	if f.correlation != "" && keys[message.CorrelationKey] != f.correlation {
		return false
	}
	for _, c := range f.clauses {
		if !c.Match(keys) {
			return false
		}
	}
	return true
}
