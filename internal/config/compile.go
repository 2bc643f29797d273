package config

import (
	"fmt"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nuetzliches/queuestash/internal/datastore"
	"github.com/nuetzliches/queuestash/internal/httpheader"
)

const (
	DriverMemory     = "memory"
	DriverStomp      = "stomp"
	DriverFilesystem = "filesystem"
	DriverSQLite     = "sqlite"
	DriverPostgres   = "postgres"

	LedgerPending         = "pending"
	LedgerDamaged         = "damaged"
	LedgerPaymentsInitial = "payments_initial"
	LedgerPaymentsFraud   = "payments_fraud"

	defaultReplayLimit   = 100
	defaultMetricsPath   = "/metrics"
	defaultMoveInterval  = time.Minute
	defaultTracingURL    = "/v1/traces"
	defaultLogLevel      = "info"
	defaultLogOutput     = "stderr"
	defaultStompReadTime = 2 * time.Second
)

// Compiled is the validated runtime view of a Config.
type Compiled struct {
	// DataStores are keyed by logical name; StoreNames keeps file order.
	DataStores map[string]DataStoreConfig
	StoreNames []string

	Quarantine QuarantineConfig
	Replay     ReplayConfig
	Logging    LoggingConfig
	Tracing    TracingConfig
	Metrics    MetricsConfig
	Moves      []MoveConfig
}

// DataStoreConfig is one `data_store <name> { ... }` node.
type DataStoreConfig struct {
	Name   string
	Driver string

	Stomp datastore.StompConfig

	Root      string
	ContextID string

	DSN    string
	Ledger string
}

// IsLedger reports whether the node names a relational ledger.
func (d DataStoreConfig) IsLedger() bool {
	return d.Driver == DriverSQLite || d.Driver == DriverPostgres
}

// Consumable reports whether the node's store supports consume.
func (d DataStoreConfig) Consumable() bool {
	return d.Driver == DriverMemory || d.Driver == DriverStomp
}

// QuarantineConfig names exactly one of a damaged ledger or a damaged queue.
type QuarantineConfig struct {
	Ledger string
	Queue  string
}

func (q QuarantineConfig) Enabled() bool { return q.Ledger != "" || q.Queue != "" }

type ReplayConfig struct {
	Enabled  bool
	Schedule string
	Limit    int
}

type LoggingConfig struct {
	Level  string
	Output string
	Path   string
}

type TracingConfig struct {
	Enabled     bool
	Collector   string
	URLPath     string
	Insecure    bool
	Timeout     time.Duration
	TimeoutSet  bool
	Compression string
	Headers     map[string]string
}

type MetricsConfig struct {
	Enabled bool
	Listen  string
	Path    string
}

// MoveConfig is one `move <name> { ... }` job forwarding messages from
// one queue store to another.
type MoveConfig struct {
	Name        string
	From        string
	To          string
	Type        string
	Selectors   []string
	Interval    time.Duration
	MaxMessages int
	TimeLimit   time.Duration
}

// Compile validates cfg and resolves placeholders. The returned Compiled is
// nil when the result is not OK.
func Compile(cfg *Config) (*Compiled, ValidationResult) {
	res := ValidationResult{}
	if cfg == nil {
		res.errorf("nil config")
		return nil, res
	}
	c := &Compiled{
		DataStores: make(map[string]DataStoreConfig),
		Logging:    LoggingConfig{Level: defaultLogLevel, Output: defaultLogOutput},
	}

	var sawQuarantine, sawReplay, sawLogging, sawObservability bool
	for _, d := range cfg.Directives {
		switch d.Name {
		case "data_store":
			compileDataStore(c, d, &res)
		case "quarantine":
			if once(d, &sawQuarantine, &res) {
				compileQuarantine(c, d, &res)
			}
		case "replay":
			if once(d, &sawReplay, &res) {
				compileReplay(c, d, &res)
			}
		case "logging":
			if once(d, &sawLogging, &res) {
				compileLogging(c, d, &res)
			}
		case "observability":
			if once(d, &sawObservability, &res) {
				compileObservability(c, d, &res)
			}
		case "move":
			compileMove(c, d, &res)
		default:
			res.errorf("unknown directive %s", d.where())
		}
	}

	checkReferences(c, &res)

	res.OK = len(res.Errors) == 0
	if !res.OK {
		return nil, res
	}
	return c, res
}

func once(d *Directive, seen *bool, res *ValidationResult) bool {
	if *seen {
		res.errorf("duplicate %s block", d.where())
		return false
	}
	*seen = true
	if !d.HasBlock {
		res.errorf("%s requires a block", d.where())
		return false
	}
	if len(d.Args) > 0 {
		res.errorf("%s takes no arguments", d.where())
		return false
	}
	return true
}

// single returns the resolved single argument of d.
func single(d *Directive, field string, res *ValidationResult) (string, bool) {
	if d.HasBlock {
		res.errorf("%s does not take a block", field)
		return "", false
	}
	if len(d.Args) != 1 {
		res.errorf("%s requires exactly one value", field)
		return "", false
	}
	return strings.TrimSpace(resolveValue(d.Args[0].Value, field, res)), true
}

func parseDurationField(d *Directive, field string, res *ValidationResult) (time.Duration, bool) {
	v, ok := single(d, field, res)
	if !ok {
		return 0, false
	}
	dur, err := time.ParseDuration(v)
	if err != nil || dur < 0 {
		res.errorf("%s: invalid duration %q", field, v)
		return 0, false
	}
	return dur, true
}

func parseBoolField(d *Directive, field string, res *ValidationResult) (bool, bool) {
	v, ok := single(d, field, res)
	if !ok {
		return false, false
	}
	b, ok := isOnOff(v)
	if !ok {
		res.errorf("%s: expected on|off, got %q", field, v)
		return false, false
	}
	return b, true
}

func parseIntField(d *Directive, field string, res *ValidationResult) (int, bool) {
	v, ok := single(d, field, res)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		res.errorf("%s: expected a non-negative integer, got %q", field, v)
		return 0, false
	}
	return n, true
}

func compileDataStore(c *Compiled, d *Directive, res *ValidationResult) {
	if len(d.Args) != 1 || !d.HasBlock {
		res.errorf("%s: expected `data_store <name> { ... }`", d.where())
		return
	}
	name := strings.TrimSpace(resolveValue(d.Args[0].Value, "data_store name", res))
	if name == "" {
		res.errorf("%s: empty name", d.where())
		return
	}
	if _, dup := c.DataStores[name]; dup {
		res.errorf("duplicate data_store %q", name)
		return
	}
	field := func(sub string) string { return fmt.Sprintf("data_store %s.%s", name, sub) }

	ds := DataStoreConfig{Name: name}
	for _, sub := range d.Block {
		switch sub.Name {
		case "driver":
			if v, ok := single(sub, field("driver"), res); ok {
				ds.Driver = strings.ToLower(v)
			}
		case "uri":
			if v, ok := single(sub, field("uri"), res); ok {
				ds.Stomp.URI = v
			}
		case "queue":
			if v, ok := single(sub, field("queue"), res); ok {
				ds.Stomp.Queue = v
			}
		case "vhost":
			if v, ok := single(sub, field("vhost"), res); ok {
				ds.Stomp.VirtualHost = v
			}
		case "read_timeout":
			if v, ok := parseDurationField(sub, field("read_timeout"), res); ok {
				ds.Stomp.ReadTimeout = v
			}
		case "reconnect_on_selector_change":
			if v, ok := parseBoolField(sub, field("reconnect_on_selector_change"), res); ok {
				ds.Stomp.ReconnectOnSelectorChange = v
			}
		case "numeric_selector_compat":
			if v, ok := parseBoolField(sub, field("numeric_selector_compat"), res); ok {
				ds.Stomp.NumericSelectorCompat = v
			}
		case "root":
			if v, ok := single(sub, field("root"), res); ok {
				ds.Root = v
			}
		case "context_id":
			if v, ok := single(sub, field("context_id"), res); ok {
				ds.ContextID = v
			}
		case "dsn":
			if v, ok := single(sub, field("dsn"), res); ok {
				ds.DSN = v
			}
		case "ledger":
			if v, ok := single(sub, field("ledger"), res); ok {
				ds.Ledger = strings.ToLower(v)
			}
		default:
			res.errorf("unknown directive %s in data_store %q", sub.where(), name)
		}
	}

	switch ds.Driver {
	case "":
		res.errorf("%s is required", field("driver"))
	case DriverMemory:
	case DriverStomp:
		if ds.Stomp.URI == "" {
			res.errorf("%s is required for driver stomp", field("uri"))
		} else if u, err := url.Parse(ds.Stomp.URI); err != nil || u.Host == "" {
			res.errorf("%s: invalid broker uri %q", field("uri"), ds.Stomp.URI)
		}
		if ds.Stomp.Queue == "" {
			ds.Stomp.Queue = "/queue/" + name
		}
		if ds.Stomp.ReadTimeout == 0 {
			ds.Stomp.ReadTimeout = defaultStompReadTime
		}
	case DriverFilesystem:
		if ds.Root == "" {
			res.errorf("%s is required for driver filesystem", field("root"))
		}
	case DriverSQLite, "sqlite3":
		ds.Driver = DriverSQLite
		if ds.DSN == "" {
			ds.DSN = path.Join(".data", name+".db")
		}
	case DriverPostgres, "postgresql", "pgx":
		ds.Driver = DriverPostgres
		if ds.DSN == "" {
			res.errorf("%s is required for driver postgres", field("dsn"))
		}
	default:
		res.errorf("%s: unsupported driver %q (use: memory|stomp|filesystem|sqlite|postgres)", field("driver"), ds.Driver)
	}

	if ds.IsLedger() {
		switch ds.Ledger {
		case LedgerPending, LedgerDamaged, LedgerPaymentsInitial, LedgerPaymentsFraud:
		case "":
			res.errorf("%s is required for driver %s", field("ledger"), ds.Driver)
		default:
			res.errorf("%s: unsupported ledger %q (use: pending|damaged|payments_initial|payments_fraud)", field("ledger"), ds.Ledger)
		}
	} else if ds.Ledger != "" || ds.DSN != "" {
		res.warnf("data_store %q: ledger and dsn are ignored for driver %s", name, ds.Driver)
	}

	c.DataStores[name] = ds
	c.StoreNames = append(c.StoreNames, name)
}

func compileQuarantine(c *Compiled, d *Directive, res *ValidationResult) {
	for _, sub := range d.Block {
		switch sub.Name {
		case "ledger":
			if v, ok := single(sub, "quarantine.ledger", res); ok {
				c.Quarantine.Ledger = v
			}
		case "queue":
			if v, ok := single(sub, "quarantine.queue", res); ok {
				c.Quarantine.Queue = v
			}
		default:
			res.errorf("unknown directive %s in quarantine", sub.where())
		}
	}
	switch {
	case c.Quarantine.Ledger != "" && c.Quarantine.Queue != "":
		res.errorf("quarantine: set either ledger or queue, not both")
	case !c.Quarantine.Enabled():
		res.errorf("quarantine: ledger or queue is required")
	}
}

func compileReplay(c *Compiled, d *Directive, res *ValidationResult) {
	c.Replay = ReplayConfig{Enabled: true, Limit: defaultReplayLimit}
	for _, sub := range d.Block {
		switch sub.Name {
		case "schedule":
			if v, ok := single(sub, "replay.schedule", res); ok {
				if !gronx.IsValid(v) {
					res.errorf("replay.schedule: invalid cron expression %q", v)
				}
				c.Replay.Schedule = v
			}
		case "limit":
			if v, ok := parseIntField(sub, "replay.limit", res); ok {
				if v == 0 {
					res.errorf("replay.limit must be positive")
				}
				c.Replay.Limit = v
			}
		case "enabled":
			if v, ok := parseBoolField(sub, "replay.enabled", res); ok {
				c.Replay.Enabled = v
			}
		default:
			res.errorf("unknown directive %s in replay", sub.where())
		}
	}
	if c.Replay.Enabled && c.Replay.Schedule == "" {
		res.errorf("replay.schedule is required")
	}
}

func compileLogging(c *Compiled, d *Directive, res *ValidationResult) {
	for _, sub := range d.Block {
		switch sub.Name {
		case "level":
			if v, ok := single(sub, "logging.level", res); ok {
				switch strings.ToLower(v) {
				case "debug", "info", "warn", "warning", "error":
					c.Logging.Level = strings.ToLower(v)
				default:
					res.errorf("logging.level: invalid level %q (use: debug|info|warn|error)", v)
				}
			}
		case "output":
			if v, ok := single(sub, "logging.output", res); ok {
				switch strings.ToLower(v) {
				case "stdout", "stderr", "file":
					c.Logging.Output = strings.ToLower(v)
				default:
					res.errorf("logging.output: invalid output %q (use: stdout|stderr|file)", v)
				}
			}
		case "path":
			if v, ok := single(sub, "logging.path", res); ok {
				c.Logging.Path = v
			}
		default:
			res.errorf("unknown directive %s in logging", sub.where())
		}
	}
	if c.Logging.Output == "file" && c.Logging.Path == "" {
		res.errorf("logging.path is required when output is file")
	}
}

func compileObservability(c *Compiled, d *Directive, res *ValidationResult) {
	for _, sub := range d.Block {
		switch sub.Name {
		case "tracing":
			if !sub.HasBlock {
				res.errorf("observability.tracing requires a block")
				continue
			}
			compileTracing(c, sub, res)
		case "metrics":
			if !sub.HasBlock {
				res.errorf("observability.metrics requires a block")
				continue
			}
			compileMetrics(c, sub, res)
		default:
			res.errorf("unknown directive %s in observability", sub.where())
		}
	}
}

func compileTracing(c *Compiled, d *Directive, res *ValidationResult) {
	t := TracingConfig{Enabled: true, URLPath: defaultTracingURL}
	for _, sub := range d.Block {
		switch sub.Name {
		case "enabled":
			if v, ok := parseBoolField(sub, "tracing.enabled", res); ok {
				t.Enabled = v
			}
		case "collector":
			if v, ok := single(sub, "tracing.collector", res); ok {
				u, err := url.Parse(v)
				if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
					res.errorf("tracing.collector: expected http(s) url, got %q", v)
				}
				t.Collector = v
			}
		case "url_path":
			if v, ok := single(sub, "tracing.url_path", res); ok {
				if !strings.HasPrefix(v, "/") {
					res.errorf("tracing.url_path must start with /")
				}
				t.URLPath = v
			}
		case "insecure":
			if v, ok := parseBoolField(sub, "tracing.insecure", res); ok {
				t.Insecure = v
			}
		case "timeout":
			if v, ok := parseDurationField(sub, "tracing.timeout", res); ok {
				t.Timeout = v
				t.TimeoutSet = true
			}
		case "compression":
			if v, ok := single(sub, "tracing.compression", res); ok {
				switch strings.ToLower(v) {
				case "gzip", "none":
					t.Compression = strings.ToLower(v)
				default:
					res.errorf("tracing.compression: expected gzip|none, got %q", v)
				}
			}
		case "header":
			vals := sub.Values()
			if len(vals) != 2 || sub.HasBlock {
				res.errorf("tracing.header requires a name and a value")
				continue
			}
			if t.Headers == nil {
				t.Headers = make(map[string]string)
			}
			value := resolveValue(vals[1], "tracing.header "+vals[0], res)
			if err := httpheader.Validate(vals[0], value); err != nil {
				res.errorf("tracing.header: %v", err)
				continue
			}
			t.Headers[vals[0]] = value
		default:
			res.errorf("unknown directive %s in tracing", sub.where())
		}
	}
	if t.Enabled && t.Collector == "" {
		res.errorf("tracing.collector is required")
	}
	c.Tracing = t
}

func compileMetrics(c *Compiled, d *Directive, res *ValidationResult) {
	m := MetricsConfig{Enabled: true, Path: defaultMetricsPath}
	for _, sub := range d.Block {
		switch sub.Name {
		case "enabled":
			if v, ok := parseBoolField(sub, "metrics.enabled", res); ok {
				m.Enabled = v
			}
		case "listen":
			if v, ok := single(sub, "metrics.listen", res); ok {
				m.Listen = v
			}
		case "path":
			if v, ok := single(sub, "metrics.path", res); ok {
				if !strings.HasPrefix(v, "/") {
					res.errorf("metrics.path must start with /")
				}
				m.Path = v
			}
		default:
			res.errorf("unknown directive %s in metrics", sub.where())
		}
	}
	if m.Enabled && m.Listen == "" {
		res.errorf("metrics.listen is required")
	}
	c.Metrics = m
}

func compileMove(c *Compiled, d *Directive, res *ValidationResult) {
	if len(d.Args) != 1 || !d.HasBlock {
		res.errorf("%s: expected `move <name> { ... }`", d.where())
		return
	}
	m := MoveConfig{Name: d.Args[0].Value, Interval: defaultMoveInterval}
	for _, existing := range c.Moves {
		if existing.Name == m.Name {
			res.errorf("duplicate move %q", m.Name)
			return
		}
	}
	field := func(sub string) string { return fmt.Sprintf("move %s.%s", m.Name, sub) }
	for _, sub := range d.Block {
		switch sub.Name {
		case "from":
			if v, ok := single(sub, field("from"), res); ok {
				m.From = v
			}
		case "to":
			if v, ok := single(sub, field("to"), res); ok {
				m.To = v
			}
		case "type":
			if v, ok := single(sub, field("type"), res); ok {
				m.Type = v
			}
		case "selector":
			if v, ok := single(sub, field("selector"), res); ok {
				if _, err := datastore.ParseClause(v); err != nil {
					res.errorf("%s: %v", field("selector"), err)
				}
				m.Selectors = append(m.Selectors, v)
			}
		case "interval":
			if v, ok := parseDurationField(sub, field("interval"), res); ok {
				if v == 0 {
					res.errorf("%s must be positive", field("interval"))
				}
				m.Interval = v
			}
		case "max_messages":
			if v, ok := parseIntField(sub, field("max_messages"), res); ok {
				m.MaxMessages = v
			}
		case "time_limit":
			if v, ok := parseDurationField(sub, field("time_limit"), res); ok {
				m.TimeLimit = v
			}
		default:
			res.errorf("unknown directive %s in move %q", sub.where(), m.Name)
		}
	}
	if m.From == "" || m.To == "" {
		res.errorf("move %q requires from and to", m.Name)
	}
	if m.From != "" && m.From == m.To {
		res.errorf("move %q: from and to must differ", m.Name)
	}
	c.Moves = append(c.Moves, m)
}

func checkReferences(c *Compiled, res *ValidationResult) {
	if name := c.Quarantine.Ledger; name != "" {
		ds, ok := c.DataStores[name]
		switch {
		case !ok:
			res.errorf("quarantine.ledger: unknown data_store %q", name)
		case ds.Ledger != LedgerDamaged:
			res.errorf("quarantine.ledger: data_store %q is not a damaged ledger", name)
		}
	}
	if name := c.Quarantine.Queue; name != "" {
		ds, ok := c.DataStores[name]
		switch {
		case !ok:
			res.errorf("quarantine.queue: unknown data_store %q", name)
		case ds.IsLedger():
			res.errorf("quarantine.queue: data_store %q is a ledger", name)
		}
	}
	if c.Replay.Enabled && c.Quarantine.Ledger == "" {
		res.errorf("replay requires quarantine.ledger")
	}
	// A memory store is shared and holds one outstanding message.
	memoryFrom := make(map[string]string)
	for _, m := range c.Moves {
		if from, ok := c.DataStores[m.From]; m.From != "" && !ok {
			res.errorf("move %q: unknown data_store %q", m.Name, m.From)
		} else if ok && !from.Consumable() {
			res.errorf("move %q: data_store %q does not support consume", m.Name, m.From)
		} else if ok && from.Driver == DriverMemory {
			if other, dup := memoryFrom[m.From]; dup {
				res.errorf("move %q: memory data_store %q is already consumed by move %q", m.Name, m.From, other)
			} else {
				memoryFrom[m.From] = m.Name
			}
		}
		if to, ok := c.DataStores[m.To]; m.To != "" && !ok {
			res.errorf("move %q: unknown data_store %q", m.Name, m.To)
		} else if ok && to.IsLedger() {
			res.errorf("move %q: data_store %q is a ledger", m.Name, m.To)
		}
	}
	if len(c.Moves) > 0 && !c.Quarantine.Enabled() {
		res.errorf("move jobs require a quarantine block")
	}
}

// LedgerStores returns the names of ledger data stores of the given kind.
func (c *Compiled) LedgerStores(kind string) []string {
	var out []string
	for _, name := range c.StoreNames {
		if ds := c.DataStores[name]; ds.IsLedger() && ds.Ledger == kind {
			out = append(out, name)
		}
	}
	return out
}
