package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleConfig = `
# queuestash
data_store damaged-db {
  driver sqlite
  dsn ./.data/damaged.db
  ledger damaged
}

data_store pending-db { driver postgres; dsn "postgres://localhost/queuestash"; ledger pending }

data_store payments-init {
  driver stomp
  uri tcp://localhost:61613
  queue /queue/payments-init
  read_timeout 5s
  reconnect_on_selector_change on
  numeric_selector_compat off
}

data_store archive {
  driver filesystem
  root ./.data/archive
}

quarantine { ledger damaged-db }

replay {
  schedule "*/5 * * * *"
  limit 50
}

logging { level debug; output stdout }

observability {
  tracing {
    collector https://otel.example.test
    compression gzip
    timeout 3s
    header Authorization "Bearer x"
  }
  metrics { listen :9464 }
}

move archive-init {
  from payments-init
  to archive
  selector "gateway = 'adyen'"
  max_messages 10
  time_limit 30s
}
`

func TestParse_DirectiveTree(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(cfg.Preamble) != 1 || cfg.Preamble[0] != "# queuestash" {
		t.Fatalf("preamble=%q", cfg.Preamble)
	}
	if len(cfg.Directives) != 9 {
		t.Fatalf("directives=%d, want 9", len(cfg.Directives))
	}
	pending := cfg.Directives[1]
	if pending.Name != "data_store" || pending.Args[0].Value != "pending-db" || len(pending.Block) != 3 {
		t.Fatalf("pending=%+v", pending)
	}
	dsn := pending.Block[1]
	if dsn.Name != "dsn" || !dsn.Args[0].Quoted || dsn.Args[0].Value != "postgres://localhost/queuestash" {
		t.Fatalf("dsn=%+v", dsn)
	}
	if pending.Line != 9 || pending.Col != 1 {
		t.Fatalf("pos=%d:%d, want 9:1", pending.Line, pending.Col)
	}
}

func TestParse_Errors(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  string
	}{
		{"empty", "   \n# only a comment\n", "empty config"},
		{"unterminated block", "replay {\n  limit 3\n", "unterminated replay block"},
		{"stray brace", "}\n", "config parse error at 1:1"},
		{"quoted name", `"x" { }`, "unexpected token"},
		{"block on next line", "replay\n{\n}\n", "must open on the directive's line"},
		{"unterminated string", "a \"b\n", "unterminated string"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.input))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err=%v, want %q", err, tc.want)
			}
		})
	}
}

func TestParse_NormalizesBOMAndCRLF(t *testing.T) {
	cfg, err := Parse([]byte("\xEF\xBB\xBFdata_store a {\r\n  driver memory\r\n}\r\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := cfg.Directives[0].Block[0].Values(); len(got) != 1 || got[0] != "memory" {
		t.Fatalf("driver=%q", got)
	}
}

func TestFormat_Canonical(t *testing.T) {
	cfg, err := Parse([]byte("# head\ndata_store a { driver memory; queue \"x y\" }\nreplay { schedule \"* * * * *\" }"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	out, err := Format(cfg)
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	want := `# head

data_store a {
  driver memory
  queue "x y"
}

replay {
  schedule "* * * * *"
}
`
	if string(out) != want {
		t.Fatalf("format=\n%s\nwant\n%s", out, want)
	}
}

func TestFormat_EscapesQuotedValues(t *testing.T) {
	cfg := &Config{Directives: []*Directive{{
		Name: "header",
		Args: []Arg{{Value: "a\"b\\c\nd", Quoted: true}, {Value: ""}},
	}}}
	out, err := Format(cfg)
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	if got := string(out); got != "header \"a\\\"b\\\\c\\nd\" \"\"\n" {
		t.Fatalf("format=%q", got)
	}
	back, err := Parse(out)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if v := back.Directives[0].Args[0].Value; v != "a\"b\\c\nd" {
		t.Fatalf("value=%q", v)
	}
}

func TestCompile_Sample(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	c, res := Compile(cfg)
	if !res.OK {
		t.Fatalf("compile: %v", res.Errors)
	}
	if got := strings.Join(c.StoreNames, ","); got != "damaged-db,pending-db,payments-init,archive" {
		t.Fatalf("store names=%s", got)
	}
	broker := c.DataStores["payments-init"]
	if broker.Driver != DriverStomp || broker.Stomp.Queue != "/queue/payments-init" || broker.Stomp.ReadTimeout != 5*time.Second {
		t.Fatalf("broker=%+v", broker)
	}
	if !broker.Stomp.ReconnectOnSelectorChange || broker.Stomp.NumericSelectorCompat {
		t.Fatalf("broker flags=%+v", broker.Stomp)
	}
	if !broker.Consumable() || broker.IsLedger() {
		t.Fatalf("broker capabilities wrong")
	}
	if ds := c.DataStores["archive"]; ds.Consumable() || ds.Root != "./.data/archive" {
		t.Fatalf("archive=%+v", ds)
	}
	if c.Quarantine.Ledger != "damaged-db" || c.Quarantine.Queue != "" {
		t.Fatalf("quarantine=%+v", c.Quarantine)
	}
	if !c.Replay.Enabled || c.Replay.Limit != 50 || c.Replay.Schedule != "*/5 * * * *" {
		t.Fatalf("replay=%+v", c.Replay)
	}
	if c.Logging.Level != "debug" || c.Logging.Output != "stdout" {
		t.Fatalf("logging=%+v", c.Logging)
	}
	if !c.Tracing.Enabled || c.Tracing.URLPath != "/v1/traces" || c.Tracing.Timeout != 3*time.Second || c.Tracing.Headers["Authorization"] != "Bearer x" {
		t.Fatalf("tracing=%+v", c.Tracing)
	}
	if !c.Metrics.Enabled || c.Metrics.Listen != ":9464" || c.Metrics.Path != "/metrics" {
		t.Fatalf("metrics=%+v", c.Metrics)
	}
	if len(c.Moves) != 1 {
		t.Fatalf("moves=%+v", c.Moves)
	}
	m := c.Moves[0]
	if m.From != "payments-init" || m.To != "archive" || m.MaxMessages != 10 || m.TimeLimit != 30*time.Second || m.Interval != time.Minute {
		t.Fatalf("move=%+v", m)
	}
	if got := c.LedgerStores(LedgerPending); len(got) != 1 || got[0] != "pending-db" {
		t.Fatalf("pending ledgers=%v", got)
	}
}

func TestCompile_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("data_store q { driver stomp; uri tcp://broker:61613 }\ndata_store l { driver sqlite3; ledger pending }"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	c, res := Compile(cfg)
	if !res.OK {
		t.Fatalf("compile: %v", res.Errors)
	}
	q := c.DataStores["q"]
	if q.Stomp.Queue != "/queue/q" || q.Stomp.ReadTimeout != 2*time.Second {
		t.Fatalf("stomp defaults=%+v", q.Stomp)
	}
	l := c.DataStores["l"]
	if l.Driver != DriverSQLite || l.DSN != filepath.ToSlash(filepath.Join(".data", "l.db")) {
		t.Fatalf("sqlite defaults=%+v", l)
	}
	if c.Logging.Level != "info" || c.Logging.Output != "stderr" || c.Replay.Enabled || c.Quarantine.Enabled() {
		t.Fatalf("ambient defaults=%+v %+v %+v", c.Logging, c.Replay, c.Quarantine)
	}
}

func TestCompile_Errors(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  string
	}{
		{"unknown top level", "routes { }", "unknown directive routes (line 1)"},
		{"missing driver", "data_store a { root /x }", "data_store a.driver is required"},
		{"bad driver", "data_store a { driver redis }", "unsupported driver \"redis\""},
		{"duplicate store", "data_store a { driver memory }\ndata_store a { driver memory }", "duplicate data_store \"a\""},
		{"stomp without uri", "data_store a { driver stomp }", "data_store a.uri is required"},
		{"stomp bad uri", "data_store a { driver stomp; uri nohost }", "invalid broker uri"},
		{"filesystem without root", "data_store a { driver filesystem }", "data_store a.root is required"},
		{"ledger kind missing", "data_store a { driver sqlite }", "data_store a.ledger is required"},
		{"ledger kind unknown", "data_store a { driver sqlite; ledger audit }", "unsupported ledger \"audit\""},
		{"postgres without dsn", "data_store a { driver postgres; ledger pending }", "data_store a.dsn is required"},
		{"bad duration", "data_store a { driver stomp; uri tcp://h:1; read_timeout soon }", "invalid duration \"soon\""},
		{"bad bool", "data_store a { driver stomp; uri tcp://h:1; numeric_selector_compat maybe }", "expected on|off"},
		{"two quarantines", "data_store d { driver memory }\nquarantine { queue d; ledger d }", "either ledger or queue"},
		{"empty quarantine", "quarantine { }", "ledger or queue is required"},
		{"duplicate block", "logging { level info }\nlogging { level info }", "duplicate logging"},
		{"quarantine not damaged", "data_store p { driver sqlite; ledger pending }\nquarantine { ledger p }", "is not a damaged ledger"},
		{"quarantine queue is ledger", "data_store p { driver sqlite; ledger damaged }\nquarantine { queue p }", "is a ledger"},
		{"replay without ledger", "data_store d { driver memory }\nquarantine { queue d }\nreplay { schedule \"* * * * *\" }", "replay requires quarantine.ledger"},
		{"replay bad cron", "replay { schedule \"every minute\" }", "invalid cron expression"},
		{"replay without schedule", "replay { limit 5 }", "replay.schedule is required"},
		{"bad tracing header", "observability { tracing { collector https://otel.test; header \"X Bad\" v } }", "has invalid field name"},
		{"log file without path", "logging { output file }", "logging.path is required"},
		{"bad level", "logging { level loud }", "invalid level \"loud\""},
		{"tracing without collector", "observability { tracing { insecure on } }", "tracing.collector is required"},
		{"metrics without listen", "observability { metrics { path /m } }", "metrics.listen is required"},
		{"move from filesystem", "data_store f { driver filesystem; root /x }\ndata_store q { driver memory }\nquarantine { queue q }\nmove m { from f; to q }", "does not support consume"},
		{"move to ledger", "data_store q { driver memory }\ndata_store l { driver sqlite; ledger damaged }\nquarantine { ledger l }\nmove m { from q; to l }", "is a ledger"},
		{"move unknown", "data_store q { driver memory }\nquarantine { queue q }\nmove m { from q; to nowhere }", "unknown data_store \"nowhere\""},
		{"two moves from one memory store", "data_store q { driver memory }\ndata_store r { driver memory }\nquarantine { queue r }\nmove a { from q; to r }\nmove b { from q; to r }", "memory data_store \"q\" is already consumed by move \"a\""},
		{"move without quarantine", "data_store a { driver memory }\ndata_store b { driver memory }\nmove m { from a; to b }", "move jobs require a quarantine block"},
		{"move bad selector", "data_store q { driver memory }\nquarantine { queue q }\nmove m { from q; to q2; selector \"gateway\" }", "move m.selector"},
		{"single value", "data_store a { driver memory stomp }", "requires exactly one value"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Parse([]byte(tc.input))
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			c, res := Compile(cfg)
			if res.OK || c != nil {
				t.Fatalf("expected compile failure")
			}
			joined := strings.Join(res.Errors, "\n")
			if !strings.Contains(joined, tc.want) {
				t.Fatalf("errors=%q, want %q", joined, tc.want)
			}
		})
	}
}

func TestCompile_Placeholders(t *testing.T) {
	t.Setenv("QS_BROKER", "mq.internal")
	dir := t.TempDir()
	secret := filepath.Join(dir, "dsn")
	if err := os.WriteFile(secret, []byte("postgres://u:p@db/qs\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	input := "data_store q { driver stomp; uri tcp://{$QS_BROKER}:{$QS_PORT:61613} }\n" +
		"data_store p { driver postgres; ledger pending; dsn {file." + secret + "} }\n" +
		"data_store r { driver filesystem; root {env.QS_UNSET_ROOT}/archive }\n"
	cfg, err := Parse([]byte(input))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	c, res := Compile(cfg)
	if !res.OK {
		t.Fatalf("compile: %v", res.Errors)
	}
	if got := c.DataStores["q"].Stomp.URI; got != "tcp://mq.internal:61613" {
		t.Fatalf("uri=%q", got)
	}
	if got := c.DataStores["p"].DSN; got != "postgres://u:p@db/qs" {
		t.Fatalf("dsn=%q", got)
	}
	if got := c.DataStores["r"].Root; got != "/archive" {
		t.Fatalf("root=%q", got)
	}
	if len(res.Warnings) != 1 || !strings.Contains(res.Warnings[0], `"QS_UNSET_ROOT" not set`) {
		t.Fatalf("warnings=%v", res.Warnings)
	}
}

func TestResolvePlaceholders_Errors(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"{$}", "empty env var in {$...} placeholder"},
		{"{env.}", "empty env var in {env.*} placeholder"},
		{"{file.}", "empty path in {file.*} placeholder"},
		{"x{$OPEN", "unterminated {$...} placeholder"},
		{"{file./does/not/exist}", "file placeholder"},
	}
	for _, tc := range cases {
		_, errs, _ := resolvePlaceholders(tc.in)
		if len(errs) != 1 || !strings.Contains(errs[0], tc.want) {
			t.Fatalf("resolve(%q) errs=%v, want %q", tc.in, errs, tc.want)
		}
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "Queuestashfile")
	if err := os.WriteFile(good, []byte("data_store q { driver memory }\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	c, res, err := Load(good)
	if err != nil || !res.OK || c.DataStores["q"].Driver != DriverMemory {
		t.Fatalf("load: c=%+v res=%+v err=%v", c, res, err)
	}

	bad := filepath.Join(dir, "bad")
	if err := os.WriteFile(bad, []byte("data_store q { driver nope }\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, _, err := Load(bad); err == nil || !strings.HasPrefix(err.Error(), "config invalid: ") {
		t.Fatalf("load bad: %v", err)
	}
	if _, _, err := Load(filepath.Join(dir, "missing")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestFormatValidation(t *testing.T) {
	if got := FormatValidationText(ValidationResult{OK: true}); got != "config ok" {
		t.Fatalf("text=%q", got)
	}
	if got := FormatValidationText(ValidationResult{OK: true, Warnings: []string{"w"}}); got != "config ok (warnings: 1)" {
		t.Fatalf("text=%q", got)
	}
	if got := FormatValidationText(ValidationResult{Errors: []string{"a", "b"}}); got != "config invalid: a (and 1 more)" {
		t.Fatalf("text=%q", got)
	}
	js, err := FormatValidationJSON(ValidationResult{Errors: []string{"a"}})
	if err != nil {
		t.Fatalf("json: %v", err)
	}
	if !strings.Contains(js, `"ok": false`) || !strings.Contains(js, `"errors": [`) {
		t.Fatalf("json=%s", js)
	}
}
