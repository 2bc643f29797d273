package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	sqlite3 "modernc.org/sqlite"

	"github.com/nuetzliches/queuestash/internal/message"
)

// Dialect selects the SQL flavour a DB speaks.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

var (
	ErrNotFound  = errors.New("ledger: record not found")
	ErrDuplicate = errors.New("ledger: duplicate record")
)

// migrationLockKey serializes concurrent migrations on one postgres database.
const migrationLockKey = 0x71756575

// ParseDialect maps a configured driver name to a Dialect.
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sqlite", "sqlite3":
		return SQLite, nil
	case "postgres", "postgresql", "pgx":
		return Postgres, nil
	}
	return "", fmt.Errorf("ledger: unknown driver %q", s)
}

type Option func(*DB)

func WithNowFunc(nowFn func() time.Time) Option {
	return func(d *DB) {
		if nowFn != nil {
			d.nowFn = nowFn
		}
	}
}

func WithRegistry(r *message.Registry) Option {
	return func(d *DB) {
		if r != nil {
			d.registry = r
		}
	}
}

// DB is one database connection pool shared by any number of ledgers.
type DB struct {
	sql      *sql.DB
	dialect  Dialect
	nowFn    func() time.Time
	registry *message.Registry
	owned    bool
}

// Open connects to dsn with the named driver. The returned DB owns the pool.
func Open(driver, dsn string, opts ...Option) (*DB, error) {
	dialect, err := ParseDialect(driver)
	if err != nil {
		return nil, err
	}
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("ledger: empty %s dsn", dialect)
	}

	var db *sql.DB
	switch dialect {
	case SQLite:
		if dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
			if dir := filepath.Dir(dsn); dir != "." && dir != "" {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return nil, err
				}
			}
		}
		db, err = sql.Open("sqlite", dsn)
		if err != nil {
			return nil, err
		}
		db.SetMaxOpenConns(1)
		if err := initSQLite(db); err != nil {
			_ = db.Close()
			return nil, err
		}
	case Postgres:
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			return nil, err
		}
		db.SetMaxOpenConns(8)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	d, err := New(db, dialect, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	d.owned = true
	return d, nil
}

// New wraps an existing pool. Closing the DB leaves db open.
func New(db *sql.DB, dialect Dialect, opts ...Option) (*DB, error) {
	if db == nil {
		return nil, errors.New("ledger: nil database")
	}
	if dialect != SQLite && dialect != Postgres {
		return nil, fmt.Errorf("ledger: unknown dialect %q", dialect)
	}
	d := &DB{
		sql:      db,
		dialect:  dialect,
		nowFn:    time.Now,
		registry: message.Default,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

func initSQLite(db *sql.DB) error {
	ctx := context.Background()
	var journalMode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("sqlite: set journal_mode=wal: %w", err)
	}
	if mode := strings.ToLower(journalMode); mode != "wal" && mode != "memory" {
		return fmt.Errorf("sqlite: journal_mode=%q, want wal", journalMode)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA synchronous=FULL;"); err != nil {
		return fmt.Errorf("sqlite: set synchronous=full: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000;"); err != nil {
		return fmt.Errorf("sqlite: set busy_timeout: %w", err)
	}
	return nil
}

func (d *DB) Dialect() Dialect { return d.dialect }

// SQL exposes the underlying pool.
func (d *DB) SQL() *sql.DB { return d.sql }

func (d *DB) Close() error {
	if d == nil || d.sql == nil || !d.owned {
		return nil
	}
	return d.sql.Close()
}

func (d *DB) now() time.Time { return d.nowFn().UTC() }

// rebind rewrites ? placeholders to $n for postgres. Queries in this
// package never carry literal question marks.
func (d *DB) rebind(q string) string {
	if d.dialect != Postgres {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (d *DB) exec(ctx context.Context, x execer, q string, args ...any) (sql.Result, error) {
	if x == nil {
		x = d.sql
	}
	return x.ExecContext(ctx, d.rebind(q), args...)
}

func (d *DB) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return d.sql.QueryContext(ctx, d.rebind(q), args...)
}

func (d *DB) queryRow(ctx context.Context, q string, args ...any) *sql.Row {
	return d.sql.QueryRowContext(ctx, d.rebind(q), args...)
}

// ddl expands {{serial}} into the dialect's auto-increment primary key.
func (d *DB) ddl(script string) string {
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if d.dialect == Postgres {
		serial = "BIGSERIAL PRIMARY KEY"
	}
	return strings.ReplaceAll(script, "{{serial}}", serial)
}

// migration is one schema version of a ledger. A dialect without an entry
// uses the shared script.
type migration struct {
	shared string
	byDial map[Dialect]string
}

func (m migration) script(d Dialect) string {
	if s, ok := m.byDial[d]; ok {
		return s
	}
	return m.shared
}

// migrate brings one ledger's tables up to len(steps), recording the
// version in schema_migrations under the ledger's name.
func (d *DB) migrate(ctx context.Context, name string, steps []migration) error {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if d.dialect == Postgres {
		if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", int64(migrationLockKey)); err != nil {
			return fmt.Errorf("%s: lock migrations: %w", d.dialect, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  ledger  TEXT PRIMARY KEY,
  version INTEGER NOT NULL
);
`); err != nil {
		return fmt.Errorf("%s: init migrations table: %w", d.dialect, err)
	}

	current := 0
	err = tx.QueryRowContext(ctx, d.rebind(`SELECT version FROM schema_migrations WHERE ledger = ?`), name).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: read %s schema version: %w", d.dialect, name, err)
	}
	if current > len(steps) {
		return fmt.Errorf("%s: %s schema_version=%d, want <=%d", d.dialect, name, current, len(steps))
	}
	if current == len(steps) {
		committed = true
		return tx.Commit()
	}

	for v := current + 1; v <= len(steps); v++ {
		for _, stmt := range splitStatements(d.ddl(steps[v-1].script(d.dialect))) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("%s: migrate %s v%d: %w", d.dialect, name, v, err)
			}
		}
	}
	if _, err := d.exec(ctx, tx, `
INSERT INTO schema_migrations(ledger, version) VALUES (?, ?)
ON CONFLICT(ledger) DO UPDATE SET version = excluded.version`, name, len(steps)); err != nil {
		return fmt.Errorf("%s: write %s schema version: %w", d.dialect, name, err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (d *DB) schemaVersion(ctx context.Context, name string) (int, error) {
	var v int
	err := d.queryRow(ctx, `SELECT version FROM schema_migrations WHERE ledger = ?`, name).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return v, err
}

func splitStatements(script string) []string {
	var out []string
	for _, stmt := range strings.Split(script, ";") {
		if s := strings.TrimSpace(stmt); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// mapWriteError turns unique constraint violations into ErrDuplicate.
func mapWriteError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrDuplicate, pgErr.ConstraintName)
	}
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		// Extended sqlite result codes include base code in the lower 8 bits.
		const sqliteConstraintBase = 19
		if sqliteErr.Code()&0xff == sqliteConstraintBase {
			return fmt.Errorf("%w: %v", ErrDuplicate, err)
		}
	}
	return err
}

// Purger is implemented by every ledger. An empty gateway matches all rows.
type Purger interface {
	DeleteOldMessages(ctx context.Context, cutoff time.Time, gateway string) (int64, error)
}

func unixOrNull(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Unix()
}

func fromUnix(v sql.NullInt64) time.Time {
	if !v.Valid || v.Int64 <= 0 {
		return time.Time{}
	}
	return time.Unix(v.Int64, 0).UTC()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func rowsAffected(res sql.Result) int64 {
	n, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return n
}

// messageDate returns the record's own date, or now when it carries none.
func (d *DB) messageDate(msg message.Message) int64 {
	if date := message.IdentityOf(msg).Date; date > 0 {
		return date
	}
	return d.now().Unix()
}
