package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/nuetzliches/queuestash/internal/message"
)

const fraudLedgerName = "payments_fraud"

var fraudMigrations = []migration{
	{
		shared: `
CREATE TABLE IF NOT EXISTS payments_fraud (
  id                {{serial}},
  date              BIGINT NOT NULL,
  gateway           TEXT NOT NULL,
  order_id          TEXT NOT NULL,
  correlation_id    TEXT NOT NULL,
  validation_action TEXT,
  user_ip           TEXT,
  risk_score        REAL NOT NULL,
  server            TEXT,
  message           TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_payments_fraud_gateway_order ON payments_fraud(gateway, order_id);
CREATE INDEX IF NOT EXISTS idx_payments_fraud_date ON payments_fraud(date);
`,
		byDial: map[Dialect]string{
			Postgres: `
CREATE TABLE IF NOT EXISTS payments_fraud (
  id                {{serial}},
  date              BIGINT NOT NULL,
  gateway           TEXT NOT NULL,
  order_id          TEXT NOT NULL,
  correlation_id    TEXT NOT NULL,
  validation_action TEXT,
  user_ip           TEXT,
  risk_score        DOUBLE PRECISION NOT NULL,
  server            TEXT,
  message           TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_payments_fraud_gateway_order ON payments_fraud(gateway, order_id);
CREATE INDEX IF NOT EXISTS idx_payments_fraud_date ON payments_fraud(date);
`,
		},
	},
	{
		shared: `
CREATE TABLE IF NOT EXISTS payments_fraud_breakdown (
  payments_fraud_id BIGINT NOT NULL REFERENCES payments_fraud(id) ON DELETE CASCADE,
  filter_name       TEXT NOT NULL,
  risk_score        REAL NOT NULL,
  PRIMARY KEY (payments_fraud_id, filter_name)
);
`,
		byDial: map[Dialect]string{
			Postgres: `
CREATE TABLE IF NOT EXISTS payments_fraud_breakdown (
  payments_fraud_id BIGINT NOT NULL REFERENCES payments_fraud(id) ON DELETE CASCADE,
  filter_name       TEXT NOT NULL,
  risk_score        DOUBLE PRECISION NOT NULL,
  PRIMARY KEY (payments_fraud_id, filter_name)
);
`,
		},
	},
}

// FraudLedger records fraud filter outcomes per payment attempt, with one
// breakdown row per filter.
type FraudLedger struct {
	db *DB
}

func NewFraudLedger(ctx context.Context, db *DB) (*FraudLedger, error) {
	if err := db.migrate(ctx, fraudLedgerName, fraudMigrations); err != nil {
		return nil, err
	}
	return &FraudLedger{db: db}, nil
}

// StoreMessage inserts msg or replaces the row with the same gateway and
// order id, together with its score breakdown.
func (l *FraudLedger) StoreMessage(ctx context.Context, msg *message.Fraud) (int64, error) {
	if err := message.Validate(msg); err != nil {
		return 0, err
	}
	if msg.Gateway == "" || msg.OrderID == "" {
		return 0, errors.New("payments_fraud: gateway and order_id are required")
	}
	if msg.Date <= 0 {
		msg.Date = l.db.now().Unix()
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return 0, err
	}

	tx, err := l.db.sql.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var id int64
	err = tx.QueryRowContext(ctx, l.db.rebind(`
INSERT INTO payments_fraud(date, gateway, order_id, correlation_id, validation_action, user_ip, risk_score, server, message)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(gateway, order_id) DO UPDATE SET
  date = excluded.date,
  correlation_id = excluded.correlation_id,
  validation_action = excluded.validation_action,
  user_ip = excluded.user_ip,
  risk_score = excluded.risk_score,
  server = excluded.server,
  message = excluded.message
RETURNING id`),
		msg.Date, msg.Gateway, msg.OrderID, msg.Correlation, nullString(msg.ValidationAction),
		nullString(msg.UserIP), msg.RiskScore, nullString(msg.Server), string(payload)).Scan(&id)
	if err != nil {
		return 0, mapWriteError(err)
	}

	if _, err := l.db.exec(ctx, tx, `DELETE FROM payments_fraud_breakdown WHERE payments_fraud_id = ?`, id); err != nil {
		return 0, err
	}
	filters := make([]string, 0, len(msg.ScoreBreakdown))
	for name := range msg.ScoreBreakdown {
		filters = append(filters, name)
	}
	sort.Strings(filters)
	for _, name := range filters {
		if _, err := l.db.exec(ctx, tx, `
INSERT INTO payments_fraud_breakdown(payments_fraud_id, filter_name, risk_score) VALUES (?, ?, ?)`,
			id, name, msg.ScoreBreakdown[name]); err != nil {
			return 0, mapWriteError(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

// FetchMessageByGatewayOrderID returns the stored record. Its score
// breakdown is rebuilt from the breakdown table.
func (l *FraudLedger) FetchMessageByGatewayOrderID(ctx context.Context, gateway, orderID string) (*message.Fraud, error) {
	var (
		id      int64
		payload string
	)
	err := l.db.queryRow(ctx, `SELECT id, message FROM payments_fraud WHERE gateway = ? AND order_id = ?`, gateway, orderID).Scan(&id, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("payments_fraud %s/%s: %w", gateway, orderID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	msg := &message.Fraud{}
	if err := json.Unmarshal([]byte(payload), msg); err != nil {
		return nil, fmt.Errorf("payments_fraud %s/%s: %w: %v", gateway, orderID, message.ErrDecode, err)
	}

	rows, err := l.db.query(ctx, `SELECT filter_name, risk_score FROM payments_fraud_breakdown WHERE payments_fraud_id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	breakdown := make(map[string]float64)
	for rows.Next() {
		var (
			name  string
			score float64
		)
		if err := rows.Scan(&name, &score); err != nil {
			return nil, err
		}
		breakdown[name] = score
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(breakdown) > 0 {
		msg.ScoreBreakdown = breakdown
	} else {
		msg.ScoreBreakdown = nil
	}
	return msg, nil
}

// DeleteOldMessages removes rows dated before cutoff along with their
// breakdowns.
func (l *FraudLedger) DeleteOldMessages(ctx context.Context, cutoff time.Time, gateway string) (int64, error) {
	where := `date < ?`
	args := []any{cutoff.UTC().Unix()}
	if gateway != "" {
		where += ` AND gateway = ?`
		args = append(args, gateway)
	}

	tx, err := l.db.sql.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	// sqlite only cascades with foreign_keys enabled per connection.
	if _, err := l.db.exec(ctx, tx, `DELETE FROM payments_fraud_breakdown WHERE payments_fraud_id IN (SELECT id FROM payments_fraud WHERE `+where+`)`, args...); err != nil {
		return 0, err
	}
	res, err := l.db.exec(ctx, tx, `DELETE FROM payments_fraud WHERE `+where, args...)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return rowsAffected(res), nil
}

var _ Purger = (*FraudLedger)(nil)
