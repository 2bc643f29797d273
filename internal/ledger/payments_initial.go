package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nuetzliches/queuestash/internal/message"
)

const paymentsInitialLedgerName = "payments_initial"

var paymentsInitialMigrations = []migration{
	{shared: `
CREATE TABLE IF NOT EXISTS payments_initial (
  id                    {{serial}},
  date                  BIGINT NOT NULL,
  gateway               TEXT NOT NULL,
  order_id              TEXT NOT NULL,
  gateway_txn_id        TEXT,
  correlation_id        TEXT NOT NULL,
  validation_action     TEXT,
  payments_final_status TEXT,
  payment_method        TEXT,
  payment_submethod     TEXT,
  amount                TEXT,
  currency_code         TEXT,
  server                TEXT,
  message               TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_payments_initial_gateway_order ON payments_initial(gateway, order_id);
CREATE INDEX IF NOT EXISTS idx_payments_initial_date ON payments_initial(date);
`},
}

// PaymentsInitialLedger records the first known outcome of every payment
// attempt, one row per gateway and order id.
type PaymentsInitialLedger struct {
	db *DB
}

func NewPaymentsInitialLedger(ctx context.Context, db *DB) (*PaymentsInitialLedger, error) {
	if err := db.migrate(ctx, paymentsInitialLedgerName, paymentsInitialMigrations); err != nil {
		return nil, err
	}
	return &PaymentsInitialLedger{db: db}, nil
}

// StoreMessage inserts msg or replaces the row with the same gateway and
// order id.
func (l *PaymentsInitialLedger) StoreMessage(ctx context.Context, msg *message.PaymentInit) (int64, error) {
	if err := message.Validate(msg); err != nil {
		return 0, err
	}
	if msg.Gateway == "" || msg.OrderID == "" {
		return 0, fmt.Errorf("payments_initial: gateway and order_id are required")
	}
	if msg.Date <= 0 {
		msg.Date = l.db.now().Unix()
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return 0, err
	}
	var id int64
	err = l.db.queryRow(ctx, `
INSERT INTO payments_initial(date, gateway, order_id, gateway_txn_id, correlation_id, validation_action,
  payments_final_status, payment_method, payment_submethod, amount, currency_code, server, message)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(gateway, order_id) DO UPDATE SET
  date = excluded.date,
  gateway_txn_id = excluded.gateway_txn_id,
  correlation_id = excluded.correlation_id,
  validation_action = excluded.validation_action,
  payments_final_status = excluded.payments_final_status,
  payment_method = excluded.payment_method,
  payment_submethod = excluded.payment_submethod,
  amount = excluded.amount,
  currency_code = excluded.currency_code,
  server = excluded.server,
  message = excluded.message
RETURNING id`,
		msg.Date, msg.Gateway, msg.OrderID, nullString(msg.GatewayTxnID), msg.Correlation,
		nullString(msg.ValidationAction), nullString(msg.FinalStatus), nullString(msg.PaymentMethod),
		nullString(msg.PaymentSubmethod), nullString(msg.Amount), nullString(msg.Currency),
		nullString(msg.Server), string(payload)).Scan(&id)
	if err != nil {
		return 0, mapWriteError(err)
	}
	return id, nil
}

func (l *PaymentsInitialLedger) FetchMessageByGatewayOrderID(ctx context.Context, gateway, orderID string) (*message.PaymentInit, error) {
	var payload string
	err := l.db.queryRow(ctx, `SELECT message FROM payments_initial WHERE gateway = ? AND order_id = ?`, gateway, orderID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("payments_initial %s/%s: %w", gateway, orderID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	msg := &message.PaymentInit{}
	if err := json.Unmarshal([]byte(payload), msg); err != nil {
		return nil, fmt.Errorf("payments_initial %s/%s: %w: %v", gateway, orderID, message.ErrDecode, err)
	}
	return msg, nil
}

func (l *PaymentsInitialLedger) DeleteOldMessages(ctx context.Context, cutoff time.Time, gateway string) (int64, error) {
	var (
		res sql.Result
		err error
	)
	if gateway == "" {
		res, err = l.db.exec(ctx, nil, `DELETE FROM payments_initial WHERE date < ?`, cutoff.UTC().Unix())
	} else {
		res, err = l.db.exec(ctx, nil, `DELETE FROM payments_initial WHERE date < ? AND gateway = ?`, cutoff.UTC().Unix(), gateway)
	}
	if err != nil {
		return 0, err
	}
	return rowsAffected(res), nil
}

// IsMessageFailed reports whether a payment attempt definitively failed:
// its final status is FAILED or CANCELLED and it was not held for review.
// Such attempts are safe to retry; anything else needs a human.
func IsMessageFailed(row *message.PaymentInit) bool {
	if row == nil {
		return false
	}
	switch strings.ToUpper(row.FinalStatus) {
	case message.FinalStatusFailed, message.FinalStatusCancelled:
	default:
		return false
	}
	return !strings.EqualFold(row.ValidationAction, message.ValidationActionReview)
}

var _ Purger = (*PaymentsInitialLedger)(nil)
