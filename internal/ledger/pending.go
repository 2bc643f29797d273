package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nuetzliches/queuestash/internal/message"
)

const pendingLedgerName = "pending"

var pendingMigrations = []migration{
	{shared: `
CREATE TABLE IF NOT EXISTS pending (
  id              {{serial}},
  date            BIGINT NOT NULL,
  gateway         TEXT NOT NULL,
  gateway_account TEXT,
  gateway_txn_id  TEXT,
  order_id        TEXT NOT NULL,
  payment_method  TEXT,
  correlation_id  TEXT NOT NULL,
  message         TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_pending_gateway_order ON pending(gateway, order_id);
CREATE INDEX IF NOT EXISTS idx_pending_gateway_date ON pending(gateway, date);
CREATE INDEX IF NOT EXISTS idx_pending_date ON pending(date);
`},
}

// PendingLedger holds transactions awaiting a gateway outcome, keyed by
// gateway and order id.
type PendingLedger struct {
	db *DB
}

func NewPendingLedger(ctx context.Context, db *DB) (*PendingLedger, error) {
	if err := db.migrate(ctx, pendingLedgerName, pendingMigrations); err != nil {
		return nil, err
	}
	return &PendingLedger{db: db}, nil
}

// StoreMessage inserts msg, or updates its row in place when msg carries a
// pending id. The assigned id is written back to msg.
func (l *PendingLedger) StoreMessage(ctx context.Context, msg *message.Pending) (int64, error) {
	if err := message.Validate(msg); err != nil {
		return 0, err
	}
	if msg.Gateway == "" || msg.OrderID == "" {
		return 0, fmt.Errorf("pending: gateway and order_id are required")
	}
	if msg.Date <= 0 {
		msg.Date = l.db.now().Unix()
	}

	// The stored payload never carries its own row id.
	copied := *msg
	copied.PendingID = 0
	payload, err := json.Marshal(&copied)
	if err != nil {
		return 0, err
	}

	if id := msg.LedgerID(); id > 0 {
		res, err := l.db.exec(ctx, nil, `
UPDATE pending SET date = ?, gateway = ?, gateway_account = ?, gateway_txn_id = ?,
  order_id = ?, payment_method = ?, correlation_id = ?, message = ?
WHERE id = ?`,
			msg.Date, msg.Gateway, nullString(msg.GatewayAccount), nullString(msg.GatewayTxnID),
			msg.OrderID, nullString(msg.PaymentMethod), msg.Correlation, string(payload), id)
		if err != nil {
			return 0, mapWriteError(err)
		}
		if rowsAffected(res) == 0 {
			return 0, fmt.Errorf("pending id %d: %w", id, ErrNotFound)
		}
		return id, nil
	}

	var id int64
	err = l.db.queryRow(ctx, `
INSERT INTO pending(date, gateway, gateway_account, gateway_txn_id, order_id, payment_method, correlation_id, message)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
RETURNING id`,
		msg.Date, msg.Gateway, nullString(msg.GatewayAccount), nullString(msg.GatewayTxnID),
		msg.OrderID, nullString(msg.PaymentMethod), msg.Correlation, string(payload)).Scan(&id)
	if err != nil {
		return 0, mapWriteError(err)
	}
	msg.SetLedgerID(id)
	return id, nil
}

func (l *PendingLedger) FetchMessageByGatewayOrderID(ctx context.Context, gateway, orderID string) (*message.Pending, error) {
	rows, err := l.db.query(ctx, `SELECT id, message FROM pending WHERE gateway = ? AND order_id = ? LIMIT 1`, gateway, orderID)
	if err != nil {
		return nil, err
	}
	out, err := scanPending(rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("pending %s/%s: %w", gateway, orderID, ErrNotFound)
	}
	return out[0], nil
}

// FetchOldestByGateway returns up to limit rows for gateway, oldest first.
func (l *PendingLedger) FetchOldestByGateway(ctx context.Context, gateway string, limit int) ([]*message.Pending, error) {
	return l.fetchByGateway(ctx, gateway, limit, "ASC")
}

// FetchNewestByGateway returns up to limit rows for gateway, newest first.
func (l *PendingLedger) FetchNewestByGateway(ctx context.Context, gateway string, limit int) ([]*message.Pending, error) {
	return l.fetchByGateway(ctx, gateway, limit, "DESC")
}

func (l *PendingLedger) fetchByGateway(ctx context.Context, gateway string, limit int, dir string) ([]*message.Pending, error) {
	if limit <= 0 {
		limit = 1
	}
	q := fmt.Sprintf(`SELECT id, message FROM pending WHERE gateway = ? ORDER BY date %s, id %s LIMIT ?`, dir, dir)
	rows, err := l.db.query(ctx, q, gateway, limit)
	if err != nil {
		return nil, err
	}
	return scanPending(rows)
}

// DeleteMessage removes msg's row, by pending id when set and by gateway
// and order id otherwise. Deleting a missing row is not an error.
func (l *PendingLedger) DeleteMessage(ctx context.Context, msg *message.Pending) error {
	if msg == nil {
		return errors.New("pending: nil message")
	}
	if id := msg.LedgerID(); id > 0 {
		_, err := l.db.exec(ctx, nil, `DELETE FROM pending WHERE id = ?`, id)
		return err
	}
	_, err := l.db.exec(ctx, nil, `DELETE FROM pending WHERE gateway = ? AND order_id = ?`, msg.Gateway, msg.OrderID)
	return err
}

// DeleteOldMessages removes rows dated before cutoff, for one gateway or
// all gateways when gateway is empty.
func (l *PendingLedger) DeleteOldMessages(ctx context.Context, cutoff time.Time, gateway string) (int64, error) {
	var (
		res sql.Result
		err error
	)
	if gateway == "" {
		res, err = l.db.exec(ctx, nil, `DELETE FROM pending WHERE date < ?`, cutoff.UTC().Unix())
	} else {
		res, err = l.db.exec(ctx, nil, `DELETE FROM pending WHERE date < ? AND gateway = ?`, cutoff.UTC().Unix(), gateway)
	}
	if err != nil {
		return 0, err
	}
	return rowsAffected(res), nil
}

func scanPending(rows *sql.Rows) ([]*message.Pending, error) {
	defer rows.Close()
	var out []*message.Pending
	for rows.Next() {
		var (
			id      int64
			payload string
		)
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, err
		}
		msg := &message.Pending{}
		if err := json.Unmarshal([]byte(payload), msg); err != nil {
			return nil, fmt.Errorf("pending id %d: %w: %v", id, message.ErrDecode, err)
		}
		msg.SetLedgerID(id)
		out = append(out, msg)
	}
	return out, rows.Err()
}

var _ Purger = (*PendingLedger)(nil)
