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

const damagedLedgerName = "damaged"

var damagedMigrations = []migration{
	{shared: `
CREATE TABLE IF NOT EXISTS damaged (
  id             {{serial}},
  original_date  BIGINT NOT NULL,
  damaged_date   BIGINT NOT NULL,
  retry_date     BIGINT,
  original_queue TEXT NOT NULL,
  message_type   TEXT NOT NULL,
  correlation_id TEXT NOT NULL,
  gateway        TEXT,
  gateway_txn_id TEXT,
  order_id       TEXT,
  error          TEXT,
  trace          TEXT,
  keys_json      TEXT NOT NULL,
  message        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_damaged_retry_date ON damaged(retry_date);
CREATE INDEX IF NOT EXISTS idx_damaged_damaged_date ON damaged(damaged_date);
CREATE INDEX IF NOT EXISTS idx_damaged_gateway_order ON damaged(gateway, order_id);
`},
}

// DamagedRecord is one quarantined message. A zero RetryDate means the row
// waits for manual review.
type DamagedRecord struct {
	ID            int64
	OriginalDate  time.Time
	DamagedDate   time.Time
	RetryDate     time.Time
	OriginalQueue string
	Error         string
	Trace         string
	// Message is the quarantined record. Payloads whose type is unknown to
	// the ledger's registry come back as *message.Raw.
	Message message.Message
}

// DamagedLedger quarantines messages that failed processing.
type DamagedLedger struct {
	db *DB
}

func NewDamagedLedger(ctx context.Context, db *DB) (*DamagedLedger, error) {
	if err := db.migrate(ctx, damagedLedgerName, damagedMigrations); err != nil {
		return nil, err
	}
	return &DamagedLedger{db: db}, nil
}

// StoreMessage quarantines msg taken from originalQueue. A non-zero retryAt
// makes the row eligible for replay once it has passed.
func (l *DamagedLedger) StoreMessage(ctx context.Context, msg message.Message, originalQueue, errText, trace string, retryAt time.Time) (int64, error) {
	rec := &DamagedRecord{
		OriginalQueue: originalQueue,
		Error:         errText,
		Trace:         trace,
		RetryDate:     retryAt,
		Message:       msg,
	}
	return l.StoreRecord(ctx, rec)
}

// StoreRecord inserts rec, or updates it in place when rec.ID is set. The
// assigned id and dates are written back to rec.
func (l *DamagedLedger) StoreRecord(ctx context.Context, rec *DamagedRecord) (int64, error) {
	if rec == nil {
		return 0, errors.New("damaged: nil record")
	}
	if err := message.Validate(rec.Message); err != nil {
		return 0, err
	}
	if rec.OriginalQueue == "" {
		return 0, errors.New("damaged: original queue is required")
	}
	payload, err := l.db.registry.Encode(rec.Message)
	if err != nil {
		return 0, err
	}
	keys := rec.Message.Keys()
	keysJSON, err := json.Marshal(keys)
	if err != nil {
		return 0, err
	}
	if rec.OriginalDate.IsZero() {
		rec.OriginalDate = time.Unix(l.db.messageDate(rec.Message), 0).UTC()
	}
	if rec.DamagedDate.IsZero() {
		rec.DamagedDate = l.db.now()
	}
	id := message.IdentityOf(rec.Message)

	args := []any{
		rec.OriginalDate.Unix(), rec.DamagedDate.Unix(), unixOrNull(rec.RetryDate),
		rec.OriginalQueue, rec.Message.MessageType(), rec.Message.CorrelationID(),
		nullString(id.Gateway), nullString(id.GatewayTxnID), nullString(id.OrderID),
		nullString(rec.Error), nullString(rec.Trace), string(keysJSON), string(payload),
	}

	if rec.ID > 0 {
		res, err := l.db.exec(ctx, nil, `
UPDATE damaged SET original_date = ?, damaged_date = ?, retry_date = ?, original_queue = ?,
  message_type = ?, correlation_id = ?, gateway = ?, gateway_txn_id = ?, order_id = ?,
  error = ?, trace = ?, keys_json = ?, message = ?
WHERE id = ?`, append(args, rec.ID)...)
		if err != nil {
			return 0, err
		}
		if rowsAffected(res) == 0 {
			return 0, fmt.Errorf("damaged id %d: %w", rec.ID, ErrNotFound)
		}
		return rec.ID, nil
	}

	var newID int64
	if err := l.db.queryRow(ctx, `
INSERT INTO damaged(original_date, damaged_date, retry_date, original_queue, message_type,
  correlation_id, gateway, gateway_txn_id, order_id, error, trace, keys_json, message)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
RETURNING id`, args...).Scan(&newID); err != nil {
		return 0, err
	}
	rec.ID = newID
	return newID, nil
}

const damagedColumns = `id, original_date, damaged_date, retry_date, original_queue, message_type,
  correlation_id, error, trace, keys_json, message`

func (l *DamagedLedger) FetchMessageByID(ctx context.Context, id int64) (*DamagedRecord, error) {
	out, err := l.fetch(ctx, `SELECT `+damagedColumns+` FROM damaged WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("damaged id %d: %w", id, ErrNotFound)
	}
	return out[0], nil
}

func (l *DamagedLedger) FetchMessageByGatewayOrderID(ctx context.Context, gateway, orderID string) (*DamagedRecord, error) {
	out, err := l.fetch(ctx, `SELECT `+damagedColumns+` FROM damaged
WHERE gateway = ? AND order_id = ? ORDER BY damaged_date DESC, id DESC LIMIT 1`, gateway, orderID)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("damaged %s/%s: %w", gateway, orderID, ErrNotFound)
	}
	return out[0], nil
}

// FetchRetryMessages returns up to limit rows whose retry date has passed,
// ordered by ascending retry date.
func (l *DamagedLedger) FetchRetryMessages(ctx context.Context, limit int) ([]*DamagedRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	return l.fetch(ctx, `SELECT `+damagedColumns+` FROM damaged
WHERE retry_date IS NOT NULL AND retry_date <= ?
ORDER BY retry_date ASC, id ASC LIMIT ?`, l.db.now().Unix(), limit)
}

// ListMessages returns up to limit rows, most recently damaged first.
func (l *DamagedLedger) ListMessages(ctx context.Context, limit int) ([]*DamagedRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	return l.fetch(ctx, `SELECT `+damagedColumns+` FROM damaged
ORDER BY damaged_date DESC, id DESC LIMIT ?`, limit)
}

// DeleteMessage removes one row. Deleting a missing row is not an error.
func (l *DamagedLedger) DeleteMessage(ctx context.Context, id int64) error {
	_, err := l.db.exec(ctx, nil, `DELETE FROM damaged WHERE id = ?`, id)
	return err
}

// DeleteOldMessages removes rows damaged before cutoff.
func (l *DamagedLedger) DeleteOldMessages(ctx context.Context, cutoff time.Time, gateway string) (int64, error) {
	var (
		res sql.Result
		err error
	)
	if gateway == "" {
		res, err = l.db.exec(ctx, nil, `DELETE FROM damaged WHERE damaged_date < ?`, cutoff.UTC().Unix())
	} else {
		res, err = l.db.exec(ctx, nil, `DELETE FROM damaged WHERE damaged_date < ? AND gateway = ?`, cutoff.UTC().Unix(), gateway)
	}
	if err != nil {
		return 0, err
	}
	return rowsAffected(res), nil
}

func (l *DamagedLedger) fetch(ctx context.Context, q string, args ...any) ([]*DamagedRecord, error) {
	rows, err := l.db.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*DamagedRecord
	for rows.Next() {
		var (
			rec                   DamagedRecord
			originalDate, damaged int64
			retry                 sql.NullInt64
			tag, correlation      string
			errText, trace        sql.NullString
			keysJSON, payload     string
		)
		if err := rows.Scan(&rec.ID, &originalDate, &damaged, &retry, &rec.OriginalQueue, &tag,
			&correlation, &errText, &trace, &keysJSON, &payload); err != nil {
			return nil, err
		}
		rec.OriginalDate = time.Unix(originalDate, 0).UTC()
		rec.DamagedDate = time.Unix(damaged, 0).UTC()
		rec.RetryDate = fromUnix(retry)
		rec.Error = errText.String
		rec.Trace = trace.String
		rec.Message = l.decode(tag, correlation, keysJSON, payload)
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// decode rebuilds the stored message, keeping the raw payload when its type
// cannot be rebuilt so it can still be inspected and replayed.
func (l *DamagedLedger) decode(tag, correlation, keysJSON, payload string) message.Message {
	msg, err := l.db.registry.Decode(tag, []byte(payload))
	if err == nil {
		return msg
	}
	var keys map[string]string
	_ = json.Unmarshal([]byte(keysJSON), &keys)
	return &message.Raw{
		Tag:         tag,
		Correlation: correlation,
		Attributes:  keys,
		Payload:     []byte(payload),
	}
}

var _ Purger = (*DamagedLedger)(nil)
