package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/nuetzliches/queuestash/internal/datastore"
	"github.com/nuetzliches/queuestash/internal/message"
)

// Damage describes one message that failed processing.
type Damage struct {
	Message message.Message
	Queue   string
	Error   string
	Trace   string
	// RetryAt is zero when the message needs manual review.
	RetryAt time.Time
}

// Sink receives messages the consumer could not process.
type Sink interface {
	Quarantine(ctx context.Context, d Damage) error
}

// DamagedStorer is the part of the damaged ledger a LedgerSink writes to.
type DamagedStorer interface {
	StoreMessage(ctx context.Context, msg message.Message, originalQueue, errText, trace string, retryAt time.Time) (int64, error)
}

// LedgerSink quarantines into the damaged ledger, where rows can be
// inspected and replayed.
type LedgerSink struct {
	Ledger DamagedStorer
}

func (s LedgerSink) Quarantine(ctx context.Context, d Damage) error {
	if s.Ledger == nil {
		return errors.New("ledger sink: nil ledger")
	}
	_, err := s.Ledger.StoreMessage(ctx, d.Message, d.Queue, d.Error, d.Trace, d.RetryAt)
	return err
}

// QueueSink parks failures on a plain data store, wrapped in a
// message.Damaged envelope.
type QueueSink struct {
	Store    datastore.Store
	Registry *message.Registry
	NowFunc  func() time.Time
}

func (s QueueSink) Quarantine(ctx context.Context, d Damage) error {
	if s.Store == nil {
		return errors.New("queue sink: nil store")
	}
	reg := s.Registry
	if reg == nil {
		reg = message.Default
	}
	now := time.Now
	if s.NowFunc != nil {
		now = s.NowFunc
	}
	payload, err := reg.Encode(d.Message)
	if err != nil {
		return err
	}
	// Payloads that are not JSON travel as a JSON string.
	if !json.Valid(payload) {
		if payload, err = json.Marshal(string(payload)); err != nil {
			return err
		}
	}
	env := &message.Damaged{
		Correlation:   d.Message.CorrelationID(),
		OriginalQueue: d.Queue,
		OriginalType:  d.Message.MessageType(),
		OriginalKeys:  d.Message.Keys(),
		Original:      payload,
		Error:         d.Error,
		Trace:         d.Trace,
		DamagedDate:   now().UTC().Unix(),
	}
	if !d.RetryAt.IsZero() {
		env.RetryDate = d.RetryAt.UTC().Unix()
	}
	return s.Store.Add(ctx, env)
}
