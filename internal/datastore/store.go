package datastore

import (
	"context"
	"errors"
	"fmt"

	"github.com/nuetzliches/queuestash/internal/message"
)

var (
	// ErrTransactionState reports a consume while a message is outstanding,
	// or an ack/return with nothing outstanding.
	ErrTransactionState = errors.New("transaction state")
	ErrNotSupported     = errors.New("operation not supported by store")
	ErrTransport        = errors.New("broker transport")
	ErrInvalidSelector  = errors.New("invalid selector")
)

// ConsumeRequest scopes a consume. Empty fields do not filter.
type ConsumeRequest struct {
	Type          string
	CorrelationID string
	// Selectors are extra key<op>value clauses ANDed onto the filter.
	Selectors []string
}

type Capabilities struct {
	Consume bool
}

// Store is a queue of messages with a single-slot consume/ack/return
// cycle. A Store is used by one worker at a time; run one instance per
// worker for throughput.
type Store interface {
	Add(ctx context.Context, msg message.Message) error
	// RemoveAll removes every message with the prototype's type and
	// correlation id and returns the count removed.
	RemoveAll(ctx context.Context, prototype message.Message) (int, error)
	RemoveByID(ctx context.Context, correlationID string) (int, error)
	// Consume returns the next matching message, or nil when none is
	// available. The message is outstanding until Ack or ReturnToQueue.
	Consume(ctx context.Context, req ConsumeRequest) (message.Message, error)
	Ack(ctx context.Context) error
	ReturnToQueue(ctx context.Context) error
	Capabilities() Capabilities
	Close() error
}

// UndecodableError is returned by Consume when the received payload cannot
// be rebuilt as its declared type. The message is still outstanding and
// must be acked or returned; Raw carries it for quarantine.
type UndecodableError struct {
	Raw message.Raw
	Err error
}

func (e *UndecodableError) Error() string {
	return fmt.Sprintf("undecodable %q message %s: %v", e.Raw.Tag, e.Raw.Correlation, e.Err)
}

func (e *UndecodableError) Unwrap() error { return e.Err }

func errNothingOutstanding(op string) error {
	return fmt.Errorf("%w: %s with no outstanding message", ErrTransactionState, op)
}

func errOutstanding() error {
	return fmt.Errorf("%w: consume while a message is outstanding", ErrTransactionState)
}
