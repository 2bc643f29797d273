package datastore

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nuetzliches/queuestash/internal/message"
)

type MemoryOption func(*MemoryStore)

func WithMemoryRegistry(r *message.Registry) MemoryOption {
	return func(s *MemoryStore) {
		if r != nil {
			s.registry = r
		}
	}
}

func WithMemoryLogger(l *slog.Logger) MemoryOption {
	return func(s *MemoryStore) {
		if l != nil {
			s.logger = l
		}
	}
}

// MemoryStore is an in-process Store. Messages are kept encoded so every
// consume rebuilds a fresh copy, as a broker round trip would.
type MemoryStore struct {
	mu       sync.Mutex
	registry *message.Registry
	logger   *slog.Logger
	items    []memoryItem
	held     *memoryItem
}

type memoryItem struct {
	tag     string
	keys    map[string]string
	payload []byte
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		registry: message.Default,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Add(_ context.Context, msg message.Message) error {
	if err := message.Validate(msg); err != nil {
		return err
	}
	payload, err := s.registry.Encode(msg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, memoryItem{
		tag:     msg.MessageType(),
		keys:    msg.Keys(),
		payload: payload,
	})
	return nil
}

func (s *MemoryStore) RemoveAll(_ context.Context, prototype message.Message) (int, error) {
	if err := message.Validate(prototype); err != nil {
		return 0, err
	}
	return s.remove(filter{typ: prototype.MessageType(), correlation: prototype.CorrelationID()}), nil
}

func (s *MemoryStore) RemoveByID(_ context.Context, correlationID string) (int, error) {
	if correlationID == "" {
		return 0, message.ErrMissingCorrelationID
	}
	return s.remove(filter{correlation: correlationID}), nil
}

func (s *MemoryStore) remove(f filter) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.items[:0]
	removed := 0
	for _, it := range s.items {
		if f.match(it.tag, it.keys) {
			removed++
			continue
		}
		kept = append(kept, it)
	}
	s.items = kept
	return removed
}

func (s *MemoryStore) Consume(_ context.Context, req ConsumeRequest) (message.Message, error) {
	f, err := newFilter(req)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held != nil {
		return nil, errOutstanding()
	}
	for i, it := range s.items {
		if !f.match(it.tag, it.keys) {
			continue
		}
		s.items = append(s.items[:i:i], s.items[i+1:]...)
		held := it
		s.held = &held
		msg, err := s.registry.Decode(it.tag, it.payload)
		if err != nil {
			s.logger.Warn("message_undecodable", slog.String("type", it.tag), slog.Any("err", err))
			return nil, &UndecodableError{
				Raw: message.Raw{
					Tag:         it.tag,
					Correlation: it.keys[message.CorrelationKey],
					Attributes:  it.keys,
					Payload:     it.payload,
				},
				Err: err,
			}
		}
		return msg, nil
	}
	return nil, nil
}

func (s *MemoryStore) Ack(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held == nil {
		return errNothingOutstanding("ack")
	}
	s.held = nil
	return nil
}

// ReturnToQueue appends the outstanding message to the tail.
func (s *MemoryStore) ReturnToQueue(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held == nil {
		return errNothingOutstanding("return")
	}
	s.items = append(s.items, *s.held)
	s.held = nil
	return nil
}

func (s *MemoryStore) Capabilities() Capabilities { return Capabilities{Consume: true} }

// Len reports the number of queued messages, excluding an outstanding one.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func (s *MemoryStore) Close() error { return nil }
