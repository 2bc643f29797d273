package datastore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nuetzliches/queuestash/internal/message"
)

const defaultReadTimeout = 5 * time.Second

// StompConfig configures a broker-backed store.
type StompConfig struct {
	URI         string
	Queue       string
	VirtualHost string
	ReadTimeout time.Duration
	// ReconnectOnSelectorChange forces a full reconnect when the selector
	// changes. Some clients keep stale frames buffered across
	// unsubscribe/subscribe on one connection.
	ReconnectOnSelectorChange bool
	// NumericSelectorCompat rewrites numeric comparisons for brokers that
	// compare string headers lexically.
	NumericSelectorCompat bool
}

type StompOption func(*StompStore)

func WithStompLogger(l *slog.Logger) StompOption {
	return func(s *StompStore) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithStompRegistry(r *message.Registry) StompOption {
	return func(s *StompStore) {
		if r != nil {
			s.registry = r
		}
	}
}

func withStompDialer(d dialFunc) StompOption {
	return func(s *StompStore) {
		if d != nil {
			s.dial = d
		}
	}
}

// StompStore is a Store on a STOMP destination. It holds at most one
// consumed-but-unacknowledged frame and caches its subscription until the
// selector changes. Exclusion between workers comes from the broker's
// client-ack delivery; a StompStore is not safe for concurrent use.
type StompStore struct {
	cfg      StompConfig
	registry *message.Registry
	logger   *slog.Logger
	dial     dialFunc

	client   brokerClient
	sub      brokerSubscription
	selector string
	held     *Frame
}

var _ Store = (*StompStore)(nil)

// NewStompStore validates cfg. The connection is opened on first use.
func NewStompStore(cfg StompConfig, opts ...StompOption) (*StompStore, error) {
	cfg.URI = strings.TrimSpace(cfg.URI)
	cfg.Queue = strings.TrimSpace(cfg.Queue)
	if cfg.URI == "" {
		return nil, errors.New("stomp: empty broker uri")
	}
	if cfg.Queue == "" {
		return nil, errors.New("stomp: empty queue")
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	s := &StompStore{
		cfg:      cfg,
		registry: message.Default,
		logger:   slog.Default(),
		dial:     dialStomp,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("queue", cfg.Queue))
	return s, nil
}

func (s *StompStore) Capabilities() Capabilities { return Capabilities{Consume: true} }

func (s *StompStore) connect() error {
	if s.client != nil {
		return nil
	}
	c, err := s.dial(s.cfg)
	if err != nil {
		if errors.Is(err, ErrTransport) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	s.client = c
	s.logger.Debug("stomp_connected", slog.String("session", c.Session()))
	return nil
}

// disconnect drops the connection. An outstanding frame is not acked and
// will be redelivered by the broker.
func (s *StompStore) disconnect() {
	if s.sub != nil {
		if err := s.sub.Unsubscribe(); err != nil {
			s.logger.Debug("stomp_unsubscribe_failed", slog.Any("err", err))
		}
	}
	if s.client != nil {
		if err := s.client.Close(); err != nil {
			s.logger.Debug("stomp_disconnect_failed", slog.Any("err", err))
		}
	}
	s.client = nil
	s.sub = nil
	s.selector = ""
	s.held = nil
}

func (s *StompStore) Add(_ context.Context, msg message.Message) error {
	if err := message.Validate(msg); err != nil {
		return err
	}
	body, err := s.registry.Encode(msg)
	if err != nil {
		return err
	}
	if err := s.connect(); err != nil {
		return err
	}
	if err := s.client.Send(s.cfg.Queue, body, messageHeaders(msg)); err != nil {
		s.disconnect()
		return fmt.Errorf("%w: send: %v", ErrTransport, err)
	}
	return nil
}

func messageHeaders(msg message.Message) []Header {
	keys := msg.Keys()
	headers := []Header{
		{Key: HeaderPersistent, Value: "true"},
		{Key: HeaderType, Value: msg.MessageType()},
	}
	for _, k := range message.SortedKeys(msg) {
		if k == message.CorrelationKey {
			headers = append(headers, Header{Key: HeaderCorrelation, Value: keys[k]})
			continue
		}
		headers = append(headers, Header{Key: k, Value: keys[k]})
	}
	return headers
}

func (s *StompStore) Consume(ctx context.Context, req ConsumeRequest) (message.Message, error) {
	if s.held != nil {
		return nil, errOutstanding()
	}
	f, err := newFilter(req)
	if err != nil {
		return nil, err
	}
	if err := s.subscribe(f.selector(s.cfg.NumericSelectorCompat)); err != nil {
		s.logger.Error("stomp_subscribe_failed", slog.Any("err", err))
		s.disconnect()
		return nil, nil
	}

	fr, err := s.sub.Receive(ctx, s.cfg.ReadTimeout)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		s.logger.Error("stomp_receive_failed", slog.Any("err", err))
		s.disconnect()
		return nil, nil
	}
	if fr == nil {
		return nil, nil
	}

	if s.producedHere(fr) {
		// Everything older has been seen. Dropping the subscription without
		// acking hands the frame back to the broker.
		s.logger.Debug("stomp_tail_reached", slog.String("message_id", fr.MessageID))
		s.unsubscribe()
		return nil, nil
	}

	s.held = fr
	return s.decode(fr)
}

func (s *StompStore) producedHere(f *Frame) bool {
	session := s.client.Session()
	return session != "" && strings.HasPrefix(f.MessageID, session)
}

func (s *StompStore) decode(f *Frame) (message.Message, error) {
	tag, _ := f.Header(HeaderType)
	msg, err := s.registry.Decode(tag, f.Body)
	if err == nil {
		return msg, nil
	}
	s.logger.Warn("message_undecodable",
		slog.String("type", tag),
		slog.String("message_id", f.MessageID),
		slog.Any("err", err),
	)
	corr, _ := f.Header(HeaderCorrelation)
	attrs := make(map[string]string)
	for _, h := range f.Headers {
		if _, ok := brokerAssignedHeaders[h.Key]; ok {
			continue
		}
		switch h.Key {
		case HeaderCorrelation, HeaderType, HeaderPersistent:
			continue
		}
		attrs[h.Key] = h.Value
	}
	return nil, &UndecodableError{
		Raw: message.Raw{Tag: tag, Correlation: corr, Attributes: attrs, Payload: f.Body},
		Err: err,
	}
}

func (s *StompStore) subscribe(selector string) error {
	if s.sub != nil && s.selector == selector {
		return nil
	}
	if s.sub != nil {
		s.unsubscribe()
		if s.cfg.ReconnectOnSelectorChange {
			s.disconnect()
		}
	}
	if err := s.connect(); err != nil {
		return err
	}
	sub, err := s.client.Subscribe(s.cfg.Queue, selector)
	if err != nil {
		return fmt.Errorf("%w: subscribe: %v", ErrTransport, err)
	}
	s.sub = sub
	s.selector = selector
	s.logger.Debug("stomp_subscribed", slog.String("selector", selector))
	return nil
}

func (s *StompStore) unsubscribe() {
	if s.sub == nil {
		return
	}
	if err := s.sub.Unsubscribe(); err != nil {
		s.logger.Debug("stomp_unsubscribe_failed", slog.Any("err", err))
	}
	s.sub = nil
	s.selector = ""
}

func (s *StompStore) Ack(context.Context) error {
	if s.held == nil {
		return errNothingOutstanding("ack")
	}
	if err := s.held.Ack(); err != nil {
		s.disconnect()
		return fmt.Errorf("%w: ack: %v", ErrTransport, err)
	}
	s.held = nil
	return nil
}

// ReturnToQueue releases the outstanding frame to the tail of the queue
// with its body and application headers intact. The copy is published
// before the original is acked, so a failure can duplicate but not lose it.
func (s *StompStore) ReturnToQueue(context.Context) error {
	if s.held == nil {
		return errNothingOutstanding("return")
	}
	f := s.held
	headers := make([]Header, 0, len(f.Headers))
	for _, h := range f.Headers {
		if _, ok := brokerAssignedHeaders[h.Key]; ok {
			continue
		}
		headers = append(headers, h)
	}
	if err := s.client.Send(s.cfg.Queue, f.Body, headers); err != nil {
		s.disconnect()
		return fmt.Errorf("%w: republish: %v", ErrTransport, err)
	}
	if err := f.Ack(); err != nil {
		s.disconnect()
		return fmt.Errorf("%w: ack after republish: %v", ErrTransport, err)
	}
	s.held = nil
	return nil
}

func (s *StompStore) RemoveAll(ctx context.Context, prototype message.Message) (int, error) {
	if err := message.Validate(prototype); err != nil {
		return 0, err
	}
	f := filter{typ: prototype.MessageType(), correlation: prototype.CorrelationID()}
	return s.drain(ctx, f.selector(s.cfg.NumericSelectorCompat))
}

func (s *StompStore) RemoveByID(ctx context.Context, correlationID string) (int, error) {
	if correlationID == "" {
		return 0, message.ErrMissingCorrelationID
	}
	f := filter{correlation: correlationID}
	return s.drain(ctx, f.selector(s.cfg.NumericSelectorCompat))
}

// drain consumes and acks everything matching selector on a private
// subscription, leaving any outstanding frame untouched.
func (s *StompStore) drain(ctx context.Context, selector string) (int, error) {
	if s.held == nil {
		// Release frames the cached subscription may have prefetched.
		s.unsubscribe()
	}
	if err := s.connect(); err != nil {
		return 0, err
	}
	sub, err := s.client.Subscribe(s.cfg.Queue, selector)
	if err != nil {
		return 0, fmt.Errorf("%w: subscribe: %v", ErrTransport, err)
	}
	defer func() {
		if err := sub.Unsubscribe(); err != nil {
			s.logger.Debug("stomp_unsubscribe_failed", slog.Any("err", err))
		}
	}()

	removed := 0
	for {
		f, err := sub.Receive(ctx, s.cfg.ReadTimeout)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return removed, ctxErr
			}
			return removed, fmt.Errorf("%w: receive: %v", ErrTransport, err)
		}
		if f == nil {
			return removed, nil
		}
		if err := f.Ack(); err != nil {
			return removed, fmt.Errorf("%w: ack: %v", ErrTransport, err)
		}
		removed++
	}
}

func (s *StompStore) Close() error {
	s.disconnect()
	return nil
}
