package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nuetzliches/queuestash/internal/datastore"
	"github.com/nuetzliches/queuestash/internal/message"
)

const tracerName = "github.com/nuetzliches/queuestash/internal/consumer"

// Handler processes one consumed message. A returned error quarantines the
// message.
type Handler interface {
	Handle(ctx context.Context, msg message.Message) error
}

type HandlerFunc func(ctx context.Context, msg message.Message) error

func (f HandlerFunc) Handle(ctx context.Context, msg message.Message) error { return f(ctx, msg) }

type retryError struct {
	err   error
	after time.Duration
}

func (e *retryError) Error() string { return e.err.Error() }

func (e *retryError) Unwrap() error { return e.err }

// RetryLater wraps err so the quarantined message becomes eligible for
// replay after the given delay.
func RetryLater(err error, after time.Duration) error {
	if err == nil {
		err = errors.New("retry requested")
	}
	return &retryError{err: err, after: after}
}

// RetryAfter reports the delay requested through RetryLater anywhere in
// err's chain.
func RetryAfter(err error) (time.Duration, bool) {
	var re *retryError
	if errors.As(err, &re) {
		return re.after, true
	}
	return 0, false
}

type Option func(*Consumer)

// WithTimeLimit stops the loop once d has elapsed. Zero means unbounded.
func WithTimeLimit(d time.Duration) Option {
	return func(c *Consumer) {
		if d > 0 {
			c.timeLimit = d
		}
	}
}

// WithMessageLimit stops the loop after n messages. Zero means unbounded.
func WithMessageLimit(n int) Option {
	return func(c *Consumer) {
		if n > 0 {
			c.messageLimit = n
		}
	}
}

func WithSink(s Sink) Option {
	return func(c *Consumer) { c.sink = s }
}

// WithRequest narrows what the loop consumes.
func WithRequest(req datastore.ConsumeRequest) Option {
	return func(c *Consumer) { c.request = req }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Consumer) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithNowFunc(nowFn func() time.Time) Option {
	return func(c *Consumer) {
		if nowFn != nil {
			c.nowFn = nowFn
		}
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Consumer) {
		if tp != nil {
			c.tracer = tp.Tracer(tracerName)
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(c *Consumer) { c.metrics = m }
}

// Consumer drains one queue through a Handler, quarantining failures.
type Consumer struct {
	queue        string
	store        datastore.Store
	handler      Handler
	sink         Sink
	request      datastore.ConsumeRequest
	timeLimit    time.Duration
	messageLimit int

	logger  *slog.Logger
	nowFn   func() time.Time
	tracer  trace.Tracer
	metrics *Metrics
}

func New(queue string, store datastore.Store, handler Handler, opts ...Option) (*Consumer, error) {
	queue = strings.TrimSpace(queue)
	if queue == "" {
		return nil, errors.New("consumer: empty queue name")
	}
	if store == nil {
		return nil, errors.New("consumer: nil store")
	}
	if handler == nil {
		return nil, errors.New("consumer: nil handler")
	}
	if !store.Capabilities().Consume {
		return nil, fmt.Errorf("consumer: queue %q: %w", queue, datastore.ErrNotSupported)
	}
	c := &Consumer{
		queue:   queue,
		store:   store,
		handler: handler,
		logger:  slog.Default(),
		nowFn:   time.Now,
		tracer:  otel.GetTracerProvider().Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.sink == nil {
		return nil, errors.New("consumer: a quarantine sink is required")
	}
	return c, nil
}

// Run consumes until the queue is empty, a budget is exhausted or ctx is
// done. Budgets and ctx are checked between messages only.
func (c *Consumer) Run(ctx context.Context) (int, error) {
	start := c.nowFn()
	processed := 0
	for {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		if c.messageLimit > 0 && processed >= c.messageLimit {
			c.logger.Debug("consumer_message_limit", slog.String("queue", c.queue), slog.Int("processed", processed))
			return processed, nil
		}
		if c.timeLimit > 0 && c.nowFn().Sub(start) >= c.timeLimit {
			c.logger.Debug("consumer_time_limit", slog.String("queue", c.queue), slog.Int("processed", processed))
			return processed, nil
		}

		ok, err := c.step(ctx)
		if err != nil {
			return processed, err
		}
		if !ok {
			return processed, nil
		}
		processed++
	}
}

func (c *Consumer) step(ctx context.Context) (bool, error) {
	ctx, span := c.tracer.Start(ctx, "consumer.iteration", trace.WithAttributes(
		attribute.String("queue", c.queue),
	))
	defer span.End()

	msg, err := c.store.Consume(ctx, c.request)
	if err != nil {
		var undecodable *datastore.UndecodableError
		if errors.As(err, &undecodable) {
			c.metrics.undecodable(c.queue)
			c.logger.Warn("message_undecodable",
				slog.String("queue", c.queue),
				slog.String("type", undecodable.Raw.Tag),
				slog.String("correlation_id", undecodable.Raw.Correlation),
				slog.Any("err", undecodable.Err),
			)
			// Quarantined verbatim so the payload is kept for inspection.
			return true, c.quarantine(ctx, span, &undecodable.Raw, undecodable.Err, "")
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "consume failed")
		c.logger.Error("consume_failed", slog.String("queue", c.queue), slog.Any("err", err))
		return false, fmt.Errorf("consume %s: %w", c.queue, err)
	}
	if msg == nil {
		span.SetAttributes(attribute.Bool("empty", true))
		return false, nil
	}
	c.metrics.consumed(c.queue)
	span.SetAttributes(
		attribute.String("message.type", msg.MessageType()),
		attribute.String("message.correlation_id", msg.CorrelationID()),
	)

	stack, herr := c.invoke(ctx, msg)
	if herr == nil {
		if err := c.store.Ack(ctx); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "ack failed")
			return false, fmt.Errorf("ack %s: %w", c.queue, err)
		}
		c.metrics.acked(c.queue)
		return true, nil
	}

	c.logger.Error("handler_failed",
		slog.String("queue", c.queue),
		slog.String("type", msg.MessageType()),
		slog.String("correlation_id", msg.CorrelationID()),
		slog.Any("keys", msg.Keys()),
		slog.Any("err", herr),
	)
	return true, c.quarantine(ctx, span, msg, herr, stack)
}

// invoke runs the handler, converting a panic into an error with its stack.
func (c *Consumer) invoke(ctx context.Context, msg message.Message) (stack string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			stack = string(debug.Stack())
		}
	}()
	return "", c.handler.Handle(ctx, msg)
}

// quarantine parks msg with the sink and acks it. When the sink fails the
// message is returned to the queue instead and the error is reported.
func (c *Consumer) quarantine(ctx context.Context, span trace.Span, msg message.Message, cause error, stack string) error {
	span.RecordError(cause)
	span.SetStatus(codes.Error, "quarantined")

	if stack == "" {
		stack = errorChain(cause)
	}
	d := Damage{
		Message: msg,
		Queue:   c.queue,
		Error:   cause.Error(),
		Trace:   stack,
	}
	if after, ok := RetryAfter(cause); ok {
		d.RetryAt = c.nowFn().Add(after).UTC()
	}

	if err := c.sink.Quarantine(ctx, d); err != nil {
		c.logger.Error("quarantine_failed",
			slog.String("queue", c.queue),
			slog.String("correlation_id", msg.CorrelationID()),
			slog.Any("err", err),
		)
		if rerr := c.store.ReturnToQueue(ctx); rerr != nil {
			err = errors.Join(err, fmt.Errorf("return to queue: %w", rerr))
		} else {
			c.metrics.returned(c.queue)
		}
		return fmt.Errorf("quarantine %s/%s: %w", c.queue, msg.CorrelationID(), err)
	}
	if err := c.store.Ack(ctx); err != nil {
		return fmt.Errorf("ack quarantined %s/%s: %w", c.queue, msg.CorrelationID(), err)
	}
	c.metrics.quarantined(c.queue)
	attrs := []any{
		slog.String("queue", c.queue),
		slog.String("type", msg.MessageType()),
		slog.String("correlation_id", msg.CorrelationID()),
	}
	if !d.RetryAt.IsZero() {
		attrs = append(attrs, slog.Time("retry_at", d.RetryAt))
	}
	c.logger.Warn("message_quarantined", attrs...)
	return nil
}

// errorChain renders err and every error it wraps, one per line.
func errorChain(err error) string {
	var b strings.Builder
	for e := err; e != nil; e = errors.Unwrap(e) {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%T: %s", e, e.Error())
	}
	return b.String()
}
