package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nuetzliches/queuestash/internal/datastore"
	"github.com/nuetzliches/queuestash/internal/ledger"
)

// RetryLedger is the part of the damaged ledger replay reads and prunes.
type RetryLedger interface {
	FetchRetryMessages(ctx context.Context, limit int) ([]*ledger.DamagedRecord, error)
	DeleteMessage(ctx context.Context, id int64) error
}

// StoreResolver returns the data store configured for a queue name.
type StoreResolver func(queue string) (datastore.Store, error)

var ErrUnknownQueue = errors.New("unknown queue")

type ReplayOption func(*Replayer)

func WithReplayLogger(l *slog.Logger) ReplayOption {
	return func(r *Replayer) {
		if l != nil {
			r.logger = l
		}
	}
}

func WithReplayTracerProvider(tp trace.TracerProvider) ReplayOption {
	return func(r *Replayer) {
		if tp != nil {
			r.tracer = tp.Tracer(tracerName)
		}
	}
}

func WithReplayMetrics(m *Metrics) ReplayOption {
	return func(r *Replayer) { r.metrics = m }
}

func WithReplayNowFunc(nowFn func() time.Time) ReplayOption {
	return func(r *Replayer) {
		if nowFn != nil {
			r.nowFn = nowFn
		}
	}
}

// Replayer moves quarantined rows whose retry date has passed back onto
// their original queue.
type Replayer struct {
	ledger  RetryLedger
	resolve StoreResolver

	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *Metrics
	nowFn    func() time.Time
	nextTick func(expr string, after time.Time) (time.Time, error)
	running  chan struct{}
}

func NewReplayer(l RetryLedger, resolve StoreResolver, opts ...ReplayOption) (*Replayer, error) {
	if l == nil {
		return nil, errors.New("replay: nil ledger")
	}
	if resolve == nil {
		return nil, errors.New("replay: nil store resolver")
	}
	r := &Replayer{
		ledger:  l,
		resolve: resolve,
		logger:  slog.Default(),
		tracer:  otel.GetTracerProvider().Tracer(tracerName),
		nowFn:   time.Now,
		nextTick: func(expr string, after time.Time) (time.Time, error) {
			return gronx.NextTickAfter(expr, after, false)
		},
		running: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// ReplayResult summarizes one replay pass.
type ReplayResult struct {
	Replayed int
	Failed   int
	Skipped  int
}

// RunOnce replays up to limit eligible rows. Each row is deleted only after
// its message was added to the original queue; rows that fail stay put.
// Overlapping passes are skipped.
func (r *Replayer) RunOnce(ctx context.Context, limit int) (ReplayResult, error) {
	var res ReplayResult
	select {
	case r.running <- struct{}{}:
		defer func() { <-r.running }()
	default:
		r.logger.Warn("replay_already_running")
		return res, nil
	}

	ctx, span := r.tracer.Start(ctx, "replay.run", trace.WithAttributes(attribute.Int("limit", limit)))
	defer span.End()

	rows, err := r.ledger.FetchRetryMessages(ctx, limit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		return res, fmt.Errorf("fetch retry messages: %w", err)
	}
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		store, err := r.resolve(row.OriginalQueue)
		if err != nil {
			res.Skipped++
			r.logger.Warn("replay_skipped",
				slog.Int64("damaged_id", row.ID),
				slog.String("queue", row.OriginalQueue),
				slog.Any("err", err),
			)
			continue
		}
		if err := store.Add(ctx, row.Message); err != nil {
			res.Failed++
			r.metrics.replayFailed(row.OriginalQueue)
			span.RecordError(err)
			r.logger.Error("replay_failed",
				slog.Int64("damaged_id", row.ID),
				slog.String("queue", row.OriginalQueue),
				slog.Any("err", err),
			)
			continue
		}
		if err := r.ledger.DeleteMessage(ctx, row.ID); err != nil {
			// The message is now on its queue and still quarantined.
			span.SetStatus(codes.Error, "delete failed")
			return res, fmt.Errorf("delete replayed damaged row %d: %w", row.ID, err)
		}
		res.Replayed++
		r.metrics.replayed(row.OriginalQueue)
		r.logger.Info("message_replayed",
			slog.Int64("damaged_id", row.ID),
			slog.String("queue", row.OriginalQueue),
			slog.String("correlation_id", row.Message.CorrelationID()),
		)
	}
	span.SetAttributes(
		attribute.Int("replayed", res.Replayed),
		attribute.Int("failed", res.Failed),
		attribute.Int("skipped", res.Skipped),
	)
	return res, nil
}

// ValidateSchedule reports whether expr is a cron expression Schedule
// accepts.
func ValidateSchedule(expr string) error {
	if !gronx.IsValid(expr) {
		return fmt.Errorf("invalid replay schedule %q", expr)
	}
	return nil
}

// Schedule runs RunOnce at every tick of the cron expression until ctx is
// done.
func (r *Replayer) Schedule(ctx context.Context, expr string, limit int) error {
	if err := ValidateSchedule(expr); err != nil {
		return err
	}
	r.logger.Info("replay_scheduler_started", slog.String("schedule", expr), slog.Int("limit", limit))
	for {
		next, err := r.nextTick(expr, r.nowFn().UTC())
		if err != nil {
			r.logger.Error("replay_nexttick_failed", slog.String("schedule", expr), slog.Any("err", err))
			next = r.nowFn().Add(30 * time.Second)
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			r.logger.Info("replay_scheduler_stopping")
			return nil
		case <-timer.C:
		}
		res, err := r.RunOnce(ctx, limit)
		if err != nil && ctx.Err() == nil {
			r.logger.Error("replay_run_error", slog.Any("err", err))
			continue
		}
		if res.Replayed+res.Failed+res.Skipped > 0 {
			r.logger.Info("replay_run",
				slog.Int("replayed", res.Replayed),
				slog.Int("failed", res.Failed),
				slog.Int("skipped", res.Skipped),
			)
		}
	}
}
