package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nuetzliches/queuestash/internal/config"
	"github.com/nuetzliches/queuestash/internal/consumer"
	"github.com/nuetzliches/queuestash/internal/datastore"
	"github.com/nuetzliches/queuestash/internal/message"
)

// forwardTo is the move handler: every consumed message is added to dst.
func forwardTo(dst datastore.Store) consumer.Handler {
	return consumer.HandlerFunc(func(ctx context.Context, msg message.Message) error {
		if err := dst.Add(ctx, msg); err != nil {
			return fmt.Errorf("forward %s %s: %w", msg.MessageType(), msg.CorrelationID(), err)
		}
		return nil
	})
}

func newMoveConsumer(job config.MoveConfig, stores *storeSet, sink consumer.Sink, m *runtimeMetrics, logger *slog.Logger) (*consumer.Consumer, error) {
	from, err := stores.Open(job.From)
	if err != nil {
		return nil, err
	}
	to, err := stores.Open(job.To)
	if err != nil {
		return nil, err
	}
	opts := []consumer.Option{
		consumer.WithSink(sink),
		consumer.WithRequest(datastore.ConsumeRequest{Type: job.Type, Selectors: job.Selectors}),
		consumer.WithMessageLimit(job.MaxMessages),
		consumer.WithTimeLimit(job.TimeLimit),
		consumer.WithLogger(logger.With(slog.String("move", job.Name))),
	}
	if m != nil {
		opts = append(opts, consumer.WithMetrics(m.consumer))
	}
	return consumer.New(job.From, from, forwardTo(to), opts...)
}

func newReplayer(ctx context.Context, compiled *config.Compiled, ledgerName string, stores *storeSet, m *runtimeMetrics, logger *slog.Logger) (*consumer.Replayer, error) {
	if ledgerName == "" {
		ledgerName = compiled.Quarantine.Ledger
	}
	if ledgerName == "" {
		return nil, fmt.Errorf("no damaged ledger configured; set quarantine.ledger or --ledger")
	}
	damaged, err := stores.DamagedLedger(ctx, ledgerName)
	if err != nil {
		return nil, err
	}
	opts := []consumer.ReplayOption{consumer.WithReplayLogger(logger.With(slog.String("ledger", ledgerName)))}
	if m != nil {
		opts = append(opts, consumer.WithReplayMetrics(m.consumer))
	}
	return consumer.NewReplayer(damaged, stores.Resolver(), opts...)
}
