package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nuetzliches/queuestash/internal/config"
	"github.com/nuetzliches/queuestash/internal/message"
)

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func replayCmd(args []string, stdout, stderr io.Writer) int {
	fs, cf := newFlagSet("replay", stderr)
	ledgerName := fs.String("ledger", "", "damaged ledger data_store (default: quarantine.ledger)")
	limit := fs.Int("limit", 0, "max rows to replay (default: replay.limit or 100)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	lc, ok := cf.load(stderr)
	if !ok {
		return 1
	}
	defer lc.closeLog()

	n := *limit
	if n <= 0 {
		n = lc.compiled.Replay.Limit
	}
	if n <= 0 {
		n = 100
	}

	ctx, stop := signalContext()
	defer stop()
	stores := newStoreSet(lc.compiled, lc.logger)
	defer func() { _ = stores.Close() }()

	r, err := newReplayer(ctx, lc.compiled, *ledgerName, stores, nil, lc.logger)
	if err != nil {
		lc.logger.Error("replay_failed", slog.Any("err", err))
		return 1
	}
	res, err := r.RunOnce(ctx, n)
	fmt.Fprintf(stdout, "replayed=%d failed=%d skipped=%d\n", res.Replayed, res.Failed, res.Skipped)
	if err != nil {
		lc.logger.Error("replay_failed", slog.Any("err", err))
		return 1
	}
	return 0
}

func moveCmd(args []string, stdout, stderr io.Writer) int {
	fs, cf := newFlagSet("move", stderr)
	from := fs.String("from", "", "source queue data_store")
	to := fs.String("to", "", "destination data_store")
	typ := fs.String("type", "", "only move messages of this type")
	var selectors stringList
	fs.Var(&selectors, "selector", "selector clause, e.g. \"gateway = 'adyen'\" (repeatable)")
	maxMessages := fs.Int("max-messages", 0, "stop after N messages (0 = unbounded)")
	timeLimit := fs.Duration("time-limit", 0, "stop after this long (0 = unbounded)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if strings.TrimSpace(*from) == "" || strings.TrimSpace(*to) == "" {
		fmt.Fprintln(stderr, "move: --from and --to are required")
		return 2
	}
	lc, ok := cf.load(stderr)
	if !ok {
		return 1
	}
	defer lc.closeLog()

	ctx, stop := signalContext()
	defer stop()
	stores := newStoreSet(lc.compiled, lc.logger)
	defer func() { _ = stores.Close() }()

	sink, err := stores.Sink(ctx)
	if err != nil {
		lc.logger.Error("move_failed", slog.Any("err", err))
		return 1
	}
	job := config.MoveConfig{
		Name:        "cli",
		From:        *from,
		To:          *to,
		Type:        *typ,
		Selectors:   selectors,
		MaxMessages: *maxMessages,
		TimeLimit:   *timeLimit,
	}
	c, err := newMoveConsumer(job, stores, sink, nil, lc.logger)
	if err != nil {
		lc.logger.Error("move_failed", slog.Any("err", err))
		return 1
	}
	n, err := c.Run(ctx)
	fmt.Fprintf(stdout, "processed=%d\n", n)
	if err != nil && !errors.Is(err, context.Canceled) {
		lc.logger.Error("move_failed", slog.Any("err", err))
		return 1
	}
	return 0
}

func purgeCmd(args []string, stdout, stderr io.Writer) int {
	fs, cf := newFlagSet("purge", stderr)
	storeName := fs.String("store", "", "ledger data_store to purge")
	olderThan := fs.Duration("older-than", 0, "delete rows older than this")
	gateway := fs.String("gateway", "", "only purge rows of this gateway")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if strings.TrimSpace(*storeName) == "" || *olderThan <= 0 {
		fmt.Fprintln(stderr, "purge: --store and a positive --older-than are required")
		return 2
	}
	lc, ok := cf.load(stderr)
	if !ok {
		return 1
	}
	defer lc.closeLog()

	ctx, stop := signalContext()
	defer stop()
	stores := newStoreSet(lc.compiled, lc.logger)
	defer func() { _ = stores.Close() }()

	p, err := stores.Purger(ctx, *storeName)
	if err != nil {
		lc.logger.Error("purge_failed", slog.Any("err", err))
		return 1
	}
	cutoff := time.Now().Add(-*olderThan)
	n, err := p.DeleteOldMessages(ctx, cutoff, *gateway)
	if err != nil {
		lc.logger.Error("purge_failed", slog.String("store", *storeName), slog.Any("err", err))
		return 1
	}
	lc.logger.Info("ledger_purged",
		slog.String("store", *storeName),
		slog.Time("cutoff", cutoff),
		slog.String("gateway", *gateway),
		slog.Int64("deleted", n),
	)
	fmt.Fprintf(stdout, "deleted=%d\n", n)
	return 0
}

type damagedRow struct {
	ID            int64             `json:"id"`
	OriginalQueue string            `json:"original_queue"`
	Type          string            `json:"type"`
	CorrelationID string            `json:"correlation_id"`
	Keys          map[string]string `json:"keys,omitempty"`
	Error         string            `json:"error"`
	DamagedDate   time.Time         `json:"damaged_date"`
	RetryDate     *time.Time        `json:"retry_date,omitempty"`
}

func damagedCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 || args[0] != "list" {
		fmt.Fprintln(stderr, "missing subcommand: list")
		return 2
	}
	fs, cf := newFlagSet("damaged list", stderr)
	ledgerName := fs.String("ledger", "", "damaged ledger data_store (default: quarantine.ledger)")
	limit := fs.Int("limit", 100, "max rows")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}
	lc, ok := cf.load(stderr)
	if !ok {
		return 1
	}
	defer lc.closeLog()

	name := *ledgerName
	if name == "" {
		name = lc.compiled.Quarantine.Ledger
	}
	if name == "" {
		fmt.Fprintln(stderr, "damaged list: no damaged ledger configured; set quarantine.ledger or --ledger")
		return 2
	}

	ctx, stop := signalContext()
	defer stop()
	stores := newStoreSet(lc.compiled, lc.logger)
	defer func() { _ = stores.Close() }()

	l, err := stores.DamagedLedger(ctx, name)
	if err != nil {
		lc.logger.Error("damaged_list_failed", slog.Any("err", err))
		return 1
	}
	rows, err := l.ListMessages(ctx, *limit)
	if err != nil {
		lc.logger.Error("damaged_list_failed", slog.Any("err", err))
		return 1
	}
	enc := json.NewEncoder(stdout)
	for _, r := range rows {
		out := damagedRow{
			ID:            r.ID,
			OriginalQueue: r.OriginalQueue,
			Type:          r.Message.MessageType(),
			CorrelationID: r.Message.CorrelationID(),
			Keys:          r.Message.Keys(),
			Error:         r.Error,
			DamagedDate:   r.DamagedDate,
		}
		delete(out.Keys, message.CorrelationKey)
		if !r.RetryDate.IsZero() {
			rd := r.RetryDate
			out.RetryDate = &rd
		}
		if err := enc.Encode(out); err != nil {
			fmt.Fprintln(stderr, err.Error())
			return 1
		}
	}
	return 0
}
