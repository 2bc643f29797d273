package consumer

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nuetzliches/queuestash/internal/datastore"
	"github.com/nuetzliches/queuestash/internal/ledger"
	"github.com/nuetzliches/queuestash/internal/message"
)

func resolverFor(stores map[string]datastore.Store) StoreResolver {
	return func(queue string) (datastore.Store, error) {
		s, ok := stores[queue]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownQueue, queue)
		}
		return s, nil
	}
}

type failingAddStore struct {
	*datastore.MemoryStore
}

func (failingAddStore) Add(context.Context, message.Message) error {
	return errors.New("broker unavailable")
}

type notifyingStore struct {
	*datastore.MemoryStore
	added chan string
}

func (s notifyingStore) Add(ctx context.Context, msg message.Message) error {
	if err := s.MemoryStore.Add(ctx, msg); err != nil {
		return err
	}
	s.added <- msg.CorrelationID()
	return nil
}

func TestReplayer_RunOnce(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	damaged := newDamagedLedger(t, clock.Now)
	past := clock.Now().Add(-time.Minute)

	replayable, _ := damaged.StoreMessage(ctx, txn("r1"), "donations", "x", "", past)
	unknown, _ := damaged.StoreMessage(ctx, txn("r2"), "nowhere", "x", "", past)
	manual, _ := damaged.StoreMessage(ctx, txn("r3"), "donations", "x", "", time.Time{})
	broken, _ := damaged.StoreMessage(ctx, txn("r4"), "refunds", "x", "", past)

	donations := datastore.NewMemoryStore()
	metrics, _ := NewMetrics(nil)
	r, err := NewReplayer(damaged, resolverFor(map[string]datastore.Store{
		"donations": donations,
		"refunds":   failingAddStore{datastore.NewMemoryStore()},
	}), WithReplayMetrics(metrics))
	if err != nil {
		t.Fatalf("new replayer: %v", err)
	}

	res, err := r.RunOnce(ctx, 10)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if res != (ReplayResult{Replayed: 1, Failed: 1, Skipped: 1}) {
		t.Fatalf("result=%+v", res)
	}

	msg, err := donations.Consume(ctx, datastore.ConsumeRequest{})
	if err != nil || msg == nil || msg.CorrelationID() != "r1" {
		t.Fatalf("replayed message=%v err=%v", msg, err)
	}
	if _, err := damaged.FetchMessageByID(ctx, replayable); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("replayed row still present: %v", err)
	}
	for _, id := range []int64{unknown, manual, broken} {
		if _, err := damaged.FetchMessageByID(ctx, id); err != nil {
			t.Fatalf("row %d gone: %v", id, err)
		}
	}
	if got := testutil.ToFloat64(metrics.Replayed.WithLabelValues("donations")); got != 1 {
		t.Fatalf("replayed metric=%v", got)
	}
	if got := testutil.ToFloat64(metrics.ReplayFailed.WithLabelValues("refunds")); got != 1 {
		t.Fatalf("replay failed metric=%v", got)
	}
}

func TestReplayer_RunOnceHonoursLimitAndOrder(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	damaged := newDamagedLedger(t, clock.Now)
	for i, corr := range []string{"late", "early", "middle"} {
		offsets := []time.Duration{-time.Minute, -3 * time.Minute, -2 * time.Minute}
		if _, err := damaged.StoreMessage(ctx, txn(corr), "donations", "x", "", clock.Now().Add(offsets[i])); err != nil {
			t.Fatalf("store %s: %v", corr, err)
		}
	}
	donations := datastore.NewMemoryStore()
	r, err := NewReplayer(damaged, resolverFor(map[string]datastore.Store{"donations": donations}))
	if err != nil {
		t.Fatalf("new replayer: %v", err)
	}
	res, err := r.RunOnce(ctx, 2)
	if err != nil || res.Replayed != 2 {
		t.Fatalf("run once: res=%+v err=%v", res, err)
	}
	var got []string
	for {
		msg, err := donations.Consume(ctx, datastore.ConsumeRequest{})
		if err != nil {
			t.Fatalf("consume: %v", err)
		}
		if msg == nil {
			break
		}
		got = append(got, msg.CorrelationID())
		_ = donations.Ack(ctx)
	}
	if len(got) != 2 || got[0] != "early" || got[1] != "middle" {
		t.Fatalf("replayed=%v, want [early middle]", got)
	}
}

func TestReplayer_RawMessageReplaysVerbatim(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	damaged := newDamagedLedger(t, clock.Now)
	raw := &message.Raw{Tag: message.TypeTransaction, Correlation: "fixed", Payload: []byte(`{"correlation_id":"fixed","gross":"1.00","currency":"USD"}`)}
	if _, err := damaged.StoreMessage(ctx, raw, "donations", "decode", "", clock.Now().Add(-time.Second)); err != nil {
		t.Fatalf("store: %v", err)
	}
	donations := datastore.NewMemoryStore()
	r, _ := NewReplayer(damaged, resolverFor(map[string]datastore.Store{"donations": donations}))
	if _, err := r.RunOnce(ctx, 5); err != nil {
		t.Fatalf("run once: %v", err)
	}
	msg, err := donations.Consume(ctx, datastore.ConsumeRequest{Type: message.TypeTransaction})
	if err != nil || msg == nil {
		t.Fatalf("consume: msg=%v err=%v", msg, err)
	}
	if tx := msg.(*message.Transaction); tx.Amount != "1.00" {
		t.Fatalf("replayed=%+v", tx)
	}
}

func TestReplayer_Schedule(t *testing.T) {
	clock := newTestClock()
	damaged := newDamagedLedger(t, clock.Now)
	if _, err := damaged.StoreMessage(context.Background(), txn("s1"), "donations", "x", "", clock.Now().Add(-time.Second)); err != nil {
		t.Fatalf("store: %v", err)
	}
	store := notifyingStore{MemoryStore: datastore.NewMemoryStore(), added: make(chan string, 1)}
	r, err := NewReplayer(damaged, resolverFor(map[string]datastore.Store{"donations": store}), WithReplayNowFunc(clock.Now))
	if err != nil {
		t.Fatalf("new replayer: %v", err)
	}
	r.nextTick = func(string, time.Time) (time.Time, error) {
		return time.Now().Add(5 * time.Millisecond), nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Schedule(ctx, "*/5 * * * *", 10) }()

	select {
	case id := <-store.added:
		if id != "s1" {
			t.Fatalf("replayed %q, want s1", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("schedule did not replay")
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("schedule: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("schedule did not stop")
	}
}

func TestValidateSchedule(t *testing.T) {
	if err := ValidateSchedule("*/5 * * * *"); err != nil {
		t.Fatalf("valid schedule: %v", err)
	}
	if err := ValidateSchedule("every five minutes"); err == nil {
		t.Fatalf("expected error for invalid schedule")
	}
	r, _ := NewReplayer(newDamagedLedger(t, time.Now), resolverFor(nil))
	if err := r.Schedule(context.Background(), "bogus", 1); err == nil {
		t.Fatalf("expected schedule error")
	}
}

func TestNewReplayer_Validation(t *testing.T) {
	if _, err := NewReplayer(nil, resolverFor(nil)); err == nil {
		t.Fatalf("expected error for nil ledger")
	}
	if _, err := NewReplayer(newDamagedLedger(t, time.Now), nil); err == nil {
		t.Fatalf("expected error for nil resolver")
	}
}
