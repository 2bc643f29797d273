package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nuetzliches/queuestash/internal/config"
	"github.com/nuetzliches/queuestash/internal/consumer"
	"github.com/nuetzliches/queuestash/internal/datastore"
	"github.com/nuetzliches/queuestash/internal/ledger"
)

// storeSet builds data stores and ledgers from compiled config by logical
// name. Broker and filesystem stores are opened per caller since a store
// holds at most one outstanding message; memory stores and ledger pools
// are shared.
type storeSet struct {
	compiled *config.Compiled
	logger   *slog.Logger

	mu     sync.Mutex
	memory map[string]*datastore.MemoryStore
	dbs    map[string]*ledger.DB
	opened []datastore.Store
}

func newStoreSet(compiled *config.Compiled, logger *slog.Logger) *storeSet {
	if logger == nil {
		logger = slog.Default()
	}
	return &storeSet{
		compiled: compiled,
		logger:   logger,
		memory:   make(map[string]*datastore.MemoryStore),
		dbs:      make(map[string]*ledger.DB),
	}
}

func (s *storeSet) lookup(name string) (config.DataStoreConfig, error) {
	ds, ok := s.compiled.DataStores[name]
	if !ok {
		return config.DataStoreConfig{}, fmt.Errorf("%w: %q", consumer.ErrUnknownQueue, name)
	}
	return ds, nil
}

// Open returns a new data store for the named queue node.
func (s *storeSet) Open(name string) (datastore.Store, error) {
	ds, err := s.lookup(name)
	if err != nil {
		return nil, err
	}
	logger := s.logger.With(slog.String("data_store", name))

	s.mu.Lock()
	defer s.mu.Unlock()

	var store datastore.Store
	switch ds.Driver {
	case config.DriverMemory:
		if m, ok := s.memory[name]; ok {
			return m, nil
		}
		m := datastore.NewMemoryStore(datastore.WithMemoryLogger(logger))
		s.memory[name] = m
		return m, nil
	case config.DriverStomp:
		store, err = datastore.NewStompStore(ds.Stomp, datastore.WithStompLogger(logger))
	case config.DriverFilesystem:
		opts := []datastore.FilesystemOption{datastore.WithFilesystemLogger(logger)}
		if ds.ContextID != "" {
			opts = append(opts, datastore.WithFilesystemContextID(ds.ContextID))
		}
		store, err = datastore.NewFilesystemStore(ds.Root, opts...)
	default:
		return nil, fmt.Errorf("data_store %q is a %s ledger, not a queue", name, ds.Ledger)
	}
	if err != nil {
		return nil, fmt.Errorf("open data_store %q: %w", name, err)
	}
	s.opened = append(s.opened, store)
	return store, nil
}

// Resolver returns a StoreResolver that opens each queue once.
func (s *storeSet) Resolver() consumer.StoreResolver {
	var mu sync.Mutex
	cache := make(map[string]datastore.Store)
	return func(queue string) (datastore.Store, error) {
		mu.Lock()
		defer mu.Unlock()
		if st, ok := cache[queue]; ok {
			return st, nil
		}
		st, err := s.Open(queue)
		if err != nil {
			return nil, err
		}
		cache[queue] = st
		return st, nil
	}
}

func (s *storeSet) db(name string) (*ledger.DB, config.DataStoreConfig, error) {
	ds, ok := s.compiled.DataStores[name]
	if !ok {
		return nil, ds, fmt.Errorf("unknown data_store %q", name)
	}
	if !ds.IsLedger() {
		return nil, ds, fmt.Errorf("data_store %q is not a ledger", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if db, ok := s.dbs[name]; ok {
		return db, ds, nil
	}
	db, err := ledger.Open(ds.Driver, ds.DSN)
	if err != nil {
		return nil, ds, fmt.Errorf("open ledger %q: %w", name, err)
	}
	s.dbs[name] = db
	return db, ds, nil
}

func (s *storeSet) DamagedLedger(ctx context.Context, name string) (*ledger.DamagedLedger, error) {
	db, ds, err := s.db(name)
	if err != nil {
		return nil, err
	}
	if ds.Ledger != config.LedgerDamaged {
		return nil, fmt.Errorf("data_store %q is a %s ledger, not damaged", name, ds.Ledger)
	}
	return ledger.NewDamagedLedger(ctx, db)
}

// Purger opens the named ledger as its own kind.
func (s *storeSet) Purger(ctx context.Context, name string) (ledger.Purger, error) {
	db, ds, err := s.db(name)
	if err != nil {
		return nil, err
	}
	switch ds.Ledger {
	case config.LedgerPending:
		return ledger.NewPendingLedger(ctx, db)
	case config.LedgerDamaged:
		return ledger.NewDamagedLedger(ctx, db)
	case config.LedgerPaymentsInitial:
		return ledger.NewPaymentsInitialLedger(ctx, db)
	case config.LedgerPaymentsFraud:
		return ledger.NewFraudLedger(ctx, db)
	default:
		return nil, fmt.Errorf("data_store %q: unsupported ledger %q", name, ds.Ledger)
	}
}

// Sink builds the configured quarantine destination. Every call opens its
// own queue store, so each worker needs a sink of its own.
func (s *storeSet) Sink(ctx context.Context) (consumer.Sink, error) {
	q := s.compiled.Quarantine
	switch {
	case q.Ledger != "":
		l, err := s.DamagedLedger(ctx, q.Ledger)
		if err != nil {
			return nil, err
		}
		return consumer.LedgerSink{Ledger: l}, nil
	case q.Queue != "":
		st, err := s.Open(q.Queue)
		if err != nil {
			return nil, err
		}
		return consumer.QueueSink{Store: st}, nil
	default:
		return nil, errors.New("no quarantine configured")
	}
}

func (s *storeSet) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for _, st := range s.opened {
		errs = append(errs, st.Close())
	}
	for _, m := range s.memory {
		errs = append(errs, m.Close())
	}
	for name, db := range s.dbs {
		if err := db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close ledger %q: %w", name, err))
		}
	}
	s.opened = nil
	s.memory = make(map[string]*datastore.MemoryStore)
	s.dbs = make(map[string]*ledger.DB)
	return errors.Join(errs...)
}
