package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"reflect"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nuetzliches/queuestash/internal/config"
	"github.com/nuetzliches/queuestash/internal/consumer"
)

func runCmd(args []string, _, stderr io.Writer) int {
	fs, cf := newFlagSet("run", stderr)
	pidFile := fs.String("pid-file", "", "write process PID to file")
	watch := fs.Bool("watch", false, "watch config file for reload")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	lc, ok := cf.load(stderr)
	if !ok {
		return 1
	}
	defer lc.closeLog()
	logger := lc.logger
	logger.Info("config_ok", slog.String("path", cf.configPath))

	releasePIDFile, err := claimPIDFile(*pidFile)
	if err != nil {
		logger.Error("pid_file_failed", slog.Any("err", err))
		return 1
	}
	defer releasePIDFile()

	metrics, err := newRuntimeMetrics()
	if err != nil {
		logger.Error("metrics_init_failed", slog.Any("err", err))
		return 1
	}

	compiled := lc.compiled
	if compiled.Tracing.Enabled {
		shutdownTracing, err := initTracing(context.Background(), compiled.Tracing, func(err error) {
			metrics.tracingExportErrors.Inc()
			logger.Error("tracing_export_failed", slog.Any("err", err))
		})
		if err != nil {
			logger.Error("tracing_init_failed", slog.Any("err", err))
			return 1
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTracing(ctx)
		}()
		logger.Info("tracing_enabled", slog.String("collector", compiled.Tracing.Collector))
	}

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx, stop := signal.NotifyContext(rootCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if compiled.Metrics.Enabled {
		srv, err := startMetricsServer(compiled.Metrics, compiled.Tracing.Enabled, metrics, logger, cancel)
		if err != nil {
			logger.Error("start_metrics_failed", slog.Any("err", err))
			return 1
		}
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	sup := &supervisor{metrics: metrics, logger: logger}
	if err := sup.start(ctx, compiled); err != nil {
		logger.Error("start_workers_failed", slog.Any("err", err))
		return 1
	}
	defer sup.stop()

	var reloadMu sync.Mutex
	reloadNow := func(trigger string) {
		reloadMu.Lock()
		defer reloadMu.Unlock()
		ok := sup.reload(ctx, cf.configPath, trigger)
		metrics.observeReload(ok)
	}

	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)
	defer signal.Stop(hupCh)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hupCh:
				reloadNow("signal_sighup")
			}
		}
	}()
	if *watch {
		go watchConfig(ctx, cf.configPath, logger, func() {
			reloadNow("watch")
		})
	}

	<-ctx.Done()
	logger.Info("shutting_down")
	return 0
}

// supervisor owns the replay scheduler and move loops of one compiled
// config and swaps them on reload.
type supervisor struct {
	metrics *runtimeMetrics
	logger  *slog.Logger

	compiled *config.Compiled
	stores   *storeSet
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func (s *supervisor) start(parent context.Context, compiled *config.Compiled) error {
	ctx, cancel := context.WithCancel(parent)
	stores := newStoreSet(compiled, s.logger)
	fail := func(err error) error {
		cancel()
		_ = stores.Close()
		return err
	}

	var replayer *consumer.Replayer
	if compiled.Replay.Enabled {
		r, err := newReplayer(ctx, compiled, "", stores, s.metrics, s.logger)
		if err != nil {
			return fail(fmt.Errorf("replay: %w", err))
		}
		replayer = r
	}

	type moveLoop struct {
		job config.MoveConfig
		c   *consumer.Consumer
	}
	var loops []moveLoop
	for _, job := range compiled.Moves {
		// Each loop gets its own sink: broker stores are single-worker.
		sink, err := stores.Sink(ctx)
		if err != nil {
			return fail(fmt.Errorf("quarantine: %w", err))
		}
		c, err := newMoveConsumer(job, stores, sink, s.metrics, s.logger)
		if err != nil {
			return fail(fmt.Errorf("move %q: %w", job.Name, err))
		}
		loops = append(loops, moveLoop{job: job, c: c})
	}

	if replayer != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := replayer.Schedule(ctx, compiled.Replay.Schedule, compiled.Replay.Limit); err != nil {
				s.logger.Error("replay_scheduler_failed", slog.Any("err", err))
			}
		}()
	}
	for _, l := range loops {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runMoveLoop(ctx, l.job, l.c)
		}()
	}

	s.compiled = compiled
	s.stores = stores
	s.cancel = cancel
	s.logger.Info("workers_started",
		slog.Bool("replay", replayer != nil),
		slog.Int("moves", len(loops)),
		slog.Int("data_stores", len(compiled.StoreNames)),
	)
	return nil
}

func (s *supervisor) runMoveLoop(ctx context.Context, job config.MoveConfig, c *consumer.Consumer) {
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()
	for {
		n, err := c.Run(ctx)
		if ctx.Err() != nil {
			return
		}
		s.metrics.observeMoveRun(job.Name, err)
		if err != nil {
			s.logger.Error("move_run_failed", slog.String("move", job.Name), slog.Any("err", err))
		} else if n > 0 {
			s.logger.Info("move_run", slog.String("move", job.Name), slog.Int("processed", n))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *supervisor) stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
	if err := s.stores.Close(); err != nil {
		s.logger.Warn("close_stores_failed", slog.Any("err", err))
	}
	s.cancel = nil
}

// reload recompiles path and restarts the workers. Changes to logging,
// tracing or metrics need a process restart and leave the running config
// in place.
func (s *supervisor) reload(ctx context.Context, path, trigger string) bool {
	compiled, _, err := config.Load(path)
	if err != nil {
		s.logger.Error("config_reload_failed", slog.Any("err", err), slog.String("trigger", trigger))
		return false
	}
	if requiresRestart(compiled, s.compiled) {
		s.logger.Info("config_reloaded_restart_required", slog.String("trigger", trigger))
		return false
	}

	previous := s.compiled
	s.stop()
	if err := s.start(ctx, compiled); err != nil {
		s.logger.Error("config_reload_failed", slog.Any("err", err), slog.String("trigger", trigger))
		if rerr := s.start(ctx, previous); rerr != nil {
			s.logger.Error("restore_workers_failed", slog.Any("err", rerr))
		}
		return false
	}
	s.logger.Info("config_reloaded_ok", slog.String("trigger", trigger))
	return true
}

func requiresRestart(next, running *config.Compiled) bool {
	if running == nil {
		return false
	}
	return !reflect.DeepEqual(next.Logging, running.Logging) ||
		!reflect.DeepEqual(next.Tracing, running.Tracing) ||
		!reflect.DeepEqual(next.Metrics, running.Metrics)
}

func watchConfig(ctx context.Context, path string, logger *slog.Logger, reload func()) {
	if reload == nil {
		return
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("watch_disabled", slog.Any("err", err))
		return
	}
	defer w.Close()

	// Editors often replace the file, so the directory is watched.
	base := filepath.Base(path)
	if err := w.Add(filepath.Dir(path)); err != nil {
		logger.Warn("watch_disabled", slog.Any("err", err))
		return
	}
	logger.Info("watching_config", slog.String("path", path))

	const debounce = 200 * time.Millisecond
	timer := time.NewTimer(debounce)
	timer.Stop()
	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(debounce)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			if !errors.Is(err, fsnotify.ErrEventOverflow) {
				logger.Warn("watch_error", slog.Any("err", err))
				continue
			}
			timer.Reset(debounce)
		case <-timer.C:
			reload()
		}
	}
}
