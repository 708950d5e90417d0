// Package app wires storage, transport, the checker and the dispatcher into
// one runnable bot process.
package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/rs/zerolog"

	"tubewatch/internal/checker"
	"tubewatch/internal/config"
	"tubewatch/internal/dispatch"
	"tubewatch/internal/feed"
	"tubewatch/internal/feed/youtube"
	"tubewatch/internal/interval"
	"tubewatch/internal/storage"
	"tubewatch/internal/transport/telegram"
	"tubewatch/internal/videocache"
	"tubewatch/pkg/logx"
)

type App struct {
	cfgPath string
	cfg     *config.Config
	log     zerolog.Logger

	store    storage.Store
	client   *telegram.Adapter
	checker  *checker.Service
	dispatch *dispatch.Service
	runner   *interval.Runner

	mu      sync.Mutex
	handles []*interval.Handle

	watchCancel context.CancelFunc
	watchDone   chan struct{}
}

func New(cfgPath string) (*App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	log := logx.New(cfg.Log.Level)

	store, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: cfg.Storage.BusyTimeout.Std(),
	}, log.With().Str("comp", "storage").Logger())
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	client, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		RatePerSec:  cfg.Telegram.RatePerSec,
		CallTimeout: cfg.Telegram.CallTimeout.Std(),
	}, log.With().Str("comp", "telegram").Logger())
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("telegram: %w", err)
	}

	var source feed.Source
	source, err = youtube.New(youtube.Config{
		Token:    cfg.YouTube.Token,
		Timeout:  cfg.YouTube.Timeout.Std(),
		MaxPages: cfg.YouTube.MaxPages,
	}, log.With().Str("comp", "youtube").Logger())
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("youtube: %w", err)
	}

	cache := videocache.New(store, cfg.Cache.TTL.Std())

	chk := checker.New(checker.Config{
		SyncTimeout:      cfg.Checker.SyncTimeout.Std(),
		Backfill:         cfg.Checker.Backfill.Std(),
		FetchParallelism: cfg.Checker.FetchParallelism,
	}, store, source, log.With().Str("comp", "checker").Logger())

	dsp := dispatch.New(dispatch.Config{
		Slots:            cfg.Dispatch.Slots,
		PageSize:         cfg.Dispatch.PageSize,
		SendDelay:        cfg.Dispatch.SendDelay.Std(),
		SendTimeout:      cfg.Dispatch.SendTimeout.Std(),
		MaxStepErrors:    cfg.Dispatch.MaxStepErrors,
		SweepPageSize:    cfg.Sweep.PageSize,
		SweepParallelism: cfg.Sweep.Parallelism,
	}, store, cache, client, log.With().Str("comp", "dispatch").Logger())

	return &App{
		cfgPath:  cfgPath,
		cfg:      cfg,
		log:      log,
		store:    store,
		client:   client,
		checker:  chk,
		dispatch: dsp,
		runner:   interval.NewRunner(log.With().Str("comp", "interval").Logger()),
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	if err := a.registerIntervals(ctx, a.cfg); err != nil {
		return err
	}
	a.runner.Start()

	// Config watch: cadence changes take effect by re-registering the
	// intervals; everything else needs a restart.
	wctx, cancel := context.WithCancel(ctx)
	a.watchCancel = cancel
	a.watchDone = make(chan struct{})
	go func() {
		defer close(a.watchDone)
		err := config.Watch(wctx, a.cfgPath, a.log.With().Str("comp", "config").Logger(), func(next *config.Config) {
			if err := a.registerIntervals(ctx, next); err != nil {
				a.log.Error().Err(err).Msg("app: applying reloaded intervals failed")
			}
		})
		if err != nil && wctx.Err() == nil {
			a.log.Warn().Err(err).Msg("app: config watch stopped")
		}
	}()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	a.log.Info().Msg("app: started")
	return nil
}

// registerIntervals (re)binds the periodic work to the runner. Restarting an
// interval cancels its previous registration first, so cadence changes never
// leave two timers racing.
func (a *App) registerIntervals(ctx context.Context, cfg *config.Config) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, h := range a.handles {
		h.Stop()
	}
	a.handles = nil

	register := func(every config.Duration, name string, fn func()) error {
		h, err := a.runner.Every(every.Std(), name, fn)
		if err != nil {
			return err
		}
		a.handles = append(a.handles, h)
		return nil
	}

	if err := register(cfg.Checker.Interval, "checker.check", func() {
		if _, err := a.checker.Check(ctx); err != nil {
			a.log.Error().Err(err).Msg("app: checker run failed")
		}
	}); err != nil {
		return err
	}
	if err := register(cfg.Checker.CleanInterval, "checker.clean", func() {
		if _, err := a.checker.Clean(ctx); err != nil {
			a.log.Error().Err(err).Msg("app: channel cleanup failed")
		}
	}); err != nil {
		return err
	}
	if err := register(cfg.Dispatch.Interval, "dispatch.check", func() {
		if _, err := a.dispatch.Check(ctx); err != nil {
			a.log.Error().Err(err).Msg("app: dispatch scan failed")
		}
	}); err != nil {
		return err
	}
	return register(cfg.Sweep.Interval, "dispatch.sweep", func() {
		if _, err := a.dispatch.SweepChats(ctx); err != nil {
			a.log.Error().Err(err).Msg("app: existence sweep failed")
		}
	})
}

func (a *App) Stop(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	if a.watchCancel != nil {
		a.watchCancel()
		<-a.watchDone
	}

	a.mu.Lock()
	for _, h := range a.handles {
		h.Stop()
	}
	a.handles = nil
	a.mu.Unlock()
	a.runner.Stop()

	// Let the current dispatch run drain before closing storage.
	if err := a.dispatch.Wait(ctx); err != nil {
		a.log.Warn().Err(err).Msg("app: dispatch did not drain before shutdown")
	}

	err := a.store.Close()
	a.log.Info().Msg("app: stopped")
	return err
}
