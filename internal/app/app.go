package app

import (
	"context"
	"fmt"
	"time"

	"gatebot/internal/bot"
	"gatebot/internal/config"
	"gatebot/internal/entitlement"
	"gatebot/internal/services/broadcast"
	"gatebot/internal/services/scheduler"
	"gatebot/internal/storage"
	telegram "gatebot/internal/transport/telegram"
	logx "gatebot/pkg/logx"
)

// App owns the full object graph and its lifecycle. Construction wires
// everything; Start brings components up in dependency order and Stop tears
// them down in reverse.
type App struct {
	cfgm *config.Manager

	log   logx.Logger
	store storage.Store

	adapter *telegram.Adapter
	gate    *entitlement.Gate
	bcast   *broadcast.Service
	sched   *scheduler.Service
	router  *bot.Router

	watchCancel context.CancelFunc
	watchDone   chan struct{}
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	log, err := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	a := &App{cfgm: cfgm, log: log.With(logx.String("comp", "app"))}

	if err := a.build(cfg, log); err != nil {
		_ = log.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, log logx.Logger) error {
	busyTimeout, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return err
	}
	store, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	a.store = store

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return err
	}
	apiTimeout, err := config.ParseDurationOrDefault("telegram.api_timeout", cfg.Telegram.APITimeout, 8*time.Second)
	if err != nil {
		return err
	}
	adapter, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		Channel:     cfg.Telegram.Channel,
		PollTimeout: pollTimeout,
		APITimeout:  apiTimeout,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	a.adapter = adapter

	oracleTimeout, err := config.ParseDurationOrDefault("entitlement.oracle_timeout", cfg.Entitlement.OracleTimeout, 8*time.Second)
	if err != nil {
		return err
	}
	cacheTTL, err := config.ParseDurationOrDefault("entitlement.cache_ttl", cfg.Entitlement.CacheTTL, 15*time.Second)
	if err != nil {
		return err
	}
	a.gate = entitlement.New(entitlement.Config{
		OracleTimeout: oracleTimeout,
		CacheTTL:      cacheTTL,
	}, store, adapter, log.With(logx.String("comp", "entitlement")))

	a.bcast = broadcast.New(broadcast.Config{
		Workers:    cfg.Broadcast.Workers,
		RatePerSec: cfg.Broadcast.RatePerSec,
	}, store, adapter, log.With(logx.String("comp", "broadcast")))

	sched, err := scheduler.New(scheduler.Config{
		Timezone: cfg.Scheduler.Timezone,
	}, log.With(logx.String("comp", "scheduler")))
	if err != nil {
		return err
	}
	a.sched = sched

	a.router = bot.New(routerConfig(cfg), bot.Deps{
		Adapter:   adapter,
		Store:     store,
		Gate:      a.gate,
		Broadcast: a.bcast,
		Scheduler: sched,
		Log:       log.With(logx.String("comp", "bot")),
	})
	return nil
}

func routerConfig(cfg *config.Config) bot.Config {
	return bot.Config{
		OwnerIDs:     cfg.OwnerIDs,
		Channel:      cfg.Telegram.Channel,
		MaterialURL:  cfg.MaterialURL,
		ContactURL:   cfg.ContactURL,
		WelcomePhoto: cfg.WelcomePhoto,
	}
}

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()

	a.sched.Start(ctx)
	for _, rb := range cfg.Scheduler.Recurring {
		rb := rb
		err := a.sched.AddCron(rb.Name, rb.Spec, func(taskCtx context.Context) {
			rep, err := a.bcast.Run(taskCtx, broadcast.Payload{Text: rb.Text})
			if err != nil {
				a.log.Warn("recurring broadcast failed", logx.String("name", rb.Name), logx.Err(err))
				return
			}
			a.log.Info("recurring broadcast done",
				logx.String("name", rb.Name),
				logx.Int("sent", rep.Sent),
				logx.Int("failed", rep.Failed),
				logx.Int("pruned", rep.Pruned))
		})
		if err != nil {
			return fmt.Errorf("scheduler.recurring[%s]: %w", rb.Name, err)
		}
	}

	a.router.Start(ctx)
	if err := a.adapter.Start(ctx, a.router.Updates()); err != nil {
		return fmt.Errorf("telegram start: %w", err)
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	a.watchCancel = cancel
	a.watchDone = make(chan struct{})
	sub := a.cfgm.Subscribe(1)
	go func() {
		defer close(a.watchDone)
		for {
			select {
			case <-watchCtx.Done():
				a.cfgm.Unsubscribe(sub)
				return
			case cfg := <-sub:
				a.router.Apply(routerConfig(cfg))
			}
		}
	}()
	go func() {
		if err := a.cfgm.Watch(watchCtx); err != nil && watchCtx.Err() == nil {
			a.log.Warn("config watch stopped", logx.Err(err))
		}
	}()

	a.log.Info("started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.watchCancel != nil {
		a.watchCancel()
		<-a.watchDone
	}
	_ = a.adapter.Stop(ctx)
	a.router.Stop(ctx)
	a.sched.Stop(ctx)
	a.gate.Close()
	if err := a.store.Close(); err != nil {
		a.log.Warn("storage close", logx.Err(err))
	}
	a.log.Info("stopped")
	return a.log.Close()
}
