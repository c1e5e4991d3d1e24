// Package app assembles the bot: config, logging, storage, the Telegram
// adapter, the dispatcher and the scheduler. The scheduler is built here and
// handed to whoever needs it; nothing in this repo reaches for a shared
// global instance.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"pixbot/internal/config"
	"pixbot/internal/control"
	"pixbot/internal/dispatch"
	"pixbot/internal/interval"
	"pixbot/internal/maintenance"
	"pixbot/internal/scheduler"
	tgsender "pixbot/internal/sender/telegram"
	"pixbot/internal/storage"
	logx "pixbot/pkg/logx"
)

type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	store *storage.Store
	bot   *tele.Bot
	sched *scheduler.Scheduler
	maint *maintenance.Service

	watchCancel context.CancelFunc
	cfgCh       chan *config.Config
	wg          sync.WaitGroup
}

// New loads and validates the config, then wires every component.
// Configuration errors here are fatal: the process must not start on bad
// interval bounds or a missing channel target.
func New(cfgPath string) (*App, error) {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logSvc, log := logx.New(logxConfig(cfg.Logging))
	mgr.SetLogger(log.With(logx.String("comp", "config")))
	mgr.SetValidator(func(_ context.Context, c *config.Config) error {
		return config.Validate(c)
	})

	min, max, grace := cfg.Intervals()
	gen, err := interval.New(min, max)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	busy, _ := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	store, err := storage.Open(
		storage.Config{Path: cfg.Storage.Path, BusyTimeout: busy},
		log.With(logx.String("comp", "storage")),
	)
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	pollTimeout, _ := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	bot, err := tele.NewBot(tele.Settings{
		Token:  cfg.Telegram.Token,
		Poller: &tele.LongPoller{Timeout: pollTimeout},
	})
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, fmt.Errorf("telegram bot: %w", err)
	}

	snd := tgsender.New(senderConfig(cfg), bot, log.With(logx.String("comp", "sender")))
	disp := dispatch.New(store, snd, log.With(logx.String("comp", "dispatch")))
	sched := scheduler.New(gen, store, disp, grace, log.With(logx.String("comp", "scheduler")))

	pruneAfter, _ := config.ParseDurationOrDefault("maintenance.prune_after", cfg.Maintenance.PruneAfter, config.DefaultPruneAfter)
	maint := maintenance.New(
		maintenance.Config{Enabled: cfg.Maintenance.Enabled, PruneAfter: pruneAfter},
		store, log.With(logx.String("comp", "maintenance")),
	)

	control.Register(bot, control.Deps{
		Sched:  sched,
		Store:  store,
		Owners: cfg.Telegram.OwnerUserIDs,
		Log:    log.With(logx.String("comp", "control")),
	})

	return &App{
		cfgMgr: mgr,
		logSvc: logSvc,
		log:    log,
		store:  store,
		bot:    bot,
		sched:  sched,
		maint:  maint,
	}, nil
}

// Scheduler exposes the scheduler to external control layers (CLI, tests).
func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }

func (a *App) Start(ctx context.Context) error {
	// Telegram long-poll loop; blocks until bot.Stop().
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.log.Info("telegram polling started")
		a.bot.Start()
		a.log.Info("telegram polling stopped")
	}()

	if err := a.sched.Start(ctx); err != nil {
		return err
	}
	a.maint.Start()

	// Config hot reload.
	wctx, cancel := context.WithCancel(ctx)
	a.watchCancel = cancel
	a.cfgCh = a.cfgMgr.Subscribe(4)
	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		_ = a.cfgMgr.Watch(wctx)
	}()
	go func() {
		defer a.wg.Done()
		a.applyLoop(wctx)
	}()

	a.log.Info("pixbot started")
	return nil
}

// Stop tears the process down. The scheduler is shut down, not stopped:
// the persisted fire time stays so a restart resumes the same schedule
// instead of re-rolling the interval.
func (a *App) Stop(ctx context.Context) error {
	if a.watchCancel != nil {
		a.watchCancel()
	}

	err := a.sched.Shutdown(ctx)
	a.maint.Stop()
	a.bot.Stop()

	a.wg.Wait()
	if a.cfgCh != nil {
		a.cfgMgr.Unsubscribe(a.cfgCh)
		a.cfgCh = nil
	}

	_ = a.store.Close()
	a.log.Info("pixbot stopped")
	_ = a.logSvc.Close()
	return err
}

// applyLoop pushes validated config reloads into the live services. The
// telegram token and storage path need a restart; everything else applies
// in place.
func (a *App) applyLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-a.cfgCh:
			if !ok {
				return
			}
			if cfg == nil {
				continue
			}

			a.logSvc.Apply(logxConfig(cfg.Logging))

			min, max, grace := cfg.Intervals()
			gen, err := interval.New(min, max)
			if err != nil {
				// Validate() should have caught this; never apply bad bounds.
				a.log.Error("reload produced invalid interval bounds", logx.Err(err))
				continue
			}
			a.sched.Apply(gen, grace)
			a.log.Info("config applied",
				logx.Duration("min_interval", min), logx.Duration("max_interval", max))
		}
	}
}

func logxConfig(c config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File:    logx.FileConfig{Enabled: c.File.Enabled, Path: c.File.Path},
	}
}

func senderConfig(cfg *config.Config) tgsender.Config {
	retryBase, _ := config.ParseDurationField("sender.retry_base", cfg.Sender.RetryBase)
	sendTimeout, _ := config.ParseDurationField("sender.send_timeout", cfg.Sender.SendTimeout)
	return tgsender.Config{
		RecipientChatID: cfg.Telegram.RecipientChatID,
		RetryMax:        cfg.Sender.RetryMax,
		RetryBase:       retryBase,
		RatePerSec:      cfg.Sender.RatePerSec,
		SendTimeout:     sendTimeout,
	}
}
