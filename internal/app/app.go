// Package app wires the whole system together: config, logging, storage,
// registry, engine, notifier, HTTP API and background maintenance.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"studysync/internal/clock"
	"studysync/internal/config"
	"studysync/internal/engine"
	"studysync/internal/eventbus"
	"studysync/internal/httpapi"
	"studysync/internal/notifier"
	"studysync/internal/registry"
	"studysync/internal/schedule"
	"studysync/internal/storage"
	"studysync/pkg/logx"
)

const (
	defaultPruneSpec = "30 3 * * *"
	defaultRetention = 90 * 24 * time.Hour
)

type App struct {
	cfgm *config.Manager
	logs *logx.Service
	log  logx.Logger

	db    *sql.DB
	bus   eventbus.Bus
	notif *notifier.Service
	eng   *engine.Engine
	reg   *registry.Service
	srv   *httpapi.Server
	cron  *cron.Cron

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	busyTimeout, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return nil, err
	}
	db, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	bus := eventbus.New()

	driver, err := notifier.NewDriver(notifier.Config{
		Driver:   cfg.Notifier.Driver,
		Twilio:   notifier.TwilioConfig{FromSMS: cfg.Notifier.Twilio.FromSMS, FromWhatsApp: cfg.Notifier.Twilio.FromWhatsApp},
		Telegram: notifier.TelegramConfig{TokenEnv: cfg.Notifier.Telegram.TokenEnv},
	}, log.With(logx.String("comp", "notifier")))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("build notifier: %w", err)
	}
	notif := notifier.NewService(notifier.Config{RatePerSec: cfg.Notifier.RatePerSec},
		driver, nil, log.With(logx.String("comp", "notifier")))

	sendTimeout, err := config.ParseDurationOrDefault("engine.send_timeout", cfg.Engine.SendTimeout, 10*time.Second)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	eng := engine.New(engine.Config{
		DispatchWorkers: cfg.Engine.DispatchWorkers,
		SendTimeout:     sendTimeout,
		DefaultTimezone: cfg.Engine.DefaultTimezone,
	}, schedule.NewStore(), clock.System{}, notif, notifier.ClassReminder, bus,
		log.With(logx.String("comp", "engine")))

	reg := registry.New(db, eng, log.With(logx.String("comp", "registry")))
	notif.SetRecorder(reg)

	readTimeout, _ := config.ParseDurationField("http.read_timeout", cfg.HTTP.ReadTimeout)
	writeTimeout, _ := config.ParseDurationField("http.write_timeout", cfg.HTTP.WriteTimeout)
	srv := httpapi.NewServer(httpapi.Config{
		Addr:           cfg.HTTP.Addr,
		ReadTimeout:    readTimeout,
		WriteTimeout:   writeTimeout,
		AllowedOrigins: cfg.HTTP.CORSOrigins,
	}, eng, reg, notif, log.With(logx.String("comp", "http")))

	return &App{
		cfgm:  cfgm,
		logs:  logs,
		log:   log,
		db:    db,
		bus:   bus,
		notif: notif,
		eng:   eng,
		reg:   reg,
		srv:   srv,
		cron:  cron.New(),
	}, nil
}

// Engine is exposed for integration tests.
func (a *App) Engine() *engine.Engine { return a.eng }

func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	// Structural settings cannot change on hot reload; reject the whole
	// file so the running config stays coherent.
	boot := a.cfgm.Get()
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		switch {
		case cfg.HTTP.Addr != boot.HTTP.Addr:
			return fmt.Errorf("http.addr change requires a restart")
		case cfg.Storage.Path != boot.Storage.Path:
			return fmt.Errorf("storage.path change requires a restart")
		case cfg.Notifier.Driver != boot.Notifier.Driver:
			return fmt.Errorf("notifier.driver change requires a restart")
		}
		return nil
	})

	if err := a.reg.Replay(runCtx); err != nil {
		cancel()
		return fmt.Errorf("replay classes: %w", err)
	}

	a.eng.Start(runCtx)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.srv.Start(); err != nil {
			a.log.Error("http server failed", logx.Err(err))
		}
	}()

	if err := a.scheduleMaintenance(); err != nil {
		return err
	}
	a.cron.Start()

	a.watchEvents(runCtx)
	a.watchConfig(runCtx)

	a.log.Info("app started")
	return nil
}

func (a *App) scheduleMaintenance() error {
	spec := defaultPruneSpec
	retention := defaultRetention
	if m := a.cfgm.Get().Maintenance; m != nil {
		if m.PruneSpec != "" {
			spec = m.PruneSpec
		}
		d, err := config.ParseDurationOrDefault("maintenance.message_retention", m.MessageRetention, defaultRetention)
		if err != nil {
			return err
		}
		retention = d
	}
	_, err := a.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		n, err := a.reg.PruneMessages(ctx, retention)
		if err != nil {
			a.log.Warn("message prune failed", logx.Err(err))
			return
		}
		a.log.Info("message log pruned", logx.Int64("deleted", n))
	})
	if err != nil {
		return fmt.Errorf("maintenance.prune_spec: %w", err)
	}
	return nil
}

// watchEvents mirrors reminder lifecycle events into the log.
func (a *App) watchEvents(ctx context.Context) {
	ch, unsub := a.bus.Subscribe(64)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				switch ev.Type {
				case eventbus.TypeReminderFailed:
					a.log.Warn("reminder event", logx.String("type", ev.Type), logx.Any("data", ev.Data))
				case eventbus.TypeReminderFired:
					a.log.Info("reminder event", logx.String("type", ev.Type), logx.Any("data", ev.Data))
				default:
					a.log.Debug("reminder event", logx.String("type", ev.Type), logx.Any("data", ev.Data))
				}
			}
		}
	}()
}

// watchConfig hot-applies the reloadable parts: log level/sinks and the
// outbound rate limit. Structural settings (addr, storage path, driver)
// need a restart.
func (a *App) watchConfig(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case cfg, ok := <-sub:
				if !ok {
					return
				}
				a.logs.Apply(logx.Config{
					Level:   cfg.Logging.Level,
					Console: cfg.Logging.Console,
					File: logx.FileConfig{
						Enabled: cfg.Logging.File.Enabled,
						Path:    cfg.Logging.File.Path,
					},
				})
				a.notif.SetRate(cfg.Notifier.RatePerSec)
				a.log.Info("config applied")
			}
		}
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.cfgm.Watch(ctx); err != nil {
			a.log.Warn("config watch stopped", logx.Err(err))
		}
	}()
}

func (a *App) Stop(ctx context.Context) error {
	a.log.Info("stopping")

	if err := a.srv.Shutdown(ctx); err != nil {
		a.log.Warn("http shutdown failed", logx.Err(err))
	}

	cronCtx := a.cron.Stop()
	select {
	case <-cronCtx.Done():
	case <-ctx.Done():
	}

	a.eng.Stop(ctx)

	if a.cancel != nil {
		a.cancel()
	}
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	if err := a.db.Close(); err != nil {
		a.log.Warn("storage close failed", logx.Err(err))
	}
	_ = a.logs.Close()
	return nil
}
