package app

import (
	"context"
	"fmt"
	"strings"

	"herald/internal/config"
	"herald/internal/engine"
	"herald/internal/metrics"
	"herald/internal/store"
	"herald/internal/transport"
	logx "herald/pkg/logx"
)

// App wires the config manager, logging, store, engine, transports and the
// metrics exporter into one runnable unit.
type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	eng      *engine.Engine
	inboxSt  store.Store
	exporter *metrics.Exporter

	cancelWatch context.CancelFunc
}

func New(cfgPath string) (*App, error) {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(loggingConfig(cfg))
	mgr.SetLogger(log.With(logx.String("comp", "config")))

	engCfg, err := engineConfig(cfg)
	if err != nil {
		return nil, err
	}
	eng := engine.New(engCfg, log.With(logx.String("comp", "engine")))

	a := &App{cfgMgr: mgr, logSvc: logSvc, log: log, eng: eng}

	if cfg.Store != nil {
		stCfg, err := storeConfig(cfg.Store)
		if err != nil {
			return nil, err
		}
		st, err := store.Open(stCfg, log.With(logx.String("comp", "store")))
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		a.inboxSt = st
	}

	if err := a.registerChannels(cfg.Channels); err != nil {
		return nil, err
	}

	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		a.exporter = metrics.New(metrics.Config{
			Enabled: true,
			Addr:    cfg.Metrics.Addr,
		}, eng, log.With(logx.String("comp", "metrics")))
	}

	return a, nil
}

// Engine exposes the delivery engine so the host application can register
// rules, templates, recipients and resolvers, and raise events.
func (a *App) Engine() *engine.Engine { return a.eng }

// Inbox exposes the durable in-app store (nil when disabled).
func (a *App) Inbox() store.Store { return a.inboxSt }

func (a *App) Start(ctx context.Context) error {
	if err := a.eng.Start(ctx); err != nil {
		return err
	}
	if a.exporter != nil {
		a.exporter.Start(ctx)
	}

	// Config hot reload currently applies logging changes only.
	wctx, cancel := context.WithCancel(ctx)
	a.cancelWatch = cancel
	updates := a.cfgMgr.Subscribe(2)
	go func() {
		defer a.cfgMgr.Unsubscribe(updates)
		for {
			select {
			case <-wctx.Done():
				return
			case cfg, ok := <-updates:
				if !ok {
					return
				}
				a.logSvc.Apply(loggingConfig(cfg))
			}
		}
	}()
	go func() { _ = a.cfgMgr.Watch(wctx) }()
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.cancelWatch != nil {
		a.cancelWatch()
	}
	a.eng.Stop(ctx)
	if a.exporter != nil {
		a.exporter.Stop(ctx)
	}
	if a.inboxSt != nil {
		_ = a.inboxSt.Close()
	}
	return a.logSvc.Close()
}

func (a *App) registerChannels(chs []config.ChannelConfig) error {
	for _, cc := range chs {
		ch, tr, err := a.buildChannel(cc)
		if err != nil {
			return fmt.Errorf("channel %q: %w", cc.ID, err)
		}
		a.eng.AddChannel(ch, tr)
		a.log.Info("channel registered",
			logx.String("channel", ch.ID),
			logx.String("type", string(ch.Type)))
	}
	return nil
}

func (a *App) buildChannel(cc config.ChannelConfig) (engine.Channel, engine.Transport, error) {
	chType := engine.ChannelType(strings.ToLower(strings.TrimSpace(cc.Type)))
	switch chType {
	case engine.ChannelEmail, engine.ChannelSMS, engine.ChannelPush,
		engine.ChannelInApp, engine.ChannelChatWebhook:
	default:
		return engine.Channel{}, nil, fmt.Errorf("unknown channel type %q", cc.Type)
	}

	timeout, err := config.ParseDurationField("channels."+cc.ID+".timeout", cc.Timeout)
	if err != nil {
		return engine.Channel{}, nil, err
	}

	enabled := true
	if cc.Enabled != nil {
		enabled = *cc.Enabled
	}
	ch := engine.Channel{
		ID:       cc.ID,
		Name:     cc.Name,
		Type:     chType,
		Enabled:  enabled,
		Priority: cc.Priority,
		Config: engine.ChannelConfig{
			Endpoint:      cc.Endpoint,
			Timeout:       timeout,
			MaxAttempts:   cc.MaxAttempts,
			RatePerMinute: cc.RatePerMinute,
		},
	}

	tlog := a.log.With(logx.String("comp", "transport"), logx.String("channel", cc.ID))
	var tr engine.Transport
	switch {
	case chType == engine.ChannelInApp:
		tr, err = transport.NewInApp(a.inboxSt, tlog)
	case cc.Telegram != nil:
		tr, err = transport.NewTelegram(cc.Telegram.Token, cc.Telegram.ChatID, tlog)
	default:
		tr, err = transport.NewWebhook(cc.Endpoint, timeout, tlog)
	}
	if err != nil {
		return engine.Channel{}, nil, err
	}
	return ch, tr, nil
}

func loggingConfig(cfg *config.Config) logx.Config {
	console := true
	if cfg.Logging.Console != nil {
		console = *cfg.Logging.Console
	}
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func engineConfig(cfg *config.Config) (engine.Config, error) {
	tick, err := config.ParseDurationField("engine.tick", cfg.Engine.Tick)
	if err != nil {
		return engine.Config{}, err
	}
	retryMax, err := config.ParseDurationField("engine.retry_max_delay", cfg.Engine.RetryMaxDelay)
	if err != nil {
		return engine.Config{}, err
	}
	interval, err := config.ParseDurationField("health.interval", cfg.Health.Interval)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Tick:               tick,
		DispatchLimit:      cfg.Engine.DispatchLimit,
		MaxAttempts:        cfg.Engine.MaxAttempts,
		RetryMaxDelay:      retryMax,
		HealthInterval:     interval,
		DownThreshold:      cfg.Health.DownThreshold,
		DegradedThreshold:  cfg.Health.DegradedThreshold,
		Timezone:           cfg.Engine.Timezone,
		BusinessHoursStart: cfg.Engine.BusinessHoursStart,
		BusinessHoursEnd:   cfg.Engine.BusinessHoursEnd,
	}, nil
}

func storeConfig(sc *config.StoreConfig) (store.Config, error) {
	busy, err := config.ParseDurationField("store.busy_timeout", sc.BusyTimeout)
	if err != nil {
		return store.Config{}, err
	}
	return store.Config{
		Driver:      sc.Driver,
		Path:        sc.Path,
		BusyTimeout: busy,
		InboxCap:    sc.InboxCap,
	}, nil
}
