package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"burstbot/internal/coalesce"
	"burstbot/internal/config"
	"burstbot/internal/eventbus"
	"burstbot/internal/responder"
	rtsup "burstbot/internal/runtime/supervisor"
	"burstbot/internal/storage"
	"burstbot/internal/transport"
	"burstbot/internal/transport/telegram"
	"burstbot/internal/transport/webhook"
	logx "burstbot/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	engine *coalesce.Engine
	resp   *responder.Responder
	maint  *maintenance

	adapters []transport.Adapter
	byName   map[string]transport.Adapter
	inbound  chan transport.Message
}

func NewApp(cfgPath string) (*App, error) {
	return newApp(cfgPath)
}

func newApp(cfgPath string, engineOpts ...coalesce.Option) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, logSvc.Logger())
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	bus := eventbus.New()

	window, _ := cfg.Coalesce.WindowDuration()
	opts := append([]coalesce.Option{
		coalesce.WithLogger(logSvc.Logger().With(logx.String("comp", "coalesce"))),
		coalesce.WithBus(bus),
	}, engineOpts...)
	eng, err := coalesce.New(window, opts...)
	if err != nil {
		closeStore(store)
		return nil, err
	}

	rc, _ := mapResponderConfig(cfg)
	gen, err := responder.NewGenerator(rc)
	if err != nil {
		closeStore(store)
		return nil, err
	}
	resp := responder.New(gen, store, cfg.Responder.HistoryTurns, logSvc.Logger().With(logx.String("comp", "responder")))

	mc, _ := mapMaintenanceConfig(cfg)

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		engine:  eng,
		resp:    resp,
		maint:   newMaintenance(mc, store, logSvc.Logger().With(logx.String("comp", "maintenance"))),
		byName:  map[string]transport.Adapter{},
		inbound: make(chan transport.Message, 256),
	}

	if cfg.Telegram.Enabled {
		tc, _ := mapTelegramConfig(cfg)
		ad, err := telegram.New(tc, logSvc.Logger().With(logx.String("comp", "telegram")))
		if err != nil {
			closeStore(store)
			return nil, err
		}
		a.addAdapter(ad)
	}
	if cfg.Webhook.Enabled {
		a.addAdapter(webhook.New(
			mapWebhookConfig(cfg),
			logSvc.Logger().With(logx.String("comp", "webhook")),
			func() any { return eng.Snapshot() },
		))
	}
	if len(a.adapters) == 0 {
		log.Warn("no ingress enabled; enable telegram or webhook to receive messages")
	}

	log.Info("app configured",
		logx.Duration("window", eng.Window()),
		logx.String("responder", driverName(rc.Driver)),
		logx.Int("adapters", len(a.adapters)),
	)
	return a, nil
}

func (a *App) addAdapter(ad transport.Adapter) {
	a.adapters = append(a.adapters, ad)
	a.byName[ad.Name()] = ad
}

func driverName(driver string) string {
	if strings.TrimSpace(driver) == "" {
		return "echo"
	}
	return driver
}

func closeStore(st storage.Store) {
	if st != nil {
		_ = st.Close()
	}
}

// validateConfig runs on boot and before every hot-reload commit.
func validateConfig(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapMaintenanceConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTelegramConfig(cfg); err != nil {
		return err
	}
	_, err := mapResponderConfig(cfg)
	return err
}

// Engine exposes the coalescing engine (status endpoints, tests).
func (a *App) Engine() *coalesce.Engine { return a.engine }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.cfgm.SetLogger(a.logs.Logger().With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	// Subscribe before any adapter can deliver, so no flush goes unrecorded.
	if a.store != nil {
		events, unsub := eventbus.Filter(a.bus, coalesce.EventPrefix, 256)
		a.sup.Go0("flush.audit", func(c context.Context) {
			defer unsub()
			a.auditLoop(c, events)
		})
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	a.sup.Go0("dispatch", a.dispatchLoop)

	for _, ad := range a.adapters {
		if err := ad.Start(a.sup.Context(), a.inbound); err != nil {
			return fmt.Errorf("start %s: %w", ad.Name(), err)
		}
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if err := a.maint.Start(); err != nil {
		return fmt.Errorf("maintenance: %w", err)
	}

	if every := watchdogInterval(a.log); every > 0 {
		a.log.Info("systemd watchdog enabled", logx.Duration("interval", every))
		a.sup.Go0("systemd.watchdog", func(c context.Context) { runWatchdog(c, a.log, every) })
	}
	sdNotify(a.log, daemon.SdNotifyReady)

	a.log.Info("app started")
	return nil
}

func (a *App) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-a.inbound:
			a.dispatch(msg)
		}
	}
}

// dispatch queues one fragment. Each message carries a fresh handler bound to
// its own reply target, so the latest fragment decides where the answer goes.
func (a *App) dispatch(msg transport.Message) {
	channel := msg.ReplyTo.Channel
	if channel == "" {
		channel = msg.Channel
	}
	ad, ok := a.byName[channel]
	if !ok {
		a.log.Warn("dropping message for unknown channel", logx.String("channel", channel))
		return
	}
	to := msg.ReplyTo
	reply := func(ctx context.Context, text string) error {
		return ad.Reply(ctx, to, text)
	}
	a.engine.AddMessage(msg.SenderKey(), msg.Text, a.resp.Handler(reply))
}

func (a *App) auditLoop(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.recordFlush(ctx, e)
		}
	}
}

func (a *App) recordFlush(ctx context.Context, e eventbus.Event) {
	var outcome string
	switch e.Type {
	case coalesce.EventFlushCompleted:
		outcome = "completed"
	case coalesce.EventFlushFailed:
		outcome = "failed"
	case coalesce.EventFlushPreempted:
		outcome = "preempted"
	default:
		return
	}
	fe, ok := e.Data.(coalesce.FlushEvent)
	if !ok {
		return
	}
	rec := storage.FlushRecord{
		ID:        fe.ID,
		Sender:    fe.Sender,
		Outcome:   outcome,
		Fragments: fe.Fragments,
		Chars:     fe.Chars,
		TookMS:    fe.Duration.Milliseconds(),
		Error:     fe.Error,
		At:        e.Time,
	}
	if err := a.store.AppendFlush(ctx, rec); err != nil && ctx.Err() == nil {
		a.log.Warn("flush audit write failed", logx.String("flush_id", fe.ID), logx.Err(err))
	}
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}

			ch := config.SummarizeConfigChange(lastApplied, newCfg)
			lastApplied = newCfg
			if ch.Empty() {
				a.log.Info("config reloaded (no changes)")
				continue
			}
			if len(ch.RestartRequired) > 0 {
				a.log.Warn("config changed; restart required for changes to take effect",
					logx.Any("sections", ch.RestartRequired))
			}
			a.logs.Apply(mapLoggingConfig(newCfg))

			fields := append([]logx.Field{logx.String("changed", ch.Summary())}, ch.Attrs...)
			a.log.Info("config reloaded", fields...)
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdNotify(a.log, daemon.SdNotifyStopping)

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Ingress first so nothing new reaches the engine.
	for _, ad := range a.adapters {
		a.stopStep(ctx, "adapter."+ad.Name(), 2*time.Second, ad.Stop)
	}
	a.stopStep(ctx, "coalesce", 3*time.Second, a.engine.Close)
	a.stopStep(ctx, "maintenance", time.Second, a.maint.Stop)
	a.stopStep(ctx, "storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	// Finally, wait for supervised goroutines (config watch/reload, dispatch, audit).
	a.stopStep(ctx, "supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// stopStep runs fn with an upper bound so one component can't stall the whole
// stop. The caller's deadline is never extended.
func (a *App) stopStep(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	stepCtx := ctx
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, max)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			took := time.Since(start)
			if err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
			} else {
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
			}
		}()
	}
}
