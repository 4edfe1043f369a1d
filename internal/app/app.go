// Package app wires the daemon together: config, logging, storage, the
// scheduler, the order state machine, the notifier, the Telegram adapter,
// and the ops API.
package app

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/redis/rueidis"

	"assistbot/internal/config"
	"assistbot/internal/eventbus"
	"assistbot/internal/handler"
	"assistbot/internal/notes"
	"assistbot/internal/notifier"
	"assistbot/internal/ops"
	"assistbot/internal/order"
	"assistbot/internal/registry"
	"assistbot/internal/schedule"
	"assistbot/internal/scheduler"
	"assistbot/internal/store"
	"assistbot/internal/transport"
	"assistbot/internal/transport/telegram"
	"assistbot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	cfg  *config.Config

	logs *logx.Service
	log  logx.Logger

	bus   *eventbus.Bus
	st    *store.Store
	redis rueidis.Client

	adapter *telegram.Adapter
	notif   *notifier.Service
	users   *registry.Service
	notes   *notes.Service
	orders  *order.Service
	poller  *scheduler.Service
	opsSrv  *ops.Server

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, err := logx.NewService(cfg.LogxConfig())
	if err != nil {
		return nil, err
	}
	log := logs.Logger().With(logx.String("comp", "app"))
	cfgm.SetLogger(logs.Logger().With(logx.String("comp", "config")))

	bus := eventbus.New()

	stCfg, err := cfg.StoreConfig()
	if err != nil {
		return nil, err
	}
	st, err := store.Open(stCfg, logs.Logger().With(logx.String("comp", "store")))
	if err != nil {
		return nil, err
	}

	pollTimeout, err := cfg.TelegramPollTimeout()
	if err != nil {
		return nil, err
	}
	adapter, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, logs.Logger().With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	ncfg, err := cfg.NotifierConfig()
	if err != nil {
		return nil, err
	}
	notif := notifier.New(ncfg, adapter, logs.Logger().With(logx.String("comp", "notifier")))

	users := registry.NewService(st)
	noteSvc := notes.NewService(st)
	orders := order.NewService(st, notif, bus, logs.Logger().With(logx.String("comp", "order")))

	handlers := handler.Registry(handler.Deps{
		Users:    users,
		Notes:    noteSvc,
		Orders:   orders,
		Notifier: notif,
		Log:      logs.Logger().With(logx.String("comp", "handler")),
	})

	schedCfg, err := cfg.SchedulerConfig()
	if err != nil {
		return nil, err
	}

	var (
		redisClient rueidis.Client
		lease       scheduler.Lease
	)
	if addr := strings.TrimSpace(cfg.Redis.Addr); addr != "" {
		redisClient, err = rueidis.NewClient(rueidis.ClientOption{InitAddress: []string{addr}})
		if err != nil {
			return nil, err
		}
		lease = scheduler.NewRedisLease(redisClient, cfg.Redis.LeasePrefix)
		log.Info("task leases enabled", logx.String("redis", addr))
	}

	core := scheduler.NewCore(schedCfg, scheduler.Deps{
		Tasks:    st,
		Ledger:   st,
		Resolver: schedule.NewResolver(),
		Handlers: handlers,
		Lease:    lease,
		Bus:      bus,
		Esc: handler.Escalation{
			Users:    users,
			Notifier: notif,
			Log:      logs.Logger().With(logx.String("comp", "escalation")),
		},
		Log: logs.Logger().With(logx.String("comp", "scheduler")),
	})
	poller := scheduler.NewService(core, logs.Logger().With(logx.String("comp", "scheduler")))

	var opsSrv *ops.Server
	if cfg.Ops.Enabled {
		opsSrv = ops.NewServer(ops.Config{
			Addr:               cfg.Ops.Addr,
			RateLimitPerMinute: cfg.Ops.RateLimitPerMinute,
		}, ops.Deps{
			Store:    st,
			Orders:   orders,
			Resolver: schedule.NewResolver(),
			Poller:   poller,
			Log:      logs.Logger().With(logx.String("comp", "ops")),
		})
	}

	return &App{
		cfgm:    cfgm,
		cfg:     cfg,
		logs:    logs,
		log:     log,
		bus:     bus,
		st:      st,
		redis:   redisClient,
		adapter: adapter,
		notif:   notif,
		users:   users,
		notes:   noteSvc,
		orders:  orders,
		poller:  poller,
		opsSrv:  opsSrv,
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	if a.started {
		return nil
	}
	a.started = true
	rctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.adapter.OnMessage(a.onMessage)
	if err := a.adapter.Start(rctx); err != nil {
		cancel()
		return err
	}
	a.notif.Start(rctx)
	a.poller.Start(rctx)
	if a.opsSrv != nil {
		a.opsSrv.Start()
	}

	// Config file watcher plus the reload applier.
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		_ = a.cfgm.Watch(rctx)
	}()
	sub := a.cfgm.Subscribe(4)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-rctx.Done():
				return
			case cfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyReload(cfg)
			}
		}
	}()

	a.log.Info("assistbot started")
	return nil
}

// applyReload applies the hot-reloadable subset of a new config. Anything
// structural (database path, telegram token, worker counts) needs a
// restart and is left alone.
func (a *App) applyReload(cfg *config.Config) {
	if err := a.logs.Apply(cfg.LogxConfig()); err != nil {
		a.log.Warn("log config apply failed", logx.Err(err))
	}
	a.cfg = cfg
	a.log.Info("config applied", logx.String("level", cfg.Logging.Level))
}

// onMessage handles an inbound chat message: refresh the directory entry,
// then relay the text to the other party if the sender is inside an active
// order chat session.
func (a *App) onMessage(ctx context.Context, msg transport.Incoming) {
	if err := a.users.Touch(ctx, msg.ChatID, msg.Name, msg.Username, time.Now().UTC()); err != nil {
		a.log.Warn("directory touch failed", logx.String("chat_id", msg.ChatID), logx.Err(err))
	}

	to, ok, err := a.orders.Relay(ctx, msg.ChatID)
	if err != nil {
		a.log.Warn("relay lookup failed", logx.String("chat_id", msg.ChatID), logx.Err(err))
		return
	}
	if !ok {
		return
	}
	a.notif.Notify(to, "💬 "+msg.Text)
}

// Stop shuts components down in dependency order: stop producing work
// (poller), drain outbound (notifier), then transports and storage.
func (a *App) Stop(ctx context.Context) error {
	if !a.started {
		return nil
	}
	a.started = false

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	record(a.poller.Stop(ctx))
	record(a.notif.Stop(ctx))
	record(a.adapter.Stop(ctx))
	if a.opsSrv != nil {
		record(a.opsSrv.Stop(ctx))
	}

	a.cancel()
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		record(ctx.Err())
	}

	if a.redis != nil {
		a.redis.Close()
	}
	record(a.st.Close())
	a.log.Info("assistbot stopped")
	record(a.logs.Close())
	return firstErr
}
