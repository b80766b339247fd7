package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aryan2574/quantis-sub002/internal/cache"
	"github.com/aryan2574/quantis-sub002/internal/domain"
	"github.com/aryan2574/quantis-sub002/internal/event"
	"github.com/aryan2574/quantis-sub002/internal/fanout"
	"github.com/aryan2574/quantis-sub002/internal/feed"
	"github.com/aryan2574/quantis-sub002/internal/infra"
	"github.com/aryan2574/quantis-sub002/internal/matching"
	"github.com/aryan2574/quantis-sub002/internal/risk"
	"github.com/aryan2574/quantis-sub002/internal/settlement"
	"github.com/aryan2574/quantis-sub002/internal/store"
)

// App wires the full pipeline: event log, risk engine, matcher,
// settlement and fan-out. Every stage communicates through the log, so
// each can be restarted without losing the others.
type App struct {
	Config *infra.Config
	Logger *slog.Logger

	Log        *event.MemoryLog
	Cache      domain.StateCache
	Accounts   *store.Accounts
	Risk       *risk.Consumer
	Matcher    *matching.Simulator
	Settlement *settlement.Service
	Dispatcher *fanout.Dispatcher
	Feed       *feed.Server

	redis      *cache.Redis
	feedServer *http.Server
}

// Bootstrap builds the application from configuration. Components are
// constructed bottom-up; any failure tears down what was already opened.
func Bootstrap(cfg *infra.Config) (*App, error) {
	a := &App{Config: cfg}

	a.Logger = infra.NewLogger(cfg)
	slog.SetDefault(a.Logger)

	// Fast State Cache: Redis when an address is configured, in-process
	// otherwise.
	if cfg.Redis.Addr != "" {
		r := cache.NewRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := r.Ping(ctx)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		a.redis = r
		a.Cache = r
		slog.Info("fast state cache connected", slog.String("addr", cfg.Redis.Addr))
	} else {
		a.Cache = cache.NewMemory()
		slog.Warn("no redis configured, using in-process state cache")
	}

	accounts, err := store.Open(cfg.AccountDB.Driver, cfg.AccountDB.DSN)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open account store: %w", err)
	}
	a.Accounts = accounts

	a.Log = event.NewMemoryLog(event.MemoryLogConfig{
		Partitions:  cfg.Log.Partitions,
		MaxAttempts: cfg.Log.MaxAttempts,
		RetryBase:   time.Duration(cfg.Log.RetryBaseMS) * time.Millisecond,
		Buffer:      cfg.Log.BufferPerPart,
	})

	a.Settlement = settlement.NewService(settlement.ConfigFromInfra(cfg), a.Log, a.Cache)

	if err := a.buildFanout(cfg); err != nil {
		a.Close()
		return nil, err
	}

	engine := risk.NewEngine(risk.ConfigFromInfra(cfg), a.Cache, a.Accounts)
	a.Risk = risk.NewConsumer(engine, a.Log)

	a.Matcher = matching.NewSimulator(a.emitTrade, a.Cache)

	a.Feed = feed.NewServer(a.Log)

	return a, nil
}

func (a *App) buildFanout(cfg *infra.Config) error {
	db, err := fanout.OpenSinkDB(cfg.SinkDB.Driver, cfg.SinkDB.DSN)
	if err != nil {
		return fmt.Errorf("open sink db: %w", err)
	}

	records, err := fanout.NewIdempotencyStore(db)
	if err != nil {
		return fmt.Errorf("idempotency store: %w", err)
	}

	audit, err := fanout.NewAuditSink(db, a.Settlement.Position)
	if err != nil {
		return fmt.Errorf("audit sink: %w", err)
	}
	timeseries, err := fanout.NewTimeseriesSink(db)
	if err != nil {
		return fmt.Errorf("timeseries sink: %w", err)
	}
	search := fanout.NewSearchSink()

	a.Dispatcher = fanout.NewDispatcher(fanout.ConfigFromInfra(cfg), a.Log, records, audit, timeseries, search)
	return nil
}

// emitTrade publishes matcher executions to the trades topic, keyed by
// position key so settlement sees each key's fills in order.
func (a *App) emitTrade(ctx context.Context, exec domain.Execution) error {
	payload, err := json.Marshal(exec)
	if err != nil {
		return err
	}
	return a.Log.Publish(ctx, event.TopicTrades, exec.PositionKey(), payload)
}

// handleValidOrder forwards accepted orders into the matching engine.
func (a *App) handleValidOrder(ctx context.Context, msg event.Message) error {
	var valid event.ValidOrder
	if err := json.Unmarshal(msg.Payload, &valid); err != nil {
		return fmt.Errorf("decode valid order: %w", err)
	}
	return a.Matcher.Submit(ctx, valid.Order)
}

// Start launches every consumer and, when configured, the websocket feed.
func (a *App) Start() error {
	settlement.NewConsumer(a.Settlement, a.Log).Start()
	a.Dispatcher.Start()
	a.Risk.Start()
	a.Log.Subscribe(event.TopicOrdersValid, "matcher", a.handleValidOrder)
	a.Feed.Start()

	if addr := a.Config.Feed.Addr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/ws/positions", a.Feed)
		a.feedServer = &http.Server{Addr: addr, Handler: mux}
		go func() {
			slog.Info("position feed listening", slog.String("addr", addr))
			if err := a.feedServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("position feed server failed", slog.Any("error", err))
			}
		}()
	}

	slog.Info("pipeline started",
		slog.String("app", a.Config.App.Name),
		slog.Int("log_partitions", a.Config.Log.Partitions),
		slog.Int("settlement_shards", a.Config.Settlement.Shards))
	return nil
}

// SubmitOrder publishes one inbound order, keyed by account so each
// account's orders are evaluated in submission order.
func (a *App) SubmitOrder(ctx context.Context, order domain.Order) error {
	payload, err := json.Marshal(order)
	if err != nil {
		return err
	}
	return a.Log.Publish(ctx, event.TopicOrdersIn, order.AccountID, payload)
}

// Close shuts the pipeline down in reverse dependency order.
func (a *App) Close() {
	if a.feedServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		a.feedServer.Shutdown(ctx)
		cancel()
	}
	if a.Feed != nil {
		a.Feed.Close()
	}
	if a.Log != nil {
		a.Log.Close()
	}
	if a.Dispatcher != nil {
		a.Dispatcher.Close()
	}
	if a.Settlement != nil {
		a.Settlement.Close()
	}
	if a.redis != nil {
		a.redis.Close()
	}
	slog.Info("pipeline stopped")
}
