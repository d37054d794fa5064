package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"candlefeed/internal/alerts"
	"candlefeed/internal/coinbase/rest"
	"candlefeed/internal/coinbase/ws"
	"candlefeed/internal/config"
	"candlefeed/internal/feed"
	"candlefeed/internal/logging"
	"candlefeed/internal/market"
	"candlefeed/internal/metrics"
	"candlefeed/internal/publish"
	"candlefeed/internal/server"
	"candlefeed/internal/state"
	"candlefeed/internal/state/sqlite"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const alertTimeout = 10 * time.Second

type App struct {
	cfg       *config.Config
	log       *zap.Logger
	store     *sqlite.Store
	engine    *market.Engine
	metrics   *metrics.Metrics
	prom      *metrics.Prometheus
	processor *feed.Processor
	ws        *ws.Client
	loader    *feed.Loader
	selector  *state.Selector
	relay     *server.Relay
	server    *server.Server
	publisher *publish.Publisher
	alerts    *alerts.Telegram

	feedDone chan struct{}
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}

	engine := market.New(cfg.Instruments.Symbols, market.Options{
		Interval: cfg.Candles.Interval,
		Window:   cfg.Candles.Window,
		Location: cfg.Candles.LoadLocation(),
		Domain:   market.NewCalculator(cfg.Candles.Padding, cfg.Candles.FlatPadding),
	})

	m := metrics.NewNoop()
	var prom *metrics.Prometheus
	if cfg.Metrics.EnabledValue() {
		prom = metrics.NewPrometheus()
		m = prom.Metrics
	}

	selector, err := state.NewSelector(context.Background(), store, engine, cfg.Instruments.Default, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	processor := feed.NewProcessor(engine, m, log, feed.Options{
		QueueSize:       cfg.WS.QueueSize,
		UnknownLogLevel: logging.Level(cfg.Instruments.UnknownLogLevel),
	})
	relay := server.NewRelay(cfg.Server.RelayBuffer, cfg.Server.OriginPatterns, m, log)
	processor.AddListener(relay.OnTick)

	var publisher *publish.Publisher
	if cfg.Redis.Enabled {
		publisher = publish.NewRedis(cfg.Redis, m, log)
		processor.AddListener(publisher.OnTick)
	}

	var loader *feed.Loader
	if cfg.History.EnabledValue() {
		restClient := rest.New(cfg.REST.BaseURL, cfg.REST.Timeout, log)
		loader = feed.NewLoader(restClient, engine, m, log, feed.LoaderOptions{
			Timeout:     cfg.History.Timeout,
			Limit:       cfg.History.Limit,
			Concurrency: cfg.History.Concurrency,
		})
	}

	return &App{
		cfg:       cfg,
		log:       log,
		store:     store,
		engine:    engine,
		metrics:   m,
		prom:      prom,
		processor: processor,
		ws:        ws.New(cfg.WS.URL, cfg.WS.PingInterval, log),
		loader:    loader,
		selector:  selector,
		relay:     relay,
		server:    server.New(engine, selector, relay, log),
		publisher: publisher,
		alerts:    alerts.NewTelegram(cfg.Telegram, log),
		feedDone:  make(chan struct{}),
	}, nil
}

// Run serves until ctx ends. The live feed ending does not stop the app: the
// last state stays available over HTTP.
func (a *App) Run(ctx context.Context) error {
	defer a.store.Close()
	a.log.Info("candlefeed starting",
		zap.Strings("instruments", a.engine.Instruments()),
		zap.String("active", a.selector.Active()),
		zap.Duration("interval", a.engine.Interval()),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		srv := &http.Server{
			Addr:              a.cfg.Server.Address,
			Handler:           a.server.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		return server.Serve(gctx, srv, a.cfg.Server.ShutdownTimeout, a.log)
	})
	if a.prom != nil {
		g.Go(func() error {
			mux := http.NewServeMux()
			mux.Handle(a.cfg.Metrics.Path, a.prom.Handler())
			srv := &http.Server{
				Addr:              a.cfg.Metrics.Address,
				Handler:           mux,
				ReadHeaderTimeout: 5 * time.Second,
			}
			return server.Serve(gctx, srv, a.cfg.Server.ShutdownTimeout, a.log)
		})
	}
	if a.publisher != nil {
		g.Go(func() error {
			return a.publisher.Run(gctx)
		})
	}
	g.Go(func() error {
		a.runFeed(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.relay.Close()
		return nil
	})

	err := g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// runFeed streams live ticks while history loads alongside. It returns once
// the feed has closed and every queued tick has been applied.
func (a *App) runFeed(ctx context.Context) {
	defer close(a.feedDone)
	a.processor.Start()

	historyDone := make(chan struct{})
	go func() {
		defer close(historyDone)
		var seeded map[string]int
		if a.loader != nil {
			seeded = a.loader.Load(ctx)
			a.log.Info("history load finished", zap.Any("seeded", seeded))
		}
		a.notify(ctx, func(ctx context.Context) error {
			return a.alerts.FeedStarted(ctx, a.engine.Instruments(), seeded)
		})
	}()

	var feedErr error
	if err := a.ws.Subscribe(ctx, feed.Subscription(a.engine.Instruments())); err != nil {
		feedErr = err
	} else {
		feedErr = a.ws.Run(ctx, func(raw json.RawMessage) {
			a.processor.HandleFrame(ctx, raw)
		})
	}
	<-historyDone
	a.processor.Stop()

	if ctx.Err() != nil {
		return
	}
	if feedErr != nil && !errors.Is(feedErr, context.Canceled) {
		a.log.Error("live feed failed", zap.Error(feedErr))
	} else {
		a.log.Warn("live feed closed; candles are frozen")
	}
	a.notify(ctx, func(ctx context.Context) error {
		return a.alerts.FeedEnded(ctx, feedErr)
	})
}

func (a *App) notify(ctx context.Context, send func(context.Context) error) {
	if !a.alerts.Enabled() {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, alertTimeout)
	defer cancel()
	if err := send(ctx); err != nil {
		a.log.Warn("telegram alert failed", zap.Error(err))
	}
}
