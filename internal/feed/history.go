package feed

import (
	"context"
	"sync"
	"time"

	"candlefeed/internal/coinbase/rest"
	"candlefeed/internal/market"
	"candlefeed/internal/metrics"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type HistorySource interface {
	Candles(ctx context.Context, product string, granularity time.Duration) ([]rest.Rate, error)
}

type LoaderOptions struct {
	Timeout     time.Duration
	Limit       int
	Concurrency int
}

// Loader seeds every registered instrument from a one-shot history fetch.
// A failed or empty fetch leaves the instrument to live ticks alone.
type Loader struct {
	source  HistorySource
	engine  *market.Engine
	metrics *metrics.Metrics
	log     *zap.Logger
	opts    LoaderOptions
}

func NewLoader(source HistorySource, engine *market.Engine, m *metrics.Metrics, log *zap.Logger, opts LoaderOptions) *Loader {
	if m == nil {
		m = metrics.NewNoop()
	}
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Limit <= 0 {
		opts.Limit = market.DefaultWindow
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	return &Loader{source: source, engine: engine, metrics: m, log: log, opts: opts}
}

// Load fetches all instruments concurrently and returns the resulting series
// length per seeded instrument. It never fails; errors are logged and counted.
func (l *Loader) Load(ctx context.Context) map[string]int {
	var (
		mu     sync.Mutex
		seeded = make(map[string]int)
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.opts.Concurrency)
	for _, id := range l.engine.Instruments() {
		g.Go(func() error {
			n, ok := l.loadOne(gctx, id)
			if ok {
				mu.Lock()
				seeded[id] = n
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return seeded
}

func (l *Loader) loadOne(ctx context.Context, instrument string) (int, bool) {
	if l.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.opts.Timeout)
		defer cancel()
	}
	rates, err := l.source.Candles(ctx, instrument, l.engine.Interval())
	if err != nil {
		l.metrics.HistoryFailed.Inc()
		l.log.Warn("history fetch failed, starting empty", zap.String("instrument", instrument), zap.Error(err))
		return 0, false
	}
	candles := CandlesFromRates(rates, l.opts.Limit)
	if len(candles) == 0 {
		l.log.Info("history empty", zap.String("instrument", instrument))
		return 0, false
	}
	n, err := l.engine.Seed(instrument, candles)
	if err != nil {
		l.metrics.HistoryFailed.Inc()
		l.log.Warn("history seed failed", zap.String("instrument", instrument), zap.Error(err))
		return 0, false
	}
	l.metrics.HistorySeeded.Inc()
	l.log.Info("history seeded",
		zap.String("instrument", instrument),
		zap.Int("fetched", len(rates)),
		zap.Int("series_len", n),
	)
	return n, true
}

// CandlesFromRates converts newest-first exchange rows into at most limit
// oldest-first candles. Rows with impossible prices are skipped.
func CandlesFromRates(rates []rest.Rate, limit int) []market.Candle {
	out := make([]market.Candle, 0, len(rates))
	for i := len(rates) - 1; i >= 0; i-- {
		r := rates[i]
		c := market.Candle{Key: r.Time, Open: r.Open, High: r.High, Low: r.Low, Close: r.Close}
		if !c.Valid() {
			continue
		}
		out = append(out, c)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}
