package feed

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"candlefeed/internal/market"
	"candlefeed/internal/metrics"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Listener observes every tick the engine accepted together with the
// mutation it caused.
type Listener func(tick market.Tick, upd market.Update)

type Options struct {
	QueueSize       int
	UnknownLogLevel zapcore.Level
	Now             func() time.Time
}

// Processor turns raw feed frames into engine mutations. Each instrument has
// its own queue and worker, so one instrument's ticks are applied strictly in
// arrival order while instruments proceed independently.
type Processor struct {
	engine    *market.Engine
	metrics   *metrics.Metrics
	log       *zap.Logger
	unknown   zapcore.Level
	now       func() time.Time
	listeners []Listener

	mu     sync.RWMutex
	closed bool
	queues map[string]chan market.Tick
	wg     sync.WaitGroup
}

func NewProcessor(engine *market.Engine, m *metrics.Metrics, log *zap.Logger, opts Options) *Processor {
	if m == nil {
		m = metrics.NewNoop()
	}
	if log == nil {
		log = zap.NewNop()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	p := &Processor{
		engine:  engine,
		metrics: m,
		log:     log,
		unknown: opts.UnknownLogLevel,
		now:     opts.Now,
		queues:  make(map[string]chan market.Tick),
	}
	for _, id := range engine.Instruments() {
		p.queues[id] = make(chan market.Tick, opts.QueueSize)
	}
	return p
}

// AddListener must be called before Start.
func (p *Processor) AddListener(l Listener) {
	if l != nil {
		p.listeners = append(p.listeners, l)
	}
}

func (p *Processor) Start() {
	for _, q := range p.queues {
		p.wg.Add(1)
		go func(q chan market.Tick) {
			defer p.wg.Done()
			for tick := range q {
				p.apply(tick)
			}
		}(q)
	}
}

// Stop closes the queues and waits for queued ticks to drain.
func (p *Processor) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, q := range p.queues {
		close(q)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// HandleFrame decodes a raw feed frame and queues any tick it carries.
func (p *Processor) HandleFrame(ctx context.Context, raw json.RawMessage) {
	msg, err := decodeMessage(raw)
	if err != nil {
		p.metrics.TicksMalformed.Inc()
		p.log.Debug("feed frame rejected", zap.Error(err))
		return
	}
	switch msg.Type {
	case tickerChannel:
	case "subscriptions":
		p.log.Info("feed subscribed", zap.Any("channels", msg.Channels))
		return
	case "error":
		p.log.Warn("feed error", zap.String("message", msg.Message), zap.String("reason", msg.Reason))
		return
	default:
		return
	}
	tick, err := tickFromMessage(msg, p.now())
	if err != nil {
		p.metrics.TicksMalformed.Inc()
		p.log.Debug("ticker rejected", zap.Error(err))
		return
	}
	p.Dispatch(ctx, tick)
}

// Dispatch queues a validated tick on its instrument's worker. It blocks while
// that queue is full so no tick is lost or reordered.
func (p *Processor) Dispatch(ctx context.Context, tick market.Tick) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	q, ok := p.queues[tick.Instrument]
	if !ok {
		p.reportUnknown(tick)
		return
	}
	select {
	case q <- tick:
	case <-ctx.Done():
	}
}

func (p *Processor) apply(tick market.Tick) {
	upd, err := p.engine.Ingest(tick)
	switch {
	case errors.Is(err, market.ErrUnknownInstrument):
		p.reportUnknown(tick)
		return
	case errors.Is(err, market.ErrLateTick):
		p.metrics.TicksLate.Inc()
		p.log.Debug("late tick dropped",
			zap.String("instrument", tick.Instrument),
			zap.Int64("timestamp", tick.Timestamp),
			zap.Int64("open_bucket", upd.Candle.Key),
		)
	case err != nil:
		p.log.Warn("ingest failed", zap.String("instrument", tick.Instrument), zap.Error(err))
		return
	default:
		p.metrics.TicksIngested.Inc()
		if upd.Opened {
			p.metrics.CandlesOpened.Inc()
		}
	}
	for _, l := range p.listeners {
		l(tick, upd)
	}
}

func (p *Processor) reportUnknown(tick market.Tick) {
	p.metrics.TicksUnknown.Inc()
	if ce := p.log.Check(p.unknown, "tick for unknown instrument ignored"); ce != nil {
		ce.Write(zap.String("instrument", tick.Instrument), zap.Float64("price", tick.Price))
	}
}
