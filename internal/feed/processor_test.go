package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"candlefeed/internal/market"
	"candlefeed/internal/metrics"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type countingCounter struct {
	n atomic.Int64
}

func (c *countingCounter) Inc() { c.n.Add(1) }

func (c *countingCounter) Value() int64 { return c.n.Load() }

type testMetrics struct {
	*metrics.Metrics
	ingested  *countingCounter
	unknown   *countingCounter
	late      *countingCounter
	malformed *countingCounter
	opened    *countingCounter
	seeded    *countingCounter
	failed    *countingCounter
}

func newTestMetrics() testMetrics {
	tm := testMetrics{
		Metrics:   metrics.NewNoop(),
		ingested:  &countingCounter{},
		unknown:   &countingCounter{},
		late:      &countingCounter{},
		malformed: &countingCounter{},
		opened:    &countingCounter{},
		seeded:    &countingCounter{},
		failed:    &countingCounter{},
	}
	tm.TicksIngested = tm.ingested
	tm.TicksUnknown = tm.unknown
	tm.TicksLate = tm.late
	tm.TicksMalformed = tm.malformed
	tm.CandlesOpened = tm.opened
	tm.HistorySeeded = tm.seeded
	tm.HistoryFailed = tm.failed
	return tm
}

func tickerFrame(product, price string, ts time.Time) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"type":"ticker","product_id":%q,"price":%q,"time":%q}`,
		product, price, ts.UTC().Format("2006-01-02T15:04:05.000000Z")))
}

func TestProcessorBuildsCandlesFromFrames(t *testing.T) {
	engine := market.New([]string{"BTC-USD", "ETH-USD"}, market.Options{})
	tm := newTestMetrics()
	p := NewProcessor(engine, tm.Metrics, zap.NewNop(), Options{QueueSize: 4})

	var (
		mu   sync.Mutex
		seen []market.Update
	)
	p.AddListener(func(_ market.Tick, upd market.Update) {
		mu.Lock()
		seen = append(seen, upd)
		mu.Unlock()
	})
	p.Start()

	base := time.Unix(1_700_000_040, 0)
	ctx := context.Background()
	p.HandleFrame(ctx, tickerFrame("BTC-USD", "100", base.Add(5*time.Second)))
	p.HandleFrame(ctx, tickerFrame("BTC-USD", "105", base.Add(20*time.Second)))
	p.HandleFrame(ctx, tickerFrame("BTC-USD", "98", base.Add(50*time.Second)))
	p.HandleFrame(ctx, tickerFrame("BTC-USD", "110", base.Add(65*time.Second)))
	p.HandleFrame(ctx, tickerFrame("ETH-USD", "2000", base.Add(1*time.Second)))
	p.Stop()

	snap, ok := engine.Snapshot("BTC-USD")
	if !ok {
		t.Fatalf("expected BTC-USD snapshot")
	}
	if len(snap.Candles) != 2 {
		t.Fatalf("expected 2 candles, got %d", len(snap.Candles))
	}
	first := snap.Candles[0]
	if first.Open != 100 || first.High != 105 || first.Low != 98 || first.Close != 98 {
		t.Fatalf("unexpected first candle %+v", first)
	}
	if snap.Candles[1].Open != 110 {
		t.Fatalf("unexpected second candle %+v", snap.Candles[1])
	}
	if got := tm.ingested.Value(); got != 5 {
		t.Fatalf("expected 5 ingested ticks, got %d", got)
	}
	if got := tm.opened.Value(); got != 3 {
		t.Fatalf("expected 3 opened candles, got %d", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 5 {
		t.Fatalf("expected 5 listener calls, got %d", len(seen))
	}
}

func TestProcessorCountsRejectedFrames(t *testing.T) {
	engine := market.New([]string{"BTC-USD"}, market.Options{})
	tm := newTestMetrics()
	core, logs := observer.New(zapcore.InfoLevel)
	p := NewProcessor(engine, tm.Metrics, zap.New(core), Options{UnknownLogLevel: zapcore.InfoLevel})
	p.Start()

	ctx := context.Background()
	now := time.Unix(1_700_000_040, 0)
	p.HandleFrame(ctx, json.RawMessage(`{"type":"ticker",`))
	p.HandleFrame(ctx, tickerFrame("BTC-USD", "-3", now))
	p.HandleFrame(ctx, tickerFrame("DOGE-USD", "0.1", now))
	p.HandleFrame(ctx, json.RawMessage(`{"type":"heartbeat","product_id":"BTC-USD"}`))
	p.HandleFrame(ctx, json.RawMessage(`{"type":"subscriptions","channels":[{"name":"ticker","product_ids":["BTC-USD"]}]}`))
	p.Stop()

	if got := tm.malformed.Value(); got != 2 {
		t.Fatalf("expected 2 malformed frames, got %d", got)
	}
	if got := tm.unknown.Value(); got != 1 {
		t.Fatalf("expected 1 unknown tick, got %d", got)
	}
	if got := tm.ingested.Value(); got != 0 {
		t.Fatalf("expected no ingested ticks, got %d", got)
	}
	if logs.FilterMessage("tick for unknown instrument ignored").Len() != 1 {
		t.Fatalf("expected unknown instrument to be logged at the configured level")
	}
	if logs.FilterMessage("feed subscribed").Len() != 1 {
		t.Fatalf("expected subscription acknowledgement to be logged")
	}
	if snap, _ := engine.Snapshot("BTC-USD"); len(snap.Candles) != 0 || snap.HasQuote {
		t.Fatalf("rejected frames must not touch the engine, got %+v", snap)
	}
}

func TestProcessorLateTickUpdatesQuoteOnly(t *testing.T) {
	engine := market.New([]string{"BTC-USD"}, market.Options{})
	tm := newTestMetrics()
	p := NewProcessor(engine, tm.Metrics, zap.NewNop(), Options{})

	var calls atomic.Int64
	p.AddListener(func(market.Tick, market.Update) { calls.Add(1) })
	p.Start()

	ctx := context.Background()
	p.Dispatch(ctx, market.Tick{Instrument: "BTC-USD", Price: 100, Timestamp: 1_700_000_100})
	p.Dispatch(ctx, market.Tick{Instrument: "BTC-USD", Price: 90, Timestamp: 1_700_000_000})
	p.Stop()

	snap, _ := engine.Snapshot("BTC-USD")
	if len(snap.Candles) != 1 || snap.Candles[0].Low != 100 {
		t.Fatalf("late tick must not alter candles, got %+v", snap.Candles)
	}
	if snap.Quote.Price != 90 || snap.Quote.Previous != 100 {
		t.Fatalf("late tick should still move the quote, got %+v", snap.Quote)
	}
	if tm.late.Value() != 1 {
		t.Fatalf("expected 1 late tick, got %d", tm.late.Value())
	}
	if calls.Load() != 2 {
		t.Fatalf("expected listeners for both ticks, got %d", calls.Load())
	}
}

func TestProcessorDispatchAfterStopIsIgnored(t *testing.T) {
	engine := market.New([]string{"BTC-USD"}, market.Options{})
	p := NewProcessor(engine, nil, nil, Options{})
	p.Start()
	p.Stop()
	p.Stop()
	p.Dispatch(context.Background(), market.Tick{Instrument: "BTC-USD", Price: 1, Timestamp: 1})
	if snap, _ := engine.Snapshot("BTC-USD"); snap.HasQuote {
		t.Fatalf("expected no ingestion after stop")
	}
}

func TestProcessorDispatchHonoursContext(t *testing.T) {
	engine := market.New([]string{"BTC-USD"}, market.Options{})
	p := NewProcessor(engine, nil, nil, Options{QueueSize: 1})
	ctx, cancel := context.WithCancel(context.Background())
	p.Dispatch(ctx, market.Tick{Instrument: "BTC-USD", Price: 1, Timestamp: 1})

	done := make(chan struct{})
	go func() {
		p.Dispatch(ctx, market.Tick{Instrument: "BTC-USD", Price: 2, Timestamp: 2})
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("dispatch did not return after cancel")
	}
	p.Start()
	p.Stop()
}
