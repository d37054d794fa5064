package market

import (
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	ErrUnknownInstrument = errors.New("unknown instrument")
	ErrLateTick          = errors.New("tick older than open candle")
)

// Tick is a single trade observation. Timestamp is Unix seconds.
type Tick struct {
	Instrument string
	Price      float64
	Timestamp  int64
}

// Update describes what one Ingest did to an instrument.
type Update struct {
	Instrument string
	Candle     Candle
	Opened     bool
	Late       bool
	Quote      Quote
	Version    uint64
}

// Snapshot is a copy of one instrument's state at a given version.
type Snapshot struct {
	Instrument string   `json:"instrument"`
	Version    uint64   `json:"version"`
	Candles    []Candle `json:"candles"`
	Quote      Quote    `json:"quote"`
	HasQuote   bool     `json:"has_quote"`
	Domain     Domain   `json:"domain"`
}

type Options struct {
	Interval time.Duration
	Window   int
	Location *time.Location
	Domain   Calculator
}

// Engine owns the candle series and quote of every registered instrument.
// The registry is fixed at construction; each instrument is guarded by its own
// lock so instruments never contend with each other.
type Engine struct {
	interval    time.Duration
	loc         *time.Location
	calc        Calculator
	instruments []string
	books       map[string]*book
}

type book struct {
	mu       sync.Mutex
	series   *Series
	quote    Quote
	hasQuote bool
	version  uint64
}

func New(instruments []string, opts Options) *Engine {
	if opts.Interval < time.Second {
		opts.Interval = DefaultInterval
	}
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Domain.Padding <= 0 || opts.Domain.FlatPadding <= 0 {
		opts.Domain = NewCalculator(opts.Domain.Padding, opts.Domain.FlatPadding)
	}
	e := &Engine{
		interval: opts.Interval,
		loc:      opts.Location,
		calc:     opts.Domain,
		books:    make(map[string]*book, len(instruments)),
	}
	for _, id := range instruments {
		if id == "" {
			continue
		}
		if _, ok := e.books[id]; ok {
			continue
		}
		e.books[id] = &book{series: NewSeries(opts.Window)}
		e.instruments = append(e.instruments, id)
	}
	return e
}

func (e *Engine) Instruments() []string {
	return append([]string(nil), e.instruments...)
}

func (e *Engine) Has(instrument string) bool {
	_, ok := e.books[instrument]
	return ok
}

func (e *Engine) Interval() time.Duration {
	return e.interval
}

// Ingest applies a tick. The quote is updated for every tick of a registered
// instrument; the candle series only for ticks at or after the open bucket.
func (e *Engine) Ingest(tick Tick) (Update, error) {
	b, ok := e.books[tick.Instrument]
	if !ok {
		return Update{}, ErrUnknownInstrument
	}
	key := BucketKey(tick.Timestamp, e.interval)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.quote = nextQuote(b.quote, tick.Instrument, tick.Price)
	b.hasQuote = true
	b.version++
	upd := Update{Instrument: tick.Instrument, Quote: b.quote, Version: b.version}

	last, ok := b.series.Last()
	switch {
	case !ok || key > last.Key:
		upd.Candle = newCandle(key, label(key, e.loc), tick.Price)
		upd.Opened = true
		b.series.Append(upd.Candle)
	case key == last.Key:
		upd.Candle = last.apply(tick.Price)
		b.series.ReplaceLast(upd.Candle)
	default:
		upd.Candle = last
		upd.Late = true
		return upd, ErrLateTick
	}
	return upd, nil
}

// Seed merges historical candles into an instrument's series. It returns the
// resulting series length.
func (e *Engine) Seed(instrument string, history []Candle) (int, error) {
	b, ok := e.books[instrument]
	if !ok {
		return 0, ErrUnknownInstrument
	}
	history = e.normalize(history)

	b.mu.Lock()
	defer b.mu.Unlock()

	merged := mergeHistory(b.series.Candles(), history)
	b.series.Reset(merged)
	b.version++
	return b.series.Len(), nil
}

func (e *Engine) Snapshot(instrument string) (Snapshot, bool) {
	b, ok := e.books[instrument]
	if !ok {
		return Snapshot{}, false
	}
	b.mu.Lock()
	candles := b.series.Candles()
	snap := Snapshot{
		Instrument: instrument,
		Version:    b.version,
		Candles:    candles,
		Quote:      b.quote,
		HasQuote:   b.hasQuote,
	}
	b.mu.Unlock()
	snap.Domain = e.calc.Range(candles)
	return snap, true
}

func (e *Engine) Quotes() QuoteBoard {
	board := make(QuoteBoard, len(e.books))
	for id, b := range e.books {
		b.mu.Lock()
		if b.hasQuote {
			board[id] = b.quote
		}
		b.mu.Unlock()
	}
	return board
}

// normalize drops invalid candles, keys each one to its bucket, and returns
// them oldest first with one entry per key.
func (e *Engine) normalize(history []Candle) []Candle {
	out := make([]Candle, 0, len(history))
	for _, c := range history {
		if !c.Valid() {
			continue
		}
		c.Key = BucketKey(c.Key, e.interval)
		if c.Label == "" {
			c.Label = label(c.Key, e.loc)
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	deduped := out[:0]
	for _, c := range out {
		if n := len(deduped); n > 0 && deduped[n-1].Key == c.Key {
			deduped[n-1] = c
			continue
		}
		deduped = append(deduped, c)
	}
	return deduped
}
