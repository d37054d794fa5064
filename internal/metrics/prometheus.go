package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "candlefeed"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type Prometheus struct {
	Metrics *Metrics

	registry       *prometheus.Registry
	ticksIngested  prometheus.Counter
	ticksUnknown   prometheus.Counter
	ticksLate      prometheus.Counter
	ticksMalformed prometheus.Counter
	candlesOpened  prometheus.Counter
	historySeeded  prometheus.Counter
	historyFailed  prometheus.Counter
	relayDropped   prometheus.Counter
	publishFailed  prometheus.Counter
}

func newCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
	})
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	p := &Prometheus{
		registry:       registry,
		ticksIngested:  newCounter("ticks_ingested_total", "Total number of ticks applied to a candle series."),
		ticksUnknown:   newCounter("ticks_unknown_total", "Total number of ticks for instruments outside the registry."),
		ticksLate:      newCounter("ticks_late_total", "Total number of ticks older than the open candle."),
		ticksMalformed: newCounter("ticks_malformed_total", "Total number of feed frames rejected as malformed."),
		candlesOpened:  newCounter("candles_opened_total", "Total number of candles started by live ticks."),
		historySeeded:  newCounter("history_seeded_total", "Total number of instruments seeded from history."),
		historyFailed:  newCounter("history_failures_total", "Total number of failed history fetches."),
		relayDropped:   newCounter("relay_dropped_total", "Total number of relay frames dropped for slow subscribers."),
		publishFailed:  newCounter("publish_failures_total", "Total number of failed candle publications."),
	}
	registry.MustRegister(
		collectors.NewGoCollector(),
		p.ticksIngested,
		p.ticksUnknown,
		p.ticksLate,
		p.ticksMalformed,
		p.candlesOpened,
		p.historySeeded,
		p.historyFailed,
		p.relayDropped,
		p.publishFailed,
	)
	p.Metrics = &Metrics{
		TicksIngested:  promCounter{p.ticksIngested},
		TicksUnknown:   promCounter{p.ticksUnknown},
		TicksLate:      promCounter{p.ticksLate},
		TicksMalformed: promCounter{p.ticksMalformed},
		CandlesOpened:  promCounter{p.candlesOpened},
		HistorySeeded:  promCounter{p.historySeeded},
		HistoryFailed:  promCounter{p.historyFailed},
		RelayDropped:   promCounter{p.relayDropped},
		PublishFailed:  promCounter{p.publishFailed},
	}
	return p
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
