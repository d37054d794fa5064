package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusCounters(t *testing.T) {
	prom := NewPrometheus()
	prom.Metrics.TicksIngested.Inc()
	prom.Metrics.TicksIngested.Inc()
	prom.Metrics.TicksUnknown.Inc()
	prom.Metrics.TicksLate.Inc()
	prom.Metrics.TicksMalformed.Inc()
	prom.Metrics.CandlesOpened.Inc()
	prom.Metrics.HistorySeeded.Inc()
	prom.Metrics.HistoryFailed.Inc()
	prom.Metrics.RelayDropped.Inc()
	prom.Metrics.PublishFailed.Inc()

	assertCounter(t, prom.ticksIngested, 2)
	assertCounter(t, prom.ticksUnknown, 1)
	assertCounter(t, prom.ticksLate, 1)
	assertCounter(t, prom.ticksMalformed, 1)
	assertCounter(t, prom.candlesOpened, 1)
	assertCounter(t, prom.historySeeded, 1)
	assertCounter(t, prom.historyFailed, 1)
	assertCounter(t, prom.relayDropped, 1)
	assertCounter(t, prom.publishFailed, 1)
}

func TestPrometheusHandlerExposesCounters(t *testing.T) {
	prom := NewPrometheus()
	prom.Metrics.CandlesOpened.Inc()
	rec := httptest.NewRecorder()
	prom.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "candlefeed_candles_opened_total 1") {
		t.Fatalf("expected candles_opened_total in output, got:\n%s", body)
	}
}

func TestNoopCounters(t *testing.T) {
	m := NewNoop()
	m.TicksIngested.Inc()
	m.PublishFailed.Inc()
}

func assertCounter(t *testing.T, counter prometheus.Counter, expected float64) {
	t.Helper()
	if got := testutil.ToFloat64(counter); got != expected {
		t.Fatalf("expected %v, got %v", expected, got)
	}
}
