package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"candlefeed/internal/market"
	"candlefeed/internal/metrics"
	"candlefeed/internal/state"
	"candlefeed/internal/state/sqlite"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const minute = int64(1_700_000_040)

type countingCounter struct {
	n atomic.Int64
}

func (c *countingCounter) Inc() { c.n.Add(1) }

func newTestServer(t *testing.T) (*Server, *market.Engine, *Relay) {
	t.Helper()
	engine := market.New([]string{"BTC-USD", "ETH-USD"}, market.Options{})
	store, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	selector, err := state.NewSelector(context.Background(), store, engine, "BTC-USD", zap.NewNop())
	if err != nil {
		t.Fatalf("new selector: %v", err)
	}
	relay := NewRelay(4, nil, nil, zap.NewNop())
	return New(engine, selector, relay, zap.NewNop()), engine, relay
}

func ingest(t *testing.T, e *market.Engine, instrument string, price float64, ts int64) {
	t.Helper()
	if _, err := e.Ingest(market.Tick{Instrument: instrument, Price: price, Timestamp: ts}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
}

func TestSeriesEndpoint(t *testing.T) {
	srv, engine, _ := newTestServer(t)
	ingest(t, engine, "BTC-USD", 100, minute+5)
	ingest(t, engine, "BTC-USD", 110, minute+65)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/series/BTC-USD", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var snap struct {
		Instrument string          `json:"instrument"`
		Version    uint64          `json:"version"`
		Candles    []market.Candle `json:"candles"`
		Quote      market.Quote    `json:"quote"`
		Domain     json.RawMessage `json:"domain"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.Instrument != "BTC-USD" || len(snap.Candles) != 2 || snap.Version != 2 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if snap.Quote.Price != 110 || snap.Quote.Previous != 100 {
		t.Fatalf("unexpected quote %+v", snap.Quote)
	}
	if string(snap.Domain) == `["auto","auto"]` {
		t.Fatalf("expected numeric domain, got %s", snap.Domain)
	}
}

func TestSeriesEndpointUnknownAndEmpty(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/series/DOGE-USD", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/series/ETH-USD", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"domain":["auto","auto"]`) {
		t.Fatalf("expected auto domain for empty series, got %s", rec.Body.String())
	}
}

func TestActiveSelection(t *testing.T) {
	srv, engine, _ := newTestServer(t)
	ingest(t, engine, "ETH-USD", 2000, minute)
	h := srv.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/active", nil))
	if !strings.Contains(rec.Body.String(), `"instrument":"BTC-USD"`) {
		t.Fatalf("expected default BTC-USD, got %s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/api/active", strings.NewReader(`{"instrument":"ETH-USD"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"instrument":"ETH-USD"`) {
		t.Fatalf("expected ETH-USD snapshot, got %s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/api/active", strings.NewReader(`{"instrument":"DOGE-USD"}`)))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown instrument, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/api/active", bytes.NewReader([]byte("{"))))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad body, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/instruments", nil))
	var list instrumentsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if list.Active != "ETH-USD" || len(list.Instruments) != 2 {
		t.Fatalf("unexpected instruments %+v", list)
	}
	if q, ok := list.Quotes["ETH-USD"]; !ok || q.Price != 2000 {
		t.Fatalf("expected ETH-USD quote, got %+v", list.Quotes)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	srv, engine, _ := newTestServer(t)
	ingest(t, engine, "BTC-USD", 100, minute+5)
	ingest(t, engine, "BTC-USD", 98, minute+30)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/history/BTC-USD", nil))
	var out []historyCandle
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := historyCandle{Time: minute, Open: 100, High: 100, Low: 98, Close: 98}
	if len(out) != 1 || out[0] != want {
		t.Fatalf("unexpected history %+v", out)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/history/ETH-USD", nil))
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("expected empty list, got %s", rec.Body.String())
	}
}

func TestMethodNotAllowed(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/active", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestRelayStreamsTicks(t *testing.T) {
	srv, _, relay := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	deadline := time.Now().Add(2 * time.Second)
	for relay.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	relay.OnTick(market.Tick{Instrument: "BTC-USD", Price: 101.5, Timestamp: minute}, market.Update{})
	var got Packet
	if err := wsjson.Read(ctx, conn, &got); err != nil {
		t.Fatalf("read: %v", err)
	}
	want := Packet{Ticker: "BTC-USD", Price: 101.5, Timestamp: minute}
	if got != want {
		t.Fatalf("expected %+v, got %+v", want, got)
	}

	relay.Close()
	_, _, err = conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusGoingAway {
		t.Fatalf("expected going away close, got %v", err)
	}
}

func TestRelayDropsForSlowSubscriber(t *testing.T) {
	dropped := &countingCounter{}
	m := metrics.NewNoop()
	m.RelayDropped = dropped
	relay := NewRelay(1, nil, m, nil)
	sub := relay.register()

	relay.Broadcast(Packet{Ticker: "BTC-USD", Price: 1})
	relay.Broadcast(Packet{Ticker: "BTC-USD", Price: 2})
	if dropped.n.Load() != 1 {
		t.Fatalf("expected 1 dropped packet, got %d", dropped.n.Load())
	}
	if p := <-sub.send; p.Price != 1 {
		t.Fatalf("expected first packet kept, got %+v", p)
	}
	relay.unregister(sub)
	if relay.Subscribers() != 0 {
		t.Fatalf("expected no subscribers")
	}
}
