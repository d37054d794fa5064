package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"candlefeed/internal/market"
	"candlefeed/internal/state"

	"go.uber.org/zap"
)

// Server exposes the engine's snapshots, the active selection, and the live
// relay over HTTP.
type Server struct {
	engine   *market.Engine
	selector *state.Selector
	relay    *Relay
	log      *zap.Logger
	mux      *http.ServeMux
}

func New(engine *market.Engine, selector *state.Selector, relay *Relay, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{engine: engine, selector: selector, relay: relay, log: log, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /api/instruments", s.handleInstruments)
	s.mux.HandleFunc("GET /api/series/{instrument}", s.handleSeries)
	s.mux.HandleFunc("GET /api/active", s.handleActive)
	s.mux.HandleFunc("PUT /api/active", s.handleSelect)
	s.mux.HandleFunc("GET /history/{instrument}", s.handleHistory)
	if s.relay != nil {
		s.mux.Handle("GET /ws", s.relay)
	}
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type instrumentsResponse struct {
	Instruments []string          `json:"instruments"`
	Active      string            `json:"active"`
	Quotes      market.QuoteBoard `json:"quotes"`
}

func (s *Server) handleInstruments(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, instrumentsResponse{
		Instruments: s.engine.Instruments(),
		Active:      s.selector.Active(),
		Quotes:      s.engine.Quotes(),
	})
}

func (s *Server) handleSeries(w http.ResponseWriter, r *http.Request) {
	s.writeSnapshot(w, r.PathValue("instrument"))
}

func (s *Server) handleActive(w http.ResponseWriter, _ *http.Request) {
	s.writeSnapshot(w, s.selector.Active())
}

func (s *Server) writeSnapshot(w http.ResponseWriter, instrument string) {
	snap, ok := s.engine.Snapshot(instrument)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown instrument")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type selectRequest struct {
	Instrument string `json:"instrument"`
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	err := s.selector.Select(r.Context(), req.Instrument)
	switch {
	case errors.Is(err, state.ErrUnknownSelection):
		writeError(w, http.StatusNotFound, "unknown instrument")
		return
	case err != nil:
		s.log.Warn("selection not persisted", zap.String("instrument", req.Instrument), zap.Error(err))
	}
	s.writeSnapshot(w, s.selector.Active())
}

// historyCandle is the compact shape served on /history.
type historyCandle struct {
	Time  int64   `json:"time"`
	Open  float64 `json:"open"`
	High  float64 `json:"high"`
	Low   float64 `json:"low"`
	Close float64 `json:"close"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.engine.Snapshot(r.PathValue("instrument"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown instrument")
		return
	}
	out := make([]historyCandle, 0, len(snap.Candles))
	for _, c := range snap.Candles {
		out = append(out, historyCandle{Time: c.Key, Open: c.Open, High: c.High, Low: c.Low, Close: c.Close})
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Serve runs srv until ctx ends, then shuts it down within timeout.
func Serve(ctx context.Context, srv *http.Server, timeout time.Duration, log *zap.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	log.Info("http server listening", zap.String("address", srv.Addr))
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Info("http server stopped", zap.String("address", srv.Addr))
	return nil
}
