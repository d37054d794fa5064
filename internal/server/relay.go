package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"candlefeed/internal/market"
	"candlefeed/internal/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const relayWriteTimeout = 5 * time.Second

// Packet is the frame pushed to /ws subscribers for every accepted tick.
type Packet struct {
	Ticker    string  `json:"ticker"`
	Price     float64 `json:"price"`
	Timestamp int64   `json:"timestamp"`
}

type subscriber struct {
	id   string
	send chan Packet
}

// Relay fans accepted ticks out to websocket subscribers. Each subscriber has
// a bounded queue; a full queue drops the packet for that subscriber only.
type Relay struct {
	buffer  int
	origins []string
	metrics *metrics.Metrics
	log     *zap.Logger

	mu   sync.RWMutex
	subs map[string]*subscriber

	done      chan struct{}
	closeOnce sync.Once
}

func NewRelay(buffer int, origins []string, m *metrics.Metrics, log *zap.Logger) *Relay {
	if buffer <= 0 {
		buffer = 64
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Relay{
		buffer:  buffer,
		origins: append([]string(nil), origins...),
		metrics: m,
		log:     log,
		subs:    make(map[string]*subscriber),
		done:    make(chan struct{}),
	}
}

// Close disconnects every subscriber. The relay accepts no new ones after.
func (r *Relay) Close() {
	r.closeOnce.Do(func() { close(r.done) })
}

// OnTick matches feed.Listener.
func (r *Relay) OnTick(tick market.Tick, _ market.Update) {
	r.Broadcast(Packet{Ticker: tick.Instrument, Price: tick.Price, Timestamp: tick.Timestamp})
}

func (r *Relay) Broadcast(p Packet) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, sub := range r.subs {
		select {
		case sub.send <- p:
		default:
			r.metrics.RelayDropped.Inc()
		}
	}
}

func (r *Relay) Subscribers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

func (r *Relay) register() *subscriber {
	sub := &subscriber{id: uuid.NewString(), send: make(chan Packet, r.buffer)}
	r.mu.Lock()
	r.subs[sub.id] = sub
	r.mu.Unlock()
	return sub
}

func (r *Relay) unregister(sub *subscriber) {
	r.mu.Lock()
	delete(r.subs, sub.id)
	r.mu.Unlock()
}

func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	select {
	case <-r.done:
		http.Error(w, "relay closed", http.StatusServiceUnavailable)
		return
	default:
	}
	conn, err := websocket.Accept(w, req, &websocket.AcceptOptions{OriginPatterns: r.origins})
	if err != nil {
		r.log.Warn("relay accept failed", zap.Error(err))
		return
	}
	sub := r.register()
	log := r.log.With(zap.String("subscriber", sub.id))
	log.Info("relay subscriber connected", zap.String("remote", req.RemoteAddr))
	defer func() {
		r.unregister(sub)
		log.Info("relay subscriber disconnected")
	}()

	// Subscribers never send anything; CloseRead handles their close frame.
	ctx := conn.CloseRead(req.Context())
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-r.done:
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case p := <-sub.send:
			if err := r.write(ctx, conn, p); err != nil {
				log.Debug("relay write failed", zap.Error(err))
				_ = conn.Close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

func (r *Relay) write(ctx context.Context, conn *websocket.Conn, p Packet) error {
	ctx, cancel := context.WithTimeout(ctx, relayWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, p)
}
