package publish

import (
	"context"
	"errors"
	"strings"
	"time"

	"candlefeed/internal/config"
	"candlefeed/internal/market"
	"candlefeed/internal/metrics"

	"github.com/go-redis/redis/v8"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

const (
	defaultQueueSize = 1024
	publishTimeout   = 2 * time.Second
)

// CandleUpdate is the msgpack payload published for every candle mutation.
type CandleUpdate struct {
	Instrument string  `msgpack:"S"`
	Key        int64   `msgpack:"t"`
	Open       float64 `msgpack:"o"`
	High       float64 `msgpack:"h"`
	Low        float64 `msgpack:"l"`
	Close      float64 `msgpack:"c"`
	Opened     bool    `msgpack:"n"`
	Version    uint64  `msgpack:"v"`
}

func Encode(upd market.Update) ([]byte, error) {
	return msgpack.Marshal(CandleUpdate{
		Instrument: upd.Instrument,
		Key:        upd.Candle.Key,
		Open:       upd.Candle.Open,
		High:       upd.Candle.High,
		Low:        upd.Candle.Low,
		Close:      upd.Candle.Close,
		Opened:     upd.Opened,
		Version:    upd.Version,
	})
}

func Decode(data []byte) (CandleUpdate, error) {
	var out CandleUpdate
	err := msgpack.Unmarshal(data, &out)
	return out, err
}

type redisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Close() error
}

// Publisher forwards candle updates to redis channels named
// "<prefix>:<instrument>". Publishing happens on its own goroutine; a full
// queue drops the update and counts it as a failure.
type Publisher struct {
	client  redisClient
	prefix  string
	metrics *metrics.Metrics
	log     *zap.Logger
	queue   chan market.Update
}

func NewRedis(cfg config.RedisConfig, m *metrics.Metrics, log *zap.Logger) *Publisher {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return newPublisher(client, cfg.ChannelPrefix, m, log, defaultQueueSize)
}

func newPublisher(client redisClient, prefix string, m *metrics.Metrics, log *zap.Logger, queueSize int) *Publisher {
	if m == nil {
		m = metrics.NewNoop()
	}
	if log == nil {
		log = zap.NewNop()
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "candles"
	}
	return &Publisher{
		client:  client,
		prefix:  prefix,
		metrics: m,
		log:     log,
		queue:   make(chan market.Update, queueSize),
	}
}

func (p *Publisher) Channel(instrument string) string {
	return p.prefix + ":" + instrument
}

// OnTick matches feed.Listener. Late ticks leave the candle untouched and are
// not published.
func (p *Publisher) OnTick(_ market.Tick, upd market.Update) {
	if upd.Late || upd.Instrument == "" {
		return
	}
	select {
	case p.queue <- upd:
	default:
		p.metrics.PublishFailed.Inc()
	}
}

// Run publishes queued updates until ctx ends, then closes the client.
func (p *Publisher) Run(ctx context.Context) error {
	defer p.client.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case upd := <-p.queue:
			if err := p.publish(ctx, upd); err != nil && !errors.Is(err, context.Canceled) {
				p.metrics.PublishFailed.Inc()
				p.log.Debug("candle publish failed", zap.String("instrument", upd.Instrument), zap.Error(err))
			}
		}
	}
}

func (p *Publisher) publish(ctx context.Context, upd market.Update) error {
	payload, err := Encode(upd)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return p.client.Publish(ctx, p.Channel(upd.Instrument), payload).Err()
}
