package feed

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"candlefeed/internal/market"

	coinbasepro "github.com/preichenberger/go-coinbasepro/v2"
	"github.com/shopspring/decimal"
)

const tickerChannel = "ticker"

var ErrMalformedTick = errors.New("malformed tick")

// Subscription is the feed request for the ticker channel of instruments.
func Subscription(instruments []string) coinbasepro.Message {
	return coinbasepro.Message{
		Type: "subscribe",
		Channels: []coinbasepro.MessageChannel{
			{Name: tickerChannel, ProductIds: append([]string(nil), instruments...)},
		},
	}
}

func decodeMessage(raw []byte) (coinbasepro.Message, error) {
	var msg coinbasepro.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return coinbasepro.Message{}, fmt.Errorf("%w: %v", ErrMalformedTick, err)
	}
	return msg, nil
}

// tickFromMessage validates a ticker frame. Nothing from a frame that fails
// here reaches the engine.
func tickFromMessage(msg coinbasepro.Message, received time.Time) (market.Tick, error) {
	instrument := strings.TrimSpace(msg.ProductID)
	if instrument == "" {
		return market.Tick{}, fmt.Errorf("%w: missing product_id", ErrMalformedTick)
	}
	price, err := decimal.NewFromString(strings.TrimSpace(msg.Price))
	if err != nil {
		return market.Tick{}, fmt.Errorf("%w: price %q: %v", ErrMalformedTick, msg.Price, err)
	}
	if !price.IsPositive() {
		return market.Tick{}, fmt.Errorf("%w: non-positive price %s", ErrMalformedTick, price)
	}
	value, _ := price.Float64()
	ts := msg.Time.Time()
	if ts.IsZero() {
		ts = received
	}
	return market.Tick{Instrument: instrument, Price: value, Timestamp: ts.Unix()}, nil
}

// ParseTick decodes one raw ticker frame. received stamps frames that carry
// no trade time.
func ParseTick(raw []byte, received time.Time) (market.Tick, error) {
	msg, err := decodeMessage(raw)
	if err != nil {
		return market.Tick{}, err
	}
	if msg.Type != tickerChannel {
		return market.Tick{}, fmt.Errorf("%w: unexpected type %q", ErrMalformedTick, msg.Type)
	}
	return tickFromMessage(msg, received)
}
