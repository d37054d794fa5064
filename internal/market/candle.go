package market

import "time"

const DefaultInterval = time.Minute

// Candle is one bucket of OHLC data. Key is the bucket start in Unix seconds.
type Candle struct {
	Key   int64   `json:"key"`
	Label string  `json:"time"`
	Open  float64 `json:"open"`
	High  float64 `json:"high"`
	Low   float64 `json:"low"`
	Close float64 `json:"close"`
}

// BucketKey floors ts to the start of its interval. Two timestamps share a key
// only when they fall in the same interval.
func BucketKey(ts int64, interval time.Duration) int64 {
	step := int64(interval / time.Second)
	if step <= 0 {
		step = int64(DefaultInterval / time.Second)
	}
	rem := ts % step
	if rem < 0 {
		rem += step
	}
	return ts - rem
}

func newCandle(key int64, label string, price float64) Candle {
	return Candle{Key: key, Label: label, Open: price, High: price, Low: price, Close: price}
}

// apply folds a tick into the candle. Open is never touched.
func (c Candle) apply(price float64) Candle {
	if price > c.High {
		c.High = price
	}
	if price < c.Low {
		c.Low = price
	}
	c.Close = price
	return c
}

func (c Candle) Start() time.Time {
	return time.Unix(c.Key, 0).UTC()
}

func (c Candle) Valid() bool {
	if c.Open <= 0 || c.High <= 0 || c.Low <= 0 || c.Close <= 0 {
		return false
	}
	return c.Low <= c.Open && c.Low <= c.Close && c.Open <= c.High && c.Close <= c.High
}

func label(key int64, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return time.Unix(key, 0).In(loc).Format("15:04")
}
