package market

const DefaultWindow = 100

// Series is a bounded, oldest-first run of candles for one instrument. Only the
// last element is ever rewritten; everything before it is settled.
type Series struct {
	capacity int
	candles  []Candle
}

func NewSeries(capacity int) *Series {
	if capacity <= 0 {
		capacity = DefaultWindow
	}
	return &Series{capacity: capacity, candles: make([]Candle, 0, capacity)}
}

func (s *Series) Len() int {
	return len(s.candles)
}

func (s *Series) Cap() int {
	return s.capacity
}

func (s *Series) Last() (Candle, bool) {
	if len(s.candles) == 0 {
		return Candle{}, false
	}
	return s.candles[len(s.candles)-1], true
}

func (s *Series) First() (Candle, bool) {
	if len(s.candles) == 0 {
		return Candle{}, false
	}
	return s.candles[0], true
}

// Append adds c as the new open candle, evicting the oldest entry when full.
func (s *Series) Append(c Candle) {
	if len(s.candles) == s.capacity {
		copy(s.candles, s.candles[1:])
		s.candles = s.candles[:len(s.candles)-1]
	}
	s.candles = append(s.candles, c)
}

// ReplaceLast rewrites the open candle in place. It is a no-op on an empty series.
func (s *Series) ReplaceLast(c Candle) {
	if len(s.candles) == 0 {
		return
	}
	s.candles[len(s.candles)-1] = c
}

// Reset replaces the contents with the tail of candles that fits the window.
func (s *Series) Reset(candles []Candle) {
	if len(candles) > s.capacity {
		candles = candles[len(candles)-s.capacity:]
	}
	s.candles = append(s.candles[:0], candles...)
}

// Candles returns a copy safe to hand to readers.
func (s *Series) Candles() []Candle {
	out := make([]Candle, len(s.candles))
	copy(out, s.candles)
	return out
}
