package market

type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
)

// Quote is the last traded price of an instrument plus the one before it.
type Quote struct {
	Instrument string  `json:"instrument"`
	Price      float64 `json:"price"`
	Previous   float64 `json:"prev_price"`
}

func (q Quote) Direction() Direction {
	if q.Price >= q.Previous {
		return DirectionUp
	}
	return DirectionDown
}

// QuoteBoard keeps one quote per instrument. It is not safe for concurrent use;
// callers own the synchronization.
type QuoteBoard map[string]Quote

func (b QuoteBoard) Update(instrument string, price float64) Quote {
	q := nextQuote(b[instrument], instrument, price)
	b[instrument] = q
	return q
}

func (b QuoteBoard) Get(instrument string) (Quote, bool) {
	q, ok := b[instrument]
	return q, ok
}

func nextQuote(prev Quote, instrument string, price float64) Quote {
	previous := prev.Price
	if prev.Instrument == "" {
		previous = price
	}
	return Quote{Instrument: instrument, Price: price, Previous: previous}
}
