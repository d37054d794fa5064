package metrics

type Counter interface {
	Inc()
}

type Metrics struct {
	TicksIngested  Counter
	TicksUnknown   Counter
	TicksLate      Counter
	TicksMalformed Counter
	CandlesOpened  Counter
	HistorySeeded  Counter
	HistoryFailed  Counter
	RelayDropped   Counter
	PublishFailed  Counter
}

type noopCounter struct{}

func (noopCounter) Inc() {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		TicksIngested:  n,
		TicksUnknown:   n,
		TicksLate:      n,
		TicksMalformed: n,
		CandlesOpened:  n,
		HistorySeeded:  n,
		HistoryFailed:  n,
		RelayDropped:   n,
		PublishFailed:  n,
	}
}
