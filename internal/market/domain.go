package market

import (
	"encoding/json"
	"math"
)

const (
	DefaultPadding     = 0.5
	DefaultFlatPadding = 0.005
)

// Domain is the vertical render range of a chart. Auto leaves the choice to
// the renderer.
type Domain struct {
	Auto bool
	Min  float64
	Max  float64
}

// MarshalJSON emits the two-element form charting libraries accept:
// ["auto","auto"] or [min,max].
func (d Domain) MarshalJSON() ([]byte, error) {
	if d.Auto {
		return json.Marshal([2]string{"auto", "auto"})
	}
	return json.Marshal([2]float64{d.Min, d.Max})
}

// Calculator pads the close range of a series. Padding is a fraction of the
// spread; FlatPadding is a fraction of the max used when the spread is zero.
type Calculator struct {
	Padding     float64
	FlatPadding float64
}

func NewCalculator(padding, flatPadding float64) Calculator {
	if padding <= 0 {
		padding = DefaultPadding
	}
	if flatPadding <= 0 {
		flatPadding = DefaultFlatPadding
	}
	return Calculator{Padding: padding, FlatPadding: flatPadding}
}

func (c Calculator) Range(candles []Candle) Domain {
	if len(candles) == 0 {
		return Domain{Auto: true}
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, candle := range candles {
		lo = math.Min(lo, candle.Close)
		hi = math.Max(hi, candle.Close)
	}
	margin := (hi - lo) * c.Padding
	if margin == 0 {
		margin = hi * c.FlatPadding
	}
	return Domain{Min: lo - margin, Max: hi + margin}
}
