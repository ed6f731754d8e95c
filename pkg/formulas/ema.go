package formulas

import (
	"math"

	"github.com/markcheno/go-talib"
)

// CalculateEMA returns the current exponential moving average of a closing
// price series, or nil when there is no data. With fewer observations than
// the period it falls back to the simple mean so short histories still
// produce a usable level.
func CalculateEMA(closes []float64, period int) *float64 {
	if len(closes) == 0 {
		return nil
	}

	if len(closes) < period {
		sma := Mean(closes)
		return &sma
	}

	ema := talib.Ema(closes, period)
	if len(ema) > 0 && !math.IsNaN(ema[len(ema)-1]) {
		result := ema[len(ema)-1]
		return &result
	}

	sma := Mean(closes[len(closes)-period:])
	return &sma
}
