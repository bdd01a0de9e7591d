// Package indicator computes technical indicators over closed bars.
package indicator

import (
	"fmt"
	"math"

	"github.com/vitos/orderflow_bot/internal/domain"
)

// RSI returns the Wilder-smoothed relative strength index of the bar closes.
func RSI(bars []domain.Bar, period int) (float64, error) {
	if period <= 0 {
		return 0, fmt.Errorf("period must be a positive integer, got %d", period)
	}
	if len(bars) < period+1 {
		return 0, fmt.Errorf("%w: rsi(%d) needs %d bars, got %d", domain.ErrInsufficientData, period, period+1, len(bars))
	}

	var avgGain, avgLoss float64
	for i := 1; i < len(bars); i++ {
		change := bars[i].Close - bars[i-1].Close
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}

		if i <= period {
			avgGain += gain / float64(period)
			avgLoss += loss / float64(period)
			continue
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}

	if avgLoss == 0 {
		if avgGain == 0 {
			return 50, nil
		}
		return 100, nil
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs)), nil
}

// Stochastic returns %K over kPeriod bars and %D as the SMA of the last dPeriod %K values.
func Stochastic(bars []domain.Bar, kPeriod, dPeriod int) (k, d float64, err error) {
	if kPeriod <= 0 || dPeriod <= 0 {
		return 0, 0, fmt.Errorf("stochastic periods must be positive, got %d/%d", kPeriod, dPeriod)
	}
	need := kPeriod + dPeriod - 1
	if len(bars) < need {
		return 0, 0, fmt.Errorf("%w: stochastic(%d,%d) needs %d bars, got %d", domain.ErrInsufficientData, kPeriod, dPeriod, need, len(bars))
	}

	ks := make([]float64, 0, dPeriod)
	for end := len(bars) - dPeriod + 1; end <= len(bars); end++ {
		window := bars[end-kPeriod : end]
		high, low := window[0].High, window[0].Low
		for _, b := range window[1:] {
			high = math.Max(high, b.High)
			low = math.Min(low, b.Low)
		}
		value := 50.0
		if high > low {
			value = 100 * (window[len(window)-1].Close - low) / (high - low)
		}
		ks = append(ks, value)
	}

	var sum float64
	for _, v := range ks {
		sum += v
	}
	return ks[len(ks)-1], sum / float64(len(ks)), nil
}

// TrueRange of bar given the previous close.
func TrueRange(bar domain.Bar, prevClose float64) float64 {
	return math.Max(
		math.Max(bar.High-bar.Low, math.Abs(bar.High-prevClose)),
		math.Abs(bar.Low-prevClose),
	)
}

// ATR returns the Wilder-smoothed average true range.
func ATR(bars []domain.Bar, period int) (float64, error) {
	if period <= 0 {
		return 0, fmt.Errorf("period must be a positive integer, got %d", period)
	}
	if len(bars) < period+1 {
		return 0, fmt.Errorf("%w: atr(%d) needs %d bars, got %d", domain.ErrInsufficientData, period, period+1, len(bars))
	}

	var atr float64
	for i := 1; i < len(bars); i++ {
		tr := TrueRange(bars[i], bars[i-1].Close)
		if i <= period {
			atr += tr / float64(period)
			continue
		}
		atr = (atr*float64(period-1) + tr) / float64(period)
	}
	return atr, nil
}

// Fractal is a confirmed Williams fractal.
type Fractal struct {
	Index int
	Price float64
	Up    bool
}

// Fractals returns the confirmed 5-bar Williams fractals, oldest first. The
// last two bars can never confirm a fractal.
func Fractals(bars []domain.Bar) []Fractal {
	var out []Fractal
	for i := 2; i+2 < len(bars); i++ {
		h := bars[i].High
		if h > bars[i-1].High && h > bars[i-2].High && h > bars[i+1].High && h > bars[i+2].High {
			out = append(out, Fractal{Index: i, Price: h, Up: true})
		}
		l := bars[i].Low
		if l < bars[i-1].Low && l < bars[i-2].Low && l < bars[i+1].Low && l < bars[i+2].Low {
			out = append(out, Fractal{Index: i, Price: l, Up: false})
		}
	}
	return out
}

// LastFractal returns the most recent up (resistance) or down (support) fractal.
func LastFractal(bars []domain.Bar, up bool) (Fractal, bool) {
	fs := Fractals(bars)
	for i := len(fs) - 1; i >= 0; i-- {
		if fs[i].Up == up {
			return fs[i], true
		}
	}
	return Fractal{}, false
}
