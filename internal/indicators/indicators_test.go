package indicators_test

import (
	"math"
	"testing"

	"github.com/optionpilot/trading-backend/internal/indicators"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestEMASeededFromFirstValue(t *testing.T) {
	series := []float64{10, 11, 12, 13}
	ema := indicators.EMA(series, 3)

	if ema[0] != 10 {
		t.Errorf("Expected seed 10, got %f", ema[0])
	}

	// alpha = 0.5 for period 3
	expected := []float64{10, 10.5, 11.25, 12.125}
	for i, want := range expected {
		if !almostEqual(ema[i], want) {
			t.Errorf("EMA[%d]: expected %f, got %f", i, want, ema[i])
		}
	}
}

func TestEMAShortSeries(t *testing.T) {
	ema := indicators.EMA([]float64{1, 2}, 5)
	if len(ema) != 2 {
		t.Fatalf("Expected 2 points, got %d", len(ema))
	}
	for i, v := range ema {
		if v != 0 {
			t.Errorf("EMA[%d]: expected insufficient-data 0, got %f", i, v)
		}
	}
}

func TestRSIStrictlyIncreasing(t *testing.T) {
	tests := []struct {
		name   string
		n      int
		period int
	}{
		{"exact window", 15, 14},
		{"long run", 60, 14},
		{"short period", 10, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			series := make([]float64, tt.n)
			for i := range series {
				series[i] = float64(i + 1)
			}
			rsi := indicators.RSI(series, tt.period)
			if got := indicators.Last(rsi); got != 100 {
				t.Errorf("Expected RSI 100 for rising series, got %f", got)
			}
		})
	}
}

func TestRSIInsufficientData(t *testing.T) {
	series := []float64{5, 4, 6, 7, 3, 8}
	rsi := indicators.RSI(series, 3)

	for i := 0; i < indicators.FirstValidRSI(3); i++ {
		if rsi[i] != 0 {
			t.Errorf("RSI[%d]: expected 0 before first window, got %f", i, rsi[i])
		}
	}

	// window of changes at index 3: -1, +2, +1 -> gain 1, loss 1/3
	want := 100 - 100/(1+3.0)
	if !almostEqual(rsi[3], want) {
		t.Errorf("RSI[3]: expected %f, got %f", want, rsi[3])
	}

	if indicators.RSIReady(3, 3) {
		t.Error("Expected 3 points with period 3 to be not ready")
	}
	if !indicators.RSIReady(4, 3) {
		t.Error("Expected 4 points with period 3 to be ready")
	}
}

func TestRSIStrictlyDecreasing(t *testing.T) {
	series := []float64{20, 19, 18, 17, 16, 15}
	rsi := indicators.RSI(series, 3)
	if got := indicators.Last(rsi); got != 0 {
		t.Errorf("Expected RSI 0 for falling series, got %f", got)
	}
}

func TestMACDIdentity(t *testing.T) {
	series := []float64{1, 3, 2, 5, 4, 6, 8, 7, 9, 12, 10, 11, 13, 15, 14}
	res := indicators.MACD(series, 3, 6, 4)

	fast := indicators.EMA(series, 3)
	slow := indicators.EMA(series, 6)
	for i := range series {
		if !almostEqual(res.Line[i], fast[i]-slow[i]) {
			t.Errorf("Line[%d] mismatch", i)
		}
		if !almostEqual(res.Histogram[i], res.Line[i]-res.Signal[i]) {
			t.Errorf("Histogram[%d] mismatch", i)
		}
	}

	signal := indicators.EMA(res.Line, 4)
	if !almostEqual(indicators.Last(signal), indicators.Last(res.Signal)) {
		t.Errorf("Expected signal line to be EMA of MACD line")
	}
}

func TestHistogramCross(t *testing.T) {
	tests := []struct {
		hist []float64
		want indicators.Cross
	}{
		{[]float64{-0.2, 0.1}, indicators.CrossUp},
		{[]float64{0, 0.1}, indicators.CrossUp},
		{[]float64{0.2, -0.1}, indicators.CrossDown},
		{[]float64{0.2, 0.3}, indicators.CrossNone},
		{[]float64{0.3}, indicators.CrossNone},
	}
	for _, tt := range tests {
		if got := indicators.HistogramCross(tt.hist); got != tt.want {
			t.Errorf("HistogramCross(%v): expected %d, got %d", tt.hist, tt.want, got)
		}
	}
}

func TestATRNonNegative(t *testing.T) {
	highs := []float64{10, 12, 11, 15, 14, 13, 16, 18, 17, 19}
	lows := []float64{9, 10, 9.5, 12, 13, 11, 14, 15, 16, 17}
	closes := []float64{9.5, 11, 10, 14, 13.5, 12, 15, 17, 16.5, 18}

	for period := 1; period <= len(highs); period++ {
		for i, v := range indicators.ATR(highs, lows, closes, period) {
			if v < 0 {
				t.Errorf("ATR(period=%d)[%d] = %f is negative", period, i, v)
			}
		}
	}
}

func TestATRValues(t *testing.T) {
	highs := []float64{1, 2, 3, 4, 5}
	lows := []float64{0.5, 1, 2, 3, 4}
	closes := []float64{0.8, 1.5, 2.5, 3.5, 4.5}

	tr := indicators.TrueRange(highs, lows, closes)
	expectedTR := []float64{0.5, 1.2, 1.5, 1.5, 1.5}
	for i, want := range expectedTR {
		if !almostEqual(tr[i], want) {
			t.Errorf("TR[%d]: expected %f, got %f", i, want, tr[i])
		}
	}

	atr := indicators.ATR(highs, lows, closes, 3)
	expectedATR := []float64{0, 0, 3.2 / 3, 1.4, 1.5}
	for i, want := range expectedATR {
		if !almostEqual(atr[i], want) {
			t.Errorf("ATR[%d]: expected %f, got %f", i, want, atr[i])
		}
	}
}

func TestATRShortSeries(t *testing.T) {
	atr := indicators.ATR([]float64{2, 3}, []float64{1, 2}, []float64{1.5, 2.5}, 5)
	for i, v := range atr {
		if v != 0 {
			t.Errorf("ATR[%d]: expected 0 for short input, got %f", i, v)
		}
	}
}
