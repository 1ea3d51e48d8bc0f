package indicators

// MACDResult holds the three MACD series.
type MACDResult struct {
	Line      []float64
	Signal    []float64
	Histogram []float64
}

// MACD computes line = EMA(fast) - EMA(slow), signal = EMA(line, signal) and
// histogram = line - signal.
func MACD(series []float64, fast, slow, signal int) MACDResult {
	n := len(series)
	res := MACDResult{
		Line:      make([]float64, n),
		Signal:    make([]float64, n),
		Histogram: make([]float64, n),
	}
	if fast < 1 || slow < 1 || signal < 1 || n < fast || n < slow || n < signal {
		return res
	}

	fastEMA := EMA(series, fast)
	slowEMA := EMA(series, slow)
	for i := range series {
		res.Line[i] = fastEMA[i] - slowEMA[i]
	}
	res.Signal = EMA(res.Line, signal)
	for i := range series {
		res.Histogram[i] = res.Line[i] - res.Signal[i]
	}
	return res
}

// Cross describes how the histogram moved across zero on the last bar.
type Cross int

const (
	CrossNone Cross = iota
	CrossUp
	CrossDown
)

// HistogramCross inspects the last two histogram points.
func HistogramCross(hist []float64) Cross {
	if len(hist) < 2 {
		return CrossNone
	}
	prev, cur := hist[len(hist)-2], hist[len(hist)-1]
	switch {
	case cur > 0 && prev <= 0:
		return CrossUp
	case cur < 0 && prev >= 0:
		return CrossDown
	}
	return CrossNone
}
