// Package indicators implements the technical indicators consumed by the
// signal stage. Every function is pure and returns a series the same length
// as its input, with the insufficient-data value (0) where a point cannot be
// computed yet.
package indicators

// EMA computes an exponential moving average with smoothing factor
// 2/(period+1), seeded from the first value.
func EMA(series []float64, period int) []float64 {
	out := make([]float64, len(series))
	if period < 1 || len(series) < period {
		return out
	}

	alpha := 2.0 / float64(period+1)
	out[0] = series[0]
	for i := 1; i < len(series); i++ {
		out[i] = alpha*series[i] + (1-alpha)*out[i-1]
	}
	return out
}

// Last returns the final element of a series, or 0 for an empty one.
func Last(series []float64) float64 {
	if len(series) == 0 {
		return 0
	}
	return series[len(series)-1]
}
