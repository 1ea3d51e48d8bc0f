package indicators

// RSI computes the relative strength index using a simple rolling mean of
// gains and losses over the trailing period changes.
//
// Points before the first full window are 0. A window whose average loss is
// exactly zero reports 100.
func RSI(series []float64, period int) []float64 {
	out := make([]float64, len(series))
	if period < 1 || len(series) <= period {
		return out
	}

	gains := make([]float64, len(series))
	losses := make([]float64, len(series))
	for i := 1; i < len(series); i++ {
		delta := series[i] - series[i-1]
		if delta > 0 {
			gains[i] = delta
		} else {
			losses[i] = -delta
		}
	}

	var sumGain, sumLoss float64
	for i := 1; i <= period; i++ {
		sumGain += gains[i]
		sumLoss += losses[i]
	}

	for i := period; i < len(series); i++ {
		if i > period {
			sumGain += gains[i] - gains[i-period]
			sumLoss += losses[i] - losses[i-period]
		}
		out[i] = rsiValue(sumGain/float64(period), sumLoss/float64(period))
	}
	return out
}

func rsiValue(avgGain, avgLoss float64) float64 {
	// Rolling sums can drift a hair below zero after many subtractions.
	if avgLoss <= 1e-12 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// FirstValidRSI is the index of the first RSI point backed by a full window.
func FirstValidRSI(period int) int {
	return period
}

// RSIReady reports whether a series of length n yields at least one real
// RSI value, distinguishing the 0 sentinel from an actual reading of 0.
func RSIReady(n, period int) bool {
	return period >= 1 && n > period
}
