// Package regime classifies the volatility regime of an underlying from the
// percentile rank of its latest ATR within its own history.
package regime

import (
	"math"
	"sync"
	"time"

	"github.com/optionpilot/trading-backend/internal/indicators"
	"github.com/optionpilot/trading-backend/pkg/types"
	"go.uber.org/zap"
)

// RegimeType represents the volatility regime.
type RegimeType string

const (
	RegimeHighVol   RegimeType = "HIGH_VOLATILITY"
	RegimeNormalVol RegimeType = "NORMAL_VOLATILITY"
)

// RegimeState is one classification result.
type RegimeState struct {
	Symbol     string     `json:"symbol"`
	Primary    RegimeType `json:"regime"`
	Percentile float64    `json:"percentile"`
	ATR        float64    `json:"atr"`
	Threshold  float64    `json:"threshold"`
	Samples    int        `json:"samples"`
	DetectedAt time.Time  `json:"detected_at"`
}

// PercentileRank returns the percentile rank of the last value of series
// among all its finite values, averaging ranks of ties. NaN points are skipped.
// An empty series ranks 0.
func PercentileRank(series []float64) float64 {
	valid := make([]float64, 0, len(series))
	for _, v := range series {
		if !math.IsNaN(v) {
			valid = append(valid, v)
		}
	}
	if len(valid) == 0 || math.IsNaN(series[len(series)-1]) {
		return 0
	}

	last := valid[len(valid)-1]
	var below, equal int
	for _, v := range valid {
		switch {
		case v < last:
			below++
		case v == last:
			equal++
		}
	}
	rank := float64(below) + float64(equal+1)/2
	return rank / float64(len(valid))
}

// Classify returns HIGH_VOLATILITY iff the latest ATR's percentile rank is at
// or above threshold.
func Classify(atrSeries []float64, threshold float64) RegimeType {
	if len(atrSeries) == 0 {
		return RegimeNormalVol
	}
	if PercentileRank(atrSeries) >= threshold {
		return RegimeHighVol
	}
	return RegimeNormalVol
}

// RegimeConfig configures the regime detector
type RegimeConfig struct {
	ATRPeriod        int     // Bars per ATR window
	HighVolThreshold float64 // Percentile at or above which the regime is high volatility
	HistoryLimit     int     // States kept per symbol
}

// DefaultRegimeConfig returns sensible defaults
func DefaultRegimeConfig() *RegimeConfig {
	return &RegimeConfig{
		ATRPeriod:        14,
		HighVolThreshold: 0.75,
		HistoryLimit:     100,
	}
}

// RegimeDetector runs the ATR classification over bar history and remembers
// recent results per symbol.
type RegimeDetector struct {
	logger *zap.Logger
	config *RegimeConfig

	mu      sync.RWMutex
	history map[string][]*RegimeState
}

// NewRegimeDetector creates a new regime detector
func NewRegimeDetector(logger *zap.Logger, config *RegimeConfig) *RegimeDetector {
	if config == nil {
		config = DefaultRegimeConfig()
	}
	return &RegimeDetector{
		logger:  logger.Named("regime"),
		config:  config,
		history: make(map[string][]*RegimeState),
	}
}

// Detect computes ATR over bars and classifies the latest point. Fewer bars
// than the ATR period yield NORMAL_VOLATILITY with zero samples.
func (rd *RegimeDetector) Detect(symbol string, bars []types.Bar) *RegimeState {
	highs := make([]float64, len(bars))
	lows := make([]float64, len(bars))
	closes := make([]float64, len(bars))
	for i, b := range bars {
		highs[i], lows[i], closes[i] = b.High, b.Low, b.Close
	}

	state := &RegimeState{
		Symbol:     symbol,
		Primary:    RegimeNormalVol,
		Threshold:  rd.config.HighVolThreshold,
		DetectedAt: time.Now(),
	}

	atr := indicators.ATR(highs, lows, closes, rd.config.ATRPeriod)
	start := indicators.FirstValidATR(rd.config.ATRPeriod)
	if len(atr) > start && len(bars) >= rd.config.ATRPeriod {
		valid := atr[start:]
		state.Samples = len(valid)
		state.ATR = indicators.Last(valid)
		state.Percentile = PercentileRank(valid)
		state.Primary = Classify(valid, rd.config.HighVolThreshold)
	}

	rd.record(state)
	rd.logger.Debug("Regime classified",
		zap.String("symbol", symbol),
		zap.String("regime", string(state.Primary)),
		zap.Float64("percentile", state.Percentile),
		zap.Float64("atr", state.ATR),
	)
	return state
}

func (rd *RegimeDetector) record(state *RegimeState) {
	rd.mu.Lock()
	defer rd.mu.Unlock()

	h := append(rd.history[state.Symbol], state)
	if limit := rd.config.HistoryLimit; limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	rd.history[state.Symbol] = h
}

// GetCurrentRegime returns the latest state for symbol, or nil.
func (rd *RegimeDetector) GetCurrentRegime(symbol string) *RegimeState {
	rd.mu.RLock()
	defer rd.mu.RUnlock()

	h := rd.history[symbol]
	if len(h) == 0 {
		return nil
	}
	return h[len(h)-1]
}

// GetRegimeHistory returns up to limit most recent states for symbol.
func (rd *RegimeDetector) GetRegimeHistory(symbol string, limit int) []*RegimeState {
	rd.mu.RLock()
	defer rd.mu.RUnlock()

	h := rd.history[symbol]
	if limit <= 0 || limit > len(h) {
		limit = len(h)
	}
	out := make([]*RegimeState, limit)
	copy(out, h[len(h)-limit:])
	return out
}
