// Package signals provides the technical signal stage.
package signals

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/optionpilot/trading-backend/internal/indicators"
	"github.com/optionpilot/trading-backend/internal/plugin"
	"github.com/optionpilot/trading-backend/internal/regime"
	"github.com/optionpilot/trading-backend/pkg/types"
	"go.uber.org/zap"
)

// GeneratorTechnical is the registry name of the technical generator.
const GeneratorTechnical = "technical"

// ErrMissingMarketData is returned when the input carries no snapshot.
var ErrMissingMarketData = errors.New("signal input has no market data")

// Indicator keys in Signal.Indicators.
const (
	IndicatorRSI      = "rsi"
	IndicatorMACD     = "macd"
	IndicatorEMACross = "ema_cross"
	IndicatorRegime   = "volatility_regime"
	IndicatorIV       = "iv"
	IndicatorATR      = "atr"
)

// Qualitative readings.
const (
	ReadingBullish      = "BULLISH"
	ReadingBearish      = "BEARISH"
	ReadingNeutral      = "NEUTRAL"
	ReadingOverbought   = "OVERBOUGHT"
	ReadingOversold     = "OVERSOLD"
	ReadingBullishCross = "BULLISH_CROSS"
	ReadingBearishCross = "BEARISH_CROSS"
	ReadingInsufficient = "INSUFFICIENT_DATA"
	ReadingHigh         = "HIGH"
	ReadingNormal       = "NORMAL"
)

// GeneratorConfig configures the technical generator.
type GeneratorConfig struct {
	RSIPeriod        int
	RSIOverbought    float64
	RSIOversold      float64
	EMAFast          int
	EMASlow          int
	MACDSignal       int
	ATRPeriod        int
	HighVolThreshold float64
	HighIVLevel      float64 // VIX at or above which implied vol reads HIGH
	BiasThreshold    float64 // |score| needed for a directional bias
	HighVolDamping   float64 // Confidence multiplier in a high volatility regime

	// Score contributions
	RSIWeight   float64
	MACDWeight  float64
	TrendWeight float64
}

// DefaultGeneratorConfig returns sensible defaults
func DefaultGeneratorConfig() GeneratorConfig {
	return GeneratorConfig{
		RSIPeriod:        14,
		RSIOverbought:    70,
		RSIOversold:      30,
		EMAFast:          9,
		EMASlow:          21,
		MACDSignal:       9,
		ATRPeriod:        14,
		HighVolThreshold: 0.75,
		HighIVLevel:      20,
		BiasThreshold:    0.2,
		HighVolDamping:   0.8,
		RSIWeight:        0.3,
		MACDWeight:       0.4,
		TrendWeight:      0.2,
	}
}

// GeneratorConfigFrom overlays plugin options on the defaults.
func GeneratorConfigFrom(cfg plugin.Config) GeneratorConfig {
	c := DefaultGeneratorConfig()
	c.RSIPeriod = cfg.Int("rsi_period", c.RSIPeriod)
	c.RSIOverbought = cfg.Float("rsi_overbought", c.RSIOverbought)
	c.RSIOversold = cfg.Float("rsi_oversold", c.RSIOversold)
	c.EMAFast = cfg.Int("ema_fast", c.EMAFast)
	c.EMASlow = cfg.Int("ema_slow", c.EMASlow)
	c.MACDSignal = cfg.Int("macd_signal", c.MACDSignal)
	c.ATRPeriod = cfg.Int("atr_period", c.ATRPeriod)
	c.HighVolThreshold = cfg.Float("high_vol_threshold", c.HighVolThreshold)
	return c
}

// Validate rejects periods the indicators cannot use.
func (c GeneratorConfig) Validate() error {
	if c.RSIPeriod < 1 || c.EMAFast < 1 || c.EMASlow < 1 || c.MACDSignal < 1 || c.ATRPeriod < 1 {
		return fmt.Errorf("indicator periods must be positive")
	}
	if c.EMAFast >= c.EMASlow {
		return fmt.Errorf("ema_fast %d must be below ema_slow %d", c.EMAFast, c.EMASlow)
	}
	if c.RSIOversold >= c.RSIOverbought {
		return fmt.Errorf("rsi_oversold %.0f must be below rsi_overbought %.0f", c.RSIOversold, c.RSIOverbought)
	}
	return nil
}

// Generator is the signal stage.
type Generator struct {
	*plugin.Lifecycle

	logger   *zap.Logger
	config   GeneratorConfig
	detector *regime.RegimeDetector

	mu     sync.RWMutex
	latest map[string]*types.Signal
}

var _ plugin.SignalGenerator = (*Generator)(nil)

// NewGenerator creates the technical signal generator.
func NewGenerator(logger *zap.Logger, config GeneratorConfig, detector *regime.RegimeDetector) *Generator {
	if detector == nil {
		detector = regime.NewRegimeDetector(logger, &regime.RegimeConfig{
			ATRPeriod:        config.ATRPeriod,
			HighVolThreshold: config.HighVolThreshold,
			HistoryLimit:     100,
		})
	}
	g := &Generator{
		logger:   logger.Named("signals"),
		config:   config,
		detector: detector,
		latest:   make(map[string]*types.Signal),
	}
	g.Lifecycle = plugin.NewLifecycle(GeneratorTechnical, logger, plugin.Hooks{
		Setup: func(ctx context.Context) error { return g.config.Validate() },
	})
	return g
}

// Execute scores the indicators over the input history.
func (g *Generator) Execute(ctx context.Context, in types.SignalInput) (*types.Signal, error) {
	return plugin.Call(ctx, g.Lifecycle, "execute", func(ctx context.Context) (*types.Signal, error) {
		if in.Market == nil {
			return nil, ErrMissingMarketData
		}
		sig := g.evaluate(in)

		g.mu.Lock()
		g.latest[sig.Symbol] = sig
		g.mu.Unlock()

		g.logger.Info("Signal generated",
			zap.String("symbol", sig.Symbol),
			zap.String("bias", string(sig.Bias)),
			zap.Float64("confidence", sig.Confidence),
			zap.Float64("score", sig.Score),
		)
		return sig, nil
	})
}

// Latest returns the last signal produced for symbol, or nil.
func (g *Generator) Latest(symbol string) *types.Signal {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.latest[symbol]
}

// Regimes exposes the detector so callers can read the volatility history.
func (g *Generator) Regimes() *regime.RegimeDetector {
	return g.detector
}

func (g *Generator) evaluate(in types.SignalInput) *types.Signal {
	closes := types.Closes(in.History)
	readings := make(map[string]types.IndicatorReading, 6)
	var score float64

	// RSI extremes
	if indicators.RSIReady(len(closes), g.config.RSIPeriod) {
		rsi := indicators.Last(indicators.RSI(closes, g.config.RSIPeriod))
		reading := types.IndicatorReading{Value: rsi, Signal: ReadingNeutral}
		switch {
		case rsi < g.config.RSIOversold:
			reading.Signal = ReadingOversold
			score += g.config.RSIWeight
		case rsi > g.config.RSIOverbought:
			reading.Signal = ReadingOverbought
			score -= g.config.RSIWeight
		}
		readings[IndicatorRSI] = reading
	} else {
		readings[IndicatorRSI] = types.IndicatorReading{Signal: ReadingInsufficient}
	}

	// MACD histogram crossover
	if len(closes) >= g.config.EMASlow && len(closes) >= g.config.MACDSignal {
		macd := indicators.MACD(closes, g.config.EMAFast, g.config.EMASlow, g.config.MACDSignal)
		hist := indicators.Last(macd.Histogram)
		reading := types.IndicatorReading{Value: hist, Signal: ReadingNeutral}
		switch indicators.HistogramCross(macd.Histogram) {
		case indicators.CrossUp:
			reading.Signal = ReadingBullishCross
			score += g.config.MACDWeight
		case indicators.CrossDown:
			reading.Signal = ReadingBearishCross
			score -= g.config.MACDWeight
		default:
			if hist > 0 {
				reading.Signal = ReadingBullish
			} else if hist < 0 {
				reading.Signal = ReadingBearish
			}
		}
		readings[IndicatorMACD] = reading

		// EMA trend
		fast := indicators.Last(indicators.EMA(closes, g.config.EMAFast))
		slow := indicators.Last(indicators.EMA(closes, g.config.EMASlow))
		trend := types.IndicatorReading{Value: fast - slow, Signal: ReadingNeutral}
		switch {
		case fast > slow:
			trend.Signal = ReadingBullish
			score += g.config.TrendWeight
		case fast < slow:
			trend.Signal = ReadingBearish
			score -= g.config.TrendWeight
		}
		readings[IndicatorEMACross] = trend
	} else {
		readings[IndicatorMACD] = types.IndicatorReading{Signal: ReadingInsufficient}
		readings[IndicatorEMACross] = types.IndicatorReading{Signal: ReadingInsufficient}
	}

	state := g.detector.Detect(in.Market.Symbol, in.History)
	readings[IndicatorRegime] = types.IndicatorReading{Value: state.Percentile, Signal: string(state.Primary)}
	readings[IndicatorATR] = types.IndicatorReading{Value: state.ATR, Signal: string(state.Primary)}

	iv := types.IndicatorReading{Value: in.Market.VIX, Signal: ReadingNormal}
	if in.Market.VIX >= g.config.HighIVLevel {
		iv.Signal = ReadingHigh
	}
	readings[IndicatorIV] = iv

	score = math.Max(-1, math.Min(1, score))
	bias := types.MarketBiasNeutral
	switch {
	case score >= g.config.BiasThreshold:
		bias = types.MarketBiasBullish
	case score <= -g.config.BiasThreshold:
		bias = types.MarketBiasBearish
	}

	confidence := math.Abs(score)
	if state.Primary == regime.RegimeHighVol {
		confidence *= g.config.HighVolDamping
	}

	return &types.Signal{
		Symbol:     in.Market.Symbol,
		Bias:       bias,
		Confidence: math.Round(confidence*1000) / 1000,
		Score:      math.Round(score*1000) / 1000,
		Indicators: readings,
		Timestamp:  time.Now().UTC(),
	}
}
