// Package sizing converts a per-trade risk budget into a contract count for
// defined-risk spreads and reports the Kelly fraction for the trade.
package sizing

import (
	"math"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Limiting factors reported in SizingResult.
const (
	LimitRequested    = "requested"
	LimitRiskBudget   = "risk_budget"
	LimitMaxContracts = "max_contracts"
)

// PositionSizer calculates position sizes
type PositionSizer struct {
	logger *zap.Logger
	config *SizingConfig
}

// SizingConfig configures position sizing
type SizingConfig struct {
	PositionSizePct float64 // Equity fraction at risk per trade (default 2%)
	KellyFraction   float64 // Fraction of Kelly reported as usable (default 0.25)
	MaxContracts    int     // Hard cap per order, 0 for none
}

// DefaultSizingConfig returns conservative defaults
func DefaultSizingConfig() *SizingConfig {
	return &SizingConfig{
		PositionSizePct: 0.02,
		KellyFraction:   0.25,
		MaxContracts:    0,
	}
}

// NewPositionSizer creates a new position sizer
func NewPositionSizer(logger *zap.Logger, config *SizingConfig) *PositionSizer {
	if config == nil {
		config = DefaultSizingConfig()
	}
	return &PositionSizer{
		logger: logger.Named("sizing"),
		config: config,
	}
}

// SizingRequest contains inputs for position sizing
type SizingRequest struct {
	Equity             decimal.Decimal
	MaxLossPerContract decimal.Decimal // (width - credit) * multiplier
	CreditPerContract  decimal.Decimal // credit * multiplier
	WinProbability     float64         // Probability the spread expires worthless
	Requested          int             // Contracts asked for
}

// SizingResult contains the calculated position size
type SizingResult struct {
	Contracts      int             `json:"contracts"`
	Affordable     int             `json:"affordable"`
	RiskBudget     decimal.Decimal `json:"risk_budget"`
	RiskAmount     decimal.Decimal `json:"risk_amount"`
	RiskPct        float64         `json:"risk_pct"`
	PayoffRatio    float64         `json:"payoff_ratio"`
	KellyOptimal   float64         `json:"kelly_optimal"`
	KellyUsed      float64         `json:"kelly_used"`
	LimitingFactor string          `json:"limiting_factor"`
	Adjustments    []string        `json:"adjustments"`
}

// CalculateSize returns how many contracts fit the risk budget, never more
// than requested.
func (ps *PositionSizer) CalculateSize(req *SizingRequest) *SizingResult {
	result := &SizingResult{
		Adjustments:    make([]string, 0),
		LimitingFactor: LimitRequested,
	}

	result.RiskBudget = req.Equity.Mul(decimal.NewFromFloat(ps.config.PositionSizePct))

	if req.MaxLossPerContract.IsPositive() {
		result.Affordable = int(result.RiskBudget.Div(req.MaxLossPerContract).Floor().IntPart())
		result.PayoffRatio = req.CreditPerContract.Div(req.MaxLossPerContract).InexactFloat64()
	} else {
		// Zero max loss means the credit covers the width; only the request limits size.
		result.Affordable = req.Requested
	}

	// 1. Kelly
	result.KellyOptimal = Kelly(req.WinProbability, result.PayoffRatio)
	result.KellyUsed = math.Max(0, result.KellyOptimal*ps.config.KellyFraction)
	result.Adjustments = append(result.Adjustments,
		"fractional_kelly: "+formatPct(ps.config.KellyFraction))

	// 2. Risk budget
	contracts := req.Requested
	if result.Affordable < contracts {
		contracts = result.Affordable
		result.LimitingFactor = LimitRiskBudget
		result.Adjustments = append(result.Adjustments,
			"risk_budget: "+formatPct(ps.config.PositionSizePct))
	}

	// 3. Hard cap
	if ps.config.MaxContracts > 0 && contracts > ps.config.MaxContracts {
		contracts = ps.config.MaxContracts
		result.LimitingFactor = LimitMaxContracts
		result.Adjustments = append(result.Adjustments, "capped_max_contracts")
	}

	if contracts < 0 {
		contracts = 0
	}
	result.Contracts = contracts
	result.RiskAmount = req.MaxLossPerContract.Mul(decimal.NewFromInt(int64(contracts)))
	if req.Equity.IsPositive() {
		result.RiskPct = result.RiskAmount.Div(req.Equity).InexactFloat64()
	}

	ps.logger.Debug("Position sized",
		zap.Int("requested", req.Requested),
		zap.Int("contracts", contracts),
		zap.String("limitingFactor", result.LimitingFactor),
		zap.Float64("kelly", result.KellyOptimal),
	)
	return result
}

// Kelly implements the Kelly criterion
// f* = (p*b - q) / b = p - q/b
// where p = win probability, q = 1-p, b = win/loss ratio.
// The result is capped at 1 but left negative when the bet has negative edge.
func Kelly(winProb, payoff float64) float64 {
	if winProb <= 0 || payoff <= 0 {
		return 0
	}
	if winProb >= 1 {
		return 1
	}
	kelly := winProb - (1-winProb)/payoff
	if kelly > 1 {
		kelly = 1
	}
	return kelly
}

func formatPct(pct float64) string {
	return decimal.NewFromFloat(pct*100).Round(1).String() + "%"
}
