// Package execution provides the risk gate and executor stages and the
// paper account they share.
package execution

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/optionpilot/trading-backend/internal/plugin"
	"github.com/optionpilot/trading-backend/internal/sizing"
	"github.com/optionpilot/trading-backend/pkg/types"
	"github.com/optionpilot/trading-backend/pkg/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// RiskPortfolio is the registry name of the portfolio risk gate.
const RiskPortfolio = "portfolio"

// Risk rules reported in violations.
const (
	RuleInvalidSpread = "invalid_spread"
	RuleMaxPositions  = "max_positions"
	RuleMaxDrawdown   = "max_drawdown"
	RuleRiskBudget    = "risk_budget"
	RuleMarginUsage   = "margin_usage"
)

// RiskConfig contains risk management configuration.
type RiskConfig struct {
	MaxPositions    int     // Max concurrent open spreads
	MaxDrawdown     float64 // Fraction below peak equity that blocks new trades
	PositionSizePct float64 // Equity fraction at risk per trade
	MaxMarginUsage  float64 // Max fraction of equity tied up as margin
	KellyFraction   float64
	MaxContracts    int
}

// DefaultRiskConfig returns default risk configuration.
func DefaultRiskConfig() RiskConfig {
	return RiskConfig{
		MaxPositions:    5,
		MaxDrawdown:     0.15,
		PositionSizePct: 0.02,
		MaxMarginUsage:  0.50,
		KellyFraction:   0.25,
	}
}

// RiskConfigFrom overlays plugin options on the defaults.
func RiskConfigFrom(cfg plugin.Config) RiskConfig {
	c := DefaultRiskConfig()
	c.MaxPositions = cfg.Int("max_positions", c.MaxPositions)
	c.MaxDrawdown = cfg.Float("max_drawdown", c.MaxDrawdown)
	c.PositionSizePct = cfg.Float("position_size_pct", c.PositionSizePct)
	c.MaxMarginUsage = cfg.Float("max_margin_usage", c.MaxMarginUsage)
	c.KellyFraction = cfg.Float("kelly_fraction", c.KellyFraction)
	c.MaxContracts = cfg.Int("max_contracts", c.MaxContracts)
	return c
}

// Validate rejects limits outside their domain.
func (c RiskConfig) Validate() error {
	if c.MaxPositions < 1 {
		return fmt.Errorf("max_positions %d must be at least 1", c.MaxPositions)
	}
	for name, v := range map[string]float64{
		"max_drawdown":      c.MaxDrawdown,
		"position_size_pct": c.PositionSizePct,
		"max_margin_usage":  c.MaxMarginUsage,
		"kelly_fraction":    c.KellyFraction,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s %.4f must be within [0, 1]", name, v)
		}
	}
	return nil
}

// RiskGate is the risk stage. It approves, shrinks or rejects a candidate
// against the account; rejection is a decision, not an error.
type RiskGate struct {
	*plugin.Lifecycle

	logger   *zap.Logger
	config   RiskConfig
	accounts AccountProvider
	sizer    *sizing.PositionSizer
}

var _ plugin.RiskGate = (*RiskGate)(nil)

// NewRiskGate creates the portfolio risk gate.
func NewRiskGate(logger *zap.Logger, config RiskConfig, accounts AccountProvider) *RiskGate {
	g := &RiskGate{
		logger:   logger.Named("risk"),
		config:   config,
		accounts: accounts,
		sizer: sizing.NewPositionSizer(logger, &sizing.SizingConfig{
			PositionSizePct: config.PositionSizePct,
			KellyFraction:   config.KellyFraction,
			MaxContracts:    config.MaxContracts,
		}),
	}
	g.Lifecycle = plugin.NewLifecycle(RiskPortfolio, logger, plugin.Hooks{
		Setup: func(ctx context.Context) error {
			if g.accounts == nil {
				return fmt.Errorf("no account provider")
			}
			return g.config.Validate()
		},
	})
	return g
}

// Execute evaluates candidate against the current account.
func (g *RiskGate) Execute(ctx context.Context, candidate *types.SpreadCandidate) (*types.RiskDecision, error) {
	return plugin.Call(ctx, g.Lifecycle, "execute", func(ctx context.Context) (*types.RiskDecision, error) {
		account, err := g.accounts.Account(ctx)
		if err != nil {
			return nil, fmt.Errorf("account state: %w", err)
		}
		decision := g.evaluate(candidate, account)

		fields := []zap.Field{
			zap.Bool("approved", decision.Approved),
			zap.String("reason", decision.Reason),
			zap.Float64("kelly", decision.KellyOptimal),
		}
		if decision.Adjustment != nil {
			fields = append(fields, zap.Int("quantity", decision.Adjustment.Quantity))
		}
		g.logger.Info("Risk decision", fields...)
		return decision, nil
	})
}

func (g *RiskGate) evaluate(c *types.SpreadCandidate, account types.AccountState) *types.RiskDecision {
	d := &types.RiskDecision{Timestamp: time.Now().UTC()}
	reject := func(rule string, value, limit decimal.Decimal, msg string) *types.RiskDecision {
		d.Approved = false
		d.Reason = msg
		d.Violations = append(d.Violations, types.RiskViolation{Rule: rule, Value: value, Limit: limit, Message: msg})
		return d
	}

	if c == nil {
		return reject(RuleInvalidSpread, decimal.Zero, decimal.Zero, "no candidate")
	}
	if err := c.Validate(); err != nil {
		return reject(RuleInvalidSpread, c.ShortStrike, c.LongStrike, err.Error())
	}

	// 1. Concurrent positions
	if account.OpenPositions >= g.config.MaxPositions {
		return reject(RuleMaxPositions,
			decimal.NewFromInt(int64(account.OpenPositions)),
			decimal.NewFromInt(int64(g.config.MaxPositions)),
			fmt.Sprintf("%d open positions at limit %d", account.OpenPositions, g.config.MaxPositions))
	}

	// 2. Drawdown
	drawdown := account.Drawdown()
	maxDD := decimal.NewFromFloat(g.config.MaxDrawdown)
	if drawdown.GreaterThanOrEqual(maxDD) {
		return reject(RuleMaxDrawdown, drawdown, maxDD,
			fmt.Sprintf("drawdown %s%% at or beyond limit %s%%", pct(drawdown), pct(maxDD)))
	}

	// 3. Per-trade risk budget
	perContract := c.MaxLossPerContract()
	size := g.sizer.CalculateSize(&sizing.SizingRequest{
		Equity:             account.Equity,
		MaxLossPerContract: perContract,
		CreditPerContract:  c.Credit.Mul(decimal.NewFromInt(100)),
		WinProbability:     c.ProbabilityProfit,
		Requested:          c.Quantity,
	})
	d.KellyOptimal = math.Round(size.KellyOptimal*10000) / 10000
	if size.KellyOptimal <= 0 {
		d.Warnings = append(d.Warnings,
			fmt.Sprintf("kelly %.4f: credit does not compensate for the win probability", size.KellyOptimal))
	}
	if size.Contracts < 1 {
		return reject(RuleRiskBudget, perContract, size.RiskBudget,
			fmt.Sprintf("max loss %s per contract exceeds risk budget %s", utils.FormatMoney(perContract), utils.FormatMoney(size.RiskBudget)))
	}
	quantity := size.Contracts
	reason := size.LimitingFactor

	// 4. Margin
	if perContract.IsPositive() {
		allowed := account.Equity.Mul(decimal.NewFromFloat(g.config.MaxMarginUsage))
		room := allowed.Sub(account.MarginUsed)
		fits := int(room.Div(perContract).Floor().IntPart())
		if room.IsNegative() {
			fits = 0
		}
		if fits < 1 {
			return reject(RuleMarginUsage, account.MarginUsed.Add(perContract), allowed,
				fmt.Sprintf("margin %s would exceed %s", utils.FormatMoney(account.MarginUsed.Add(perContract)), utils.FormatMoney(allowed)))
		}
		if fits < quantity {
			quantity = fits
			reason = RuleMarginUsage
		}
	}

	d.Approved = true
	d.Reason = "approved"
	if quantity < c.Quantity {
		d.Adjustment = &types.SizingAdjustment{
			Quantity: quantity,
			Reason:   fmt.Sprintf("reduced from %d to %d contracts by %s", c.Quantity, quantity, reason),
		}
		d.Reason = "approved with reduced size"
	}
	return d
}

func pct(d decimal.Decimal) string {
	return d.Mul(decimal.NewFromInt(100)).StringFixed(1)
}
