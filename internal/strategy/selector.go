// Package strategy provides the spread selection stage: it prices an option
// chain and picks the vertical credit spread whose short leg sits closest to
// the target delta.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/optionpilot/trading-backend/internal/plugin"
	"github.com/optionpilot/trading-backend/pkg/types"
	"github.com/optionpilot/trading-backend/pkg/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// SelectorCreditSpread is the registry name of the credit spread selector.
const SelectorCreditSpread = "credit_spread"

var (
	// ErrNoCandidate means no strike pair satisfies the policy. It is a
	// normal no-trade outcome.
	ErrNoCandidate = errors.New("no qualifying spread")
	// ErrInvalidSpread means the chain only offered pairs that do not form a
	// credit spread.
	ErrInvalidSpread = errors.New("invalid spread")
)

// SelectorConfig is the selection policy.
type SelectorConfig struct {
	SpreadType        types.SpreadType
	DeltaTarget       float64 // Target |delta| of the short leg
	DTEMin            int
	DTEMax            int
	CreditThreshold   float64 // Minimum mid credit per share
	MaxSpreadWidth    float64
	Quantity          int
	TickSize          float64 // Credit is floored to this increment
	DefaultVolatility float64 // Used when the chain carries no VIX
	RiskFreeRate      float64
}

// DefaultSelectorConfig returns sensible defaults
func DefaultSelectorConfig() SelectorConfig {
	return SelectorConfig{
		SpreadType:        types.SpreadTypePut,
		DeltaTarget:       0.10,
		DTEMin:            30,
		DTEMax:            45,
		CreditThreshold:   0.35,
		MaxSpreadWidth:    50,
		Quantity:          1,
		TickSize:          0.05,
		DefaultVolatility: 0.20,
	}
}

// SelectorConfigFrom overlays plugin options on the defaults.
func SelectorConfigFrom(cfg plugin.Config) SelectorConfig {
	c := DefaultSelectorConfig()
	c.SpreadType = types.SpreadType(cfg.String("spread_type", string(c.SpreadType)))
	c.DeltaTarget = cfg.Float("delta_target", c.DeltaTarget)
	c.DTEMin = cfg.Int("dte_min", c.DTEMin)
	c.DTEMax = cfg.Int("dte_max", c.DTEMax)
	c.CreditThreshold = cfg.Float("credit_threshold", c.CreditThreshold)
	c.MaxSpreadWidth = cfg.Float("max_spread_width", c.MaxSpreadWidth)
	c.Quantity = cfg.Int("quantity", c.Quantity)
	c.TickSize = cfg.Float("tick_size", c.TickSize)
	c.RiskFreeRate = cfg.Float("risk_free_rate", c.RiskFreeRate)
	return c
}

// Validate rejects a policy that can never select a spread.
func (c SelectorConfig) Validate() error {
	if _, err := types.ParseSpreadType(string(c.SpreadType)); err != nil {
		return err
	}
	if c.DeltaTarget <= 0 || c.DeltaTarget >= 1 {
		return fmt.Errorf("delta_target %.2f must be in (0, 1)", c.DeltaTarget)
	}
	if c.DTEMin < 0 || c.DTEMin > c.DTEMax {
		return fmt.Errorf("dte window %d-%d is empty", c.DTEMin, c.DTEMax)
	}
	if c.MaxSpreadWidth <= 0 {
		return fmt.Errorf("max_spread_width must be positive")
	}
	if c.Quantity < 1 {
		return fmt.Errorf("quantity %d must be at least 1", c.Quantity)
	}
	return nil
}

// Selector is the spread selection stage.
type Selector struct {
	*plugin.Lifecycle

	logger *zap.Logger
	config SelectorConfig
	now    func() time.Time

	mu   sync.RWMutex
	last *types.SpreadCandidate
}

var _ plugin.SpreadSelector = (*Selector)(nil)

// NewSelector creates the credit spread selector.
func NewSelector(logger *zap.Logger, config SelectorConfig) *Selector {
	s := &Selector{
		logger: logger.Named("selector"),
		config: config,
		now:    time.Now,
	}
	s.Lifecycle = plugin.NewLifecycle(SelectorCreditSpread, logger, plugin.Hooks{
		Setup: func(ctx context.Context) error { return s.config.Validate() },
	})
	return s
}

// SetClock replaces the time source used for DTE arithmetic.
func (s *Selector) SetClock(now func() time.Time) {
	s.now = now
}

// Last returns the most recent candidate, or nil.
func (s *Selector) Last() *types.SpreadCandidate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

// Execute selects a candidate from chain.
func (s *Selector) Execute(ctx context.Context, chain *types.OptionChain) (*types.SpreadCandidate, error) {
	return plugin.Call(ctx, s.Lifecycle, "execute", func(ctx context.Context) (*types.SpreadCandidate, error) {
		if chain == nil {
			return nil, fmt.Errorf("nil option chain: %w", ErrNoCandidate)
		}
		c, err := s.selectSpread(chain)
		if err != nil {
			s.logger.Info("No spread selected",
				zap.String("symbol", chain.Symbol),
				zap.Error(err),
			)
			return nil, err
		}

		s.mu.Lock()
		s.last = c
		s.mu.Unlock()

		s.logger.Info("Spread selected",
			zap.String("symbol", c.Symbol),
			zap.String("type", string(c.SpreadType)),
			zap.String("short", c.ShortStrike.String()),
			zap.String("long", c.LongStrike.String()),
			zap.String("credit", c.Credit.String()),
			zap.Float64("delta", c.ShortDelta),
			zap.Int("dte", c.DaysToExpiration),
		)
		return c, nil
	})
}

type pair struct {
	short, long types.OptionQuote
	delta       float64
	credit      decimal.Decimal
	width       decimal.Decimal
}

func (s *Selector) selectSpread(chain *types.OptionChain) (*types.SpreadCandidate, error) {
	cfg := s.config
	now := s.now()

	expiration := chain.Expiration
	if expiration.IsZero() {
		expiration = NextExpiration(now, cfg.DTEMin)
	}
	dte := DaysToExpiration(now, expiration)
	if dte < cfg.DTEMin || dte > cfg.DTEMax {
		return nil, fmt.Errorf("expiration %s is %d days out, outside %d-%d: %w",
			expiration.Format("2006-01-02"), dte, cfg.DTEMin, cfg.DTEMax, ErrNoCandidate)
	}

	vol := chain.VIX / 100
	if vol <= 0 {
		vol = cfg.DefaultVolatility
	}
	years := math.Max(float64(dte), 1) / 365

	rows := usableRows(chain.Rows(cfg.SpreadType))
	threshold := decimal.NewFromFloat(cfg.CreditThreshold)
	maxWidth := decimal.NewFromFloat(cfg.MaxSpreadWidth)
	tick := decimal.NewFromFloat(cfg.TickSize)

	var best *pair
	var invalid error
	for i := range rows {
		j := i - 1 // next lower strike protects a put
		if cfg.SpreadType == types.SpreadTypeCall {
			j = i + 1
		}
		if j < 0 || j >= len(rows) {
			continue
		}
		short, long := rows[i], rows[j]
		shortK := decimal.NewFromFloat(short.Strike)
		longK := decimal.NewFromFloat(long.Strike)

		if err := types.ValidateStrikes(cfg.SpreadType, shortK, longK); err != nil {
			invalid = err
			continue
		}
		width := shortK.Sub(longK).Abs()
		if width.GreaterThan(maxWidth) {
			continue
		}
		credit := mid(short).Sub(mid(long))
		credit = utils.RoundToTickSize(credit, tick)
		if !credit.IsPositive() || credit.LessThan(threshold) {
			continue
		}

		p := &pair{
			short:  short,
			long:   long,
			delta:  Delta(cfg.SpreadType, chain.UnderlyingPrice, short.Strike, vol, years, cfg.RiskFreeRate),
			credit: credit,
			width:  width,
		}
		if best == nil || closer(p, best, cfg.DeltaTarget) {
			best = p
		}
	}

	if best == nil {
		if invalid != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidSpread, invalid)
		}
		return nil, fmt.Errorf("%s %s chain: %w", chain.Symbol, cfg.SpreadType, ErrNoCandidate)
	}

	c := &types.SpreadCandidate{
		Symbol:            chain.Symbol,
		SpreadType:        cfg.SpreadType,
		ShortStrike:       decimal.NewFromFloat(best.short.Strike),
		LongStrike:        decimal.NewFromFloat(best.long.Strike),
		Expiration:        expiration,
		Credit:            best.credit,
		Quantity:          cfg.Quantity,
		Width:             best.width,
		ShortDelta:        round4(best.delta),
		ProbabilityProfit: round4(1 - math.Abs(best.delta)),
		DaysToExpiration:  dte,
	}
	c.MaxLoss = c.MaxLossPerContract().Mul(decimal.NewFromInt(int64(c.Quantity)))

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSpread, err)
	}
	return c, nil
}

// closer prefers the delta nearest the target, then the larger credit.
func closer(a, b *pair, target float64) bool {
	da := math.Abs(math.Abs(a.delta) - target)
	db := math.Abs(math.Abs(b.delta) - target)
	if da != db {
		return da < db
	}
	return a.credit.GreaterThan(b.credit)
}

// usableRows drops unquoted rows and sorts by strike.
func usableRows(rows []types.OptionQuote) []types.OptionQuote {
	out := make([]types.OptionQuote, 0, len(rows))
	for _, r := range rows {
		if r.Strike <= 0 || r.Bid < 0 || r.Ask < r.Bid {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Strike < out[j].Strike })
	return out
}

func mid(q types.OptionQuote) decimal.Decimal {
	return decimal.NewFromFloat(q.Bid).Add(decimal.NewFromFloat(q.Ask)).Div(decimal.NewFromInt(2))
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
