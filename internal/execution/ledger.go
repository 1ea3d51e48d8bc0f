package execution

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/optionpilot/trading-backend/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// AccountProvider supplies the account state risk checks run against.
type AccountProvider interface {
	Account(ctx context.Context) (types.AccountState, error)
}

// PaperLedger is the in-memory paper account. It implements AccountProvider
// for the risk gate and records fills from the paper broker.
type PaperLedger struct {
	logger *zap.Logger

	mu        sync.RWMutex
	equity    decimal.Decimal
	peak      decimal.Decimal
	positions map[string]types.Position
}

// NewPaperLedger creates a ledger holding startingEquity.
func NewPaperLedger(logger *zap.Logger, startingEquity decimal.Decimal) *PaperLedger {
	return &PaperLedger{
		logger:    logger.Named("ledger"),
		equity:    startingEquity,
		peak:      startingEquity,
		positions: make(map[string]types.Position),
	}
}

// Account returns the current account snapshot.
func (l *PaperLedger) Account(ctx context.Context) (types.AccountState, error) {
	if err := ctx.Err(); err != nil {
		return types.AccountState{}, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	margin := decimal.Zero
	for _, p := range l.positions {
		margin = margin.Add(p.Margin)
	}
	return types.AccountState{
		Equity:        l.equity,
		PeakEquity:    l.peak,
		MarginUsed:    margin,
		OpenPositions: len(l.positions),
	}, nil
}

// Open books a filled position. The credit received is added to equity.
func (l *PaperLedger) Open(pos types.Position) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.positions[pos.ID] = pos
	credit := pos.EntryCredit.Mul(decimal.NewFromInt(100)).Mul(decimal.NewFromInt(int64(pos.Quantity)))
	l.setEquityLocked(l.equity.Add(credit))

	l.logger.Info("Position opened",
		zap.String("id", pos.ID),
		zap.String("symbol", pos.Symbol),
		zap.Int("quantity", pos.Quantity),
		zap.String("margin", pos.Margin.String()),
	)
}

// Close removes a position, realising pnl against equity.
func (l *PaperLedger) Close(id string, pnl decimal.Decimal) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.positions[id]; !ok {
		return false
	}
	delete(l.positions, id)
	l.setEquityLocked(l.equity.Add(pnl))
	return true
}

// Settlement is one position closed at expiration.
type Settlement struct {
	PositionID string          `json:"position_id"`
	Intrinsic  decimal.Decimal `json:"intrinsic"` // Per share, capped at the width
	PnL        decimal.Decimal `json:"pnl"`
}

// SettleExpired closes every symbol position whose expiration date is before
// now's date, at intrinsic value against underlying. The entry credit was
// booked on open, so the realised pnl is the assignment cost only.
func (l *PaperLedger) SettleExpired(symbol string, underlying decimal.Decimal, now time.Time) []Settlement {
	today := day(now)

	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Settlement
	for id, p := range l.positions {
		if p.Symbol != symbol || p.Expiration.IsZero() || !day(p.Expiration).Before(today) {
			continue
		}
		intrinsic := Intrinsic(p, underlying)
		pnl := intrinsic.Mul(decimal.NewFromInt(100)).Mul(decimal.NewFromInt(int64(p.Quantity))).Neg()

		delete(l.positions, id)
		l.setEquityLocked(l.equity.Add(pnl))
		out = append(out, Settlement{PositionID: id, Intrinsic: intrinsic, PnL: pnl})

		l.logger.Info("Position settled",
			zap.String("id", id),
			zap.String("symbol", p.Symbol),
			zap.String("underlying", underlying.String()),
			zap.String("pnl", pnl.String()),
		)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PositionID < out[j].PositionID })
	return out
}

// Intrinsic is the per-share value of a vertical spread at expiration,
// between zero and its width.
func Intrinsic(p types.Position, underlying decimal.Decimal) decimal.Decimal {
	var v decimal.Decimal
	switch p.SpreadType {
	case types.SpreadTypePut:
		v = p.ShortStrike.Sub(underlying)
	case types.SpreadTypeCall:
		v = underlying.Sub(p.ShortStrike)
	}
	width := p.ShortStrike.Sub(p.LongStrike).Abs()
	return decimal.Max(decimal.Zero, decimal.Min(v, width))
}

func day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func (l *PaperLedger) setEquityLocked(equity decimal.Decimal) {
	l.equity = equity
	if equity.GreaterThan(l.peak) {
		l.peak = equity
	}
}

// Positions returns open positions, oldest first.
func (l *PaperLedger) Positions() []types.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]types.Position, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}
