package plugin

import (
	"context"
	"time"

	"github.com/optionpilot/trading-backend/pkg/types"
)

// DataSource provides market snapshots, option chains and price history.
type DataSource interface {
	Plugin
	GetMarketData(ctx context.Context, symbol string) (*types.MarketData, error)
	GetOptionChain(ctx context.Context, symbol string, expiration time.Time) (*types.OptionChain, error)
	GetHistoricalData(ctx context.Context, symbol string, period int) ([]types.Bar, error)
}

// SignalGenerator derives a market bias from indicators.
type SignalGenerator interface {
	Plugin
	Execute(ctx context.Context, in types.SignalInput) (*types.Signal, error)
}

// SpreadSelector picks a credit spread candidate from an option chain.
type SpreadSelector interface {
	Plugin
	Execute(ctx context.Context, chain *types.OptionChain) (*types.SpreadCandidate, error)
}

// RiskGate approves or rejects a candidate.
type RiskGate interface {
	Plugin
	Execute(ctx context.Context, candidate *types.SpreadCandidate) (*types.RiskDecision, error)
}

// Executor submits orders to a broker backend.
type Executor interface {
	Plugin
	Execute(ctx context.Context, order *types.Order) (*types.ExecutionResult, error)
}
