// Package types provides shared type definitions for the trading backend.
package types

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// SpreadType identifies the option type of both legs of a credit spread.
type SpreadType string

const (
	SpreadTypePut  SpreadType = "PUT"
	SpreadTypeCall SpreadType = "CALL"
)

// ParseSpreadType converts a config or request value into a SpreadType.
func ParseSpreadType(s string) (SpreadType, error) {
	switch SpreadType(s) {
	case SpreadTypePut, SpreadTypeCall:
		return SpreadType(s), nil
	}
	return "", fmt.Errorf("unknown spread type %q", s)
}

// MarketBias is the directional read produced by the signal stage.
type MarketBias string

const (
	MarketBiasBullish MarketBias = "BULLISH"
	MarketBiasBearish MarketBias = "BEARISH"
	MarketBiasNeutral MarketBias = "NEUTRAL"
)

// OrderType is the pricing instruction attached to an order.
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

// OrderStatus represents the status of a submitted order
type OrderStatus string

const (
	OrderStatusPending  OrderStatus = "PENDING"
	OrderStatusFilled   OrderStatus = "FILLED"
	OrderStatusRejected OrderStatus = "REJECTED"
)

// Terminal reports whether no further transitions are expected.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusFilled || s == OrderStatusRejected
}

// MarketData is a point-in-time snapshot of the underlying.
type MarketData struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Volume    int64     `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
	ATR       float64   `json:"atr"`
	VIX       float64   `json:"vix"`
}

// OptionQuote is one row of an option chain.
type OptionQuote struct {
	Strike float64 `json:"strike"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
}

// Mid returns the midpoint of the bid/ask.
func (q OptionQuote) Mid() float64 {
	return (q.Bid + q.Ask) / 2
}

// OptionChain holds the calls and puts for one expiration.
type OptionChain struct {
	Symbol          string        `json:"symbol"`
	UnderlyingPrice float64       `json:"underlying_price"`
	Timestamp       time.Time     `json:"timestamp"`
	Expiration      time.Time     `json:"expiration"`
	VIX             float64       `json:"vix"` // Volatility index used to price the rows
	Calls           []OptionQuote `json:"calls"`
	Puts            []OptionQuote `json:"puts"`
}

// Rows returns the chain side matching the spread type.
func (c *OptionChain) Rows(t SpreadType) []OptionQuote {
	if t == SpreadTypeCall {
		return c.Calls
	}
	return c.Puts
}

// Bar is one OHLCV period of historical data.
type Bar struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume int64     `json:"volume"`
}

// Closes extracts the closing prices of bars in order.
func Closes(bars []Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

// SignalInput is what the signal stage consumes each run.
type SignalInput struct {
	Market  *MarketData `json:"market"`
	History []Bar       `json:"history"`
}

// IndicatorReading is a single indicator value with its qualitative read.
type IndicatorReading struct {
	Value  float64 `json:"value"`
	Signal string  `json:"signal"`
}

// Signal is the output of the signal stage.
type Signal struct {
	Symbol     string                      `json:"symbol"`
	Bias       MarketBias                  `json:"market_bias"`
	Confidence float64                     `json:"confidence"`
	Score      float64                     `json:"score"`
	Indicators map[string]IndicatorReading `json:"signals"`
	Timestamp  time.Time                   `json:"timestamp"`
}

// SpreadCandidate is a proposed vertical credit spread.
type SpreadCandidate struct {
	Symbol            string          `json:"symbol"`
	SpreadType        SpreadType      `json:"spread_type"`
	ShortStrike       decimal.Decimal `json:"short_strike"`
	LongStrike        decimal.Decimal `json:"long_strike"`
	Expiration        time.Time       `json:"expiration"`
	Credit            decimal.Decimal `json:"credit"`
	Quantity          int             `json:"quantity"`
	Width             decimal.Decimal `json:"width"`
	MaxLoss           decimal.Decimal `json:"max_loss"`
	ShortDelta        float64         `json:"short_delta"`
	ProbabilityProfit float64         `json:"probability_profit"`
	DaysToExpiration  int             `json:"days_to_expiration"`
}

// ErrInvertedStrikes is returned by Validate when the strikes do not form a credit spread.
var ErrInvertedStrikes = errors.New("short and long strikes do not form a credit spread")

// Validate checks the strike ordering: PUT short > long, CALL short < long.
func (c *SpreadCandidate) Validate() error {
	return ValidateStrikes(c.SpreadType, c.ShortStrike, c.LongStrike)
}

// ValidateStrikes applies the credit spread strike ordering rule.
func ValidateStrikes(t SpreadType, short, long decimal.Decimal) error {
	switch t {
	case SpreadTypePut:
		if short.GreaterThan(long) {
			return nil
		}
	case SpreadTypeCall:
		if short.LessThan(long) {
			return nil
		}
	default:
		return fmt.Errorf("unknown spread type %q", t)
	}
	return fmt.Errorf("%s spread short %s long %s: %w", t, short, long, ErrInvertedStrikes)
}

// MaxLossPerContract is (width - credit) * 100.
func (c *SpreadCandidate) MaxLossPerContract() decimal.Decimal {
	return c.Width.Sub(c.Credit).Mul(decimal.NewFromInt(100))
}

// SizingAdjustment is a quantity change suggested by the risk gate.
type SizingAdjustment struct {
	Quantity int    `json:"quantity"`
	Reason   string `json:"reason"`
}

// RiskViolation represents a risk rule violation.
type RiskViolation struct {
	Rule    string          `json:"rule"`
	Value   decimal.Decimal `json:"value"`
	Limit   decimal.Decimal `json:"limit"`
	Message string          `json:"message"`
}

// RiskDecision is the risk gate's verdict on a candidate.
type RiskDecision struct {
	Approved     bool              `json:"approved"`
	Reason       string            `json:"reason"`
	Adjustment   *SizingAdjustment `json:"adjustment,omitempty"`
	Violations   []RiskViolation   `json:"violations,omitempty"`
	Warnings     []string          `json:"warnings,omitempty"`
	KellyOptimal float64           `json:"kelly_optimal"`
	Timestamp    time.Time         `json:"timestamp"`
}

// ApprovedQuantity returns the quantity the order should carry.
func (d *RiskDecision) ApprovedQuantity(requested int) int {
	if d.Adjustment != nil {
		return d.Adjustment.Quantity
	}
	return requested
}

// Order is a spread order submitted to a broker backend.
type Order struct {
	ClientOrderID string          `json:"client_order_id"`
	Symbol        string          `json:"symbol"`
	SpreadType    SpreadType      `json:"spread_type"`
	ShortStrike   decimal.Decimal `json:"short_strike"`
	LongStrike    decimal.Decimal `json:"long_strike"`
	Quantity      int             `json:"quantity"`
	Expiration    time.Time       `json:"expiration"`
	Type          OrderType       `json:"order_type"`
	LimitCredit   decimal.Decimal `json:"limit_credit"`
}

// NewOrderFromCandidate builds a limit order at the candidate's credit.
func NewOrderFromCandidate(c *SpreadCandidate, quantity int) *Order {
	return &Order{
		Symbol:      c.Symbol,
		SpreadType:  c.SpreadType,
		ShortStrike: c.ShortStrike,
		LongStrike:  c.LongStrike,
		Quantity:    quantity,
		Expiration:  c.Expiration,
		Type:        OrderTypeLimit,
		LimitCredit: c.Credit,
	}
}

// ExecutionResult is the broker's answer to a submitted order.
type ExecutionResult struct {
	OrderID      string          `json:"order_id"`
	Status       OrderStatus     `json:"status"`
	FilledPrice  decimal.Decimal `json:"filled_price"`
	Quantity     int             `json:"quantity"`
	Commission   decimal.Decimal `json:"commission"`
	RejectReason string          `json:"reject_reason,omitempty"`
	Broker       string          `json:"broker"`
	Timestamp    time.Time       `json:"timestamp"`
}

// AccountState is the portfolio snapshot risk checks run against.
type AccountState struct {
	Equity        decimal.Decimal `json:"equity"`
	PeakEquity    decimal.Decimal `json:"peak_equity"`
	MarginUsed    decimal.Decimal `json:"margin_used"`
	OpenPositions int             `json:"open_positions"`
}

// Drawdown returns the fractional decline from peak equity.
func (a AccountState) Drawdown() decimal.Decimal {
	if !a.PeakEquity.IsPositive() || a.Equity.GreaterThanOrEqual(a.PeakEquity) {
		return decimal.Zero
	}
	return a.PeakEquity.Sub(a.Equity).Div(a.PeakEquity)
}

// Position is an open spread held by the account.
type Position struct {
	ID          string          `json:"id"`
	Symbol      string          `json:"symbol"`
	SpreadType  SpreadType      `json:"spread_type"`
	ShortStrike decimal.Decimal `json:"short_strike"`
	LongStrike  decimal.Decimal `json:"long_strike"`
	Quantity    int             `json:"quantity"`
	EntryCredit decimal.Decimal `json:"entry_credit"`
	Margin      decimal.Decimal `json:"margin_required"`
	OpenedAt    time.Time       `json:"entry_date"`
	Expiration  time.Time       `json:"expiration"`
}
