// Package data provides the market data stage: a simulated TD Ameritrade
// provider whose calls travel over the shared I/O worker pool with realistic
// latency.
package data

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/optionpilot/trading-backend/internal/plugin"
	"github.com/optionpilot/trading-backend/internal/strategy"
	"github.com/optionpilot/trading-backend/internal/workers"
	"github.com/optionpilot/trading-backend/pkg/types"
	"go.uber.org/zap"
)

// ProviderTDAmeritrade is the registry name of the simulated provider.
const ProviderTDAmeritrade = "td_ameritrade"

var (
	// ErrInvalidSymbol is returned for an empty or malformed symbol.
	ErrInvalidSymbol = errors.New("invalid symbol")
	// ErrInvalidPeriod is returned when fewer than one bar is requested.
	ErrInvalidPeriod = errors.New("invalid history period")
)

// MarketDataConfig configures the simulated provider.
type MarketDataConfig struct {
	Latency time.Duration // Simulated round trip per request
	Price   float64
	Volume  int64
	ATR     float64
	VIX     float64

	// Fixed chain rows. When both are empty the chain is priced from VIX.
	Calls []types.OptionQuote
	Puts  []types.OptionQuote

	StrikeStep  float64 // Distance between priced strikes
	StrikeRange float64 // Priced strikes span spot * (1 +/- StrikeRange)
	QuoteSpread float64 // Ask minus bid on priced rows
	DTE         int     // Days out of the default expiration

	Volatility float64 // Daily stdev used to synthesise history
	Drift      float64 // Mean daily return of the synthesised history
}

// DefaultMarketDataConfig returns the snapshot the simulated vendor serves.
func DefaultMarketDataConfig() MarketDataConfig {
	return MarketDataConfig{
		Latency: 50 * time.Millisecond,
		Price:   4400,
		Volume:  1_000_000,
		ATR:     45,
		VIX:     16.5,

		StrikeStep:  10,
		StrikeRange: 0.10,
		QuoteSpread: 0.10,
		DTE:         30,

		Volatility: 0.01,
		Drift:      0.0004,
	}
}

// MarketDataConfigFrom overlays plugin options on the defaults.
func MarketDataConfigFrom(cfg plugin.Config) MarketDataConfig {
	c := DefaultMarketDataConfig()
	c.Latency = cfg.Duration("latency", c.Latency)
	c.Price = cfg.Float("mock_price", c.Price)
	c.VIX = cfg.Float("mock_vix", c.VIX)
	c.ATR = cfg.Float("mock_atr", c.ATR)
	c.DTE = cfg.Int("dte_min", c.DTE)
	return c
}

// MarketDataService is the data stage.
type MarketDataService struct {
	*plugin.Lifecycle

	logger *zap.Logger
	config MarketDataConfig
	pool   *workers.Pool
	now    func() time.Time

	// Cache
	priceMu    sync.RWMutex
	priceCache map[string]types.MarketData
}

var _ plugin.DataSource = (*MarketDataService)(nil)

// NewMarketDataService creates the provider. Requests run on pool.
func NewMarketDataService(logger *zap.Logger, config MarketDataConfig, pool *workers.Pool) *MarketDataService {
	s := &MarketDataService{
		logger:     logger.Named("market-data"),
		config:     config,
		pool:       pool,
		now:        time.Now,
		priceCache: make(map[string]types.MarketData),
	}
	s.Lifecycle = plugin.NewLifecycle(ProviderTDAmeritrade, logger, plugin.Hooks{
		Setup:    s.connect,
		Teardown: s.disconnect,
	})
	return s
}

// SetClock replaces the time source for history and chain pricing.
func (s *MarketDataService) SetClock(now func() time.Time) {
	s.now = now
}

// connect simulates the vendor session handshake.
func (s *MarketDataService) connect(ctx context.Context) error {
	if err := s.roundTrip(ctx); err != nil {
		return fmt.Errorf("connect to %s: %w", ProviderTDAmeritrade, err)
	}
	s.logger.Info("Connected to market data provider",
		zap.String("provider", ProviderTDAmeritrade),
		zap.Duration("latency", s.config.Latency),
	)
	return nil
}

func (s *MarketDataService) disconnect(ctx context.Context) error {
	s.priceMu.Lock()
	s.priceCache = make(map[string]types.MarketData)
	s.priceMu.Unlock()
	return nil
}

// roundTrip blocks for the configured latency on the I/O pool.
func (s *MarketDataService) roundTrip(ctx context.Context) error {
	wait := func(ctx context.Context) error {
		if s.config.Latency <= 0 {
			return ctx.Err()
		}
		timer := time.NewTimer(s.config.Latency)
		defer timer.Stop()
		select {
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.pool == nil {
		return wait(ctx)
	}
	return s.pool.Do(ctx, wait)
}

// GetMarketData returns the current snapshot for symbol.
func (s *MarketDataService) GetMarketData(ctx context.Context, symbol string) (*types.MarketData, error) {
	return plugin.Call(ctx, s.Lifecycle, "get_market_data", func(ctx context.Context) (*types.MarketData, error) {
		symbol, err := normalizeSymbol(symbol)
		if err != nil {
			return nil, err
		}
		if err := s.roundTrip(ctx); err != nil {
			return nil, fmt.Errorf("quote %s: %w", symbol, err)
		}

		md := types.MarketData{
			Symbol:    symbol,
			Price:     s.config.Price,
			Volume:    s.config.Volume,
			Timestamp: s.now().UTC(),
			ATR:       s.config.ATR,
			VIX:       s.config.VIX,
		}

		s.priceMu.Lock()
		s.priceCache[symbol] = md
		s.priceMu.Unlock()

		return &md, nil
	})
}

// GetOptionChain returns the chain for one expiration. A zero expiration
// means the first Friday DTE days out.
func (s *MarketDataService) GetOptionChain(ctx context.Context, symbol string, expiration time.Time) (*types.OptionChain, error) {
	return plugin.Call(ctx, s.Lifecycle, "get_option_chain", func(ctx context.Context) (*types.OptionChain, error) {
		symbol, err := normalizeSymbol(symbol)
		if err != nil {
			return nil, err
		}
		if err := s.roundTrip(ctx); err != nil {
			return nil, fmt.Errorf("option chain %s: %w", symbol, err)
		}

		now := s.now().UTC()
		chain := &types.OptionChain{
			Symbol:          symbol,
			UnderlyingPrice: s.config.Price,
			Timestamp:       now,
			Expiration:      expiration,
			VIX:             s.config.VIX,
		}
		if len(s.config.Calls) > 0 || len(s.config.Puts) > 0 {
			chain.Calls = append([]types.OptionQuote(nil), s.config.Calls...)
			chain.Puts = append([]types.OptionQuote(nil), s.config.Puts...)
			return chain, nil
		}

		if chain.Expiration.IsZero() {
			chain.Expiration = strategy.NextExpiration(now, s.config.DTE)
		}
		chain.Calls, chain.Puts = priceChain(s.config, now, chain.Expiration)
		return chain, nil
	})
}

// GetHistoricalData returns period daily bars ending today. The series is
// deterministic per symbol and trading day and closes at the current price.
func (s *MarketDataService) GetHistoricalData(ctx context.Context, symbol string, period int) ([]types.Bar, error) {
	return plugin.Call(ctx, s.Lifecycle, "get_historical_data", func(ctx context.Context) ([]types.Bar, error) {
		symbol, err := normalizeSymbol(symbol)
		if err != nil {
			return nil, err
		}
		if period < 1 {
			return nil, fmt.Errorf("history %s period %d: %w", symbol, period, ErrInvalidPeriod)
		}
		if err := s.roundTrip(ctx); err != nil {
			return nil, fmt.Errorf("history %s: %w", symbol, err)
		}
		return synthesizeHistory(symbol, period, s.config, s.now().UTC()), nil
	})
}

// LastQuote returns the most recently served snapshot for symbol.
func (s *MarketDataService) LastQuote(symbol string) (types.MarketData, bool) {
	s.priceMu.RLock()
	defer s.priceMu.RUnlock()
	md, ok := s.priceCache[strings.ToUpper(symbol)]
	return md, ok
}

func normalizeSymbol(symbol string) (string, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" || strings.ContainsAny(symbol, " /\\") {
		return "", fmt.Errorf("%q: %w", symbol, ErrInvalidSymbol)
	}
	return symbol, nil
}

// priceChain quotes calls and puts around spot at Black-Scholes value with
// VIX as the volatility.
func priceChain(cfg MarketDataConfig, now, expiration time.Time) (calls, puts []types.OptionQuote) {
	if cfg.StrikeStep <= 0 || cfg.Price <= 0 {
		return nil, nil
	}
	years := math.Max(float64(strategy.DaysToExpiration(now, expiration)), 1) / 365
	vol := cfg.VIX / 100

	lo := math.Round(cfg.Price*(1-cfg.StrikeRange)/cfg.StrikeStep) * cfg.StrikeStep
	n := int(math.Round(cfg.Price*2*cfg.StrikeRange/cfg.StrikeStep)) + 1
	for i := 0; i < n; i++ {
		k := lo + float64(i)*cfg.StrikeStep
		calls = append(calls, quote(k, strategy.Price(types.SpreadTypeCall, cfg.Price, k, vol, years, 0), cfg.QuoteSpread))
		puts = append(puts, quote(k, strategy.Price(types.SpreadTypePut, cfg.Price, k, vol, years, 0), cfg.QuoteSpread))
	}
	return calls, puts
}

func quote(strike, value, spread float64) types.OptionQuote {
	bid := math.Max(roundTick(value-spread/2), 0)
	return types.OptionQuote{Strike: strike, Bid: bid, Ask: roundTick(bid + spread)}
}

func roundTick(v float64) float64 {
	return math.Round(v*20) / 20
}

// synthesizeHistory walks backwards from cfg.Price on trading days. The seed
// combines symbol and end date, so each session sees a new tape.
func synthesizeHistory(symbol string, period int, cfg MarketDataConfig, end time.Time) []types.Bar {
	h := fnv.New64a()
	h.Write([]byte(symbol))
	h.Write([]byte(end.Format("2006-01-02")))
	rng := rand.New(rand.NewSource(int64(h.Sum64())))

	vol := cfg.Volatility
	days := tradingDays(end, period)
	bars := make([]types.Bar, period)
	closePx := cfg.Price
	for i := period - 1; i >= 0; i-- {
		ret := cfg.Drift + rng.NormFloat64()*vol
		openPx := closePx / (1 + ret)
		wick := math.Abs(rng.NormFloat64()) * vol * 0.5
		bars[i] = types.Bar{
			Time:   days[i],
			Open:   round2(openPx),
			High:   round2(math.Max(openPx, closePx) * (1 + wick)),
			Low:    round2(math.Min(openPx, closePx) * (1 - wick)),
			Close:  round2(closePx),
			Volume: 800_000 + rng.Int63n(400_000),
		}
		closePx = openPx
	}
	return bars
}

// tradingDays returns n weekdays ending on or before end, oldest first.
func tradingDays(end time.Time, n int) []time.Time {
	out := make([]time.Time, n)
	d := time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, time.UTC)
	for i := n - 1; i >= 0; {
		if wd := d.Weekday(); wd != time.Saturday && wd != time.Sunday {
			out[i] = d
			i--
		}
		d = d.AddDate(0, 0, -1)
	}
	return out
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
