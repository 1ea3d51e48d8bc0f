// Package plugins registers the built-in stage implementations.
package plugins

import (
	"errors"

	"github.com/optionpilot/trading-backend/internal/data"
	"github.com/optionpilot/trading-backend/internal/execution"
	"github.com/optionpilot/trading-backend/internal/execution/adapters"
	"github.com/optionpilot/trading-backend/internal/orchestrator"
	"github.com/optionpilot/trading-backend/internal/plugin"
	"github.com/optionpilot/trading-backend/internal/regime"
	"github.com/optionpilot/trading-backend/internal/signals"
	"github.com/optionpilot/trading-backend/internal/strategy"
	"github.com/optionpilot/trading-backend/internal/workers"
	"go.uber.org/zap"
)

// Deps are shared by every built-in stage.
type Deps struct {
	Pool    *workers.Pool          // Vendor round trips; may be nil
	Ledger  *execution.PaperLedger // Paper account for risk and fills
	Regimes *regime.RegimeDetector // Shared volatility history; may be nil
}

// Register adds the built-in factories to reg:
//
//	data      td_ameritrade
//	signals   technical
//	selector  credit_spread
//	risk      portfolio
//	executor  td_ameritrade, paper
func Register(reg *orchestrator.Registry, deps Deps) error {
	if deps.Ledger == nil {
		return errors.New("built-in stages need a paper ledger")
	}

	entries := []struct {
		role    orchestrator.Role
		name    string
		factory orchestrator.Factory
	}{
		{orchestrator.RoleData, data.ProviderTDAmeritrade, deps.marketData},
		{orchestrator.RoleSignals, signals.GeneratorTechnical, deps.technicalSignals},
		{orchestrator.RoleSelector, strategy.SelectorCreditSpread, deps.creditSpreadSelector},
		{orchestrator.RoleRisk, execution.RiskPortfolio, deps.portfolioRisk},
		{orchestrator.RoleExecutor, adapters.BrokerTDAmeritrade, deps.tdExecutor},
		{orchestrator.RoleExecutor, adapters.BrokerPaper, deps.paperExecutor},
	}

	var errs []error
	for _, e := range entries {
		if err := reg.Register(e.role, e.name, e.factory); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (d Deps) marketData(logger *zap.Logger, cfg plugin.Config) (plugin.Plugin, error) {
	return data.NewMarketDataService(logger, data.MarketDataConfigFrom(cfg), d.Pool), nil
}

func (d Deps) technicalSignals(logger *zap.Logger, cfg plugin.Config) (plugin.Plugin, error) {
	return signals.NewGenerator(logger, signals.GeneratorConfigFrom(cfg), d.Regimes), nil
}

func (d Deps) creditSpreadSelector(logger *zap.Logger, cfg plugin.Config) (plugin.Plugin, error) {
	return strategy.NewSelector(logger, strategy.SelectorConfigFrom(cfg)), nil
}

func (d Deps) portfolioRisk(logger *zap.Logger, cfg plugin.Config) (plugin.Plugin, error) {
	return execution.NewRiskGate(logger, execution.RiskConfigFrom(cfg), d.Ledger), nil
}

// tdExecutor routes to the paper broker unless paper_trading is off.
func (d Deps) tdExecutor(logger *zap.Logger, cfg plugin.Config) (plugin.Plugin, error) {
	live := adapters.NewTDAmeritradeAdapter(logger, d.Pool, data.MarketDataConfigFrom(cfg).Latency)
	paper := adapters.NewPaperBroker(logger, d.Ledger)
	return execution.NewExecutor(logger, adapters.BrokerTDAmeritrade, execution.ExecutorConfigFrom(cfg), paper, live), nil
}

func (d Deps) paperExecutor(logger *zap.Logger, cfg plugin.Config) (plugin.Plugin, error) {
	c := execution.ExecutorConfigFrom(cfg)
	c.PaperTrading = true
	return execution.NewExecutor(logger, adapters.BrokerPaper, c, adapters.NewPaperBroker(logger, d.Ledger), nil), nil
}
