// Package pipeline runs one decision cycle: market data, signal, spread
// selection, risk and order submission. Runs never overlap.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/optionpilot/trading-backend/internal/events"
	"github.com/optionpilot/trading-backend/internal/execution"
	"github.com/optionpilot/trading-backend/internal/metrics"
	"github.com/optionpilot/trading-backend/internal/plugin"
	"github.com/optionpilot/trading-backend/internal/strategy"
	"github.com/optionpilot/trading-backend/pkg/types"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// TriggerManual labels runs started through the API.
const TriggerManual = "manual"

// ErrRunInProgress is returned when a run is requested while one is in flight.
var ErrRunInProgress = errors.New("pipeline run already in progress")

// Stages hands out the stage instances for a run.
type Stages interface {
	DataSource() (plugin.DataSource, error)
	SignalGenerator() (plugin.SignalGenerator, error)
	SpreadSelector() (plugin.SpreadSelector, error)
	RiskGate() (plugin.RiskGate, error)
	Executor() (plugin.Executor, error)
}

// Settler closes positions that expired since the last run, so the risk
// gate sizes against a settled account.
type Settler interface {
	SettleExpired(symbol string, underlying decimal.Decimal, now time.Time) []execution.Settlement
}

// RunnerConfig configures the runner.
type RunnerConfig struct {
	Symbol        string
	HistoryPeriod int              // Daily bars fed to the signal stage
	SpreadType    types.SpreadType // Side the selector trades
	BiasFilter    bool             // Skip the run when the signal opposes SpreadType
	SubmitTimeout time.Duration    // Bound on order submission once started
}

// DefaultRunnerConfig returns sensible defaults
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		Symbol:        "SPX",
		HistoryPeriod: 60,
		SpreadType:    types.SpreadTypePut,
		SubmitTimeout: 30 * time.Second,
	}
}

// RunnerConfigFrom overlays plugin options on the defaults.
func RunnerConfigFrom(cfg plugin.Config) RunnerConfig {
	c := DefaultRunnerConfig()
	c.Symbol = cfg.String("symbol", c.Symbol)
	c.HistoryPeriod = cfg.Int("history_period", c.HistoryPeriod)
	if t, err := types.ParseSpreadType(strings.ToUpper(cfg.String("spread_type", string(c.SpreadType)))); err == nil {
		c.SpreadType = t
	}
	c.BiasFilter = cfg.Bool("bias_filter", c.BiasFilter)
	c.SubmitTimeout = cfg.Duration("submit_timeout", c.SubmitTimeout)
	return c
}

// Runner executes pipeline runs.
type Runner struct {
	logger  *zap.Logger
	config  RunnerConfig
	stages  Stages
	settler Settler
	bus     *events.EventBus
	metrics *metrics.Metrics
	tracer  trace.Tracer

	running atomic.Bool

	mu   sync.RWMutex
	last *types.RunResult
}

// NewRunner creates a runner. bus and m may be nil.
func NewRunner(logger *zap.Logger, config RunnerConfig, stages Stages, bus *events.EventBus, m *metrics.Metrics) *Runner {
	return &Runner{
		logger:  logger.Named("pipeline"),
		config:  config,
		stages:  stages,
		bus:     bus,
		metrics: m,
		tracer:  otel.Tracer("github.com/optionpilot/trading-backend/internal/pipeline"),
	}
}

// SetSettler installs the account settled at the start of each run.
func (r *Runner) SetSettler(s Settler) {
	r.settler = s
}

// IsRunning reports whether a run is in flight.
func (r *Runner) IsRunning() bool {
	return r.running.Load()
}

// Last returns the most recent finished run, or nil.
func (r *Runner) Last() *types.RunResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last
}

// Run executes one pipeline run labelled with trigger. It returns
// ErrRunInProgress without queueing when another run is in flight. Every
// other outcome, failures included, is reported in the result.
func (r *Runner) Run(ctx context.Context, trigger string) (*types.RunResult, error) {
	if !r.running.CompareAndSwap(false, true) {
		r.logger.Warn("Run skipped, previous run still in progress", zap.String("trigger", trigger))
		if r.metrics != nil {
			r.metrics.RunSkipped(trigger)
		}
		r.publish(&events.RunSkippedEvent{
			BaseEvent: events.NewBaseEvent(events.EventTypeRunSkipped),
			Trigger:   trigger,
			Reason:    ErrRunInProgress.Error(),
		})
		return nil, ErrRunInProgress
	}
	defer r.running.Store(false)

	res := &types.RunResult{
		ID:        uuid.NewString(),
		Trigger:   trigger,
		Symbol:    r.config.Symbol,
		StartedAt: time.Now().UTC(),
	}

	ctx, span := r.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("run.id", res.ID),
		attribute.String("run.trigger", trigger),
		attribute.String("run.symbol", res.Symbol),
	))
	defer span.End()

	r.logger.Info("Pipeline run started",
		zap.String("run_id", res.ID),
		zap.String("trigger", trigger),
		zap.String("symbol", res.Symbol),
	)
	r.publish(&events.RunStartedEvent{
		BaseEvent: events.NewBaseEvent(events.EventTypeRunStarted),
		RunID:     res.ID,
		Trigger:   trigger,
		Symbol:    res.Symbol,
	})

	r.execute(ctx, res)
	res.FinishedAt = time.Now().UTC()

	span.SetAttributes(attribute.String("run.status", string(res.Status)))
	if res.Status == types.RunStatusFailed {
		span.SetStatus(codes.Error, res.Error)
	}
	if r.metrics != nil {
		r.metrics.ObserveRun(string(res.Status), res.Duration())
	}
	r.logger.Info("Pipeline run finished",
		zap.String("run_id", res.ID),
		zap.String("status", string(res.Status)),
		zap.String("note", res.Note),
		zap.Duration("took", res.Duration()),
	)

	r.mu.Lock()
	r.last = res
	r.mu.Unlock()

	r.publish(&events.RunFinishedEvent{
		BaseEvent: events.NewBaseEvent(events.EventTypeRunFinished),
		Result:    res,
	})
	return res, nil
}

// execute fills in res. Status stays empty only until a terminal outcome
// is reached.
func (r *Runner) execute(ctx context.Context, res *types.RunResult) {
	var (
		chain     *types.OptionChain
		history   []types.Bar
		candidate *types.SpreadCandidate
	)

	ok := r.step(ctx, res, types.StageData, func(ctx context.Context) error {
		ds, err := r.stages.DataSource()
		if err != nil {
			return err
		}
		if res.Market, err = ds.GetMarketData(ctx, res.Symbol); err != nil {
			return err
		}
		if history, err = ds.GetHistoricalData(ctx, res.Symbol, r.config.HistoryPeriod); err != nil {
			return err
		}
		if chain, err = ds.GetOptionChain(ctx, res.Symbol, time.Time{}); err != nil {
			return err
		}
		if chain.VIX == 0 {
			chain.VIX = res.Market.VIX
		}
		return nil
	})
	if !ok {
		return
	}
	r.settle(res)

	ok = r.step(ctx, res, types.StageSignals, func(ctx context.Context) error {
		sg, err := r.stages.SignalGenerator()
		if err != nil {
			return err
		}
		res.Signal, err = sg.Execute(ctx, types.SignalInput{Market: res.Market, History: history})
		return err
	})
	if !ok {
		return
	}

	if r.config.BiasFilter {
		if note, blocked := biasBlocks(res.Signal.Bias, r.config.SpreadType); blocked {
			res.Status = types.RunStatusNoTrade
			res.Note = note
			return
		}
	}

	ok = r.step(ctx, res, types.StageSelector, func(ctx context.Context) error {
		sel, err := r.stages.SpreadSelector()
		if err != nil {
			return err
		}
		candidate, err = sel.Execute(ctx, chain)
		if errors.Is(err, strategy.ErrNoCandidate) || errors.Is(err, strategy.ErrInvalidSpread) {
			res.Status = types.RunStatusNoTrade
			res.Note = err.Error()
			return nil
		}
		res.Candidate = candidate
		return err
	})
	if !ok || candidate == nil {
		return
	}

	ok = r.step(ctx, res, types.StageRisk, func(ctx context.Context) error {
		gate, err := r.stages.RiskGate()
		if err != nil {
			return err
		}
		res.Decision, err = gate.Execute(ctx, candidate)
		return err
	})
	if !ok {
		return
	}
	if !res.Decision.Approved {
		res.Status = types.RunStatusRejected
		res.Note = res.Decision.Reason
		return
	}

	r.step(ctx, res, types.StageExecutor, func(ctx context.Context) error {
		exec, err := r.stages.Executor()
		if err != nil {
			return err
		}
		order := types.NewOrderFromCandidate(candidate, res.Decision.ApprovedQuantity(candidate.Quantity))

		// Once started, the order is awaited even if the run is cancelled.
		submitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.config.SubmitTimeout)
		defer cancel()

		res.Execution, err = exec.Execute(submitCtx, order)
		if err != nil {
			return err
		}
		if res.Execution.Status == types.OrderStatusFilled {
			res.Status = types.RunStatusExecuted
		} else {
			res.Status = types.RunStatusRejected
			res.Note = res.Execution.RejectReason
		}
		return nil
	})
}

// step runs one stage. It returns false when the run must stop, with the
// terminal status already set on res.
func (r *Runner) step(ctx context.Context, res *types.RunResult, stage string, fn func(ctx context.Context) error) bool {
	if err := ctx.Err(); err != nil {
		res.Status = types.RunStatusInterrupted
		res.Note = fmt.Sprintf("cancelled before %s stage", stage)
		r.logger.Warn("Pipeline run interrupted",
			zap.String("run_id", res.ID),
			zap.String("stage", stage),
			zap.Error(err),
		)
		return false
	}

	start := time.Now()
	err := fn(ctx)
	took := time.Since(start)

	if r.metrics != nil {
		r.metrics.ObserveStage(stage, took, err != nil)
	}
	evt := &events.StageCompletedEvent{
		BaseEvent: events.NewBaseEvent(events.EventTypeStageCompleted),
		RunID:     res.ID,
		Stage:     stage,
		Duration:  took,
	}
	if err != nil {
		evt.Error = err.Error()
	}
	r.publish(evt)

	if err == nil {
		return res.Status == ""
	}

	res.FailedStage = stage
	res.Error = err.Error()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		res.Status = types.RunStatusInterrupted
		res.Note = fmt.Sprintf("%s stage cancelled, reconcile before next run", stage)
	} else {
		res.Status = types.RunStatusFailed
	}
	r.logger.Error("Pipeline stage failed",
		zap.String("run_id", res.ID),
		zap.String("stage", stage),
		zap.String("symbol", res.Symbol),
		zap.Time("at", time.Now().UTC()),
		zap.Error(err),
	)
	return false
}

// settle closes expired positions at the current underlying price.
func (r *Runner) settle(res *types.RunResult) {
	if r.settler == nil || res.Market == nil {
		return
	}
	for _, st := range r.settler.SettleExpired(res.Symbol, decimal.NewFromFloat(res.Market.Price), time.Now()) {
		res.Settled++
		res.SettledPnL = res.SettledPnL.Add(st.PnL)
	}
	if res.Settled > 0 {
		r.logger.Info("Expired positions settled",
			zap.String("run_id", res.ID),
			zap.Int("count", res.Settled),
			zap.String("pnl", res.SettledPnL.String()),
		)
	}
}

// biasBlocks reports whether the directional read contradicts the spread
// side: a put spread is short downside, a call spread is short upside.
func biasBlocks(bias types.MarketBias, side types.SpreadType) (string, bool) {
	switch {
	case bias == types.MarketBiasBearish && side == types.SpreadTypePut:
		return "bearish bias, no put spread", true
	case bias == types.MarketBiasBullish && side == types.SpreadTypeCall:
		return "bullish bias, no call spread", true
	}
	return "", false
}

func (r *Runner) publish(e events.Event) {
	if r.bus != nil {
		r.bus.Publish(e)
	}
}
