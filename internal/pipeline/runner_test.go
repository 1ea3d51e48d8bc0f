package pipeline_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/optionpilot/trading-backend/internal/events"
	"github.com/optionpilot/trading-backend/internal/execution"
	"github.com/optionpilot/trading-backend/internal/execution/adapters"
	"github.com/optionpilot/trading-backend/internal/metrics"
	"github.com/optionpilot/trading-backend/internal/pipeline"
	"github.com/optionpilot/trading-backend/internal/plugin"
	"github.com/optionpilot/trading-backend/internal/strategy"
	"github.com/optionpilot/trading-backend/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// fakeData serves a fixed snapshot. When hold is set GetMarketData blocks
// until hold is closed or ctx ends.
type fakeData struct {
	*plugin.Lifecycle
	err  error
	hold chan struct{}
}

func (f *fakeData) GetMarketData(ctx context.Context, symbol string) (*types.MarketData, error) {
	if f.hold != nil {
		select {
		case <-f.hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &types.MarketData{Symbol: symbol, Price: 4400, ATR: 45, VIX: 16.5, Timestamp: time.Now()}, nil
}

func (f *fakeData) GetOptionChain(ctx context.Context, symbol string, expiration time.Time) (*types.OptionChain, error) {
	return &types.OptionChain{
		Symbol:          symbol,
		UnderlyingPrice: 4400,
		Calls: []types.OptionQuote{
			{Strike: 4200, Bid: 1.2, Ask: 1.3},
			{Strike: 4250, Bid: 0.8, Ask: 0.9},
		},
		Puts: []types.OptionQuote{
			{Strike: 4200, Bid: 1.1, Ask: 1.2},
			{Strike: 4150, Bid: 0.7, Ask: 0.8},
		},
	}, nil
}

func (f *fakeData) GetHistoricalData(ctx context.Context, symbol string, period int) ([]types.Bar, error) {
	return make([]types.Bar, period), nil
}

type fakeSignals struct {
	*plugin.Lifecycle
	bias types.MarketBias
}

func (f *fakeSignals) Execute(ctx context.Context, in types.SignalInput) (*types.Signal, error) {
	return &types.Signal{Symbol: in.Market.Symbol, Bias: f.bias, Confidence: 0.5, Timestamp: time.Now()}, nil
}

// cancellingExecutor cancels the run context while the order is in flight.
type cancellingExecutor struct {
	*plugin.Lifecycle
	cancel context.CancelFunc
}

func (f *cancellingExecutor) Execute(ctx context.Context, order *types.Order) (*types.ExecutionResult, error) {
	f.cancel()
	time.Sleep(10 * time.Millisecond)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &types.ExecutionResult{OrderID: "X-1", Status: types.OrderStatusFilled, Quantity: order.Quantity}, nil
}

type stages struct {
	data     plugin.DataSource
	signals  plugin.SignalGenerator
	selector plugin.SpreadSelector
	risk     plugin.RiskGate
	executor plugin.Executor
}

func missing(role string) error { return errors.New(role + " plugin not loaded") }

func (s *stages) DataSource() (plugin.DataSource, error) {
	if s.data == nil {
		return nil, missing("Data")
	}
	return s.data, nil
}

func (s *stages) SignalGenerator() (plugin.SignalGenerator, error) {
	if s.signals == nil {
		return nil, missing("Signals")
	}
	return s.signals, nil
}

func (s *stages) SpreadSelector() (plugin.SpreadSelector, error) {
	if s.selector == nil {
		return nil, missing("Selector")
	}
	return s.selector, nil
}

func (s *stages) RiskGate() (plugin.RiskGate, error) {
	if s.risk == nil {
		return nil, missing("Risk")
	}
	return s.risk, nil
}

func (s *stages) Executor() (plugin.Executor, error) {
	if s.executor == nil {
		return nil, missing("Executor")
	}
	return s.executor, nil
}

func ready(t *testing.T, p plugin.Plugin) {
	t.Helper()
	if err := p.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize %s failed: %v", p.Name(), err)
	}
}

func lifecycle(name string) *plugin.Lifecycle {
	return plugin.NewLifecycle(name, zap.NewNop(), plugin.Hooks{})
}

// newStages wires fake data and signals in front of the real selector, risk
// gate and paper executor.
func newStages(t *testing.T, bias types.MarketBias, equity int64, creditThreshold float64) (*stages, *execution.PaperLedger) {
	t.Helper()
	logger := zap.NewNop()

	selCfg := strategy.DefaultSelectorConfig()
	selCfg.CreditThreshold = creditThreshold

	ledger := execution.NewPaperLedger(logger, decimal.NewFromInt(equity))
	execCfg := execution.DefaultExecutorConfig()
	execCfg.RetryDelay = time.Millisecond

	s := &stages{
		data:     &fakeData{Lifecycle: lifecycle("fake-data")},
		signals:  &fakeSignals{Lifecycle: lifecycle("fake-signals"), bias: bias},
		selector: strategy.NewSelector(logger, selCfg),
		risk:     execution.NewRiskGate(logger, execution.DefaultRiskConfig(), ledger),
		executor: execution.NewExecutor(logger, "paper", execCfg, adapters.NewPaperBroker(logger, ledger), nil),
	}
	for _, p := range []plugin.Plugin{s.data, s.signals, s.selector, s.risk, s.executor} {
		ready(t, p)
	}
	return s, ledger
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) handle(e events.Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

func (r *recorder) types() []events.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.GetType()
	}
	return out
}

func newRunner(t *testing.T, s pipeline.Stages) (*pipeline.Runner, *recorder, *metrics.Metrics) {
	t.Helper()
	return newRunnerWith(t, s, pipeline.DefaultRunnerConfig())
}

func newRunnerWith(t *testing.T, s pipeline.Stages, cfg pipeline.RunnerConfig) (*pipeline.Runner, *recorder, *metrics.Metrics) {
	t.Helper()
	bus := events.NewEventBus(zap.NewNop())
	rec := &recorder{}
	bus.SubscribeAll(rec.handle)
	m := metrics.NewMetrics(prometheus.NewRegistry())
	return pipeline.NewRunner(zap.NewNop(), cfg, s, bus, m), rec, m
}

func TestRunExecutesPaperTrade(t *testing.T) {
	s, ledger := newStages(t, types.MarketBiasNeutral, 500000, 0.25)
	r, rec, m := newRunner(t, s)

	res, err := r.Run(context.Background(), pipeline.TriggerManual)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if res.Status != types.RunStatusExecuted {
		t.Fatalf("Expected EXECUTED, got %s (%s %s)", res.Status, res.Note, res.Error)
	}
	if res.ID == "" || res.Trigger != pipeline.TriggerManual || res.Symbol != "SPX" {
		t.Errorf("Unexpected run header: %+v", res)
	}
	if res.Candidate == nil || !res.Candidate.ShortStrike.Equal(decimal.NewFromInt(4200)) {
		t.Errorf("Expected 4200 short strike, got %+v", res.Candidate)
	}
	if res.Execution == nil || res.Execution.Quantity != 1 {
		t.Errorf("Expected 1 contract filled, got %+v", res.Execution)
	}
	if !strings.HasPrefix(res.Execution.OrderID, "PAPER-") {
		t.Errorf("Expected paper order id, got %s", res.Execution.OrderID)
	}
	if len(ledger.Positions()) != 1 {
		t.Errorf("Expected 1 open position, got %d", len(ledger.Positions()))
	}
	if r.Last() != res {
		t.Error("Expected last run to be remembered")
	}
	if r.IsRunning() {
		t.Error("Expected runner to be idle")
	}

	got := rec.types()
	if len(got) != 7 || got[0] != events.EventTypeRunStarted || got[6] != events.EventTypeRunFinished {
		t.Errorf("Expected start, 5 stages, finish; got %v", got)
	}

	mfs, _ := m.Gatherer().Gather()
	found := false
	for _, mf := range mfs {
		if mf.GetName() == "pilot_runs_total" {
			for _, metric := range mf.GetMetric() {
				if metric.GetLabel()[0].GetValue() == "EXECUTED" && metric.GetCounter().GetValue() == 1 {
					found = true
				}
			}
		}
	}
	if !found {
		t.Error("Expected pilot_runs_total{status=EXECUTED} 1")
	}
}

func TestRunOutcomes(t *testing.T) {
	tests := []struct {
		name      string
		bias      types.MarketBias
		equity    int64
		threshold float64
		filter    bool
		status    types.RunStatus
		note      string
	}{
		{"bearish bias blocks put spread", types.MarketBiasBearish, 500000, 0.25, true, types.RunStatusNoTrade, "bearish"},
		{"credit below threshold", types.MarketBiasBullish, 500000, 0.50, false, types.RunStatusNoTrade, "no qualifying spread"},
		{"risk budget too small", types.MarketBiasNeutral, 1000, 0.25, false, types.RunStatusRejected, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, ledger := newStages(t, tt.bias, tt.equity, tt.threshold)
			cfg := pipeline.DefaultRunnerConfig()
			cfg.BiasFilter = tt.filter
			r, _, _ := newRunnerWith(t, s, cfg)

			res, err := r.Run(context.Background(), "market_open")
			if err != nil {
				t.Fatalf("Run failed: %v", err)
			}
			if res.Status != tt.status {
				t.Errorf("Expected %s, got %s (%s)", tt.status, res.Status, res.Note)
			}
			if !strings.Contains(res.Note, tt.note) {
				t.Errorf("Expected note containing %q, got %q", tt.note, res.Note)
			}
			if res.Execution != nil || len(ledger.Positions()) != 0 {
				t.Error("Expected no order")
			}
			if res.FailedStage != "" {
				t.Errorf("Expected no failed stage, got %s", res.FailedStage)
			}
		})
	}
}

func TestBiasIgnoredWithoutFilter(t *testing.T) {
	s, ledger := newStages(t, types.MarketBiasBearish, 500000, 0.35)
	r, _, _ := newRunner(t, s)

	res, err := r.Run(context.Background(), "market_open")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Status != types.RunStatusExecuted {
		t.Errorf("Expected EXECUTED, got %s (%s)", res.Status, res.Note)
	}
	if res.Signal == nil || res.Signal.Bias != types.MarketBiasBearish {
		t.Errorf("Expected bearish signal recorded, got %+v", res.Signal)
	}
	if len(ledger.Positions()) != 1 {
		t.Errorf("Expected 1 open position, got %d", len(ledger.Positions()))
	}
}

func TestRunSettlesExpiredPositions(t *testing.T) {
	s, ledger := newStages(t, types.MarketBiasNeutral, 500000, 0.35)
	ledger.Open(types.Position{
		ID:          "old",
		Symbol:      "SPX",
		SpreadType:  types.SpreadTypePut,
		ShortStrike: decimal.NewFromInt(4420),
		LongStrike:  decimal.NewFromInt(4410),
		Quantity:    1,
		Expiration:  time.Now().AddDate(0, 0, -2),
	})
	r, _, _ := newRunner(t, s)
	r.SetSettler(ledger)

	res, err := r.Run(context.Background(), "market_open")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Settled != 1 {
		t.Fatalf("Expected 1 settlement, got %d", res.Settled)
	}
	// Underlying 4400 sits below both strikes of the 4420/4410 put spread.
	if !res.SettledPnL.Equal(decimal.NewFromInt(-1000)) {
		t.Errorf("Expected settled pnl -1000, got %s", res.SettledPnL)
	}
	for _, p := range ledger.Positions() {
		if p.ID == "old" {
			t.Error("Expected expired position to be closed")
		}
	}
	if res.Status != types.RunStatusExecuted {
		t.Errorf("Expected EXECUTED, got %s (%s)", res.Status, res.Note)
	}
}

func TestStageFailureIsRecorded(t *testing.T) {
	s, _ := newStages(t, types.MarketBiasNeutral, 500000, 0.25)
	s.data.(*fakeData).err = errors.New("vendor unreachable")
	r, rec, _ := newRunner(t, s)

	res, err := r.Run(context.Background(), "market_open")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Status != types.RunStatusFailed || res.FailedStage != types.StageData {
		t.Errorf("Expected FAILED at data, got %s at %q", res.Status, res.FailedStage)
	}
	if !strings.Contains(res.Error, "vendor unreachable") {
		t.Errorf("Expected cause in error, got %q", res.Error)
	}
	if got := rec.types(); len(got) != 3 {
		t.Errorf("Expected start, data stage, finish; got %v", got)
	}

	// Nothing carries over.
	s.data.(*fakeData).err = nil
	res, _ = r.Run(context.Background(), "market_open")
	if res.Status != types.RunStatusExecuted {
		t.Errorf("Expected next run to execute, got %s", res.Status)
	}
}

func TestMissingStageFailsRun(t *testing.T) {
	s, _ := newStages(t, types.MarketBiasNeutral, 500000, 0.25)
	s.selector = nil
	r, _, _ := newRunner(t, s)

	res, _ := r.Run(context.Background(), pipeline.TriggerManual)
	if res.Status != types.RunStatusFailed || res.FailedStage != types.StageSelector {
		t.Errorf("Expected FAILED at selector, got %s at %q", res.Status, res.FailedStage)
	}
	if !strings.Contains(res.Error, "Selector plugin not loaded") {
		t.Errorf("Expected not loaded error, got %q", res.Error)
	}
}

func TestSingleFlight(t *testing.T) {
	s, _ := newStages(t, types.MarketBiasNeutral, 500000, 0.25)
	hold := make(chan struct{})
	s.data.(*fakeData).hold = hold
	r, rec, _ := newRunner(t, s)

	done := make(chan *types.RunResult)
	go func() {
		res, _ := r.Run(context.Background(), "market_open")
		done <- res
	}()

	deadline := time.Now().Add(time.Second)
	for !r.IsRunning() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if _, err := r.Run(context.Background(), pipeline.TriggerManual); !errors.Is(err, pipeline.ErrRunInProgress) {
		t.Errorf("Expected ErrRunInProgress, got %v", err)
	}

	close(hold)
	res := <-done
	if res.Status != types.RunStatusExecuted {
		t.Errorf("Expected first run to complete, got %s", res.Status)
	}

	skipped := 0
	for _, et := range rec.types() {
		if et == events.EventTypeRunSkipped {
			skipped++
		}
	}
	if skipped != 1 {
		t.Errorf("Expected 1 skipped event, got %d", skipped)
	}
}

func TestCancellationInterrupts(t *testing.T) {
	t.Run("before first stage", func(t *testing.T) {
		s, _ := newStages(t, types.MarketBiasNeutral, 500000, 0.25)
		r, _, _ := newRunner(t, s)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		res, _ := r.Run(ctx, "market_open")
		if res.Status != types.RunStatusInterrupted {
			t.Errorf("Expected INTERRUPTED, got %s", res.Status)
		}
		if res.Market != nil {
			t.Error("Expected no stage to run")
		}
	})

	t.Run("during data stage", func(t *testing.T) {
		s, _ := newStages(t, types.MarketBiasNeutral, 500000, 0.25)
		s.data.(*fakeData).hold = make(chan struct{})
		r, _, _ := newRunner(t, s)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		res, _ := r.Run(ctx, "market_open")
		if res.Status != types.RunStatusInterrupted || res.FailedStage != types.StageData {
			t.Errorf("Expected INTERRUPTED at data, got %s at %q", res.Status, res.FailedStage)
		}
	})
}

func TestSubmissionSurvivesCancellation(t *testing.T) {
	s, _ := newStages(t, types.MarketBiasNeutral, 500000, 0.25)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	exec := &cancellingExecutor{Lifecycle: lifecycle("cancelling"), cancel: cancel}
	ready(t, exec)
	s.executor = exec
	r, _, _ := newRunner(t, s)

	res, _ := r.Run(ctx, "market_open")
	if res.Status != types.RunStatusExecuted {
		t.Errorf("Expected in-flight order to complete, got %s (%s)", res.Status, res.Error)
	}
}
