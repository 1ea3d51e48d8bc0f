package execution_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/optionpilot/trading-backend/internal/execution"
	"github.com/optionpilot/trading-backend/internal/plugin"
	"github.com/optionpilot/trading-backend/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func testCandidate(quantity int) *types.SpreadCandidate {
	c := &types.SpreadCandidate{
		Symbol:            "SPX",
		SpreadType:        types.SpreadTypePut,
		ShortStrike:       decimal.NewFromInt(4200),
		LongStrike:        decimal.NewFromInt(4150),
		Expiration:        time.Now().AddDate(0, 0, 35),
		Credit:            decimal.RequireFromString("0.40"),
		Quantity:          quantity,
		Width:             decimal.NewFromInt(50),
		ShortDelta:        -0.16,
		ProbabilityProfit: 0.84,
		DaysToExpiration:  35,
	}
	c.MaxLoss = c.MaxLossPerContract().Mul(decimal.NewFromInt(int64(quantity)))
	return c
}

func newRiskGate(t *testing.T, cfg execution.RiskConfig, accounts execution.AccountProvider) *execution.RiskGate {
	t.Helper()
	g := execution.NewRiskGate(zap.NewNop(), cfg, accounts)
	if err := g.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	return g
}

func newLedger(equity int64) *execution.PaperLedger {
	return execution.NewPaperLedger(zap.NewNop(), decimal.NewFromInt(equity))
}

type failingAccounts struct{}

func (failingAccounts) Account(ctx context.Context) (types.AccountState, error) {
	return types.AccountState{}, errors.New("account service down")
}

func TestRiskApprovesScenario(t *testing.T) {
	g := newRiskGate(t, execution.DefaultRiskConfig(), newLedger(500000))

	d, err := g.Execute(context.Background(), testCandidate(1))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !d.Approved {
		t.Fatalf("Expected approval, got %q %+v", d.Reason, d.Violations)
	}
	if d.Adjustment != nil {
		t.Errorf("Expected no adjustment, got %+v", d.Adjustment)
	}
	if d.ApprovedQuantity(1) != 1 {
		t.Errorf("Expected quantity 1, got %d", d.ApprovedQuantity(1))
	}
	if d.KellyOptimal >= 0 {
		t.Errorf("Expected negative Kelly, got %f", d.KellyOptimal)
	}
	if len(d.Warnings) == 0 || !strings.Contains(d.Warnings[0], "kelly") {
		t.Errorf("Expected Kelly warning, got %v", d.Warnings)
	}
}

func TestRiskReducesSize(t *testing.T) {
	g := newRiskGate(t, execution.DefaultRiskConfig(), newLedger(500000))

	d, err := g.Execute(context.Background(), testCandidate(5))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !d.Approved || d.Adjustment == nil {
		t.Fatalf("Expected approval with adjustment, got %+v", d)
	}
	if d.Adjustment.Quantity != 2 {
		t.Errorf("Expected 2 contracts, got %d", d.Adjustment.Quantity)
	}
	if d.ApprovedQuantity(5) != 2 {
		t.Errorf("Expected approved quantity 2, got %d", d.ApprovedQuantity(5))
	}
}

func TestRiskRejections(t *testing.T) {
	fullBook := newLedger(500000)
	for i := 0; i < 5; i++ {
		fullBook.Open(types.Position{ID: string(rune('a' + i)), Quantity: 1})
	}

	drawnDown := newLedger(500000)
	drawnDown.Open(types.Position{ID: "d", Quantity: 1})
	drawnDown.Close("d", decimal.NewFromInt(-100000))

	marginBound := newLedger(500000)
	marginBound.Open(types.Position{ID: "m", Quantity: 1, Margin: decimal.NewFromInt(4000)})

	tightMargin := execution.DefaultRiskConfig()
	tightMargin.MaxMarginUsage = 0.01

	inverted := testCandidate(1)
	inverted.ShortStrike, inverted.LongStrike = inverted.LongStrike, inverted.ShortStrike

	tests := []struct {
		name      string
		cfg       execution.RiskConfig
		ledger    *execution.PaperLedger
		candidate *types.SpreadCandidate
		rule      string
	}{
		{"max positions", execution.DefaultRiskConfig(), fullBook, testCandidate(1), execution.RuleMaxPositions},
		{"drawdown", execution.DefaultRiskConfig(), drawnDown, testCandidate(1), execution.RuleMaxDrawdown},
		{"risk budget", execution.DefaultRiskConfig(), newLedger(100000), testCandidate(1), execution.RuleRiskBudget},
		{"margin", tightMargin, marginBound, testCandidate(1), execution.RuleMarginUsage},
		{"inverted strikes", execution.DefaultRiskConfig(), newLedger(500000), inverted, execution.RuleInvalidSpread},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newRiskGate(t, tt.cfg, tt.ledger)
			d, err := g.Execute(context.Background(), tt.candidate)
			if err != nil {
				t.Fatalf("Rejection must not be an error: %v", err)
			}
			if d.Approved {
				t.Fatal("Expected rejection")
			}
			if len(d.Violations) != 1 || d.Violations[0].Rule != tt.rule {
				t.Errorf("Expected %s violation, got %+v", tt.rule, d.Violations)
			}
			if d.Reason == "" {
				t.Error("Expected a reason")
			}
		})
	}
}

func TestRiskMarginShrinksQuantity(t *testing.T) {
	cfg := execution.DefaultRiskConfig()
	cfg.PositionSizePct = 0.5
	cfg.MaxMarginUsage = 0.01 // 5000 of 500000

	g := newRiskGate(t, cfg, newLedger(500000))
	d, err := g.Execute(context.Background(), testCandidate(3))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !d.Approved || d.Adjustment == nil || d.Adjustment.Quantity != 1 {
		t.Fatalf("Expected approval reduced to 1, got %+v", d)
	}
	if !strings.Contains(d.Adjustment.Reason, execution.RuleMarginUsage) {
		t.Errorf("Expected margin reason, got %q", d.Adjustment.Reason)
	}
}

func TestRiskAccountFailureIsError(t *testing.T) {
	g := newRiskGate(t, execution.DefaultRiskConfig(), failingAccounts{})
	if _, err := g.Execute(context.Background(), testCandidate(1)); err == nil {
		t.Error("Expected account error")
	}
}

func TestRiskLifecycle(t *testing.T) {
	g := execution.NewRiskGate(zap.NewNop(), execution.DefaultRiskConfig(), newLedger(500000))
	if _, err := g.Execute(context.Background(), testCandidate(1)); !errors.Is(err, plugin.ErrNotInitialized) {
		t.Errorf("Expected ErrNotInitialized, got %v", err)
	}

	bad := execution.DefaultRiskConfig()
	bad.MaxDrawdown = 1.5
	g = execution.NewRiskGate(zap.NewNop(), bad, newLedger(500000))
	if err := g.Initialize(context.Background()); !errors.Is(err, plugin.ErrSetup) {
		t.Errorf("Expected ErrSetup, got %v", err)
	}
}

func TestRiskConfigFrom(t *testing.T) {
	cfg := execution.RiskConfigFrom(plugin.NewConfig(map[string]any{
		"max_positions":    3,
		"max_margin_usage": 0.4,
	}))
	if cfg.MaxPositions != 3 || cfg.MaxMarginUsage != 0.4 {
		t.Errorf("Options not applied: %+v", cfg)
	}
	if cfg.MaxDrawdown != 0.15 {
		t.Errorf("Expected default drawdown 0.15, got %f", cfg.MaxDrawdown)
	}
}
