package execution_test

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/optionpilot/trading-backend/internal/execution"
	"github.com/optionpilot/trading-backend/internal/execution/adapters"
	"github.com/optionpilot/trading-backend/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// scriptedBroker returns errs in order, then fills.
type scriptedBroker struct {
	errs  []error
	calls atomic.Int32
	seen  []string // client order ids submitted
}

func (b *scriptedBroker) Name() string { return "scripted" }

func (b *scriptedBroker) Submit(ctx context.Context, order *types.Order) (*types.ExecutionResult, error) {
	n := int(b.calls.Add(1))
	b.seen = append(b.seen, order.ClientOrderID)
	if n <= len(b.errs) {
		return nil, b.errs[n-1]
	}
	return &types.ExecutionResult{
		OrderID:     "SCRIPTED-1",
		Status:      types.OrderStatusFilled,
		FilledPrice: order.LimitCredit,
		Quantity:    order.Quantity,
		Broker:      "scripted",
		Timestamp:   time.Now(),
	}, nil
}

func testOrder(quantity int) *types.Order {
	return types.NewOrderFromCandidate(testCandidate(quantity), quantity)
}

func newExecutor(t *testing.T, cfg execution.ExecutorConfig, paper, live adapters.Broker) *execution.Executor {
	t.Helper()
	e := execution.NewExecutor(zap.NewNop(), "td_ameritrade", cfg, paper, live)
	if err := e.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	return e
}

func fastConfig(paper bool) execution.ExecutorConfig {
	cfg := execution.DefaultExecutorConfig()
	cfg.PaperTrading = paper
	cfg.RetryDelay = time.Millisecond
	return cfg
}

func TestPaperFillBooksPosition(t *testing.T) {
	ledger := newLedger(500000)
	e := newExecutor(t, fastConfig(true), adapters.NewPaperBroker(zap.NewNop(), ledger), nil)

	res, err := e.Execute(context.Background(), testOrder(2))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Status != types.OrderStatusFilled {
		t.Fatalf("Expected FILLED, got %s (%s)", res.Status, res.RejectReason)
	}
	if !strings.HasPrefix(res.OrderID, "PAPER-") {
		t.Errorf("Expected PAPER- order id, got %s", res.OrderID)
	}
	if !res.FilledPrice.Equal(decimal.RequireFromString("0.40")) {
		t.Errorf("Expected fill at 0.40, got %s", res.FilledPrice)
	}
	// 2 legs x 2 contracts x 0.65
	if !res.Commission.Equal(decimal.RequireFromString("2.60")) {
		t.Errorf("Expected commission 2.60, got %s", res.Commission)
	}

	positions := ledger.Positions()
	if len(positions) != 1 {
		t.Fatalf("Expected 1 position, got %d", len(positions))
	}
	if !positions[0].Margin.Equal(decimal.NewFromInt(9920)) {
		t.Errorf("Expected margin 9920, got %s", positions[0].Margin)
	}
	acct, _ := ledger.Account(context.Background())
	if acct.OpenPositions != 1 || !acct.Equity.Equal(decimal.NewFromInt(500080)) {
		t.Errorf("Unexpected account %+v", acct)
	}

	if m := e.Metrics(); m.TotalOrders != 1 || m.FilledOrders != 1 {
		t.Errorf("Unexpected metrics %+v", m)
	}
}

func TestInvalidOrder(t *testing.T) {
	e := newExecutor(t, fastConfig(true), adapters.NewPaperBroker(zap.NewNop(), nil), nil)

	for _, q := range []int{0, -1} {
		if _, err := e.Execute(context.Background(), testOrder(q)); !errors.Is(err, execution.ErrInvalidOrder) {
			t.Errorf("quantity %d: expected ErrInvalidOrder, got %v", q, err)
		}
	}

	inverted := testOrder(1)
	inverted.ShortStrike, inverted.LongStrike = inverted.LongStrike, inverted.ShortStrike
	if _, err := e.Execute(context.Background(), inverted); !errors.Is(err, execution.ErrInvalidOrder) {
		t.Errorf("Expected ErrInvalidOrder for inverted strikes, got %v", err)
	}
	if m := e.Metrics(); m.TotalOrders != 0 {
		t.Errorf("Invalid orders must not reach the broker, got %+v", m)
	}
}

func TestExecuteLeavesCallerOrderUntouched(t *testing.T) {
	broker := &scriptedBroker{}
	e := newExecutor(t, fastConfig(false), nil, broker)

	order := testOrder(1)
	for i := 0; i < 2; i++ {
		if _, err := e.Execute(context.Background(), order); err != nil {
			t.Fatalf("Execute failed: %v", err)
		}
	}
	if order.ClientOrderID != "" {
		t.Errorf("Expected caller's order unchanged, got client id %q", order.ClientOrderID)
	}
	if len(broker.seen) != 2 || broker.seen[0] == "" || broker.seen[0] == broker.seen[1] {
		t.Errorf("Expected a fresh client id per submission, got %v", broker.seen)
	}

	order.ClientOrderID = "mine"
	e.Execute(context.Background(), order)
	if broker.seen[2] != "mine" {
		t.Errorf("Expected caller-supplied client id, got %q", broker.seen[2])
	}
}

func TestBrokerRejectionIsResult(t *testing.T) {
	e := newExecutor(t, fastConfig(true), adapters.NewPaperBroker(zap.NewNop(), nil), nil)

	order := testOrder(1)
	order.Expiration = time.Now().AddDate(0, 0, -3)
	res, err := e.Execute(context.Background(), order)
	if err != nil {
		t.Fatalf("Rejection must not be an error: %v", err)
	}
	if res.Status != types.OrderStatusRejected || res.RejectReason == "" {
		t.Errorf("Expected REJECTED with reason, got %+v", res)
	}
	if !res.Commission.IsZero() {
		t.Errorf("Expected no commission on rejection, got %s", res.Commission)
	}
}

func TestTransportRetries(t *testing.T) {
	broker := &scriptedBroker{errs: []error{adapters.ErrTransport, adapters.ErrTransport}}
	e := newExecutor(t, fastConfig(false), nil, broker)

	res, err := e.Execute(context.Background(), testOrder(1))
	if err != nil {
		t.Fatalf("Expected fill after retries, got %v", err)
	}
	if res.Status != types.OrderStatusFilled || broker.calls.Load() != 3 {
		t.Errorf("Expected FILLED on attempt 3, got %s after %d", res.Status, broker.calls.Load())
	}
}

func TestTransportExhausted(t *testing.T) {
	broker := &scriptedBroker{errs: []error{adapters.ErrTransport, adapters.ErrTransport, adapters.ErrTransport}}
	e := newExecutor(t, fastConfig(false), nil, broker)

	_, err := e.Execute(context.Background(), testOrder(1))
	if !errors.Is(err, execution.ErrTransport) {
		t.Errorf("Expected ErrTransport, got %v", err)
	}
	if broker.calls.Load() != 3 {
		t.Errorf("Expected 3 attempts, got %d", broker.calls.Load())
	}
	if m := e.Metrics(); m.FailedOrders != 1 {
		t.Errorf("Expected 1 failed order, got %+v", m)
	}
}

func TestAuthNotRetried(t *testing.T) {
	broker := &scriptedBroker{errs: []error{adapters.ErrAuth}}
	e := newExecutor(t, fastConfig(false), nil, broker)

	_, err := e.Execute(context.Background(), testOrder(1))
	if !errors.Is(err, execution.ErrAuth) {
		t.Errorf("Expected ErrAuth, got %v", err)
	}
	if broker.calls.Load() != 1 {
		t.Errorf("Expected 1 attempt, got %d", broker.calls.Load())
	}
}

func TestSimulatedTDAmeritrade(t *testing.T) {
	td := adapters.NewTDAmeritradeAdapter(zap.NewNop(), nil, time.Millisecond)
	e := newExecutor(t, fastConfig(false), nil, td)

	if !td.IsConnected() {
		t.Fatal("Expected Initialize to connect the broker")
	}
	res, err := e.Execute(context.Background(), testOrder(1))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !strings.HasPrefix(res.OrderID, "SIM-") || res.Status != types.OrderStatusFilled {
		t.Errorf("Expected SIM- fill, got %+v", res)
	}
	again, err := e.Execute(context.Background(), testOrder(1))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if again.OrderID == res.OrderID {
		t.Errorf("Expected distinct order ids within one second, got %s twice", res.OrderID)
	}

	if err := e.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if td.IsConnected() {
		t.Error("Expected Shutdown to disconnect the broker")
	}
}

func TestTDAmeritradeRequiresSession(t *testing.T) {
	td := adapters.NewTDAmeritradeAdapter(zap.NewNop(), nil, 0)
	if _, err := td.Submit(context.Background(), testOrder(1)); !errors.Is(err, adapters.ErrAuth) {
		t.Errorf("Expected ErrAuth without a session, got %v", err)
	}
}

func TestMissingBrokerFailsSetup(t *testing.T) {
	e := execution.NewExecutor(zap.NewNop(), "td_ameritrade", fastConfig(false), nil, nil)
	if err := e.Initialize(context.Background()); err == nil {
		t.Error("Expected setup failure without a live broker")
	}
}
