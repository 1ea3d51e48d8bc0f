package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/optionpilot/trading-backend/internal/execution/adapters"
	"github.com/optionpilot/trading-backend/internal/plugin"
	"github.com/optionpilot/trading-backend/pkg/types"
	"github.com/optionpilot/trading-backend/pkg/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	// ErrInvalidOrder is returned before submission for orders no broker can take.
	ErrInvalidOrder = errors.New("invalid order")
	// ErrTransport is a broker transport failure that survived every retry.
	ErrTransport = adapters.ErrTransport
	// ErrAuth is a broker authentication failure. It is never retried.
	ErrAuth = adapters.ErrAuth
)

// ExecutorConfig configures the executor.
type ExecutorConfig struct {
	PaperTrading          bool
	RetryAttempts         int
	RetryDelay            time.Duration
	CommissionPerContract decimal.Decimal
	Legs                  int
	HistoryLimit          int
}

// DefaultExecutorConfig returns sensible defaults.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		PaperTrading:          true, // Safe default
		RetryAttempts:         3,
		RetryDelay:            500 * time.Millisecond,
		CommissionPerContract: decimal.RequireFromString("0.65"),
		Legs:                  2,
		HistoryLimit:          100,
	}
}

// ExecutorConfigFrom overlays plugin options on the defaults.
func ExecutorConfigFrom(cfg plugin.Config) ExecutorConfig {
	c := DefaultExecutorConfig()
	c.PaperTrading = cfg.Bool("paper_trading", c.PaperTrading)
	c.RetryAttempts = cfg.Int("retry_attempts", c.RetryAttempts)
	c.RetryDelay = cfg.Duration("retry_delay", c.RetryDelay)
	c.CommissionPerContract = decimal.NewFromFloat(cfg.Float("commission_per_contract", c.CommissionPerContract.InexactFloat64()))
	return c
}

// ExecutorMetrics tracks execution outcomes.
type ExecutorMetrics struct {
	TotalOrders    int       `json:"total_orders"`
	FilledOrders   int       `json:"filled_orders"`
	RejectedOrders int       `json:"rejected_orders"`
	FailedOrders   int       `json:"failed_orders"`
	LastOrderTime  time.Time `json:"last_order_time"`
}

// Executor is the order submission stage. Paper trading routes to the paper
// broker; otherwise orders go to the live backend.
type Executor struct {
	*plugin.Lifecycle

	logger *zap.Logger
	config ExecutorConfig
	paper  adapters.Broker
	live   adapters.Broker

	mu      sync.RWMutex
	history []*types.ExecutionResult
	metrics ExecutorMetrics
}

var _ plugin.Executor = (*Executor)(nil)

// NewExecutor creates the executor stage registered under name. live may be
// nil when only paper trading is used.
func NewExecutor(logger *zap.Logger, name string, config ExecutorConfig, paper, live adapters.Broker) *Executor {
	e := &Executor{
		logger: logger.Named("executor"),
		config: config,
		paper:  paper,
		live:   live,
	}
	e.Lifecycle = plugin.NewLifecycle(name, logger, plugin.Hooks{
		Setup:    e.connect,
		Teardown: e.disconnect,
	})
	return e
}

func (e *Executor) broker() adapters.Broker {
	if e.config.PaperTrading {
		return e.paper
	}
	return e.live
}

func (e *Executor) connect(ctx context.Context) error {
	b := e.broker()
	if b == nil {
		return fmt.Errorf("no broker configured (paper_trading=%t)", e.config.PaperTrading)
	}
	if c, ok := b.(adapters.Connector); ok {
		if err := c.Connect(ctx); err != nil {
			return err
		}
	}
	e.logger.Info("Executor ready",
		zap.String("broker", b.Name()),
		zap.Bool("paperTrading", e.config.PaperTrading),
	)
	return nil
}

func (e *Executor) disconnect(ctx context.Context) error {
	if c, ok := e.broker().(adapters.Connector); ok {
		return c.Disconnect()
	}
	return nil
}

// Execute submits a copy of order, retrying transport failures. The caller's
// order is never modified.
func (e *Executor) Execute(ctx context.Context, order *types.Order) (*types.ExecutionResult, error) {
	return plugin.Call(ctx, e.Lifecycle, "execute", func(ctx context.Context) (*types.ExecutionResult, error) {
		if err := validateOrder(order); err != nil {
			return nil, err
		}
		submitted := *order
		if submitted.ClientOrderID == "" {
			submitted.ClientOrderID = uuid.NewString()
		}
		b := e.broker()

		retry := utils.RetryConfig{
			MaxAttempts:  e.config.RetryAttempts,
			InitialDelay: e.config.RetryDelay,
			MaxDelay:     5 * e.config.RetryDelay,
			Multiplier:   2,
			Retryable:    func(err error) bool { return errors.Is(err, ErrTransport) },
		}
		attempt := 0
		result, err := utils.Retry(ctx, retry, func(ctx context.Context) (*types.ExecutionResult, error) {
			attempt++
			res, err := b.Submit(ctx, &submitted)
			if err != nil && errors.Is(err, ErrTransport) {
				e.logger.Warn("Order submission failed",
					zap.Int("attempt", attempt),
					zap.String("clientOrderId", submitted.ClientOrderID),
					zap.Error(err),
				)
			}
			return res, err
		})
		if err != nil {
			e.record(nil)
			e.logger.Error("Order failed",
				zap.String("broker", b.Name()),
				zap.String("clientOrderId", submitted.ClientOrderID),
				zap.Error(err),
			)
			return nil, fmt.Errorf("submit to %s: %w", b.Name(), err)
		}

		if result.Status == types.OrderStatusFilled {
			result.Commission = e.commission(result.Quantity)
		}
		e.record(result)

		e.logger.Info("Order submitted",
			zap.String("orderId", result.OrderID),
			zap.String("status", string(result.Status)),
			zap.String("symbol", submitted.Symbol),
			zap.Int("quantity", submitted.Quantity),
			zap.String("credit", result.FilledPrice.String()),
			zap.String("rejectReason", result.RejectReason),
		)
		return result, nil
	})
}

// commission is legs x contracts x per-contract fee.
func (e *Executor) commission(quantity int) decimal.Decimal {
	return e.config.CommissionPerContract.
		Mul(decimal.NewFromInt(int64(e.config.Legs))).
		Mul(decimal.NewFromInt(int64(quantity)))
}

func (e *Executor) record(result *types.ExecutionResult) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.metrics.TotalOrders++
	e.metrics.LastOrderTime = time.Now()
	switch {
	case result == nil:
		e.metrics.FailedOrders++
		return
	case result.Status == types.OrderStatusFilled:
		e.metrics.FilledOrders++
	case result.Status == types.OrderStatusRejected:
		e.metrics.RejectedOrders++
	}

	e.history = append(e.history, result)
	if limit := e.config.HistoryLimit; limit > 0 && len(e.history) > limit {
		e.history = e.history[len(e.history)-limit:]
	}
}

// History returns recent broker results, newest last.
func (e *Executor) History() []*types.ExecutionResult {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]*types.ExecutionResult(nil), e.history...)
}

// Metrics returns execution counters.
func (e *Executor) Metrics() ExecutorMetrics {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.metrics
}

func validateOrder(order *types.Order) error {
	if order == nil {
		return fmt.Errorf("nil order: %w", ErrInvalidOrder)
	}
	if order.Quantity <= 0 {
		return fmt.Errorf("quantity %d: %w", order.Quantity, ErrInvalidOrder)
	}
	if err := types.ValidateStrikes(order.SpreadType, order.ShortStrike, order.LongStrike); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidOrder, err)
	}
	return nil
}
