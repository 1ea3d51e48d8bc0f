package adapters

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/optionpilot/trading-backend/internal/workers"
	"github.com/optionpilot/trading-backend/pkg/types"
	"go.uber.org/zap"
)

// BrokerTDAmeritrade is the registry name of the simulated TD Ameritrade backend.
const BrokerTDAmeritrade = "td_ameritrade"

// TDAmeritradeAdapter simulates the TD Ameritrade order endpoint. Calls pay a
// fixed latency on the shared I/O pool and need a session from Connect.
type TDAmeritradeAdapter struct {
	logger  *zap.Logger
	pool    *workers.Pool
	latency time.Duration

	mu        sync.RWMutex
	connected bool
	seq       atomic.Int64
}

// NewTDAmeritradeAdapter creates the adapter. pool may be nil.
func NewTDAmeritradeAdapter(logger *zap.Logger, pool *workers.Pool, latency time.Duration) *TDAmeritradeAdapter {
	return &TDAmeritradeAdapter{
		logger:  logger.Named("td-ameritrade"),
		pool:    pool,
		latency: latency,
	}
}

func (a *TDAmeritradeAdapter) Name() string { return BrokerTDAmeritrade }

// Connect establishes the session.
func (a *TDAmeritradeAdapter) Connect(ctx context.Context) error {
	if err := a.roundTrip(ctx); err != nil {
		return fmt.Errorf("connect %s: %w", BrokerTDAmeritrade, err)
	}
	a.mu.Lock()
	a.connected = true
	a.mu.Unlock()
	a.logger.Info("Connected to broker")
	return nil
}

// Disconnect drops the session.
func (a *TDAmeritradeAdapter) Disconnect() error {
	a.mu.Lock()
	a.connected = false
	a.mu.Unlock()
	return nil
}

// IsConnected reports whether a session is open.
func (a *TDAmeritradeAdapter) IsConnected() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.connected
}

// Submit places order and returns the simulated fill.
func (a *TDAmeritradeAdapter) Submit(ctx context.Context, order *types.Order) (*types.ExecutionResult, error) {
	if !a.IsConnected() {
		return nil, fmt.Errorf("%s session not established: %w", BrokerTDAmeritrade, ErrAuth)
	}
	if err := a.roundTrip(ctx); err != nil {
		return nil, fmt.Errorf("%s submit: %w: %w", BrokerTDAmeritrade, ErrTransport, err)
	}

	now := time.Now().UTC()
	if reason := rejectReason(order, now); reason != "" {
		return rejected(order, BrokerTDAmeritrade, reason), nil
	}
	return &types.ExecutionResult{
		OrderID:     fmt.Sprintf("SIM-%d-%d", now.Unix(), a.seq.Add(1)),
		Status:      types.OrderStatusFilled,
		FilledPrice: order.LimitCredit,
		Quantity:    order.Quantity,
		Broker:      BrokerTDAmeritrade,
		Timestamp:   now,
	}, nil
}

func (a *TDAmeritradeAdapter) roundTrip(ctx context.Context) error {
	wait := func(ctx context.Context) error {
		if a.latency <= 0 {
			return ctx.Err()
		}
		t := time.NewTimer(a.latency)
		defer t.Stop()
		select {
		case <-t.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if a.pool == nil {
		return wait(ctx)
	}
	return a.pool.Do(ctx, wait)
}
