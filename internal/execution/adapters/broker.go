// Package adapters provides broker backends for spread orders.
package adapters

import (
	"context"
	"errors"
	"time"

	"github.com/optionpilot/trading-backend/pkg/types"
)

var (
	// ErrTransport is a retryable failure reaching the broker.
	ErrTransport = errors.New("broker transport failure")
	// ErrAuth means the broker refused the session. Not retryable.
	ErrAuth = errors.New("broker authentication failure")
)

// Broker submits spread orders. A rejected order is a result with status
// REJECTED, not an error.
type Broker interface {
	Name() string
	Submit(ctx context.Context, order *types.Order) (*types.ExecutionResult, error)
}

// Connector is implemented by brokers that need a session before Submit.
type Connector interface {
	Connect(ctx context.Context) error
	Disconnect() error
}

// PositionRecorder receives positions opened by a fill.
type PositionRecorder interface {
	Open(pos types.Position)
}

// rejectReason returns why a broker would refuse order, or "".
func rejectReason(order *types.Order, now time.Time) string {
	if order.Quantity <= 0 {
		return "quantity must be positive"
	}
	if err := types.ValidateStrikes(order.SpreadType, order.ShortStrike, order.LongStrike); err != nil {
		return err.Error()
	}
	if !order.Expiration.IsZero() && day(order.Expiration).Before(day(now)) {
		return "expiration " + order.Expiration.Format("2006-01-02") + " is in the past"
	}
	if order.Type == types.OrderTypeLimit && !order.LimitCredit.IsPositive() {
		return "limit credit must be positive"
	}
	return ""
}

func day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func rejected(order *types.Order, broker, reason string) *types.ExecutionResult {
	return &types.ExecutionResult{
		OrderID:      order.ClientOrderID,
		Status:       types.OrderStatusRejected,
		Quantity:     order.Quantity,
		RejectReason: reason,
		Broker:       broker,
		Timestamp:    time.Now().UTC(),
	}
}
