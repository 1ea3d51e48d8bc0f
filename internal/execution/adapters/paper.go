package adapters

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/optionpilot/trading-backend/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// BrokerPaper is the name reported on paper fills.
const BrokerPaper = "paper"

// PaperBroker fills every acceptable order immediately at its limit credit
// and books the position.
type PaperBroker struct {
	logger   *zap.Logger
	recorder PositionRecorder
	now      func() time.Time
}

// NewPaperBroker creates a paper broker. recorder may be nil.
func NewPaperBroker(logger *zap.Logger, recorder PositionRecorder) *PaperBroker {
	return &PaperBroker{
		logger:   logger.Named("paper-broker"),
		recorder: recorder,
		now:      time.Now,
	}
}

func (b *PaperBroker) Name() string { return BrokerPaper }

// Submit fills order at its limit credit.
func (b *PaperBroker) Submit(ctx context.Context, order *types.Order) (*types.ExecutionResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := b.now().UTC()
	if reason := rejectReason(order, now); reason != "" {
		b.logger.Info("Paper order rejected", zap.String("reason", reason))
		return rejected(order, BrokerPaper, reason), nil
	}

	id := "PAPER-" + uuid.NewString()
	if b.recorder != nil {
		width := order.ShortStrike.Sub(order.LongStrike).Abs()
		margin := width.Sub(order.LimitCredit).Mul(decimal.NewFromInt(100)).Mul(decimal.NewFromInt(int64(order.Quantity)))
		b.recorder.Open(types.Position{
			ID:          id,
			Symbol:      order.Symbol,
			SpreadType:  order.SpreadType,
			ShortStrike: order.ShortStrike,
			LongStrike:  order.LongStrike,
			Quantity:    order.Quantity,
			EntryCredit: order.LimitCredit,
			Margin:      margin,
			OpenedAt:    now,
			Expiration:  order.Expiration,
		})
	}

	return &types.ExecutionResult{
		OrderID:     id,
		Status:      types.OrderStatusFilled,
		FilledPrice: order.LimitCredit,
		Quantity:    order.Quantity,
		Broker:      BrokerPaper,
		Timestamp:   now,
	}, nil
}
