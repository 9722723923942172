package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/betbot/p2prelease/internal/domain"
	"github.com/betbot/p2prelease/pkg/persistence"
)

// ErrNotExists is returned by Load before the first Save. Callers treat it as an empty snapshot.
var ErrNotExists = persistence.ErrNotExists

// SnapshotStore holds the full order snapshot. It is read and written whole.
type SnapshotStore interface {
	Load(ctx context.Context) ([]domain.Order, error)
	Save(ctx context.Context, orders []domain.Order) error
	Close() error
}

// Reporter answers queries over completed orders.
type Reporter interface {
	CompletedOrders(ctx context.Context, tradeType domain.TradeType, from, to time.Time) ([]domain.Order, error)
}

// Average summarizes completed orders: the volume-weighted unit price and both totals.
type Average struct {
	Price      decimal.Decimal `json:"averagePrice"`
	TotalAsset decimal.Decimal `json:"totalUsdt"`
	TotalFiat  decimal.Decimal `json:"totalBrl"`
	Orders     int             `json:"orders"`
}

// AveragePrice computes the Average of the completed orders r reports in [from, to].
func AveragePrice(ctx context.Context, r Reporter, tradeType domain.TradeType, from, to time.Time) (Average, error) {
	orders, err := r.CompletedOrders(ctx, tradeType, from, to)
	if err != nil {
		return Average{}, err
	}
	return Summarize(orders), nil
}

// Summarize folds orders into an Average. Price is zero when no asset was traded.
func Summarize(orders []domain.Order) Average {
	var avg Average
	for _, o := range orders {
		avg.TotalAsset = avg.TotalAsset.Add(o.Amount)
		avg.TotalFiat = avg.TotalFiat.Add(o.TotalPrice)
		avg.Orders++
	}
	if avg.TotalAsset.IsPositive() {
		avg.Price = avg.TotalFiat.Div(avg.TotalAsset)
	}
	return avg
}

func completedIn(o domain.Order, tradeType domain.TradeType, from, to time.Time) bool {
	if o.OrderStatus != domain.OrderStatusCompleted || o.TradeType != tradeType {
		return false
	}
	ms := o.CreateTime
	return ms >= from.UnixMilli() && ms <= to.UnixMilli()
}
