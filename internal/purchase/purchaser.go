package purchase

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/p2prelease/internal/domain"
	"github.com/betbot/p2prelease/internal/exchange"
	"github.com/betbot/p2prelease/internal/metrics"
	"github.com/betbot/p2prelease/pkg/cache"
	"github.com/betbot/p2prelease/pkg/logger"
)

// clientIDPrefix marks the buy orders placed by the purchaser.
const clientIDPrefix = "p2p-"

// TradingAPI is the spot surface the purchaser needs.
type TradingAPI interface {
	LotSize(ctx context.Context, symbol string) (domain.LotSize, error)
	PlaceLimitOrder(ctx context.Context, o exchange.LimitOrder) (*domain.SpotOrder, error)
	OpenOrders(ctx context.Context, symbol string) ([]domain.SpotOrder, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) (*domain.SpotOrder, error)
}

// Config sets what is bought back after a completed sale.
type Config struct {
	Symbol         string
	PriceOffset    decimal.Decimal
	PricePrecision int32
	LotSizeTTL     time.Duration
}

// Purchaser buys back the asset of a completed sell order with a limit order just
// under the best ask.
type Purchaser struct {
	api     TradingAPI
	prices  PriceSource
	sw      *Switch
	cfg     Config
	lots    *cache.InMemoryCache[string, domain.LotSize]
	metrics *metrics.Metrics
	newID   func() string
	log     *logrus.Entry
}

func NewPurchaser(api TradingAPI, prices PriceSource, sw *Switch, cfg Config, m *metrics.Metrics, log *logrus.Entry) *Purchaser {
	if cfg.Symbol == "" {
		cfg.Symbol = "USDTBRL"
	}
	if cfg.PricePrecision <= 0 {
		cfg.PricePrecision = 3
	}
	return &Purchaser{
		api:     api,
		prices:  prices,
		sw:      sw,
		cfg:     cfg,
		lots:    cache.NewInMemoryCache[string, domain.LotSize](cfg.LotSizeTTL),
		metrics: m,
		newID:   func() string { return clientIDPrefix + uuid.NewString() },
		log:     logger.OrDefault(log, "purchase"),
	}
}

// Quote is the computed buy order.
type Quote struct {
	Quantity decimal.Decimal
	Price    decimal.Decimal
	Lot      domain.LotSize
}

// OnCompleted places the buy-back for order. It does nothing while the switch is off
// and returns (nil, nil) in that case. A buy-back still resting on the book is cancelled
// and its unfilled quantity is folded into the new order, so at most one buy-back per
// symbol is open.
func (p *Purchaser) OnCompleted(ctx context.Context, order domain.Order) (*domain.SpotOrder, error) {
	log := p.log.WithFields(logrus.Fields{"order": order.OrderNumber, "amount": order.Amount.String()})
	if p.sw != nil && !p.sw.IsRunning() {
		log.Info("auto-purchase is off, not buying")
		p.metrics.Purchase(metrics.PurchaseDisabled)
		return nil, nil
	}

	q, err := p.Quote(ctx, order.Amount)
	if err != nil {
		p.metrics.Purchase(metrics.PurchaseFailed)
		return nil, err
	}
	carried := p.cancelOpenBuys(ctx, log)
	if carried.IsPositive() {
		q.Quantity = q.Lot.Adjust(order.Amount.Add(carried))
	}
	req := exchange.LimitOrder{
		Symbol:        p.cfg.Symbol,
		Side:          "BUY",
		Quantity:      q.Lot.Format(q.Quantity),
		Price:         q.Price.StringFixed(p.cfg.PricePrecision),
		ClientOrderID: p.newID(),
	}
	placed, err := p.api.PlaceLimitOrder(ctx, req)
	if err != nil {
		p.metrics.Purchase(metrics.PurchaseFailed)
		if carried.IsPositive() {
			log.WithField("carried", carried.String()).Error("cancelled buy-back quantity was not placed again")
		}
		return nil, errors.Wrapf(err, "buy back %s", order.OrderNumber)
	}
	p.metrics.Purchase(metrics.PurchasePlaced)
	log.WithFields(logrus.Fields{
		"qty":           req.Quantity,
		"price":         req.Price,
		"carried":       carried.String(),
		"clientOrderId": req.ClientOrderID,
	}).Info("buy order placed")
	return placed, nil
}

// Quote sizes and prices a buy of amount without placing it.
func (p *Purchaser) Quote(ctx context.Context, amount decimal.Decimal) (Quote, error) {
	lot, err := p.lotSize(ctx)
	if err != nil {
		return Quote{}, errors.Wrap(err, "lot size")
	}
	ask, err := p.prices.BestAsk(ctx, p.cfg.Symbol)
	if err != nil {
		return Quote{}, errors.Wrap(err, "best ask")
	}
	price := ask.Sub(p.cfg.PriceOffset).Round(p.cfg.PricePrecision)
	if !price.IsPositive() {
		return Quote{}, errors.Errorf("price %s from ask %s is not positive", price, ask)
	}
	return Quote{Quantity: lot.Adjust(amount), Price: price, Lot: lot}, nil
}

func (p *Purchaser) lotSize(ctx context.Context) (domain.LotSize, error) {
	if lot, ok := p.lots.Get(p.cfg.Symbol); ok {
		return lot, nil
	}
	lot, err := p.api.LotSize(ctx, p.cfg.Symbol)
	if err != nil {
		return domain.LotSize{}, err
	}
	p.lots.Set(p.cfg.Symbol, lot, 0)
	return lot, nil
}

// cancelOpenBuys cancels the open buy-backs of the symbol and returns their unfilled
// quantity. Orders placed by hand are left alone, as are buy-backs that fail to cancel.
func (p *Purchaser) cancelOpenBuys(ctx context.Context, log *logrus.Entry) decimal.Decimal {
	open, err := p.api.OpenOrders(ctx, p.cfg.Symbol)
	if err != nil {
		log.WithError(err).Warn("open orders unavailable, placing without carry-over")
		return decimal.Zero
	}
	carried := decimal.Zero
	for _, o := range open {
		if o.Side != "BUY" || !strings.HasPrefix(o.ClientOrderID, clientIDPrefix) {
			continue
		}
		remaining := quantityOf(o.OrigQty).Sub(quantityOf(o.ExecutedQty))
		if !remaining.IsPositive() {
			continue
		}
		if _, err := p.api.CancelOrder(ctx, p.cfg.Symbol, o.OrderID); err != nil {
			log.WithError(err).WithField("orderId", o.OrderID).Warn("open buy-back not cancelled, leaving it on the book")
			continue
		}
		log.WithFields(logrus.Fields{"orderId": o.OrderID, "remaining": remaining.String()}).Info("open buy-back cancelled")
		carried = carried.Add(remaining)
	}
	return carried
}

func quantityOf(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return v
}
