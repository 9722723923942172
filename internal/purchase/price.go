package purchase

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/p2prelease/internal/domain"
	"github.com/betbot/p2prelease/internal/risk"
	"github.com/betbot/p2prelease/pkg/logger"
)

// ErrNoAsk means the book has no ask to price against.
var ErrNoAsk = errors.New("order book has no asks")

// PriceSource yields the current best ask of a symbol.
type PriceSource interface {
	BestAsk(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// BookAPI fetches depth snapshots.
type BookAPI interface {
	OrderBook(ctx context.Context, symbol string, limit int) (*domain.OrderBook, error)
}

// RESTPriceSource reads the best ask from a depth snapshot per call.
type RESTPriceSource struct {
	api     BookAPI
	breaker *risk.CircuitBreaker
}

func NewRESTPriceSource(api BookAPI, breaker *risk.CircuitBreaker) *RESTPriceSource {
	return &RESTPriceSource{api: api, breaker: breaker}
}

func (p *RESTPriceSource) BestAsk(ctx context.Context, symbol string) (decimal.Decimal, error) {
	book, err := risk.Call(p.breaker, func() (*domain.OrderBook, error) {
		return p.api.OrderBook(ctx, symbol, 5)
	})
	if err != nil {
		return decimal.Zero, err
	}
	ask, ok := book.BestAsk()
	if !ok {
		return decimal.Zero, ErrNoAsk
	}
	return ask, nil
}

// StreamBook is the read side of a live depth stream.
type StreamBook interface {
	BestAsk() (price decimal.Decimal, age time.Duration, ok bool)
}

// StreamPriceSource answers from the live stream when its book is fresh and falls back
// otherwise.
type StreamPriceSource struct {
	stream   StreamBook
	maxAge   time.Duration
	fallback PriceSource
	log      *logrus.Entry
}

func NewStreamPriceSource(stream StreamBook, maxAge time.Duration, fallback PriceSource, log *logrus.Entry) *StreamPriceSource {
	if maxAge <= 0 {
		maxAge = 5 * time.Second
	}
	return &StreamPriceSource{stream: stream, maxAge: maxAge, fallback: fallback, log: logger.OrDefault(log, "price")}
}

func (p *StreamPriceSource) BestAsk(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if ask, age, ok := p.stream.BestAsk(); ok && age <= p.maxAge {
		return ask, nil
	}
	if p.fallback == nil {
		return decimal.Zero, ErrNoAsk
	}
	p.log.Debug("depth stream stale, using REST snapshot")
	return p.fallback.BestAsk(ctx, symbol)
}
