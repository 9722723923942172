package marketdata

import (
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/betbot/p2prelease/internal/domain"
)

// ErrGap means a diff event does not follow the last applied update; the book must be reseeded.
var ErrGap = errors.New("depth update gap")

// DepthEvent is a <symbol>@depth diff message.
type DepthEvent struct {
	Event         string              `json:"e"`
	EventTime     int64               `json:"E"`
	Symbol        string              `json:"s"`
	FirstUpdateID int64               `json:"U"`
	FinalUpdateID int64               `json:"u"`
	Bids          []domain.PriceLevel `json:"b"`
	Asks          []domain.PriceLevel `json:"a"`
}

// Book is a local order book kept in sync from a REST snapshot plus diff events.
type Book struct {
	mu           sync.RWMutex
	seeded       bool
	lastUpdateID int64
	bids         map[string]domain.PriceLevel
	asks         map[string]domain.PriceLevel
	updatedAt    time.Time
}

func NewBook() *Book {
	return &Book{bids: map[string]domain.PriceLevel{}, asks: map[string]domain.PriceLevel{}}
}

// Seed replaces the book with a snapshot.
func (b *Book) Seed(snap *domain.OrderBook, at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bids = map[string]domain.PriceLevel{}
	b.asks = map[string]domain.PriceLevel{}
	setLevels(b.bids, snap.Bids)
	setLevels(b.asks, snap.Asks)
	b.lastUpdateID = snap.LastUpdateID
	b.seeded = true
	b.updatedAt = at
}

// Reset drops all levels; BestAsk reports nothing until the next Seed.
func (b *Book) Reset() {
	b.mu.Lock()
	b.seeded = false
	b.bids = map[string]domain.PriceLevel{}
	b.asks = map[string]domain.PriceLevel{}
	b.mu.Unlock()
}

// Apply merges a diff event. Events already covered by the snapshot are ignored.
func (b *Book) Apply(ev DepthEvent, at time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.seeded {
		return ErrGap
	}
	if ev.FinalUpdateID <= b.lastUpdateID {
		return nil
	}
	if ev.FirstUpdateID > b.lastUpdateID+1 {
		return ErrGap
	}
	setLevels(b.bids, ev.Bids)
	setLevels(b.asks, ev.Asks)
	b.lastUpdateID = ev.FinalUpdateID
	b.updatedAt = at
	return nil
}

// setLevels writes levels into side; a zero quantity removes the price.
func setLevels(side map[string]domain.PriceLevel, levels []domain.PriceLevel) {
	for _, l := range levels {
		key := l.Price.String()
		if l.Quantity.IsZero() {
			delete(side, key)
			continue
		}
		side[key] = l
	}
}

// BestAsk returns the lowest ask and when the book was last updated.
func (b *Book) BestAsk() (decimal.Decimal, time.Time, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return best(b.asks, func(a, c decimal.Decimal) bool { return a.LessThan(c) }, b.seeded, b.updatedAt)
}

// BestBid returns the highest bid and when the book was last updated.
func (b *Book) BestBid() (decimal.Decimal, time.Time, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return best(b.bids, func(a, c decimal.Decimal) bool { return a.GreaterThan(c) }, b.seeded, b.updatedAt)
}

func best(side map[string]domain.PriceLevel, better func(a, b decimal.Decimal) bool, seeded bool, at time.Time) (decimal.Decimal, time.Time, bool) {
	if !seeded || len(side) == 0 {
		return decimal.Zero, time.Time{}, false
	}
	first := true
	var top decimal.Decimal
	for _, l := range side {
		if first || better(l.Price, top) {
			top = l.Price
			first = false
		}
	}
	return top, at, true
}

// LastUpdateID is the id of the last applied update.
func (b *Book) LastUpdateID() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastUpdateID
}
