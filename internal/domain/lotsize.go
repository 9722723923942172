package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

// LotSize is the exchange LOT_SIZE filter of a spot symbol.
type LotSize struct {
	MinQty   decimal.Decimal
	MaxQty   decimal.Decimal
	StepSize decimal.Decimal
}

// Adjust floors amount to a multiple of StepSize and clamps it to [MinQty, MaxQty].
// A zero MaxQty means unbounded.
func (l LotSize) Adjust(amount decimal.Decimal) decimal.Decimal {
	qty := amount
	if l.StepSize.IsPositive() {
		qty = amount.Div(l.StepSize).Floor().Mul(l.StepSize)
	}
	if qty.LessThan(l.MinQty) {
		qty = l.MinQty
	}
	if l.MaxQty.IsPositive() && qty.GreaterThan(l.MaxQty) {
		qty = l.MaxQty
	}
	return qty
}

// Precision is the number of decimal places implied by StepSize.
func (l LotSize) Precision() int32 {
	s := l.StepSize.String()
	i := strings.IndexByte(s, '.')
	if i < 0 {
		return 0
	}
	return int32(len(strings.TrimRight(s[i+1:], "0")))
}

// Format renders qty with the step precision.
func (l LotSize) Format(qty decimal.Decimal) string {
	return qty.StringFixed(l.Precision())
}
