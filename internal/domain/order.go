package domain

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// TradeType is the side of a P2P trade from the merchant's point of view.
type TradeType string

const (
	TradeTypeBuy  TradeType = "BUY"
	TradeTypeSell TradeType = "SELL"
)

// OrderStatus is the exchange-reported lifecycle status of a P2P order.
type OrderStatus string

const (
	OrderStatusPending           OrderStatus = "PENDING"
	OrderStatusTrading           OrderStatus = "TRADING"
	OrderStatusBuyerPayed        OrderStatus = "BUYER_PAYED"
	OrderStatusDistributing      OrderStatus = "DISTRIBUTING"
	OrderStatusInAppeal          OrderStatus = "IN_APPEAL"
	OrderStatusCompleted         OrderStatus = "COMPLETED"
	OrderStatusCancelled         OrderStatus = "CANCELLED"
	OrderStatusCancelledBySystem OrderStatus = "CANCELLED_BY_SYSTEM"
)

// IsTerminal reports whether no further transition is expected for the status.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusCompleted, OrderStatusCancelled, OrderStatusCancelledBySystem:
		return true
	}
	return false
}

// Rank orders the non-terminal statuses along the normal lifecycle. Unknown statuses
// rank 0 and never count as a regression.
func (s OrderStatus) Rank() int {
	switch s {
	case OrderStatusPending:
		return 1
	case OrderStatusTrading:
		return 2
	case OrderStatusBuyerPayed:
		return 3
	case OrderStatusInAppeal:
		return 4
	case OrderStatusDistributing:
		return 5
	case OrderStatusCompleted, OrderStatusCancelled, OrderStatusCancelledBySystem:
		return 6
	}
	return 0
}

// Order is one P2P order as reported by the exchange order history and as persisted
// in the local snapshot.
type Order struct {
	OrderNumber         string          `json:"orderNumber"`
	AdvNo               string          `json:"advNo,omitempty"`
	TradeType           TradeType       `json:"tradeType"`
	Asset               string          `json:"asset"`
	Fiat                string          `json:"fiat,omitempty"`
	Amount              decimal.Decimal `json:"amount"`
	UnitPrice           decimal.Decimal `json:"unitPrice"`
	TotalPrice          decimal.Decimal `json:"totalPrice"`
	OrderStatus         OrderStatus     `json:"orderStatus"`
	CreateTime          int64           `json:"createTime"` // epoch millis
	CounterPartNickName string          `json:"counterPartNickName,omitempty"`
}

// CreatedAt returns CreateTime as a time value.
func (o Order) CreatedAt() time.Time {
	return time.UnixMilli(o.CreateTime)
}

// SortByCreateTimeDesc sorts orders newest first; ties keep order-number order so the
// result is deterministic.
func SortByCreateTimeDesc(orders []Order) {
	sort.SliceStable(orders, func(i, j int) bool {
		if orders[i].CreateTime != orders[j].CreateTime {
			return orders[i].CreateTime > orders[j].CreateTime
		}
		return orders[i].OrderNumber < orders[j].OrderNumber
	})
}

// OrderDetail is the subset of the order detail endpoint the bot consumes.
type OrderDetail struct {
	OrderNumber string      `json:"orderNumber"`
	BuyerName   string      `json:"buyerName"`
	SellerName  string      `json:"sellerName"`
	OrderStatus OrderStatus `json:"orderStatus"`
}

// MerchantOrder is a row of the merchant console's active order list.
type MerchantOrder struct {
	OrderNumber string `json:"orderNumber"`
	TradeType   string `json:"tradeType"`
	Asset       string `json:"asset"`
	TotalPrice  string `json:"totalPrice"`
}

// ContainsOrder reports whether orderNumber is present in the active list.
func ContainsOrder(active []MerchantOrder, orderNumber string) bool {
	for _, o := range active {
		if o.OrderNumber == orderNumber {
			return true
		}
	}
	return false
}

// ReleaseCandidate is an order the approval backend marked as buyer-paid and reconciled.
type ReleaseCandidate struct {
	OrderNumber string `json:"orderNumber"`
	BuyerName   string `json:"buyerName,omitempty"`
	OrderStatus string `json:"orderStatus,omitempty"`
	Status      string `json:"status,omitempty"`
}
