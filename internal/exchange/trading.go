package exchange

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/betbot/p2prelease/internal/domain"
)

const (
	pathOrderHistory = "/sapi/v1/c2c/orderMatch/listUserOrderHistory"
	pathOrderDetail  = "/sapi/v1/c2c/orderMatch/getUserOrderDetail"
	pathExchangeInfo = "/api/v3/exchangeInfo"
	pathDepth        = "/api/v3/depth"
	pathOrder        = "/api/v3/order"
	pathOpenOrders   = "/api/v3/openOrders"
)

// ListOrderHistory returns one page of the account's P2P order history.
func (c *Client) ListOrderHistory(ctx context.Context, tradeType domain.TradeType, page, rows int) ([]domain.Order, error) {
	params := url.Values{
		"tradeType": {string(tradeType)},
		"page":      {strconv.Itoa(page)},
		"rows":      {strconv.Itoa(rows)},
	}
	var out []domain.Order
	if err := c.signedEnvelope(ctx, "listOrderHistory", http.MethodGet, pathOrderHistory, params, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetOrderDetail returns the detail of one P2P order, including the counterparty name.
func (c *Client) GetOrderDetail(ctx context.Context, orderNumber string) (*domain.OrderDetail, error) {
	var out domain.OrderDetail
	body := map[string]string{"adOrderNo": orderNumber}
	if err := c.signedEnvelope(ctx, "getOrderDetail", http.MethodPost, pathOrderDetail, nil, body, &out); err != nil {
		return nil, err
	}
	if out.OrderNumber == "" {
		out.OrderNumber = orderNumber
	}
	return &out, nil
}

type symbolFilter struct {
	FilterType string `json:"filterType"`
	MinQty     string `json:"minQty"`
	MaxQty     string `json:"maxQty"`
	StepSize   string `json:"stepSize"`
}

// LotSize reads the LOT_SIZE filter of symbol from exchange info.
func (c *Client) LotSize(ctx context.Context, symbol string) (domain.LotSize, error) {
	var out struct {
		Symbols []struct {
			Symbol  string         `json:"symbol"`
			Filters []symbolFilter `json:"filters"`
		} `json:"symbols"`
	}
	if err := c.doPublic(ctx, "exchangeInfo", pathExchangeInfo, url.Values{"symbol": {symbol}}, &out); err != nil {
		return domain.LotSize{}, err
	}
	for _, s := range out.Symbols {
		if s.Symbol != symbol {
			continue
		}
		for _, f := range s.Filters {
			if f.FilterType != "LOT_SIZE" {
				continue
			}
			return parseLotSize(f)
		}
	}
	return domain.LotSize{}, errors.Errorf("exchangeInfo: no LOT_SIZE filter for %s", symbol)
}

func parseLotSize(f symbolFilter) (domain.LotSize, error) {
	var (
		lot domain.LotSize
		err error
	)
	if lot.MinQty, err = decimal.NewFromString(f.MinQty); err != nil {
		return lot, errors.Wrap(err, "minQty")
	}
	if lot.MaxQty, err = decimal.NewFromString(f.MaxQty); err != nil {
		return lot, errors.Wrap(err, "maxQty")
	}
	if lot.StepSize, err = decimal.NewFromString(f.StepSize); err != nil {
		return lot, errors.Wrap(err, "stepSize")
	}
	return lot, nil
}

// OrderBook returns a depth snapshot of symbol.
func (c *Client) OrderBook(ctx context.Context, symbol string, limit int) (*domain.OrderBook, error) {
	params := url.Values{"symbol": {symbol}, "limit": {strconv.Itoa(limit)}}
	var out domain.OrderBook
	if err := c.doPublic(ctx, "depth", pathDepth, params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// LimitOrder describes a GTC limit order.
type LimitOrder struct {
	Symbol        string
	Side          string // BUY or SELL
	Quantity      string
	Price         string
	ClientOrderID string
}

// PlaceLimitOrder places a GTC limit order.
func (c *Client) PlaceLimitOrder(ctx context.Context, o LimitOrder) (*domain.SpotOrder, error) {
	params := url.Values{
		"symbol":      {o.Symbol},
		"side":        {o.Side},
		"type":        {"LIMIT"},
		"timeInForce": {"GTC"},
		"quantity":    {o.Quantity},
		"price":       {o.Price},
	}
	if o.ClientOrderID != "" {
		params.Set("newClientOrderId", o.ClientOrderID)
	}
	var out domain.SpotOrder
	if _, err := c.doSigned(ctx, "placeOrder", http.MethodPost, pathOrder, params, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelOrder cancels a spot order by exchange id.
func (c *Client) CancelOrder(ctx context.Context, symbol string, orderID int64) (*domain.SpotOrder, error) {
	params := url.Values{"symbol": {symbol}, "orderId": {strconv.FormatInt(orderID, 10)}}
	var out domain.SpotOrder
	if _, err := c.doSigned(ctx, "cancelOrder", http.MethodDelete, pathOrder, params, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// OpenOrders lists open spot orders of symbol.
func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]domain.SpotOrder, error) {
	var out []domain.SpotOrder
	if _, err := c.doSigned(ctx, "openOrders", http.MethodGet, pathOpenOrders, url.Values{"symbol": {symbol}}, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}
