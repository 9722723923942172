package exchange

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/p2prelease/internal/domain"
)

const (
	testKey    = "test-api-key"
	testSecret = "test-api-secret"
	serverTime = int64(1700000000000)
)

type recorded struct {
	method  string
	path    string
	query   string
	headers http.Header
	body    map[string]any
}

type fakeExchange struct {
	mu       sync.Mutex
	calls    []recorded
	handlers map[string]http.HandlerFunc
}

func newFakeExchange(t *testing.T) (*fakeExchange, *httptest.Server) {
	t.Helper()
	f := &fakeExchange{handlers: map[string]http.HandlerFunc{}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recorded{method: r.Method, path: r.URL.Path, query: r.URL.RawQuery, headers: r.Header.Clone()}
		if b, _ := io.ReadAll(r.Body); len(b) > 0 {
			_ = json.Unmarshal(b, &rec.body)
		}
		f.mu.Lock()
		f.calls = append(f.calls, rec)
		h := f.handlers[r.URL.Path]
		f.mu.Unlock()
		if r.URL.Path == "/api/v3/time" && h == nil {
			_, _ = w.Write([]byte(`{"serverTime":1700000000000}`))
			return
		}
		if h == nil {
			http.NotFound(w, r)
			return
		}
		h(w, r)
	}))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeExchange) handle(path string, h http.HandlerFunc) {
	f.mu.Lock()
	f.handlers[path] = h
	f.mu.Unlock()
}

func (f *fakeExchange) last(path string) recorded {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.calls) - 1; i >= 0; i-- {
		if f.calls[i].path == path {
			return f.calls[i]
		}
	}
	return recorded{}
}

func newTestClient(srv *httptest.Server, session SessionSource) *Client {
	return New(Config{
		APIBaseURL:     srv.URL,
		ConsoleBaseURL: srv.URL,
		APIKey:         testKey,
		APISecret:      testSecret,
		Timeout:        2 * time.Second,
	}, session, nil)
}

func writeJSON(w http.ResponseWriter, v string) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(v))
}

func TestSigner_KnownVector(t *testing.T) {
	s := NewSigner("NhqPtmdSJYdKjVHjA7PZj4Mge3R5YNiP1e3UZjInClVN65XAbvqqM6A7H5fATj0j")
	got := s.Sign("symbol=LTCBTC&side=BUY&type=LIMIT&timeInForce=GTC&quantity=1&price=0.1&recvWindow=5000&timestamp=1499827319559")
	assert.Equal(t, "c8db56825ae71d6d79447849e617115f4a920fa2acdcab2b053c4b2838bd6b71", got)
}

func TestListOrderHistory_SignsWithServerTime(t *testing.T) {
	f, srv := newFakeExchange(t)
	f.handle(pathOrderHistory, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, `{"code":"000000","message":"success","success":true,"data":[
			{"orderNumber":"1","tradeType":"SELL","asset":"USDT","amount":"10.5","unitPrice":"5.1","totalPrice":"53.55","orderStatus":"COMPLETED","createTime":1700000000000}]}`)
	})
	c := newTestClient(srv, nil)

	orders, err := c.ListOrderHistory(context.Background(), domain.TradeTypeSell, 1, 100)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, domain.OrderStatusCompleted, orders[0].OrderStatus)

	call := f.last(pathOrderHistory)
	assert.Equal(t, testKey, call.headers.Get("X-MBX-APIKEY"))
	q, err := url.ParseQuery(call.query)
	require.NoError(t, err)
	assert.Equal(t, "1700000000000", q.Get("timestamp"))
	assert.Equal(t, "SELL", q.Get("tradeType"))
	assert.Equal(t, "100", q.Get("rows"))

	i := strings.LastIndex(call.query, "&signature=")
	require.Positive(t, i)
	assert.Equal(t, NewSigner(testSecret).Sign(call.query[:i]), call.query[i+len("&signature="):])
}

func TestSignedCall_RejectedByExchange(t *testing.T) {
	f, srv := newFakeExchange(t)
	f.handle(pathOrderHistory, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		writeJSON(w, `{"code":-1021,"msg":"Timestamp for this request is outside of the recvWindow."}`)
	})
	c := newTestClient(srv, nil)

	_, err := c.ListOrderHistory(context.Background(), domain.TradeTypeSell, 1, 100)
	require.Error(t, err)
	assert.True(t, IsRejected(err))
	assert.Contains(t, err.Error(), "outside of the recvWindow")
	assert.Contains(t, err.Error(), "-1021")
}

func TestSignedCall_ServerTimeFailureIsTransport(t *testing.T) {
	_, srv := newFakeExchange(t)
	c := newTestClient(srv, nil)
	srv.Close()

	_, err := c.ListOrderHistory(context.Background(), domain.TradeTypeSell, 1, 100)
	require.Error(t, err)
	assert.True(t, IsTransport(err))
	assert.False(t, IsRejected(err))
}

func TestConfirmOrderPayed_ReturnsChallengeSession(t *testing.T) {
	f, srv := newFakeExchange(t)
	f.handle(pathConfirmOrderPaid, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(HeaderChallengeToken) == "" {
			w.Header().Set(HeaderChallengeBizNo, "biz-123")
		}
		writeJSON(w, `{"success":true,"data":null}`)
	})
	c := newTestClient(srv, StaticSession{"cookie": "p20t=1", "csrftoken": "abc"})
	ctx := context.Background()

	bizNo, err := c.ConfirmOrderPayed(ctx, "22700001", "", "")
	require.NoError(t, err)
	assert.Equal(t, "biz-123", bizNo)

	first := f.last(pathConfirmOrderPaid)
	assert.Equal(t, "22700001", first.body["orderNumber"])
	assert.Equal(t, "p20t=1", first.headers.Get("cookie"))
	assert.Empty(t, first.headers.Get(HeaderChallengeBizNo))

	next, err := c.ConfirmOrderPayed(ctx, "22700001", "biz-123", "tok-9")
	require.NoError(t, err)
	assert.Empty(t, next)
	final := f.last(pathConfirmOrderPaid)
	assert.Equal(t, "biz-123", final.headers.Get(HeaderChallengeBizNo))
	assert.Equal(t, "tok-9", final.headers.Get(HeaderChallengeToken))
}

func TestConsoleCall_SuccessFalseCarriesUpstreamMessage(t *testing.T) {
	f, srv := newFakeExchange(t)
	f.handle(pathVerifyFactor, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, `{"success":false,"code":"001019","message":"Invalid verification code"}`)
	})
	c := newTestClient(srv, StaticSession{})

	err := c.VerifySingleFactor(context.Background(), "biz", domain.VerifyTypeEmail, "000000")
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "Invalid verification code", apiErr.Message)
	assert.Equal(t, "001019", apiErr.Code)

	body := f.last(pathVerifyFactor).body
	assert.Equal(t, "C2C_RELEASE_CURRENCY", body["bizType"])
	assert.Equal(t, "EMAIL", body["verifyType"])
}

func TestChallengeEndpoints(t *testing.T) {
	f, srv := newFakeExchange(t)
	f.handle(pathChallengeSteps, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "biz-1", r.URL.Query().Get("bizNo"))
		writeJSON(w, `{"success":true,"data":{"challengeSteps":[{"stepList":["EMAIL","GOOGLE"]}]}}`)
	})
	f.handle(pathSendEmailCode, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, `{"success":true}`)
	})
	f.handle(pathChallengeToken, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, `{"success":true,"data":{"challengeToken":"tok"}}`)
	})
	f.handle(pathMerchantOrders, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, `{"success":true,"data":[{"orderNumber":"A"},{"orderNumber":"B"}]}`)
	})
	c := newTestClient(srv, StaticSession{})
	ctx := context.Background()

	steps, err := c.GetSteps(ctx, "biz-1")
	require.NoError(t, err)
	assert.Equal(t, []domain.VerifyType{domain.VerifyTypeEmail, domain.VerifyTypeGoogle}, steps)

	require.NoError(t, c.SendEmailVerifyCode(ctx, "biz-1"))
	sent := f.last(pathSendEmailCode).body
	assert.Equal(t, "C2C_RELEASE_CURRENCY", sent["bizScene"])
	assert.Equal(t, false, sent["resend"])

	tok, err := c.GetChallengeToken(ctx, "biz-1")
	require.NoError(t, err)
	assert.Equal(t, "tok", tok)

	active, err := c.ListMerchantPendingOrders(ctx)
	require.NoError(t, err)
	assert.True(t, domain.ContainsOrder(active, "B"))
	list := f.last(pathMerchantOrders).body
	assert.Equal(t, []any{"1", "2", "3", "5"}, list["orderStatusList"])
}

func TestSpotEndpoints(t *testing.T) {
	f, srv := newFakeExchange(t)
	f.handle(pathExchangeInfo, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, `{"symbols":[{"symbol":"USDTBRL","filters":[
			{"filterType":"PRICE_FILTER","tickSize":"0.001"},
			{"filterType":"LOT_SIZE","minQty":"1.00000000","maxQty":"9000000.00000000","stepSize":"0.10000000"}]}]}`)
	})
	f.handle(pathDepth, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, `{"lastUpdateId":7,"bids":[["5.420","10"]],"asks":[["5.431","3"],["5.432","9"]]}`)
	})
	f.handle(pathOrder, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, `{"symbol":"USDTBRL","orderId":99,"clientOrderId":"cid","status":"NEW"}`)
	})
	c := newTestClient(srv, nil)
	ctx := context.Background()

	lot, err := c.LotSize(ctx, "USDTBRL")
	require.NoError(t, err)
	assert.True(t, lot.StepSize.Equal(decimal.RequireFromString("0.1")))
	assert.True(t, lot.MinQty.Equal(decimal.NewFromInt(1)))

	book, err := c.OrderBook(ctx, "USDTBRL", 10)
	require.NoError(t, err)
	ask, ok := book.BestAsk()
	require.True(t, ok)
	assert.Equal(t, "5.431", ask.String())

	placed, err := c.PlaceLimitOrder(ctx, LimitOrder{Symbol: "USDTBRL", Side: "BUY", Quantity: "100.5", Price: "5.430", ClientOrderID: "cid"})
	require.NoError(t, err)
	assert.Equal(t, int64(99), placed.OrderID)
	q, _ := url.ParseQuery(f.last(pathOrder).query)
	assert.Equal(t, "LIMIT", q.Get("type"))
	assert.Equal(t, "GTC", q.Get("timeInForce"))
	assert.Equal(t, "100.5", q.Get("quantity"))
	assert.Equal(t, "cid", q.Get("newClientOrderId"))
	assert.NotEmpty(t, q.Get("signature"))

	f.handle(pathOpenOrders, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, `[{"symbol":"USDTBRL","orderId":99,"clientOrderId":"cid","side":"BUY","origQty":"100.5","executedQty":"40.1","status":"PARTIALLY_FILLED"}]`)
	})
	open, err := c.OpenOrders(ctx, "USDTBRL")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "40.1", open[0].ExecutedQty)
	call := f.last(pathOpenOrders)
	assert.Equal(t, http.MethodGet, call.method)
	q, _ = url.ParseQuery(call.query)
	assert.Equal(t, "USDTBRL", q.Get("symbol"))
	assert.NotEmpty(t, q.Get("signature"))

	cancelled, err := c.CancelOrder(ctx, "USDTBRL", 99)
	require.NoError(t, err)
	assert.Equal(t, int64(99), cancelled.OrderID)
	call = f.last(pathOrder)
	assert.Equal(t, http.MethodDelete, call.method)
	q, _ = url.ParseQuery(call.query)
	assert.Equal(t, "99", q.Get("orderId"))
	assert.NotEmpty(t, q.Get("signature"))
}
