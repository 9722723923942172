package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/p2prelease/internal/domain"
	"github.com/betbot/p2prelease/pkg/logger"
)

const (
	DefaultTimeout = 10 * time.Second

	pathAuth            = "/auth"
	pathHistory         = "/orders/p2p/history"
	pathUpdateBuyerName = "/orders/p2p/update-buyer-name/"

	statusBuyerPayed = "BUYER_PAYED"
	statusReconciled = "RECONCILED"
	historyPageSize  = 100
)

// Config locates the approval backend and its service account.
type Config struct {
	BaseURL   string
	Email     string
	Password  string
	CompanyID string
	Timeout   time.Duration
}

// APIError is a rejection from the approval backend.
type APIError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("approval %s: status=%d: %s", e.Op, e.StatusCode, e.Message)
}

// Client is the approval backend client. The bearer token is fetched lazily and reused
// until the backend answers 401.
type Client struct {
	http  *resty.Client
	cfg   Config
	log   *logrus.Entry
	mu    sync.Mutex
	token string
}

func New(cfg Config, log *logrus.Entry) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	rc := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	return &Client{http: rc, cfg: cfg, log: logger.OrDefault(log, "approval")}
}

// Login authenticates the service account and caches the token.
func (c *Client) Login(ctx context.Context) (string, error) {
	var out struct {
		Token   string `json:"token"`
		Message string `json:"message"`
	}
	resp, err := c.http.R().SetContext(ctx).
		SetBody(map[string]string{"email": c.cfg.Email, "password": c.cfg.Password}).
		Post(pathAuth)
	if err != nil {
		return "", errors.Wrap(err, "approval auth")
	}
	if !resp.IsSuccess() {
		return "", &APIError{Op: "auth", StatusCode: resp.StatusCode(), Message: messageOf(resp.Body())}
	}
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return "", errors.Wrap(err, "approval auth: decode")
	}
	if out.Token == "" {
		msg := out.Message
		if msg == "" {
			msg = "empty token"
		}
		return "", &APIError{Op: "auth", StatusCode: resp.StatusCode(), Message: msg}
	}

	c.mu.Lock()
	c.token = out.Token
	c.mu.Unlock()
	c.log.Debug("approval token refreshed")
	return out.Token, nil
}

func (c *Client) bearer(ctx context.Context) (string, error) {
	c.mu.Lock()
	tok := c.token
	c.mu.Unlock()
	if tok != "" {
		return tok, nil
	}
	return c.Login(ctx)
}

func (c *Client) dropToken() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

// authorized sends an authenticated request. A 401 drops the cached token so the next
// call logs in again; the request itself is not retried.
func (c *Client) authorized(ctx context.Context, op, method, target string, body any) (*resty.Response, error) {
	tok, err := c.bearer(ctx)
	if err != nil {
		return nil, err
	}
	r := c.http.R().SetContext(ctx).SetAuthToken(tok)
	if body != nil {
		r.SetBody(body)
	}
	resp, err := r.Execute(method, target)
	if err != nil {
		return nil, errors.Wrapf(err, "approval %s", op)
	}
	if resp.StatusCode() == http.StatusUnauthorized {
		c.dropToken()
	}
	if !resp.IsSuccess() {
		return resp, &APIError{Op: op, StatusCode: resp.StatusCode(), Message: messageOf(resp.Body())}
	}
	return resp, nil
}

// ListApprovedOrders returns the buyer-paid, reconciled orders of the company, newest
// first as the backend returns them.
func (c *Client) ListApprovedOrders(ctx context.Context) ([]domain.ReleaseCandidate, error) {
	params := url.Values{
		"companyIds[]":    {c.cfg.CompanyID},
		"orderStatuses[]": {statusBuyerPayed},
		"statuses[]":      {statusReconciled},
		"pageSize":        {fmt.Sprint(historyPageSize)},
		"pageIndex":       {"0"},
	}
	resp, err := c.authorized(ctx, "history", http.MethodGet, pathHistory+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Data []domain.ReleaseCandidate `json:"data"`
	}
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, errors.Wrap(err, "approval history: decode")
	}
	return out.Data, nil
}

// UpdateBuyerName records the counterparty name of an order.
func (c *Client) UpdateBuyerName(ctx context.Context, orderNumber, buyerName string) error {
	resp, err := c.authorized(ctx, "updateBuyerName", http.MethodPatch,
		pathUpdateBuyerName+url.PathEscape(orderNumber), map[string]string{"buyerName": buyerName})
	if err != nil {
		return err
	}
	var out struct {
		OK      bool   `json:"ok"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return errors.Wrap(err, "approval updateBuyerName: decode")
	}
	if !out.OK {
		return &APIError{Op: "updateBuyerName", StatusCode: resp.StatusCode(), Message: out.Message}
	}
	return nil
}

func messageOf(body []byte) string {
	var m struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &m); err == nil && m.Message != "" {
		return m.Message
	}
	return strings.TrimSpace(string(body))
}
