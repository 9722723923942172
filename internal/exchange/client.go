package exchange

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/p2prelease/pkg/logger"
)

const (
	DefaultAPIBaseURL     = "https://api.binance.com"
	DefaultConsoleBaseURL = "https://c2c-admin.binance.com"
	DefaultTimeout        = 30 * time.Second
)

// Config configures both transports of the client.
type Config struct {
	APIBaseURL     string
	ConsoleBaseURL string
	APIKey         string
	APISecret      string
	Timeout        time.Duration
	// RecvWindow in milliseconds; 0 leaves it to the exchange default.
	RecvWindow int64
}

// Client talks to the exchange in two modes: signed API-key calls against the public API
// and browser-session calls against the merchant console. It never retries; callers decide.
type Client struct {
	api     *resty.Client
	console *resty.Client
	signer  *Signer
	apiKey  string
	recv    int64
	session SessionSource
	log     *logrus.Entry
}

func newResty(base string, timeout time.Duration) *resty.Client {
	return resty.New().
		SetBaseURL(strings.TrimRight(base, "/")).
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("Accept", "application/json, text/plain, */*").
		SetHeader("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0 Safari/537.36")
}

// New builds a client. session may be nil when only API-key endpoints are used.
func New(cfg Config, session SessionSource, log *logrus.Entry) *Client {
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = DefaultAPIBaseURL
	}
	if cfg.ConsoleBaseURL == "" {
		cfg.ConsoleBaseURL = DefaultConsoleBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if session == nil {
		session = &BrowserSession{APIKey: cfg.APIKey}
	}
	return &Client{
		api:     newResty(cfg.APIBaseURL, cfg.Timeout),
		console: newResty(cfg.ConsoleBaseURL, cfg.Timeout),
		signer:  NewSigner(cfg.APISecret),
		apiKey:  cfg.APIKey,
		recv:    cfg.RecvWindow,
		session: session,
		log:     logger.OrDefault(log, "exchange"),
	}
}

// ServerTime returns the exchange clock in epoch millis.
func (c *Client) ServerTime(ctx context.Context) (int64, error) {
	var out struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := c.doPublic(ctx, "serverTime", "/api/v3/time", nil, &out); err != nil {
		return 0, err
	}
	return out.ServerTime, nil
}

func (c *Client) doPublic(ctx context.Context, op, path string, params url.Values, out any) error {
	target := path
	if len(params) > 0 {
		target += "?" + params.Encode()
	}
	resp, err := c.api.R().SetContext(ctx).Get(target)
	return decodeRaw(op, resp, err, out)
}

// doSigned stamps params with the server time, signs them and sends the request.
func (c *Client) doSigned(ctx context.Context, op, method, path string, params url.Values, body any, out any) (*resty.Response, error) {
	ts, err := c.ServerTime(ctx)
	if err != nil {
		return nil, errors.Wrap(err, op)
	}
	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", strconv.FormatInt(ts, 10))
	if c.recv > 0 {
		params.Set("recvWindow", strconv.FormatInt(c.recv, 10))
	}

	r := c.api.R().SetContext(ctx).SetHeader("X-MBX-APIKEY", c.apiKey)
	if body != nil {
		r.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	resp, err := r.Execute(method, path+"?"+c.signer.SignedQuery(params))
	return resp, decodeRaw(op, resp, err, out)
}

// doConsole sends a merchant console call with the current session headers and decodes
// the {success, data} envelope; data goes into out.
func (c *Client) doConsole(ctx context.Context, op, method, path string, params url.Values, body any, extra map[string]string, out any) (*resty.Response, error) {
	headers, err := c.session.Headers(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: load session", op)
	}
	r := c.console.R().SetContext(ctx).SetHeaders(headers)
	for k, v := range extra {
		r.SetHeader(k, v)
	}
	if body != nil {
		r.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	target := path
	if len(params) > 0 {
		target += "?" + params.Encode()
	}
	resp, err := r.Execute(method, target)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	if !resp.IsSuccess() {
		return resp, apiErrorFromBody(op, resp.StatusCode(), resp.Body())
	}
	if err := decodeEnvelope(op, resp, out); err != nil {
		return resp, err
	}
	return resp, nil
}

func decodeRaw(op string, resp *resty.Response, err error, out any) error {
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	if !resp.IsSuccess() {
		return apiErrorFromBody(op, resp.StatusCode(), resp.Body())
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return &TransportError{Op: op, Err: errors.Wrap(err, "decode response")}
	}
	return nil
}

func decodeEnvelope(op string, resp *resty.Response, out any) error {
	var env envelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return &TransportError{Op: op, Err: errors.Wrap(err, "decode envelope")}
	}
	if env.Success != nil && !*env.Success {
		return &APIError{Op: op, StatusCode: resp.StatusCode(), Code: env.code(), Message: env.message()}
	}
	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return &TransportError{Op: op, Err: errors.Wrap(err, "decode data")}
	}
	return nil
}

// signedEnvelope is doSigned for sapi endpoints that wrap their payload in an envelope.
func (c *Client) signedEnvelope(ctx context.Context, op, method, path string, params url.Values, body any, out any) error {
	var raw json.RawMessage
	resp, err := c.doSigned(ctx, op, method, path, params, body, &raw)
	if err != nil {
		return err
	}
	return decodeEnvelope(op, resp, out)
}
