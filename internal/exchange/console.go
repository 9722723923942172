package exchange

import (
	"context"
	"net/http"
	"net/url"

	"github.com/betbot/p2prelease/internal/domain"
)

const (
	pathMerchantOrders   = "/bapi/c2c/v1/private/c2c/order-match/getOrderMatchListByMerchant"
	pathConfirmOrderPaid = "/bapi/c2c/v1/private/c2c/order-match/confirm-order-payed"
	pathChallengeSteps   = "/bapi/accounts/v1/protect/risk/challenge/getSteps"
	pathSendEmailCode    = "/bapi/accounts/v2/protect/account/email/sendEmailVerifyCode"
	pathVerifyFactor     = "/bapi/accounts/v1/private/risk/challenge/verifySingleFactor"
	pathChallengeToken   = "/bapi/accounts/v1/private/risk/challenge/getChallengeToken"

	// Header names the console uses to carry the risk challenge session.
	HeaderChallengeBizNo = "risk_challenge_biz_no"
	HeaderChallengeToken = "risk_challenge_token"
)

// activeOrderStatuses are the console status codes of orders still awaiting action.
var activeOrderStatuses = []string{"1", "2", "3", "5"}

// ListMerchantPendingOrders returns the merchant's active orders (first page, 10 rows).
func (c *Client) ListMerchantPendingOrders(ctx context.Context) ([]domain.MerchantOrder, error) {
	body := map[string]any{
		"page":            1,
		"rows":            10,
		"orderStatusList": activeOrderStatuses,
	}
	var out []domain.MerchantOrder
	if _, err := c.doConsole(ctx, "listMerchantPendingOrders", http.MethodPost, pathMerchantOrders, nil, body, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ConfirmOrderPayed submits the release confirmation. Without bizNo/token it is the initial
// call and returns the challenge session id from the response header (empty when the
// exchange confirmed without a challenge). With them it is the final confirmation.
func (c *Client) ConfirmOrderPayed(ctx context.Context, orderNumber, bizNo, token string) (string, error) {
	var extra map[string]string
	if bizNo != "" && token != "" {
		extra = map[string]string{
			HeaderChallengeBizNo: bizNo,
			HeaderChallengeToken: token,
		}
	}
	resp, err := c.doConsole(ctx, "confirmOrderPayed", http.MethodPost, pathConfirmOrderPaid, nil,
		map[string]string{"orderNumber": orderNumber}, extra, nil)
	if err != nil {
		return "", err
	}
	next := resp.Header().Get(HeaderChallengeBizNo)
	c.log.WithField("order", orderNumber).Debugf("confirm-order-payed ok, bizNo=%q", next)
	return next, nil
}

// GetSteps returns the verification factors the challenge requires.
func (c *Client) GetSteps(ctx context.Context, bizNo string) ([]domain.VerifyType, error) {
	var out struct {
		ChallengeSteps []struct {
			StepList []domain.VerifyType `json:"stepList"`
		} `json:"challengeSteps"`
	}
	params := url.Values{"bizNo": {bizNo}}
	if _, err := c.doConsole(ctx, "getSteps", http.MethodGet, pathChallengeSteps, params, nil, nil, &out); err != nil {
		return nil, err
	}
	if len(out.ChallengeSteps) == 0 {
		return nil, nil
	}
	return out.ChallengeSteps[0].StepList, nil
}

// SendEmailVerifyCode asks the exchange to mail a release code for the challenge.
func (c *Client) SendEmailVerifyCode(ctx context.Context, bizNo string) error {
	body := map[string]any{
		"bizScene": domain.ChallengeBizType,
		"resend":   false,
		"bizNo":    bizNo,
	}
	_, err := c.doConsole(ctx, "sendEmailVerifyCode", http.MethodPost, pathSendEmailCode, nil, body, nil, nil)
	return err
}

// VerifySingleFactor submits one factor's code.
func (c *Client) VerifySingleFactor(ctx context.Context, bizNo string, verifyType domain.VerifyType, code string) error {
	body := map[string]any{
		"bizNo":      bizNo,
		"bizType":    domain.ChallengeBizType,
		"verifyType": verifyType,
		"verifyCode": code,
	}
	_, err := c.doConsole(ctx, "verifySingleFactor", http.MethodPost, pathVerifyFactor, nil, body, nil, nil)
	return err
}

// GetChallengeToken exchanges a fully verified challenge for its token.
func (c *Client) GetChallengeToken(ctx context.Context, bizNo string) (string, error) {
	var out struct {
		ChallengeToken string `json:"challengeToken"`
	}
	params := url.Values{"bizNo": {bizNo}}
	if _, err := c.doConsole(ctx, "getChallengeToken", http.MethodGet, pathChallengeToken, params, nil, nil, &out); err != nil {
		return "", err
	}
	if out.ChallengeToken == "" {
		return "", &APIError{Op: "getChallengeToken", StatusCode: http.StatusOK, Message: "empty challenge token"}
	}
	return out.ChallengeToken, nil
}
