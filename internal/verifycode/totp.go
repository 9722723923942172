package verifycode

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/betbot/p2prelease/internal/common"
)

// ErrTOTPNotConfigured is returned when no authenticator secret is set.
var ErrTOTPNotConfigured = errors.New("totp secret not configured")

const totpPeriod = 30

// TOTPProvider generates authenticator codes (SHA1, 6 digits, 30s period).
type TOTPProvider struct {
	secret    string
	guardWait time.Duration
	now       func() time.Time
	sleep     common.SleepFunc
}

// NewTOTPProvider builds a provider for a base32 secret. guardWait <= 0 defaults to 5s.
func NewTOTPProvider(secret string, guardWait time.Duration) *TOTPProvider {
	if guardWait <= 0 {
		guardWait = 5 * time.Second
	}
	return &TOTPProvider{
		secret:    strings.ReplaceAll(strings.TrimSpace(secret), " ", ""),
		guardWait: guardWait,
		now:       time.Now,
		sleep:     common.Sleep,
	}
}

// nearRollover reports whether a code generated now would expire before it can be submitted.
func nearRollover(sec int) bool {
	return (sec > 25 && sec <= 29) || (sec > 55 && sec <= 59)
}

// Code returns a freshly generated code. Close to a period boundary it first waits for
// the next period.
func (p *TOTPProvider) Code(ctx context.Context) (string, error) {
	if p.secret == "" {
		return "", ErrTOTPNotConfigured
	}
	if nearRollover(p.now().Second()) {
		if err := p.sleep(ctx, p.guardWait); err != nil {
			return "", err
		}
	}
	return totp.GenerateCodeCustom(p.secret, p.now(), totp.ValidateOpts{
		Period:    totpPeriod,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
}
