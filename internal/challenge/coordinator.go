package challenge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/p2prelease/internal/common"
	"github.com/betbot/p2prelease/internal/domain"
	"github.com/betbot/p2prelease/internal/exchange"
	"github.com/betbot/p2prelease/pkg/logger"
)

// State is a node of the release challenge state machine.
type State string

const (
	StateIdle           State = "IDLE"
	StateConfirming     State = "CONFIRMING"
	StateStepsLoaded    State = "STEPS_LOADED"
	StateEmailRequested State = "EMAIL_REQUESTED"
	StateEmailVerified  State = "EMAIL_VERIFIED"
	StateGoogleVerified State = "GOOGLE_VERIFIED"
	StateTokenObtained  State = "TOKEN_OBTAINED"
	StateConfirmed      State = "CONFIRMED"
	StateFailed         State = "FAILED"
)

// Step names used in errors and logs.
const (
	StepConfirm     = "confirm"
	StepGetSteps    = "getSteps"
	StepSendEmail   = "sendEmailCode"
	StepEmailCode   = "fetchEmailCode"
	StepVerifyEmail = "verifyEmail"
	StepTOTPCode    = "totpCode"
	StepVerifyTOTP  = "verifyGoogle"
	StepToken       = "getChallengeToken"
	StepFinal       = "finalConfirm"
)

var (
	// ErrUnsupportedStep is returned when the challenge requires a factor the bot cannot provide.
	ErrUnsupportedStep = errors.New("unsupported challenge step")
	// ErrProviderMissing is returned when a required factor has no code provider configured.
	ErrProviderMissing = errors.New("verification code provider not configured")
)

// StepError reports which step of a release attempt failed.
type StepError struct {
	OrderNumber string
	Step        string
	Err         error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("release %s failed at %s: %v", e.OrderNumber, e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Rejected reports whether the exchange answered and refused the step, as opposed to a
// transport failure or a local problem.
func (e *StepError) Rejected() bool { return exchange.IsRejected(e.Err) }

// API is the exchange surface a release needs.
type API interface {
	ConfirmOrderPayed(ctx context.Context, orderNumber, bizNo, token string) (string, error)
	GetSteps(ctx context.Context, bizNo string) ([]domain.VerifyType, error)
	SendEmailVerifyCode(ctx context.Context, bizNo string) error
	VerifySingleFactor(ctx context.Context, bizNo string, verifyType domain.VerifyType, code string) error
	GetChallengeToken(ctx context.Context, bizNo string) (string, error)
}

// EmailCodeProvider yields the code the exchange mailed for the current challenge.
type EmailCodeProvider interface {
	FetchCode(ctx context.Context) (string, error)
}

// TOTPProvider yields a current authenticator code.
type TOTPProvider interface {
	Code(ctx context.Context) (string, error)
}

// Delays pace the challenge calls. The exchange rejects sequences that arrive too fast.
type Delays struct {
	Settle        time.Duration // after each step submission
	EmailDelivery time.Duration // between requesting the email code and reading the mailbox
}

// DefaultDelays are the pacing delays used in production.
var DefaultDelays = Delays{Settle: 1500 * time.Millisecond, EmailDelivery: 15 * time.Second}

// Attempt is the record of one release attempt.
type Attempt struct {
	OrderNumber    string
	BizNo          string
	RequiredSteps  []domain.VerifyType
	ChallengeToken string
	State          State
	History        []State
	StartedAt      time.Time
	FinishedAt     time.Time
}

func (a *Attempt) has(v domain.VerifyType) bool {
	for _, s := range a.RequiredSteps {
		if s == v {
			return true
		}
	}
	return false
}

// Observer is notified of every state change.
type Observer func(a Attempt, from, to State)

// Coordinator drives one release through the exchange risk challenge.
type Coordinator struct {
	api      API
	email    EmailCodeProvider
	totp     TOTPProvider
	delays   Delays
	sleep    common.SleepFunc
	now      func() time.Time
	observer Observer
	log      *logrus.Entry
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

func WithDelays(d Delays) Option            { return func(c *Coordinator) { c.delays = d } }
func WithSleep(s common.SleepFunc) Option   { return func(c *Coordinator) { c.sleep = s } }
func WithObserver(o Observer) Option        { return func(c *Coordinator) { c.observer = o } }
func WithLogger(l *logrus.Entry) Option     { return func(c *Coordinator) { c.log = l } }
func WithClock(now func() time.Time) Option { return func(c *Coordinator) { c.now = now } }

func NewCoordinator(api API, email EmailCodeProvider, totp TOTPProvider, opts ...Option) *Coordinator {
	c := &Coordinator{
		api:    api,
		email:  email,
		totp:   totp,
		delays: DefaultDelays,
		sleep:  common.Sleep,
		now:    time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	c.log = logger.OrDefault(c.log, "challenge")
	return c
}

// Release confirms payment of orderNumber, answering the risk challenge when one is raised.
// Factors are always satisfied EMAIL first, then GOOGLE. Any failure abandons the attempt;
// the returned Attempt ends in StateFailed and the error is a *StepError.
func (c *Coordinator) Release(ctx context.Context, orderNumber string) (*Attempt, error) {
	a := &Attempt{OrderNumber: orderNumber, State: StateIdle, History: []State{StateIdle}, StartedAt: c.now()}
	log := c.log.WithField("order", orderNumber)
	log.Info("releasing order")

	c.transition(a, StateConfirming)
	bizNo, err := c.api.ConfirmOrderPayed(ctx, orderNumber, "", "")
	if err != nil {
		return c.fail(a, StepConfirm, err)
	}
	if bizNo == "" {
		c.transition(a, StateConfirmed)
		log.Info("order confirmed without challenge")
		return a, nil
	}
	a.BizNo = bizNo
	log = log.WithField("bizNo", bizNo)
	if err := c.sleep(ctx, c.delays.Settle); err != nil {
		return c.fail(a, StepGetSteps, err)
	}

	steps, err := c.api.GetSteps(ctx, bizNo)
	if err != nil {
		return c.fail(a, StepGetSteps, err)
	}
	for _, s := range steps {
		if !s.Known() {
			return c.fail(a, StepGetSteps, fmt.Errorf("%w: %s", ErrUnsupportedStep, s))
		}
	}
	a.RequiredSteps = steps
	c.transition(a, StateStepsLoaded)
	log.Infof("challenge steps %v", steps)
	if err := c.sleep(ctx, c.delays.Settle); err != nil {
		return c.fail(a, StepGetSteps, err)
	}

	if a.has(domain.VerifyTypeEmail) {
		if c.email == nil {
			return c.fail(a, StepEmailCode, ErrProviderMissing)
		}
		if err := c.api.SendEmailVerifyCode(ctx, bizNo); err != nil {
			return c.fail(a, StepSendEmail, err)
		}
		c.transition(a, StateEmailRequested)
		if err := c.sleep(ctx, c.delays.EmailDelivery); err != nil {
			return c.fail(a, StepEmailCode, err)
		}
		code, err := c.email.FetchCode(ctx)
		if err != nil {
			return c.fail(a, StepEmailCode, err)
		}
		if err := c.api.VerifySingleFactor(ctx, bizNo, domain.VerifyTypeEmail, code); err != nil {
			return c.fail(a, StepVerifyEmail, err)
		}
		c.transition(a, StateEmailVerified)
	}

	if a.has(domain.VerifyTypeGoogle) {
		if c.totp == nil {
			return c.fail(a, StepTOTPCode, ErrProviderMissing)
		}
		if err := c.sleep(ctx, c.delays.Settle); err != nil {
			return c.fail(a, StepTOTPCode, err)
		}
		code, err := c.totp.Code(ctx)
		if err != nil {
			return c.fail(a, StepTOTPCode, err)
		}
		if err := c.api.VerifySingleFactor(ctx, bizNo, domain.VerifyTypeGoogle, code); err != nil {
			return c.fail(a, StepVerifyTOTP, err)
		}
		c.transition(a, StateGoogleVerified)
	}

	if err := c.sleep(ctx, c.delays.Settle); err != nil {
		return c.fail(a, StepToken, err)
	}
	token, err := c.api.GetChallengeToken(ctx, bizNo)
	if err != nil {
		return c.fail(a, StepToken, err)
	}
	a.ChallengeToken = token
	c.transition(a, StateTokenObtained)

	if err := c.sleep(ctx, c.delays.Settle); err != nil {
		return c.fail(a, StepFinal, err)
	}
	if _, err := c.api.ConfirmOrderPayed(ctx, orderNumber, bizNo, token); err != nil {
		return c.fail(a, StepFinal, err)
	}
	c.transition(a, StateConfirmed)
	log.Info("order released")
	return a, nil
}

func (c *Coordinator) transition(a *Attempt, to State) {
	from := a.State
	a.State = to
	a.History = append(a.History, to)
	if to == StateConfirmed || to == StateFailed {
		a.FinishedAt = c.now()
	}
	c.log.WithField("order", a.OrderNumber).Debugf("challenge %s -> %s", from, to)
	if c.observer != nil {
		c.observer(*a, from, to)
	}
}

func (c *Coordinator) fail(a *Attempt, step string, err error) (*Attempt, error) {
	c.transition(a, StateFailed)
	se := &StepError{OrderNumber: a.OrderNumber, Step: step, Err: err}
	c.log.WithFields(logrus.Fields{"order": a.OrderNumber, "step": step, "bizNo": a.BizNo}).
		WithError(err).Error("release attempt failed")
	return a, se
}
