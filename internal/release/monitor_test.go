package release

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/p2prelease/internal/challenge"
	"github.com/betbot/p2prelease/internal/common"
	"github.com/betbot/p2prelease/internal/domain"
	"github.com/betbot/p2prelease/internal/lock"
	"github.com/betbot/p2prelease/internal/metrics"
	"github.com/betbot/p2prelease/internal/risk"
)

type candidates struct {
	orders []string
	err    error
}

func (c candidates) ListApprovedOrders(context.Context) ([]domain.ReleaseCandidate, error) {
	out := make([]domain.ReleaseCandidate, len(c.orders))
	for i, n := range c.orders {
		out[i] = domain.ReleaseCandidate{OrderNumber: n, OrderStatus: "BUYER_PAYED", Status: "RECONCILED"}
	}
	return out, c.err
}

type pending struct {
	orders []string
	err    error
	calls  int
}

func (p *pending) ListMerchantPendingOrders(context.Context) ([]domain.MerchantOrder, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	out := make([]domain.MerchantOrder, len(p.orders))
	for i, n := range p.orders {
		out[i] = domain.MerchantOrder{OrderNumber: n, TradeType: "SELL", Asset: "USDT"}
	}
	return out, nil
}

type releaser struct {
	released []string
	fail     map[string]error
	onCall   func(orderNumber string)
}

func (r *releaser) Release(_ context.Context, orderNumber string) (*challenge.Attempt, error) {
	r.released = append(r.released, orderNumber)
	if r.onCall != nil {
		r.onCall(orderNumber)
	}
	if err := r.fail[orderNumber]; err != nil {
		return &challenge.Attempt{OrderNumber: orderNumber, State: challenge.StateFailed}, err
	}
	return &challenge.Attempt{OrderNumber: orderNumber, State: challenge.StateConfirmed}, nil
}

type sleeps struct{ waits []time.Duration }

func (s *sleeps) sleep(ctx context.Context, d time.Duration) error {
	s.waits = append(s.waits, d)
	return ctx.Err()
}

func TestRunOnce_OldestFirstBatchAndPauses(t *testing.T) {
	// Backend lists newest first.
	c := candidates{orders: []string{"5", "4", "3", "2", "1"}}
	p := &pending{orders: []string{"1", "2", "3", "4", "5"}}
	r := &releaser{}
	s := &sleeps{}
	m := NewMonitor(Config{}, Deps{Candidates: c, Pending: p, Releaser: r, Sleep: s.sleep})

	sum, err := m.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2", "3"}, r.released)
	assert.Equal(t, Summary{Candidates: 3, Released: 3}, sum)
	assert.Equal(t, []time.Duration{15 * time.Second, 15 * time.Second}, s.waits, "pause between orders, none after the last")
	assert.Equal(t, 3, p.calls, "pending list is checked for every candidate")
}

func TestRunOnce_NeverReleasesOrdersMissingFromPendingList(t *testing.T) {
	c := candidates{orders: []string{"3", "2", "1"}}
	p := &pending{orders: []string{"2"}}
	r := &releaser{}
	s := &sleeps{}
	m := NewMonitor(Config{}, Deps{Candidates: c, Pending: p, Releaser: r, Sleep: s.sleep})

	sum, err := m.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"2"}, r.released)
	assert.Equal(t, Summary{Candidates: 3, Released: 1, Skipped: 2}, sum)
	assert.Equal(t, []time.Duration{15 * time.Second, 15 * time.Second}, s.waits, "skipped orders are paced too")
}

func TestRunOnce_FailureDoesNotStopBatch(t *testing.T) {
	c := candidates{orders: []string{"2", "1"}}
	p := &pending{orders: []string{"1", "2"}}
	r := &releaser{fail: map[string]error{"1": errors.New("Invalid verification code")}}
	reg := metrics.New()
	m := NewMonitor(Config{}, Deps{Candidates: c, Pending: p, Releaser: r, Sleep: common.NoSleep, Metrics: reg})

	sum, err := m.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, r.released)
	assert.Equal(t, Summary{Candidates: 2, Released: 1, Failed: 1}, sum)

	n, err := testutil.GatherAndCount(reg.Registry(), "release_attempts_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestRunOnce_CandidateFetchError(t *testing.T) {
	m := NewMonitor(Config{}, Deps{Candidates: candidates{err: errors.New("approval down")}, Pending: &pending{}, Releaser: &releaser{}})
	_, err := m.RunOnce(context.Background())
	require.EqualError(t, err, "approval down")
}

func TestRunOnce_PendingListBehindBreaker(t *testing.T) {
	c := candidates{orders: []string{"3", "2", "1"}}
	p := &pending{err: errors.New("502")}
	cb := risk.NewCircuitBreaker(risk.CircuitBreakerConfig{Name: "merchantPending", Threshold: 1, Cooldown: time.Minute})
	r := &releaser{}
	sl := &sleeps{}
	m := NewMonitor(Config{}, Deps{Candidates: c, Pending: p, Releaser: r, Breaker: cb, Sleep: sl.sleep})

	sum, err := m.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Failed)
	assert.Equal(t, 1, p.calls, "breaker opens after the first failure")
	assert.Empty(t, r.released)
	assert.Len(t, sl.waits, 2)
}

func TestRunOnce_LockHeldSkipsOrder(t *testing.T) {
	locker := lock.NewMemoryLocker(1)
	unlock, err := locker.Acquire(context.Background(), "1", time.Minute)
	require.NoError(t, err)
	defer unlock()

	r := &releaser{}
	m := NewMonitor(Config{}, Deps{
		Candidates: candidates{orders: []string{"2", "1"}},
		Pending:    &pending{orders: []string{"1", "2"}},
		Releaser:   r,
		Locker:     locker,
		Sleep:      common.NoSleep,
	})

	sum, err := m.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"2"}, r.released)
	assert.Equal(t, 1, sum.Locked)
}

func TestCycle_StopsBetweenOrdersOnShutdown(t *testing.T) {
	stop, cancel := context.WithCancel(context.Background())
	r := &releaser{onCall: func(string) { cancel() }}
	m := NewMonitor(Config{}, Deps{
		Candidates: candidates{orders: []string{"3", "2", "1"}},
		Pending:    &pending{orders: []string{"1", "2", "3"}},
		Releaser:   r,
		Sleep:      common.NoSleep,
	})

	sum, err := m.cycle(context.Background(), stop)
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, r.released, "the order in flight finishes, the rest wait")
	assert.Equal(t, 1, sum.Released)
}

func TestRun_KeepsGoingAfterErrors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cycles := 0
	m := NewMonitor(Config{CyclePause: time.Second}, Deps{
		Candidates: candidates{err: errors.New("approval down")},
		Pending:    &pending{},
		Releaser:   &releaser{},
		Sleep: func(ctx context.Context, d time.Duration) error {
			cycles++
			if cycles == 3 {
				cancel()
			}
			return ctx.Err()
		},
	})
	m.Run(ctx)
	assert.Equal(t, 3, cycles)
}

func TestReleaseOrder(t *testing.T) {
	r := &releaser{}
	m := NewMonitor(Config{}, Deps{Candidates: candidates{}, Pending: &pending{orders: []string{"9"}}, Releaser: r})

	a, err := m.ReleaseOrder(context.Background(), "9")
	require.NoError(t, err)
	assert.Equal(t, challenge.StateConfirmed, a.State)

	_, err = m.ReleaseOrder(context.Background(), "10")
	require.ErrorIs(t, err, ErrNotPending)
	assert.Equal(t, []string{"9"}, r.released)
}

// exchangeAPI answers the first confirm without a challenge.
type exchangeAPI struct{ calls []string }

func (e *exchangeAPI) ConfirmOrderPayed(_ context.Context, _, bizNo, _ string) (string, error) {
	e.calls = append(e.calls, "confirm:"+bizNo)
	return "", nil
}

func (e *exchangeAPI) GetSteps(context.Context, string) ([]domain.VerifyType, error) {
	e.calls = append(e.calls, "getSteps")
	return nil, nil
}

func (e *exchangeAPI) SendEmailVerifyCode(context.Context, string) error {
	e.calls = append(e.calls, "sendEmail")
	return nil
}

func (e *exchangeAPI) VerifySingleFactor(context.Context, string, domain.VerifyType, string) error {
	e.calls = append(e.calls, "verify")
	return nil
}

func (e *exchangeAPI) GetChallengeToken(context.Context, string) (string, error) {
	e.calls = append(e.calls, "token")
	return "", nil
}

func TestEndToEnd_ReleaseWithoutChallenge(t *testing.T) {
	api := &exchangeAPI{}
	coord := challenge.NewCoordinator(api, nil, nil, challenge.WithSleep(common.NoSleep))
	m := NewMonitor(Config{}, Deps{
		Candidates: candidates{orders: []string{"X123"}},
		Pending:    &pending{orders: []string{"X123"}},
		Releaser:   coord,
		Sleep:      common.NoSleep,
	})

	sum, err := m.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Released)
	assert.Equal(t, []string{"confirm:"}, api.calls)
}

func TestOldestFirst(t *testing.T) {
	in := []domain.ReleaseCandidate{{OrderNumber: "4"}, {OrderNumber: ""}, {OrderNumber: "2"}, {OrderNumber: "2"}, {OrderNumber: "1"}}
	got := oldestFirst(in, 3)
	require.Len(t, got, 3)
	assert.Equal(t, "1", got[0].OrderNumber)
	assert.Equal(t, "2", got[1].OrderNumber)
	assert.Equal(t, "4", got[2].OrderNumber)
	assert.Empty(t, oldestFirst(nil, 3))
}
