package release

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/p2prelease/internal/challenge"
	"github.com/betbot/p2prelease/internal/common"
	"github.com/betbot/p2prelease/internal/domain"
	"github.com/betbot/p2prelease/internal/lock"
	"github.com/betbot/p2prelease/internal/metrics"
	"github.com/betbot/p2prelease/internal/risk"
	"github.com/betbot/p2prelease/pkg/logger"
)

// ErrNotPending is returned by ReleaseOrder when the exchange no longer lists the order as
// awaiting merchant action.
var ErrNotPending = errors.New("order is not pending release on the exchange")

// CandidateSource lists orders the approval backend marked ready, newest first.
type CandidateSource interface {
	ListApprovedOrders(ctx context.Context) ([]domain.ReleaseCandidate, error)
}

// PendingSource lists the orders the exchange still shows as awaiting merchant action.
type PendingSource interface {
	ListMerchantPendingOrders(ctx context.Context) ([]domain.MerchantOrder, error)
}

// Releaser runs the release flow for one order.
type Releaser interface {
	Release(ctx context.Context, orderNumber string) (*challenge.Attempt, error)
}

type Config struct {
	BatchSize  int
	OrderPause time.Duration
	CyclePause time.Duration
	LockTTL    time.Duration
}

func (c *Config) defaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 3
	}
	if c.OrderPause <= 0 {
		c.OrderPause = 15 * time.Second
	}
	if c.CyclePause <= 0 {
		c.CyclePause = 10 * time.Second
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 10 * time.Minute
	}
}

// Deps are the collaborators of a Monitor. Locker, Breaker and Metrics are optional.
type Deps struct {
	Candidates CandidateSource
	Pending    PendingSource
	Releaser   Releaser
	Locker     lock.Locker
	Breaker    *risk.CircuitBreaker
	Metrics    *metrics.Metrics
	Sleep      common.SleepFunc
	Now        func() time.Time
	Log        *logrus.Entry
}

// Summary counts the outcomes of one cycle.
type Summary struct {
	Candidates int
	Released   int
	Skipped    int
	Locked     int
	Failed     int
}

// Monitor releases approved orders one at a time.
type Monitor struct {
	cfg        Config
	candidates CandidateSource
	pending    PendingSource
	releaser   Releaser
	locker     lock.Locker
	breaker    *risk.CircuitBreaker
	metrics    *metrics.Metrics
	sleep      common.SleepFunc
	now        func() time.Time
	log        *logrus.Entry
}

func NewMonitor(cfg Config, deps Deps) *Monitor {
	cfg.defaults()
	if deps.Sleep == nil {
		deps.Sleep = common.Sleep
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Locker == nil {
		deps.Locker = lock.NewMemoryLocker(1)
	}
	return &Monitor{
		cfg:        cfg,
		candidates: deps.Candidates,
		pending:    deps.Pending,
		releaser:   deps.Releaser,
		locker:     deps.Locker,
		breaker:    deps.Breaker,
		metrics:    deps.Metrics,
		sleep:      deps.Sleep,
		now:        deps.Now,
		log:        logger.OrDefault(deps.Log, "releaser"),
	}
}

// Run repeats release cycles, CyclePause apart, until ctx is done. A cycle never stops the
// loop; once ctx is done the cycle in flight finishes its current order and returns.
func (m *Monitor) Run(ctx context.Context) {
	m.log.WithFields(logrus.Fields{"batch": m.cfg.BatchSize, "pause": m.cfg.CyclePause}).Info("release monitor started")
	common.RunChained(ctx, m.cfg.CyclePause, m.sleep, func(cycleCtx context.Context) {
		s, err := m.cycle(cycleCtx, ctx)
		if err != nil {
			m.log.WithError(err).Error("release cycle failed")
			return
		}
		if s.Candidates > 0 {
			m.log.WithFields(logrus.Fields{
				"candidates": s.Candidates, "released": s.Released, "skipped": s.Skipped,
				"locked": s.Locked, "failed": s.Failed,
			}).Info("release cycle done")
		}
	})
	m.log.Info("release monitor stopped")
}

// RunOnce runs a single cycle. It returns an error only when the candidate list could not
// be fetched; per-order failures are logged and counted in the Summary.
func (m *Monitor) RunOnce(ctx context.Context) (Summary, error) {
	return m.cycle(ctx, ctx)
}

// cycle releases the oldest BatchSize candidates. Calls run on ctx; stop is consulted between
// orders so a shutdown never interrupts a challenge sequence.
func (m *Monitor) cycle(ctx, stop context.Context) (s Summary, err error) {
	defer func() { m.metrics.ReleaseCycle(err) }()

	all, err := m.candidates.ListApprovedOrders(ctx)
	if err != nil {
		return s, err
	}
	batch := oldestFirst(all, m.cfg.BatchSize)
	s.Candidates = len(batch)

	for i, c := range batch {
		if stop.Err() != nil {
			m.log.Info("shutdown requested, leaving remaining candidates for the next run")
			break
		}
		result, _ := m.process(ctx, c.OrderNumber)
		switch result {
		case metrics.ResultReleased:
			s.Released++
		case metrics.ResultSkipped:
			s.Skipped++
		case metrics.ResultLocked:
			s.Locked++
		default:
			s.Failed++
		}
		// Skipped and failed orders are paced like released ones.
		if i < len(batch)-1 {
			if m.sleep(stop, m.cfg.OrderPause) != nil {
				break
			}
		}
	}
	return s, nil
}

// process checks that the order is still pending on the exchange and releases it under
// the order lock. attempted reports whether the release flow was started.
func (m *Monitor) process(ctx context.Context, orderNumber string) (result string, attempted bool) {
	log := m.log.WithField("order", orderNumber)
	started := m.now()
	defer func() {
		var d time.Duration
		if attempted {
			d = m.now().Sub(started)
		}
		m.metrics.ReleaseAttempt(result, d)
	}()

	active, err := m.pendingOrders(ctx)
	if err != nil {
		log.WithError(err).Error("pending order list unavailable")
		return metrics.ResultFailed, false
	}
	if !domain.ContainsOrder(active, orderNumber) {
		log.Warn("order no longer pending on the exchange, skipping")
		return metrics.ResultSkipped, false
	}

	if _, err := m.releaseLocked(ctx, orderNumber); err != nil {
		if errors.Is(err, lock.ErrHeld) {
			log.Warn("release already in flight elsewhere, skipping")
			return metrics.ResultLocked, false
		}
		return metrics.ResultFailed, true
	}
	return metrics.ResultReleased, true
}

// ReleaseOrder releases a single order on demand, with the same pending check and lock as
// the loop.
func (m *Monitor) ReleaseOrder(ctx context.Context, orderNumber string) (*challenge.Attempt, error) {
	active, err := m.pendingOrders(ctx)
	if err != nil {
		return nil, err
	}
	if !domain.ContainsOrder(active, orderNumber) {
		return nil, ErrNotPending
	}
	started := m.now()
	a, err := m.releaseLocked(ctx, orderNumber)
	switch {
	case err == nil:
		m.metrics.ReleaseAttempt(metrics.ResultReleased, m.now().Sub(started))
	case errors.Is(err, lock.ErrHeld):
		m.metrics.ReleaseAttempt(metrics.ResultLocked, m.now().Sub(started))
	default:
		m.metrics.ReleaseAttempt(metrics.ResultFailed, m.now().Sub(started))
	}
	return a, err
}

func (m *Monitor) pendingOrders(ctx context.Context) ([]domain.MerchantOrder, error) {
	return risk.Call(m.breaker, func() ([]domain.MerchantOrder, error) {
		return m.pending.ListMerchantPendingOrders(ctx)
	})
}

func (m *Monitor) releaseLocked(ctx context.Context, orderNumber string) (*challenge.Attempt, error) {
	unlock, err := m.locker.Acquire(ctx, orderNumber, m.cfg.LockTTL)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return m.releaser.Release(ctx, orderNumber)
}

// oldestFirst reverses the newest-first candidate list and keeps the first n entries with
// distinct order numbers.
func oldestFirst(candidates []domain.ReleaseCandidate, n int) []domain.ReleaseCandidate {
	out := make([]domain.ReleaseCandidate, 0, n)
	seen := make(map[string]struct{}, n)
	for i := len(candidates) - 1; i >= 0 && len(out) < n; i-- {
		c := candidates[i]
		if c.OrderNumber == "" {
			continue
		}
		if _, dup := seen[c.OrderNumber]; dup {
			continue
		}
		seen[c.OrderNumber] = struct{}{}
		out = append(out, c)
	}
	return out
}
