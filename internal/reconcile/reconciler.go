package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/p2prelease/internal/common"
	"github.com/betbot/p2prelease/internal/domain"
	"github.com/betbot/p2prelease/internal/metrics"
	"github.com/betbot/p2prelease/internal/risk"
	"github.com/betbot/p2prelease/internal/store"
	"github.com/betbot/p2prelease/pkg/logger"
)

// Exchange is the order surface the reconciler reads.
type Exchange interface {
	ListOrderHistory(ctx context.Context, tradeType domain.TradeType, page, rows int) ([]domain.Order, error)
	GetOrderDetail(ctx context.Context, orderNumber string) (*domain.OrderDetail, error)
}

// NameSink receives the counterparty name of new orders.
type NameSink interface {
	UpdateBuyerName(ctx context.Context, orderNumber, buyerName string) error
}

// CompletedHandler reacts to an order reaching COMPLETED.
type CompletedHandler interface {
	OnCompleted(ctx context.Context, order domain.Order) (*domain.SpotOrder, error)
}

// Config tunes the reconciliation loop.
type Config struct {
	Interval  time.Duration
	TradeType domain.TradeType
	Rows      int
}

// Reconciler keeps the persisted order snapshot in step with the exchange order history.
// It is the only writer of the snapshot; cycles never overlap.
type Reconciler struct {
	cfg       Config
	exchange  Exchange
	store     store.SnapshotStore
	names     NameSink
	completed CompletedHandler
	breaker   *risk.CircuitBreaker
	metrics   *metrics.Metrics
	sleep     common.SleepFunc
	log       *logrus.Entry
}

// Deps are the collaborators of a Reconciler. Names and Completed are optional.
type Deps struct {
	Exchange  Exchange
	Store     store.SnapshotStore
	Names     NameSink
	Completed CompletedHandler
	Breaker   *risk.CircuitBreaker
	Metrics   *metrics.Metrics
	Sleep     common.SleepFunc
	Log       *logrus.Entry
}

func New(cfg Config, deps Deps) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.TradeType == "" {
		cfg.TradeType = domain.TradeTypeSell
	}
	if cfg.Rows <= 0 {
		cfg.Rows = 100
	}
	if deps.Sleep == nil {
		deps.Sleep = common.Sleep
	}
	return &Reconciler{
		cfg:       cfg,
		exchange:  deps.Exchange,
		store:     deps.Store,
		names:     deps.Names,
		completed: deps.Completed,
		breaker:   deps.Breaker,
		metrics:   deps.Metrics,
		sleep:     deps.Sleep,
		log:       logger.OrDefault(deps.Log, "reconciler"),
	}
}

// Run reconciles every Interval after the previous cycle finished, until ctx is done.
// A cycle in flight when ctx is cancelled runs to completion.
func (r *Reconciler) Run(ctx context.Context) {
	r.log.WithField("interval", r.cfg.Interval).Info("order reconciler started")
	common.RunChained(ctx, r.cfg.Interval, r.sleep, func(cycleCtx context.Context) {
		if _, err := r.RunOnce(cycleCtx); err != nil {
			r.log.WithError(err).Error("reconcile cycle failed")
		}
	})
	r.log.Info("order reconciler stopped")
}

// RunOnce performs one load, diff, save cycle. Completed handlers run only after the
// snapshot was saved, so a failed save never triggers a side effect twice.
func (r *Reconciler) RunOnce(ctx context.Context) (res Result, err error) {
	defer func() { r.metrics.ReconcileCycle(err) }()

	snapshot, err := r.store.Load(ctx)
	if errors.Is(err, store.ErrNotExists) {
		snapshot, err = nil, nil
	}
	if err != nil {
		return Result{}, err
	}

	remote, err := risk.Call(r.breaker, func() ([]domain.Order, error) {
		return r.exchange.ListOrderHistory(ctx, r.cfg.TradeType, 1, r.cfg.Rows)
	})
	if err != nil {
		return Result{}, err
	}

	res = Diff(snapshot, remote)
	for _, a := range res.Anomalies {
		r.log.WithFields(logrus.Fields{"order": a.OrderNumber, "stored": a.Stored, "reported": a.Reported}).
			Warnf("order status anomaly: %s", a.Kind)
	}
	if !res.Changed() {
		return res, nil
	}

	r.backfillNames(ctx, &res)

	domain.SortByCreateTimeDesc(res.Snapshot)
	if err := r.store.Save(ctx, res.Snapshot); err != nil {
		return res, err
	}
	r.metrics.OrdersNew(len(res.New))
	for _, t := range res.Transitions {
		r.metrics.OrderTransitioned(string(t.To))
		r.log.WithField("order", t.Order.OrderNumber).Infof("order status %s -> %s", t.From, t.To)
	}
	r.log.WithFields(logrus.Fields{"new": len(res.New), "transitions": len(res.Transitions)}).Info("snapshot saved")

	for _, t := range res.Completed() {
		r.handleCompleted(ctx, t.Order)
	}
	return res, nil
}

// backfillNames copies the buyer name of each new order from the order detail into the
// snapshot and forwards it to the name sink. Failures are logged; the order is kept.
func (r *Reconciler) backfillNames(ctx context.Context, res *Result) {
	if len(res.New) == 0 {
		return
	}
	pos := make(map[string]int, len(res.Snapshot))
	for i, o := range res.Snapshot {
		pos[o.OrderNumber] = i
	}
	for i := range res.New {
		o := &res.New[i]
		log := r.log.WithField("order", o.OrderNumber)
		detail, err := r.exchange.GetOrderDetail(ctx, o.OrderNumber)
		if err != nil {
			log.WithError(err).Error("order detail failed, name not backfilled")
			continue
		}
		o.CounterPartNickName = detail.BuyerName
		if j, ok := pos[o.OrderNumber]; ok {
			res.Snapshot[j].CounterPartNickName = detail.BuyerName
		}
		if r.names == nil || detail.BuyerName == "" {
			continue
		}
		if err := r.names.UpdateBuyerName(ctx, o.OrderNumber, detail.BuyerName); err != nil {
			log.WithError(err).Error("buyer name update failed")
			continue
		}
		log.Info("buyer name backfilled")
	}
}

func (r *Reconciler) handleCompleted(ctx context.Context, o domain.Order) {
	log := r.log.WithFields(logrus.Fields{"order": o.OrderNumber, "amount": o.Amount.String()})
	log.Info("order completed")
	if r.completed == nil {
		return
	}
	if _, err := r.completed.OnCompleted(ctx, o); err != nil {
		log.WithError(err).Error("completed-order handler failed")
	}
}
