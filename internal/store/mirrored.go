package store

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/p2prelease/internal/domain"
	"github.com/betbot/p2prelease/pkg/logger"
)

// Mirrored saves to a primary store and then copies the snapshot to mirrors. Only the
// primary decides success; mirror failures are logged and the next Save catches up.
type Mirrored struct {
	primary SnapshotStore
	mirrors []SnapshotStore
	log     *logrus.Entry
}

func NewMirrored(primary SnapshotStore, log *logrus.Entry, mirrors ...SnapshotStore) *Mirrored {
	return &Mirrored{primary: primary, mirrors: mirrors, log: logger.OrDefault(log, "store")}
}

func (m *Mirrored) Load(ctx context.Context) ([]domain.Order, error) {
	return m.primary.Load(ctx)
}

func (m *Mirrored) Save(ctx context.Context, orders []domain.Order) error {
	if err := m.primary.Save(ctx, orders); err != nil {
		return err
	}
	for i, mirror := range m.mirrors {
		if err := mirror.Save(ctx, orders); err != nil {
			m.log.WithError(err).WithField("mirror", i).Warn("mirror save failed")
		}
	}
	return nil
}

// CompletedOrders answers from the primary. Mirrors can lag behind it, so one is only
// asked when the primary cannot report.
func (m *Mirrored) CompletedOrders(ctx context.Context, tradeType domain.TradeType, from, to time.Time) ([]domain.Order, error) {
	if r, ok := m.primary.(Reporter); ok {
		return r.CompletedOrders(ctx, tradeType, from, to)
	}
	for _, mirror := range m.mirrors {
		if r, ok := mirror.(Reporter); ok {
			return r.CompletedOrders(ctx, tradeType, from, to)
		}
	}
	return nil, errors.New("store does not support reports")
}

func (m *Mirrored) Close() error {
	errs := []error{m.primary.Close()}
	for _, mirror := range m.mirrors {
		errs = append(errs, mirror.Close())
	}
	return errors.Join(errs...)
}
