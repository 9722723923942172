package store

import (
	"context"
	"errors"
	"time"

	"github.com/betbot/p2prelease/internal/domain"
	"github.com/betbot/p2prelease/pkg/persistence"
)

// snapshotDoc is the on-disk shape: {"data": [...]}.
type snapshotDoc struct {
	Data []domain.Order `json:"data"`
}

// FileStore keeps the snapshot as one JSON document, replaced atomically on Save.
type FileStore struct {
	store persistence.Store
}

func NewFileStore(dir string) *FileStore {
	svc := persistence.NewJSONFileService(dir)
	return &FileStore{store: svc.NewStore("orders", "p2p", "snapshot")}
}

func (s *FileStore) Load(context.Context) ([]domain.Order, error) {
	var doc snapshotDoc
	if err := s.store.Load(&doc); err != nil {
		return nil, err
	}
	return doc.Data, nil
}

func (s *FileStore) Save(_ context.Context, orders []domain.Order) error {
	if orders == nil {
		orders = []domain.Order{}
	}
	return s.store.Save(snapshotDoc{Data: orders})
}

// CompletedOrders scans the snapshot on disk, newest first.
func (s *FileStore) CompletedOrders(ctx context.Context, tradeType domain.TradeType, from, to time.Time) ([]domain.Order, error) {
	orders, err := s.Load(ctx)
	if errors.Is(err, ErrNotExists) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []domain.Order
	for _, o := range orders {
		if completedIn(o, tradeType, from, to) {
			out = append(out, o)
		}
	}
	domain.SortByCreateTimeDesc(out)
	return out, nil
}

func (s *FileStore) Close() error { return nil }
