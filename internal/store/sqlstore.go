package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/betbot/p2prelease/internal/domain"
)

// Dialect selects placeholder style and driver name.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

const createOrders = `
CREATE TABLE IF NOT EXISTS orders (
  order_number TEXT PRIMARY KEY,
  adv_no TEXT NOT NULL DEFAULT '',
  trade_type TEXT NOT NULL,
  asset TEXT NOT NULL,
  fiat TEXT NOT NULL DEFAULT '',
  amount TEXT NOT NULL,
  unit_price TEXT NOT NULL,
  total_price TEXT NOT NULL,
  order_status TEXT NOT NULL,
  create_time BIGINT NOT NULL,
  counterpart_nick_name TEXT NOT NULL DEFAULT '',
  updated_at BIGINT NOT NULL
)`

const createOrdersIndex = `CREATE INDEX IF NOT EXISTS idx_orders_status_time ON orders(order_status, trade_type, create_time)`

const orderColumns = `order_number, adv_no, trade_type, asset, fiat, amount, unit_price, total_price, order_status, create_time, counterpart_nick_name`

const upsertOrder = `
INSERT INTO orders (order_number, adv_no, trade_type, asset, fiat, amount, unit_price, total_price, order_status, create_time, counterpart_nick_name, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (order_number) DO UPDATE SET
  adv_no = excluded.adv_no,
  trade_type = excluded.trade_type,
  asset = excluded.asset,
  fiat = excluded.fiat,
  amount = excluded.amount,
  unit_price = excluded.unit_price,
  total_price = excluded.total_price,
  order_status = excluded.order_status,
  create_time = excluded.create_time,
  counterpart_nick_name = excluded.counterpart_nick_name,
  updated_at = excluded.updated_at`

// SQLStore keeps the snapshot in an orders table, one row per order.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// OpenSQL opens and migrates a SQLite file or a Postgres database.
func OpenSQL(dialect Dialect, dsn string) (*SQLStore, error) {
	switch dialect {
	case DialectSQLite:
		if dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
			if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
				return nil, fmt.Errorf("mkdir db dir: %w", err)
			}
		}
	case DialectPostgres:
	default:
		return nil, errors.Errorf("unknown sql dialect %q", dialect)
	}
	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		db.SetMaxOpenConns(1) // one writer; also keeps :memory: on a single connection
		db.SetMaxIdleConns(1)
	}
	s := NewSQLStore(db, dialect)
	if err := s.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStore wraps an open handle. Call Migrate before first use.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect, now: time.Now}
}

func (s *SQLStore) Migrate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	for _, stmt := range []string{createOrders, createOrdersIndex} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// rebind turns ? placeholders into $n for Postgres.
func (s *SQLStore) rebind(q string) string {
	if s.dialect != DialectPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) Load(ctx context.Context) ([]domain.Order, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+orderColumns+` FROM orders ORDER BY create_time DESC, order_number`)
	if err != nil {
		return nil, errors.Wrap(err, "load orders")
	}
	return scanOrders(rows)
}

// Save upserts every order in one transaction. Rows absent from orders are kept.
func (s *SQLStore) Save(ctx context.Context, orders []domain.Order) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	q := s.rebind(upsertOrder)
	now := s.now().UnixMilli()
	for _, o := range orders {
		if _, err = tx.ExecContext(ctx, q,
			o.OrderNumber, o.AdvNo, string(o.TradeType), o.Asset, o.Fiat,
			o.Amount.String(), o.UnitPrice.String(), o.TotalPrice.String(),
			string(o.OrderStatus), o.CreateTime, o.CounterPartNickName, now,
		); err != nil {
			return errors.Wrapf(err, "upsert order %s", o.OrderNumber)
		}
	}
	if err = tx.Commit(); err != nil {
		return errors.Wrap(err, "commit")
	}
	return nil
}

// CompletedOrders returns completed orders of tradeType created in [from, to], newest first.
func (s *SQLStore) CompletedOrders(ctx context.Context, tradeType domain.TradeType, from, to time.Time) ([]domain.Order, error) {
	q := s.rebind(`SELECT ` + orderColumns + ` FROM orders
WHERE trade_type = ? AND order_status = ? AND create_time BETWEEN ? AND ?
ORDER BY create_time DESC`)
	rows, err := s.db.QueryContext(ctx, q, string(tradeType), string(domain.OrderStatusCompleted), from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, errors.Wrap(err, "query completed orders")
	}
	return scanOrders(rows)
}

func (s *SQLStore) Close() error { return s.db.Close() }

func scanOrders(rows *sql.Rows) ([]domain.Order, error) {
	defer rows.Close()
	var out []domain.Order
	for rows.Next() {
		var (
			o                        domain.Order
			tradeType, status        string
			amount, unitPrice, total string
		)
		if err := rows.Scan(&o.OrderNumber, &o.AdvNo, &tradeType, &o.Asset, &o.Fiat,
			&amount, &unitPrice, &total, &status, &o.CreateTime, &o.CounterPartNickName); err != nil {
			return nil, errors.Wrap(err, "scan order")
		}
		o.TradeType = domain.TradeType(tradeType)
		o.OrderStatus = domain.OrderStatus(status)
		o.Amount = decimalOrZero(amount)
		o.UnitPrice = decimalOrZero(unitPrice)
		o.TotalPrice = decimalOrZero(total)
		out = append(out, o)
	}
	return out, rows.Err()
}

func decimalOrZero(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
