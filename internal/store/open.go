package store

import (
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Config selects the snapshot backend and an optional SQL mirror.
type Config struct {
	Driver       string // file, sqlite or postgres
	Path         string // directory for file, database file for sqlite
	DSN          string // postgres connection string
	MirrorDriver string // sqlite or postgres; empty disables the mirror
	MirrorDSN    string
}

// Store is what Open returns: a snapshot store that can also answer reports.
type Store interface {
	SnapshotStore
	Reporter
}

// Open builds the configured store.
func Open(cfg Config, log *logrus.Entry) (Store, error) {
	primary, err := openOne(cfg.Driver, cfg.Path, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if cfg.MirrorDriver == "" {
		return primary, nil
	}
	mirror, err := openOne(cfg.MirrorDriver, cfg.MirrorDSN, cfg.MirrorDSN)
	if err != nil {
		_ = primary.Close()
		return nil, errors.Wrap(err, "open mirror")
	}
	return NewMirrored(primary, log, mirror), nil
}

func openOne(driver, path, dsn string) (Store, error) {
	switch driver {
	case "", "file":
		if path == "" {
			path = filepath.Join("data", "orders")
		}
		return NewFileStore(path), nil
	case string(DialectSQLite):
		if path == "" {
			path = dsn
		}
		if path == "" {
			path = filepath.Join("data", "orders.db")
		}
		return OpenSQL(DialectSQLite, path)
	case string(DialectPostgres):
		if dsn == "" {
			return nil, errors.New("postgres store requires a dsn")
		}
		return OpenSQL(DialectPostgres, dsn)
	}
	return nil, errors.Errorf("unknown store driver %q", driver)
}
