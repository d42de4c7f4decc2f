// Package store is the MySQL persistence layer. Every store accepts a
// dbx.Builder so the same queries run standalone or inside a transaction.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/pocketbase/dbx"

	"concert-ticketing/status"
)

// MySQL server error numbers that the retry layer cares about.
const (
	mysqlDuplicateEntry  = 1062
	mysqlLockWaitTimeout = 1205
	mysqlDeadlock        = 1213
)

func Open(dsn string) (*dbx.DB, error) {
	db, err := dbx.MustOpen("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	db.DB().SetMaxOpenConns(50)
	db.DB().SetMaxIdleConns(10)
	db.DB().SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

// MapError folds driver errors into the package sentinels so callers never
// inspect MySQL error numbers themselves.
func MapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %v", status.ErrNotFound, err)
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case mysqlDuplicateEntry:
			return fmt.Errorf("%w: %v", status.ErrDuplicateKey, err)
		case mysqlLockWaitTimeout:
			return fmt.Errorf("%w: %v", status.ErrLockWaitTimeout, err)
		case mysqlDeadlock:
			return fmt.Errorf("%w: %v", status.ErrTxDeadlock, err)
		}
	}
	return err
}

// Transactional runs fn inside a transaction, mapping the returned error.
func Transactional(db *dbx.DB, fn func(tx *dbx.Tx) error) error {
	return MapError(db.Transactional(fn))
}
