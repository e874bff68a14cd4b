// Package sqldb opens the relational store behind the control plane.
// Postgres and SQLite are both supported via standard drivers; the DSN
// scheme selects the driver.
package sqldb

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"      // postgres driver
	_ "modernc.org/sqlite"     // sqlite driver, cgo-free
)

// Driver names as registered with database/sql.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Open opens a connection pool for the given DSN. DSNs starting with
// postgres:// or postgresql:// use lib/pq; anything else is treated as a
// SQLite path or URI.
func Open(dsn string, maxOpen, maxIdle int) (*sql.DB, string, error) {
	driver := DriverSQLite
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		driver = DriverPostgres
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, "", fmt.Errorf("sqldb: open %s: %w", driver, err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	return db, driver, nil
}
