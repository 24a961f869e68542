// Package driver provides the pluggable database capabilities used by the
// copy pipeline. Each database (PostgreSQL, MSSQL) implements the Driver
// interface and registers itself from its package init.
package driver

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Defaults contains default connection values for a database driver.
// Used by config.applyDefaults() to set sensible defaults for each database type.
type Defaults struct {
	// Port is the default port (e.g., 5432 for PostgreSQL, 1433 for MSSQL).
	Port int

	// Schema is the default schema (e.g., "public" for PostgreSQL, "dbo" for MSSQL).
	Schema string

	// SSLMode is the default SSL mode for PostgreSQL-style connections.
	SSLMode string

	// Encrypt is the default encryption setting for MSSQL-style connections.
	Encrypt bool
}

// Driver represents a pluggable database driver.
//
// To add a new database:
// 1. Create a package under internal/driver/<dbname>/
// 2. Implement the Driver interface
// 3. Register via init(): driver.Register(&MyDriver{})
type Driver interface {
	// Name returns the primary driver name (e.g., "mssql", "postgres").
	Name() string

	// Aliases returns alternative names for this driver.
	Aliases() []string

	// SQLDriverName is the database/sql driver name of the vendor library.
	SQLDriverName() string

	Defaults() Defaults

	Dialect() Dialect
}

// Open opens a pooled connection to the named database type and pings it.
func Open(ctx context.Context, name, dsn string, maxConns int) (*sql.DB, Dialect, error) {
	d, err := Get(name)
	if err != nil {
		return nil, nil, err
	}

	db, err := sql.Open(d.SQLDriverName(), dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("opening %s connection: %w", d.Name(), err)
	}
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
		db.SetMaxIdleConns(max(maxConns/4, 1))
	}
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("pinging %s: %w", d.Name(), err)
	}
	return db, d.Dialect(), nil
}
