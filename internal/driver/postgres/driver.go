// Package postgres provides the PostgreSQL driver implementation.
// It registers itself with the driver registry on import.
package postgres

import (
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/johndauphine/tablecopy/internal/driver"
)

func init() {
	driver.Register(&Driver{})
}

// Driver implements driver.Driver for PostgreSQL databases.
type Driver struct{}

// Name returns the primary driver name.
func (d *Driver) Name() string {
	return "postgres"
}

// Aliases returns alternative names for this driver.
func (d *Driver) Aliases() []string {
	return []string{"postgresql", "pg"}
}

// SQLDriverName is the pgx database/sql driver.
func (d *Driver) SQLDriverName() string {
	return "pgx"
}

// Defaults returns the default configuration values for PostgreSQL.
func (d *Driver) Defaults() driver.Defaults {
	return driver.Defaults{
		Port:    5432,
		Schema:  "public",
		SSLMode: "require", // Secure default
	}
}

// Dialect returns the PostgreSQL dialect.
func (d *Driver) Dialect() driver.Dialect {
	return &Dialect{}
}
