// Package mssql provides the Microsoft SQL Server driver implementation.
// It registers itself with the driver registry on import.
package mssql

import (
	"github.com/johndauphine/tablecopy/internal/driver"
	_ "github.com/microsoft/go-mssqldb"
)

func init() {
	driver.Register(&Driver{})
}

// Driver implements driver.Driver for Microsoft SQL Server.
type Driver struct{}

// Name returns the primary driver name.
func (d *Driver) Name() string {
	return "mssql"
}

// Aliases returns alternative names for the driver.
func (d *Driver) Aliases() []string {
	return []string{"sqlserver", "sql-server"}
}

// SQLDriverName is the go-mssqldb database/sql driver.
func (d *Driver) SQLDriverName() string {
	return "sqlserver"
}

// Defaults returns the default configuration values for MSSQL.
func (d *Driver) Defaults() driver.Defaults {
	return driver.Defaults{
		Port:    1433,
		Schema:  "dbo",
		Encrypt: true, // Secure default
	}
}

// Dialect returns the MSSQL dialect.
func (d *Driver) Dialect() driver.Dialect {
	return &Dialect{}
}
