package mssql

import (
	"errors"
	"fmt"
	"strings"

	"github.com/johndauphine/tablecopy/internal/copyerr"
	"github.com/johndauphine/tablecopy/internal/dataset"
	"github.com/johndauphine/tablecopy/internal/driver"
	mssql "github.com/microsoft/go-mssqldb"
)

// Error numbers worth a retry: deadlock victim, database unavailable,
// service busy, and failover in progress on Azure SQL.
var transientErrors = map[int32]bool{
	1205:  true,
	40613: true,
	40501: true,
	40197: true,
}

// Invalid column name and invalid object name.
var schemaErrors = map[int32]bool{
	207: true,
	208: true,
}

// Dialect implements driver.Dialect for SQL Server.
type Dialect struct{}

func (d *Dialect) Name() string { return "mssql" }

func (d *Dialect) QuoteIdentifier(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

func (d *Dialect) QualifyTable(t driver.Table) string {
	if t.Schema == "" {
		return d.QuoteIdentifier(t.Name)
	}
	return d.QuoteIdentifier(t.Schema) + "." + d.QuoteIdentifier(t.Name)
}

func (d *Dialect) PrimaryKeyQuery() string {
	return `
		SELECT c.COLUMN_NAME
		FROM INFORMATION_SCHEMA.TABLE_CONSTRAINTS tc
		JOIN INFORMATION_SCHEMA.KEY_COLUMN_USAGE c
			ON c.CONSTRAINT_NAME = tc.CONSTRAINT_NAME AND c.TABLE_SCHEMA = tc.TABLE_SCHEMA
		WHERE tc.CONSTRAINT_TYPE = 'PRIMARY KEY' AND tc.TABLE_SCHEMA = @p1 AND tc.TABLE_NAME = @p2
		ORDER BY c.ORDINAL_POSITION
	`
}

func (d *Dialect) UniqueIndexesQuery() string {
	return `
		SELECT i.name, c.name
		FROM sys.indexes i
		JOIN sys.index_columns ic ON i.object_id = ic.object_id AND i.index_id = ic.index_id
		JOIN sys.columns c ON ic.object_id = c.object_id AND ic.column_id = c.column_id
		JOIN sys.tables tb ON i.object_id = tb.object_id
		JOIN sys.schemas s ON tb.schema_id = s.schema_id
		WHERE s.name = @p1 AND tb.name = @p2
		  AND i.is_unique = 1 AND i.is_primary_key = 0 AND ic.is_included_column = 0
		ORDER BY i.name, ic.key_ordinal
	`
}

// IndexNamesQuery only returns nonclustered, non-unique indexes: disabling a
// clustered index makes the table unreadable.
func (d *Dialect) IndexNamesQuery() string {
	return `
		SELECT i.name
		FROM sys.indexes i
		JOIN sys.tables tb ON i.object_id = tb.object_id
		JOIN sys.schemas s ON tb.schema_id = s.schema_id
		WHERE s.name = @p1 AND tb.name = @p2
		  AND i.type = 2 AND i.is_primary_key = 0 AND i.is_unique = 0 AND i.is_unique_constraint = 0
		ORDER BY i.name
	`
}

func (d *Dialect) IdentityQuery() string {
	return `
		SELECT CASE WHEN EXISTS (
			SELECT 1 FROM sys.columns c
			JOIN sys.tables t ON c.object_id = t.object_id
			JOIN sys.schemas s ON t.schema_id = s.schema_id
			WHERE s.name = @p1 AND t.name = @p2 AND c.is_identity = 1
		) THEN 1 ELSE 0 END`
}

func (d *Dialect) MarkerQuery(t driver.Table, column string, batchSize int) string {
	col := d.QuoteIdentifier(column)
	return fmt.Sprintf(`
		SELECT %s FROM (
			SELECT %s, ROW_NUMBER() OVER (ORDER BY %s) - 1 AS __rn FROM %s
		) markers
		WHERE __rn %% %d = 0
		ORDER BY %s
	`, col, col, col, d.QualifyTable(t), batchSize, col)
}

func (d *Dialect) SeekQuery(t driver.Table, columns []string, key string, bounded bool) string {
	k := d.QuoteIdentifier(key)
	where := fmt.Sprintf("%s >= @p1", k)
	if bounded {
		where += fmt.Sprintf(" AND %s < @p2", k)
	}
	return fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE %s
		ORDER BY %s
	`, driver.ColumnList(d, columns), d.QualifyTable(t), where, k)
}

func (d *Dialect) OffsetQuery(t driver.Table, columns, orderBy []string) string {
	return fmt.Sprintf(`
		SELECT %s FROM %s
		ORDER BY %s
		OFFSET @p1 ROWS FETCH NEXT @p2 ROWS ONLY
	`, driver.ColumnList(d, columns), d.QualifyTable(t), driver.ColumnList(d, orderBy))
}

func (d *Dialect) FullScanQuery(t driver.Table, columns []string) string {
	return fmt.Sprintf("SELECT %s FROM %s", driver.ColumnList(d, columns), d.QualifyTable(t))
}

func (d *Dialect) RowCountQuery(t driver.Table) string {
	return fmt.Sprintf("SELECT COUNT_BIG(*) FROM %s", d.QualifyTable(t))
}

func (d *Dialect) TruncateStatement(t driver.Table) string {
	return fmt.Sprintf("TRUNCATE TABLE %s", d.QualifyTable(t))
}

func (d *Dialect) DisableIndexStatement(t driver.Table, index string) string {
	return fmt.Sprintf("ALTER INDEX %s ON %s DISABLE", d.QuoteIdentifier(index), d.QualifyTable(t))
}

func (d *Dialect) DropIndexStatement(t driver.Table, index string) string {
	return fmt.Sprintf("DROP INDEX %s ON %s", d.QuoteIdentifier(index), d.QualifyTable(t))
}

func (d *Dialect) RebuildIndexesStatement(t driver.Table) string {
	return fmt.Sprintf("ALTER INDEX ALL ON %s REBUILD", d.QualifyTable(t))
}

func (d *Dialect) IdentityInsertStatement(t driver.Table, on bool) string {
	state := "OFF"
	if on {
		state = "ON"
	}
	return fmt.Sprintf("SET IDENTITY_INSERT %s %s", d.QualifyTable(t), state)
}

func (d *Dialect) AnalyzeStatement(t driver.Table) string {
	return fmt.Sprintf("UPDATE STATISTICS %s", d.QualifyTable(t))
}

// NormalizeValue converts uniqueidentifier bytes to their canonical string and
// decimal/money bytes to strings.
func (d *Dialect) NormalizeValue(col dataset.Column, v any) any {
	b, ok := v.([]byte)
	if !ok {
		return v
	}
	switch strings.ToUpper(col.TypeName) {
	case "UNIQUEIDENTIFIER":
		var u mssql.UniqueIdentifier
		if err := u.Scan(b); err != nil {
			return b
		}
		return u.String()
	case "DECIMAL", "NUMERIC", "MONEY", "SMALLMONEY":
		return string(b)
	}
	return b
}

func (d *Dialect) ClassifyError(op string, err error) error {
	var msErr mssql.Error
	if !errors.As(err, &msErr) {
		return err
	}
	switch {
	case transientErrors[msErr.Number]:
		return &copyerr.TransientIOError{Op: op, Err: err}
	case schemaErrors[msErr.Number]:
		return &copyerr.SchemaInvariantError{Reason: op, Err: err}
	}
	return err
}
